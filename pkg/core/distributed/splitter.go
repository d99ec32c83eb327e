// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/pkg/errors"
)

// Range is a half-open interval [Begin, End) of indices along one axis.
type Range struct {
	Begin, End int
}

// Size of the range.
func (r Range) Size() int { return r.End - r.Begin }

// Intersect returns the intersection of both ranges; it is empty (Size() == 0) if they don't overlap.
func (r Range) Intersect(other Range) Range {
	out := Range{Begin: max(r.Begin, other.Begin), End: min(r.End, other.End)}
	if out.End < out.Begin {
		out.End = out.Begin
	}
	return out
}

// String implements fmt.Stringer.
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Begin, r.End) }

// BalancedSplit splits total elements into the given number of contiguous parts, as evenly as possible:
// the first total%parts parts get one element more than the others.
func BalancedSplit(total, parts int) ([]Range, error) {
	if parts <= 0 {
		return nil, errors.Errorf("BalancedSplit(%d, %d): number of parts must be > 0", total, parts)
	}
	if total < 0 {
		return nil, errors.Errorf("BalancedSplit(%d, %d): total must be >= 0", total, parts)
	}
	base, extra := total/parts, total%parts
	ranges := make([]Range, parts)
	begin := 0
	for i := range ranges {
		size := base
		if i < extra {
			size++
		}
		ranges[i] = Range{Begin: begin, End: begin + size}
		begin += size
	}
	return ranges, nil
}
