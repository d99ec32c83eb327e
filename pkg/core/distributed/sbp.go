// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SbpKind is the kind of distribution directive for one placement dimension.
type SbpKind int

const (
	// Split means the tensor is split (sharded) along one of its axes across the ranks of the
	// placement dimension.
	Split SbpKind = iota

	// Broadcast means every rank of the placement dimension holds a full copy of the tensor.
	Broadcast

	// PartialSum means every rank holds a tensor of the full shape, and the logical value is the
	// element-wise sum across the ranks of the placement dimension.
	PartialSum
)

// Sbp (Split, Broadcast or PartialSum) is the distribution directive for one placement dimension.
// Axis is only used by Split.
type Sbp struct {
	Kind SbpKind
	Axis int
}

// SplitSbp returns a Split directive along the given tensor axis.
func SplitSbp(axis int) Sbp { return Sbp{Kind: Split, Axis: axis} }

// BroadcastSbp returns a Broadcast directive.
func BroadcastSbp() Sbp { return Sbp{Kind: Broadcast} }

// PartialSumSbp returns a PartialSum directive.
func PartialSumSbp() Sbp { return Sbp{Kind: PartialSum} }

// IsSplit returns whether the directive is a Split along the given axis.
func (s Sbp) IsSplit(axis int) bool { return s.Kind == Split && s.Axis == axis }

// String implements fmt.Stringer: "S(axis)", "B" or "P".
func (s Sbp) String() string {
	switch s.Kind {
	case Split:
		return fmt.Sprintf("S(%d)", s.Axis)
	case Broadcast:
		return "B"
	case PartialSum:
		return "P"
	}
	return fmt.Sprintf("Sbp(%d)", int(s.Kind))
}

// ParseSbp parses a directive in the format returned by Sbp.String.
func ParseSbp(desc string) (Sbp, error) {
	desc = strings.TrimSpace(desc)
	switch desc {
	case "B":
		return BroadcastSbp(), nil
	case "P":
		return PartialSumSbp(), nil
	}
	if strings.HasPrefix(desc, "S(") && strings.HasSuffix(desc, ")") {
		axis, err := strconv.Atoi(desc[2 : len(desc)-1])
		if err != nil {
			return Sbp{}, errors.Wrapf(err, "invalid split axis in sbp %q", desc)
		}
		if axis < 0 {
			return Sbp{}, errors.Errorf("invalid negative split axis in sbp %q", desc)
		}
		return SplitSbp(axis), nil
	}
	return Sbp{}, errors.Errorf("invalid sbp %q: valid values are \"S(<axis>)\", \"B\" or \"P\"", desc)
}

// NdSbp is the layout descriptor of a distributed tensor: one Sbp directive per dimension of the
// placement hierarchy.
type NdSbp []Sbp

// ParseNdSbp parses a comma-separated list of Sbp directives, e.g.: "S(0),B".
func ParseNdSbp(desc string) (NdSbp, error) {
	var nd NdSbp
	depth := 0
	start := 0
	for i, r := range desc {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				sbp, err := ParseSbp(desc[start:i])
				if err != nil {
					return nil, err
				}
				nd = append(nd, sbp)
				start = i + 1
			}
		}
	}
	sbp, err := ParseSbp(desc[start:])
	if err != nil {
		return nil, err
	}
	return append(nd, sbp), nil
}

// AllBroadcastNdSbp returns an NdSbp with n Broadcast directives.
func AllBroadcastNdSbp(n int) NdSbp {
	nd := make(NdSbp, n)
	for i := range nd {
		nd[i] = BroadcastSbp()
	}
	return nd
}

// Equal returns whether both NdSbp have the same directives.
func (nd NdSbp) Equal(other NdSbp) bool {
	return slices.Equal(nd, other)
}

// IsAllBroadcast returns whether every directive is Broadcast.
func (nd NdSbp) IsAllBroadcast() bool {
	for _, sbp := range nd {
		if sbp.Kind != Broadcast {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer, e.g. "(S(0), B)".
func (nd NdSbp) String() string {
	parts := make([]string, len(nd))
	for i, sbp := range nd {
		parts[i] = sbp.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
