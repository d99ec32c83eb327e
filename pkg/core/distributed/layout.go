// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"slices"

	"github.com/gomlx/distexec/pkg/core/shapes"
	"github.com/pkg/errors"
)

// ErrMalformedLayout is returned (wrapped) when an NdSbp doesn't fit a Placement or a logical shape.
var ErrMalformedLayout = errors.New("malformed layout")

// PlacedLayout is the full distributed-layout identity of a tensor: the Placement and how the tensor
// is laid out across it (NdSbp).
//
// It is immutable.
type PlacedLayout struct {
	placement *Placement
	ndSbp     NdSbp
}

// NewPlacedLayout creates a PlacedLayout, checking that the NdSbp has one directive per placement
// hierarchy dimension.
func NewPlacedLayout(placement *Placement, ndSbp NdSbp) (*PlacedLayout, error) {
	if placement == nil {
		return nil, errors.Wrap(ErrMalformedLayout, "nil placement")
	}
	if len(ndSbp) != placement.NDims() {
		return nil, errors.Wrapf(ErrMalformedLayout, "NdSbp %s has %d directives, but placement %s has %d dimensions",
			ndSbp, len(ndSbp), placement, placement.NDims())
	}
	for i, sbp := range ndSbp {
		if sbp.Kind == Split && sbp.Axis < 0 {
			return nil, errors.Wrapf(ErrMalformedLayout, "NdSbp %s directive #%d splits negative axis", ndSbp, i)
		}
	}
	return &PlacedLayout{placement: placement, ndSbp: slices.Clone(ndSbp)}, nil
}

// Placement returns the layout's placement.
func (l *PlacedLayout) Placement() *Placement { return l.placement }

// NdSbp returns a copy of the layout's directives.
func (l *PlacedLayout) NdSbp() NdSbp { return slices.Clone(l.ndSbp) }

// Sbp returns the directive for the given placement dimension.
func (l *PlacedLayout) Sbp(dim int) Sbp { return l.ndSbp[dim] }

// NDims returns the number of directives.
func (l *PlacedLayout) NDims() int { return len(l.ndSbp) }

// Equal returns whether both layouts have equal placements and directives.
func (l *PlacedLayout) Equal(other *PlacedLayout) bool {
	if l == other {
		return true
	}
	if l == nil || other == nil {
		return false
	}
	return l.placement.Equal(other.placement) && l.ndSbp.Equal(other.ndSbp)
}

// String implements fmt.Stringer. It's also used as a cache key, since it fully identifies the layout.
func (l *PlacedLayout) String() string {
	if l == nil {
		return "PlacedLayout<nil>"
	}
	return l.placement.String() + l.ndSbp.String()
}

// ValidateShape checks that every split axis exists in the logical shape.
func (l *PlacedLayout) ValidateShape(logical shapes.Shape) error {
	for i, sbp := range l.ndSbp {
		if sbp.Kind == Split && sbp.Axis >= logical.Rank() {
			return errors.Wrapf(ErrMalformedLayout, "directive #%d %s splits axis %d of shape %s (rank %d)",
				i, sbp, sbp.Axis, logical, logical.Rank())
		}
	}
	return nil
}

// ShardRanges returns, for each axis of the logical shape, the range held by the rank at the given
// parallel index of the placement.
//
// Nested splits of the same axis (e.g. "S(0), S(0)") are applied in placement dimension order.
func (l *PlacedLayout) ShardRanges(logical shapes.Shape, parallelIndex int) ([]Range, error) {
	if err := l.ValidateShape(logical); err != nil {
		return nil, err
	}
	if parallelIndex < 0 || parallelIndex >= l.placement.NumRanks() {
		return nil, errors.Errorf("parallel index %d out of range for placement %s", parallelIndex, l.placement)
	}
	ranges := make([]Range, logical.Rank())
	for axis, dim := range logical.Dimensions {
		ranges[axis] = Range{Begin: 0, End: dim}
	}
	coords := l.placement.Coordinates(parallelIndex)
	for dim, sbp := range l.ndSbp {
		if sbp.Kind != Split {
			continue
		}
		current := ranges[sbp.Axis]
		parts, err := BalancedSplit(current.Size(), l.placement.hierarchy[dim])
		if err != nil {
			return nil, err
		}
		part := parts[coords[dim]]
		ranges[sbp.Axis] = Range{Begin: current.Begin + part.Begin, End: current.Begin + part.End}
	}
	return ranges, nil
}

// ShardShape returns the shape of the local shard held by the rank at the given parallel index.
func (l *PlacedLayout) ShardShape(logical shapes.Shape, parallelIndex int) (shapes.Shape, error) {
	ranges, err := l.ShardRanges(logical, parallelIndex)
	if err != nil {
		return shapes.Invalid(), err
	}
	dims := make([]int, len(ranges))
	for axis, r := range ranges {
		dims[axis] = r.Size()
	}
	return shapes.Make(logical.DType, dims...), nil
}
