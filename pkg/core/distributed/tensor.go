// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to cross-rank execution:
//
//   - Placement: the ordered set of ranks (and their device type) a tensor is spread across.
//   - Sbp / NdSbp: how a logical tensor is split, broadcast or partially-summed along each placement
//     dimension.
//   - PlacedLayout: a (Placement, NdSbp) pair, the full layout identity of a distributed tensor.
//   - Tensor: a logical tensor distributed across a Placement, as seen from one rank.
//
// It also holds the replicated-input consistency check (CheckReplicatedConsistency), built on the
// ring exchange of package transport.
package distributed

import (
	"fmt"

	"github.com/gomlx/distexec/pkg/core/shapes"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is a logical tensor distributed across the ranks of a Placement, as seen by one rank.
//
// It holds the local shard of the rank that owns this view (nil if the rank is not part of the
// placement), the PlacedLayout and the logical (global) shape.
type Tensor struct {
	// layout defines how this tensor is laid out across the placement.
	layout *PlacedLayout

	// logicalShape is the shape of the full tensor.
	logicalShape shapes.Shape

	// rank owning this view.
	rank int64

	// local shard of the rank, or nil if the rank is not in the placement.
	local *tensors.Tensor
}

// LocalToGlobal wraps the local shard of the given rank as a distributed Tensor with the given layout.
//
// The local shard's shape must match the shard shape implied by the layout for the rank. If the rank
// is not part of the layout's placement, local must be nil.
func LocalToGlobal(local *tensors.Tensor, layout *PlacedLayout, logicalShape shapes.Shape, rank int64) (*Tensor, error) {
	if layout == nil {
		return nil, errors.New("LocalToGlobal: nil layout")
	}
	if err := layout.ValidateShape(logicalShape); err != nil {
		return nil, err
	}
	idx, inPlacement := layout.Placement().RankIndex(rank)
	if !inPlacement {
		if local != nil {
			return nil, errors.Errorf("LocalToGlobal: rank %d is not in placement %s but was given a local shard %s",
				rank, layout.Placement(), local.Shape())
		}
	} else {
		if local == nil {
			return nil, errors.Errorf("LocalToGlobal: rank %d is in placement %s but has no local shard",
				rank, layout.Placement())
		}
		want, err := layout.ShardShape(logicalShape, idx)
		if err != nil {
			return nil, err
		}
		if !want.Equal(local.Shape()) {
			return nil, errors.Errorf("LocalToGlobal: rank %d local shard has shape %s, but layout %s of %s requires %s",
				rank, local.Shape(), layout, logicalShape, want)
		}
	}
	return &Tensor{
		layout:       layout,
		logicalShape: logicalShape.Clone(),
		rank:         rank,
		local:        local,
	}, nil
}

// Layout returns the PlacedLayout of the tensor.
func (dt *Tensor) Layout() *PlacedLayout { return dt.layout }

// Placement returns the placement of the tensor.
func (dt *Tensor) Placement() *Placement { return dt.layout.Placement() }

// NdSbp returns the layout directives of the tensor.
func (dt *Tensor) NdSbp() NdSbp { return dt.layout.NdSbp() }

// LogicalShape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) LogicalShape() shapes.Shape { return dt.logicalShape }

// Rank returns the process rank that owns this view of the tensor.
func (dt *Tensor) Rank() int64 { return dt.rank }

// Local returns the rank's local shard, or nil if the rank is not part of the placement.
func (dt *Tensor) Local() *tensors.Tensor { return dt.local }

// String implements fmt.Stringer.
func (dt *Tensor) String() string {
	return fmt.Sprintf("distributed.Tensor(rank=%d, shape=%s, layout=%s, local=%s)",
		dt.rank, dt.logicalShape, dt.layout, dt.local)
}
