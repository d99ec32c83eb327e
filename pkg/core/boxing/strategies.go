// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package boxing

import (
	"context"

	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Names of the default strategies, in registration order.
const (
	StrategyIdentity   = "identity"
	StrategyCclS0ToS0  = "ccl-s0-to-s0"
	StrategyNaiveBToS  = "naive-b-to-s"
	StrategyNaiveS0ToB = "naive-s0-to-b"
)

// NewDefaultRegistry returns a registry with the default strategies, in this order:
//
//   - "identity": src equals dst, the tensor is re-wrapped.
//   - "ccl-s0-to-s0": Split(0) to Split(0) between 1-D CPU placements, possibly with different ranks.
//     Implemented with a ring all-gather over the union of both placements' ranks.
//   - "naive-b-to-s": Broadcast to Split(0) on the same 1-D placement: each rank slices its copy.
//   - "naive-s0-to-b": Split(0) to Broadcast on the same 1-D CPU placement, with a ring all-gather.
//
// The registry is not frozen: callers may append their own strategies.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for _, s := range []Strategy{
		{StrategyIdentity, checkIdentity, executeIdentity},
		{StrategyCclS0ToS0, checkS0ToS0, executeS0ToS0},
		{StrategyNaiveBToS, checkBToS, executeBToS},
		{StrategyNaiveS0ToB, checkS0ToB, executeS0ToB},
	} {
		if err := r.Register(s.Name, s.Check, s.Execute); err != nil {
			// Only possible with a programming error in the list above.
			panic(err)
		}
	}
	return r
}

func checkIdentity(src, dst *distributed.PlacedLayout) error {
	if !src.Equal(dst) {
		return errors.New("layouts differ")
	}
	return nil
}

func executeIdentity(_ context.Context, _ *Env, t *distributed.Tensor,
	_, dst *distributed.PlacedLayout) (*distributed.Tensor, error) {
	return distributed.LocalToGlobal(t.Local(), dst, t.LogicalShape(), t.Rank())
}

// checkOneDim checks both layouts are 1-D and have the given directives.
func checkOneDim(src, dst *distributed.PlacedLayout, srcSbp, dstSbp distributed.Sbp) error {
	if src.NDims() != 1 || dst.NDims() != 1 {
		return errors.Errorf("requires 1-D placements, got %d-D and %d-D", src.NDims(), dst.NDims())
	}
	if src.Sbp(0) != srcSbp {
		return errors.Errorf("requires source %s, got %s", srcSbp, src.Sbp(0))
	}
	if dst.Sbp(0) != dstSbp {
		return errors.Errorf("requires destination %s, got %s", dstSbp, dst.Sbp(0))
	}
	return nil
}

func checkS0ToS0(src, dst *distributed.PlacedLayout) error {
	if err := checkOneDim(src, dst, distributed.SplitSbp(0), distributed.SplitSbp(0)); err != nil {
		return err
	}
	srcDevice, dstDevice := src.Placement().DeviceType(), dst.Placement().DeviceType()
	if srcDevice != dstDevice {
		return errors.Errorf("device types differ (%s and %s)", srcDevice, dstDevice)
	}
	if srcDevice != distributed.CPU {
		return errors.Errorf("only supports CPU placements, got %s", srcDevice)
	}
	return nil
}

func executeS0ToS0(ctx context.Context, env *Env, t *distributed.Tensor,
	src, dst *distributed.PlacedLayout) (*distributed.Tensor, error) {
	group, err := transport.NewRankGroup(distributed.UnionRanks(src.Placement(), dst.Placement()))
	if err != nil {
		return nil, err
	}
	rank := env.Transport.Rank()
	logical := t.LogicalShape()
	if !group.Contains(rank) {
		env.skipTokens(group.Size() - 1)
		return distributed.LocalToGlobal(nil, dst, logical, rank)
	}
	dstIdx, inDst := dst.Placement().RankIndex(rank)
	var want distributed.Range
	if inDst {
		ranges, err := dst.ShardRanges(logical, dstIdx)
		if err != nil {
			return nil, err
		}
		want = ranges[0]
	}
	local, err := ringAllGatherAxis0(ctx, env, t, src, group, want)
	if err != nil {
		return nil, err
	}
	if !inDst {
		local = nil
	}
	return distributed.LocalToGlobal(local, dst, logical, rank)
}

func checkBToS(src, dst *distributed.PlacedLayout) error {
	if err := checkOneDim(src, dst, distributed.BroadcastSbp(), distributed.SplitSbp(0)); err != nil {
		return err
	}
	if !src.Placement().Equal(dst.Placement()) {
		return errors.Errorf("placements differ (%s and %s)", src.Placement(), dst.Placement())
	}
	return nil
}

func executeBToS(_ context.Context, _ *Env, t *distributed.Tensor,
	_, dst *distributed.PlacedLayout) (*distributed.Tensor, error) {
	logical := t.LogicalShape()
	idx, inPlacement := dst.Placement().RankIndex(t.Rank())
	if !inPlacement {
		return distributed.LocalToGlobal(nil, dst, logical, t.Rank())
	}
	ranges, err := dst.ShardRanges(logical, idx)
	if err != nil {
		return nil, err
	}
	local, err := t.Local().SliceAxis0(ranges[0].Begin, ranges[0].End)
	if err != nil {
		return nil, err
	}
	return distributed.LocalToGlobal(local, dst, logical, t.Rank())
}

func checkS0ToB(src, dst *distributed.PlacedLayout) error {
	if err := checkOneDim(src, dst, distributed.SplitSbp(0), distributed.BroadcastSbp()); err != nil {
		return err
	}
	if !src.Placement().Equal(dst.Placement()) {
		return errors.Errorf("placements differ (%s and %s)", src.Placement(), dst.Placement())
	}
	if src.Placement().DeviceType() != distributed.CPU {
		return errors.Errorf("only supports CPU placements, got %s", src.Placement().DeviceType())
	}
	return nil
}

func executeS0ToB(ctx context.Context, env *Env, t *distributed.Tensor,
	src, dst *distributed.PlacedLayout) (*distributed.Tensor, error) {
	group, err := transport.NewRankGroup(src.Placement().Ranks())
	if err != nil {
		return nil, err
	}
	rank := env.Transport.Rank()
	logical := t.LogicalShape()
	if !group.Contains(rank) {
		env.skipTokens(group.Size() - 1)
		return distributed.LocalToGlobal(nil, dst, logical, rank)
	}
	full := distributed.Range{Begin: 0, End: logical.Dimensions[0]}
	local, err := ringAllGatherAxis0(ctx, env, t, src, group, full)
	if err != nil {
		return nil, err
	}
	return distributed.LocalToGlobal(local, dst, logical, rank)
}

// ringAllGatherAxis0 circulates the axis-0 shards of t (laid out as Split(0) by the 1-D src) around the
// ring group, in group.Size()-1 steps, and assembles the rows want of the logical tensor.
//
// Every rank of the group must call it, including ranks without a source shard (they contribute an
// empty block). Each step uses a fresh data token.
func ringAllGatherAxis0(ctx context.Context, env *Env, t *distributed.Tensor, src *distributed.PlacedLayout,
	group *transport.RankGroup, want distributed.Range) (*tensors.Tensor, error) {
	rank := env.Transport.Rank()
	logical := t.LogicalShape()
	srcRanges, err := distributed.BalancedSplit(logical.Dimensions[0], src.Placement().NumRanks())
	if err != nil {
		return nil, err
	}
	rowBytes := logical.RowSize() * int(logical.DType.Memory())
	out := tensors.FromShape(logical.WithDim(0, want.Size()))

	// place copies the rows of the block originated by blockRank that overlap want.
	place := func(blockRank int64, block []byte) error {
		idx, hasShard := src.Placement().RankIndex(blockRank)
		if !hasShard {
			if len(block) != 0 {
				return errors.Errorf("boxing: rank %d received %d bytes from rank %d, which holds no shard",
					rank, len(block), blockRank)
			}
			return nil
		}
		blockRange := srcRanges[idx]
		if len(block) != blockRange.Size()*rowBytes {
			return errors.Errorf("boxing: rank %d received %d bytes for the shard %s of rank %d, expected %d",
				rank, len(block), blockRange, blockRank, blockRange.Size()*rowBytes)
		}
		overlap := want.Intersect(blockRange)
		if overlap.Size() == 0 {
			return nil
		}
		out.MutableBytes(func(data []byte) {
			copy(data[(overlap.Begin-want.Begin)*rowBytes:(overlap.End-want.Begin)*rowBytes],
				block[(overlap.Begin-blockRange.Begin)*rowBytes:(overlap.End-blockRange.Begin)*rowBytes])
		})
		return nil
	}

	block := []byte{}
	if t.Local() != nil {
		block = t.Local().Bytes()
	}
	if err := place(rank, block); err != nil {
		return nil, err
	}
	position, _ := group.Index(rank)
	for step := range group.Size() - 1 {
		token := env.Tokens.Next(transport.TokenKindData)
		received, err := transport.RingExchange(ctx, env.Transport, group, token, block, env.Timeout)
		if err != nil {
			return nil, errors.WithMessagef(err, "boxing all-gather step %d/%d on rank %d",
				step+1, group.Size()-1, rank)
		}
		// At step i, the block received was originated i+1 positions back in the ring.
		origin := group.RankAt(position - step - 1)
		if err := place(origin, received); err != nil {
			return nil, err
		}
		block = received
	}
	klog.V(2).Infof("rank %d gathered rows %s of %s from %d ranks", rank, want, logical, group.Size())
	return out, nil
}
