// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package boxing

import (
	"context"

	"github.com/gomlx/distexec/pkg/core/distributed"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MakeGlobalTensorFromData creates a distributed tensor with the given layout from data replicated on
// every rank.
//
// Every rank (including ranks outside the placement) must call it with the full logical data. The ranks
// of the placement first check they all hold the same data (distributed.CheckReplicatedConsistency),
// then the data is wrapped as an all-broadcast tensor and boxed to ndSbp.
func MakeGlobalTensorFromData(ctx context.Context, boxer *Boxer, data *tensors.Tensor,
	placement *distributed.Placement, ndSbp distributed.NdSbp) (*distributed.Tensor, error) {
	if data == nil {
		return nil, errors.New("MakeGlobalTensorFromData: nil data")
	}
	env := boxer.Env()
	rank := env.Transport.Rank()
	dst, err := distributed.NewPlacedLayout(placement, ndSbp)
	if err != nil {
		return nil, err
	}
	if err := distributed.CheckReplicatedConsistency(ctx, env.Transport, env.Tokens, data, placement,
		env.Timeout); err != nil {
		return nil, err
	}
	replicated, err := distributed.NewPlacedLayout(placement, boxer.Cache().AllBroadcast(placement.NDims()))
	if err != nil {
		return nil, err
	}
	local := data
	if !placement.HasRank(rank) {
		local = nil
	}
	global, err := distributed.LocalToGlobal(local, replicated, data.Shape(), rank)
	if err != nil {
		return nil, err
	}
	if replicated.Equal(dst) {
		return global, nil
	}
	return boxer.ResolveAndExecute(ctx, global, dst)
}
