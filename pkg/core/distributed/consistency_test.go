// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/distexec/pkg/core/transport"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

// checkOnAllRanks runs CheckReplicatedConsistency concurrently on every rank of the network, with the
// tensor returned by dataFn for the rank.
func checkOnAllRanks(t *testing.T, ranks []int64, placement *Placement,
	dataFn func(rank int64) *tensors.Tensor) map[int64]error {
	network, err := transport.NewLocalNetwork(ranks...)
	require.NoError(t, err)
	defer func() { _ = network.Close() }()

	var mu sync.Mutex
	errs := make(map[int64]error, len(ranks))
	var wg sync.WaitGroup
	for _, rank := range ranks {
		ep, err := network.Endpoint(rank)
		require.NoError(t, err)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := CheckReplicatedConsistency(context.Background(), ep, transport.NewTokenSequencer(),
				dataFn(rank), placement, 5*time.Second)
			mu.Lock()
			errs[rank] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return errs
}

func vector[T dtypes.Supported](values ...T) *tensors.Tensor {
	return tensors.FromFlatDataAndDimensions(values, len(values))
}

func TestCheckReplicatedConsistency(t *testing.T) {
	placement, err := ParsePlacement("cpu:0,1")
	require.NoError(t, err)

	t.Run("Equal", func(t *testing.T) {
		errs := checkOnAllRanks(t, []int64{0, 1}, placement, func(rank int64) *tensors.Tensor {
			return tensors.FromFlatDataAndDimensions([]int64{1, 2, 3}, 3)
		})
		require.NoError(t, errs[0])
		require.NoError(t, errs[1])
	})

	t.Run("Mismatch", func(t *testing.T) {
		errs := checkOnAllRanks(t, []int64{0, 1}, placement, func(rank int64) *tensors.Tensor {
			if rank == 0 {
				return tensors.FromFlatDataAndDimensions([]int64{1, 2, 3}, 3)
			}
			return tensors.FromFlatDataAndDimensions([]int64{1, 2, 4}, 3)
		})
		for _, rank := range []int64{0, 1} {
			err := errs[rank]
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrDataConsistency))
			assert.Contains(t, err.Error(), "element #2")
		}
		assert.Contains(t, errs[0].Error(), "3 != 4")
		assert.Contains(t, errs[1].Error(), "4 != 3")
	})

	t.Run("SizeMismatch", func(t *testing.T) {
		errs := checkOnAllRanks(t, []int64{0, 1}, placement, func(rank int64) *tensors.Tensor {
			if rank == 0 {
				return tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
			}
			return tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
		})
		require.ErrorIs(t, errs[0], ErrDataConsistency)
		require.ErrorIs(t, errs[1], ErrDataConsistency)
	})

	t.Run("Float16", func(t *testing.T) {
		values := []float16.Float16{float16.Fromfloat32(1), float16.Fromfloat32(0.5)}
		errs := checkOnAllRanks(t, []int64{0, 1}, placement, func(rank int64) *tensors.Tensor {
			if rank == 1 {
				return tensors.FromFlatDataAndDimensions([]float16.Float16{values[0], float16.Fromfloat32(-0.5)}, 2)
			}
			return tensors.FromFlatDataAndDimensions(values, 2)
		})
		require.ErrorIs(t, errs[0], ErrDataConsistency)
		assert.Contains(t, errs[0].Error(), "element #1")
	})

	t.Run("BitPatterns", func(t *testing.T) {
		nan32 := float32(math.NaN())
		negZero32 := float32(math.Copysign(0, -1))
		nan16 := float16.NaN()
		testCases := []struct {
			name           string
			values0        *tensors.Tensor
			values1        *tensors.Tensor
			wantConsistent bool
			wantInError    string
		}{
			{"Float32NaN", vector[float32](1, nan32), vector[float32](1, nan32), true, ""},
			{"Float16NaN", vector(nan16), vector(nan16), true, ""},
			{"Float64NaN", vector(math.NaN()), vector(math.NaN()), true, ""},
			{"Float32SignedZero", vector[float32](0), vector(negZero32), false, "0 (0x0) != -0 (0x80000000)"},
			{"Float16SignedZero", vector(float16.Fromfloat32(0)), vector(float16.Fromfloat32(negZero32)),
				false, "0 (0x0) != -0 (0x8000)"},
			{"Float32NaNPayload", vector(math.Float32frombits(0x7fc00001)), vector(math.Float32frombits(0x7fc00002)),
				false, "NaN (0x7fc00001) != NaN (0x7fc00002)"},
		}
		for _, tc := range testCases {
			t.Run(tc.name, func(t *testing.T) {
				errs := checkOnAllRanks(t, []int64{0, 1}, placement, func(rank int64) *tensors.Tensor {
					if rank == 1 {
						return tc.values1
					}
					return tc.values0
				})
				if tc.wantConsistent {
					require.NoError(t, errs[0])
					require.NoError(t, errs[1])
					return
				}
				require.ErrorIs(t, errs[0], ErrDataConsistency)
				require.ErrorIs(t, errs[1], ErrDataConsistency)
				assert.Contains(t, errs[0].Error(), tc.wantInError)
			})
		}
	})

	t.Run("RankOutsidePlacement", func(t *testing.T) {
		// Rank 2 holds different data, but is not part of the placement.
		errs := checkOnAllRanks(t, []int64{0, 1, 2}, placement, func(rank int64) *tensors.Tensor {
			if rank == 2 {
				return tensors.FromFlatDataAndDimensions([]int32{9, 9, 9}, 3)
			}
			return tensors.FromFlatDataAndDimensions([]int32{1, 2, 3}, 3)
		})
		for _, rank := range []int64{0, 1, 2} {
			require.NoError(t, errs[rank])
		}
	})

	t.Run("ThreeRanks", func(t *testing.T) {
		p3, err := ParsePlacement("cpu:0-2")
		require.NoError(t, err)
		errs := checkOnAllRanks(t, []int64{0, 1, 2}, p3, func(rank int64) *tensors.Tensor {
			if rank == 1 {
				return tensors.FromFlatDataAndDimensions([]bool{true, false}, 2)
			}
			return tensors.FromFlatDataAndDimensions([]bool{true, true}, 2)
		})
		// Rank 1 differs from its predecessor 0, and rank 2 differs from its predecessor 1.
		require.NoError(t, errs[0])
		require.ErrorIs(t, errs[1], ErrDataConsistency)
		require.ErrorIs(t, errs[2], ErrDataConsistency)
	})
}
