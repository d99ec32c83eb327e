// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"testing"

	"github.com/gomlx/distexec/pkg/core/shapes"
	"github.com/gomlx/distexec/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalToGlobal(t *testing.T) {
	placement, err := ParsePlacement("cpu:0,1")
	require.NoError(t, err)
	layout, err := NewPlacedLayout(placement, NdSbp{SplitSbp(0)})
	require.NoError(t, err)
	logical := shapes.Make(dtypes.Int32, 4, 2)

	t.Run("InPlacement", func(t *testing.T) {
		local := tensors.FromFlatDataAndDimensions([]int32{5, 6, 7, 8}, 2, 2)
		dt, err := LocalToGlobal(local, layout, logical, 1)
		require.NoError(t, err)
		assert.True(t, dt.Layout().Equal(layout))
		assert.True(t, dt.Placement().Equal(placement))
		assert.Equal(t, NdSbp{SplitSbp(0)}, dt.NdSbp())
		assert.True(t, dt.LogicalShape().Equal(logical))
		assert.Equal(t, int64(1), dt.Rank())
		assert.Same(t, local, dt.Local())
		assert.Contains(t, dt.String(), "rank=1")
	})

	t.Run("WrongShardShape", func(t *testing.T) {
		local := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
		_, err := LocalToGlobal(local, layout, logical, 0)
		require.Error(t, err)
	})

	t.Run("MissingShard", func(t *testing.T) {
		_, err := LocalToGlobal(nil, layout, logical, 0)
		require.Error(t, err)
	})

	t.Run("OutsidePlacement", func(t *testing.T) {
		dt, err := LocalToGlobal(nil, layout, logical, 7)
		require.NoError(t, err)
		assert.Nil(t, dt.Local())

		local := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4}, 2, 2)
		_, err = LocalToGlobal(local, layout, logical, 7)
		require.Error(t, err)
	})

	t.Run("InvalidAxis", func(t *testing.T) {
		layout1, err := NewPlacedLayout(placement, NdSbp{SplitSbp(2)})
		require.NoError(t, err)
		_, err = LocalToGlobal(nil, layout1, logical, 7)
		require.ErrorIs(t, err, ErrMalformedLayout)
	})
}
