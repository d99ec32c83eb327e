// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(dtypes.Float64)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 0, shape0.Rank())
	require.Len(t, shape0.Dimensions, 0)
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))
	require.Equal(t, 1, shape0.RowSize())

	shape1 := Make(dtypes.Float32, 4, 3, 2)
	require.True(t, shape1.Ok())
	require.False(t, shape1.IsScalar())
	require.Equal(t, 3, shape1.Rank())
	require.Equal(t, 4*3*2, shape1.Size())
	require.Equal(t, 4*4*3*2, int(shape1.Memory()))
	require.Equal(t, 3*2, shape1.RowSize())
	require.Equal(t, "(Float32)[4 3 2]", shape1.String())

	empty := Make(dtypes.Int64, 0, 5)
	require.True(t, empty.Ok())
	require.Equal(t, 0, empty.Size())
	require.Panics(t, func() { _ = Make(dtypes.Int64, -1) })
}

func TestDim(t *testing.T) {
	shape := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 4, shape.Dim(0))
	require.Equal(t, 3, shape.Dim(1))
	require.Equal(t, 2, shape.Dim(2))
	require.Equal(t, 4, shape.Dim(-3))
	require.Equal(t, 3, shape.Dim(-2))
	require.Equal(t, 2, shape.Dim(-1))
	require.Panics(t, func() { _ = shape.Dim(3) })
	require.Panics(t, func() { _ = shape.Dim(-4) })
}

func TestEqualCloneWithDim(t *testing.T) {
	shape := Make(dtypes.Int32, 8, 2)
	clone := shape.Clone()
	require.True(t, shape.Equal(clone))
	clone.Dimensions[0] = 3
	require.Equal(t, 8, shape.Dim(0), "Clone must not share dimensions")

	changed := shape.WithDim(0, 2)
	require.Equal(t, []int{2, 2}, changed.Dimensions)
	require.Equal(t, []int{8, 2}, shape.Dimensions)
	require.False(t, shape.Equal(changed))
	require.False(t, shape.Equal(Make(dtypes.Int64, 8, 2)))
	require.Panics(t, func() { _ = shape.WithDim(2, 1) })
}
