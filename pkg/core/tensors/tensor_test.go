// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/distexec/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 3, 2)
	assert.Equal(t, shapes.Make(dtypes.Int32, 3, 2), tensor.Shape())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, CopyFlatData[int32](tensor))
	assert.Equal(t, uintptr(24), tensor.Memory())
	require.Panics(t, func() { _ = FromFlatDataAndDimensions([]int32{1, 2, 3}, 2, 2) })
	require.Panics(t, func() { _ = CopyFlatData[float32](tensor) })

	half := FromFlatDataAndDimensions([]float16.Float16{float16.Fromfloat32(1.5)}, 1)
	assert.Equal(t, dtypes.Float16, half.DType())
	assert.Equal(t, float32(1.5), CopyFlatData[float16.Float16](half)[0].Float32())
}

func TestBytesRoundTrip(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{0.5, -1, 3}, 3)
	data := tensor.Bytes()
	require.Len(t, data, 24)

	restored, err := FromBytes(tensor.Shape(), data)
	require.NoError(t, err)
	assert.True(t, tensor.Equal(restored))

	_, err = FromBytes(tensor.Shape(), data[:8])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires 24 bytes")
}

func TestSliceAxis0(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int64{0, 1, 2, 3, 4, 5, 6, 7}, 4, 2)
	sliced, err := tensor.SliceAxis0(1, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, sliced.Shape().Dimensions)
	assert.Equal(t, []int64{2, 3, 4, 5}, CopyFlatData[int64](sliced))

	empty, err := tensor.SliceAxis0(2, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Size())
	assert.Empty(t, empty.Bytes())

	_, err = tensor.SliceAxis0(3, 5)
	require.Error(t, err)
	_, err = FromShape(shapes.Make(dtypes.Int64)).SliceAxis0(0, 0)
	require.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]uint8{1, 2, 3}, 3)
	b := FromFlatDataAndDimensions([]uint8{1, 2, 3}, 3)
	c := FromFlatDataAndDimensions([]uint8{1, 2, 4}, 3)
	d := FromFlatDataAndDimensions([]uint8{1, 2, 3}, 1, 3)
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
	assert.False(t, a.Equal(nil))
	assert.Equal(t, "(Uint8)[3]: [1 2 3]", a.String())
}
