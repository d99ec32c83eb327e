// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a host-resident `Tensor`, a multi-dimensional array stored as a flat
// slice of its DType.
//
// It is the unit of data the boxing executors move around: a distributed tensor keeps one of these
// per rank (its local shard), and collectives move their bytes through the transport layer.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions, and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int8{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromBytes(shape, data): creates a Tensor from its raw bytes, as received from another rank.
package tensors

import (
	"bytes"
	"fmt"
	"reflect"
	"sync"
	"unsafe"

	"github.com/gomlx/distexec/pkg/core/shapes"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// Tensor represents a multidimensional array, defined by its shape (a dtypes.DType and its axes'
// dimensions) and its content stored as a flat (1D) slice of values.
type Tensor struct {
	// shape of the tensor, immutable.
	shape shapes.Shape

	// mu protects flat.
	mu sync.Mutex

	// flat holds the array with actual data: a slice of the Go type for the shape's DType.
	flat any
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{shape: shape, flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values
// given in `data`. The data is copied.
//
// It panics if len(data) doesn't match the product of the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if shape.Size() != len(data) {
		exceptions.Panicf("FromFlatDataAndDimensions(data=%d values, dimensions=%v): shape %s requires %d values",
			len(data), dimensions, shape, shape.Size())
	}
	t := FromShape(shape)
	copy(t.flat.([]T), data)
	return t
}

// FromBytes creates a tensor of the given shape from its raw (host-endian) bytes. The data is copied.
//
// It returns an error if len(data) doesn't match shape.Memory().
func FromBytes(shape shapes.Shape, data []byte) (*Tensor, error) {
	if !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBytes: invalid shape %s", shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return nil, errors.Errorf("tensors.FromBytes: shape %s requires %d bytes, got %d",
			shape, shape.Memory(), len(data))
	}
	t := FromShape(shape)
	t.MutableBytes(func(dst []byte) { copy(dst, data) })
	return t, nil
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes of the tensor's data.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// ConstFlatData calls accessFn with the flat slice (of the Go type for the DType) holding the data.
// It locks the Tensor until accessFn returns. The slice must not be changed.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData is the generics version of Tensor.ConstFlatData.
//
// It panics if T doesn't match the tensor's DType.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("ConstFlatData[%T] is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.shape.DType, dtypes.FromGenericsType[T]())
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flat data of the Tensor.
//
// It panics if T doesn't match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var flatCopy []T
	ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy
}

// bytesView returns a []byte aliasing the flat slice.
func bytesView(flat any, dtype dtypes.DType) []byte {
	flatV := reflect.ValueOf(flat)
	if flatV.Len() == 0 {
		return []byte{}
	}
	ptr := flatV.Index(0).Addr().UnsafePointer()
	return unsafe.Slice((*byte)(ptr), uintptr(flatV.Len())*dtype.Memory())
}

// ConstBytes calls accessFn with the data as a bytes slice, owned by the Tensor. It must not be changed.
// It locks the Tensor until accessFn returns.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) {
	t.ConstFlatData(func(flat any) {
		accessFn(bytesView(flat, t.shape.DType))
	})
}

// MutableBytes gives mutable access to the storage of the tensor as bytes, until accessFn returns.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(bytesView(t.flat, t.shape.DType))
}

// Bytes returns a copy of the tensor's data as bytes.
func (t *Tensor) Bytes() []byte {
	var data []byte
	t.ConstBytes(func(b []byte) {
		data = bytes.Clone(b)
		if data == nil {
			data = []byte{}
		}
	})
	return data
}

// SliceAxis0 returns a new tensor (a copy) with the rows [start, end) of axis 0.
func (t *Tensor) SliceAxis0(start, end int) (*Tensor, error) {
	if t.shape.Rank() == 0 {
		return nil, errors.Errorf("SliceAxis0 of a scalar tensor %s", t.shape)
	}
	dim := t.shape.Dimensions[0]
	if start < 0 || end < start || end > dim {
		return nil, errors.Errorf("SliceAxis0(%d, %d) out of range for shape %s", start, end, t.shape)
	}
	rowBytes := uintptr(t.shape.RowSize()) * t.shape.DType.Memory()
	sliced := FromShape(t.shape.WithDim(0, end-start))
	t.ConstBytes(func(src []byte) {
		sliced.MutableBytes(func(dst []byte) {
			copy(dst, src[uintptr(start)*rowBytes:uintptr(end)*rowBytes])
		})
	})
	return sliced, nil
}

// Equal checks whether the other tensor has the same shape and the exact same contents (bit-wise).
func (t *Tensor) Equal(other *Tensor) bool {
	if t == other {
		return true
	}
	if t == nil || other == nil || !t.shape.Equal(other.shape) {
		return false
	}
	equal := false
	t.ConstBytes(func(a []byte) {
		other.ConstBytes(func(b []byte) {
			equal = bytes.Equal(a, b)
		})
	})
	return equal
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor<nil>"
	}
	var s string
	t.ConstFlatData(func(flat any) {
		s = fmt.Sprintf("%s: %v", t.shape, flat)
	})
	return s
}
