// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Local, a host-resident multidimensional array.
//
// A Local tensor is defined by its shape (a dtype and its axes' dimensions)
// and its content, stored as a flat (1D) slice of the corresponding Go type.
// Local tensors are the host-side currency of the execution engine: the eager
// interpreter of the lazy expression language produces them, device transfers
// consume and produce them, and literals in typed programs carry them.
//
// There are various ways to construct a Local tensor:
//
//   - FromShape(shape): a tensor with the given shape, zero-initialized.
//   - FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 2, 2): from flat data.
//   - FromScalar(3.0): a scalar tensor.
//   - FromAnyValue([][]int32{{1, 2}, {3, 4}}): from an arbitrary
//     multidimensional (regular) slice or scalar.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"

	"github.com/gomlx/lazexec/types/shapes"
)

// Local is a host-resident tensor: a shape and a flat slice of the Go type
// corresponding to the shape's DType, in row-major order.
//
// Local is immutable by convention once handed to the engine: the flat data
// returned by Flat is owned by the tensor and must not be mutated by callers.
type Local struct {
	shape shapes.Shape

	// flat is always a slice of the Go type for shape.DType.
	flat any
}

// FromShape returns a Local tensor with the given shape, zero-initialized.
func FromShape(shape shapes.Shape) *Local {
	if !shape.Ok() || shape.IsTuple() {
		exceptions.Panicf("tensors.FromShape: invalid shape %s", shape)
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Local{shape: shape.Clone(), flat: flatV.Interface()}
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions,
// initialized with the flattened data. The length of data must match the
// product of the dimensions.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Local {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions: data has %d elements, but shape %s requires %d",
			len(data), shape, shape.Size())
	}
	flat := make([]T, len(data))
	copy(flat, data)
	return &Local{shape: shape, flat: flat}
}

// FromScalar creates a rank-0 tensor with the given value.
func FromScalar[T dtypes.Supported](value T) *Local {
	return &Local{
		shape: shapes.Make(dtypes.FromGenericsType[T]()),
		flat:  []T{value},
	}
}

// FromAnyValue creates a tensor from a Go scalar or from an arbitrary
// multidimensional slice. Slices of rank > 1 must be regular: all sub-slices
// must have the same dimensions. If value is already a *Local it is returned
// unchanged.
func FromAnyValue(value any) *Local {
	if t, ok := value.(*Local); ok {
		return t
	}
	valueOf := reflect.ValueOf(value)
	dims := valueDimensions(valueOf)
	baseType := valueOf.Type()
	for range dims {
		baseType = baseType.Elem()
	}
	dtype := dtypes.FromGoType(baseType)
	if dtype == dtypes.InvalidDType {
		exceptions.Panicf("tensors.FromAnyValue: cannot convert %T to a tensor, %s is not a supported dtype",
			value, baseType)
	}
	t := FromShape(shapes.Make(dtype, dims...))
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	copyRecursive(flatV, valueOf, t.shape.Dimensions, &pos)
	return t
}

// valueDimensions infers the dimensions of a multidimensional slice value.
func valueDimensions(valueOf reflect.Value) (dims []int) {
	for valueOf.Kind() == reflect.Slice {
		dims = append(dims, valueOf.Len())
		if valueOf.Len() == 0 {
			exceptions.Panicf("tensors.FromAnyValue: empty slices (zero dimensions) are not supported")
		}
		valueOf = valueOf.Index(0)
	}
	return
}

func copyRecursive(flatV, valueOf reflect.Value, dims []int, pos *int) {
	if len(dims) == 0 {
		flatV.Index(*pos).Set(valueOf.Convert(flatV.Type().Elem()))
		*pos++
		return
	}
	if valueOf.Len() != dims[0] {
		exceptions.Panicf("tensors.FromAnyValue: irregular multidimensional slice, got length %d where %d was expected",
			valueOf.Len(), dims[0])
	}
	for ii := 0; ii < valueOf.Len(); ii++ {
		copyRecursive(flatV, valueOf.Index(ii), dims[1:], pos)
	}
}

// Shape of the tensor.
func (t *Local) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Local) DType() dtypes.DType { return t.shape.DType }

// Rank of the tensor.
func (t *Local) Rank() int { return t.shape.Rank() }

// Size is the number of elements stored: the product of the dimensions.
func (t *Local) Size() int { return t.shape.Size() }

// Flat returns the flattened data as a slice of the Go type corresponding to
// the DType. Even scalar tensors have a flat representation of one element.
//
// The returned slice is owned by the tensor and must not be mutated.
func (t *Local) Flat() any { return t.flat }

// ConstFlatData calls accessFn with the flattened data.
// The data is owned by the tensor and must not be changed.
func (t *Local) ConstFlatData(accessFn func(flat any)) { accessFn(t.flat) }

// FlatFromTensor returns the flat data of t as a []T. It panics if T does not
// correspond to the tensor's dtype.
func FlatFromTensor[T dtypes.Supported](t *Local) []T {
	flat, ok := t.flat.([]T)
	if !ok {
		var v T
		exceptions.Panicf("tensors.FlatFromTensor[%T] is incompatible with tensor's dtype %s", v, t.shape.DType)
	}
	return flat
}

// Clone returns a deep copy of the tensor.
func (t *Local) Clone() *Local {
	flatV := reflect.ValueOf(t.flat)
	cloneFlatV := reflect.MakeSlice(flatV.Type(), flatV.Len(), flatV.Len())
	reflect.Copy(cloneFlatV, flatV)
	return &Local{shape: t.shape.Clone(), flat: cloneFlatV.Interface()}
}

// Equal returns whether both tensors have the same shape and exactly the same
// values -- bit-for-bit, no tolerance for floats.
func (t *Local) Equal(other *Local) bool {
	if !t.shape.Equal(other.shape) {
		return false
	}
	return reflect.DeepEqual(t.flat, other.flat)
}

// Value returns the tensor contents as a Go multidimensional slice (or a
// scalar for rank-0 tensors). The result is newly allocated.
func (t *Local) Value() any {
	flatV := reflect.ValueOf(t.flat)
	pos := 0
	return multiDimRecursive(flatV, t.shape.Dimensions, &pos)
}

func multiDimRecursive(flatV reflect.Value, dims []int, pos *int) any {
	if len(dims) == 0 {
		value := flatV.Index(*pos).Interface()
		*pos++
		return value
	}
	sliceType := flatV.Type()
	for range dims[1:] {
		sliceType = reflect.SliceOf(sliceType)
	}
	result := reflect.MakeSlice(sliceType, dims[0], dims[0])
	for ii := 0; ii < dims[0]; ii++ {
		result.Index(ii).Set(reflect.ValueOf(multiDimRecursive(flatV, dims[1:], pos)))
	}
	return result.Interface()
}

// CastAsDType returns a copy of the tensor with its values converted to the
// given dtype. It is a no-op (returning t itself) if the dtype already matches.
//
// Bool converts to 0/1; converting to Bool yields value != 0.
func (t *Local) CastAsDType(dtype dtypes.DType) *Local {
	if t.shape.DType == dtype {
		return t
	}
	result := FromShape(shapes.Make(dtype, t.shape.Dimensions...))
	srcV := reflect.ValueOf(t.flat)
	dstV := reflect.ValueOf(result.flat)
	dstType := dstV.Type().Elem()
	for ii := 0; ii < srcV.Len(); ii++ {
		elem := srcV.Index(ii)
		if elem.Kind() == reflect.Bool {
			var numeric int64
			if elem.Bool() {
				numeric = 1
			}
			elem = reflect.ValueOf(numeric)
		}
		if dstType.Kind() == reflect.Bool {
			dstV.Index(ii).SetBool(!elem.IsZero())
			continue
		}
		dstV.Index(ii).Set(elem.Convert(dstType))
	}
	return result
}

// String prints the shape and the values of the tensor, abbreviated if large.
func (t *Local) String() string {
	if t == nil {
		return "tensors.Local(nil)"
	}
	if t.Size() > 16 {
		return fmt.Sprintf("%s: (%d values)", t.shape, t.Size())
	}
	return fmt.Sprintf("%s: %v", t.shape, t.Value())
}

// CheckShape returns an error if the tensor shape is not the given one.
func (t *Local) CheckShape(shape shapes.Shape) error {
	if !t.shape.Equal(shape) {
		return errors.Errorf("tensor has shape %s, wanted %s", t.shape, shape)
	}
	return nil
}
