// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/x448/float16"

	"github.com/gomlx/lazexec/types/shapes"
)

// This file implements host-side array operations on Local tensors. They are
// the compute kernels shared by the eager interpreter of the lazy expression
// language and by the hostgo backend: both sides computing with the same
// kernels is what makes eager and staged evaluation agree bit-for-bit.

// numeric are the Go types for which arithmetic kernels are instantiated.
// The exact-type union keeps numeric a subset of dtypes.Supported. Float16 is
// handled separately, converting through float32.
type numeric interface {
	int8 | int16 | int32 | int64 | uint8 | uint16 | uint32 | uint64 | float32 | float64
}

type binaryKernel func(a, b, out any, aIdx, bIdx func(i int) int, n int)
type unaryKernel func(in, out any, n int)
type compareKernel func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int)
type reduceKernel func(in, out any, outIdxFor func(i int) int, n int)

var (
	addKernels    = map[dtypes.DType]binaryKernel{}
	mulKernels    = map[dtypes.DType]binaryKernel{}
	negKernels    = map[dtypes.DType]unaryKernel{}
	geKernels     = map[dtypes.DType]compareKernel{}
	sumKernels    = map[dtypes.DType]reduceKernel{}
	equalKernels  = map[dtypes.DType]compareKernel{}
	fillKernels   = map[dtypes.DType]func(out any, value int){}
	arangeKernels = map[dtypes.DType]func(out any, valueFor func(i int) int){}
)

// registerKernels instantiates every arithmetic kernel for the Go type T.
func registerKernels[T numeric]() {
	dt := dtypes.FromGenericsType[T]()
	addKernels[dt] = func(a, b, out any, aIdx, bIdx func(i int) int, n int) {
		aT, bT, outT := a.([]T), b.([]T), out.([]T)
		for i := 0; i < n; i++ {
			outT[i] = aT[aIdx(i)] + bT[bIdx(i)]
		}
	}
	mulKernels[dt] = func(a, b, out any, aIdx, bIdx func(i int) int, n int) {
		aT, bT, outT := a.([]T), b.([]T), out.([]T)
		for i := 0; i < n; i++ {
			outT[i] = aT[aIdx(i)] * bT[bIdx(i)]
		}
	}
	negKernels[dt] = func(in, out any, n int) {
		inT, outT := in.([]T), out.([]T)
		for i := 0; i < n; i++ {
			outT[i] = -inT[i]
		}
	}
	geKernels[dt] = func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int) {
		aT, bT := a.([]T), b.([]T)
		for i := 0; i < n; i++ {
			out[i] = aT[aIdx(i)] >= bT[bIdx(i)]
		}
	}
	equalKernels[dt] = func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int) {
		aT, bT := a.([]T), b.([]T)
		for i := 0; i < n; i++ {
			out[i] = aT[aIdx(i)] == bT[bIdx(i)]
		}
	}
	sumKernels[dt] = func(in, out any, outIdxFor func(i int) int, n int) {
		inT, outT := in.([]T), out.([]T)
		for i := 0; i < n; i++ {
			outT[outIdxFor(i)] += inT[i]
		}
	}
	fillKernels[dt] = func(out any, value int) {
		outT := out.([]T)
		for i := range outT {
			outT[i] = T(value)
		}
	}
	arangeKernels[dt] = func(out any, valueFor func(i int) int) {
		outT := out.([]T)
		for i := range outT {
			outT[i] = T(valueFor(i))
		}
	}
}

func init() {
	registerKernels[int8]()
	registerKernels[int16]()
	registerKernels[int32]()
	registerKernels[int64]()
	registerKernels[uint8]()
	registerKernels[uint16]()
	registerKernels[uint32]()
	registerKernels[uint64]()
	registerKernels[float32]()
	registerKernels[float64]()

	// Float16 has no native Go arithmetic: kernels round-trip through float32.
	dt := dtypes.Float16
	addKernels[dt] = func(a, b, out any, aIdx, bIdx func(i int) int, n int) {
		aT, bT, outT := a.([]float16.Float16), b.([]float16.Float16), out.([]float16.Float16)
		for i := 0; i < n; i++ {
			outT[i] = float16.Fromfloat32(aT[aIdx(i)].Float32() + bT[bIdx(i)].Float32())
		}
	}
	mulKernels[dt] = func(a, b, out any, aIdx, bIdx func(i int) int, n int) {
		aT, bT, outT := a.([]float16.Float16), b.([]float16.Float16), out.([]float16.Float16)
		for i := 0; i < n; i++ {
			outT[i] = float16.Fromfloat32(aT[aIdx(i)].Float32() * bT[bIdx(i)].Float32())
		}
	}
	negKernels[dt] = func(in, out any, n int) {
		inT, outT := in.([]float16.Float16), out.([]float16.Float16)
		for i := 0; i < n; i++ {
			outT[i] = float16.Fromfloat32(-inT[i].Float32())
		}
	}
	geKernels[dt] = func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int) {
		aT, bT := a.([]float16.Float16), b.([]float16.Float16)
		for i := 0; i < n; i++ {
			out[i] = aT[aIdx(i)].Float32() >= bT[bIdx(i)].Float32()
		}
	}
	equalKernels[dt] = func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int) {
		aT, bT := a.([]float16.Float16), b.([]float16.Float16)
		for i := 0; i < n; i++ {
			out[i] = aT[aIdx(i)].Float32() == bT[bIdx(i)].Float32()
		}
	}
	sumKernels[dt] = func(in, out any, outIdxFor func(i int) int, n int) {
		inT, outT := in.([]float16.Float16), out.([]float16.Float16)
		for i := 0; i < n; i++ {
			j := outIdxFor(i)
			outT[j] = float16.Fromfloat32(outT[j].Float32() + inT[i].Float32())
		}
	}
	fillKernels[dt] = func(out any, value int) {
		outT := out.([]float16.Float16)
		v := float16.Fromfloat32(float32(value))
		for i := range outT {
			outT[i] = v
		}
	}
	arangeKernels[dt] = func(out any, valueFor func(i int) int) {
		outT := out.([]float16.Float16)
		for i := range outT {
			outT[i] = float16.Fromfloat32(float32(valueFor(i)))
		}
	}

	// Bool supports equality only.
	equalKernels[dtypes.Bool] = func(a, b any, out []bool, aIdx, bIdx func(i int) int, n int) {
		aT, bT := a.([]bool), b.([]bool)
		for i := 0; i < n; i++ {
			out[i] = aT[aIdx(i)] == bT[bIdx(i)]
		}
	}
	fillKernels[dtypes.Bool] = func(out any, value int) {
		outT := out.([]bool)
		for i := range outT {
			outT[i] = value != 0
		}
	}
}

func identityIdx(i int) int { return i }
func zeroIdx(int) int       { return 0 }

// binaryIndexers resolves the operand shapes of a binary op: both equal, or
// either operand a scalar that is implicitly broadcast.
func binaryIndexers(name string, a, b *Local) (out shapes.Shape, aIdx, bIdx func(i int) int) {
	if a.shape.DType != b.shape.DType {
		exceptions.Panicf("tensors.%s: mismatched dtypes %s and %s", name, a.shape.DType, b.shape.DType)
	}
	switch {
	case a.shape.Equal(b.shape):
		return a.shape, identityIdx, identityIdx
	case a.shape.IsScalar():
		return b.shape, zeroIdx, identityIdx
	case b.shape.IsScalar():
		return a.shape, identityIdx, zeroIdx
	}
	exceptions.Panicf("tensors.%s: incompatible shapes %s and %s", name, a.shape, b.shape)
	return
}

func binaryOp(name string, kernels map[dtypes.DType]binaryKernel, a, b *Local) *Local {
	outShape, aIdx, bIdx := binaryIndexers(name, a, b)
	kernel, found := kernels[a.shape.DType]
	if !found {
		exceptions.Panicf("tensors.%s: dtype %s not supported", name, a.shape.DType)
	}
	result := FromShape(outShape)
	kernel(a.flat, b.flat, result.flat, aIdx, bIdx, outShape.Size())
	return result
}

// Add returns the element-wise sum of a and b. The shapes must be equal, or
// either operand can be a scalar.
func Add(a, b *Local) *Local { return binaryOp("Add", addKernels, a, b) }

// Mul returns the element-wise product of a and b, with the same shape rules
// as Add.
func Mul(a, b *Local) *Local { return binaryOp("Mul", mulKernels, a, b) }

// Neg returns the element-wise negation of t.
func Neg(t *Local) *Local {
	kernel, found := negKernels[t.shape.DType]
	if !found {
		exceptions.Panicf("tensors.Neg: dtype %s not supported", t.shape.DType)
	}
	result := FromShape(t.shape)
	kernel(t.flat, result.flat, t.Size())
	return result
}

func compareOp(name string, kernels map[dtypes.DType]compareKernel, a, b *Local) *Local {
	outShape, aIdx, bIdx := binaryIndexers(name, a, b)
	kernel, found := kernels[a.shape.DType]
	if !found {
		exceptions.Panicf("tensors.%s: dtype %s not supported", name, a.shape.DType)
	}
	result := FromShape(shapes.Make(dtypes.Bool, outShape.Dimensions...))
	kernel(a.flat, b.flat, result.flat.([]bool), aIdx, bIdx, outShape.Size())
	return result
}

// Equal returns the element-wise a == b as a Bool tensor.
func Equal(a, b *Local) *Local { return compareOp("Equal", equalKernels, a, b) }

// GreaterOrEqual returns the element-wise a >= b as a Bool tensor.
func GreaterOrEqual(a, b *Local) *Local { return compareOp("GreaterOrEqual", geKernels, a, b) }

// Iota returns a tensor of the given shape whose elements count up from 0
// along iotaAxis.
func Iota(shape shapes.Shape, iotaAxis int) *Local {
	if iotaAxis < 0 || iotaAxis >= shape.Rank() {
		exceptions.Panicf("tensors.Iota: axis %d out of range for shape %s", iotaAxis, shape)
	}
	kernel, found := arangeKernels[shape.DType]
	if !found {
		exceptions.Panicf("tensors.Iota: dtype %s not supported", shape.DType)
	}
	result := FromShape(shape)
	strides := shape.Strides()
	dim := shape.Dimensions[iotaAxis]
	stride := strides[iotaAxis]
	kernel(result.flat, func(i int) int { return (i / stride) % dim })
	return result
}

// Fill sets every element of a new tensor of the given shape to the (small
// integer) value, converted to the shape's dtype.
func Fill(shape shapes.Shape, value int) *Local {
	kernel, found := fillKernels[shape.DType]
	if !found {
		exceptions.Panicf("tensors.Fill: dtype %s not supported", shape.DType)
	}
	result := FromShape(shape)
	kernel(result.flat, value)
	return result
}

// Transpose returns t with its axes permuted: output axis i takes input axis
// permutation[i].
func Transpose(t *Local, permutation []int) *Local {
	rank := t.Rank()
	if len(permutation) != rank {
		exceptions.Panicf("tensors.Transpose: permutation %v doesn't match rank %d", permutation, rank)
	}
	newDims := make([]int, rank)
	for i, p := range permutation {
		newDims[i] = t.shape.Dimensions[p]
	}
	result := FromShape(shapes.Make(t.shape.DType, newDims...))
	srcStrides := t.shape.Strides()
	result.assignFromIndices(t, func(outCoords []int) int {
		flat := 0
		for i, p := range permutation {
			flat += outCoords[i] * srcStrides[p]
		}
		return flat
	})
	return result
}

// Reshape returns t reinterpreted with the given dimensions. The total size
// must not change; the flat data is shared semantics-wise but copied.
func Reshape(t *Local, dimensions []int) *Local {
	newShape := shapes.Make(t.shape.DType, dimensions...)
	if newShape.Size() != t.Size() {
		exceptions.Panicf("tensors.Reshape: cannot reshape %s to %v", t.shape, dimensions)
	}
	clone := t.Clone()
	clone.shape = newShape
	return clone
}

// BroadcastInDim broadcasts t into outputShape. broadcastAxes maps the i-th
// axis of t to an output axis; unmapped output axes, and mapped axes of size 1
// whose output dimension is larger, are stretched by repetition.
func BroadcastInDim(t *Local, outputShape shapes.Shape, broadcastAxes []int) *Local {
	if len(broadcastAxes) != t.Rank() {
		exceptions.Panicf("tensors.BroadcastInDim: %d broadcast axes for input of rank %d",
			len(broadcastAxes), t.Rank())
	}
	for i, axis := range broadcastAxes {
		inDim := t.shape.Dimensions[i]
		outDim := outputShape.Dim(axis)
		if inDim != outDim && inDim != 1 {
			exceptions.Panicf("tensors.BroadcastInDim: input axis %d (dim %d) incompatible with output axis %d (dim %d)",
				i, inDim, axis, outDim)
		}
	}
	result := FromShape(outputShape)
	srcStrides := t.shape.Strides()
	result.assignFromIndices(t, func(outCoords []int) int {
		flat := 0
		for i, axis := range broadcastAxes {
			if t.shape.Dimensions[i] == 1 {
				continue
			}
			flat += outCoords[axis] * srcStrides[i]
		}
		return flat
	})
	return result
}

// ReduceSum sums t over the given axes, removing them from the shape. With no
// axes it sums the whole tensor to a scalar.
func ReduceSum(t *Local, axes []int) *Local {
	rank := t.Rank()
	if len(axes) == 0 {
		axes = make([]int, rank)
		for i := range axes {
			axes[i] = i
		}
	}
	reduced := make([]bool, rank)
	for _, axis := range axes {
		if axis < 0 || axis >= rank {
			exceptions.Panicf("tensors.ReduceSum: axis %d out of range for shape %s", axis, t.shape)
		}
		reduced[axis] = true
	}
	var outDims []int
	for axis, dim := range t.shape.Dimensions {
		if !reduced[axis] {
			outDims = append(outDims, dim)
		}
	}
	kernel, found := sumKernels[t.shape.DType]
	if !found {
		exceptions.Panicf("tensors.ReduceSum: dtype %s not supported", t.shape.DType)
	}
	result := FromShape(shapes.Make(t.shape.DType, outDims...))
	outShape := result.shape
	outStrides := outShape.Strides()
	srcStrides := t.shape.Strides()
	srcDims := t.shape.Dimensions
	kernel(t.flat, result.flat, func(i int) int {
		flat, outAxis := 0, 0
		for axis := 0; axis < rank; axis++ {
			coord := (i / srcStrides[axis]) % srcDims[axis]
			if !reduced[axis] {
				flat += coord * outStrides[outAxis]
				outAxis++
			}
		}
		return flat
	}, t.Size())
	return result
}

// ConvertDType converts t to the given dtype, with Float16 converting through
// float32.
func ConvertDType(t *Local, dtype dtypes.DType) *Local {
	if t.shape.DType == dtype {
		return t
	}
	if t.shape.DType == dtypes.Float16 {
		return t.viaFloat32().CastAsDType(dtype)
	}
	if dtype == dtypes.Float16 {
		f32 := t.CastAsDType(dtypes.Float32)
		result := FromShape(shapes.Make(dtypes.Float16, t.shape.Dimensions...))
		src := f32.flat.([]float32)
		dst := result.flat.([]float16.Float16)
		for i, v := range src {
			dst[i] = float16.Fromfloat32(v)
		}
		return result
	}
	return t.CastAsDType(dtype)
}

func (t *Local) viaFloat32() *Local {
	result := FromShape(shapes.Make(dtypes.Float32, t.shape.Dimensions...))
	src := t.flat.([]float16.Float16)
	dst := result.flat.([]float32)
	for i, v := range src {
		dst[i] = v.Float32()
	}
	return result
}

// assignFromIndices fills t by copying, for every position of t (iterated in
// row-major order), the element of src at the flat index computed by
// srcFlatIdx from the position's coordinates.
func (t *Local) assignFromIndices(src *Local, srcFlatIdx func(outCoords []int) int) {
	dstV := reflect.ValueOf(t.flat)
	srcV := reflect.ValueOf(src.flat)
	coords := make([]int, t.Rank())
	dims := t.shape.Dimensions
	for i := 0; i < t.Size(); i++ {
		dstV.Index(i).Set(srcV.Index(srcFlatIdx(coords)))
		for axis := len(coords) - 1; axis >= 0; axis-- {
			coords[axis]++
			if coords[axis] < dims[axis] {
				break
			}
			coords[axis] = 0
		}
	}
}
