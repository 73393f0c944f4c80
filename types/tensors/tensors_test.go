// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lazexec/types/shapes"
)

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3), tensor.Shape())
	assert.Equal(t, [][]float32{{1, 2, 3}, {4, 5, 6}}, tensor.Value())
	assert.Panics(t, func() { FromFlatDataAndDimensions([]float32{1, 2}, 3) })
}

func TestFromScalar(t *testing.T) {
	tensor := FromScalar(int32(7))
	assert.True(t, tensor.Shape().IsScalar())
	assert.Equal(t, int32(7), tensor.Value())
	assert.Equal(t, []int32{7}, tensor.Flat())
}

func TestFromAnyValue(t *testing.T) {
	tensor := FromAnyValue([][]int32{{1, 2}, {3, 4}, {5, 6}})
	assert.Equal(t, shapes.Make(dtypes.Int32, 3, 2), tensor.Shape())
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, tensor.Flat())

	// Already a tensor: returned unchanged.
	assert.Same(t, tensor, FromAnyValue(tensor))

	// Irregular nested slices are rejected.
	assert.Panics(t, func() { FromAnyValue([][]int32{{1, 2}, {3}}) })
}

func TestCloneAndEqual(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{1, 2, 3}, 3)
	clone := tensor.Clone()
	require.True(t, tensor.Equal(clone))
	FlatFromTensor[float64](clone)[0] = -1
	assert.False(t, tensor.Equal(clone))
	assert.False(t, tensor.Equal(FromFlatDataAndDimensions([]float64{1, 2, 3}, 3, 1)))
}

func TestAddMulNeg(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	b := FromFlatDataAndDimensions([]float32{10, 20, 30}, 3)
	assert.Equal(t, []float32{11, 22, 33}, Add(a, b).Flat())
	assert.Equal(t, []float32{10, 40, 90}, Mul(a, b).Flat())
	assert.Equal(t, []float32{-1, -2, -3}, Neg(a).Flat())

	// Scalar operands broadcast implicitly, on either side.
	scalar := FromScalar(float32(100))
	assert.Equal(t, []float32{101, 102, 103}, Add(a, scalar).Flat())
	assert.Equal(t, []float32{101, 102, 103}, Add(scalar, a).Flat())

	assert.Panics(t, func() { Add(a, FromFlatDataAndDimensions([]int32{1, 2, 3}, 3)) })
	assert.Panics(t, func() { Add(a, FromFlatDataAndDimensions([]float32{1, 2}, 2)) })
}

// checkKernels exercises the arithmetic kernels instantiated for one numeric
// Go type, going through the generic constructors.
func checkKernels[T numeric](t *testing.T) {
	a := FromFlatDataAndDimensions([]T{1, 2, 3}, 3)
	b := FromFlatDataAndDimensions([]T{4, 5, 6}, 3)
	assert.Equal(t, []T{5, 7, 9}, Add(a, b).Flat())
	assert.Equal(t, []T{4, 10, 18}, Mul(a, b).Flat())
	assert.Equal(t, []T{15}, ReduceSum(b, nil).Flat())
}

func TestKernelsCoverNumericDTypes(t *testing.T) {
	checkKernels[int8](t)
	checkKernels[int16](t)
	checkKernels[int32](t)
	checkKernels[int64](t)
	checkKernels[uint8](t)
	checkKernels[uint16](t)
	checkKernels[uint32](t)
	checkKernels[uint64](t)
	checkKernels[float32](t)
	checkKernels[float64](t)
}

func TestCompare(t *testing.T) {
	a := FromFlatDataAndDimensions([]int64{1, 5, 3}, 3)
	b := FromFlatDataAndDimensions([]int64{1, 2, 4}, 3)
	equal := Equal(a, b)
	assert.Equal(t, dtypes.Bool, equal.DType())
	assert.Equal(t, []bool{true, false, false}, equal.Flat())
	assert.Equal(t, []bool{true, true, false}, GreaterOrEqual(a, b).Flat())
}

func TestIota(t *testing.T) {
	assert.Equal(t, []float32{0, 1, 2, 3, 4},
		Iota(shapes.Make(dtypes.Float32, 5), 0).Flat())
	assert.Equal(t, []int32{0, 0, 0, 1, 1, 1},
		Iota(shapes.Make(dtypes.Int32, 2, 3), 0).Flat())
	assert.Equal(t, []int32{0, 1, 2, 0, 1, 2},
		Iota(shapes.Make(dtypes.Int32, 2, 3), 1).Flat())
	assert.Panics(t, func() { Iota(shapes.Make(dtypes.Int32, 2), 1) })
}

func TestFill(t *testing.T) {
	assert.Equal(t, []int8{3, 3, 3, 3}, Fill(shapes.Make(dtypes.Int8, 2, 2), 3).Flat())
	assert.Equal(t, []bool{true, true}, Fill(shapes.Make(dtypes.Bool, 2), 1).Flat())
}

func TestTranspose(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	transposed := Transpose(tensor, []int{1, 0})
	assert.Equal(t, shapes.Make(dtypes.Float32, 3, 2), transposed.Shape())
	assert.Equal(t, [][]float32{{1, 4}, {2, 5}, {3, 6}}, transposed.Value())

	// Identity permutation of a rank-3 tensor round-trips.
	cube := Iota(shapes.Make(dtypes.Int32, 2, 3, 4), 2)
	assert.True(t, cube.Equal(Transpose(Transpose(cube, []int{2, 0, 1}), []int{1, 2, 0})))

	assert.Panics(t, func() { Transpose(tensor, []int{0}) })
}

func TestReshape(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	reshaped := Reshape(tensor, []int{3, 2})
	assert.Equal(t, shapes.Make(dtypes.Int32, 3, 2), reshaped.Shape())
	assert.Equal(t, tensor.Flat(), reshaped.Flat())
	assert.Panics(t, func() { Reshape(tensor, []int{4, 2}) })
}

func TestBroadcastInDim(t *testing.T) {
	vec := FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)

	// Map the vector to the columns axis: rows are repeated.
	rows := BroadcastInDim(vec, shapes.Make(dtypes.Float32, 2, 3), []int{1})
	assert.Equal(t, [][]float32{{1, 2, 3}, {1, 2, 3}}, rows.Value())

	// Map it to the rows axis: columns are repeated.
	cols := BroadcastInDim(vec, shapes.Make(dtypes.Float32, 3, 2), []int{0})
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}, {3, 3}}, cols.Value())

	// Size-1 axes are stretched.
	one := FromFlatDataAndDimensions([]float32{7}, 1, 1)
	stretched := BroadcastInDim(one, shapes.Make(dtypes.Float32, 2, 2), []int{0, 1})
	assert.Equal(t, []float32{7, 7, 7, 7}, stretched.Flat())

	assert.Panics(t, func() {
		BroadcastInDim(vec, shapes.Make(dtypes.Float32, 2, 4), []int{1})
	})
}

func TestReduceSum(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Equal(t, []float64{5, 7, 9}, ReduceSum(tensor, []int{0}).Flat())
	assert.Equal(t, []float64{6, 15}, ReduceSum(tensor, []int{1}).Flat())

	full := ReduceSum(tensor, nil)
	assert.True(t, full.Shape().IsScalar())
	assert.Equal(t, float64(21), full.Value())

	assert.Panics(t, func() { ReduceSum(tensor, []int{2}) })
}

func TestConvertDType(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float32{0, 1.5, -2}, 3)
	assert.Equal(t, []int32{0, 1, -2}, ConvertDType(tensor, dtypes.Int32).Flat())
	assert.Equal(t, []bool{false, true, true}, ConvertDType(tensor, dtypes.Bool).Flat())
	assert.Equal(t, []float32{0, 1, 0},
		ConvertDType(FromFlatDataAndDimensions([]bool{false, true, false}, 3), dtypes.Float32).Flat())

	// Same dtype is a no-op.
	assert.Same(t, tensor, ConvertDType(tensor, dtypes.Float32))

	// Float16 converts through float32 and back without loss for small values.
	half := ConvertDType(tensor, dtypes.Float16)
	assert.Equal(t, dtypes.Float16, half.DType())
	assert.Equal(t, tensor.Flat(), ConvertDType(half, dtypes.Float32).Flat())
}

func TestString(t *testing.T) {
	assert.Equal(t, "(Int32)[2]: [1 2]", FromFlatDataAndDimensions([]int32{1, 2}, 2).String())
	large := Iota(shapes.Make(dtypes.Float32, 100), 0)
	assert.Contains(t, large.String(), "100 values")
}
