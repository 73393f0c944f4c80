// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMake(t *testing.T) {
	s := Make(dtypes.Float32, 2, 3)
	require.True(t, s.Ok())
	assert.False(t, s.IsTuple())
	assert.Equal(t, 2, s.Rank())
	assert.Equal(t, 6, s.Size())
	assert.Equal(t, 3, s.Dim(1))
	assert.Equal(t, 3, s.Dim(-1))
	assert.Equal(t, 2, s.Dim(-2))
	assert.Panics(t, func() { s.Dim(2) })
	assert.Panics(t, func() { Make(dtypes.Float32, 2, 0) })

	scalar := Make(dtypes.Int64)
	assert.True(t, scalar.IsScalar())
	assert.Equal(t, 1, scalar.Size())
	assert.Equal(t, 0, scalar.Rank())

	assert.False(t, Invalid().Ok())
	assert.Equal(t, Make(dtypes.Float64), Scalar[float64]())
}

func TestMakeTuple(t *testing.T) {
	tuple := MakeTuple(Make(dtypes.Float32, 2), Make(dtypes.Int32))
	require.True(t, tuple.Ok())
	assert.True(t, tuple.IsTuple())
	assert.Equal(t, 2, tuple.TupleSize())
	assert.False(t, tuple.IsScalar())
	assert.Equal(t, "Tuple<(Float32)[2], (Int32)>", tuple.String())

	// The empty tuple is a valid shape: it is the transfer shape of unit and
	// token values.
	empty := MakeTuple()
	require.True(t, empty.Ok())
	assert.True(t, empty.IsTuple())
	assert.Equal(t, 0, empty.TupleSize())
	assert.True(t, empty.Clone().IsTuple())
	assert.True(t, empty.Equal(MakeTuple()))
	assert.False(t, empty.Equal(tuple))
}

func TestEqual(t *testing.T) {
	assert.True(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float32, 2, 3)))
	assert.False(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float32, 3, 2)))
	assert.False(t, Make(dtypes.Float32, 2, 3).Equal(Make(dtypes.Float64, 2, 3)))
	assert.False(t, Make(dtypes.Float32).Equal(MakeTuple()))

	nested := MakeTuple(MakeTuple(Make(dtypes.Bool, 1)), Make(dtypes.Int8))
	assert.True(t, nested.Equal(MakeTuple(MakeTuple(Make(dtypes.Bool, 1)), Make(dtypes.Int8))))
	assert.False(t, nested.Equal(MakeTuple(MakeTuple(Make(dtypes.Bool, 2)), Make(dtypes.Int8))))
}

func TestClone(t *testing.T) {
	s := Make(dtypes.Int32, 2, 3)
	clone := s.Clone()
	require.True(t, s.Equal(clone))
	clone.Dimensions[0] = 7
	assert.Equal(t, 2, s.Dimensions[0])

	tuple := MakeTuple(s, MakeTuple())
	tupleClone := tuple.Clone()
	assert.True(t, tuple.Equal(tupleClone))
	assert.True(t, tupleClone.TupleShapes[1].IsTuple())
}

func TestStrides(t *testing.T) {
	assert.Equal(t, []int{12, 4, 1}, Make(dtypes.Float32, 2, 3, 4).Strides())
	assert.Equal(t, []int{1}, Make(dtypes.Float32, 5).Strides())
	assert.Empty(t, Make(dtypes.Float32).Strides())
}

func TestMemory(t *testing.T) {
	assert.Equal(t, uintptr(24), Make(dtypes.Float32, 2, 3).Memory())
	assert.Equal(t, uintptr(8), Make(dtypes.Float64).Memory())
}
