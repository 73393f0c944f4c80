// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/lazy"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

func TestCanonicalize(t *testing.T) {
	r := NewRegistry()

	// Go scalars and slices canonicalize into host tensors.
	tensor := r.Canonicalize(float32(3)).(*tensors.Local)
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float32)))

	tensor = r.Canonicalize([]float64{1, 2, 3}).(*tensors.Local)
	assert.True(t, tensor.Shape().Equal(shapes.Make(dtypes.Float64, 3)))
	assert.Equal(t, []float64{1, 2, 3}, tensor.Flat())

	// Word-sized int and uint become their explicit 64-bit dtypes.
	tensor = r.Canonicalize(7).(*tensors.Local)
	assert.Equal(t, dtypes.Int64, tensor.DType())
	assert.Equal(t, int64(7), tensor.Value())
	tensor = r.Canonicalize(uint(7)).(*tensors.Local)
	assert.Equal(t, dtypes.Uint64, tensor.DType())
	tensor = r.Canonicalize([]int{1, 2}).(*tensors.Local)
	assert.Equal(t, dtypes.Int64, tensor.DType())
	assert.Equal(t, []int64{1, 2}, tensor.Flat())

	// Tensors, unit and token are already canonical.
	local := tensors.FromScalar(int32(1))
	assert.Same(t, local, r.Canonicalize(local))
	assert.Equal(t, any(ir.Unit), r.Canonicalize(ir.Unit))
	assert.Equal(t, any(ir.Token), r.Canonicalize(ir.Token))

	// Unregistered kinds are a fatal type error.
	assert.Panics(t, func() { r.Canonicalize(struct{}{}) })
	assert.Panics(t, func() { r.Canonicalize("hello") })
}

func TestAbstractify(t *testing.T) {
	r := NewRegistry()
	aval := r.Abstractify([]float32{1, 2, 3})
	assert.Equal(t, ir.ShapedArray{ArrayShape: shapes.Make(dtypes.Float32, 3)}, aval)
	assert.Equal(t, ir.AbstractValue(ir.AbstractUnit{}), r.Abstractify(ir.Unit))
	assert.Equal(t, ir.AbstractValue(ir.AbstractToken{}), r.Abstractify(ir.Token))
}

func TestTransferShape(t *testing.T) {
	r := NewRegistry()
	shape := shapes.Make(dtypes.Float32, 2, 2)
	assert.True(t, r.TransferShape(ir.ShapedArray{ArrayShape: shape}).Equal(shape))

	// Unit and token transfer as the empty tuple.
	unitShape := r.TransferShape(ir.AbstractUnit{})
	assert.True(t, unitShape.IsTuple())
	assert.Equal(t, 0, unitShape.TupleSize())
	assert.True(t, r.TransferShape(ir.AbstractToken{}).IsTuple())
}

func TestArgSpecOf(t *testing.T) {
	r := NewRegistry()

	spec := r.ArgSpecOf([]float32{1, 2, 3})
	assert.True(t, spec.NeedsTransfer())
	assert.Nil(t, spec.Lazy)
	assert.True(t, spec.TransferShape.Equal(shapes.Make(dtypes.Float32, 3)))

	// Tokens are synthesized in-graph, never transferred.
	spec = r.ArgSpecOf(ir.Token)
	assert.False(t, spec.NeedsTransfer())
	assert.Equal(t, ir.AbstractValue(ir.AbstractToken{}), spec.AVal)

	// Specs key structurally: same signature, same key.
	assert.Equal(t, r.ArgSpecOf([]float32{1, 2, 3}).Key(), r.ArgSpecOf([]float32{4, 5, 6}).Key())
	assert.NotEqual(t, r.ArgSpecOf([]float32{1, 2, 3}).Key(), r.ArgSpecOf([]float32{1, 2}).Key())
	assert.NotEqual(t, r.ArgSpecOf([]float32{1, 2, 3}).Key(), r.ArgSpecOf([]int32{1, 2, 3}).Key())
}

func TestArgSpecKeyDistinguishesLazy(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	identity := &ArgSpec{
		AVal:          ir.ShapedArray{ArrayShape: shape},
		Lazy:          lazy.Array(shape),
		TransferShape: shape,
	}
	transposed := &ArgSpec{
		AVal:          ir.ShapedArray{ArrayShape: shape},
		Lazy:          lazy.Transpose(lazy.Array(shapes.Make(dtypes.Float32, 3, 2)), []int{1, 0}),
		TransferShape: shapes.Make(dtypes.Float32, 3, 2),
	}
	require.NotEqual(t, identity.Key(), transposed.Key())
	assert.NotEqual(t, argSpecsKey([]*ArgSpec{identity}), argSpecsKey([]*ArgSpec{identity, identity}))
}

func TestProgramReplicasAndLiterals(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2)
	v := &ir.Var{Name: "v", AVal: ir.ShapedArray{ArrayShape: shape}}
	o := &ir.Var{Name: "o", AVal: ir.ShapedArray{ArrayShape: shape}}
	lit := &ir.Literal{Value: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)}
	inner := &ir.Program{
		Name:   "inner",
		InVars: []*ir.Var{v},
		Eqns: []ir.Eqn{
			{Primitive: AddP, Inputs: []ir.Atom{v, lit}, Outputs: []*ir.Var{o}},
		},
		Outputs: []ir.Atom{o},
	}

	w := &ir.Var{Name: "w", AVal: ir.ShapedArray{ArrayShape: shape}}
	z := &ir.Var{Name: "z", AVal: ir.ShapedArray{ArrayShape: shape}}
	outer := &ir.Program{
		Name:   "outer",
		InVars: []*ir.Var{w},
		Eqns: []ir.Eqn{
			{
				Primitive: ScopedCallP,
				Inputs:    []ir.Atom{w},
				Outputs:   []*ir.Var{z},
				Params:    ir.Params{"program": inner, "axis_name": "i", "axis_size": 4},
			},
		},
		Outputs: []ir.Atom{z},
	}

	assert.Equal(t, 1, ProgramReplicas(inner))
	assert.Equal(t, 4, ProgramReplicas(outer))

	literals := ProgramLiterals(inner)
	require.Len(t, literals, 1)
	assert.Same(t, lit.Value, literals[0])

	rules := NewRules()
	assert.True(t, ProgramHasCollectives(&ir.Program{
		Eqns: []ir.Eqn{{Primitive: PSumP, Inputs: []ir.Atom{v}, Outputs: []*ir.Var{o}}},
	}, rules))
	assert.False(t, ProgramHasCollectives(inner, rules))
}
