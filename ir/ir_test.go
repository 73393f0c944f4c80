// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"

	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

func TestParams(t *testing.T) {
	params := Params{"axes": []int{0, 1}, "axis_size": 4}
	assert.Equal(t, 4, params.GetInt("axis_size", 1))
	assert.Equal(t, 1, params.GetInt("missing", 1))
	assert.Equal(t, []int{0, 1}, params.Get("axes", nil))
	assert.Nil(t, params.Get("missing", nil))

	var empty Params
	assert.Equal(t, "n/a", empty.Get("anything", "n/a"))
	assert.Equal(t, "{}", empty.Key())

	// Keys are sorted: structurally equal params map to equal keys.
	assert.Equal(t, "{axes=[0 1],axis_size=4}", params.Key())
	assert.Equal(t, params.Key(), Params{"axis_size": 4, "axes": []int{0, 1}}.Key())
}

func TestRaiseToShaped(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2)
	concrete := ConcreteArray{ArrayShape: shape, Value: tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)}
	raised := RaiseToShaped(concrete)
	assert.Equal(t, ShapedArray{ArrayShape: shape}, raised)

	// Already shaped (or unit/token) values are returned unchanged.
	assert.Equal(t, ShapedArray{ArrayShape: shape}, RaiseToShaped(ShapedArray{ArrayShape: shape}))
	assert.Equal(t, AbstractValue(AbstractUnit{}), RaiseToShaped(AbstractUnit{}))
	assert.Equal(t, AbstractValue(AbstractToken{}), RaiseToShaped(AbstractToken{}))
}

func TestEqnString(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 3)
	x := &Var{Name: "x", AVal: ShapedArray{ArrayShape: shape}}
	y := &Var{Name: "y", AVal: ShapedArray{ArrayShape: shape}}
	eqn := Eqn{
		Primitive: NewPrimitive("add"),
		Inputs:    []Atom{x, x},
		Outputs:   []*Var{y},
	}
	assert.Equal(t, "y:(Float32)[3] = add[{}](x:(Float32)[3], x:(Float32)[3])", eqn.String())
	assert.Equal(t, "*", UnitVar.String())
}
