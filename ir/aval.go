// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// AbstractValue is the classification of a runtime value used to select
// shape, result and transfer handlers. It is a closed set: AbstractUnit,
// AbstractToken, ShapedArray and ConcreteArray.
//
// The engine only switches on the concrete kind; it never inspects a
// concrete value except when materializing it.
type AbstractValue interface {
	fmt.Stringer

	isAbstractValue()
}

// AbstractUnit classifies the zero-size unit value.
type AbstractUnit struct{}

func (AbstractUnit) isAbstractValue() {}
func (AbstractUnit) String() string   { return "unit" }

// AbstractToken classifies the zero-information synchronization token.
type AbstractToken struct{}

func (AbstractToken) isAbstractValue() {}
func (AbstractToken) String() string   { return "token" }

// ShapedArray classifies an array value with known dtype and shape, but
// unknown contents.
type ShapedArray struct {
	ArrayShape shapes.Shape
}

func (a ShapedArray) isAbstractValue() {}
func (a ShapedArray) String() string   { return a.ArrayShape.String() }

// Shape implements shapes.HasShape.
func (a ShapedArray) Shape() shapes.Shape { return a.ArrayShape }

// ConcreteArray classifies an array value whose contents are known at trace
// time.
type ConcreteArray struct {
	ArrayShape shapes.Shape
	Value      *tensors.Local
}

func (a ConcreteArray) isAbstractValue() {}
func (a ConcreteArray) String() string   { return fmt.Sprintf("concrete%s", a.ArrayShape) }

// Shape implements shapes.HasShape.
func (a ConcreteArray) Shape() shapes.Shape { return a.ArrayShape }

// RaiseToShaped drops the concrete contents of an abstract value, returning
// the least specific classification that still has a known shape.
func RaiseToShaped(aval AbstractValue) AbstractValue {
	if concrete, ok := aval.(ConcreteArray); ok {
		return ShapedArray{ArrayShape: concrete.ArrayShape}
	}
	return aval
}

// UnitType is the type of the Unit singleton runtime value.
type UnitType struct{}

func (UnitType) String() string { return "unit" }

// Unit is the zero-size unit runtime value.
var Unit = UnitType{}

// TokenType is the type of the Token singleton runtime value: a
// zero-information ordering marker for side-effecting operations. Tokens have
// no buffer and are never transferred to a device.
type TokenType struct{}

func (TokenType) String() string { return "token" }

// Token is the runtime token value.
var Token = TokenType{}
