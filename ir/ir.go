// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the typed intermediate program consumed by the execution
// engine: a Program is an ordered list of equations (Eqn) applying primitives
// to typed variables and literals.
//
// Programs are produced by a tracing layer outside this module; the engine
// only walks them in order to stage each equation onto a backend computation
// graph (see the exec package). The package also defines the AbstractValue
// classification used to pick shape and result handlers, and the zero-size
// Unit and Token runtime values.
package ir

import (
	"fmt"
	"sort"
	"strings"

	"github.com/gomlx/lazexec/types/tensors"
)

// Params holds the keyword parameters of a primitive application.
// Values must be printable with %v for cache-key purposes.
type Params map[string]any

// Get returns the parameter value for key, or defaultValue if not set.
func (p Params) Get(key string, defaultValue any) any {
	if p == nil {
		return defaultValue
	}
	if v, ok := p[key]; ok {
		return v
	}
	return defaultValue
}

// GetInt returns an int parameter, or defaultValue if not set.
func (p Params) GetInt(key string, defaultValue int) int {
	v := p.Get(key, defaultValue)
	if i, ok := v.(int); ok {
		return i
	}
	return defaultValue
}

// Key returns a canonical string representation of the parameters, usable as
// part of a cache key. Keys are sorted, so structurally equal Params map to
// equal strings.
func (p Params) Key() string {
	if len(p) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(p))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, p[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Primitive identifies one primitive operation. Primitives are compared by
// pointer identity: each operation is defined once and shared.
type Primitive struct {
	// Name of the primitive, used in error messages and cache keys.
	Name string

	// MultipleResults indicates the primitive produces a tuple of results
	// that must be destructured after lowering.
	MultipleResults bool

	// AbstractEval computes the abstract values of the outputs given those of
	// the inputs. For single-result primitives, it returns a 1-element slice.
	AbstractEval func(inputs []AbstractValue, params Params) []AbstractValue
}

// NewPrimitive returns a new single-result primitive with the given name.
// The caller still needs to set AbstractEval before dispatching it eagerly.
func NewPrimitive(name string) *Primitive {
	return &Primitive{Name: name}
}

func (p *Primitive) String() string { return p.Name }

// Atom is an input to an equation (or a program output): either a *Var or a
// *Literal.
type Atom interface {
	isAtom()
}

// Var is a typed variable of a Program. Vars are compared by pointer identity.
type Var struct {
	// Name is used only for printing; it does not need to be unique.
	Name string

	// AVal is the abstract classification of the variable's value.
	AVal AbstractValue
}

func (v *Var) isAtom() {}

func (v *Var) String() string {
	if v == UnitVar {
		return "*"
	}
	return fmt.Sprintf("%s:%s", v.Name, v.AVal)
}

// UnitVar is the distinguished variable bound to the unit value in every
// program's environment.
var UnitVar = &Var{Name: "*", AVal: AbstractUnit{}}

// Literal is a constant embedded directly in an equation.
type Literal struct {
	Value *tensors.Local
}

func (l *Literal) isAtom() {}

func (l *Literal) String() string { return l.Value.String() }

// SubProgram is a nested program bound by a call-style equation, together
// with the atoms of the parent scope feeding its constants and free variables.
type SubProgram struct {
	Program *Program

	// ConstBindings are parent-scope atoms bound, in order, to
	// Program.ConstVars.
	ConstBindings []Atom

	// FreeVarBindings are parent-scope atoms bound, in order, to
	// Program.FreeVars.
	FreeVarBindings []Atom
}

// Eqn is one equation of a Program: an application of a primitive to input
// atoms, binding the results to output variables.
type Eqn struct {
	Primitive *Primitive
	Inputs    []Atom
	Outputs   []*Var
	Params    Params

	// Sub is set only for call-style equations that embed a nested program.
	Sub *SubProgram
}

func (eqn *Eqn) String() string {
	inputs := make([]string, 0, len(eqn.Inputs))
	for _, in := range eqn.Inputs {
		inputs = append(inputs, fmt.Sprintf("%s", in))
	}
	outputs := make([]string, 0, len(eqn.Outputs))
	for _, out := range eqn.Outputs {
		outputs = append(outputs, out.String())
	}
	return fmt.Sprintf("%s = %s[%s](%s)", strings.Join(outputs, ", "),
		eqn.Primitive.Name, eqn.Params.Key(), strings.Join(inputs, ", "))
}

// Program is a typed intermediate program: equations over named variables,
// with constant bindings (ConstVars), free-variable bindings (FreeVars) and
// input parameters (InVars). It is strictly tree-shaped: a program may embed
// sub-programs through call-style equations, but never itself, transitively.
type Program struct {
	Name string

	ConstVars []*Var
	FreeVars  []*Var
	InVars    []*Var
	Eqns      []Eqn

	// Outputs of the program, read after all equations are processed.
	Outputs []Atom
}

func (prog *Program) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "program %q: %d equations\n", prog.Name, len(prog.Eqns))
	for ii := range prog.Eqns {
		_, _ = fmt.Fprintf(&sb, "#%d\t%s\n", ii, &prog.Eqns[ii])
	}
	return sb.String()
}
