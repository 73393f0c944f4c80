// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
)

// GenericRule lowers one primitive application onto the builder. Rules panic
// on failure (backend errors are wrapped with must); the engine catches at
// its call boundaries.
type GenericRule func(b backends.Builder, inputs []backends.Op, params ir.Params) backends.Op

// ReductionRule is a lowering rule that additionally receives the target
// backend.
type ReductionRule func(b backends.Builder, backend backends.Backend, inputs []backends.Op, params ir.Params) backends.Op

// InitialStyleRule lowers a primitive whose behavior embeds a sub-program
// (control-flow or scan-like constructs): it receives the active axis
// environment, the backend and the rule tables, so it can recursively lower
// the sub-program.
type InitialStyleRule func(b backends.Builder, axisEnv *AxisEnv, backend backends.Backend, rules *Rules, inputs []backends.Op, params ir.Params) backends.Op

// ParallelRule lowers a named-axis collective: it receives the replica groups
// computed from the axis environment for the collective's axis name(s).
type ParallelRule func(b backends.Builder, backend backends.Backend, replicaGroups [][]int, inputs []backends.Op, params ir.Params) backends.Op

// CallRule lowers an equation embedding a nested program: it receives the
// parent builder, the sub-program, the axis environment, and the parent's
// already-staged nodes for the sub-program's constants, free variables and
// inputs.
type CallRule func(b backends.Builder, sub *ir.SubProgram, axisEnv *AxisEnv, backend backends.Backend, rules *Rules,
	constNodes, freeVarNodes, inputNodes []backends.Op, params ir.Params) backends.Op

// Rules holds the six lowering-rule tables, keyed by primitive identity; the
// backend-specific table is additionally keyed by backend name. Lookup
// priority is backend-specific, generic, reduction, initial-style, parallel,
// call-style; a primitive matching none is a fatal "no lowering rule" error.
//
// Like the adaptation registries, rule tables are extended at process startup
// and injected into the engine, rather than living as package globals.
type Rules struct {
	generic         map[*ir.Primitive]GenericRule
	backendSpecific map[string]map[*ir.Primitive]GenericRule
	reduction       map[*ir.Primitive]ReductionRule
	initialStyle    map[*ir.Primitive]InitialStyleRule
	parallel        map[*ir.Primitive]ParallelRule
	callStyle       map[*ir.Primitive]CallRule
}

// NewRules returns the rule tables pre-populated with the built-in
// primitives.
func NewRules() *Rules {
	r := &Rules{
		generic:         make(map[*ir.Primitive]GenericRule),
		backendSpecific: make(map[string]map[*ir.Primitive]GenericRule),
		reduction:       make(map[*ir.Primitive]ReductionRule),
		initialStyle:    make(map[*ir.Primitive]InitialStyleRule),
		parallel:        make(map[*ir.Primitive]ParallelRule),
		callStyle:       make(map[*ir.Primitive]CallRule),
	}
	r.registerBuiltins()
	return r
}

// RegisterGeneric sets the generic lowering rule for prim.
func (r *Rules) RegisterGeneric(prim *ir.Primitive, rule GenericRule) {
	r.generic[prim] = rule
}

// RegisterBackendSpecific sets a rule for prim used only when lowering for
// the named backend. It takes priority over the generic rule.
func (r *Rules) RegisterBackendSpecific(backendName string, prim *ir.Primitive, rule GenericRule) {
	table, found := r.backendSpecific[backendName]
	if !found {
		table = make(map[*ir.Primitive]GenericRule)
		r.backendSpecific[backendName] = table
	}
	table[prim] = rule
}

// RegisterReduction sets the reduction lowering rule for prim.
func (r *Rules) RegisterReduction(prim *ir.Primitive, rule ReductionRule) {
	r.reduction[prim] = rule
}

// RegisterInitialStyle sets the initial-style lowering rule for prim.
func (r *Rules) RegisterInitialStyle(prim *ir.Primitive, rule InitialStyleRule) {
	r.initialStyle[prim] = rule
}

// RegisterParallel sets the parallel (collective) lowering rule for prim.
func (r *Rules) RegisterParallel(prim *ir.Primitive, rule ParallelRule) {
	r.parallel[prim] = rule
}

// RegisterCallStyle sets the call-style lowering rule for prim.
func (r *Rules) RegisterCallStyle(prim *ir.Primitive, rule CallRule) {
	r.callStyle[prim] = rule
}

// isParallel reports whether prim is a cross-replica collective.
func (r *Rules) isParallel(prim *ir.Primitive) bool {
	_, found := r.parallel[prim]
	return found
}

// Built-in primitives. The tracing layer (and tests) apply these; richer
// primitive sets register their own rules against the tables above.
var (
	// AddP, MulP and NegP are element-wise arithmetic (operand shapes equal,
	// or either one a scalar).
	AddP = newElementwisePrimitive("add", 2)
	MulP = newElementwisePrimitive("mul", 2)
	NegP = newElementwisePrimitive("neg", 1)

	// ConvertP converts its operand to the dtype in params["dtype"].
	ConvertP = &ir.Primitive{Name: "convert", AbstractEval: convertAbstractEval}

	// ReduceSumP sums over params["axes"] ([]int, or absent to reduce all).
	ReduceSumP = &ir.Primitive{Name: "reduce_sum", AbstractEval: reduceSumAbstractEval}

	// PSumP is the cross-replica sum over the named axis params["axis_name"].
	PSumP = &ir.Primitive{Name: "psum", AbstractEval: firstInputAbstractEval}

	// CallP applies a nested program (bound via Eqn.Sub) to its inputs.
	CallP = &ir.Primitive{Name: "call", MultipleResults: true}

	// ScopedCallP applies the nested program in params["program"]
	// (*ir.Program) under a named axis scope params["axis_name"] of size
	// params["axis_size"]. Initial-style: the sub-program is lowered with the
	// extended axis environment.
	ScopedCallP = &ir.Primitive{Name: "scoped_call", MultipleResults: true}
)

func newElementwisePrimitive(name string, arity int) *ir.Primitive {
	return &ir.Primitive{
		Name: name,
		AbstractEval: func(inputs []ir.AbstractValue, params ir.Params) []ir.AbstractValue {
			if len(inputs) != arity {
				exceptions.Panicf("primitive %q expects %d operands, got %d", name, arity, len(inputs))
			}
			out := shapedInput(name, inputs, 0)
			for i := 1; i < arity; i++ {
				next := shapedInput(name, inputs, i)
				if out.ArrayShape.IsScalar() {
					out = next
				} else if !next.ArrayShape.IsScalar() && !next.ArrayShape.Equal(out.ArrayShape) {
					exceptions.Panicf("primitive %q applied to incompatible shapes %s and %s",
						name, out.ArrayShape, next.ArrayShape)
				}
			}
			return []ir.AbstractValue{out}
		},
	}
}

func shapedInput(name string, inputs []ir.AbstractValue, i int) ir.ShapedArray {
	shaped, ok := ir.RaiseToShaped(inputs[i]).(ir.ShapedArray)
	if !ok {
		exceptions.Panicf("primitive %q applied to non-array operand #%d (%s)", name, i, inputs[i])
	}
	return shaped
}

func firstInputAbstractEval(inputs []ir.AbstractValue, params ir.Params) []ir.AbstractValue {
	return []ir.AbstractValue{ir.RaiseToShaped(inputs[0])}
}

func convertAbstractEval(inputs []ir.AbstractValue, params ir.Params) []ir.AbstractValue {
	in := shapedInput("convert", inputs, 0)
	dtype, ok := params.Get("dtype", nil).(dtypes.DType)
	if !ok {
		exceptions.Panicf(`primitive "convert" requires a dtypes.DType parameter "dtype"`)
	}
	shape := in.ArrayShape.Clone()
	shape.DType = dtype
	return []ir.AbstractValue{ir.ShapedArray{ArrayShape: shape}}
}

func reduceSumAbstractEval(inputs []ir.AbstractValue, params ir.Params) []ir.AbstractValue {
	in := shapedInput("reduce_sum", inputs, 0)
	axes, _ := params.Get("axes", []int(nil)).([]int)
	reduced := make([]bool, in.ArrayShape.Rank())
	if len(axes) == 0 {
		for i := range reduced {
			reduced[i] = true
		}
	}
	for _, axis := range axes {
		if axis < 0 || axis >= in.ArrayShape.Rank() {
			exceptions.Panicf(`primitive "reduce_sum": axis %d out of range for shape %s`, axis, in.ArrayShape)
		}
		reduced[axis] = true
	}
	var outDims []int
	for axis, dim := range in.ArrayShape.Dimensions {
		if !reduced[axis] {
			outDims = append(outDims, dim)
		}
	}
	shape := in.ArrayShape.Clone()
	shape.Dimensions = outDims
	return []ir.AbstractValue{ir.ShapedArray{ArrayShape: shape}}
}

func (r *Rules) registerBuiltins() {
	r.RegisterGeneric(AddP, func(b backends.Builder, inputs []backends.Op, params ir.Params) backends.Op {
		return must.M1(b.Add(inputs[0], inputs[1]))
	})
	r.RegisterGeneric(MulP, func(b backends.Builder, inputs []backends.Op, params ir.Params) backends.Op {
		return must.M1(b.Mul(inputs[0], inputs[1]))
	})
	r.RegisterGeneric(NegP, func(b backends.Builder, inputs []backends.Op, params ir.Params) backends.Op {
		return must.M1(b.Neg(inputs[0]))
	})
	r.RegisterGeneric(ConvertP, func(b backends.Builder, inputs []backends.Op, params ir.Params) backends.Op {
		dtype := params.Get("dtype", dtypes.InvalidDType).(dtypes.DType)
		return must.M1(b.ConvertDType(inputs[0], dtype))
	})

	r.RegisterReduction(ReduceSumP, func(b backends.Builder, backend backends.Backend, inputs []backends.Op, params ir.Params) backends.Op {
		axes, _ := params.Get("axes", []int(nil)).([]int)
		return must.M1(b.ReduceSum(inputs[0], axes...))
	})

	// A cross-replica sum within a replica group of one is the identity; the
	// backend op set has no multi-replica collective, so larger groups are
	// rejected at lowering time.
	r.RegisterParallel(PSumP, func(b backends.Builder, backend backends.Backend, replicaGroups [][]int, inputs []backends.Op, params ir.Params) backends.Op {
		for _, group := range replicaGroups {
			if len(group) > 1 {
				exceptions.Panicf(`backend %q cannot lower "psum" over replica groups %v: cross-device collectives are not supported`,
					backend.Name(), replicaGroups)
			}
		}
		return must.M1(b.Identity(inputs[0]))
	})

	r.RegisterCallStyle(CallP, callRule)

	r.RegisterInitialStyle(ScopedCallP, func(b backends.Builder, axisEnv *AxisEnv, backend backends.Backend, rules *Rules, inputs []backends.Op, params ir.Params) backends.Op {
		prog, ok := params.Get("program", nil).(*ir.Program)
		if !ok {
			exceptions.Panicf(`primitive "scoped_call" requires an *ir.Program parameter "program"`)
		}
		axisName, _ := params.Get("axis_name", "").(string)
		axisSize := params.GetInt("axis_size", 1)
		if axisName != "" {
			axisEnv = axisEnv.Extend(axisName, axisSize)
		}
		sub := &ir.SubProgram{Program: prog}
		return callRule(b, sub, axisEnv, backend, rules, nil, nil, inputs, params)
	})
}

// callRule stages the nested program into its own subgraph, builds it, and
// splices it into the parent graph as a single call node with the parent's
// already-staged nodes as arguments.
func callRule(b backends.Builder, sub *ir.SubProgram, axisEnv *AxisEnv, backend backends.Backend, rules *Rules,
	constNodes, freeVarNodes, inputNodes []backends.Op, params ir.Params) backends.Op {
	subBuilder := backend.Builder(sub.Program.Name + "_sub")
	numParams := 0
	subParam := func(nodes []backends.Op) []backends.Op {
		ops := make([]backends.Op, len(nodes))
		for i, node := range nodes {
			shape := must.M1(b.OpShape(node))
			ops[i] = must.M1(subBuilder.Parameter(fmt.Sprintf("p%d", numParams), shape))
			numParams++
		}
		return ops
	}
	subConsts := subParam(constNodes)
	subFreeVars := subParam(freeVarNodes)
	subInputs := subParam(inputNodes)
	outputs := stageProgram(subBuilder, sub.Program, backend, axisEnv, rules, subConsts, subFreeVars, subInputs)
	subComp := must.M1(subBuilder.Build(outputs...))
	args := make([]backends.Op, 0, len(constNodes)+len(freeVarNodes)+len(inputNodes))
	args = append(args, constNodes...)
	args = append(args, freeVarNodes...)
	args = append(args, inputNodes...)
	return must.M1(b.Call(subComp, args...))
}
