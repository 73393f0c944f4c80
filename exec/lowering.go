// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/types/tensors"
)

// stageProgram walks the program's equations in order, staging each onto the
// builder, and returns the staged output nodes. The variable environment is
// pre-seeded with the unit node and the already-staged nodes for constants,
// free variables and inputs.
//
// Failures (no lowering rule, malformed program) panic; callers catch at the
// engine boundary.
func stageProgram(b backends.Builder, prog *ir.Program, backend backends.Backend, axisEnv *AxisEnv,
	rules *Rules, consts, freeVars, args []backends.Op) []backends.Op {
	env := make(map[*ir.Var]backends.Op)
	write := func(v *ir.Var, node backends.Op) {
		if node == nil {
			exceptions.Panicf("staging %q: nil node bound to variable %s", prog.Name, v)
		}
		env[v] = node
	}
	read := func(atom ir.Atom) backends.Op {
		if lit, ok := atom.(*ir.Literal); ok {
			return stageLiteral(b, lit.Value)
		}
		v := atom.(*ir.Var)
		node, found := env[v]
		if !found {
			exceptions.Panicf("staging %q: variable %s read before being bound", prog.Name, v)
		}
		return node
	}
	readAll := func(atoms []ir.Atom) []backends.Op {
		nodes := make([]backends.Op, len(atoms))
		for i, atom := range atoms {
			nodes[i] = read(atom)
		}
		return nodes
	}

	write(ir.UnitVar, must.M1(b.Tuple()))
	bindAll := func(vars []*ir.Var, nodes []backends.Op) {
		if len(vars) != len(nodes) {
			exceptions.Panicf("staging %q: %d nodes for %d variables", prog.Name, len(nodes), len(vars))
		}
		for i, v := range vars {
			write(v, nodes[i])
		}
	}
	bindAll(prog.ConstVars, consts)
	bindAll(prog.FreeVars, freeVars)
	bindAll(prog.InVars, args)

	backendTable := rules.backendSpecific[backend.Name()]
	for i := range prog.Eqns {
		eqn := &prog.Eqns[i]
		inNodes := readAll(eqn.Inputs)
		var result backends.Op
		if rule, found := backendTable[eqn.Primitive]; found {
			result = rule(b, inNodes, eqn.Params)
		} else if rule, found := rules.generic[eqn.Primitive]; found {
			result = rule(b, inNodes, eqn.Params)
		} else if rule, found := rules.reduction[eqn.Primitive]; found {
			result = rule(b, backend, inNodes, eqn.Params)
		} else if rule, found := rules.initialStyle[eqn.Primitive]; found {
			result = rule(b, axisEnv, backend, rules, inNodes, eqn.Params)
		} else if rule, found := rules.parallel[eqn.Primitive]; found {
			axisName, ok := eqn.Params.Get("axis_name", "").(string)
			if !ok || axisName == "" {
				exceptions.Panicf(`staging %q: collective %q without an "axis_name" parameter`,
					prog.Name, eqn.Primitive.Name)
			}
			replicaGroups := axisEnv.AxisGroups(axisName)
			result = rule(b, backend, replicaGroups, inNodes, eqn.Params)
		} else if rule, found := rules.callStyle[eqn.Primitive]; found {
			if eqn.Sub == nil {
				exceptions.Panicf("staging %q: call-style primitive %q without a nested program",
					prog.Name, eqn.Primitive.Name)
			}
			constNodes := readAll(eqn.Sub.ConstBindings)
			freeVarNodes := readAll(eqn.Sub.FreeVarBindings)
			result = rule(b, eqn.Sub, axisEnv, backend, rules, constNodes, freeVarNodes, inNodes, eqn.Params)
		} else {
			exceptions.Panicf("no lowering rule for primitive %q (backend %q)",
				eqn.Primitive.Name, backend.Name())
		}

		// Force a shape check of the result; by construction every shape was
		// validated before staging, so a failure here is a shape-checking bug
		// worth a report.
		if _, err := b.OpShape(result); err != nil {
			panic(errors.WithMessagef(err,
				"invalid shape staging %q in %q; this is a shape-checking bug, please report it",
				eqn.Primitive.Name, prog.Name))
		}
		if eqn.Primitive.MultipleResults {
			bindAll(eqn.Outputs, destructure(b, result, len(eqn.Outputs)))
		} else {
			if len(eqn.Outputs) != 1 {
				exceptions.Panicf("staging %q: single-result primitive %q bound to %d outputs",
					prog.Name, eqn.Primitive.Name, len(eqn.Outputs))
			}
			write(eqn.Outputs[0], result)
		}
	}
	return readAll(prog.Outputs)
}

// stageLiteral inlines a literal operand as a graph constant.
func stageLiteral(b backends.Builder, value *tensors.Local) backends.Op {
	return must.M1(b.Constant(value.Flat(), value.Shape().Dimensions...))
}

// destructure splits a tuple node into one node per element.
func destructure(b backends.Builder, tuple backends.Op, n int) []backends.Op {
	shape := must.M1(b.OpShape(tuple))
	if !shape.IsTuple() || shape.TupleSize() != n {
		exceptions.Panicf("cannot destructure node of shape %s into %d results", shape, n)
	}
	nodes := make([]backends.Op, n)
	for i := range nodes {
		nodes[i] = must.M1(b.GetTupleElement(tuple, i))
	}
	return nodes
}

// ProgramLiterals collects every literal embedded in the program, including
// those reachable through nested programs, in walk order. Used to start
// host-to-device pretransfers before compilation finishes.
func ProgramLiterals(prog *ir.Program) []*tensors.Local {
	var literals []*tensors.Local
	var walk func(prog *ir.Program)
	collect := func(atoms []ir.Atom) {
		for _, atom := range atoms {
			if lit, ok := atom.(*ir.Literal); ok {
				literals = append(literals, lit.Value)
			}
		}
	}
	walk = func(prog *ir.Program) {
		for i := range prog.Eqns {
			eqn := &prog.Eqns[i]
			collect(eqn.Inputs)
			if eqn.Sub != nil {
				collect(eqn.Sub.ConstBindings)
				collect(eqn.Sub.FreeVarBindings)
				walk(eqn.Sub.Program)
			}
		}
		collect(prog.Outputs)
	}
	walk(prog)
	return literals
}

// ProgramReplicas returns the maximum replica multiplier demanded anywhere in
// the program: a nested program tagged with an axis size contributes that
// size times its own internal requirement.
func ProgramReplicas(prog *ir.Program) int {
	replicas := 1
	for i := range prog.Eqns {
		eqn := &prog.Eqns[i]
		eqnReplicas := 1
		if eqn.Sub != nil {
			eqnReplicas = eqn.Params.GetInt("axis_size", 1) * ProgramReplicas(eqn.Sub.Program)
		} else if sub, ok := eqn.Params.Get("program", nil).(*ir.Program); ok {
			eqnReplicas = eqn.Params.GetInt("axis_size", 1) * ProgramReplicas(sub)
		}
		if eqnReplicas > replicas {
			replicas = eqnReplicas
		}
	}
	return replicas
}

// ProgramHasCollectives reports whether the program (or any nested program)
// applies a cross-replica collective primitive.
func ProgramHasCollectives(prog *ir.Program, rules *Rules) bool {
	for i := range prog.Eqns {
		eqn := &prog.Eqns[i]
		if rules.isParallel(eqn.Primitive) {
			return true
		}
		if eqn.Sub != nil && ProgramHasCollectives(eqn.Sub.Program, rules) {
			return true
		}
		if sub, ok := eqn.Params.Get("program", nil).(*ir.Program); ok && ProgramHasCollectives(sub, rules) {
			return true
		}
	}
	return false
}
