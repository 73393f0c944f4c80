// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/types/tensors"
)

// AutoDevice lets the backend choose the device(s) to execute on.
const AutoDevice backends.DeviceNum = -1

// CompiledProgram is a typed program lowered and compiled for one argument
// signature, ready to run on fresh concrete arguments.
type CompiledProgram struct {
	engine    *Engine
	prog      *ir.Program
	specs     []*ArgSpec
	tupleArgs bool
	replicas  int
	compiled  backends.Executable
	handlers  []ResultHandler
}

// CompileProgram lowers and compiles (memoized) the program for the given
// argument signature.
//
// consts are the values bound, in order, to prog.ConstVars. device pins the
// execution to one device, or AutoDevice; pinning a device together with a
// replicated program is a configuration error. Replica and device-count
// validation happens before any compilation is attempted.
func (e *Engine) CompileProgram(prog *ir.Program, consts []*tensors.Local, device backends.DeviceNum, specs ...*ArgSpec) *CompiledProgram {
	key := fmt.Sprintf("program|%s|%p|%d|%s", e.backend.Name(), prog, device, argSpecsKey(specs))
	return e.cached(key, func() any {
		if len(consts) != len(prog.ConstVars) {
			exceptions.Panicf("program %q has %d constant variables, got %d constant values",
				prog.Name, len(prog.ConstVars), len(consts))
		}
		if len(specs) != len(prog.InVars) {
			exceptions.Panicf("program %q has %d inputs, got %d argument signatures",
				prog.Name, len(prog.InVars), len(specs))
		}
		replicas := ProgramReplicas(prog)
		if replicas > int(e.backend.NumDevices()) {
			exceptions.Panicf("compiling program %q requires %d replicas, but backend %q only has %d device(s)",
				prog.Name, replicas, e.backend.Name(), e.backend.NumDevices())
		}
		if device != AutoDevice && replicas > 1 {
			exceptions.Panicf("cannot pin program %q to device %d: it is replicated %d times",
				prog.Name, device, replicas)
		}
		if replicas > 1 && ProgramHasCollectives(prog, e.rules) {
			exceptions.Panicf("program %q combines %d replicas with cross-replica collectives, which the backend op set cannot express",
				prog.Name, replicas)
		}

		handlers := make([]ResultHandler, len(prog.Outputs))
		for i, atom := range prog.Outputs {
			handlers[i] = e.registry.ResultHandlerFor(e, outputAVal(atom))
		}

		numTransfers := 0
		for _, spec := range specs {
			if spec.NeedsTransfer() {
				numTransfers++
			}
		}
		tupleArgs := numTransfers > e.TupleArgsThreshold

		if literals := ProgramLiterals(prog); len(literals) > 0 && klog.V(2).Enabled() {
			klog.Infof("program %q embeds %d literal(s)", prog.Name, len(literals))
		}

		b := e.backend.Builder("program_" + prog.Name)
		constOps := make([]backends.Op, len(consts))
		for i, value := range consts {
			constOps[i] = stageLiteral(b, e.registry.Canonicalize(value).(*tensors.Local))
		}
		argOps := e.stageArgSpecs(b, specs, tupleArgs)
		outputs := stageProgram(b, prog, e.backend, NewAxisEnv(replicas), e.rules, constOps, nil, argOps)
		comp, err := b.Build(outputs...)
		if err != nil {
			panic(errors.WithMessagef(err,
				"building the graph for program %q failed; this is a shape-checking bug, please report it",
				prog.Name))
		}

		options := backends.CompileOptions{NumReplicas: replicas}
		if device != AutoDevice {
			options.DeviceAssignment = []backends.DeviceNum{device}
		}
		return &CompiledProgram{
			engine:    e,
			prog:      prog,
			specs:     specs,
			tupleArgs: tupleArgs,
			replicas:  replicas,
			compiled:  e.compile(comp, options),
			handlers:  handlers,
		}
	}).(*CompiledProgram)
}

// outputAVal is the abstract classification of a program output atom.
func outputAVal(atom ir.Atom) ir.AbstractValue {
	switch out := atom.(type) {
	case *ir.Var:
		return out.AVal
	case *ir.Literal:
		return ir.ConcreteArray{ArrayShape: out.Value.Shape(), Value: out.Value}
	}
	exceptions.Panicf("unknown program output atom type %T", atom)
	return nil
}

// Replicas the program was compiled for.
func (c *CompiledProgram) Replicas() int { return c.replicas }

// Run executes the compiled program on fresh concrete arguments and returns
// one runtime value per program output. Failures panic; see TryRun.
func (c *CompiledProgram) Run(args ...any) []any {
	if len(args) != len(c.specs) {
		exceptions.Panicf("program %q was compiled for %d arguments, got %d",
			c.prog.Name, len(c.specs), len(args))
	}
	var outBufs []backends.Buffer
	if c.replicas == 1 {
		outBufs = c.executeSingle(args)
	} else {
		outBufs = c.executeReplicated(args)
	}
	if c.engine.DebugNaNs {
		c.checkNaNsWithFallback(args, outBufs)
	}
	results := make([]any, len(outBufs))
	for i, buf := range outBufs {
		results[i] = c.handlers[i](buf)
	}
	return results
}

// TryRun is Run converting panics at this boundary into returned errors.
func (c *CompiledProgram) TryRun(args ...any) (results []any, err error) {
	err = exceptions.TryCatch[error](func() {
		results = c.Run(args...)
	})
	return
}

// transferArgs moves every transferred argument to the device.
func (c *CompiledProgram) transferArgs(args []any, deviceNum backends.DeviceNum) []backends.Buffer {
	e := c.engine
	var inputBufs []backends.Buffer
	for i, spec := range c.specs {
		if !spec.NeedsTransfer() {
			continue
		}
		inputBufs = append(inputBufs, e.registry.DevicePut(e, args[i], deviceNum))
	}
	if c.tupleArgs {
		inputBufs = []backends.Buffer{must.M1(e.backend.BufferMakeTuple(deviceNum, inputBufs...))}
	}
	return inputBufs
}

// executeSingle transfers once, executes once.
func (c *CompiledProgram) executeSingle(args []any) []backends.Buffer {
	devices := c.compiled.LocalDevices()
	return must.M1(c.compiled.Execute(c.transferArgs(args, devices[0])...))
}

// executeReplicated transfers one full argument set per participating device
// and reads back replica 0's outputs only: replica result values are
// identical by construction of the replicated program.
func (c *CompiledProgram) executeReplicated(args []any) []backends.Buffer {
	devices := c.compiled.LocalDevices()
	inputs := make([][]backends.Buffer, len(devices))
	for replica, deviceNum := range devices {
		inputs[replica] = c.transferArgs(args, deviceNum)
	}
	outputs := must.M1(c.compiled.ExecutePerReplica(inputs))
	for replica := 1; replica < len(outputs); replica++ {
		for _, buf := range outputs[replica] {
			_ = c.engine.backend.BufferFinalize(buf)
		}
	}
	return outputs[0]
}

// checkNaNsWithFallback scans the outputs for NaNs; on a hit, it re-runs the
// program uncompiled (if a fallback evaluator is configured) as a diagnostic
// aid, then re-raises the original error. The fallback is best-effort: it may
// be slow or fail differently, and never suppresses the original error.
func (c *CompiledProgram) checkNaNsWithFallback(args []any, outBufs []backends.Buffer) {
	err := exceptions.TryCatch[error](func() {
		c.engine.checkNaNs("program "+c.prog.Name, outBufs)
	})
	if err == nil {
		return
	}
	if errors.Is(err, ErrNaN) && c.engine.UncompiledFallback != nil {
		klog.Warningf("%v: re-running program %q without compilation for debugging", err, c.prog.Name)
		fallbackErr := exceptions.TryCatch[error](func() {
			c.engine.UncompiledFallback(c.prog, args)
		})
		if fallbackErr != nil {
			klog.Warningf("uncompiled re-run of %q also failed: %v", c.prog.Name, fallbackErr)
		}
	}
	panic(err)
}
