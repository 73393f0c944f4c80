// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package exec implements the execution engine: it turns primitive
// applications and typed programs (see the ir package) into compiled,
// memoized backend executables, and manages the lifecycle of device-resident
// array values (DeviceArray).
//
// An Engine binds together a backend, the type/buffer adaptation registries
// (Registry) and the lowering-rule tables (Rules). All compilation state is
// held by the engine; there are no package-level caches.
package exec

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/lazy"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

const (
	// DebugNaNsEnvVar enables scanning every floating-point output buffer for
	// NaNs after execution ("true"/"1").
	DebugNaNsEnvVar = "LAZEXEC_DEBUG_NANS"

	// LogCompilesEnvVar enables a log line per compile event ("true"/"1").
	LogCompilesEnvVar = "LAZEXEC_LOG_COMPILES"

	// DefaultTupleArgsThreshold is the argument count above which arguments
	// are packed into a single tuple parameter, to stay under device
	// parameter-count limits.
	DefaultTupleArgsThreshold = 100
)

// ErrNaN is the error reported when DebugNaNs is enabled and a
// floating-point output contains a NaN. Test with errors.Is.
var ErrNaN = errors.New("invalid value (NaN) encountered")

// Engine is the dispatch and compilation engine. Create one with NewEngine;
// it is safe for concurrent use, with at most one compile in flight per
// distinct argument signature.
type Engine struct {
	backend       backends.Backend
	registry      *Registry
	rules         *Rules
	defaultDevice backends.DeviceNum

	// DebugNaNs enables post-execution NaN scanning of floating-point
	// outputs. Defaults to the DebugNaNsEnvVar environment variable.
	DebugNaNs bool

	// LogCompiles enables a log line per compile event. Defaults to the
	// LogCompilesEnvVar environment variable.
	LogCompiles bool

	// TupleArgsThreshold is the argument count above which the packed-tuple
	// calling convention is used.
	TupleArgsThreshold int

	// UncompiledFallback, if set, is re-run for diagnostic purposes when a
	// compiled program execution reports a NaN (DebugNaNs enabled): the
	// program is evaluated without compilation, where the failing operation
	// is easier to pinpoint. The original error is reported either way.
	UncompiledFallback func(prog *ir.Program, args []any)

	mu           sync.Mutex
	cache        map[string]*cacheEntry
	compileCount atomic.Int64
}

// NewEngine returns an Engine on the given backend, with the built-in
// registries and rule tables.
func NewEngine(backend backends.Backend) *Engine {
	return &Engine{
		backend:            backend,
		registry:           NewRegistry(),
		rules:              NewRules(),
		DebugNaNs:          boolFromEnv(DebugNaNsEnvVar),
		LogCompiles:        boolFromEnv(LogCompilesEnvVar),
		TupleArgsThreshold: DefaultTupleArgsThreshold,
		cache:              make(map[string]*cacheEntry),
	}
}

func boolFromEnv(name string) bool {
	value, err := strconv.ParseBool(os.Getenv(name))
	return err == nil && value
}

// Backend the engine executes on.
func (e *Engine) Backend() backends.Backend { return e.backend }

// Registry returns the type/buffer adaptation registries, open for new value
// kinds.
func (e *Engine) Registry() *Registry { return e.registry }

// Rules returns the lowering-rule tables, open for new primitives.
func (e *Engine) Rules() *Rules { return e.rules }

// CompileCount returns the number of backend compiles performed so far: a
// side channel to observe cache hits.
func (e *Engine) CompileCount() int64 { return e.compileCount.Load() }

// cacheEntry guarantees at most one build per cache key: concurrent callers
// for the same signature share one compile.
type cacheEntry struct {
	once  sync.Once
	value any
	err   error
}

// cached returns the memoized value for key, building it at most once. A
// panicking build is captured and re-raised for every caller of the key.
func (e *Engine) cached(key string, build func() any) any {
	e.mu.Lock()
	entry, found := e.cache[key]
	if !found {
		entry = &cacheEntry{}
		e.cache[key] = entry
	}
	e.mu.Unlock()
	entry.once.Do(func() {
		entry.err = exceptions.TryCatch[error](func() {
			entry.value = build()
		})
	})
	if entry.err != nil {
		panic(entry.err)
	}
	return entry.value
}

// Apply evaluates one primitive application on concrete arguments: it
// compiles (or reuses) the executable for the argument signature, transfers
// the arguments, executes and reconstructs the result value(s).
//
// It returns a single runtime value, or a []any for multi-result primitives.
// Failures panic; see TryApply for an error-returning variant.
func (e *Engine) Apply(prim *ir.Primitive, params ir.Params, args ...any) any {
	specs := make([]*ArgSpec, len(args))
	for i, arg := range args {
		specs[i] = e.registry.ArgSpecOf(arg)
	}
	callable := e.primitiveCallable(prim, params, specs)
	return callable.run(args)
}

// TryApply is Apply converting panics at this boundary into returned errors.
func (e *Engine) TryApply(prim *ir.Primitive, params ir.Params, args ...any) (result any, err error) {
	err = exceptions.TryCatch[error](func() {
		result = e.Apply(prim, params, args...)
	})
	return
}

// primitiveCallable is a compiled single-primitive application for one
// argument signature.
type primitiveCallable struct {
	engine    *Engine
	prim      *ir.Primitive
	specs     []*ArgSpec
	tupleArgs bool
	deviceNum backends.DeviceNum
	compiled  backends.Executable
	handlers  []ResultHandler
}

// primitiveCallable returns the memoized callable for the signature,
// compiling on the first call.
func (e *Engine) primitiveCallable(prim *ir.Primitive, params ir.Params, specs []*ArgSpec) *primitiveCallable {
	key := fmt.Sprintf("prim|%s|%s|%s|%s", e.backend.Name(), prim.Name, params.Key(), argSpecsKey(specs))
	return e.cached(key, func() any {
		if prim.AbstractEval == nil {
			exceptions.Panicf("primitive %q cannot be dispatched: it defines no abstract evaluation", prim.Name)
		}
		outAVals := prim.AbstractEval(specsToShapedAVals(specs), params)
		if !prim.MultipleResults && len(outAVals) != 1 {
			exceptions.Panicf("single-result primitive %q produced %d abstract outputs", prim.Name, len(outAVals))
		}
		handlers := make([]ResultHandler, len(outAVals))
		for i, aval := range outAVals {
			handlers[i] = e.registry.ResultHandlerFor(e, aval)
		}
		numTransfers := 0
		for _, spec := range specs {
			if spec.NeedsTransfer() {
				numTransfers++
			}
		}
		tupleArgs := numTransfers > e.TupleArgsThreshold
		comp := e.buildPrimitiveComputation(prim, NewAxisEnv(1), params, specs, tupleArgs, len(outAVals))
		compiled := e.compile(comp, backends.CompileOptions{NumReplicas: 1})
		return &primitiveCallable{
			engine:    e,
			prim:      prim,
			specs:     specs,
			tupleArgs: tupleArgs,
			deviceNum: e.defaultDevice,
			compiled:  compiled,
			handlers:  handlers,
		}
	}).(*primitiveCallable)
}

// buildPrimitiveComputation stages a fresh graph containing exactly one
// application of prim over parameters reconstructed from the arg specs.
func (e *Engine) buildPrimitiveComputation(prim *ir.Primitive, axisEnv *AxisEnv, params ir.Params,
	specs []*ArgSpec, tupleArgs bool, numResults int) backends.Computation {
	b := e.backend.Builder("primitive_" + prim.Name)
	inputs := e.stageArgSpecs(b, specs, tupleArgs)

	var result backends.Op
	if rule, found := e.rules.backendSpecific[e.backend.Name()][prim]; found {
		result = rule(b, inputs, params)
	} else if rule, found := e.rules.generic[prim]; found {
		result = rule(b, inputs, params)
	} else if rule, found := e.rules.reduction[prim]; found {
		result = rule(b, e.backend, inputs, params)
	} else if rule, found := e.rules.initialStyle[prim]; found {
		result = rule(b, axisEnv, e.backend, e.rules, inputs, params)
	} else {
		exceptions.Panicf("no lowering rule for primitive %q (backend %q)", prim.Name, e.backend.Name())
	}

	var outputs []backends.Op
	if prim.MultipleResults {
		outputs = destructure(b, result, numResults)
	} else {
		outputs = []backends.Op{result}
	}
	comp, err := b.Build(outputs...)
	if err != nil {
		panic(errors.WithMessagef(err,
			"building the graph for %q failed; this is a shape-checking bug, please report it", prim.Name))
	}
	return comp
}

// stageArgSpecs creates the graph inputs for the arg specs: parameters
// (individual or one packed tuple) for every transferred argument, inline
// staging for device constants, and a fresh token for token arguments.
func (e *Engine) stageArgSpecs(b backends.Builder, specs []*ArgSpec, tupleArgs bool) []backends.Op {
	var paramOf func(shape shapes.Shape) backends.Op
	if tupleArgs {
		var transferShapes []shapes.Shape
		for _, spec := range specs {
			if spec.NeedsTransfer() {
				transferShapes = append(transferShapes, spec.TransferShape)
			}
		}
		tuple := must.M1(b.Parameter("packed_args", shapes.MakeTuple(transferShapes...)))
		next := 0
		paramOf = func(shape shapes.Shape) backends.Op {
			op := must.M1(b.GetTupleElement(tuple, next))
			next++
			return op
		}
	} else {
		next := 0
		paramOf = func(shape shapes.Shape) backends.Op {
			op := must.M1(b.Parameter(fmt.Sprintf("arg%d", next), shape))
			next++
			return op
		}
	}

	inputs := make([]backends.Op, len(specs))
	for i, spec := range specs {
		switch {
		case !spec.NeedsTransfer() && spec.Lazy != nil:
			// Device constant: synthesized in-graph, nothing transferred.
			inputs[i] = lazy.Stage(b, spec.Lazy, nil)
		case !spec.NeedsTransfer():
			inputs[i] = must.M1(b.CreateToken())
		case spec.Lazy != nil:
			inputs[i] = lazy.Stage(b, spec.Lazy, paramOf(spec.TransferShape))
		default:
			inputs[i] = paramOf(spec.TransferShape)
		}
	}
	return inputs
}

// run transfers fresh concrete arguments, executes and reconstructs results.
func (c *primitiveCallable) run(args []any) any {
	e := c.engine
	var inputBufs []backends.Buffer
	for i, spec := range c.specs {
		if !spec.NeedsTransfer() {
			continue
		}
		inputBufs = append(inputBufs, e.registry.DevicePut(e, args[i], c.deviceNum))
	}
	if c.tupleArgs {
		inputBufs = []backends.Buffer{must.M1(e.backend.BufferMakeTuple(c.deviceNum, inputBufs...))}
	}
	outBufs := must.M1(c.compiled.Execute(inputBufs...))
	if e.DebugNaNs {
		e.checkNaNs(c.prim.Name, outBufs)
	}
	if c.prim.MultipleResults {
		results := make([]any, len(outBufs))
		for i, buf := range outBufs {
			results[i] = c.handlers[i](buf)
		}
		return results
	}
	return c.handlers[0](outBufs[0])
}

// PrimitiveComputation builds (and memoizes) the computation graph for one
// primitive application keyed purely by abstract types, with freshly
// synthesized trivial lazy expressions: used to pre-warm or compose
// sub-graphs without real argument data.
func (e *Engine) PrimitiveComputation(prim *ir.Primitive, params ir.Params, avals ...ir.AbstractValue) backends.Computation {
	specs := make([]*ArgSpec, len(avals))
	numResults := 1
	key := fmt.Sprintf("primcomp|%s|%s|%s", e.backend.Name(), prim.Name, params.Key())
	for i, aval := range avals {
		spec := &ArgSpec{AVal: ir.RaiseToShaped(aval)}
		if shaped, ok := spec.AVal.(ir.ShapedArray); ok {
			spec.Lazy = lazy.Array(shaped.ArrayShape)
			spec.TransferShape = shaped.ArrayShape
		} else if _, ok := spec.AVal.(ir.AbstractUnit); ok {
			spec.TransferShape = e.registry.TransferShape(spec.AVal)
		}
		specs[i] = spec
		key += "|" + spec.Key()
	}
	return e.cached(key, func() any {
		if prim.AbstractEval != nil {
			numResults = len(prim.AbstractEval(specsToShapedAVals(specs), params))
		}
		return e.buildPrimitiveComputation(prim, NewAxisEnv(1), params, specs, false, numResults)
	}).(backends.Computation)
}

// forceBuffer compiles (memoized) and runs the computation materializing the
// array's lazy expression, returning the resulting buffer.
func (e *Engine) forceBuffer(a *DeviceArray) backends.Buffer {
	expr := a.lazyExpr
	deviceNum := e.defaultDevice
	var inputs []backends.Buffer
	if !a.IsConstant() {
		deviceNum = must.M1(e.backend.BufferDeviceNum(a.buffer))
		inputs = []backends.Buffer{a.buffer}
	}
	key := fmt.Sprintf("force|%s|%d|%s", e.backend.Name(), deviceNum, expr.Key())
	compiled := e.cached(key, func() any {
		b := e.backend.Builder("force")
		var op backends.Op
		if expr.IsConstant() {
			op = lazy.Stage(b, expr, nil)
		} else {
			param := must.M1(b.Parameter("arg", expr.SourceShape()))
			op = lazy.Stage(b, expr, param)
		}
		comp := must.M1(b.Build(op))
		return e.compile(comp, backends.CompileOptions{
			NumReplicas:      1,
			DeviceAssignment: []backends.DeviceNum{deviceNum},
		})
	}).(backends.Executable)
	outBufs := must.M1(compiled.Execute(inputs...))
	return outBufs[0]
}

// compile compiles the computation, counting and logging the compile event.
func (e *Engine) compile(comp backends.Computation, options backends.CompileOptions) backends.Executable {
	if klog.V(2).Enabled() {
		klog.Infof("generated graph:\n%s", comp.Text())
	}
	compiled := must.M1(comp.Compile(options))
	e.compileCount.Add(1)
	if e.LogCompiles || klog.V(1).Enabled() {
		_, inputShapes := compiled.Inputs()
		var paramBytes uintptr
		for _, shape := range inputShapes {
			if !shape.IsTuple() {
				paramBytes += shape.Memory()
			}
		}
		klog.Infof("compiled %q: %d replica(s), %d parameter(s) (%s)",
			comp.Name(), max(1, options.NumReplicas), len(inputShapes), humanize.Bytes(uint64(paramBytes)))
	}
	return compiled
}

// checkNaNs scans the floating-point output buffers for NaNs, panicking with
// an ErrNaN-wrapped error on the first hit.
func (e *Engine) checkNaNs(name string, bufs []backends.Buffer) {
	for _, buf := range bufs {
		shape := must.M1(e.backend.BufferShape(buf))
		if shape.IsTuple() || !shape.DType.IsFloat() {
			continue
		}
		local := tensors.FromShape(shape)
		must.M(e.backend.BufferToFlatData(buf, local.Flat()))
		if tensorHasNaN(local) {
			panic(errors.WithMessagef(ErrNaN, "in output of %q", name))
		}
	}
}

func tensorHasNaN(t *tensors.Local) bool {
	switch flat := t.Flat().(type) {
	case []float32:
		for _, v := range flat {
			if math.IsNaN(float64(v)) {
				return true
			}
		}
	case []float64:
		for _, v := range flat {
			if math.IsNaN(v) {
				return true
			}
		}
	case []float16.Float16:
		for _, v := range flat {
			if v.IsNaN() {
				return true
			}
		}
	}
	return false
}
