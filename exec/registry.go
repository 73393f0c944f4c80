// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/x448/float16"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// ShapeOfHandler maps an abstract classification to the backend shape used to
// transfer a value of that class.
type ShapeOfHandler func(aval ir.AbstractValue) shapes.Shape

// ResultHandler converts one output buffer of an execution into a runtime
// value.
type ResultHandler func(buffer backends.Buffer) any

// ResultHandlerBuilder builds the ResultHandler for an output with the given
// abstract classification.
type ResultHandlerBuilder func(engine *Engine, aval ir.AbstractValue) ResultHandler

// DevicePutHandler stages a runtime value onto a device, returning the
// backing buffer.
type DevicePutHandler func(engine *Engine, value any, deviceNum backends.DeviceNum) backends.Buffer

// CanonicalizeHandler coerces a host value to the runtime's canonical
// representation for its kind (canonical dtype, tensor form).
type CanonicalizeHandler func(value any) any

// AbstractifyHandler classifies a runtime value into its abstract type.
type AbstractifyHandler func(value any) ir.AbstractValue

// Registry holds the per-value-kind adaptation tables: how to classify a
// value, canonicalize its dtype, transfer it to a device, and reconstruct
// results after execution. Lookups are by exact concrete type; a miss is a
// fatal type error.
//
// Registries are open: new value kinds register their handlers at process
// startup. NewRegistry pre-populates the handlers for the kinds the engine
// itself knows about.
type Registry struct {
	shapeOf       map[reflect.Type]ShapeOfHandler
	resultHandler map[reflect.Type]ResultHandlerBuilder
	devicePut     map[reflect.Type]DevicePutHandler
	canonicalize  map[reflect.Type]CanonicalizeHandler
	abstractify   map[reflect.Type]AbstractifyHandler
}

// NewRegistry returns a Registry with the built-in value kinds registered:
// device arrays, host tensors, Go scalars and slices, unit and token.
func NewRegistry() *Registry {
	r := &Registry{
		shapeOf:       make(map[reflect.Type]ShapeOfHandler),
		resultHandler: make(map[reflect.Type]ResultHandlerBuilder),
		devicePut:     make(map[reflect.Type]DevicePutHandler),
		canonicalize:  make(map[reflect.Type]CanonicalizeHandler),
		abstractify:   make(map[reflect.Type]AbstractifyHandler),
	}
	r.registerAVals()
	r.registerValues()
	return r
}

func (r *Registry) registerAVals() {
	emptyTuple := func(ir.AbstractValue) shapes.Shape { return shapes.MakeTuple() }
	arrayShape := func(aval ir.AbstractValue) shapes.Shape { return aval.(shapes.HasShape).Shape() }
	r.RegisterShapeOf(ir.AbstractUnit{}, emptyTuple)
	r.RegisterShapeOf(ir.AbstractToken{}, emptyTuple)
	r.RegisterShapeOf(ir.ShapedArray{}, arrayShape)
	r.RegisterShapeOf(ir.ConcreteArray{}, arrayShape)

	r.RegisterResultHandler(ir.AbstractUnit{}, func(engine *Engine, aval ir.AbstractValue) ResultHandler {
		return func(buffer backends.Buffer) any {
			// The unit buffer carries no information; release it right away.
			_ = engine.backend.BufferFinalize(buffer)
			return ir.Unit
		}
	})
	r.RegisterResultHandler(ir.AbstractToken{}, func(engine *Engine, aval ir.AbstractValue) ResultHandler {
		return func(buffer backends.Buffer) any {
			_ = engine.backend.BufferFinalize(buffer)
			return ir.Token
		}
	})
	shapedHandler := func(engine *Engine, aval ir.AbstractValue) ResultHandler {
		shaped := ir.RaiseToShaped(aval).(ir.ShapedArray)
		return func(buffer backends.Buffer) any {
			return engine.newMaterializedArray(shaped, buffer)
		}
	}
	r.RegisterResultHandler(ir.ShapedArray{}, shapedHandler)
	r.RegisterResultHandler(ir.ConcreteArray{}, shapedHandler)
}

func (r *Registry) registerValues() {
	// Device arrays and the zero-size singletons are already canonical.
	identity := func(value any) any { return value }
	r.RegisterCanonicalize(&DeviceArray{}, identity)
	r.RegisterCanonicalize(ir.Unit, identity)
	r.RegisterCanonicalize(ir.Token, identity)
	r.RegisterCanonicalize(&tensors.Local{}, identity)

	r.RegisterAbstractify(&DeviceArray{}, func(value any) ir.AbstractValue {
		return value.(*DeviceArray).AVal()
	})
	r.RegisterAbstractify(ir.Unit, func(any) ir.AbstractValue { return ir.AbstractUnit{} })
	r.RegisterAbstractify(ir.Token, func(any) ir.AbstractValue { return ir.AbstractToken{} })
	r.RegisterAbstractify(&tensors.Local{}, func(value any) ir.AbstractValue {
		return ir.ShapedArray{ArrayShape: value.(*tensors.Local).Shape()}
	})

	r.RegisterDevicePut(&DeviceArray{}, func(engine *Engine, value any, deviceNum backends.DeviceNum) backends.Buffer {
		return value.(*DeviceArray).bufferOn(deviceNum)
	})
	r.RegisterDevicePut(&tensors.Local{}, func(engine *Engine, value any, deviceNum backends.DeviceNum) backends.Buffer {
		local := value.(*tensors.Local)
		return must.M1(engine.backend.BufferFromFlatData(deviceNum, local.Flat(), local.Shape()))
	})
	r.RegisterDevicePut(ir.Unit, func(engine *Engine, value any, deviceNum backends.DeviceNum) backends.Buffer {
		buffer, err := engine.backend.BufferFromFlatData(deviceNum, nil, shapes.MakeTuple())
		return must.M1(buffer, err)
	})

	// Go scalars and slices canonicalize into host tensors. The word-sized
	// int and uint become their explicit 64-bit dtypes.
	registerHostKind[int8](r)
	registerHostKind[int16](r)
	registerHostKind[int32](r)
	registerHostKind[int64](r)
	registerHostKind[uint8](r)
	registerHostKind[uint16](r)
	registerHostKind[uint32](r)
	registerHostKind[uint64](r)
	registerHostKind[float32](r)
	registerHostKind[float64](r)
	registerHostKind[bool](r)
	registerHostKind[float16.Float16](r)
	r.RegisterCanonicalize(int(0), func(value any) any {
		return tensors.FromScalar(int64(value.(int)))
	})
	r.RegisterCanonicalize(uint(0), func(value any) any {
		return tensors.FromScalar(uint64(value.(uint)))
	})
	r.RegisterCanonicalize([]int(nil), func(value any) any {
		ints := value.([]int)
		converted := make([]int64, len(ints))
		for i, v := range ints {
			converted[i] = int64(v)
		}
		return tensors.FromFlatDataAndDimensions(converted, len(converted))
	})
}

// registerHostKind registers the canonicalization of the Go scalar type T and
// of []T, both into host tensors.
func registerHostKind[T dtypes.Supported](r *Registry) {
	var zero T
	r.RegisterCanonicalize(zero, func(value any) any {
		return tensors.FromScalar(value.(T))
	})
	r.RegisterCanonicalize([]T(nil), func(value any) any {
		slice := value.([]T)
		return tensors.FromFlatDataAndDimensions(slice, len(slice))
	})
}

// RegisterShapeOf sets the transfer-shape handler for the abstract value kind
// exemplified by aval.
func (r *Registry) RegisterShapeOf(aval ir.AbstractValue, handler ShapeOfHandler) {
	r.shapeOf[reflect.TypeOf(aval)] = handler
}

// RegisterResultHandler sets the result-reconstruction handler builder for
// the abstract value kind exemplified by aval.
func (r *Registry) RegisterResultHandler(aval ir.AbstractValue, builder ResultHandlerBuilder) {
	r.resultHandler[reflect.TypeOf(aval)] = builder
}

// RegisterDevicePut sets the device-transfer handler for the (canonicalized)
// runtime value kind exemplified by value.
func (r *Registry) RegisterDevicePut(value any, handler DevicePutHandler) {
	r.devicePut[reflect.TypeOf(value)] = handler
}

// RegisterCanonicalize sets the dtype-canonicalization handler for the
// runtime value kind exemplified by value.
func (r *Registry) RegisterCanonicalize(value any, handler CanonicalizeHandler) {
	r.canonicalize[reflect.TypeOf(value)] = handler
}

// RegisterAbstractify sets the classification handler for the (canonicalized)
// runtime value kind exemplified by value.
func (r *Registry) RegisterAbstractify(value any, handler AbstractifyHandler) {
	r.abstractify[reflect.TypeOf(value)] = handler
}

// TransferShape returns the backend shape used to transfer values classified
// as aval.
func (r *Registry) TransferShape(aval ir.AbstractValue) shapes.Shape {
	handler, found := r.shapeOf[reflect.TypeOf(aval)]
	if !found {
		exceptions.Panicf("no transfer shape registered for abstract value type %T", aval)
	}
	return handler(aval)
}

// ResultHandlerFor builds the handler reconstructing runtime values for
// outputs classified as aval.
func (r *Registry) ResultHandlerFor(engine *Engine, aval ir.AbstractValue) ResultHandler {
	builder, found := r.resultHandler[reflect.TypeOf(aval)]
	if !found {
		exceptions.Panicf("no result handler registered for abstract value type %T", aval)
	}
	return builder(engine, aval)
}

// Canonicalize coerces value to its canonical runtime representation.
func (r *Registry) Canonicalize(value any) any {
	handler, found := r.canonicalize[reflect.TypeOf(value)]
	if !found {
		exceptions.Panicf("no canonicalization registered for value type %T", value)
	}
	return handler(value)
}

// Abstractify classifies value, canonicalizing it first.
func (r *Registry) Abstractify(value any) ir.AbstractValue {
	canonical := r.Canonicalize(value)
	handler, found := r.abstractify[reflect.TypeOf(canonical)]
	if !found {
		exceptions.Panicf("no abstractify handler registered for value type %T", canonical)
	}
	return handler(canonical)
}

// DevicePut canonicalizes value and transfers it to deviceNum, returning the
// backing buffer.
func (r *Registry) DevicePut(engine *Engine, value any, deviceNum backends.DeviceNum) backends.Buffer {
	canonical := r.Canonicalize(value)
	handler, found := r.devicePut[reflect.TypeOf(canonical)]
	if !found {
		exceptions.Panicf("no device transfer registered for value type %T", canonical)
	}
	return handler(engine, canonical, deviceNum)
}

// ArgSpecOf builds the dispatch signature of one concrete argument.
func (r *Registry) ArgSpecOf(value any) *ArgSpec {
	if array, ok := value.(*DeviceArray); ok {
		spec := &ArgSpec{AVal: array.AVal(), Lazy: array.LazyExpr()}
		if !array.IsConstant() {
			spec.TransferShape = array.bufferShape()
		}
		return spec
	}
	if _, ok := value.(ir.TokenType); ok {
		// Tokens are synthesized in-graph and never transferred.
		return &ArgSpec{AVal: ir.AbstractToken{}}
	}
	aval := r.Abstractify(value)
	return &ArgSpec{AVal: aval, TransferShape: r.TransferShape(aval)}
}
