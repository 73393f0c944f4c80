// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/ir"
	"github.com/gomlx/lazexec/lazy"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// sentinelBuffer stands in for a real backend buffer in DeviceArray states
// that have none.
type sentinelBuffer int

const (
	// deviceConstant means no buffer exists: the value is fully given by the
	// lazy expression.
	deviceConstant sentinelBuffer = iota + 1

	// deletedBuffer means the array was deleted; any value access is an error.
	deletedBuffer
)

// DeviceArray is the handle for a device-resident (or constant-only) array
// value.
//
// Its lifecycle is a state machine:
//
//   - Unmaterialized constant: no buffer, the value is synthesized from the
//     lazy expression on demand.
//   - Unmaterialized buffer: a real buffer whose logical value requires
//     applying a non-identity lazy expression (e.g. a broadcast of a
//     physically smaller buffer).
//   - Materialized: the lazy expression is the identity and the buffer
//     contents are the logical value.
//   - Deleted: terminal; any further value access fails.
//
// Force collapses the unmaterialized states into Materialized; Delete moves
// any state to Deleted. DeviceArrays are not safe for concurrent mutation.
type DeviceArray struct {
	engine   *Engine
	aval     ir.ShapedArray
	lazyExpr *lazy.Expr

	// buffer is a real backends.Buffer, or one of the sentinels above.
	buffer backends.Buffer

	// hostValue caches the host copy once the value was read back.
	hostValue *tensors.Local
}

// newMaterializedArray wraps a freshly produced buffer: the lazy expression
// is the identity.
func (e *Engine) newMaterializedArray(aval ir.ShapedArray, buffer backends.Buffer) *DeviceArray {
	return &DeviceArray{
		engine:   e,
		aval:     aval,
		lazyExpr: lazy.Array(aval.ArrayShape),
		buffer:   buffer,
	}
}

// ConstantFromLazy creates an unmaterialized device constant: a value fully
// described by the given (constant-source) lazy expression, with no backing
// buffer until forced.
func (e *Engine) ConstantFromLazy(expr *lazy.Expr) *DeviceArray {
	if !expr.IsConstant() {
		exceptions.Panicf("ConstantFromLazy(%s): expression requires a base array and cannot be a device constant", expr)
	}
	return &DeviceArray{
		engine:   e,
		aval:     ir.ShapedArray{ArrayShape: expr.Shape()},
		lazyExpr: expr,
		buffer:   deviceConstant,
	}
}

// FromLazy creates an unmaterialized view of base: the logical value is expr
// applied to base's materialized buffer. The buffer is shared with base until
// either value forces.
func (e *Engine) FromLazy(expr *lazy.Expr, base *DeviceArray) *DeviceArray {
	base.Force()
	if !base.bufferShape().Equal(expr.SourceShape()) {
		exceptions.Panicf("FromLazy(%s): base array has shape %s, expression requires %s",
			expr, base.bufferShape(), expr.SourceShape())
	}
	return &DeviceArray{
		engine:   e,
		aval:     ir.ShapedArray{ArrayShape: expr.Shape()},
		lazyExpr: expr,
		buffer:   base.buffer,
	}
}

// Transfer stages a host value (tensor, scalar or slice) onto the engine's
// default device and returns its materialized handle.
func (e *Engine) Transfer(value any) *DeviceArray {
	buffer := e.registry.DevicePut(e, value, e.defaultDevice)
	shape := must.M1(e.backend.BufferShape(buffer))
	return e.newMaterializedArray(ir.ShapedArray{ArrayShape: shape}, buffer)
}

// Shape of the logical value.
func (a *DeviceArray) Shape() shapes.Shape { return a.aval.ArrayShape }

// DType of the logical value.
func (a *DeviceArray) DType() dtypes.DType { return a.aval.ArrayShape.DType }

// AVal returns the abstract classification of the array.
func (a *DeviceArray) AVal() ir.AbstractValue { return a.aval }

// LazyExpr returns how the logical value derives from the physical buffer.
func (a *DeviceArray) LazyExpr() *lazy.Expr { return a.lazyExpr }

// IsConstant reports whether the array is an unmaterialized device constant
// (no backing buffer).
func (a *DeviceArray) IsConstant() bool {
	s, ok := a.buffer.(sentinelBuffer)
	return ok && s == deviceConstant
}

// IsDeleted reports whether the array was deleted.
func (a *DeviceArray) IsDeleted() bool {
	s, ok := a.buffer.(sentinelBuffer)
	return ok && s == deletedBuffer
}

// IsMaterialized reports whether the buffer contents already are the logical
// value.
func (a *DeviceArray) IsMaterialized() bool {
	return !a.IsDeleted() && !a.IsConstant() && a.lazyExpr.IsIdentity()
}

func (a *DeviceArray) checkNotDeleted() {
	if a.IsDeleted() {
		exceptions.Panicf("DeviceArray (shape %s) was deleted: its value can no longer be accessed", a.Shape())
	}
}

// bufferShape is the physical shape of the backing buffer.
func (a *DeviceArray) bufferShape() shapes.Shape {
	return must.M1(a.engine.backend.BufferShape(a.buffer))
}

// DeviceNum returns the device holding the backing buffer. Constants force
// first.
func (a *DeviceArray) DeviceNum() backends.DeviceNum {
	a.Force()
	return must.M1(a.engine.backend.BufferDeviceNum(a.buffer))
}

// Force collapses an unmaterialized array into a materialized one, by
// staging its lazy expression into a computation and executing it. Forcing a
// materialized array is a no-op that preserves the buffer identity. It
// returns the receiver.
func (a *DeviceArray) Force() *DeviceArray {
	a.checkNotDeleted()
	if !a.IsConstant() && a.lazyExpr.IsIdentity() {
		return a
	}
	a.buffer = a.engine.forceBuffer(a)
	a.lazyExpr = lazy.Array(a.Shape())
	return a
}

// Buffer returns the backing buffer, forcing first. The buffer remains owned
// by the array.
func (a *DeviceArray) Buffer() backends.Buffer {
	a.Force()
	return a.buffer
}

// bufferOn returns the array's physical buffer on the given device, without
// materializing: dispatch signs the argument with the lazy expression and
// replays it in-graph, so forcing here would apply the reindexing twice (and
// feed a logical-shaped buffer to a physical-shaped parameter). Only device
// constants force, they have no buffer to transfer. If the array already
// lives on the device the backend may return the very same buffer
// (zero-copy).
func (a *DeviceArray) bufferOn(deviceNum backends.DeviceNum) backends.Buffer {
	a.checkNotDeleted()
	if a.IsConstant() {
		a.Force()
	}
	return must.M1(a.engine.backend.BufferCopyToDevice(a.buffer, deviceNum))
}

// Value reads the logical value back to the host, caching it. Constants are
// eagerly evaluated on the host without touching the device.
func (a *DeviceArray) Value() *tensors.Local {
	a.checkNotDeleted()
	if a.hostValue != nil {
		return a.hostValue
	}
	if a.IsConstant() {
		a.hostValue = lazy.EagerEval(a.lazyExpr, nil)
		return a.hostValue
	}
	a.Force()
	local := tensors.FromShape(a.Shape())
	must.M(a.engine.backend.BufferToFlatData(a.buffer, local.Flat()))
	a.hostValue = local
	return a.hostValue
}

// BlockUntilReady waits until the computation backing the buffer has
// finished. Only needed for timing; value reads block as needed on their own.
func (a *DeviceArray) BlockUntilReady() {
	a.checkNotDeleted()
	if a.IsConstant() {
		return
	}
	must.M(a.engine.backend.BufferBlockUntilReady(a.buffer))
}

// CopyToHostAsync hints the backend to start the device-to-host transfer of
// the materialized buffer. Fire and forget: a later Value picks it up.
func (a *DeviceArray) CopyToHostAsync() {
	a.checkNotDeleted()
	if a.IsConstant() || a.hostValue != nil {
		return
	}
	a.Force()
	a.engine.backend.BufferPrefetchToHost(a.buffer)
}

// Delete releases the backing buffer and moves the array to its terminal
// state: any further value access fails. Calling Delete twice is out of
// contract and fails. Unforced views (FromLazy) share their buffer with the
// base array and never own it, so deleting a view leaves the base intact.
func (a *DeviceArray) Delete() {
	if a.IsDeleted() {
		exceptions.Panicf("DeviceArray (shape %s) was already deleted", a.Shape())
	}
	if !a.IsConstant() && a.lazyExpr.IsIdentity() {
		_ = a.engine.backend.BufferFinalize(a.buffer)
	}
	a.buffer = deletedBuffer
	a.lazyExpr = nil
	a.hostValue = nil
}

func (a *DeviceArray) String() string {
	switch {
	case a.IsDeleted():
		return fmt.Sprintf("DeviceArray(%s, deleted)", a.Shape())
	case a.IsConstant():
		return fmt.Sprintf("DeviceArray(%s, constant %s)", a.Shape(), a.lazyExpr)
	case !a.lazyExpr.IsIdentity():
		return fmt.Sprintf("DeviceArray(%s, lazy %s)", a.Shape(), a.lazyExpr)
	}
	return fmt.Sprintf("DeviceArray(%s)", a.Shape())
}
