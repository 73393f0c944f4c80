// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package hostgo

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// Buffer is the hostgo device buffer: host memory tagged with a simulated
// device number.
//
// Array-shaped buffers hold their data as a tensors.Local. Tuple-shaped
// buffers (including the empty tuple used for unit and token values) hold
// one element buffer per tuple element instead.
type Buffer struct {
	backend   *Backend
	shape     shapes.Shape
	deviceNum backends.DeviceNum

	data     *tensors.Local
	elements []*Buffer

	finalized bool
}

func (b *Backend) newArrayBuffer(data *tensors.Local, deviceNum backends.DeviceNum) *Buffer {
	return &Buffer{backend: b, shape: data.Shape(), deviceNum: deviceNum, data: data}
}

func (b *Backend) newTupleBuffer(elements []*Buffer, deviceNum backends.DeviceNum) *Buffer {
	elementShapes := make([]shapes.Shape, len(elements))
	for i, element := range elements {
		elementShapes[i] = element.shape
	}
	return &Buffer{
		backend:   b,
		shape:     shapes.MakeTuple(elementShapes...),
		deviceNum: deviceNum,
		elements:  elements,
	}
}

// castBuffer converts the opaque backends.Buffer back to a live *Buffer.
func (b *Backend) castBuffer(buffer backends.Buffer) (*Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	buf, ok := buffer.(*Buffer)
	if !ok {
		return nil, errors.Errorf("buffer of type %T is not a %s backend buffer", buffer, BackendName)
	}
	if buf.backend != b {
		return nil, errors.Errorf("buffer belongs to a different %s backend instance", BackendName)
	}
	if buf.finalized {
		return nil, errors.Errorf("buffer (shape %s) was already finalized", buf.shape)
	}
	return buf, nil
}

// BufferFinalize releases the buffer immediately.
func (b *Backend) BufferFinalize(buffer backends.Buffer) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	buf.finalized = true
	buf.data = nil
	buf.elements = nil
	return nil
}

// BufferShape returns the shape of the buffer.
func (b *Backend) BufferShape(buffer backends.Buffer) (shapes.Shape, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return shapes.Invalid(), err
	}
	return buf.shape, nil
}

// BufferDeviceNum returns the simulated device holding the buffer.
func (b *Backend) BufferDeviceNum(buffer backends.Buffer) (backends.DeviceNum, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return 0, err
	}
	return buf.deviceNum, nil
}

// BufferToFlatData copies the buffer contents into the given flat slice,
// which must have the matching Go type and number of elements.
func (b *Backend) BufferToFlatData(buffer backends.Buffer, flat any) error {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return err
	}
	if buf.data == nil {
		return errors.Errorf("buffer of shape %s holds a tuple, not flat data", buf.shape)
	}
	dstV := reflect.ValueOf(flat)
	srcV := reflect.ValueOf(buf.data.Flat())
	if dstV.Type() != srcV.Type() {
		return errors.Errorf("flat data type %T doesn't match buffer dtype %s", flat, buf.shape.DType)
	}
	if dstV.Len() != srcV.Len() {
		return errors.Errorf("flat data has %d elements, buffer shape %s requires %d",
			dstV.Len(), buf.shape, srcV.Len())
	}
	reflect.Copy(dstV, srcV)
	return nil
}

// BufferFromFlatData copies flat data to the given simulated device and
// returns the buffer.
func (b *Backend) BufferFromFlatData(deviceNum backends.DeviceNum, flat any, shape shapes.Shape) (backends.Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if shape.IsTuple() {
		if shape.TupleSize() != 0 {
			return nil, errors.Errorf("cannot transfer non-empty tuple shape %s from flat data", shape)
		}
		return b.newTupleBuffer(nil, deviceNum), nil
	}
	data := tensors.FromShape(shape)
	dstV := reflect.ValueOf(data.Flat())
	srcV := reflect.ValueOf(flat)
	if dstV.Type() != srcV.Type() {
		return nil, errors.Errorf("flat data type %T doesn't match shape %s", flat, shape)
	}
	if srcV.Len() != shape.Size() {
		return nil, errors.Errorf("flat data has %d elements, shape %s requires %d",
			srcV.Len(), shape, shape.Size())
	}
	reflect.Copy(dstV, srcV)
	return b.newArrayBuffer(data, deviceNum), nil
}

// BufferMakeTuple packs the given buffers into a tuple buffer on deviceNum.
func (b *Backend) BufferMakeTuple(deviceNum backends.DeviceNum, elements ...backends.Buffer) (backends.Buffer, error) {
	if err := b.checkValid(); err != nil {
		return nil, err
	}
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	bufs := make([]*Buffer, len(elements))
	for i, element := range elements {
		buf, err := b.castBuffer(element)
		if err != nil {
			return nil, errors.WithMessagef(err, "tuple element #%d", i)
		}
		if buf.deviceNum != deviceNum {
			return nil, errors.Errorf("tuple element #%d lives on device %d, tuple requested on device %d",
				i, buf.deviceNum, deviceNum)
		}
		bufs[i] = buf
	}
	return b.newTupleBuffer(bufs, deviceNum), nil
}

// BufferCopyToDevice copies the buffer to another simulated device. If the
// buffer is already there, the very same buffer is returned (zero-copy).
func (b *Backend) BufferCopyToDevice(buffer backends.Buffer, deviceNum backends.DeviceNum) (backends.Buffer, error) {
	buf, err := b.castBuffer(buffer)
	if err != nil {
		return nil, err
	}
	if err := b.checkDevice(deviceNum); err != nil {
		return nil, err
	}
	if buf.deviceNum == deviceNum {
		return buf, nil
	}
	return buf.copyTo(deviceNum), nil
}

func (buf *Buffer) copyTo(deviceNum backends.DeviceNum) *Buffer {
	if buf.data != nil {
		return buf.backend.newArrayBuffer(buf.data.Clone(), deviceNum)
	}
	elements := make([]*Buffer, len(buf.elements))
	for i, element := range buf.elements {
		elements[i] = element.copyTo(deviceNum)
	}
	return buf.backend.newTupleBuffer(elements, deviceNum)
}

// BufferPrefetchToHost is a no-op: hostgo buffers already live on the host.
func (b *Backend) BufferPrefetchToHost(buffer backends.Buffer) {}

// BufferBlockUntilReady returns as soon as the buffer is valid: hostgo
// executes synchronously, so a live buffer is always ready.
func (b *Backend) BufferBlockUntilReady(buffer backends.Buffer) error {
	_, err := b.castBuffer(buffer)
	return err
}
