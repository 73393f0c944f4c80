// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import "github.com/gomlx/lazexec/types/shapes"

// Buffer represents actual data (an array) stored on the accelerator that
// executes the graphs. It's used as input/output of computation execution.
// A Buffer is always associated with a DeviceNum, even if there is only one.
//
// It is opaque from the engine's perspective.
type Buffer any

// DataInterface is the Backend's sub-interface that defines the API to
// transfer Buffers to/from the accelerator.
type DataInterface interface {
	// BufferFinalize tells the backend the buffer is no longer needed and the
	// associated resources can be freed immediately.
	//
	// A finalized buffer should never be used again.
	BufferFinalize(buffer Buffer) error

	// BufferShape returns the shape for the buffer.
	BufferShape(buffer Buffer) (shapes.Shape, error)

	// BufferDeviceNum returns the deviceNum for the buffer.
	BufferDeviceNum(buffer Buffer) (DeviceNum, error)

	// BufferToFlatData transfers the flat values of buffer to the Go flat
	// array. The slice flat must have the exact number of elements required
	// to store the Buffer shape. It blocks until the value is available.
	BufferToFlatData(buffer Buffer, flat any) error

	// BufferFromFlatData transfers data from Go given as a flat slice (of the
	// type corresponding to the shape DType) to the deviceNum, and returns
	// the corresponding Buffer.
	BufferFromFlatData(deviceNum DeviceNum, flat any, shape shapes.Shape) (Buffer, error)

	// BufferMakeTuple packs the given buffers into a single tuple buffer on
	// the device. Used for the packed-tuple calling convention when a
	// computation has more parameters than the device supports.
	BufferMakeTuple(deviceNum DeviceNum, elements ...Buffer) (Buffer, error)

	// BufferCopyToDevice copies the buffer to another device and returns the
	// copy. If the buffer already lives on the target device, backends are
	// free to return the same buffer -- this is the zero-copy
	// ownership-transfer path.
	BufferCopyToDevice(buffer Buffer, deviceNum DeviceNum) (Buffer, error)

	// BufferPrefetchToHost hints the backend to start an asynchronous
	// device-to-host copy of the buffer. There is no completion signal: a
	// later BufferToFlatData will pick up the (hopefully started) transfer.
	BufferPrefetchToHost(buffer Buffer)

	// BufferBlockUntilReady blocks until the computation backing the buffer
	// has finished on the device.
	BufferBlockUntilReady(buffer Buffer) error
}
