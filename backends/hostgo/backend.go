// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package hostgo implements a simple, and not very fast, pure-Go backend.
//
// It keeps every buffer host-resident as a tensors.Local, executes node by
// node with the kernels in the tensors package, and can simulate multiple
// devices for replicated execution (the "devices" share the same host
// memory, but buffers are tagged and copied as if they didn't).
//
// To use it, simply import it with:
//
//	import _ "github.com/gomlx/lazexec/backends/hostgo"
package hostgo

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/lazexec/backends"
)

// BackendName to use in LAZEXEC_BACKEND to select this backend.
const BackendName = "hostgo"

// Backend implements backends.Backend on the host CPU, in pure Go.
type Backend struct {
	numDevices int
	finalized  atomic.Bool
}

// Compile-time check.
var _ backends.Backend = (*Backend)(nil)

func init() {
	backends.Register(BackendName, New)
}

// New constructs a hostgo Backend.
//
// The config string selects the number of simulated devices: empty defaults
// to 1, otherwise it must be an integer or "devices=<n>".
func New(config string) (backends.Backend, error) {
	numDevices := 1
	if config != "" {
		value := strings.TrimPrefix(config, "devices=")
		var err error
		numDevices, err = strconv.Atoi(value)
		if err != nil || numDevices < 1 {
			return nil, errors.Errorf("invalid %s backend configuration %q: want a positive number of devices", BackendName, config)
		}
	}
	klog.V(1).Infof("created %s backend with %d simulated device(s)", BackendName, numDevices)
	return &Backend{numDevices: numDevices}, nil
}

// Name of the backend.
func (b *Backend) Name() string { return BackendName }

// Description of the backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("pure-Go host backend (%d simulated devices)", b.numDevices)
}

// NumDevices returns the number of simulated devices.
func (b *Backend) NumDevices() backends.DeviceNum {
	return backends.DeviceNum(b.numDevices)
}

// Builder returns a new computation builder.
func (b *Backend) Builder(name string) backends.Builder {
	return newBuilder(b, name)
}

// Finalize the backend. The backend and everything created from it become
// invalid.
func (b *Backend) Finalize() {
	b.finalized.Store(true)
}

func (b *Backend) checkValid() error {
	if b == nil || b.finalized.Load() {
		return errors.Errorf("%s backend is nil or already finalized", BackendName)
	}
	return nil
}

func (b *Backend) checkDevice(deviceNum backends.DeviceNum) error {
	if deviceNum < 0 || int(deviceNum) >= b.numDevices {
		return errors.Errorf("deviceNum %d out of range: %s backend has %d device(s)",
			deviceNum, BackendName, b.numDevices)
	}
	return nil
}
