// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a computation building, compilation
// and execution system needs to implement to be used by the lazexec engine.
//
// The engine treats a backend as opaque: it builds computation graphs through
// Builder, compiles them through Computation.Compile, executes them through
// Executable and moves data through the DataInterface buffer-transfer
// methods. Everything else -- op semantics, scheduling, memory -- is the
// backend's business.
//
// A backend that doesn't implement every operation can simply return a "not
// implemented" error for any op, and it would still work for computations
// that don't require those operations.
package backends

import (
	"os"
	"strings"

	"github.com/gomlx/exceptions"
)

// DeviceNum represents which device holds a buffer, or should execute a
// computation. It's up to the backend to interpret it, but it should be
// between 0 and Backend.NumDevices.
type DeviceNum int

// Backend is the API that needs to be implemented by a lazexec backend.
type Backend interface {
	// Name returns the short name of the backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// NumDevices returns the number of devices available for this Backend.
	NumDevices() DeviceNum

	// Builder creates a new builder used to define a new named computation.
	Builder(name string) Builder

	// DataInterface is the sub-interface to transfer Buffers to/from the accelerator.
	DataInterface

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register a backend constructor under the given name.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// DefaultConfig is the backend configuration to use if the environment
// variable is not set. See NewWithConfig for the format.
var DefaultConfig string

// ConfigEnvVar is the environment variable with the default backend
// configuration to use.
//
// The format of the configuration is "<backend_name>:<backend_configuration>",
// where "<backend_name>" is the name of a registered backend and
// "<backend_configuration>" is backend specific.
const ConfigEnvVar = "LAZEXEC_BACKEND"

// MustNew returns a new default Backend, panicking on error.
func MustNew() Backend {
	backend, err := New()
	if err != nil {
		panic(err)
	}
	return backend
}

// New returns a new default Backend.
//
// The default is:
//
//  1. The environment variable LAZEXEC_BACKEND is used as a configuration if defined.
//  2. Next the variable DefaultConfig is used as a configuration if defined.
//  3. The first registered backend is used with an empty configuration.
//
// It panics if no backend was registered.
func New() (Backend, error) {
	config, found := os.LookupEnv(ConfigEnvVar)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig creates a Backend from a configuration string formatted as
// "<backend_name>:<backend_configuration>". See ConfigEnvVar.
func NewWithConfig(config string) (Backend, error) {
	if len(registeredConstructors) == 0 {
		exceptions.Panicf(`no registered backends for lazexec -- maybe import the default one with import _ "github.com/gomlx/lazexec/backends/hostgo"?`)
	}
	backendName := firstRegistered
	backendConfig := ""
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName = config
	}
	constructor, found := registeredConstructors[backendName]
	if !found {
		exceptions.Panicf("can't find backend %q for configuration %q given", backendName, config)
	}
	return constructor(backendConfig)
}
