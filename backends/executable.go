// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/lazexec/types/shapes"
)

// Computation is a built (but not yet compiled) computation graph, returned
// by Builder.Build. It can be compiled into an Executable, or spliced into
// another graph of the same backend with Builder.Call.
type Computation interface {
	// Name of the computation, as given to Backend.Builder.
	Name() string

	// Text returns a human-readable rendering of the graph, for debugging.
	Text() string

	// Compile the computation into an Executable, with the given options.
	Compile(options CompileOptions) (Executable, error)
}

// CompileOptions configures the compilation of a Computation.
type CompileOptions struct {
	// NumReplicas is the number of data-parallel replicas the program
	// executes on. Defaults to 1 if zero.
	NumReplicas int

	// DeviceAssignment optionally pins the computation to specific devices.
	// If empty the backend chooses.
	DeviceAssignment []DeviceNum
}

// Executable is the API for compiled programs ready to execute.
type Executable interface {
	// Finalize immediately frees resources associated with the executable.
	Finalize()

	// Inputs returns the list of parameter names and shapes, in the order
	// created by the Builder.Parameter calls.
	Inputs() (names []string, inputShapes []shapes.Shape)

	// Outputs returns the shapes of the outputs of the computation, in the
	// order given to the Builder.Build call.
	Outputs() (outputShapes []shapes.Shape)

	// LocalDevices returns the devices this executable runs on: one entry for
	// single-replica executables, one per replica otherwise.
	LocalDevices() []DeviceNum

	// Execute the executable on its device. The number and shapes of the
	// inputs must match those returned by Inputs. It returns one buffer per
	// output, already destructured.
	Execute(inputs ...Buffer) ([]Buffer, error)

	// ExecutePerReplica executes the replicated executable, feeding one full
	// input set per replica, and returns the destructured outputs of every
	// replica.
	ExecutePerReplica(inputs [][]Buffer) ([][]Buffer, error)
}
