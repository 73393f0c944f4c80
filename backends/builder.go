// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/lazexec/types/shapes"
)

// Op represents the output of an operation during computation graph building
// time.
//
// It is opaque from the engine's perspective: it passes Op as input to the
// other Builder methods.
type Op any

// Builder defines the set of ops the engine needs to stage computations.
// It is a sub-interface of Backend.
//
// The op set is deliberately small: it is what the reindexing algebra, the
// built-in lowering rules and multi-result destructuring require. Lowering
// rules for richer primitive sets are registered by the packages that define
// those primitives, against the backend they target.
type Builder interface {
	// Name of the computation being built.
	Name() string

	// OpShape returns the shape of a computation Op.
	// Notice this is not an operation and doesn't change the graph being built.
	OpShape(op Op) (shapes.Shape, error)

	// Parameter creates a named input parameter for the computation.
	// During execution of the compiled computation this value will need to be
	// fed in the same order it is created.
	Parameter(name string, shape shapes.Shape) (Op, error)

	// Constant creates a constant in the graph with the given flat values and
	// the shape defined by dims. The flat value must be a slice of a basic
	// type supported -- that can be converted to a DType. The value is copied
	// into the graph.
	Constant(flat any, dims ...int) (Op, error)

	// Iota creates a constant of the given shape with increasing numbers
	// (starting from 0) along the iotaAxis axis.
	Iota(shape shapes.Shape, iotaAxis int) (Op, error)

	// Identity returns x itself (or a backend-level alias of it).
	Identity(x Op) (Op, error)

	// Add returns the element-wise sum of lhs and rhs.
	Add(lhs, rhs Op) (Op, error)

	// Mul returns the element-wise product of lhs and rhs.
	Mul(lhs, rhs Op) (Op, error)

	// Neg returns the element-wise negation of x.
	Neg(x Op) (Op, error)

	// Equal performs element-wise equality check, returns boolean results with
	// the same dimensions as the input.
	Equal(lhs, rhs Op) (Op, error)

	// GreaterOrEqual performs an element-wise >= check, returning boolean
	// results with the same dimensions as the input.
	GreaterOrEqual(lhs, rhs Op) (Op, error)

	// ConvertDType of x to dtype.
	ConvertDType(x Op, dtype dtypes.DType) (Op, error)

	// Transpose axes of x according to the given permutation.
	// There must be one value in permutation for each axis of x; the output
	// has axis i with the dimension of input axis permutation[i].
	Transpose(x Op, permutation ...int) (Op, error)

	// BroadcastInDim broadcasts x to an output with the given shape.
	// broadcastAxes has an output axis per axis of x: the i-th axis of x is
	// mapped to the broadcastAxes[i]-th axis of the output. Also, the i-th
	// input axis dimension must either equal the output's, or be 1, in which
	// case it is stretched.
	BroadcastInDim(x Op, outputShape shapes.Shape, broadcastAxes []int) (Op, error)

	// Reshape x to the given dimensions. The total size cannot change.
	Reshape(x Op, dimensions ...int) (Op, error)

	// ReduceSum reduces x by summing over the given axes.
	// If no axes are given, it reduces the full array.
	ReduceSum(x Op, axes ...int) (Op, error)

	// Tuple builds a tuple of the given ops. The empty tuple is the unit value.
	Tuple(elements ...Op) (Op, error)

	// GetTupleElement extracts the index-th element of the tuple op x.
	GetTupleElement(x Op, index int) (Op, error)

	// Call splices a built sub-computation into this graph as a single node
	// with the given arguments. The sub-computation must come from the same
	// backend. The result is a tuple of the sub-computation's outputs, to be
	// destructured with GetTupleElement.
	Call(computation Computation, args ...Op) (Op, error)

	// CreateToken creates a new token value: a zero-information ordering marker.
	CreateToken() (Op, error)

	// Build freezes the builder into a Computation with the given outputs.
	// The Builder is invalid after Build returns.
	Build(outputs ...Op) (Computation, error)
}
