// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the compile-time description of an array value:
// its DType (see github.com/gomlx/gopjrt/dtypes) and the dimension of each of
// its axes.
//
// Shapes are used both for host tensors (see types/tensors) and for values
// staged on a computation graph (see exec and backends packages).
//
// A Shape can also describe a tuple of shapes: this is how multi-output
// computations and the zero-size "unit" value are transferred to and from
// backends.
//
// ## Glossary
//
//   - Rank: number of axes (dimensions) of an array.
//   - Axis: the index of a dimension. "Axes" is the plural.
//   - Dimension: the size of an axis.
//   - Scalar: a shape of rank 0, a single value of the associated DType.
package shapes

import (
	"fmt"
	"strings"

	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
)

// Shape represents the shape of either a host tensor or of the value produced
// by a computation graph node.
//
// Use Make to create one. The zero value of Shape is invalid.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// TupleShapes are the shapes of the tuple elements, if this is a tuple shape.
	TupleShapes []Shape
}

// HasShape is an interface for objects that have an associated Shape -- e.g.:
// tensors.Local, exec.DeviceArray, Shape itself.
type HasShape interface {
	Shape() Shape
}

// Make returns a Shape with the given dtype and dimensions.
// See MakeTuple for tuple shapes.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim <= 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with an axis with dimension <= 0", s)
		}
	}
	return s
}

// Scalar returns a scalar (rank-0) Shape for the given Go type.
func Scalar[T dtypes.NumberNotComplex]() Shape {
	return Shape{DType: dtypes.FromGenericsType[T]()}
}

// Invalid returns an invalid shape. Invalid().Ok() == false.
func Invalid() Shape { return Shape{DType: dtypes.InvalidDType} }

// MakeTuple returns a shape representing a tuple of elements with the given
// shapes. A tuple of zero elements is valid: it is the transfer shape of the
// zero-size unit value.
func MakeTuple(elements ...Shape) Shape {
	tupleShapes := make([]Shape, len(elements))
	copy(tupleShapes, elements)
	return Shape{DType: dtypes.InvalidDType, TupleShapes: tupleShapes}
}

// Ok returns whether this is a valid Shape.
// The empty tuple shape is considered valid.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType || s.TupleShapes != nil
}

// IsTuple returns whether the shape represents a tuple (including the empty tuple).
func (s Shape) IsTuple() bool {
	return s.DType == dtypes.InvalidDType && s.TupleShapes != nil
}

// TupleSize returns the number of elements, if this is a tuple shape.
func (s Shape) TupleSize() int { return len(s.TupleShapes) }

// Rank of the shape, that is, the number of axes.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar returns whether the shape is a rank-0 array shape.
func (s Shape) IsScalar() bool { return s.Ok() && !s.IsTuple() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. A negative axis counts from
// the end, so Dim(-1) is the dimension of the last axis.
func (s Shape) Dim(axis int) int {
	adjustedAxis := axis
	if adjustedAxis < 0 {
		adjustedAxis += s.Rank()
	}
	if adjustedAxis < 0 || adjustedAxis >= s.Rank() {
		exceptions.Panicf("Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjustedAxis]
}

// Shape returns a shallow copy of itself. It implements the HasShape interface.
func (s Shape) Shape() Shape { return s }

// Size returns the number of DType elements needed for this shape: the
// product of all dimensions. A scalar has size 1.
func (s Shape) Size() (size int) {
	size = 1
	for _, d := range s.Dimensions {
		size *= d
	}
	return
}

// Memory returns the number of bytes needed to store an array of this shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares two shapes for equality: dtype and dimensions are compared,
// and tuple shapes recursively.
func (s Shape) Equal(s2 Shape) bool {
	if s.IsTuple() || s2.IsTuple() {
		if s.IsTuple() != s2.IsTuple() || s.TupleSize() != s2.TupleSize() {
			return false
		}
		for ii, element := range s.TupleShapes {
			if !element.Equal(s2.TupleShapes[ii]) {
				return false
			}
		}
		return true
	}
	if s.DType != s2.DType || s.Rank() != s2.Rank() {
		return false
	}
	return slices.Equal(s.Dimensions, s2.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() (s2 Shape) {
	s2.DType = s.DType
	s2.Dimensions = slices.Clone(s.Dimensions)
	if s.TupleShapes != nil {
		s2.TupleShapes = make([]Shape, 0, len(s.TupleShapes))
		for _, subShape := range s.TupleShapes {
			s2.TupleShapes = append(s2.TupleShapes, subShape.Clone())
		}
	}
	return
}

// Strides returns the row-major strides for each axis, in elements (not bytes).
func (s Shape) Strides() []int {
	strides := make([]int, s.Rank())
	stride := 1
	for axis := s.Rank() - 1; axis >= 0; axis-- {
		strides[axis] = stride
		stride *= s.Dimensions[axis]
	}
	return strides
}

// String implements fmt.Stringer, pretty-printing the shape.
func (s Shape) String() string {
	if s.IsTuple() {
		parts := make([]string, 0, s.TupleSize())
		for _, element := range s.TupleShapes {
			parts = append(parts, element.String())
		}
		return fmt.Sprintf("Tuple<%s>", strings.Join(parts, ", "))
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
