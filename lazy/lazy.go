// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package lazy implements the deferred reindexing algebra: a small closed
// language describing how to construct or reindex an array without touching a
// device.
//
// An Expr is a pure, immutable value: a source (an opaque array placeholder,
// or one of the index-generating sources Iota, Eye and Tri), the logical
// output shape, and a per-output-axis mapping into the source's natural axes.
// The transforms Broadcast, Transpose and Reshape return new Exprs; nothing
// is ever mutated and nothing is ever computed.
//
// The package provides two interpreters that must agree bit-for-bit on every
// shape, dtype and value:
//
//   - EagerEval materializes the expression on the host, as a tensors.Local.
//   - Stage emits the expression onto a backends.Builder computation graph.
//
// Device values (see exec.DeviceArray) carry an Expr describing how their
// logical value derives from their physical buffer; "already materialized"
// is simply the identity expression returned by Array.
package lazy

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/xslices"
)

// BroadcastAxis is the sentinel used in Expr dims for output axes that are
// not backed by any source axis: they have size 1 in the source and are
// stretched to the output dimension.
const BroadcastAxis = -1

// Source is the base of an Expr: what array the expression starts from,
// before reindexing. It is one of ArrayVar, IotaSource, EyeSource or
// TriSource.
type Source interface {
	fmt.Stringer

	isSource()

	// naturalRank is the rank of the source array before any reindexing.
	naturalRank() int
}

// ArrayVar is the placeholder source for a supplied base array (or graph
// node): the expression is pure reindexing of an external value.
type ArrayVar struct {
	// Rank of the base array.
	Rank int
}

func (ArrayVar) isSource()          {}
func (v ArrayVar) naturalRank() int { return v.Rank }
func (v ArrayVar) String() string   { return "array" }

// IotaSource generates the increasing sequence [0, 1, ..., Size-1].
type IotaSource struct {
	DType dtypes.DType
	Size  int
}

func (IotaSource) isSource()        {}
func (IotaSource) naturalRank() int { return 1 }
func (s IotaSource) String() string { return fmt.Sprintf("iota(%s,%d)", s.DType, s.Size) }

// EyeSource generates a Rows x Cols matrix with ones on the Offset-shifted
// diagonal: position (i, j) is one iff j == i+Offset.
type EyeSource struct {
	DType      dtypes.DType
	Rows, Cols int
	Offset     int
}

func (EyeSource) isSource()        {}
func (EyeSource) naturalRank() int { return 2 }
func (s EyeSource) String() string {
	return fmt.Sprintf("eye(%s,%dx%d,%d)", s.DType, s.Rows, s.Cols, s.Offset)
}

// TriSource generates a Rows x Cols lower-triangular 0/1 mask, inclusive of
// the Offset-shifted diagonal: position (i, j) is one iff j <= i+Offset.
type TriSource struct {
	DType      dtypes.DType
	Rows, Cols int
	Offset     int
}

func (TriSource) isSource()        {}
func (TriSource) naturalRank() int { return 2 }
func (s TriSource) String() string {
	return fmt.Sprintf("tri(%s,%dx%d,%d)", s.DType, s.Rows, s.Cols, s.Offset)
}

// Expr is a deferred array construction/reindexing: materialize the source at
// its natural rank, permute its axes according to the non-sentinel entries of
// dims, then broadcast into shape by inserting size-1 axes at every
// BroadcastAxis position and stretching.
//
// Exprs are immutable, cheap to construct and never touch a device.
type Expr struct {
	source Source
	shape  shapes.Shape

	// dims has one entry per output axis: either an index into the source's
	// natural axes or BroadcastAxis.
	dims []int
}

// Source of the expression.
func (e *Expr) Source() Source { return e.source }

// Shape is the logical output shape of the expression.
func (e *Expr) Shape() shapes.Shape { return e.shape }

// Dims returns a copy of the per-output-axis source mapping.
func (e *Expr) Dims() []int {
	out := make([]int, len(e.dims))
	copy(out, e.dims)
	return out
}

// newExpr builds and validates an Expr. A malformed combination is a
// programming error and panics.
func newExpr(source Source, shape shapes.Shape, dims []int) *Expr {
	e := &Expr{source: source, shape: shape, dims: dims}
	e.assertValid()
	return e
}

// assertValid checks the structural invariant: the non-sentinel entries of
// dims must be a permutation of the source's natural axes, each appearing
// exactly once.
func (e *Expr) assertValid() {
	if len(e.dims) != e.shape.Rank() {
		exceptions.Panicf("lazy expression %s has %d dims for shape of rank %d", e, len(e.dims), e.shape.Rank())
	}
	rank := e.source.naturalRank()
	seen := make([]bool, rank)
	count := 0
	for _, d := range e.dims {
		if d == BroadcastAxis {
			continue
		}
		if d < 0 || d >= rank || seen[d] {
			exceptions.Panicf("lazy expression %s has inconsistent dims for source %s of rank %d",
				e, e.source, rank)
		}
		seen[d] = true
		count++
	}
	if count != rank {
		exceptions.Panicf("lazy expression %s maps %d source axes, but source %s has rank %d",
			e, count, e.source, rank)
	}
}

// sourceShape reconstructs the source's natural shape from (shape, dims).
func (e *Expr) sourceShape() []int {
	dims := make([]int, e.source.naturalRank())
	for axis, d := range e.dims {
		if d != BroadcastAxis {
			dims[d] = e.shape.Dimensions[axis]
		}
	}
	return dims
}

// SourceShape returns the natural shape of the expression's source,
// reconstructed from (shape, dims). For an ArrayVar source this is the
// physical shape of the backing array.
func (e *Expr) SourceShape() shapes.Shape {
	return shapes.Make(e.shape.DType, e.sourceShape()...)
}

// IsIdentity returns whether the expression is the trivial identity over a
// supplied array: an ArrayVar source with every output axis mapped, in order,
// to the same source axis. Evaluating an identity expression is a no-op.
func (e *Expr) IsIdentity() bool {
	if _, ok := e.source.(ArrayVar); !ok {
		return false
	}
	for axis, d := range e.dims {
		if d != axis {
			return false
		}
	}
	return true
}

// IsConstant returns whether the expression needs no base array: its source
// is one of the generating sources (Iota, Eye, Tri).
func (e *Expr) IsConstant() bool {
	_, isArray := e.source.(ArrayVar)
	return !isArray
}

// Key returns a canonical string for the expression, usable as part of a
// cache key: structurally equal expressions have equal keys.
func (e *Expr) Key() string {
	parts := xslices.Map(e.dims, func(d int) string {
		if d == BroadcastAxis {
			return "*"
		}
		return fmt.Sprintf("%d", d)
	})
	return fmt.Sprintf("%s|%s|[%s]", e.source, e.shape, strings.Join(parts, ","))
}

func (e *Expr) String() string { return e.Key() }

// Array returns the trivial identity expression over an array of the given
// shape: the "already materialized" expression.
func Array(shape shapes.Shape) *Expr {
	return newExpr(ArrayVar{Rank: shape.Rank()}, shape, xslices.Iota(0, shape.Rank()))
}

// Iota returns the expression generating [0, 1, ..., size-1] with the given
// dtype.
func Iota(dtype dtypes.DType, size int) *Expr {
	return newExpr(IotaSource{DType: dtype, Size: size}, shapes.Make(dtype, size), []int{0})
}

// Eye returns the expression generating an identity matrix of the given
// (rank-2) shape, with ones on the diagonal shifted up by offset columns.
func Eye(dtype dtypes.DType, shape shapes.Shape, offset int) *Expr {
	if shape.Rank() != 2 {
		exceptions.Panicf("lazy.Eye requires a rank-2 shape, got %s", shape)
	}
	source := EyeSource{DType: dtype, Rows: shape.Dimensions[0], Cols: shape.Dimensions[1], Offset: offset}
	return newExpr(source, shapes.Make(dtype, shape.Dimensions...), []int{0, 1})
}

// Tri returns the expression generating a lower-triangular 0/1 mask of the
// given (rank-2) shape, inclusive of the diagonal shifted by offset.
func Tri(dtype dtypes.DType, shape shapes.Shape, offset int) *Expr {
	if shape.Rank() != 2 {
		exceptions.Panicf("lazy.Tri requires a rank-2 shape, got %s", shape)
	}
	source := TriSource{DType: dtype, Rows: shape.Dimensions[0], Cols: shape.Dimensions[1], Offset: offset}
	return newExpr(source, shapes.Make(dtype, shape.Dimensions...), []int{0, 1})
}

// Broadcast returns the expression broadcasting e into shape.
// broadcastDims has one entry per axis of e: the output axis it maps to.
// Output axes not listed become broadcast (stretched size-1) axes.
func Broadcast(e *Expr, shape shapes.Shape, broadcastDims []int) *Expr {
	if len(broadcastDims) != e.shape.Rank() {
		exceptions.Panicf("lazy.Broadcast(%s): %d broadcast dimensions for input of rank %d",
			e, len(broadcastDims), e.shape.Rank())
	}
	newDims := xslices.SliceWithValue(shape.Rank(), BroadcastAxis)
	for i, d := range broadcastDims {
		newDims[d] = e.dims[i]
	}
	return newExpr(e.source, shape, newDims)
}

// Transpose returns the expression permuting the axes of e: output axis i is
// input axis permutation[i].
func Transpose(e *Expr, permutation []int) *Expr {
	if len(permutation) != e.shape.Rank() {
		exceptions.Panicf("lazy.Transpose(%s): permutation %v doesn't match rank %d",
			e, permutation, e.shape.Rank())
	}
	newDimensions := make([]int, len(permutation))
	newDims := make([]int, len(permutation))
	for i, p := range permutation {
		newDimensions[i] = e.shape.Dimensions[p]
		newDims[i] = e.dims[p]
	}
	return newExpr(e.source, shapes.Make(e.shape.DType, newDimensions...), newDims)
}

// Reshape returns the expression reshaping e to newSizes. Only insertion and
// removal of size-1 axes is expressible lazily: the non-1 dimensions of
// newSizes must equal e's shape.
func Reshape(e *Expr, newSizes []int) *Expr {
	nonOne := make([]int, 0, len(newSizes))
	for _, d := range newSizes {
		if d != 1 {
			nonOne = append(nonOne, d)
		}
	}
	nonOneInput := make([]int, 0, e.shape.Rank())
	for _, d := range e.shape.Dimensions {
		if d != 1 {
			nonOneInput = append(nonOneInput, d)
		}
	}
	if len(nonOne) != len(nonOneInput) {
		exceptions.Panicf("lazy.Reshape(%s, %v): only size-1 axes can be inserted or dropped", e, newSizes)
	}
	for i, d := range nonOne {
		if d != nonOneInput[i] {
			exceptions.Panicf("lazy.Reshape(%s, %v): only size-1 axes can be inserted or dropped", e, newSizes)
		}
	}
	// Re-derive dims: size-1 output axes become broadcast axes; the others
	// consume e's dims for non-1 input axes, in order.
	inputDims := make([]int, 0, e.shape.Rank())
	for axis, d := range e.shape.Dimensions {
		if d != 1 {
			inputDims = append(inputDims, e.dims[axis])
		}
	}
	newDims := make([]int, len(newSizes))
	next := 0
	for i, d := range newSizes {
		if d == 1 {
			newDims[i] = BroadcastAxis
		} else {
			newDims[i] = inputDims[next]
			next++
		}
	}
	// Dropped size-1 input axes must not be backed by a source axis, otherwise
	// the reindexing cannot represent the reshape.
	dropped := e.source.naturalRank()
	for _, d := range newDims {
		if d != BroadcastAxis {
			dropped--
		}
	}
	if dropped != 0 {
		exceptions.Panicf("lazy.Reshape(%s, %v): cannot drop axes backed by the source", e, newSizes)
	}
	return newExpr(e.source, shapes.Make(e.shape.DType, newSizes...), newDims)
}
