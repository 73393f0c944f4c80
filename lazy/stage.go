// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lazy

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"

	"github.com/gomlx/lazexec/backends"
	"github.com/gomlx/lazexec/types/shapes"
)

// Stage emits the expression onto the builder's computation graph and returns
// the resulting op. For an ArrayVar source, x is the staged base array; for
// the generating sources x must be nil.
//
// A nil expression is the identity: it returns x. Backend errors are
// converted to panics (see exceptions.TryCatch at the engine's boundaries).
func Stage(builder backends.Builder, e *Expr, x backends.Op) backends.Op {
	if e == nil {
		return x
	}
	var op backends.Op
	switch s := e.source.(type) {
	case ArrayVar:
		if x == nil {
			exceptions.Panicf("lazy.Stage(%s): expression requires a base op, got nil", e)
		}
		op = x
	case IotaSource:
		op = must.M1(builder.Iota(shapes.Make(s.DType, s.Size), 0))
	case EyeSource:
		op = stageDiagonalMask(builder, s.DType, s.Rows, s.Cols, s.Offset, builder.Equal)
	case TriSource:
		op = stageDiagonalMask(builder, s.DType, s.Rows, s.Cols, s.Offset, builder.GreaterOrEqual)
	default:
		exceptions.Panicf("lazy.Stage(%s): unknown source type %T", e, e.source)
	}

	if perm, isIdentity := e.permutation(); !isIdentity {
		op = must.M1(builder.Transpose(op, perm...))
	}
	opShape := must.M1(builder.OpShape(op))
	if !opShape.Equal(e.shape) {
		op = must.M1(builder.Reshape(op, e.expandedDims()...))
		op = must.M1(builder.BroadcastInDim(op, e.shape, identityAxes(e.shape.Rank())))
	}
	return op
}

// stageDiagonalMask stages cmp(i+offset, j) over an Int32 index grid,
// converted to dtype. The host mirror is diagonalMask in eval.go; the two
// must produce bit-identical values.
func stageDiagonalMask(builder backends.Builder, dtype dtypes.DType, rows, cols, offset int,
	cmp func(lhs, rhs backends.Op) (backends.Op, error)) backends.Op {
	grid := shapes.Make(dtypes.Int32, rows, cols)
	iotaRows := must.M1(builder.Iota(grid, 0))
	offsetOp := must.M1(builder.Constant([]int32{int32(offset)}))
	rowsPlus := must.M1(builder.Add(iotaRows, offsetOp))
	iotaCols := must.M1(builder.Iota(grid, 1))
	mask := must.M1(cmp(rowsPlus, iotaCols))
	return must.M1(builder.ConvertDType(mask, dtype))
}
