// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lazy

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"

	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

// EagerEval materializes the expression on the host. For an ArrayVar source,
// x is the base array and must have the source's natural shape; for the
// generating sources x must be nil.
//
// A nil expression is the identity: it returns x.
func EagerEval(e *Expr, x *tensors.Local) *tensors.Local {
	if e == nil {
		return x
	}
	var t *tensors.Local
	switch s := e.source.(type) {
	case ArrayVar:
		if x == nil {
			exceptions.Panicf("lazy.EagerEval(%s): expression requires a base array, got nil", e)
		}
		want := shapes.Make(e.shape.DType, e.sourceShape()...)
		if err := x.CheckShape(want); err != nil {
			exceptions.Panicf("lazy.EagerEval(%s): base array has shape %s, expression requires %s",
				e, x.Shape(), want)
		}
		t = x
	case IotaSource:
		t = tensors.Iota(shapes.Make(s.DType, s.Size), 0)
	case EyeSource:
		t = diagonalMask(s.DType, s.Rows, s.Cols, s.Offset, tensors.Equal)
	case TriSource:
		t = diagonalMask(s.DType, s.Rows, s.Cols, s.Offset, tensors.GreaterOrEqual)
	default:
		exceptions.Panicf("lazy.EagerEval(%s): unknown source type %T", e, e.source)
	}

	// Reindex: permute the source axes into output order, then insert size-1
	// axes at the broadcast positions and stretch.
	if perm, isIdentity := e.permutation(); !isIdentity {
		t = tensors.Transpose(t, perm)
	}
	if !t.Shape().Equal(e.shape) {
		t = tensors.Reshape(t, e.expandedDims())
		t = tensors.BroadcastInDim(t, e.shape, identityAxes(e.shape.Rank()))
	}
	return t
}

// diagonalMask computes cmp(i+offset, j) over an Int32 index grid and
// converts to dtype. It is the exact host mirror of the staged lowering in
// stageSource, kernel for kernel.
func diagonalMask(dtype dtypes.DType, rows, cols, offset int,
	cmp func(a, b *tensors.Local) *tensors.Local) *tensors.Local {
	grid := shapes.Make(dtypes.Int32, rows, cols)
	rowsPlus := tensors.Add(tensors.Iota(grid, 0), tensors.FromScalar(int32(offset)))
	mask := cmp(rowsPlus, tensors.Iota(grid, 1))
	return tensors.ConvertDType(mask, dtype)
}

// permutation returns the non-sentinel dims in output order: the transpose
// taking the source's natural axis order to the output's.
func (e *Expr) permutation() (perm []int, isIdentity bool) {
	perm = make([]int, 0, e.source.naturalRank())
	for _, d := range e.dims {
		if d != BroadcastAxis {
			perm = append(perm, d)
		}
	}
	isIdentity = true
	for i, p := range perm {
		if p != i {
			isIdentity = false
			break
		}
	}
	return
}

// expandedDims is the output shape with the broadcast axes narrowed to 1:
// the reshape target before the final stretching broadcast.
func (e *Expr) expandedDims() []int {
	dims := make([]int, len(e.dims))
	for i, d := range e.dims {
		if d == BroadcastAxis {
			dims[i] = 1
		} else {
			dims[i] = e.shape.Dimensions[i]
		}
	}
	return dims
}

func identityAxes(rank int) []int {
	axes := make([]int, rank)
	for i := range axes {
		axes[i] = i
	}
	return axes
}
