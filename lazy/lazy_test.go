// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package lazy_test

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/lazexec/backends"
	_ "github.com/gomlx/lazexec/backends/hostgo"
	"github.com/gomlx/lazexec/lazy"
	"github.com/gomlx/lazexec/types/shapes"
	"github.com/gomlx/lazexec/types/tensors"
)

func newBackend(t *testing.T) backends.Backend {
	backend, err := backends.NewWithConfig("hostgo")
	require.NoError(t, err)
	t.Cleanup(backend.Finalize)
	return backend
}

// evalStaged stages the expression onto a fresh computation, compiles and
// executes it, and reads the result back to the host.
func evalStaged(t *testing.T, backend backends.Backend, e *lazy.Expr, base *tensors.Local) *tensors.Local {
	b := backend.Builder("staged")
	var x backends.Op
	var inputs []backends.Buffer
	if !e.IsConstant() {
		require.NotNil(t, base)
		x = must.M1(b.Parameter("x", e.SourceShape()))
		inputs = append(inputs, must.M1(backend.BufferFromFlatData(0, base.Flat(), base.Shape())))
	}
	op := lazy.Stage(b, e, x)
	comp := must.M1(b.Build(op))
	exe := must.M1(comp.Compile(backends.CompileOptions{}))
	outs := must.M1(exe.Execute(inputs...))
	result := tensors.FromShape(must.M1(backend.BufferShape(outs[0])))
	must.M(backend.BufferToFlatData(outs[0], result.Flat()))
	return result
}

// assertAgree checks that the eager and staged interpreters produce
// bit-identical tensors for the expression, and returns the value.
func assertAgree(t *testing.T, e *lazy.Expr, base *tensors.Local) *tensors.Local {
	eager := lazy.EagerEval(e, base)
	require.True(t, eager.Shape().Equal(e.Shape()))
	staged := evalStaged(t, newBackend(t), e, base)
	require.Truef(t, eager.Equal(staged), "eager %s != staged %s for expression %s", eager, staged, e)
	return eager
}

func TestIota(t *testing.T) {
	got := assertAgree(t, lazy.Iota(dtypes.Float32, 5), nil)
	assert.Equal(t, []float32{0, 1, 2, 3, 4}, got.Flat())

	got = assertAgree(t, lazy.Iota(dtypes.Int64, 3), nil)
	assert.Equal(t, []int64{0, 1, 2}, got.Flat())
}

func TestEye(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 3, 3)
	got := assertAgree(t, lazy.Eye(dtypes.Float32, shape, 0), nil)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, got.Value())

	// A positive offset moves the ones above the diagonal, a negative one
	// below.
	got = assertAgree(t, lazy.Eye(dtypes.Float32, shape, 1), nil)
	assert.Equal(t, [][]float32{{0, 1, 0}, {0, 0, 1}, {0, 0, 0}}, got.Value())
	got = assertAgree(t, lazy.Eye(dtypes.Float32, shape, -1), nil)
	assert.Equal(t, [][]float32{{0, 0, 0}, {1, 0, 0}, {0, 1, 0}}, got.Value())

	// Rectangular, integer dtype.
	got = assertAgree(t, lazy.Eye(dtypes.Int32, shapes.Make(dtypes.Int32, 2, 3), 0), nil)
	assert.Equal(t, [][]int32{{1, 0, 0}, {0, 1, 0}}, got.Value())

	assert.Panics(t, func() { lazy.Eye(dtypes.Float32, shapes.Make(dtypes.Float32, 3), 0) })
}

func TestTri(t *testing.T) {
	got := assertAgree(t, lazy.Tri(dtypes.Int32, shapes.Make(dtypes.Int32, 4, 4), 0), nil)
	assert.Equal(t, [][]int32{
		{1, 0, 0, 0},
		{1, 1, 0, 0},
		{1, 1, 1, 0},
		{1, 1, 1, 1},
	}, got.Value())

	got = assertAgree(t, lazy.Tri(dtypes.Float32, shapes.Make(dtypes.Float32, 3, 3), 1), nil)
	assert.Equal(t, [][]float32{{1, 1, 0}, {1, 1, 1}, {1, 1, 1}}, got.Value())

	assert.Panics(t, func() { lazy.Tri(dtypes.Int32, shapes.Make(dtypes.Int32, 2, 2, 2), 0) })
}

func TestBroadcastAndTranspose(t *testing.T) {
	base := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	vec := lazy.Array(base.Shape())

	// Broadcast (3,) into (2, 3) mapping the vector to the columns axis.
	rows := lazy.Broadcast(vec, shapes.Make(dtypes.Float32, 2, 3), []int{1})
	got := assertAgree(t, rows, base)
	assert.Equal(t, [][]float32{{1, 2, 3}, {1, 2, 3}}, got.Value())

	// Transposing the broadcast flips it to (3, 2) with repeated columns.
	cols := lazy.Transpose(rows, []int{1, 0})
	got = assertAgree(t, cols, base)
	assert.Equal(t, [][]float32{{1, 1}, {2, 2}, {3, 3}}, got.Value())

	// The composition matches the direct tensor-level operations.
	direct := tensors.Transpose(
		tensors.BroadcastInDim(base, shapes.Make(dtypes.Float32, 2, 3), []int{1}),
		[]int{1, 0})
	assert.True(t, got.Equal(direct))
}

func TestTransposeOfArray(t *testing.T) {
	base := tensors.FromFlatDataAndDimensions([]int32{1, 2, 3, 4, 5, 6}, 2, 3)
	e := lazy.Transpose(lazy.Array(base.Shape()), []int{1, 0})
	got := assertAgree(t, e, base)
	assert.True(t, got.Equal(tensors.Transpose(base, []int{1, 0})))

	// Transposing a generated source works the same way.
	eyeT := lazy.Transpose(lazy.Eye(dtypes.Float32, shapes.Make(dtypes.Float32, 2, 3), 1), []int{1, 0})
	got = assertAgree(t, eyeT, nil)
	assert.Equal(t, [][]float32{{0, 0}, {1, 0}, {0, 1}}, got.Value())
}

func TestReshape(t *testing.T) {
	base := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)

	// Only size-1 axes can be inserted.
	e := lazy.Reshape(lazy.Array(base.Shape()), []int{2, 1, 3, 1})
	got := assertAgree(t, e, base)
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 1, 3, 1), got.Shape())
	assert.Equal(t, base.Flat(), got.Flat())

	// Size-1 broadcast axes can be dropped again.
	backAgain := lazy.Reshape(e, []int{2, 3})
	got = assertAgree(t, backAgain, base)
	assert.True(t, got.Equal(base))

	// Changing non-1 dimensions is not expressible lazily.
	assert.Panics(t, func() { lazy.Reshape(lazy.Array(base.Shape()), []int{3, 2}) })

	// Dropping a size-1 axis that is backed by the source is not expressible
	// either: the source axis would have nowhere to go.
	one := lazy.Array(shapes.Make(dtypes.Float32, 1, 3))
	assert.Panics(t, func() { lazy.Reshape(one, []int{3}) })
}

func TestBroadcastOfGeneratedSource(t *testing.T) {
	eye := lazy.Eye(dtypes.Float32, shapes.Make(dtypes.Float32, 3, 3), 0)
	batched := lazy.Broadcast(eye, shapes.Make(dtypes.Float32, 2, 3, 3), []int{1, 2})
	got := assertAgree(t, batched, nil)
	assert.Equal(t, shapes.Make(dtypes.Float32, 2, 3, 3), got.Shape())
	expected := tensors.BroadcastInDim(
		tensors.Reshape(lazy.EagerEval(eye, nil), []int{1, 3, 3}),
		shapes.Make(dtypes.Float32, 2, 3, 3), []int{0, 1, 2})
	assert.True(t, got.Equal(expected))
}

func TestIdentityAndConstant(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 2, 3)
	identity := lazy.Array(shape)
	assert.True(t, identity.IsIdentity())
	assert.False(t, identity.IsConstant())
	assert.True(t, identity.SourceShape().Equal(shape))

	transposed := lazy.Transpose(identity, []int{1, 0})
	assert.False(t, transposed.IsIdentity())
	assert.True(t, transposed.SourceShape().Equal(shape))

	iota := lazy.Iota(dtypes.Float32, 4)
	assert.True(t, iota.IsConstant())
	assert.False(t, iota.IsIdentity())

	// EagerEval of the identity returns the base itself; a nil expression does
	// too.
	base := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	assert.Same(t, base, lazy.EagerEval(identity, base))
	assert.Same(t, base, lazy.EagerEval(nil, base))
}

func TestEagerEvalChecksBase(t *testing.T) {
	e := lazy.Array(shapes.Make(dtypes.Float32, 3))
	assert.Panics(t, func() { lazy.EagerEval(e, nil) })
	assert.Panics(t, func() {
		lazy.EagerEval(e, tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2))
	})
	assert.Panics(t, func() {
		// Right dimensions, wrong dtype.
		lazy.EagerEval(e, tensors.FromFlatDataAndDimensions([]float64{1, 2, 3}, 3))
	})
}

func TestInvalidTransforms(t *testing.T) {
	e := lazy.Array(shapes.Make(dtypes.Float32, 2, 3))
	assert.Panics(t, func() { lazy.Transpose(e, []int{0}) })
	assert.Panics(t, func() { lazy.Broadcast(e, shapes.Make(dtypes.Float32, 2, 3, 4), []int{0}) })
}

func TestKey(t *testing.T) {
	a := lazy.Broadcast(lazy.Array(shapes.Make(dtypes.Float32, 3)), shapes.Make(dtypes.Float32, 2, 3), []int{1})
	b := lazy.Broadcast(lazy.Array(shapes.Make(dtypes.Float32, 3)), shapes.Make(dtypes.Float32, 2, 3), []int{1})
	assert.Equal(t, a.Key(), b.Key())

	c := lazy.Broadcast(lazy.Array(shapes.Make(dtypes.Float32, 3)), shapes.Make(dtypes.Float32, 3, 2), []int{0})
	assert.NotEqual(t, a.Key(), c.Key())
	assert.NotEqual(t, lazy.Eye(dtypes.Float32, shapes.Make(dtypes.Float32, 3, 3), 0).Key(),
		lazy.Eye(dtypes.Float32, shapes.Make(dtypes.Float32, 3, 3), 1).Key())
}

func TestFloat16Agree(t *testing.T) {
	// Float16 exercises the float32 round-trip kernels on both interpreters.
	got := assertAgree(t, lazy.Eye(dtypes.Float16, shapes.Make(dtypes.Float16, 3, 3), 0), nil)
	assert.Equal(t, dtypes.Float16, got.DType())
	asFloat32 := tensors.ConvertDType(got, dtypes.Float32)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}, asFloat32.Value())
}
