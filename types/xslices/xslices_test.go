// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package xslices

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIota(t *testing.T) {
	assert.Equal(t, []int{0, 1, 2, 3}, Iota(0, 4))
	assert.Equal(t, []float64{3, 4}, Iota(3.0, 2))
	assert.Empty(t, Iota(0, 0))
}

func TestMap(t *testing.T) {
	got := Map([]int{1, 2, 3}, func(e int) string { return fmt.Sprintf("<%d>", e) })
	assert.Equal(t, []string{"<1>", "<2>", "<3>"}, got)
}

func TestSliceWithValue(t *testing.T) {
	assert.Equal(t, []int{-1, -1, -1}, SliceWithValue(3, -1))
	assert.Empty(t, SliceWithValue(0, "x"))
}

func TestLast(t *testing.T) {
	assert.Equal(t, 7, Last([]int{1, 3, 7}))
}
