// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAxisEnvExtend(t *testing.T) {
	env := NewAxisEnv(8)
	extended := env.Extend("i", 2).Extend("j", 2)
	assert.Equal(t, []string{"i", "j"}, extended.Names)
	assert.Equal(t, []int{2, 2}, extended.Sizes)

	// The receiver is never modified.
	assert.Empty(t, env.Names)
	assert.Empty(t, env.Sizes)

	// The innermost binding wins for shadowed names.
	shadowed := extended.Extend("i", 2)
	assert.Equal(t, 2, shadowed.axisRead("i"))
	assert.Equal(t, 1, shadowed.axisRead("j"))
	assert.Panics(t, func() { extended.axisRead("k") })
}

func TestAxisGroups(t *testing.T) {
	// 8 replicas over a 2x2 named mesh, with a trailing factor of 2 not
	// governed by any named axis.
	env := NewAxisEnv(8).Extend("i", 2).Extend("j", 2)

	assert.Equal(t, [][]int{{0, 4}, {1, 5}, {2, 6}, {3, 7}}, env.AxisGroups("i"))
	assert.Equal(t, [][]int{{0, 2}, {1, 3}, {4, 6}, {5, 7}}, env.AxisGroups("j"))
	assert.Equal(t, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, env.AxisGroups("i", "j"))
}

func TestAxisGroupsPartition(t *testing.T) {
	// Every grouping is a partition: each replica appears in exactly one group.
	env := NewAxisEnv(24).Extend("a", 2).Extend("b", 3).Extend("c", 2)
	for _, names := range [][]string{{"a"}, {"b"}, {"c"}, {"a", "c"}, {"b", "c"}, {"a", "b", "c"}} {
		groups := env.AxisGroups(names...)
		seen := make(map[int]bool)
		total := 0
		for _, group := range groups {
			for _, replica := range group {
				require.Falsef(t, seen[replica], "replica %d in two groups for axes %v", replica, names)
				require.GreaterOrEqual(t, replica, 0)
				require.Less(t, replica, 24)
				seen[replica] = true
				total++
			}
		}
		require.Equalf(t, 24, total, "groups for axes %v don't cover all replicas", names)
	}
}

func TestAxisGroupsSingleAxisCoversAll(t *testing.T) {
	env := NewAxisEnv(4).Extend("i", 4)
	groups := env.AxisGroups("i")
	require.Len(t, groups, 1)
	assert.Equal(t, []int{0, 1, 2, 3}, groups[0])
}

func TestAxisGroupsMismatchedMesh(t *testing.T) {
	env := NewAxisEnv(3).Extend("i", 2)
	assert.Panics(t, func() { env.AxisGroups("i") })
}
