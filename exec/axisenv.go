// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package exec

import (
	"github.com/gomlx/exceptions"

	"github.com/gomlx/lazexec/backends"
)

// AxisEnv describes the nesting of named parallel axes active while lowering
// a program: the total replica count and the ordered (name, size) pairs of
// the axes entered so far.
//
// AxisEnvs are extended, never mutated: entering a nested named-axis scope
// creates a new value with the axis appended.
type AxisEnv struct {
	// NumReplicas is the total number of replicas the program is lowered for.
	NumReplicas int

	// Names and Sizes of the named axes, outermost first.
	Names []string
	Sizes []int

	// DeviceAssignment optionally pins replicas to devices.
	DeviceAssignment []backends.DeviceNum
}

// NewAxisEnv returns a fresh environment with no named axes.
func NewAxisEnv(numReplicas int) *AxisEnv {
	return &AxisEnv{NumReplicas: numReplicas}
}

// Extend returns a new environment with the named axis appended. The receiver
// is not modified.
func (env *AxisEnv) Extend(name string, size int) *AxisEnv {
	names := make([]string, 0, len(env.Names)+1)
	names = append(names, env.Names...)
	names = append(names, name)
	sizes := make([]int, 0, len(env.Sizes)+1)
	sizes = append(sizes, env.Sizes...)
	sizes = append(sizes, size)
	return &AxisEnv{
		NumReplicas:      env.NumReplicas,
		Names:            names,
		Sizes:            sizes,
		DeviceAssignment: env.DeviceAssignment,
	}
}

// axisRead returns the mesh position of the innermost axis with the given
// name.
func (env *AxisEnv) axisRead(name string) int {
	for i := len(env.Names) - 1; i >= 0; i-- {
		if env.Names[i] == name {
			return i
		}
	}
	exceptions.Panicf("unbound axis name %q (bound axes: %v)", name, env.Names)
	return -1
}

// AxisGroups computes the replica groups for a collective over the given axis
// names: each group is the set of replica indices sharing every named-axis
// coordinate except the collapsed ones.
func (env *AxisEnv) AxisGroups(names ...string) [][]int {
	meshAxes := make([]int, len(names))
	for i, name := range names {
		meshAxes[i] = env.axisRead(name)
	}
	return axisGroups(env.NumReplicas, env.Sizes, meshAxes)
}

// axisGroups partitions the numReplicas replica indices. The replica mesh has
// one axis per entry of meshSizes plus a trailing axis holding the replicas
// not governed by any named axis; the axes listed in meshAxes are collapsed:
// replicas that agree on every other coordinate form one group.
func axisGroups(numReplicas int, meshSizes []int, meshAxes []int) [][]int {
	meshProduct := 1
	for _, size := range meshSizes {
		meshProduct *= size
	}
	if meshProduct == 0 || numReplicas%meshProduct != 0 {
		exceptions.Panicf("replica count %d is not a multiple of the axis mesh %v", numReplicas, meshSizes)
	}
	fullSpec := make([]int, 0, len(meshSizes)+1)
	fullSpec = append(fullSpec, meshSizes...)
	fullSpec = append(fullSpec, numReplicas/meshProduct)

	collapsed := make([]bool, len(fullSpec))
	groupSize := 1
	for _, axis := range meshAxes {
		collapsed[axis] = true
		groupSize *= fullSpec[axis]
	}
	numGroups := numReplicas / groupSize
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	coords := make([]int, len(fullSpec))
	for replica := 0; replica < numReplicas; replica++ {
		// Row-major coordinates of this replica in the full mesh.
		remainder := replica
		for axis := len(fullSpec) - 1; axis >= 0; axis-- {
			coords[axis] = remainder % fullSpec[axis]
			remainder /= fullSpec[axis]
		}
		// Group index from the non-collapsed coordinates; position within the
		// group from the collapsed coordinates, in meshAxes order.
		group := 0
		for axis, size := range fullSpec {
			if !collapsed[axis] {
				group = group*size + coords[axis]
			}
		}
		position := 0
		for _, axis := range meshAxes {
			position = position*fullSpec[axis] + coords[axis]
		}
		groups[group][position] = replica
	}
	return groups
}
