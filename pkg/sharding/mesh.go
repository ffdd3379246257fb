// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package sharding defines a logical Mesh of devices with named axes, and Spec, the description of how each axis
// of an array is partitioned over the mesh axes.
//
// Both are thin user-facing layers over github.com/gomlx/gomlx/pkg/core/distributed: a Mesh wraps a
// distributed.DeviceMesh and a Spec converts to a distributed.ShardingSpec.
package sharding

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/pkg/errors"
)

// Mesh defines the logical topology of a set of devices: named axes, each with a number of devices.
//
// Devices are numbered in row-major order of their coordinates along the mesh axes, the same order used by
// distributed.Tensor shards.
type Mesh struct {
	mesh *distributed.DeviceMesh
}

// NewMesh creates a Mesh with the given axes sizes and names, one of each per axis.
//
// Example:
//
//	mesh, err := sharding.NewMesh([]int{4, 2}, []string{"data", "model"})
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	for i, size := range axesSizes {
		if size <= 0 && i < len(axesNames) {
			return nil, errors.Errorf("Mesh axis %q must have a positive size, got %d", axesNames[i], size)
		}
	}
	mesh, err := distributed.NewDeviceMesh(slices.Clone(axesSizes), axesNames)
	if err != nil {
		return nil, err
	}
	return &Mesh{mesh: mesh}, nil
}

// DeviceMesh returns the underlying distributed.DeviceMesh.
func (m *Mesh) DeviceMesh() *distributed.DeviceMesh { return m.mesh }

// NumDevices returns the total number of devices in the mesh.
func (m *Mesh) NumDevices() int { return m.mesh.NumDevices() }

// Rank returns the number of axes in the mesh.
func (m *Mesh) Rank() int { return m.mesh.Rank() }

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string { return slices.Clone(m.mesh.AxesNames()) }

// AxesSizes returns a copy of the mesh's axis sizes.
func (m *Mesh) AxesSizes() []int { return slices.Clone(m.mesh.AxesSizes()) }

// AxisIndex returns the index of the named axis.
func (m *Mesh) AxisIndex(axisName string) (int, bool) {
	idx := slices.Index(m.mesh.AxesNames(), axisName)
	return idx, idx >= 0
}

// AxisSize returns the number of devices along the given mesh axis.
func (m *Mesh) AxisSize(axisName string) (int, error) { return m.mesh.AxisSize(axisName) }

// Coordinates returns the coordinates along each mesh axis of the device.
func (m *Mesh) Coordinates(device int) []int {
	sizes := m.mesh.AxesSizes()
	coords := make([]int, len(sizes))
	for i := len(sizes) - 1; i >= 0; i-- {
		coords[i] = device % sizes[i]
		device /= sizes[i]
	}
	return coords
}

// Device returns the device number for the given coordinates along each mesh axis.
func (m *Mesh) Device(coords []int) int {
	device := 0
	for i, size := range m.mesh.AxesSizes() {
		device = device*size + coords[i]
	}
	return device
}

// ComputeReplicaGroups returns, for each combination of coordinates of the other mesh axes, the devices that
// differ only along axes. See distributed.DeviceMesh.ComputeReplicaGroups.
func (m *Mesh) ComputeReplicaGroups(axes []string) ([][]int, error) {
	return m.mesh.ComputeReplicaGroups(axes)
}

// String implements fmt.Stringer, e.g. "Mesh(data: 4, model: 2)".
func (m *Mesh) String() string {
	sizes := m.mesh.AxesSizes()
	parts := make([]string, len(sizes))
	for i, name := range m.mesh.AxesNames() {
		parts[i] = fmt.Sprintf("%s: %d", name, sizes[i])
	}
	return "Mesh(" + strings.Join(parts, ", ") + ")"
}
