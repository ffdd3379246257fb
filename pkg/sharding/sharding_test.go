// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnx/pkg/sharding"
)

func TestMesh(t *testing.T) {
	t.Run("NewMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			wantRank  int
			wantNum   int
		}{
			{"1D mesh", []int{8}, []string{"replica"}, 1, 8},
			{"2D mesh", []int{2, 4}, []string{"x", "y"}, 2, 8},
			{"3D mesh", []int{2, 2, 2}, []string{"x", "y", "z"}, 3, 8},
			{"single device", []int{1}, []string{"replica"}, 1, 1},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := sharding.NewMesh(tt.sizes, tt.axisNames)
				require.NoError(t, err)
				assert.Equal(t, tt.wantRank, mesh.Rank())
				assert.Equal(t, tt.wantNum, mesh.NumDevices())
			})
		}
	})

	t.Run("NewMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
		}{
			{"mismatched lengths", []int{2, 4}, []string{"x"}},
			{"empty", nil, nil},
			{"duplicate names", []int{2, 2}, []string{"x", "x"}},
			{"invalid name", []int{2}, []string{"1x"}},
			{"zero size", []int{0}, []string{"x"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := sharding.NewMesh(tt.sizes, tt.axisNames)
				require.Error(t, err)
			})
		}
	})

	t.Run("Coordinates", func(t *testing.T) {
		mesh, err := sharding.NewMesh([]int{2, 3}, []string{"a", "b"})
		require.NoError(t, err)
		for device := range mesh.NumDevices() {
			coords := mesh.Coordinates(device)
			assert.Equal(t, device, mesh.Device(coords))
		}
		assert.Equal(t, []int{1, 2}, mesh.Coordinates(5))
		assert.Equal(t, "Mesh(a: 2, b: 3)", mesh.String())
	})

	t.Run("ComputeReplicaGroups", func(t *testing.T) {
		mesh, err := sharding.NewMesh([]int{2, 2}, []string{"batch", "data"})
		require.NoError(t, err)
		groups, err := mesh.ComputeReplicaGroups([]string{"batch"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
		groups, err = mesh.ComputeReplicaGroups([]string{"data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
		groups, err = mesh.ComputeReplicaGroups([]string{"batch", "data"})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)
		groups, err = mesh.ComputeReplicaGroups(nil)
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)

		_, err = mesh.ComputeReplicaGroups([]string{"batch", "batch"})
		require.Error(t, err)
		_, err = mesh.ComputeReplicaGroups([]string{"unknown"})
		require.Error(t, err)
	})
}

func TestSpec(t *testing.T) {
	mesh, err := sharding.NewMesh([]int{4, 2}, []string{"data", "model"})
	require.NoError(t, err)

	spec := sharding.P("data", "")
	assert.Equal(t, "P('data', None)", spec.String())
	assert.False(t, spec.IsReplicated())
	assert.True(t, sharding.P("", "").IsReplicated())
	assert.True(t, sharding.Replicated.IsReplicated())
	assert.Equal(t, []string{"data"}, spec.MeshAxes())
	assert.True(t, spec.Equal(sharding.P("data")))
	assert.False(t, spec.Equal(sharding.P("model")))

	require.NoError(t, spec.Validate(mesh))
	require.Error(t, sharding.P("other").Validate(mesh))
	require.Error(t, sharding.P("data", "data").Validate(mesh))

	shardShape, err := sharding.P("data", "model").ShardShape(mesh, shapes.Make(dtypes.Float32, 8, 6, 3))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 3}, shardShape.Dimensions)

	_, err = sharding.P("data").ShardShape(mesh, shapes.Make(dtypes.Float32, 6))
	require.ErrorContains(t, err, "not divisible")
	_, err = sharding.P("data", "").ShardShape(mesh, shapes.Make(dtypes.Float32, 8))
	require.Error(t, err)

	t.Run("ShardingSpec", func(t *testing.T) {
		dspec, err := sharding.P("", "model").ShardingSpec(mesh, 3)
		require.NoError(t, err)
		assert.Same(t, mesh.DeviceMesh(), dspec.Mesh)
		assert.Equal(t, []distributed.AxisSpec{nil, {"model"}, nil}, dspec.Axes)
		assert.Equal(t, 2, dspec.NumDevicesShardingAxis(1))
		assert.False(t, dspec.IsReplicated())
		assert.True(t, func() bool {
			dspec, err := sharding.Replicated.ShardingSpec(mesh, 2)
			require.NoError(t, err)
			return dspec.IsReplicated()
		}())

		_, err = sharding.P("data", "model").ShardingSpec(mesh, 1)
		require.Error(t, err)
		_, err = sharding.P("other").ShardingSpec(mesh, 1)
		require.Error(t, err)
	})
}

func TestMeshWrapsDeviceMesh(t *testing.T) {
	mesh, err := sharding.NewMesh([]int{4, 2}, []string{"data", "model"})
	require.NoError(t, err)
	deviceMesh := mesh.DeviceMesh()
	require.NotNil(t, deviceMesh)
	assert.Equal(t, []string{"data", "model"}, deviceMesh.AxesNames())
	assert.Equal(t, 8, deviceMesh.NumDevices())

	// Mutating the returned slices must not change the mesh.
	names := mesh.AxesNames()
	names[0] = "changed"
	assert.Equal(t, "data", deviceMesh.AxesNames()[0])
	idx, found := mesh.AxisIndex("model")
	assert.True(t, found)
	assert.Equal(t, 1, idx)
	_, found = mesh.AxisIndex("other")
	assert.False(t, found)
}
