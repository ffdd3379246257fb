// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sharding

import (
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/pkg/errors"
)

// Spec (also known as PartitionSpec in JAX) defines how an array is partitioned over a Mesh.
//
// It has one element per array axis: a mesh axis name means the array axis is split across the devices of that
// mesh axis, and an empty string ("") means it is replicated. Array axes beyond the length of the Spec are
// replicated, so an empty (or nil) Spec means fully replicated.
type Spec []string

// P creates a Spec, one element per array axis.
func P(axes ...string) Spec {
	return Spec(slices.Clone(axes))
}

// Replicated is the fully replicated Spec.
var Replicated = Spec{}

// Rank returns the number of array axes described.
func (s Spec) Rank() int { return len(s) }

// IsReplicated returns true if the array is not split along any axis.
func (s Spec) IsReplicated() bool {
	for _, axisName := range s {
		if axisName != "" {
			return false
		}
	}
	return true
}

// MeshAxes returns the mesh axes used by the Spec, in order.
func (s Spec) MeshAxes() []string {
	var axes []string
	for _, axisName := range s {
		if axisName != "" {
			axes = append(axes, axisName)
		}
	}
	return axes
}

// Equal returns whether both specs describe the same partitioning (trailing replicated axes are ignored).
func (s Spec) Equal(other Spec) bool {
	trim := func(spec Spec) Spec {
		end := len(spec)
		for end > 0 && spec[end-1] == "" {
			end--
		}
		return spec[:end]
	}
	return slices.Equal(trim(s), trim(other))
}

// String implements fmt.Stringer, e.g. "P('data', None)".
func (s Spec) String() string {
	parts := make([]string, len(s))
	for i, axisName := range s {
		if axisName == "" {
			parts[i] = "None"
		} else {
			parts[i] = "'" + axisName + "'"
		}
	}
	return "P(" + strings.Join(parts, ", ") + ")"
}

// ShardingSpec converts the Spec to a distributed.ShardingSpec over mesh, for an array of the given rank.
//
// Array axes beyond the Spec are padded as replicated.
func (s Spec) ShardingSpec(mesh *Mesh, rank int) (*distributed.ShardingSpec, error) {
	if len(s) > rank {
		return nil, errors.Errorf("sharding spec %s has more axes than the array rank %d", s, rank)
	}
	axes := make([]distributed.AxisSpec, rank)
	for i, axisName := range s {
		if axisName != "" {
			axes[i] = distributed.AxisSpec{axisName}
		}
	}
	spec, err := distributed.NewShardingSpec(mesh.DeviceMesh(), axes...)
	if err != nil {
		return nil, errors.WithMessagef(err, "sharding spec %s", s)
	}
	return spec, nil
}

// Validate checks that the Spec only uses axes of mesh, each at most once.
func (s Spec) Validate(mesh *Mesh) error {
	_, err := s.ShardingSpec(mesh, len(s))
	return err
}

// ShardShape returns the shape of each shard of an array of the given shape.
//
// It returns an error if the Spec is invalid for the mesh, has more axes than the shape, or if a sharded
// dimension is not divisible by the size of its mesh axis.
func (s Spec) ShardShape(mesh *Mesh, shape shapes.Shape) (shapes.Shape, error) {
	spec, err := s.ShardingSpec(mesh, shape.Rank())
	if err != nil {
		return shapes.Shape{}, err
	}
	shardShape := spec.ShardShape(shape)
	if !shardShape.Ok() {
		for axis, dim := range shape.Dimensions {
			if size := spec.NumDevicesShardingAxis(axis); dim%size != 0 {
				return shapes.Shape{}, errors.Errorf("array shape %s axis %d (dimension %d) is not divisible by the "+
					"size %d of mesh axis %q", shape, axis, dim, size, s[axis])
			}
		}
		return shapes.Shape{}, errors.Errorf("invalid shard shape for array shape %s and sharding spec %s", shape, s)
	}
	return shardShape, nil
}
