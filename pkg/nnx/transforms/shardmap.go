// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/extract"
	"github.com/gomlx/nnx/pkg/sharding"
)

// ShardMapConfig configures a lifted ShardMap: create it with ShardMap, configure it, and call Done to get the
// mapped function.
type ShardMapConfig struct {
	backend  backends.Backend
	mesh     *sharding.Mesh
	name     string
	inSpecs  []any
	outSpecs any
	checkRep bool
	auto     sets.Set[string]
}

// ShardMap creates the configuration of a function mapped over the shards of its arguments: the function is
// traced once for the shapes of one shard, and executed once per mesh position, each with its own slice of
// the sharded arguments. The results are assembled back according to OutSpecs.
//
// Positions are executed concurrently on the backend's default device.
//
// Example:
//
//	sumShards := transforms.ShardMap(backend, mesh).
//		InSpecs(sharding.P("data")).
//		OutSpecs(sharding.P("data")).
//		Done(func(g *graph.Graph, args ...any) any {
//			return graph.ReduceSum(args[0].(*graph.Node), -1)
//		})
func ShardMap(backend backends.Backend, mesh *sharding.Mesh) *ShardMapConfig {
	return &ShardMapConfig{
		backend:  backend,
		mesh:     mesh,
		name:     "shard_map",
		checkRep: true,
		auto:     sets.Make[string](),
	}
}

// Name of the graphs created, used for logging.
func (c *ShardMapConfig) Name(name string) *ShardMapConfig {
	c.name = name
	return c
}

// InSpecs sets the sharding prefixes of the arguments, one per argument. See JitConfig.InShardings for the
// accepted values. Arguments with no spec are replicated: every position sees the whole value.
func (c *ShardMapConfig) InSpecs(prefixes ...any) *ShardMapConfig {
	c.inSpecs = prefixes
	return c
}

// OutSpecs sets the sharding prefix of the result: sharded axes are concatenated back from the results of
// each position, and for the other mesh axes the result is taken from the first position.
func (c *ShardMapConfig) OutSpecs(prefix any) *ShardMapConfig {
	c.outSpecs = prefix
	return c
}

// CheckRep sets whether to check that results are equal across the mesh axes they are not sharded on.
// Default is true.
func (c *ShardMapConfig) CheckRep(checkRep bool) *ShardMapConfig {
	c.checkRep = checkRep
	return c
}

// Auto marks mesh axes as automatic: they are left out of the mapping, as if they had size 1.
// Specs can't refer to automatic axes.
func (c *ShardMapConfig) Auto(axes ...string) *ShardMapConfig {
	c.auto.Insert(axes...)
	return c
}

// Done returns the mapped function.
func (c *ShardMapConfig) Done(fn Fn) *ShardMapped {
	jitConfig := Jit(c.backend).Name(c.name).InShardings(c.inSpecs...).OutShardings(c.outSpecs)
	return &ShardMapped{config: *c, jit: jitConfig.Done(fn)}
}

// ShardMapped is a function mapped over shards, created with ShardMap(...).Done(fn).
type ShardMapped struct {
	config ShardMapConfig
	jit    *JitWrapped
}

// mappedMesh returns the mesh the function is mapped over, with the automatic axes reduced to size 1.
func (s *ShardMapped) mappedMesh() (*sharding.Mesh, error) {
	if s.config.mesh == nil {
		return nil, errors.Errorf("nnx.ShardMap(%q): no mesh given", s.config.name)
	}
	names := s.config.mesh.AxesNames()
	sizes := s.config.mesh.AxesSizes()
	for axis := range s.config.auto {
		idx, found := s.config.mesh.AxisIndex(axis)
		if !found {
			return nil, errors.Errorf("nnx.ShardMap(%q): auto axis %q not in %s", s.config.name, axis, s.config.mesh)
		}
		sizes[idx] = 1
	}
	return sharding.NewMesh(sizes, names)
}

// checkAuto returns an error if any of the specs uses an automatic mesh axis.
func (s *ShardMapped) checkAuto(specs []sharding.Spec) error {
	for _, spec := range specs {
		for _, axis := range spec.MeshAxes() {
			if s.config.auto.Has(axis) {
				return errors.Errorf("spec %s uses mesh axis %q, which is marked as auto", spec, axis)
			}
		}
	}
	return nil
}

// Call the mapped function. Graph node arguments (and results) are updated in place with their new state,
// assembled from the state of every position.
//
// ShardMap can't be called while tracing another function.
func (s *ShardMapped) Call(args ...any) (any, error) {
	if tracedGraph(args) != nil {
		return nil, errors.Wrapf(ErrNotImplemented, "nnx.ShardMap(%q) with traced arguments", s.config.name)
	}
	mesh, err := s.mappedMesh()
	if err != nil {
		return nil, err
	}
	ctx := nnx.NewUpdateContext()
	defer ctx.Close()
	in, err := s.jit.prepare(ctx, args)
	if err != nil {
		return nil, err
	}

	inSpecs, err := resolveShardings(in.flat, in.prefixes, true)
	if err == nil {
		err = s.checkAuto(inSpecs)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) in_specs", s.config.name)
	}
	shardShapes := make([]shapes.Shape, len(in.flat.Arrays))
	for ii, fa := range in.flat.Arrays {
		shardShapes[ii], err = inSpecs[ii].ShardShape(mesh, nnx.ArrayShape(fa.Value))
		if err != nil {
			return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) in_specs of %s", s.config.name, fa)
		}
	}

	traced, err := s.jit.trace(ctx, in, shardShapes)
	if err != nil {
		return nil, err
	}
	outSpecs, err := resolveShardings(traced.outFlat, traced.outPrefixes, true)
	if err == nil {
		err = s.checkAuto(outSpecs)
	}
	if err == nil {
		err = validateShardings(traced.outFlat, outSpecs, mesh, false)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) out_specs", s.config.name)
	}
	outputs := traced.outputs
	hasDummy := len(outputs) == 0
	err = exceptions.TryCatch[error](func() {
		if hasDummy {
			outputs = []*graph.Node{graph.Const(traced.graph, int32(0))}
		}
		traced.graph.Compile(outputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) while compiling", s.config.name)
	}

	shards, err := s.splitInputs(mesh, in.flat, inSpecs)
	if err != nil {
		return nil, err
	}
	results := make([][]*tensors.Tensor, mesh.NumDevices())
	var eg errgroup.Group
	for device := range mesh.NumDevices() {
		eg.Go(func() error {
			inputs := make([]any, len(shards[device]))
			for ii, shard := range shards[device] {
				inputs[ii] = shard
			}
			err := exceptions.TryCatch[error](func() { results[device] = traced.graph.Run(inputs...) })
			if err != nil {
				return errors.WithMessagef(err, "nnx.ShardMap(%q) while executing position %v", s.config.name,
					mesh.Coordinates(device))
			}
			if hasDummy {
				results[device] = nil
			}
			return nil
		})
	}
	if err = eg.Wait(); err != nil {
		return nil, err
	}
	klog.V(1).Infof("nnx.ShardMap(%q): executed %d positions of %s", s.config.name, mesh.NumDevices(), mesh)

	values, err := s.assemble(mesh, traced.outFlat, outSpecs, results)
	if err != nil {
		return nil, err
	}
	outExtracted, err := traced.outFlat.Rebuild(values)
	if err != nil {
		return nil, err
	}
	outTree, err := extract.FromTree(ctx, outExtracted, nil, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) while updating graph nodes", s.config.name)
	}
	return extract.FromSkeleton(traced.outSkeleton, outTree.Index(1))
}

// splitInputs returns the inputs of each position (indexed by device). Sharded arrays are split on the host
// with distributed.ShardTensor, and replicated arrays are shared by all positions.
func (s *ShardMapped) splitInputs(mesh *sharding.Mesh, flat *extract.Flat, specs []sharding.Spec) (
	[][]*tensors.Tensor, error) {
	shards := make([][]*tensors.Tensor, mesh.NumDevices())
	for device := range shards {
		shards[device] = make([]*tensors.Tensor, len(flat.Arrays))
	}
	for ii, fa := range flat.Arrays {
		tensor, ok := fa.Value.(*tensors.Tensor)
		if !ok {
			return nil, errors.Errorf("nnx.ShardMap(%q): input %s is a %T, expected a *tensors.Tensor",
				s.config.name, fa, fa.Value)
		}
		if specs[ii].IsReplicated() {
			for device := range shards {
				shards[device][ii] = tensor
			}
			continue
		}
		spec, err := specs[ii].ShardingSpec(mesh, tensor.Shape().Rank())
		if err != nil {
			return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) in_specs of %s", s.config.name, fa)
		}
		distributedTensor, err := distributed.ShardTensor(spec, tensor)
		if err != nil {
			return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) while splitting input %s", s.config.name, fa)
		}
		for device, shard := range distributedTensor.Shards() {
			shards[device][ii] = shard
		}
	}
	return shards, nil
}

// assemble the results of every position into the global outputs with distributed.Tensor.Merge: sharded axes
// are concatenated, and the other mesh axes take the result of their first position (after checking the
// replicas are equal, if configured).
func (s *ShardMapped) assemble(mesh *sharding.Mesh, flat *extract.Flat, specs []sharding.Spec,
	results [][]*tensors.Tensor) ([]any, error) {
	values := make([]any, len(flat.Arrays))
	for ii, fa := range flat.Arrays {
		if s.config.checkRep {
			if err := checkReplicas(mesh, specs[ii], ii, results); err != nil {
				return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) check_rep of output %s", s.config.name, fa)
			}
		}
		if specs[ii].IsReplicated() {
			values[ii] = results[0][ii]
			continue
		}
		shards := make([]*tensors.Tensor, len(results))
		for device := range results {
			shards[device] = results[device][ii]
		}
		spec, err := specs[ii].ShardingSpec(mesh, shards[0].Shape().Rank())
		if err != nil {
			return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) out_specs of %s", s.config.name, fa)
		}
		distributedTensor, err := distributed.NewTensor(spec, shards)
		if err == nil {
			values[ii], err = distributedTensor.Merge()
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "nnx.ShardMap(%q) while assembling output %s", s.config.name, fa)
		}
	}
	return values, nil
}

// checkReplicas verifies that the output ii is the same on all positions that differ only on mesh axes it
// is not sharded on.
func checkReplicas(mesh *sharding.Mesh, spec sharding.Spec, ii int, results [][]*tensors.Tensor) error {
	shardedAxes := spec.MeshAxes()
	var replicatedAxes []string
	for _, axis := range mesh.AxesNames() {
		if !slices.Contains(shardedAxes, axis) {
			replicatedAxes = append(replicatedAxes, axis)
		}
	}
	groups, err := mesh.ComputeReplicaGroups(replicatedAxes)
	if err != nil {
		return err
	}
	for _, group := range groups {
		first := results[group[0]][ii]
		for _, device := range group[1:] {
			if !first.Equal(results[device][ii]) {
				return errors.Errorf("value at position %v differs from the one at %v, but it is replicated over "+
					"mesh axes %q: set OutSpecs to shard it, or disable CheckRep",
					mesh.Coordinates(device), mesh.Coordinates(group[0]), replicatedAxes)
			}
		}
	}
	return nil
}
