// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms_test

import (
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/transforms"
	"github.com/gomlx/nnx/pkg/sharding"
)

func TestShardMap(t *testing.T) {
	mesh, err := sharding.NewMesh([]int{2}, []string{"data"})
	require.NoError(t, err)

	t.Run("ElementWise", func(t *testing.T) {
		double := transforms.ShardMap(backend, mesh).
			InSpecs(sharding.P("data")).
			OutSpecs(sharding.P("data")).
			Done(func(g *graph.Graph, args ...any) any {
				x := args[0].(*graph.Node)
				assert.Equal(t, []int{2}, x.Shape().Dimensions, "traced on the shape of one shard")
				return graph.MulScalar(x, 2)
			})
		y, err := double.Call(tensors.FromValue([]float32{1, 2, 3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 4, 6, 8}, valueOf(t, y))
	})

	t.Run("PerShardSum", func(t *testing.T) {
		sumShards := transforms.ShardMap(backend, mesh).
			InSpecs(sharding.P("data")).
			OutSpecs(sharding.P("data")).
			Done(func(g *graph.Graph, args ...any) any {
				return graph.ReduceSum(args[0].(*graph.Node), 1)
			})
		y, err := sumShards.Call(tensors.FromValue([][]float32{{1, 2}, {3, 4}, {5, 6}, {7, 8}}))
		require.NoError(t, err)
		assert.Equal(t, []float32{3, 7, 11, 15}, valueOf(t, y))
	})

	t.Run("CheckRep", func(t *testing.T) {
		fn := func(g *graph.Graph, args ...any) any {
			return graph.ReduceAllSum(args[0].(*graph.Node))
		}
		x := tensors.FromValue([]float32{1, 2, 3, 4})
		_, err := transforms.ShardMap(backend, mesh).InSpecs(sharding.P("data")).Done(fn).Call(x)
		require.ErrorContains(t, err, "check_rep")

		y, err := transforms.ShardMap(backend, mesh).InSpecs(sharding.P("data")).CheckRep(false).Done(fn).Call(x)
		require.NoError(t, err)
		assert.Equal(t, float32(3), valueOf(t, y), "replicated outputs are taken from the first position")
	})

	t.Run("GraphNodeArgs", func(t *testing.T) {
		model := newScaler()
		weight := model.Weight
		apply := transforms.ShardMap(backend, mesh).
			InSpecs(nil, sharding.P("data")).
			OutSpecs(sharding.P("data")).
			Done(func(g *graph.Graph, args ...any) any {
				return args[0].(*scaler).apply(args[1].(*graph.Node))
			})
		y, err := apply.Call(model, tensors.FromValue([]float32{1, 2, 3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 4, 3, 8}, valueOf(t, y))
		assert.Same(t, weight, model.Weight)
		assert.Equal(t, int32(1), valueOf(t, model.Count.Value()), "each position counted once")
	})

	t.Run("ShardedState", func(t *testing.T) {
		model := newScaler()
		update := transforms.ShardMap(backend, mesh).
			InSpecs(transforms.NewStateSharding(
				transforms.ShardingPair{Filter: nnx.Params, Spec: sharding.P("data")},
				transforms.ShardingPair{Filter: nnx.Everything, Spec: sharding.Replicated})).
			Done(func(g *graph.Graph, args ...any) any {
				s := args[0].(*scaler)
				w := s.Weight.Node()
				assert.Equal(t, []int{1}, w.Shape().Dimensions)
				s.Weight.SetValue(graph.MulScalar(w, 10))
				return nil
			})
		_, err := update.Call(model)
		require.NoError(t, err)
		assert.Equal(t, []float32{10, 20}, valueOf(t, model.Weight.Value()), "state assembled from all shards")
	})

	t.Run("Auto", func(t *testing.T) {
		mesh2D, err := sharding.NewMesh([]int{2, 2}, []string{"data", "model"})
		require.NoError(t, err)
		double := func(g *graph.Graph, args ...any) any { return graph.MulScalar(args[0].(*graph.Node), 2) }
		y, err := transforms.ShardMap(backend, mesh2D).Auto("model").
			InSpecs(sharding.P("data")).OutSpecs(sharding.P("data")).
			Done(double).Call(tensors.FromValue([]float32{1, 2}))
		require.NoError(t, err)
		assert.Equal(t, []float32{2, 4}, valueOf(t, y))

		_, err = transforms.ShardMap(backend, mesh2D).Auto("model").
			InSpecs(sharding.P("model")).Done(double).Call(tensors.FromValue([]float32{1, 2}))
		require.ErrorContains(t, err, "auto")
	})

	t.Run("TwoMeshAxes", func(t *testing.T) {
		mesh2D, err := sharding.NewMesh([]int{2, 2}, []string{"data", "model"})
		require.NoError(t, err)
		double := func(g *graph.Graph, args ...any) any {
			x := args[0].(*graph.Node)
			return graph.MulScalar(x, 2)
		}
		x := tensors.FromValue([][]float32{{1, 2, 3, 4}, {5, 6, 7, 8}})
		y, err := transforms.ShardMap(backend, mesh2D).
			InSpecs(sharding.P("data", "model")).OutSpecs(sharding.P("data", "model")).
			Done(double).Call(x)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{2, 4, 6, 8}, {10, 12, 14, 16}}, valueOf(t, y))

		// Replicated over "model": the positions along it see the same shard, and the result is merged once.
		y, err = transforms.ShardMap(backend, mesh2D).
			InSpecs(sharding.P("data")).OutSpecs(sharding.P("data")).
			Done(double).Call(x)
		require.NoError(t, err)
		assert.Equal(t, [][]float32{{2, 4, 6, 8}, {10, 12, 14, 16}}, valueOf(t, y))

		// Sharded on the second axis only.
		y, err = transforms.ShardMap(backend, mesh2D).
			InSpecs(sharding.P("", "model")).OutSpecs(sharding.P("model")).
			Done(func(g *graph.Graph, args ...any) any {
				return graph.ReduceSum(args[0].(*graph.Node), 0)
			}).Call(x)
		require.NoError(t, err)
		assert.Equal(t, []float32{6, 8, 10, 12}, valueOf(t, y))
	})

	t.Run("Errors", func(t *testing.T) {
		identity := func(g *graph.Graph, args ...any) any { return args[0] }
		_, err := transforms.ShardMap(backend, mesh).InSpecs(sharding.P("data")).Done(identity).
			Call(tensors.FromValue([]float32{1, 2, 3}))
		require.ErrorContains(t, err, "not divisible")

		_, err = transforms.ShardMap(backend, mesh).InSpecs(sharding.P("other")).Done(identity).
			Call(tensors.FromValue([]float32{1, 2}))
		require.Error(t, err)

		_, err = transforms.ShardMap(backend, nil).Done(identity).Call(tensors.FromValue([]float32{1, 2}))
		require.Error(t, err)

		nested := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
			y, err := transforms.ShardMap(backend, mesh).Done(identity).Call(args...)
			if err != nil {
				panic(err)
			}
			return y
		})
		_, err = nested.Call(tensors.FromValue([]float32{1, 2}))
		require.Error(t, err)
		assert.True(t, errors.Is(err, transforms.ErrNotImplemented))
	})
}
