// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms_test

import (
	"slices"
	"sync/atomic"
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/transforms"
	"github.com/gomlx/nnx/pkg/sharding"
)

var backend backends.Backend

func init() {
	backend = graphtest.BuildTestBackend()
}

type scaler struct {
	nnx.Object
	Weight *nnx.Variable
	Count  *nnx.Variable
	Label  string
}

func newScaler() *scaler {
	return &scaler{
		Weight: nnx.Param([]float32{1, 2}),
		Count:  nnx.BatchStat(int32(0)),
		Label:  "scaler",
	}
}

// apply multiplies x by the weight and increments the call count.
func (s *scaler) apply(x *graph.Node) *graph.Node {
	count := s.Count.Node()
	s.Count.SetValue(graph.Add(count, graph.OnesLike(count)))
	return graph.Mul(x, s.Weight.Node())
}

func valueOf(t *testing.T, value any) any {
	tensor, ok := value.(*tensors.Tensor)
	require.Truef(t, ok, "expected *tensors.Tensor, got %T", value)
	return tensor.Value()
}

func specStrings(specs []sharding.Spec) []string {
	strs := make([]string, len(specs))
	for ii, spec := range specs {
		strs[ii] = spec.String()
	}
	return strs
}

func TestJitCall(t *testing.T) {
	model := newScaler()
	weight := model.Weight
	step := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		s := args[0].(*scaler)
		s.Label = "called"
		return s.apply(args[1].(*graph.Node))
	})

	for range 3 {
		y, err := step.Call(model, tensors.FromValue([]float32{3, 4}))
		require.NoError(t, err)
		assert.Equal(t, []float32{3, 8}, valueOf(t, y))
	}
	// The first call changes Label from "scaler" to "called": a static field is part of the signature, so the
	// second call is traced again, and the third one reuses it.
	assert.Equal(t, 2, step.CacheSize())
	assert.Same(t, weight, model.Weight, "variables keep their identity")
	assert.Equal(t, int32(3), valueOf(t, model.Count.Value()))
	assert.Equal(t, "called", model.Label, "static fields are updated")

	// A different shape is a new signature.
	other := &scaler{Weight: nnx.Param([]float32{1, 1, 1}), Count: nnx.BatchStat(int32(0))}
	y, err := step.Call(other, tensors.FromValue([]float32{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, valueOf(t, y))
	assert.Equal(t, 3, step.CacheSize())
	assert.Equal(t, int32(1), valueOf(t, other.Count.Value()))
	assert.Equal(t, int32(3), valueOf(t, model.Count.Value()))
}

func TestJitStaticFieldsUnchanged(t *testing.T) {
	model := newScaler()
	step := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		return args[0].(*scaler).apply(args[1].(*graph.Node))
	})
	for range 3 {
		_, err := step.Call(model, tensors.FromValue([]float32{3, 4}))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, step.CacheSize(), "traced once while static fields are unchanged")
	model.Label = "renamed"
	_, err := step.Call(model, tensors.FromValue([]float32{3, 4}))
	require.NoError(t, err)
	assert.Equal(t, 2, step.CacheSize(), "a changed static field forces a new trace")
}

func TestJitConcurrentCalls(t *testing.T) {
	var numTraces atomic.Int32
	step := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		numTraces.Add(1)
		return args[0].(*scaler).apply(args[1].(*graph.Node))
	})
	const numCalls = 8
	var eg errgroup.Group
	for range numCalls {
		eg.Go(func() error {
			model := newScaler()
			y, err := step.Call(model, tensors.FromValue([]float32{3, 4}))
			if err != nil {
				return err
			}
			if got := y.(*tensors.Tensor).Value().([]float32); !slices.Equal(got, []float32{3, 8}) {
				return errors.Errorf("got %v, wanted [3 8]", got)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	assert.Equal(t, int32(1), numTraces.Load(), "concurrent calls with the same signature are traced once")
	assert.Equal(t, 1, step.CacheSize())
}

func TestJitGraphNodeResults(t *testing.T) {
	model := newScaler()
	identity := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		s := args[0].(*scaler)
		created := &scaler{Weight: nnx.Param(graph.Neg(s.Weight.Node())), Count: s.Count, Label: "created"}
		return []any{s, created}
	})
	result, err := identity.Call(model)
	require.NoError(t, err)
	results := result.([]any)
	require.Len(t, results, 2)
	assert.Same(t, model, results[0], "graph nodes passed in are returned as the same object")
	created := results[1].(*scaler)
	assert.NotSame(t, model, created)
	assert.Same(t, model.Count, created.Count, "sharing with arguments is preserved")
	assert.Equal(t, []float32{-1, -2}, valueOf(t, created.Weight.Value()))
	assert.Equal(t, "created", created.Label)
}

func TestJitStaticAndDonatedArgs(t *testing.T) {
	model := newScaler()
	step := transforms.Jit(backend).StaticArgs(1).DonateArgs(0).Done(func(g *graph.Graph, args ...any) any {
		s := args[0].(*scaler)
		factor := args[1].(float64)
		s.Weight.SetValue(graph.MulScalar(s.Weight.Node(), factor))
		return nil
	})
	result, err := step.Call(model, 2.0)
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, []float32{2, 4}, valueOf(t, model.Weight.Value()))

	_, err = step.Call(model, 2.0)
	require.NoError(t, err)
	assert.Equal(t, 1, step.CacheSize())
	_, err = step.Call(model, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 2, step.CacheSize(), "each static value is a new signature")
	assert.Equal(t, []float32{2, 4}, valueOf(t, model.Weight.Value()))

	_, err = transforms.Jit(backend).StaticArgs(3).Done(func(*graph.Graph, ...any) any { return nil }).Call(model)
	require.Error(t, err)
}

func TestJitNoOutputs(t *testing.T) {
	fn := transforms.Jit(backend).Done(func(*graph.Graph, ...any) any { return nil })
	result, err := fn.Call()
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestJitNested(t *testing.T) {
	inner := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		return args[0].(*scaler).apply(args[1].(*graph.Node))
	})
	outer := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
		y, err := inner.Call(args...)
		if err != nil {
			panic(err)
		}
		return y
	})
	model := newScaler()
	y, err := outer.Call(model, tensors.FromValue([]float32{1, 1}))
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, valueOf(t, y))
	assert.Equal(t, 0, inner.CacheSize(), "called inline while tracing")
	assert.Equal(t, int32(1), valueOf(t, model.Count.Value()))
}

func TestJitStages(t *testing.T) {
	fn := transforms.Jit(backend).Name("stages").Done(func(g *graph.Graph, args ...any) any {
		return args[0].(*scaler).apply(args[1].(*graph.Node))
	})
	model := newScaler()
	x := tensors.FromValue([]float32{5, 6})

	traced, err := fn.Trace(model, x)
	require.NoError(t, err)
	// Weight, Count (the updated argument) and the result.
	assert.Len(t, traced.OutInfo(), 3)
	assert.NotEmpty(t, traced.AsText())
	assert.Equal(t, int32(0), valueOf(t, model.Count.Value()), "tracing doesn't change the arguments")

	lowered, err := traced.Lower()
	require.NoError(t, err)
	assert.Contains(t, lowered.AsText(), "in_shardings")
	_, ok := lowered.CostAnalysis()
	assert.False(t, ok)
	_, ok = lowered.MemoryAnalysis()
	assert.False(t, ok)
	_, err = lowered.FromFlatInfo()
	require.Error(t, err)
	assert.True(t, errors.Is(err, transforms.ErrNotImplemented))

	compiled, err := lowered.Compile()
	require.NoError(t, err)
	_, ok = compiled.RuntimeExecutable()
	assert.False(t, ok)
	assert.Len(t, compiled.InputShardings(), 3)
	for _, spec := range compiled.InputShardings() {
		assert.True(t, spec.IsReplicated())
	}
	y, err := compiled.Call(model, x)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 12}, valueOf(t, y))
	assert.Equal(t, int32(1), valueOf(t, model.Count.Value()))

	_, err = compiled.Call(model, tensors.FromValue([]float32{1, 2, 3}))
	require.Error(t, err, "different signature")
	assert.Equal(t, 0, fn.CacheSize(), "stages don't populate the cache")
}

func TestJitShardings(t *testing.T) {
	mesh, err := sharding.NewMesh([]int{2}, []string{"data"})
	require.NoError(t, err)
	fn := func(g *graph.Graph, args ...any) any {
		return args[0].(*scaler).apply(args[1].(*graph.Node))
	}
	x := tensors.FromValue([]float32{5, 6})

	t.Run("StateSharding", func(t *testing.T) {
		stateSharding := transforms.NewStateSharding(
			transforms.ShardingPair{Filter: nnx.Params, Spec: sharding.P("data")},
			transforms.ShardingPair{Filter: nnx.Everything, Spec: sharding.Replicated},
		)
		lowered, err := transforms.Jit(backend).Mesh(mesh).
			InShardings(stateSharding, sharding.P("data")).
			Done(fn).Lower(newScaler(), x)
		require.NoError(t, err)
		compiled, err := lowered.Compile()
		require.NoError(t, err)
		// Flattened order: Count, Weight, x.
		replicated, data := sharding.Replicated.String(), sharding.P("data").String()
		assert.Equal(t, []string{replicated, data, data}, specStrings(compiled.InputShardings()))
		// The updated arguments keep their shardings, the result is replicated.
		assert.Equal(t, []string{replicated, data, replicated}, specStrings(compiled.OutputShardings()))
	})

	t.Run("VariableMetadata", func(t *testing.T) {
		model := newScaler()
		model.Weight.SetMetadata(nnx.MetadataSharding, sharding.P("data"))
		lowered, err := transforms.Jit(backend).Mesh(mesh).Done(fn).Lower(model, x)
		require.NoError(t, err)
		compiled, err := lowered.Compile()
		require.NoError(t, err)
		assert.True(t, compiled.InputShardings()[1].Equal(sharding.P("data")), "Weight sharded by its metadata")
		assert.True(t, compiled.InputShardings()[0].IsReplicated())

		// Without a mesh the metadata is only a hint.
		lowered, err = transforms.Jit(backend).Done(fn).Lower(model, x)
		require.NoError(t, err)
		compiled, err = lowered.Compile()
		require.NoError(t, err)
		assert.True(t, compiled.InputShardings()[1].IsReplicated())
	})

	t.Run("Errors", func(t *testing.T) {
		onlyParams := transforms.NewStateSharding(
			transforms.ShardingPair{Filter: nnx.Params, Spec: sharding.P("data")})
		_, err := transforms.Jit(backend).Mesh(mesh).InShardings(onlyParams, nil).Done(fn).Lower(newScaler(), x)
		require.Error(t, err)
		assert.True(t, errors.Is(err, nnx.ErrLookup))

		// Lookup errors are reported when tracing, before lowering.
		_, err = transforms.Jit(backend).Mesh(mesh).InShardings(onlyParams, nil).Done(fn).Trace(newScaler(), x)
		require.Error(t, err)
		assert.True(t, errors.Is(err, nnx.ErrLookup))
		_, err = transforms.Jit(backend).InShardings(onlyParams, nil).Done(fn).Call(newScaler(), x)
		require.ErrorContains(t, err, "in_shardings")
		assert.True(t, errors.Is(err, nnx.ErrLookup))

		_, err = transforms.Jit(backend).InShardings(nil, sharding.P("data")).Done(fn).Lower(newScaler(), x)
		require.ErrorContains(t, err, "no mesh")

		passThrough := func(g *graph.Graph, args ...any) any { return args[1] }
		_, err = transforms.Jit(backend).Mesh(mesh).InShardings(nil, sharding.P("data")).
			Done(passThrough).Lower(newScaler(), tensors.FromValue([]float32{1, 2, 3}))
		require.ErrorContains(t, err, "not divisible")

		_, err = transforms.Jit(backend).InShardings(nil).Done(fn).Call(newScaler(), x)
		require.Error(t, err, "one in_sharding per argument")
	})
}
