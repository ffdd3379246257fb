// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package optimizer

import (
	"testing"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnx/internal/testmodels"
	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/transforms"
	"github.com/gomlx/nnx/pkg/optax"
	"github.com/gomlx/nnx/pkg/sharding"
	"github.com/gomlx/nnx/pkg/tree"
)

var backend backends.Backend

func init() {
	backend = graphtest.BuildTestBackend()
}

// linearGrads returns gradients for a testmodels.Linear(2, 3) with every element set to value.
func linearGrads(value float32) *tree.Tree {
	kernel := [][]float32{{value, value, value}, {value, value, value}}
	return tree.FromAny(map[string]any{
		"Bias":   tensors.FromValue([]float32{value, value, value}),
		"Kernel": tensors.FromValue(kernel),
	})
}

// linearGradsModel returns a testmodels.Linear(2, 3) with every parameter element set to value: its
// nnx.StateOf(.., nnx.Params) can be used as gradients with Variable leaves.
func linearGradsModel(value float32) *testmodels.Linear {
	grads := testmodels.NewLinear(2, 3)
	grads.Kernel.SetValue(tensors.FromValue([][]float32{{value, value, value}, {value, value, value}}))
	grads.Bias.SetValue(tensors.FromValue([]float32{value, value, value}))
	return grads
}

func stepValue(t *testing.T, step *nnx.Variable) uint32 {
	require.False(t, step.IsTraced())
	return step.Tensor().Value().(uint32)
}

func TestToOptState(t *testing.T) {
	param := nnx.Param([]float32{1, 2}).SetMetadata(nnx.MetadataSharding, sharding.Spec{"model"})
	state := tree.FromAny(map[string]any{
		"count": tensors.FromValue(int32(3)),
		"moments": []any{
			param,
			tensors.FromValue([]float32{0, 0}),
		},
	})
	optState, err := ToOptState(state)
	require.NoError(t, err)
	require.NoError(t, tree.SameStructure(state, optState))

	count := optState.Child("count").Value().(*nnx.Variable)
	assert.Equal(t, OptArrayKind, count.Kind())
	assert.Equal(t, int32(3), count.Tensor().Value())
	assert.True(t, count.Kind().IsA(OptStateKind))

	mirrored := optState.Child("moments").Index(0).Value().(*nnx.Variable)
	assert.Equal(t, OptVariableKind, mirrored.Kind())
	assert.NotSame(t, param, mirrored)
	assert.Equal(t, param.Value(), mirrored.Value())
	spec, found := mirrored.GetMetadata(nnx.MetadataSharding)
	require.True(t, found)
	assert.Equal(t, sharding.Spec{"model"}, spec)

	bare := optState.Child("moments").Index(1).Value().(*nnx.Variable)
	assert.Equal(t, OptArrayKind, bare.Kind())
	assert.Empty(t, bare.Metadata())

	_, err = ToOptState(tree.FromAny(map[string]any{"bad": struct{ A int }{1}}))
	require.ErrorIs(t, err, nnx.ErrTypeMismatch)
}

func TestOptimizer(t *testing.T) {
	t.Run("ZeroGrads", func(t *testing.T) {
		model := testmodels.NewLinear(2, 3)
		kernelBefore := model.Kernel.Tensor().Value()
		opt, err := New(backend, model, optax.Adam().LearningRate(0.1).Done())
		require.NoError(t, err)
		assert.Equal(t, uint32(0), stepValue(t, opt.Step))
		assert.Equal(t, nnx.Params.String(), opt.Wrt().String())

		kernelVar := model.Kernel
		require.NoError(t, opt.Update(linearGrads(0), nil))
		assert.Equal(t, uint32(1), stepValue(t, opt.Step))
		assert.Same(t, kernelVar, model.Kernel, "variables are updated in place")
		assert.Same(t, model, opt.Model)
		assert.Equal(t, kernelBefore, model.Kernel.Tensor().Value())
		assert.Equal(t, []float32{0, 0, 0}, model.Bias.Tensor().Value())
	})

	t.Run("Steps", func(t *testing.T) {
		model := testmodels.NewLinear(2, 3)
		opt, err := New(backend, model, optax.SGD(0.1))
		require.NoError(t, err)
		const numSteps = 5
		for range numSteps {
			require.NoError(t, opt.Update(linearGrads(1), map[string]any{optax.ExtraLearningRate: 0.1}))
		}
		assert.Equal(t, uint32(numSteps), stepValue(t, opt.Step))
		assert.InDeltaSlice(t, []float32{-0.5, -0.5, -0.5}, model.Bias.Tensor().Value(), 1e-5)
		assert.Equal(t, 1, opt.jitUpdate.CacheSize(), "the update is compiled once")
	})

	t.Run("Wrt", func(t *testing.T) {
		model := testmodels.NewMLP("relu", 2, 3)
		opt, err := New(backend, model, optax.SGD(1), nnx.PathContains("Bias"))
		require.NoError(t, err)
		grads := tree.FromAny(map[string]any{
			"Layers": map[string]any{"0": map[string]any{"Bias": tensors.FromValue([]float32{1, 2, 3})}},
		})
		kernelBefore := model.Layers[0].Kernel.Tensor().Value()
		require.NoError(t, opt.Update(grads, nil))
		assert.Equal(t, []float32{-1, -2, -3}, model.Layers[0].Bias.Tensor().Value())
		assert.Equal(t, kernelBefore, model.Layers[0].Kernel.Tensor().Value())
		assert.Equal(t, int32(0), model.Calls.Tensor().Value())
	})

	t.Run("VariableGrads", func(t *testing.T) {
		model := testmodels.NewLinear(2, 3)
		opt, err := New(backend, model, optax.SGD(0.1))
		require.NoError(t, err)
		source := linearGradsModel(1)
		grads, err := nnx.StateOf(source, nnx.Params)
		require.NoError(t, err)
		require.NoError(t, opt.Update(grads, nil))
		assert.InDeltaSlice(t, []float32{-0.1, -0.1, -0.1}, model.Bias.Tensor().Value(), 1e-6)
		assert.Equal(t, []float32{1, 1, 1}, source.Bias.Tensor().Value(), "gradient variables are not changed")
		assert.Equal(t, uint32(1), stepValue(t, opt.Step))
	})

	t.Run("VariableExtra", func(t *testing.T) {
		model := testmodels.NewLinear(2, 3)
		opt, err := New(backend, model, optax.SGD(0.1))
		require.NoError(t, err)
		lr := nnx.NewVariable(nnx.VariableKind, float32(0.5), nil)
		require.NoError(t, opt.Update(linearGrads(1), map[string]any{optax.ExtraLearningRate: lr}))
		assert.InDeltaSlice(t, []float32{-0.5, -0.5, -0.5}, model.Bias.Tensor().Value(), 1e-6)
		assert.Equal(t, float32(0.5), lr.Tensor().Value())
	})

	t.Run("Errors", func(t *testing.T) {
		_, err := New(backend, []float32{1}, optax.SGD(0.1))
		require.ErrorIs(t, err, nnx.ErrTypeMismatch)

		model := testmodels.NewLinear(2, 3)
		opt, err := New(backend, model, optax.SGD(0.1))
		require.NoError(t, err)
		badGrads := tree.FromAny(map[string]any{"Kernel": tensors.FromValue([][]float32{{1, 1, 1}, {1, 1, 1}})})
		require.Error(t, opt.Update(badGrads, nil))
		assert.Equal(t, uint32(0), stepValue(t, opt.Step), "step is not incremented on failure")
	})
}

// trainStep returns a compiled training step of a model (with an Apply(x) method) with mean squared error.
func trainStep[M interface{ Apply(*graph.Node) *graph.Node }]() *transforms.JitWrapped {
	return transforms.Jit(backend).Name("train_step").Done(func(_ *graph.Graph, args ...any) any {
		model, opt := args[0].(M), args[1].(*Optimizer)
		x, y := args[2].(*graph.Node), args[3].(*graph.Node)
		loss, grads, err := nnx.ValueAndGrad(model, opt.Wrt(), func() *graph.Node {
			return testmodels.MeanSquaredError(model.Apply(x), y)
		})
		if err != nil {
			panic(err)
		}
		if err = opt.Update(grads, nil); err != nil {
			panic(err)
		}
		return loss
	})
}

func TestOptimizerEndToEnd(t *testing.T) {
	model := testmodels.NewLinear(2, 3)
	opt, err := New(backend, model, optax.Adam().LearningRate(1e-3).Done())
	require.NoError(t, err)
	adamState := opt.OptState.Index(0)
	muKernel := tree.Get(adamState.Child("mu"), tree.Path{"Kernel"}).Value().(*nnx.Variable)
	nuBias := tree.Get(adamState.Child("nu"), tree.Path{"Bias"}).Value().(*nnx.Variable)
	assert.Equal(t, OptVariableKind, muKernel.Kind())

	x, y := testmodels.LinearData(8, 2, 3)
	step := trainStep[*testmodels.Linear]()
	result, err := step.Call(model, opt, x, y)
	require.NoError(t, err)
	firstLoss := result.(*tensors.Tensor).Value().(float32)

	assert.Equal(t, uint32(1), stepValue(t, opt.Step))
	assert.Same(t, muKernel, tree.Get(opt.OptState.Index(0).Child("mu"), tree.Path{"Kernel"}).Value())
	assert.Equal(t, model.Kernel.Shape(), muKernel.Shape())
	assert.Equal(t, model.Bias.Shape(), nuBias.Shape())
	var muSum, nuSum float32
	for _, row := range muKernel.Tensor().Value().([][]float32) {
		for _, element := range row {
			muSum += max(element, -element)
		}
	}
	for _, element := range nuBias.Tensor().Value().([]float32) {
		assert.GreaterOrEqual(t, element, float32(0))
		nuSum += element
	}
	assert.Greater(t, muSum, float32(0), "first moment is updated")
	assert.Greater(t, nuSum, float32(0), "second moment is updated")

	for range 20 {
		result, err = step.Call(model, opt, x, y)
		require.NoError(t, err)
	}
	assert.Equal(t, uint32(21), stepValue(t, opt.Step))
	assert.Less(t, result.(*tensors.Tensor).Value().(float32), firstLoss)
	assert.Equal(t, 1, step.CacheSize())
}

func TestPytreeOptimizer(t *testing.T) {
	tx := func() optax.GradientTransformation { return optax.AdamW().LearningRate(0.01).Done() }
	model := testmodels.NewLinear(2, 3)
	opt, err := New(backend, model, tx())
	require.NoError(t, err)

	other := testmodels.NewLinear(2, 3)
	params, err := nnx.StateOf(other, nnx.Params)
	require.NoError(t, err)
	pytreeOpt, err := NewPytree(backend, params, tx())
	require.NoError(t, err)
	assert.Equal(t, OptArrayKind, pytreeOpt.Step.Kind())

	for _, value := range []float32{0.5, -1} {
		require.NoError(t, opt.Update(linearGrads(value), nil))
		require.NoError(t, pytreeOpt.Update(params, linearGrads(value), nil))
	}
	assert.Equal(t, uint32(2), stepValue(t, pytreeOpt.Step))
	assert.Equal(t, model.Kernel.Tensor().Value(), other.Kernel.Tensor().Value())
	assert.Equal(t, model.Bias.Tensor().Value(), other.Bias.Tensor().Value())

	want, got := tree.Leaves(opt.OptState), tree.Leaves(pytreeOpt.OptState)
	require.Len(t, got, len(want))
	for ii := range want {
		assert.Equal(t, want[ii].(*nnx.Variable).Tensor().Value(), got[ii].(*nnx.Variable).Tensor().Value())
	}

	// Gradients with Variable leaves and a Variable learning rate.
	kernelBefore := other.Kernel.Tensor().Value().([][]float32)
	gradVars, err := nnx.StateOf(linearGradsModel(1), nnx.Params)
	require.NoError(t, err)
	sgdParams, err := nnx.StateOf(other, nnx.Params)
	require.NoError(t, err)
	sgdOpt, err := NewPytree(backend, sgdParams, optax.SGD(1))
	require.NoError(t, err)
	lr := nnx.NewVariable(nnx.VariableKind, float32(0.25), nil)
	require.NoError(t, sgdOpt.Update(sgdParams, gradVars, map[string]any{optax.ExtraLearningRate: lr}))
	kernelAfter := other.Kernel.Tensor().Value().([][]float32)
	for ii := range kernelBefore {
		assert.InDeltaSlice(t, addToAll(kernelBefore[ii], -0.25), kernelAfter[ii], 1e-6)
	}

	_, err = NewPytree(backend, params, nil)
	require.Error(t, err)
	require.Error(t, pytreeOpt.Update(tree.FromAny(map[string]any{"w": tensors.FromValue(1.0)}), linearGrads(1), nil))
}

func addToAll(values []float32, delta float32) []float32 {
	result := make([]float32, len(values))
	for ii, value := range values {
		result[ii] = value + delta
	}
	return result
}
