// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/nnx/internal/testmodels"
	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/optimizer"
	"github.com/gomlx/nnx/pkg/optax"
	"github.com/gomlx/nnx/pkg/sharding"
	"github.com/gomlx/nnx/pkg/tree"
)

func TestSaveRestore(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	dir := filepath.Join(t.TempDir(), "ckpt")

	model := testmodels.NewMLP("tanh", 2, 4, 1)
	model.Layers[0].Kernel.SetMetadata(nnx.MetadataSharding, sharding.P("data", ""))
	opt, err := optimizer.New(backend, model, optax.Adam().Done())
	require.NoError(t, err)
	grads, err := tree.Map(nnx.Pure(must.M1(nnx.StateOf(model, nnx.Params))), func(_ tree.Path, leaf any) (any, error) {
		shape := leaf.(*tensors.Tensor).Shape()
		ones := make([]float32, shape.Size())
		for ii := range ones {
			ones[ii] = 1
		}
		return tensors.FromFlatDataAndDimensions(ones, shape.Dimensions...), nil
	})
	require.NoError(t, err)
	require.NoError(t, opt.Update(grads, nil))

	for _, compress := range []bool{false, true} {
		handler, err := Build(dir).Keep(2).Compress(compress).Done()
		require.NoError(t, err)
		nodes := map[string]any{"model": model, "optimizer": opt}
		require.NoError(t, handler.Save(1, nodes))
		require.NoError(t, handler.Save(2, nodes))
		require.NoError(t, handler.Save(3, nodes))
		list, err := handler.ListCheckpoints()
		require.NoError(t, err)
		require.Len(t, list, 2, "only the last 2 checkpoints are kept")

		restoredModel := testmodels.NewMLP("tanh", 2, 4, 1)
		restoredOpt, err := optimizer.New(backend, restoredModel, optax.Adam().Done())
		require.NoError(t, err)
		loader, err := Load(dir).Done()
		require.NoError(t, err)
		step, found, err := loader.Restore(map[string]any{"model": restoredModel, "optimizer": restoredOpt})
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, uint64(3), step)

		assert.Equal(t, model.Layers[0].Kernel.Tensor().Value(), restoredModel.Layers[0].Kernel.Tensor().Value())
		assert.Equal(t, model.Layers[1].Bias.Tensor().Value(), restoredModel.Layers[1].Bias.Tensor().Value())
		assert.Equal(t, uint32(1), restoredOpt.Step.Tensor().Value())
		want, got := tree.Leaves(opt.OptState), tree.Leaves(restoredOpt.OptState)
		require.Len(t, got, len(want))
		for ii := range want {
			assert.Equal(t, want[ii].(*nnx.Variable).Tensor().Value(), got[ii].(*nnx.Variable).Tensor().Value())
		}

		file, err := ReadFile(list[len(list)-1])
		require.NoError(t, err)
		var kernelRecord *Record
		for ii, record := range file.Nodes["model"] {
			if record.Path == "Layers/0/Kernel" {
				kernelRecord = &file.Nodes["model"][ii]
			}
		}
		require.NotNil(t, kernelRecord)
		assert.Equal(t, "Param", kernelRecord.Kind)
		assert.Equal(t, []int{2, 4}, kernelRecord.Dimensions)
		assert.Contains(t, kernelRecord.Metadata, nnx.MetadataSharding)
		require.NoError(t, os.RemoveAll(dir))
	}
}

func TestErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, "missing")).Done()
	require.ErrorIs(t, err, ErrNoCheckpoint)
	_, err = Load(dir).Done()
	require.ErrorIs(t, err, ErrNoCheckpoint)

	handler, err := Build(dir).Done()
	require.NoError(t, err)
	_, found, err := handler.Restore(map[string]any{"model": testmodels.NewLinear(2, 3)})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, handler.Save(0, map[string]any{"model": testmodels.NewLinear(2, 3)}))
	_, _, err = handler.Restore(map[string]any{"other": testmodels.NewLinear(2, 3)})
	require.ErrorIs(t, err, nnx.ErrLookup)
	_, _, err = handler.Restore(map[string]any{"model": testmodels.NewMLP("relu", 2, 3)})
	require.ErrorIs(t, err, nnx.ErrLookup, "different structure")

	_, err = Encode(0, map[string]any{"model": []float32{1}})
	require.ErrorIs(t, err, nnx.ErrTypeMismatch)
}
