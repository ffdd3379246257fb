// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/internal/testmodels"
	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/checkpoint"
	"github.com/gomlx/nnx/pkg/nnx/optimizer"
	"github.com/gomlx/nnx/pkg/nnx/transforms"
	"github.com/gomlx/nnx/pkg/optax"
	"github.com/gomlx/nnx/pkg/tree"
	"github.com/gomlx/nnx/ui/commandline"
)

const (
	numInputs  = 4
	numOutputs = 2
)

type trainFlags struct {
	optimizer       string
	settings        string
	steps           int
	examples        int
	hidden          []int
	activation      string
	checkpointDir   string
	keep            int
	checkpointEvery int
	compress        bool
}

func newTrainCmd() *cobra.Command {
	var flags trainFlags
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train an MLP on a synthetic linear regression problem",
		Long: "Train an MLP on a synthetic linear regression problem, with one of the optimizers listed by " +
			"\"nnx optimizers\". If --checkpoint is set, training resumes from the last checkpoint in the directory.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrain(backends.MustNew(), &flags)
		},
	}
	cmd.Flags().StringVar(&flags.optimizer, "optimizer", "adam", "Optimizer name, see \"nnx optimizers\".")
	cmd.Flags().StringVar(&flags.settings, "set", "",
		"Optimizer hyperparameters as a \";\" separated list of key=value, e.g. \"learning_rate=0.01;beta1=0.8\". "+
			"An entry \"file:<path>\" reads settings from a file.")
	cmd.Flags().IntVar(&flags.steps, "steps", 500, "Total number of training steps, including the ones restored.")
	cmd.Flags().IntVar(&flags.examples, "examples", 64, "Number of training examples.")
	cmd.Flags().IntSliceVar(&flags.hidden, "hidden", []int{16}, "Sizes of the hidden layers.")
	cmd.Flags().StringVar(&flags.activation, "activation", "tanh", "Activation between layers: none, relu or tanh.")
	cmd.Flags().StringVar(&flags.checkpointDir, "checkpoint", "", "Directory where to save checkpoints.")
	cmd.Flags().IntVar(&flags.keep, "keep", 2, "Number of checkpoints to keep, -1 to keep all.")
	cmd.Flags().IntVar(&flags.checkpointEvery, "checkpoint_every", 100, "Steps between checkpoints.")
	cmd.Flags().BoolVar(&flags.compress, "compress", false, "Compress checkpoints with gzip.")
	return cmd
}

// newTrainStep returns the compiled training step of an MLP: it returns the loss.
func newTrainStep(backend backends.Backend) *transforms.JitWrapped {
	return transforms.Jit(backend).Name("train_step").Done(func(_ *graph.Graph, args ...any) any {
		model, opt := args[0].(*testmodels.MLP), args[1].(*optimizer.Optimizer)
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

func runTrain(backend backends.Backend, flags *trainFlags) error {
	config, keys, err := commandline.ParseSettings(flags.settings)
	if err != nil {
		return err
	}
	tx, err := optax.FromConfig(flags.optimizer, config)
	if err != nil {
		return err
	}
	if len(keys) > 0 {
		klog.Infof("Hyperparameters: %s", commandline.SprintSettings(config))
	}

	sizes := append([]int{numInputs}, flags.hidden...)
	sizes = append(sizes, numOutputs)
	model := testmodels.NewMLP(flags.activation, sizes...)
	opt, err := optimizer.New(backend, model, tx)
	if err != nil {
		return err
	}
	fmt.Printf("Backend: %s\nModel: %s, %s parameters\nOptimizer: %s\n", backend.Name(), model.Describe(),
		humanize.Comma(int64(numParameters(model))), tx)

	var handler *checkpoint.Handler
	nodes := map[string]any{"model": model, "optimizer": opt}
	if flags.checkpointDir != "" {
		if flags.checkpointEvery <= 0 {
			return errors.Errorf("--checkpoint_every must be positive, got %d", flags.checkpointEvery)
		}
		handler, err = checkpoint.Build(flags.checkpointDir).Keep(flags.keep).Compress(flags.compress).Done()
		if err != nil {
			return err
		}
		step, found, err := handler.Restore(nodes)
		if err != nil {
			return errors.WithMessagef(err, "restoring from %s", handler)
		}
		if found {
			fmt.Printf("Restored %s at step %d\n", handler, step)
		}
	}

	x, y := testmodels.LinearData(flags.examples, numInputs, numOutputs)
	trainStep := newTrainStep(backend)
	start := int(opt.Step.Tensor().Value().(uint32))
	if start >= flags.steps {
		fmt.Printf("Model already trained for %d steps\n", start)
		return nil
	}
	pBar := commandline.NewProgressBar(flags.steps - start)
	startTime := time.Now()
	var loss float32
	for step := start; step < flags.steps; step++ {
		result, err := trainStep.Call(model, opt, x, y)
		if err != nil {
			pBar.Done()
			return errors.WithMessagef(err, "training step %d", step)
		}
		loss = result.(*tensors.Tensor).Value().(float32)
		pBar.Update(step-start+1, commandline.Metric{Name: "loss", Value: fmt.Sprintf("%.5g", loss)})
		if handler != nil && (step+1)%flags.checkpointEvery == 0 {
			if err = handler.Save(uint64(step+1), nodes); err != nil {
				pBar.Done()
				return err
			}
		}
	}
	pBar.Done()
	elapsed := time.Since(startTime)
	fmt.Printf("Trained %d steps in %s (median step %s): loss=%.5g\n", flags.steps-start,
		commandline.FormatDuration(elapsed), commandline.FormatDuration(pBar.MedianStepDuration()), loss)
	if handler != nil && flags.steps%flags.checkpointEvery != 0 {
		return handler.Save(uint64(flags.steps), nodes)
	}
	return nil
}

// numParameters returns the total number of elements of the model's Params.
func numParameters(model any) int {
	params, err := nnx.StateOf(model, nnx.Params)
	if err != nil {
		klog.Warningf("failed to list parameters: %v", err)
		return 0
	}
	var total int
	for _, leaf := range tree.Leaves(params) {
		total += leaf.(*nnx.Variable).Shape().Size()
	}
	return total
}
