// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package testmodels holds small graph node models used by tests and by the demo command line.
package testmodels

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"

	"github.com/gomlx/nnx/pkg/nnx"
)

// Linear is a dense layer: x·Kernel + Bias.
type Linear struct {
	nnx.Object
	Kernel, Bias *nnx.Variable
}

// NewLinear creates a Linear layer with a deterministic initialization, so tests are reproducible.
func NewLinear(in, out int) *Linear {
	kernel := make([][]float32, in)
	for ii := range kernel {
		kernel[ii] = make([]float32, out)
		for jj := range kernel[ii] {
			kernel[ii][jj] = 0.1 * float32((ii+2*jj)%5-2)
		}
	}
	return &Linear{
		Kernel: nnx.Param(kernel),
		Bias:   nnx.Param(make([]float32, out)),
	}
}

// Apply the layer to x, shaped [batchSize, in].
func (l *Linear) Apply(x *Node) *Node {
	y := MatMul(x, l.Kernel.Node())
	return Add(y, ExpandLeftToRank(l.Bias.Node(), y.Rank()))
}

// MLP is a multi-layer perceptron, with an activation between layers.
type MLP struct {
	nnx.Object
	Layers     []*Linear
	Activation string

	// Calls counts the forward passes: a non-trainable state updated while tracing.
	Calls *nnx.Variable
}

// NewMLP creates an MLP with the given sizes: the first is the input dimension, the last the output's.
func NewMLP(activation string, sizes ...int) *MLP {
	if len(sizes) < 2 {
		exceptions.Panicf("NewMLP requires at least 2 sizes (input and output), got %v", sizes)
	}
	m := &MLP{Activation: activation, Calls: nnx.BatchStat(int32(0))}
	for ii := range len(sizes) - 1 {
		m.Layers = append(m.Layers, NewLinear(sizes[ii], sizes[ii+1]))
	}
	return m
}

// Apply the MLP to x, shaped [batchSize, sizes[0]].
func (m *MLP) Apply(x *Node) *Node {
	for ii, layer := range m.Layers {
		x = layer.Apply(x)
		if ii < len(m.Layers)-1 {
			x = activation(m.Activation, x)
		}
	}
	calls := m.Calls.Node()
	m.Calls.SetValue(Add(calls, OnesLike(calls)))
	return x
}

func activation(name string, x *Node) *Node {
	switch name {
	case "", "none":
		return x
	case "relu":
		return MaxScalar(x, 0.0)
	case "tanh":
		return Tanh(x)
	}
	exceptions.Panicf("unknown activation %q", name)
	return nil
}

// MeanSquaredError between predictions and labels, a scalar.
func MeanSquaredError(predictions, labels *Node) *Node {
	return ReduceAllMean(Square(Sub(predictions, labels)))
}

// LinearData generates numExamples of a noiseless linear problem with in inputs and out outputs.
// It returns the inputs, shaped [numExamples, in], and the labels, shaped [numExamples, out].
func LinearData(numExamples, in, out int) (inputs, labels *tensors.Tensor) {
	x := make([][]float32, numExamples)
	y := make([][]float32, numExamples)
	for ii := range numExamples {
		x[ii] = make([]float32, in)
		for jj := range x[ii] {
			x[ii][jj] = float32((ii*7+jj*3)%11)/5 - 1
		}
		y[ii] = make([]float32, out)
		for kk := range y[ii] {
			y[ii][kk] = 0.5 * float32(kk)
			for jj, value := range x[ii] {
				y[ii][kk] += value * float32(jj-kk+1)
			}
		}
	}
	return tensors.FromValue(x), tensors.FromValue(y)
}

// Describe returns a one line description of the MLP.
func (m *MLP) Describe() string {
	sizes := make([]int, 0, len(m.Layers)+1)
	for ii, layer := range m.Layers {
		dims := layer.Kernel.Shape().Dimensions
		if ii == 0 {
			sizes = append(sizes, dims[0])
		}
		sizes = append(sizes, dims[1])
	}
	return fmt.Sprintf("MLP(sizes=%v, activation=%q)", sizes, m.Activation)
}
