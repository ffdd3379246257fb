// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optax implements composable gradient transformations: the numeric core of optimizers.
//
// A GradientTransformation creates its state from the parameters (Init), and transforms gradients into
// updates (Update), which are then applied to the parameters with ApplyUpdates. Transformations are
// combined with Chain, and the usual optimizers (SGD, Adam, AdamW, ...) are chains of simpler ones.
//
// Parameters, gradients, updates and states are *tree.Tree. Init accepts concrete (*tensors.Tensor) or
// traced (*graph.Node) leaves, and leaves implementing tree.Boxed (e.g. *nnx.Variable) are re-boxed, so the
// state mirroring a parameter carries its metadata. Update is a graph building function: its leaves are
// *graph.Node, and it panics on shape mismatches of the arrays, like any GoMLX graph building function.
package optax

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/tree"
)

// ExtraLearningRate is the key of the optional learning rate override in the extra arguments of Update.
// Its value can be a float64 or a scalar *graph.Node.
const ExtraLearningRate = "learning_rate"

// GradientTransformation transforms gradients into parameter updates, carrying its own state.
type GradientTransformation interface {
	// Init returns the initial state for the given parameters.
	Init(params *tree.Tree) (*tree.Tree, error)

	// Update transforms the gradients into updates, given the current state and the parameters.
	// It returns the updates and the new state. The extra arguments are shared by all transformations of a
	// chain: unknown keys are ignored.
	//
	// This is a graph building function.
	Update(grads, state, params *tree.Tree, extra map[string]any) (updates, newState *tree.Tree, err error)
}

// stateless is a GradientTransformation with no state, defined by its per-leaf update.
type stateless struct {
	name     string
	updateFn func(grads, params *tree.Tree, extra map[string]any) (*tree.Tree, error)
}

func (s *stateless) Init(*tree.Tree) (*tree.Tree, error) { return tree.EmptyMap(), nil }

func (s *stateless) Update(grads, state, params *tree.Tree, extra map[string]any) (*tree.Tree, *tree.Tree, error) {
	updates, err := s.updateFn(grads, params, extra)
	if err != nil {
		return nil, nil, errors.WithMessage(err, s.name)
	}
	return updates, state, nil
}

func (s *stateless) String() string { return s.name }

// ApplyUpdates returns the params plus the updates. Updates are converted to the dtype of the parameter.
//
// This is a graph building function.
func ApplyUpdates(params, updates *tree.Tree) (*tree.Tree, error) {
	return tree.Map2(params, updates, func(path tree.Path, param, update any) (any, error) {
		p, u, err := nodes(path, param, update)
		if err != nil {
			return nil, err
		}
		if u.DType() != p.DType() {
			u = ConvertDType(u, p.DType())
		}
		return Add(p, u), nil
	})
}

// Chain returns a transformation that applies the given ones in order, each one transforming the updates
// of the previous. Its state is the list of the states of each transformation.
func Chain(transformations ...GradientTransformation) GradientTransformation {
	return chain(transformations)
}

type chain []GradientTransformation

func (c chain) String() string {
	parts := make([]string, len(c))
	for ii, tx := range c {
		parts[ii] = fmt.Sprintf("%v", tx)
	}
	return "Chain(" + strings.Join(parts, ", ") + ")"
}

func (c chain) Init(params *tree.Tree) (*tree.Tree, error) {
	states := make([]*tree.Tree, len(c))
	for ii, tx := range c {
		var err error
		states[ii], err = tx.Init(params)
		if err != nil {
			return nil, errors.WithMessagef(err, "chain element #%d", ii)
		}
	}
	return tree.NewList(states...), nil
}

func (c chain) Update(grads, state, params *tree.Tree, extra map[string]any) (*tree.Tree, *tree.Tree, error) {
	if !state.IsList() || state.Len() != len(c) {
		return nil, nil, errors.Wrapf(tree.ErrShapeMismatch, "chain of %d transformations got state %s", len(c), state)
	}
	updates := grads
	newStates := make([]*tree.Tree, len(c))
	for ii, tx := range c {
		var err error
		updates, newStates[ii], err = tx.Update(updates, state.Index(ii), params, extra)
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "chain element #%d", ii)
		}
	}
	return updates, tree.NewList(newStates...), nil
}

// nodes returns the two leaves as *Node, or an error with the path.
func nodes(path tree.Path, a, b any) (*Node, *Node, error) {
	nodeA, okA := a.(*Node)
	nodeB, okB := b.(*Node)
	if !okA || !okB {
		return nil, nil, errors.Errorf("leaves at %q are %T and %T, expected *graph.Node: gradient updates are "+
			"graph building functions", path, a, b)
	}
	return nodeA, nodeB, nil
}

// zerosLike returns zeros with the shape of value, a *Node or a *tensors.Tensor.
func zerosLike(path tree.Path, value any) (any, error) {
	switch v := value.(type) {
	case *Node:
		return ZerosLike(v), nil
	case *tensors.Tensor:
		return tensors.FromShape(v.Shape()), nil
	}
	return nil, errors.Errorf("parameter at %q is a %T, expected an array", path, value)
}

// scalarLike returns an int32 scalar: a constant in the graph of the first traced leaf of params, or a
// tensor if none is traced.
func scalarLike(params *tree.Tree, value int32) any {
	var g *Graph
	_ = tree.Walk(params, func(_ tree.Path, leaf any) error {
		if boxed, ok := leaf.(tree.Boxed); ok {
			leaf = boxed.Unbox()
		}
		if node, ok := leaf.(*Node); ok && g == nil {
			g = node.Graph()
		}
		return nil
	})
	if g != nil {
		return Const(g, value)
	}
	return tensors.FromValue(value)
}

// hyperparameter returns a scalar constant with the dtype of x.
func hyperparameter(x *Node, value float64) *Node {
	return Const(x.Graph(), shapes.CastAsDType(value, x.DType()))
}

// learningRate returns the learning rate to use for x: the override in extra, if given, or the default.
func learningRate(x *Node, defaultValue float64, extra map[string]any) *Node {
	value, found := extra[ExtraLearningRate]
	if !found || value == nil {
		return hyperparameter(x, defaultValue)
	}
	switch lr := value.(type) {
	case *Node:
		if lr.DType() != x.DType() {
			lr = ConvertDType(lr, x.DType())
		}
		return lr
	case float64:
		return hyperparameter(x, lr)
	case float32:
		return hyperparameter(x, float64(lr))
	}
	exceptions.Panicf("extra argument %q must be a float64 or a scalar *graph.Node, got %T", ExtraLearningRate, value)
	return nil
}
