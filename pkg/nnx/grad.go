// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/tree"
)

// ValueAndGrad calls lossFn and returns the loss and its gradient with respect to the Variables of node matched
// by wrt, as a tree with the same structure as StateOf(node, wrt).
//
// It must be called while tracing (e.g. inside a transforms.Jit function): the Variables matched must hold
// *graph.Node values, and lossFn must return a scalar.
func ValueAndGrad(node any, wrt Filter, lossFn func() *graph.Node) (loss *graph.Node, grads *tree.Tree, err error) {
	if wrt == nil {
		wrt = Params
	}
	state, err := StateOf(node, wrt)
	if err != nil {
		return nil, nil, err
	}
	vars := tree.Leaves(state)
	nodes := make([]*graph.Node, len(vars))
	for ii, leaf := range vars {
		v := leaf.(*Variable)
		if !v.IsTraced() {
			return nil, nil, errors.Errorf("ValueAndGrad requires traced variables, but %s is not: call it "+
				"inside a traced function", v)
		}
		nodes[ii] = v.Node()
	}
	err = exceptions.TryCatch[error](func() {
		loss = lossFn()
		if loss == nil {
			exceptions.Panicf("ValueAndGrad: lossFn returned nil")
		}
		if len(nodes) == 0 {
			return
		}
		gradNodes := graph.Gradient(loss, nodes...)
		idx := 0
		grads, _ = tree.Map(state, func(_ tree.Path, _ any) (any, error) {
			g := gradNodes[idx]
			idx++
			return g, nil
		})
	})
	if err != nil {
		return nil, nil, errors.WithMessage(err, "ValueAndGrad")
	}
	if grads == nil {
		grads = state
	}
	return loss, grads, nil
}
