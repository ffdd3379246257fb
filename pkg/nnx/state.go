// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/tree"
)

// variablesOf returns all Variables reachable from node, in traversal order, with their paths.
func variablesOf(node any) (paths []tree.Path, vars []*Variable, err error) {
	if !IsGraphNode(node) {
		return nil, nil, errors.Wrapf(ErrTypeMismatch, "value of type %T is not a graph node", node)
	}
	f := &flattener{
		indexer:     &localIndexer{refIndex: make(map[refKey]int)},
		filters:     []Filter{Everything},
		def:         &GraphDef{byIndex: make(map[int]*nodeDef), numStates: 1},
		statePaths:  make([][]tree.Path, 1),
		stateValues: make([][]any, 1),
		onVariable: func(path tree.Path, v *Variable, _ int) {
			paths = append(paths, path)
			vars = append(vars, v)
		},
	}
	if _, err = f.node(node, tree.Path{}); err != nil {
		return nil, nil, err
	}
	return paths, vars, nil
}

// StateOf returns a tree (of nested maps, keyed by path) with the live Variables of node matched by filter.
// If filter is nil, all Variables are returned.
//
// Since the leaves are the Variables themselves, later changes to the model are reflected in the tree. Use
// Pure or Freeze to get the values.
func StateOf(node any, filter Filter) (*tree.Tree, error) {
	if filter == nil {
		filter = Everything
	}
	paths, vars, err := variablesOf(node)
	if err != nil {
		return nil, err
	}
	var (
		matchedPaths []tree.Path
		matched      []any
	)
	for ii, v := range vars {
		if filter.Match(paths[ii], v) {
			matchedPaths = append(matchedPaths, paths[ii])
			matched = append(matched, v)
		}
	}
	return tree.FromPaths(matchedPaths, matched)
}

// Pure returns a tree with the Variables leaves replaced by their values. Other leaves are kept as is.
func Pure(t *tree.Tree) *tree.Tree {
	pure, _ := tree.Map(t, func(_ tree.Path, leaf any) (any, error) {
		if v, ok := leaf.(*Variable); ok {
			return v.Value(), nil
		}
		return leaf, nil
	})
	return pure
}

// Freeze is like Pure, but it also checks that every leaf is an array (a *tensors.Tensor or a *graph.Node).
func Freeze(t *tree.Tree) (*tree.Tree, error) {
	return tree.Map(t, func(path tree.Path, leaf any) (any, error) {
		if v, ok := leaf.(*Variable); ok {
			leaf = v.Value()
		}
		if !IsArray(leaf) {
			return nil, errors.Wrapf(ErrTypeMismatch, "leaf at %q is a %T, not an array", path, leaf)
		}
		return leaf, nil
	})
}

// Update sets the values of the Variables of node from the given states, matching by path.
// State leaves can be arrays, Variables (their values are used) or anything accepted by Variable.SetValue.
//
// It returns an error wrapping ErrLookup if a state has a path with no Variable in node.
func Update(node any, states ...*tree.Tree) error {
	paths, vars, err := variablesOf(node)
	if err != nil {
		return err
	}
	byPath := make(map[string]*Variable, len(vars))
	for ii, v := range vars {
		byPath[paths[ii].String()] = v
	}
	for _, state := range states {
		err = tree.Walk(state, func(path tree.Path, leaf any) error {
			v, found := byPath[path.String()]
			if !found {
				return errors.Wrapf(ErrLookup, "no variable at path %q to update", path)
			}
			if boxed, ok := leaf.(*Variable); ok {
				leaf = boxed.Value()
			}
			v.SetValue(leaf)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// AssignTree sets the values of the Variables leaves of vars with the corresponding leaves of values: both
// trees must have the same structure.
func AssignTree(vars, values *tree.Tree) error {
	_, err := tree.Map2(vars, values, func(path tree.Path, leafVar, leafValue any) (any, error) {
		v, ok := leafVar.(*Variable)
		if !ok {
			return nil, errors.Wrapf(ErrTypeMismatch, "leaf at %q is a %T, expected a *nnx.Variable", path, leafVar)
		}
		if boxed, ok := leafValue.(*Variable); ok {
			leafValue = boxed.Value()
		}
		v.SetValue(leafValue)
		return nil, nil
	})
	return err
}
