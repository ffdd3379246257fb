// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package extract implements the protocol used by lifted transforms to carry graph nodes across the boundary of
// a pure (traced) function.
//
// Arguments (and results) are converted to a tree (ToTree) where every graph node is replaced by a NodeStates
// (its GraphDef and state trees), and converted back (FromTree) by merging them within the same
// nnx.UpdateContext, which reconciles identities. Flatten then turns the extracted tree into the flat list of
// arrays the compiled computation takes, plus a structural fingerprint used for caching.
package extract

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/tree"
)

// NodeStates is the extracted form of a graph node: its GraphDef, its state trees and optional metadata
// (e.g. the prefix, like a sharding, used to split it).
type NodeStates struct {
	GraphDef *nnx.GraphDef
	States   []*tree.Tree
	Metadata any
}

// String implements fmt.Stringer.
func (ns *NodeStates) String() string {
	return fmt.Sprintf("NodeStates(root=#%d, %d states)", ns.GraphDef.Root(), len(ns.States))
}

// IsTreeNode returns whether leaf is the extracted form of a graph node: a *NodeStates or a bare *nnx.GraphDef.
func IsTreeNode(leaf any) bool {
	switch leaf.(type) {
	case *NodeStates, *nnx.GraphDef:
		return true
	}
	return false
}

// SplitFn converts a graph node found at path (with the prefix broadcast to that path, or nil) to its
// extracted form.
type SplitFn func(ctx *nnx.UpdateContext, path tree.Path, prefix any, node any) (any, error)

// MergeFn converts an extracted leaf (a *NodeStates or a bare *nnx.GraphDef) found at path back to a graph node.
type MergeFn func(ctx *nnx.UpdateContext, path tree.Path, leaf any, isInner bool) (any, error)

// DefaultSplit splits the node with ctx, with all Variables in one state, and keeps the prefix as metadata.
func DefaultSplit(ctx *nnx.UpdateContext, path tree.Path, prefix any, node any) (any, error) {
	def, states, err := ctx.Split(node)
	if err != nil {
		return nil, errors.WithMessagef(err, "while splitting graph node at %q", path)
	}
	return &NodeStates{GraphDef: def, States: states, Metadata: prefix}, nil
}

// DefaultMerge merges a *NodeStates with ctx. Any other leaf type is an error wrapping nnx.ErrTypeMismatch.
func DefaultMerge(ctx *nnx.UpdateContext, path tree.Path, leaf any, isInner bool) (any, error) {
	nodeStates, ok := leaf.(*NodeStates)
	if !ok {
		return nil, errors.Wrapf(nnx.ErrTypeMismatch, "expected *extract.NodeStates at %q, got %T", path, leaf)
	}
	node, err := ctx.Merge(nodeStates.GraphDef, nodeStates.States, isInner)
	if err != nil {
		return nil, errors.WithMessagef(err, "while merging graph node at %q", path)
	}
	return node, nil
}

// AsTree converts Go values to a tree: []any become lists, map[string]any become maps and *tree.Tree are
// used as is (also when nested). Everything else is a leaf.
func AsTree(values any) *tree.Tree {
	switch v := values.(type) {
	case *tree.Tree:
		return v
	case []any:
		children := make([]*tree.Tree, len(v))
		for ii, child := range v {
			children[ii] = AsTree(child)
		}
		return tree.NewList(children...)
	case map[string]any:
		children := make(map[string]*tree.Tree, len(v))
		for key, child := range v {
			children[key] = AsTree(child)
		}
		return tree.NewMap(children)
	default:
		return tree.Leaf(v)
	}
}

// treeSlot marks, in a skeleton, the position of a *tree.Tree.
type treeSlot struct{}

// Skeleton records the Go containers of values (as converted by AsTree), so a tree with the same structure
// can be converted back to the same kind of Go values with FromSkeleton.
func Skeleton(values any) any {
	switch v := values.(type) {
	case *tree.Tree:
		return treeSlot{}
	case []any:
		skeleton := make([]any, len(v))
		for ii, child := range v {
			skeleton[ii] = Skeleton(child)
		}
		return skeleton
	case map[string]any:
		skeleton := make(map[string]any, len(v))
		for key, child := range v {
			skeleton[key] = Skeleton(child)
		}
		return skeleton
	default:
		return nil
	}
}

// FromSkeleton converts t back to Go values following the skeleton returned by Skeleton.
func FromSkeleton(skeleton any, t *tree.Tree) (any, error) {
	return fromSkeleton(skeleton, t, tree.Path{})
}

func fromSkeleton(skeleton any, t *tree.Tree, path tree.Path) (any, error) {
	switch s := skeleton.(type) {
	case treeSlot:
		return t, nil
	case []any:
		if !t.IsList() || t.Len() != len(s) {
			return nil, errors.Wrapf(tree.ErrShapeMismatch, "at %q expected a list of %d elements, got %s with %d",
				path, len(s), t.Type(), t.Len())
		}
		values := make([]any, len(s))
		for ii, child := range s {
			var err error
			values[ii], err = fromSkeleton(child, t.Index(ii), path.Append(fmt.Sprint(ii)))
			if err != nil {
				return nil, err
			}
		}
		return values, nil
	case map[string]any:
		if !t.IsMap() || t.Len() != len(s) {
			return nil, errors.Wrapf(tree.ErrShapeMismatch, "at %q expected a map of %d elements, got %s with %d",
				path, len(s), t.Type(), t.Len())
		}
		values := make(map[string]any, len(s))
		for key, child := range s {
			childTree := t.Child(key)
			if childTree == nil {
				return nil, errors.Wrapf(tree.ErrShapeMismatch, "at %q missing key %q", path, key)
			}
			var err error
			values[key], err = fromSkeleton(child, childTree, path.Append(key))
			if err != nil {
				return nil, err
			}
		}
		return values, nil
	default:
		if !t.IsLeaf() {
			return nil, errors.Wrapf(tree.ErrShapeMismatch, "at %q expected a leaf, got %s", path, t.Type())
		}
		return t.Value(), nil
	}
}

// BroadcastPrefix returns a tree with the structure of t where each leaf holds the prefix value that applies
// to it: a leaf of the prefix applies to the whole corresponding sub-tree of t, a nil prefix (or a missing map
// key) means no prefix (nil), and prefix containers must match the structure of t.
//
// The prefix is given as Go values (see AsTree) or as a *tree.Tree.
func BroadcastPrefix(t *tree.Tree, prefix any) (*tree.Tree, error) {
	if prefix == nil {
		return tree.Map(t, func(tree.Path, any) (any, error) { return nil, nil })
	}
	return broadcast(t, AsTree(prefix), tree.Path{})
}

func broadcast(t, prefix *tree.Tree, path tree.Path) (*tree.Tree, error) {
	if prefix == nil || prefix.IsLeaf() {
		var value any
		if prefix != nil {
			value = prefix.Value()
		}
		return tree.Map(t, func(tree.Path, any) (any, error) { return value, nil })
	}
	switch t.Type() {
	case tree.TypeMap:
		if !prefix.IsMap() {
			return nil, errors.Wrapf(tree.ErrShapeMismatch, "prefix at %q is a %s, but the value is a map", path, prefix.Type())
		}
		for _, key := range prefix.Keys() {
			if t.Child(key) == nil {
				return nil, errors.Wrapf(tree.ErrShapeMismatch, "prefix has key %q at %q not found in the value", key, path)
			}
		}
		children := make(map[string]*tree.Tree, t.Len())
		for _, key := range t.Keys() {
			var err error
			children[key], err = broadcast(t.Child(key), prefix.Child(key), path.Append(key))
			if err != nil {
				return nil, err
			}
		}
		return tree.NewMap(children), nil
	case tree.TypeList:
		if !prefix.IsList() || prefix.Len() != t.Len() {
			return nil, errors.Wrapf(tree.ErrShapeMismatch, "prefix at %q is a %s of length %d, but the value is a list of length %d",
				path, prefix.Type(), prefix.Len(), t.Len())
		}
		children := make([]*tree.Tree, t.Len())
		for ii := range t.Len() {
			var err error
			children[ii], err = broadcast(t.Index(ii), prefix.Index(ii), path.Append(fmt.Sprint(ii)))
			if err != nil {
				return nil, err
			}
		}
		return tree.NewList(children...), nil
	default:
		return nil, errors.Wrapf(tree.ErrShapeMismatch, "prefix at %q is a %s, but the value is a leaf", path, prefix.Type())
	}
}

// ToTree converts values (see AsTree) to a tree where every graph node leaf is replaced by the result of
// splitFn (DefaultSplit if nil), called with the prefix broadcast to its path.
// Other leaves are kept as is.
func ToTree(ctx *nnx.UpdateContext, values any, prefix any, splitFn SplitFn) (*tree.Tree, error) {
	if splitFn == nil {
		splitFn = DefaultSplit
	}
	valuesTree := AsTree(values)
	prefixes, err := BroadcastPrefix(valuesTree, prefix)
	if err != nil {
		return nil, err
	}
	return tree.Map2(valuesTree, prefixes, func(path tree.Path, leaf, leafPrefix any) (any, error) {
		if !nnx.IsGraphNode(leaf) {
			return leaf, nil
		}
		return splitFn(ctx, path, leafPrefix, leaf)
	})
}

// FromTree converts an extracted tree back, replacing every tree node leaf (see IsTreeNode) by the result of
// mergeFn (DefaultMerge if nil).
func FromTree(ctx *nnx.UpdateContext, extracted *tree.Tree, mergeFn MergeFn, isInner bool) (*tree.Tree, error) {
	if mergeFn == nil {
		mergeFn = DefaultMerge
	}
	return tree.Map(extracted, func(path tree.Path, leaf any) (any, error) {
		if !IsTreeNode(leaf) {
			return leaf, nil
		}
		return mergeFn(ctx, path, leaf, isInner)
	})
}

// ClearNonGraphNodes returns a tree with the same structure as t where leaves that are not graph nodes are
// replaced by nil.
func ClearNonGraphNodes(t *tree.Tree) *tree.Tree {
	cleared, _ := tree.Map(t, func(_ tree.Path, leaf any) (any, error) {
		if nnx.IsGraphNode(leaf) {
			return leaf, nil
		}
		return nil, nil
	})
	return cleared
}
