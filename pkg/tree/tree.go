// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tree implements Tree, an immutable recursive container ("pytree") used to carry model state,
// gradients, and optimizer state across the nnx packages.
//
// A Tree is a "sum type" of: a leaf holding any value, a map of string keys to sub-trees, or an ordered
// list of sub-trees. Maps are always enumerated in sorted key order, so every traversal is deterministic.
//
// Trees are never modified in place: all transformations (Map, Map2, MapValues) return new trees, sharing
// the unchanged sub-trees.
package tree

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Type of Tree node.
type Type uint8

const (
	TypeLeaf Type = iota
	TypeMap
	TypeList
)

// String implements fmt.Stringer.
func (t Type) String() string {
	switch t {
	case TypeLeaf:
		return "Leaf"
	case TypeMap:
		return "Map"
	case TypeList:
		return "List"
	}
	return "Type(" + strconv.Itoa(int(t)) + ")"
}

// ErrShapeMismatch is returned (wrapped with the offending path) when two trees are expected to have the same
// structure but don't.
var ErrShapeMismatch = errors.New("tree structure mismatch")

// Tree is an immutable recursive container. See package documentation.
//
// The zero value is not valid, use Leaf, NewMap or NewList to create one.
type Tree struct {
	treeType Type
	value    any
	keys     []string // Sorted keys, for TypeMap.
	children []*Tree  // Aligned with keys for TypeMap.
}

// Leaf creates a leaf node holding value.
func Leaf(value any) *Tree {
	return &Tree{treeType: TypeLeaf, value: value}
}

// NewMap creates a map node. The map itself is not kept, only its contents.
func NewMap(children map[string]*Tree) *Tree {
	keys := slices.Sorted(maps.Keys(children))
	t := &Tree{treeType: TypeMap, keys: keys, children: make([]*Tree, len(keys))}
	for ii, key := range keys {
		t.children[ii] = children[key]
	}
	return t
}

// NewList creates a list node with the given children.
func NewList(children ...*Tree) *Tree {
	return &Tree{treeType: TypeList, children: slices.Clone(children)}
}

// EmptyMap returns a map node with no children. Used for empty states.
func EmptyMap() *Tree {
	return &Tree{treeType: TypeMap}
}

// FromAny builds a tree from nested Go map[string]any and []any values: any other value becomes a leaf.
// If value is already a *Tree, it is returned as is.
func FromAny(value any) *Tree {
	switch v := value.(type) {
	case *Tree:
		return v
	case map[string]any:
		children := make(map[string]*Tree, len(v))
		for key, child := range v {
			children[key] = FromAny(child)
		}
		return NewMap(children)
	case []any:
		children := make([]*Tree, len(v))
		for ii, child := range v {
			children[ii] = FromAny(child)
		}
		return NewList(children...)
	default:
		return Leaf(value)
	}
}

// Type returns the type of the root node.
func (t *Tree) Type() Type { return t.treeType }

// IsLeaf returns whether the node is a leaf.
func (t *Tree) IsLeaf() bool { return t.treeType == TypeLeaf }

// IsMap returns whether the node is a map.
func (t *Tree) IsMap() bool { return t.treeType == TypeMap }

// IsList returns whether the node is a list.
func (t *Tree) IsList() bool { return t.treeType == TypeList }

// Value returns the value of a leaf. It panics if the node is not a leaf.
func (t *Tree) Value() any {
	if t.treeType != TypeLeaf {
		panic(errors.Errorf("Tree.Value() called on a %s node", t.treeType))
	}
	return t.value
}

// Len returns the number of children of a map or list node, and 0 for leaves.
func (t *Tree) Len() int { return len(t.children) }

// Keys returns the sorted keys of a map node. It returns nil for other node types.
func (t *Tree) Keys() []string { return slices.Clone(t.keys) }

// Child returns the child for key of a map node, or nil if not found or if the node is not a map.
func (t *Tree) Child(key string) *Tree {
	if t.treeType != TypeMap {
		return nil
	}
	idx, found := slices.BinarySearch(t.keys, key)
	if !found {
		return nil
	}
	return t.children[idx]
}

// Index returns the i-th child of a list node (or the i-th child in key order of a map node).
func (t *Tree) Index(i int) *Tree {
	return t.children[i]
}

// Children returns a copy of the slice of children, in key order for maps.
func (t *Tree) Children() []*Tree { return slices.Clone(t.children) }

// childKey returns the path element for the i-th child.
func (t *Tree) childKey(i int) string {
	if t.treeType == TypeMap {
		return t.keys[i]
	}
	return strconv.Itoa(i)
}

// withChildren returns a new node of the same type/keys with the new children.
func (t *Tree) withChildren(children []*Tree) *Tree {
	return &Tree{treeType: t.treeType, keys: t.keys, children: children}
}

// Path to a leaf or sub-tree: the keys of maps and the (decimal) indices of lists.
type Path []string

// String implements fmt.Stringer, joining the path elements with "/".
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Append returns a new path with the extra elements. It never modifies p.
func (p Path) Append(elements ...string) Path {
	newPath := make(Path, 0, len(p)+len(elements))
	newPath = append(newPath, p...)
	return append(newPath, elements...)
}

// HasPrefix returns whether p starts with prefix.
func (p Path) HasPrefix(prefix Path) bool {
	return len(p) >= len(prefix) && slices.Equal(p[:len(prefix)], prefix)
}

// ParsePath splits a "/" separated path. The empty string is the root path.
func ParsePath(s string) Path {
	if s == "" {
		return Path{}
	}
	return strings.Split(s, "/")
}

// Walk calls fn for every leaf, in deterministic order, with the path to the leaf.
// If fn returns an error, Walk stops and returns it.
func Walk(t *Tree, fn func(path Path, leaf any) error) error {
	return walk(t, Path{}, fn)
}

func walk(t *Tree, path Path, fn func(path Path, leaf any) error) error {
	if t.treeType == TypeLeaf {
		return fn(path, t.value)
	}
	for ii, child := range t.children {
		if err := walk(child, path.Append(t.childKey(ii)), fn); err != nil {
			return err
		}
	}
	return nil
}

// Leaves returns all leaf values in deterministic order.
func Leaves(t *Tree) []any {
	var leaves []any
	_ = Walk(t, func(_ Path, leaf any) error {
		leaves = append(leaves, leaf)
		return nil
	})
	return leaves
}

// Paths returns the paths of all leaves, in the same order as Leaves.
func Paths(t *Tree) []Path {
	var paths []Path
	_ = Walk(t, func(path Path, _ any) error {
		paths = append(paths, path)
		return nil
	})
	return paths
}

// NumLeaves returns the number of leaves in the tree.
func NumLeaves(t *Tree) int {
	if t.treeType == TypeLeaf {
		return 1
	}
	var count int
	for _, child := range t.children {
		count += NumLeaves(child)
	}
	return count
}

// Get returns the sub-tree at path, or nil if it doesn't exist.
func Get(t *Tree, path Path) *Tree {
	node := t
	for _, element := range path {
		switch node.treeType {
		case TypeMap:
			node = node.Child(element)
		case TypeList:
			idx, err := strconv.Atoi(element)
			if err != nil || idx < 0 || idx >= len(node.children) {
				return nil
			}
			node = node.children[idx]
		default:
			return nil
		}
		if node == nil {
			return nil
		}
	}
	return node
}

// Map returns a new tree with the same structure, where each leaf is replaced by fn(path, leaf).
func Map(t *Tree, fn func(path Path, leaf any) (any, error)) (*Tree, error) {
	return mapTree(t, Path{}, fn)
}

func mapTree(t *Tree, path Path, fn func(path Path, leaf any) (any, error)) (*Tree, error) {
	if t.treeType == TypeLeaf {
		value, err := fn(path, t.value)
		if err != nil {
			return nil, err
		}
		return Leaf(value), nil
	}
	children := make([]*Tree, len(t.children))
	for ii, child := range t.children {
		var err error
		children[ii], err = mapTree(child, path.Append(t.childKey(ii)), fn)
		if err != nil {
			return nil, err
		}
	}
	return t.withChildren(children), nil
}

// Map2 traverses a and b simultaneously and returns a tree with their shared structure, with leaves given by
// fn(path, leafA, leafB).
//
// It returns an error wrapping ErrShapeMismatch if a and b don't have the same structure.
func Map2(a, b *Tree, fn func(path Path, leafA, leafB any) (any, error)) (*Tree, error) {
	return map2(a, b, Path{}, fn)
}

func map2(a, b *Tree, path Path, fn func(path Path, leafA, leafB any) (any, error)) (*Tree, error) {
	if err := sameNode(a, b, path); err != nil {
		return nil, err
	}
	if a.treeType == TypeLeaf {
		value, err := fn(path, a.value, b.value)
		if err != nil {
			return nil, err
		}
		return Leaf(value), nil
	}
	children := make([]*Tree, len(a.children))
	for ii := range a.children {
		var err error
		children[ii], err = map2(a.children[ii], b.children[ii], path.Append(a.childKey(ii)), fn)
		if err != nil {
			return nil, err
		}
	}
	return a.withChildren(children), nil
}

// sameNode checks that the root nodes of a and b have the same type and keys (or length).
func sameNode(a, b *Tree, path Path) error {
	if a == nil || b == nil {
		return errors.Wrapf(ErrShapeMismatch, "nil tree at path %q", path)
	}
	if a.treeType != b.treeType {
		return errors.Wrapf(ErrShapeMismatch, "at path %q: %s node vs %s node", path, a.treeType, b.treeType)
	}
	if len(a.children) != len(b.children) {
		return errors.Wrapf(ErrShapeMismatch, "at path %q: %d children vs %d children",
			path, len(a.children), len(b.children))
	}
	if a.treeType == TypeMap && !slices.Equal(a.keys, b.keys) {
		return errors.Wrapf(ErrShapeMismatch, "at path %q: keys %q vs %q", path, a.keys, b.keys)
	}
	return nil
}

// SameStructure returns nil if a and b have the same structure, or an error wrapping ErrShapeMismatch
// describing the first difference.
func SameStructure(a, b *Tree) error {
	_, err := Map2(a, b, func(_ Path, _, _ any) (any, error) { return nil, nil })
	return err
}

// Boxed is implemented by leaf values that wrap another value, and know how to re-wrap a new one
// (e.g. nnx.Variable). MapValues uses it to transform the wrapped values while keeping the wrappers.
type Boxed interface {
	// Unbox returns the wrapped value.
	Unbox() any

	// Rebox returns a new wrapper of the same kind (and metadata) holding value.
	Rebox(value any) any
}

// MapValues is like Map, but for Boxed leaves fn is called with the unboxed value, and the result is
// re-boxed in a new wrapper of the same kind.
func MapValues(t *Tree, fn func(path Path, value any) (any, error)) (*Tree, error) {
	return Map(t, func(path Path, leaf any) (any, error) {
		if boxed, ok := leaf.(Boxed); ok {
			value, err := fn(path, boxed.Unbox())
			if err != nil {
				return nil, err
			}
			return boxed.Rebox(value), nil
		}
		return fn(path, leaf)
	})
}

// Structure returns a string describing the structure of the tree, with leaves given by leafFn.
// It is used to build cache keys.
func Structure(t *Tree, leafFn func(leaf any) string) string {
	var sb strings.Builder
	writeStructure(&sb, t, leafFn)
	return sb.String()
}

func writeStructure(sb *strings.Builder, t *Tree, leafFn func(leaf any) string) {
	switch t.treeType {
	case TypeLeaf:
		sb.WriteString(leafFn(t.value))
	case TypeMap:
		sb.WriteByte('{')
		for ii, child := range t.children {
			if ii > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(t.keys[ii]))
			sb.WriteByte(':')
			writeStructure(sb, child, leafFn)
		}
		sb.WriteByte('}')
	case TypeList:
		sb.WriteByte('[')
		for ii, child := range t.children {
			if ii > 0 {
				sb.WriteByte(',')
			}
			writeStructure(sb, child, leafFn)
		}
		sb.WriteByte(']')
	}
}

// String implements fmt.Stringer, printing one leaf per line with its path.
func (t *Tree) String() string {
	var sb strings.Builder
	sb.WriteString("Tree{")
	count := 0
	_ = Walk(t, func(path Path, leaf any) error {
		if count > 0 {
			sb.WriteByte(',')
		}
		count++
		_, _ = fmt.Fprintf(&sb, "\n\t%q: %v", path.String(), leaf)
		return nil
	})
	if count > 0 {
		sb.WriteByte('\n')
	}
	sb.WriteByte('}')
	return sb.String()
}

// FromPaths builds a tree of nested maps with values[i] as the leaf at paths[i].
//
// It returns an error if a path is repeated, or if a path is the prefix of another one.
// With no paths it returns an empty map.
func FromPaths(paths []Path, values []any) (*Tree, error) {
	if len(paths) != len(values) {
		return nil, errors.Errorf("FromPaths got %d paths but %d values", len(paths), len(values))
	}
	type node struct {
		isLeaf   bool
		value    any
		children map[string]*node
	}
	root := &node{children: make(map[string]*node)}
	for ii, path := range paths {
		current := root
		for depth, element := range path {
			if current.isLeaf {
				return nil, errors.Errorf("FromPaths: path %q conflicts with leaf at %q", path, path[:depth])
			}
			child, found := current.children[element]
			if !found {
				child = &node{children: make(map[string]*node)}
				current.children[element] = child
			}
			current = child
		}
		if current.isLeaf || len(current.children) > 0 {
			return nil, errors.Errorf("FromPaths: path %q is duplicated or conflicts with another path", path)
		}
		current.isLeaf = true
		current.value = values[ii]
	}
	var build func(n *node) *Tree
	build = func(n *node) *Tree {
		if n.isLeaf {
			return Leaf(n.value)
		}
		children := make(map[string]*Tree, len(n.children))
		for key, child := range n.children {
			children[key] = build(child)
		}
		return NewMap(children)
	}
	if len(paths) == 1 && len(paths[0]) == 0 {
		return Leaf(values[0]), nil
	}
	return build(root), nil
}
