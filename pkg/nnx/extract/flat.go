// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package extract

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/tree"
)

// FlatArray describes one array of a flattened extracted tree.
type FlatArray struct {
	// Value is a *tensors.Tensor or a *graph.Node.
	Value any

	// Path of the leaf in the extracted tree.
	Path tree.Path

	// Node is set if the array is part of the state of a graph node: State is the index of the state tree and
	// StatePath the path within it. Otherwise, State is -1.
	Node      *NodeStates
	State     int
	StatePath tree.Path
}

// String implements fmt.Stringer.
func (fa FlatArray) String() string {
	if fa.Node == nil {
		return fa.Path.String()
	}
	return fmt.Sprintf("%s[%d]:%s", fa.Path, fa.State, fa.StatePath)
}

// Flat is the flattened form of an extracted tree: see Flatten.
type Flat struct {
	Arrays []FlatArray

	// Fingerprint of the structure: GraphDefs, tree structure and non-array leaves, but not the values (or shapes)
	// of the arrays.
	Fingerprint string

	extracted *tree.Tree
}

// Values returns the values of the arrays, in order.
func (f *Flat) Values() []any {
	values := make([]any, len(f.Arrays))
	for ii, fa := range f.Arrays {
		values[ii] = fa.Value
	}
	return values
}

// Flatten collects the arrays of an extracted tree in a deterministic order: plain array leaves and the leaves
// of the states of every NodeStates.
//
// Go scalars and slices are converted to tensors. nil leaves and bare GraphDefs are kept in the structure.
// Any other leaf type is an error.
func Flatten(extracted *tree.Tree) (*Flat, error) {
	flat := &Flat{}
	var fingerprint strings.Builder
	converted, err := tree.Map(extracted, func(path tree.Path, leaf any) (any, error) {
		switch v := leaf.(type) {
		case nil:
			fingerprint.WriteString("nil;")
			return nil, nil
		case *nnx.GraphDef:
			_, _ = fmt.Fprintf(&fingerprint, "def{%s};", v.Fingerprint())
			return v, nil
		case *NodeStates:
			_, _ = fmt.Fprintf(&fingerprint, "node{%s}", v.GraphDef.Fingerprint())
			for stateIdx, state := range v.States {
				_, _ = fmt.Fprintf(&fingerprint, "[%d:%s]", stateIdx, tree.Structure(state, func(any) string { return "*" }))
				err := tree.Walk(state, func(statePath tree.Path, value any) error {
					if !nnx.IsArray(value) {
						return errors.Wrapf(nnx.ErrTypeMismatch, "state #%d of graph node at %q has a %T at %q, expected an array",
							stateIdx, path, value, statePath)
					}
					flat.Arrays = append(flat.Arrays, FlatArray{
						Value: value, Path: path, Node: v, State: stateIdx, StatePath: statePath})
					return nil
				})
				if err != nil {
					return nil, err
				}
			}
			fingerprint.WriteString(";")
			return v, nil
		default:
			array, err := asArray(leaf)
			if err != nil {
				return nil, errors.WithMessagef(err, "leaf at %q", path)
			}
			fingerprint.WriteString("array;")
			flat.Arrays = append(flat.Arrays, FlatArray{Value: array, Path: path, State: -1})
			return array, nil
		}
	})
	if err != nil {
		return nil, err
	}
	flat.extracted = converted
	flat.Fingerprint = tree.Structure(extracted, func(any) string { return "." }) + "|" + fingerprint.String()
	return flat, nil
}

// asArray returns leaf if it is already an array, or converts Go values to a tensor.
func asArray(leaf any) (array any, err error) {
	if nnx.IsArray(leaf) {
		return leaf, nil
	}
	if _, ok := leaf.(string); ok {
		return nil, errors.Errorf("strings are not arrays, pass them as static arguments")
	}
	err = exceptions.TryCatch[error](func() { array = tensors.FromAnyValue(leaf) })
	if err != nil {
		return nil, errors.Wrapf(err, "can't convert %T to a tensor", leaf)
	}
	return array, nil
}

// Rebuild returns the extracted tree with the arrays replaced by values (in the same order as Arrays).
// NodeStates are recreated with the new states, keeping their GraphDef and Metadata.
func (f *Flat) Rebuild(values []any) (*tree.Tree, error) {
	if len(values) != len(f.Arrays) {
		return nil, errors.Errorf("Flat.Rebuild expected %d values, got %d", len(f.Arrays), len(values))
	}
	next := 0
	return tree.Map(f.extracted, func(_ tree.Path, leaf any) (any, error) {
		switch v := leaf.(type) {
		case nil, *nnx.GraphDef:
			return leaf, nil
		case *NodeStates:
			newStates := make([]*tree.Tree, len(v.States))
			for stateIdx, state := range v.States {
				newStates[stateIdx], _ = tree.Map(state, func(tree.Path, any) (any, error) {
					value := values[next]
					next++
					return value, nil
				})
			}
			return &NodeStates{GraphDef: v.GraphDef, States: newStates, Metadata: v.Metadata}, nil
		default:
			value := values[next]
			next++
			return value, nil
		}
	})
}
