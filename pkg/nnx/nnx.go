// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nnx implements stateful "graph nodes" (models) for GoMLX, and the machinery to split them into
// an immutable structure description (GraphDef) plus trees of plain arrays, and to merge them back.
//
// It defines:
//
//   - Variable: a mutable box holding an array (a *tensors.Tensor outside a traced computation, or a
//     *graph.Node inside one), a Kind (Param, BatchStat, ...) and metadata (e.g. sharding hints).
//   - Object: embed it in a struct to make pointers to that struct graph nodes. The exported fields of a graph
//     node are traversed: sub-nodes, Variables, and slices, arrays, maps, interfaces, and *tree.Tree holding them.
//     Everything else is static.
//   - Filter: predicates over (path, Variable) used to select subsets of a model's state.
//   - Split / Merge: convert a graph node to (GraphDef, states...) and back. Shared references and cycles are
//     preserved.
//   - UpdateContext: a per-call token used by lifted transforms (see package transforms) to reconcile the
//     objects rebuilt inside a traced function with the caller's original objects.
//
// Example:
//
//	type Linear struct {
//		nnx.Object
//		Kernel, Bias *nnx.Variable
//		Activation string // Static.
//	}
//
//	layer := &Linear{Kernel: nnx.Param(kernel), Bias: nnx.Param(bias)}
//	params, _ := nnx.StateOf(layer, nnx.Params)  // Tree{"Bias": ..., "Kernel": ...}
package nnx

import "github.com/pkg/errors"

var (
	// ErrLookup is returned when no filter (or sharding entry) matches a given path and Variable.
	ErrLookup = errors.New("lookup failure")

	// ErrTypeMismatch is returned when a merge receives a value of an unexpected type.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrContextClosed is returned when an UpdateContext is used after Close.
	ErrContextClosed = errors.New("update context closed")
)
