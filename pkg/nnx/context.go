// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/tree"
)

type contextPhase int

const (
	phaseNew contextPhase = iota
	phaseOuterSplit
	phaseInnerMerge
	phaseInnerSplit
	phaseOuterMerge
)

var phaseNames = []string{"new", "outer split", "inner merge", "inner split", "outer merge"}

func (p contextPhase) String() string { return phaseNames[p] }

// UpdateContext is created for each call of a lifted transform (e.g. transforms.Jit), and it reconciles the
// objects rebuilt inside the transformed function with the caller's original objects:
//
//  1. Outer split: the caller's graph nodes are split (Split), each object gets an index.
//  2. Inner merge: the traced function receives fresh objects built from the GraphDefs (Merge with isInner=true).
//  3. Inner split: after the function, the fresh objects are split again (Split); they keep the index of the
//     original object they were built from, and new objects get new indices.
//  4. Outer merge: the caller's original objects are updated in place with the new states (Merge with
//     isInner=false), and objects created inside the function are created fresh.
//
// Aliasing across arguments is preserved: an object shared by two arguments is only described in the first
// GraphDef, the others reference it by index.
//
// Steps 2 and 3 are skipped when a transform reuses a cached trace.
// An UpdateContext is not safe for concurrent use, and it must be closed after use.
type UpdateContext struct {
	id     string
	closed bool
	phase  contextPhase

	nextIndex     int
	outerRefIndex map[refKey]int
	outerIndexRef map[int]any
	innerIndexRef map[int]any
	innerRefIndex map[refKey]int

	// Per leg tables, reset when the phase changes.
	legRefIndex map[refKey]int
	legIndexRef map[int]any
}

// NewUpdateContext creates a new UpdateContext, with a unique ID.
func NewUpdateContext() *UpdateContext {
	return &UpdateContext{
		id:            uuid.NewString(),
		outerRefIndex: make(map[refKey]int),
		outerIndexRef: make(map[int]any),
		innerIndexRef: make(map[int]any),
		innerRefIndex: make(map[refKey]int),
	}
}

// ID uniquely identifies the context (the "ctxtag").
func (c *UpdateContext) ID() string { return c.id }

// IsClosed returns whether Close has been called.
func (c *UpdateContext) IsClosed() bool { return c.closed }

// Close releases the references held by the context. Further uses return ErrContextClosed.
// It is safe to call Close more than once.
func (c *UpdateContext) Close() {
	if c.closed {
		return
	}
	klog.V(3).Infof("closing nnx.UpdateContext %s in phase %s", c.id, c.phase)
	c.closed = true
	c.outerRefIndex = nil
	c.outerIndexRef = nil
	c.innerIndexRef = nil
	c.innerRefIndex = nil
	c.legRefIndex = nil
	c.legIndexRef = nil
}

func (c *UpdateContext) enter(phase contextPhase) error {
	if c.closed {
		return errors.Wrapf(ErrContextClosed, "context %s", c.id)
	}
	if phase < c.phase {
		return errors.Errorf("nnx.UpdateContext %s: can't go back to %s after %s", c.id, phase, c.phase)
	}
	if phase == c.phase {
		return nil
	}
	c.phase = phase
	switch phase {
	case phaseInnerSplit:
		c.legRefIndex = make(map[refKey]int)
	case phaseOuterMerge:
		c.legIndexRef = make(map[int]any)
	default:
	}
	return nil
}

// Split a graph node within the context: see the UpdateContext description.
//
// Before any Merge it is an "outer split" of the caller's objects, after an inner Merge it is an "inner
// split" of the objects inside the transformed function.
func (c *UpdateContext) Split(node any, filters ...Filter) (*GraphDef, []*tree.Tree, error) {
	if c.closed {
		return nil, nil, errors.Wrapf(ErrContextClosed, "context %s", c.id)
	}
	if c.phase <= phaseOuterSplit {
		if err := c.enter(phaseOuterSplit); err != nil {
			return nil, nil, err
		}
		return flatten(node, (*outerIndexer)(c), filters)
	}
	if err := c.enter(phaseInnerSplit); err != nil {
		return nil, nil, err
	}
	return flatten(node, (*innerIndexer)(c), filters)
}

// Merge a GraphDef and states within the context: see the UpdateContext description.
//
// If isInner, fresh objects are created (shared among the GraphDefs merged in the context). Otherwise, the
// caller's original objects (from the outer split) are updated in place, and objects not seen in the outer
// split are created.
func (c *UpdateContext) Merge(def *GraphDef, states []*tree.Tree, isInner bool) (any, error) {
	if isInner {
		if err := c.enter(phaseInnerMerge); err != nil {
			return nil, err
		}
		return unflatten(def, states, (*innerBuilder)(c))
	}
	if err := c.enter(phaseOuterMerge); err != nil {
		return nil, err
	}
	return unflatten(def, states, (*outerBuilder)(c))
}

// outerIndexer assigns sequential indices to the caller's objects.
type outerIndexer UpdateContext

func (c *outerIndexer) seen(key refKey) (int, bool) {
	idx, found := c.outerRefIndex[key]
	return idx, found
}

func (c *outerIndexer) assign(key refKey, obj any) int {
	idx := c.nextIndex
	c.nextIndex++
	c.outerRefIndex[key] = idx
	c.outerIndexRef[idx] = obj
	return idx
}

// innerIndexer maps the objects built by the inner merge back to their original indices.
type innerIndexer UpdateContext

func (c *innerIndexer) seen(key refKey) (int, bool) {
	idx, found := c.legRefIndex[key]
	return idx, found
}

func (c *innerIndexer) assign(key refKey, _ any) int {
	idx, found := c.innerRefIndex[key]
	if !found {
		idx = c.nextIndex
		c.nextIndex++
	}
	c.legRefIndex[key] = idx
	return idx
}

// innerBuilder creates fresh objects, remembering which index each one came from.
type innerBuilder UpdateContext

func (c *innerBuilder) lookup(index int) (any, bool) {
	obj, found := c.innerIndexRef[index]
	return obj, found
}

func (c *innerBuilder) register(index int, obj any) {
	c.innerIndexRef[index] = obj
	c.innerRefIndex[refKeyOf(obj)] = index
}

func (c *innerBuilder) existing(int) (any, bool) { return nil, false }

// outerBuilder updates the caller's objects in place.
type outerBuilder UpdateContext

func (c *outerBuilder) lookup(index int) (any, bool) {
	obj, found := c.legIndexRef[index]
	return obj, found
}

func (c *outerBuilder) register(index int, obj any) { c.legIndexRef[index] = obj }

func (c *outerBuilder) existing(index int) (any, bool) {
	obj, found := c.outerIndexRef[index]
	return obj, found
}
