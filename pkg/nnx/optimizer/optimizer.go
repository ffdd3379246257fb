// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package optimizer wraps a model's trainable state and a gradient transformation (see package optax) into
// an Optimizer that updates the model in place.
//
// Example:
//
//	opt, err := optimizer.New(backend, model, optax.Adam().LearningRate(1e-3).Done())
//	...
//	trainStep := transforms.Jit(backend).Done(func(g *graph.Graph, args ...any) any {
//		model, opt, x, y := args[0].(*MyModel), args[1].(*optimizer.Optimizer), args[2].(*graph.Node), args[3].(*graph.Node)
//		loss, grads, err := nnx.ValueAndGrad(model, nnx.Params, func() *graph.Node { return lossFn(model, x, y) })
//		if err != nil {
//			panic(err)
//		}
//		if err = opt.Update(grads, nil); err != nil {
//			panic(err)
//		}
//		return loss
//	})
//	loss, err := trainStep.Call(model, opt, x, y)
package optimizer

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/transforms"
	"github.com/gomlx/nnx/pkg/optax"
	"github.com/gomlx/nnx/pkg/tree"
)

var (
	// OptStateKind is the Kind of every Variable holding optimizer state.
	OptStateKind = nnx.NewKind("OptState", nnx.VariableKind)

	// OptArrayKind is the Kind of optimizer state not associated with a model Variable, e.g. a step counter.
	OptArrayKind = nnx.NewKind("OptArray", OptStateKind)

	// OptVariableKind is the Kind of optimizer state mirroring a model Variable, e.g. the moments of Adam.
	// It carries the metadata of the Variable it mirrors.
	OptVariableKind = nnx.NewKind("OptVariable", OptStateKind)
)

// ToOptState returns a tree with the same structure as t, where every *nnx.Variable leaf is converted to an
// OptVariable with the same value and a copy of its metadata, and every other leaf to an OptArray holding it.
func ToOptState(t *tree.Tree) (*tree.Tree, error) {
	return tree.Map(t, func(path tree.Path, leaf any) (any, error) {
		if v, ok := leaf.(*nnx.Variable); ok {
			return nnx.NewVariable(OptVariableKind, v.Value(), v.Metadata()), nil
		}
		if leaf == nil {
			return nil, errors.Wrapf(nnx.ErrTypeMismatch, "optimizer state at %q is nil", path)
		}
		var v *nnx.Variable
		err := exceptions.TryCatch[error](func() { v = nnx.NewVariable(OptArrayKind, leaf, nil) })
		if err != nil {
			return nil, errors.Wrapf(nnx.ErrTypeMismatch, "optimizer state at %q is a %T: %v", path, leaf, err)
		}
		return v, nil
	})
}

// Optimizer holds a model, the state of a gradient transformation for the model's Variables matched by a
// filter (wrt), and a step counter.
//
// It is a graph node, so it can be passed to (and returned from) transforms.Jit along with the model.
type Optimizer struct {
	nnx.Object

	// Step is a uint32 scalar, incremented by one on each Update.
	Step *nnx.Variable

	// Model being optimized. It is updated in place.
	Model any

	// OptState mirrors the state returned by the transformation's Init, with every leaf converted by ToOptState.
	OptState *tree.Tree

	tx        optax.GradientTransformation
	wrt       nnx.Filter
	jitUpdate *transforms.JitWrapped
}

// New creates an Optimizer for the Variables of model matched by wrt (if more than one filter is given, any
// of them). If no filter is given, it defaults to nnx.Params.
//
// The backend is used to run Update when it's called with concrete (not traced) values.
func New(backend backends.Backend, model any, tx optax.GradientTransformation, wrt ...nnx.Filter) (*Optimizer, error) {
	if !nnx.IsGraphNode(model) {
		return nil, errors.Wrapf(nnx.ErrTypeMismatch, "optimizer.New: model of type %T is not a graph node", model)
	}
	if tx == nil {
		return nil, errors.New("optimizer.New: nil gradient transformation")
	}
	var filter nnx.Filter
	switch len(wrt) {
	case 0:
		filter = nnx.Params
	case 1:
		filter = wrt[0]
	default:
		filter = nnx.Any(wrt...)
	}
	params, err := nnx.StateOf(model, filter)
	if err != nil {
		return nil, errors.WithMessage(err, "optimizer.New")
	}
	optState, err := initState(tx, params)
	if err != nil {
		return nil, errors.WithMessage(err, "optimizer.New")
	}
	o := &Optimizer{
		Step:     nnx.NewVariable(OptStateKind, uint32(0), nil),
		Model:    model,
		OptState: optState,
		tx:       tx,
		wrt:      filter,
	}
	o.jitUpdate = transforms.Jit(backend).Name("optimizer_update").Done(
		func(_ *graph.Graph, args ...any) any {
			inner := args[0].(*Optimizer)
			grads := args[1].(*tree.Tree)
			extra, _ := args[2].(map[string]any)
			if err := inner.update(grads, extra); err != nil {
				panic(err)
			}
			return nil
		})
	klog.V(1).Infof("optimizer.New: %d variables matched by %s", tree.NumLeaves(params), filter)
	return o, nil
}

// initState calls tx.Init and converts the result with ToOptState.
func initState(tx optax.GradientTransformation, params *tree.Tree) (*tree.Tree, error) {
	var state *tree.Tree
	err := exceptions.TryCatch[error](func() {
		var err error
		state, err = tx.Init(params)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessage(err, "initializing the optimizer state")
	}
	return ToOptState(state)
}

// Tx returns the gradient transformation of the Optimizer.
func (o *Optimizer) Tx() optax.GradientTransformation { return o.tx }

// Wrt returns the filter of the Variables optimized.
func (o *Optimizer) Wrt() nnx.Filter { return o.wrt }

// Update the model's Variables matched by Wrt with the given gradients, updating the optimizer state and
// incrementing Step.
//
// The grads must have the same structure as nnx.StateOf(o.Model, o.Wrt()), e.g. as returned by
// nnx.ValueAndGrad. Their leaves can be arrays or Variables, in which case their values are used. The same
// holds for the values of extra. The extra arguments are passed to the transformation (see optax.ExtraLearningRate).
//
// If the Variables hold traced values, the update is built into the graph being traced: the Optimizer must
// then be an argument of the traced function, along with the model. Otherwise, the update is compiled (once)
// and executed.
func (o *Optimizer) Update(grads *tree.Tree, extra map[string]any) error {
	params, err := nnx.StateOf(o.Model, o.wrt)
	if err != nil {
		return err
	}
	if traced, err := isTraced(params, o.Step); err != nil {
		return err
	} else if traced {
		return o.update(grads, extra)
	}
	if extra == nil {
		extra = map[string]any{}
	}
	_, err = o.jitUpdate.Call(o, grads, extra)
	return err
}

// update builds the update into the current graph: all values must be traced.
func (o *Optimizer) update(grads *tree.Tree, extra map[string]any) error {
	paramVars, err := nnx.StateOf(o.Model, o.wrt)
	if err != nil {
		return err
	}
	return applyTransformation(o.tx, paramVars, grads, o.OptState, o.Step, extra)
}

// applyTransformation runs the numeric core of an update on traced values: it transforms the gradients,
// applies the updates to paramVars, writes back the new state to optState and increments step.
func applyTransformation(tx optax.GradientTransformation, paramVars, grads, optState *tree.Tree,
	step *nnx.Variable, extra map[string]any) error {
	if !step.IsTraced() {
		return errors.New("optimizer step is not traced: pass the optimizer as an argument of the traced function")
	}
	err := exceptions.TryCatch[error](func() {
		params := nnx.Pure(paramVars)
		state := nnx.Pure(optState)
		updates, newState, err := tx.Update(nnx.Pure(grads), state, params, pureExtra(extra))
		if err != nil {
			panic(err)
		}
		newParams, err := optax.ApplyUpdates(params, updates)
		if err != nil {
			panic(err)
		}
		if err = nnx.AssignTree(paramVars, newParams); err != nil {
			panic(err)
		}
		if err = nnx.AssignTree(optState, newState); err != nil {
			panic(err)
		}
		count := step.Node()
		step.SetValue(graph.Add(count, graph.OnesLike(count)))
	})
	if err != nil {
		return errors.WithMessage(err, "optimizer update")
	}
	return nil
}

// pureExtra returns extra with the Variable values replaced by their values.
func pureExtra(extra map[string]any) map[string]any {
	if len(extra) == 0 {
		return extra
	}
	pure := make(map[string]any, len(extra))
	for key, value := range extra {
		if v, ok := value.(*nnx.Variable); ok {
			value = v.Value()
		}
		pure[key] = value
	}
	return pure
}

// isTraced returns whether the Variables of params and step hold traced values. Mixing traced and
// concrete values is an error.
func isTraced(params *tree.Tree, step *nnx.Variable) (bool, error) {
	traced, concrete := 0, 0
	for _, leaf := range append(tree.Leaves(params), step) {
		v, ok := leaf.(*nnx.Variable)
		if !ok {
			return false, errors.Wrapf(nnx.ErrTypeMismatch, "optimized parameters must be Variables, got %T", leaf)
		}
		if v.IsTraced() {
			traced++
		} else {
			concrete++
		}
	}
	if traced > 0 && concrete > 0 {
		return false, errors.Errorf("optimizer got %d traced and %d concrete values: when tracing, both the "+
			"model and the optimizer must be arguments of the traced function", traced, concrete)
	}
	return traced > 0, nil
}

// PytreeOptimizer holds the state of a gradient transformation for a tree of parameters given on each
// Update, and a step counter. Unlike Optimizer it holds no reference to a model.
type PytreeOptimizer struct {
	nnx.Object

	// Step is a uint32 scalar OptArray, incremented by one on each Update.
	Step *nnx.Variable

	// OptState mirrors the state returned by the transformation's Init, with every leaf converted by ToOptState.
	OptState *tree.Tree

	tx        optax.GradientTransformation
	jitUpdate *transforms.JitWrapped
}

// NewPytree creates a PytreeOptimizer for params, a tree whose leaves are Variables (e.g. from nnx.StateOf).
// Only the structure and shapes of params are used here, later updates can be given any params with the
// same structure.
func NewPytree(backend backends.Backend, params *tree.Tree, tx optax.GradientTransformation) (*PytreeOptimizer, error) {
	if tx == nil {
		return nil, errors.New("optimizer.NewPytree: nil gradient transformation")
	}
	optState, err := initState(tx, params)
	if err != nil {
		return nil, errors.WithMessage(err, "optimizer.NewPytree")
	}
	p := &PytreeOptimizer{
		Step:     nnx.NewVariable(OptArrayKind, uint32(0), nil),
		OptState: optState,
		tx:       tx,
	}
	p.jitUpdate = transforms.Jit(backend).Name("pytree_optimizer_update").Done(
		func(_ *graph.Graph, args ...any) any {
			inner := args[0].(*PytreeOptimizer)
			params, grads := args[1].(*tree.Tree), args[2].(*tree.Tree)
			extra, _ := args[3].(map[string]any)
			if err := applyTransformation(inner.tx, params, grads, inner.OptState, inner.Step, extra); err != nil {
				panic(err)
			}
			return nil
		})
	return p, nil
}

// Tx returns the gradient transformation of the PytreeOptimizer.
func (p *PytreeOptimizer) Tx() optax.GradientTransformation { return p.tx }

// Update the Variables of params (all of them) with the given gradients, in place, updating the optimizer
// state and incrementing Step. The grads must have the same structure as params.
//
// Tracing follows the same rules as Optimizer.Update.
func (p *PytreeOptimizer) Update(params, grads *tree.Tree, extra map[string]any) error {
	traced, err := isTraced(params, p.Step)
	if err != nil {
		return err
	}
	if traced {
		return applyTransformation(p.tx, params, grads, p.OptState, p.Step, extra)
	}
	if extra == nil {
		extra = map[string]any{}
	}
	_, err = p.jitUpdate.Call(p, params, grads, extra)
	return err
}
