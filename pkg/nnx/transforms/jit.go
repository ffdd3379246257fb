// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package transforms implements "lifted" transforms: versions of GoMLX's compilation (Jit) and of a per-shard
// mapping (ShardMap) that accept graph nodes (see package nnx) as arguments and results.
//
// Graph nodes cross the boundary of the compiled function with their identity preserved: objects rebuilt
// inside the traced function are reconciled with the caller's objects, which are updated in place with the
// new Variable values, static fields and sub-nodes.
package transforms

import (
	"fmt"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/extract"
	"github.com/gomlx/nnx/pkg/sharding"
	"github.com/gomlx/nnx/pkg/tree"
)

// ErrNotImplemented is returned by stage operations not supported.
var ErrNotImplemented = errors.New("not implemented")

// Fn is the function transformed by Jit and ShardMap. It is called while tracing, with the graph being built
// and the arguments, where arrays are *graph.Node and graph nodes hold *graph.Node values.
//
// It can return any structure of []any, map[string]any and *tree.Tree, with arrays (*graph.Node or constants),
// graph nodes or nil as leaves. It can also return nil.
type Fn func(g *graph.Graph, args ...any) any

// JitConfig configures a lifted Jit: create it with Jit, configure it, and call Done to get the wrapped function.
type JitConfig struct {
	backend      backends.Backend
	name         string
	inShardings  []any
	outShardings any
	staticArgs   sets.Set[int]
	donateArgs   sets.Set[int]
	mesh         *sharding.Mesh
}

// Jit creates the configuration of a lifted just-in-time compiled function.
//
// Example:
//
//	trainStep := transforms.Jit(backend).DonateArgs(0).Done(
//		func(g *graph.Graph, args ...any) any {
//			model, x := args[0].(*MyModel), args[1].(*graph.Node)
//			...
//			return loss
//		})
//	loss, err := trainStep.Call(model, xTensor)
func Jit(backend backends.Backend) *JitConfig {
	return &JitConfig{
		backend:    backend,
		name:       "jit",
		staticArgs: sets.Make[int](),
		donateArgs: sets.Make[int](),
	}
}

// Name of the graphs created, used for logging and in AsText.
func (c *JitConfig) Name(name string) *JitConfig {
	c.name = name
	return c
}

// InShardings sets the sharding prefixes of the arguments, one per argument. Each one can be nil (replicated,
// or the Variable's "sharding" metadata for graph nodes), a sharding.Spec, a *StateSharding (for graph nodes),
// or a container ([]any, map[string]any, *tree.Tree) matching the structure of the argument.
func (c *JitConfig) InShardings(prefixes ...any) *JitConfig {
	c.inShardings = prefixes
	return c
}

// OutShardings sets the sharding prefix of the result. See InShardings.
func (c *JitConfig) OutShardings(prefix any) *JitConfig {
	c.outShardings = prefix
	return c
}

// StaticArgs marks the arguments at the given positions as static: they are passed as is to the function,
// and their values (formatted with "%#v") are part of the cache key.
func (c *JitConfig) StaticArgs(indices ...int) *JitConfig {
	c.staticArgs.Insert(indices...)
	return c
}

// DonateArgs marks the arguments at the given positions as donated: the buffers of their arrays are handed
// over to the computation, and must not be used afterward. Graph nodes passed as donated arguments are
// updated with the new values, so this is the common use for model and optimizer state.
func (c *JitConfig) DonateArgs(indices ...int) *JitConfig {
	c.donateArgs.Insert(indices...)
	return c
}

// Mesh sets the mesh used to validate the shardings.
func (c *JitConfig) Mesh(mesh *sharding.Mesh) *JitConfig {
	c.mesh = mesh
	return c
}

// Done returns the wrapped function.
func (c *JitConfig) Done(fn Fn) *JitWrapped {
	return &JitWrapped{config: *c, fn: fn, cache: make(map[string]*Compiled)}
}

// JitWrapped is a lifted compiled function, created with Jit(...).Done(fn).
//
// It is safe for concurrent use, but the caller must make sure the same graph nodes are not used
// concurrently.
type JitWrapped struct {
	config JitConfig
	fn     Fn

	mu    sync.Mutex
	cache map[string]*Compiled
	group singleflight.Group // Concurrent misses of the same signature are traced and compiled once.
}

// CacheSize returns the number of compiled programs cached.
func (j *JitWrapped) CacheSize() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.cache)
}

// jitInputs holds the arguments of one call, split and flattened.
type jitInputs struct {
	args      []any
	skeleton  any // Skeleton of the dynamic arguments.
	extracted *tree.Tree
	prefixes  *tree.Tree // Sharding prefix for each leaf of extracted.
	flat      *extract.Flat
	shardings []sharding.Spec // Resolved sharding of each array of flat.
	key       string
}

// Call the wrapped function: on the first call for a given structure (graph nodes structure, shapes of the
// arrays, static arguments) the function is traced and compiled. Graph node arguments (and results) are updated
// in place with their new state.
//
// If called with traced arguments (while tracing another function), fn is simply called inline.
func (j *JitWrapped) Call(args ...any) (any, error) {
	if g := tracedGraph(args); g != nil {
		var result any
		err := exceptions.TryCatch[error](func() { result = j.fn(g, args...) })
		return result, err
	}
	ctx := nnx.NewUpdateContext()
	defer ctx.Close()
	in, err := j.prepare(ctx, args)
	if err != nil {
		return nil, err
	}

	compiled, err := j.compiled(ctx, in)
	if err != nil {
		return nil, err
	}
	return compiled.run(ctx, in)
}

// compiled returns the cached program for the signature of in, tracing and compiling it on a miss.
func (j *JitWrapped) compiled(ctx *nnx.UpdateContext, in *jitInputs) (*Compiled, error) {
	j.mu.Lock()
	compiled, found := j.cache[in.key]
	j.mu.Unlock()
	if found {
		return compiled, nil
	}
	result, err, _ := j.group.Do(in.key, func() (any, error) {
		j.mu.Lock()
		compiled, found := j.cache[in.key]
		j.mu.Unlock()
		if found {
			return compiled, nil
		}
		klog.V(1).Infof("nnx.Jit(%q): tracing new signature (%d cached)", j.config.name, j.CacheSize())
		traced, err := j.trace(ctx, in, nil)
		if err != nil {
			return nil, err
		}
		lowered, err := traced.Lower()
		if err != nil {
			return nil, err
		}
		compiled, err = lowered.Compile()
		if err != nil {
			return nil, err
		}
		j.mu.Lock()
		j.cache[in.key] = compiled
		j.mu.Unlock()
		return compiled, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*Compiled), nil
}

// Trace the function for the given arguments, without compiling it. See Traced.
func (j *JitWrapped) Trace(args ...any) (*Traced, error) {
	ctx := nnx.NewUpdateContext()
	defer ctx.Close()
	in, err := j.prepare(ctx, args)
	if err != nil {
		return nil, err
	}
	return j.trace(ctx, in, nil)
}

// Lower is a shortcut to Trace(args...) followed by Traced.Lower.
func (j *JitWrapped) Lower(args ...any) (*Lowered, error) {
	traced, err := j.Trace(args...)
	if err != nil {
		return nil, err
	}
	return traced.Lower()
}

// tracedGraph returns the graph of the first *graph.Node found in the arguments, or nil.
func tracedGraph(args []any) *graph.Graph {
	var g *graph.Graph
	_ = tree.Walk(extract.AsTree(args), func(_ tree.Path, leaf any) error {
		if g != nil {
			return nil
		}
		switch v := leaf.(type) {
		case *graph.Node:
			g = v.Graph()
		case *nnx.Variable:
			if node := v.Node(); node != nil {
				g = node.Graph()
			}
		}
		return nil
	})
	return g
}

// prepare splits the dynamic arguments (the outer split of ctx) and computes the cache key.
func (j *JitWrapped) prepare(ctx *nnx.UpdateContext, args []any) (*jitInputs, error) {
	for idx := range j.config.staticArgs {
		if idx < 0 || idx >= len(args) {
			return nil, errors.Errorf("nnx.Jit(%q): static argument #%d out of range, only %d arguments given",
				j.config.name, idx, len(args))
		}
	}
	if len(j.config.inShardings) > 0 && len(j.config.inShardings) != len(args) {
		return nil, errors.Errorf("nnx.Jit(%q): %d in_shardings configured, but %d arguments given",
			j.config.name, len(j.config.inShardings), len(args))
	}
	dynamic := make([]any, len(args))
	var staticKey strings.Builder
	for ii, arg := range args {
		if j.config.staticArgs.Has(ii) {
			_, _ = fmt.Fprintf(&staticKey, "#%d=%#v;", ii, arg)
			continue
		}
		dynamic[ii] = arg
	}
	var prefix any
	if len(j.config.inShardings) > 0 {
		prefix = j.config.inShardings
	}

	in := &jitInputs{args: args, skeleton: extract.Skeleton(dynamic)}
	var err error
	in.prefixes, err = extract.BroadcastPrefix(extract.AsTree(dynamic), prefix)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q): in_shardings", j.config.name)
	}
	in.extracted, err = extract.ToTree(ctx, dynamic, prefix, nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q)", j.config.name)
	}
	in.flat, err = extract.Flatten(in.extracted)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q)", j.config.name)
	}
	in.shardings, err = resolveShardings(in.flat, in.prefixes, j.config.mesh != nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) in_shardings", j.config.name)
	}

	var key strings.Builder
	key.WriteString(in.flat.Fingerprint)
	key.WriteString("|shapes:")
	for _, fa := range in.flat.Arrays {
		key.WriteString(nnx.ArrayShape(fa.Value).String())
		key.WriteString(";")
	}
	key.WriteString("|static:")
	key.WriteString(staticKey.String())
	key.WriteString("|in:")
	key.WriteString(prefixKey(prefix))
	key.WriteString("|out:")
	key.WriteString(prefixKey(j.config.outShardings))
	in.key = key.String()
	return in, nil
}

// prefixKey returns a structural string of a sharding prefix.
func prefixKey(prefix any) string {
	if prefix == nil {
		return "nil"
	}
	return tree.Structure(extract.AsTree(prefix), func(leaf any) string {
		switch v := leaf.(type) {
		case nil:
			return "nil"
		case *StateSharding:
			return v.Key()
		case sharding.Spec:
			return v.String()
		default:
			return fmt.Sprintf("%#v", v)
		}
	})
}

// trace builds the graph: inner merge of the arguments, call of fn, inner split of the arguments and results.
// The parameters take the shapes of the input arrays, unless paramShapes is given.
func (j *JitWrapped) trace(ctx *nnx.UpdateContext, in *jitInputs, paramShapes []shapes.Shape) (traced *Traced, err error) {
	traced = &Traced{jit: j, in: in}
	err = exceptions.TryCatch[error](func() {
		g := graph.NewGraph(j.config.backend, j.config.name)
		traced.graph = g
		params := make([]any, len(in.flat.Arrays))
		for ii, fa := range in.flat.Arrays {
			shape := nnx.ArrayShape(fa.Value)
			if paramShapes != nil {
				shape = paramShapes[ii]
			}
			params[ii] = graph.Parameter(g, fmt.Sprintf("arg_%d", ii), shape)
		}
		innerExtracted, err := in.flat.Rebuild(params)
		if err != nil {
			panic(err)
		}
		innerTree, err := extract.FromTree(ctx, innerExtracted, nil, true)
		if err != nil {
			panic(err)
		}
		innerDynamic, err := extract.FromSkeleton(in.skeleton, innerTree)
		if err != nil {
			panic(err)
		}
		innerArgs := innerDynamic.([]any)
		for ii, arg := range in.args {
			if j.config.staticArgs.Has(ii) {
				innerArgs[ii] = arg
			}
		}

		out := j.fn(g, innerArgs...)

		argsOut := extract.ClearNonGraphNodes(innerTree)
		outValues := []any{argsOut, out}
		// The updated state of the arguments keeps their input shardings.
		outPrefix := []any{in.prefixes, j.config.outShardings}
		traced.outSkeleton = extract.Skeleton(out)
		traced.outPrefixes, err = extract.BroadcastPrefix(extract.AsTree(outValues), outPrefix)
		if err != nil {
			panic(errors.WithMessage(err, "out_shardings"))
		}
		outExtracted, err := extract.ToTree(ctx, outValues, outPrefix, nil)
		if err != nil {
			panic(err)
		}
		traced.outFlat, err = extract.Flatten(outExtracted)
		if err != nil {
			panic(err)
		}
		traced.outputs = make([]*graph.Node, len(traced.outFlat.Arrays))
		for ii, fa := range traced.outFlat.Arrays {
			switch v := fa.Value.(type) {
			case *graph.Node:
				if v.Graph() != g {
					exceptions.Panicf("output at %s was created in a different graph", fa)
				}
				traced.outputs[ii] = v
			case *tensors.Tensor:
				traced.outputs[ii] = graph.Const(g, v)
			}
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) while tracing", j.config.name)
	}
	traced.outShardings, err = resolveShardings(traced.outFlat, traced.outPrefixes, j.config.mesh != nil)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) out_shardings", j.config.name)
	}
	return traced, nil
}
