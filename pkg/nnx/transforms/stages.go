// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/nnx/extract"
	"github.com/gomlx/nnx/pkg/sharding"
	"github.com/gomlx/nnx/pkg/tree"
)

// Traced is the result of tracing a JitWrapped function for some arguments: the graph is built, but not yet
// lowered (shardings resolved) nor compiled.
type Traced struct {
	jit         *JitWrapped
	in          *jitInputs
	graph       *graph.Graph
	outputs     []*graph.Node
	outFlat     *extract.Flat
	outPrefixes *tree.Tree
	outSkeleton any

	outShardings []sharding.Spec
}

// OutInfo returns the shapes of the flattened outputs, including the updated state of the graph nodes passed
// as arguments.
func (t *Traced) OutInfo() []shapes.Shape {
	info := make([]shapes.Shape, len(t.outputs))
	for ii, node := range t.outputs {
		info[ii] = node.Shape()
	}
	return info
}

// AsText returns a textual representation of the traced graph.
func (t *Traced) AsText() string {
	return t.graph.String()
}

// Lower validates the shardings of every input and output array against the configured mesh. The shardings
// themselves are resolved while tracing, so lookup errors are reported by Trace.
func (t *Traced) Lower() (*Lowered, error) {
	l := &Lowered{traced: t, inShardings: t.in.shardings, outShardings: t.outShardings}
	mesh := t.jit.config.mesh
	if err := validateShardings(t.in.flat, l.inShardings, mesh, true); err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) in_shardings", t.jit.config.name)
	}
	if err := validateShardings(t.outFlat, l.outShardings, mesh, true); err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) out_shardings", t.jit.config.name)
	}
	return l, nil
}

// resolveShardings returns the sharding of each array: the sharding prefix that applies to it, or, for the
// state of graph nodes with no prefix and if useMetadata, the "sharding" metadata of the Variable.
// Metadata shardings are hints: without a mesh they are ignored.
func resolveShardings(flat *extract.Flat, prefixes *tree.Tree, useMetadata bool) ([]sharding.Spec, error) {
	specs := make([]sharding.Spec, len(flat.Arrays))
	for ii, fa := range flat.Arrays {
		var prefix any
		if fa.Node != nil {
			prefix = fa.Node.Metadata
		} else if leaf := tree.Get(prefixes, fa.Path); leaf != nil && leaf.IsLeaf() {
			prefix = leaf.Value()
		}
		switch p := prefix.(type) {
		case nil:
			if fa.Node != nil && useMetadata {
				if v, found := fa.Node.GraphDef.VariableAt(fa.State, fa.StatePath); found {
					specs[ii] = specFromMetadata(v)
				}
			}
		case sharding.Spec:
			specs[ii] = p
		case []string:
			specs[ii] = sharding.Spec(p)
		case *StateSharding:
			if fa.Node == nil {
				return nil, errors.Errorf("a StateSharding was given for the array at %s, it only applies to graph nodes", fa)
			}
			v, found := fa.Node.GraphDef.VariableAt(fa.State, fa.StatePath)
			if !found {
				return nil, errors.Wrapf(nnx.ErrLookup, "no variable found for %s", fa)
			}
			var err error
			specs[ii], _, err = p.MapPrefix(fa.StatePath, v)
			if err != nil {
				return nil, err
			}
		default:
			return nil, errors.Errorf("invalid sharding prefix of type %T for %s", prefix, fa)
		}
	}
	return specs, nil
}

// validateShardings checks the non-replicated shardings against the mesh and, if checkShapes, that the arrays
// can be evenly split.
func validateShardings(flat *extract.Flat, specs []sharding.Spec, mesh *sharding.Mesh, checkShapes bool) error {
	for ii, spec := range specs {
		if spec.IsReplicated() {
			continue
		}
		fa := flat.Arrays[ii]
		if mesh == nil {
			return errors.Errorf("sharding %s given for %s, but no mesh was configured", spec, fa)
		}
		var err error
		if checkShapes {
			_, err = spec.ShardShape(mesh, nnx.ArrayShape(fa.Value))
		} else {
			err = spec.Validate(mesh)
		}
		if err != nil {
			return errors.WithMessagef(err, "sharding of %s", fa)
		}
	}
	return nil
}

func specFromMetadata(v *nnx.Variable) sharding.Spec {
	value, found := v.GetMetadata(nnx.MetadataSharding)
	if !found {
		return nil
	}
	switch s := value.(type) {
	case sharding.Spec:
		return s
	case []string:
		return sharding.Spec(s)
	}
	return nil
}

// Lowered is a Traced function with its shardings resolved, ready to be compiled.
type Lowered struct {
	traced                    *Traced
	inShardings, outShardings []sharding.Spec
}

// AsText returns a textual representation of the graph with the input and output shardings.
func (l *Lowered) AsText() string {
	var sb strings.Builder
	sb.WriteString(l.traced.AsText())
	writeShardings(&sb, "in", l.traced.in.flat, l.inShardings)
	writeShardings(&sb, "out", l.traced.outFlat, l.outShardings)
	return sb.String()
}

func writeShardings(sb *strings.Builder, name string, flat *extract.Flat, specs []sharding.Spec) {
	_, _ = fmt.Fprintf(sb, "\n%s_shardings:", name)
	for ii, fa := range flat.Arrays {
		_, _ = fmt.Fprintf(sb, "\n\t%s: %s", fa, specs[ii])
	}
}

// CostAnalysis is not provided by GoMLX backends: it always returns false.
func (l *Lowered) CostAnalysis() (map[string]float64, bool) { return nil, false }

// MemoryAnalysis is not provided by GoMLX backends: it always returns false.
func (l *Lowered) MemoryAnalysis() (map[string]int64, bool) { return nil, false }

// FromFlatInfo would recreate a Lowered from its flattened description. It returns ErrNotImplemented.
func (l *Lowered) FromFlatInfo(...any) (*Lowered, error) {
	return nil, errors.Wrap(ErrNotImplemented, "Lowered.FromFlatInfo")
}

// Compile the lowered graph.
func (l *Lowered) Compile() (*Compiled, error) {
	t := l.traced
	outputs := t.outputs
	hasDummy := len(outputs) == 0
	err := exceptions.TryCatch[error](func() {
		if hasDummy {
			// At least one output is required.
			outputs = []*graph.Node{graph.Const(t.graph, int32(0))}
		}
		t.graph.Compile(outputs...)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) while compiling", t.jit.config.name)
	}
	klog.V(1).Infof("nnx.Jit(%q): compiled with %d inputs and %d outputs", t.jit.config.name,
		len(t.in.flat.Arrays), len(t.outputs))
	return &Compiled{lowered: l, hasDummy: hasDummy}, nil
}

// Compiled is a compiled JitWrapped function for one signature (structure, shapes and static arguments).
type Compiled struct {
	lowered  *Lowered
	hasDummy bool
}

// AsText returns the same as Lowered.AsText.
func (c *Compiled) AsText() string { return c.lowered.AsText() }

// CostAnalysis is not provided by GoMLX backends: it always returns false.
func (c *Compiled) CostAnalysis() (map[string]float64, bool) { return nil, false }

// MemoryAnalysis is not provided by GoMLX backends: it always returns false.
func (c *Compiled) MemoryAnalysis() (map[string]int64, bool) { return nil, false }

// RuntimeExecutable is not exposed by GoMLX graphs: it always returns false.
func (c *Compiled) RuntimeExecutable() (any, bool) { return nil, false }

// InputShardings returns the resolved sharding of each flattened input array.
func (c *Compiled) InputShardings() []sharding.Spec { return c.lowered.inShardings }

// OutputShardings returns the resolved sharding of each flattened output array.
func (c *Compiled) OutputShardings() []sharding.Spec { return c.lowered.outShardings }

// Call the compiled function. The arguments must match the signature it was traced for.
func (c *Compiled) Call(args ...any) (any, error) {
	j := c.lowered.traced.jit
	ctx := nnx.NewUpdateContext()
	defer ctx.Close()
	in, err := j.prepare(ctx, args)
	if err != nil {
		return nil, err
	}
	if in.key != c.lowered.traced.in.key {
		return nil, errors.Errorf("nnx.Jit(%q): arguments don't match the signature of the compiled function",
			j.config.name)
	}
	return c.run(ctx, in)
}

// run executes the compiled graph and does the outer merge of the results.
func (c *Compiled) run(ctx *nnx.UpdateContext, in *jitInputs) (any, error) {
	t := c.lowered.traced
	j := t.jit
	inputs := make([]any, len(in.flat.Arrays))
	for ii, fa := range in.flat.Arrays {
		tensor, ok := fa.Value.(*tensors.Tensor)
		if !ok {
			return nil, errors.Errorf("nnx.Jit(%q): input %s is a %T, expected a *tensors.Tensor", j.config.name, fa, fa.Value)
		}
		inputs[ii] = tensor
		if j.config.donateArgs.Has(argIndex(fa)) {
			donated, err := graph.DonateTensorBuffer(tensor, j.config.backend, 0)
			if err != nil {
				klog.V(2).Infof("nnx.Jit(%q): can't donate %s: %v", j.config.name, fa, err)
				continue
			}
			inputs[ii] = donated
		}
	}
	var outputs []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { outputs = t.graph.Run(inputs...) })
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) while executing", j.config.name)
	}
	if c.hasDummy {
		outputs = nil
	}
	values := make([]any, len(outputs))
	for ii, output := range outputs {
		values[ii] = output
	}
	outExtracted, err := t.outFlat.Rebuild(values)
	if err != nil {
		return nil, err
	}
	outTree, err := extract.FromTree(ctx, outExtracted, nil, false)
	if err != nil {
		return nil, errors.WithMessagef(err, "nnx.Jit(%q) while updating graph nodes", j.config.name)
	}
	result, err := extract.FromSkeleton(t.outSkeleton, outTree.Index(1))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// argIndex returns the position of the argument an array belongs to.
func argIndex(fa extract.FlatArray) int {
	if len(fa.Path) == 0 {
		return -1
	}
	idx, err := strconv.Atoi(fa.Path[0])
	if err != nil {
		return -1
	}
	return idx
}
