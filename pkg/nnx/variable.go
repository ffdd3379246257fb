// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// Kind of Variable. Kinds form a hierarchy, so filters by kind also match the derived kinds.
type Kind struct {
	name   string
	parent *Kind
}

// NewKind creates a new Kind derived from parent. If parent is nil, it derives from VariableKind.
func NewKind(name string, parent *Kind) *Kind {
	if parent == nil {
		parent = VariableKind
	}
	return &Kind{name: name, parent: parent}
}

var (
	// VariableKind is the root of the Kind hierarchy: every Kind IsA VariableKind.
	VariableKind = &Kind{name: "Variable"}

	// ParamKind is the kind of trainable parameters.
	ParamKind = NewKind("Param", VariableKind)

	// BatchStatKind is the kind of batch statistics (e.g. moving averages of batch normalization).
	BatchStatKind = NewKind("BatchStat", VariableKind)

	// CacheKind is the kind of cached values (e.g. attention caches).
	CacheKind = NewKind("Cache", VariableKind)

	// IntermediateKind is the kind of captured intermediate values.
	IntermediateKind = NewKind("Intermediate", VariableKind)
)

// Name of the kind.
func (k *Kind) Name() string { return k.name }

// Parent kind, or nil for VariableKind.
func (k *Kind) Parent() *Kind { return k.parent }

// IsA returns whether k is other or derives from it.
func (k *Kind) IsA(other *Kind) bool {
	for current := k; current != nil; current = current.parent {
		if current == other {
			return true
		}
	}
	return false
}

// String implements fmt.Stringer.
func (k *Kind) String() string { return k.name }

// MetadataSharding is the metadata key used to store a sharding hint (a sharding.Spec) for a Variable.
const MetadataSharding = "sharding"

// Variable is a mutable container for one array value, with a Kind and metadata.
//
// The value is a *tensors.Tensor when used eagerly, and a *graph.Node while a computation is being traced.
// Variables are identified by their pointer: after a Split/Merge across a lifted transform, the caller's
// Variables are updated in place.
type Variable struct {
	kind     *Kind
	value    any
	metadata map[string]any
}

// NewVariable creates a Variable of the given kind. Values other than *tensors.Tensor and *graph.Node are
// converted with tensors.FromAnyValue.
// The metadata map is copied.
func NewVariable(kind *Kind, value any, metadata map[string]any) *Variable {
	if kind == nil {
		kind = VariableKind
	}
	v := &Variable{kind: kind, value: normalizeValue(value)}
	if len(metadata) > 0 {
		v.metadata = maps.Clone(metadata)
	}
	return v
}

// Param creates a trainable parameter Variable.
func Param(value any) *Variable {
	return NewVariable(ParamKind, value, nil)
}

// BatchStat creates a batch statistics Variable.
func BatchStat(value any) *Variable {
	return NewVariable(BatchStatKind, value, nil)
}

func normalizeValue(value any) any {
	switch value.(type) {
	case nil, *tensors.Tensor, *graph.Node:
		return value
	default:
		return tensors.FromAnyValue(value)
	}
}

// Kind of the Variable.
func (v *Variable) Kind() *Kind { return v.kind }

// Value returns the current value: a *tensors.Tensor or a *graph.Node.
func (v *Variable) Value() any { return v.value }

// SetValue sets the value of the Variable in place. See NewVariable for accepted values.
func (v *Variable) SetValue(value any) {
	v.value = normalizeValue(value)
}

// Tensor returns the value as a tensor, or nil if the Variable is holding a graph node.
func (v *Variable) Tensor() *tensors.Tensor {
	t, _ := v.value.(*tensors.Tensor)
	return t
}

// Node returns the value as a graph node, or nil if the Variable is holding a concrete tensor.
func (v *Variable) Node() *graph.Node {
	n, _ := v.value.(*graph.Node)
	return n
}

// IsTraced returns whether the Variable holds a *graph.Node.
func (v *Variable) IsTraced() bool {
	_, ok := v.value.(*graph.Node)
	return ok
}

// Shape of the value held.
func (v *Variable) Shape() shapes.Shape {
	return ArrayShape(v.value)
}

// Metadata returns a copy of the Variable's metadata.
func (v *Variable) Metadata() map[string]any {
	return maps.Clone(v.metadata)
}

// GetMetadata returns the metadata value for key.
func (v *Variable) GetMetadata(key string) (any, bool) {
	value, found := v.metadata[key]
	return value, found
}

// SetMetadata sets a metadata entry and returns the Variable itself, so it can be chained at construction.
func (v *Variable) SetMetadata(key string, value any) *Variable {
	if v.metadata == nil {
		v.metadata = make(map[string]any)
	}
	v.metadata[key] = value
	return v
}

// Unbox implements tree.Boxed.
func (v *Variable) Unbox() any { return v.value }

// Rebox implements tree.Boxed: it returns a new Variable of the same kind and metadata holding value.
func (v *Variable) Rebox(value any) any {
	return NewVariable(v.kind, value, v.metadata)
}

// String implements fmt.Stringer.
func (v *Variable) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "%s(", v.kind)
	switch value := v.value.(type) {
	case nil:
		sb.WriteString("nil")
	case *graph.Node:
		_, _ = fmt.Fprintf(&sb, "traced %s", value.Shape())
	default:
		_, _ = fmt.Fprintf(&sb, "%s", ArrayShape(value))
	}
	for _, key := range slices.Sorted(maps.Keys(v.metadata)) {
		_, _ = fmt.Fprintf(&sb, ", %s=%v", key, v.metadata[key])
	}
	sb.WriteString(")")
	return sb.String()
}

// IsArray returns whether value is an array: a *tensors.Tensor or a *graph.Node.
func IsArray(value any) bool {
	switch value.(type) {
	case *tensors.Tensor, *graph.Node:
		return true
	}
	return false
}

// ArrayShape returns the shape of a *tensors.Tensor or *graph.Node, or an invalid shape for anything else.
func ArrayShape(value any) shapes.Shape {
	switch array := value.(type) {
	case *tensors.Tensor:
		if array != nil {
			return array.Shape()
		}
	case *graph.Node:
		if array != nil {
			return array.Shape()
		}
	}
	return shapes.Shape{}
}
