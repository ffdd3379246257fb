// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/nnx/pkg/tree"
)

// Filter is a predicate over a Variable and its path within a graph node.
//
// Filters are compared structurally by their String() representation, so two filters with the same String()
// are considered equal (e.g. for cache keys).
type Filter interface {
	Match(path tree.Path, v *Variable) bool
	String() string
}

var (
	// Everything matches all Variables.
	Everything Filter = constFilter(true)

	// Nothing matches no Variable.
	Nothing Filter = constFilter(false)

	// Params matches trainable parameters: it is the default filter for optimizers.
	Params = OfType(ParamKind)
)

type constFilter bool

func (f constFilter) Match(tree.Path, *Variable) bool { return bool(f) }

func (f constFilter) String() string {
	if f {
		return "Everything"
	}
	return "Nothing"
}

type ofType struct{ kind *Kind }

// OfType matches Variables whose kind IsA the given kind.
func OfType(kind *Kind) Filter { return ofType{kind: kind} }

func (f ofType) Match(_ tree.Path, v *Variable) bool { return v.Kind().IsA(f.kind) }
func (f ofType) String() string                      { return fmt.Sprintf("OfType(%s)", f.kind) }

type pathContains struct{ element string }

// PathContains matches Variables whose path includes the given element (a field name, key or index).
func PathContains(element string) Filter { return pathContains{element: element} }

func (f pathContains) Match(path tree.Path, _ *Variable) bool {
	return slices.Contains(path, f.element)
}
func (f pathContains) String() string { return fmt.Sprintf("PathContains(%q)", f.element) }

type pathEquals struct{ path string }

// PathEquals matches the Variable at exactly the given path.
func PathEquals(path tree.Path) Filter { return pathEquals{path: path.String()} }

func (f pathEquals) Match(path tree.Path, _ *Variable) bool { return path.String() == f.path }
func (f pathEquals) String() string                         { return fmt.Sprintf("PathEquals(%q)", f.path) }

type anyOf []Filter

// Any matches if any of the filters match. Any() with no filters matches nothing.
func Any(filters ...Filter) Filter { return anyOf(slices.Clone(filters)) }

func (f anyOf) Match(path tree.Path, v *Variable) bool {
	for _, filter := range f {
		if filter.Match(path, v) {
			return true
		}
	}
	return false
}

func (f anyOf) String() string { return "Any(" + joinFilters(f) + ")" }

type allOf []Filter

// All matches if all filters match. All() with no filters matches everything.
func All(filters ...Filter) Filter { return allOf(slices.Clone(filters)) }

func (f allOf) Match(path tree.Path, v *Variable) bool {
	for _, filter := range f {
		if !filter.Match(path, v) {
			return false
		}
	}
	return true
}

func (f allOf) String() string { return "All(" + joinFilters(f) + ")" }

type not struct{ filter Filter }

// Not negates a filter.
func Not(filter Filter) Filter { return not{filter: filter} }

func (f not) Match(path tree.Path, v *Variable) bool { return !f.filter.Match(path, v) }
func (f not) String() string                         { return "Not(" + f.filter.String() + ")" }

type funcFilter struct {
	name string
	fn   func(path tree.Path, v *Variable) bool
}

// FilterFunc creates a filter from an arbitrary function. The name is used as its String() representation,
// so it must uniquely identify the function's behavior.
func FilterFunc(name string, fn func(path tree.Path, v *Variable) bool) Filter {
	return funcFilter{name: name, fn: fn}
}

func (f funcFilter) Match(path tree.Path, v *Variable) bool { return f.fn(path, v) }
func (f funcFilter) String() string                         { return f.name }

func joinFilters(filters []Filter) string {
	parts := make([]string, len(filters))
	for ii, filter := range filters {
		parts[ii] = filter.String()
	}
	return strings.Join(parts, ", ")
}

// firstMatch returns the index of the first filter matching (path, v), or -1.
func firstMatch(filters []Filter, path tree.Path, v *Variable) int {
	for ii, filter := range filters {
		if filter.Match(path, v) {
			return ii
		}
	}
	return -1
}
