// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tree

import (
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertWalk(t *testing.T, tr *Tree, expectedPaths []string, expectedValues []any) {
	var paths []string
	var values []any
	require.NoError(t, Walk(tr, func(path Path, leaf any) error {
		paths = append(paths, path.String())
		values = append(values, leaf)
		return nil
	}))
	assert.Equal(t, expectedPaths, paths)
	assert.Equal(t, expectedValues, values)
}

func TestConstruction(t *testing.T) {
	tr := FromAny(map[string]any{
		"b": []any{1, 2},
		"a": 10,
		"c": map[string]any{"z": "zz", "y": "yy"},
	})
	assert.True(t, tr.IsMap())
	assert.Equal(t, []string{"a", "b", "c"}, tr.Keys())
	assert.True(t, tr.Child("b").IsList())
	assert.Nil(t, tr.Child("d"))
	assertWalk(t, tr,
		[]string{"a", "b/0", "b/1", "c/y", "c/z"},
		[]any{10, 1, 2, "yy", "zz"})
	assert.Equal(t, 5, NumLeaves(tr))
	assert.Equal(t, 2, Get(tr, ParsePath("b/1")).Value())
	assert.Nil(t, Get(tr, ParsePath("b/7")))
	assert.Panics(t, func() { tr.Value() })

	leaf := Leaf(3.0)
	assertWalk(t, leaf, []string{""}, []any{3.0})
}

func TestMap(t *testing.T) {
	tr := FromAny(map[string]any{"x": 1, "y": []any{2, 3}})
	doubled, err := Map(tr, func(_ Path, leaf any) (any, error) { return leaf.(int) * 2, nil })
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, Leaves(doubled))
	assert.Equal(t, []any{1, 2, 3}, Leaves(tr), "original tree must not change")

	_, err = Map(tr, func(path Path, _ any) (any, error) {
		if path.String() == "y/1" {
			return nil, fmt.Errorf("failed at %s", path)
		}
		return nil, nil
	})
	require.ErrorContains(t, err, "failed at y/1")
}

func TestMap2(t *testing.T) {
	a := FromAny(map[string]any{"x": 1, "y": []any{2, 3}})
	b := FromAny(map[string]any{"x": 10, "y": []any{20, 30}})
	sum, err := Map2(a, b, func(_ Path, la, lb any) (any, error) { return la.(int) + lb.(int), nil })
	require.NoError(t, err)
	assert.Equal(t, []any{11, 22, 33}, Leaves(sum))

	t.Run("mismatches", func(t *testing.T) {
		for name, other := range map[string]*Tree{
			"missing key":   FromAny(map[string]any{"x": 10}),
			"list length":   FromAny(map[string]any{"x": 10, "y": []any{20}}),
			"leaf vs map":   FromAny(map[string]any{"x": map[string]any{"a": 1}, "y": []any{20, 30}}),
			"different key": FromAny(map[string]any{"x": 10, "z": []any{20, 30}}),
		} {
			t.Run(name, func(t *testing.T) {
				err := SameStructure(a, other)
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrShapeMismatch))
			})
		}
	})
}

type box struct {
	tag   string
	value any
}

func (b *box) Unbox() any          { return b.value }
func (b *box) Rebox(value any) any { return &box{tag: b.tag, value: value} }

func TestMapValues(t *testing.T) {
	tr := FromAny(map[string]any{"boxed": &box{tag: "param", value: 1}, "bare": 2})
	result, err := MapValues(tr, func(_ Path, value any) (any, error) { return value.(int) * 100, nil })
	require.NoError(t, err)
	assert.Equal(t, 200, result.Child("bare").Value())
	boxed := result.Child("boxed").Value().(*box)
	assert.Equal(t, "param", boxed.tag)
	assert.Equal(t, 100, boxed.value)
}

func TestFromPaths(t *testing.T) {
	tr, err := FromPaths(
		[]Path{{"layer", "kernel"}, {"layer", "bias"}, {"step"}},
		[]any{"k", "b", 0})
	require.NoError(t, err)
	assertWalk(t, tr, []string{"layer/bias", "layer/kernel", "step"}, []any{"b", "k", 0})

	_, err = FromPaths([]Path{{"a"}, {"a", "b"}}, []any{1, 2})
	require.Error(t, err)
	_, err = FromPaths([]Path{{"a"}, {"a"}}, []any{1, 2})
	require.Error(t, err)

	empty, err := FromPaths(nil, nil)
	require.NoError(t, err)
	assert.True(t, empty.IsMap())
	assert.Equal(t, 0, empty.Len())
}

func TestStructure(t *testing.T) {
	tr := FromAny(map[string]any{"a": 1, "b": []any{2}})
	s := Structure(tr, func(leaf any) string { return fmt.Sprintf("%T", leaf) })
	assert.Equal(t, `{"a":int,"b":[int]}`, s)
}
