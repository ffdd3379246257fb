// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package transforms

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/sharding"
	"github.com/gomlx/nnx/pkg/tree"
)

// ShardingPair associates a Filter with the sharding of the Variables it matches.
type ShardingPair struct {
	Filter nnx.Filter
	Spec   sharding.Spec
}

// StateSharding is an ordered list of (Filter, sharding.Spec) pairs, used as a sharding prefix for graph
// nodes: each Variable takes the sharding of the first filter it matches.
type StateSharding struct {
	filters   []nnx.Filter
	shardings []sharding.Spec
}

// NewStateSharding creates a StateSharding from ordered pairs.
func NewStateSharding(pairs ...ShardingPair) *StateSharding {
	s := &StateSharding{
		filters:   make([]nnx.Filter, len(pairs)),
		shardings: make([]sharding.Spec, len(pairs)),
	}
	for ii, pair := range pairs {
		s.filters[ii] = pair.Filter
		s.shardings[ii] = pair.Spec
	}
	return s
}

// StateShardingFromMap creates a StateSharding with one PathEquals filter per path ("/" separated) in
// the map. Pairs are sorted by path.
func StateShardingFromMap(specs map[string]sharding.Spec) *StateSharding {
	paths := maps.Keys(specs)
	slices.Sort(paths)
	pairs := make([]ShardingPair, len(paths))
	for ii, path := range paths {
		pairs[ii] = ShardingPair{Filter: nnx.PathEquals(tree.ParsePath(path)), Spec: specs[path]}
	}
	return NewStateSharding(pairs...)
}

// StateShardingFromState creates a StateSharding with one PathEquals filter per leaf of state, whose leaves
// must be sharding.Spec (or []string).
func StateShardingFromState(state *tree.Tree) (*StateSharding, error) {
	var pairs []ShardingPair
	err := tree.Walk(state, func(path tree.Path, leaf any) error {
		var spec sharding.Spec
		switch v := leaf.(type) {
		case sharding.Spec:
			spec = v
		case []string:
			spec = sharding.Spec(v)
		case nil:
			spec = sharding.Replicated
		default:
			return errors.Wrapf(nnx.ErrTypeMismatch, "sharding state leaf at %q is a %T, expected a sharding.Spec", path, leaf)
		}
		pairs = append(pairs, ShardingPair{Filter: nnx.PathEquals(path), Spec: spec})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return NewStateSharding(pairs...), nil
}

// Filters returns the filters, in order.
func (s *StateSharding) Filters() []nnx.Filter { return slices.Clone(s.filters) }

// Shardings returns the shardings, in the same order as the filters.
func (s *StateSharding) Shardings() []sharding.Spec { return slices.Clone(s.shardings) }

// MapPrefix returns the sharding for the Variable v at path, and the index of the pair that matched.
// The first matching filter wins.
//
// It returns an error wrapping nnx.ErrLookup if no filter matches.
func (s *StateSharding) MapPrefix(path tree.Path, v *nnx.Variable) (sharding.Spec, int, error) {
	for ii, filter := range s.filters {
		if filter.Match(path, v) {
			return s.shardings[ii], ii, nil
		}
	}
	return nil, -1, errors.Wrapf(nnx.ErrLookup, "no axis found for path %q (variable %s) in %s", path, v, s)
}

// Key returns a string that identifies the StateSharding structurally, used in cache keys.
func (s *StateSharding) Key() string {
	var sb strings.Builder
	sb.WriteString("StateSharding(")
	for ii, filter := range s.filters {
		if ii > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(filter.String())
		sb.WriteString(": ")
		sb.WriteString(s.shardings[ii].String())
	}
	sb.WriteString(")")
	return sb.String()
}

// Equal returns whether both StateShardings have the same filters and shardings, in the same order.
func (s *StateSharding) Equal(other *StateSharding) bool {
	if s == nil || other == nil {
		return s == other
	}
	return s.Key() == other.Key()
}

// String implements fmt.Stringer.
func (s *StateSharding) String() string { return s.Key() }
