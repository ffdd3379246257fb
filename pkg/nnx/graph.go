// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nnx

import (
	"cmp"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/xslices"
	"github.com/gomlx/nnx/pkg/tree"
	"github.com/pkg/errors"
)

// Object is embedded (by value) in user structs to make pointers to them graph nodes.
//
// Example:
//
//	type MLP struct {
//		nnx.Object
//		Layers []*Linear
//	}
type Object struct{}

func (Object) isGraphNode() {}

// GraphNode is implemented by pointers to structs embedding Object.
type GraphNode interface {
	isGraphNode()
}

// IsGraphNode returns whether value is a graph node: a non-nil *Variable or a non-nil pointer to a struct
// embedding Object.
func IsGraphNode(value any) bool {
	switch v := value.(type) {
	case *Variable:
		return v != nil
	case GraphNode:
		rv := reflect.ValueOf(v)
		return rv.Kind() == reflect.Ptr && !rv.IsNil() && rv.Elem().Kind() == reflect.Struct
	}
	return false
}

var (
	treePtrType        = reflect.TypeOf((*tree.Tree)(nil))
	variableStructType = reflect.TypeOf(Variable{})
)

// refKey identifies an object by pointer and type: a pointer to a struct and a pointer to its first field
// share the address.
type refKey struct {
	ptr uintptr
	typ reflect.Type
}

func refKeyOf(obj any) refKey {
	rv := reflect.ValueOf(obj)
	return refKey{ptr: rv.Pointer(), typ: rv.Type()}
}

// nodeDef describes one graph node (struct node or Variable) in a GraphDef.
type nodeDef struct {
	index int

	// Set for Variables.
	kind      *Kind
	metadata  map[string]any
	statePath tree.Path
	partition int

	// Set for struct nodes.
	ptrType  reflect.Type
	template reflect.Value
	edges    []int
	static   []string
}

func (nd *nodeDef) isVariable() bool { return nd.kind != nil }

// GraphDef is the immutable structural description of a graph node: the types, the static fields, the
// Variables' kinds and metadata, and how nodes reference each other (aliasing and cycles included).
//
// Together with the state trees returned by Split, it allows rebuilding the graph node with Merge.
// Node indices are assigned by traversal order, so splitting two graph nodes with the same structure yields
// GraphDefs with the same Fingerprint.
type GraphDef struct {
	root        int
	nodes       []*nodeDef
	byIndex     map[int]*nodeDef
	numStates   int
	fingerprint string
}

// Root returns the index of the root node.
func (d *GraphDef) Root() int { return d.root }

// NumNodes returns the number of nodes (structs and Variables) defined in the GraphDef.
// Nodes seen before in the same UpdateContext are only referenced, and not counted.
func (d *GraphDef) NumNodes() int { return len(d.nodes) }

// NumStates returns the number of state trees that must be given to Merge.
func (d *GraphDef) NumStates() int { return d.numStates }

// IsReference returns whether the root node is a reference to a node defined previously in the same
// UpdateContext (aliasing across arguments).
func (d *GraphDef) IsReference() bool {
	_, found := d.byIndex[d.root]
	return !found
}

// Fingerprint returns a string that uniquely describes the structure, used as a cache key.
func (d *GraphDef) Fingerprint() string { return d.fingerprint }

// VariableAt returns a description of the Variable stored at path of the given state: a new Variable with
// the kind and metadata, but no value. It returns false if there is no such Variable.
func (d *GraphDef) VariableAt(state int, path tree.Path) (*Variable, bool) {
	pathStr := path.String()
	for _, nd := range d.nodes {
		if nd.isVariable() && nd.partition == state && nd.statePath.String() == pathStr {
			return &Variable{kind: nd.kind, metadata: maps.Clone(nd.metadata)}, true
		}
	}
	return nil, false
}

// String implements fmt.Stringer.
func (d *GraphDef) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "GraphDef(root=#%d, states=%d", d.root, d.numStates)
	for _, nd := range d.nodes {
		if nd.isVariable() {
			_, _ = fmt.Fprintf(&sb, "\n\t#%d: %s at %q (state #%d)", nd.index, nd.kind, nd.statePath, nd.partition)
		} else {
			_, _ = fmt.Fprintf(&sb, "\n\t#%d: %s -> %v", nd.index, nd.ptrType, nd.edges)
		}
	}
	sb.WriteString(")")
	return sb.String()
}

func (d *GraphDef) computeFingerprint() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "root=%d;states=%d;", d.root, d.numStates)
	for _, nd := range d.nodes {
		if nd.isVariable() {
			_, _ = fmt.Fprintf(&sb, "#%d:%s@%p:%q/%d", nd.index, nd.kind, nd.kind, nd.statePath.String(), nd.partition)
			for _, key := range slices.Sorted(maps.Keys(nd.metadata)) {
				_, _ = fmt.Fprintf(&sb, ",%s=%v", key, nd.metadata[key])
			}
			sb.WriteString(";")
		} else {
			_, _ = fmt.Fprintf(&sb, "#%d:%s%q->%v;", nd.index, nd.ptrType, nd.static, nd.edges)
		}
	}
	return sb.String()
}

// splitIndexer assigns indices to the objects found during a split.
type splitIndexer interface {
	// seen returns the index of an object already visited in the current split leg.
	seen(key refKey) (int, bool)

	// assign an index to an object visited for the first time in the current split leg.
	assign(key refKey, obj any) int
}

// localIndexer is used by Split when no UpdateContext is given.
type localIndexer struct {
	refIndex map[refKey]int
}

func (l *localIndexer) seen(key refKey) (int, bool) {
	idx, found := l.refIndex[key]
	return idx, found
}

func (l *localIndexer) assign(key refKey, _ any) int {
	idx := len(l.refIndex)
	l.refIndex[key] = idx
	return idx
}

// flattener holds the state of one split.
type flattener struct {
	indexer     splitIndexer
	filters     []Filter
	def         *GraphDef
	statePaths  [][]tree.Path
	stateValues [][]any
	onVariable  func(path tree.Path, v *Variable, partition int)
}

// flatten splits root into a GraphDef and one state tree per filter. If no filters are given, all
// Variables go to a single state.
func flatten(root any, indexer splitIndexer, filters []Filter) (*GraphDef, []*tree.Tree, error) {
	if !IsGraphNode(root) {
		return nil, nil, errors.Wrapf(ErrTypeMismatch, "value of type %T is not a graph node", root)
	}
	if len(filters) == 0 {
		filters = []Filter{Everything}
	}
	f := &flattener{
		indexer:     indexer,
		filters:     filters,
		def:         &GraphDef{byIndex: make(map[int]*nodeDef), numStates: len(filters)},
		statePaths:  make([][]tree.Path, len(filters)),
		stateValues: make([][]any, len(filters)),
	}
	rootIdx, err := f.node(root, tree.Path{})
	if err != nil {
		return nil, nil, err
	}
	f.def.root = rootIdx
	f.def.fingerprint = f.def.computeFingerprint()
	states := make([]*tree.Tree, len(filters))
	for ii := range filters {
		states[ii], err = tree.FromPaths(f.statePaths[ii], f.stateValues[ii])
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "while building state #%d", ii)
		}
	}
	return f.def, states, nil
}

// node visits a graph node and returns its index.
func (f *flattener) node(obj any, path tree.Path) (int, error) {
	key := refKeyOf(obj)
	if idx, found := f.indexer.seen(key); found {
		return idx, nil
	}
	idx := f.indexer.assign(key, obj)
	if v, ok := obj.(*Variable); ok {
		partition := firstMatch(f.filters, path, v)
		if partition < 0 {
			return 0, errors.Wrapf(ErrLookup, "variable %s at path %q doesn't match any of the filters %q",
				v, path, joinFilters(f.filters))
		}
		nd := &nodeDef{
			index:     idx,
			kind:      v.kind,
			metadata:  maps.Clone(v.metadata),
			statePath: path,
			partition: partition,
		}
		f.addNode(nd)
		f.statePaths[partition] = append(f.statePaths[partition], path)
		f.stateValues[partition] = append(f.stateValues[partition], v.value)
		if f.onVariable != nil {
			f.onVariable(path, v, partition)
		}
		return idx, nil
	}

	rv := reflect.ValueOf(obj)
	elem := rv.Elem()
	template := reflect.New(elem.Type()).Elem()
	template.Set(elem)
	nd := &nodeDef{index: idx, ptrType: rv.Type(), template: template}
	f.addNode(nd)
	err := scan(elem, path, &scanVisitor{
		onRef: func(childPath tree.Path, child any) error {
			childIdx, err := f.node(child, childPath)
			if err != nil {
				return err
			}
			nd.edges = append(nd.edges, childIdx)
			return nil
		},
		onStatic: func(childPath tree.Path, repr string) {
			nd.static = append(nd.static, childPath[len(path):].String()+"="+repr)
		},
	})
	if err != nil {
		return 0, err
	}
	return idx, nil
}

func (f *flattener) addNode(nd *nodeDef) {
	f.def.nodes = append(f.def.nodes, nd)
	f.def.byIndex[nd.index] = nd
}

// scanVisitor receives the references (graph nodes) and static values found while scanning a struct node.
type scanVisitor struct {
	onRef    func(path tree.Path, obj any) error
	onStatic func(path tree.Path, repr string)
}

// asRef returns the graph node held by v, if any.
func asRef(v reflect.Value) (any, bool) {
	if v.Kind() != reflect.Ptr || v.IsNil() {
		return nil, false
	}
	obj := v.Interface()
	return obj, IsGraphNode(obj)
}

// scan traverses the exported contents of v, in a deterministic order. It must visit references in
// exactly the same order as rebuild.
func scan(v reflect.Value, path tree.Path, visitor *scanVisitor) error {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			visitor.onStatic(path, "nil")
			return nil
		}
		if obj, ok := asRef(v); ok {
			return visitor.onRef(path, obj)
		}
		if v.Type() == treePtrType {
			return scanTree(v.Interface().(*tree.Tree), path, visitor)
		}
		visitor.onStatic(path, fmt.Sprintf("%s@%x", v.Type(), v.Pointer()))
		return nil

	case reflect.Interface:
		if v.IsNil() {
			visitor.onStatic(path, "nil")
			return nil
		}
		return scan(v.Elem(), path, visitor)

	case reflect.Struct:
		t := v.Type()
		if t == variableStructType {
			return errors.Errorf("graph node has a Variable stored by value at path %q, use *Variable instead", path)
		}
		if !hasExportedFields(t) {
			visitor.onStatic(path, fmt.Sprintf("%s:%v", t, v.Interface()))
			return nil
		}
		for fieldIdx := range t.NumField() {
			field := t.Field(fieldIdx)
			if !field.IsExported() {
				continue
			}
			if err := scan(v.Field(fieldIdx), path.Append(field.Name), visitor); err != nil {
				return err
			}
		}
		return nil

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			visitor.onStatic(path, "nil")
			return nil
		}
		for ii := range v.Len() {
			if err := scan(v.Index(ii), path.Append(strconv.Itoa(ii)), visitor); err != nil {
				return err
			}
		}
		return nil

	case reflect.Map:
		if v.IsNil() {
			visitor.onStatic(path, "nil")
			return nil
		}
		keys, names, ok := sortedMapKeys(v)
		if !ok {
			visitor.onStatic(path, fmt.Sprintf("%s@%x", v.Type(), v.Pointer()))
			return nil
		}
		for ii, key := range keys {
			if err := scan(v.MapIndex(key), path.Append(names[ii]), visitor); err != nil {
				return err
			}
		}
		return nil

	case reflect.Func, reflect.Chan, reflect.UnsafePointer:
		visitor.onStatic(path, fmt.Sprintf("%s@%x", v.Type(), v.Pointer()))
		return nil

	case reflect.Invalid:
		visitor.onStatic(path, "invalid")
		return nil

	default:
		visitor.onStatic(path, fmt.Sprintf("%#v", v.Interface()))
		return nil
	}
}

func scanTree(t *tree.Tree, path tree.Path, visitor *scanVisitor) error {
	return tree.Walk(t, func(leafPath tree.Path, leaf any) error {
		fullPath := path.Append(leafPath...)
		if IsGraphNode(leaf) {
			return visitor.onRef(fullPath, leaf)
		}
		visitor.onStatic(fullPath, fmt.Sprintf("%T", leaf))
		return nil
	})
}

func hasExportedFields(t reflect.Type) bool {
	for fieldIdx := range t.NumField() {
		if t.Field(fieldIdx).IsExported() {
			return true
		}
	}
	return false
}

// sortedMapKeys returns the keys of the map sorted by their string representation. It returns false if the
// key type is not a string or an integer.
func sortedMapKeys(v reflect.Value) ([]reflect.Value, []string, bool) {
	originalKeys := v.MapKeys()
	names := make([]string, len(originalKeys))
	for ii, k := range originalKeys {
		switch k.Kind() {
		case reflect.String:
			names[ii] = k.String()
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			names[ii] = strconv.FormatInt(k.Int(), 10)
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			names[ii] = strconv.FormatUint(k.Uint(), 10)
		default:
			return nil, nil, false
		}
	}
	indices := xslices.Iota(0, len(originalKeys))
	slices.SortFunc(indices, func(i, j int) int { return cmp.Compare(names[i], names[j]) })
	keys := make([]reflect.Value, len(indices))
	sortedNames := make([]string, len(indices))
	for ii, idx := range indices {
		keys[ii] = originalKeys[idx]
		sortedNames[ii] = names[idx]
	}
	return keys, sortedNames, true
}

// rebuild returns a copy of v where every reference (in scan order) is replaced by the next value returned
// by resolve. Containers holding references are copied, so v itself is never modified.
func rebuild(v reflect.Value, resolve func() (reflect.Value, error)) (reflect.Value, error) {
	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return v, nil
		}
		if _, ok := asRef(v); ok {
			return resolve()
		}
		if v.Type() == treePtrType {
			newTree, err := tree.Map(v.Interface().(*tree.Tree), func(_ tree.Path, leaf any) (any, error) {
				if !IsGraphNode(leaf) {
					return leaf, nil
				}
				resolved, err := resolve()
				if err != nil {
					return nil, err
				}
				return resolved.Interface(), nil
			})
			if err != nil {
				return v, err
			}
			return reflect.ValueOf(newTree), nil
		}
		return v, nil

	case reflect.Interface:
		if v.IsNil() {
			return v, nil
		}
		inner, err := rebuild(v.Elem(), resolve)
		if err != nil {
			return v, err
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Struct:
		t := v.Type()
		if t == variableStructType {
			return v, errors.New("graph node has a Variable stored by value, use *Variable instead")
		}
		out := reflect.New(t).Elem()
		out.Set(v)
		for fieldIdx := range t.NumField() {
			if !t.Field(fieldIdx).IsExported() {
				continue
			}
			newField, err := rebuild(v.Field(fieldIdx), resolve)
			if err != nil {
				return v, err
			}
			out.Field(fieldIdx).Set(newField)
		}
		return out, nil

	case reflect.Slice:
		if v.IsNil() {
			return v, nil
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for ii := range v.Len() {
			elem, err := rebuild(v.Index(ii), resolve)
			if err != nil {
				return v, err
			}
			out.Index(ii).Set(elem)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for ii := range v.Len() {
			elem, err := rebuild(v.Index(ii), resolve)
			if err != nil {
				return v, err
			}
			out.Index(ii).Set(elem)
		}
		return out, nil

	case reflect.Map:
		if v.IsNil() {
			return v, nil
		}
		keys, _, ok := sortedMapKeys(v)
		if !ok {
			return v, nil
		}
		out := reflect.MakeMapWithSize(v.Type(), len(keys))
		for _, key := range keys {
			elem, err := rebuild(v.MapIndex(key), resolve)
			if err != nil {
				return v, err
			}
			out.SetMapIndex(key, elem)
		}
		return out, nil

	default:
		return v, nil
	}
}

// mergeBuilder controls how the objects of a merge are created and registered.
type mergeBuilder interface {
	// lookup an object already built (or reused) in the current merge leg.
	lookup(index int) (any, bool)

	// register an object built for index.
	register(index int, obj any)

	// existing returns a caller-owned object to update in place for index, if any.
	existing(index int) (any, bool)
}

// localBuilder is used by Merge when no UpdateContext is given: it always creates fresh objects.
type localBuilder struct {
	indexRef map[int]any
}

func (l *localBuilder) lookup(index int) (any, bool) {
	obj, found := l.indexRef[index]
	return obj, found
}

func (l *localBuilder) register(index int, obj any) { l.indexRef[index] = obj }

func (l *localBuilder) existing(int) (any, bool) { return nil, false }

type merger struct {
	def     *GraphDef
	states  []*tree.Tree
	builder mergeBuilder
}

func unflatten(def *GraphDef, states []*tree.Tree, builder mergeBuilder) (any, error) {
	if def == nil {
		return nil, errors.Wrap(ErrTypeMismatch, "nil GraphDef")
	}
	if len(states) != def.numStates {
		return nil, errors.Errorf("GraphDef requires %d states, but %d were given", def.numStates, len(states))
	}
	m := &merger{def: def, states: states, builder: builder}
	return m.build(def.root)
}

func (m *merger) build(index int) (any, error) {
	if obj, found := m.builder.lookup(index); found {
		return obj, nil
	}
	nd := m.def.byIndex[index]
	if nd == nil {
		return nil, errors.Wrapf(ErrLookup, "node #%d is not defined in the GraphDef, and it was not seen before", index)
	}

	if nd.isVariable() {
		state := m.states[nd.partition]
		if state == nil {
			return nil, errors.Wrapf(ErrLookup, "state #%d is nil", nd.partition)
		}
		leaf := tree.Get(state, nd.statePath)
		if leaf == nil || !leaf.IsLeaf() {
			return nil, errors.Wrapf(ErrLookup, "state #%d has no value for variable at path %q", nd.partition, nd.statePath)
		}
		value := leaf.Value()
		if boxed, ok := value.(*Variable); ok {
			value = boxed.Value()
		}
		if value != nil && !IsArray(value) {
			return nil, errors.Wrapf(ErrTypeMismatch, "state value for variable at path %q is a %T, expected an array",
				nd.statePath, value)
		}
		if obj, found := m.builder.existing(index); found {
			v, ok := obj.(*Variable)
			if !ok {
				return nil, errors.Wrapf(ErrTypeMismatch, "node #%d at %q is a Variable, but the original object is a %T",
					index, nd.statePath, obj)
			}
			v.value = value
			m.builder.register(index, v)
			return v, nil
		}
		v := &Variable{kind: nd.kind, value: value, metadata: maps.Clone(nd.metadata)}
		m.builder.register(index, v)
		return v, nil
	}

	var target reflect.Value
	obj, hasExisting := m.builder.existing(index)
	if hasExisting {
		target = reflect.ValueOf(obj)
		if target.Type() != nd.ptrType {
			return nil, errors.Wrapf(ErrTypeMismatch, "node #%d is a %s, but the original object is a %s",
				index, nd.ptrType, target.Type())
		}
	} else {
		target = reflect.New(nd.ptrType.Elem())
	}
	m.builder.register(index, target.Interface())

	edgeIdx := 0
	fresh, err := rebuild(nd.template, func() (reflect.Value, error) {
		if edgeIdx >= len(nd.edges) {
			return reflect.Value{}, errors.Errorf("node #%d of type %s has more references than recorded (%d)",
				index, nd.ptrType, len(nd.edges))
		}
		child, err := m.build(nd.edges[edgeIdx])
		edgeIdx++
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(child), nil
	})
	if err != nil {
		return nil, err
	}
	if hasExisting {
		copyExportedFields(target.Elem(), fresh)
	} else {
		target.Elem().Set(fresh)
	}
	return target.Interface(), nil
}

func copyExportedFields(dst, src reflect.Value) {
	t := dst.Type()
	for fieldIdx := range t.NumField() {
		if t.Field(fieldIdx).IsExported() {
			dst.Field(fieldIdx).Set(src.Field(fieldIdx))
		}
	}
}

// Split a graph node into its GraphDef and one state tree per filter: each Variable goes to the state of the
// first filter it matches. Every Variable must match some filter, otherwise an error wrapping ErrLookup is
// returned.
//
// If no filters are given, all Variables go to a single state tree.
//
// The state trees are nested maps keyed by the path of each Variable (field names, map keys and slice indices),
// and their leaves are the Variables' values (plain arrays). Shared Variables and nodes appear only once, at the
// first path they are found.
func Split(node any, filters ...Filter) (*GraphDef, []*tree.Tree, error) {
	return flatten(node, &localIndexer{refIndex: make(map[refKey]int)}, filters)
}

// Merge rebuilds a graph node from its GraphDef and states (as returned by Split). It always creates new
// objects: Variables, structs and containers holding references are new, static fields are shallow copies.
//
// The state leaves can be arrays or Variables (their values are used).
func Merge(def *GraphDef, states ...*tree.Tree) (any, error) {
	return unflatten(def, states, &localBuilder{indexRef: make(map[int]any)})
}

// Clone returns a deep copy of a graph node: new Variables (sharing the array values) and new nodes, with the
// same aliasing structure.
func Clone[N any](node N) (N, error) {
	var zero N
	def, states, err := Split(node)
	if err != nil {
		return zero, err
	}
	cloned, err := Merge(def, states...)
	if err != nil {
		return zero, err
	}
	return cloned.(N), nil
}
