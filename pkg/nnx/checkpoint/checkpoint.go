// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint saves and restores the Variables of graph nodes (models, optimizers) to a directory.
//
// Each checkpoint is one CBOR encoded file (optionally gzip compressed), holding the values of all Variables
// of a set of named graph nodes, along with a step number. Restoring sets the values of the Variables of
// graph nodes with the same structure in place, so a training run can be resumed.
//
// Example:
//
//	handler, err := checkpoint.Build(dir).Keep(3).Done()
//	...
//	nodes := map[string]any{"model": model, "optimizer": opt}
//	step, found, err := handler.Restore(nodes)
//	...
//	err = handler.Save(step, nodes)
package checkpoint

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"

	"github.com/gomlx/nnx/pkg/nnx"
	"github.com/gomlx/nnx/pkg/tree"
)

var (
	// DirPermMode is the default directory creation permission (before umask) used.
	DirPermMode = os.FileMode(0770)

	// ErrNoCheckpoint is returned when a checkpoint was required but none was found.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

const (
	baseNamePrefix = "checkpoint-"

	// FileSuffix of the checkpoint files returned by Handler.ListCheckpoints.
	FileSuffix = ".cbor"

	// CompressedFileSuffix of the gzip compressed checkpoint files.
	CompressedFileSuffix = ".cbor.gz"

	// FormatVersion of the checkpoint files written.
	FormatVersion = 1
)

// Config for a checkpoint Handler. Create it with Build or Load, configure it, and call Done.
type Config struct {
	dir      string
	keep     int
	mustLoad bool
	compress bool
	err      error
}

// Build a configuration for a Handler that saves checkpoints to dir, creating it if needed.
func Build(dir string) *Config {
	return &Config{dir: dir, keep: 1}
}

// Load is like Build, but Done fails if dir has no checkpoints.
func Load(dir string) *Config {
	c := Build(dir)
	c.mustLoad = true
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, older checkpoints are never erased.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Compress configures whether saved checkpoints are gzip compressed. The default is false.
// Compressed and uncompressed checkpoints can always be read.
func (c *Config) Compress(compress bool) *Config {
	c.compress = compress
	return c
}

// Done creates the Handler, creating the directory if needed.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.New("directory for checkpoints not configured")
	}
	fi, err := os.Stat(c.dir)
	switch {
	case err == nil && !fi.IsDir():
		return nil, errors.Errorf("checkpoint directory %q exists but it's a normal file, not a directory", c.dir)
	case err != nil && !os.IsNotExist(err):
		return nil, errors.Wrapf(err, "failed to os.Stat(%q)", c.dir)
	case err != nil && c.mustLoad:
		return nil, errors.Wrapf(ErrNoCheckpoint, "checkpoint directory %q does not exist", c.dir)
	case err != nil:
		if err = os.MkdirAll(c.dir, DirPermMode); err != nil {
			return nil, errors.Wrapf(err, "trying to create dir %q", c.dir)
		}
	}
	h := &Handler{config: *c}
	list, err := h.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(list) == 0 && c.mustLoad {
		return nil, errors.Wrapf(ErrNoCheckpoint, "in %q", c.dir)
	}
	h.count = maxCount(list) + 1
	return h, nil
}

// Handler saves and restores checkpoints in a directory. Create it with Build or Load.
type Handler struct {
	config Config
	count  int
}

// String implements fmt.Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoint.Handler(%q)", h.config.dir)
}

// Dir returns the directory of the checkpoints.
func (h *Handler) Dir() string { return h.config.dir }

// ListCheckpoints returns the paths of the checkpoints in the directory, older first.
func (h *Handler) ListCheckpoints() ([]string, error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	var list []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, baseNamePrefix) {
			continue
		}
		if strings.HasSuffix(name, FileSuffix) || strings.HasSuffix(name, CompressedFileSuffix) {
			list = append(list, filepath.Join(h.config.dir, name))
		}
	}
	slices.Sort(list)
	return list, nil
}

var countRegex = regexp.MustCompile(`checkpoint-n(\d+)-`)

// maxCount returns the largest sequence number in the checkpoint paths, or -1.
func maxCount(list []string) int {
	maxID := -1
	for _, name := range list {
		matches := countRegex.FindStringSubmatch(filepath.Base(name))
		if len(matches) != 2 {
			continue
		}
		if id, err := strconv.Atoi(matches[1]); err == nil && id > maxID {
			maxID = id
		}
	}
	return maxID
}

// Save the Variables of the named graph nodes, with the given step, to a new checkpoint. Older checkpoints
// beyond the configured Keep are removed.
func (h *Handler) Save(step uint64, nodes map[string]any) error {
	suffix := FileSuffix
	if h.config.compress {
		suffix = CompressedFileSuffix
	}
	name := fmt.Sprintf("%sn%07d-%s-step-%08d%s", baseNamePrefix, h.count,
		time.Now().Format("20060102-150405"), step, suffix)
	h.count++
	path := filepath.Join(h.config.dir, name)
	if err := WriteFile(path, step, nodes); err != nil {
		return errors.WithMessagef(err, "%s", h)
	}
	klog.V(1).Infof("saved checkpoint %q", path)
	return h.keepN()
}

// Restore the Variables of the named graph nodes from the latest checkpoint, and returns its step.
// If there are no checkpoints, found is false and nodes are not changed.
func (h *Handler) Restore(nodes map[string]any) (step uint64, found bool, err error) {
	list, err := h.ListCheckpoints()
	if err != nil || len(list) == 0 {
		return 0, false, err
	}
	path := list[len(list)-1]
	file, err := ReadFile(path)
	if err != nil {
		return 0, false, err
	}
	if err = file.Restore(nodes); err != nil {
		return 0, false, errors.WithMessagef(err, "restoring %q", path)
	}
	klog.V(1).Infof("restored checkpoint %q (step %d)", path, file.Step)
	return file.Step, true, nil
}

// keepN removes the oldest checkpoints beyond the configured number to keep.
func (h *Handler) keepN() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil || len(list) <= h.config.keep {
		return err
	}
	for _, path := range list[:len(list)-h.config.keep] {
		if err = os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "%s failed to remove excess checkpoint %q", h, path)
		}
	}
	return nil
}

// File is the content of a checkpoint file.
type File struct {
	Version int                 `cbor:"version"`
	Step    uint64              `cbor:"step"`
	Nodes   map[string][]Record `cbor:"nodes"`
}

// Record holds the value of one Variable.
type Record struct {
	Path       string            `cbor:"path"`
	Kind       string            `cbor:"kind"`
	DType      dtypes.DType      `cbor:"dtype"`
	Dimensions []int             `cbor:"dims"`
	Data       []byte            `cbor:"data"`
	Metadata   map[string]string `cbor:"metadata,omitempty"`
}

// Shape of the recorded value.
func (r *Record) Shape() shapes.Shape {
	return shapes.Make(r.DType, r.Dimensions...)
}

// Tensor returns a new tensor with the recorded value.
func (r *Record) Tensor() (*tensors.Tensor, error) {
	shape := r.Shape()
	if expected := shape.Memory(); uintptr(len(r.Data)) != expected {
		return nil, errors.Errorf("variable %q of shape %s has %d bytes of data, expected %d",
			r.Path, shape, len(r.Data), expected)
	}
	t := tensors.FromShape(shape)
	err := t.MutableBytes(func(data []byte) { copy(data, r.Data) })
	if err != nil {
		return nil, errors.Wrapf(err, "setting value of variable %q", r.Path)
	}
	return t, nil
}

// Encode the Variables of the named graph nodes. All Variables must hold concrete values.
func Encode(step uint64, nodes map[string]any) (*File, error) {
	file := &File{Version: FormatVersion, Step: step, Nodes: make(map[string][]Record, len(nodes))}
	for _, name := range sortedNames(nodes) {
		state, err := nnx.StateOf(nodes[name], nnx.Everything)
		if err != nil {
			return nil, errors.WithMessagef(err, "graph node %q", name)
		}
		var records []Record
		err = tree.Walk(state, func(path tree.Path, leaf any) error {
			v := leaf.(*nnx.Variable)
			t := v.Tensor()
			if t == nil {
				return errors.Wrapf(nnx.ErrTypeMismatch, "variable %q of %q holds a %T, only concrete tensors "+
					"can be saved", path, name, v.Value())
			}
			record := Record{Path: path.String(), Kind: v.Kind().Name(), DType: t.DType(), Dimensions: t.Shape().Dimensions}
			if err := t.ConstBytes(func(data []byte) { record.Data = slices.Clone(data) }); err != nil {
				return errors.Wrapf(err, "reading variable %q of %q", path, name)
			}
			for key, value := range v.Metadata() {
				if record.Metadata == nil {
					record.Metadata = make(map[string]string)
				}
				record.Metadata[key] = fmt.Sprint(value)
			}
			records = append(records, record)
			return nil
		})
		if err != nil {
			return nil, err
		}
		file.Nodes[name] = records
	}
	return file, nil
}

// State returns the recorded values of the named graph node as a state tree (nested maps keyed by the
// Variables' paths), with *tensors.Tensor leaves.
func (f *File) State(name string) (*tree.Tree, error) {
	records, found := f.Nodes[name]
	if !found {
		return nil, errors.Wrapf(nnx.ErrLookup, "checkpoint has no graph node named %q, it has %q", name,
			sortedNames(f.Nodes))
	}
	paths := make([]tree.Path, len(records))
	values := make([]any, len(records))
	for ii := range records {
		paths[ii] = tree.ParsePath(records[ii].Path)
		t, err := records[ii].Tensor()
		if err != nil {
			return nil, err
		}
		values[ii] = t
	}
	return tree.FromPaths(paths, values)
}

// Restore sets the Variables of the named graph nodes with the recorded values. Every node must be
// recorded, and every recorded Variable must exist in the node.
func (f *File) Restore(nodes map[string]any) error {
	for _, name := range sortedNames(nodes) {
		state, err := f.State(name)
		if err != nil {
			return err
		}
		if err = nnx.Update(nodes[name], state); err != nil {
			return errors.WithMessagef(err, "graph node %q", name)
		}
	}
	return nil
}

// WriteFile encodes the named graph nodes and writes them to path. If path ends with CompressedFileSuffix
// the file is gzip compressed.
func WriteFile(path string, step uint64, nodes map[string]any) (err error) {
	file, err := Encode(step, nodes)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating checkpoint file %q", path)
	}
	defer func() {
		if closeErr := f.Close(); err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "closing checkpoint file %q", path)
		}
	}()
	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, CompressedFileSuffix) {
		gz = gzip.NewWriter(f)
		w = gz
	}
	buffered := bufio.NewWriter(w)
	if err = cbor.NewEncoder(buffered).Encode(file); err != nil {
		return errors.Wrapf(err, "encoding checkpoint file %q", path)
	}
	if err = buffered.Flush(); err != nil {
		return errors.Wrapf(err, "writing checkpoint file %q", path)
	}
	if gz != nil {
		if err = gz.Close(); err != nil {
			return errors.Wrapf(err, "compressing checkpoint file %q", path)
		}
	}
	return nil
}

// ReadFile reads a checkpoint file written by WriteFile (or Handler.Save).
func ReadFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening checkpoint file %q", path)
	}
	defer func() { _ = f.Close() }()
	var r io.Reader = bufio.NewReader(f)
	if strings.HasSuffix(path, CompressedFileSuffix) {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrapf(err, "reading gzip header of %q", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}
	file := &File{}
	if err = cbor.NewDecoder(r).Decode(file); err != nil {
		return nil, errors.Wrapf(err, "decoding checkpoint file %q", path)
	}
	if file.Version != FormatVersion {
		return nil, errors.Errorf("checkpoint file %q has version %d, only version %d is supported",
			path, file.Version, FormatVersion)
	}
	return file, nil
}

func sortedNames[V any](m map[string]V) []string {
	names := maps.Keys(m)
	slices.Sort(names)
	return names
}
