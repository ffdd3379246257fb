// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/x448/float16"
	"golang.org/x/exp/maps"

	"github.com/gomlx/nnx/pkg/nnx/checkpoint"
	"github.com/gomlx/nnx/ui/commandline"
)

func newInspectCmd() *cobra.Command {
	var node string
	var stats bool
	cmd := &cobra.Command{
		Use:   "inspect <checkpoint file or directory>",
		Short: "Print the variables saved in a checkpoint",
		Long:  "Print the variables saved in a checkpoint file, or in the latest checkpoint of a directory.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolveCheckpoint(args[0])
			if err != nil {
				return err
			}
			file, err := checkpoint.ReadFile(path)
			if err != nil {
				return err
			}
			fmt.Println(summary(path, file))
			fmt.Println(variablesTable(file, node, stats))
			return nil
		},
	}
	cmd.Flags().StringVar(&node, "node", "", "Only print the variables of the named graph node.")
	cmd.Flags().BoolVar(&stats, "stats", true, "Include statistics of the values of float variables.")
	return cmd
}

// resolveCheckpoint returns path if it's a file, or the latest checkpoint if it's a directory.
func resolveCheckpoint(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", errors.Wrapf(err, "checkpoint %q", path)
	}
	if !info.IsDir() {
		return path, nil
	}
	handler, err := checkpoint.Load(path).Done()
	if err != nil {
		return "", err
	}
	list, err := handler.ListCheckpoints()
	if err != nil {
		return "", err
	}
	return list[len(list)-1], nil
}

func summary(path string, file *checkpoint.File) string {
	rows := [][]string{
		{"File", path},
		{"Format version", fmt.Sprintf("%d", file.Version)},
		{"Step", humanize.Comma(int64(file.Step))},
	}
	for _, name := range sortedKeys(file.Nodes) {
		var size, memory int64
		for _, record := range file.Nodes[name] {
			size += int64(record.Shape().Size())
			memory += int64(len(record.Data))
		}
		rows = append(rows, []string{name, fmt.Sprintf("%d variables, %s values, %s",
			len(file.Nodes[name]), humanize.Comma(size), humanize.Bytes(uint64(memory)))})
	}
	return commandline.RenderTable(nil, rows)
}

func variablesTable(file *checkpoint.File, node string, withStats bool) string {
	headers := []string{"Node", "Path", "Kind", "Shape", "Size", "Bytes"}
	if withStats {
		headers = append(headers, "MAV", "RMS", "MaxAV")
	}
	var rows [][]string
	for _, name := range sortedKeys(file.Nodes) {
		if node != "" && name != node {
			continue
		}
		for _, record := range file.Nodes[name] {
			row := []string{name, record.Path, record.Kind, record.Shape().String(),
				humanize.Comma(int64(record.Shape().Size())), humanize.Bytes(uint64(len(record.Data)))}
			if withStats {
				if s, ok := recordStats(&record); ok {
					row = append(row, fmt.Sprintf("%.3g", s.mav), fmt.Sprintf("%.3g", s.rms),
						fmt.Sprintf("%.3g", s.maxAV))
				} else {
					row = append(row, "-", "-", "-")
				}
			}
			rows = append(rows, row)
		}
	}
	if len(rows) == 0 {
		return fmt.Sprintf("no variables found for node %q", node)
	}
	return commandline.RenderTable(headers, rows)
}

type stats struct {
	mav, rms, maxAV float64
}

// recordStats returns the mean absolute value, the root mean square and the max absolute value of a
// float record, decoded from its little-endian raw bytes.
func recordStats(record *checkpoint.Record) (s stats, ok bool) {
	var elementSize int
	var decode func([]byte) float64
	switch record.DType {
	case dtypes.Float16:
		elementSize = 2
		decode = func(b []byte) float64 { return float64(float16.Frombits(binary.LittleEndian.Uint16(b)).Float32()) }
	case dtypes.Float32:
		elementSize = 4
		decode = func(b []byte) float64 { return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))) }
	case dtypes.Float64:
		elementSize = 8
		decode = func(b []byte) float64 { return math.Float64frombits(binary.LittleEndian.Uint64(b)) }
	default:
		return s, false
	}
	n := len(record.Data) / elementSize
	if n == 0 {
		return s, false
	}
	var sumAbs, sumSquares float64
	for ii := range n {
		value := math.Abs(decode(record.Data[ii*elementSize:]))
		sumAbs += value
		sumSquares += value * value
		s.maxAV = max(s.maxAV, value)
	}
	s.mav = sumAbs / float64(n)
	s.rms = math.Sqrt(sumSquares / float64(n))
	return s, true
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
