// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// ParseSettings parses hyperparameter settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "learning_rate=0.01;beta1=0.8".
//
// An entry "file:<path>" reads settings from a file, with new-lines working as ";" and lines starting
// with "#" being comments.
//
// Values are returned as strings, to be converted by the consumer (see optax.FromConfig). For numbers, "_"
// is removed: it allows one to enter large numbers using it as a separator, like in Go.
// E.g.: 1_000_000 = 1000000.
//
// The keys set, in order, are also returned. Setting the same key twice keeps the last value.
func ParseSettings(settings string) (values map[string]any, keys []string, err error) {
	values = make(map[string]any)
	for _, setting := range strings.Split(settings, ";") {
		keys, err = parseSetting(setting, values, keys)
		if err != nil {
			return nil, nil, err
		}
	}
	return values, keys, nil
}

func parseSetting(setting string, values map[string]any, keys []string) ([]string, error) {
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return keys, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath = fsutil.MustReplaceTildeInDir(filePath)
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, lineSetting := range strings.Split(line, ";") {
				keys, err = parseSetting(lineSetting, values, keys)
				if err != nil {
					return nil, err
				}
			}
		}
		return keys, nil
	}

	key, value, found := strings.Cut(setting, "=")
	key = strings.TrimSpace(key)
	if !found || key == "" || strings.Contains(value, "=") {
		return nil, errors.Errorf("can't parse setting %q: each setting requires the format \"<key>=<value>\"", setting)
	}
	value = strings.TrimSpace(value)
	if isNumber(value) {
		value = strings.ReplaceAll(value, "_", "")
	}
	values[key] = value
	return append(keys, key), nil
}

// isNumber returns whether s looks like a number, possibly with "_" separators.
func isNumber(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789_.eE+-", r) {
			return false
		}
	}
	return true
}

// SprintSettings pretty-prints settings, sorted by key.
func SprintSettings(values map[string]any) string {
	keys := maps.Keys(values)
	slices.Sort(keys)
	parts := make([]string, len(keys))
	for ii, key := range keys {
		parts[ii] = fmt.Sprintf("\t%q: %v", key, values[key])
	}
	return strings.Join(parts, "\n")
}
