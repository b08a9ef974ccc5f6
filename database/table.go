// Copyright 2021 Optakt Labs OÜ
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may not
// use this file except in compliance with the License. You may obtain a copy of
// the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations under
// the License.

// Package database implements the opaque handle onto a single source's
// backing key/value table: a values table and an optional locks sub-table,
// both memory-mapped from a file whose on-disk layout is treated as opaque
// (the real dconf gvdb format is out of scope; this package reads and writes
// its own minimal CBOR-framed equivalent).
package database

import (
	"strings"

	"github.com/dconf-go/dconf/changeset"
)

// Table is the read surface shared by the values table and the (optional)
// locks table of a Handle.
type Table interface {
	// Has reports whether key is present.
	Has(key string) bool
	// Get returns the value at key, if present. For a locks table, the
	// value is always a structurally empty marker; callers use Has instead.
	Get(key string) (*changeset.Value, bool)
	// List returns the relative names of entries immediately inside dir:
	// direct keys by their bare name, and immediate sub-dirs with a
	// trailing '/', without recursing further.
	List(dir string) []string
	// Keys returns every full key with a value anywhere under dir,
	// recursively. Used for locks enumeration and reset-redundancy checks.
	Keys(dir string) []string
}

// memTable is an in-memory Table, used both as the fixture builder for on-
// disk files and directly as a source's backing table in tests.
type memTable struct {
	entries map[string]*changeset.Value
}

// NewMemTable builds a Table from a plain map. A nil value in the map
// means "locked" / "present with no value" for locks tables.
func NewMemTable(entries map[string]*changeset.Value) Table {
	if entries == nil {
		entries = map[string]*changeset.Value{}
	}
	return &memTable{entries: entries}
}

func (t *memTable) Has(key string) bool {
	_, ok := t.entries[key]
	return ok
}

func (t *memTable) Get(key string) (*changeset.Value, bool) {
	v, ok := t.entries[key]
	return v, ok
}

func (t *memTable) List(dir string) []string {
	seen := make(map[string]struct{})
	var out []string
	for k := range t.entries {
		if !strings.HasPrefix(k, dir) || k == dir {
			continue
		}
		rest := k[len(dir):]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			sub := rest[:idx+1]
			if _, ok := seen[sub]; !ok {
				seen[sub] = struct{}{}
				out = append(out, sub)
			}
			continue
		}
		out = append(out, rest)
	}
	return out
}

func (t *memTable) Keys(dir string) []string {
	var out []string
	for k := range t.entries {
		if strings.HasPrefix(k, dir) {
			out = append(out, k)
		}
	}
	return out
}
