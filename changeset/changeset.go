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

// Package changeset implements the ordered path-to-value(-or-reset) maps
// used both for in-memory deltas and for database snapshots, along with
// their CBOR wire format.
package changeset

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/dconf-go/dconf/dconferr"
	"github.com/dconf-go/dconf/keypath"
)

// Kind distinguishes a delta changeset (keys or dirs, values or resets) from
// a database changeset (keys only, values only).
type Kind uint8

const (
	// Delta changesets may target dirs (recursive reset) and may contain
	// resets.
	Delta Kind = iota
	// Database changesets are snapshots: keys only, values only.
	Database
)

// Changeset is an ordered path -> value map. A nil value at a path means
// "reset"; only Delta changesets may contain resets or dir paths.
type Changeset struct {
	kind    Kind
	sealed  bool
	entries map[string]*Value

	// populated once by Describe, since a sealed changeset is immutable.
	described bool
	prefix    string
	relPaths  []string
	relValues []*Value
}

// New creates an empty delta changeset.
func New() *Changeset {
	return &Changeset{kind: Delta, entries: map[string]*Value{}}
}

// NewDatabase creates an empty database changeset.
func NewDatabase() *Changeset {
	return &Changeset{kind: Database, entries: map[string]*Value{}}
}

// NewWrite creates a delta changeset containing a single set (value == nil
// means a single reset).
func NewWrite(path string, value *Value) (*Changeset, error) {
	cs := New()
	if err := cs.Set(path, value); err != nil {
		return nil, err
	}
	return cs, nil
}

// Kind reports whether this is a Delta or Database changeset.
func (cs *Changeset) Kind() Kind {
	return cs.kind
}

// Set adds or overwrites the entry at path. A nil value means reset, which
// is only legal for Delta changesets; a dir path requires a reset value.
func (cs *Changeset) Set(path string, value *Value) error {
	if cs.sealed {
		return dconferr.New(dconferr.Sealed, "cannot set on a sealed changeset")
	}
	if keypath.IsDir(path) {
		if cs.kind == Database {
			return dconferr.New(dconferr.InvalidPath, "database changeset cannot contain a dir reset: "+path)
		}
		if value != nil {
			return dconferr.New(dconferr.InvalidPath, "dir path requires a reset value: "+path)
		}
		cs.entries[path] = nil
		return nil
	}
	if err := keypath.ValidateKey(path); err != nil {
		return err
	}
	if value == nil && cs.kind == Database {
		return dconferr.New(dconferr.InvalidPath, "database changeset cannot contain a reset: "+path)
	}
	cs.entries[path] = value
	return nil
}

// Get returns whether path has an entry and, if so, its value (nil for a
// reset entry).
func (cs *Changeset) Get(path string) (bool, *Value) {
	v, ok := cs.entries[path]
	return ok, v
}

// Lookup adapts Get to the Reader interface used by FilterChanges.
func (cs *Changeset) Lookup(key string) (*Value, bool) {
	v, ok := cs.entries[key]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ListUnder returns every key in the changeset that currently carries a
// non-reset value under dir. It adapts Changeset to the Reader interface.
func (cs *Changeset) ListUnder(dir string) []string {
	var keys []string
	for k, v := range cs.entries {
		if v != nil && keypath.IsUnder(dir, k) {
			keys = append(keys, k)
		}
	}
	return keys
}

// All returns a copy of every entry for which predicate returns true.
func (cs *Changeset) All(predicate func(path string, value *Value) bool) map[string]*Value {
	out := make(map[string]*Value)
	for k, v := range cs.entries {
		if predicate == nil || predicate(k, v) {
			out[k] = v
		}
	}
	return out
}

// IsEmpty reports whether the changeset has no entries.
func (cs *Changeset) IsEmpty() bool {
	return len(cs.entries) == 0
}

// IsSimilarTo reports whether cs and other carry the same key set,
// disregarding values.
func (cs *Changeset) IsSimilarTo(other *Changeset) bool {
	if len(cs.entries) != len(other.entries) {
		return false
	}
	for k := range cs.entries {
		if _, ok := other.entries[k]; !ok {
			return false
		}
	}
	return true
}

// Seal makes the changeset immutable. Sealing is idempotent.
func (cs *Changeset) Seal() {
	cs.sealed = true
}

// IsSealed reports whether the changeset has been sealed.
func (cs *Changeset) IsSealed() bool {
	return cs.sealed
}

// Describe implicitly seals the changeset and returns its longest common
// path prefix, the sorted list of paths relative to that prefix, and the
// parallel list of values (nil entries are resets). Dir resets sort ahead
// of any key they dominate because a dir is a prefix of every path under
// it, and a string sorts before any longer string it prefixes.
func (cs *Changeset) Describe() (string, []string, []*Value) {
	if cs.described {
		return cs.prefix, cs.relPaths, cs.relValues
	}
	cs.Seal()

	paths := make([]string, 0, len(cs.entries))
	for p := range cs.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	prefix := commonPrefix(paths)

	relPaths := make([]string, len(paths))
	relValues := make([]*Value, len(paths))
	for i, p := range paths {
		relPaths[i] = strings.TrimPrefix(p, prefix)
		relValues[i] = cs.entries[p]
	}

	cs.described = true
	cs.prefix = prefix
	cs.relPaths = relPaths
	cs.relValues = relValues
	return prefix, relPaths, relValues
}

// commonPrefix computes the shared dir prefix of a sorted, non-empty path
// list, per the single-path and multi-path rules in the changeset spec.
func commonPrefix(paths []string) string {
	if len(paths) == 0 {
		return "/"
	}
	if len(paths) == 1 {
		return paths[0]
	}
	first, last := paths[0], paths[len(paths)-1]
	n := 0
	for n < len(first) && n < len(last) && first[n] == last[n] {
		n++
	}
	raw := first[:n]
	idx := strings.LastIndex(raw, "/")
	if idx < 0 {
		return "/"
	}
	return raw[:idx+1]
}

// Change applies a delta changeset onto cs in place: every dir reset in
// other first removes all of cs's entries under that dir, then every entry
// of other (including the dir resets themselves) is copied into cs. A
// Database cs never holds resets: a reset entry removes the path from it
// instead of being copied.
func (cs *Changeset) Change(other *Changeset) error {
	if cs.sealed {
		return dconferr.New(dconferr.Sealed, "cannot change a sealed changeset")
	}
	for path, value := range other.entries {
		if value == nil && keypath.IsDir(path) {
			cs.removeUnder(path)
		}
	}
	for path, value := range other.entries {
		if value == nil && cs.kind == Database {
			delete(cs.entries, path)
			continue
		}
		cs.entries[path] = value
	}
	return nil
}

func (cs *Changeset) removeUnder(dir string) {
	for k := range cs.entries {
		if keypath.IsUnder(dir, k) {
			delete(cs.entries, k)
		}
	}
}

// Diff computes the delta that turns database changeset a into database
// changeset b, or nil if they are equal.
func Diff(a, b *Changeset) (*Changeset, error) {
	if a.kind != Database || b.kind != Database {
		return nil, dconferr.New(dconferr.InvalidPath, "diff requires two database changesets")
	}
	d := New()
	for k, v := range b.entries {
		av, ok := a.entries[k]
		if !ok || !av.Equal(v) {
			d.entries[k] = v
		}
	}
	for k := range a.entries {
		if _, ok := b.entries[k]; !ok {
			d.entries[k] = nil
		}
	}
	if d.IsEmpty() {
		return nil, nil
	}
	return d, nil
}

// Reader is the minimal read surface FilterChanges needs: point lookups and
// a listing of which keys under a dir currently carry a value. Both a
// database Changeset and the engine's effective-database view satisfy it.
type Reader interface {
	Lookup(key string) (*Value, bool)
	ListUnder(dir string) []string
}

// FilterChanges returns the subset of delta's entries that would actually
// alter database if applied, or nil if delta would not change database at
// all. It is used to suppress redundant writes and to decide whether an
// optimistic notification is warranted.
func FilterChanges(database Reader, delta *Changeset) (*Changeset, error) {
	if delta.kind != Delta {
		return nil, dconferr.New(dconferr.InvalidPath, "filter_changes requires a delta changeset")
	}
	result := New()
	for path, value := range delta.entries {
		if value == nil {
			if keypath.IsDir(path) {
				if len(database.ListUnder(path)) == 0 {
					continue
				}
			} else if _, present := database.Lookup(path); !present {
				continue
			}
			result.entries[path] = nil
			continue
		}
		existing, present := database.Lookup(path)
		if present && existing.Equal(value) {
			continue
		}
		result.entries[path] = value
	}
	if result.IsEmpty() {
		return nil, nil
	}
	return result, nil
}

// wireForm is the self-describing key -> maybe-value map used on the wire
// and for serialise/deserialise round-trips.
type wireForm struct {
	Kind    Kind              `cbor:"kind"`
	Entries map[string]*Value `cbor:"entries"`
}

// Serialise encodes the changeset as canonical CBOR.
func (cs *Changeset) Serialise() ([]byte, error) {
	data, err := canonicalCBOR.Marshal(wireForm{Kind: cs.kind, Entries: cs.entries})
	if err != nil {
		return nil, fmt.Errorf("could not encode changeset: %w", err)
	}
	return data, nil
}

// Deserialise decodes a changeset previously produced by Serialise.
func Deserialise(data []byte) (*Changeset, error) {
	var wire wireForm
	if err := cbor.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("could not decode changeset: %w", err)
	}
	if wire.Entries == nil {
		wire.Entries = map[string]*Value{}
	}
	return &Changeset{kind: wire.Kind, entries: wire.Entries}, nil
}
