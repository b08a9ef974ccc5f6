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

package engine

import (
	"context"

	"github.com/dconf-go/dconf/changeset"
	"github.com/dconf-go/dconf/keypath"
)

// Flags selects which layers a Read consults.
type Flags uint8

const (
	// None is the default: locks apply, and the write-queue shadow is
	// consulted ahead of source 0.
	None Flags = iota
	// DefaultValueOnly reports the value a reset would reveal: source 0
	// and its shadow queue are skipped entirely.
	DefaultValueOnly
	// UserValueOnly reports only what source 0 itself holds, ignoring
	// locks in deeper sources and never falling through to them.
	UserValueOnly
)

// Read resolves key through the layered source stack per §4.7.2.
// readThrough is an optional ordered list of additional deltas consulted
// ahead of the engine's own pending/in-flight queue (tail to head), for
// callers that want to read through writes they have not yet queued.
func (e *Engine) Read(ctx context.Context, key string, flags Flags, readThrough ...*changeset.Changeset) (*changeset.Value, error) {
	if err := keypath.ValidateKey(key); err != nil {
		return nil, err
	}

	e.acquireSources(ctx)
	defer e.releaseSources()

	lockLevel := 0
	if flags != UserValueOnly {
		for i := len(e.sources) - 1; i >= 1; i-- {
			if e.sources[i].HasLock(key) {
				lockLevel = i
				break
			}
		}
	}

	if lockLevel == 0 && len(e.sources) > 0 && e.sources[0].Writable && flags == DefaultValueOnly {
		lockLevel = 1
	}

	if lockLevel == 0 && len(e.sources) > 0 && e.sources[0].Writable {
		for i := len(readThrough) - 1; i >= 0; i-- {
			if v, found, shadowed := deltaLookup(readThrough[i], key); shadowed {
				if !found {
					return nil, nil
				}
				return v, nil
			}
		}

		e.queueMu.Lock()
		pending, inFlight := e.pending, e.inFlight
		e.queueMu.Unlock()

		if v, found, shadowed := deltaLookup(pending, key); shadowed {
			if !found {
				return nil, nil
			}
			return v, nil
		}
		if v, found, shadowed := deltaLookup(inFlight, key); shadowed {
			if !found {
				return nil, nil
			}
			return v, nil
		}

		if v, ok := e.sources[0].Values().Get(key); ok {
			return v, nil
		}
		lockLevel = 1
	}

	if flags != UserValueOnly {
		for i := lockLevel; i < len(e.sources); i++ {
			if v, ok := e.sources[i].Values().Get(key); ok {
				return v, nil
			}
		}
	}
	return nil, nil
}

// List unions the relative entry names at dir across every source's
// values table (§4.7.3); the write queue is deliberately not consulted.
func (e *Engine) List(ctx context.Context, dir string) ([]string, error) {
	if err := keypath.ValidateDir(dir); err != nil {
		return nil, err
	}

	e.acquireSources(ctx)
	defer e.releaseSources()

	seen := make(map[string]struct{})
	var out []string
	for _, s := range e.sources {
		for _, name := range s.Values().List(dir) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	return out, nil
}

// ListLocks returns every locked key under dir from sources 1..N-1, or
// [dir] itself if source 0 is not writable (the whole dir is read-only),
// per §4.7.3.
func (e *Engine) ListLocks(ctx context.Context, dir string) ([]string, error) {
	if err := keypath.ValidateDir(dir); err != nil {
		return nil, err
	}

	e.acquireSources(ctx)
	defer e.releaseSources()

	if len(e.sources) == 0 || !e.sources[0].Writable {
		return []string{dir}, nil
	}

	seen := make(map[string]struct{})
	var out []string
	for i := 1; i < len(e.sources); i++ {
		for _, k := range e.sources[i].Locks().Keys(dir) {
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				out = append(out, k)
			}
		}
	}
	return out, nil
}

// IsWritable reports whether key could currently be written (§4.7.4).
func (e *Engine) IsWritable(ctx context.Context, key string) (bool, error) {
	if err := keypath.ValidateKey(key); err != nil {
		return false, err
	}

	e.acquireSources(ctx)
	defer e.releaseSources()

	if len(e.sources) == 0 || !e.sources[0].Writable {
		return false, nil
	}
	for i := 1; i < len(e.sources); i++ {
		if e.sources[i].HasLock(key) {
			return false, nil
		}
	}
	return true, nil
}

// deltaLookup resolves key against a single delta layer, honoring resets
// (direct or via an ancestor dir reset) as "absent". shadowed reports
// whether this layer has an opinion at all (found directly, or shadowed by
// a reset) — false means the caller should fall through to the next layer.
func deltaLookup(cs *changeset.Changeset, key string) (value *changeset.Value, found, shadowed bool) {
	if cs == nil {
		return nil, false, false
	}
	if ok, v := cs.Get(key); ok {
		if v == nil {
			return nil, false, true
		}
		return v, true, true
	}
	for _, dir := range ancestorDirs(key) {
		if ok, v := cs.Get(dir); ok && v == nil {
			return nil, false, true
		}
	}
	return nil, false, false
}

// ancestorDirs returns every dir from key's immediate parent up to "/",
// in that order.
func ancestorDirs(key string) []string {
	var dirs []string
	d := keypath.Dir(key)
	for {
		dirs = append(dirs, d)
		if d == "/" {
			break
		}
		d = keypath.Dir(d[:len(d)-1])
	}
	return dirs
}
