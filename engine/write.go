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
	"github.com/dconf-go/dconf/database"
	"github.com/dconf-go/dconf/dconferr"
	"github.com/dconf-go/dconf/keypath"
	"github.com/dconf-go/dconf/transport"
)

const writerInterface = "ca.dconf.Writer"

// effectiveReader layers the write queue over source 0's own values table,
// giving FilterChanges a "what would actually change" view that accounts
// for writes not yet durable. Its ListUnder gathers candidate keys from
// source 0, in-flight and pending, and keeps only those Lookup still
// resolves to a value, so a dir reset in a later layer hides the keys it
// removes from the layers beneath it.
type effectiveReader struct {
	pending, inFlight *changeset.Changeset
	base              database.Table
}

func (r effectiveReader) Lookup(key string) (*changeset.Value, bool) {
	if v, found, shadowed := deltaLookup(r.pending, key); shadowed {
		return v, found
	}
	if v, found, shadowed := deltaLookup(r.inFlight, key); shadowed {
		return v, found
	}
	if r.base == nil {
		return nil, false
	}
	return r.base.Get(key)
}

func (r effectiveReader) ListUnder(dir string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(k string) {
		if _, ok := seen[k]; ok {
			return
		}
		seen[k] = struct{}{}
		if _, present := r.Lookup(k); present {
			out = append(out, k)
		}
	}
	if r.base != nil {
		for _, k := range r.base.Keys(dir) {
			add(k)
		}
	}
	for _, cs := range []*changeset.Changeset{r.pending, r.inFlight} {
		if cs == nil {
			continue
		}
		for k, v := range cs.All(nil) {
			if v != nil && keypath.IsUnder(dir, k) {
				add(k)
			}
		}
	}
	return out
}

// ChangeFast seals delta, merges it into the write queue, and kicks off
// delivery to source 0's writer if nothing is already in flight, per
// §4.7.5. It returns as soon as the delta is queued; delivery and its
// reply happen asynchronously. originTag is carried on the optimistic
// notification so the caller can recognise it as the echo of its own
// change; the writer's later Notify signal for the change is suppressed by
// the engine itself when its tag matches the last handled reply.
func (e *Engine) ChangeFast(ctx context.Context, delta *changeset.Changeset, originTag *string) error {
	if err := e.checkWritable(ctx, delta); err != nil {
		return err
	}
	delta.Seal()

	base := e.source0Values()

	e.queueMu.Lock()
	reader := effectiveReader{pending: e.pending, inFlight: e.inFlight, base: base}
	filtered, err := changeset.FilterChanges(reader, delta)
	if err != nil {
		e.queueMu.Unlock()
		return err
	}

	if e.pending == nil {
		e.pending = changeset.New()
	}
	_ = e.pending.Change(delta)
	e.manageQueueLocked(ctx)
	e.reportQueueDepthLocked()
	e.queueMu.Unlock()

	if filtered != nil {
		prefix, rel, vals := filtered.Describe()
		e.emitDescribed(prefix, rel, vals, nil, originTag, false)
	}
	return nil
}

// ChangeSync seals delta, checks writability, and issues one synchronous
// Change call to source 0's writer, returning its reply tag. It never
// touches the write queue and never emits an optimistic notification: the
// change is observed only through the writer's authoritative Notify signal
// (§4.7.6).
func (e *Engine) ChangeSync(ctx context.Context, delta *changeset.Changeset) (string, error) {
	if err := e.checkWritable(ctx, delta); err != nil {
		return "", err
	}
	delta.Seal()

	busName, objectPath, ok := e.source0Coords()
	if !ok {
		return "", dconferr.New(dconferr.NotWritable, "profile has no writable source")
	}

	payload, err := delta.Serialise()
	if err != nil {
		return "", dconferr.Wrap(dconferr.TransportFailed, "could not serialise delta", err)
	}

	var tag string
	if err := e.bus.CallSync(ctx, busName, objectPath, writerInterface, "Change", []interface{}{payload}, &tag); err != nil {
		if ctx.Err() != nil {
			return "", dconferr.Wrap(dconferr.Cancelled, "change_sync cancelled", ctx.Err())
		}
		return "", dconferr.Wrap(dconferr.TransportFailed, "change_sync failed", err)
	}
	return tag, nil
}

// Sync blocks until the write queue's in-flight slot drains.
func (e *Engine) Sync() {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for e.inFlight != nil {
		e.queueCond.Wait()
	}
}

// checkWritable rejects delta if any of its set (non-reset) entries target
// a key that is not currently writable. Resets, including dir resets, are
// always permitted (§4.7.5).
func (e *Engine) checkWritable(ctx context.Context, delta *changeset.Changeset) error {
	for path, value := range delta.All(nil) {
		if value == nil {
			continue
		}
		writable, err := e.IsWritable(ctx, path)
		if err != nil {
			return err
		}
		if !writable {
			return dconferr.New(dconferr.NotWritable, "key is not writable: "+path)
		}
	}
	return nil
}

// manageQueueLocked promotes pending into in-flight and issues the single
// outstanding asynchronous Change call the queue is allowed, if nothing is
// already in flight. Caller must hold queueMu.
func (e *Engine) manageQueueLocked(ctx context.Context) {
	if e.inFlight != nil || e.pending == nil {
		return
	}

	promoted := e.pending
	e.pending = nil
	promoted.Seal()
	e.inFlight = promoted

	busName, objectPath, ok := e.source0Coords()
	if !ok {
		e.finishInFlightLocked("", dconferr.New(dconferr.NotWritable, "profile has no writable source"))
		return
	}

	payload, err := promoted.Serialise()
	if err != nil {
		e.finishInFlightLocked("", err)
		return
	}

	call := e.bus.CallAsync(ctx, busName, objectPath, writerInterface, "Change", []interface{}{payload})
	go e.awaitInFlight(call)
}

// awaitInFlight waits for the outstanding Change call's reply off the
// caller's critical path and reconciles the queue once it arrives
// (§4.7.5's reply handling).
func (e *Engine) awaitInFlight(call transport.Call) {
	<-call.Done()

	err := call.Err()
	var tag string
	if err == nil {
		err = call.Store(&tag)
	}

	e.queueMu.Lock()
	dropped := e.inFlight
	e.finishInFlightLocked(tag, err)
	e.queueMu.Unlock()

	if err != nil {
		e.log.Warn().Err(err).Msg("in-flight change failed")
		if dropped != nil {
			prefix, rel, vals := dropped.Describe()
			e.emitDescribed(prefix, rel, vals, nil, nil, false)
		}
	}
}

// finishInFlightLocked clears the in-flight slot, records last-handled on
// success, wakes Sync waiters, and re-runs manage-queue so any pending
// delta queued meanwhile gets promoted. Caller must hold queueMu.
func (e *Engine) finishInFlightLocked(tag string, err error) {
	e.inFlight = nil
	if err == nil {
		t := tag
		e.lastHandled = &t
	}
	e.queueCond.Broadcast()
	// A queue drain is not scoped to any one caller's request, so the next
	// promotion's outbound call uses a background context rather than one
	// tied to whichever change_fast call happened to trigger this drain.
	e.manageQueueLocked(context.Background())
	e.reportQueueDepthLocked()
}

func (e *Engine) reportQueueDepthLocked() {
	e.metrics.SetQueueDepth(boolToInt(e.pending != nil), boolToInt(e.inFlight != nil))
}

// source0Values returns source 0's current values table, or nil if the
// profile has no sources.
func (e *Engine) source0Values() database.Table {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	if len(e.sources) == 0 {
		return nil
	}
	return e.sources[0].Values()
}

// source0Coords returns source 0's bus coordinates, or ok=false if the
// profile has no writable bussed source. A Source's Kind, Writable,
// BusName and ObjectPath are fixed at construction and never mutated by
// Refresh, so reading them needs no lock; only its handle (via Values())
// does. This is also why it is safe to call while queueMu is held: unlike
// source0Values, it never touches sourcesMu, so it cannot invert the
// sourcesMu-before-queueMu lock order documented on the Engine type.
func (e *Engine) source0Coords() (busName, objectPath string, ok bool) {
	if len(e.sources) == 0 || !e.sources[0].Writable || e.sources[0].BusName == "" {
		return "", "", false
	}
	return e.sources[0].BusName, e.sources[0].ObjectPath, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
