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
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dconf-go/dconf/keypath"
)

// WatchFast registers interest in path without blocking on the bus. The
// first caller for a given path kicks off an AddMatch round against every
// bussed source in the background; concurrent callers for the same path
// are folded into that round once it completes (§4.7.7). A matching
// UnwatchFast before the round completes tears the match back down as soon
// as it lands, so watch/unwatch races never leak a subscription.
func (e *Engine) WatchFast(path string) error {
	if err := keypath.ValidatePath(path); err != nil {
		return err
	}

	e.subMu.Lock()
	if e.active[path] > 0 {
		e.active[path]++
		e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
		e.subMu.Unlock()
		return nil
	}
	e.establishing[path]++
	first := e.establishing[path] == 1
	e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
	e.subMu.Unlock()

	if first {
		go e.establish(path)
	}
	return nil
}

// UnwatchFast releases one WatchFast registration for path.
func (e *Engine) UnwatchFast(path string) {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	if n, ok := e.active[path]; ok {
		if n <= 1 {
			delete(e.active, path)
			cancels := e.cancels[path]
			delete(e.cancels, path)
			e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
			go runCancels(cancels)
			return
		}
		e.active[path] = n - 1
		return
	}
	if n, ok := e.establishing[path]; ok {
		if n <= 1 {
			// establish(path) observes a zero count when it finishes and
			// tears its own match back down; nothing to cancel here yet.
			delete(e.establishing, path)
		} else {
			e.establishing[path] = n - 1
		}
		e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
	}
}

// establish performs the AddMatch round for path against every bussed
// source and folds the result into active, or tears it straight back down
// if every caller unwatched while the round was in flight. If the state
// token moved while the round was in flight, a source changed before the
// match rules were in place, so one change notification for path is
// delivered to cover anything the new subscription missed.
func (e *Engine) establish(path string) {
	s0 := e.stateToken()
	cancels := e.subscribeSources(path)
	raced := e.stateToken() != s0

	e.subMu.Lock()
	count, wanted := e.establishing[path]
	delete(e.establishing, path)
	if wanted && count > 0 {
		e.active[path] = count
		e.cancels[path] = cancels
		e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
		e.subMu.Unlock()
		if raced {
			e.emitDescribed(path, []string{""}, nil, nil, nil, false)
		}
		return
	}
	e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
	e.subMu.Unlock()
	runCancels(cancels)
}

// WatchSync registers interest in path, blocking until every AddMatch call
// it requires has completed (§4.7.8). Unlike WatchFast, a failure leaves no
// partial subscription behind.
func (e *Engine) WatchSync(ctx context.Context, path string) error {
	if err := keypath.ValidatePath(path); err != nil {
		return err
	}

	e.subMu.Lock()
	n := e.active[path]
	e.active[path] = n + 1
	e.subMu.Unlock()
	if n > 0 {
		return nil
	}

	cancels, err := e.subscribeSourcesCtx(ctx, path)
	if err != nil {
		e.subMu.Lock()
		if left := e.active[path] - 1; left == 0 {
			delete(e.active, path)
		} else {
			e.active[path] = left
		}
		e.subMu.Unlock()
		runCancels(cancels)
		return err
	}

	e.subMu.Lock()
	e.cancels[path] = append(e.cancels[path], cancels...)
	e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
	e.subMu.Unlock()
	return nil
}

// UnwatchSync releases one WatchSync registration for path, issuing the
// matching RemoveMatch calls once the last registration drops.
func (e *Engine) UnwatchSync(path string) {
	e.subMu.Lock()
	n, ok := e.active[path]
	if !ok {
		e.subMu.Unlock()
		return
	}
	if n > 1 {
		e.active[path] = n - 1
		e.subMu.Unlock()
		return
	}
	delete(e.active, path)
	cancels := e.cancels[path]
	delete(e.cancels, path)
	e.metrics.SetSubscriptions(len(e.active), len(e.establishing))
	e.subMu.Unlock()
	runCancels(cancels)
}

// subscribeSources issues one Subscribe per bussed source for both the
// Notify and WritabilityNotify members, best-effort: a source that fails
// to subscribe is skipped rather than aborting the whole round, since
// watch_fast never reports failure back to its caller.
func (e *Engine) subscribeSources(path string) []func() {
	sources := e.snapshotSourceRefs()

	var cancels []func()
	for _, s := range sources {
		if s.busName == "" {
			continue
		}
		for _, member := range []string{"Notify", "WritabilityNotify"} {
			cancel, err := e.bus.Subscribe(s.objectPath, writerInterface, member, path, e.signalHandler())
			if err != nil {
				e.log.Warn().Err(err).Str("path", path).Str("member", member).Msg("could not subscribe")
				continue
			}
			cancels = append(cancels, cancel)
		}
	}
	return cancels
}

// subscribeSourcesCtx is subscribeSources' synchronous counterpart: every
// source is subscribed concurrently, and the first failure cancels the
// group's context, tears down whatever had already been established, and
// is returned to the caller.
func (e *Engine) subscribeSourcesCtx(ctx context.Context, path string) ([]func(), error) {
	sources := e.snapshotSourceRefs()

	eg, egCtx := errgroup.WithContext(ctx)
	var mu sync.Mutex
	var cancels []func()
	for _, s := range sources {
		if s.busName == "" {
			continue
		}
		s := s
		for _, member := range []string{"Notify", "WritabilityNotify"} {
			member := member
			eg.Go(func() error {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				cancel, err := e.bus.Subscribe(s.objectPath, writerInterface, member, path, e.signalHandler())
				if err != nil {
					return err
				}
				mu.Lock()
				cancels = append(cancels, cancel)
				mu.Unlock()
				return nil
			})
		}
	}

	if err := eg.Wait(); err != nil {
		runCancels(cancels)
		return nil, err
	}
	return cancels, nil
}

func runCancels(cancels []func()) {
	for _, c := range cancels {
		c()
	}
}

// sourceRef is the minimal snapshot subscribeSources needs.
type sourceRef struct {
	busName    string
	objectPath string
}

// snapshotSourceRefs copies the current source list's bus coordinates under
// sourcesMu, so the subscribe round never reads *source.Source concurrently
// with a refresh.
func (e *Engine) snapshotSourceRefs() []*sourceRef {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	refs := make([]*sourceRef, 0, len(e.sources))
	for _, s := range e.sources {
		refs = append(refs, &sourceRef{busName: s.BusName, objectPath: s.ObjectPath})
	}
	return refs
}
