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

// Package engine composes sources, a transport, and a write queue into the
// layered configuration engine (§4.7): layered reads with lock semantics,
// an optimistic write queue with at-most-one-in-flight discipline, and the
// subscription/change-notification protocol.
//
// Lock order: if sourcesMu and queueMu are both needed, sourcesMu is
// acquired first. subMu is never held together with either of the other
// two. None of the three is ever held across a call into notify, which may
// re-enter the engine.
package engine

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/dconf-go/dconf/changeset"
	"github.com/dconf-go/dconf/source"
	"github.com/dconf-go/dconf/transport"
)

// Notification is the consumer-facing change callout (§6): a single
// function invoked synchronously on whatever thread triggered it.
type Notification struct {
	Prefix        string
	Changes       []string
	Tag           *string // nil for a notification the write queue synthesises (optimistic or compensating); otherwise the signal's tag, "" for a writability notification
	IsWritability bool
	OriginTag     *string
}

// NotifyFunc is the consumer's notification callout.
type NotifyFunc func(Notification)

// Engine is one bound-to-a-profile configuration engine: a source stack, a
// write queue, and subscription book-keeping. The zero value is not usable;
// build one with New. An Engine is safe for concurrent use from any number
// of goroutines and must be released with Close.
type Engine struct {
	log     zerolog.Logger
	bus     transport.Transport
	notify  NotifyFunc
	metrics metricsSink

	sourcesMu sync.Mutex
	sources   []*source.Source
	state     uint64

	queueMu     sync.Mutex
	queueCond   *sync.Cond
	pending     *changeset.Changeset
	inFlight    *changeset.Changeset
	lastHandled *string

	subMu        sync.Mutex
	active       map[string]uint64
	establishing map[string]uint64
	cancels      map[string][]func()

	closeOnce sync.Once
}

// metricsSink is the minimal surface package metrics implements; kept
// local so engine has no import-time dependency on a concrete metrics
// backend.
type metricsSink interface {
	SetQueueDepth(pending, inFlight int)
	SetSubscriptions(active, establishing int)
	SetStateToken(uint64)
}

type noopMetrics struct{}

func (noopMetrics) SetQueueDepth(int, int)    {}
func (noopMetrics) SetSubscriptions(int, int) {}
func (noopMetrics) SetStateToken(uint64)      {}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithMetrics wires an engine-level metrics sink (queue depth, subscription
// counts, state token).
func WithMetrics(m metricsSink) Option {
	return func(e *Engine) { e.metrics = m }
}

// New builds an Engine over sources, registers it on the process-wide
// engine list that CloseAll walks, and returns it. bus may be nil
// (or transporttest.New()'s default null behaviour) for profiles with no
// bussed sources. notify is invoked for every change notification; it must
// not itself call back into the engine while holding any lock of its own
// that the engine might need (the engine never calls it while holding a
// lock itself).
func New(log zerolog.Logger, sources []*source.Source, bus transport.Transport, notify NotifyFunc, opts ...Option) *Engine {
	e := &Engine{
		log:          log.With().Str("component", "engine").Logger(),
		bus:          bus,
		notify:       notify,
		metrics:      noopMetrics{},
		sources:      sources,
		active:       make(map[string]uint64),
		establishing: make(map[string]uint64),
		cancels:      make(map[string][]func()),
	}
	e.queueCond = sync.NewCond(&e.queueMu)

	for _, opt := range opts {
		opt(e)
	}

	register(e)
	return e
}

// acquireSources refreshes every source and bumps state once per source
// whose backing database identity changed, then returns with sourcesMu
// held; callers must call releaseSources when done.
func (e *Engine) acquireSources(ctx context.Context) {
	e.sourcesMu.Lock()
	for _, s := range e.sources {
		if s.Refresh(ctx, e.bus) {
			e.state++
		}
	}
	e.metrics.SetStateToken(e.state)
}

func (e *Engine) releaseSources() {
	e.sourcesMu.Unlock()
}

// stateToken returns the current state token under sourcesMu, for
// watch_fast's subscribe-race check (§4.7.7).
func (e *Engine) stateToken() uint64 {
	e.sourcesMu.Lock()
	defer e.sourcesMu.Unlock()
	return e.state
}

// Close unregisters the engine from the process-wide list and finalizes
// every source. Safe to call more than once.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		unregister(e)

		e.subMu.Lock()
		cancels := e.cancels
		e.cancels = make(map[string][]func())
		e.active = make(map[string]uint64)
		e.establishing = make(map[string]uint64)
		e.subMu.Unlock()
		for _, cs := range cancels {
			for _, c := range cs {
				c()
			}
		}

		e.sourcesMu.Lock()
		defer e.sourcesMu.Unlock()
		var errs error
		for _, s := range e.sources {
			if ferr := s.Finalize(); ferr != nil {
				errs = multierror.Append(errs, ferr)
			}
		}
		err = errs
	})
	return err
}

func (e *Engine) deliver(n Notification) {
	if e.notify != nil {
		e.notify(n)
	}
}
