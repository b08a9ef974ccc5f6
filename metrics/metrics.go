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

// Package metrics exposes an engine's internal state as Prometheus gauges —
// write-queue depth, subscription counts, and the source-stack state token —
// and a Server to scrape them over HTTP.
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Engine is the gauge set one engine.New(..., engine.WithMetrics(...))
// call wires up. Construct one per engine with NewEngine; constructing two
// with the same label would panic on double registration, so callers that
// run several engines in one process should give each a distinct label.
type Engine struct {
	queuePending     prometheus.Gauge
	queueInFlight    prometheus.Gauge
	subsActive       prometheus.Gauge
	subsEstablishing prometheus.Gauge
	stateToken       prometheus.Gauge
}

// NewEngine registers and returns a gauge set labelled with profile, the
// name of the profile the owning engine was loaded for.
func NewEngine(profile string) *Engine {
	labels := prometheus.Labels{"profile": profile}
	return &Engine{
		queuePending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dconf",
			Subsystem:   "queue",
			Name:        "pending",
			Help:        "Whether the write queue currently holds a pending (not yet in-flight) changeset.",
			ConstLabels: labels,
		}),
		queueInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dconf",
			Subsystem:   "queue",
			Name:        "in_flight",
			Help:        "Whether the write queue currently has a changeset in flight to the writer.",
			ConstLabels: labels,
		}),
		subsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dconf",
			Subsystem:   "subscriptions",
			Name:        "active",
			Help:        "Number of paths with a fully established subscription.",
			ConstLabels: labels,
		}),
		subsEstablishing: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dconf",
			Subsystem:   "subscriptions",
			Name:        "establishing",
			Help:        "Number of paths whose subscription is still being established.",
			ConstLabels: labels,
		}),
		stateToken: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace:   "dconf",
			Subsystem:   "sources",
			Name:        "state_token",
			Help:        "Monotonic counter bumped each time a source's backing database identity changes.",
			ConstLabels: labels,
		}),
	}
}

// SetQueueDepth implements the engine package's metricsSink interface.
func (e *Engine) SetQueueDepth(pending, inFlight int) {
	e.queuePending.Set(float64(pending))
	e.queueInFlight.Set(float64(inFlight))
}

// SetSubscriptions implements the engine package's metricsSink interface.
func (e *Engine) SetSubscriptions(active, establishing int) {
	e.subsActive.Set(float64(active))
	e.subsEstablishing.Set(float64(establishing))
}

// SetStateToken implements the engine package's metricsSink interface.
func (e *Engine) SetStateToken(token uint64) {
	e.stateToken.Set(float64(token))
}

// Server is the http server exposing /metrics for Prometheus to scrape.
type Server struct {
	server *http.Server
	log    zerolog.Logger
}

// NewServer builds a server bound to address; it does not start listening
// until Start is called.
func NewServer(log zerolog.Logger, address string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    address,
			Handler: mux,
		},
		log: log.With().Str("component", "metrics").Logger(),
	}
}

// Start blocks serving /metrics until Stop closes the listener, at which
// point it returns nil rather than http.ErrServerClosed.
func (s *Server) Start() error {
	err := s.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("could not listen and serve: %w", err)
	}
	return nil
}

// Stop shuts the server down, letting in-flight scrapes complete.
func (s *Server) Stop() {
	if err := s.server.Shutdown(context.Background()); err != nil {
		s.log.Error().Err(err).Msg("metrics server shutdown failed")
	}
}
