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

package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dconf-go/dconf/metrics"
)

// gaugeValueFor scrapes the default registry for the gauge named name
// carrying labels, the only way to observe one of metrics.Engine's gauges
// from outside the package since the fields promauto populates are
// unexported.
func gaugeValueFor(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if labelsMatch(m.GetLabel(), labels) {
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if want[p.GetName()] != p.GetValue() {
			return false
		}
	}
	return true
}

func TestServerStartStopReturnsNoError(t *testing.T) {
	s := metrics.NewServer(zerolog.Nop(), "127.0.0.1:0")

	done := make(chan error, 1)
	go func() { done <- s.Start() }()

	// Stop is safe even if Start's listener has not bound yet: Shutdown
	// marks the server closed, and Start's ListenAndServe then returns
	// immediately with the closed-server sentinel this wraps away as nil.
	s.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}
}

func TestEngineGaugesReflectLatestValue(t *testing.T) {
	e := metrics.NewEngine("test-server-profile")
	labels := map[string]string{"profile": "test-server-profile"}

	e.SetQueueDepth(1, 1)
	e.SetSubscriptions(2, 3)
	e.SetStateToken(7)

	assert.Equal(t, 1.0, gaugeValueFor(t, "dconf_queue_pending", labels))
	assert.Equal(t, 1.0, gaugeValueFor(t, "dconf_queue_in_flight", labels))
	assert.Equal(t, 2.0, gaugeValueFor(t, "dconf_subscriptions_active", labels))
	assert.Equal(t, 3.0, gaugeValueFor(t, "dconf_subscriptions_establishing", labels))
	assert.Equal(t, 7.0, gaugeValueFor(t, "dconf_sources_state_token", labels))

	e.SetQueueDepth(0, 0)
	assert.Equal(t, 0.0, gaugeValueFor(t, "dconf_queue_pending", labels))
}
