// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics holds the prometheus collectors of the harness.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Decode error outcomes, used as the "policy" label.
const (
	DecodeDropped = "dropped"
	DecodeClosed  = "closed"
	DecodePartial = "partial"
)

var (
	framesDecodedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcheck_capture_frames_decoded_total",
			Help: "Total number of wire frames decoded by the capture sink",
		},
	)

	decodeErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcheck_capture_decode_errors_total",
			Help: "Total number of malformed or partial wire frames by how they were handled",
		},
		[]string{"policy"},
	)

	connectionsAcceptedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "streamcheck_capture_connections_accepted_total",
			Help: "Total number of publisher connections accepted by the capture sink",
		},
	)

	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "streamcheck_capture_connections_active",
			Help: "Number of publisher connections currently open",
		},
	)

	scenarioRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "streamcheck_scenario_runs_total",
			Help: "Total number of scenario runs by scenario and outcome",
		},
		[]string{"scenario", "outcome"},
	)

	phaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "streamcheck_scenario_phase_duration_seconds",
			Help:    "Time spent in each scenario phase",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"phase"},
	)
)

// RecordFrameDecoded counts one successfully decoded frame.
func RecordFrameDecoded() {
	framesDecodedTotal.Inc()
}

// RecordDecodeError counts a decode error handled with the given policy.
func RecordDecodeError(policy string) {
	decodeErrorsTotal.WithLabelValues(policy).Inc()
}

// ConnectionOpened tracks an accepted connection.
func ConnectionOpened() {
	connectionsAcceptedTotal.Inc()
	connectionsActive.Inc()
}

// ConnectionClosed tracks a connection handler exiting.
func ConnectionClosed() {
	connectionsActive.Dec()
}

// RecordScenario counts a finished scenario run.
func RecordScenario(scenario string, passed bool) {
	outcome := "failed"
	if passed {
		outcome = "passed"
	}
	scenarioRunsTotal.WithLabelValues(scenario, outcome).Inc()
}

// ObservePhase records how long a scenario phase took.
func ObservePhase(phase string, d time.Duration) {
	phaseDurationSeconds.WithLabelValues(phase).Observe(d.Seconds())
}

// FramesDecoded exposes the decoded frame counter for tests.
func FramesDecoded() prometheus.Counter {
	return framesDecodedTotal
}

// DecodeErrors exposes the decode error counter for the given policy.
func DecodeErrors(policy string) prometheus.Counter {
	return decodeErrorsTotal.WithLabelValues(policy)
}

// ScenarioRuns exposes the run counter for a scenario and outcome.
func ScenarioRuns(scenario, outcome string) prometheus.Counter {
	return scenarioRunsTotal.WithLabelValues(scenario, outcome)
}

// ResetMetrics resets the labelled metrics (for testing)
func ResetMetrics() {
	decodeErrorsTotal.Reset()
	scenarioRunsTotal.Reset()
	phaseDurationSeconds.Reset()
}
