// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package canary

import (
	"time"

	"fabric/internal/qos"
)

// versionMetrics holds one version's comparative sliding windows: a
// latency window (percentiles) and an error-rate window (0/1 samples
// whose Mean is the error rate). Reuses qos.Window rather than
// reimplementing a sliding window, since the Rollback Controller's needs
// (windowed percentile, windowed mean) are exactly what that type already
// provides.
type versionMetrics struct {
	latency *qos.Window
	outcome *qos.Window // 1.0 per failed request, 0.0 per success
}

func newVersionMetrics(window time.Duration) *versionMetrics {
	return &versionMetrics{
		latency: qos.NewWindow(window),
		outcome: qos.NewWindow(window),
	}
}

func (m *versionMetrics) record(latencyMS float64, failed bool) {
	m.latency.Add(latencyMS)
	v := 0.0
	if failed {
		v = 1.0
	}
	m.outcome.Add(v)
}

func (m *versionMetrics) errorRate() float64 { return m.outcome.Mean() }
func (m *versionMetrics) p99Latency() float64 { return m.latency.Percentile(99) }

// MetricsAggregator keeps separate comparative windows for the baseline and
// variant runtimes so the Rollback Controller can compare them directly.
type MetricsAggregator struct {
	baseline *versionMetrics
	variant  *versionMetrics
}

// NewMetricsAggregator creates an aggregator with the given comparison
// window.
func NewMetricsAggregator(window time.Duration) *MetricsAggregator {
	return &MetricsAggregator{
		baseline: newVersionMetrics(window),
		variant:  newVersionMetrics(window),
	}
}

// Record logs one completed request's outcome against its routed version.
func (a *MetricsAggregator) Record(v Variant, latencyMS float64, failed bool) {
	a.versionMetrics(v).record(latencyMS, failed)
}

func (a *MetricsAggregator) versionMetrics(v Variant) *versionMetrics {
	if v == Variant_ {
		return a.variant
	}
	return a.baseline
}

// Snapshot is a point-in-time read of both versions' comparative metrics.
type Snapshot struct {
	BaselineErrorRate float64
	VariantErrorRate  float64
	BaselineP99       float64
	VariantP99        float64
}

// Snapshot reads the current windowed metrics for both versions.
func (a *MetricsAggregator) Snapshot() Snapshot {
	return Snapshot{
		BaselineErrorRate: a.baseline.errorRate(),
		VariantErrorRate:  a.variant.errorRate(),
		BaselineP99:       a.baseline.p99Latency(),
		VariantP99:        a.variant.p99Latency(),
	}
}
