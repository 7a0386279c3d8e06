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
	"log/slog"
	"sync/atomic"
	"time"

	"fabric/internal/asyncutil"
)

// RollbackConfig configures the Rollback Controller's evaluation cadence
// and trigger conditions.
type RollbackConfig struct {
	EvaluationWindow   time.Duration
	ErrorRateDelta     float64 // variant.errorRate - baseline.errorRate threshold
	P99LatencyThreshold float64
	Cooldown           time.Duration
}

func (c *RollbackConfig) setDefaults() {
	if c.EvaluationWindow <= 0 {
		c.EvaluationWindow = 10 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
}

// EventBus receives the controller's rollback event.
type EventBus interface {
	Publish(event string, fields map[string]any)
}

// RollbackController polls the MetricsAggregator every EvaluationWindow
// and, on regression, flips the router's percentage to 0, emits a
// "rollback" event, and arms a cooldown during which the router's
// SetPercentage rejects every call.
//
// The controller disarms itself the instant it trips, so a regression that
// persists across several evaluation ticks only fires the event once, and
// re-arms only once the variant's metrics have recovered below both
// thresholds — a hysteresis gate on event emission, not on the trip
// condition itself.
type RollbackController struct {
	cfg     RollbackConfig
	router  *Router
	metrics *MetricsAggregator
	bus     EventBus
	log     *slog.Logger

	armed   atomic.Bool // true: a future regression may trigger rollback
	cooldownGuard asyncutil.TimerGuard

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewRollbackController creates a controller. It does not start polling
// until Start is called.
func NewRollbackController(cfg RollbackConfig, router *Router, metrics *MetricsAggregator, bus EventBus, log *slog.Logger) *RollbackController {
	cfg.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	c := &RollbackController{cfg: cfg, router: router, metrics: metrics, bus: bus, log: log}
	c.armed.Store(true)
	return c
}

// Start launches the evaluation loop.
func (c *RollbackController) Start() {
	if c.stopCh != nil {
		return
	}
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.run()
}

// Stop halts the evaluation loop and waits for it to exit.
func (c *RollbackController) Stop() {
	if c.stopCh == nil {
		return
	}
	close(c.stopCh)
	<-c.doneCh
	c.cooldownGuard.Clear()
}

func (c *RollbackController) run() {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.cfg.EvaluationWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Evaluate()
		case <-c.stopCh:
			return
		}
	}
}

// Evaluate runs one evaluation tick. Exported so tests (and a future
// on-demand "check now" admin hook) can drive it without waiting on the
// ticker.
func (c *RollbackController) Evaluate() {
	snap := c.metrics.Snapshot()
	regressed := (snap.VariantErrorRate-snap.BaselineErrorRate) > c.cfg.ErrorRateDelta ||
		snap.VariantP99 > c.cfg.P99LatencyThreshold

	if regressed {
		if c.armed.CompareAndSwap(true, false) {
			c.trigger(snap)
		}
		return
	}

	// Re-arm once the variant has recovered below both thresholds.
	if !c.armed.Load() {
		recovered := (snap.VariantErrorRate-snap.BaselineErrorRate) <= c.cfg.ErrorRateDelta &&
			snap.VariantP99 <= c.cfg.P99LatencyThreshold
		if recovered {
			c.armed.Store(true)
		}
	}
}

func (c *RollbackController) trigger(snap Snapshot) {
	until := nowUnixNano() + c.cfg.Cooldown.Nanoseconds()
	c.router.forceZero(until)
	c.cooldownGuard.Set(c.cfg.Cooldown, func() {
		c.router.clearCooldown()
	})
	c.log.Warn("canary rollback triggered", "variantErrorRate", snap.VariantErrorRate, "baselineErrorRate", snap.BaselineErrorRate, "variantP99", snap.VariantP99)
	if c.bus != nil {
		c.bus.Publish("rollback", map[string]any{
			"percentage":        0,
			"variantErrorRate":  snap.VariantErrorRate,
			"baselineErrorRate": snap.BaselineErrorRate,
			"variantP99":        snap.VariantP99,
			"cooldownMs":        c.cfg.Cooldown.Milliseconds(),
		})
	}
}
