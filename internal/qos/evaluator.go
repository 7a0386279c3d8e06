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

package qos

import (
	"log/slog"
	"sync"
	"time"
)

// windowKey identifies one (metric, tenant) sliding window.
type windowKey struct {
	metric string
	tenant string
}

// trackedPolicy pairs a policy with its sliding window and hysteresis state.
type trackedPolicy struct {
	policy Policy
	window *Window

	mu               sync.Mutex
	active           bool // a violation is currently open for this policy
	clearStreak      int  // consecutive non-breaching evaluations since the last breach
}

const clearAfterConsecutive = 2

// Evaluator matches incoming samples against policies by (metric, tenant),
// tracks each match's sliding window, and emits a Violation the moment a
// percentile crosses its threshold. Re-emission is suppressed while the
// violation is still open; it clears only after clearAfterConsecutive
// consecutive non-breaching evaluations, so a metric oscillating right at
// the threshold doesn't flap the violation open and closed every tick.
type Evaluator struct {
	log *slog.Logger

	mu       sync.RWMutex
	policies map[string]*trackedPolicy // policy ID -> tracked state
	byMatch  map[windowKey][]*trackedPolicy

	onViolation func(Violation)
	onCleared   func(policyID string)
}

// NewEvaluator creates an Evaluator. onViolation is invoked (synchronously,
// from whatever goroutine calls Observe) only when a policy's threshold is
// newly breached, not again while the violation stays open; onCleared fires once, when hysteresis
// confirms recovery. Either may be nil.
func NewEvaluator(log *slog.Logger, onViolation func(Violation), onCleared func(policyID string)) *Evaluator {
	if log == nil {
		log = slog.Default()
	}
	return &Evaluator{
		log:         log,
		policies:    make(map[string]*trackedPolicy),
		byMatch:     make(map[windowKey][]*trackedPolicy),
		onViolation: onViolation,
		onCleared:   onCleared,
	}
}

// SetPolicies replaces the evaluator's policy set. Existing windows for
// policies that survive (same ID and same Window duration) are kept; a
// policy whose Window changed gets a fresh window and hysteresis state;
// policies that disappear are
// dropped along with their hysteresis state.
func (e *Evaluator) SetPolicies(policies []Policy) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next := make(map[string]*trackedPolicy, len(policies))
	for _, p := range policies {
		tp, ok := e.policies[p.ID]
		if !ok || tp.policy.Window != p.Window {
			tp = &trackedPolicy{window: NewWindow(p.Window)}
		}
		tp.policy = p
		next[p.ID] = tp
	}
	e.policies = next

	byMatch := make(map[windowKey][]*trackedPolicy)
	for _, tp := range next {
		k := windowKey{metric: tp.policy.Metric, tenant: tp.policy.Tenant}
		byMatch[k] = append(byMatch[k], tp)
	}
	e.byMatch = byMatch
}

// Observe records one sample for (metric, tenant) and evaluates every
// matching enabled policy, firing onViolation/onCleared as hysteresis
// dictates.
func (e *Evaluator) Observe(metric, tenant string, value float64, at time.Time) {
	e.mu.RLock()
	candidates := e.matchingLocked(metric, tenant)
	e.mu.RUnlock()

	for _, tp := range candidates {
		tp.window.AddAt(at, value)
		e.evaluate(tp, at)
	}
}

// matchingLocked returns every tracked policy whose (metric, tenant) scope
// covers the observation — an exact-tenant policy and a "*"-tenant policy
// for the same metric can both match the same sample.
func (e *Evaluator) matchingLocked(metric, tenant string) []*trackedPolicy {
	var out []*trackedPolicy
	for _, tp := range e.byMatch[windowKey{metric: metric, tenant: tenant}] {
		if tp.policy.matches(metric, tenant) {
			out = append(out, tp)
		}
	}
	for _, tp := range e.byMatch[windowKey{metric: metric, tenant: "*"}] {
		if tenant != "*" && tp.policy.matches(metric, tenant) {
			out = append(out, tp)
		}
	}
	return out
}

func (e *Evaluator) evaluate(tp *trackedPolicy, at time.Time) {
	observed := tp.window.Percentile(tp.policy.Percentile * 100)
	breaching := observed > tp.policy.Threshold

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if breaching {
		tp.clearStreak = 0
		wasActive := tp.active
		tp.active = true
		if wasActive {
			// Re-emission is suppressed while the violation is still open.
			return
		}
		e.log.Warn("qos policy breached", "policyId", tp.policy.ID, "metric", tp.policy.Metric, "observed", observed, "threshold", tp.policy.Threshold)
		if e.onViolation != nil {
			e.onViolation(Violation{
				PolicyID:  tp.policy.ID,
				Metric:    tp.policy.Metric,
				Tenant:    tp.policy.Tenant,
				Observed:  observed,
				Threshold: tp.policy.Threshold,
				At:        at,
			})
		}
		return
	}

	if !tp.active {
		return
	}
	tp.clearStreak++
	if tp.clearStreak >= clearAfterConsecutive {
		tp.active = false
		tp.clearStreak = 0
		e.log.Info("qos policy cleared", "policyId", tp.policy.ID, "metric", tp.policy.Metric)
		if e.onCleared != nil {
			e.onCleared(tp.policy.ID)
		}
	}
}

// Policy returns the current definition for policyID, for a caller (the
// Executor) that needs the Remediation list and DryRun flag a Violation
// doesn't carry.
func (e *Evaluator) Policy(policyID string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tp, ok := e.policies[policyID]
	if !ok {
		return Policy{}, false
	}
	return tp.policy, true
}

// Active reports whether policyID currently has an open violation.
func (e *Evaluator) Active(policyID string) bool {
	e.mu.RLock()
	tp, ok := e.policies[policyID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return tp.active
}
