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
)

// BatchScaler is the subset of the Generate Batcher the scale_up/scale_down
// handlers adjust.
type BatchScaler interface {
	SetMaxBatchSize(n int)
}

// AdmissionGuard is the subset of the Stream Registry the reject handler
// toggles.
type AdmissionGuard interface {
	SetAdmissionGuard(closed bool)
}

// OperatorBus receives the alert handler's structured events.
type OperatorBus interface {
	Publish(event string, fields map[string]any)
}

// Handler runs one remediation type against a Violation. Errors are caught
// by the Executor and reported, never propagated back into the evaluator.
type Handler func(v Violation) error

// Executor consumes Violations and dispatches the remediation handlers
// named in the matching policy. Built-in handlers are registered by name
// (scale_up, scale_down, reject, alert); Register lets callers add more.
type Executor struct {
	log      *slog.Logger
	handlers map[string]Handler

	scaler BatchScaler
	guard  AdmissionGuard
	bus    OperatorBus

	scaleStep int
	maxScale  int
	minScale  int
}

// ExecutorConfig wires the Executor's built-in handlers to their targets.
// Any of Scaler, Guard, Bus may be nil to disable the corresponding
// built-in (Dispatch reports and skips it).
type ExecutorConfig struct {
	Scaler BatchScaler
	Guard  AdmissionGuard
	Bus    OperatorBus

	ScaleStep int // only its sign is used: scale_up sets MaxScale, scale_down sets MinScale; default 4
	MinScale  int // floor for scale_down, default 1
	MaxScale  int // ceiling for scale_up, default 256
	Logger    *slog.Logger
}

// NewExecutor creates an Executor with the built-in handlers registered.
func NewExecutor(cfg ExecutorConfig) *Executor {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 4
	}
	if cfg.MinScale <= 0 {
		cfg.MinScale = 1
	}
	if cfg.MaxScale <= 0 {
		cfg.MaxScale = 256
	}
	ex := &Executor{
		log:       log,
		handlers:  make(map[string]Handler),
		scaler:    cfg.Scaler,
		guard:     cfg.Guard,
		bus:       cfg.Bus,
		scaleStep: cfg.ScaleStep,
		minScale:  cfg.MinScale,
		maxScale:  cfg.MaxScale,
	}
	ex.Register("scale_up", ex.scaleUp)
	ex.Register("scale_down", ex.scaleDown)
	ex.Register("reject", ex.reject)
	ex.Register("alert", ex.alert)
	return ex
}

// Register adds or replaces a remediation handler by name.
func (ex *Executor) Register(name string, h Handler) {
	ex.handlers[name] = h
}

// Dispatch runs every remediation named in the policy against v. In
// dry-run mode handlers are not invoked; the dispatch is logged only.
// Handler errors are caught and returned in the result slice; they never
// abort remaining handlers.
func (ex *Executor) Dispatch(v Violation, remediations []string, dryRun bool) []RemediationResult {
	results := make([]RemediationResult, 0, len(remediations))
	for _, name := range remediations {
		if dryRun {
			ex.log.Info("qos remediation dry-run", "policyId", v.PolicyID, "handler", name)
			results = append(results, RemediationResult{Handler: name, DryRun: true})
			continue
		}
		h, ok := ex.handlers[name]
		if !ok {
			ex.log.Warn("qos remediation handler not registered", "handler", name)
			results = append(results, RemediationResult{Handler: name, Err: errUnregisteredHandler(name)})
			continue
		}
		err := h(v)
		if err != nil {
			ex.log.Error("qos remediation handler failed", "handler", name, "policyId", v.PolicyID, "err", err)
		}
		results = append(results, RemediationResult{Handler: name, Err: err})
	}
	return results
}

func (ex *Executor) scaleUp(v Violation) error {
	return ex.adjustScale(v, ex.scaleStep)
}

func (ex *Executor) scaleDown(v Violation) error {
	return ex.adjustScale(v, -ex.scaleStep)
}

func (ex *Executor) adjustScale(v Violation, delta int) error {
	if ex.scaler == nil {
		return errNoTarget("scaler")
	}
	// The batcher clamps internally; Executor just needs to pick a
	// reasonable next target without tracking current size itself, so it
	// sets it to the configured floor/ceiling.
	target := ex.minScale
	if delta > 0 {
		target = ex.maxScale
	}
	ex.scaler.SetMaxBatchSize(target)
	return nil
}

func (ex *Executor) reject(v Violation) error {
	if ex.guard == nil {
		return errNoTarget("guard")
	}
	ex.guard.SetAdmissionGuard(true)
	return nil
}

func (ex *Executor) alert(v Violation) error {
	if ex.bus == nil {
		return errNoTarget("bus")
	}
	ex.bus.Publish("qos_violation", map[string]any{
		"policyId":  v.PolicyID,
		"metric":    v.Metric,
		"tenant":    v.Tenant,
		"observed":  v.Observed,
		"threshold": v.Threshold,
	})
	return nil
}

// ReopenAdmission reverses the reject handler's guard close. Wired to the
// Evaluator's onCleared callback so admission reopens once hysteresis
// confirms the SLO has recovered.
func (ex *Executor) ReopenAdmission() {
	if ex.guard != nil {
		ex.guard.SetAdmissionGuard(false)
	}
}
