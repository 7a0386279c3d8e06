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

// Package registry tracks every in-flight generation stream: admission
// control against a configured cap, event routing by stream id, per-stream
// idle timeouts, and aggregate TTFT/throughput metrics.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/asyncutil"
)

// TerminalState is one of a StreamRecord's possible end states.
type TerminalState int

const (
	Active TerminalState = iota
	Completed
	Cancelled
	Errored
)

func (s TerminalState) String() string {
	switch s {
	case Completed:
		return "completed"
	case Cancelled:
		return "cancelled"
	case Errored:
		return "errored"
	default:
		return "active"
	}
}

// StreamRecord is the in-flight state of one generation. The registry is its
// single authoritative owner: consumers hold only the stream id and a
// read-only handle to Queue, never the record itself, so cleanup can never
// race a consumer's own view of liveness.
type StreamRecord struct {
	ID      string
	ModelID string

	admittedAt int64 // UnixNano, immutable after admission
	// lastActivity is updated on every chunk/stats event and read by the
	// timeout sweep; stored as UnixNano for lock-free atomic access.
	lastActivity int64

	timeout time.Duration // immutable after admission; this stream's idle timeout

	Queue *asyncutil.Queue

	tokenCount atomic.Int64
	ttftNanos  atomic.Int64 // 0 until the first token; set exactly once

	mu       sync.Mutex
	terminal TerminalState
	reason   string

	cancel func()
}

// newStreamRecord wraps a queue already acquired from the Generator
// Factory's queue pool (see internal/asyncutil.Pool) — the registry never
// allocates queues itself, only routes events onto one it's handed.
func newStreamRecord(id, modelID string, timeout time.Duration, queue *asyncutil.Queue, cancel func()) *StreamRecord {
	now := time.Now().UnixNano()
	return &StreamRecord{
		ID:           id,
		ModelID:      modelID,
		admittedAt:   now,
		lastActivity: now,
		timeout:      timeout,
		Queue:        queue,
		cancel:       cancel,
	}
}

// Timeout returns the idle timeout this stream was admitted with.
func (r *StreamRecord) Timeout() time.Duration { return r.timeout }

// AdmittedAt returns the stream's admission time.
func (r *StreamRecord) AdmittedAt() time.Time { return time.Unix(0, r.admittedAt) }

// LastActivity returns the last time a chunk or stats event touched this
// stream.
func (r *StreamRecord) LastActivity() time.Time {
	return time.Unix(0, atomic.LoadInt64(&r.lastActivity))
}

func (r *StreamRecord) touch() { atomic.StoreInt64(&r.lastActivity, time.Now().UnixNano()) }

// TokenCount returns the cumulative number of tokens emitted so far.
func (r *StreamRecord) TokenCount() int64 { return r.tokenCount.Load() }

// TTFT returns the time-to-first-token, or 0 if no token has arrived yet.
// Set exactly once by the first chunk event.
func (r *StreamRecord) TTFT() time.Duration {
	return time.Duration(r.ttftNanos.Load())
}

// State returns the record's current terminal state and reason.
func (r *StreamRecord) State() (TerminalState, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminal, r.reason
}

// terminate transitions the record to a terminal state exactly once. Repeat
// calls (late or duplicate events) are no-ops, matching the invariant that a
// record has exactly one terminal transition.
func (r *StreamRecord) terminate(state TerminalState, reason string) bool {
	return r.terminateWithErr(state, reason, nil)
}

// terminateWithErr is terminate's superset: when err is non-nil the queue is
// failed (consumers observe err on their final Shift) instead of closed
// gracefully, for the transport-failure path.
func (r *StreamRecord) terminateWithErr(state TerminalState, reason string, err error) bool {
	r.mu.Lock()
	if r.terminal != Active {
		r.mu.Unlock()
		return false
	}
	r.terminal = state
	r.reason = reason
	r.mu.Unlock()
	if err != nil {
		r.Queue.Fail(err)
	} else {
		r.Queue.Close()
	}
	return true
}

// Cancel invokes the record's cancellation hook and marks it cancelled. Safe
// to call multiple times; returns true only for the call that actually
// performed the transition, so a caller can gate side effects (admission
// quota refund, metrics) on having genuinely terminated the record rather
// than racing a concurrent terminal transition.
func (r *StreamRecord) Cancel(reason string) bool {
	if !r.terminate(Cancelled, reason) {
		return false
	}
	if r.cancel != nil {
		r.cancel()
	}
	return true
}
