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

package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/asyncutil"
)

// BreakerState is one of the three states of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a three-state circuit breaker gating calls to the runtime.
// Consecutive failures increment an atomic counter; crossing threshold
// flips closed→open. A cooldown timer (internal/asyncutil.TimerGuard)
// schedules the open→half-open transition.
type Breaker struct {
	mu    sync.Mutex
	state BreakerState

	failures  atomic.Int64
	threshold int64
	cooldown  time.Duration
	timer     asyncutil.TimerGuard
}

// NewBreaker creates a breaker starting closed.
func NewBreaker(threshold int64, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 1
	}
	return &Breaker{threshold: threshold, cooldown: cooldown}
}

// Allow reports whether a call may proceed: it returns false only while the
// breaker is open. In half-open state every call is admitted, not just one
// probe; the next RecordSuccess closes the breaker and the next
// RecordFailure trips it open again.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state != BreakerOpen
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// RecordFailure increments the consecutive-failure counter and trips the
// breaker to open once threshold is crossed.
func (b *Breaker) RecordFailure() {
	n := b.failures.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerHalfOpen {
		b.trip()
		return
	}
	if n >= b.threshold && b.state == BreakerClosed {
		b.trip()
	}
}

// RecordSuccess resets the failure counter and, from half-open, closes the
// breaker.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.state = BreakerClosed
		b.timer.Clear()
	}
	breakerStateGauge.Set(float64(b.state))
}

// trip must be called with b.mu held; it flips to open and arms the
// cooldown timer that will move the breaker to half-open.
func (b *Breaker) trip() {
	b.state = BreakerOpen
	breakerStateGauge.Set(float64(b.state))
	b.timer.Set(b.cooldown, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == BreakerOpen {
			b.state = BreakerHalfOpen
			breakerStateGauge.Set(float64(b.state))
		}
	})
}
