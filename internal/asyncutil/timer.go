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

package asyncutil

import (
	"sync"
	"time"
)

// TimerGuard holds at most one pending timer. Setting a new timer clears any
// previous one first, so a guard never leaks more than one in-flight timer.
// Clear is idempotent.
type TimerGuard struct {
	mu    sync.Mutex
	timer *time.Timer
}

// Set arms a timer that calls fn after d, clearing any previously armed
// timer first.
func (g *TimerGuard) Set(d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		g.mu.Lock()
		if g.timer == t {
			g.timer = nil
		}
		g.mu.Unlock()
		fn()
	})
	g.timer = t
}

// Clear stops the pending timer, if any. Safe to call when nothing is
// armed, and safe to call more than once.
func (g *TimerGuard) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
}

// Active reports whether a timer is currently armed.
func (g *TimerGuard) Active() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.timer != nil
}

// MultiTimerGuard is a TimerGuard per name, for keyed timeouts like
// per-stream idle timers or per-policy hysteresis cooldowns.
type MultiTimerGuard struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

// NewMultiTimerGuard creates an empty keyed timer guard.
func NewMultiTimerGuard() *MultiTimerGuard {
	return &MultiTimerGuard{timers: make(map[string]*time.Timer)}
}

// Set arms the timer for key, clearing any previous timer under the same
// key first.
func (g *MultiTimerGuard) Set(key string, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}
	g.timers[key] = time.AfterFunc(d, func() {
		g.mu.Lock()
		delete(g.timers, key)
		g.mu.Unlock()
		fn()
	})
}

// Clear stops and forgets the timer for key. Idempotent.
func (g *MultiTimerGuard) Clear(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.timers[key]; ok {
		t.Stop()
		delete(g.timers, key)
	}
}

// ClearAll stops and forgets every armed timer.
func (g *MultiTimerGuard) ClearAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, t := range g.timers {
		t.Stop()
		delete(g.timers, k)
	}
}

// Count returns the number of currently armed timers. Used by tests to
// assert the guard leaks zero timers.
func (g *MultiTimerGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}
