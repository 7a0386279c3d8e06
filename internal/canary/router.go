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

// Package canary implements deterministic hash-bucket traffic splitting
// between a baseline and variant runtime, comparative metrics, and an
// automatic rollback controller.
package canary

import (
	"crypto/sha256"
	"encoding/binary"
	"sync/atomic"
	"time"

	"fabric/internal/errs"
)

func nowUnixNano() int64 { return time.Now().UnixNano() }

// Variant identifies which runtime a request was routed to.
type Variant int

const (
	Baseline Variant = iota
	Variant_ // the canary build
)

func (v Variant) String() string {
	if v == Variant_ {
		return "variant"
	}
	return "baseline"
}

// Router routes a routing key to Baseline or Variant_ deterministically:
// bucket = first 32 bits of sha256(key || hashSeed) mod 100; route to the
// variant iff bucket < percentage. Hashing instead of random sampling keeps
// a given key's routing decision stable across calls at a fixed percentage,
// so a tenant or session doesn't flap between versions mid-conversation.
type Router struct {
	hashSeed string

	percentage  atomic.Int64 // 0-100
	cooldownUntilUnixNano atomic.Int64
}

// NewRouter creates a Router at the given starting percentage (0-100).
func NewRouter(hashSeed string, initialPercentage int) *Router {
	r := &Router{hashSeed: hashSeed}
	r.percentage.Store(clampPercentage(initialPercentage))
	return r
}

func clampPercentage(p int) int64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return int64(p)
}

// Route deterministically assigns key to Baseline or Variant_ at the
// router's current percentage. The same key always buckets to the same
// value for a fixed hashSeed, so a caller's routing decision is sticky
// across calls (e.g. keyed by tenant or session id).
func (r *Router) Route(key string) Variant {
	h := sha256.Sum256([]byte(key + r.hashSeed))
	bucket := binary.BigEndian.Uint32(h[:4]) % 100
	if int64(bucket) < r.percentage.Load() {
		return Variant_
	}
	return Baseline
}

// Percentage returns the current rollout percentage.
func (r *Router) Percentage() int {
	return int(r.percentage.Load())
}

// SetPercentage sets the rollout percentage. It fails with COOLDOWN while a
// rollback cooldown is in effect, so an external caller driving a
// progressive rollout cannot re-open it before the cooldown window elapses.
func (r *Router) SetPercentage(p int) error {
	if until := r.cooldownUntilUnixNano.Load(); until > 0 && nowUnixNano() < until {
		return errs.New(errs.CooldownActive, "rollback cooldown active, setPercentage rejected")
	}
	r.percentage.Store(clampPercentage(p))
	return nil
}

// forceZero is called by the rollback controller: it bypasses the cooldown
// check (the controller is the one arming it) and sets the cooldown window.
func (r *Router) forceZero(cooldownUntilNano int64) {
	r.percentage.Store(0)
	r.cooldownUntilUnixNano.Store(cooldownUntilNano)
}

// cooldownUntil reports the current cooldown deadline, zero if none.
func (r *Router) cooldownUntil() int64 {
	return r.cooldownUntilUnixNano.Load()
}

// clearCooldown lifts the cooldown immediately.
func (r *Router) clearCooldown() {
	r.cooldownUntilUnixNano.Store(0)
}
