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

// Package quota provides a thread-safe, in-memory capacity gate built on
// striped atomics. It answers one question cheaply and under heavy
// concurrency: "is there room for N more units of some bounded resource?" —
// and lets callers reserve, refund, and commit against that budget.
//
// It is used for three distinct resources in this repository: the
// Transport's outgoing byte high-water mark, the Stream Registry's
// active-stream admission cap, and the Artifact Cache's size-cap gate during
// concurrent populates. The resource unit (bytes, streams, cache bytes) is
// up to the caller; Quota only tracks a capacity and a reserved amount.
package quota

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// cache line size varies; we over-pad to 128 bytes to avoid false sharing
// between stripes on the hot Reserve/Release path.
const padSize = 128 - 8

type stripe struct {
	val atomic.Int64
	_   [padSize]byte
}

// Quota is a thread-safe, in-memory capacity gate. The public API is small:
// TryConsume/TryRefund/Commit/Available. Internally it uses striped atomics
// to collapse contention the way a per-CPU counter would.
type Quota struct {
	// capacity is the durable budget (e.g. max bytes, max streams).
	capacity atomic.Int64

	// committedOffset accumulates amounts already committed (e.g. flushed to
	// disk, or accounted for in a durable ledger). Effective reserved amount
	// = sum(stripes) - committedOffset.
	committedOffset atomic.Int64

	stripes []stripe
	mask    int

	chooser atomic.Uint64
	rr      uint64

	approxReserved atomic.Int64

	useCachedGate bool
	cacheInterval time.Duration
	cacheSlack    int64
	cachedNet     atomic.Int64

	fastPathGuard int64

	stopCh    chan struct{}
	closeOnce sync.Once

	tryMu sync.Mutex
}

// Options configures Quota construction.
type Options struct {
	// Stripes sets the number of striped counters. 0 picks
	// nextPow2(clamp(GOMAXPROCS, [8,64])).
	Stripes int

	// UseCachedGate enables a background goroutine that periodically
	// refreshes a cached reserved total, so TryConsume can gate against a
	// slightly stale but cheap-to-read value plus a conservative slack.
	UseCachedGate bool
	CacheInterval time.Duration
	CacheSlack    int64

	// FastPathGuard, when > 0, enables a lock-free fast path in TryConsume
	// when the approximate reserved total is far enough from capacity.
	FastPathGuard int64
}

// New creates a Quota with the given capacity and default options.
func New(capacity int64) *Quota {
	return NewWithOptions(capacity, Options{})
}

// NewWithOptions creates a Quota with explicit options.
func NewWithOptions(capacity int64, opts Options) *Quota {
	var s int
	if opts.Stripes > 0 {
		s = nextPow2(clamp(opts.Stripes, 8, 64))
	} else {
		p := runtime.GOMAXPROCS(0)
		s = nextPow2(clamp(p, 8, 64))
	}
	q := &Quota{stripes: make([]stripe, s), mask: s - 1}
	q.capacity.Store(capacity)

	q.useCachedGate = opts.UseCachedGate
	if q.useCachedGate {
		if opts.CacheInterval <= 0 {
			q.cacheInterval = 100 * time.Microsecond
		} else {
			q.cacheInterval = opts.CacheInterval
		}
		q.cacheSlack = opts.CacheSlack
		q.stopCh = make(chan struct{})
		go q.runAggregator()
	}
	if opts.FastPathGuard > 0 {
		q.fastPathGuard = opts.FastPathGuard
	}
	return q
}

// Available returns the real-time available capacity: capacity - |reserved|.
func (q *Quota) Available() int64 {
	c := q.capacity.Load()
	r := q.currentReserved()
	return c - abs(r)
}

// TryConsume reserves n units if available, returning true on success.
func (q *Quota) TryConsume(n int64) bool {
	if n <= 0 {
		return false
	}
	if q.fastPathGuard > 0 {
		c := q.capacity.Load()
		approx := q.approxReserved.Load()
		if c-abs(approx) >= n+q.fastPathGuard {
			idx := int(q.chooser.Add(1)) & q.mask
			q.stripes[idx].val.Add(n)
			q.approxReserved.Add(n)
			return true
		}
	}
	q.tryMu.Lock()
	defer q.tryMu.Unlock()
	if q.useCachedGate {
		avail := q.capacity.Load() - abs(q.cachedNet.Load()) - q.cacheSlack
		if avail < n {
			return false
		}
	} else {
		avail := q.capacity.Load() - abs(q.currentReserved())
		if avail < n {
			return false
		}
	}
	idx := int(q.rr) & q.mask
	q.rr++
	q.stripes[idx].val.Add(n)
	q.approxReserved.Add(n)
	return true
}

// TryRefund releases up to n units from the current positive reserved
// total, never driving it negative. Returns true if anything was released.
func (q *Quota) TryRefund(n int64) bool {
	if n <= 0 {
		return false
	}
	q.tryMu.Lock()
	defer q.tryMu.Unlock()
	net := q.currentReserved()
	if net <= 0 {
		return false
	}
	if n > net {
		n = net
	}
	idx := int(q.rr) & q.mask
	q.rr++
	q.stripes[idx].val.Add(-n)
	q.approxReserved.Add(-n)
	return true
}

// Commit reduces capacity by up to committed units, moving the budget
// towards zero net the way a durable write shrinks an in-memory remainder.
// It recomputes the current net under lock so concurrent TryConsume/TryRefund
// never produce an inconsistent (capacity, committedOffset) pair.
func (q *Quota) Commit(committed int64) {
	if committed == 0 {
		return
	}
	q.tryMu.Lock()
	defer q.tryMu.Unlock()
	net := q.currentReserved()
	if net == 0 {
		return
	}
	mag := abs(committed)
	if mag > abs(net) {
		mag = abs(net)
	}
	var delta int64
	if net > 0 {
		delta = mag
	} else {
		delta = -mag
	}
	q.capacity.Add(-abs(delta))
	q.committedOffset.Add(delta)
	q.approxReserved.Add(-delta)
}

// State returns the current capacity and effective reserved total.
func (q *Quota) State() (capacity, reserved int64) {
	return q.capacity.Load(), q.currentReserved()
}

func (q *Quota) currentReserved() int64 {
	var sum int64
	for i := range q.stripes {
		sum += q.stripes[i].val.Load()
	}
	return sum - q.committedOffset.Load()
}

func (q *Quota) runAggregator() {
	t := time.NewTicker(q.cacheInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			var sum int64
			for i := range q.stripes {
				sum += q.stripes[i].val.Load()
			}
			q.cachedNet.Store(sum - q.committedOffset.Load())
		case <-q.stopCh:
			return
		}
	}
}

// Close stops the background cache refresher, if running. Safe to call
// multiple times.
func (q *Quota) Close() {
	q.closeOnce.Do(func() {
		if q.stopCh != nil {
			close(q.stopCh)
		}
	})
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func nextPow2(x int) int {
	if x <= 1 {
		return 1
	}
	x--
	x |= x >> 1
	x |= x >> 2
	x |= x >> 4
	x |= x >> 8
	x |= x >> 16
	x |= x >> 32
	return x + 1
}
