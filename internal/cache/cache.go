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

package cache

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"fabric/internal/errs"
	"fabric/internal/quota"
)

// PopulateFunc materializes the shards for a fingerprint into dir and
// returns their descriptors. It must write nothing outside dir, and must
// not leave partial files behind on error — Cache.Populate enforces the
// temp-then-rename half of that contract by handing PopulateFunc a
// scratch directory that is only renamed into place on success.
type PopulateFunc func(dir string) ([]ShardInfo, error)

// Cache is a size-capped LRU of on-disk artifacts keyed by fingerprint.
// Concurrent populates of the same fingerprint coalesce: the first caller
// does the work, later callers join and receive the same result. Eviction
// is strict evict-until-fit among unpinned entries in least-recently-used
// order, run while reserving space for each populate, before the new entry
// is inserted.
//
type Cache struct {
	dir string
	cap *quota.Quota

	log *slog.Logger

	entries sync.Map // fingerprint -> *Entry

	inflight sync.Map // fingerprint -> *populateCall

	hits   atomic.Int64
	misses atomic.Int64
}

// Config configures a Cache.
type Config struct {
	// Dir is the cache root directory. Subdirectories are sharded by the
	// first two hex characters of the fingerprint's sha256 hash.
	Dir string

	// CapBytes is the total on-disk size budget across all entries.
	CapBytes int64

	Logger *slog.Logger
}

// New constructs a Cache. It does not scan Dir; call ValidateOnStartup for
// that.
func New(cfg Config) *Cache {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Cache{
		dir: cfg.Dir,
		cap: quota.New(cfg.CapBytes),
		log: log,
	}
}

// Get returns the entry for fingerprint if present, bumping its
// last-access time and the hit/miss counters. The caller does not receive
// an implicit pin; call Pin if the entry must survive eviction across
// further Populate calls.
func (c *Cache) Get(fingerprint string) (*Entry, bool) {
	v, ok := c.entries.Load(fingerprint)
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	e := v.(*Entry)
	e.touch()
	c.hits.Add(1)
	return e, true
}

// Populate materializes fingerprint via fn if absent, coalescing concurrent
// callers for the same fingerprint onto a single in-flight call. On success
// the resulting entry is pinned once (refCount=1) on the caller's behalf;
// the caller must Unpin it when done. On failure no entry and no partial
// files are left behind.
func (c *Cache) Populate(fingerprint string, fn PopulateFunc) (*Entry, error) {
	if e, ok := c.Get(fingerprint); ok {
		e.refCount.Add(1)
		return e, nil
	}

	call := &populateCall{done: make(chan struct{})}
	actual, loaded := c.inflight.LoadOrStore(fingerprint, call)
	if loaded {
		call = actual.(*populateCall)
		<-call.done
		if call.err != nil {
			return nil, call.err
		}
		call.entry.refCount.Add(1)
		return call.entry, nil
	}

	entry, err := c.doPopulate(fingerprint, fn)
	call.entry, call.err = entry, err
	close(call.done)
	c.inflight.Delete(fingerprint)
	if err != nil {
		return nil, err
	}
	entry.refCount.Add(1)
	return entry, nil
}

func (c *Cache) doPopulate(fingerprint string, fn PopulateFunc) (*Entry, error) {
	shards, scratchDir, err := writeShards(c.dir, fingerprint, fn)
	if err != nil {
		return nil, errs.Wrap(errs.CacheCorrupt, err, "populate %s failed", fingerprint)
	}

	entry := newEntry(fingerprint, shards)

	if !c.reserve(entry.SizeBytes) {
		_ = removeDir(scratchDir)
		return nil, errs.New(errs.CacheCorrupt, "entry %s (%d bytes) cannot fit in cache of capacity %d bytes", fingerprint, entry.SizeBytes, capOf(c.cap))
	}

	finalDir := entryDir(c.dir, fingerprint)
	if err := commitDir(scratchDir, finalDir); err != nil {
		c.cap.TryRefund(entry.SizeBytes)
		return nil, errs.Wrap(errs.CacheCorrupt, err, "commit %s failed", fingerprint)
	}

	c.entries.Store(fingerprint, entry)
	c.log.Info("cache entry populated", "fingerprint", fingerprint, "sizeBytes", entry.SizeBytes, "shards", len(shards))
	return entry, nil
}

// reserve makes room for n bytes, evicting unpinned entries in
// least-recently-used order until the reservation succeeds or there is
// nothing left unpinned to evict. It reports false, and the populate fails,
// when evicting every unpinned entry still leaves too little room.
func (c *Cache) reserve(n int64) bool {
	for {
		if c.cap.TryConsume(n) {
			return true
		}
		if !c.evictOneLRU() {
			return false
		}
	}
}

// evictOneLRU removes the single least-recently-used unpinned entry and
// refunds its size to the quota. It reports false when no unpinned entry
// remains to evict.
func (c *Cache) evictOneLRU() bool {
	var victim *Entry
	c.entries.Range(func(_, v any) bool {
		e := v.(*Entry)
		if e.RefCount() > 0 {
			return true
		}
		if victim == nil || e.LastAccess().Before(victim.LastAccess()) {
			victim = e
		}
		return true
	})
	if victim == nil {
		return false
	}
	c.entries.Delete(victim.Fingerprint)
	c.cap.TryRefund(victim.SizeBytes)
	_ = removeDir(entryDir(c.dir, victim.Fingerprint))
	c.log.Info("cache entry evicted", "fingerprint", victim.Fingerprint, "sizeBytes", victim.SizeBytes)
	return true
}

// Pin increments the entry's reference count, protecting it from eviction.
func (c *Cache) Pin(e *Entry) { e.refCount.Add(1) }

// Unpin decrements the entry's reference count. A pinned entry (refCount >
// 0) is never chosen by evictOneLRU; an unpinned entry remains in the
// cache, eligible for eviction, until Invalidate or a capacity-driven evict
// removes it.
func (c *Cache) Unpin(e *Entry) {
	if e.refCount.Add(-1) < 0 {
		e.refCount.Store(0)
	}
}

// Invalidate removes fingerprint from the cache unconditionally and frees
// its disk footprint, regardless of pin state — used when Model Manager
// learns an artifact is stale (e.g. after a runtime restart that
// invalidates in-flight handles).
func (c *Cache) Invalidate(fingerprint string) {
	v, ok := c.entries.LoadAndDelete(fingerprint)
	if !ok {
		return
	}
	e := v.(*Entry)
	c.cap.TryRefund(e.SizeBytes)
	_ = removeDir(entryDir(c.dir, fingerprint))
	c.log.Info("cache entry invalidated", "fingerprint", fingerprint)
}

// Stats returns a point-in-time snapshot of cache health.
func (c *Cache) Stats() Health {
	h := Health{Hits: c.hits.Load(), Misses: c.misses.Load()}
	capacity, reserved := c.cap.State()
	h.CapBytes = capacity
	h.SizeBytes = reserved
	c.entries.Range(func(_, _ any) bool { h.EntryCount++; return true })
	return h
}

// Utilization returns the fraction of the cache's byte cap currently in
// use, in [0, 1].
func (c *Cache) Utilization() float64 {
	capacity, reserved := c.cap.State()
	if capacity <= 0 {
		return 0
	}
	return float64(reserved) / float64(capacity)
}

func capOf(q *quota.Quota) int64 {
	capacity, _ := q.State()
	return capacity
}
