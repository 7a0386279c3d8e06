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

// Package cache implements the two-tier (in-memory index, on-disk shards)
// artifact cache that backs Model Manager loads: a size-capped LRU keyed by
// fingerprint, with at-most-one-concurrent-populate coalescing and a
// manifest-validated disk layout.
package cache

import (
	"sync/atomic"
	"time"
)

// ShardInfo describes one on-disk blob belonging to a cache entry.
type ShardInfo struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"sizeBytes"`
	ContentHash string `json:"contentHash"`
}

// Manifest is the on-disk record for one fingerprint: <cacheDir>/<first2
// (hash)>/<fingerprint>/manifest.json.
type Manifest struct {
	Fingerprint string      `json:"fingerprint"`
	Shards      []ShardInfo `json:"shards"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// Entry is the in-memory record of one cached artifact. The registry of
// entries is the cache's single authoritative owner, the same ownership
// discipline the Stream Registry uses for StreamRecords: callers hold a
// *Entry handle and must Pin/Unpin it, never mutate it directly.
type Entry struct {
	Fingerprint string
	Shards      []ShardInfo
	SizeBytes   int64

	lastAccess int64 // UnixNano, atomic
	refCount   atomic.Int64
	populating atomic.Bool
}

func newEntry(fingerprint string, shards []ShardInfo) *Entry {
	var size int64
	for _, s := range shards {
		size += s.SizeBytes
	}
	e := &Entry{Fingerprint: fingerprint, Shards: shards, SizeBytes: size, lastAccess: time.Now().UnixNano()}
	return e
}

func (e *Entry) touch() { atomic.StoreInt64(&e.lastAccess, time.Now().UnixNano()) }

// LastAccess returns the entry's last-access time.
func (e *Entry) LastAccess() time.Time { return time.Unix(0, atomic.LoadInt64(&e.lastAccess)) }

// RefCount returns the current pin count.
func (e *Entry) RefCount() int64 { return e.refCount.Load() }

// Health is the snapshot returned by Cache.Stats(), exported for the
// process health aggregator.
type Health struct {
	EntryCount int
	SizeBytes  int64
	CapBytes   int64
	Hits       int64
	Misses     int64
}

// populateCall tracks one in-flight populate so concurrent callers for the
// same fingerprint join instead of duplicating work — the same
// promise-coalescing idiom Model Manager uses one layer up for concurrent
// loads of the same fingerprint.
type populateCall struct {
	done  chan struct{}
	entry *Entry
	err   error
}
