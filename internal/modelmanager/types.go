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

// Package modelmanager tracks the set of ready models: it consults the
// Artifact Cache on a load, coalesces concurrent loads of the same
// fingerprint behind one promise, and invalidates every outstanding handle
// on a runtime restart.
package modelmanager

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"fabric/internal/cache"
)

// LoadOptions describes what to load. Fingerprint is a stable hash of the
// fields that determine whether two requests can share a cache entry.
type LoadOptions struct {
	ModelID      string
	Variant      string
	Revision     string
	Quantisation string
	SourcePath   string
}

// Fingerprint computes the stable cache key for opts.
func (o LoadOptions) Fingerprint() string {
	h := sha256.New()
	for _, part := range []string{o.ModelID, o.Variant, o.Revision, o.Quantisation} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ShardFetcher streams a model's shard blobs from the runtime into dir,
// returning their descriptors — the production implementation copies out
// of the runtime's shared load buffer or a side-channel file handoff;
// tests substitute a fake. It is what a Manager hands to Cache.Populate as
// the PopulateFunc.
type ShardFetcher interface {
	Fetch(ctx context.Context, opts LoadOptions, dir string) ([]cache.ShardInfo, error)
}

// RuntimeCaller is the subset of runtime RPCs the Model Manager issues.
type RuntimeCaller interface {
	Load(ctx context.Context, opts LoadOptions) (modelID string, contextLength int, metadata map[string]any, err error)
	Attach(ctx context.Context, fingerprint string) (modelID string, contextLength int, metadata map[string]any, err error)
	Unload(ctx context.Context, modelID string) error
}

// Handle is a live, ready-to-use reference to a loaded model. It becomes
// invalid the moment the runtime that produced it restarts (the generation
// embedded at creation no longer matches the supervisor's current one) or
// Unload is called on it — either way Valid() starts reporting false and
// every further use must fail MODEL_INVALIDATED or MODEL_NOT_FOUND.
type Handle struct {
	ModelID       string
	Fingerprint   string
	ContextLength int
	Metadata      map[string]any

	generation uint64
	valid      atomic.Bool
	entry      *cache.Entry
}

// Valid reports whether the handle is still usable.
func (h *Handle) Valid() bool { return h.valid.Load() }

func (h *Handle) invalidate() { h.valid.Store(false) }
