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

package modelmanager

import (
	"context"
	"log/slog"
	"sync"

	"fabric/internal/cache"
	"fabric/internal/errs"
)

// GenerationSource reports the supervisor's current runtime generation.
// Every Handle embeds the generation observed at creation; a mismatch
// means the runtime that produced it has since restarted.
type GenerationSource interface {
	Generation() uint64
}

type loadCall struct {
	done   chan struct{}
	handle *Handle
	err    error
}

// Manager tracks the set of ready models: a sync.Map of handles keyed by
// model id, and a second sync.Map of in-flight load promises keyed by
// fingerprint so concurrent loads of the same artifact coalesce.
type Manager struct {
	cache   *cache.Cache
	caller  RuntimeCaller
	fetcher ShardFetcher
	gen     GenerationSource
	log     *slog.Logger

	byModelID sync.Map // modelID -> *Handle
	inflight  sync.Map // fingerprint -> *loadCall
}

// Config configures a Manager.
type Config struct {
	Cache      *cache.Cache
	Caller     RuntimeCaller
	Fetcher    ShardFetcher
	Generation GenerationSource
	Logger     *slog.Logger
}

// New constructs a Manager.
func New(cfg Config) *Manager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cache: cfg.Cache, caller: cfg.Caller, fetcher: cfg.Fetcher, gen: cfg.Generation, log: log}
}

// LoadModel returns a ready Handle for opts, loading it if necessary.
// Concurrent loads of the same fingerprint coalesce behind one promise;
// every caller of a coalesced load gets its own Handle (so that each can
// independently Unload), but all handles for the same fingerprint share
// one pinned cache entry as long as any of them remains valid.
func (m *Manager) LoadModel(ctx context.Context, opts LoadOptions) (*Handle, error) {
	fp := opts.Fingerprint()

	call := &loadCall{done: make(chan struct{})}
	actual, loaded := m.inflight.LoadOrStore(fp, call)
	if loaded {
		call = actual.(*loadCall)
		<-call.done
		if call.err != nil {
			return nil, call.err
		}
		return m.deriveHandle(call.handle), nil
	}

	handle, err := m.doLoad(ctx, opts, fp)
	call.handle, call.err = handle, err
	close(call.done)
	m.inflight.Delete(fp)
	if err != nil {
		return nil, err
	}
	// doLoad already pinned the cache entry once (via Populate, or the
	// explicit Pin on a cache hit) and registered this exact handle — it is
	// the owner's own reference, not one to derive a copy of.
	return handle, nil
}

// deriveHandle returns a fresh Handle sharing src's cache entry and
// metadata, pinning the entry once more on src's behalf so each concurrent
// caller holds its own reference.
func (m *Manager) deriveHandle(src *Handle) *Handle {
	if src.entry != nil {
		m.cache.Pin(src.entry)
	}
	h := &Handle{
		ModelID:       src.ModelID,
		Fingerprint:   src.Fingerprint,
		ContextLength: src.ContextLength,
		Metadata:      src.Metadata,
		generation:    src.generation,
		entry:         src.entry,
	}
	h.valid.Store(true)
	m.byModelID.Store(h.ModelID, h)
	return h
}

func (m *Manager) doLoad(ctx context.Context, opts LoadOptions, fp string) (*Handle, error) {
	var entry *cache.Entry
	var modelID string
	var contextLength int
	var metadata map[string]any

	if e, ok := m.cache.Get(fp); ok {
		id, cl, md, err := m.caller.Attach(ctx, fp)
		if err != nil {
			return nil, errs.Wrap(errs.RuntimeRestart, err, "attach to cached fingerprint %s failed", fp)
		}
		m.cache.Pin(e)
		entry, modelID, contextLength, metadata = e, id, cl, md
	} else {
		id, cl, md, err := m.caller.Load(ctx, opts)
		if err != nil {
			return nil, errs.Wrap(errs.RuntimeRestart, err, "model/load failed for %s", opts.ModelID)
		}
		populated, err := m.cache.Populate(fp, func(dir string) ([]cache.ShardInfo, error) {
			return m.fetcher.Fetch(ctx, opts, dir)
		})
		if err != nil {
			_ = m.caller.Unload(ctx, id)
			return nil, errs.Wrap(errs.CacheCorrupt, err, "populate cache for %s failed", fp)
		}
		entry, modelID, contextLength, metadata = populated, id, cl, md
	}

	h := &Handle{
		ModelID:       modelID,
		Fingerprint:   fp,
		ContextLength: contextLength,
		Metadata:      metadata,
		generation:    m.currentGeneration(),
		entry:         entry,
	}
	h.valid.Store(true)
	m.byModelID.Store(modelID, h)
	m.log.Info("model ready", "modelId", modelID, "fingerprint", fp)
	return h, nil
}

func (m *Manager) currentGeneration() uint64 {
	if m.gen == nil {
		return 0
	}
	return m.gen.Generation()
}

// UnloadModel invalidates and releases the handle for id, issuing
// model/unload and unpinning its cache entry. Calls after the first are
// no-ops returning success.
func (m *Manager) UnloadModel(ctx context.Context, id string) error {
	v, ok := m.byModelID.LoadAndDelete(id)
	if !ok {
		return nil
	}
	h := v.(*Handle)
	h.invalidate()
	if h.entry != nil {
		m.cache.Unpin(h.entry)
	}
	if err := m.caller.Unload(ctx, id); err != nil {
		return errs.Wrap(errs.RuntimeRestart, err, "model/unload failed for %s", id)
	}
	return nil
}

// ListModels returns every currently ready (valid) handle.
func (m *Manager) ListModels() []*Handle {
	var out []*Handle
	m.byModelID.Range(func(_, v any) bool {
		h := v.(*Handle)
		if h.Valid() {
			out = append(out, h)
		}
		return true
	})
	return out
}

// Lookup returns the handle for id if it exists, valid or not, so callers
// can distinguish MODEL_NOT_FOUND from MODEL_INVALIDATED.
func (m *Manager) Lookup(id string) (*Handle, bool) {
	v, ok := m.byModelID.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Resolve returns the handle for id if it exists and is still valid for
// the runtime's current generation; otherwise it reports the appropriate
// error kind.
func (m *Manager) Resolve(id string) (*Handle, error) {
	h, ok := m.Lookup(id)
	if !ok {
		return nil, errs.New(errs.ModelNotFound, "no handle for model %s", id)
	}
	if !h.Valid() || h.generation != m.currentGeneration() {
		return nil, errs.New(errs.ModelInvalidated, "handle for model %s is stale", id)
	}
	return h, nil
}

// InvalidateAll marks every currently tracked handle invalid. Wired as the
// supervisor's OnRuntimeRestart hook: every handle issued against the
// previous generation must stop being usable the moment the old process is
// known gone. onInvalidated, if non-nil, is called once per handle with
// its model ID, so a caller can emit a modelInvalidated event per handle.
func (m *Manager) InvalidateAll(reason string, onInvalidated func(modelID string)) {
	m.byModelID.Range(func(_, v any) bool {
		h := v.(*Handle)
		if h.Valid() {
			h.invalidate()
			m.log.Warn("model handle invalidated", "modelId", h.ModelID, "reason", reason)
			if onInvalidated != nil {
				onInvalidated(h.ModelID)
			}
		}
		return true
	})
}
