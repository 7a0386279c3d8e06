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

// Package generator turns one generate call into a lazy, finite,
// non-restartable sequence of token/metadata/error items, bridging a
// runtime RPC to a Stream Registry-owned queue.
package generator

import (
	"context"
	"time"

	"fabric/internal/asyncutil"
	"fabric/internal/errs"
	"fabric/internal/registry"
	"fabric/internal/rpcproto"
)

// ItemKind distinguishes the three shapes a generator sequence can yield.
type ItemKind int

const (
	KindToken ItemKind = iota
	KindMetadata
	KindError
)

// Item is one element of a generator's output sequence.
type Item struct {
	Kind     ItemKind
	Token    rpcproto.ChunkEvent
	Stats    rpcproto.StatsEvent
	Err      error
	Terminal TerminalInfo
}

// TerminalInfo reports how a sequence ended, read off the StreamRecord once
// its queue has drained.
type TerminalInfo struct {
	State  registry.TerminalState
	Reason string
}

// Caller abstracts the two ways a generate request reaches the runtime: a
// direct RPC, or delegation through the Generate Batcher. Both return once
// the request has been accepted (or rejected); tokens arrive later as
// registry-routed events.
type Caller interface {
	Generate(ctx context.Context, params rpcproto.GenerateParams) error
	Cancel(ctx context.Context, streamID string) error
}

// Factory produces generator sequences for generate calls.
type Factory struct {
	reg    *registry.Registry
	caller Caller
	pool   *asyncutil.Pool
}

// New creates a Factory. queueCapacity bounds each request's output queue.
func New(reg *registry.Registry, caller Caller, queueCapacity int) *Factory {
	return &Factory{reg: reg, caller: caller, pool: asyncutil.NewPool(queueCapacity)}
}

// Generate admits streamID, issues the generate RPC, and returns a sequence
// function that yields items until the stream ends. The returned release
// func must be called exactly once when the caller is done consuming,
// whether the sequence ran to completion or was abandoned early.
func (f *Factory) Generate(ctx context.Context, params rpcproto.GenerateParams, timeout time.Duration) (next func() (Item, bool), release func(), err error) {
	queue := f.pool.Get()

	ctx, cancel := context.WithCancel(ctx)
	cancelHook := func() {
		cancel()
		_ = f.caller.Cancel(context.Background(), params.StreamID)
	}

	rec, admitErr := f.reg.Admit(params.StreamID, params.ModelID, timeout, queue, cancelHook)
	if admitErr != nil {
		cancel()
		f.pool.Release(queue)
		return nil, func() {}, admitErr
	}

	release = func() {
		f.reg.Cancel(params.StreamID)
		cancel()
		f.pool.Release(queue)
	}

	if rpcErr := f.caller.Generate(ctx, params); rpcErr != nil {
		rec.Cancel("generate_rpc_failed")
		first := Item{Kind: KindError, Err: errs.Wrap(errs.GenerationError, rpcErr, "generate RPC failed before any token")}
		done := false
		return func() (Item, bool) {
			if done {
				return Item{}, false
			}
			done = true
			return first, false
		}, release, nil
	}

	next = func() (Item, bool) {
		for {
			select {
			case <-ctx.Done():
				if state, reason := rec.State(); state != registry.Active {
					return Item{Kind: KindMetadata, Terminal: TerminalInfo{State: state, Reason: reason}}, false
				}
				return errorItem(rec, ctx.Err()), false
			default:
			}
			qi, _ := queue.Shift()
			if qi.Err != nil {
				return Item{Kind: KindError, Err: errs.Wrap(errs.GenerationError, qi.Err, "stream %s failed", params.StreamID)}, false
			}
			if qi.Done {
				state, reason := rec.State()
				return Item{Kind: KindMetadata, Terminal: TerminalInfo{State: state, Reason: reason}}, false
			}
			switch v := qi.Value.(type) {
			case rpcproto.ChunkEvent:
				return Item{Kind: KindToken, Token: v}, true
			case rpcproto.StatsEvent:
				return Item{Kind: KindMetadata, Stats: v}, true
			default:
				continue
			}
		}
	}
	return next, release, nil
}

func errorItem(rec *registry.StreamRecord, err error) Item {
	return Item{Kind: KindError, Err: errs.Wrap(errs.Aborted, err, "generation for stream %s aborted", rec.ID)}
}
