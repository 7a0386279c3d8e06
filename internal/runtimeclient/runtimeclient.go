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

// Package runtimeclient adapts one *transport.Transport into the three
// narrow collaborator interfaces the orchestration core calls against
// (generator.Caller, batcher.Dispatcher, modelmanager.RuntimeCaller), and
// holds the currently live transport across supervisor restarts so none of
// those callers need to know a restart happened mid-call.
package runtimeclient

import (
	"context"
	"encoding/json"
	"sync"

	"fabric/internal/batcher"
	"fabric/internal/errs"
	"fabric/internal/modelmanager"
	"fabric/internal/rpcproto"
	"fabric/internal/transport"
)

// Client is the single point every subsystem above the transport calls
// into. Swap is invoked by the supervisor's TransportFactory each time a
// new subprocess generation comes up; every in-flight caller on the old
// transport already failed via Transport.fail before Swap runs.
type Client struct {
	mu sync.RWMutex
	tr *transport.Transport
}

// New returns a Client with no live transport. Callers issued before the
// first Swap fail with errs.TransportClosed.
func New() *Client {
	return &Client{}
}

// Swap installs tr as the current transport.
func (c *Client) Swap(tr *transport.Transport) {
	c.mu.Lock()
	c.tr = tr
	c.mu.Unlock()
}

func (c *Client) current() *transport.Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tr
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	tr := c.current()
	if tr == nil {
		return errs.New(errs.TransportClosed, "no runtime transport available")
	}
	raw, err := tr.Call(ctx, method, params)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, result); err != nil {
		return errs.Wrap(errs.GenerationError, err, "decode %s result", method)
	}
	return nil
}

// Generate implements generator.Caller.
func (c *Client) Generate(ctx context.Context, params rpcproto.GenerateParams) error {
	return c.call(ctx, rpcproto.MethodGenerate, params, nil)
}

// Cancel implements generator.Caller.
func (c *Client) Cancel(ctx context.Context, streamID string) error {
	return c.call(ctx, rpcproto.MethodCancel, rpcproto.CancelParams{StreamID: streamID}, nil)
}

// Load implements modelmanager.RuntimeCaller.
func (c *Client) Load(ctx context.Context, opts modelmanager.LoadOptions) (string, int, map[string]any, error) {
	var res rpcproto.ModelLoadResult
	err := c.call(ctx, rpcproto.MethodModelLoad, rpcproto.ModelLoadParams{
		ModelID:    opts.ModelID,
		Variant:    opts.Variant,
		Revision:   opts.Revision,
		SourcePath: opts.SourcePath,
	}, &res)
	if err != nil {
		return "", 0, nil, err
	}
	return res.ModelID, res.ContextLength, res.Metadata, nil
}

// Attach implements modelmanager.RuntimeCaller.
func (c *Client) Attach(ctx context.Context, fingerprint string) (string, int, map[string]any, error) {
	var res rpcproto.ModelAttachResult
	err := c.call(ctx, rpcproto.MethodModelAttach, rpcproto.ModelAttachParams{Fingerprint: fingerprint}, &res)
	if err != nil {
		return "", 0, nil, err
	}
	return res.ModelID, res.ContextLength, res.Metadata, nil
}

// Unload implements modelmanager.RuntimeCaller.
func (c *Client) Unload(ctx context.Context, modelID string) error {
	return c.call(ctx, rpcproto.MethodModelUnload, rpcproto.ModelUnloadParams{ModelID: modelID}, nil)
}

// Dispatch implements batcher.Dispatcher: it sends one coalesced
// batch_generate RPC and fans any per-item failures back out as
// OnCancelled callbacks rather than failing requests that the runtime
// actually accepted.
func (c *Client) Dispatch(requests []batcher.Request) error {
	if len(requests) == 0 {
		return nil
	}
	params := rpcproto.BatchGenerateParams{Requests: make([]rpcproto.GenerateParams, len(requests))}
	for i, r := range requests {
		params.Requests[i] = r.Params
	}
	var res rpcproto.BatchGenerateResult
	if err := c.call(context.Background(), rpcproto.MethodBatchGenerate, params, &res); err != nil {
		return err
	}
	for i, item := range res.Results {
		if item.Success || i >= len(requests) {
			continue
		}
		req := requests[i]
		if req.OnCancelled == nil {
			continue
		}
		reason := "batch item rejected by runtime"
		if item.Error != nil {
			reason = item.Error.Message
		}
		req.OnCancelled(errs.New(errs.GenerationError, "%s", reason))
	}
	return nil
}
