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

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fabric/internal/errs"
	"fabric/internal/quota"
	"fabric/internal/rpcproto"
)

// EventSink receives unsolicited stream events, demultiplexed by stream id.
// The Stream Registry implements this interface.
type EventSink interface {
	HandleChunk(rpcproto.ChunkEvent)
	HandleStats(rpcproto.StatsEvent)
	HandleEvent(rpcproto.TerminalEvent)
	// Fail is invoked once when the transport observes a fatal failure; the
	// registry errors every in-flight stream in response.
	Fail(err error)
}

// FailureObserver is notified once when the transport fails fatally, so the
// Runtime Supervisor can initiate a restart.
type FailureObserver interface {
	OnTransportFailure(err error)
}

type pending struct {
	resultCh chan rpcproto.Response
	deadline time.Time
}

// Transport owns one bidirectional byte stream to a model runtime
// subprocess: a writer (the child's stdin) and a reader (the child's
// stdout). It is safe for concurrent Call use.
type Transport struct {
	w  io.Writer
	wMu sync.Mutex

	nextID atomic.Uint64

	// pendingTable is a sync.Map rather than a mutex-guarded map: calls
	// register and resolve from different goroutines at high frequency, and
	// a plain Load dominates the hot path with allocation only on a miss.
	pendingTable sync.Map // map[uint64]*pending

	writeGate *quota.Quota

	sink     EventSink
	observer FailureObserver
	logger   *slog.Logger

	closed atomic.Bool
	closeOnce sync.Once
	doneCh    chan struct{}
}

// Options configures a Transport.
type Options struct {
	WriteHighWaterMarkBytes int64
	Logger                  *slog.Logger
}

// New wraps w as a Transport's writer. Call Start with the reader to launch
// the read loop.
func New(w io.Writer, sink EventSink, observer FailureObserver, opts Options) *Transport {
	hwm := opts.WriteHighWaterMarkBytes
	if hwm <= 0 {
		hwm = 8 * 1024 * 1024
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		w:         w,
		writeGate: quota.New(hwm),
		sink:      sink,
		observer:  observer,
		logger:    logger,
		doneCh:    make(chan struct{}),
	}
}

// Start launches the read loop over r, dispatching responses and events
// until r is exhausted or errors.
func (t *Transport) Start(r io.Reader) {
	go t.readLoop(r)
}

// Call sends a request and blocks until its response arrives, ctx is
// cancelled, or the transport fails. It enforces the write high-water mark:
// if the outgoing buffer is saturated, Call fails fast with BACKPRESSURE.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, errs.New(errs.TransportClosed, "transport is closed")
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "marshal params for %s", method)
	}
	req := rpcproto.Request{ID: t.nextID.Add(1), Method: method, Params: raw}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, err, "marshal request for %s", method)
	}

	if !t.writeGate.TryConsume(int64(len(payload))) {
		return nil, errs.New(errs.Backpressure, "write high-water mark exceeded for %s", method)
	}

	p := &pending{resultCh: make(chan rpcproto.Response, 1)}
	t.pendingTable.Store(req.ID, p)
	defer t.pendingTable.Delete(req.ID)

	t.wMu.Lock()
	writeErr := writeFrame(t.w, payload)
	t.wMu.Unlock()
	t.writeGate.TryRefund(int64(len(payload)))
	if writeErr != nil {
		t.fail(errs.Wrap(errs.TransportClosed, writeErr, "write frame for %s", method))
		return nil, errs.Wrap(errs.TransportClosed, writeErr, "write frame for %s", method)
	}

	select {
	case resp := <-p.resultCh:
		if resp.Error != nil {
			if resp.Error.Code == errs.TransportClosed.Code() {
				return nil, errs.New(errs.TransportClosed, "%s: %s", method, resp.Error.Message)
			}
			return nil, errs.New(errs.GenerationError, "%s: %s", method, resp.Error.Message)
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Aborted, ctx.Err(), "%s cancelled", method)
	case <-t.doneCh:
		return nil, errs.New(errs.TransportClosed, "transport closed while awaiting %s", method)
	}
}

func (t *Transport) readLoop(r io.Reader) {
	for {
		payload, err := readFrame(r)
		if err != nil {
			if errors.Is(err, io.EOF) {
				t.fail(errs.New(errs.TransportClosed, "runtime closed its output stream"))
			} else {
				t.fail(errs.Wrap(errs.TransportClosed, err, "frame decode error"))
			}
			return
		}
		t.dispatch(payload)
	}
}

func (t *Transport) dispatch(payload []byte) {
	var probe struct {
		ID       *uint64 `json:"id"`
		StreamID string  `json:"stream_id"`
		Kind     string  `json:"kind"`
	}
	if err := json.Unmarshal(payload, &probe); err != nil {
		t.logger.Warn("dropping unparseable frame", "error", err)
		return
	}
	if probe.ID != nil {
		t.dispatchResponse(*probe.ID, payload)
		return
	}
	t.dispatchEvent(probe.Kind, payload)
}

func (t *Transport) dispatchResponse(id uint64, payload []byte) {
	v, ok := t.pendingTable.Load(id)
	if !ok {
		t.logger.Warn("dropping response for unknown request id", "id", id)
		return
	}
	var resp rpcproto.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		t.logger.Warn("dropping unparseable response", "id", id, "error", err)
		return
	}
	p := v.(*pending)
	select {
	case p.resultCh <- resp:
	default:
	}
}

func (t *Transport) dispatchEvent(kind string, payload []byte) {
	if t.sink == nil {
		return
	}
	switch kind {
	case rpcproto.EventKindChunk:
		var ev rpcproto.ChunkEvent
		if err := json.Unmarshal(payload, &ev); err == nil {
			t.sink.HandleChunk(ev)
		}
	case rpcproto.EventKindStats:
		var ev rpcproto.StatsEvent
		if err := json.Unmarshal(payload, &ev); err == nil {
			t.sink.HandleStats(ev)
		}
	case rpcproto.EventKindEvent:
		var ev rpcproto.TerminalEvent
		if err := json.Unmarshal(payload, &ev); err == nil {
			t.sink.HandleEvent(ev)
		}
	default:
		t.logger.Warn("dropping event of unknown kind", "kind", kind)
	}
}

// fail propagates a fatal transport failure exactly once: every pending
// request is rejected, the registry is notified so it can error every
// stream, and the supervisor is signalled.
func (t *Transport) fail(err error) {
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		close(t.doneCh)
		t.pendingTable.Range(func(key, value any) bool {
			p := value.(*pending)
			select {
			case p.resultCh <- rpcproto.Response{Error: &rpcproto.RPCError{Code: errs.TransportClosed.Code(), Message: err.Error()}}:
			default:
			}
			return true
		})
		if t.sink != nil {
			t.sink.Fail(err)
		}
		if t.observer != nil {
			t.observer.OnTransportFailure(err)
		}
		t.logger.Error("transport failed", "error", err)
	})
}

// Closed reports whether the transport has observed a fatal failure.
func (t *Transport) Closed() bool { return t.closed.Load() }
