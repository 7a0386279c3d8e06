package transport

import (
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/errs"
	"fabric/internal/rpcproto"
)

type fakeSink struct {
	chunks  []rpcproto.ChunkEvent
	stats   []rpcproto.StatsEvent
	events  []rpcproto.TerminalEvent
	failErr error
}

func (f *fakeSink) HandleChunk(e rpcproto.ChunkEvent)    { f.chunks = append(f.chunks, e) }
func (f *fakeSink) HandleStats(e rpcproto.StatsEvent)    { f.stats = append(f.stats, e) }
func (f *fakeSink) HandleEvent(e rpcproto.TerminalEvent) { f.events = append(f.events, e) }
func (f *fakeSink) Fail(err error)                       { f.failErr = err }

type fakeObserver struct{ failed error }

func (o *fakeObserver) OnTransportFailure(err error) { o.failed = err }

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestCallRoundTrip(t *testing.T) {
	// toRuntime/fromClient: the transport writes requests here.
	fromClient, toRuntime := io.Pipe()
	// toClient/fromRuntime: the transport reads responses here.
	fromRuntime, toClient := io.Pipe()

	sink := &fakeSink{}
	tr := New(toRuntime, sink, nil, Options{})
	tr.Start(fromRuntime)

	go func() {
		payload, err := readFrame(fromClient)
		require.NoError(t, err)
		var req rpcproto.Request
		require.NoError(t, json.Unmarshal(payload, &req))
		resp := rpcproto.Response{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)}
		b, err := json.Marshal(resp)
		require.NoError(t, err)
		require.NoError(t, writeFrame(toClient, b))
	}()

	result, err := tr.Call(context.Background(), rpcproto.MethodRuntimeInfo, map[string]string{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestBackpressureFailsFast(t *testing.T) {
	tr := New(discardWriter{}, &fakeSink{}, nil, Options{WriteHighWaterMarkBytes: 1})
	_, err := tr.Call(context.Background(), rpcproto.MethodRuntimeInfo, map[string]string{"x": "y"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.Backpressure))
}

func TestFailRejectsPendingAndNotifiesObserver(t *testing.T) {
	fromRuntime, toClient := io.Pipe()
	sink := &fakeSink{}
	obs := &fakeObserver{}
	tr := New(discardWriter{}, sink, obs, Options{})
	tr.Start(fromRuntime)

	done := make(chan struct{})
	go func() {
		_, err := tr.Call(context.Background(), rpcproto.MethodRuntimeInfo, map[string]string{})
		assert.Error(t, err)
		assert.True(t, errs.Is(err, errs.TransportClosed))
		close(done)
	}()

	toClient.Close() // closing the write side makes the read loop see EOF

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Call did not observe transport failure")
	}
	assert.NotNil(t, sink.failErr)
	assert.NotNil(t, obs.failed)
}
