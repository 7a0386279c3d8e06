package generator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/registry"
	"fabric/internal/rpcproto"
)

type fakeCaller struct {
	generateErr error
	cancelled   []string
}

func (f *fakeCaller) Generate(ctx context.Context, params rpcproto.GenerateParams) error {
	return f.generateErr
}

func (f *fakeCaller) Cancel(ctx context.Context, streamID string) error {
	f.cancelled = append(f.cancelled, streamID)
	return nil
}

func TestGenerateYieldsTokensThenTerminal(t *testing.T) {
	reg := registry.New(registry.Options{MaxActiveStreams: 10})
	caller := &fakeCaller{}
	f := New(reg, caller, 8)

	next, release, err := f.Generate(context.Background(), rpcproto.GenerateParams{ModelID: "m1", StreamID: "s1"}, time.Second)
	require.NoError(t, err)
	defer release()

	reg.HandleChunk(rpcproto.ChunkEvent{StreamID: "s1", Token: "hi"})
	reg.HandleEvent(rpcproto.TerminalEvent{StreamID: "s1", Event: rpcproto.EventCompleted})

	item, more := next()
	require.True(t, more)
	assert.Equal(t, KindToken, item.Kind)
	assert.Equal(t, "hi", item.Token.Token)

	item, more = next()
	assert.False(t, more)
	assert.Equal(t, KindMetadata, item.Kind)
	assert.Equal(t, registry.Completed, item.Terminal.State)
}

func TestGenerateRPCFailureYieldsErrorBeforeAnyToken(t *testing.T) {
	reg := registry.New(registry.Options{MaxActiveStreams: 10})
	caller := &fakeCaller{generateErr: assertGenErr}
	f := New(reg, caller, 8)

	next, release, err := f.Generate(context.Background(), rpcproto.GenerateParams{ModelID: "m1", StreamID: "s1"}, time.Second)
	require.NoError(t, err)
	defer release()

	item, more := next()
	assert.False(t, more)
	assert.Equal(t, KindError, item.Kind)
	require.Error(t, item.Err)
}

var assertGenErr = context.DeadlineExceeded

func TestCancellationEndsSequenceAndCallsRuntimeCancel(t *testing.T) {
	reg := registry.New(registry.Options{MaxActiveStreams: 10})
	caller := &fakeCaller{}
	f := New(reg, caller, 8)

	next, release, err := f.Generate(context.Background(), rpcproto.GenerateParams{ModelID: "m1", StreamID: "s1"}, time.Second)
	require.NoError(t, err)

	reg.HandleChunk(rpcproto.ChunkEvent{StreamID: "s1", Token: "a"})
	item, more := next()
	require.True(t, more)
	assert.Equal(t, "a", item.Token.Token)

	reg.Cancel("s1")

	item, more = next()
	assert.False(t, more)
	assert.Equal(t, registry.Cancelled, item.Terminal.State)

	release()
	assert.Contains(t, caller.cancelled, "s1")
}
