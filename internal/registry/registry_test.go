package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/asyncutil"
	"fabric/internal/errs"
	"fabric/internal/rpcproto"
)

func TestAdmitRejectsOverCap(t *testing.T) {
	r := New(Options{MaxActiveStreams: 1})

	_, err := r.Admit("s1", "m1", time.Second, asyncutil.NewQueue(4), nil)
	require.NoError(t, err)

	_, err = r.Admit("s2", "m1", time.Second, asyncutil.NewQueue(4), nil)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.AdmitRejected))
}

func TestHandleChunkSetsTTFTOnce(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10})
	q := asyncutil.NewQueue(4)
	rec, err := r.Admit("s1", "m1", time.Second, q, nil)
	require.NoError(t, err)

	r.HandleChunk(rpcproto.ChunkEvent{StreamID: "s1", Token: "a"})
	first := rec.TTFT()
	assert.NotZero(t, first)

	time.Sleep(2 * time.Millisecond)
	r.HandleChunk(rpcproto.ChunkEvent{StreamID: "s1", Token: "b"})
	assert.Equal(t, first, rec.TTFT(), "TTFT must be set exactly once")
	assert.Equal(t, int64(2), rec.TokenCount())
}

func TestHandleEventTerminatesExactlyOnce(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10})
	q := asyncutil.NewQueue(4)
	_, err := r.Admit("s1", "m1", time.Second, q, nil)
	require.NoError(t, err)

	r.HandleEvent(rpcproto.TerminalEvent{StreamID: "s1", Event: rpcproto.EventCompleted})
	r.HandleEvent(rpcproto.TerminalEvent{StreamID: "s1", Event: rpcproto.EventError}) // late/duplicate

	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Completed)
	assert.Equal(t, int64(0), snap.Errored)
}

func TestCancelInvokesHookOnce(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10})
	q := asyncutil.NewQueue(4)
	calls := 0
	_, err := r.Admit("s1", "m1", time.Second, q, func() { calls++ })
	require.NoError(t, err)

	r.Cancel("s1")
	r.Cancel("s1")

	assert.Equal(t, 1, calls)
	snap := r.Snapshot()
	assert.Equal(t, int64(1), snap.Cancelled)
}

func TestUnknownStreamIDEventsAreDropped(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10})
	assert.NotPanics(t, func() {
		r.HandleChunk(rpcproto.ChunkEvent{StreamID: "ghost"})
		r.HandleStats(rpcproto.StatsEvent{StreamID: "ghost"})
		r.HandleEvent(rpcproto.TerminalEvent{StreamID: "ghost", Event: rpcproto.EventCompleted})
	})
}

func TestFailErrorsEveryActiveStream(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10})
	q1 := asyncutil.NewQueue(4)
	q2 := asyncutil.NewQueue(4)
	_, err := r.Admit("s1", "m1", time.Second, q1, nil)
	require.NoError(t, err)
	_, err = r.Admit("s2", "m1", time.Second, q2, nil)
	require.NoError(t, err)

	r.Fail(errs.New(errs.TransportClosed, "runtime gone"))

	snap := r.Snapshot()
	assert.Equal(t, int64(2), snap.Errored)

	item, ok := q1.Shift()
	assert.True(t, ok)
	assert.Error(t, item.Err)
}

func TestTimeoutSweepCancelsIdleStream(t *testing.T) {
	r := New(Options{MaxActiveStreams: 10, DefaultTimeout: 10 * time.Millisecond})
	q := asyncutil.NewQueue(4)
	_, err := r.Admit("s1", "m1", 10*time.Millisecond, q, nil)
	require.NoError(t, err)

	r.Start(5 * time.Millisecond)
	defer r.Stop()

	require.Eventually(t, func() bool {
		return r.Snapshot().Cancelled == 1
	}, time.Second, 5*time.Millisecond)
}
