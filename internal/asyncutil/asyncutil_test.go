package asyncutil

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueuePushShiftFIFO(t *testing.T) {
	q := NewQueue(4)
	for i := 0; i < 4; i++ {
		q.Push(i)
	}
	for i := 0; i < 4; i++ {
		it, ok := q.Shift()
		require.True(t, ok)
		assert.Equal(t, i, it.Value)
	}
}

func TestQueueCloseWakesReaders(t *testing.T) {
	q := NewQueue(4)
	done := make(chan struct{})
	go func() {
		_, ok := q.Shift()
		assert.False(t, ok)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reader not woken by Close")
	}
	q.Close() // no-op
}

func TestQueueFailDeliversErrorOnce(t *testing.T) {
	q := NewQueue(4)
	boom := errors.New("boom")
	q.Fail(boom)
	it, ok := q.Shift()
	assert.True(t, ok)
	assert.Equal(t, boom, it.Err)
	q.Fail(errors.New("second")) // no-op after first
	q.Push("dropped")            // silently dropped post-terminal
}

func TestPoolReleaseResetsQueue(t *testing.T) {
	p := NewPool(2)
	q := p.Get()
	q.Push("x")
	q.Close()
	p.Release(q)
	q2 := p.Get()
	// A freshly reset queue should not be terminal and should accept pushes.
	assert.True(t, q2.TryPush("y"))
}

func TestTimerGuardSetClearLeaksNothing(t *testing.T) {
	g := &TimerGuard{}
	fired := make(chan struct{}, 1)
	g.Set(5*time.Millisecond, func() { fired <- struct{}{} })
	g.Set(time.Hour, func() {}) // supersedes previous
	g.Clear()
	assert.False(t, g.Active())
	select {
	case <-fired:
		t.Fatal("cleared timer should not fire")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestMultiTimerGuardCount(t *testing.T) {
	g := NewMultiTimerGuard()
	g.Set("a", time.Hour, func() {})
	g.Set("b", time.Hour, func() {})
	assert.Equal(t, 2, g.Count())
	g.Clear("a")
	assert.Equal(t, 1, g.Count())
	g.ClearAll()
	assert.Equal(t, 0, g.Count())
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	var attempts int
	err := Retry(context.Background(), RetryPolicy{
		Attempts:     5,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
	}, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryAbortErrorNeverRetried(t *testing.T) {
	var attempts int
	err := Retry(context.Background(), RetryPolicy{Attempts: 5, InitialDelay: time.Millisecond}, func(ctx context.Context) error {
		attempts++
		return &AbortError{Reason: "cancelled by caller"}
	})
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, 1, attempts)
}

func TestRetryContextCancelMidSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := Retry(ctx, RetryPolicy{Attempts: 10, InitialDelay: time.Second}, func(ctx context.Context) error {
		return errors.New("always fails")
	})
	wg.Wait()
	var abort *AbortError
	require.ErrorAs(t, err, &abort)
}
