package batcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/rpcproto"
)

func baseConfig() Config {
	c := Config{
		InitialTargetBatchSize:  4,
		MinBatchSize:            2,
		MaxBatchSize:            8,
		MinHold:                 5 * time.Millisecond,
		MaxHold:                 20 * time.Millisecond,
		BackgroundHoldExtension: 30 * time.Millisecond,
	}
	c.setDefaults()
	return c
}

func TestPartitionFlushesAtTargetSize(t *testing.T) {
	p := newPartition("m1", baseConfig())
	for i := 0; i < 4; i++ {
		p.enqueue(Request{Params: rpcproto.GenerateParams{ModelID: "m1"}, Priority: PriorityDefault})
	}
	assert.True(t, p.shouldFlush(time.Now()))
}

func TestPartitionDoesNotFlushBelowMinHoldAndMinSize(t *testing.T) {
	p := newPartition("m1", baseConfig())
	p.enqueue(Request{Params: rpcproto.GenerateParams{ModelID: "m1"}, Priority: PriorityDefault})
	assert.False(t, p.shouldFlush(time.Now()))
}

func TestPartitionUrgentAlwaysFlushes(t *testing.T) {
	p := newPartition("m1", baseConfig())
	p.enqueue(Request{Params: rpcproto.GenerateParams{ModelID: "m1"}, Priority: PriorityUrgent})
	assert.True(t, p.shouldFlush(time.Now()))
}

func TestPartitionDrainOrdersUrgentFirst(t *testing.T) {
	p := newPartition("m1", baseConfig())
	p.enqueue(Request{Params: rpcproto.GenerateParams{StreamID: "bg"}, Priority: PriorityBackground})
	p.enqueue(Request{Params: rpcproto.GenerateParams{StreamID: "urgent"}, Priority: PriorityUrgent})
	p.enqueue(Request{Params: rpcproto.GenerateParams{StreamID: "def"}, Priority: PriorityDefault})

	batch := p.drain()
	assert.Equal(t, []string{"urgent", "def", "bg"}, []string{
		batch[0].Params.StreamID, batch[1].Params.StreamID, batch[2].Params.StreamID,
	})
	assert.True(t, p.empty())
}

func TestPartitionAdaptGrowsAndShrinksTargetSize(t *testing.T) {
	p := newPartition("m1", baseConfig())
	start := p.targetBatchSize

	p.adapt(5*time.Millisecond, 15*time.Millisecond) // well under target → grow
	assert.Equal(t, start+1, p.targetBatchSize)

	p.adapt(30*time.Millisecond, 15*time.Millisecond) // well over target → shrink
	assert.Equal(t, start, p.targetBatchSize)
}

func TestDrainDropsCancelledRequestsAndFiresHook(t *testing.T) {
	p := newPartition("m1", baseConfig())
	var abortErr error
	p.enqueue(Request{
		Params:      rpcproto.GenerateParams{StreamID: "cancelled"},
		Priority:    PriorityDefault,
		Cancelled:   func() bool { return true },
		OnCancelled: func(err error) { abortErr = err },
	})
	p.enqueue(Request{Params: rpcproto.GenerateParams{StreamID: "live"}, Priority: PriorityDefault})

	batch := p.drain()
	require.Len(t, batch, 1)
	assert.Equal(t, "live", batch[0].Params.StreamID)
	require.Error(t, abortErr)
}

func TestBackgroundOnlyPartitionGetsExtendedHold(t *testing.T) {
	p := newPartition("m1", baseConfig())
	p.enqueue(Request{Params: rpcproto.GenerateParams{ModelID: "m1"}, Priority: PriorityBackground})

	justPastMaxHold := p.holdStart.Add(p.maxHold + time.Millisecond)
	assert.False(t, p.shouldFlush(justPastMaxHold), "background-only partition should not flush at plain maxHold")
}
