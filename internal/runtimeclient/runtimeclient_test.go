package runtimeclient

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fabric/internal/batcher"
	"fabric/internal/errs"
	"fabric/internal/rpcproto"
)

func TestGenerateFailsWithTransportClosedBeforeFirstSwap(t *testing.T) {
	c := New()
	err := c.Generate(context.Background(), rpcproto.GenerateParams{StreamID: "s1"})
	require.Error(t, err)
	var fe *errs.Error
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, errs.TransportClosed, fe.Kind)
}

func TestDispatchNoopOnEmptyBatch(t *testing.T) {
	c := New()
	assert.NoError(t, c.Dispatch(nil))
}

func TestDispatchFailsClosedWithoutTransport(t *testing.T) {
	c := New()
	called := false
	err := c.Dispatch([]batcher.Request{{
		Params:      rpcproto.GenerateParams{StreamID: "s1"},
		OnCancelled: func(error) { called = true },
	}})
	require.Error(t, err)
	assert.False(t, called, "OnCancelled should not fire when the whole dispatch call failed outright")
}
