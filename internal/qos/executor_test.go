package qos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeScaler struct{ lastSize int }

func (f *fakeScaler) SetMaxBatchSize(n int) { f.lastSize = n }

type fakeGuard struct{ closed bool }

func (f *fakeGuard) SetAdmissionGuard(closed bool) { f.closed = closed }

type fakeBus struct {
	events []string
	fields []map[string]any
}

func (f *fakeBus) Publish(event string, fields map[string]any) {
	f.events = append(f.events, event)
	f.fields = append(f.fields, fields)
}

func TestExecutorDispatchesScaleUpAndScaleDown(t *testing.T) {
	scaler := &fakeScaler{}
	ex := NewExecutor(ExecutorConfig{Scaler: scaler, MaxScale: 64, MinScale: 2})

	results := ex.Dispatch(Violation{PolicyID: "p1"}, []string{"scale_up"}, false)
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 64, scaler.lastSize)

	ex.Dispatch(Violation{PolicyID: "p1"}, []string{"scale_down"}, false)
	assert.Equal(t, 2, scaler.lastSize)
}

func TestExecutorRejectClosesAdmissionGuard(t *testing.T) {
	guard := &fakeGuard{}
	ex := NewExecutor(ExecutorConfig{Guard: guard})

	ex.Dispatch(Violation{PolicyID: "p1"}, []string{"reject"}, false)
	assert.True(t, guard.closed)

	ex.ReopenAdmission()
	assert.False(t, guard.closed)
}

func TestExecutorAlertPublishesToOperatorBus(t *testing.T) {
	bus := &fakeBus{}
	ex := NewExecutor(ExecutorConfig{Bus: bus})

	ex.Dispatch(Violation{PolicyID: "p1", Metric: "ttft_ms", Observed: 500, Threshold: 100}, []string{"alert"}, false)
	require.Len(t, bus.events, 1)
	assert.Equal(t, "qos_violation", bus.events[0])
	assert.Equal(t, "p1", bus.fields[0]["policyId"])
}

func TestExecutorDryRunDoesNotInvokeHandlers(t *testing.T) {
	guard := &fakeGuard{}
	ex := NewExecutor(ExecutorConfig{Guard: guard})

	results := ex.Dispatch(Violation{PolicyID: "p1"}, []string{"reject"}, true)
	require.Len(t, results, 1)
	assert.True(t, results[0].DryRun)
	assert.False(t, guard.closed, "dry-run must not apply the handler")
}

func TestExecutorUnregisteredHandlerErrorsButDoesNotPanic(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{})
	results := ex.Dispatch(Violation{PolicyID: "p1"}, []string{"nonexistent"}, false)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestExecutorMissingTargetReturnsErrorNotPanic(t *testing.T) {
	ex := NewExecutor(ExecutorConfig{}) // no scaler wired
	results := ex.Dispatch(Violation{PolicyID: "p1"}, []string{"scale_up"}, false)
	require.Len(t, results, 1)
	assert.Error(t, results[0].Err)
}

func TestExecutorHandlerErrorsDoNotAbortRemainingHandlers(t *testing.T) {
	scaler := &fakeScaler{}
	bus := &fakeBus{}
	ex := NewExecutor(ExecutorConfig{Scaler: scaler, Bus: bus})

	results := ex.Dispatch(Violation{PolicyID: "p1"}, []string{"reject", "alert"}, false)
	require.Len(t, results, 2)
	assert.Error(t, results[0].Err, "reject has no guard wired")
	assert.NoError(t, results[1].Err, "alert should still run")
	assert.Len(t, bus.events, 1)
}
