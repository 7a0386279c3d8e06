package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBus struct {
	events []string
	fields []map[string]any
}

func (f *fakeBus) Publish(event string, fields map[string]any) {
	f.events = append(f.events, event)
	f.fields = append(f.fields, fields)
}

func TestRollbackTriggersOnP99Regression(t *testing.T) {
	router := NewRouter("seed", 50)
	metrics := NewMetricsAggregator(time.Minute)
	bus := &fakeBus{}
	ctrl := NewRollbackController(RollbackConfig{
		P99LatencyThreshold: 200,
		ErrorRateDelta:      0.5,
		Cooldown:            50 * time.Millisecond,
	}, router, metrics, bus, nil)

	for i := 0; i < 5; i++ {
		metrics.Record(Baseline, 100, false)
		metrics.Record(Variant_, 300, false)
	}

	ctrl.Evaluate()

	assert.Equal(t, 0, router.Percentage())
	require.Len(t, bus.events, 1)
	assert.Equal(t, "rollback", bus.events[0])

	err := router.SetPercentage(10)
	require.Error(t, err, "setPercentage must fail during cooldown")
}

func TestRollbackCooldownExpiresAndAllowsSetPercentage(t *testing.T) {
	router := NewRouter("seed", 50)
	metrics := NewMetricsAggregator(time.Minute)
	ctrl := NewRollbackController(RollbackConfig{
		P99LatencyThreshold: 200,
		Cooldown:            10 * time.Millisecond,
	}, router, metrics, nil, nil)

	for i := 0; i < 5; i++ {
		metrics.Record(Variant_, 300, false)
	}
	ctrl.Evaluate()
	require.Equal(t, 0, router.Percentage())

	time.Sleep(30 * time.Millisecond)
	assert.NoError(t, router.SetPercentage(10))
}

func TestRollbackDoesNotFireTwiceWhileStillRegressed(t *testing.T) {
	router := NewRouter("seed", 50)
	metrics := NewMetricsAggregator(time.Minute)
	bus := &fakeBus{}
	ctrl := NewRollbackController(RollbackConfig{
		P99LatencyThreshold: 200,
		Cooldown:            time.Hour,
	}, router, metrics, bus, nil)

	for i := 0; i < 5; i++ {
		metrics.Record(Variant_, 300, false)
	}
	ctrl.Evaluate()
	ctrl.Evaluate()
	ctrl.Evaluate()

	assert.Len(t, bus.events, 1, "a sustained regression must only fire rollback once until re-armed")
}

func TestRollbackDoesNotTriggerWithinThresholds(t *testing.T) {
	router := NewRouter("seed", 50)
	metrics := NewMetricsAggregator(time.Minute)
	bus := &fakeBus{}
	ctrl := NewRollbackController(RollbackConfig{P99LatencyThreshold: 500}, router, metrics, bus, nil)

	metrics.Record(Baseline, 100, false)
	metrics.Record(Variant_, 110, false)
	ctrl.Evaluate()

	assert.Equal(t, 50, router.Percentage())
	assert.Empty(t, bus.events)
}
