package qos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowPercentileAndMean(t *testing.T) {
	w := NewWindow(time.Minute)
	now := time.Now()
	for i := 1; i <= 100; i++ {
		w.AddAt(now, float64(i))
	}
	assert.InDelta(t, 99, w.Percentile(99), 1)
	assert.InDelta(t, 50.5, w.Mean(), 0.01)
	assert.Equal(t, 100, w.Count())
}

func TestWindowPrunesOldSamples(t *testing.T) {
	w := NewWindow(10 * time.Millisecond)
	base := time.Now()
	w.AddAt(base, 1)
	w.AddAt(base.Add(5*time.Millisecond), 2)
	w.AddAt(base.Add(50*time.Millisecond), 1000)

	assert.Equal(t, 1, w.Count(), "only the most recent sample should remain in window")
	assert.Equal(t, float64(1000), w.Percentile(50))
}

func TestWindowEmptyReturnsZero(t *testing.T) {
	w := NewWindow(time.Second)
	assert.Equal(t, 0.0, w.Percentile(99))
	assert.Equal(t, 0.0, w.Mean())
	assert.Equal(t, 0, w.Count())
}
