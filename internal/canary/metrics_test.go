package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAggregatorTracksVersionsSeparately(t *testing.T) {
	a := NewMetricsAggregator(time.Minute)
	a.Record(Baseline, 50, false)
	a.Record(Baseline, 60, false)
	a.Record(Variant_, 400, true)
	a.Record(Variant_, 420, false)

	snap := a.Snapshot()
	assert.Equal(t, 0.0, snap.BaselineErrorRate)
	assert.Equal(t, 0.5, snap.VariantErrorRate)
	assert.Greater(t, snap.VariantP99, snap.BaselineP99)
}
