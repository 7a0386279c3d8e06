package canary

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouteIsDeterministicAndSticky(t *testing.T) {
	r := NewRouter("seed-1", 50)
	v1 := r.Route("tenant-a")
	for i := 0; i < 20; i++ {
		assert.Equal(t, v1, r.Route("tenant-a"))
	}
}

func TestRouteZeroPercentRoutesEverythingToBaseline(t *testing.T) {
	r := NewRouter("seed-1", 0)
	for i := 0; i < 50; i++ {
		assert.Equal(t, Baseline, r.Route("key-"+string(rune('a'+i%26))), "0%% rollout must never route to variant")
	}
}

func TestRouteHundredPercentRoutesEverythingToVariant(t *testing.T) {
	r := NewRouter("seed-1", 100)
	for i := 0; i < 50; i++ {
		assert.Equal(t, Variant_, r.Route("key-"+string(rune('a'+i%26))))
	}
}

func TestRouteDistributionIsRoughlyUniform(t *testing.T) {
	r := NewRouter("seed-1", 30)
	variantCount := 0
	const n = 2000
	for i := 0; i < n; i++ {
		if r.Route(randomKey(i)) == Variant_ {
			variantCount++
		}
	}
	frac := float64(variantCount) / float64(n)
	assert.InDelta(t, 0.30, frac, 0.05)
}

func randomKey(i int) string {
	return "tenant-" + string(rune('A'+i%26)) + "-" + string(rune('a'+(i/26)%26)) + "-" + string(rune('0'+i%10))
}

func TestSetPercentageFailsDuringCooldown(t *testing.T) {
	r := NewRouter("seed-1", 10)
	r.forceZero(nowUnixNano() + int64(time.Second))
	err := r.SetPercentage(20)
	require.Error(t, err)
	assert.Equal(t, 0, r.Percentage())
}

func TestSetPercentageSucceedsAfterCooldownClears(t *testing.T) {
	r := NewRouter("seed-1", 10)
	r.forceZero(nowUnixNano() - 1) // already expired
	require.NoError(t, r.SetPercentage(25))
	assert.Equal(t, 25, r.Percentage())
}
