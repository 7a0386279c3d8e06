package quota

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryConsumeRespectsCapacity(t *testing.T) {
	q := New(10)
	require.True(t, q.TryConsume(6))
	require.True(t, q.TryConsume(4))
	assert.False(t, q.TryConsume(1))
	assert.Equal(t, int64(0), q.Available())
}

func TestTryRefundNeverGoesNegative(t *testing.T) {
	q := New(10)
	require.True(t, q.TryConsume(3))
	assert.True(t, q.TryRefund(10)) // clamps to 3
	assert.Equal(t, int64(10), q.Available())
	assert.False(t, q.TryRefund(1))
}

func TestCommitReducesCapacityTowardsZeroNet(t *testing.T) {
	q := New(100)
	require.True(t, q.TryConsume(40))
	q.Commit(40)
	cap_, reserved := q.State()
	assert.Equal(t, int64(60), cap_)
	assert.Equal(t, int64(0), reserved)
	assert.Equal(t, int64(60), q.Available())
}

func TestConcurrentConsumeNeverOversubscribes(t *testing.T) {
	q := New(1000)
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex
	for i := 0; i < 2000; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if q.TryConsume(1) {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1000), successes)
	assert.Equal(t, int64(0), q.Available())
}
