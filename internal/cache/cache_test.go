package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, capBytes int64) *Cache {
	t.Helper()
	dir := t.TempDir()
	c := New(Config{Dir: dir, CapBytes: capBytes})
	require.NoError(t, c.ValidateOnStartup())
	return c
}

func writeFixedShard(n int64) PopulateFunc {
	return func(dir string) ([]ShardInfo, error) {
		path := filepath.Join(dir, "shard-0.bin")
		if err := os.WriteFile(path, make([]byte, n), 0o644); err != nil {
			return nil, err
		}
		return []ShardInfo{{Path: path}}, nil
	}
}

func TestPopulateThenGetHitsCache(t *testing.T) {
	c := newTestCache(t, 1<<20)

	e, err := c.Populate("fp1", writeFixedShard(100))
	require.NoError(t, err)
	assert.Equal(t, int64(100), e.SizeBytes)

	got, ok := c.Get("fp1")
	require.True(t, ok)
	assert.Same(t, e, got)

	stats := c.Stats()
	assert.Equal(t, 1, stats.EntryCount)
	assert.Equal(t, int64(1), stats.Hits)
}

func TestPopulateIsAtMostOnceConcurrently(t *testing.T) {
	c := newTestCache(t, 1<<20)
	var calls atomic.Int64
	fn := func(dir string) ([]ShardInfo, error) {
		calls.Add(1)
		return writeFixedShard(10)(dir)
	}

	var wg sync.WaitGroup
	results := make([]*Entry, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, err := c.Populate("shared", fn)
			require.NoError(t, err)
			results[i] = e
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "populate function must run exactly once for concurrent callers")
	for _, e := range results {
		assert.Same(t, results[0], e)
	}
}

func TestPopulateFailureLeavesNoEntryAndNoFiles(t *testing.T) {
	c := newTestCache(t, 1<<20)
	_, err := c.Populate("broken", func(dir string) ([]ShardInfo, error) {
		return nil, fmt.Errorf("boom")
	})
	require.Error(t, err)

	_, ok := c.Get("broken")
	assert.False(t, ok)

	entries, _ := os.ReadDir(c.dir)
	for _, shard := range entries {
		sub, _ := os.ReadDir(filepath.Join(c.dir, shard.Name()))
		assert.Empty(t, sub, "no partial entry directories should remain")
	}
}

func TestEvictsLRUUnpinnedEntryWhenOverCapacity(t *testing.T) {
	c := newTestCache(t, 150)

	e1, err := c.Populate("first", writeFixedShard(100))
	require.NoError(t, err)
	c.Unpin(e1)

	e2, err := c.Populate("second", writeFixedShard(100))
	require.NoError(t, err)
	c.Unpin(e2)

	_, firstStillThere := c.Get("first")
	assert.False(t, firstStillThere, "first should have been evicted to fit second")
	_, secondThere := c.Get("second")
	assert.True(t, secondThere)
}

func TestPinnedEntrySurvivesEviction(t *testing.T) {
	c := newTestCache(t, 100)

	e1, err := c.Populate("pinned", writeFixedShard(90))
	require.NoError(t, err) // refCount=1 from Populate already

	_, err = c.Populate("other", writeFixedShard(90))
	assert.Error(t, err, "pinned entry leaves no room and nothing else to evict")

	_, ok := c.Get("pinned")
	assert.True(t, ok)
	_ = e1
}

func TestInvalidateRemovesEntryRegardlessOfPin(t *testing.T) {
	c := newTestCache(t, 1<<20)
	_, err := c.Populate("fp", writeFixedShard(10))
	require.NoError(t, err)

	c.Invalidate("fp")
	_, ok := c.Get("fp")
	assert.False(t, ok)
}

func TestValidateOnStartupDropsCorruptEntry(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Dir: dir, CapBytes: 1 << 20})
	require.NoError(t, c.ValidateOnStartup())

	e, err := c.Populate("fp", writeFixedShard(50))
	require.NoError(t, err)
	shardPath := filepath.Join(entryDir(dir, "fp"), e.Shards[0].Path)
	require.NoError(t, os.WriteFile(shardPath, []byte("corrupted-bytes-of-different-length!!"), 0o644))

	c2 := New(Config{Dir: dir, CapBytes: 1 << 20})
	require.NoError(t, c2.ValidateOnStartup())

	_, ok := c2.Get("fp")
	assert.False(t, ok, "corrupt entry must not be indexed")
	_, err = os.Stat(entryDir(dir, "fp"))
	assert.True(t, os.IsNotExist(err), "corrupt entry directory must be removed from disk")
}

func TestValidateOnStartupReindexesIntactEntry(t *testing.T) {
	dir := t.TempDir()
	c := New(Config{Dir: dir, CapBytes: 1 << 20})
	require.NoError(t, c.ValidateOnStartup())
	_, err := c.Populate("fp", writeFixedShard(50))
	require.NoError(t, err)

	c2 := New(Config{Dir: dir, CapBytes: 1 << 20})
	require.NoError(t, c2.ValidateOnStartup())

	got, ok := c2.Get("fp")
	require.True(t, ok)
	assert.Equal(t, int64(50), got.SizeBytes)
}
