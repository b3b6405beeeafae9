package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gitvan/khe/canonical"
)

func testCache(t *testing.T) *Cache {
	t.Helper()
	return testCacheWithLimits(t, 16, 1<<20)
}

func testCacheWithLimits(t *testing.T, maxEntries int, maxBytes int64) *Cache {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(filepath.Join(dir, "cache.db"), maxEntries, maxBytes, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = c.Close(ctx)
	})
	return c
}

func TestSetGetRoundTrip(t *testing.T) {
	c := testCache(t)

	key, err := Key("graph", "commit-sha", "graphs", []string{"a.ttl", "b.ttl"})
	require.NoError(t, err)

	require.NoError(t, c.Set(key, []byte("hello world")))

	value, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("hello world"), value)
}

func TestGetMissOnUnknownKey(t *testing.T) {
	c := testCache(t)

	_, ok, err := c.Get("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyIsOrderIndependentAcrossCalls(t *testing.T) {
	k1, err := Key("type", map[string]interface{}{"b": 1, "a": 2})
	require.NoError(t, err)
	k2, err := Key("type", map[string]interface{}{"a": 2, "b": 1})
	require.NoError(t, err)
	assert.Equal(t, k1, k2, "canonical JSON key derivation must sort object keys")
}

func TestLargeValueIsCompressedAndStillReadsBack(t *testing.T) {
	c := testCache(t)

	key, err := Key("big", "payload")
	require.NoError(t, err)

	// Highly repetitive payload well above compressionThreshold so S2
	// compression comfortably clears compressionMinSavings.
	big := make([]byte, 8192)
	for i := range big {
		big[i] = 'x'
	}
	require.NoError(t, c.Set(key, big))

	value, ok, err := c.Get(key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, big, value)
}

func TestCorruptEntryIsEvictedAndReportedAsMiss(t *testing.T) {
	c := testCache(t)

	key, err := Key("type", "x")
	require.NoError(t, err)
	require.NoError(t, c.Set(key, []byte("original")))

	// Flip the integrity hash recorded for the (still-cached) in-memory
	// entry to simulate on-disk bit rot, per spec.md scenario 7.
	c.mu.Lock()
	e, _ := c.mem.Get(key)
	e.Integrity = "0000000000000000000000000000000000000000000000000000000000000"
	c.mem.Add(key, e)
	c.mu.Unlock()

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), c.Stats().CorruptionCount)

	// The entry must actually be gone, not merely reported once as a miss.
	has, err := c.Has(key)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestDeleteAndClear(t *testing.T) {
	c := testCache(t)

	key, err := Key("type", "x")
	require.NoError(t, err)
	require.NoError(t, c.Set(key, []byte("v")))

	require.NoError(t, c.Delete(key))
	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	key2, _ := Key("type", "y")
	require.NoError(t, c.Set(key2, []byte("v2")))
	require.NoError(t, c.Clear())
	_, ok, err = c.Get(key2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyChangesWithSchemaVersion(t *testing.T) {
	k1, err := Key("type", "x")
	require.NoError(t, err)

	digest, err := canonical.Hash(map[string]interface{}{
		"type":           "type",
		"schema_version": SchemaVersion + 1,
		"input":          []interface{}{"x"},
	})
	require.NoError(t, err)
	k2 := digest[:32]

	assert.NotEqual(t, k1, k2, "the key must depend on schema_version")
}

func TestMemoryTierEvictsOnByteCeilingNotJustEntryCount(t *testing.T) {
	c := testCacheWithLimits(t, 100, 64)

	key1, err := Key("type", "a")
	require.NoError(t, err)
	require.NoError(t, c.Set(key1, []byte("0123456789012345678901234567890123456789")))

	key2, err := Key("type", "b")
	require.NoError(t, err)
	require.NoError(t, c.Set(key2, []byte("9876543210987654321098765432109876543210")))

	// Both entries together exceed the 64-byte memory ceiling, so the
	// least-recently-used one (key1) must have been evicted from the
	// memory tier even though the entry-count cap (100) was never hit.
	_, ok := c.mem.Peek(key1)
	assert.False(t, ok, "oldest entry should be evicted once the byte ceiling is exceeded")

	// It must still be readable through the disk tier.
	value, ok, err := c.Get(key1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("0123456789012345678901234567890123456789"), value)
}

func TestEntryWithStaleSchemaVersionClearsCacheOnRead(t *testing.T) {
	c := testCache(t)

	key, err := Key("type", "x")
	require.NoError(t, err)
	require.NoError(t, c.Set(key, []byte("v")))

	otherKey, err := Key("type", "y")
	require.NoError(t, err)
	require.NoError(t, c.Set(otherKey, []byte("v2")))

	c.mu.Lock()
	e, _ := c.mem.Get(key)
	e.SchemaVersion = SchemaVersion - 1
	c.mem.Add(key, e)
	c.mu.Unlock()

	_, ok, err := c.Get(key)
	require.NoError(t, err)
	assert.False(t, ok)

	// The schema-version mismatch on one entry clears the whole cache.
	_, ok, err = c.Get(otherKey)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsTracksHitsAndMisses(t *testing.T) {
	c := testCache(t)

	key, err := Key("type", "stats")
	require.NoError(t, err)
	require.NoError(t, c.Set(key, []byte("v")))

	_, _, _ = c.Get(key)
	_, _, _ = c.Get("missing-key")

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}
