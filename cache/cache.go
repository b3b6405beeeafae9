// Package cache implements the Knowledge Hook Engine's content-addressed
// Artifact Cache: a memory-tier LRU backed by a bbolt disk tier, keyed on
// the canonical JSON encoding of a cache key and integrity-checked with a
// SHA-256 hash over the uncompressed value.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/s2"
	bolt "go.etcd.io/bbolt"

	"github.com/gitvan/khe/canonical"
	"github.com/gitvan/khe/kherr"
)

const entriesBucket = "entries"

// SchemaVersion is baked into every cache key's hashed input and every
// stored entry. Bumping it invalidates the entire cache on next Open or
// on next read of a stale entry: spec.md §4.2's "clear cache on read
// when a stored entry's schema version differs."
const SchemaVersion = 1

// typeRegistry is the set of cache key "type" tags the engine actually
// derives keys for, recorded in metadata.json as spec.md §6.1's cache
// type registry.
var typeRegistry = []string{"graph"}

// metadataFileName is the cache schema + type registry file spec.md
// §6.1 places alongside the disk tier's database file.
const metadataFileName = "metadata.json"

type cacheMetadata struct {
	SchemaVersion int      `json:"schema_version"`
	Types         []string `json:"types"`
}

func metadataPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), metadataFileName)
}

// reconcileMetadata reads the cache directory's metadata.json (if any),
// clears the entries bucket when its schema_version doesn't match the
// package's current SchemaVersion, and (re)writes it with the current
// version and type registry.
func reconcileMetadata(dbPath string, db *bolt.DB) error {
	mp := metadataPath(dbPath)
	stale := false

	data, err := os.ReadFile(mp)
	switch {
	case err == nil:
		var m cacheMetadata
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil || m.SchemaVersion != SchemaVersion {
			stale = true
		}
	case os.IsNotExist(err):
		// First run for this cache directory; nothing to compare against.
	default:
		return kherr.Wrap(kherr.KindIO, err, "reading cache metadata at %s", mp)
	}

	if stale {
		if err := db.Update(func(tx *bolt.Tx) error {
			if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
			return err
		}); err != nil {
			return kherr.Wrap(kherr.KindIO, err, "clearing cache after schema version change")
		}
	}

	out, err := json.MarshalIndent(cacheMetadata{SchemaVersion: SchemaVersion, Types: typeRegistry}, "", "  ")
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "encoding cache metadata")
	}
	if err := os.WriteFile(mp, out, 0o644); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "writing cache metadata at %s", mp)
	}
	return nil
}

// compressionThreshold is the minimum uncompressed size worth attempting
// to compress; below this the framing overhead isn't worth it.
const compressionThreshold = 1024

// compressionMinSavings is the minimum fractional size reduction (0..1)
// required to keep a compressed representation over the raw one.
const compressionMinSavings = 0.20

// Stats reports point-in-time counters for the cache, formatted for
// logging with go-humanize.
type Stats struct {
	MemoryEntries   int
	DiskEntries     int
	Hits            uint64
	Misses          uint64
	CorruptionCount uint64
	BytesStored     uint64
}

// String renders Stats in the teacher's humanized-size convention.
func (s Stats) String() string {
	return humanize.Comma(int64(s.Hits)) + " hits, " +
		humanize.Comma(int64(s.Misses)) + " misses, " +
		humanize.Bytes(s.BytesStored) + " stored, " +
		humanize.Comma(int64(s.CorruptionCount)) + " corrupt"
}

type entry struct {
	Value         []byte
	Compressed    bool
	Integrity     string
	WrittenAt     time.Time
	SchemaVersion int
	// SizeBytes is the stored (post-compression) byte size, used to
	// bound the memory tier's aggregate size independently of its
	// entry count (spec.md §4.2/§6.2).
	SizeBytes int
}

func encodeEntry(e entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "encoding cache entry")
	}
	return data, nil
}

func decodeEntry(data []byte) (entry, error) {
	var e entry
	if err := json.Unmarshal(data, &e); err != nil {
		return entry{}, kherr.Wrap(kherr.KindIntegrity, err, "decoding cache entry")
	}
	return e, nil
}

// Cache is the two-tier Artifact Cache.
type Cache struct {
	mem            *lru.Cache[string, entry]
	memBytes       int64
	maxMemoryBytes int64
	disk           *bolt.DB
	ttl            time.Duration
	mu             sync.RWMutex
	stats          Stats
	statsMu        sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens (creating if necessary) the disk-tier database at path and
// wraps it with a memory tier bounded both at maxMemoryEntries and at
// maxMemoryBytes of aggregate stored size (spec.md §4.2/§6.2). The cache
// directory's metadata.json is reconciled against the package's
// SchemaVersion first, clearing the disk tier if it has changed.
func Open(path string, maxMemoryEntries int, maxMemoryBytes int64, ttl time.Duration) (*Cache, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, kherr.Wrap(kherr.KindIO, err, "opening cache database at %s", path)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	}); err != nil {
		db.Close()
		return nil, kherr.Wrap(kherr.KindIO, err, "creating cache bucket")
	}

	if err := reconcileMetadata(path, db); err != nil {
		db.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{disk: db, ttl: ttl, cancel: cancel, maxMemoryBytes: maxMemoryBytes}

	mem, err := lru.NewWithEvict[string, entry](maxMemoryEntries, func(_ string, e entry) {
		c.memBytes -= int64(e.SizeBytes)
	})
	if err != nil {
		db.Close()
		return nil, kherr.Wrap(kherr.KindIO, err, "creating memory tier")
	}
	c.mem = mem

	c.startBackgroundTasks(ctx)
	return c, nil
}

// Key derives a cache key from its typed components via the canonical
// JSON + SHA-256 scheme the spec requires: the first 128 bits (32 hex
// chars) of SHA-256({type, schema_version, input_canonicalized}), where
// type is components[0] by convention and input is the rest.
func Key(components ...interface{}) (string, error) {
	var typ interface{}
	input := interface{}(components)
	if len(components) > 0 {
		typ = components[0]
		input = components[1:]
	}
	digest, err := canonical.Hash(map[string]interface{}{
		"type":           typ,
		"schema_version": SchemaVersion,
		"input":          input,
	})
	if err != nil {
		return "", kherr.Wrap(kherr.KindValidation, err, "deriving cache key")
	}
	return digest[:32], nil
}

// storeInMemory adds e to the memory tier, maintaining the aggregate
// byte-size counter and evicting the least-recently-used entries until
// the cache is back under its byte ceiling. Callers must hold c.mu.
func (c *Cache) storeInMemory(key string, e entry) {
	if old, ok := c.mem.Peek(key); ok {
		c.memBytes -= int64(old.SizeBytes)
	}
	c.mem.Add(key, e)
	c.memBytes += int64(e.SizeBytes)
	for c.maxMemoryBytes > 0 && c.memBytes > c.maxMemoryBytes && c.mem.Len() > 1 {
		c.mem.RemoveOldest()
	}
}

// Get looks up key, reading through the memory tier to disk and promoting
// a disk hit back into memory. A corrupt entry (integrity mismatch) is
// evicted and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	c.mu.RLock()
	if e, ok := c.mem.Get(key); ok {
		c.mu.RUnlock()
		if e.SchemaVersion != SchemaVersion {
			return c.missOnSchemaMismatch()
		}
		value, err := c.verify(key, e)
		if err != nil {
			return nil, false, err
		}
		if value == nil {
			c.recordMiss()
			return nil, false, nil
		}
		c.recordHit()
		return value, true, nil
	}
	c.mu.RUnlock()

	var e entry
	found := false
	err := c.disk.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var decodeErr error
		e, decodeErr = decodeEntry(data)
		found = decodeErr == nil
		return decodeErr
	})
	if err != nil {
		return nil, false, kherr.Wrap(kherr.KindIO, err, "reading cache entry %s", key)
	}
	if !found {
		c.recordMiss()
		return nil, false, nil
	}
	if e.SchemaVersion != SchemaVersion {
		return c.missOnSchemaMismatch()
	}

	value, verr := c.verify(key, e)
	if verr != nil {
		return nil, false, verr
	}
	if value == nil {
		c.recordMiss()
		return nil, false, nil
	}

	c.mu.Lock()
	c.storeInMemory(key, e)
	c.mu.Unlock()

	c.recordHit()
	return value, true, nil
}

// missOnSchemaMismatch clears the whole cache the moment a stored entry
// is found written under a different SchemaVersion than the running
// package's, per spec.md §4.2, and reports the lookup as a miss.
func (c *Cache) missOnSchemaMismatch() ([]byte, bool, error) {
	_ = c.Clear()
	c.recordMiss()
	return nil, false, nil
}

// verify checks the integrity hash over the decompressed value, evicting
// on mismatch and returning (nil, nil) to signal a miss rather than an
// error: corruption is an operational event, not a caller-visible failure.
func (c *Cache) verify(key string, e entry) ([]byte, error) {
	value := e.Value
	if e.Compressed {
		decoded, err := s2.Decode(nil, e.Value)
		if err != nil {
			c.evictCorrupt(key)
			return nil, nil
		}
		value = decoded
	}
	sum := sha256.Sum256(value)
	if hex.EncodeToString(sum[:]) != e.Integrity {
		c.evictCorrupt(key)
		return nil, nil
	}
	return value, nil
}

func (c *Cache) evictCorrupt(key string) {
	c.mu.Lock()
	c.mem.Remove(key)
	c.mu.Unlock()
	_ = c.disk.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Delete([]byte(key))
	})
	c.statsMu.Lock()
	c.stats.CorruptionCount++
	c.statsMu.Unlock()
}

// Set stores value under key, compressing it when doing so saves at least
// compressionMinSavings of its size.
func (c *Cache) Set(key string, value []byte) error {
	sum := sha256.Sum256(value)
	e := entry{
		Value:         value,
		Integrity:     hex.EncodeToString(sum[:]),
		WrittenAt:     time.Now().UTC(),
		SchemaVersion: SchemaVersion,
	}

	if len(value) >= compressionThreshold {
		compressed := s2.Encode(nil, value)
		if float64(len(compressed)) <= float64(len(value))*(1-compressionMinSavings) {
			e.Value = compressed
			e.Compressed = true
		}
	}
	e.SizeBytes = len(e.Value)

	data, err := encodeEntry(e)
	if err != nil {
		return err
	}

	if err := c.disk.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Put([]byte(key), data)
	}); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "writing cache entry %s", key)
	}

	c.mu.Lock()
	c.storeInMemory(key, e)
	c.mu.Unlock()

	c.statsMu.Lock()
	c.stats.BytesStored += uint64(len(value))
	c.statsMu.Unlock()
	return nil
}

// Has reports whether key exists without promoting it into the memory
// tier or counting toward hit/miss stats.
func (c *Cache) Has(key string) (bool, error) {
	c.mu.RLock()
	if _, ok := c.mem.Peek(key); ok {
		c.mu.RUnlock()
		return true, nil
	}
	c.mu.RUnlock()

	found := false
	err := c.disk.View(func(tx *bolt.Tx) error {
		found = tx.Bucket([]byte(entriesBucket)).Get([]byte(key)) != nil
		return nil
	})
	if err != nil {
		return false, kherr.Wrap(kherr.KindIO, err, "checking cache entry %s", key)
	}
	return found, nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(key string) error {
	c.mu.Lock()
	c.mem.Remove(key)
	c.mu.Unlock()
	if err := c.disk.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).Delete([]byte(key))
	}); err != nil {
		return kherr.Wrap(kherr.KindIO, err, "deleting cache entry %s", key)
	}
	return nil
}

// Clear empties both tiers.
func (c *Cache) Clear() error {
	c.mu.Lock()
	c.mem.Purge()
	c.memBytes = 0
	c.mu.Unlock()
	return c.disk.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(entriesBucket)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		_, err := tx.CreateBucketIfNotExists([]byte(entriesBucket))
		return err
	})
}

// Compact deletes disk-tier entries older than the configured TTL, and
// entries that fail to decode. It does not rewrite the bbolt file, so the
// file keeps its size; bbolt reuses the freed pages for later writes.
func (c *Cache) Compact() error {
	cutoff := time.Now().UTC().Add(-c.ttl)
	var stale [][]byte
	err := c.disk.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		return b.ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil || e.WrittenAt.Before(cutoff) {
				key := append([]byte(nil), k...)
				stale = append(stale, key)
			}
			return nil
		})
	})
	if err != nil {
		return kherr.Wrap(kherr.KindIO, err, "scanning cache for compaction")
	}
	if len(stale) == 0 {
		return nil
	}
	return c.disk.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(entriesBucket))
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	snap := c.stats
	c.mu.RLock()
	snap.MemoryEntries = c.mem.Len()
	c.mu.RUnlock()
	_ = c.disk.View(func(tx *bolt.Tx) error {
		snap.DiskEntries = tx.Bucket([]byte(entriesBucket)).Stats().KeyN
		return nil
	})
	return snap
}

func (c *Cache) recordHit() {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
}

func (c *Cache) recordMiss() {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
}

// Close stops the background tasks and closes the disk tier.
func (c *Cache) Close(ctx context.Context) error {
	c.cancel()
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
	return c.disk.Close()
}

// startBackgroundTasks launches the daily full re-validation sweep and the
// more frequent TTL purge, mirroring the dual-goroutine shape the teacher
// uses for periodic maintenance elsewhere in its worker pools.
func (c *Cache) startBackgroundTasks(ctx context.Context) {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.revalidate()
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		interval := c.ttl / 4
		if interval <= 0 {
			interval = time.Hour
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = c.Compact()
			}
		}
	}()
}

// revalidate walks every disk entry, checking its integrity hash and
// evicting anything corrupted, without waiting for a Get to discover it.
func (c *Cache) revalidate() {
	var bad [][]byte
	_ = c.disk.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(entriesBucket)).ForEach(func(k, v []byte) error {
			e, err := decodeEntry(v)
			if err != nil {
				bad = append(bad, append([]byte(nil), k...))
				return nil
			}
			value := e.Value
			if e.Compressed {
				decoded, derr := s2.Decode(nil, e.Value)
				if derr != nil {
					bad = append(bad, append([]byte(nil), k...))
					return nil
				}
				value = decoded
			}
			sum := sha256.Sum256(value)
			if hex.EncodeToString(sum[:]) != e.Integrity {
				bad = append(bad, append([]byte(nil), k...))
			}
			return nil
		})
	})
	for _, k := range bad {
		c.evictCorrupt(string(k))
	}
}
