// Package signature caches upstream-issued thought signatures keyed by a
// digest of the thinking text. The response translators mint entries as
// signatures arrive on the stream; the request translators consult the cache
// so that identical thinking content across requests reuses the signature the
// upstream already validated.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

const (
	// MinSignatureLength is the shortest signature worth keeping. Upstream
	// occasionally emits truncated signatures that fail validation when
	// replayed; those are ignored on Set.
	MinSignatureLength = 50

	defaultTTL           = 60 * time.Minute
	defaultMaxEntries    = 10000
	defaultSweepInterval = 5 * time.Minute
)

var snapshotBucket = []byte("signatures")

// Entry is a cached signature with its provenance.
type Entry struct {
	Signature string    `json:"signature"`
	Family    string    `json:"family"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Options tunes the cache. Zero values select the defaults.
type Options struct {
	TTL           time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	// SnapshotPath enables bbolt persistence of entries across restarts.
	SnapshotPath string
}

// Cache is a concurrency-safe thinking-text to signature map with TTL and
// capacity bounds. A background sweeper evicts expired entries and, when the
// cache is over capacity, the entries closest to expiry.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	ttl        time.Duration
	maxEntries int

	db   *bolt.DB
	stop chan struct{}
	done chan struct{}
}

// NewCache builds a cache and starts its sweeper.
func NewCache(opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = defaultMaxEntries
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}

	c := &Cache{
		entries:    make(map[string]Entry),
		ttl:        opts.TTL,
		maxEntries: opts.MaxEntries,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}

	if opts.SnapshotPath != "" {
		db, err := bolt.Open(opts.SnapshotPath, 0o600, &bolt.Options{Timeout: time.Second})
		if err != nil {
			log.Warnf("signature cache: snapshot disabled: %v", err)
		} else {
			c.db = db
			c.loadSnapshot()
		}
	}

	go c.sweepLoop(opts.SweepInterval)
	return c
}

// Digest returns the cache key for a thinking text.
func Digest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Get returns the signature cached for the thinking text, if any.
func (c *Cache) Get(text string) (string, bool) {
	entry, ok := c.GetEntry(text)
	if !ok {
		return "", false
	}
	return entry.Signature, true
}

// GetEntry returns the full cached entry for the thinking text.
func (c *Cache) GetEntry(text string) (Entry, bool) {
	key := Digest(text)
	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || time.Now().After(entry.ExpiresAt) {
		return Entry{}, false
	}
	return entry, true
}

// Set stores a signature for the thinking text under the given model family.
// Signatures below MinSignatureLength are ignored.
func (c *Cache) Set(text, sig, family string) {
	if len(sig) < MinSignatureLength {
		return
	}
	now := time.Now()
	entry := Entry{
		Signature: sig,
		Family:    family,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	key := Digest(text)
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Len reports the current entry count.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Close stops the sweeper, flushes the snapshot and releases the bolt handle.
func (c *Cache) Close() {
	close(c.stop)
	<-c.done
	if c.db != nil {
		c.flushSnapshot()
		_ = c.db.Close()
	}
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Sweep()
			if c.db != nil {
				c.flushSnapshot()
			}
		case <-c.stop:
			return
		}
	}
}

// Sweep drops expired entries and, when over capacity, evicts the entries
// with the earliest expiry until the cache fits.
func (c *Cache) Sweep() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if now.After(entry.ExpiresAt) {
			delete(c.entries, key)
		}
	}

	overflow := len(c.entries) - c.maxEntries
	if overflow <= 0 {
		return
	}
	type keyed struct {
		key     string
		expires time.Time
	}
	ordered := make([]keyed, 0, len(c.entries))
	for key, entry := range c.entries {
		ordered = append(ordered, keyed{key: key, expires: entry.ExpiresAt})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].expires.Before(ordered[j].expires) })
	for i := 0; i < overflow; i++ {
		delete(c.entries, ordered[i].key)
	}
}

func (c *Cache) loadSnapshot() {
	now := time.Now()
	loaded := 0
	err := c.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(snapshotBucket)
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			var entry Entry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if now.After(entry.ExpiresAt) {
				return nil
			}
			c.entries[string(k)] = entry
			loaded++
			return nil
		})
	})
	if err != nil {
		log.Warnf("signature cache: snapshot load failed: %v", err)
		return
	}
	if loaded > 0 {
		log.Debugf("signature cache: restored %d entries", loaded)
	}
}

func (c *Cache) flushSnapshot() {
	c.mu.RLock()
	snapshot := make(map[string]Entry, len(c.entries))
	for key, entry := range c.entries {
		snapshot[key] = entry
	}
	c.mu.RUnlock()

	err := c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(snapshotBucket); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		bucket, err := tx.CreateBucket(snapshotBucket)
		if err != nil {
			return err
		}
		for key, entry := range snapshot {
			raw, errMarshal := json.Marshal(entry)
			if errMarshal != nil {
				continue
			}
			if err = bucket.Put([]byte(key), raw); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Warnf("signature cache: snapshot flush failed: %v", err)
	}
}
