// Package promptcache is a small, best-effort in-memory LRU mapping
// (active_epoch, prompt_hash) -> previously generated tokens,
// invalidated for free on model switch by bumping the epoch rather
// than sweeping entries (spec.md §4.5, §9 "epoch-based invalidation").
//
// Built on github.com/hashicorp/golang-lru/v2, the same generic LRU
// matrixinfer-ai-kthena pulls in for its own decision caching — an
// off-the-shelf generic LRU is a better fit here than hand-rolling one.
package promptcache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cespare/xxhash/v2"
)

// Key identifies one cached generation: the epoch it was generated
// under, plus a hash of the prompt tokens. Entries from a prior epoch
// are simply never looked up again — switch_model does not need to
// iterate and delete them.
type Key struct {
	Epoch      uint64
	PromptHash uint64
}

// Entry is one cached generation result.
type Entry struct {
	Tokens    []int32
	Timestamp time.Time
	size      int64
}

// Config constructs a Cache.
type Config struct {
	Enabled  bool
	MaxCount int   // entry-count ceiling the underlying LRU enforces
	MaxBytes int64 // prompt_cache.bytes
}

// Cache is the bounded prompt/generation cache.
type Cache struct {
	mu       sync.Mutex
	enabled  bool
	maxBytes int64
	used     int64
	lru      *lru.Cache[Key, Entry]
}

// New constructs a Cache. MaxCount defaults to 4096 if unset; MaxBytes
// defaults to 64 MiB (prompt_cache.bytes default) if unset.
func New(cfg Config) *Cache {
	maxCount := cfg.MaxCount
	if maxCount <= 0 {
		maxCount = 4096
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 64 << 20
	}
	c := &Cache{enabled: cfg.Enabled, maxBytes: maxBytes}
	c.lru, _ = lru.NewWithEvict[Key, Entry](maxCount, func(_ Key, e Entry) {
		c.used -= e.size
	})
	return c
}

// PromptHash hashes prompt tokens into the key PromptCache indexes on.
func PromptHash(promptTokens []int32) uint64 {
	h := xxhash.New()
	buf := make([]byte, 4)
	for _, t := range promptTokens {
		u := uint32(t)
		buf[0], buf[1], buf[2], buf[3] = byte(u), byte(u>>8), byte(u>>16), byte(u>>24)
		h.Write(buf)
	}
	return h.Sum64()
}

// Get looks up a prior generation under the given epoch. A miss under
// the current epoch may still be a hit once the model is switched back
// and the same epoch is replayed — epochs are never reused within one
// Coordinator's lifetime, so in practice each switch forward makes
// prior-epoch entries permanently unreachable, not merely invisible.
func (c *Cache) Get(epoch, promptHash uint64) ([]int32, bool) {
	if !c.Enabled() {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(Key{Epoch: epoch, PromptHash: promptHash})
	if !ok {
		return nil, false
	}
	return e.Tokens, true
}

// Put records a generation result, evicting the least-recently-used
// entries first by count (the underlying LRU's own policy) and then by
// byte budget (our own top-up eviction loop).
func (c *Cache) Put(epoch, promptHash uint64, tokens []int32) {
	if !c.Enabled() {
		return
	}
	size := int64(len(tokens)) * 4
	c.mu.Lock()
	defer c.mu.Unlock()
	key := Key{Epoch: epoch, PromptHash: promptHash}
	if old, ok := c.lru.Peek(key); ok {
		c.used -= old.size
	}
	c.lru.Add(key, Entry{Tokens: tokens, Timestamp: time.Now(), size: size})
	c.used += size
	for c.used > c.maxBytes {
		_, _, evicted := c.lru.RemoveOldest()
		if !evicted {
			break
		}
	}
}

// SetEnabled toggles the cache at runtime (enable_cache / clear_cache's
// "flag" input).
func (c *Cache) SetEnabled(enabled bool) {
	c.mu.Lock()
	c.enabled = enabled
	c.mu.Unlock()
}

// Enabled reports whether the cache is currently active.
func (c *Cache) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.used = 0
}

// Stats reports current occupancy.
type Stats struct {
	Entries int
	Bytes   int64
}

func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Entries: c.lru.Len(), Bytes: c.used}
}
