// Package kvcache implements SnapLLM's tiered persistent K/V-context
// cache: attention tensors for a content prefix, addressed by content
// fingerprint, placed in Hot/Warm/Cold storage and promoted/demoted
// under byte budgets (spec.md §4.3).
//
// Grounded on the teacher's kvcache/tiered.go design (Hot/Warm/Cold
// vocabulary, "evict oldest to the next tier down"), generalized from
// the teacher's local/remote two-tier split to the full three-tier
// state machine and from the teacher's never-addressed duplicate-work
// problem to a golang.org/x/sync/singleflight-deduplicated ingest path.
package kvcache

import (
	"context"
	"fmt"
	"hash/crc32"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/infer"
	"github.com/databloom/snapllm/snaperr"
)

// Config constructs a Cache.
type Config struct {
	Store  *blobstore.Store
	Engine infer.Engine

	HotBudget  int64 // kv.budget.hot, device (host-staging) bytes
	WarmBudget int64 // kv.budget.warm, host bytes
	ColdBudget int64 // kv.budget.cold, disk bytes; recorded but not enforced: the cold tier is never evicted by size

	DefaultTTL       time.Duration // kv.default_ttl_seconds
	ScoreWeights     ScoreWeights
	MaxContentTokens int // 0 = unlimited

	Logger *slog.Logger
}

// Cache is the tiered K/V-context cache.
type Cache struct {
	store  *blobstore.Store
	engine infer.Engine
	log    *slog.Logger

	hotBudget, warmBudget, coldBudget int64
	defaultTTL                       time.Duration
	weights                          ScoreWeights
	maxContentTokens                 int

	sf singleflight.Group

	mu          sync.Mutex
	descriptors map[string]*Descriptor  // context_id -> descriptor
	fpIndex     map[string]string       // fingerprint -> context_id
	hotBuf      map[string]*tierBuffers // context_id -> buffers, tier == Hot
	warmBuf     map[string]*tierBuffers // context_id -> buffers, tier == Warm
	hotUsed     int64
	warmUsed    int64

	locksMu sync.Mutex
	locks   map[string]*sync.RWMutex

	cacheHits   int64
	cacheMisses int64
}

// New constructs a Cache backed by store and engine.
func New(cfg Config) *Cache {
	weights := cfg.ScoreWeights
	if weights == (ScoreWeights{}) {
		weights = DefaultScoreWeights()
	}
	ttl := cfg.DefaultTTL
	if ttl == 0 {
		ttl = 24 * time.Hour
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		store:            cfg.Store,
		engine:           cfg.Engine,
		log:              logger,
		hotBudget:        cfg.HotBudget,
		warmBudget:       cfg.WarmBudget,
		coldBudget:       cfg.ColdBudget,
		defaultTTL:       ttl,
		weights:          weights,
		maxContentTokens: cfg.MaxContentTokens,
		descriptors:      make(map[string]*Descriptor),
		fpIndex:          make(map[string]string),
		hotBuf:           make(map[string]*tierBuffers),
		warmBuf:          make(map[string]*tierBuffers),
		locks:            make(map[string]*sync.RWMutex),
	}
}

func (c *Cache) lockFor(id string) *sync.RWMutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[id]
	if !ok {
		l = &sync.RWMutex{}
		c.locks[id] = l
	}
	return l
}

// Ingest computes (or reuses) K/V tensors for contentTokens under
// modelKey, returning a context_id. Concurrent Ingest calls with an
// identical fingerprint collapse to a single INFER.Prefill, per
// spec.md §4.3 step 3 / §9's single-flight testable property.
func (c *Cache) Ingest(ctx context.Context, handle infer.Handle, modelKey, domain, quantScheme string, contentTokens []int32, opts IngestOpts) (IngestStats, error) {
	if opts.TTL < 0 {
		return IngestStats{}, snaperr.New("kvcache.ingest", snaperr.KindInvalid, "", fmt.Errorf("negative ttl"))
	}
	if c.maxContentTokens > 0 && len(contentTokens) > c.maxContentTokens {
		return IngestStats{}, snaperr.New("kvcache.ingest", snaperr.KindInvalid, "", fmt.Errorf("content exceeds context window"))
	}
	priority := opts.Priority
	if priority == Pending {
		priority = Hot
	}

	fp := fingerprint(modelKey, domain, quantScheme, contentTokens)

	c.mu.Lock()
	if id, ok := c.fpIndex[fp]; ok {
		if d, ok := c.descriptors[id]; ok && d.Tier != Pending && d.Tier != Removed {
			c.touchLocked(d)
			tier := d.Tier
			c.cacheHits++
			c.mu.Unlock()
			return IngestStats{ContextID: id, CacheHit: true, Tier: tier}, nil
		}
	}
	c.mu.Unlock()

	result, err, _ := c.sf.Do(fp, func() (interface{}, error) {
		return c.doIngest(ctx, handle, modelKey, domain, fp, contentTokens, priority, opts)
	})
	if err != nil {
		return IngestStats{}, err
	}
	stats := result.(IngestStats)
	return stats, nil
}

func (c *Cache) doIngest(ctx context.Context, handle infer.Handle, modelKey, domain, fp string, contentTokens []int32, priority Tier, opts IngestOpts) (IngestStats, error) {
	// Re-check: a prior singleflight call for this fingerprint may have
	// completed between our first unlocked check and acquiring the
	// flight.
	c.mu.Lock()
	if id, ok := c.fpIndex[fp]; ok {
		if d, ok := c.descriptors[id]; ok && d.Tier != Pending && d.Tier != Removed {
			c.touchLocked(d)
			c.cacheHits++
			c.mu.Unlock()
			return IngestStats{ContextID: id, CacheHit: true, Tier: d.Tier}, nil
		}
	}
	c.cacheMisses++
	id := uuid.NewString()
	ttl := opts.TTL
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	desc := &Descriptor{
		ContextID:    id,
		Fingerprint:  fp,
		ModelKey:     modelKey,
		Domain:       domain,
		CreatedAt:    time.Now(),
		LastAccessed: time.Now(),
		TTLDeadline:  time.Now().Add(ttl),
		Tier:         Pending,
		Name:         opts.Name,
	}
	c.descriptors[id] = desc
	c.fpIndex[fp] = id
	c.mu.Unlock()

	kv, err := c.engine.Prefill(ctx, handle, contentTokens)
	if err != nil {
		c.mu.Lock()
		delete(c.descriptors, id)
		delete(c.fpIndex, fp)
		c.mu.Unlock()
		return IngestStats{}, snaperr.New("kvcache.ingest", snaperr.KindUnavailable, id, err)
	}

	buf := &tierBuffers{keys: kv.Keys, values: kv.Values}
	size := buf.sizeBytes()
	checksum := checksumBuffers(buf)

	c.mu.Lock()
	desc.NumLayers = kv.NumLayers
	desc.NumHeads = kv.NumHeads
	desc.HeadDim = kv.HeadDim
	desc.SequenceLength = kv.SeqLen
	desc.SizeBytes = size
	desc.Checksum = checksum
	c.mu.Unlock()

	if err := c.placeLocked(id, desc, buf, priority); err != nil {
		c.mu.Lock()
		delete(c.descriptors, id)
		delete(c.fpIndex, fp)
		c.mu.Unlock()
		return IngestStats{}, err
	}

	return IngestStats{ContextID: id, CacheHit: false, Tier: priority}, nil
}

// placeLocked installs buf for id at the requested tier, persisting to
// BlobStore for Cold and running eviction if the target tier overflows.
// Must be called without c.mu held.
func (c *Cache) placeLocked(id string, desc *Descriptor, buf *tierBuffers, tier Tier) error {
	switch tier {
	case Hot, Warm:
		c.mu.Lock()
		if tier == Hot {
			c.hotBuf[id] = buf
			c.hotUsed += buf.sizeBytes()
		} else {
			c.warmBuf[id] = buf
			c.warmUsed += buf.sizeBytes()
		}
		desc.Tier = tier
		c.mu.Unlock()
		c.evictTier(tier)
		return nil
	case Cold:
		if err := c.writeColdBlob(id, desc, buf); err != nil {
			return err
		}
		c.mu.Lock()
		desc.Tier = Cold
		c.mu.Unlock()
		return nil
	default:
		return snaperr.New("kvcache.ingest", snaperr.KindInvalid, id, fmt.Errorf("unknown priority tier %v", tier))
	}
}

func checksumBuffers(buf *tierBuffers) uint32 {
	crc := crc32.NewIEEE()
	for _, k := range buf.keys {
		crc.Write(k)
	}
	for _, v := range buf.values {
		crc.Write(v)
	}
	return crc.Sum32()
}

// Query restores context_id's K/V tensors (promoting tier if
// opts.Priority requests it) and hands them to INFER.ContinueFromKV.
func (c *Cache) Query(ctx context.Context, handle infer.Handle, contextID string, queryTokens []int32, opts QueryOpts) (<-chan int32, error) {
	lock := c.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	desc, ok := c.descriptors[contextID]
	if !ok || desc.Tier == Removed {
		c.cacheMisses++
		c.mu.Unlock()
		return nil, snaperr.New("kvcache.query", snaperr.KindNotFound, contextID, nil)
	}
	if desc.Tier == Pending {
		c.mu.Unlock()
		return nil, snaperr.New("kvcache.query", snaperr.KindBusy, contextID, nil)
	}
	if desc.expired(time.Now()) {
		c.mu.Unlock()
		c.removeLocked(contextID)
		return nil, snaperr.New("kvcache.query", snaperr.KindNotFound, contextID, fmt.Errorf("ttl expired"))
	}
	c.mu.Unlock()

	if opts.Priority != Pending && opts.Priority != desc.Tier {
		// promote takes the per-context lock itself.
		lock.Unlock()
		err := c.promote(contextID, opts.Priority)
		lock.Lock()
		if err != nil {
			return nil, err
		}
	}

	kv, err := c.restoreKV(contextID)
	if err != nil {
		return nil, err
	}

	stream, err := c.engine.ContinueFromKV(ctx, handle, kv, queryTokens)
	if err != nil {
		return nil, snaperr.New("kvcache.query", snaperr.KindUnavailable, contextID, err)
	}

	c.mu.Lock()
	c.touchLocked(desc)
	c.cacheHits++
	c.mu.Unlock()

	return stream, nil
}

// restoreKV returns the K/V tensors for contextID without changing its
// persisted tier: Hot/Warm read in-memory buffers directly; Cold reads
// and decodes the BlobStore entry transiently (spec.md §4.3 step 2 —
// a bare read does not itself promote the tier, only explicit
// promote/opts.Priority does).
func (c *Cache) restoreKV(contextID string) (infer.KV, error) {
	c.mu.Lock()
	desc, ok := c.descriptors[contextID]
	if !ok {
		c.mu.Unlock()
		return infer.KV{}, snaperr.New("kvcache.query", snaperr.KindNotFound, contextID, nil)
	}
	tier := desc.Tier
	var buf *tierBuffers
	switch tier {
	case Hot:
		buf = c.hotBuf[contextID]
	case Warm:
		buf = c.warmBuf[contextID]
	}
	numLayers, numHeads, headDim, seqLen := desc.NumLayers, desc.NumHeads, desc.HeadDim, desc.SequenceLength
	c.mu.Unlock()

	if buf != nil {
		return infer.KV{Keys: buf.keys, Values: buf.values, NumLayers: numLayers, NumHeads: numHeads, HeadDim: headDim, SeqLen: seqLen}, nil
	}

	restored, err := c.readColdBlob(contextID)
	if err != nil {
		c.mu.Lock()
		c.removeLocked(contextID)
		c.mu.Unlock()
		return infer.KV{}, snaperr.New("kvcache.query", snaperr.KindCorrupt, contextID, err)
	}
	return infer.KV{Keys: restored.keys, Values: restored.values, NumLayers: numLayers, NumHeads: numHeads, HeadDim: headDim, SeqLen: seqLen}, nil
}

func (c *Cache) touchLocked(d *Descriptor) {
	d.LastAccessed = time.Now()
	d.AccessCount++
}

// Remove drops contextID's buffers, BlobStore entry and index entries.
// Safe to call concurrently with Query (guarded by the per-context
// lock) — subsequent Query/GetInfo return NotFound.
func (c *Cache) Remove(contextID string) error {
	lock := c.lockFor(contextID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(contextID)
}

func (c *Cache) removeLocked(contextID string) error {
	desc, ok := c.descriptors[contextID]
	if !ok {
		return snaperr.New("kvcache.remove", snaperr.KindNotFound, contextID, nil)
	}
	if buf, ok := c.hotBuf[contextID]; ok {
		c.hotUsed -= buf.sizeBytes()
		delete(c.hotBuf, contextID)
	}
	if buf, ok := c.warmBuf[contextID]; ok {
		c.warmUsed -= buf.sizeBytes()
		delete(c.warmBuf, contextID)
	}
	c.store.Remove(contextID)
	delete(c.fpIndex, desc.Fingerprint)
	delete(c.descriptors, contextID)
	return nil
}

// GetInfo returns a snapshot of contextID's descriptor.
func (c *Cache) GetInfo(contextID string) (Descriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	desc, ok := c.descriptors[contextID]
	if !ok || desc.Tier == Removed {
		return Descriptor{}, snaperr.New("kvcache.get_info", snaperr.KindNotFound, contextID, nil)
	}
	return *desc, nil
}

// List returns a snapshot of every non-removed descriptor.
func (c *Cache) List() []Descriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Descriptor, 0, len(c.descriptors))
	for _, d := range c.descriptors {
		out = append(out, *d)
	}
	return out
}
