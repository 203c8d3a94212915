// Package coordinator provides the thin, synchronous orchestration
// layer a façade drives: one BlobStore, one WeightCache, one
// KVContextCache, one ModelRegistry, one PromptCache, wired together
// with no business logic of its own beyond plumbing and stats
// aggregation (spec.md §4.6).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/infer"
	"github.com/databloom/snapllm/kvcache"
	"github.com/databloom/snapllm/modelregistry"
	"github.com/databloom/snapllm/promptcache"
	"github.com/databloom/snapllm/snaperr"
	"github.com/databloom/snapllm/weightcache"
)

// Config constructs a Coordinator. WorkspaceRoot is the only required
// field; everything else has the defaults documented in spec.md §6.
type Config struct {
	WorkspaceRoot string

	BlobStoreCapacity int64
	Prefault          weightcache.PrefaultPolicy
	ValidationEnabled bool

	KVHotBudget, KVWarmBudget, KVColdBudget int64
	KVDefaultTTL                            time.Duration
	KVScoreWeights                          kvcache.ScoreWeights
	KVMaxContentTokens                      int

	// PromptCacheEnabled defaults to true (prompt_cache.enabled default
	// per spec.md §6) when left nil; pass a pointer to an explicit false
	// to start with the prompt cache disabled.
	PromptCacheEnabled  *bool
	PromptCacheMaxBytes int64

	Engine infer.Engine
	Logger *slog.Logger
}

// Coordinator orchestrates every cache the spec names behind one
// synchronous façade-facing API.
type Coordinator struct {
	store    *blobstore.Store
	weights  *weightcache.WeightCache
	contexts *kvcache.Cache
	registry *modelregistry.Registry
	prompts  *promptcache.Cache
	engine   infer.Engine
	log      *slog.Logger
	metrics  *metrics

	prefault weightcache.PrefaultPolicy
}

// New constructs a Coordinator and its owned caches.
func New(cfg Config) (*Coordinator, error) {
	if cfg.WorkspaceRoot == "" {
		return nil, snaperr.New("coordinator.new", snaperr.KindInvalid, "", fmt.Errorf("workspace_root is required"))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store, err := blobstore.New(blobstore.Config{Root: cfg.WorkspaceRoot, Capacity: cfg.BlobStoreCapacity})
	if err != nil {
		return nil, err
	}
	weights := weightcache.New(weightcache.Config{
		Store:          store,
		Prefault:       cfg.Prefault,
		ValidationMode: cfg.ValidationEnabled,
		Logger:         logger,
	})
	engine := cfg.Engine
	if engine == nil {
		engine = infer.NewFake()
	}
	contexts := kvcache.New(kvcache.Config{
		Store:            store,
		Engine:           engine,
		HotBudget:        cfg.KVHotBudget,
		WarmBudget:       cfg.KVWarmBudget,
		ColdBudget:       cfg.KVColdBudget,
		DefaultTTL:       cfg.KVDefaultTTL,
		ScoreWeights:     cfg.KVScoreWeights,
		MaxContentTokens: cfg.KVMaxContentTokens,
		Logger:           logger,
	})
	promptCacheEnabled := true
	if cfg.PromptCacheEnabled != nil {
		promptCacheEnabled = *cfg.PromptCacheEnabled
	}
	prompts := promptcache.New(promptcache.Config{
		Enabled:  promptCacheEnabled,
		MaxBytes: cfg.PromptCacheMaxBytes,
	})

	return &Coordinator{
		store:    store,
		weights:  weights,
		contexts: contexts,
		registry: modelregistry.New(),
		prompts:  prompts,
		engine:   engine,
		log:      logger,
		metrics:  newMetrics(),
		prefault: cfg.Prefault,
	}, nil
}

// Close releases owned resources.
func (c *Coordinator) Close() error {
	return c.store.Close()
}

// LoadModel opens sourcePath into a resident view (quantizing once if
// needed) and registers it under name. If cacheOnly is true and no
// canonical blob exists yet, it fails with NotFound rather than
// quantizing (spec.md §6 load_model inputs).
func (c *Coordinator) LoadModel(name, sourcePath string, cacheOnly bool, domain weightcache.Domain) (bool, error) {
	if cacheOnly {
		cached, err := c.weights.IsCached(sourcePath)
		if err != nil {
			return false, err
		}
		if !cached {
			return false, snaperr.New("coordinator.load_model", snaperr.KindNotFound, name, fmt.Errorf("cache_only: no cached blob for %s", sourcePath))
		}
	}

	before := c.weights.StatsSnapshot()
	view, err := c.weights.Open(name, sourcePath, domain)
	if err != nil {
		return false, err
	}
	after := c.weights.StatsSnapshot()

	if err := c.registry.Register(name, view); err != nil {
		view.Release()
		return false, err
	}

	c.metrics.weightCacheHits.Add(float64(after.Hits - before.Hits))
	c.metrics.weightCacheMisses.Add(float64(after.Misses - before.Misses))
	if after.Corruptions > before.Corruptions {
		c.metrics.corruptionsRecovered.Add(float64(after.Corruptions - before.Corruptions))
	}
	return true, nil
}

// SwitchModel atomically makes name the active model.
func (c *Coordinator) SwitchModel(name string) (bool, error) {
	start := time.Now()
	_, err := c.registry.Switch(name)
	if err != nil {
		return false, err
	}
	c.metrics.switchCount.Inc()
	c.metrics.switchLatencySeconds.Observe(time.Since(start).Seconds())
	return true, nil
}

// UnloadModel unregisters name, refusing if it is active. ModelRegistry
// only tracks resident-view bookkeeping, so the cascade-delete of
// name's KVContextCache entries is Coordinator's job (see
// modelregistry.Registry.Unregister's doc comment).
func (c *Coordinator) UnloadModel(name string) (bool, error) {
	if err := c.registry.Unregister(name); err != nil {
		return false, err
	}
	for _, d := range c.contexts.List() {
		if d.ModelKey == name {
			c.contexts.Remove(d.ContextID)
		}
	}
	c.refreshKVGauges()
	return true, nil
}

// Generate runs generation against the active model with no cache
// restore.
func (c *Coordinator) Generate(ctx context.Context, promptTokens []int32, maxTokens int) (<-chan int32, error) {
	view, epoch, err := c.registry.ActiveView()
	if err != nil {
		return nil, err
	}
	if hit, ok := c.prompts.Get(epoch, promptcache.PromptHash(promptTokens)); ok {
		return replayChan(hit), nil
	}

	handle, err := c.engine.LoadFromView(ctx, view.AsEngineView())
	if err != nil {
		return nil, snaperr.New("coordinator.generate", snaperr.KindUnavailable, view.ModelKey, err)
	}
	stream, err := c.engine.Generate(ctx, handle, promptTokens, maxTokens)
	if err != nil {
		return nil, snaperr.New("coordinator.generate", snaperr.KindUnavailable, view.ModelKey, err)
	}
	return c.cacheAndRelay(stream, epoch, promptTokens), nil
}

// GenerateBatch runs Generate once per prompt.
func (c *Coordinator) GenerateBatch(ctx context.Context, prompts [][]int32, maxTokens int) ([]<-chan int32, error) {
	out := make([]<-chan int32, len(prompts))
	for i, p := range prompts {
		stream, err := c.Generate(ctx, p, maxTokens)
		if err != nil {
			return nil, err
		}
		out[i] = stream
	}
	return out, nil
}

// IngestContext computes (or reuses) K/V tensors for contentTokens
// under the named model.
func (c *Coordinator) IngestContext(ctx context.Context, modelKey string, contentTokens []int32, opts kvcache.IngestOpts) (kvcache.IngestStats, error) {
	view, ok := c.registry.View(modelKey)
	if !ok {
		return kvcache.IngestStats{}, snaperr.New("coordinator.ingest_context", snaperr.KindNotFound, modelKey, nil)
	}
	handle, err := c.engine.LoadFromView(ctx, view.AsEngineView())
	if err != nil {
		return kvcache.IngestStats{}, snaperr.New("coordinator.ingest_context", snaperr.KindUnavailable, modelKey, err)
	}
	stats, err := c.contexts.Ingest(ctx, handle, modelKey, string(view.Domain), string(weightcache.SchemeQ8_0), contentTokens, opts)
	if err != nil {
		return kvcache.IngestStats{}, err
	}
	c.refreshKVGauges()
	return stats, nil
}

// QueryContext restores context_id's K/V tensors and resumes
// generation over queryTokens.
func (c *Coordinator) QueryContext(ctx context.Context, modelKey, contextID string, queryTokens []int32, opts kvcache.QueryOpts) (<-chan int32, error) {
	view, ok := c.registry.View(modelKey)
	if !ok {
		return nil, snaperr.New("coordinator.query_context", snaperr.KindNotFound, modelKey, nil)
	}
	handle, err := c.engine.LoadFromView(ctx, view.AsEngineView())
	if err != nil {
		return nil, snaperr.New("coordinator.query_context", snaperr.KindUnavailable, modelKey, err)
	}
	stream, err := c.contexts.Query(ctx, handle, contextID, queryTokens, opts)
	if err != nil {
		return nil, err
	}
	c.metrics.kvCacheHits.Inc()
	c.refreshKVGauges()
	return stream, nil
}

// PromoteContext promotes context_id to tier.
func (c *Coordinator) PromoteContext(contextID string, tier kvcache.Tier) error {
	if err := c.contexts.Promote(contextID, tier); err != nil {
		return err
	}
	c.refreshKVGauges()
	return nil
}

// DemoteContext demotes context_id to tier.
func (c *Coordinator) DemoteContext(contextID string, tier kvcache.Tier) error {
	if err := c.contexts.Demote(contextID, tier); err != nil {
		return err
	}
	c.refreshKVGauges()
	return nil
}

// ListContexts returns every non-removed context descriptor.
func (c *Coordinator) ListContexts() []kvcache.Descriptor {
	return c.contexts.List()
}

// Stats aggregates weight-cache, kv-cache and prompt-cache counters.
type Stats struct {
	WeightCache weightcache.Stats
	KVCache     kvcache.Stats
	PromptCache promptcache.Stats
}

// PrintCacheStats returns the aggregate stats snapshot (named after
// spec.md §6's print_cache_stats; the façade decides how to render it).
func (c *Coordinator) PrintCacheStats() Stats {
	return Stats{
		WeightCache: c.weights.StatsSnapshot(),
		KVCache:     c.contexts.Stats(),
		PromptCache: c.prompts.Stats(),
	}
}

// EnableCache toggles the prompt cache.
func (c *Coordinator) EnableCache(enabled bool) {
	c.prompts.SetEnabled(enabled)
}

// ClearCache empties the prompt cache.
func (c *Coordinator) ClearCache() {
	c.prompts.Clear()
}

func (c *Coordinator) refreshKVGauges() {
	s := c.contexts.Stats()
	c.metrics.kvHotContexts.Set(float64(s.HotContexts))
	c.metrics.kvWarmContexts.Set(float64(s.WarmContexts))
	c.metrics.kvColdContexts.Set(float64(s.ColdContexts))
}

// cacheAndRelay drains stream into a caller-facing channel while
// buffering tokens for PromptCache.Put once generation completes.
func (c *Coordinator) cacheAndRelay(stream <-chan int32, epoch uint64, promptTokens []int32) <-chan int32 {
	out := make(chan int32)
	go func() {
		defer close(out)
		var generated []int32
		for tok := range stream {
			generated = append(generated, tok)
			out <- tok
		}
		c.prompts.Put(epoch, promptcache.PromptHash(promptTokens), generated)
	}()
	return out
}

func replayChan(tokens []int32) <-chan int32 {
	out := make(chan int32, len(tokens))
	for _, t := range tokens {
		out <- t
	}
	close(out)
	return out
}
