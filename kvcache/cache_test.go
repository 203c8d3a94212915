package kvcache

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/databloom/snapllm/blobstore"
	"github.com/databloom/snapllm/infer"
	"github.com/databloom/snapllm/snaperr"
)

func newTestCache(t *testing.T) (*Cache, *infer.Fake) {
	t.Helper()
	store, err := blobstore.New(blobstore.Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	engine := infer.NewFake()
	c := New(Config{Store: store, Engine: engine, DefaultTTL: time.Hour})
	return c, engine
}

func tokens(n int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(i)
	}
	return out
}

func TestIngestThenReuseDoesNotReprefill(t *testing.T) {
	c, engine := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	s1, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if s1.CacheHit {
		t.Errorf("first ingest: CacheHit = true, want false")
	}
	if s1.Tier != Hot {
		t.Errorf("first ingest tier = %v, want Hot", s1.Tier)
	}

	s2, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest (repeat): %v", err)
	}
	if !s2.CacheHit {
		t.Errorf("repeat ingest: CacheHit = false, want true")
	}
	if s2.ContextID != s1.ContextID {
		t.Errorf("repeat ingest context_id = %s, want %s", s2.ContextID, s1.ContextID)
	}
	if engine.PrefillCalls() != 1 {
		t.Errorf("PrefillCalls = %d, want 1", engine.PrefillCalls())
	}
}

func TestConcurrentIngestSingleFlights(t *testing.T) {
	c, engine := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	const n = 16
	ids := make([]string, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			s, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(4), IngestOpts{})
			if err != nil {
				t.Errorf("Ingest[%d]: %v", i, err)
				return
			}
			ids[i] = s.ContextID
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if ids[i] != ids[0] {
			t.Errorf("context_id[%d] = %s, want %s (all concurrent ingests of identical content should share one id)", i, ids[i], ids[0])
		}
	}
	if engine.PrefillCalls() != 1 {
		t.Errorf("PrefillCalls = %d, want 1 (single-flight should collapse duplicate concurrent ingests)", engine.PrefillCalls())
	}
}

func TestQueryReturnsStreamAndUpdatesStats(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	s, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	stream, err := c.Query(ctx, h, s.ContextID, tokens(2), QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	var out []int32
	for tok := range stream {
		out = append(out, tok)
	}
	if len(out) == 0 {
		t.Error("Query: empty stream")
	}

	stats := c.Stats()
	if stats.HotContexts != 1 {
		t.Errorf("HotContexts = %d, want 1", stats.HotContexts)
	}
	if stats.CacheHits == 0 {
		t.Error("CacheHits = 0, want > 0")
	}
}

func TestTierDemotionUnderHotPressure(t *testing.T) {
	store, err := blobstore.New(blobstore.Config{Root: filepath.Join(t.TempDir(), "store")})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	engine := infer.NewFake()
	ctx := context.Background()
	h := &struct{}{}

	// Ingest the first context to learn its size, then reconfigure a
	// fresh cache whose hot budget is exactly that size — the second,
	// different-content ingest must then force the first out of Hot.
	probe := New(Config{Store: store, Engine: engine})
	firstStats, err := probe.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("probe Ingest: %v", err)
	}
	size := probe.List()[0].SizeBytes
	_ = firstStats

	store2, err := blobstore.New(blobstore.Config{Root: filepath.Join(t.TempDir(), "store2")})
	if err != nil {
		t.Fatalf("blobstore.New: %v", err)
	}
	t.Cleanup(func() { store2.Close() })
	c := New(Config{Store: store2, Engine: engine, HotBudget: size})

	s1, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest 1: %v", err)
	}
	// Give s1 a measurably older last-access time so the eviction score
	// deterministically picks it over the about-to-be-ingested s2.
	time.Sleep(20 * time.Millisecond)
	s2, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(9), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest 2: %v", err)
	}
	if s1.ContextID == s2.ContextID {
		t.Fatal("expected two distinct contexts for distinct content")
	}

	d1, err := c.GetInfo(s1.ContextID)
	if err != nil {
		t.Fatalf("GetInfo(s1): %v", err)
	}
	if d1.Tier != Warm {
		t.Errorf("first context tier = %v, want Warm (evicted by hot-budget pressure)", d1.Tier)
	}

	if _, err := c.Query(ctx, h, s1.ContextID, tokens(1), QueryOpts{}); err != nil {
		t.Errorf("Query(s1) after demotion: %v", err)
	}
}

func TestRemoveThenQueryNotFound(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	s, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := c.Remove(s.ContextID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := c.Query(ctx, h, s.ContextID, tokens(1), QueryOpts{}); !snaperr.Is(err, snaperr.KindNotFound) {
		t.Errorf("Query after Remove: err = %v, want NotFound", err)
	}
	if _, err := c.GetInfo(s.ContextID); !snaperr.Is(err, snaperr.KindNotFound) {
		t.Errorf("GetInfo after Remove: err = %v, want NotFound", err)
	}
}

func TestIngestWithPastTTLIsInvalid(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	_, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(4), IngestOpts{TTL: -time.Second})
	if !snaperr.Is(err, snaperr.KindInvalid) {
		t.Errorf("Ingest with negative TTL: err = %v, want Invalid", err)
	}
}

func TestDemoteToColdThenQueryRestoresFromBlob(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()
	h := &struct{}{}

	s, err := c.Ingest(ctx, h, "m1", "chat", "q8_0", tokens(8), IngestOpts{})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if err := c.Demote(s.ContextID, Cold); err != nil {
		t.Fatalf("Demote: %v", err)
	}
	d, err := c.GetInfo(s.ContextID)
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if d.Tier != Cold {
		t.Fatalf("tier after Demote = %v, want Cold", d.Tier)
	}

	stream, err := c.Query(ctx, h, s.ContextID, tokens(1), QueryOpts{})
	if err != nil {
		t.Fatalf("Query after cold demotion: %v", err)
	}
	count := 0
	for range stream {
		count++
	}
	if count == 0 {
		t.Error("Query after cold demotion: empty stream")
	}
}
