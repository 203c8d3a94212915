package infer

import (
	"context"
	"sync"
	"sync/atomic"
)

// Fake is a deterministic Engine double for tests and the snapllm CLI
// (its default engine): it never runs real tensor math, but it is faithful
// to the contract's shapes and call-counting semantics (spec.md §9's
// testable properties reference counts like "INFER.prefill is called
// at most once").
type Fake struct {
	NumLayers int
	NumHeads  int
	HeadDim   int

	mu           sync.Mutex
	prefillCalls int64
	handles      map[Handle]bool
}

// NewFake constructs a Fake with a small, fixed tensor shape.
func NewFake() *Fake {
	return &Fake{NumLayers: 2, NumHeads: 4, HeadDim: 8, handles: make(map[Handle]bool)}
}

type fakeHandle struct {
	modelKey string
}

func (f *Fake) LoadFromView(ctx context.Context, view ResidentViewLike) (Handle, error) {
	h := &fakeHandle{}
	f.mu.Lock()
	f.handles[h] = true
	f.mu.Unlock()
	return h, nil
}

func (f *Fake) Prefill(ctx context.Context, handle Handle, tokens []int32) (KV, error) {
	atomic.AddInt64(&f.prefillCalls, 1)
	kv := KV{
		Keys:      make([][]byte, f.NumLayers),
		Values:    make([][]byte, f.NumLayers),
		NumLayers: f.NumLayers,
		NumHeads:  f.NumHeads,
		HeadDim:   f.HeadDim,
		SeqLen:    len(tokens),
	}
	rowBytes := f.NumHeads * f.HeadDim * len(tokens) * 2 // fp16
	for l := 0; l < f.NumLayers; l++ {
		kv.Keys[l] = make([]byte, rowBytes)
		kv.Values[l] = make([]byte, rowBytes)
		for i := range kv.Keys[l] {
			kv.Keys[l][i] = byte(i + l)
			kv.Values[l][i] = byte(i - l)
		}
	}
	return kv, nil
}

func (f *Fake) ContinueFromKV(ctx context.Context, handle Handle, kv KV, queryTokens []int32) (<-chan int32, error) {
	out := make(chan int32, len(queryTokens)+1)
	for _, t := range queryTokens {
		out <- t + 1
	}
	out <- -1 // eos sentinel
	close(out)
	return out, nil
}

func (f *Fake) Generate(ctx context.Context, handle Handle, tokens []int32, maxTokens int) (<-chan int32, error) {
	out := make(chan int32, maxTokens)
	for i := 0; i < maxTokens; i++ {
		out <- int32(i)
	}
	close(out)
	return out, nil
}

// PrefillCalls reports how many times Prefill actually ran — used by
// tests asserting single-flight dedup.
func (f *Fake) PrefillCalls() int64 {
	return atomic.LoadInt64(&f.prefillCalls)
}
