// Package infer defines the boundary between SnapLLM's core (vPID
// model cache, KV-context cache, coordinator) and the external tensor
// math engine that actually runs forward passes. Per spec.md §1, the
// kernels themselves are explicitly out of scope; this package names
// the contract INFER must satisfy and ships a deterministic fake for
// tests and the CLI.
package infer

import "context"

// Handle is an opaque engine-side reference to a loaded model, created
// by LoadFromView and passed back into every other call.
type Handle interface{}

// KV holds the per-layer key/value tensors produced by Prefill, in the
// layout spec.md §4.3 step 4 specifies: fp16 row-major,
// [layer, head, token, dim].
type KV struct {
	Keys   [][]byte // one slice per layer
	Values [][]byte // one slice per layer

	NumLayers int
	NumHeads  int
	HeadDim   int
	SeqLen    int
}

// Engine is the contract SnapLLM requires from the external inference
// engine (spec.md §6 Outbound).
type Engine interface {
	// LoadFromView attaches tensors from a resident view's mapped
	// directory and returns an engine-side handle.
	LoadFromView(ctx context.Context, view ResidentViewLike) (Handle, error)

	// Prefill runs the attention mechanism over tokens and returns the
	// resulting per-layer K/V tensors.
	Prefill(ctx context.Context, handle Handle, tokens []int32) (KV, error)

	// ContinueFromKV resumes generation from pre-populated attention
	// state, returning a channel of generated token ids.
	ContinueFromKV(ctx context.Context, handle Handle, kv KV, queryTokens []int32) (<-chan int32, error)

	// Generate runs plain generation with no cache restore.
	Generate(ctx context.Context, handle Handle, tokens []int32, maxTokens int) (<-chan int32, error)
}

// ResidentViewLike is the minimal surface LoadFromView needs from a
// weightcache.ResidentView, expressed as an interface so this package
// never imports weightcache (that would invert the dependency: the
// engine boundary should not know about the cache's internal types).
type ResidentViewLike interface {
	Tensor(name string) ([]byte, TensorInfo, bool)
}

// TensorInfo is the subset of a tensor-directory entry callers on the
// INFER side need.
type TensorInfo struct {
	DType uint16
	Shape []int
}
