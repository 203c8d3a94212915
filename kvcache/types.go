package kvcache

import "time"

// Tier is the placement of a context's K/V tensors, per spec.md §3.
type Tier int

const (
	Pending Tier = iota
	Hot
	Warm
	Cold
	Removed
)

func (t Tier) String() string {
	switch t {
	case Pending:
		return "pending"
	case Hot:
		return "hot"
	case Warm:
		return "warm"
	case Cold:
		return "cold"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// tierBuffers holds one byte slice per layer for the K and V sides of
// a Hot or Warm context — the host-side staging area handed to INFER.continue_from_kv.
// "Hot" here is the host staging buffer, not device memory: SnapLLM
// does not own device memory (spec.md §11.3 11.8 boundary), INFER does.
type tierBuffers struct {
	keys   [][]byte
	values [][]byte
}

func (b *tierBuffers) sizeBytes() int64 {
	if b == nil {
		return 0
	}
	var n int64
	for _, k := range b.keys {
		n += int64(len(k))
	}
	for _, v := range b.values {
		n += int64(len(v))
	}
	return n
}

// Descriptor is the spec's KVContextBlob: everything known about one
// ingested context, independent of where its bytes currently live.
type Descriptor struct {
	ContextID   string
	Fingerprint string
	ModelKey    string
	Domain      string

	NumLayers      int
	NumHeads       int
	HeadDim        int
	SequenceLength int

	CreatedAt    time.Time
	LastAccessed time.Time
	AccessCount  int64
	TTLDeadline  time.Time

	Tier      Tier
	SizeBytes int64
	Checksum  uint32

	Name string // opts.name, for listing/debugging
}

func (d *Descriptor) expired(now time.Time) bool {
	return !d.TTLDeadline.IsZero() && now.After(d.TTLDeadline)
}

// IngestOpts configures Cache.Ingest.
type IngestOpts struct {
	TTL      time.Duration // 0 = use Config.DefaultTTL
	Priority Tier          // default Hot
	Name     string
}

// IngestStats reports what Ingest actually did.
type IngestStats struct {
	ContextID string
	CacheHit  bool // true if an existing context was reused, no prefill ran
	Tier      Tier
}

// QueryOpts configures Cache.Query.
type QueryOpts struct {
	Priority Tier // tier to promote to before querying; default: leave as-is
}

// Stats mirrors spec.md §4.3 "list / stats".
type Stats struct {
	HotContexts  int
	WarmContexts int
	ColdContexts int
	TotalBytes   int64
	CacheHits    int64
	CacheMisses  int64
	AvgQueryNS   int64 // not measured: Cache.Stats always leaves it zero
}

// ScoreWeights are the eviction score coefficients α, β, γ from
// spec.md §4.3 / §6 (`kv.score_weights`).
type ScoreWeights struct {
	Alpha float64 // recency
	Beta  float64 // frequency
	Gamma float64 // size penalty
}

// DefaultScoreWeights matches spec.md §6's documented defaults.
func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{Alpha: 1.0, Beta: 0.5, Gamma: 1e-9}
}

func (w ScoreWeights) score(now time.Time, d *Descriptor) float64 {
	recency := 1.0 / (1.0 + now.Sub(d.LastAccessed).Seconds())
	frequency := float64(d.AccessCount)
	size := float64(d.SizeBytes)
	return w.Alpha*recency + w.Beta*frequency - w.Gamma*size
}
