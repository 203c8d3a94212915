package coordinator

import "github.com/prometheus/client_golang/prometheus"

// metrics holds every stat the Coordinator publishes, per spec.md §2's
// "publishes stats" responsibility and SPEC_FULL.md §11.6. Each
// Coordinator owns its own prometheus.Registry rather than registering
// into the global DefaultRegisterer — the teacher's pack-mate
// (matrixinfer-ai-kthena) uses promauto against the global registry,
// which is fine for a single long-lived process but would panic on
// duplicate registration the moment a test constructs a second
// Coordinator; spec.md §9 explicitly requires "no global mutable
// state... tests construct one [Coordinator] per case".
type metrics struct {
	registry *prometheus.Registry

	weightCacheHits   prometheus.Counter
	weightCacheMisses prometheus.Counter

	kvCacheHits     prometheus.Counter
	kvHotContexts   prometheus.Gauge
	kvWarmContexts  prometheus.Gauge
	kvColdContexts  prometheus.Gauge

	switchCount           prometheus.Counter
	switchLatencySeconds  prometheus.Histogram
	corruptionsRecovered  prometheus.Counter
}

func newMetrics() *metrics {
	reg := prometheus.NewRegistry()
	m := &metrics{
		registry: reg,
		weightCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapllm_weight_cache_hits_total",
			Help: "Weight blobs served from an existing mmap without requantization.",
		}),
		weightCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapllm_weight_cache_misses_total",
			Help: "Weight blobs that required quantization from source.",
		}),
		kvCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapllm_kv_cache_hits_total",
			Help: "KV-context queries served without a fresh prefill.",
		}),
		kvHotContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapllm_kv_hot_contexts",
			Help: "Number of KV contexts currently in the hot tier.",
		}),
		kvWarmContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapllm_kv_warm_contexts",
			Help: "Number of KV contexts currently in the warm tier.",
		}),
		kvColdContexts: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "snapllm_kv_cold_contexts",
			Help: "Number of KV contexts currently in the cold tier.",
		}),
		switchCount: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapllm_switch_count_total",
			Help: "Number of successful switch_model calls.",
		}),
		switchLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "snapllm_switch_latency_seconds",
			Help:    "switch_model latency distribution.",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		corruptionsRecovered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "snapllm_validation_corruptions_recovered_total",
			Help: "Weight blobs detected corrupt and regenerated from source.",
		}),
	}
	reg.MustRegister(
		m.weightCacheHits, m.weightCacheMisses,
		m.kvCacheHits, m.kvHotContexts, m.kvWarmContexts, m.kvColdContexts,
		m.switchCount, m.switchLatencySeconds, m.corruptionsRecovered,
	)
	return m
}

// Registry exposes the Coordinator's private Prometheus registry so a
// façade can mount /metrics against it.
func (c *Coordinator) Registry() *prometheus.Registry {
	return c.metrics.registry
}
