// Package metrics 记录引擎各操作的 Prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎持有的指标集合，注册在自有 Registry 上，
// 由上层服务决定如何暴露。
type Metrics struct {
	registry *prometheus.Registry

	EmbeddingCacheHits   prometheus.Counter
	EmbeddingCalls       prometheus.Counter
	EmbeddingFailures    prometheus.Counter
	SearchesByStrategy   *prometheus.CounterVec
	SearchLatencySeconds prometheus.Histogram
	MemoriesStored       prometheus.Counter
	MaintenanceRuns      prometheus.Counter
	IndexRebuilds        prometheus.Counter
}

// New 创建并注册全部指标。
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		EmbeddingCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "embedding_cache_hits_total",
			Help: "Embedding requests served from cache.",
		}),
		EmbeddingCalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "embedding_provider_calls_total",
			Help: "Embedding requests issued to the provider.",
		}),
		EmbeddingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "embedding_provider_failures_total",
			Help: "Embedding provider calls failed after retries.",
		}),
		SearchesByStrategy: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "memflow", Name: "searches_total",
			Help: "Searches executed, by strategy.",
		}, []string{"strategy"}),
		SearchLatencySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "memflow", Name: "search_latency_seconds",
			Help:    "Similarity search latency.",
			Buckets: prometheus.DefBuckets,
		}),
		MemoriesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "memories_stored_total",
			Help: "Memories persisted by the processor.",
		}),
		MaintenanceRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "maintenance_runs_total",
			Help: "Maintenance cycles executed.",
		}),
		IndexRebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "memflow", Name: "index_rebuilds_total",
			Help: "Full vector index rebuilds.",
		}),
	}

	reg.MustRegister(
		m.EmbeddingCacheHits,
		m.EmbeddingCalls,
		m.EmbeddingFailures,
		m.SearchesByStrategy,
		m.SearchLatencySeconds,
		m.MemoriesStored,
		m.MaintenanceRuns,
		m.IndexRebuilds,
	)
	return m
}

// Registry 返回承载指标的 Registry。
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Nop 返回一个不对外暴露的指标集，用于测试。
func Nop() *Metrics { return New() }
