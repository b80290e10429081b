package internal

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

var (
	_ CacheMetrics  = (*cacheMetrics)(nil)
	_ CacheMetrics  = (*noCacheMetrics)(nil)
	_ GQLMetrics    = (*gqlMetrics)(nil)
	_ GQLMetrics    = (*noGQLMetrics)(nil)
	_ EngineMetrics = (*engineMetrics)(nil)
	_ EngineMetrics = (*noEngineMetrics)(nil)
)

// CacheMetrics defines the interface for collecting prometheus metrics for
// cache operations.
type CacheMetrics interface {
	CacheHitInc()
	CacheHitGet() int64
	CacheMissInc()
	CacheMissGet() int64
	CacheHitRatioGet() float64
}

type cacheMetrics struct {
	totals *prometheus.CounterVec
}

type noCacheMetrics struct{}

// GQLMetrics defines the interface for collecting prometheus metrics for
// GraphQL client operations.
type GQLMetrics interface {
	GQLObserve(op string, d time.Duration, ok bool)
}

type gqlMetrics struct {
	durations *prometheus.HistogramVec
	failures  *prometheus.CounterVec
}

type noGQLMetrics struct{}

// EngineMetrics defines the interface for collecting prometheus metrics for
// enrichment outcomes.
type EngineMetrics interface {
	EnrichmentInc(outcome string)
	EnrichmentGet(outcome string) int64
}

type engineMetrics struct {
	outcomes *prometheus.CounterVec
}

type noEngineMetrics struct{}

func newCacheMetrics(reg *prometheus.Registry) *cacheMetrics {
	totals := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "cache",
			Name:      "total",
			Help:      "Totals for cache system.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(totals)
	}
	return &cacheMetrics{totals: totals}
}

func newGQLMetrics(reg *prometheus.Registry) *gqlMetrics {
	durations := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "gql",
			Name:      "duration_seconds",
			Help:      "GraphQL operation latencies by operation.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)
	failures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "gql",
			Name:      "failures",
			Help:      "GraphQL operation failures by operation.",
		},
		[]string{"op"},
	)
	if reg != nil {
		reg.MustRegister(durations, failures)
	}
	return &gqlMetrics{durations: durations, failures: failures}
}

func newEngineMetrics(reg *prometheus.Registry) *engineMetrics {
	outcomes := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: _metricsNamespace,
			Subsystem: "engine",
			Name:      "enrichments",
			Help:      "Enrichment passes by outcome.",
		},
		[]string{"outcome"},
	)
	if reg != nil {
		reg.MustRegister(outcomes)
	}
	return &engineMetrics{outcomes: outcomes}
}

func (cm *cacheMetrics) CacheHitInc() {
	cm.totals.WithLabelValues("hits").Inc()
}

func (cm *cacheMetrics) CacheHitGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("hits").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) CacheMissInc() {
	cm.totals.WithLabelValues("misses").Inc()
}

func (cm *cacheMetrics) CacheMissGet() int64 {
	m := &dto.Metric{}
	err := cm.totals.WithLabelValues("misses").Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (cm *cacheMetrics) CacheHitRatioGet() float64 {
	hits := cm.CacheHitGet()
	misses := cm.CacheMissGet()
	if hits+misses == 0 {
		return 0.0
	}
	ratio := float64(hits) / float64(hits+misses)
	return ratio
}

func (cm *noCacheMetrics) CacheHitInc()              {}
func (cm *noCacheMetrics) CacheHitGet() int64        { return 0 }
func (cm *noCacheMetrics) CacheMissInc()             {}
func (cm *noCacheMetrics) CacheMissGet() int64       { return 0 }
func (cm *noCacheMetrics) CacheHitRatioGet() float64 { return 0.0 }

func (gm *gqlMetrics) GQLObserve(op string, d time.Duration, ok bool) {
	gm.durations.WithLabelValues(op).Observe(d.Seconds())
	if !ok {
		gm.failures.WithLabelValues(op).Inc()
	}
}

func (gm *noGQLMetrics) GQLObserve(string, time.Duration, bool) {}

func (em *engineMetrics) EnrichmentInc(outcome string) {
	em.outcomes.WithLabelValues(outcome).Inc()
}

func (em *engineMetrics) EnrichmentGet(outcome string) int64 {
	m := &dto.Metric{}
	err := em.outcomes.WithLabelValues(outcome).Write(m)
	if err != nil {
		return 0
	}
	return int64(m.GetCounter().GetValue())
}

func (em *noEngineMetrics) EnrichmentInc(string)       {}
func (em *noEngineMetrics) EnrichmentGet(string) int64 { return 0 }
