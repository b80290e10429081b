package internal

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _metricsNamespace = "ax"

// _patternRE is used for stripping all `{...}` segments from the pattern
// to build a label.
var _patternRE = regexp.MustCompile(`\{[^/]+\}`)

// Metrics bundles the process registry with the per-consumer recorders the
// rest of the codebase depends on.
type Metrics struct {
	reg *prometheus.Registry

	Cache  CacheMetrics
	GQL    GQLMetrics
	Engine EngineMetrics
}

// NewMetrics creates a Prometheus registry with default collectors already
// registered, plus our domain counters.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: _metricsNamespace,
		}),
		collectors.NewBuildInfoCollector(),
	)

	return &Metrics{
		reg:    reg,
		Cache:  newCacheMetrics(reg),
		GQL:    newGQLMetrics(reg),
		Engine: newEngineMetrics(reg),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// InstrumentDB registers pool statistics and starts the entity-count poller.
func (m *Metrics) InstrumentDB(db *pgxpool.Pool) {
	newDBMetrics(db, m.reg)
}

// instrument wraps an HTTP handler to automatically record timing and status
// codes.
func instrument(reg *prometheus.Registry, next http.Handler) http.Handler {
	requests := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "requests",
			Help:      "HTTP request latencies by method & path",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 1.5, 2.0, 2.5, 5, 7.5, 10, 30, 60, 120},
		},
		[]string{"method", "path", "status"},
	)

	inflight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "http",
			Name:      "inflight",
			Help:      "Current number of inbound in-flight HTTP requests.",
		},
	)

	normalized := map[string]string{}

	reg.MustRegister(requests, inflight)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		inflight.Inc()
		defer inflight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path, ok := normalized[r.Pattern]
		if !ok {
			path = normalizePattern(r.Pattern)
			normalized[r.Pattern] = path
		}
		if path == "" {
			// Don't record traffic for unrecognized endpoints.
			return
		}

		duration := time.Since(start).Seconds()
		requests.WithLabelValues(r.Method, path, fmt.Sprint(ww.Status())).Observe(duration)
	})
}

type dbMetrics struct {
	gauge *prometheus.GaugeVec
}

func newDBMetrics(db *pgxpool.Pool, reg *prometheus.Registry) *dbMetrics {
	gauge := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: _metricsNamespace,
			Subsystem: "db",
			Name:      "total",
			Help:      "Counts of persisted objects by type.",
		},
		[]string{"type"},
	)
	if reg != nil {
		reg.MustRegister(gauge, pgxpoolprometheus.NewCollector(db, nil))
	}
	dbm := &dbMetrics{gauge: gauge}
	// Full-table counts are not cheap, so they refresh on a slow loop rather
	// than per scrape.
	go func() {
		ctx := context.Background()
		for {
			row := db.QueryRow(ctx, `
			  SELECT
				(SELECT count(*) FROM editions)       AS editions,
				(SELECT count(*) FROM authors)        AS authors,
				(SELECT count(*) FROM works)          AS works,
				(SELECT count(*) FROM external_ids)   AS crosswalk,
				(SELECT count(*) FROM enrichment_log) AS enrichments;
			`)
			var editions, authors, works, crosswalk, enrichments int64
			err := row.Scan(&editions, &authors, &works, &crosswalk, &enrichments)
			if err != nil {
				Log(ctx).Warn("problem collecting db stats", "err", err)
			} else {
				dbm.set("editions", editions)
				dbm.set("authors", authors)
				dbm.set("works", works)
				dbm.set("crosswalk", crosswalk)
				dbm.set("enrichments", enrichments)
			}
			time.Sleep(5 * time.Minute)
		}
	}()
	return dbm
}

func (dbm *dbMetrics) set(kind string, n int64) {
	dbm.gauge.WithLabelValues(kind).Set(float64(n))
}

// normalizePattern derives the constant label from the pattern:
//
//	"GET /editions/{isbn}" → "/editions"
//	"POST /isbns/check"    → "/isbns/check"
func normalizePattern(pattern string) string {
	// Patterns registered with a method carry it as a prefix.
	if _, path, found := strings.Cut(pattern, " "); found {
		pattern = path
	}
	p := _patternRE.ReplaceAllString(pattern, "")
	p = strings.TrimSuffix(p, "/")
	p = strings.ReplaceAll(p, "//", "/")
	return p
}
