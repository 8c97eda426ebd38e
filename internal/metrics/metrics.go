// Package metrics exposes the Prometheus instrumentation for the fetch
// pipeline: per-source request counters, fetch latency histograms, cache
// hit tracking, and task gauges. Each Registry owns its own Prometheus
// registry so independent engines (and tests) never collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Registry holds all klinefeed metric families.
type Registry struct {
	reg *prometheus.Registry

	// Fetch pipeline metrics
	FetchRequests *prometheus.CounterVec
	FetchDuration *prometheus.HistogramVec
	BarsMerged    *prometheus.CounterVec

	// Cache performance metrics
	CacheHits      *prometheus.CounterVec
	CacheMisses    *prometheus.CounterVec
	CacheHitRatio  prometheus.Gauge
	CacheEvictions *prometheus.CounterVec

	// Task manager metrics
	ActiveTasks prometheus.Gauge
	TaskRetries prometheus.Counter

	// Result quality metrics
	Gaps           prometheus.Counter
	PartialResults prometheus.Counter
}

// NewRegistry creates a registry with all klinefeed metrics registered.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		FetchRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinefeed_fetch_requests_total",
				Help: "Total fetch sub-range requests by source and result",
			},
			[]string{"source", "result"},
		),

		FetchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "klinefeed_fetch_duration_seconds",
				Help:    "Duration of sub-range fetches by source",
				Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"source"},
		),

		BarsMerged: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinefeed_bars_merged_total",
				Help: "Total records contributed to merged frames by source",
			},
			[]string{"source"},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinefeed_cache_hits_total",
				Help: "Total cache hits by tier",
			},
			[]string{"tier"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinefeed_cache_misses_total",
				Help: "Total cache misses by tier",
			},
			[]string{"tier"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "klinefeed_cache_hit_ratio",
				Help: "Current disk cache hit ratio (0.0 to 1.0)",
			},
		),

		CacheEvictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "klinefeed_cache_evictions_total",
				Help: "Total cache entries removed by reason",
			},
			[]string{"reason"},
		),

		ActiveTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "klinefeed_active_tasks",
				Help: "Number of sub-range tasks currently running",
			},
		),

		TaskRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "klinefeed_task_retries_total",
				Help: "Total sub-range task retries",
			},
		),

		Gaps: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "klinefeed_gaps_total",
				Help: "Total gaps reported in results",
			},
		),

		PartialResults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "klinefeed_partial_results_total",
				Help: "Total results returned with the partial flag set",
			},
		),
	}

	r.reg.MustRegister(
		r.FetchRequests,
		r.FetchDuration,
		r.BarsMerged,
		r.CacheHits,
		r.CacheMisses,
		r.CacheHitRatio,
		r.CacheEvictions,
		r.ActiveTasks,
		r.TaskRetries,
		r.Gaps,
		r.PartialResults,
	)

	return r
}

// FetchTimer tracks the duration of one sub-range fetch.
type FetchTimer struct {
	reg    *Registry
	source string
	start  time.Time
}

// StartFetchTimer begins timing a sub-range fetch for a source.
func (r *Registry) StartFetchTimer(source string) *FetchTimer {
	return &FetchTimer{reg: r, source: source, start: time.Now()}
}

// Stop records the fetch outcome and its duration.
func (t *FetchTimer) Stop(result string) {
	elapsed := time.Since(t.start)
	t.reg.FetchDuration.WithLabelValues(t.source).Observe(elapsed.Seconds())
	t.reg.FetchRequests.WithLabelValues(t.source, result).Inc()

	log.Debug().
		Str("source", t.source).
		Str("result", result).
		Dur("elapsed", elapsed).
		Msg("Fetch completed")
}

// RecordCacheHit records a hit for the given tier and refreshes the ratio.
func (r *Registry) RecordCacheHit(tier string) {
	r.CacheHits.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio()
}

// RecordCacheMiss records a miss for the given tier and refreshes the ratio.
func (r *Registry) RecordCacheMiss(tier string) {
	r.CacheMisses.WithLabelValues(tier).Inc()
	r.updateCacheHitRatio()
}

// RecordEviction records a cache entry removal by reason
// (expired, corrupt, orphan, explicit).
func (r *Registry) RecordEviction(reason string) {
	r.CacheEvictions.WithLabelValues(reason).Inc()
}

func (r *Registry) updateCacheHitRatio() {
	hits := r.counterValue(r.CacheHits, "disk")
	misses := r.counterValue(r.CacheMisses, "disk")
	if total := hits + misses; total > 0 {
		r.CacheHitRatio.Set(hits / total)
	}
}

func (r *Registry) counterValue(vec *prometheus.CounterVec, labels ...string) float64 {
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0
	}
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

// Handler returns the Prometheus scrape handler for this registry.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Snapshot gathers every family into a flat name → value map, with label
// pairs folded into the name. Used by the ops endpoint and tests.
func (r *Registry) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := r.reg.Gather()
	if err != nil {
		log.Warn().Err(err).Msg("Metrics gather failed")
		return out
	}
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			name := fam.GetName()
			for _, lp := range m.GetLabel() {
				name += "," + lp.GetName() + "=" + lp.GetValue()
			}
			switch fam.GetType() {
			case dto.MetricType_COUNTER:
				out[name] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[name] = m.GetGauge().GetValue()
			case dto.MetricType_HISTOGRAM:
				out[name+",stat=count"] = float64(m.GetHistogram().GetSampleCount())
				out[name+",stat=sum"] = m.GetHistogram().GetSampleSum()
			}
		}
	}
	return out
}
