package cache

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "imgcache"

// Metrics holds the prometheus collectors of a Manager. A nil *Metrics
// records nothing.
type Metrics struct {
	hits        *prometheus.CounterVec
	misses      *prometheus.CounterVec
	evictions   *prometheus.CounterVec
	productions *prometheus.CounterVec
	loads       *prometheus.HistogramVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "hits_total",
			Help:      "Lookups answered by a cache level.",
		}, []string{"level"}),
		misses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "misses_total",
			Help:      "Lookups a cache level could not answer.",
		}, []string{"level"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "evictions_total",
			Help:      "Entries evicted by size pressure.",
		}, []string{"level"}),
		productions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "productions_total",
			Help:      "Producer invocations by stage and outcome.",
		}, []string{"stage", "outcome"}),
		loads: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "load_duration_seconds",
			Help:      "Load latency by the level that answered.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"source"}),
	}
	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.productions, m.loads)
	}
	return m
}

// registerSizes exports the current and maximum size of every store.
func (m *Metrics) registerSizes(reg prometheus.Registerer, mgr *Manager) {
	if m == nil || reg == nil {
		return
	}
	sized := map[CacheLevel]interface {
		Size() int64
		MaxSize() int64
	}{
		CacheLevelMemory:   mgr.memory,
		CacheLevelResult:   mgr.result,
		CacheLevelDownload: mgr.download,
	}
	for level, store := range sized {
		store := store
		reg.MustRegister(
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "size_bytes",
				Help:        "Bytes held by a cache level.",
				ConstLabels: prometheus.Labels{"level": level.String()},
			}, func() float64 { return float64(store.Size()) }),
			prometheus.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   metricsNamespace,
				Name:        "max_size_bytes",
				Help:        "Capacity of a cache level.",
				ConstLabels: prometheus.Labels{"level": level.String()},
			}, func() float64 { return float64(store.MaxSize()) }),
		)
	}
}

func (m *Metrics) lookup(level CacheLevel, hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.hits.WithLabelValues(level.String()).Inc()
	} else {
		m.misses.WithLabelValues(level.String()).Inc()
	}
}

func (m *Metrics) evicted(level CacheLevel) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(level.String()).Inc()
}

func (m *Metrics) produced(stage string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.productions.WithLabelValues(stage, outcome).Inc()
}

func (m *Metrics) observeLoad(source Source, seconds float64) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(source.String()).Observe(seconds)
}
