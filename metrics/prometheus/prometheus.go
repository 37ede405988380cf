// Package prometheus implements metrics.Metrics with Prometheus collectors.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/meigma/readahead/metrics"
)

// Metrics is the Prometheus implementation of metrics.Metrics.
type Metrics struct {
	cacheLookups *prometheus.CounterVec
	originReads  *prometheus.CounterVec
	originBytes  prometheus.Counter
	originTime   *prometheus.HistogramVec
	waitTime     prometheus.Histogram
	waitTotal    prometheus.Counter
	queueDepth   prometheus.Gauge
}

var _ metrics.Metrics = (*Metrics)(nil)

// New registers the read-ahead collectors with reg and returns them.
// A nil reg registers with prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readahead_cache_lookups_total",
				Help: "Block cache lookups by the prefetch worker, by result",
			},
			[]string{"result"}, // "hit", "miss"
		),
		originReads: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "readahead_origin_reads_total",
				Help: "Origin reads by source and status",
			},
			[]string{"source", "status"}, // source: "worker", "fallback"; status: "ok", "error"
		),
		originBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "readahead_origin_read_bytes_total",
				Help: "Bytes read from the origin",
			},
		),
		originTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "readahead_origin_read_duration_milliseconds",
				Help: "Duration of origin reads in milliseconds",
				Buckets: []float64{
					0.1,  // 100us - page cache
					0.5,  // 500us
					1,    // 1ms - local disk
					5,    // 5ms
					10,   // 10ms
					50,   // 50ms - remote
					100,  // 100ms
					500,  // 500ms
					1000, // 1s
				},
			},
			[]string{"source"},
		),
		waitTime: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "readahead_wait_duration_milliseconds",
				Help:    "Time readers spent blocked waiting for prefetched blocks",
				Buckets: []float64{0.1, 1, 10, 50, 100, 500, 1000, 5000},
			},
		),
		waitTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "readahead_wait_seconds_total",
				Help: "Cumulative time readers spent blocked waiting for prefetched blocks",
			},
		),
		queueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "readahead_pending_blocks",
				Help: "Blocks waiting to be fetched by the prefetch worker",
			},
		),
	}
}

// ObserveCacheLookup records a block cache lookup.
func (m *Metrics) ObserveCacheLookup(hit bool) {
	if hit {
		m.cacheLookups.WithLabelValues("hit").Inc()
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ObserveOriginRead records an origin read.
func (m *Metrics) ObserveOriginRead(n int, d time.Duration, err error, fallback bool) {
	source := "worker"
	if fallback {
		source = "fallback"
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.originReads.WithLabelValues(source, status).Inc()
	m.originTime.WithLabelValues(source).Observe(float64(d.Microseconds()) / 1000)
	if err == nil {
		m.originBytes.Add(float64(n))
	}
}

// ObserveWait records reader wait time.
func (m *Metrics) ObserveWait(d time.Duration) {
	m.waitTime.Observe(float64(d.Microseconds()) / 1000)
	m.waitTotal.Add(d.Seconds())
}

// ObserveQueueDepth records the pending queue length.
func (m *Metrics) ObserveQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}
