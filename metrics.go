package main

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tumorscan/tumor-analyzer/detections"
	"github.com/tumorscan/tumor-analyzer/storage"
)

const metricsNamespace = "tumor_analyzer"

type Metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	inference       prometheus.Histogram
	detectionsFound prometheus.Histogram
	cleanups        *prometheus.CounterVec
}

type poolReporter interface {
	PoolMetrics() (detections.PoolMetrics, int, bool)
}

func NewMetrics(detector Detector) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "Handled requests by endpoint and status code",
		}, []string{"endpoint", "code"}),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "detection_duration_seconds",
			Help:      "Time spent in the detection invoker per request",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		detectionsFound: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "detections_per_image",
			Help:      "Boxes found per analyzed image",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cleanups_total",
			Help:      "Post-response cleanups by result",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests,
		m.inference,
		m.detectionsFound,
		m.cleanups,
	)

	if pr, ok := detector.(poolReporter); ok {
		m.registerPool(pr)
	}
	return m
}

func (m *Metrics) registerPool(pr poolReporter) {
	gauge := func(name, help string, value func(detections.PoolMetrics, int) float64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "pool",
			Name:      name,
			Help:      help,
		}, func() float64 {
			pm, size, ok := pr.PoolMetrics()
			if !ok {
				return 0
			}
			return value(pm, size)
		})
	}

	m.registry.MustRegister(
		gauge("size", "Configured model sessions", func(_ detections.PoolMetrics, size int) float64 { return float64(size) }),
		gauge("sessions_in_use", "Sessions currently running inference", func(pm detections.PoolMetrics, _ int) float64 { return float64(pm.InUse) }),
		gauge("acquired", "Sessions handed out since start", func(pm detections.PoolMetrics, _ int) float64 { return float64(pm.TotalAcquired) }),
		gauge("discarded", "Sessions dropped after a failed run", func(pm detections.PoolMetrics, _ int) float64 { return float64(pm.TotalDiscarded) }),
		gauge("acquire_failures", "Acquire timeouts", func(pm detections.PoolMetrics, _ int) float64 { return float64(pm.AcquireFailures) }),
		gauge("wait_seconds", "Total time spent waiting for a session", func(pm detections.PoolMetrics, _ int) float64 { return pm.WaitTime.Seconds() }),
	)
}

func (m *Metrics) observeRequest(endpoint string, code int) {
	m.requests.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeDetection(d time.Duration, found int) {
	m.inference.Observe(d.Seconds())
	m.detectionsFound.Observe(float64(found))
}

func (m *Metrics) observeCleanup(r storage.CleanupResult) {
	result := "ok"
	if !r.OK() {
		result = "failed"
	}
	m.cleanups.WithLabelValues(result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
