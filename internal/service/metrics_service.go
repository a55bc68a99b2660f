package service

import (
	"fmt"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsSnapshot is a compact view of process metrics for the health endpoint.
type MetricsSnapshot struct {
	RequestsTotal            uint64    `json:"requestsTotal"`
	AverageRequestDurationMs float64   `json:"averageRequestDurationMs"`
	RunsStarted              uint64    `json:"runsStarted"`
	RunsFinished             uint64    `json:"runsFinished"`
	ActiveRuns               int64     `json:"activeRuns"`
	TripsWritten             uint64    `json:"tripsWritten"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generatedAt"`
}

// MetricsService encapsulates Prometheus instrumentation and provides lightweight snapshots for API consumption.
type MetricsService struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec

	runsStarted      *prometheus.CounterVec
	runsFinished     *prometheus.CounterVec
	runDuration      *prometheus.HistogramVec
	activeRuns       prometheus.Gauge
	tripsWritten     prometheus.Counter
	unscheduledSlots *prometheus.CounterVec
	staleRetries     prometheus.Counter
	fatigueOverrides prometheus.Counter
	lockConflicts    prometheus.Counter
	cacheLookups     *prometheus.CounterVec
	cacheDuration    *prometheus.HistogramVec

	requestCount         uint64
	requestDurationTotal uint64
	runsStartedCount     uint64
	runsFinishedCount    uint64
	activeRunCount       int64
	tripsWrittenCount    uint64
}

// NewMetricsService registers core Prometheus collectors.
func NewMetricsService() *MetricsService {
	registry := prometheus.NewRegistry()

	requestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "Duration of HTTP requests in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	requestTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	runsStarted := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_started_total",
		Help: "Scheduling runs that began executing",
	}, []string{"mode"})

	runsFinished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_runs_finished_total",
		Help: "Scheduling runs that reached a terminal status",
	}, []string{"status"})

	runDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scheduler_run_duration_seconds",
		Help:    "Wall time of scheduling runs",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
	}, []string{"mode", "status"})

	activeRuns := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "scheduler_active_runs",
		Help: "Scheduling runs currently executing in this process",
	})

	tripsWritten := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_trips_written_total",
		Help: "Trip rows inserted or changed by scheduling runs",
	})

	unscheduledSlots := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_unscheduled_slots_total",
		Help: "Slots left unfilled, by reason",
	}, []string{"reason"})

	staleRetries := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_stale_retries_total",
		Help: "Slots retried because a resource changed during commit",
	})

	fatigueOverrides := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_fatigue_overrides_total",
		Help: "Trips staffed by high fatigue risk crew under override",
	})

	lockConflicts := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_depot_lock_conflicts_total",
		Help: "Run starts or clears refused because a depot was locked",
	})

	cacheLookups := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cache_lookups_total",
		Help: "Cache reads by result",
	}, []string{"result"})

	cacheDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cache_operation_duration_seconds",
		Help:    "Latency of cache reads and writes",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
	}, []string{"op"})

	goroutines := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "goroutines_total",
		Help: "Total number of goroutines",
	}, func() float64 {
		return float64(runtime.NumGoroutine())
	})

	registry.MustRegister(requestDuration, requestTotal, runsStarted, runsFinished, runDuration, activeRuns,
		tripsWritten, unscheduledSlots, staleRetries, fatigueOverrides, lockConflicts, cacheLookups, cacheDuration, goroutines)

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})

	return &MetricsService{
		registry:         registry,
		handler:          handler,
		requestDuration:  requestDuration,
		requestTotal:     requestTotal,
		runsStarted:      runsStarted,
		runsFinished:     runsFinished,
		runDuration:      runDuration,
		activeRuns:       activeRuns,
		tripsWritten:     tripsWritten,
		unscheduledSlots: unscheduledSlots,
		staleRetries:     staleRetries,
		fatigueOverrides: fatigueOverrides,
		lockConflicts:    lockConflicts,
		cacheLookups:     cacheLookups,
		cacheDuration:    cacheDuration,
	}
}

// Handler exposes the Prometheus HTTP handler.
func (m *MetricsService) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// RegisterQueueDepth exposes the run queue depth as a gauge.
func (m *MetricsService) RegisterQueueDepth(depth func() int) {
	if m == nil || depth == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "scheduler_queue_depth",
		Help: "Scheduling runs waiting or executing on the worker queue",
	}, func() float64 { return float64(depth()) }))
}

// ObserveHTTPRequest records request metrics and aggregates simple stats for snapshots.
func (m *MetricsService) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labelStatus := fmt.Sprintf("%d", status)
	m.requestDuration.WithLabelValues(method, path, labelStatus).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(method, path, labelStatus).Inc()
	atomic.AddUint64(&m.requestCount, 1)
	atomic.AddUint64(&m.requestDurationTotal, uint64(duration.Nanoseconds()))
}

// RunStarted counts a run entering running status.
func (m *MetricsService) RunStarted(mode string) {
	if m == nil {
		return
	}
	m.runsStarted.WithLabelValues(mode).Inc()
	m.activeRuns.Inc()
	atomic.AddUint64(&m.runsStartedCount, 1)
	atomic.AddInt64(&m.activeRunCount, 1)
}

// RunFinished records the terminal status and wall time of a run.
func (m *MetricsService) RunFinished(mode, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.runsFinished.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(mode, status).Observe(duration.Seconds())
	m.activeRuns.Dec()
	atomic.AddUint64(&m.runsFinishedCount, 1)
	atomic.AddInt64(&m.activeRunCount, -1)
}

// RecordCommit records the outcome of committing a run.
func (m *MetricsService) RecordCommit(written, staleRetried, overrides int, unscheduled map[string]int) {
	if m == nil {
		return
	}
	m.tripsWritten.Add(float64(written))
	m.staleRetries.Add(float64(staleRetried))
	m.fatigueOverrides.Add(float64(overrides))
	for reason, n := range unscheduled {
		m.unscheduledSlots.WithLabelValues(reason).Add(float64(n))
	}
	atomic.AddUint64(&m.tripsWrittenCount, uint64(written))
}

// LockConflict counts a refused start or clear.
func (m *MetricsService) LockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

// RecordCacheOperation counts a cache read as a hit or miss.
func (m *MetricsService) RecordCacheOperation(hit bool, duration time.Duration) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
	m.cacheDuration.WithLabelValues("get").Observe(duration.Seconds())
}

// ObserveCacheWrite records the latency of a cache write.
func (m *MetricsService) ObserveCacheWrite(duration time.Duration) {
	if m == nil {
		return
	}
	m.cacheDuration.WithLabelValues("set").Observe(duration.Seconds())
}

// Snapshot returns aggregated metrics suitable for the health endpoint.
func (m *MetricsService) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	requests := atomic.LoadUint64(&m.requestCount)
	reqDuration := atomic.LoadUint64(&m.requestDurationTotal)

	var avgRequestMs float64
	if requests > 0 {
		avgRequestMs = float64(reqDuration) / float64(requests) / float64(time.Millisecond)
	}

	return MetricsSnapshot{
		RequestsTotal:            requests,
		AverageRequestDurationMs: avgRequestMs,
		RunsStarted:              atomic.LoadUint64(&m.runsStartedCount),
		RunsFinished:             atomic.LoadUint64(&m.runsFinishedCount),
		ActiveRuns:               atomic.LoadInt64(&m.activeRunCount),
		TripsWritten:             atomic.LoadUint64(&m.tripsWrittenCount),
		Goroutines:               runtime.NumGoroutine(),
		GeneratedAt:              time.Now().UTC(),
	}
}
