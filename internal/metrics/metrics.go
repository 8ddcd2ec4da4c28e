package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics holds all Prometheus metrics for the call layer. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Call metrics
	CallsTotal  *prometheus.CounterVec
	CallLatency prometheus.Histogram

	// Cache metrics
	CacheLookups       *prometheus.CounterVec
	CacheInvalidations prometheus.Counter
	DurableWriteDrops  prometheus.Counter

	// Dedup metrics
	DedupShared prometheus.Counter

	// Rate limiter metrics
	RateLimitWaits    prometheus.Counter
	RateLimitWaitTime prometheus.Histogram

	// Retry and failover metrics
	RetryAttempts  *prometheus.CounterVec
	Failovers      *prometheus.CounterVec
	NetworkStatus  prometheus.Gauge
	ActiveEndpoint prometheus.Gauge

	// Batch metrics
	BatchItems *prometheus.CounterVec

	// Invalidation feed metrics
	TransfersSeen prometheus.Counter
	FeedConnected prometheus.Gauge

	gatherer prometheus.Gatherer
	server   *http.Server
}

// New creates all metrics and registers them with reg. When reg also
// implements prometheus.Gatherer it backs the HTTP handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		CallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgate_calls_total",
				Help: "Total number of contract calls by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		CallLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callgate_call_latency_seconds",
				Help:    "End-to-end latency of contract calls including cache, retries and waits",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16), // 0.5ms to ~16s
			},
		),
		CacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgate_cache_lookups_total",
				Help: "Cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		CacheInvalidations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callgate_cache_invalidations_total",
				Help: "Total number of cache invalidation requests",
			},
		),
		DurableWriteDrops: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callgate_cache_durable_write_drops_total",
				Help: "Durable cache writes skipped because of errors or a full queue",
			},
		),
		DedupShared: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callgate_dedup_shared_total",
				Help: "Calls whose result was shared with identical in-flight calls",
			},
		),
		RateLimitWaits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callgate_rate_limit_waits_total",
				Help: "Number of times a caller was delayed by the rate limiter",
			},
		),
		RateLimitWaitTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "callgate_rate_limit_wait_seconds",
				Help:    "Time callers spent waiting for the rate window to reset",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
		),
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgate_retry_attempts_total",
				Help: "Failed attempts by error kind",
			},
			[]string{"kind"},
		),
		Failovers: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgate_failovers_total",
				Help: "Endpoint failover attempts by result",
			},
			[]string{"result"},
		),
		NetworkStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callgate_network_status",
				Help: "Provider pool status (0=error, 1=connecting, 2=connected)",
			},
		),
		ActiveEndpoint: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callgate_active_endpoint",
				Help: "Ordinal of the active endpoint",
			},
		),
		BatchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "callgate_batch_items_total",
				Help: "Batch items by result",
			},
			[]string{"result"},
		),
		TransfersSeen: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "callgate_transfers_seen_total",
				Help: "Transfer events received by the invalidation feed",
			},
		),
		FeedConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "callgate_feed_connected",
				Help: "Invalidation feed WebSocket status (1=connected, 0=disconnected)",
			},
		),
	}

	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.CallsTotal,
		m.CallLatency,
		m.CacheLookups,
		m.CacheInvalidations,
		m.DurableWriteDrops,
		m.DedupShared,
		m.RateLimitWaits,
		m.RateLimitWaitTime,
		m.RetryAttempts,
		m.Failovers,
		m.NetworkStatus,
		m.ActiveEndpoint,
		m.BatchItems,
		m.TransfersSeen,
		m.FeedConnected,
	)

	m.gatherer = prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		m.gatherer = g
	}

	return m
}

// StartServer starts the HTTP server for Prometheus metrics.
func (m *Metrics) StartServer(port int, path string) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		log.Info().Int("port", port).Str("path", path).Msg("Starting metrics server")
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	return nil
}

// Shutdown gracefully stops the metrics server.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m != nil && m.server != nil {
		return m.server.Shutdown(ctx)
	}
	return nil
}

// RecordCall counts a finished call and its latency.
func (m *Metrics) RecordCall(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues(method, outcome).Inc()
	m.CallLatency.Observe(d.Seconds())
}

// RecordCacheLookup counts a lookup on the given tier.
func (m *Metrics) RecordCacheLookup(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(tier, result).Inc()
}

// RecordInvalidation increments the invalidation counter.
func (m *Metrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.CacheInvalidations.Inc()
}

// RecordDurableDrop increments the skipped durable write counter.
func (m *Metrics) RecordDurableDrop() {
	if m == nil {
		return
	}
	m.DurableWriteDrops.Inc()
}

// RecordDedupShared increments the shared in-flight call counter.
func (m *Metrics) RecordDedupShared() {
	if m == nil {
		return
	}
	m.DedupShared.Inc()
}

// RecordRateLimitWait records a limiter delay.
func (m *Metrics) RecordRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaits.Inc()
	m.RateLimitWaitTime.Observe(d.Seconds())
}

// RecordRetry counts a failed attempt by kind.
func (m *Metrics) RecordRetry(kind string) {
	if m == nil {
		return
	}
	m.RetryAttempts.WithLabelValues(kind).Inc()
}

// RecordFailover counts a failover attempt.
func (m *Metrics) RecordFailover(switched bool) {
	if m == nil {
		return
	}
	if switched {
		m.Failovers.WithLabelValues("switched").Inc()
	} else {
		m.Failovers.WithLabelValues("failed").Inc()
	}
}

// SetNetworkStatus sets the pool status gauge.
func (m *Metrics) SetNetworkStatus(status int) {
	if m == nil {
		return
	}
	m.NetworkStatus.Set(float64(status))
}

// SetActiveEndpoint sets the active endpoint ordinal.
func (m *Metrics) SetActiveEndpoint(ordinal int) {
	if m == nil {
		return
	}
	m.ActiveEndpoint.Set(float64(ordinal))
}

// RecordBatchItem counts a settled batch item.
func (m *Metrics) RecordBatchItem(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.BatchItems.WithLabelValues("ok").Inc()
	} else {
		m.BatchItems.WithLabelValues("null").Inc()
	}
}

// RecordTransferSeen increments the transfer event counter.
func (m *Metrics) RecordTransferSeen() {
	if m == nil {
		return
	}
	m.TransfersSeen.Inc()
}

// SetFeedConnected sets the WebSocket connection status.
func (m *Metrics) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
}
