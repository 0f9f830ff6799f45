// Package observability — metrics.go
//
// Prometheus metrics for the script engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address; the default is loopback only.
//
// Metric naming convention: suderra_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - script_id labels are bounded by the operator-managed set of deployed
//     scripts, never by free-form sensor data.
//   - breaker state labels use the string state name (3 values max).

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the script engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Engine tick loop ─────────────────────────────────────────────────────

	// TicksTotal counts engine tick loop iterations.
	TicksTotal prometheus.Counter

	// TickDuration records how long one tick (trigger eval plus dispatch) took.
	TickDuration prometheus.Histogram

	// ScriptsTriggeredTotal counts trigger fires, by trigger kind.
	ScriptsTriggeredTotal *prometheus.CounterVec

	// ScriptsExecutedTotal counts completed Execute calls, by outcome.
	// Labels: outcome (success, failure)
	ScriptsExecutedTotal *prometheus.CounterVec

	// ActionsExecutedTotal counts dispatched actions, by action kind and outcome.
	ActionsExecutedTotal *prometheus.CounterVec

	// ScriptErrorStreak tracks the current consecutive-failure count per
	// script, for operator visibility ahead of the sticky-disable threshold.
	ScriptErrorStreak *prometheus.GaugeVec

	// ─── Safety envelope ──────────────────────────────────────────────────────

	// RateLimitRejectionsTotal counts executions rejected by the rate limiter.
	RateLimitRejectionsTotal *prometheus.CounterVec

	// LimitViolationsTotal counts envelope violations, by kind.
	LimitViolationsTotal *prometheus.CounterVec

	// ─── Conflict detection ───────────────────────────────────────────────────

	// ConflictsTotal counts detected write conflicts within a tick, by surface.
	ConflictsTotal *prometheus.CounterVec

	// DuplicateWritesTotal counts duplicate, non-conflicting writes within a tick.
	DuplicateWritesTotal prometheus.Counter

	// ─── Hardware actors ──────────────────────────────────────────────────────

	// BreakerState is 1 for the breaker's current state, 0 otherwise, keyed
	// by target and state.
	BreakerState *prometheus.GaugeVec

	// ModbusRequestDuration records request latency per device.
	ModbusRequestDuration *prometheus.HistogramVec

	// GPIOSimulated is 1 if the GPIO actor is running without real hardware.
	GPIOSimulated prometheus.Gauge

	// ─── Storage / audit ──────────────────────────────────────────────────────

	// ScriptsLoaded is the current number of scripts in storage.
	ScriptsLoaded prometheus.Gauge

	// AuditWriteLatency records bbolt write transaction latency.
	AuditWriteLatency prometheus.Histogram

	// ─── Agent ────────────────────────────────────────────────────────────────

	// AgentUptimeSeconds is the number of seconds since agent start.
	AgentUptimeSeconds prometheus.Gauge

	// startTime records when the agent started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all script engine Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		TicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "ticks_total",
			Help:      "Total engine tick loop iterations.",
		}),

		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one engine tick (trigger evaluation plus dispatch).",
			Buckets:   prometheus.DefBuckets,
		}),

		ScriptsTriggeredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "scripts_triggered_total",
			Help:      "Total trigger fires, by trigger kind.",
		}, []string{"trigger_kind"}),

		ScriptsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "scripts_executed_total",
			Help:      "Total completed script executions, by outcome.",
		}, []string{"outcome"}),

		ActionsExecutedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "actions_executed_total",
			Help:      "Total dispatched actions, by action kind and outcome.",
		}, []string{"action_kind", "outcome"}),

		ScriptErrorStreak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "suderra",
			Subsystem: "engine",
			Name:      "script_error_streak",
			Help:      "Current consecutive-failure count, by script id.",
		}, []string{"script_id"}),

		RateLimitRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "limits",
			Name:      "rate_limit_rejections_total",
			Help:      "Total executions rejected by the per-script rate limiter.",
		}, []string{"script_id"}),

		LimitViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "limits",
			Name:      "violations_total",
			Help:      "Total safety envelope violations, by kind.",
		}, []string{"kind"}),

		ConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "conflict",
			Name:      "conflicts_total",
			Help:      "Total detected write conflicts within a tick, by surface.",
		}, []string{"surface"}),

		DuplicateWritesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "suderra",
			Subsystem: "conflict",
			Name:      "duplicate_writes_total",
			Help:      "Total duplicate, non-conflicting writes observed within a tick.",
		}),

		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "suderra",
			Subsystem: "breaker",
			Name:      "state",
			Help:      "1 for the breaker's current state, 0 otherwise, by target and state.",
		}, []string{"target", "state"}),

		ModbusRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "suderra",
			Subsystem: "modbus",
			Name:      "request_duration_seconds",
			Help:      "Modbus request latency, by device.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"device"}),

		GPIOSimulated: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "suderra",
			Subsystem: "gpio",
			Name:      "simulated",
			Help:      "1 if the GPIO actor is running in simulation mode (no hardware chardev found).",
		}),

		ScriptsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "suderra",
			Subsystem: "storage",
			Name:      "scripts_loaded",
			Help:      "Current number of scripts in storage.",
		}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "suderra",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "bbolt write transaction latency for the audit ledger, in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "suderra",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	// Register all metrics with the dedicated registry.
	reg.MustRegister(
		m.TicksTotal,
		m.TickDuration,
		m.ScriptsTriggeredTotal,
		m.ScriptsExecutedTotal,
		m.ActionsExecutedTotal,
		m.ScriptErrorStreak,
		m.RateLimitRejectionsTotal,
		m.LimitViolationsTotal,
		m.ConflictsTotal,
		m.DuplicateWritesTotal,
		m.BreakerState,
		m.ModbusRequestDuration,
		m.GPIOSimulated,
		m.ScriptsLoaded,
		m.AuditWriteLatency,
		m.AgentUptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start uptime updater goroutine.
	go m.updateUptime(ctx)

	// Shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the AgentUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.AgentUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
