// Package observability — metrics.go
//
// Prometheus metrics for the linnix agent.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: linnix_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Labels use small, bounded value sets (event type, drop reason, status).
//   - PID is NOT used as a label (unbounded cardinality).
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the agent.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event feed ───────────────────────────────────────────────────────────

	// EventsProcessedTotal counts ring-buffer events successfully parsed, by
	// event type (exec, fork, exit, net, file_io, syscall, block_io,
	// page_fault).
	EventsProcessedTotal *prometheus.CounterVec

	// DroppedEventsTotal counts events dropped before reaching a window
	// summary. Labels: reason (partial_read, aggregator_backpressure).
	DroppedEventsTotal *prometheus.CounterVec

	// ─── Window aggregator ────────────────────────────────────────────────────

	WindowsProcessedTotal prometheus.Counter
	WindowsSkippedTotal   *prometheus.CounterVec // reason: empty, below_eps_gate

	// ─── Reasoning worker ─────────────────────────────────────────────────────

	// IlmEnabled reports whether the reasoner is currently able to produce
	// insights (1) or has disabled itself (0).
	IlmEnabled prometheus.Gauge

	// IlmDisabledReason mirrors the last disable reason as a label on a
	// single-sample gauge (value always 1 for the active reason). While the
	// reasoner is enabled the vector holds no samples at all.
	IlmDisabledReason *prometheus.GaugeVec

	InsightsEmittedTotal     prometheus.Counter
	IlmTimeoutsTotal         *prometheus.CounterVec // reason: timeout, request_failed
	IlmSchemaErrorsTotal     prometheus.Counter
	IlmFallbackInsightsTotal prometheus.Counter
	IlmAlertsTotal           prometheus.Counter

	// ─── Enforcement ──────────────────────────────────────────────────────────

	EnforcementProposedTotal *prometheus.CounterVec // source: llm, rules_engine
	EnforcementApprovedTotal *prometheus.CounterVec // approved_by
	EnforcementRejectedTotal prometheus.Counter
	EnforcementExpiredTotal  prometheus.Counter
	EnforcementExecutedTotal prometheus.Counter

	// ─── Incidents ────────────────────────────────────────────────────────────

	IncidentsRecordedTotal    prometheus.Counter
	IncidentStoreWriteLatency prometheus.Histogram

	// ─── Tag cache ────────────────────────────────────────────────────────────

	TagCacheHitsTotal   prometheus.Counter
	TagCacheMissesTotal prometheus.Counter
	TagFailuresTotal    prometheus.Counter

	// ─── Agent ────────────────────────────────────────────────────────────────

	AgentUptimeSeconds prometheus.Gauge

	startTime time.Time
}

// NewMetrics creates and registers all agent Prometheus metrics on a
// dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsProcessedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "events",
			Name:      "processed_total",
			Help:      "Total process events parsed from the ring buffer, by event type.",
		}, []string{"event_type"}),

		DroppedEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events dropped before window aggregation, by reason.",
		}, []string{"reason"}),

		WindowsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "window",
			Name:      "processed_total",
			Help:      "Total window ticks that produced a WindowSummary.",
		}),

		WindowsSkippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "window",
			Name:      "skipped_total",
			Help:      "Total window ticks skipped without producing a summary, by reason.",
		}, []string{"reason"}),

		IlmEnabled: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "enabled",
			Help:      "1 if the reasoning worker is currently able to produce insights, else 0.",
		}),

		IlmDisabledReason: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "disabled_reason",
			Help:      "1 for the active disable reason label; absent/0 otherwise.",
		}, []string{"reason"}),

		InsightsEmittedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "insights_emitted_total",
			Help:      "Total insights recorded in the insight store.",
		}),

		IlmTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "timeouts_total",
			Help:      "Total reasoner transport/timeout failures, by reason.",
		}, []string{"reason"}),

		IlmSchemaErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "schema_errors_total",
			Help:      "Total windows whose first insight response failed schema validation, whether or not the fix-up succeeded.",
		}),

		IlmFallbackInsightsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "fallback_insights_total",
			Help:      "Total times the last-known-good insight was re-emitted after validation failure.",
		}),

		IlmAlertsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "ilm",
			Name:      "alerts_total",
			Help:      "Total insights emitted with an alert-worthy classification.",
		}),

		EnforcementProposedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "enforcement",
			Name:      "proposed_total",
			Help:      "Total enforcement actions proposed, by source.",
		}, []string{"source"}),

		EnforcementApprovedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "enforcement",
			Name:      "approved_total",
			Help:      "Total enforcement actions approved, by approver.",
		}, []string{"approved_by"}),

		EnforcementRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "enforcement",
			Name:      "rejected_total",
			Help:      "Total enforcement actions rejected.",
		}),

		EnforcementExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "enforcement",
			Name:      "expired_total",
			Help:      "Total enforcement actions that expired before approval.",
		}),

		EnforcementExecutedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "enforcement",
			Name:      "executed_total",
			Help:      "Total enforcement actions executed.",
		}),

		IncidentsRecordedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "incidents",
			Name:      "recorded_total",
			Help:      "Total incidents inserted into the incident store.",
		}),

		IncidentStoreWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "linnix",
			Subsystem: "incidents",
			Name:      "store_write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds for the incident store.",
			Buckets:   prometheus.DefBuckets,
		}),

		TagCacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "tagcache",
			Name:      "hits_total",
			Help:      "Total command-name tag lookups served from cache.",
		}),

		TagCacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "tagcache",
			Name:      "misses_total",
			Help:      "Total command-name tag lookups that required an LLM call.",
		}),

		TagFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "linnix",
			Subsystem: "tagcache",
			Name:      "failures_total",
			Help:      "Total LLM tagging requests that failed transport or parsing.",
		}),

		AgentUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "linnix",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the agent started.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessedTotal,
		m.DroppedEventsTotal,
		m.WindowsProcessedTotal,
		m.WindowsSkippedTotal,
		m.IlmEnabled,
		m.IlmDisabledReason,
		m.InsightsEmittedTotal,
		m.IlmTimeoutsTotal,
		m.IlmSchemaErrorsTotal,
		m.IlmFallbackInsightsTotal,
		m.IlmAlertsTotal,
		m.EnforcementProposedTotal,
		m.EnforcementApprovedTotal,
		m.EnforcementRejectedTotal,
		m.EnforcementExpiredTotal,
		m.EnforcementExecutedTotal,
		m.IncidentsRecordedTotal,
		m.IncidentStoreWriteLatency,
		m.TagCacheHitsTotal,
		m.TagCacheMissesTotal,
		m.TagFailuresTotal,
		m.AgentUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails. Binds to addr
// (e.g. "127.0.0.1:9091") and serves GET /metrics and GET /healthz.
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

	go m.updateUptime(ctx)

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

// SetIlmDisabled updates the ilm_enabled gauge and disabled-reason label in
// one call. Every previously-set reason label is removed first; pass
// reason == "" to mark the reasoner enabled.
func (m *Metrics) SetIlmDisabled(reason string) {
	m.IlmDisabledReason.Reset()
	if reason == "" {
		m.IlmEnabled.Set(1)
		return
	}
	m.IlmEnabled.Set(0)
	m.IlmDisabledReason.WithLabelValues(reason).Set(1)
}

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
