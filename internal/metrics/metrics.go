// Package metrics defines the counters the server exposes and wires them to
// Prometheus when an exposition address is configured.
package metrics

import (
	"net/http"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kestrel"

// Metrics bundles every series the server records.
type Metrics struct {
	Connections     metrics.Counter
	ActiveSessions  metrics.Gauge
	Queued          metrics.Gauge
	Commands        metrics.Counter   // labels: verb, status
	CommandDuration metrics.Histogram // labels: verb
	LockWait        metrics.Histogram // labels: mode
	Deliveries      metrics.Counter   // labels: status
}

// NewDiscard returns metrics that record nothing.
func NewDiscard() *Metrics {
	return &Metrics{
		Connections:     discard.NewCounter(),
		ActiveSessions:  discard.NewGauge(),
		Queued:          discard.NewGauge(),
		Commands:        discard.NewCounter(),
		CommandDuration: discard.NewHistogram(),
		LockWait:        discard.NewHistogram(),
		Deliveries:      discard.NewCounter(),
	}
}

// NewPrometheus returns metrics registered with the default Prometheus
// registry.
func NewPrometheus() *Metrics {
	return &Metrics{
		Connections: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "connections_total",
			Help:      "Number of accepted IMAP connections.",
		}, []string{}),
		ActiveSessions: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "active_sessions",
			Help:      "Number of sessions currently served by a worker.",
		}, []string{}),
		Queued: prometheus.NewGaugeFrom(prom.GaugeOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "queued_connections",
			Help:      "Number of accepted connections waiting for a free worker.",
		}, []string{}),
		Commands: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "commands_total",
			Help:      "Number of dispatched commands by verb and completion status.",
		}, []string{"verb", "status"}),
		CommandDuration: prometheus.NewHistogramFrom(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "imap",
			Name:      "command_duration_seconds",
			Help:      "Time spent executing a command.",
			Buckets:   prom.DefBuckets,
		}, []string{"verb"}),
		LockWait: prometheus.NewHistogramFrom(prom.HistogramOpts{
			Namespace: namespace,
			Subsystem: "lock",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for mailbox access.",
			Buckets:   prom.DefBuckets,
		}, []string{"mode"}),
		Deliveries: prometheus.NewCounterFrom(prom.CounterOpts{
			Namespace: namespace,
			Subsystem: "lmtp",
			Name:      "deliveries_total",
			Help:      "Number of per-recipient LMTP deliveries by outcome.",
		}, []string{"status"}),
	}
}

// New returns Prometheus metrics when addr is set and discarding ones
// otherwise.
func New(addr string) *Metrics {
	if addr == "" {
		return NewDiscard()
	}
	return NewPrometheus()
}

// Serve exposes the default registry on addr under /metrics. It blocks
// until the listener fails.
func Serve(logger log.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	level.Info(logger).Log("msg", "serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		level.Error(logger).Log("msg", "metrics endpoint failed", "err", err)
		return err
	}
	return nil
}
