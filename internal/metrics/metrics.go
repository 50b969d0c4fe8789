package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics is the process-wide counter set. It is constructed once per process
// and handed to the relay, the indexer, and the embedding provider explicitly;
// counters reset on restart and are scraped via /metrics.
type Metrics struct {
	// PublishAttempts counts relay publish attempts by stage and result
	// (stage="attempt", result="ok"|"error").
	PublishAttempts *prometheus.CounterVec

	// DLQ counts events routed to status=dead.
	DLQ prometheus.Counter

	// WorkerProcess counts consumer outcomes by result ("ok"|"retry"|"term"),
	// event type on success, and failure reason ("json"|"ratelimited"|"error").
	WorkerProcess *prometheus.CounterVec

	// ProviderCalls / ProviderErrors track downstream embedding-provider calls.
	ProviderCalls  *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
}

func New(r prometheus.Registerer) *Metrics {
	m := &Metrics{
		PublishAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_publish_attempts_total",
				Help: "Outbox relay publish attempts by stage and result",
			},
			[]string{"stage", "result"},
		),
		DLQ: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "outbox_dlq_total",
				Help: "Outbox events marked dead (terminal, manual intervention required)",
			},
		),
		WorkerProcess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "worker_process_total",
				Help: "Indexer message outcomes by result, event type and failure reason",
			},
			[]string{"result", "type", "reason"},
		),
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_calls_total",
				Help: "Embedding provider calls by provider and result",
			},
			[]string{"provider", "result"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Embedding provider call errors by provider",
			},
			[]string{"provider"},
		),
	}

	if r != nil {
		r.MustRegister(
			m.PublishAttempts,
			m.DLQ,
			m.WorkerProcess,
			m.ProviderCalls,
			m.ProviderErrors,
		)
	}

	return m
}

// Stage / result / reason label values, mirroring the documented contract.
const (
	StageAttempt = "attempt"

	ResultOK    = "ok"
	ResultError = "error"
	ResultRetry = "retry"
	ResultTerm  = "term"

	ReasonJSON        = "json"
	ReasonRateLimited = "ratelimited"
	ReasonError       = "error"
)
