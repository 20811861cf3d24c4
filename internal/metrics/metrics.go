package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_events_ingested_total",
		Help: "Inbound events processed by the ledger engine, labelled by event type and outcome.",
	}, []string{"event", "outcome"})

	DuplicateEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_duplicate_events_total",
		Help: "Events short-circuited by the idempotency guard.",
	})

	VersionConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_version_conflicts_total",
		Help: "Optimistic lock conflicts retried internally.",
	})

	DisputesOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_disputes_opened_total",
		Help: "Disputes opened, labelled by reason.",
	}, []string{"reason"})

	WatchdogEscalations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "escrow_watchdog_escalations_total",
		Help: "Transactions escalated to DISPUTED by the inactivity watchdog.",
	})

	PayoutAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "escrow_payout_attempts_total",
		Help: "Payout dispatch attempts, labelled by resulting status.",
	}, []string{"status"})

	IngestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "escrow_ingest_duration_ms",
		Help:    "End-to-end event ingestion latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})
)
