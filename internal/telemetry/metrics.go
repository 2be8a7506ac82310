// Package telemetry exposes Prometheus counters for the marketplace
// engine. Counters are registered once at package init via promauto and
// shared process-wide.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "taskmarket"

var (
	TasksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_created_total",
		Help:      "Tasks posted to the marketplace.",
	})

	TasksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tasks_expired_total",
		Help:      "Open tasks cancelled by the expiry sweep.",
	})

	BidsSubmitted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bids_submitted_total",
		Help:      "Bids accepted into pending state.",
	})

	AcceptConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "bid_accept_conflicts_total",
		Help:      "Bid acceptances lost to a concurrent accept on the same task.",
	})

	EscrowHeld = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_held_total",
		Help:      "Escrow payments captured and held.",
	})

	EscrowCaptureFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_capture_failures_total",
		Help:      "Gateway captures that failed.",
	})

	PaymentsReleased = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_released_total",
		Help:      "Escrow payments released to providers, by trigger.",
	}, []string{"trigger"})

	PaymentsRefunded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payments_refunded_total",
		Help:      "Escrow payments refunded to clients.",
	})

	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sweep_runs_total",
		Help:      "Background sweep executions, by outcome.",
	}, []string{"outcome"})
)
