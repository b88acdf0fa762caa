// Package metrics registers the settlement pipeline's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WithdrawRequestsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_withdraw_requests_created_total",
		Help: "Total number of withdraw requests created",
	})

	WithdrawRequestsCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_withdraw_requests_cancelled_total",
		Help: "Total number of withdraw requests cancelled",
	})

	ProofJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_proof_jobs_total",
			Help: "Proof jobs by terminal outcome",
		},
		[]string{"outcome"}, // ready, verify_failed, service_error
	)

	ProofDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "settlement_proof_duration_seconds",
		Help:    "Wall time from proof submission to terminal job status",
		Buckets: prometheus.ExponentialBuckets(10, 2, 10),
	})

	ChainSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_chain_submissions_total",
			Help: "Execute-withdraw broadcasts by chain and outcome",
		},
		[]string{"chain_id", "outcome"}, // confirmed, reverted, failed
	)

	ConfirmationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "settlement_confirmation_duration_seconds",
			Help:    "Time from broadcast to confirmation depth",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
		[]string{"chain_id"},
	)

	PayoutsExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_payouts_total",
			Help: "Payout executions by path and outcome",
		},
		[]string{"path", "outcome"}, // path: direct, multisig, fallback, timeout_claim
	)

	MultisigSignatures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_multisig_signatures_total",
		Help: "Operator signatures recorded on payout proposals",
	})

	SweepFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_sweep_flagged_total",
			Help: "Requests flagged retryable by the sweep, per stage",
		},
		[]string{"stage"}, // proof, submit, multisig
	)

	NullifierConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settlement_nullifier_conflicts_total",
		Help: "Nullifier spend attempts rejected by the unique constraint",
	})
)
