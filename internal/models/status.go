package models

import "fmt"

// The three status axes of a withdraw request. Each axis is a closed enum
// with one transition table; every status write in the service layer goes
// through the corresponding Validate*Transition call, so an illegal
// transition can only be a programming error, never silent data drift.

// ProofStatus is the proof-generation axis.
type ProofStatus string

const (
	ProofStatusPending      ProofStatus = "pending"
	ProofStatusGenerating   ProofStatus = "generating"
	ProofStatusReady        ProofStatus = "ready"
	ProofStatusVerifyFailed ProofStatus = "verify_failed"
)

// ExecuteStatus is the on-chain execution axis.
type ExecuteStatus string

const (
	ExecuteStatusPending         ExecuteStatus = "pending"
	ExecuteStatusProofGenerating ExecuteStatus = "proof_generating"
	ExecuteStatusProofReady      ExecuteStatus = "proof_ready"
	ExecuteStatusSubmitting      ExecuteStatus = "submitting"
	ExecuteStatusSubmitted       ExecuteStatus = "submitted"
	ExecuteStatusConfirmed       ExecuteStatus = "confirmed"
	ExecuteStatusFailed          ExecuteStatus = "failed"
	ExecuteStatusCancelled       ExecuteStatus = "cancelled"
)

// PayoutStatus is the payout-execution axis.
type PayoutStatus string

const (
	PayoutStatusPending         PayoutStatus = "pending"
	PayoutStatusAwaitingQuorum  PayoutStatus = "awaiting_multisig"
	PayoutStatusExecuting       PayoutStatus = "executing"
	PayoutStatusCompleted       PayoutStatus = "completed"
	PayoutStatusFailed          PayoutStatus = "failed"
	PayoutStatusTimeoutClaimed  PayoutStatus = "timeout_claimed"
)

// Transition tables. Retry re-entries (failed -> submitting,
// verify_failed -> generating, failed -> awaiting/executing) are part of the
// tables: a retry re-enters a stage on the same row, it never mints a new
// identity.

var proofTransitions = map[ProofStatus][]ProofStatus{
	ProofStatusPending:      {ProofStatusGenerating},
	ProofStatusGenerating:   {ProofStatusReady, ProofStatusVerifyFailed},
	ProofStatusVerifyFailed: {ProofStatusGenerating}, // retry
	ProofStatusReady:        {},
}

var executeTransitions = map[ExecuteStatus][]ExecuteStatus{
	ExecuteStatusPending:         {ExecuteStatusProofGenerating, ExecuteStatusCancelled},
	ExecuteStatusProofGenerating: {ExecuteStatusProofReady, ExecuteStatusPending, ExecuteStatusCancelled},
	ExecuteStatusProofReady:      {ExecuteStatusSubmitting, ExecuteStatusCancelled},
	ExecuteStatusSubmitting:      {ExecuteStatusSubmitted, ExecuteStatusFailed},
	ExecuteStatusSubmitted:       {ExecuteStatusConfirmed, ExecuteStatusFailed},
	ExecuteStatusFailed:          {ExecuteStatusSubmitting, ExecuteStatusCancelled}, // retry
	ExecuteStatusConfirmed:       {},
	ExecuteStatusCancelled:       {},
}

// Every payout broadcast, including a timeout claim, holds the executing
// slot first; executing is the only state that may reach timeout_claimed.
var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending:        {PayoutStatusAwaitingQuorum, PayoutStatusExecuting},
	PayoutStatusAwaitingQuorum: {PayoutStatusExecuting, PayoutStatusFailed},
	PayoutStatusExecuting:      {PayoutStatusCompleted, PayoutStatusFailed, PayoutStatusTimeoutClaimed},
	PayoutStatusFailed:         {PayoutStatusAwaitingQuorum, PayoutStatusExecuting}, // retry / claim
	PayoutStatusCompleted:      {},
	PayoutStatusTimeoutClaimed: {},
}

// ValidateProofTransition checks a proof axis transition.
func ValidateProofTransition(from, to ProofStatus) error {
	return validate("proof", string(from), string(to), contains(proofTransitions[from], to))
}

// ValidateExecuteTransition checks an execute axis transition.
func ValidateExecuteTransition(from, to ExecuteStatus) error {
	return validate("execute", string(from), string(to), contains(executeTransitions[from], to))
}

// ValidatePayoutTransition checks a payout axis transition.
func ValidatePayoutTransition(from, to PayoutStatus) error {
	return validate("payout", string(from), string(to), contains(payoutTransitions[from], to))
}

func contains[T comparable](xs []T, x T) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func validate(axis, from, to string, ok bool) error {
	if ok {
		return nil
	}
	return fmt.Errorf("illegal %s transition %s -> %s", axis, from, to)
}
