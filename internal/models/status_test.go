package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProofTransitions(t *testing.T) {
	allowed := [][2]ProofStatus{
		{ProofStatusPending, ProofStatusGenerating},
		{ProofStatusGenerating, ProofStatusReady},
		{ProofStatusGenerating, ProofStatusVerifyFailed},
		{ProofStatusVerifyFailed, ProofStatusGenerating}, // retry
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidateProofTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]ProofStatus{
		{ProofStatusPending, ProofStatusReady},
		{ProofStatusReady, ProofStatusGenerating},
		{ProofStatusReady, ProofStatusVerifyFailed},
		{ProofStatusVerifyFailed, ProofStatusReady},
	}
	for _, tr := range denied {
		assert.Error(t, ValidateProofTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestExecuteTransitions(t *testing.T) {
	allowed := [][2]ExecuteStatus{
		{ExecuteStatusPending, ExecuteStatusProofGenerating},
		{ExecuteStatusPending, ExecuteStatusCancelled},
		{ExecuteStatusProofGenerating, ExecuteStatusProofReady},
		{ExecuteStatusProofGenerating, ExecuteStatusPending}, // proof rejected
		{ExecuteStatusProofReady, ExecuteStatusSubmitting},
		{ExecuteStatusSubmitting, ExecuteStatusSubmitted},
		{ExecuteStatusSubmitting, ExecuteStatusFailed},
		{ExecuteStatusSubmitted, ExecuteStatusConfirmed},
		{ExecuteStatusSubmitted, ExecuteStatusFailed},
		{ExecuteStatusFailed, ExecuteStatusSubmitting}, // retry
		{ExecuteStatusFailed, ExecuteStatusCancelled},
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidateExecuteTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]ExecuteStatus{
		{ExecuteStatusPending, ExecuteStatusSubmitting},
		{ExecuteStatusPending, ExecuteStatusConfirmed},
		{ExecuteStatusSubmitting, ExecuteStatusCancelled}, // broadcast may have left already
		{ExecuteStatusSubmitted, ExecuteStatusCancelled},
		{ExecuteStatusConfirmed, ExecuteStatusFailed},
		{ExecuteStatusConfirmed, ExecuteStatusSubmitting},
		{ExecuteStatusCancelled, ExecuteStatusPending},
	}
	for _, tr := range denied {
		assert.Error(t, ValidateExecuteTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestPayoutTransitions(t *testing.T) {
	allowed := [][2]PayoutStatus{
		{PayoutStatusPending, PayoutStatusAwaitingQuorum},
		{PayoutStatusPending, PayoutStatusExecuting},
		{PayoutStatusAwaitingQuorum, PayoutStatusExecuting},
		{PayoutStatusExecuting, PayoutStatusCompleted},
		{PayoutStatusExecuting, PayoutStatusFailed},
		{PayoutStatusExecuting, PayoutStatusTimeoutClaimed}, // claim holds the executing slot
		{PayoutStatusFailed, PayoutStatusExecuting},         // retry
		{PayoutStatusFailed, PayoutStatusAwaitingQuorum},
	}
	for _, tr := range allowed {
		assert.NoError(t, ValidatePayoutTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	denied := [][2]PayoutStatus{
		// timeout_claimed is only reachable through the executing slot.
		{PayoutStatusPending, PayoutStatusTimeoutClaimed},
		{PayoutStatusAwaitingQuorum, PayoutStatusTimeoutClaimed},
		{PayoutStatusFailed, PayoutStatusTimeoutClaimed},
		{PayoutStatusCompleted, PayoutStatusExecuting},
		{PayoutStatusCompleted, PayoutStatusFailed},
		{PayoutStatusTimeoutClaimed, PayoutStatusExecuting},
		{PayoutStatusTimeoutClaimed, PayoutStatusCompleted},
	}
	for _, tr := range denied {
		assert.Error(t, ValidatePayoutTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestCanCancel(t *testing.T) {
	w := &WithdrawRequest{
		ProofStatus:   ProofStatusPending,
		ExecuteStatus: ExecuteStatusPending,
		PayoutStatus:  PayoutStatusPending,
	}
	assert.True(t, w.CanCancel())

	// A rejected proof resets the execute axis, so cancel stays possible.
	w.ProofStatus = ProofStatusVerifyFailed
	assert.True(t, w.CanCancel())

	// Once submission starts the money may move; no cancel.
	w.ProofStatus = ProofStatusReady
	w.ExecuteStatus = ExecuteStatusSubmitting
	assert.False(t, w.CanCancel())

	// Once payout begins, never.
	w.ExecuteStatus = ExecuteStatusPending
	w.PayoutStatus = PayoutStatusExecuting
	assert.False(t, w.CanCancel())
}

func TestAllocationIDListRoundTrip(t *testing.T) {
	w := &WithdrawRequest{ID: "r-1"}
	assert.NoError(t, w.SetAllocationIDList([]string{"a", "b", "c"}))

	ids, err := w.AllocationIDList()
	assert.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	empty := &WithdrawRequest{ID: "r-2"}
	ids, err = empty.AllocationIDList()
	assert.NoError(t, err)
	assert.Nil(t, ids)
}
