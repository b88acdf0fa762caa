package services

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/events"
	"github.com/veilpay/settlement/internal/metrics"
	"github.com/veilpay/settlement/internal/models"
	"github.com/veilpay/settlement/internal/repository"
)

var (
	// ErrProposalNotPending means the proposal stopped collecting signatures.
	ErrProposalNotPending = errors.New("proposal is not collecting signatures")
	// ErrQuorumNotReached means execution was requested below the threshold.
	ErrQuorumNotReached = errors.New("signature quorum not reached")
	// ErrProposalNotRetryable means retry was requested on a proposal that
	// has not failed.
	ErrProposalNotRetryable = errors.New("proposal is not in a retryable state")
	// ErrSignerNotAllowed means the signer is not in the chain's configured
	// operator set.
	ErrSignerNotAllowed = errors.New("signer is not a configured operator")
)

// ProposalStatus is the read model returned by Status.
type ProposalStatus struct {
	Proposal       *models.MultisigProposal
	SignatureCount int
}

// MultisigService gates payouts behind an operator signature quorum. A
// proposal collects signatures until the per-chain threshold is met, then
// executes exactly once; a failed execution stays failed until an operator
// explicitly retries it.
type MultisigService struct {
	multisigRepo repository.MultisigRepository
	withdrawRepo repository.WithdrawRequestRepository
	submitter    Submitter
	cfg          *config.Config
	publisher    events.Publisher
	log          *logrus.Entry
}

// NewMultisigService wires the service.
func NewMultisigService(
	multisigRepo repository.MultisigRepository,
	withdrawRepo repository.WithdrawRequestRepository,
	submitter Submitter,
	cfg *config.Config,
	publisher events.Publisher,
	log *logrus.Logger,
) *MultisigService {
	return &MultisigService{
		multisigRepo: multisigRepo,
		withdrawRepo: withdrawRepo,
		submitter:    submitter,
		cfg:          cfg,
		publisher:    publisher,
		log:          log.WithField("component", "multisig"),
	}
}

// Propose opens a signature collection for one payout action. At most one
// proposal exists per (request, action); a second call returns the existing
// one.
func (m *MultisigService) Propose(ctx context.Context, requestID string, action models.MultisigAction, chainID uint32, callData []byte, threshold int) (*models.MultisigProposal, error) {
	proposal := &models.MultisigProposal{
		ID:                uuid.NewString(),
		WithdrawRequestID: requestID,
		Action:            action,
		ChainID:           chainID,
		CallData:          hex.EncodeToString(callData),
		Threshold:         threshold,
		Status:            models.MultisigProposalStatusPending,
	}

	err := m.multisigRepo.Create(ctx, proposal)
	if errors.Is(err, repository.ErrProposalExists) {
		return m.multisigRepo.GetByRequestAction(ctx, requestID, action)
	}
	if err != nil {
		return nil, err
	}

	m.log.WithFields(logrus.Fields{
		"proposal_id": proposal.ID,
		"request_id":  requestID,
		"action":      action,
		"threshold":   threshold,
	}).Info("payout proposal opened")
	return proposal, nil
}

// AddSignature records one operator signature. When the quorum is reached
// the proposal executes immediately on the caller's context. The signature
// bytes themselves are verified out of band by the on-chain multisig; here
// the signer is checked against the chain's configured operator set.
func (m *MultisigService) AddSignature(ctx context.Context, proposalID, signer, signature string) error {
	proposal, err := m.multisigRepo.GetByID(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != models.MultisigProposalStatusPending {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotPending, proposalID, proposal.Status)
	}
	if !m.signerAllowed(proposal.ChainID, signer) {
		return fmt.Errorf("%w: %s on chain %d", ErrSignerNotAllowed, signer, proposal.ChainID)
	}

	if err := m.multisigRepo.AddSignature(ctx, &models.MultisigSignature{
		ProposalID: proposalID,
		Signer:     strings.ToLower(signer),
		Signature:  signature,
	}); err != nil {
		return err
	}
	metrics.MultisigSignatures.Inc()

	count, err := m.multisigRepo.CountSignatures(ctx, proposalID)
	if err != nil {
		return err
	}
	m.log.WithFields(logrus.Fields{
		"proposal_id": proposalID,
		"signer":      signer,
		"signatures":  count,
		"threshold":   proposal.Threshold,
	}).Info("proposal signature recorded")

	if proposal.Executable(count) {
		return m.Execute(ctx, proposalID)
	}
	return nil
}

// Execute broadcasts the proposal's calldata. The pending -> executing
// compare-and-set admits exactly one caller; a losing racer returns nil
// because the winner carries the execution. A failure parks the proposal in
// failed and is never re-attempted without an explicit Retry.
func (m *MultisigService) Execute(ctx context.Context, proposalID string) error {
	proposal, err := m.multisigRepo.GetByID(ctx, proposalID)
	if err != nil {
		return err
	}
	count, err := m.multisigRepo.CountSignatures(ctx, proposalID)
	if err != nil {
		return err
	}
	if count < proposal.Threshold {
		return fmt.Errorf("%w: %d of %d", ErrQuorumNotReached, count, proposal.Threshold)
	}

	won, err := m.multisigRepo.CASStatus(ctx, proposalID,
		models.MultisigProposalStatusPending, models.MultisigProposalStatusExecuting, nil)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	// The withdraw must still be parked on this proposal. If it moved on,
	// typically because the beneficiary claimed the payout timeout, nothing
	// may be broadcast on its behalf anymore.
	heldRequest, err := m.withdrawRepo.CASPayoutStatus(ctx, proposal.WithdrawRequestID,
		models.PayoutStatusAwaitingQuorum, models.PayoutStatusExecuting, nil)
	if err != nil {
		return err
	}
	if !heldRequest {
		if _, casErr := m.multisigRepo.CASStatus(ctx, proposalID,
			models.MultisigProposalStatusExecuting, models.MultisigProposalStatusFailed,
			map[string]interface{}{"error_reason": "request no longer awaiting quorum"}); casErr != nil {
			m.log.WithError(casErr).WithField("proposal_id", proposalID).Error("park superseded proposal")
		}
		return fmt.Errorf("%w: request %s no longer awaiting quorum",
			ErrProposalNotPending, proposal.WithdrawRequestID)
	}

	callData, err := hex.DecodeString(proposal.CallData)
	if err != nil {
		return m.fail(ctx, proposal, fmt.Errorf("decode proposal calldata: %w", err))
	}

	txHash, err := m.submitter.SubmitPayout(ctx, proposal.ChainID, callData)
	if err != nil {
		return m.fail(ctx, proposal, fmt.Errorf("broadcast payout: %w", err))
	}
	receipt, err := m.submitter.WaitConfirmed(ctx, proposal.ChainID, txHash)
	if err != nil {
		return m.fail(ctx, proposal, fmt.Errorf("confirm payout %s: %w", txHash, err))
	}

	now := time.Now()
	if _, err := m.multisigRepo.CASStatus(ctx, proposalID,
		models.MultisigProposalStatusExecuting, models.MultisigProposalStatusExecuted,
		map[string]interface{}{"execute_tx_hash": receipt.TxHash, "executed_at": now}); err != nil {
		return err
	}
	if _, err := m.withdrawRepo.CASPayoutStatus(ctx, proposal.WithdrawRequestID,
		models.PayoutStatusExecuting, models.PayoutStatusCompleted,
		map[string]interface{}{"payout_tx_hash": receipt.TxHash, "payout_completed_at": now}); err != nil {
		m.log.WithError(err).WithField("request_id", proposal.WithdrawRequestID).Error("complete payout axis")
	}

	metrics.PayoutsExecuted.WithLabelValues(m.path(proposal.Action), "completed").Inc()
	m.publisher.Publish(events.SubjectPayoutCompleted, events.RequestEvent{
		RequestID: proposal.WithdrawRequestID,
		ChainID:   proposal.ChainID,
		TxHash:    receipt.TxHash,
	})
	m.log.WithFields(logrus.Fields{
		"proposal_id": proposalID,
		"request_id":  proposal.WithdrawRequestID,
		"tx_hash":     receipt.TxHash,
	}).Info("payout executed")
	return nil
}

// Retry reopens a failed proposal for execution. Signatures already
// collected stay valid; the quorum is re-checked on the next Execute.
func (m *MultisigService) Retry(ctx context.Context, proposalID string) error {
	proposal, err := m.multisigRepo.GetByID(ctx, proposalID)
	if err != nil {
		return err
	}
	if proposal.Status != models.MultisigProposalStatusFailed {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotRetryable, proposalID, proposal.Status)
	}

	won, err := m.multisigRepo.CASStatus(ctx, proposalID,
		models.MultisigProposalStatusFailed, models.MultisigProposalStatusPending,
		map[string]interface{}{"error_reason": ""})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	if _, err := m.withdrawRepo.CASPayoutStatus(ctx, proposal.WithdrawRequestID,
		models.PayoutStatusFailed, models.PayoutStatusAwaitingQuorum,
		map[string]interface{}{"payout_last_retry_at": time.Now()}); err != nil {
		m.log.WithError(err).WithField("request_id", proposal.WithdrawRequestID).Error("reopen payout axis")
	}

	count, err := m.multisigRepo.CountSignatures(ctx, proposalID)
	if err != nil {
		return err
	}
	if count >= proposal.Threshold {
		return m.Execute(ctx, proposalID)
	}
	return nil
}

// Status returns the proposal with its current signature count.
func (m *MultisigService) Status(ctx context.Context, proposalID string) (*ProposalStatus, error) {
	proposal, err := m.multisigRepo.GetByID(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	count, err := m.multisigRepo.CountSignatures(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	return &ProposalStatus{Proposal: proposal, SignatureCount: count}, nil
}

func (m *MultisigService) fail(ctx context.Context, proposal *models.MultisigProposal, cause error) error {
	if _, err := m.multisigRepo.CASStatus(ctx, proposal.ID,
		models.MultisigProposalStatusExecuting, models.MultisigProposalStatusFailed,
		map[string]interface{}{"error_reason": cause.Error()}); err != nil {
		m.log.WithError(err).WithField("proposal_id", proposal.ID).Error("record proposal failure")
	}
	if _, err := m.withdrawRepo.CASPayoutStatus(ctx, proposal.WithdrawRequestID,
		models.PayoutStatusExecuting, models.PayoutStatusFailed,
		map[string]interface{}{"payout_error": cause.Error()}); err != nil {
		m.log.WithError(err).WithField("request_id", proposal.WithdrawRequestID).Error("record payout failure")
	}

	metrics.PayoutsExecuted.WithLabelValues(m.path(proposal.Action), "failed").Inc()
	m.publisher.Publish(events.SubjectPayoutFailed, events.RequestEvent{
		RequestID: proposal.WithdrawRequestID,
		ChainID:   proposal.ChainID,
		Detail:    cause.Error(),
	})
	m.log.WithError(cause).WithField("proposal_id", proposal.ID).Warn("payout execution failed")
	return cause
}

// signerAllowed checks the signer against the chain's operator set. An
// unconfigured set accepts any signer.
func (m *MultisigService) signerAllowed(chainID uint32, signer string) bool {
	chainCfg, ok := m.cfg.Chain(chainID)
	if !ok || len(chainCfg.MultisigSigners) == 0 {
		return true
	}
	for _, allowed := range chainCfg.MultisigSigners {
		if strings.EqualFold(allowed, signer) {
			return true
		}
	}
	return false
}

func (m *MultisigService) path(action models.MultisigAction) string {
	if action == models.MultisigActionFallback {
		return "fallback"
	}
	return "multisig"
}
