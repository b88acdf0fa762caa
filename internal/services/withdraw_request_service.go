package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/events"
	"github.com/veilpay/settlement/internal/intent"
	"github.com/veilpay/settlement/internal/metrics"
	"github.com/veilpay/settlement/internal/models"
	"github.com/veilpay/settlement/internal/repository"
	"github.com/veilpay/settlement/internal/types"
)

var (
	// ErrNotOwner means the caller does not own the request.
	ErrNotOwner = errors.New("caller is not the request owner")
	// ErrNotBeneficiary means the caller is not the request beneficiary.
	ErrNotBeneficiary = errors.New("caller is not the request beneficiary")
	// ErrCannotCancel means the request passed the point of no return.
	ErrCannotCancel = errors.New("request can no longer be cancelled")
	// ErrNotRetryable means no axis of the request is in a retryable state.
	ErrNotRetryable = errors.New("request has nothing to retry")
	// ErrNoAllocations means a create call listed no allocations.
	ErrNoAllocations = errors.New("at least one allocation is required")
	// ErrAllocationOwner means a listed allocation belongs to someone else.
	ErrAllocationOwner = errors.New("allocation is not owned by the caller")
	// ErrAllocationNotCommitted means a listed allocation has no nullifier
	// yet because its checkbook is not bound into a commitment.
	ErrAllocationNotCommitted = errors.New("allocation is not committed")
	// ErrMixedAllocations means the listed allocations draw from checkbooks
	// on different chains or tokens and cannot settle in one withdrawal.
	ErrMixedAllocations = errors.New("allocations must share one source chain and token")
	// ErrPayoutWindowOpen means the timeout claim came before the window
	// elapsed.
	ErrPayoutWindowOpen = errors.New("payout window has not elapsed")
	// ErrPayoutSettled means the payout already completed.
	ErrPayoutSettled = errors.New("payout already settled")
	// ErrPayoutInFlight means a concurrent caller already holds the payout
	// executing slot.
	ErrPayoutInFlight = errors.New("payout already in flight")
)

// CreateWithdrawInput is the caller-supplied material for a new request.
type CreateWithdrawInput struct {
	Owner         models.UniversalAddress
	AllocationIDs []string
	Intent        *intent.Intent
	Signature     string
}

// WithdrawService is the top-level pipeline coordinator. Create locks
// allocations and kicks the asynchronous stages: proof generation, chain
// submission, payout. Every stage transition is a compare-and-set, so any
// number of instances can run the pipeline concurrently.
type WithdrawService struct {
	withdrawRepo   repository.WithdrawRequestRepository
	allocationRepo repository.AllocationRepository
	checkbookRepo  repository.CheckbookRepository
	nullifierRepo  repository.NullifierRepository
	queueRootRepo  repository.QueueRootRepository
	orchestrator   *ProofOrchestrator
	submitter      Submitter
	multisig       *MultisigService
	resolver       *intent.Resolver
	cfg            *config.Config
	publisher      events.Publisher
	log            *logrus.Entry

	// now and spawn are swapped in tests: now controls the timeout-claim
	// clock, spawn makes the background pipeline synchronous.
	now   func() time.Time
	spawn func(func())
}

// NewWithdrawService wires the coordinator.
func NewWithdrawService(
	withdrawRepo repository.WithdrawRequestRepository,
	allocationRepo repository.AllocationRepository,
	checkbookRepo repository.CheckbookRepository,
	nullifierRepo repository.NullifierRepository,
	queueRootRepo repository.QueueRootRepository,
	orchestrator *ProofOrchestrator,
	submitter Submitter,
	multisig *MultisigService,
	resolver *intent.Resolver,
	cfg *config.Config,
	publisher events.Publisher,
	log *logrus.Logger,
) *WithdrawService {
	return &WithdrawService{
		withdrawRepo:   withdrawRepo,
		allocationRepo: allocationRepo,
		checkbookRepo:  checkbookRepo,
		nullifierRepo:  nullifierRepo,
		queueRootRepo:  queueRootRepo,
		orchestrator:   orchestrator,
		submitter:      submitter,
		multisig:       multisig,
		resolver:       resolver,
		cfg:            cfg,
		publisher:      publisher,
		log:            log.WithField("component", "withdraw"),
		now:            time.Now,
		spawn:          func(f func()) { go f() },
	}
}

// Create validates the intent and signature, locks the allocations and
// persists the request, then starts the pipeline in the background. The
// allocation lock is the concurrency guard: two concurrent creates over
// overlapping allocations cannot both succeed.
func (w *WithdrawService) Create(ctx context.Context, input CreateWithdrawInput) (*models.WithdrawRequest, error) {
	if len(input.AllocationIDs) == 0 {
		return nil, ErrNoAllocations
	}
	if err := input.Intent.Validate(); err != nil {
		return nil, err
	}
	if err := intent.VerifySignature(input.Intent, input.Signature, input.Owner); err != nil {
		return nil, err
	}
	if _, err := w.resolver.Resolve(ctx, input.Intent); err != nil {
		return nil, err
	}

	allocations, err := w.allocationRepo.GetByIDs(ctx, input.AllocationIDs)
	if err != nil {
		return nil, err
	}
	if len(allocations) != len(input.AllocationIDs) {
		return nil, fmt.Errorf("%d of %d allocations found", len(allocations), len(input.AllocationIDs))
	}

	amount := new(big.Int)
	var sourceChainID uint32
	var sourceTokenKey string
	for i, alloc := range allocations {
		if alloc.Status != models.AllocationStatusIdle {
			return nil, fmt.Errorf("%w: %s is %s", repository.ErrAllocationNotIdle, alloc.ID, alloc.Status)
		}
		if alloc.Nullifier == "" {
			return nil, fmt.Errorf("%w: %s", ErrAllocationNotCommitted, alloc.ID)
		}
		checkbook, err := w.checkbookRepo.GetByID(ctx, alloc.CheckbookID)
		if err != nil {
			return nil, fmt.Errorf("load checkbook %s: %w", alloc.CheckbookID, err)
		}
		if !checkbook.Owner.Equal(input.Owner) {
			return nil, fmt.Errorf("%w: %s", ErrAllocationOwner, alloc.ID)
		}
		if i == 0 {
			sourceChainID = checkbook.ChainID
			sourceTokenKey = checkbook.TokenKey
		} else if checkbook.ChainID != sourceChainID || checkbook.TokenKey != sourceTokenKey {
			return nil, fmt.Errorf("%w: %s is %s on chain %d", ErrMixedAllocations,
				alloc.ID, checkbook.TokenKey, checkbook.ChainID)
		}

		value, ok := new(big.Int).SetString(alloc.Amount, 10)
		if !ok {
			return nil, fmt.Errorf("allocation %s has invalid amount %q", alloc.ID, alloc.Amount)
		}
		amount.Add(amount, value)
	}

	request := &models.WithdrawRequest{
		ID:            uuid.NewString(),
		Nullifier:     allocations[0].Nullifier,
		Owner:         input.Owner,
		IntentKind:    input.Intent.Kind,
		Beneficiary:   input.Intent.Beneficiary,
		TokenSymbol:   input.Intent.Symbol(),
		AssetID:       input.Intent.AssetID,
		PreferredChain: input.Intent.PreferredChain,
		MinOutput:     input.Intent.MinOutput,
		Amount:        amount.String(),
		Signature:     input.Signature,
		ProofStatus:   models.ProofStatusPending,
		ExecuteStatus: models.ExecuteStatusPending,
		PayoutStatus:  models.PayoutStatusPending,
	}
	if err := request.SetAllocationIDList(input.AllocationIDs); err != nil {
		return nil, err
	}
	if recent, err := w.queueRootRepo.GetRecent(ctx, sourceChainID); err == nil {
		request.QueueRoot = recent.Root
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load recent queue root: %w", err)
	}

	if err := w.withdrawRepo.Create(ctx, request); err != nil {
		return nil, err
	}
	if err := w.allocationRepo.Lock(ctx, input.AllocationIDs, request.ID); err != nil {
		// The lock lost a race; the request row is abandoned and removed.
		if delErr := w.withdrawRepo.Delete(ctx, request.ID); delErr != nil {
			w.log.WithError(delErr).WithField("request_id", request.ID).Error("remove orphaned request")
		}
		return nil, err
	}

	metrics.WithdrawRequestsCreated.Inc()
	w.publisher.Publish(events.SubjectRequestCreated, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
	})
	w.log.WithFields(logrus.Fields{
		"request_id":  request.ID,
		"owner":       input.Owner.Data,
		"allocations": len(input.AllocationIDs),
		"amount":      request.Amount,
	}).Info("withdraw request created")

	w.spawn(func() { w.runPipeline(request.ID) })
	return request, nil
}

// Get returns one request by id.
func (w *WithdrawService) Get(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	return w.withdrawRepo.GetByID(ctx, id)
}

// GetByNullifier returns the request tracked by the given nullifier.
func (w *WithdrawService) GetByNullifier(ctx context.Context, nullifier string) (*models.WithdrawRequest, error) {
	return w.withdrawRepo.GetByNullifier(ctx, nullifier)
}

// ListByOwner pages through the caller's requests, newest first.
func (w *WithdrawService) ListByOwner(ctx context.Context, owner models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error) {
	return w.withdrawRepo.FindByOwner(ctx, owner, page, pageSize)
}

// ListByBeneficiary pages through requests paying out to the given address.
func (w *WithdrawService) ListByBeneficiary(ctx context.Context, beneficiary models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error) {
	return w.withdrawRepo.FindByBeneficiary(ctx, beneficiary, page, pageSize)
}

// Cancel aborts a request before anything reached the chain and releases
// its allocations back to idle.
func (w *WithdrawService) Cancel(ctx context.Context, id string, caller models.UniversalAddress) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !request.Owner.Equal(caller) {
		return ErrNotOwner
	}
	if !request.CanCancel() {
		return fmt.Errorf("%w: execute=%s payout=%s", ErrCannotCancel, request.ExecuteStatus, request.PayoutStatus)
	}

	won, err := w.withdrawRepo.CASExecuteStatus(ctx, id,
		models.ExecuteStatusPending, models.ExecuteStatusCancelled,
		map[string]interface{}{"cancelled_at": w.now()})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: request advanced concurrently", ErrCannotCancel)
	}

	ids, err := request.AllocationIDList()
	if err != nil {
		return err
	}
	if err := w.allocationRepo.Release(ctx, ids); err != nil {
		return fmt.Errorf("release allocations: %w", err)
	}

	metrics.WithdrawRequestsCancelled.Inc()
	w.publisher.Publish(events.SubjectRequestCancelled, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
	})
	w.log.WithField("request_id", id).Info("withdraw request cancelled")
	return nil
}

// Retry re-enters the first retryable stage: a rejected proof re-proves, a
// failed broadcast re-submits. The compare-and-set on entry makes a
// concurrent duplicate retry a no-op.
func (w *WithdrawService) Retry(ctx context.Context, id string) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	switch {
	case request.ProofStatus == models.ProofStatusVerifyFailed:
		w.spawn(func() { w.runPipeline(id) })
		return nil
	case request.ExecuteStatus == models.ExecuteStatusFailed:
		w.spawn(func() {
			ctx := context.Background()
			if err := w.submitStage(ctx, id, models.ExecuteStatusFailed); err != nil {
				w.log.WithError(err).WithField("request_id", id).Warn("retry submission failed")
				return
			}
			if err := w.payoutStage(ctx, id); err != nil {
				w.log.WithError(err).WithField("request_id", id).Warn("payout failed")
			}
		})
		return nil
	}
	return fmt.Errorf("%w: proof=%s execute=%s", ErrNotRetryable, request.ProofStatus, request.ExecuteStatus)
}

// RetryPayout re-enters a failed payout on the same path it failed on.
func (w *WithdrawService) RetryPayout(ctx context.Context, id string) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if request.PayoutStatus != models.PayoutStatusFailed {
		return fmt.Errorf("%w: payout=%s", ErrNotRetryable, request.PayoutStatus)
	}

	if err := w.withdrawRepo.UpdateFields(ctx, id, map[string]interface{}{
		"payout_retry_count":   request.PayoutRetryCount + 1,
		"payout_last_retry_at": w.now(),
	}); err != nil {
		return err
	}

	if request.ProposalID != nil {
		return w.multisig.Retry(ctx, *request.ProposalID)
	}

	won, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
		models.PayoutStatusFailed, models.PayoutStatusExecuting,
		map[string]interface{}{"payout_error": ""})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: a concurrent retry won the executing slot", ErrPayoutInFlight)
	}
	return w.executePayout(ctx, request.ID, request.FallbackRequested)
}

// RetryFallback abandons the adapter path after repeated failures and pays
// the raw underlying token straight to the beneficiary.
func (w *WithdrawService) RetryFallback(ctx context.Context, id string, caller models.UniversalAddress) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !request.Owner.Equal(caller) && !request.Beneficiary.Equal(caller) {
		return ErrNotBeneficiary
	}
	if request.PayoutStatus != models.PayoutStatusFailed {
		return fmt.Errorf("%w: payout=%s", ErrNotRetryable, request.PayoutStatus)
	}

	if err := w.withdrawRepo.UpdateFields(ctx, id, map[string]interface{}{
		"fallback_requested":   true,
		"payout_retry_count":   request.PayoutRetryCount + 1,
		"payout_last_retry_at": w.now(),
	}); err != nil {
		return err
	}

	decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
	if err != nil {
		return err
	}
	chainCfg, ok := w.cfg.Chain(decoded.TargetChainID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrChainNotConfigured, decoded.TargetChainID)
	}

	if chainCfg.MultisigThreshold > 0 {
		callData, err := w.buildPayoutCallData(ctx, request, decoded, true)
		if err != nil {
			return err
		}
		proposal, err := w.multisig.Propose(ctx, id, models.MultisigActionFallback,
			decoded.TargetChainID, callData, chainCfg.MultisigThreshold)
		if err != nil {
			return err
		}
		won, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
			models.PayoutStatusFailed, models.PayoutStatusAwaitingQuorum,
			map[string]interface{}{"proposal_id": proposal.ID})
		if err != nil {
			return err
		}
		if !won {
			return fmt.Errorf("%w: a concurrent retry won the executing slot", ErrPayoutInFlight)
		}
		return nil
	}

	won, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
		models.PayoutStatusFailed, models.PayoutStatusExecuting,
		map[string]interface{}{"payout_error": ""})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: a concurrent retry won the executing slot", ErrPayoutInFlight)
	}
	return w.executePayout(ctx, id, true)
}

// ClaimTimeout lets the beneficiary force a direct raw-token transfer after
// the payout window elapsed without a completed payout. The claim is
// terminal: no other payout path may run afterwards.
func (w *WithdrawService) ClaimTimeout(ctx context.Context, id string, caller models.UniversalAddress) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !request.Beneficiary.Equal(caller) {
		return ErrNotBeneficiary
	}
	if request.ExecuteStatus != models.ExecuteStatusConfirmed {
		return fmt.Errorf("%w: execute=%s", ErrNotRetryable, request.ExecuteStatus)
	}
	if request.PayoutStatus == models.PayoutStatusCompleted ||
		request.PayoutStatus == models.PayoutStatusTimeoutClaimed {
		return ErrPayoutSettled
	}
	if request.PayoutStatus == models.PayoutStatusExecuting {
		return fmt.Errorf("%w: payout broadcast in flight", ErrPayoutWindowOpen)
	}

	since := request.ConfirmedAt
	if request.PayoutStartedAt != nil {
		since = request.PayoutStartedAt
	}
	if since == nil || w.now().Sub(*since) < w.cfg.PayoutWindow() {
		return ErrPayoutWindowOpen
	}

	decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
	if err != nil {
		return err
	}
	callData, err := w.buildPayoutCallData(ctx, request, decoded, true)
	if err != nil {
		return err
	}

	// The claim occupies the executing slot while the fallback transfer is
	// in flight. timeout_claimed is written only once the transfer is
	// confirmed; a failed broadcast lands on failed and stays claimable.
	won, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
		request.PayoutStatus, models.PayoutStatusExecuting,
		map[string]interface{}{"payout_error": ""})
	if err != nil {
		return err
	}
	if !won {
		return fmt.Errorf("%w: payout advanced concurrently", ErrPayoutInFlight)
	}

	txHash, err := w.submitter.SubmitPayout(ctx, decoded.TargetChainID, callData)
	if err != nil {
		return w.failClaim(ctx, id, fmt.Errorf("broadcast timeout claim: %w", err))
	}
	receipt, err := w.submitter.WaitConfirmed(ctx, decoded.TargetChainID, txHash)
	if err != nil {
		return w.failClaim(ctx, id, fmt.Errorf("confirm timeout claim %s: %w", txHash, err))
	}

	if _, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
		models.PayoutStatusExecuting, models.PayoutStatusTimeoutClaimed,
		map[string]interface{}{
			"payout_tx_hash":     receipt.TxHash,
			"timeout_claimed_at": w.now(),
		}); err != nil {
		return err
	}
	metrics.PayoutsExecuted.WithLabelValues("timeout_claim", "completed").Inc()
	w.publisher.Publish(events.SubjectTimeoutClaimed, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		ChainID:   decoded.TargetChainID,
		TxHash:    receipt.TxHash,
	})
	w.log.WithFields(logrus.Fields{
		"request_id": id,
		"tx_hash":    receipt.TxHash,
	}).Info("payout timeout claimed")
	return nil
}

// failClaim releases the executing slot a timeout claim held so the
// beneficiary can claim again once the chain recovers.
func (w *WithdrawService) failClaim(ctx context.Context, id string, cause error) error {
	if _, err := w.withdrawRepo.CASPayoutStatus(ctx, id,
		models.PayoutStatusExecuting, models.PayoutStatusFailed,
		map[string]interface{}{"payout_error": cause.Error()}); err != nil {
		w.log.WithError(err).WithField("request_id", id).Error("record claim failure")
	}
	metrics.PayoutsExecuted.WithLabelValues("timeout_claim", "failed").Inc()
	return cause
}

// RequestPayout lets the beneficiary poke a confirmed request whose payout
// never started, typically after an instance crash between stages.
func (w *WithdrawService) RequestPayout(ctx context.Context, id string, caller models.UniversalAddress) error {
	request, err := w.withdrawRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !request.Beneficiary.Equal(caller) && !request.Owner.Equal(caller) {
		return ErrNotBeneficiary
	}
	if request.ExecuteStatus != models.ExecuteStatusConfirmed {
		return fmt.Errorf("%w: execute=%s", ErrNotRetryable, request.ExecuteStatus)
	}
	if request.PayoutStatus != models.PayoutStatusPending {
		return fmt.Errorf("%w: payout=%s", ErrNotRetryable, request.PayoutStatus)
	}
	return w.payoutStage(ctx, id)
}

// runPipeline drives one request through proof, submission and payout. Each
// stage is individually guarded; a stage that loses its compare-and-set or
// fails leaves the request for a retry or the sweep to pick up.
func (w *WithdrawService) runPipeline(requestID string) {
	ctx := context.Background()

	status, err := w.orchestrator.GenerateProof(ctx, requestID)
	if err != nil {
		if !errors.Is(err, ErrProofInFlight) {
			w.log.WithError(err).WithField("request_id", requestID).Warn("proof stage failed")
		}
		return
	}
	if status != models.ProofStatusReady {
		return
	}

	if err := w.submitStage(ctx, requestID, models.ExecuteStatusProofReady); err != nil {
		w.log.WithError(err).WithField("request_id", requestID).Warn("submission stage failed")
		return
	}
	if err := w.payoutStage(ctx, requestID); err != nil {
		w.log.WithError(err).WithField("request_id", requestID).Warn("payout stage failed")
	}
}

// submitStage broadcasts the executeWithdraw transaction and waits for
// confirmation depth, then records the nullifier spends and consumes the
// allocations. Entry is from proof_ready (first pass) or failed (retry).
func (w *WithdrawService) submitStage(ctx context.Context, requestID string, from models.ExecuteStatus) error {
	request, err := w.withdrawRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
	if err != nil {
		return fmt.Errorf("decode public values: %w", err)
	}

	won, err := w.withdrawRepo.CASExecuteStatus(ctx, requestID,
		from, models.ExecuteStatusSubmitting,
		map[string]interface{}{"execute_error": "", "execute_chain_id": decoded.TargetChainID})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	// Last double-spend check before money moves. A spend recorded by this
	// same request (crash after broadcast, before status write) is benign.
	spent, err := w.nullifierRepo.FilterSpent(ctx, decoded.Nullifiers)
	if err != nil {
		return w.failSubmit(ctx, request, models.ExecuteStatusSubmitting, err)
	}
	if len(spent) > 0 {
		foreign, err := w.spentByOther(ctx, requestID, spent)
		if err != nil {
			return w.failSubmit(ctx, request, models.ExecuteStatusSubmitting, err)
		}
		if foreign {
			metrics.NullifierConflicts.Inc()
			return w.failSubmit(ctx, request, models.ExecuteStatusSubmitting, repository.ErrNullifierSpent)
		}
		if len(spent) == len(decoded.Nullifiers) {
			// Every nullifier was already spent by this request: a prior
			// broadcast landed and the crash ate the status writes.
			// Re-broadcasting would only revert on chain.
			return w.confirmFromSpends(ctx, request, decoded)
		}
	}

	txHash, err := w.submitter.SubmitWithdraw(ctx, decoded.TargetChainID, request.Proof, request.PublicValues)
	if err != nil {
		metrics.ChainSubmissions.WithLabelValues(fmt.Sprint(decoded.TargetChainID), "failed").Inc()
		return w.failSubmit(ctx, request, models.ExecuteStatusSubmitting, err)
	}
	if _, err := w.withdrawRepo.CASExecuteStatus(ctx, requestID,
		models.ExecuteStatusSubmitting, models.ExecuteStatusSubmitted,
		map[string]interface{}{"execute_tx_hash": txHash, "submitted_at": w.now()}); err != nil {
		return err
	}
	w.publisher.Publish(events.SubjectSubmitted, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		ChainID:   decoded.TargetChainID,
		TxHash:    txHash,
	})

	receipt, err := w.submitter.WaitConfirmed(ctx, decoded.TargetChainID, txHash)
	if err != nil {
		return w.failSubmit(ctx, request, models.ExecuteStatusSubmitted, err)
	}

	if err := w.recordSpends(ctx, request, decoded, receipt); err != nil {
		return err
	}

	if _, err := w.withdrawRepo.CASExecuteStatus(ctx, requestID,
		models.ExecuteStatusSubmitted, models.ExecuteStatusConfirmed,
		map[string]interface{}{
			"execute_block_number": receipt.BlockNumber,
			"confirmed_at":         w.now(),
		}); err != nil {
		return err
	}

	ids, err := request.AllocationIDList()
	if err != nil {
		return err
	}
	if err := w.allocationRepo.MarkUsed(ctx, ids); err != nil {
		return fmt.Errorf("mark allocations used: %w", err)
	}

	w.publisher.Publish(events.SubjectConfirmed, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		ChainID:   decoded.TargetChainID,
		TxHash:    receipt.TxHash,
	})
	w.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"tx_hash":    receipt.TxHash,
		"block":      receipt.BlockNumber,
	}).Info("withdraw confirmed")
	return nil
}

// confirmFromSpends finishes a submission whose transaction already landed,
// using the recorded spends as the confirmation evidence. The caller holds
// the submitting slot.
func (w *WithdrawService) confirmFromSpends(ctx context.Context, request *models.WithdrawRequest, decoded *types.WithdrawPublicValues) error {
	txHash := request.ExecuteTxHash
	if spend, err := w.nullifierRepo.GetSpend(ctx, decoded.Nullifiers[0]); err == nil && spend.TxHash != "" {
		txHash = spend.TxHash
	}

	if _, err := w.withdrawRepo.CASExecuteStatus(ctx, request.ID,
		models.ExecuteStatusSubmitting, models.ExecuteStatusSubmitted,
		map[string]interface{}{"execute_tx_hash": txHash, "submitted_at": w.now()}); err != nil {
		return err
	}
	if _, err := w.withdrawRepo.CASExecuteStatus(ctx, request.ID,
		models.ExecuteStatusSubmitted, models.ExecuteStatusConfirmed,
		map[string]interface{}{"confirmed_at": w.now()}); err != nil {
		return err
	}

	ids, err := request.AllocationIDList()
	if err != nil {
		return err
	}
	if err := w.allocationRepo.MarkUsed(ctx, ids); err != nil {
		return fmt.Errorf("mark allocations used: %w", err)
	}

	w.publisher.Publish(events.SubjectConfirmed, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		ChainID:   decoded.TargetChainID,
		TxHash:    txHash,
	})
	w.log.WithFields(logrus.Fields{
		"request_id": request.ID,
		"tx_hash":    txHash,
	}).Info("withdraw confirmed from spend records")
	return nil
}

// recordSpends persists the nullifier consumption. A duplicate insert from a
// re-run of this same request is tolerated; a spend held by another request
// is a ledger conflict and fatal.
func (w *WithdrawService) recordSpends(ctx context.Context, request *models.WithdrawRequest, decoded *types.WithdrawPublicValues, receipt *Receipt) error {
	spends := make([]*models.NullifierSpend, 0, len(decoded.Nullifiers))
	for _, nullifier := range decoded.Nullifiers {
		spends = append(spends, &models.NullifierSpend{
			Nullifier:         nullifier,
			WithdrawRequestID: request.ID,
			ChainID:           decoded.TargetChainID,
			TxHash:            receipt.TxHash,
			SpentAt:           w.now(),
		})
	}

	err := w.nullifierRepo.MarkSpent(ctx, spends)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNullifierSpent) {
		return fmt.Errorf("record nullifier spends: %w", err)
	}

	foreign, checkErr := w.spentByOther(ctx, request.ID, decoded.Nullifiers)
	if checkErr != nil {
		return checkErr
	}
	if foreign {
		metrics.NullifierConflicts.Inc()
		w.log.WithField("request_id", request.ID).Error("nullifier held by another request after confirmation")
		return repository.ErrNullifierSpent
	}
	return nil
}

// spentByOther reports whether any of the nullifiers is recorded spent by a
// different withdraw request.
func (w *WithdrawService) spentByOther(ctx context.Context, requestID string, nullifiers []string) (bool, error) {
	for _, nullifier := range nullifiers {
		spend, err := w.nullifierRepo.GetSpend(ctx, nullifier)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return false, err
		}
		if spend.WithdrawRequestID != requestID {
			return true, nil
		}
	}
	return false, nil
}

func (w *WithdrawService) failSubmit(ctx context.Context, request *models.WithdrawRequest, from models.ExecuteStatus, cause error) error {
	if _, err := w.withdrawRepo.CASExecuteStatus(ctx, request.ID,
		from, models.ExecuteStatusFailed,
		map[string]interface{}{"execute_error": cause.Error()}); err != nil {
		w.log.WithError(err).WithField("request_id", request.ID).Error("record submission failure")
	}
	return cause
}

// payoutStage runs after execute confirmation. With a multisig threshold the
// request parks in awaiting_multisig until operators sign; otherwise the
// payout broadcasts immediately.
func (w *WithdrawService) payoutStage(ctx context.Context, requestID string) error {
	request, err := w.withdrawRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	if request.ExecuteStatus != models.ExecuteStatusConfirmed {
		return fmt.Errorf("payout before confirmation: execute=%s", request.ExecuteStatus)
	}
	decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
	if err != nil {
		return err
	}
	chainCfg, ok := w.cfg.Chain(decoded.TargetChainID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrChainNotConfigured, decoded.TargetChainID)
	}

	if chainCfg.MultisigThreshold > 0 {
		callData, err := w.buildPayoutCallData(ctx, request, decoded, request.FallbackRequested)
		if err != nil {
			return err
		}
		action := models.MultisigActionPayout
		if request.FallbackRequested {
			action = models.MultisigActionFallback
		}
		proposal, err := w.multisig.Propose(ctx, requestID, action,
			decoded.TargetChainID, callData, chainCfg.MultisigThreshold)
		if err != nil {
			return err
		}
		_, err = w.withdrawRepo.CASPayoutStatus(ctx, requestID,
			models.PayoutStatusPending, models.PayoutStatusAwaitingQuorum,
			map[string]interface{}{"proposal_id": proposal.ID, "payout_started_at": w.now()})
		return err
	}

	won, err := w.withdrawRepo.CASPayoutStatus(ctx, requestID,
		models.PayoutStatusPending, models.PayoutStatusExecuting,
		map[string]interface{}{"payout_started_at": w.now()})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	return w.executePayout(ctx, requestID, request.FallbackRequested)
}

// executePayout broadcasts the payout calldata on the direct (unmultisigged)
// path. The caller already holds the executing slot.
func (w *WithdrawService) executePayout(ctx context.Context, requestID string, fallback bool) error {
	request, err := w.withdrawRepo.GetByID(ctx, requestID)
	if err != nil {
		return err
	}
	decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
	if err != nil {
		return w.failPayout(ctx, request, err, fallback)
	}
	callData, err := w.buildPayoutCallData(ctx, request, decoded, fallback)
	if err != nil {
		return w.failPayout(ctx, request, err, fallback)
	}

	txHash, err := w.submitter.SubmitPayout(ctx, decoded.TargetChainID, callData)
	if err != nil {
		return w.failPayout(ctx, request, fmt.Errorf("broadcast payout: %w", err), fallback)
	}
	receipt, err := w.submitter.WaitConfirmed(ctx, decoded.TargetChainID, txHash)
	if err != nil {
		return w.failPayout(ctx, request, fmt.Errorf("confirm payout %s: %w", txHash, err), fallback)
	}

	if _, err := w.withdrawRepo.CASPayoutStatus(ctx, requestID,
		models.PayoutStatusExecuting, models.PayoutStatusCompleted,
		map[string]interface{}{
			"payout_tx_hash":      receipt.TxHash,
			"payout_completed_at": w.now(),
		}); err != nil {
		return err
	}

	metrics.PayoutsExecuted.WithLabelValues(w.payoutPath(fallback), "completed").Inc()
	w.publisher.Publish(events.SubjectPayoutCompleted, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		ChainID:   decoded.TargetChainID,
		TxHash:    receipt.TxHash,
	})
	w.log.WithFields(logrus.Fields{
		"request_id": requestID,
		"tx_hash":    receipt.TxHash,
	}).Info("payout completed")
	return nil
}

func (w *WithdrawService) failPayout(ctx context.Context, request *models.WithdrawRequest, cause error, fallback bool) error {
	if _, err := w.withdrawRepo.CASPayoutStatus(ctx, request.ID,
		models.PayoutStatusExecuting, models.PayoutStatusFailed,
		map[string]interface{}{"payout_error": cause.Error()}); err != nil {
		w.log.WithError(err).WithField("request_id", request.ID).Error("record payout failure")
	}
	metrics.PayoutsExecuted.WithLabelValues(w.payoutPath(fallback), "failed").Inc()
	w.publisher.Publish(events.SubjectPayoutFailed, events.RequestEvent{
		RequestID: request.ID,
		Nullifier: request.Nullifier,
		Detail:    cause.Error(),
	})
	return cause
}

func (w *WithdrawService) payoutPath(fallback bool) string {
	if fallback {
		return "fallback"
	}
	return "direct"
}

// buildPayoutCallData resolves the destination token and encodes either the
// adapter ("hook") payout or a direct raw transfer. Fallback and timeout
// claims always take the direct form, even for asset intents.
func (w *WithdrawService) buildPayoutCallData(ctx context.Context, request *models.WithdrawRequest, decoded *types.WithdrawPublicValues, direct bool) ([]byte, error) {
	parsedIntent, err := requestIntent(request)
	if err != nil {
		return nil, err
	}
	resolution, err := w.resolver.Resolve(ctx, parsedIntent)
	if err != nil {
		return nil, err
	}

	amount, ok := new(big.Int).SetString(decoded.Amount, 10)
	if !ok {
		return nil, fmt.Errorf("proof amount %q is not an integer", decoded.Amount)
	}
	beneficiary := evmAddress(request.Beneficiary.Data)
	token := common.HexToAddress(resolution.TokenAddress)

	if direct || request.IntentKind == models.IntentKindRawToken {
		return EncodePayoutCallData(token, beneficiary, amount)
	}

	var minOutput [32]byte
	copy(minOutput[:], common.HexToHash(decoded.MinOutput).Bytes())
	return EncodeHookPayoutCallData(token, beneficiary, amount,
		decoded.AdapterID, decoded.TokenKey, minOutput)
}

// requestIntent rebuilds the tagged intent variant from its flattened
// persisted form.
func requestIntent(request *models.WithdrawRequest) (*intent.Intent, error) {
	i := &intent.Intent{
		Kind:           request.IntentKind,
		Beneficiary:    request.Beneficiary,
		PreferredChain: request.PreferredChain,
		MinOutput:      request.MinOutput,
	}
	switch request.IntentKind {
	case models.IntentKindRawToken:
		i.TokenSymbol = request.TokenSymbol
	case models.IntentKindAssetToken:
		i.AssetID = request.AssetID
		i.AssetTokenSymbol = request.TokenSymbol
	default:
		return nil, fmt.Errorf("%w: %d", intent.ErrUnknownKind, request.IntentKind)
	}
	return i, nil
}

// evmAddress extracts the 20-byte EVM address from a 32-byte universal
// address payload.
func evmAddress(data string) common.Address {
	raw := common.HexToHash(data)
	return common.BytesToAddress(raw[12:])
}
