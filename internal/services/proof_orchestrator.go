package services

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

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
	// ErrProofInFlight means another worker already holds the generating slot.
	ErrProofInFlight = errors.New("proof generation already in flight")
	// ErrProofNotStartable means the proof axis is not in a startable state.
	ErrProofNotStartable = errors.New("proof is not pending or retryable")
)

// ProverService is the proving-service surface the orchestrator needs.
type ProverService interface {
	SubmitWithdrawProof(ctx context.Context, req *types.WithdrawProofRequest) (string, error)
	PollJob(ctx context.Context, jobID string) (*types.ProofJob, error)
}

// ProofOrchestrator drives the proof axis of a withdraw request: submit the
// job, poll it to a terminal state, decode and validate the public values.
type ProofOrchestrator struct {
	withdrawRepo   repository.WithdrawRequestRepository
	allocationRepo repository.AllocationRepository
	checkbookRepo  repository.CheckbookRepository
	nullifierRepo  repository.NullifierRepository
	queueRootRepo  repository.QueueRootRepository
	prover         ProverService
	resolver       *intent.Resolver
	publisher      events.Publisher
	pollInterval   time.Duration
	maxPoll        time.Duration
	log            *logrus.Entry
}

// NewProofOrchestrator wires the orchestrator. All collaborators are
// required; optional behavior is expressed by the caller, not by nil checks
// scattered here.
func NewProofOrchestrator(
	withdrawRepo repository.WithdrawRequestRepository,
	allocationRepo repository.AllocationRepository,
	checkbookRepo repository.CheckbookRepository,
	nullifierRepo repository.NullifierRepository,
	queueRootRepo repository.QueueRootRepository,
	prover ProverService,
	resolver *intent.Resolver,
	publisher events.Publisher,
	cfg config.ProverConfig,
	log *logrus.Logger,
) *ProofOrchestrator {
	return &ProofOrchestrator{
		withdrawRepo:   withdrawRepo,
		allocationRepo: allocationRepo,
		checkbookRepo:  checkbookRepo,
		nullifierRepo:  nullifierRepo,
		queueRootRepo:  queueRootRepo,
		prover:         prover,
		resolver:       resolver,
		publisher:      publisher,
		pollInterval:   time.Duration(cfg.PollInterval) * time.Second,
		maxPoll:        time.Duration(cfg.MaxPollDuration) * time.Second,
		log:            log.WithField("component", "proof"),
	}
}

// GenerateProof runs the full proof stage for one request and returns the
// terminal proof status. Safe to call concurrently; the CAS into generating
// admits exactly one worker per attempt.
func (o *ProofOrchestrator) GenerateProof(ctx context.Context, requestID string) (models.ProofStatus, error) {
	request, err := o.withdrawRepo.GetByID(ctx, requestID)
	if err != nil {
		return "", fmt.Errorf("load request %s: %w", requestID, err)
	}

	from := request.ProofStatus
	if from != models.ProofStatusPending && from != models.ProofStatusVerifyFailed {
		return "", fmt.Errorf("%w: %s", ErrProofNotStartable, from)
	}

	now := time.Now()
	won, err := o.withdrawRepo.CASProofStatus(ctx, requestID, from, models.ProofStatusGenerating,
		map[string]interface{}{"proof_started_at": now, "proof_error": ""})
	if err != nil {
		return "", err
	}
	if !won {
		return "", ErrProofInFlight
	}
	// The execute axis mirrors the proof stage while nothing is on chain.
	if _, err := o.withdrawRepo.CASExecuteStatus(ctx, requestID,
		models.ExecuteStatusPending, models.ExecuteStatusProofGenerating, nil); err != nil {
		return "", err
	}

	status, verifyErr := o.run(ctx, request)
	switch status {
	case models.ProofStatusReady:
		metrics.ProofJobs.WithLabelValues("ready").Inc()
		metrics.ProofDuration.Observe(time.Since(now).Seconds())
		o.publisher.Publish(events.SubjectProofReady, events.RequestEvent{
			RequestID: request.ID, Nullifier: request.Nullifier,
		})
	case models.ProofStatusVerifyFailed:
		metrics.ProofJobs.WithLabelValues("verify_failed").Inc()
		o.publisher.Publish(events.SubjectProofFailed, events.RequestEvent{
			RequestID: request.ID, Nullifier: request.Nullifier, Detail: errString(verifyErr),
		})
	}
	return status, verifyErr
}

// run executes one proof attempt. On any failure the proof axis lands on
// verify_failed with the reason recorded, and the execute axis goes back to
// pending so a retry can re-enter without losing context.
func (o *ProofOrchestrator) run(ctx context.Context, request *models.WithdrawRequest) (models.ProofStatus, error) {
	job, err := o.submitAndPoll(ctx, request)
	if err != nil {
		return o.failVerify(ctx, request, err)
	}

	decoded, err := types.DecodeWithdrawPublicValues(job.PublicValues)
	if err != nil {
		return o.failVerify(ctx, request, fmt.Errorf("decode public values: %w", err))
	}
	if err := o.validate(ctx, request, decoded); err != nil {
		return o.failVerify(ctx, request, err)
	}

	now := time.Now()
	won, err := o.withdrawRepo.CASProofStatus(ctx, request.ID,
		models.ProofStatusGenerating, models.ProofStatusReady,
		map[string]interface{}{
			"proof":          job.Proof,
			"public_values":  job.PublicValues,
			"proof_ready_at": now,
		})
	if err != nil {
		return "", err
	}
	if !won {
		// Another worker or the sweeper resolved the attempt first.
		return "", ErrProofInFlight
	}
	if _, err := o.withdrawRepo.CASExecuteStatus(ctx, request.ID,
		models.ExecuteStatusProofGenerating, models.ExecuteStatusProofReady, nil); err != nil {
		return "", err
	}

	o.log.WithFields(logrus.Fields{
		"request_id": request.ID,
		"job_id":     job.JobID,
		"nullifiers": len(decoded.Nullifiers),
	}).Info("proof ready")
	return models.ProofStatusReady, nil
}

func (o *ProofOrchestrator) submitAndPoll(ctx context.Context, request *models.WithdrawRequest) (*types.ProofJob, error) {
	proofReq, err := o.buildProofRequest(ctx, request)
	if err != nil {
		return nil, err
	}

	jobID, err := o.prover.SubmitWithdrawProof(ctx, proofReq)
	if err != nil {
		metrics.ProofJobs.WithLabelValues("service_error").Inc()
		return nil, fmt.Errorf("submit proof job: %w", err)
	}
	if err := o.withdrawRepo.UpdateFields(ctx, request.ID,
		map[string]interface{}{"proof_job_id": jobID}); err != nil {
		o.log.WithError(err).WithField("request_id", request.ID).Warn("record job id")
	}

	deadline := time.Now().Add(o.maxPoll)
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	for {
		job, err := o.prover.PollJob(ctx, jobID)
		if err != nil {
			o.log.WithError(err).WithField("job_id", jobID).Warn("poll proof job")
		} else if job.Status.Terminal() {
			if job.Status == types.ProofJobFailed {
				return nil, fmt.Errorf("proof job %s failed: %s", jobID, job.Error)
			}
			return job, nil
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("proof job %s exceeded poll deadline", jobID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildProofRequest assembles allocation credentials grouped by commitment,
// anchored against the recent queue root, plus the resolved intent.
func (o *ProofOrchestrator) buildProofRequest(ctx context.Context, request *models.WithdrawRequest) (*types.WithdrawProofRequest, error) {
	ids, err := request.AllocationIDList()
	if err != nil {
		return nil, err
	}
	allocations, err := o.allocationRepo.GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load allocations: %w", err)
	}
	if len(allocations) != len(ids) {
		return nil, fmt.Errorf("request %s references %d allocations, found %d", request.ID, len(ids), len(allocations))
	}

	parsedIntent, err := requestIntent(request)
	if err != nil {
		return nil, err
	}
	resolution, err := o.resolver.Resolve(ctx, parsedIntent)
	if err != nil {
		return nil, fmt.Errorf("resolve intent: %w", err)
	}

	// Group credentials by checkbook commitment.
	groups := make(map[string]*types.CommitmentGroup)
	var order []string
	var sourceChainID uint32
	var sourceTokenKey string
	for _, alloc := range allocations {
		checkbook, err := o.checkbookRepo.GetByID(ctx, alloc.CheckbookID)
		if err != nil {
			return nil, fmt.Errorf("load checkbook %s: %w", alloc.CheckbookID, err)
		}
		if checkbook.CommitmentRoot == nil {
			return nil, fmt.Errorf("checkbook %s has no commitment root", checkbook.ID)
		}
		sourceChainID = checkbook.ChainID
		sourceTokenKey = checkbook.TokenKey

		root := *checkbook.CommitmentRoot
		group, ok := groups[root]
		if !ok {
			queueRoot, err := o.queueRootRepo.GetByRoot(ctx, root)
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, fmt.Errorf("load queue root %s: %w", root, err)
			}
			group = &types.CommitmentGroup{CommitmentRoot: root}
			if queueRoot != nil {
				group.RootBefore = queueRoot.PreviousRoot
				group.RootAfter = queueRoot.Root
			}
			groups[root] = group
			order = append(order, root)
		}
		group.Allocations = append(group.Allocations, types.AllocationCredential{
			Seq:       alloc.Seq,
			Amount:    amountToHex32(alloc.Amount),
			Nullifier: alloc.Nullifier,
		})
	}

	out := &types.WithdrawProofRequest{
		OwnerChainID:   request.Owner.ChainID,
		OwnerData:      request.Owner.Data,
		Signature:      request.Signature,
		SourceChainID:  sourceChainID,
		SourceTokenKey: sourceTokenKey,
		Intent: types.IntentPayload{
			Kind:             uint8(request.IntentKind),
			BeneficiaryChain: request.Beneficiary.ChainID,
			BeneficiaryData:  request.Beneficiary.Data,
			TokenSymbol:      parsedIntent.TokenSymbol,
			AssetID:          request.AssetID,
			AdapterID:        resolution.AdapterID,
			TokenKey:         resolution.TokenKey,
			TargetChainID:    resolution.TargetChainID,
			MinOutput:        request.MinOutput,
		},
	}
	for _, root := range order {
		out.CommitmentGroups = append(out.CommitmentGroups, *groups[root])
	}
	return out, nil
}

// validate enforces the proof/ledger consistency rules: decoded amount must
// equal the allocation sum, the beneficiary must match the signed intent,
// and no decoded nullifier may already be spent.
func (o *ProofOrchestrator) validate(ctx context.Context, request *models.WithdrawRequest, decoded *types.WithdrawPublicValues) error {
	wantAmount, ok := new(big.Int).SetString(request.Amount, 10)
	if !ok {
		return fmt.Errorf("request %s has invalid amount %q", request.ID, request.Amount)
	}
	gotAmount, ok := new(big.Int).SetString(decoded.Amount, 10)
	if !ok {
		return fmt.Errorf("proof amount %q is not an integer", decoded.Amount)
	}
	if wantAmount.Cmp(gotAmount) != 0 {
		return fmt.Errorf("proof amount mismatch: allocations sum %s, proof %s", wantAmount, gotAmount)
	}

	if !strings.EqualFold(decoded.BeneficiaryData, request.Beneficiary.Data) {
		return fmt.Errorf("proof beneficiary mismatch: proof %s, intent %s",
			decoded.BeneficiaryData, request.Beneficiary.Data)
	}
	if uint8(request.IntentKind) != decoded.IntentType {
		return fmt.Errorf("proof intent type mismatch: proof %d, request %d",
			decoded.IntentType, request.IntentKind)
	}

	spent, err := o.nullifierRepo.FilterSpent(ctx, decoded.Nullifiers)
	if err != nil {
		return fmt.Errorf("check nullifier spends: %w", err)
	}
	if len(spent) > 0 {
		return fmt.Errorf("%w: %s", repository.ErrNullifierSpent, strings.Join(spent, ","))
	}
	return nil
}

func (o *ProofOrchestrator) failVerify(ctx context.Context, request *models.WithdrawRequest, cause error) (models.ProofStatus, error) {
	_, casErr := o.withdrawRepo.CASProofStatus(ctx, request.ID,
		models.ProofStatusGenerating, models.ProofStatusVerifyFailed,
		map[string]interface{}{"proof_error": errString(cause)})
	if casErr != nil {
		o.log.WithError(casErr).WithField("request_id", request.ID).Error("record proof failure")
	}
	// The execute axis stays out of the submitted path: back to pending so a
	// retry re-enters proof generation with full context preserved.
	if _, err := o.withdrawRepo.CASExecuteStatus(ctx, request.ID,
		models.ExecuteStatusProofGenerating, models.ExecuteStatusPending, nil); err != nil {
		o.log.WithError(err).WithField("request_id", request.ID).Error("reset execute axis")
	}

	o.log.WithError(cause).WithField("request_id", request.ID).Warn("proof verify failed")
	return models.ProofStatusVerifyFailed, cause
}

// amountToHex32 renders a decimal uint256 as 64 hex characters, the format
// the proving service consumes.
func amountToHex32(amount string) string {
	n, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		n = big.NewInt(0)
	}
	return fmt.Sprintf("%064x", n)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
