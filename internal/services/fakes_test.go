package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
	"github.com/veilpay/settlement/internal/repository"
	"github.com/veilpay/settlement/internal/types"
)

// In-memory repository fakes. They honor the same concurrency contracts as
// the gorm implementations: CAS methods validate the transition and apply
// atomically under one mutex.

type fakeWithdrawRepo struct {
	mu       sync.Mutex
	requests map[string]*models.WithdrawRequest

	// onUpdate, when set, runs after an UpdateFields write. Tests use it to
	// interleave a rival status change between a read and its following CAS.
	onUpdate func()
}

func newFakeWithdrawRepo() *fakeWithdrawRepo {
	return &fakeWithdrawRepo{requests: make(map[string]*models.WithdrawRequest)}
}

func (r *fakeWithdrawRepo) Create(_ context.Context, request *models.WithdrawRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *request
	r.requests[request.ID] = &cp
	return nil
}

func (r *fakeWithdrawRepo) GetByID(_ context.Context, id string) (*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *request
	return &cp, nil
}

func (r *fakeWithdrawRepo) GetByNullifier(_ context.Context, nullifier string) (*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, request := range r.requests {
		if request.Nullifier == nullifier {
			cp := *request
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeWithdrawRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requests, id)
	return nil
}

func (r *fakeWithdrawRepo) FindByOwner(_ context.Context, owner models.UniversalAddress, _, _ int) ([]*models.WithdrawRequest, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.Owner.Equal(owner) {
			cp := *request
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeWithdrawRepo) FindByBeneficiary(_ context.Context, beneficiary models.UniversalAddress, _, _ int) ([]*models.WithdrawRequest, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.Beneficiary.Equal(beneficiary) {
			cp := *request
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (r *fakeWithdrawRepo) FindByProofStatus(_ context.Context, status models.ProofStatus) ([]*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.ProofStatus == status {
			cp := *request
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeWithdrawRepo) FindByExecuteStatus(_ context.Context, status models.ExecuteStatus) ([]*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.ExecuteStatus == status {
			cp := *request
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeWithdrawRepo) FindByPayoutStatus(_ context.Context, status models.PayoutStatus) ([]*models.WithdrawRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.WithdrawRequest
	for _, request := range r.requests {
		if request.PayoutStatus == status {
			cp := *request
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeWithdrawRepo) UpdateFields(_ context.Context, id string, updates map[string]interface{}) error {
	r.mu.Lock()
	request, ok := r.requests[id]
	if !ok {
		r.mu.Unlock()
		return gorm.ErrRecordNotFound
	}
	applyRequestUpdates(request, updates)
	r.mu.Unlock()

	if r.onUpdate != nil {
		r.onUpdate()
	}
	return nil
}

func (r *fakeWithdrawRepo) CASProofStatus(_ context.Context, id string, from, to models.ProofStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidateProofTransition(from, to); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.ProofStatus != from {
		return false, nil
	}
	request.ProofStatus = to
	applyRequestUpdates(request, updates)
	return true, nil
}

func (r *fakeWithdrawRepo) CASExecuteStatus(_ context.Context, id string, from, to models.ExecuteStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidateExecuteTransition(from, to); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.ExecuteStatus != from {
		return false, nil
	}
	request.ExecuteStatus = to
	applyRequestUpdates(request, updates)
	return true, nil
}

func (r *fakeWithdrawRepo) CASPayoutStatus(_ context.Context, id string, from, to models.PayoutStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidatePayoutTransition(from, to); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	request, ok := r.requests[id]
	if !ok || request.PayoutStatus != from {
		return false, nil
	}
	request.PayoutStatus = to
	applyRequestUpdates(request, updates)
	return true, nil
}

// applyRequestUpdates mirrors the column-keyed update maps the gorm
// implementation consumes onto the struct fields.
func applyRequestUpdates(request *models.WithdrawRequest, updates map[string]interface{}) {
	for column, value := range updates {
		switch column {
		case "proof_job_id":
			request.ProofJobID = value.(string)
		case "proof":
			request.Proof = value.(string)
		case "public_values":
			request.PublicValues = value.(string)
		case "proof_error":
			request.ProofError = value.(string)
		case "proof_started_at":
			request.ProofStartedAt = timePtr(value)
		case "proof_ready_at":
			request.ProofReadyAt = timePtr(value)
		case "execute_error":
			request.ExecuteError = value.(string)
		case "execute_chain_id":
			chainID := value.(uint32)
			request.ExecuteChainID = &chainID
		case "execute_tx_hash":
			request.ExecuteTxHash = value.(string)
		case "execute_block_number":
			block := value.(uint64)
			request.ExecuteBlockNumber = &block
		case "submitted_at":
			request.SubmittedAt = timePtr(value)
		case "confirmed_at":
			request.ConfirmedAt = timePtr(value)
		case "cancelled_at":
			request.CancelledAt = timePtr(value)
		case "payout_error":
			request.PayoutError = value.(string)
		case "payout_tx_hash":
			request.PayoutTxHash = value.(string)
		case "payout_started_at":
			request.PayoutStartedAt = timePtr(value)
		case "payout_completed_at":
			request.PayoutCompletedAt = timePtr(value)
		case "timeout_claimed_at":
			request.TimeoutClaimedAt = timePtr(value)
		case "proposal_id":
			proposalID := value.(string)
			request.ProposalID = &proposalID
		case "fallback_requested":
			request.FallbackRequested = value.(bool)
		case "payout_retry_count":
			request.PayoutRetryCount = value.(int)
		case "payout_last_retry_at":
			request.PayoutLastRetryAt = timePtr(value)
		}
	}
	request.UpdatedAt = time.Now()
}

func timePtr(v interface{}) *time.Time {
	t := v.(time.Time)
	return &t
}

type fakeAllocationRepo struct {
	mu          sync.Mutex
	allocations map[string]*models.Allocation
}

func newFakeAllocationRepo() *fakeAllocationRepo {
	return &fakeAllocationRepo{allocations: make(map[string]*models.Allocation)}
}

func (r *fakeAllocationRepo) Create(_ context.Context, allocation *models.Allocation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *allocation
	r.allocations[allocation.ID] = &cp
	return nil
}

func (r *fakeAllocationRepo) CreateBatch(ctx context.Context, allocations []*models.Allocation) error {
	for _, allocation := range allocations {
		if err := r.Create(ctx, allocation); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeAllocationRepo) GetByID(_ context.Context, id string) (*models.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	allocation, ok := r.allocations[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *allocation
	return &cp, nil
}

func (r *fakeAllocationRepo) GetByIDs(_ context.Context, ids []string) ([]*models.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Allocation
	for _, id := range ids {
		if allocation, ok := r.allocations[id]; ok {
			cp := *allocation
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeAllocationRepo) GetByNullifier(_ context.Context, nullifier string) (*models.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, allocation := range r.allocations {
		if allocation.Nullifier == nullifier {
			cp := *allocation
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeAllocationRepo) FindByCheckbook(_ context.Context, checkbookID string) ([]*models.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Allocation
	for _, allocation := range r.allocations {
		if allocation.CheckbookID == checkbookID {
			cp := *allocation
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeAllocationRepo) FindByWithdrawRequest(_ context.Context, requestID string) ([]*models.Allocation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Allocation
	for _, allocation := range r.allocations {
		if allocation.WithdrawRequestID != nil && *allocation.WithdrawRequestID == requestID {
			cp := *allocation
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeAllocationRepo) Lock(_ context.Context, ids []string, requestID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		allocation, ok := r.allocations[id]
		if !ok || allocation.Status != models.AllocationStatusIdle {
			return fmt.Errorf("%w: %s", repository.ErrAllocationNotIdle, id)
		}
	}
	for _, id := range ids {
		r.allocations[id].Status = models.AllocationStatusLocked
		rid := requestID
		r.allocations[id].WithdrawRequestID = &rid
	}
	return nil
}

func (r *fakeAllocationRepo) Release(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if allocation, ok := r.allocations[id]; ok && allocation.Status == models.AllocationStatusLocked {
			allocation.Status = models.AllocationStatusIdle
			allocation.WithdrawRequestID = nil
		}
	}
	return nil
}

func (r *fakeAllocationRepo) MarkUsed(_ context.Context, ids []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		if allocation, ok := r.allocations[id]; ok && allocation.Status == models.AllocationStatusLocked {
			allocation.Status = models.AllocationStatusUsed
		}
	}
	return nil
}

type fakeCheckbookRepo struct {
	mu         sync.Mutex
	checkbooks map[string]*models.Checkbook
}

func newFakeCheckbookRepo() *fakeCheckbookRepo {
	return &fakeCheckbookRepo{checkbooks: make(map[string]*models.Checkbook)}
}

func (r *fakeCheckbookRepo) Create(_ context.Context, checkbook *models.Checkbook) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *checkbook
	r.checkbooks[checkbook.ID] = &cp
	return nil
}

func (r *fakeCheckbookRepo) GetByID(_ context.Context, id string) (*models.Checkbook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	checkbook, ok := r.checkbooks[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *checkbook
	return &cp, nil
}

func (r *fakeCheckbookRepo) GetByDeposit(context.Context, uint32, uint64) (*models.Checkbook, error) {
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeCheckbookRepo) Update(_ context.Context, checkbook *models.Checkbook) error {
	return r.Create(context.Background(), checkbook)
}

func (r *fakeCheckbookRepo) FindByOwner(context.Context, models.UniversalAddress) ([]*models.Checkbook, error) {
	return nil, nil
}

func (r *fakeCheckbookRepo) SoftDelete(context.Context, string, models.UniversalAddress) error {
	return nil
}

func (r *fakeCheckbookRepo) SetCommitmentRoot(_ context.Context, id, root string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if checkbook, ok := r.checkbooks[id]; ok {
		checkbook.CommitmentRoot = &root
	}
	return nil
}

type fakeNullifierRepo struct {
	mu     sync.Mutex
	spends map[string]*models.NullifierSpend
}

func newFakeNullifierRepo() *fakeNullifierRepo {
	return &fakeNullifierRepo{spends: make(map[string]*models.NullifierSpend)}
}

func (r *fakeNullifierRepo) MarkSpent(_ context.Context, spends []*models.NullifierSpend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spend := range spends {
		if _, exists := r.spends[spend.Nullifier]; exists {
			return repository.ErrNullifierSpent
		}
	}
	for _, spend := range spends {
		cp := *spend
		r.spends[spend.Nullifier] = &cp
	}
	return nil
}

func (r *fakeNullifierRepo) IsSpent(_ context.Context, nullifier string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.spends[nullifier]
	return ok, nil
}

func (r *fakeNullifierRepo) FilterSpent(_ context.Context, nullifiers []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var spent []string
	for _, nullifier := range nullifiers {
		if _, ok := r.spends[nullifier]; ok {
			spent = append(spent, nullifier)
		}
	}
	return spent, nil
}

func (r *fakeNullifierRepo) GetSpend(_ context.Context, nullifier string) (*models.NullifierSpend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spend, ok := r.spends[nullifier]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *spend
	return &cp, nil
}

type fakeQueueRootRepo struct {
	mu    sync.Mutex
	roots map[string]*models.QueueRoot
}

func newFakeQueueRootRepo() *fakeQueueRootRepo {
	return &fakeQueueRootRepo{roots: make(map[string]*models.QueueRoot)}
}

func (r *fakeQueueRootRepo) Create(_ context.Context, root *models.QueueRoot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *root
	r.roots[root.Root] = &cp
	return nil
}

func (r *fakeQueueRootRepo) GetByRoot(_ context.Context, root string) (*models.QueueRoot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	qr, ok := r.roots[root]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *qr
	return &cp, nil
}

func (r *fakeQueueRootRepo) GetRecent(_ context.Context, chainID uint32) (*models.QueueRoot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, qr := range r.roots {
		if qr.ChainID == chainID && qr.IsRecent {
			cp := *qr
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeQueueRootRepo) Advance(ctx context.Context, root *models.QueueRoot) error {
	r.mu.Lock()
	for _, qr := range r.roots {
		if qr.ChainID == root.ChainID {
			qr.IsRecent = false
		}
	}
	r.mu.Unlock()
	root.IsRecent = true
	return r.Create(ctx, root)
}

type fakeMultisigRepo struct {
	mu         sync.Mutex
	proposals  map[string]*models.MultisigProposal
	signatures map[string][]*models.MultisigSignature
}

func newFakeMultisigRepo() *fakeMultisigRepo {
	return &fakeMultisigRepo{
		proposals:  make(map[string]*models.MultisigProposal),
		signatures: make(map[string][]*models.MultisigSignature),
	}
}

func (r *fakeMultisigRepo) Create(_ context.Context, proposal *models.MultisigProposal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.proposals {
		if existing.WithdrawRequestID == proposal.WithdrawRequestID && existing.Action == proposal.Action {
			return repository.ErrProposalExists
		}
	}
	cp := *proposal
	r.proposals[proposal.ID] = &cp
	return nil
}

func (r *fakeMultisigRepo) GetByID(_ context.Context, id string) (*models.MultisigProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proposal, ok := r.proposals[id]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *proposal
	return &cp, nil
}

func (r *fakeMultisigRepo) GetByRequestAction(_ context.Context, requestID string, action models.MultisigAction) (*models.MultisigProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, proposal := range r.proposals {
		if proposal.WithdrawRequestID == requestID && proposal.Action == action {
			cp := *proposal
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *fakeMultisigRepo) FindByStatus(_ context.Context, status models.MultisigProposalStatus) ([]*models.MultisigProposal, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.MultisigProposal
	for _, proposal := range r.proposals {
		if proposal.Status == status {
			cp := *proposal
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeMultisigRepo) AddSignature(_ context.Context, sig *models.MultisigSignature) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.signatures[sig.ProposalID] {
		if existing.Signer == sig.Signer {
			return repository.ErrAlreadySigned
		}
	}
	cp := *sig
	r.signatures[sig.ProposalID] = append(r.signatures[sig.ProposalID], &cp)
	return nil
}

func (r *fakeMultisigRepo) CountSignatures(_ context.Context, proposalID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.signatures[proposalID]), nil
}

func (r *fakeMultisigRepo) ListSignatures(_ context.Context, proposalID string) ([]*models.MultisigSignature, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.MultisigSignature{}, r.signatures[proposalID]...), nil
}

func (r *fakeMultisigRepo) CASStatus(_ context.Context, id string, from, to models.MultisigProposalStatus, updates map[string]interface{}) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proposal, ok := r.proposals[id]
	if !ok || proposal.Status != from {
		return false, nil
	}
	proposal.Status = to
	for column, value := range updates {
		switch column {
		case "execute_tx_hash":
			proposal.ExecuteTxHash = value.(string)
		case "error_reason":
			proposal.ErrorReason = value.(string)
		case "executed_at":
			t := value.(time.Time)
			proposal.ExecutedAt = &t
		}
	}
	return true, nil
}

// fakeProver returns a canned terminal job for every submission.
type fakeProver struct {
	mu      sync.Mutex
	job     *types.ProofJob
	submits int
}

func (p *fakeProver) SubmitWithdrawProof(context.Context, *types.WithdrawProofRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	return p.job.JobID, nil
}

func (p *fakeProver) PollJob(context.Context, string) (*types.ProofJob, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := *p.job
	return &cp, nil
}

// fakeSubmitter records broadcasts and returns deterministic hashes.
type fakeSubmitter struct {
	mu           sync.Mutex
	withdrawErr  error
	payoutErr    error
	confirmErr   error
	withdraws    int
	payouts      int
	lastCallData []byte
}

func (s *fakeSubmitter) SubmitWithdraw(_ context.Context, chainID uint32, _, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.withdrawErr != nil {
		return "", s.withdrawErr
	}
	s.withdraws++
	return fmt.Sprintf("0xwithdraw%d%d", chainID, s.withdraws), nil
}

func (s *fakeSubmitter) SubmitPayout(_ context.Context, chainID uint32, callData []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payoutErr != nil {
		return "", s.payoutErr
	}
	s.payouts++
	s.lastCallData = callData
	return fmt.Sprintf("0xpayout%d%d", chainID, s.payouts), nil
}

func (s *fakeSubmitter) WaitConfirmed(_ context.Context, _ uint32, txHash string) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirmErr != nil {
		return nil, s.confirmErr
	}
	return &Receipt{TxHash: txHash, BlockNumber: 100}, nil
}
