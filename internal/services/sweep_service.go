package services

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/metrics"
	"github.com/veilpay/settlement/internal/models"
	"github.com/veilpay/settlement/internal/repository"
	"github.com/veilpay/settlement/internal/types"
)

// SweepService is the stall detector. It periodically scans every in-flight
// stage and either resolves what can be resolved from ledger evidence or
// flags the request retryable. It never invents outcomes: a stuck broadcast
// is only confirmed when every nullifier is recorded spent.
type SweepService struct {
	withdrawRepo  repository.WithdrawRequestRepository
	nullifierRepo repository.NullifierRepository
	multisigRepo  repository.MultisigRepository
	withdraw      *WithdrawService
	cfg           config.SweepConfig
	log           *logrus.Entry

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewSweepService wires the sweeper.
func NewSweepService(
	withdrawRepo repository.WithdrawRequestRepository,
	nullifierRepo repository.NullifierRepository,
	multisigRepo repository.MultisigRepository,
	withdraw *WithdrawService,
	cfg config.SweepConfig,
	log *logrus.Logger,
) *SweepService {
	return &SweepService{
		withdrawRepo:  withdrawRepo,
		nullifierRepo: nullifierRepo,
		multisigRepo:  multisigRepo,
		withdraw:      withdraw,
		cfg:           cfg,
		log:           log.WithField("component", "sweep"),
		stop:          make(chan struct{}),
	}
}

// Start launches the periodic sweep loop.
func (s *SweepService) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		interval := time.Duration(s.cfg.Interval) * time.Second
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.log.WithField("interval", interval).Info("sweep loop started")
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.Sweep(context.Background())
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *SweepService) Stop() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
	s.log.Info("sweep loop stopped")
}

// Sweep runs one pass over every stage. Exported so an operator endpoint or
// a test can trigger it directly.
func (s *SweepService) Sweep(ctx context.Context) {
	s.sweepProofs(ctx)
	s.sweepBroadcasts(ctx)
	s.sweepConfirmations(ctx)
	s.sweepQuorums(ctx)
	s.sweepPayouts(ctx)
}

// sweepProofs fails proof attempts that exceeded the proving deadline so a
// retry can re-enter.
func (s *SweepService) sweepProofs(ctx context.Context) {
	requests, err := s.withdrawRepo.FindByProofStatus(ctx, models.ProofStatusGenerating)
	if err != nil {
		s.log.WithError(err).Error("scan generating proofs")
		return
	}
	deadline := time.Duration(s.cfg.ProofTimeout) * time.Second

	for _, request := range requests {
		started := request.UpdatedAt
		if request.ProofStartedAt != nil {
			started = *request.ProofStartedAt
		}
		if time.Since(started) < deadline {
			continue
		}

		won, err := s.withdrawRepo.CASProofStatus(ctx, request.ID,
			models.ProofStatusGenerating, models.ProofStatusVerifyFailed,
			map[string]interface{}{"proof_error": "proof generation timed out"})
		if err != nil || !won {
			continue
		}
		if _, err := s.withdrawRepo.CASExecuteStatus(ctx, request.ID,
			models.ExecuteStatusProofGenerating, models.ExecuteStatusPending, nil); err != nil {
			s.log.WithError(err).WithField("request_id", request.ID).Error("reset execute axis")
		}
		metrics.SweepFlagged.WithLabelValues("proof").Inc()
		s.log.WithField("request_id", request.ID).Warn("stalled proof flagged retryable")
	}
}

// sweepBroadcasts fails submitting requests whose broadcast never produced a
// transaction hash within the window. Nothing was observably sent, so the
// retry re-broadcasts.
func (s *SweepService) sweepBroadcasts(ctx context.Context) {
	requests, err := s.withdrawRepo.FindByExecuteStatus(ctx, models.ExecuteStatusSubmitting)
	if err != nil {
		s.log.WithError(err).Error("scan submitting requests")
		return
	}
	deadline := time.Duration(s.cfg.SubmitTimeout) * time.Second

	for _, request := range requests {
		if time.Since(request.UpdatedAt) < deadline {
			continue
		}
		won, err := s.withdrawRepo.CASExecuteStatus(ctx, request.ID,
			models.ExecuteStatusSubmitting, models.ExecuteStatusFailed,
			map[string]interface{}{"execute_error": "broadcast timed out"})
		if err != nil || !won {
			continue
		}
		metrics.SweepFlagged.WithLabelValues("submit").Inc()
		s.log.WithField("request_id", request.ID).Warn("stalled broadcast flagged retryable")
	}
}

// sweepConfirmations resolves submitted requests whose confirmation wait was
// cut short. The ledger decides: if every nullifier of the proof is recorded
// spent the transaction landed and the request is confirmed; otherwise it is
// flagged for a re-broadcast.
func (s *SweepService) sweepConfirmations(ctx context.Context) {
	requests, err := s.withdrawRepo.FindByExecuteStatus(ctx, models.ExecuteStatusSubmitted)
	if err != nil {
		s.log.WithError(err).Error("scan submitted requests")
		return
	}
	deadline := time.Duration(s.cfg.SubmitTimeout) * time.Second

	for _, request := range requests {
		submitted := request.UpdatedAt
		if request.SubmittedAt != nil {
			submitted = *request.SubmittedAt
		}
		if time.Since(submitted) < deadline {
			continue
		}

		decoded, err := types.DecodeWithdrawPublicValues(request.PublicValues)
		if err != nil {
			s.log.WithError(err).WithField("request_id", request.ID).Error("decode public values")
			continue
		}
		spent, err := s.nullifierRepo.FilterSpent(ctx, decoded.Nullifiers)
		if err != nil {
			s.log.WithError(err).WithField("request_id", request.ID).Error("check nullifier spends")
			continue
		}

		if len(spent) == len(decoded.Nullifiers) {
			if _, err := s.withdrawRepo.CASExecuteStatus(ctx, request.ID,
				models.ExecuteStatusSubmitted, models.ExecuteStatusConfirmed,
				map[string]interface{}{"confirmed_at": time.Now()}); err != nil {
				s.log.WithError(err).WithField("request_id", request.ID).Error("confirm from ledger")
			}
			s.log.WithField("request_id", request.ID).Info("confirmation recovered from spend records")
			continue
		}

		won, err := s.withdrawRepo.CASExecuteStatus(ctx, request.ID,
			models.ExecuteStatusSubmitted, models.ExecuteStatusFailed,
			map[string]interface{}{"execute_error": "confirmation wait timed out"})
		if err != nil || !won {
			continue
		}
		metrics.SweepFlagged.WithLabelValues("submit").Inc()
		s.log.WithField("request_id", request.ID).Warn("unconfirmed submission flagged retryable")
	}
}

// sweepQuorums flags proposals that sat below threshold past the quorum
// window. Signatures stay valid; the flag is for operator attention, the
// request itself remains claimable through the payout timeout.
func (s *SweepService) sweepQuorums(ctx context.Context) {
	proposals, err := s.multisigRepo.FindByStatus(ctx, models.MultisigProposalStatusPending)
	if err != nil {
		s.log.WithError(err).Error("scan pending proposals")
		return
	}
	deadline := time.Duration(s.cfg.MultisigTimeout) * time.Second

	for _, proposal := range proposals {
		if time.Since(proposal.CreatedAt) < deadline {
			continue
		}
		metrics.SweepFlagged.WithLabelValues("multisig").Inc()
		s.log.WithFields(logrus.Fields{
			"proposal_id": proposal.ID,
			"request_id":  proposal.WithdrawRequestID,
			"age":         time.Since(proposal.CreatedAt).Round(time.Second),
		}).Warn("proposal below quorum past deadline")
	}
}

// sweepPayouts restarts the payout stage for confirmed requests whose payout
// never began, typically after a crash between the confirmation write and
// the payout entry.
func (s *SweepService) sweepPayouts(ctx context.Context) {
	requests, err := s.withdrawRepo.FindByPayoutStatus(ctx, models.PayoutStatusPending)
	if err != nil {
		s.log.WithError(err).Error("scan pending payouts")
		return
	}
	grace := time.Duration(s.cfg.Interval) * time.Second

	for _, request := range requests {
		if request.ExecuteStatus != models.ExecuteStatusConfirmed {
			continue
		}
		confirmed := request.UpdatedAt
		if request.ConfirmedAt != nil {
			confirmed = *request.ConfirmedAt
		}
		if time.Since(confirmed) < grace {
			continue
		}
		if err := s.withdraw.payoutStage(ctx, request.ID); err != nil {
			s.log.WithError(err).WithField("request_id", request.ID).Warn("payout restart failed")
		} else {
			s.log.WithField("request_id", request.ID).Info("payout stage restarted")
		}
	}
}
