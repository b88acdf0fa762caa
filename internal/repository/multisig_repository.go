package repository

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

var (
	// ErrProposalExists means a live proposal already exists for the
	// (request, action) pair.
	ErrProposalExists = errors.New("proposal already exists for request and action")
	// ErrAlreadySigned means the signer already signed this proposal.
	ErrAlreadySigned = errors.New("signer already signed proposal")
)

// MultisigRepository is the data access interface for threshold-signature
// proposals and their signatures.
type MultisigRepository interface {
	Create(ctx context.Context, proposal *models.MultisigProposal) error
	GetByID(ctx context.Context, id string) (*models.MultisigProposal, error)
	GetByRequestAction(ctx context.Context, requestID string, action models.MultisigAction) (*models.MultisigProposal, error)
	FindByStatus(ctx context.Context, status models.MultisigProposalStatus) ([]*models.MultisigProposal, error)

	AddSignature(ctx context.Context, sig *models.MultisigSignature) error
	CountSignatures(ctx context.Context, proposalID string) (int, error)
	ListSignatures(ctx context.Context, proposalID string) ([]*models.MultisigSignature, error)

	// CASStatus applies a status transition only if the proposal still holds
	// the expected status; the at-most-once execution guard.
	CASStatus(ctx context.Context, id string, from, to models.MultisigProposalStatus, updates map[string]interface{}) (bool, error)
}

type multisigRepository struct {
	db *gorm.DB
}

// NewMultisigRepository creates a gorm-backed MultisigRepository.
func NewMultisigRepository(db *gorm.DB) MultisigRepository {
	return &multisigRepository{db: db}
}

func (r *multisigRepository) Create(ctx context.Context, proposal *models.MultisigProposal) error {
	err := r.db.WithContext(ctx).Create(proposal).Error
	if isUniqueViolation(err) {
		return ErrProposalExists
	}
	return err
}

func (r *multisigRepository) GetByID(ctx context.Context, id string) (*models.MultisigProposal, error) {
	var proposal models.MultisigProposal
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&proposal).Error; err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (r *multisigRepository) GetByRequestAction(ctx context.Context, requestID string, action models.MultisigAction) (*models.MultisigProposal, error) {
	var proposal models.MultisigProposal
	err := r.db.WithContext(ctx).
		Where("withdraw_request_id = ? AND action = ?", requestID, action).
		First(&proposal).Error
	if err != nil {
		return nil, err
	}
	return &proposal, nil
}

func (r *multisigRepository) FindByStatus(ctx context.Context, status models.MultisigProposalStatus) ([]*models.MultisigProposal, error) {
	var proposals []*models.MultisigProposal
	err := r.db.WithContext(ctx).Where("status = ?", status).Find(&proposals).Error
	return proposals, err
}

func (r *multisigRepository) AddSignature(ctx context.Context, sig *models.MultisigSignature) error {
	err := r.db.WithContext(ctx).Create(sig).Error
	if isUniqueViolation(err) {
		return ErrAlreadySigned
	}
	return err
}

func (r *multisigRepository) CountSignatures(ctx context.Context, proposalID string) (int, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.MultisigSignature{}).
		Where("proposal_id = ?", proposalID).
		Count(&count).Error
	return int(count), err
}

func (r *multisigRepository) ListSignatures(ctx context.Context, proposalID string) ([]*models.MultisigSignature, error) {
	var sigs []*models.MultisigSignature
	err := r.db.WithContext(ctx).
		Where("proposal_id = ?", proposalID).
		Order("created_at ASC").
		Find(&sigs).Error
	return sigs, err
}

func (r *multisigRepository) CASStatus(ctx context.Context, id string, from, to models.MultisigProposalStatus, updates map[string]interface{}) (bool, error) {
	merged := map[string]interface{}{"status": to, "updated_at": time.Now()}
	for k, v := range updates {
		merged[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.MultisigProposal{}).
		Where("id = ? AND status = ?", id, from).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return true
	}
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
