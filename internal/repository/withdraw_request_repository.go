package repository

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

// WithdrawRequestRepository is the data access interface for withdraw
// requests. The CAS* methods are the optimistic-concurrency primitive every
// stage transition uses: the update applies only if the axis still holds the
// expected value, and the boolean result says whether this caller won.
type WithdrawRequestRepository interface {
	Create(ctx context.Context, request *models.WithdrawRequest) error
	GetByID(ctx context.Context, id string) (*models.WithdrawRequest, error)
	GetByNullifier(ctx context.Context, nullifier string) (*models.WithdrawRequest, error)
	Delete(ctx context.Context, id string) error

	FindByOwner(ctx context.Context, owner models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error)
	FindByBeneficiary(ctx context.Context, beneficiary models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error)
	FindByProofStatus(ctx context.Context, status models.ProofStatus) ([]*models.WithdrawRequest, error)
	FindByExecuteStatus(ctx context.Context, status models.ExecuteStatus) ([]*models.WithdrawRequest, error)
	FindByPayoutStatus(ctx context.Context, status models.PayoutStatus) ([]*models.WithdrawRequest, error)

	// UpdateFields writes non-status columns without touching any axis.
	UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error

	CASProofStatus(ctx context.Context, id string, from, to models.ProofStatus, updates map[string]interface{}) (bool, error)
	CASExecuteStatus(ctx context.Context, id string, from, to models.ExecuteStatus, updates map[string]interface{}) (bool, error)
	CASPayoutStatus(ctx context.Context, id string, from, to models.PayoutStatus, updates map[string]interface{}) (bool, error)
}

type withdrawRequestRepository struct {
	db *gorm.DB
}

// NewWithdrawRequestRepository creates a gorm-backed WithdrawRequestRepository.
func NewWithdrawRequestRepository(db *gorm.DB) WithdrawRequestRepository {
	return &withdrawRequestRepository{db: db}
}

func (r *withdrawRequestRepository) Create(ctx context.Context, request *models.WithdrawRequest) error {
	return r.db.WithContext(ctx).Create(request).Error
}

func (r *withdrawRequestRepository) GetByID(ctx context.Context, id string) (*models.WithdrawRequest, error) {
	var request models.WithdrawRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *withdrawRequestRepository) GetByNullifier(ctx context.Context, nullifier string) (*models.WithdrawRequest, error) {
	var request models.WithdrawRequest
	if err := r.db.WithContext(ctx).Where("nullifier = ?", nullifier).First(&request).Error; err != nil {
		return nil, err
	}
	return &request, nil
}

func (r *withdrawRequestRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.WithdrawRequest{}).Error
}

func (r *withdrawRequestRepository) FindByOwner(ctx context.Context, owner models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error) {
	return r.findByAddress(ctx, "owner_chain_id = ? AND owner_data = ?", owner, page, pageSize)
}

func (r *withdrawRequestRepository) FindByBeneficiary(ctx context.Context, beneficiary models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error) {
	return r.findByAddress(ctx, "beneficiary_chain_id = ? AND beneficiary_data = ?", beneficiary, page, pageSize)
}

func (r *withdrawRequestRepository) findByAddress(ctx context.Context, cond string, addr models.UniversalAddress, page, pageSize int) ([]*models.WithdrawRequest, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	query := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).Where(cond, addr.ChainID, addr.Data)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var requests []*models.WithdrawRequest
	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&requests).Error
	return requests, total, err
}

func (r *withdrawRequestRepository) FindByProofStatus(ctx context.Context, status models.ProofStatus) ([]*models.WithdrawRequest, error) {
	var requests []*models.WithdrawRequest
	err := r.db.WithContext(ctx).Where("proof_status = ?", status).Find(&requests).Error
	return requests, err
}

func (r *withdrawRequestRepository) FindByExecuteStatus(ctx context.Context, status models.ExecuteStatus) ([]*models.WithdrawRequest, error) {
	var requests []*models.WithdrawRequest
	err := r.db.WithContext(ctx).Where("execute_status = ?", status).Find(&requests).Error
	return requests, err
}

func (r *withdrawRequestRepository) FindByPayoutStatus(ctx context.Context, status models.PayoutStatus) ([]*models.WithdrawRequest, error) {
	var requests []*models.WithdrawRequest
	err := r.db.WithContext(ctx).Where("payout_status = ?", status).Find(&requests).Error
	return requests, err
}

func (r *withdrawRequestRepository) UpdateFields(ctx context.Context, id string, updates map[string]interface{}) error {
	merged := map[string]interface{}{"updated_at": time.Now()}
	for k, v := range updates {
		merged[k] = v
	}
	return r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ?", id).
		Updates(merged).Error
}

func (r *withdrawRequestRepository) CASProofStatus(ctx context.Context, id string, from, to models.ProofStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidateProofTransition(from, to); err != nil {
		return false, err
	}
	return r.cas(ctx, id, "proof_status", string(from), string(to), updates)
}

func (r *withdrawRequestRepository) CASExecuteStatus(ctx context.Context, id string, from, to models.ExecuteStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidateExecuteTransition(from, to); err != nil {
		return false, err
	}
	return r.cas(ctx, id, "execute_status", string(from), string(to), updates)
}

func (r *withdrawRequestRepository) CASPayoutStatus(ctx context.Context, id string, from, to models.PayoutStatus, updates map[string]interface{}) (bool, error) {
	if err := models.ValidatePayoutTransition(from, to); err != nil {
		return false, err
	}
	return r.cas(ctx, id, "payout_status", string(from), string(to), updates)
}

func (r *withdrawRequestRepository) cas(ctx context.Context, id, column, from, to string, updates map[string]interface{}) (bool, error) {
	merged := map[string]interface{}{column: to, "updated_at": time.Now()}
	for k, v := range updates {
		merged[k] = v
	}
	res := r.db.WithContext(ctx).Model(&models.WithdrawRequest{}).
		Where("id = ? AND "+column+" = ?", id, from).
		Updates(merged)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
