package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

// ErrCheckbookInUse is returned when deleting a checkbook that still has
// non-idle allocations.
var ErrCheckbookInUse = errors.New("checkbook has locked or used allocations")

// CheckbookRepository is the data access interface for checkbooks.
type CheckbookRepository interface {
	Create(ctx context.Context, checkbook *models.Checkbook) error
	GetByID(ctx context.Context, id string) (*models.Checkbook, error)
	GetByDeposit(ctx context.Context, chainID uint32, localDepositID uint64) (*models.Checkbook, error)
	Update(ctx context.Context, checkbook *models.Checkbook) error
	FindByOwner(ctx context.Context, owner models.UniversalAddress) ([]*models.Checkbook, error)
	// SoftDelete flips the status flag to deleted, but only while the
	// checkbook is owned by the caller and every allocation is idle.
	SoftDelete(ctx context.Context, id string, owner models.UniversalAddress) error
	SetCommitmentRoot(ctx context.Context, id, root string) error
}

type checkbookRepository struct {
	db *gorm.DB
}

// NewCheckbookRepository creates a gorm-backed CheckbookRepository.
func NewCheckbookRepository(db *gorm.DB) CheckbookRepository {
	return &checkbookRepository{db: db}
}

func (r *checkbookRepository) Create(ctx context.Context, checkbook *models.Checkbook) error {
	return r.db.WithContext(ctx).Create(checkbook).Error
}

func (r *checkbookRepository) GetByID(ctx context.Context, id string) (*models.Checkbook, error) {
	var checkbook models.Checkbook
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&checkbook).Error; err != nil {
		return nil, err
	}
	return &checkbook, nil
}

func (r *checkbookRepository) GetByDeposit(ctx context.Context, chainID uint32, localDepositID uint64) (*models.Checkbook, error) {
	var checkbook models.Checkbook
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND local_deposit_id = ?", chainID, localDepositID).
		First(&checkbook).Error
	if err != nil {
		return nil, err
	}
	return &checkbook, nil
}

func (r *checkbookRepository) Update(ctx context.Context, checkbook *models.Checkbook) error {
	return r.db.WithContext(ctx).Save(checkbook).Error
}

func (r *checkbookRepository) FindByOwner(ctx context.Context, owner models.UniversalAddress) ([]*models.Checkbook, error) {
	var checkbooks []*models.Checkbook
	err := r.db.WithContext(ctx).
		Where("owner_chain_id = ? AND owner_data = ? AND status <> ?",
			owner.ChainID, owner.Data, models.CheckbookStatusDeleted).
		Order("created_at DESC").
		Find(&checkbooks).Error
	return checkbooks, err
}

func (r *checkbookRepository) SoftDelete(ctx context.Context, id string, owner models.UniversalAddress) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var busy int64
		err := tx.Model(&models.Allocation{}).
			Where("checkbook_id = ? AND status <> ?", id, models.AllocationStatusIdle).
			Count(&busy).Error
		if err != nil {
			return err
		}
		if busy > 0 {
			return ErrCheckbookInUse
		}

		res := tx.Model(&models.Checkbook{}).
			Where("id = ? AND owner_chain_id = ? AND owner_data = ?", id, owner.ChainID, owner.Data).
			Update("status", models.CheckbookStatusDeleted)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
}

func (r *checkbookRepository) SetCommitmentRoot(ctx context.Context, id, root string) error {
	return r.db.WithContext(ctx).Model(&models.Checkbook{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"commitment_root": root,
			"status":          models.CheckbookStatusCommitted,
		}).Error
}
