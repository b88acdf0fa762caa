package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

// QueueRootRepository tracks pending commitment roots. The recent root is the
// head of the chain and is what withdraw proofs anchor against.
type QueueRootRepository interface {
	Create(ctx context.Context, root *models.QueueRoot) error
	GetByRoot(ctx context.Context, root string) (*models.QueueRoot, error)
	GetRecent(ctx context.Context, chainID uint32) (*models.QueueRoot, error)
	// Advance records a new head: the previous recent root is demoted and the
	// new one created with IsRecent set, in one transaction.
	Advance(ctx context.Context, root *models.QueueRoot) error
}

type queueRootRepository struct {
	db *gorm.DB
}

// NewQueueRootRepository creates a gorm-backed QueueRootRepository.
func NewQueueRootRepository(db *gorm.DB) QueueRootRepository {
	return &queueRootRepository{db: db}
}

func (r *queueRootRepository) Create(ctx context.Context, root *models.QueueRoot) error {
	return r.db.WithContext(ctx).Create(root).Error
}

func (r *queueRootRepository) GetByRoot(ctx context.Context, root string) (*models.QueueRoot, error) {
	var qr models.QueueRoot
	if err := r.db.WithContext(ctx).Where("root = ?", root).First(&qr).Error; err != nil {
		return nil, err
	}
	return &qr, nil
}

func (r *queueRootRepository) GetRecent(ctx context.Context, chainID uint32) (*models.QueueRoot, error) {
	var qr models.QueueRoot
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND is_recent = ?", chainID, true).
		Order("created_at DESC").
		First(&qr).Error
	if err != nil {
		return nil, err
	}
	return &qr, nil
}

func (r *queueRootRepository) Advance(ctx context.Context, root *models.QueueRoot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.QueueRoot{}).
			Where("chain_id = ? AND is_recent = ?", root.ChainID, true).
			Update("is_recent", false).Error
		if err != nil {
			return err
		}
		root.IsRecent = true
		return tx.Create(root).Error
	})
}
