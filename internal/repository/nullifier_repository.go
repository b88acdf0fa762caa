package repository

import (
	"context"
	"errors"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

// ErrNullifierSpent means a nullifier was already recorded spent. This is the
// ledger invariant violation code LEDGER_NULLIFIER_SPENT: fatal for the
// presenting request, never retried automatically.
var ErrNullifierSpent = errors.New("nullifier already spent [LEDGER_NULLIFIER_SPENT]")

const pqUniqueViolation = "23505"

// NullifierRepository records consumed nullifiers.
type NullifierRepository interface {
	// MarkSpent inserts spend records for every nullifier. A unique violation
	// on any of them maps to ErrNullifierSpent and rolls back the batch.
	MarkSpent(ctx context.Context, spends []*models.NullifierSpend) error
	IsSpent(ctx context.Context, nullifier string) (bool, error)
	// FilterSpent returns the subset of the given nullifiers that are
	// already recorded spent.
	FilterSpent(ctx context.Context, nullifiers []string) ([]string, error)
	GetSpend(ctx context.Context, nullifier string) (*models.NullifierSpend, error)
}

type nullifierRepository struct {
	db *gorm.DB
}

// NewNullifierRepository creates a gorm-backed NullifierRepository.
func NewNullifierRepository(db *gorm.DB) NullifierRepository {
	return &nullifierRepository{db: db}
}

func (r *nullifierRepository) MarkSpent(ctx context.Context, spends []*models.NullifierSpend) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, spend := range spends {
			if err := tx.Create(spend).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == pqUniqueViolation {
		return ErrNullifierSpent
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrNullifierSpent
	}
	return err
}

func (r *nullifierRepository) IsSpent(ctx context.Context, nullifier string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.NullifierSpend{}).
		Where("nullifier = ?", nullifier).
		Count(&count).Error
	return count > 0, err
}

func (r *nullifierRepository) FilterSpent(ctx context.Context, nullifiers []string) ([]string, error) {
	var spent []string
	err := r.db.WithContext(ctx).Model(&models.NullifierSpend{}).
		Where("nullifier IN ?", nullifiers).
		Pluck("nullifier", &spent).Error
	return spent, err
}

func (r *nullifierRepository) GetSpend(ctx context.Context, nullifier string) (*models.NullifierSpend, error) {
	var spend models.NullifierSpend
	if err := r.db.WithContext(ctx).Where("nullifier = ?", nullifier).First(&spend).Error; err != nil {
		return nil, err
	}
	return &spend, nil
}
