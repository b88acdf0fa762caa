// Package repository provides data access for the settlement ledger. All
// multi-instance correctness guards live here: allocation locking is a
// compare-and-set on status, nullifier spends are inserts against a unique
// constraint.
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/veilpay/settlement/internal/models"
)

// ErrAllocationNotIdle is returned when a lock attempt finds any requested
// allocation outside the idle state; nothing is modified in that case.
var ErrAllocationNotIdle = errors.New("allocation is not idle")

// AllocationRepository is the data access interface for allocations.
type AllocationRepository interface {
	Create(ctx context.Context, allocation *models.Allocation) error
	CreateBatch(ctx context.Context, allocations []*models.Allocation) error
	GetByID(ctx context.Context, id string) (*models.Allocation, error)
	GetByIDs(ctx context.Context, ids []string) ([]*models.Allocation, error)
	GetByNullifier(ctx context.Context, nullifier string) (*models.Allocation, error)
	FindByCheckbook(ctx context.Context, checkbookID string) ([]*models.Allocation, error)
	FindByWithdrawRequest(ctx context.Context, requestID string) ([]*models.Allocation, error)

	// Lock atomically moves every listed allocation idle -> locked and binds
	// it to the request. If any allocation is not idle the whole call fails
	// with ErrAllocationNotIdle and no row changes.
	Lock(ctx context.Context, ids []string, requestID string) error
	// Release moves locked allocations back to idle and unbinds the request.
	Release(ctx context.Context, ids []string) error
	// MarkUsed moves locked allocations to used. Irreversible.
	MarkUsed(ctx context.Context, ids []string) error
}

type allocationRepository struct {
	db *gorm.DB
}

// NewAllocationRepository creates a gorm-backed AllocationRepository.
func NewAllocationRepository(db *gorm.DB) AllocationRepository {
	return &allocationRepository{db: db}
}

func (r *allocationRepository) Create(ctx context.Context, allocation *models.Allocation) error {
	return r.db.WithContext(ctx).Create(allocation).Error
}

func (r *allocationRepository) CreateBatch(ctx context.Context, allocations []*models.Allocation) error {
	return r.db.WithContext(ctx).CreateInBatches(allocations, 100).Error
}

func (r *allocationRepository) GetByID(ctx context.Context, id string) (*models.Allocation, error) {
	var allocation models.Allocation
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

func (r *allocationRepository) GetByIDs(ctx context.Context, ids []string) ([]*models.Allocation, error) {
	var allocations []*models.Allocation
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Order("seq ASC").Find(&allocations).Error
	return allocations, err
}

func (r *allocationRepository) GetByNullifier(ctx context.Context, nullifier string) (*models.Allocation, error) {
	var allocation models.Allocation
	if err := r.db.WithContext(ctx).Where("nullifier = ?", nullifier).First(&allocation).Error; err != nil {
		return nil, err
	}
	return &allocation, nil
}

func (r *allocationRepository) FindByCheckbook(ctx context.Context, checkbookID string) ([]*models.Allocation, error) {
	var allocations []*models.Allocation
	err := r.db.WithContext(ctx).
		Where("checkbook_id = ?", checkbookID).
		Order("seq ASC").
		Find(&allocations).Error
	return allocations, err
}

func (r *allocationRepository) FindByWithdrawRequest(ctx context.Context, requestID string) ([]*models.Allocation, error) {
	var allocations []*models.Allocation
	err := r.db.WithContext(ctx).
		Where("withdraw_request_id = ?", requestID).
		Order("seq ASC").
		Find(&allocations).Error
	return allocations, err
}

func (r *allocationRepository) Lock(ctx context.Context, ids []string, requestID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Allocation{}).
			Where("id IN ? AND status = ?", ids, models.AllocationStatusIdle).
			Updates(map[string]interface{}{
				"status":              models.AllocationStatusLocked,
				"withdraw_request_id": requestID,
			})
		if res.Error != nil {
			return res.Error
		}
		// A partial match means some allocation raced into locked/used; the
		// transaction rollback undoes the rows that did match.
		if res.RowsAffected != int64(len(ids)) {
			return fmt.Errorf("%w: locked %d of %d", ErrAllocationNotIdle, res.RowsAffected, len(ids))
		}
		return nil
	})
}

func (r *allocationRepository) Release(ctx context.Context, ids []string) error {
	return r.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("id IN ? AND status = ?", ids, models.AllocationStatusLocked).
		Updates(map[string]interface{}{
			"status":              models.AllocationStatusIdle,
			"withdraw_request_id": nil,
		}).Error
}

func (r *allocationRepository) MarkUsed(ctx context.Context, ids []string) error {
	return r.db.WithContext(ctx).Model(&models.Allocation{}).
		Where("id IN ? AND status = ?", ids, models.AllocationStatusLocked).
		Update("status", models.AllocationStatusUsed).Error
}
