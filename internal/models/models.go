// Package models defines the persisted ledger entities: deposits, checkbooks,
// allocations, commitments, nullifier spends and withdraw requests.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// UniversalAddress is a chain-qualified address. ChainID is the SLIP-44 coin
// type; Data is the 32-byte address payload as 0x-prefixed hex.
type UniversalAddress struct {
	ChainID uint32 `json:"chain_id" gorm:"column:chain_id;not null"`
	Data    string `json:"data" gorm:"not null;size:66"`
}

// Equal reports whether two universal addresses refer to the same account.
func (a UniversalAddress) Equal(b UniversalAddress) bool {
	return a.ChainID == b.ChainID && a.Data == b.Data
}

// Deposit is an observed inbound transfer on a source chain. Rows are
// immutable once recorded; the block scanner is the only writer.
type Deposit struct {
	ID             string  `json:"id" gorm:"primaryKey"` // UUID
	ChainID        uint32  `json:"chain_id" gorm:"not null;index:idx_deposit_chain_local,unique"`
	LocalDepositID uint64  `json:"local_deposit_id" gorm:"not null;index:idx_deposit_chain_local,unique"`
	Depositor      UniversalAddress `json:"depositor" gorm:"embedded;embeddedPrefix:depositor_"`
	TokenKey       string  `json:"token_key" gorm:"size:50;not null"`
	GrossAmount    string  `json:"gross_amount" gorm:"not null"`       // uint256 as decimal string
	AllocatableAmount string `json:"allocatable_amount" gorm:"not null"`
	TxHash         string  `json:"tx_hash" gorm:"size:66;index;not null"`
	BlockNumber    uint64  `json:"block_number" gorm:"not null"`
	ObservedAt     time.Time `json:"observed_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// CheckbookStatus is the lifecycle of a checkbook.
type CheckbookStatus string

const (
	CheckbookStatusActive    CheckbookStatus = "active"
	CheckbookStatusCommitted CheckbookStatus = "committed" // allocations bound into a commitment
	CheckbookStatusDeleted   CheckbookStatus = "deleted"   // logical delete, only while owned and unused
)

// Checkbook groups one observed deposit with its owner, token and source
// chain. Allocations are drawn from it at commitment-submission time.
type Checkbook struct {
	ID             string `json:"id" gorm:"primaryKey"` // UUID
	DepositID      string `json:"deposit_id" gorm:"not null;uniqueIndex"`
	ChainID        uint32 `json:"chain_id" gorm:"not null;index"` // source chain (SLIP-44)
	LocalDepositID uint64 `json:"local_deposit_id" gorm:"not null"`

	Owner    UniversalAddress `json:"owner" gorm:"embedded;embeddedPrefix:owner_"`
	TokenKey string           `json:"token_key" gorm:"size:50;not null;index"`
	Amount   string           `json:"amount" gorm:"not null"` // allocatable amount, uint256 string

	Status         CheckbookStatus `json:"status" gorm:"not null;default:'active';index"`
	CommitmentRoot *string         `json:"commitment_root,omitempty" gorm:"size:66"`

	Allocations []Allocation `json:"allocations,omitempty" gorm:"foreignKey:CheckbookID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationStatus is the tri-state of a spendable unit. Transitions are
// idle -> locked (withdraw request created), locked -> idle (cancel/release)
// and locked -> used (nullifier confirmed spent, irreversible).
type AllocationStatus string

const (
	AllocationStatusIdle   AllocationStatus = "idle"
	AllocationStatusLocked AllocationStatus = "locked"
	AllocationStatusUsed   AllocationStatus = "used"
)

// Allocation is the minimal spendable unit ("check") drawn from a checkbook:
// a sequence number plus an amount. The nullifier is derived when the batch
// is bound into a commitment and is unique across the whole ledger.
type Allocation struct {
	ID          string `json:"id" gorm:"primaryKey"` // UUID
	CheckbookID string `json:"checkbook_id" gorm:"not null;index"`

	Seq    uint8  `json:"seq" gorm:"not null"`
	Amount string `json:"amount" gorm:"not null"` // uint256 as decimal string

	Status    AllocationStatus `json:"status" gorm:"not null;default:'idle';index"`
	Nullifier string           `json:"nullifier" gorm:"size:66;uniqueIndex"`

	CommitmentID      *string `json:"commitment_id,omitempty" gorm:"index"`
	WithdrawRequestID *string `json:"withdraw_request_id,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CommitmentStatus is the lifecycle of a commitment root.
type CommitmentStatus string

const (
	CommitmentStatusPending   CommitmentStatus = "pending"
	CommitmentStatusFinalized CommitmentStatus = "finalized"
)

// Commitment is a merkle-root snapshot binding a batch of allocations,
// produced by a commitment proof. Immutable once finalized.
type Commitment struct {
	ID          string `json:"id" gorm:"primaryKey"` // UUID
	CheckbookID string `json:"checkbook_id" gorm:"not null;index"`

	Root    string `json:"root" gorm:"size:66;uniqueIndex;not null"`
	OldRoot string `json:"old_root" gorm:"size:66"`
	NewRoot string `json:"new_root" gorm:"size:66"`

	Status CommitmentStatus `json:"status" gorm:"not null;default:'pending';index"`
	TxHash string           `json:"tx_hash" gorm:"size:66"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NullifierSpend records a consumed nullifier. The primary key is the
// nullifier itself: a second insert for the same value fails with a unique
// violation, which is the double-spend guard of last resort.
type NullifierSpend struct {
	Nullifier         string    `json:"nullifier" gorm:"primaryKey;size:66"`
	WithdrawRequestID string    `json:"withdraw_request_id" gorm:"not null;index"`
	ChainID           uint32    `json:"chain_id" gorm:"not null"`
	TxHash            string    `json:"tx_hash" gorm:"size:66;not null"`
	SpentAt           time.Time `json:"spent_at"`
}

// QueueRoot is a pending commitment root awaiting finalization. Roots form a
// chain via PreviousRoot; IsRecent marks the head.
type QueueRoot struct {
	ID           string    `json:"id" gorm:"primaryKey"` // UUID
	Root         string    `json:"root" gorm:"size:66;not null;index"`
	PreviousRoot string    `json:"previous_root" gorm:"size:66"`
	IsRecent     bool      `json:"is_recent" gorm:"default:false;index"`
	ChainID      uint32    `json:"chain_id" gorm:"index"`
	BlockNumber  uint64    `json:"block_number"`
	CreatedAt    time.Time `json:"created_at"`
}

// IntentKind distinguishes the two withdrawal intent variants.
type IntentKind uint8

const (
	IntentKindRawToken   IntentKind = 0
	IntentKindAssetToken IntentKind = 1
)

// WithdrawRequest aggregates locked allocations with an intent and the
// caller's signature, and tracks the three independent status axes through
// the settlement pipeline. It is the single source of truth every poller
// consults; the typed axes live in status.go.
type WithdrawRequest struct {
	ID string `json:"id" gorm:"primaryKey"` // UUID

	// Tracking nullifier (= nullifiers[0]); the on-chain request id.
	Nullifier string `json:"nullifier" gorm:"size:66;uniqueIndex;not null"`
	QueueRoot string `json:"queue_root" gorm:"size:66"`

	Owner UniversalAddress `json:"owner" gorm:"embedded;embeddedPrefix:owner_"`

	// Intent (flattened; canonical serialization lives in the intent package)
	IntentKind     IntentKind       `json:"intent_kind" gorm:"not null;default:0"`
	Beneficiary    UniversalAddress `json:"beneficiary" gorm:"embedded;embeddedPrefix:beneficiary_"`
	TokenSymbol    string           `json:"token_symbol" gorm:"size:50"` // RawToken symbol or AssetToken symbol
	AssetID        string           `json:"asset_id" gorm:"size:66"`     // AssetToken only
	PreferredChain *uint32          `json:"preferred_chain,omitempty"`   // AssetToken only, optional
	MinOutput      string           `json:"min_output" gorm:"size:66"`   // bytes32 hex, zero when unset

	Amount        string `json:"amount" gorm:"not null"`            // sum of allocation amounts
	AllocationIDs string `json:"allocation_ids" gorm:"type:json"`   // JSON array of allocation UUIDs
	Signature     string `json:"signature" gorm:"type:text;not null"`

	// Proof axis
	ProofStatus    ProofStatus `json:"proof_status" gorm:"not null;default:'pending';index"`
	ProofJobID     string      `json:"proof_job_id" gorm:"size:66"`
	Proof          string      `json:"proof" gorm:"type:text"`
	PublicValues   string      `json:"public_values" gorm:"type:text"`
	ProofError     string      `json:"proof_error" gorm:"type:text"`
	ProofStartedAt *time.Time  `json:"proof_started_at"`
	ProofReadyAt   *time.Time  `json:"proof_ready_at"`

	// Execute axis
	ExecuteStatus      ExecuteStatus `json:"execute_status" gorm:"not null;default:'pending';index"`
	ExecuteChainID     *uint32       `json:"execute_chain_id"`
	ExecuteTxHash      string        `json:"execute_tx_hash" gorm:"size:66"`
	ExecuteBlockNumber *uint64       `json:"execute_block_number"`
	ExecuteError       string        `json:"execute_error" gorm:"type:text"`
	SubmittedAt        *time.Time    `json:"submitted_at"`
	ConfirmedAt        *time.Time    `json:"confirmed_at"`
	CancelledAt        *time.Time    `json:"cancelled_at"`

	// Payout axis
	PayoutStatus      PayoutStatus `json:"payout_status" gorm:"not null;default:'pending';index"`
	ProposalID        *string      `json:"proposal_id,omitempty" gorm:"index"`
	PayoutTxHash      string       `json:"payout_tx_hash" gorm:"size:66"`
	PayoutError       string       `json:"payout_error" gorm:"type:text"`
	PayoutStartedAt   *time.Time   `json:"payout_started_at"`
	PayoutCompletedAt *time.Time   `json:"payout_completed_at"`
	TimeoutClaimedAt  *time.Time   `json:"timeout_claimed_at"`

	// Fallback: when set, payout bypasses the hook/adapter path and transfers
	// the raw underlying token directly to the beneficiary.
	FallbackRequested bool       `json:"fallback_requested" gorm:"default:false"`
	PayoutRetryCount  int        `json:"payout_retry_count" gorm:"default:0"`
	PayoutLastRetryAt *time.Time `json:"payout_last_retry_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AllocationIDList decodes the stored allocation id array.
func (w *WithdrawRequest) AllocationIDList() ([]string, error) {
	if w.AllocationIDs == "" {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(w.AllocationIDs), &ids); err != nil {
		return nil, fmt.Errorf("decode allocation ids for request %s: %w", w.ID, err)
	}
	return ids, nil
}

// SetAllocationIDList stores the allocation id array as JSON.
func (w *WithdrawRequest) SetAllocationIDList(ids []string) error {
	data, err := json.Marshal(ids)
	if err != nil {
		return err
	}
	w.AllocationIDs = string(data)
	return nil
}

// CanCancel reports whether the request may still be cancelled. Cancellation
// is only valid before the point of no return: nothing broadcast yet, payout
// not started, or the proof was rejected and allocations must be released.
func (w *WithdrawRequest) CanCancel() bool {
	if w.PayoutStatus != PayoutStatusPending {
		return false
	}
	return w.ExecuteStatus == ExecuteStatusPending || w.ProofStatus == ProofStatusVerifyFailed
}

// IsTerminal reports whether no further transitions are possible.
func (w *WithdrawRequest) IsTerminal() bool {
	if w.ExecuteStatus == ExecuteStatusCancelled {
		return true
	}
	return w.ExecuteStatus == ExecuteStatusConfirmed &&
		(w.PayoutStatus == PayoutStatusCompleted || w.PayoutStatus == PayoutStatusTimeoutClaimed)
}
