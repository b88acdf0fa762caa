package models

import "time"

// MultisigProposalStatus is the lifecycle of a threshold-signature proposal.
type MultisigProposalStatus string

const (
	MultisigProposalStatusPending   MultisigProposalStatus = "pending"   // collecting signatures
	MultisigProposalStatusExecuting MultisigProposalStatus = "executing" // quorum reached, broadcast in flight
	MultisigProposalStatusExecuted  MultisigProposalStatus = "executed"
	MultisigProposalStatusFailed    MultisigProposalStatus = "failed" // explicit retry required
	MultisigProposalStatusExpired   MultisigProposalStatus = "expired"
)

// MultisigAction names the payout action a proposal approves.
type MultisigAction string

const (
	MultisigActionPayout   MultisigAction = "payout"
	MultisigActionFallback MultisigAction = "fallback" // direct token transfer, hook bypassed
)

// MultisigProposal accumulates operator signatures toward a per-chain
// threshold. Keyed by (withdraw request id, action): a request gets at most
// one live proposal per action, and Execute runs at most once, guarded by the
// pending -> executing status compare-and-set.
type MultisigProposal struct {
	ID string `json:"id" gorm:"primaryKey"` // UUID

	WithdrawRequestID string         `json:"withdraw_request_id" gorm:"size:64;not null;index:idx_proposal_request_action,unique"`
	Action            MultisigAction `json:"action" gorm:"size:20;not null;index:idx_proposal_request_action,unique"`
	ChainID           uint32         `json:"chain_id" gorm:"not null;index"`

	CallData  string `json:"call_data" gorm:"type:text;not null"` // hex payout calldata
	Threshold int    `json:"threshold" gorm:"not null"`

	Status        MultisigProposalStatus `json:"status" gorm:"not null;default:'pending';index"`
	ExecuteTxHash string                 `json:"execute_tx_hash" gorm:"size:66"`
	ErrorReason   string                 `json:"error_reason" gorm:"type:text"`
	ExecutedAt    *time.Time             `json:"executed_at"`

	Signatures []MultisigSignature `json:"signatures,omitempty" gorm:"foreignKey:ProposalID"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Executable reports whether the quorum is met and execution has not started.
func (p *MultisigProposal) Executable(signatureCount int) bool {
	return p.Status == MultisigProposalStatusPending && signatureCount >= p.Threshold
}

// MultisigSignature is one operator signature over a proposal. The
// (proposal, signer) unique index makes double-signing a no-op at the
// persistence layer.
type MultisigSignature struct {
	ID         uint64    `json:"id" gorm:"primaryKey;autoIncrement"`
	ProposalID string    `json:"proposal_id" gorm:"size:64;not null;index:idx_sig_proposal_signer,unique"`
	Signer     string    `json:"signer" gorm:"size:66;not null;index:idx_sig_proposal_signer,unique"`
	Signature  string    `json:"signature" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"`
}
