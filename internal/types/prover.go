package types

// Wire shapes for the proving service. Submit returns a job id; the job is
// then polled until it reports a terminal status.

// AllocationCredential carries one allocation's spend credentials: its seq,
// amount and the merkle path anchoring it under the commitment root.
type AllocationCredential struct {
	Seq        uint8    `json:"seq"`
	Amount     string   `json:"amount"` // 32-byte hex, no 0x prefix
	Nullifier  string   `json:"nullifier"`
	MerklePath []string `json:"merkle_path"`
	PathIndex  uint32   `json:"path_index"`
}

// CommitmentGroup groups the credentials of one commitment, with the queue
// roots before and after it was appended.
type CommitmentGroup struct {
	CommitmentRoot string                 `json:"commitment_root"`
	RootBefore     string                 `json:"root_before"`
	RootAfter      string                 `json:"root_after"`
	Allocations    []AllocationCredential `json:"allocations"`
}

// IntentPayload is the resolved intent as the proving service consumes it.
type IntentPayload struct {
	Kind             uint8  `json:"kind"` // 0=RawToken, 1=AssetToken
	BeneficiaryChain uint32 `json:"beneficiary_chain"`
	BeneficiaryData  string `json:"beneficiary_data"`
	TokenSymbol      string `json:"token_symbol,omitempty"`
	AssetID          string `json:"asset_id,omitempty"`
	AdapterID        uint32 `json:"adapter_id,omitempty"`
	TokenKey         string `json:"token_key,omitempty"`
	TargetChainID    uint32 `json:"target_chain_id"`
	MinOutput        string `json:"min_output,omitempty"`
}

// WithdrawProofRequest is the submit payload for a withdraw proof.
type WithdrawProofRequest struct {
	CommitmentGroups []CommitmentGroup `json:"commitment_groups"`
	OwnerChainID     uint32            `json:"owner_chain_id"`
	OwnerData        string            `json:"owner_data"`
	Intent           IntentPayload     `json:"intent"`
	Signature        string            `json:"signature"`
	SourceChainID    uint32            `json:"source_chain_id"`
	SourceTokenKey   string            `json:"source_token_key"`
}

// ProofJobStatus is the polled state of a proving job.
type ProofJobStatus string

const (
	ProofJobQueued    ProofJobStatus = "queued"
	ProofJobRunning   ProofJobStatus = "running"
	ProofJobCompleted ProofJobStatus = "completed"
	ProofJobFailed    ProofJobStatus = "failed"
)

// Terminal reports whether the job will make no further progress.
func (s ProofJobStatus) Terminal() bool {
	return s == ProofJobCompleted || s == ProofJobFailed
}

// ProofJob is the poll response for a proving job.
type ProofJob struct {
	JobID        string         `json:"job_id"`
	Status       ProofJobStatus `json:"status"`
	Proof        string         `json:"proof,omitempty"`
	PublicValues string         `json:"public_values,omitempty"` // hex, offset word + tuple
	Error        string         `json:"error,omitempty"`
}
