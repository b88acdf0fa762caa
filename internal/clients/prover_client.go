// Package clients holds HTTP clients for the external collaborators: the
// proving service and the transaction signer.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/veilpay/settlement/internal/config"
	"github.com/veilpay/settlement/internal/types"
)

// ProverClient talks to the zero-knowledge proving service.
type ProverClient struct {
	baseURL string
	client  *http.Client
}

// NewProverClient creates a prover client from configuration.
func NewProverClient(cfg config.ProverConfig) *ProverClient {
	return &ProverClient{
		baseURL: cfg.BaseURL,
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeout) * time.Second,
		},
	}
}

type submitResponse struct {
	JobID string `json:"job_id"`
	Error string `json:"error,omitempty"`
}

// SubmitWithdrawProof submits a withdraw proof job and returns its job id.
func (c *ProverClient) SubmitWithdrawProof(ctx context.Context, req *types.WithdrawProofRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal proof request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/proofs/withdraw", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("submit withdraw proof: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("prover returned %d: %s", resp.StatusCode, truncate(data, 512))
	}

	var out submitResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if out.JobID == "" {
		return "", fmt.Errorf("prover accepted job but returned no job id: %s", out.Error)
	}
	return out.JobID, nil
}

// PollJob fetches the current state of a proving job.
func (c *ProverClient) PollJob(ctx context.Context, jobID string) (*types.ProofJob, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/proofs/jobs/"+jobID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("poll job %s: %w", jobID, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read poll response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("prover returned %d for job %s: %s", resp.StatusCode, jobID, truncate(data, 512))
	}

	var job types.ProofJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode poll response: %w", err)
	}
	return &job, nil
}

func truncate(data []byte, n int) string {
	if len(data) > n {
		return string(data[:n]) + "..."
	}
	return string(data)
}
