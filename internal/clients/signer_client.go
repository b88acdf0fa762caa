package clients

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TransactionSigner produces signatures for transaction hashes. Key material
// never enters this process; the production implementation defers to the
// external signing service.
type TransactionSigner interface {
	// Address returns the sending address for the given chain.
	Address(ctx context.Context, chainID int64) (common.Address, error)
	// SignHash returns a 65-byte [R || S || V] signature over the hash.
	SignHash(ctx context.Context, chainID int64, hash []byte) ([]byte, error)
}

// SignerClient is the HTTP implementation of TransactionSigner.
type SignerClient struct {
	baseURL string
	client  *http.Client
}

// NewSignerClient creates a signer client for the given endpoint.
func NewSignerClient(baseURL string) *SignerClient {
	return &SignerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type addressResponse struct {
	Address string `json:"address"`
}

func (c *SignerClient) Address(ctx context.Context, chainID int64) (common.Address, error) {
	url := fmt.Sprintf("%s/api/v1/signer/%d/address", c.baseURL, chainID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return common.Address{}, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return common.Address{}, fmt.Errorf("fetch signer address: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return common.Address{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return common.Address{}, fmt.Errorf("signer returned %d: %s", resp.StatusCode, truncate(data, 256))
	}

	var out addressResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return common.Address{}, fmt.Errorf("decode address response: %w", err)
	}
	if !common.IsHexAddress(out.Address) {
		return common.Address{}, fmt.Errorf("signer returned invalid address %q", out.Address)
	}
	return common.HexToAddress(out.Address), nil
}

type signRequest struct {
	ChainID int64  `json:"chain_id"`
	Hash    string `json:"hash"`
}

type signResponse struct {
	Signature string `json:"signature"`
	Error     string `json:"error,omitempty"`
}

func (c *SignerClient) SignHash(ctx context.Context, chainID int64, hash []byte) ([]byte, error) {
	body, err := json.Marshal(signRequest{ChainID: chainID, Hash: "0x" + hex.EncodeToString(hash)})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/signer/sign", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sign hash: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned %d: %s", resp.StatusCode, truncate(data, 256))
	}

	var out signResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode sign response: %w", err)
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(out.Signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("decode signature hex: %w", err)
	}
	if len(sig) != 65 {
		return nil, fmt.Errorf("signer returned %d-byte signature, want 65", len(sig))
	}
	return sig, nil
}
