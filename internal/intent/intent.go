// Package intent interprets caller-declared withdrawal intents: validation,
// the canonical serialization the caller signs, and resolution into a
// concrete destination chain, token and beneficiary payload.
package intent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/veilpay/settlement/internal/models"
)

var (
	ErrMissingBeneficiary = errors.New("intent: beneficiary is required")
	ErrMissingTokenSymbol = errors.New("intent: token symbol is required for raw token")
	ErrMissingAssetID     = errors.New("intent: asset id is required for asset token")
	ErrMissingAssetSymbol = errors.New("intent: asset token symbol is required for asset token")
	ErrUnknownKind        = errors.New("intent: unknown intent kind")
)

// Intent is the caller-declared withdrawal target, a tagged variant:
// RawToken (plain token to the beneficiary) or AssetToken (wrapped/derivative
// asset settled through an adapter, optionally on a preferred chain).
type Intent struct {
	Kind        models.IntentKind       `json:"kind"`
	Beneficiary models.UniversalAddress `json:"beneficiary"`

	// RawToken fields
	TokenSymbol string `json:"token_symbol,omitempty"`

	// AssetToken fields
	AssetID          string  `json:"asset_id,omitempty"` // bytes32 hex
	AssetTokenSymbol string  `json:"asset_token_symbol,omitempty"`
	PreferredChain   *uint32 `json:"preferred_chain,omitempty"`

	// MinOutput is an optional execution constraint (bytes32 hex).
	MinOutput string `json:"min_output,omitempty"`
}

// Validate enforces the per-variant required fields.
func (i *Intent) Validate() error {
	if i.Beneficiary.Data == "" || !strings.HasPrefix(i.Beneficiary.Data, "0x") {
		return ErrMissingBeneficiary
	}
	switch i.Kind {
	case models.IntentKindRawToken:
		if i.TokenSymbol == "" {
			return ErrMissingTokenSymbol
		}
	case models.IntentKindAssetToken:
		if i.AssetID == "" {
			return ErrMissingAssetID
		}
		if i.AssetTokenSymbol == "" {
			return ErrMissingAssetSymbol
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownKind, i.Kind)
	}
	return nil
}

// Symbol returns the display symbol of the intent's destination token.
func (i *Intent) Symbol() string {
	if i.Kind == models.IntentKindAssetToken {
		return i.AssetTokenSymbol
	}
	return i.TokenSymbol
}
