// Package types holds wire-level types shared between the proving client,
// the submitter and the withdraw service.
package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// mustNewType builds an ABI type at init time; the inputs are constants.
func mustNewType(t string) abi.Type {
	typ, err := abi.NewType(t, "", nil)
	if err != nil {
		panic(fmt.Sprintf("abi type %s: %v", t, err))
	}
	return typ
}

// withdrawTupleArgs is the public-values layout of a withdraw proof. It must
// decode byte-for-byte identically to what the on-chain verifier expects:
// a 32-byte offset word followed by the dynamic tuple payload.
var withdrawTupleArgs = abi.Arguments{
	{Name: "commitmentRoot", Type: mustNewType("bytes32")},
	{Name: "nullifiers", Type: mustNewType("bytes32[]")},
	{Name: "amount", Type: mustNewType("uint256")},
	{Name: "intentType", Type: mustNewType("uint8")},
	{Name: "targetChainId", Type: mustNewType("uint32")},
	{Name: "adapterId", Type: mustNewType("uint32")},
	{Name: "tokenKey", Type: mustNewType("string")},
	{Name: "beneficiaryData", Type: mustNewType("bytes32")},
	{Name: "minOutput", Type: mustNewType("bytes32")},
	{Name: "sourceChainId", Type: mustNewType("uint32")},
	{Name: "sourceTokenKey", Type: mustNewType("string")},
}

// WithdrawPublicValues is the decoded form of a withdraw proof's public
// values. TokenKey is empty for RawToken intents and populated for
// AssetToken intents.
type WithdrawPublicValues struct {
	CommitmentRoot  string   `json:"commitment_root"`  // bytes32 hex
	Nullifiers      []string `json:"nullifiers"`       // bytes32 hex each
	Amount          string   `json:"amount"`           // uint256 decimal string
	IntentType      uint8    `json:"intent_type"`      // 0=RawToken, 1=AssetToken
	TargetChainID   uint32   `json:"target_chain_id"`  // SLIP-44
	AdapterID       uint32   `json:"adapter_id"`       // AssetToken only
	TokenKey        string   `json:"token_key"`        // AssetToken only
	BeneficiaryData string   `json:"beneficiary_data"` // bytes32 hex
	MinOutput       string   `json:"min_output"`       // bytes32 hex
	SourceChainID   uint32   `json:"source_chain_id"`  // SLIP-44
	SourceTokenKey  string   `json:"source_token_key"`
}

// DecodeWithdrawPublicValues parses the hex-encoded public values of a
// withdraw proof.
func DecodeWithdrawPublicValues(publicValuesHex string) (*WithdrawPublicValues, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(publicValuesHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("hex decode: %w", err)
	}
	if len(raw) < 32 {
		return nil, fmt.Errorf("public values too short: %d bytes", len(raw))
	}

	// First word is the offset to the tuple payload.
	offset := int(new(big.Int).SetBytes(raw[0:32]).Uint64())
	if offset < 32 || offset >= len(raw) {
		return nil, fmt.Errorf("invalid tuple offset %d (data length %d)", offset, len(raw))
	}

	unpacked, err := withdrawTupleArgs.Unpack(raw[offset:])
	if err != nil {
		return nil, fmt.Errorf("abi unpack: %w", err)
	}
	if len(unpacked) != len(withdrawTupleArgs) {
		return nil, fmt.Errorf("unexpected field count: got %d, want %d", len(unpacked), len(withdrawTupleArgs))
	}

	root := unpacked[0].([32]byte)
	rawNullifiers := unpacked[1].([][32]byte)
	nullifiers := make([]string, len(rawNullifiers))
	for i, n := range rawNullifiers {
		nullifiers[i] = "0x" + hex.EncodeToString(n[:])
	}
	beneficiary := unpacked[7].([32]byte)
	minOutput := unpacked[8].([32]byte)

	return &WithdrawPublicValues{
		CommitmentRoot:  "0x" + hex.EncodeToString(root[:]),
		Nullifiers:      nullifiers,
		Amount:          unpacked[2].(*big.Int).String(),
		IntentType:      asUint8(unpacked[3]),
		TargetChainID:   asUint32(unpacked[4]),
		AdapterID:       asUint32(unpacked[5]),
		TokenKey:        unpacked[6].(string),
		BeneficiaryData: "0x" + hex.EncodeToString(beneficiary[:]),
		MinOutput:       "0x" + hex.EncodeToString(minOutput[:]),
		SourceChainID:   asUint32(unpacked[9]),
		SourceTokenKey:  unpacked[10].(string),
	}, nil
}

// EncodeWithdrawPublicValues produces the hex encoding the proving service
// emits: tuple payload prefixed with the 32-byte offset word. The inverse of
// DecodeWithdrawPublicValues.
func EncodeWithdrawPublicValues(v *WithdrawPublicValues) (string, error) {
	root, err := toBytes32(v.CommitmentRoot)
	if err != nil {
		return "", fmt.Errorf("commitment root: %w", err)
	}
	nullifiers := make([][32]byte, len(v.Nullifiers))
	for i, n := range v.Nullifiers {
		if nullifiers[i], err = toBytes32(n); err != nil {
			return "", fmt.Errorf("nullifier %d: %w", i, err)
		}
	}
	amount, ok := new(big.Int).SetString(v.Amount, 10)
	if !ok {
		return "", fmt.Errorf("invalid amount %q", v.Amount)
	}
	beneficiary, err := toBytes32(v.BeneficiaryData)
	if err != nil {
		return "", fmt.Errorf("beneficiary data: %w", err)
	}
	minOutput, err := toBytes32(v.MinOutput)
	if err != nil {
		return "", fmt.Errorf("min output: %w", err)
	}

	payload, err := withdrawTupleArgs.Pack(
		root, nullifiers, amount, v.IntentType, v.TargetChainID, v.AdapterID,
		v.TokenKey, beneficiary, minOutput, v.SourceChainID, v.SourceTokenKey,
	)
	if err != nil {
		return "", fmt.Errorf("abi pack: %w", err)
	}

	// Prefix the offset word pointing at the payload.
	var offset [32]byte
	offset[31] = 32
	return "0x" + hex.EncodeToString(append(offset[:], payload...)), nil
}

func toBytes32(h string) ([32]byte, error) {
	var out [32]byte
	clean := strings.TrimPrefix(h, "0x")
	if clean == "" {
		return out, nil // zero value for unset bytes32 fields
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, err
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// asUint32 tolerates both uint32 and *big.Int from the abi decoder.
func asUint32(v interface{}) uint32 {
	switch val := v.(type) {
	case uint32:
		return val
	case *big.Int:
		return uint32(val.Uint64())
	default:
		return 0
	}
}

func asUint8(v interface{}) uint8 {
	switch val := v.(type) {
	case uint8:
		return val
	case *big.Int:
		return uint8(val.Uint64())
	default:
		return 0
	}
}
