package types

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublicValuesRoundTripRawToken(t *testing.T) {
	in := &WithdrawPublicValues{
		CommitmentRoot: "0x0102030405060708091011121314151617181920212223242526272829303132",
		Nullifiers: []string{
			"0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa",
			"0xbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb",
		},
		Amount:          "1000000000000000000",
		IntentType:      0,
		TargetChainID:   60,
		AdapterID:       0,
		TokenKey:        "", // raw token carries no adapter token key
		BeneficiaryData: "0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
		MinOutput:       "0x0000000000000000000000000000000000000000000000000000000000000000",
		SourceChainID:   966,
		SourceTokenKey:  "USDT",
	}

	encoded, err := EncodeWithdrawPublicValues(in)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(encoded, "0x"))

	out, err := DecodeWithdrawPublicValues(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestPublicValuesRoundTripAssetToken(t *testing.T) {
	in := &WithdrawPublicValues{
		CommitmentRoot:  "0x1111111111111111111111111111111111111111111111111111111111111111",
		Nullifiers:      []string{"0xcccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccccc"},
		Amount:          "42",
		IntentType:      1,
		TargetChainID:   966,
		AdapterID:       7,
		TokenKey:        "pol-usdc",
		BeneficiaryData: "0x0000000000000000000000001234567890123456789012345678901234567890",
		MinOutput:       "0x000000000000000000000000000000000000000000000000000000000000002a",
		SourceChainID:   60,
		SourceTokenKey:  "USDC",
	}

	encoded, err := EncodeWithdrawPublicValues(in)
	require.NoError(t, err)

	out, err := DecodeWithdrawPublicValues(encoded)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	_, err := DecodeWithdrawPublicValues("0x1234")
	assert.Error(t, err, "too short")

	_, err = DecodeWithdrawPublicValues("0xzz")
	assert.Error(t, err, "not hex")

	// An offset word pointing outside the payload.
	bad := "0x" + strings.Repeat("0", 62) + "ff"
	_, err = DecodeWithdrawPublicValues(bad)
	assert.Error(t, err)
}

func TestEncodeRejectsBadFields(t *testing.T) {
	_, err := EncodeWithdrawPublicValues(&WithdrawPublicValues{
		CommitmentRoot: "0x1234", // not 32 bytes
		Amount:         "1",
	})
	assert.Error(t, err)

	_, err = EncodeWithdrawPublicValues(&WithdrawPublicValues{
		CommitmentRoot: "0x1111111111111111111111111111111111111111111111111111111111111111",
		Amount:         "not-a-number",
	})
	assert.Error(t, err)
}
