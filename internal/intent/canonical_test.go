package intent

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veilpay/settlement/internal/models"
)

func testBeneficiary() models.UniversalAddress {
	return models.UniversalAddress{
		ChainID: 60,
		Data:    "0x000000000000000000000000deadbeefdeadbeefdeadbeefdeadbeefdeadbeef",
	}
}

func rawIntent() *Intent {
	return &Intent{
		Kind:        models.IntentKindRawToken,
		Beneficiary: testBeneficiary(),
		TokenSymbol: "USDC",
	}
}

func assetIntent() *Intent {
	preferred := uint32(966)
	return &Intent{
		Kind:             models.IntentKindAssetToken,
		Beneficiary:      testBeneficiary(),
		AssetID:          "0x00000000000000000000000000000000000000000000000000000000000000aa",
		AssetTokenSymbol: "aUSDC",
		PreferredChain:   &preferred,
	}
}

func TestCanonicalBytesDeterministic(t *testing.T) {
	a, err := CanonicalBytes(rawIntent())
	require.NoError(t, err)
	b, err := CanonicalBytes(rawIntent())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestCanonicalBytesCoverEverySteeringField(t *testing.T) {
	base, err := CanonicalBytes(rawIntent())
	require.NoError(t, err)

	mutations := []func(*Intent){
		func(i *Intent) { i.TokenSymbol = "USDT" },
		func(i *Intent) { i.Beneficiary.ChainID = 966 },
		func(i *Intent) {
			i.Beneficiary.Data = "0x000000000000000000000000cafecafecafecafecafecafecafecafecafecafe"
		},
		func(i *Intent) { i.MinOutput = "0x01" },
	}
	for n, mutate := range mutations {
		mutated := rawIntent()
		mutate(mutated)
		got, err := CanonicalBytes(mutated)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "mutation %d must change the canonical bytes", n)
	}

	// The two variants can never serialize identically.
	asset, err := CanonicalBytes(assetIntent())
	require.NoError(t, err)
	assert.NotEqual(t, base, asset)

	// Dropping the preferred chain changes the asset serialization.
	noPreference := assetIntent()
	noPreference.PreferredChain = nil
	got, err := CanonicalBytes(noPreference)
	require.NoError(t, err)
	assert.NotEqual(t, asset, got)
}

func TestVerifySignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	owner := models.UniversalAddress{
		ChainID: 60,
		Data:    common.BytesToHash(addr.Bytes()).Hex(),
	}

	i := assetIntent()
	digest, err := Digest(i)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)

	assert.NoError(t, VerifySignature(i, "0x"+hex.EncodeToString(sig), owner))

	// Wallets report the recovery id as 27/28; both forms verify.
	legacy := append(append([]byte{}, sig[:64]...), sig[64]+27)
	assert.NoError(t, VerifySignature(i, "0x"+hex.EncodeToString(legacy), owner))
}

func TestVerifySignatureRejectsTampering(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	owner := models.UniversalAddress{
		ChainID: 60,
		Data:    common.BytesToHash(addr.Bytes()).Hex(),
	}

	i := rawIntent()
	digest, err := Digest(i)
	require.NoError(t, err)
	sig, err := crypto.Sign(digest.Bytes(), key)
	require.NoError(t, err)
	sigHex := "0x" + hex.EncodeToString(sig)

	// The destination changed after signing.
	i.Beneficiary.Data = "0x000000000000000000000000cafecafecafecafecafecafecafecafecafecafe"
	assert.ErrorIs(t, VerifySignature(i, sigHex, owner), ErrBadSignature)

	// Someone else claims the intent.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherAddr := crypto.PubkeyToAddress(otherKey.PublicKey)
	other := models.UniversalAddress{
		ChainID: 60,
		Data:    common.BytesToHash(otherAddr.Bytes()).Hex(),
	}
	assert.ErrorIs(t, VerifySignature(rawIntent(), sigHex, other), ErrBadSignature)

	// Truncated signature.
	err = VerifySignature(rawIntent(), sigHex[:len(sigHex)-10], owner)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, rawIntent().Validate())
	assert.NoError(t, assetIntent().Validate())

	missing := rawIntent()
	missing.TokenSymbol = ""
	assert.ErrorIs(t, missing.Validate(), ErrMissingTokenSymbol)

	noBen := rawIntent()
	noBen.Beneficiary.Data = ""
	assert.ErrorIs(t, noBen.Validate(), ErrMissingBeneficiary)

	noAsset := assetIntent()
	noAsset.AssetID = ""
	assert.ErrorIs(t, noAsset.Validate(), ErrMissingAssetID)

	noSymbol := assetIntent()
	noSymbol.AssetTokenSymbol = ""
	assert.ErrorIs(t, noSymbol.Validate(), ErrMissingAssetSymbol)

	unknown := rawIntent()
	unknown.Kind = models.IntentKind(9)
	assert.ErrorIs(t, unknown.Validate(), ErrUnknownKind)
}
