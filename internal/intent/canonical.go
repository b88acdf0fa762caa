package intent

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/veilpay/settlement/internal/models"
)

// ErrBadSignature means the caller's signature does not recover to the
// owner's address over the canonical intent serialization.
var ErrBadSignature = errors.New("intent: signature does not match owner")

// CanonicalBytes is the deterministic serialization of an intent. This is
// exactly what the caller's signature commits to: any field that steers the
// destination is included, so the destination cannot be tampered with after
// signing.
//
// Layout (big endian):
//
//	kind (1B) | beneficiary chain (4B) | beneficiary data (32B)
//	RawToken:   symbol length (2B) | symbol bytes
//	AssetToken: asset id (32B) | preferred chain (4B, 0 = unset)
//	            | symbol length (2B) | symbol bytes
//	min output (32B, zero when unset)
func CanonicalBytes(i *Intent) ([]byte, error) {
	buf := make([]byte, 0, 128)
	buf = append(buf, byte(i.Kind))

	var chain [4]byte
	binary.BigEndian.PutUint32(chain[:], i.Beneficiary.ChainID)
	buf = append(buf, chain[:]...)

	beneficiary, err := hex32(i.Beneficiary.Data)
	if err != nil {
		return nil, fmt.Errorf("beneficiary data: %w", err)
	}
	buf = append(buf, beneficiary[:]...)

	switch i.Kind {
	case models.IntentKindRawToken:
		buf = appendSymbol(buf, i.TokenSymbol)
	case models.IntentKindAssetToken:
		assetID, err := hex32(i.AssetID)
		if err != nil {
			return nil, fmt.Errorf("asset id: %w", err)
		}
		buf = append(buf, assetID[:]...)
		var preferred [4]byte
		if i.PreferredChain != nil {
			binary.BigEndian.PutUint32(preferred[:], *i.PreferredChain)
		}
		buf = append(buf, preferred[:]...)
		buf = appendSymbol(buf, i.AssetTokenSymbol)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownKind, i.Kind)
	}

	minOutput, err := hex32(i.MinOutput)
	if err != nil {
		return nil, fmt.Errorf("min output: %w", err)
	}
	buf = append(buf, minOutput[:]...)
	return buf, nil
}

// Digest returns the EIP-191 personal-sign digest of the canonical intent.
func Digest(i *Intent) (common.Hash, error) {
	canonical, err := CanonicalBytes(i)
	if err != nil {
		return common.Hash{}, err
	}
	inner := crypto.Keccak256Hash(canonical)
	prefixed := fmt.Sprintf("\x19Ethereum Signed Message:\n32%s", inner.Bytes())
	return crypto.Keccak256Hash([]byte(prefixed)), nil
}

// VerifySignature recovers the signer of the canonical intent digest and
// checks it against the owner's address. The owner's universal address data
// is a 32-byte payload whose last 20 bytes are the EVM address.
func VerifySignature(i *Intent, signatureHex string, owner models.UniversalAddress) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(signatureHex, "0x"))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != 65 {
		return fmt.Errorf("signature must be 65 bytes, got %d", len(sig))
	}
	// Normalize the recovery id: wallets emit 27/28.
	if sig[64] >= 27 {
		sig = append(append([]byte{}, sig[:64]...), sig[64]-27)
	}

	digest, err := Digest(i)
	if err != nil {
		return err
	}
	pub, err := crypto.SigToPub(digest.Bytes(), sig)
	if err != nil {
		return fmt.Errorf("recover signer: %w", err)
	}
	signer := crypto.PubkeyToAddress(*pub)

	ownerData, err := hex32(owner.Data)
	if err != nil {
		return fmt.Errorf("owner data: %w", err)
	}
	ownerAddr := common.BytesToAddress(ownerData[12:])
	if signer != ownerAddr {
		return fmt.Errorf("%w: recovered %s, owner %s", ErrBadSignature, signer.Hex(), ownerAddr.Hex())
	}
	return nil
}

func appendSymbol(buf []byte, symbol string) []byte {
	var length [2]byte
	binary.BigEndian.PutUint16(length[:], uint16(len(symbol)))
	buf = append(buf, length[:]...)
	return append(buf, symbol...)
}

func hex32(h string) ([32]byte, error) {
	var out [32]byte
	clean := strings.TrimPrefix(h, "0x")
	if clean == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(clean)
	if err != nil {
		return out, err
	}
	if len(raw) > 32 {
		return out, fmt.Errorf("want at most 32 bytes, got %d", len(raw))
	}
	copy(out[32-len(raw):], raw)
	return out, nil
}
