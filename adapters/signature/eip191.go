package signature

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/layer-3/rewardgate/core"
	"github.com/layer-3/rewardgate/ports"
)

const signatureLength = 65

// PersonalSignVerifier verifies EIP-191 personal_sign signatures as produced by browser wallets
type PersonalSignVerifier struct{}

// NewPersonalSignVerifier creates a new EIP-191 verifier
func NewPersonalSignVerifier() *PersonalSignVerifier {
	return &PersonalSignVerifier{}
}

var _ ports.SignatureVerifier = (*PersonalSignVerifier)(nil)

// Verify recovers the signer of message and compares it with address
func (v *PersonalSignVerifier) Verify(address, message, signature string) error {
	expected, err := core.NormalizeAddress(address)
	if err != nil {
		return err
	}

	sig, err := hexutil.Decode(strings.TrimSpace(signature))
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(sig) != signatureLength {
		return fmt.Errorf("signature must be %d bytes: %w", signatureLength, core.ErrInvalidSignature)
	}

	// Wallets emit v as 27/28, SigToPub expects 0/1
	switch sig[crypto.RecoveryIDOffset] {
	case 27, 28:
		sig[crypto.RecoveryIDOffset] -= 27
	case 0, 1:
	default:
		return fmt.Errorf("invalid recovery id: %w", core.ErrInvalidSignature)
	}

	pubKey, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("failed to recover signer: %w", core.ErrInvalidSignature)
	}

	recovered := strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex())
	if recovered != expected {
		return core.ErrAddressMismatch
	}
	return nil
}
