// Package overlay implements the membership verification scheme and the
// optional PSK admission gate. Membership is proven by a hash commitment:
// an Ed25519 signature over BLAKE3(networkId | challengeNonce), binding the
// response to a fresh nonce without revealing anything beyond key ownership.
package overlay

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-node/pkg/identity"
)

// NewChallengeNonce returns a fresh random 16-byte nonce, hex encoded.
func NewChallengeNonce() (string, error) {
	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("failed to generate challenge nonce: %w", err)
	}
	return hex.EncodeToString(nonce[:]), nil
}

// commitment computes the signed digest for a membership challenge.
func commitment(networkID, nonce string) []byte {
	hasher := blake3.New(32, nil)
	hasher.Write([]byte(networkID))
	hasher.Write([]byte("|"))
	hasher.Write([]byte(nonce))
	return hasher.Sum(nil)
}

// MembershipProof produces the hex proof for a challenge.
func MembershipProof(id *identity.Identity, networkID, nonce string) string {
	return hex.EncodeToString(id.Sign(commitment(networkID, nonce)))
}

// VerifyMembershipProof checks a proof against the claimed public key, and
// that the claimed overlay address is the deterministic derivation of that
// key.
func VerifyMembershipProof(publicKeyHex, overlayAddress, networkID, nonce, proofHex string) error {
	key, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid public key in membership response")
	}
	proof, err := hex.DecodeString(proofHex)
	if err != nil || len(proof) != ed25519.SignatureSize {
		return fmt.Errorf("invalid proof in membership response")
	}
	if !ed25519.Verify(ed25519.PublicKey(key), commitment(networkID, nonce), proof) {
		return fmt.Errorf("membership proof verification failed")
	}
	if !identity.ValidOverlayAddress(overlayAddress) {
		return fmt.Errorf("overlay address has invalid form")
	}
	if identity.OverlayAddressFromKey(key) != overlayAddress {
		return fmt.Errorf("overlay address does not match public key")
	}
	return nil
}

// PSKConfig holds the optional pre-shared admission key. When configured,
// a peer must additionally present an HMAC proof over the challenge before
// it can reach verified-overlay.
type PSKConfig struct {
	PSK []byte
}

// NewPSKConfig pads short keys to 32 bytes, matching HMAC-SHA256's block
// expectations.
func NewPSKConfig(psk []byte) *PSKConfig {
	if len(psk) < 32 {
		padded := make([]byte, 32)
		copy(padded, psk)
		psk = padded
	}
	return &PSKConfig{PSK: psk}
}

// GenerateProof generates the hex HMAC-SHA256 admission proof.
func (pc *PSKConfig) GenerateProof(networkID, nonce string) string {
	h := hmac.New(sha256.New, pc.PSK)
	h.Write([]byte(networkID))
	h.Write([]byte("|"))
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyProof verifies an admission proof in constant time.
func (pc *PSKConfig) VerifyProof(networkID, nonce, proofHex string) bool {
	proof, err := hex.DecodeString(proofHex)
	if err != nil {
		return false
	}
	expected, err := hex.DecodeString(pc.GenerateProof(networkID, nonce))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, proof)
}
