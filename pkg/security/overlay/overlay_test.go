package overlay

import (
	"testing"

	"github.com/DIG-Network/dig-node/pkg/identity"
)

func TestChallengeNonce(t *testing.T) {
	a, err := NewChallengeNonce()
	if err != nil {
		t.Fatalf("NewChallengeNonce failed: %v", err)
	}
	if len(a) != 32 {
		t.Errorf("nonce length: got %d hex chars, want 32", len(a))
	}
	b, _ := NewChallengeNonce()
	if a == b {
		t.Error("two nonces collided")
	}
}

func TestMembershipProofRoundTrip(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity generation failed: %v", err)
	}
	nonce, _ := NewChallengeNonce()
	proof := MembershipProof(id, "mainnet", nonce)

	err = VerifyMembershipProof(id.PublicKeyHex(), id.OverlayAddress(), "mainnet", nonce, proof)
	if err != nil {
		t.Errorf("valid proof rejected: %v", err)
	}
}

func TestMembershipProofRejections(t *testing.T) {
	id, _ := identity.Generate()
	other, _ := identity.Generate()
	nonce, _ := NewChallengeNonce()
	proof := MembershipProof(id, "mainnet", nonce)

	testCases := []struct {
		name    string
		pubKey  string
		address string
		network string
		nonce   string
		proof   string
	}{
		{"wrong nonce", id.PublicKeyHex(), id.OverlayAddress(), "mainnet", "00112233445566778899aabbccddeeff", proof},
		{"wrong network", id.PublicKeyHex(), id.OverlayAddress(), "testnet", nonce, proof},
		{"other key", other.PublicKeyHex(), other.OverlayAddress(), "mainnet", nonce, proof},
		{"address of other key", id.PublicKeyHex(), other.OverlayAddress(), "mainnet", nonce, proof},
		{"malformed address", id.PublicKeyHex(), "not-an-address", "mainnet", nonce, proof},
		{"malformed proof", id.PublicKeyHex(), id.OverlayAddress(), "mainnet", nonce, "zz"},
		{"malformed key", "beef", id.OverlayAddress(), "mainnet", nonce, proof},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if err := VerifyMembershipProof(tc.pubKey, tc.address, tc.network, tc.nonce, tc.proof); err == nil {
				t.Error("invalid proof accepted")
			}
		})
	}
}

func TestPSKProof(t *testing.T) {
	psk := NewPSKConfig([]byte("shared-secret"))
	nonce, _ := NewChallengeNonce()
	proof := psk.GenerateProof("mainnet", nonce)

	if !psk.VerifyProof("mainnet", nonce, proof) {
		t.Error("valid PSK proof rejected")
	}
	if psk.VerifyProof("mainnet", "other-nonce", proof) {
		t.Error("PSK proof accepted for wrong nonce")
	}
	if psk.VerifyProof("othernet", nonce, proof) {
		t.Error("PSK proof accepted for wrong network")
	}
	if psk.VerifyProof("mainnet", nonce, "feed") {
		t.Error("malformed PSK proof accepted")
	}

	otherPSK := NewPSKConfig([]byte("different-secret"))
	if otherPSK.VerifyProof("mainnet", nonce, proof) {
		t.Error("PSK proof accepted under a different key")
	}
}

func TestPSKPadding(t *testing.T) {
	short := NewPSKConfig([]byte("abc"))
	if len(short.PSK) != 32 {
		t.Errorf("short PSK not padded: %d bytes", len(short.PSK))
	}
	long := NewPSKConfig(make([]byte, 64))
	if len(long.PSK) != 64 {
		t.Errorf("long PSK truncated: %d bytes", len(long.PSK))
	}
}
