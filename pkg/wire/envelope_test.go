package wire

import (
	"testing"

	"github.com/DIG-Network/dig-node/pkg/identity"
)

func TestEnvelopeSignVerify(t *testing.T) {
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity generation failed: %v", err)
	}

	payload := &StoreRecord{PeerID: id.PeerID(), OverlayAddress: id.OverlayAddress(), Timestamp: 1}
	env, err := NewEnvelope("mainnet", id.PeerID(), id.SigningPublicKey, payload)
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if err := env.Sign(id.SigningPrivateKey); err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if err := env.Verify("mainnet"); err != nil {
		t.Errorf("Verify failed: %v", err)
	}

	var out StoreRecord
	if err := env.Open(&out); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if out.PeerID != id.PeerID() {
		t.Error("payload round trip mismatch")
	}
}

func TestEnvelopeMarshalRoundTrip(t *testing.T) {
	id, _ := identity.Generate()
	env, _ := NewEnvelope("mainnet", id.PeerID(), id.SigningPublicKey,
		&CapabilityRecord{PeerID: id.PeerID(), CanActAsRelay: true})
	env.Sign(id.SigningPrivateKey)

	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	back, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope failed: %v", err)
	}
	if err := back.Verify("mainnet"); err != nil {
		t.Errorf("decoded envelope fails verification: %v", err)
	}
}

func TestEnvelopeRejections(t *testing.T) {
	id, _ := identity.Generate()
	env, _ := NewEnvelope("mainnet", id.PeerID(), id.SigningPublicKey,
		&RelaySignal{TargetPeerID: "x"})
	env.Sign(id.SigningPrivateKey)

	t.Run("wrong network", func(t *testing.T) {
		if err := env.Verify("testnet"); err == nil {
			t.Error("envelope for mainnet verified against testnet")
		}
	})

	t.Run("tampered payload", func(t *testing.T) {
		tampered := *env
		tampered.Payload = append([]byte(nil), env.Payload...)
		tampered.Payload[0] ^= 0xff
		if err := tampered.Verify("mainnet"); err == nil {
			t.Error("tampered envelope verified")
		}
	})

	t.Run("missing signature", func(t *testing.T) {
		unsigned := *env
		unsigned.Sig = nil
		if err := unsigned.Verify("mainnet"); err == nil {
			t.Error("unsigned envelope verified")
		}
	})

	t.Run("swapped key", func(t *testing.T) {
		other, _ := identity.Generate()
		swapped := *env
		swapped.PublicKey = other.SigningPublicKey
		if err := swapped.Verify("mainnet"); err == nil {
			t.Error("envelope verified against the wrong key")
		}
	})
}
