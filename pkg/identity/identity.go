// Package identity implements DIG node identity management: Ed25519/X25519
// key generation, persistence, and derivation of the network-scoped overlay
// address from the signing public key.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-node/pkg/constants"
)

// Identity represents a node identity with signing and key agreement keys.
type Identity struct {
	// Ed25519 signing key pair
	SigningPublicKey  ed25519.PublicKey  `json:"signing_public_key"`
	SigningPrivateKey ed25519.PrivateKey `json:"signing_private_key"`

	// X25519 key agreement key pair, reserved for encrypted-session upgrades
	KeyAgreementPublicKey  [32]byte `json:"key_agreement_public_key"`
	KeyAgreementPrivateKey [32]byte `json:"key_agreement_private_key"`

	// Cached derivations
	peerID         string
	overlayAddress string
}

// Generate creates a new identity with fresh key pairs.
func Generate() (*Identity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 key pair: %w", err)
	}

	var kaPriv, kaPub [32]byte
	if _, err := rand.Read(kaPriv[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&kaPub, &kaPriv)

	id := &Identity{
		SigningPublicKey:       sigPub,
		SigningPrivateKey:      sigPriv,
		KeyAgreementPublicKey:  kaPub,
		KeyAgreementPrivateKey: kaPriv,
	}
	id.peerID = id.computePeerID()
	id.overlayAddress = id.computeOverlayAddress()
	return id, nil
}

// FromKeys builds an identity from hex-encoded Ed25519 key material, as
// supplied through configuration.
func FromKeys(publicKeyHex, privateKeyHex string) (*Identity, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("identity-invalid: bad public key")
	}
	priv, err := hex.DecodeString(privateKeyHex)
	if err != nil || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity-invalid: bad private key")
	}

	id := &Identity{
		SigningPublicKey:  ed25519.PublicKey(pub),
		SigningPrivateKey: ed25519.PrivateKey(priv),
	}

	// Derive the X25519 pair from fresh randomness; it is independent key
	// material and not recoverable from the Ed25519 keys alone.
	if _, err := rand.Read(id.KeyAgreementPrivateKey[:]); err != nil {
		return nil, fmt.Errorf("failed to generate X25519 private key: %w", err)
	}
	curve25519.ScalarBaseMult(&id.KeyAgreementPublicKey, &id.KeyAgreementPrivateKey)

	id.peerID = id.computePeerID()
	id.overlayAddress = id.computeOverlayAddress()
	return id, nil
}

// PeerID returns the stable peer identifier: the hex-encoded BLAKE3-256 of
// the signing public key.
func (id *Identity) PeerID() string {
	if id.peerID == "" {
		id.peerID = id.computePeerID()
	}
	return id.peerID
}

// OverlayAddress returns the 128-bit network-scoped identifier derived from
// the signing public key.
func (id *Identity) OverlayAddress() string {
	if id.overlayAddress == "" {
		id.overlayAddress = id.computeOverlayAddress()
	}
	return id.overlayAddress
}

// PublicKeyHex returns the hex-encoded signing public key.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.SigningPublicKey)
}

// Sign signs data with the identity's Ed25519 private key.
func (id *Identity) Sign(data []byte) []byte {
	return ed25519.Sign(id.SigningPrivateKey, data)
}

func (id *Identity) computePeerID() string {
	return PeerIDFromKey(id.SigningPublicKey)
}

// PeerIDFromKey derives the stable peer id for any Ed25519 public key.
func PeerIDFromKey(publicKey ed25519.PublicKey) string {
	hasher := blake3.New(32, nil)
	hasher.Write(publicKey)
	return hex.EncodeToString(hasher.Sum(nil))
}

func (id *Identity) computeOverlayAddress() string {
	return OverlayAddressFromKey(id.SigningPublicKey)
}

// OverlayAddressFromKey derives the overlay address for any Ed25519 public
// key: the first 16 bytes of BLAKE3-256(key) rendered as 8 colon-separated
// hex groups, with the first group forced to the fixed private-range prefix.
func OverlayAddressFromKey(publicKey ed25519.PublicKey) string {
	hasher := blake3.New(32, nil)
	hasher.Write(publicKey)
	sum := hasher.Sum(nil)[:constants.OverlayAddressBytes]

	groups := make([]string, constants.OverlayAddressGroups)
	groups[0] = constants.OverlayAddressPrefix
	for i := 1; i < constants.OverlayAddressGroups; i++ {
		groups[i] = hex.EncodeToString(sum[i*2 : i*2+2])
	}
	return strings.Join(groups, ":")
}

// ValidOverlayAddress reports whether s is a syntactically valid overlay
// address: 8 colon-separated 4-hex-digit groups with the fixed prefix.
func ValidOverlayAddress(s string) bool {
	groups := strings.Split(s, ":")
	if len(groups) != constants.OverlayAddressGroups {
		return false
	}
	if groups[0] != constants.OverlayAddressPrefix {
		return false
	}
	for _, g := range groups {
		if len(g) != 4 {
			return false
		}
		if _, err := hex.DecodeString(g); err != nil {
			return false
		}
	}
	return true
}

// ValidStoreID reports whether s is a well-formed store id: lowercase or
// uppercase hex, 32-128 characters, even length.
func ValidStoreID(s string) bool {
	if len(s) < constants.StoreIDMinLen || len(s) > constants.StoreIDMaxLen {
		return false
	}
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

// SaveToFile saves the identity to a JSON file with restricted permissions.
func (id *Identity) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write identity file: %w", err)
	}
	return nil
}

// LoadFromFile loads an identity from a JSON file.
func LoadFromFile(filename string) (*Identity, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}
	if len(id.SigningPublicKey) != ed25519.PublicKeySize ||
		len(id.SigningPrivateKey) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("identity-invalid: truncated key material in %s", filename)
	}

	id.peerID = id.computePeerID()
	id.overlayAddress = id.computeOverlayAddress()
	return &id, nil
}

// LoadOrGenerate loads an identity from filename, generating and persisting
// a fresh one if the file does not exist.
func LoadOrGenerate(filename string) (*Identity, error) {
	if _, err := os.Stat(filename); err == nil {
		return LoadFromFile(filename)
	}
	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := id.SaveToFile(filename); err != nil {
		return nil, err
	}
	return id, nil
}
