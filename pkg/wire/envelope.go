package wire

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/DIG-Network/dig-node/pkg/codec/cborcanon"
	"github.com/DIG-Network/dig-node/pkg/constants"
)

// Envelope is the signed canonical-CBOR wrapper for every record a node
// stores in the DHT or publishes over gossip. The signature covers the
// canonical encoding of all fields except "sig".
type Envelope struct {
	V         uint16 `cbor:"v"`
	NetworkID string `cbor:"network"`
	From      string `cbor:"from"`      // sender peer id
	PublicKey []byte `cbor:"publicKey"` // sender Ed25519 public key
	TS        uint64 `cbor:"ts"`        // ms since Unix epoch
	Payload   []byte `cbor:"payload"`   // record-specific CBOR
	Sig       []byte `cbor:"sig"`
}

// NewEnvelope wraps a payload for the given sender.
func NewEnvelope(networkID, from string, publicKey ed25519.PublicKey, payload interface{}) (*Envelope, error) {
	body, err := cborcanon.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return &Envelope{
		V:         constants.ProtocolVersion,
		NetworkID: networkID,
		From:      from,
		PublicKey: publicKey,
		TS:        uint64(time.Now().UnixMilli()),
		Payload:   body,
	}, nil
}

// Sign signs the envelope with the sender's Ed25519 private key.
func (e *Envelope) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(e, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode envelope for signing: %w", err)
	}
	e.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify checks the envelope signature against its embedded public key and
// validates freshness against the clock-skew bound.
func (e *Envelope) Verify(networkID string) error {
	if e.NetworkID != networkID {
		return fmt.Errorf("envelope for wrong network: %q", e.NetworkID)
	}
	if len(e.PublicKey) != ed25519.PublicKeySize {
		return fmt.Errorf("envelope public key has wrong length: %d", len(e.PublicKey))
	}
	if len(e.Sig) == 0 {
		return fmt.Errorf("envelope has no signature")
	}

	sigData, err := cborcanon.EncodeForSigning(e, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode envelope for verification: %w", err)
	}
	if !ed25519.Verify(ed25519.PublicKey(e.PublicKey), sigData, e.Sig) {
		return fmt.Errorf("envelope signature verification failed (from %s)", e.From)
	}

	now := uint64(time.Now().UnixMilli())
	skew := uint64(constants.MaxClockSkew.Milliseconds())
	if e.TS > now+skew {
		return fmt.Errorf("envelope timestamp too far in future")
	}
	return nil
}

// Open decodes the payload into v after Verify has passed.
func (e *Envelope) Open(v interface{}) error {
	return cborcanon.Unmarshal(e.Payload, v)
}

// Marshal encodes the envelope to canonical CBOR.
func (e *Envelope) Marshal() ([]byte, error) {
	return cborcanon.Marshal(e)
}

// UnmarshalEnvelope decodes canonical CBOR into an envelope.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := cborcanon.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode envelope: %w", err)
	}
	return &e, nil
}

// Record payloads carried inside envelopes.

// StoreRecord is published under /dig-store/<storeId>.
type StoreRecord struct {
	PeerID         string `cbor:"peerId"`
	OverlayAddress string `cbor:"overlayAddress"`
	Timestamp      uint64 `cbor:"timestamp"`
}

// PeerAnnouncement is published under /dig-network-v1/peers/<peerId> and on
// the announcement gossip topic.
type PeerAnnouncement struct {
	PeerID         string   `cbor:"peerId"`
	NetworkID      string   `cbor:"networkId"`
	OverlayAddress string   `cbor:"overlayAddress"`
	Addresses      []string `cbor:"addresses"`
	Capabilities   []string `cbor:"capabilities"`
	Stores         []string `cbor:"stores"`
	Timestamp      uint64   `cbor:"timestamp"`
}

// CapabilityRecord is published under /dig-capabilities/<peerId> and on the
// capability gossip topic.
type CapabilityRecord struct {
	PeerID               string   `cbor:"peerId"`
	AcceptsDirect        bool     `cbor:"acceptsDirect"`
	CanActAsRelay        bool     `cbor:"canActAsRelay"`
	TraversalMethods     []string `cbor:"traversalMethods"`
	ObservedReachability string   `cbor:"observedReachability"`
	Timestamp            uint64   `cbor:"timestamp"`
}

// RelayAnnouncement is published under /dig-relay-servers/registry and on
// the relay gossip topic.
type RelayAnnouncement struct {
	PeerID          string   `cbor:"peerId"`
	Addresses       []string `cbor:"addresses"`
	ExternalAddress string   `cbor:"externalAddress"`
	RelayPort       int      `cbor:"relayPort"`
	CurrentLoad     int      `cbor:"currentLoad"`
	MaxCapacity     int      `cbor:"maxCapacity"`
	Timestamp       uint64   `cbor:"timestamp"`
}

// RelaySignal is queued under /dig-relay-signal/<peerId> and published on
// the coordination gossip topic, in parallel with the direct signal.
type RelaySignal struct {
	TargetPeerID        string   `cbor:"targetPeerId"`
	FromPeerID          string   `cbor:"fromPeerId"`
	TurnServerPeerID    string   `cbor:"turnServerPeerId"`
	TurnServerAddresses []string `cbor:"turnServerAddresses"`
	StoreID             string   `cbor:"storeId,omitempty"`
	Timestamp           uint64   `cbor:"timestamp"`
}

// PeerIDHex decodes a hex peer id; helper shared by record validators.
func PeerIDHex(peerID string) ([]byte, error) {
	b, err := hex.DecodeString(peerID)
	if err != nil {
		return nil, fmt.Errorf("peer id is not hex: %w", err)
	}
	return b, nil
}
