// Package registry implements the peer registry and security classifier.
// Every connected peer gets exactly one classification pass before the node
// exchanges any overlay data with it beyond the identification probe, and
// the resulting policy is enforced at the dig/1 dispatch point.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/wire"
)

// Classification of a connected peer.
type Classification string

// Classifications.
const (
	ClassPublicInfrastructure Classification = "public-infrastructure"
	ClassVerifiedOverlay      Classification = "verified-overlay"
	ClassUnknown              Classification = "unknown"
	ClassSuspicious           Classification = "suspicious"
)

// Trust level granted to a peer.
type Trust string

// Trust levels.
const (
	TrustNone    Trust = "none"
	TrustMinimal Trust = "minimal"
	TrustLimited Trust = "limited"
	TrustFull    Trust = "full"
)

// PrivacyLevel applied when answering a peer.
type PrivacyLevel string

// Privacy levels.
const (
	PrivacyNone    PrivacyLevel = "none"
	PrivacyBasic   PrivacyLevel = "basic"
	PrivacyMaximum PrivacyLevel = "maximum"
)

// Operation tags for the allow/deny sets.
const (
	OpStoreRead       = "store-read"
	OpRangeRead       = "range-read"
	OpRelayUse        = "relay-use"
	OpCapabilityShare = "capability-share"
	OpIdentify        = "identify"
)

// Record is one registry entry for a connected remote.
type Record struct {
	PeerID         string
	OverlayAddress string
	PublicKey      []byte
	FirstSeen      time.Time
	LastSeen       time.Time

	Classification Classification
	Trust          Trust
	Allow          map[string]bool
	Deny           map[string]bool
	Privacy        PrivacyLevel
	LastClassified time.Time
	Verified       bool

	AdvertisedStores       []string
	AdvertisedCapabilities []string
	AdvertisedRelay        string
}

// clone returns a copy safe to hand out of the lock.
func (r *Record) clone() *Record {
	c := *r
	c.Allow = copySet(r.Allow)
	c.Deny = copySet(r.Deny)
	c.AdvertisedStores = append([]string(nil), r.AdvertisedStores...)
	c.AdvertisedCapabilities = append([]string(nil), r.AdvertisedCapabilities...)
	return &c
}

func copySet(m map[string]bool) map[string]bool {
	out := make(map[string]bool, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Prober performs the wire exchanges classification needs. The node
// implements it over dig/1 streams.
type Prober interface {
	Identify(ctx context.Context, peerID string) (*wire.IdentificationResponse, error)
	VerifyMembership(ctx context.Context, peerID, nonce string) (*wire.VerifyMembershipResponse, error)
}

// Registry is the peer registry. Reads dominate, so it is guarded by a
// reader-writer lock.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]*Record

	infrastructure map[string]bool
}

// NewRegistry creates an empty registry. infrastructure lists the stable
// ids of well-known public-infrastructure peers (fabric bootstrap nodes)
// that must never be treated as overlay members.
func NewRegistry(infrastructure []string) *Registry {
	infra := make(map[string]bool, len(infrastructure))
	for _, id := range infrastructure {
		infra[id] = true
	}
	return &Registry{
		peers:          make(map[string]*Record),
		infrastructure: infra,
	}
}

// Add creates a record for a newly connected peer. The record starts as
// unknown/none until classification assigns its real class.
func (r *Registry) Add(peerID string, publicKey []byte) *Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[peerID]; ok {
		existing.LastSeen = time.Now()
		return existing.clone()
	}
	now := time.Now()
	rec := &Record{
		PeerID:         peerID,
		PublicKey:      publicKey,
		FirstSeen:      now,
		LastSeen:       now,
		Classification: ClassUnknown,
		Trust:          TrustNone,
		Allow:          map[string]bool{},
		Deny:           map[string]bool{},
		Privacy:        PrivacyBasic,
	}
	r.peers[peerID] = rec
	return rec.clone()
}

// Remove drops a peer record on disconnect.
func (r *Registry) Remove(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, peerID)
}

// Get returns a copy of the record for peerID.
func (r *Registry) Get(peerID string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	return rec.clone(), true
}

// Touch updates a peer's last-seen time.
func (r *Registry) Touch(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.LastSeen = time.Now()
	}
}

// IsInfrastructure reports whether the peer id is in the well-known
// public-infrastructure set.
func (r *Registry) IsInfrastructure(peerID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.infrastructure[peerID]
}

// Allowed reports whether the peer may invoke the given operation. Unlisted
// peers get the identification surface only, which makes the dispatch-point
// check safe to run before classification completes.
func (r *Registry) Allowed(peerID, op string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return op == OpIdentify
	}
	if rec.Deny[op] {
		return false
	}
	switch rec.Classification {
	case ClassVerifiedOverlay:
		return true
	case ClassUnknown:
		return op == OpIdentify
	case ClassPublicInfrastructure, ClassSuspicious:
		return false
	default:
		return op == OpIdentify
	}
}

// SetAdvertised replaces a peer's advertised stores and capabilities.
func (r *Registry) SetAdvertised(peerID string, stores, capabilities []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return
	}
	if stores != nil {
		rec.AdvertisedStores = append([]string(nil), stores...)
	}
	if capabilities != nil {
		rec.AdvertisedCapabilities = append([]string(nil), capabilities...)
	}
	rec.LastSeen = time.Now()
}

// SetRelayEndpoint records a peer's advertised relay endpoint.
func (r *Registry) SetRelayEndpoint(peerID, endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.peers[peerID]; ok {
		rec.AdvertisedRelay = endpoint
	}
}

// VerifiedPeers returns copies of all verified-overlay records.
func (r *Registry) VerifiedPeers() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Record
	for _, rec := range r.peers {
		if rec.Classification == ClassVerifiedOverlay {
			out = append(out, rec.clone())
		}
	}
	return out
}

// CountVerified returns the number of verified-overlay peers.
func (r *Registry) CountVerified() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, rec := range r.peers {
		if rec.Classification == ClassVerifiedOverlay {
			n++
		}
	}
	return n
}

// PeersWithStore returns verified peers advertising storeID.
func (r *Registry) PeersWithStore(storeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for _, rec := range r.peers {
		if rec.Classification != ClassVerifiedOverlay {
			continue
		}
		for _, s := range rec.AdvertisedStores {
			if s == storeID {
				out = append(out, rec.PeerID)
				break
			}
		}
	}
	return out
}

// setClassification applies a classification outcome.
func (r *Registry) setClassification(peerID string, class Classification, trust Trust, allow []string, verified bool, overlayAddress string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.peers[peerID]
	if !ok {
		return
	}
	rec.Classification = class
	rec.Trust = trust
	rec.Allow = map[string]bool{}
	for _, op := range allow {
		rec.Allow[op] = true
	}
	rec.Verified = verified
	rec.LastClassified = time.Now()
	if overlayAddress != "" {
		rec.OverlayAddress = overlayAddress
	}
	switch class {
	case ClassVerifiedOverlay:
		rec.Privacy = PrivacyNone
	case ClassSuspicious, ClassPublicInfrastructure:
		rec.Privacy = PrivacyMaximum
	default:
		rec.Privacy = PrivacyBasic
	}
}
