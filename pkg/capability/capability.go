// Package capability tracks per-peer reachability and relay-capability
// profiles. Profiles arrive by three redundant paths: gossip announcements,
// DHT records, and on-demand GET_PEER_INFO; a periodic prober retests what
// the passive paths claim.
package capability

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// Profile is the capability record tracked per peer.
type Profile struct {
	PeerID               string
	AcceptsDirect        bool
	CanActAsRelay        bool
	TraversalMethods     []string
	ObservedReachability string // loopback, lan, public, via-relay, unknown
	LastTested           time.Time
}

// Pinger performs a cheap round trip to a peer.
type Pinger interface {
	Ping(ctx context.Context, peerID string) (time.Duration, error)
}

// InfoClient fetches a peer's self-description on demand.
type InfoClient interface {
	GetPeerInfo(ctx context.Context, peerID string, requested []string) (*wire.PeerInfoResponse, error)
}

// DHTClient is the subset of the record service the tracker uses.
type DHTClient interface {
	PutPayload(ctx context.Context, key string, payload interface{}) error
	Get(ctx context.Context, key string) []*wire.Envelope
}

// PeerSource enumerates the peers worth profiling and their observed
// connection addresses.
type PeerSource interface {
	VerifiedPeerIDs() []string
	RemoteAddr(peerID string) string
}

// Config holds tracker configuration.
type Config struct {
	Identity   *identity.Identity
	LocalAddrs func() []string
	Pinger     Pinger
	Info       InfoClient
	DHT        DHTClient
	Gossip     *gossip.Gossip
	Peers      PeerSource

	// DirectOverride forces the self acceptsDirect result, for operators
	// behind a NAT the address heuristic cannot see.
	DirectOverride *bool

	SelfRetest time.Duration
	PeerRetest time.Duration
}

// Tracker maintains capability profiles for the local node and its peers.
type Tracker struct {
	mu sync.RWMutex

	identity *identity.Identity
	config   *Config

	self     Profile
	profiles map[string]*Profile

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a tracker and computes the initial self profile.
func New(config *Config) (*Tracker, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.SelfRetest == 0 {
		config.SelfRetest = constants.CapabilitySelfRetest
	}
	if config.PeerRetest == 0 {
		config.PeerRetest = constants.CapabilityPeerRetest
	}
	t := &Tracker{
		identity: config.Identity,
		config:   config,
		profiles: make(map[string]*Profile),
		done:     make(chan struct{}),
	}
	t.recomputeSelf()
	if config.Gossip != nil {
		config.Gossip.Subscribe(constants.TopicPeerCapabilities, t.onGossip)
	}
	return t, nil
}

// Start launches the retest and publish loops.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx != nil {
		return fmt.Errorf("capability tracker is already running")
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	go t.run(t.ctx, t.done)
	return nil
}

// Stop stops the background loops.
func (t *Tracker) Stop() error {
	t.mu.Lock()
	if t.cancel == nil {
		t.mu.Unlock()
		return nil
	}
	cancel := t.cancel
	done := t.done
	t.ctx, t.cancel = nil, nil
	t.mu.Unlock()

	cancel()
	<-done

	t.mu.Lock()
	t.done = make(chan struct{})
	t.mu.Unlock()
	return nil
}

// Self returns the local capability profile.
func (t *Tracker) Self() Profile {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.self
}

// Get returns the tracked profile for a peer, fetching it on demand from
// the DHT and then GET_PEER_INFO when nothing is cached.
func (t *Tracker) Get(ctx context.Context, peerID string) (Profile, bool) {
	t.mu.RLock()
	p, ok := t.profiles[peerID]
	t.mu.RUnlock()
	if ok {
		return *p, true
	}

	if t.config.DHT != nil {
		for _, env := range t.config.DHT.Get(ctx, constants.DHTCapabilitiesPrefix+peerID) {
			var rec wire.CapabilityRecord
			if err := env.Open(&rec); err == nil && rec.PeerID == peerID {
				t.update(&rec)
				t.mu.RLock()
				p, ok = t.profiles[peerID]
				t.mu.RUnlock()
				if ok {
					return *p, true
				}
			}
		}
	}

	if t.config.Info != nil {
		info, err := t.config.Info.GetPeerInfo(ctx, peerID, []string{"capabilities"})
		if err == nil {
			prof := profileFromStrings(peerID, info.Capabilities)
			t.mu.Lock()
			t.profiles[peerID] = prof
			t.mu.Unlock()
			return *prof, true
		}
	}
	return Profile{}, false
}

// CanActAsRelay reports whether a peer is a usable relay.
func (t *Tracker) CanActAsRelay(ctx context.Context, peerID string) bool {
	p, ok := t.Get(ctx, peerID)
	return ok && p.CanActAsRelay
}

// AcceptsDirect reports whether a peer can take unsolicited inbound dials.
func (t *Tracker) AcceptsDirect(ctx context.Context, peerID string) bool {
	p, ok := t.Get(ctx, peerID)
	return ok && p.AcceptsDirect
}

// SelfStrings renders the local capabilities as announcement tags.
func (t *Tracker) SelfStrings() []string {
	self := t.Self()
	var out []string
	if self.AcceptsDirect {
		out = append(out, "accepts-direct")
	}
	if self.CanActAsRelay {
		out = append(out, "relay")
	}
	return out
}

// RecomputeSelf re-derives the self profile; called at boot and on
// port/address changes.
func (t *Tracker) RecomputeSelf() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recomputeSelf()
}

// recomputeSelf derives acceptsDirect from the listen addresses: a public,
// non-loopback, non-private address must exist. Caller holds the lock.
func (t *Tracker) recomputeSelf() {
	acceptsDirect := false
	if t.config.DirectOverride != nil {
		acceptsDirect = *t.config.DirectOverride
	} else if t.config.LocalAddrs != nil {
		for _, addr := range t.config.LocalAddrs() {
			if AddrClass(addr) == "public" {
				acceptsDirect = true
				break
			}
		}
	}
	t.self = Profile{
		PeerID:               t.identity.PeerID(),
		AcceptsDirect:        acceptsDirect,
		CanActAsRelay:        acceptsDirect,
		TraversalMethods:     []string{"direct"},
		ObservedReachability: "public",
		LastTested:           time.Now(),
	}
	if !acceptsDirect {
		t.self.ObservedReachability = "unknown"
	}
}

// run retests self and peers and republishes the self record.
func (t *Tracker) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	selfTicker := time.NewTicker(t.config.SelfRetest)
	peerTicker := time.NewTicker(t.config.PeerRetest)
	defer selfTicker.Stop()
	defer peerTicker.Stop()

	t.publishSelf(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-selfTicker.C:
			t.RecomputeSelf()
			t.publishSelf(ctx)
		case <-peerTicker.C:
			t.retestPeers(ctx)
		}
	}
}

// publishSelf announces the local profile over gossip and the DHT.
func (t *Tracker) publishSelf(ctx context.Context) {
	self := t.Self()
	rec := wire.CapabilityRecord{
		PeerID:               self.PeerID,
		AcceptsDirect:        self.AcceptsDirect,
		CanActAsRelay:        self.CanActAsRelay,
		TraversalMethods:     self.TraversalMethods,
		ObservedReachability: self.ObservedReachability,
		Timestamp:            uint64(time.Now().UnixMilli()),
	}
	if t.config.DHT != nil {
		t.config.DHT.PutPayload(ctx, constants.DHTCapabilitiesPrefix+self.PeerID, &rec)
	}
	if t.config.Gossip != nil {
		t.config.Gossip.Publish(ctx, constants.TopicPeerCapabilities, &rec)
	}
}

// retestPeers pings every verified peer and refreshes reachability from the
// observed connection address.
func (t *Tracker) retestPeers(ctx context.Context) {
	if t.config.Peers == nil {
		return
	}
	for _, peerID := range t.config.Peers.VerifiedPeerIDs() {
		reachability := "unknown"
		if addr := t.config.Peers.RemoteAddr(peerID); addr != "" {
			reachability = AddrClass(addr)
		}
		alive := true
		if t.config.Pinger != nil {
			pingCtx, cancel := context.WithTimeout(ctx, constants.IdentificationTimeout)
			_, err := t.config.Pinger.Ping(pingCtx, peerID)
			cancel()
			alive = err == nil
		}

		t.mu.Lock()
		p, ok := t.profiles[peerID]
		if !ok {
			p = &Profile{PeerID: peerID}
			t.profiles[peerID] = p
		}
		if alive {
			p.ObservedReachability = reachability
		}
		p.LastTested = time.Now()
		t.mu.Unlock()
	}
}

// onGossip ingests a capability announcement.
func (t *Tracker) onGossip(_ string, env *wire.Envelope) {
	var rec wire.CapabilityRecord
	if err := env.Open(&rec); err != nil {
		return
	}
	// A capability record is only authoritative for its own publisher.
	if rec.PeerID != env.From {
		return
	}
	t.update(&rec)
}

// Forget drops a peer's profile on disconnect.
func (t *Tracker) Forget(peerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, peerID)
}

func (t *Tracker) update(rec *wire.CapabilityRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.profiles[rec.PeerID]
	if !ok {
		p = &Profile{PeerID: rec.PeerID}
		t.profiles[rec.PeerID] = p
	}
	p.AcceptsDirect = rec.AcceptsDirect
	p.CanActAsRelay = rec.CanActAsRelay
	p.TraversalMethods = append([]string(nil), rec.TraversalMethods...)
	p.ObservedReachability = rec.ObservedReachability
}

func profileFromStrings(peerID string, capabilities []string) *Profile {
	p := &Profile{PeerID: peerID, ObservedReachability: "unknown"}
	for _, c := range capabilities {
		switch c {
		case "accepts-direct":
			p.AcceptsDirect = true
		case "relay":
			p.CanActAsRelay = true
		}
	}
	return p
}

// AddrClass classifies a scheme-prefixed or bare address as loopback, lan,
// public, or via-relay. Non-IP hosts with the "relay:" prefix classify as
// via-relay; other non-IP hosts (in-process test addresses) classify as
// public: they are dialable by construction.
func AddrClass(addr string) string {
	if _, hostPort, err := fabric.SplitAddr(addr); err == nil {
		addr = hostPort
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip := net.ParseIP(host)
	if ip == nil {
		if strings.HasPrefix(host, "relay:") {
			return "via-relay"
		}
		return "public"
	}
	switch {
	case ip.IsLoopback():
		return "loopback"
	case ip.IsPrivate(), ip.IsLinkLocalUnicast(), ip.IsUnspecified():
		return "lan"
	default:
		return "public"
	}
}
