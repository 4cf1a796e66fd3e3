package fabric

import (
	"sync"
	"time"
)

// peerEntry is one peerstore record.
type peerEntry struct {
	info         PeerInfo
	lastActivity time.Time
	connected    bool
}

// Peerstore tracks known peers, their dial addresses, and session liveness.
type Peerstore struct {
	mu    sync.RWMutex
	peers map[string]*peerEntry

	// sessionTTL bounds how long a peer counts as connected without traffic.
	sessionTTL time.Duration
}

// NewPeerstore creates a peerstore with the given session TTL.
func NewPeerstore(sessionTTL time.Duration) *Peerstore {
	return &Peerstore{
		peers:      make(map[string]*peerEntry),
		sessionTTL: sessionTTL,
	}
}

// AddAddrs records dial addresses for a peer without marking it connected.
func (ps *Peerstore) AddAddrs(peerID string, addrs []string) {
	if peerID == "" || len(addrs) == 0 {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e := ps.entry(peerID)
	e.info.Addrs = mergeAddrs(e.info.Addrs, addrs)
}

// Touch records activity with a peer, marking it connected. It returns true
// if this transitioned the peer from disconnected to connected.
func (ps *Peerstore) Touch(info PeerInfo) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e := ps.entry(info.PeerID)
	wasConnected := e.connected
	e.lastActivity = time.Now()
	e.connected = true
	if len(info.PublicKey) > 0 {
		e.info.PublicKey = info.PublicKey
	}
	if info.RemoteAddr != "" {
		e.info.RemoteAddr = info.RemoteAddr
	}
	e.info.Addrs = mergeAddrs(e.info.Addrs, info.Addrs)
	return !wasConnected
}

// Expire marks peers idle past the TTL as disconnected and returns their ids.
func (ps *Peerstore) Expire() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	var expired []string
	cutoff := time.Now().Add(-ps.sessionTTL)
	for id, e := range ps.peers {
		if e.connected && e.lastActivity.Before(cutoff) {
			e.connected = false
			expired = append(expired, id)
		}
	}
	return expired
}

// Disconnect force-marks a peer as disconnected, returning true if it was
// connected.
func (ps *Peerstore) Disconnect(peerID string) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	e, ok := ps.peers[peerID]
	if !ok || !e.connected {
		return false
	}
	e.connected = false
	return true
}

// Get returns the stored info for a peer.
func (ps *Peerstore) Get(peerID string) (PeerInfo, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	e, ok := ps.peers[peerID]
	if !ok {
		return PeerInfo{}, false
	}
	return e.info, true
}

// Addrs returns the known dial addresses for a peer.
func (ps *Peerstore) Addrs(peerID string) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	e, ok := ps.peers[peerID]
	if !ok {
		return nil
	}
	out := make([]string, len(e.info.Addrs))
	copy(out, e.info.Addrs)
	return out
}

// Connected returns the ids of all currently connected peers.
func (ps *Peerstore) Connected() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	var out []string
	for id, e := range ps.peers {
		if e.connected {
			out = append(out, id)
		}
	}
	return out
}

// IsConnected reports whether a live session with the peer exists.
func (ps *Peerstore) IsConnected(peerID string) bool {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	e, ok := ps.peers[peerID]
	return ok && e.connected
}

// entry returns the record for peerID, creating it if missing. Caller holds
// the write lock.
func (ps *Peerstore) entry(peerID string) *peerEntry {
	e, ok := ps.peers[peerID]
	if !ok {
		e = &peerEntry{info: PeerInfo{PeerID: peerID}}
		ps.peers[peerID] = e
	}
	return e
}

func mergeAddrs(existing, extra []string) []string {
	seen := make(map[string]bool, len(existing))
	for _, a := range existing {
		seen[a] = true
	}
	for _, a := range extra {
		if a != "" && !seen[a] {
			existing = append(existing, a)
			seen[a] = true
		}
	}
	return existing
}
