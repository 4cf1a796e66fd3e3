package dht

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// Message is one dig-discovery/1 DHT message. Both requests and responses
// use this shape; the Type field disambiguates.
type Message struct {
	Type      string   `json:"type"` // DHT_PUT, DHT_GET, DHT_RESULT, DHT_OK, DHT_DENIED
	Key       string   `json:"key,omitempty"`
	Envelope  []byte   `json:"envelope,omitempty"`
	Envelopes [][]byte `json:"envelopes,omitempty"`
}

// Message types.
const (
	MsgPut    = "DHT_PUT"
	MsgGet    = "DHT_GET"
	MsgResult = "DHT_RESULT"
	MsgOK     = "DHT_OK"
	MsgDenied = "DHT_DENIED"
)

// Network is the sender the DHT uses to reach other overlay peers. The node
// implements it over dig-discovery/1 streams; only verified-overlay peers
// are ever returned by Peers.
type Network interface {
	Request(ctx context.Context, peerID string, msg *Message) (*Message, error)
	Peers() []string
}

// Config holds DHT configuration.
type Config struct {
	Identity    *identity.Identity
	NetworkID   string
	Network     Network
	Replication int           // peers a put is replicated to (default 3)
	Alpha       int           // parallel lookups per get (default 3)
	RecordTTL   time.Duration // default 10 min
}

// DHT is the overlay record service: a local store plus replication and
// lookup across the connected overlay peers.
type DHT struct {
	mu sync.RWMutex

	identity    *identity.Identity
	networkID   string
	network     Network
	replication int
	alpha       int

	store   *Store
	limiter *RateLimiter

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a DHT instance.
func New(config *Config) (*DHT, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Network == nil {
		return nil, fmt.Errorf("network interface is required")
	}
	networkID := config.NetworkID
	if networkID == "" {
		networkID = constants.DefaultNetworkID
	}
	replication := config.Replication
	if replication == 0 {
		replication = constants.DHTReplication
	}
	alpha := config.Alpha
	if alpha == 0 {
		alpha = constants.DHTAlpha
	}
	ttl := config.RecordTTL
	if ttl == 0 {
		ttl = constants.RecordTTL
	}

	return &DHT{
		identity:    config.Identity,
		networkID:   networkID,
		network:     config.Network,
		replication: replication,
		alpha:       alpha,
		store:       NewStore(ttl),
		limiter:     NewRateLimiter(nil),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the expiry maintenance loop.
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.ctx != nil {
		return fmt.Errorf("dht is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	go d.maintenanceLoop(d.ctx, d.done)
	return nil
}

// Stop stops the maintenance loop.
func (d *DHT) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	cancel := d.cancel
	done := d.done
	d.ctx, d.cancel = nil, nil
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.done = make(chan struct{})
	d.mu.Unlock()
	return nil
}

func (d *DHT) maintenanceLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.store.Expire()
		}
	}
}

// PutPayload wraps payload in a signed envelope and stores it under key,
// locally and on the closest connected peers.
func (d *DHT) PutPayload(ctx context.Context, key string, payload interface{}) error {
	env, err := wire.NewEnvelope(d.networkID, d.identity.PeerID(), d.identity.SigningPublicKey, payload)
	if err != nil {
		return err
	}
	if err := env.Sign(d.identity.SigningPrivateKey); err != nil {
		return err
	}
	return d.Put(ctx, key, env)
}

// Put stores a signed envelope under key and replicates it.
func (d *DHT) Put(ctx context.Context, key string, env *wire.Envelope) error {
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	d.store.Put(key, env, raw)

	targets := ClosestPeers(key, d.network.Peers(), d.replication)
	msg := &Message{Type: MsgPut, Key: key, Envelope: raw}

	var wg sync.WaitGroup
	for _, peer := range targets {
		if peer == d.identity.PeerID() {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			// Replication is best-effort; unreachable replicas are
			// refreshed by the periodic republish.
			d.network.Request(ctx, peer, msg)
		}(peer)
	}
	wg.Wait()
	return nil
}

// Get returns all verified envelopes stored under key, querying the alpha
// closest connected peers in parallel and merging with local records.
func (d *DHT) Get(ctx context.Context, key string) []*wire.Envelope {
	results := make(map[string]*wire.Envelope) // publisher -> newest envelope

	for _, raw := range d.store.Get(key) {
		if env := d.decodeVerified(raw); env != nil {
			merge(results, env)
		}
	}

	targets := ClosestPeers(key, d.network.Peers(), d.alpha)
	msg := &Message{Type: MsgGet, Key: key}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, peer := range targets {
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			resp, err := d.network.Request(ctx, peer, msg)
			if err != nil || resp == nil || resp.Type != MsgResult {
				return
			}
			for _, raw := range resp.Envelopes {
				if env := d.decodeVerified(raw); env != nil {
					mu.Lock()
					merge(results, env)
					mu.Unlock()
				}
			}
		}(peer)
	}
	wg.Wait()

	out := make([]*wire.Envelope, 0, len(results))
	for _, env := range results {
		out = append(out, env)
	}
	return out
}

// Delete removes a local record; used after a queued signal is consumed.
func (d *DHT) Delete(key, from string) {
	d.store.Delete(key, from)
}

// HandleMessage processes one inbound DHT message from a peer and returns
// the response to send back.
func (d *DHT) HandleMessage(from string, msg *Message) *Message {
	if !d.limiter.Allow(from) {
		return &Message{Type: MsgDenied}
	}

	switch msg.Type {
	case MsgPut:
		env := d.decodeVerified(msg.Envelope)
		if env == nil {
			return &Message{Type: MsgDenied}
		}
		d.store.Put(msg.Key, env, msg.Envelope)
		return &Message{Type: MsgOK}

	case MsgGet:
		return &Message{Type: MsgResult, Key: msg.Key, Envelopes: d.store.Get(msg.Key)}

	default:
		return &Message{Type: MsgDenied}
	}
}

// decodeVerified decodes raw bytes into an envelope, dropping anything that
// fails signature or freshness checks.
func (d *DHT) decodeVerified(raw []byte) *wire.Envelope {
	if len(raw) == 0 {
		return nil
	}
	env, err := wire.UnmarshalEnvelope(raw)
	if err != nil {
		return nil
	}
	if err := env.Verify(d.networkID); err != nil {
		return nil
	}
	return env
}

func merge(results map[string]*wire.Envelope, env *wire.Envelope) {
	if existing, ok := results[env.From]; ok && existing.TS >= env.TS {
		return
	}
	results[env.From] = env
}

// Stats reports the local record count.
func (d *DHT) Stats() map[string]int {
	return map[string]int{"records": d.store.Len()}
}
