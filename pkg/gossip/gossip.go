// Package gossip implements topic-based epidemic dissemination over the
// dig-discovery/1 protocol. Messages are signed envelopes flooded to the
// connected overlay peers with a seen-cache for deduplication; at overlay
// scale (tens of peers) flooding converges in one or two hops without the
// bookkeeping of a full mesh protocol.
package gossip

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/blake3"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// Message is one dig-discovery/1 gossip message.
type Message struct {
	Type     string `json:"type"` // GOSSIP_PUBLISH
	Topic    string `json:"topic"`
	Envelope []byte `json:"envelope"`
}

// MsgPublish is the only gossip message type.
const MsgPublish = "GOSSIP_PUBLISH"

// Network sends gossip messages to overlay peers. Send is fire-and-forget.
type Network interface {
	Send(ctx context.Context, peerID string, msg *Message) error
	Peers() []string
}

// Handler receives a verified envelope published on a subscribed topic.
type Handler func(topic string, env *wire.Envelope)

// Config holds gossip configuration.
type Config struct {
	Identity  *identity.Identity
	NetworkID string
	Network   Network
	SeenTTL   time.Duration // dedup window (default 10 min)
}

// Gossip is a gossip protocol instance.
type Gossip struct {
	mu sync.RWMutex

	identity  *identity.Identity
	networkID string
	network   Network

	subscriptions map[string][]Handler
	seen          map[string]time.Time
	seenTTL       time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a gossip instance.
func New(config *Config) (*Gossip, error) {
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
	seenTTL := config.SeenTTL
	if seenTTL == 0 {
		seenTTL = 10 * time.Minute
	}
	return &Gossip{
		identity:      config.Identity,
		networkID:     networkID,
		network:       config.Network,
		subscriptions: make(map[string][]Handler),
		seen:          make(map[string]time.Time),
		seenTTL:       seenTTL,
		done:          make(chan struct{}),
	}, nil
}

// Start launches the seen-cache cleanup loop.
func (g *Gossip) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ctx != nil {
		return fmt.Errorf("gossip is already running")
	}
	g.ctx, g.cancel = context.WithCancel(ctx)
	go g.cleanupLoop(g.ctx, g.done)
	return nil
}

// Stop stops the cleanup loop. The lock is released before waiting so the
// loop can finish any in-flight tick.
func (g *Gossip) Stop() error {
	g.mu.Lock()
	if g.cancel == nil {
		g.mu.Unlock()
		return nil
	}
	cancel := g.cancel
	done := g.done
	g.ctx, g.cancel = nil, nil
	g.mu.Unlock()

	cancel()
	<-done

	g.mu.Lock()
	g.done = make(chan struct{})
	g.mu.Unlock()
	return nil
}

// Subscribe registers a handler for a topic.
func (g *Gossip) Subscribe(topic string, handler Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.subscriptions[topic] = append(g.subscriptions[topic], handler)
}

// Publish signs payload into an envelope and floods it on topic. The local
// subscribers see it too, so publish-to-self behaves like any other peer.
func (g *Gossip) Publish(ctx context.Context, topic string, payload interface{}) error {
	env, err := wire.NewEnvelope(g.networkID, g.identity.PeerID(), g.identity.SigningPublicKey, payload)
	if err != nil {
		return err
	}
	if err := env.Sign(g.identity.SigningPrivateKey); err != nil {
		return err
	}
	raw, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	g.markSeen(messageID(raw))
	g.deliver(topic, env)
	g.flood(ctx, "", &Message{Type: MsgPublish, Topic: topic, Envelope: raw})
	return nil
}

// HandleMessage processes one inbound gossip message: dedup, verify,
// deliver locally, re-flood to everyone except the sender.
func (g *Gossip) HandleMessage(from string, msg *Message) {
	if msg.Type != MsgPublish || len(msg.Envelope) == 0 {
		return
	}
	id := messageID(msg.Envelope)
	if !g.markSeen(id) {
		return
	}

	env, err := wire.UnmarshalEnvelope(msg.Envelope)
	if err != nil {
		return
	}
	if err := env.Verify(g.networkID); err != nil {
		return
	}

	g.deliver(msg.Topic, env)

	g.mu.RLock()
	ctx := g.ctx
	g.mu.RUnlock()
	if ctx == nil {
		ctx = context.Background()
	}
	g.flood(ctx, from, msg)
}

// deliver invokes local handlers for topic.
func (g *Gossip) deliver(topic string, env *wire.Envelope) {
	g.mu.RLock()
	handlers := make([]Handler, len(g.subscriptions[topic]))
	copy(handlers, g.subscriptions[topic])
	g.mu.RUnlock()
	for _, h := range handlers {
		h(topic, env)
	}
}

// flood sends msg to every connected overlay peer except exclude.
func (g *Gossip) flood(ctx context.Context, exclude string, msg *Message) {
	self := g.identity.PeerID()
	var wg sync.WaitGroup
	for _, peer := range g.network.Peers() {
		if peer == exclude || peer == self {
			continue
		}
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			g.network.Send(ctx, peer, msg)
		}(peer)
	}
	wg.Wait()
}

// markSeen records a message id, returning false if it was already seen.
func (g *Gossip) markSeen(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.seen[id]; ok {
		return false
	}
	g.seen[id] = time.Now()
	return true
}

func (g *Gossip) cleanupLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			cutoff := time.Now().Add(-g.seenTTL)
			for id, ts := range g.seen {
				if ts.Before(cutoff) {
					delete(g.seen, id)
				}
			}
			g.mu.Unlock()
		}
	}
}

func messageID(raw []byte) string {
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}
