package gossip

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// loopFabric delivers gossip messages between instances in process.
type loopFabric struct {
	mu    sync.Mutex
	nodes map[string]*Gossip
}

func newLoopFabric() *loopFabric {
	return &loopFabric{nodes: make(map[string]*Gossip)}
}

type loopNetwork struct {
	fab  *loopFabric
	self string
}

func (n *loopNetwork) Send(ctx context.Context, peerID string, msg *Message) error {
	n.fab.mu.Lock()
	target := n.fab.nodes[peerID]
	n.fab.mu.Unlock()
	if target == nil {
		return context.DeadlineExceeded
	}
	target.HandleMessage(n.self, msg)
	return nil
}

func (n *loopNetwork) Peers() []string {
	n.fab.mu.Lock()
	defer n.fab.mu.Unlock()
	var out []string
	for id := range n.fab.nodes {
		if id != n.self {
			out = append(out, id)
		}
	}
	return out
}

func newTestGossip(t *testing.T, fab *loopFabric) *Gossip {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity generation failed: %v", err)
	}
	g, err := New(&Config{
		Identity:  id,
		NetworkID: "testnet",
		Network:   &loopNetwork{fab: fab, self: id.PeerID()},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	fab.mu.Lock()
	fab.nodes[id.PeerID()] = g
	fab.mu.Unlock()
	return g
}

type collector struct {
	mu   sync.Mutex
	seen []string
}

func (c *collector) handler(_ string, env *wire.Envelope) {
	var rec wire.PeerAnnouncement
	if err := env.Open(&rec); err != nil {
		return
	}
	c.mu.Lock()
	c.seen = append(c.seen, rec.PeerID)
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	fab := newLoopFabric()
	a := newTestGossip(t, fab)
	b := newTestGossip(t, fab)
	c := newTestGossip(t, fab)

	var cb, cc collector
	b.Subscribe("topic-x", cb.handler)
	c.Subscribe("topic-x", cc.handler)

	err := a.Publish(context.Background(), "topic-x", &wire.PeerAnnouncement{PeerID: "publisher"})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cb.count() == 1 && cc.count() == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if cb.count() != 1 || cc.count() != 1 {
		t.Errorf("delivery counts: b=%d c=%d, want 1 each", cb.count(), cc.count())
	}
}

func TestDeduplication(t *testing.T) {
	fab := newLoopFabric()
	a := newTestGossip(t, fab)
	b := newTestGossip(t, fab)

	var got collector
	b.Subscribe("topic-y", got.handler)

	// Capture the raw message a would flood, then deliver it twice.
	env, _ := wire.NewEnvelope("testnet", a.identity.PeerID(), a.identity.SigningPublicKey,
		&wire.PeerAnnouncement{PeerID: "dup"})
	env.Sign(a.identity.SigningPrivateKey)
	raw, _ := env.Marshal()
	msg := &Message{Type: MsgPublish, Topic: "topic-y", Envelope: raw}

	b.HandleMessage(a.identity.PeerID(), msg)
	b.HandleMessage(a.identity.PeerID(), msg)

	if got.count() != 1 {
		t.Errorf("duplicate delivered %d times, want 1", got.count())
	}
}

func TestRejectsBadEnvelopes(t *testing.T) {
	fab := newLoopFabric()
	a := newTestGossip(t, fab)
	b := newTestGossip(t, fab)

	var got collector
	b.Subscribe("topic-z", got.handler)

	// Unsigned envelope
	env, _ := wire.NewEnvelope("testnet", a.identity.PeerID(), a.identity.SigningPublicKey,
		&wire.PeerAnnouncement{PeerID: "unsigned"})
	raw, _ := env.Marshal()
	b.HandleMessage(a.identity.PeerID(), &Message{Type: MsgPublish, Topic: "topic-z", Envelope: raw})

	// Wrong network
	wrongNet, _ := wire.NewEnvelope("othernet", a.identity.PeerID(), a.identity.SigningPublicKey,
		&wire.PeerAnnouncement{PeerID: "foreign"})
	wrongNet.Sign(a.identity.SigningPrivateKey)
	raw2, _ := wrongNet.Marshal()
	b.HandleMessage(a.identity.PeerID(), &Message{Type: MsgPublish, Topic: "topic-z", Envelope: raw2})

	if got.count() != 0 {
		t.Errorf("bad envelopes delivered: %d", got.count())
	}
}

func TestLocalDelivery(t *testing.T) {
	fab := newLoopFabric()
	a := newTestGossip(t, fab)

	var got collector
	a.Subscribe("self-topic", got.handler)
	if err := a.Publish(context.Background(), "self-topic", &wire.PeerAnnouncement{PeerID: "me"}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.count() != 1 {
		t.Errorf("publisher did not deliver to itself: %d", got.count())
	}
}
