package discovery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DIG-Network/dig-node/pkg/directory"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// fakeConnector records discovered peers.
type fakeConnector struct {
	mu     sync.Mutex
	addrs  map[string][]string
	dialed []string
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{addrs: make(map[string][]string)}
}

func (f *fakeConnector) AddPeerAddrs(peerID string, addrs []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addrs[peerID] = append(f.addrs[peerID], addrs...)
}

func (f *fakeConnector) Connect(ctx context.Context, peerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialed = append(f.dialed, peerID)
	return nil
}

func (f *fakeConnector) ConnectAddr(ctx context.Context, addr string) error {
	return nil
}

func (f *fakeConnector) known(peerID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.addrs[peerID]
	return ok
}

func newTestDiscovery(t *testing.T, conn *fakeConnector, dirs []*directory.Client, verified func() int) *Discovery {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	d, err := New(&Config{
		Identity:      id,
		NetworkID:     "testnet",
		Connector:     conn,
		VerifiedCount: verified,
		Directories:   dirs,
		FallbackDelay: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func announcementEnvelope(t *testing.T, networkID string, forgePublisher bool) *wire.Envelope {
	t.Helper()
	sender, _ := identity.Generate()
	peerID := sender.PeerID()
	if forgePublisher {
		other, _ := identity.Generate()
		peerID = other.PeerID()
	}
	ann := &wire.PeerAnnouncement{
		PeerID:    peerID,
		NetworkID: networkID,
		Addresses: []string{"tcp://203.0.113.9:4001"},
		Timestamp: uint64(time.Now().UnixMilli()),
	}
	env, err := wire.NewEnvelope("testnet", sender.PeerID(), sender.SigningPublicKey, ann)
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	env.Sign(sender.SigningPrivateKey)
	return env
}

func TestAnnouncementIngestion(t *testing.T) {
	conn := newFakeConnector()
	d := newTestDiscovery(t, conn, nil, nil)

	good := announcementEnvelope(t, "testnet", false)
	d.onAnnouncement("", good)

	var goodAnn wire.PeerAnnouncement
	good.Open(&goodAnn)
	if !conn.known(goodAnn.PeerID) {
		t.Error("valid announcement not ingested")
	}
}

func TestAnnouncementFiltering(t *testing.T) {
	testCases := []struct {
		name string
		env  func(t *testing.T) *wire.Envelope
	}{
		{"wrong network", func(t *testing.T) *wire.Envelope {
			return announcementEnvelope(t, "othernet", false)
		}},
		{"forged publisher", func(t *testing.T) *wire.Envelope {
			return announcementEnvelope(t, "testnet", true)
		}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			conn := newFakeConnector()
			d := newTestDiscovery(t, conn, nil, nil)
			env := tc.env(t)
			d.onAnnouncement("", env)

			var ann wire.PeerAnnouncement
			env.Open(&ann)
			if conn.known(ann.PeerID) {
				t.Error("filtered announcement was ingested")
			}
		})
	}
}

func TestDirectoryFallbackGating(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(map[string]interface{}{
			"peers": []directory.Peer{{PeerID: "dir-peer", Addresses: []string{"tcp://1.2.3.4:4001"}, NetworkID: "testnet"}},
		})
	}))
	defer srv.Close()

	conn := newFakeConnector()
	verified := 1
	d := newTestDiscovery(t, conn, []*directory.Client{directory.NewClient(srv.URL)},
		func() int { return verified })
	d.started = time.Now().Add(-time.Minute)

	// With verified peers the directory stays untouched.
	d.maybeFallback(context.Background())
	if requests != 0 {
		t.Errorf("directory consulted despite %d verified peers", verified)
	}

	// With zero verified peers past the delay it is consulted.
	verified = 0
	d.maybeFallback(context.Background())
	if requests != 1 {
		t.Errorf("directory requests: %d, want 1", requests)
	}
	if !conn.known("dir-peer") {
		t.Error("directory peer not ingested")
	}
}

func TestRegisterAllPostsRegistration(t *testing.T) {
	var registrations []directory.Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/register" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var reg directory.Registration
		if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		registrations = append(registrations, reg)
		json.NewEncoder(w).Encode(map[string]bool{"ok": true})
	}))
	defer srv.Close()

	conn := newFakeConnector()
	d := newTestDiscovery(t, conn, []*directory.Client{directory.NewClient(srv.URL)}, nil)
	d.config.Announcement = func() *wire.PeerAnnouncement {
		return &wire.PeerAnnouncement{
			PeerID:       d.config.Identity.PeerID(),
			NetworkID:    "testnet",
			Addresses:    []string{"tcp://203.0.113.9:4001"},
			Capabilities: []string{"accepts-direct", "relay"},
			Stores:       []string{"00ab"},
		}
	}

	d.RegisterAll(context.Background())

	if len(registrations) != 1 {
		t.Fatalf("registrations: %d, want 1", len(registrations))
	}
	reg := registrations[0]
	if reg.PeerID != d.config.Identity.PeerID() || reg.NetworkID != "testnet" {
		t.Errorf("registration identity: %+v", reg)
	}
	if !reg.RelayCapable {
		t.Error("relay capability tag not mapped to relayCapable")
	}
	if len(reg.Stores) != 1 || reg.Stores[0] != "00ab" {
		t.Errorf("registration stores: %v", reg.Stores)
	}
}

func TestFallbackRespectsStartupDelay(t *testing.T) {
	var requests int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		json.NewEncoder(w).Encode(map[string]interface{}{"peers": []directory.Peer{}})
	}))
	defer srv.Close()

	conn := newFakeConnector()
	d := newTestDiscovery(t, conn, []*directory.Client{directory.NewClient(srv.URL)}, func() int { return 0 })
	d.config.FallbackDelay = time.Hour
	d.started = time.Now()

	d.maybeFallback(context.Background())
	if requests != 0 {
		t.Error("directory consulted before the fallback delay elapsed")
	}
}
