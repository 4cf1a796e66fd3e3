package node

import (
	"bytes"
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/download"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/registry"
	"github.com/DIG-Network/dig-node/pkg/store"
	"github.com/DIG-Network/dig-node/pkg/transport"
	"github.com/DIG-Network/dig-node/pkg/transport/mem"
)

const (
	smallStoreID = "00ab00ab00ab00ab00ab00ab00ab00ab"
	largeStoreID = "11cd11cd11cd11cd11cd11cd11cd11cd"
)

// startTestNode brings up a node on the in-process network.
func startTestNode(t *testing.T, network *mem.Network, name string, direct bool, bootstrap []string) *Node {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity generation failed: %v", err)
	}
	transports := transport.NewRegistry()
	transports.Register(network.Transport(name))

	n, err := New(&Config{
		Identity:       id,
		NetworkID:      "testnet",
		StoreDir:       t.TempDir(),
		Transports:     transports,
		ListenAddrs:    []string{"mem://" + name},
		BootstrapPeers: bootstrap,
		DirectOverride: &direct,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		n.Stop(ctx)
	})
	return n
}

// putStore installs content as a local store and announces it.
func putStore(t *testing.T, n *Node, storeID string, content []byte) {
	t.Helper()
	path := filepath.Join(n.manager.Dir(), storeID+store.DefaultExt)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatalf("putStore write: %v", err)
	}
	if _, _, err := n.manager.Scan(); err != nil {
		t.Fatalf("putStore scan: %v", err)
	}
	n.announceStores(n.ctx)
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// waitVerified waits until both nodes classified each other verified.
func waitVerified(t *testing.T, a, b *Node) {
	t.Helper()
	waitFor(t, 10*time.Second, "mutual verification", func() bool {
		ra, okA := a.registry.Get(b.identity.PeerID())
		rb, okB := b.registry.Get(a.identity.PeerID())
		return okA && okB &&
			ra.Classification == registry.ClassVerifiedOverlay &&
			rb.Classification == registry.ClassVerifiedOverlay
	})
}

func randomContent(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return data
}

func readStore(t *testing.T, n *Node, storeID string) []byte {
	t.Helper()
	info, ok := n.manager.Get(storeID)
	if !ok {
		t.Fatalf("store %s not present", storeID)
	}
	data, err := os.ReadFile(info.Path)
	if err != nil {
		t.Fatalf("read store: %v", err)
	}
	return data
}

func TestDirectDownloadSmall(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "node-a", true, nil)
	b := startTestNode(t, network, "node-b", true, []string{"mem://node-a"})

	content := randomContent(t, 1024)
	putStore(t, a, smallStoreID, content)
	waitVerified(t, a, b)
	a.announceStores(a.ctx)

	ok, strategy, err := b.DownloadStore(context.Background(), smallStoreID)
	if err != nil || !ok {
		t.Fatalf("DownloadStore: ok=%v err=%v", ok, err)
	}
	if strategy != download.StrategyDirectConnected {
		t.Errorf("strategy: %s", strategy)
	}
	if !bytes.Equal(readStore(t, b, smallStoreID), content) {
		t.Error("downloaded bytes differ from source")
	}

	// The new holder announces the store.
	b.announceStores(b.ctx)
	waitFor(t, 5*time.Second, "store announcement from b", func() bool {
		for _, env := range a.dht.Get(context.Background(), constants.DHTStorePrefix+smallStoreID) {
			if env.From == b.identity.PeerID() {
				return true
			}
		}
		return false
	})
}

func TestChunkedDownloadLarge(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "big-a", true, nil)
	b := startTestNode(t, network, "big-b", true, []string{"mem://big-a"})

	content := randomContent(t, 2*1024*1024) // 8 chunks at 256 KiB
	putStore(t, a, largeStoreID, content)
	waitVerified(t, a, b)
	a.announceStores(a.ctx)

	ok, _, err := b.DownloadStore(context.Background(), largeStoreID)
	if err != nil || !ok {
		t.Fatalf("DownloadStore: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(readStore(t, b, largeStoreID), content) {
		t.Error("downloaded bytes differ from source")
	}

	// Session artifacts are gone after finalize.
	if _, err := os.Stat(filepath.Join(b.manager.DownloadsDir(), largeStoreID+".meta")); !os.IsNotExist(err) {
		t.Error("metadata file survived finalize")
	}
}

func TestInvalidRangeRejected(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "range-a", true, nil)
	b := startTestNode(t, network, "range-b", true, []string{"mem://range-a"})

	putStore(t, a, smallStoreID, []byte("0123456789"))
	waitVerified(t, a, b)

	start, end := int64(5), int64(3)
	header, body, err := b.getFileRange(context.Background(), a.identity.PeerID(), smallStoreID, &start, &end, nil)
	if !digerr.Is(err, digerr.CodeInvalidRange) {
		t.Errorf("got %v, want invalid-range", err)
	}
	if len(body) != 0 {
		t.Errorf("%d body bytes sent with invalid-range", len(body))
	}
	if header == nil || header.TotalSize != 10 {
		t.Error("invalid-range response lost total size")
	}

	start2, end2 := int64(0), int64(10)
	if _, _, err := b.getFileRange(context.Background(), a.identity.PeerID(), smallStoreID, &start2, &end2, nil); !digerr.Is(err, digerr.CodeInvalidRange) {
		t.Errorf("end past size: got %v", err)
	}
}

func TestRelayDownloadThroughNAT(t *testing.T) {
	if testing.Short() {
		t.Skip("relay scenario needs several seconds of signal polling")
	}
	network := mem.NewNetwork()

	// C is a public relay, B a public receiver, A the NAT-restricted
	// source: nobody can dial node-nat.
	c := startTestNode(t, network, "node-relay", true, nil)
	b := startTestNode(t, network, "node-recv", true, []string{"mem://node-relay"})
	network.SetDialRule(func(from, to string) bool {
		return to != "node-nat"
	})
	a := startTestNode(t, network, "node-nat", false, []string{"mem://node-relay", "mem://node-recv"})

	content := randomContent(t, 700*1024) // 3 chunks
	putStore(t, a, largeStoreID, content)

	// A verifies the public nodes; they can only see A as unknown.
	waitFor(t, 10*time.Second, "source classifies public nodes", func() bool {
		rb, okB := a.registry.Get(b.identity.PeerID())
		rc, okC := a.registry.Get(c.identity.PeerID())
		return okB && okC &&
			rb.Classification == registry.ClassVerifiedOverlay &&
			rc.Classification == registry.ClassVerifiedOverlay
	})
	waitVerified(t, b, c)
	a.announceStores(a.ctx)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	ok, strategy, err := b.DownloadStore(ctx, largeStoreID)
	if err != nil || !ok {
		t.Fatalf("DownloadStore: ok=%v err=%v attempts=%+v", ok, err, b.Attempts(largeStoreID))
	}
	if strategy != download.StrategyRelay {
		t.Errorf("strategy: %s", strategy)
	}
	if !bytes.Equal(readStore(t, b, largeStoreID), content) {
		t.Error("relayed bytes differ from source")
	}

	// Direct strategies were attempted and failed first.
	attempts := b.Attempts(largeStoreID)
	if len(attempts) == 0 || attempts[0].Strategy == download.StrategyRelay {
		t.Errorf("ladder order: %+v", attempts)
	}

	// The relay retains no session state after the transfer.
	waitFor(t, 10*time.Second, "relay session teardown", func() bool {
		return c.relaySrv.SessionCount() == 0
	})
}

func TestRelayDataUnknownSession(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "unk-a", true, nil)
	b := startTestNode(t, network, "unk-b", true, []string{"mem://unk-a"})
	waitVerified(t, a, b)

	// RELAY_DATA for a session id the relay never issued.
	_, err := b.relayCoord.FetchRange(context.Background(),
		a.identity.PeerID()+"/deadbeef", smallStoreID, 0, 0, 0)
	if !digerr.Is(err, digerr.CodeSessionUnknown) {
		t.Errorf("got %v, want session-unknown", err)
	}
}

func TestSyncLoopFetchesMissing(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "sync-a", true, nil)
	b := startTestNode(t, network, "sync-b", true, []string{"mem://sync-a"})

	content := randomContent(t, 4096)
	putStore(t, a, smallStoreID, content)
	waitVerified(t, a, b)

	b.sweep()
	if !b.manager.Has(smallStoreID) {
		t.Fatal("sweep did not fetch the missing store")
	}
	if !bytes.Equal(readStore(t, b, smallStoreID), content) {
		t.Error("synced bytes differ from source")
	}

	// A second sweep has nothing left to do.
	b.refreshAdvertised()
	if missing := b.missingStores(); len(missing) != 0 {
		t.Errorf("stores still missing after sync: %v", missing)
	}
}

func TestClassificationIsolation(t *testing.T) {
	network := mem.NewNetwork()
	b := startTestNode(t, network, "iso-b", true, nil)

	// A rogue host that answers fabric pings but does not speak dig/1.
	rogueID, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	transports := transport.NewRegistry()
	transports.Register(network.Transport("iso-rogue"))
	rogue, err := fabric.NewHost(&fabric.Config{
		Identity:    rogueID,
		Transports:  transports,
		ListenAddrs: []string{"mem://iso-rogue"},
	})
	if err != nil {
		t.Fatalf("rogue host: %v", err)
	}
	ctx := context.Background()
	if err := rogue.Start(ctx); err != nil {
		t.Fatalf("rogue start: %v", err)
	}
	defer rogue.Stop()

	// The rogue connects and pings; classification must settle on unknown.
	s, _, err := rogue.DialAddr(ctx, "mem://iso-b", constants.ProtocolDiscovery)
	if err != nil {
		t.Fatalf("rogue dial: %v", err)
	}
	s.Write([]byte(`{"type":"PING","token":"x"}` + "\n"))
	buf := make([]byte, 256)
	s.SetReadDeadline(time.Now().Add(2 * time.Second))
	s.Read(buf)
	s.Close()

	waitFor(t, 10*time.Second, "rogue classification", func() bool {
		rec, ok := b.registry.Get(rogueID.PeerID())
		return ok && rec.Classification == registry.ClassUnknown
	})

	// An out-of-band spoof advertises a store for the rogue; it must not
	// become a source, because the registry offers only verified peers as
	// candidates.
	b.registry.SetAdvertised(rogueID.PeerID(), []string{smallStoreID}, nil)
	if peers := b.registry.PeersWithStore(smallStoreID); len(peers) != 0 {
		t.Errorf("unknown peer offered as source: %v", peers)
	}
	if b.registry.Allowed(rogueID.PeerID(), registry.OpStoreRead) {
		t.Error("unknown peer allowed store reads")
	}

	ok, _, err := b.DownloadStore(ctx, smallStoreID)
	if ok || err == nil {
		t.Error("download succeeded with only a spoofed unknown source")
	}
}

func TestConcurrentDownloadStoreShareOutcome(t *testing.T) {
	network := mem.NewNetwork()
	a := startTestNode(t, network, "conc-a", true, nil)
	b := startTestNode(t, network, "conc-b", true, []string{"mem://conc-a"})

	content := randomContent(t, 600*1024)
	putStore(t, a, largeStoreID, content)
	waitVerified(t, a, b)
	a.announceStores(a.ctx)

	type result struct {
		ok  bool
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			ok, _, err := b.DownloadStore(context.Background(), largeStoreID)
			results <- result{ok: ok, err: err}
		}()
	}
	for i := 0; i < 2; i++ {
		r := <-results
		if !r.ok || r.err != nil {
			t.Errorf("concurrent download %d: ok=%v err=%v", i, r.ok, r.err)
		}
	}
	if !bytes.Equal(readStore(t, b, largeStoreID), content) {
		t.Error("downloaded bytes differ from source")
	}
}
