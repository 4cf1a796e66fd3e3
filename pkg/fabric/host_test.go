package fabric

import (
	"bufio"
	"context"
	"io"
	"testing"
	"time"

	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/transport"
	"github.com/DIG-Network/dig-node/pkg/transport/mem"
)

// newTestHost builds a host on the shared in-process network.
func newTestHost(t *testing.T, network *mem.Network, name string) *Host {
	t.Helper()
	id, err := identity.Generate()
	if err != nil {
		t.Fatalf("identity generation failed: %v", err)
	}
	reg := transport.NewRegistry()
	reg.Register(network.Transport(name))

	h, err := NewHost(&Config{
		Identity:    id,
		Transports:  reg,
		ListenAddrs: []string{"mem://" + name},
	})
	if err != nil {
		t.Fatalf("NewHost failed: %v", err)
	}
	return h
}

func TestStreamExchange(t *testing.T) {
	network := mem.NewNetwork()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestHost(t, network, "host-a")
	b := newTestHost(t, network, "host-b")

	received := make(chan string, 1)
	b.SetStreamHandler("echo/1", func(s Stream, remote PeerInfo) {
		defer s.Close()
		line, err := bufio.NewReader(s).ReadString('\n')
		if err != nil {
			return
		}
		received <- remote.PeerID
		io.WriteString(s, line)
	})

	if err := a.Start(ctx); err != nil {
		t.Fatalf("start a: %v", err)
	}
	defer a.Stop()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("start b: %v", err)
	}
	defer b.Stop()

	s, info, err := a.DialAddr(ctx, "mem://host-b", "echo/1")
	if err != nil {
		t.Fatalf("DialAddr failed: %v", err)
	}
	defer s.Close()

	if info.PeerID != b.ID() {
		t.Errorf("dial learned wrong identity: %s", info.PeerID)
	}

	if _, err := io.WriteString(s, "hello\n"); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	line, err := bufio.NewReader(s).ReadString('\n')
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if line != "hello\n" {
		t.Errorf("echo mismatch: %q", line)
	}

	select {
	case remote := <-received:
		if remote != a.ID() {
			t.Errorf("handler saw wrong peer: %s", remote)
		}
	case <-ctx.Done():
		t.Fatal("handler never ran")
	}

	// Both ends now consider each other connected.
	if !a.Peerstore().IsConnected(b.ID()) {
		t.Error("dialer peerstore missing session")
	}
	if !b.Peerstore().IsConnected(a.ID()) {
		t.Error("responder peerstore missing session")
	}
}

func TestNewStreamUsesPeerstoreAddrs(t *testing.T) {
	network := mem.NewNetwork()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a := newTestHost(t, network, "addr-a")
	b := newTestHost(t, network, "addr-b")
	b.SetStreamHandler("noop/1", func(s Stream, remote PeerInfo) { s.Close() })

	a.Start(ctx)
	defer a.Stop()
	b.Start(ctx)
	defer b.Stop()

	// Without addresses the dial must fail.
	if _, _, err := a.NewStream(ctx, b.ID(), "noop/1"); err == nil {
		t.Error("NewStream succeeded without known addresses")
	}

	a.AddPeerAddrs(b.ID(), []string{"mem://addr-b"})
	s, info, err := a.NewStream(ctx, b.ID(), "noop/1")
	if err != nil {
		t.Fatalf("NewStream failed: %v", err)
	}
	s.Close()
	if info.PeerID != b.ID() {
		t.Errorf("NewStream reached %s, want %s", info.PeerID, b.ID())
	}
}

func TestUnknownProtocolRefused(t *testing.T) {
	network := mem.NewNetwork()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	a := newTestHost(t, network, "proto-a")
	b := newTestHost(t, network, "proto-b")
	a.Start(ctx)
	defer a.Stop()
	b.Start(ctx)
	defer b.Stop()

	s, _, err := a.DialAddr(ctx, "mem://proto-b", "no-such-proto/1")
	if err == nil {
		// The responder closes without an answer; the first read fails.
		s.SetReadDeadline(time.Now().Add(time.Second))
		buf := make([]byte, 1)
		if _, rerr := s.Read(buf); rerr == nil {
			t.Error("stream on unknown protocol delivered data")
		}
		s.Close()
	}
}

func TestSplitAddr(t *testing.T) {
	testCases := []struct {
		addr       string
		scheme     string
		hostPort   string
		shouldFail bool
	}{
		{"tcp://1.2.3.4:4001", "tcp", "1.2.3.4:4001", false},
		{"quic://[::1]:4001", "quic", "[::1]:4001", false},
		{"mem://node-x", "mem", "node-x", false},
		{"no-scheme", "", "", true},
	}
	for _, tc := range testCases {
		scheme, hostPort, err := SplitAddr(tc.addr)
		if tc.shouldFail {
			if err == nil {
				t.Errorf("SplitAddr(%q) should fail", tc.addr)
			}
			continue
		}
		if err != nil || scheme != tc.scheme || hostPort != tc.hostPort {
			t.Errorf("SplitAddr(%q) = %q,%q,%v", tc.addr, scheme, hostPort, err)
		}
	}
}

func TestPeerstoreExpiry(t *testing.T) {
	ps := NewPeerstore(50 * time.Millisecond)
	ps.Touch(PeerInfo{PeerID: "p1"})
	if !ps.IsConnected("p1") {
		t.Fatal("touched peer not connected")
	}
	time.Sleep(80 * time.Millisecond)
	expired := ps.Expire()
	if len(expired) != 1 || expired[0] != "p1" {
		t.Errorf("Expire: got %v", expired)
	}
	if ps.IsConnected("p1") {
		t.Error("expired peer still connected")
	}
	// Addresses survive expiry.
	ps.AddAddrs("p1", []string{"mem://p1"})
	if len(ps.Addrs("p1")) != 1 {
		t.Error("addresses lost on expiry")
	}
}
