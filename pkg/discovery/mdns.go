package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
)

// beacon is the local multicast announcement payload.
type beacon struct {
	PeerID    string   `json:"peerId"`
	NetworkID string   `json:"networkId"`
	Addrs     []string `json:"addrs"`
}

// MDNS implements local-network discovery with periodic UDP multicast
// beacons. It is deliberately minimal: LAN peers still go through the same
// classification as any other peer once dialed.
type MDNS struct {
	mu sync.Mutex

	peerID    string
	networkID string
	addrs     func() []string
	onPeer    func(peerID string, addrs []string)

	conn   *net.UDPConn
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMDNS creates a local discovery beacon.
func NewMDNS(peerID, networkID string, addrs func() []string) *MDNS {
	return &MDNS{
		peerID:    peerID,
		networkID: networkID,
		addrs:     addrs,
	}
}

// OnPeer registers the callback invoked for each remote beacon.
func (m *MDNS) OnPeer(fn func(peerID string, addrs []string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeer = fn
}

// Start joins the multicast group and launches the beacon loops.
func (m *MDNS) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		return fmt.Errorf("mdns is already running")
	}

	group := &net.UDPAddr{IP: net.ParseIP(constants.MDNSGroup), Port: constants.MDNSPort}
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return fmt.Errorf("failed to join multicast group: %w", err)
	}
	m.conn = conn

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go m.receiveLoop(runCtx)
	go m.sendLoop(runCtx, group)
	return nil
}

// Stop leaves the group and stops the loops.
func (m *MDNS) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return
	}
	m.cancel()
	m.conn.Close()
	<-m.done
	m.conn = nil
}

func (m *MDNS) sendLoop(ctx context.Context, group *net.UDPAddr) {
	out, err := net.DialUDP("udp4", nil, group)
	if err != nil {
		return
	}
	defer out.Close()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	send := func() {
		b := beacon{PeerID: m.peerID, NetworkID: m.networkID}
		if m.addrs != nil {
			b.Addrs = m.addrs()
		}
		if data, err := json.Marshal(&b); err == nil {
			out.Write(data)
		}
	}

	send()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			send()
		}
	}
}

func (m *MDNS) receiveLoop(ctx context.Context) {
	defer close(m.done)
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, _, err := m.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}

		var b beacon
		if err := json.Unmarshal(buf[:n], &b); err != nil {
			continue
		}
		if b.PeerID == m.peerID || b.NetworkID != m.networkID {
			continue
		}
		m.mu.Lock()
		onPeer := m.onPeer
		m.mu.Unlock()
		if onPeer != nil {
			onPeer(b.PeerID, b.Addrs)
		}
	}
}
