package fabric

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/transport"
)

// hello is the per-stream negotiation line. The dialer sends it first; the
// responder answers with its own (Protocol left empty).
type hello struct {
	Protocol  string   `json:"protocol,omitempty"`
	PeerID    string   `json:"peerId"`
	PublicKey string   `json:"publicKey"`
	Addrs     []string `json:"addrs,omitempty"`
}

// Config holds host configuration.
type Config struct {
	Identity   *identity.Identity
	Transports *transport.Registry
	// ListenAddrs are scheme-prefixed addresses, e.g. "tcp://0.0.0.0:4001".
	ListenAddrs []string
	// AdvertiseAddrs override the listener addresses in hellos (useful when
	// behind a known external address). Optional.
	AdvertiseAddrs []string
	TLSConfig      *tls.Config
	// SessionTTL bounds how long a peer stays "connected" without traffic.
	SessionTTL time.Duration
}

// Host is the concrete fabric implementation.
type Host struct {
	mu sync.RWMutex

	identity  *identity.Identity
	registry  *transport.Registry
	tlsConfig *tls.Config

	listenAddrs    []string
	advertiseAddrs []string
	listeners      []transport.Listener

	handlers  map[string]StreamHandler
	peerstore *Peerstore
	notifiees []Notifiee

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHost creates a host. Start must be called before use.
func NewHost(config *Config) (*Host, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.Transports == nil {
		return nil, fmt.Errorf("transport registry is required")
	}
	sessionTTL := config.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = 2 * time.Minute
	}
	tlsConfig := config.TLSConfig
	if tlsConfig == nil {
		var err error
		tlsConfig, err = SelfSignedTLS(config.Identity)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS config: %w", err)
		}
	}
	return &Host{
		identity:       config.Identity,
		registry:       config.Transports,
		tlsConfig:      tlsConfig,
		listenAddrs:    config.ListenAddrs,
		advertiseAddrs: config.AdvertiseAddrs,
		handlers:       make(map[string]StreamHandler),
		peerstore:      NewPeerstore(sessionTTL),
	}, nil
}

// ID returns the local peer id.
func (h *Host) ID() string {
	return h.identity.PeerID()
}

// Peerstore returns the host's peerstore.
func (h *Host) Peerstore() *Peerstore {
	return h.peerstore
}

// Notify registers a session lifecycle observer.
func (h *Host) Notify(n Notifiee) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.notifiees = append(h.notifiees, n)
}

// SetStreamHandler registers the handler for a named protocol.
func (h *Host) SetStreamHandler(protocol string, handler StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[protocol] = handler
}

// Start brings up all listeners and the session reaper.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ctx != nil {
		return fmt.Errorf("host is already running")
	}
	h.ctx, h.cancel = context.WithCancel(ctx)

	for _, addr := range h.listenAddrs {
		scheme, hostPort, err := SplitAddr(addr)
		if err != nil {
			h.cancel()
			return err
		}
		t, ok := h.registry.Get(scheme)
		if !ok {
			h.cancel()
			return fmt.Errorf("no transport registered for %q", scheme)
		}
		l, err := t.Listen(h.ctx, hostPort, h.tlsConfig)
		if err != nil {
			h.cancel()
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		h.listeners = append(h.listeners, l)

		h.wg.Add(1)
		go h.acceptLoop(scheme, l)
	}

	h.wg.Add(1)
	go h.reaperLoop()
	return nil
}

// Stop closes all listeners and waits for the accept loops to drain.
func (h *Host) Stop() error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	listeners := h.listeners
	h.listeners = nil
	h.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	h.wg.Wait()
	return nil
}

// LocalAddrs returns the scheme-prefixed addresses the host listens on, or
// the configured advertise addresses when set.
func (h *Host) LocalAddrs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.advertiseAddrs) > 0 {
		out := make([]string, len(h.advertiseAddrs))
		copy(out, h.advertiseAddrs)
		return out
	}
	var out []string
	for i, l := range h.listeners {
		scheme, _, err := SplitAddr(h.listenAddrs[i])
		if err != nil {
			continue
		}
		out = append(out, scheme+"://"+l.Addr().String())
	}
	return out
}

// ConnectedPeers returns peers with a live session.
func (h *Host) ConnectedPeers() []string {
	return h.peerstore.Connected()
}

// AddPeerAddrs seeds the peerstore with dial addresses for a peer.
func (h *Host) AddPeerAddrs(peerID string, addrs []string) {
	h.peerstore.AddAddrs(peerID, addrs)
}

// NewStream opens a stream to peerID on the given protocol, trying every
// known address in order.
func (h *Host) NewStream(ctx context.Context, peerID, protocol string) (Stream, PeerInfo, error) {
	addrs := h.peerstore.Addrs(peerID)
	if len(addrs) == 0 {
		return nil, PeerInfo{}, digerr.New(digerr.CodePeerNotConnected, "no known addresses").WithPeer(peerID)
	}
	var lastErr error
	for _, addr := range addrs {
		s, info, err := h.DialAddr(ctx, addr, protocol)
		if err != nil {
			lastErr = err
			continue
		}
		if info.PeerID != peerID {
			s.Close()
			lastErr = fmt.Errorf("address %s answered as %s, wanted %s", addr, info.PeerID, peerID)
			continue
		}
		return s, info, nil
	}
	return nil, PeerInfo{}, digerr.Wrap(digerr.CodePeerNotConnected, "all addresses failed", lastErr).WithPeer(peerID)
}

// DialAddr opens a stream to an explicit address, learning the remote
// identity from its hello answer.
func (h *Host) DialAddr(ctx context.Context, addr, protocol string) (Stream, PeerInfo, error) {
	scheme, hostPort, err := SplitAddr(addr)
	if err != nil {
		return nil, PeerInfo{}, err
	}
	t, ok := h.registry.Get(scheme)
	if !ok {
		return nil, PeerInfo{}, fmt.Errorf("no transport registered for %q", scheme)
	}

	conn, err := t.Dial(ctx, hostPort, h.tlsConfig)
	if err != nil {
		return nil, PeerInfo{}, digerr.Wrap(digerr.CodePeerNotConnected, "dial failed", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	out := hello{
		Protocol:  protocol,
		PeerID:    h.identity.PeerID(),
		PublicKey: h.identity.PublicKeyHex(),
		Addrs:     h.LocalAddrs(),
	}
	if err := writeHello(conn, &out); err != nil {
		conn.Close()
		return nil, PeerInfo{}, err
	}

	reader := bufio.NewReader(conn)
	answer, err := readHello(reader)
	if err != nil {
		conn.Close()
		return nil, PeerInfo{}, err
	}
	info, err := helloInfo(answer, scheme+"://"+conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return nil, PeerInfo{}, err
	}

	conn.SetDeadline(time.Time{})
	if h.peerstore.Touch(info) {
		h.notifyConnected(info)
	}
	return &bufferedStream{Conn: conn, reader: reader}, info, nil
}

// acceptLoop accepts and negotiates inbound streams for one listener.
func (h *Host) acceptLoop(scheme string, l transport.Listener) {
	defer h.wg.Done()
	for {
		conn, err := l.Accept(h.ctx)
		if err != nil {
			select {
			case <-h.ctx.Done():
				return
			default:
				continue
			}
		}
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			h.handleInbound(scheme, conn)
		}()
	}
}

func (h *Host) handleInbound(scheme string, conn transport.Conn) {
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	in, err := readHello(reader)
	if err != nil {
		conn.Close()
		return
	}
	info, err := helloInfo(in, scheme+"://"+conn.RemoteAddr().String())
	if err != nil {
		conn.Close()
		return
	}

	h.mu.RLock()
	handler := h.handlers[in.Protocol]
	h.mu.RUnlock()
	if handler == nil {
		conn.Close()
		return
	}

	answer := hello{
		PeerID:    h.identity.PeerID(),
		PublicKey: h.identity.PublicKeyHex(),
		Addrs:     h.LocalAddrs(),
	}
	if err := writeHello(conn, &answer); err != nil {
		conn.Close()
		return
	}

	conn.SetDeadline(time.Time{})
	if h.peerstore.Touch(info) {
		h.notifyConnected(info)
	}
	handler(&bufferedStream{Conn: conn, reader: reader}, info)
}

// reaperLoop expires idle sessions.
func (h *Host) reaperLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			for _, peerID := range h.peerstore.Expire() {
				h.notifyDisconnected(peerID)
			}
		}
	}
}

func (h *Host) notifyConnected(info PeerInfo) {
	h.mu.RLock()
	notifiees := make([]Notifiee, len(h.notifiees))
	copy(notifiees, h.notifiees)
	h.mu.RUnlock()
	for _, n := range notifiees {
		n.PeerConnected(info)
	}
}

func (h *Host) notifyDisconnected(peerID string) {
	h.mu.RLock()
	notifiees := make([]Notifiee, len(h.notifiees))
	copy(notifiees, h.notifiees)
	h.mu.RUnlock()
	for _, n := range notifiees {
		n.PeerDisconnected(peerID)
	}
}

// helloInfo validates a hello and converts it to a PeerInfo. The peer id
// must match the hash of the presented public key.
func helloInfo(in *hello, remoteAddr string) (PeerInfo, error) {
	key, err := hex.DecodeString(in.PublicKey)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return PeerInfo{}, fmt.Errorf("hello carries invalid public key")
	}
	if identity.PeerIDFromKey(key) != in.PeerID {
		return PeerInfo{}, fmt.Errorf("hello peer id does not match public key")
	}
	return PeerInfo{
		PeerID:     in.PeerID,
		PublicKey:  key,
		RemoteAddr: remoteAddr,
		Addrs:      in.Addrs,
	}, nil
}

func writeHello(conn transport.Conn, m *hello) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	return err
}

func readHello(r *bufio.Reader) (*hello, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("failed to read hello: %w", err)
	}
	var m hello
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("failed to decode hello: %w", err)
	}
	return &m, nil
}

// bufferedStream keeps the negotiation reader attached to the connection so
// bytes buffered during the hello exchange are not lost.
type bufferedStream struct {
	transport.Conn
	reader *bufio.Reader
}

func (s *bufferedStream) Read(b []byte) (int, error) {
	return s.reader.Read(b)
}

// SplitAddr splits "scheme://host:port" into its parts.
func SplitAddr(addr string) (scheme, hostPort string, err error) {
	i := strings.Index(addr, "://")
	if i < 0 {
		return "", "", fmt.Errorf("address %q missing transport scheme", addr)
	}
	return addr[:i], addr[i+3:], nil
}
