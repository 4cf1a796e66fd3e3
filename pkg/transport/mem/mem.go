// Package mem implements an in-process transport used by multi-node tests.
// A Network routes dials between listeners by address; a DialRule hook lets
// tests simulate NAT by refusing inbound dials to selected addresses.
package mem

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/DIG-Network/dig-node/pkg/transport"
)

// DialRule decides whether a dial from one address to another is allowed.
// Returning false simulates an unreachable (NAT-restricted) listener.
type DialRule func(from, to string) bool

// Network is an in-process address space shared by a set of nodes.
type Network struct {
	mu        sync.RWMutex
	listeners map[string]*Listener
	rule      DialRule
}

// NewNetwork creates an empty in-process network.
func NewNetwork() *Network {
	return &Network{
		listeners: make(map[string]*Listener),
	}
}

// SetDialRule installs a reachability rule. Nil allows everything.
func (n *Network) SetDialRule(rule DialRule) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rule = rule
}

// Transport returns a transport bound to this network for a local address.
func (n *Network) Transport(localAddr string) transport.Transport {
	return &Transport{network: n, localAddr: localAddr}
}

// Transport implements transport.Transport over a Network.
type Transport struct {
	network   *Network
	localAddr string
}

// Name returns the transport name.
func (t *Transport) Name() string {
	return "mem"
}

// DefaultPort returns a placeholder; memory addresses carry no port.
func (t *Transport) DefaultPort() int {
	return 0
}

// Listen registers a listener under addr.
func (t *Transport) Listen(ctx context.Context, addr string, _ *tls.Config) (transport.Listener, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	l := &Listener{
		network: t.network,
		addr:    memAddr(addr),
		backlog: make(chan *Conn, 64),
		closed:  make(chan struct{}),
	}

	t.network.mu.Lock()
	defer t.network.mu.Unlock()
	if _, exists := t.network.listeners[addr]; exists {
		return nil, fmt.Errorf("address already in use: %s", addr)
	}
	t.network.listeners[addr] = l
	return l, nil
}

// Dial connects to the listener registered under addr.
func (t *Transport) Dial(ctx context.Context, addr string, _ *tls.Config) (transport.Conn, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	t.network.mu.RLock()
	l := t.network.listeners[addr]
	rule := t.network.rule
	t.network.mu.RUnlock()

	if rule != nil && !rule(t.localAddr, addr) {
		return nil, fmt.Errorf("dial refused: %s unreachable from %s", addr, t.localAddr)
	}
	if l == nil {
		return nil, fmt.Errorf("connection refused: no listener at %s", addr)
	}

	local, remote := net.Pipe()
	conn := &Conn{Conn: local, local: memAddr(t.localAddr), remote: memAddr(addr)}
	accepted := &Conn{Conn: remote, local: memAddr(addr), remote: memAddr(t.localAddr)}

	select {
	case l.backlog <- accepted:
		return conn, nil
	case <-l.closed:
		local.Close()
		remote.Close()
		return nil, fmt.Errorf("connection refused: listener at %s closed", addr)
	case <-ctx.Done():
		local.Close()
		remote.Close()
		return nil, ctx.Err()
	}
}

// Listener implements transport.Listener.
type Listener struct {
	network *Network
	addr    memAddr
	backlog chan *Conn

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept returns the next queued connection.
func (l *Listener) Accept(ctx context.Context) (transport.Conn, error) {
	select {
	case conn := <-l.backlog:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the listener.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		delete(l.network.listeners, string(l.addr))
		l.network.mu.Unlock()
	})
	return nil
}

// Addr returns the listener's address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Conn wraps a net.Pipe end with addresses.
type Conn struct {
	net.Conn
	local  memAddr
	remote memAddr
}

func (c *Conn) LocalAddr() net.Addr  { return c.local }
func (c *Conn) RemoteAddr() net.Addr { return c.remote }

type memAddr string

func (a memAddr) Network() string { return "mem" }
func (a memAddr) String() string  { return string(a) }
