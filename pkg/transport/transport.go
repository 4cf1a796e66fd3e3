// Package transport provides the transport layer abstractions the fabric is
// built on. QUIC is preferred, TCP+TLS is the fallback, and an in-process
// memory transport backs the multi-node test harnesses.
package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"
)

// Transport represents a transport protocol (quic, tcp, mem).
type Transport interface {
	// Listen starts listening for incoming connections on the given address
	Listen(ctx context.Context, addr string, tlsConfig *tls.Config) (Listener, error)

	// Dial establishes a connection to the given address
	Dial(ctx context.Context, addr string, tlsConfig *tls.Config) (Conn, error)

	// Name returns the transport name
	Name() string

	// DefaultPort returns the default port for this transport
	DefaultPort() int
}

// Listener represents a transport listener.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
	Addr() net.Addr
}

// Conn represents a single bidirectional byte stream. The fabric opens one
// Conn per logical protocol stream.
type Conn interface {
	Read(b []byte) (n int, err error)
	Write(b []byte) (n int, err error)
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Config holds transport configuration.
type Config struct {
	TLSConfig      *tls.Config
	ALPNProtocols  []string
	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	MaxIdleTimeout time.Duration
}

// DefaultConfig returns a default transport configuration.
func DefaultConfig() *Config {
	return &Config{
		ALPNProtocols:  []string{"dig/1"},
		ConnectTimeout: 30 * time.Second,
		KeepAlive:      30 * time.Second,
		MaxIdleTimeout: 5 * time.Minute,
	}
}

// Registry manages available transports.
type Registry struct {
	transports map[string]Transport
}

// NewRegistry creates a new transport registry.
func NewRegistry() *Registry {
	return &Registry{
		transports: make(map[string]Transport),
	}
}

// Register registers a transport under its name.
func (r *Registry) Register(t Transport) {
	r.transports[t.Name()] = t
}

// Get returns the transport with the given name.
func (r *Registry) Get(name string) (Transport, bool) {
	t, ok := r.transports[name]
	return t, ok
}

// List returns all registered transport names.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.transports))
	for name := range r.transports {
		names = append(names, name)
	}
	return names
}
