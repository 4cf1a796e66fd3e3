// Package fabric implements the peer-to-peer fabric the overlay runs on:
// transport listeners, a peerstore, and named protocol streams. Every
// logical stream is one transport connection; the dialer opens with a hello
// line naming the protocol and its identity, the responder answers with its
// own, and the negotiated stream is then handed to the protocol handler.
package fabric

import (
	"io"
	"time"
)

// Stream is a single negotiated protocol stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// PeerInfo describes the remote end of a stream or session.
type PeerInfo struct {
	PeerID    string
	PublicKey []byte
	// RemoteAddr is the observed transport address, scheme-prefixed
	// (e.g. "tcp://203.0.113.5:4001").
	RemoteAddr string
	// Addrs are the dial-back addresses the peer advertised in its hello.
	Addrs []string
}

// StreamHandler handles one inbound stream. The handler owns the stream and
// must close it.
type StreamHandler func(s Stream, remote PeerInfo)

// Notifiee receives session lifecycle events. Connected fires on the first
// stream exchanged with a peer; Disconnected fires when a session has been
// idle past the session TTL. Stopping the host sends no disconnect events.
type Notifiee interface {
	PeerConnected(info PeerInfo)
	PeerDisconnected(peerID string)
}
