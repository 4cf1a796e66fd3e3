package relay

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// serverSession is one relay-side session. The attached stream is the
// outbound connection the source opened after being signalled; the relay
// forwards range requests over it and pipes responses back.
type serverSession struct {
	id      string
	from    string
	target  string
	storeID string
	created time.Time

	mu       sync.Mutex // serializes request/response pairs on the stream
	attached fabric.Stream
	reader   *bufio.Reader
}

// pendingAttach is a source stream that arrived before its session; the
// source may react to a signal faster than the receiver coordinates.
type pendingAttach struct {
	peerID  string
	storeID string
	stream  fabric.Stream
	reader  *bufio.Reader
	created time.Time
}

// Server is the relay-side session table. Sessions exist only between
// RELAY_COORDINATE_REQUEST and close/expiry; nothing survives a transfer.
type Server struct {
	mu       sync.RWMutex
	sessions map[string]*serverSession
	pending  []*pendingAttach

	canAct      func() bool
	localAddrs  func() []string
	maxCapacity int
	logger      *log.Logger
}

// NewServer creates a relay server. canAct gates the whole surface on the
// node's own relay capability.
func NewServer(canAct func() bool, localAddrs func() []string, maxCapacity int, logger *log.Logger) *Server {
	if maxCapacity <= 0 {
		maxCapacity = 32
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		sessions:    make(map[string]*serverSession),
		canAct:      canAct,
		localAddrs:  localAddrs,
		maxCapacity: maxCapacity,
		logger:      logger,
	}
}

// Load returns current and maximum session counts for announcements.
func (s *Server) Load() (current, max int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions), s.maxCapacity
}

// HandleCoordinate creates a session for a receiver that wants storeID from
// targetPeerID through this relay.
func (s *Server) HandleCoordinate(selfPeerID string, req *wire.Request) (*wire.RelayCoordinateResponse, error) {
	if !s.canAct() {
		return nil, digerr.New(digerr.CodeNotRelay, "node does not act as relay")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.maxCapacity {
		return nil, digerr.New(digerr.CodeRelayUnavailable, "relay at capacity")
	}

	var idBytes [16]byte
	if _, err := rand.Read(idBytes[:]); err != nil {
		return nil, digerr.Wrap(digerr.CodeIOError, "failed to generate session id", err)
	}
	id := hex.EncodeToString(idBytes[:])

	sess := &serverSession{
		id:      id,
		from:    req.FromPeerID,
		target:  req.TargetPeerID,
		storeID: req.StoreID,
		created: time.Now(),
	}
	s.sessions[id] = sess

	// A source that reacted to its signal first may already be parked.
	for i, p := range s.pending {
		if p.peerID == sess.target && (sess.storeID == "" || p.storeID == sess.storeID) {
			sess.attached = p.stream
			sess.reader = p.reader
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}

	extAddr, extPort := s.externalAddress()
	return &wire.RelayCoordinateResponse{
		Success:         true,
		SessionID:       id,
		RelayPeerID:     selfPeerID,
		ExternalAddress: extAddr,
		RelayPort:       extPort,
	}, nil
}

// HandleAttach binds a source's outbound stream to its waiting session, or
// parks it briefly when the coordinate request has not arrived yet. The
// caller transfers stream ownership: the relay keeps it open for the life
// of the session. Returns false only when the relay cannot accept sources.
func (s *Server) HandleAttach(stream fabric.Stream, reader *bufio.Reader, req *wire.Request) bool {
	if !s.canAct() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.mu.Lock()
		match := sess.attached == nil && sess.target == req.FromPeerID &&
			(sess.storeID == "" || sess.storeID == req.StoreID)
		if match {
			sess.attached = stream
			sess.reader = reader
			sess.mu.Unlock()
			return true
		}
		sess.mu.Unlock()
	}
	if len(s.pending) >= s.maxCapacity {
		return false
	}
	s.pending = append(s.pending, &pendingAttach{
		peerID:  req.FromPeerID,
		storeID: req.StoreID,
		stream:  stream,
		reader:  reader,
		created: time.Now(),
	})
	return true
}

// HandleData forwards one request over the attached stream as
// GET_FILE_RANGE and returns the response header plus the body, read to
// exactly the declared size. The attached source answers only ranged
// requests; a request without a range comes back as an error. RELAY_DATA
// for an id never issued yields session-unknown.
func (s *Server) HandleData(req *wire.Request) (*wire.RangeHeader, []byte, error) {
	s.mu.RLock()
	sess := s.sessions[req.SessionID]
	s.mu.RUnlock()
	if sess == nil {
		return nil, nil, digerr.New(digerr.CodeSessionUnknown, "no such relay session")
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.attached == nil {
		return nil, nil, digerr.New(digerr.CodeStoreUnavailable, "source not attached yet")
	}
	sess.attached.SetDeadline(time.Now().Add(constants.ChunkReadTimeout))
	defer func() {
		if sess.attached != nil {
			sess.attached.SetDeadline(time.Time{})
		}
	}()

	fwd := wire.Request{
		Type:       wire.OpGetFileRange,
		StoreID:    req.StoreID,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		ChunkID:    req.ChunkID,
	}
	if err := wire.WriteJSON(sess.attached, &fwd); err != nil {
		s.dropAttached(sess)
		return nil, nil, digerr.Wrap(digerr.CodeStreamClosed, "forward to source failed", err)
	}

	var raw struct {
		wire.RangeHeader
		Error string `json:"error"`
	}
	if err := wire.ReadJSONLine(sess.reader, &raw); err != nil {
		s.dropAttached(sess)
		return nil, nil, err
	}
	if !raw.Success {
		// Propagate the source's error verbatim; invalid-range responses
		// still carry the store's total size.
		header := raw.RangeHeader
		return &header, nil, digerr.FromWire(raw.Error, sess.target)
	}
	header := raw.RangeHeader

	body, readErr := wire.ReadExactly(sess.reader, header.Size)
	if readErr != nil {
		s.dropAttached(sess)
		return nil, nil, readErr
	}
	return &header, body, nil
}

// HandleClose removes a session, closing any attached stream.
func (s *Server) HandleClose(sessionID string) {
	s.mu.Lock()
	sess := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if sess != nil {
		sess.mu.Lock()
		if sess.attached != nil {
			sess.attached.Close()
			sess.attached = nil
		}
		sess.mu.Unlock()
	}
}

// ExpireSessions drops sessions and parked attaches older than ttl; the
// TTL backstop for receivers that never send RELAY_CLOSE.
func (s *Server) ExpireSessions(ttl time.Duration) {
	s.mu.Lock()
	var stale []*serverSession
	cutoff := time.Now().Add(-ttl)
	for id, sess := range s.sessions {
		if sess.created.Before(cutoff) {
			stale = append(stale, sess)
			delete(s.sessions, id)
		}
	}
	var keep []*pendingAttach
	for _, p := range s.pending {
		if p.created.Before(cutoff) {
			p.stream.Close()
		} else {
			keep = append(keep, p)
		}
	}
	s.pending = keep
	s.mu.Unlock()
	for _, sess := range stale {
		sess.mu.Lock()
		if sess.attached != nil {
			sess.attached.Close()
		}
		sess.mu.Unlock()
	}
}

// SessionCount reports the live session count; S4-style tests assert it
// returns to zero after a transfer.
func (s *Server) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// dropAttached detaches a dead source stream. Caller holds sess.mu.
func (s *Server) dropAttached(sess *serverSession) {
	if sess.attached != nil {
		sess.attached.Close()
		sess.attached = nil
		sess.reader = nil
	}
}

// externalAddress returns the host and port of the first listen address
// that parses; it does not check that the address is public.
func (s *Server) externalAddress() (string, int) {
	if s.localAddrs == nil {
		return "", 0
	}
	for _, addr := range s.localAddrs() {
		_, hostPort, err := fabric.SplitAddr(addr)
		if err != nil {
			continue
		}
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			return hostPort, 0
		}
		port, _ := strconv.Atoi(portStr)
		return host, port
	}
	return "", 0
}

// String describes the server for logs.
func (s *Server) String() string {
	cur, max := s.Load()
	return fmt.Sprintf("relay sessions %d/%d", cur, max)
}
