package relay

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/store"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// Dialer opens dig/1 streams; implemented by the node over the fabric host.
type Dialer interface {
	NewStream(ctx context.Context, peerID, protocol string) (fabric.Stream, error)
	AddPeerAddrs(peerID string, addrs []string)
}

// DHTClient is the record-service subset the coordinator uses.
type DHTClient interface {
	PutPayload(ctx context.Context, key string, payload interface{}) error
	Get(ctx context.Context, key string) []*wire.Envelope
	Delete(key, from string)
}

// relayInfo is one known relay and its health bookkeeping.
type relayInfo struct {
	announcement wire.RelayAnnouncement
	lastHealthy  time.Time
	healthy      bool
}

// Coordinator maintains the ranked relay registry, performs two-sided
// session setup as the receiver, and runs the attach loop as the source.
type Coordinator struct {
	mu sync.RWMutex

	identity *identity.Identity
	dialer   Dialer
	dht      DHTClient
	gossip   *gossip.Gossip
	manager  *store.Manager
	server   *Server

	// health probes a peer cheaply; provided by the node.
	health func(ctx context.Context, peerID string) error

	relays map[string]*relayInfo

	// servedSignals dedups attach storms per (relay, store).
	servedSignals map[string]time.Time

	logger *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Config holds coordinator configuration.
type Config struct {
	Identity *identity.Identity
	Dialer   Dialer
	DHT      DHTClient
	Gossip   *gossip.Gossip
	Manager  *store.Manager
	Server   *Server
	Health   func(ctx context.Context, peerID string) error
	Logger   *log.Logger
}

// NewCoordinator wires a coordinator and subscribes to the relay topics.
func NewCoordinator(config *Config) (*Coordinator, error) {
	if config.Identity == nil || config.Dialer == nil {
		return nil, fmt.Errorf("identity and dialer are required")
	}
	c := &Coordinator{
		identity:      config.Identity,
		dialer:        config.Dialer,
		dht:           config.DHT,
		gossip:        config.Gossip,
		manager:       config.Manager,
		server:        config.Server,
		health:        config.Health,
		relays:        make(map[string]*relayInfo),
		servedSignals: make(map[string]time.Time),
		logger:        config.Logger,
		done:          make(chan struct{}),
	}
	if c.logger == nil {
		c.logger = log.Default()
	}
	if c.gossip != nil {
		c.gossip.Subscribe(constants.TopicRelayAnnounce, c.onRelayAnnouncement)
		c.gossip.Subscribe(constants.TopicRelaySignals, c.onGossipSignal)
	}
	return c, nil
}

// Start launches the health, announce, and signal-poll loops.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx != nil {
		return fmt.Errorf("relay coordinator is already running")
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	go c.run(c.ctx, c.done)
	return nil
}

// Stop stops the background loops.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	cancel := c.cancel
	done := c.done
	c.ctx, c.cancel = nil, nil
	c.mu.Unlock()

	cancel()
	<-done

	c.mu.Lock()
	c.done = make(chan struct{})
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	healthTicker := time.NewTicker(constants.RelayHealthInterval)
	announceTicker := time.NewTicker(constants.RecordRepublish)
	signalTicker := time.NewTicker(2 * time.Second)
	defer healthTicker.Stop()
	defer announceTicker.Stop()
	defer signalTicker.Stop()

	c.announceSelf(ctx)
	c.refreshFromDHT(ctx)

	for {
		select {
		case <-ctx.Done():
			if c.server != nil {
				c.server.ExpireSessions(0)
			}
			return
		case <-healthTicker.C:
			c.checkHealth(ctx)
			if c.server != nil {
				c.server.ExpireSessions(2 * time.Minute)
			}
		case <-announceTicker.C:
			c.announceSelf(ctx)
			c.refreshFromDHT(ctx)
		case <-signalTicker.C:
			c.pollSignals(ctx)
		}
	}
}

// announceSelf publishes this node's relay record when it can act as one.
func (c *Coordinator) announceSelf(ctx context.Context) {
	if c.server == nil {
		return
	}
	cur, max := c.server.Load()
	if !c.serverCanAct() {
		return
	}
	extAddr, extPort := c.server.externalAddress()
	rec := wire.RelayAnnouncement{
		PeerID:          c.identity.PeerID(),
		Addresses:       c.serverAddrs(),
		ExternalAddress: extAddr,
		RelayPort:       extPort,
		CurrentLoad:     cur,
		MaxCapacity:     max,
		Timestamp:       uint64(time.Now().UnixMilli()),
	}
	if c.dht != nil {
		c.dht.PutPayload(ctx, constants.DHTRelayRegistryKey, &rec)
	}
	if c.gossip != nil {
		c.gossip.Publish(ctx, constants.TopicRelayAnnounce, &rec)
	}
}

func (c *Coordinator) serverCanAct() bool {
	return c.server != nil && c.server.canAct()
}

func (c *Coordinator) serverAddrs() []string {
	if c.server == nil || c.server.localAddrs == nil {
		return nil
	}
	return c.server.localAddrs()
}

// refreshFromDHT merges the relay registry record set.
func (c *Coordinator) refreshFromDHT(ctx context.Context) {
	if c.dht == nil {
		return
	}
	for _, env := range c.dht.Get(ctx, constants.DHTRelayRegistryKey) {
		var rec wire.RelayAnnouncement
		if err := env.Open(&rec); err != nil || rec.PeerID != env.From {
			continue
		}
		c.addRelay(&rec)
	}
}

func (c *Coordinator) onRelayAnnouncement(_ string, env *wire.Envelope) {
	var rec wire.RelayAnnouncement
	if err := env.Open(&rec); err != nil || rec.PeerID != env.From {
		return
	}
	c.addRelay(&rec)
}

func (c *Coordinator) addRelay(rec *wire.RelayAnnouncement) {
	if rec.PeerID == c.identity.PeerID() {
		return
	}
	c.dialer.AddPeerAddrs(rec.PeerID, rec.Addresses)
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.relays[rec.PeerID]
	if !ok {
		info = &relayInfo{healthy: true, lastHealthy: time.Now()}
		c.relays[rec.PeerID] = info
	}
	info.announcement = *rec
}

// checkHealth round-trips every known relay.
func (c *Coordinator) checkHealth(ctx context.Context) {
	if c.health == nil {
		return
	}
	c.mu.RLock()
	ids := make([]string, 0, len(c.relays))
	for id := range c.relays {
		ids = append(ids, id)
	}
	c.mu.RUnlock()

	for _, id := range ids {
		probeCtx, cancel := context.WithTimeout(ctx, constants.IdentificationTimeout)
		err := c.health(probeCtx, id)
		cancel()
		c.mu.Lock()
		if info, ok := c.relays[id]; ok {
			info.healthy = err == nil
			if err == nil {
				info.lastHealthy = time.Now()
			}
		}
		c.mu.Unlock()
	}
}

// Relays returns healthy relays, lowest load ratio first, ties broken by
// most recently seen healthy. An empty registry is refreshed from the DHT
// before giving up.
func (c *Coordinator) Relays(ctx context.Context) []string {
	c.mu.RLock()
	empty := len(c.relays) == 0
	c.mu.RUnlock()
	if empty {
		c.refreshFromDHT(ctx)
	}

	c.mu.RLock()
	type ranked struct {
		id    string
		ratio float64
		seen  time.Time
	}
	var list []ranked
	for id, info := range c.relays {
		if !info.healthy {
			continue
		}
		max := info.announcement.MaxCapacity
		if max <= 0 {
			max = 1
		}
		list = append(list, ranked{
			id:    id,
			ratio: float64(info.announcement.CurrentLoad) / float64(max),
			seen:  info.lastHealthy,
		})
	}
	c.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].ratio != list[j].ratio {
			return list[i].ratio < list[j].ratio
		}
		return list[i].seen.After(list[j].seen)
	})
	out := make([]string, len(list))
	for i, r := range list {
		out[i] = r.id
	}
	return out
}

// Establish performs the two-sided setup: signal the source over every
// channel in parallel, coordinate with the relay, then wait within the
// setup window for the source to attach. It returns the session endpoint
// ("relayPeerId/sessionId") and the store's total size.
func (c *Coordinator) Establish(ctx context.Context, relayPeerID, sourcePeerID, storeID string) (string, int64, error) {
	relayAddrs := c.relayAddrs(relayPeerID)

	signal := &wire.RelaySignal{
		TargetPeerID:        sourcePeerID,
		FromPeerID:          c.identity.PeerID(),
		TurnServerPeerID:    relayPeerID,
		TurnServerAddresses: relayAddrs,
		StoreID:             storeID,
		Timestamp:           uint64(time.Now().UnixMilli()),
	}

	// Any one signal channel succeeding is sufficient; the rest are
	// abandoned.
	signalErr := raceFirst(ctx, []func(context.Context) error{
		func(ctx context.Context) error { return c.signalDirect(ctx, sourcePeerID, signal) },
		func(ctx context.Context) error { return c.signalDHT(ctx, sourcePeerID, signal) },
		func(ctx context.Context) error { return c.signalGossip(ctx, signal) },
	})
	if signalErr != nil {
		return "", 0, digerr.Wrap(digerr.CodeRelayUnavailable, "could not signal source", signalErr).WithPeer(sourcePeerID)
	}

	resp, err := c.coordinate(ctx, relayPeerID, sourcePeerID, storeID)
	if err != nil {
		return "", 0, err
	}
	endpoint := relayPeerID + "/" + resp.SessionID

	size, err := c.awaitSource(ctx, endpoint, storeID)
	if err != nil {
		c.Release(ctx, endpoint)
		return "", 0, err
	}
	return endpoint, size, nil
}

// Release closes a relay session.
func (c *Coordinator) Release(ctx context.Context, endpoint string) {
	relayPeerID, sessionID, ok := splitEndpoint(endpoint)
	if !ok {
		return
	}
	s, err := c.dialer.NewStream(ctx, relayPeerID, constants.ProtocolData)
	if err != nil {
		return
	}
	defer s.Close()
	wire.WriteJSON(s, &wire.Request{Type: wire.OpRelayClose, SessionID: sessionID})
}

// FetchRange fetches one byte range through an established session.
func (c *Coordinator) FetchRange(ctx context.Context, endpoint, storeID string, rangeStart, rangeEnd int64, chunkID int) ([]byte, error) {
	header, body, err := c.relayData(ctx, endpoint, storeID, &rangeStart, &rangeEnd, &chunkID)
	if err != nil {
		return nil, err
	}
	want := rangeEnd - rangeStart + 1
	if int64(len(body)) != want || header.Size != want {
		return nil, digerr.New(digerr.CodeSizeMismatch,
			fmt.Sprintf("relay returned %d bytes, want %d", len(body), want)).WithStore(storeID)
	}
	return body, nil
}

// coordinate issues RELAY_COORDINATE_REQUEST to the relay.
func (c *Coordinator) coordinate(ctx context.Context, relayPeerID, sourcePeerID, storeID string) (*wire.RelayCoordinateResponse, error) {
	setupCtx, cancel := context.WithTimeout(ctx, constants.RelaySetupTimeout)
	defer cancel()

	s, err := c.dialer.NewStream(setupCtx, relayPeerID, constants.ProtocolData)
	if err != nil {
		return nil, digerr.Wrap(digerr.CodeRelayUnavailable, "relay dial failed", err).WithPeer(relayPeerID)
	}
	defer s.Close()

	req := wire.Request{
		Type:         wire.OpRelayCoordinate,
		FromPeerID:   c.identity.PeerID(),
		TargetPeerID: sourcePeerID,
		StoreID:      storeID,
	}
	if err := wire.WriteJSON(s, &req); err != nil {
		return nil, err
	}

	reader := bufio.NewReader(s)
	var raw struct {
		wire.RelayCoordinateResponse
		Error string `json:"error"`
	}
	if err := wire.ReadJSONLine(reader, &raw); err != nil {
		return nil, err
	}
	if !raw.Success {
		return nil, digerr.FromWire(raw.Error, relayPeerID)
	}
	resp := raw.RelayCoordinateResponse
	return &resp, nil
}

// awaitSource probes the session until the source attaches or the setup
// window closes. The probe is a zero-length-range RELAY_DATA; an
// invalid-range answer still proves the source is attached and carries the
// total size, which is how empty stores resolve.
func (c *Coordinator) awaitSource(ctx context.Context, endpoint, storeID string) (int64, error) {
	deadline := time.Now().Add(constants.RelaySetupTimeout)
	var lastErr error
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return 0, digerr.Wrap(digerr.CodeCancelled, "relay setup cancelled", ctx.Err())
		default:
		}

		start, end := int64(0), int64(0)
		header, _, err := c.relayData(ctx, endpoint, storeID, &start, &end, nil)
		if err == nil {
			return header.TotalSize, nil
		}
		if digerr.Is(err, digerr.CodeInvalidRange) {
			if header != nil {
				return header.TotalSize, nil
			}
			return 0, nil
		}
		if digerr.Is(err, digerr.CodeStoreNotFound) || digerr.Is(err, digerr.CodeSessionUnknown) {
			return 0, err
		}
		lastErr = err
		time.Sleep(500 * time.Millisecond)
	}
	return 0, digerr.Wrap(digerr.CodeRelayUnavailable, "source did not attach within setup window", lastErr)
}

// relayData performs one RELAY_DATA exchange.
func (c *Coordinator) relayData(ctx context.Context, endpoint, storeID string, rangeStart, rangeEnd *int64, chunkID *int) (*wire.RangeHeader, []byte, error) {
	relayPeerID, sessionID, ok := splitEndpoint(endpoint)
	if !ok {
		return nil, nil, digerr.New(digerr.CodeRelayUnavailable, "malformed relay endpoint")
	}

	s, err := c.dialer.NewStream(ctx, relayPeerID, constants.ProtocolData)
	if err != nil {
		return nil, nil, digerr.Wrap(digerr.CodeRelayUnavailable, "relay dial failed", err).WithPeer(relayPeerID)
	}
	defer s.Close()

	req := wire.Request{
		Type:       wire.OpRelayData,
		SessionID:  sessionID,
		StoreID:    storeID,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		ChunkID:    chunkID,
	}
	if err := wire.WriteJSON(s, &req); err != nil {
		return nil, nil, err
	}

	reader := bufio.NewReader(s)
	var raw struct {
		wire.RangeHeader
		Error string `json:"error"`
	}
	if err := wire.ReadJSONLine(reader, &raw); err != nil {
		return nil, nil, err
	}
	header := raw.RangeHeader
	if !raw.Success {
		return &header, nil, digerr.FromWire(raw.Error, relayPeerID)
	}
	body, err := wire.ReadExactly(reader, header.Size)
	if err != nil {
		return &header, nil, err
	}
	return &header, body, nil
}

// relayAddrs returns the announced addresses for a relay.
func (c *Coordinator) relayAddrs(relayPeerID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if info, ok := c.relays[relayPeerID]; ok {
		return append([]string(nil), info.announcement.Addresses...)
	}
	return nil
}

func splitEndpoint(endpoint string) (relayPeerID, sessionID string, ok bool) {
	i := strings.IndexByte(endpoint, '/')
	if i <= 0 || i == len(endpoint)-1 {
		return "", "", false
	}
	return endpoint[:i], endpoint[i+1:], true
}
