// Package node implements the DIG node runtime: lifecycle, subsystem
// wiring, and request dispatch over the overlay protocols.
package node

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/internal/dht"
	"github.com/DIG-Network/dig-node/pkg/capability"
	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/directory"
	"github.com/DIG-Network/dig-node/pkg/discovery"
	"github.com/DIG-Network/dig-node/pkg/download"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/registry"
	"github.com/DIG-Network/dig-node/pkg/relay"
	"github.com/DIG-Network/dig-node/pkg/security/overlay"
	"github.com/DIG-Network/dig-node/pkg/store"
	"github.com/DIG-Network/dig-node/pkg/transport"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// State represents the current state of the node.
type State int

// Node states.
const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
	StateError
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Config holds node configuration.
type Config struct {
	Identity  *identity.Identity
	NetworkID string
	StoreDir  string

	Transports  *transport.Registry
	ListenAddrs []string
	// AdvertiseAddrs override the listener addresses in announcements.
	AdvertiseAddrs []string

	BootstrapPeers   []string
	DiscoveryServers []string

	// Infrastructure lists well-known public-infrastructure peer ids.
	Infrastructure []string

	// AdmissionPSK optionally gates verified-overlay membership.
	AdmissionPSK []byte

	EnableLocalDiscovery bool

	// DirectOverride forces the self capability computation.
	DirectOverride *bool

	Logger *log.Logger
}

// Node is one long-lived overlay participant.
type Node struct {
	mu    sync.RWMutex
	state State

	identity  *identity.Identity
	networkID string
	logger    *log.Logger

	host       *fabric.Host
	manager    *store.Manager
	registry   *registry.Registry
	classifier *registry.Classifier
	tracker    *capability.Tracker
	dht        *dht.DHT
	gossip     *gossip.Gossip
	relaySrv   *relay.Server
	relayCoord *relay.Coordinator
	downloader *download.Downloader
	orch       *download.Orchestrator
	discovery  *discovery.Discovery
	dirClients []*directory.Client
	psk        *overlay.PSKConfig

	// classified tracks which peers have had their classification pass.
	classifyOnce sync.Map // peerID -> *sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// New wires a node from configuration. Start must be called before use.
func New(config *Config) (*Node, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}
	if config.StoreDir == "" {
		return nil, fmt.Errorf("store directory is required")
	}
	networkID := config.NetworkID
	if networkID == "" {
		networkID = constants.DefaultNetworkID
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "dig ", log.LstdFlags|log.Lmsgprefix)
	}

	manager, err := store.NewManager(config.StoreDir)
	if err != nil {
		return nil, err
	}

	host, err := fabric.NewHost(&fabric.Config{
		Identity:       config.Identity,
		Transports:     config.Transports,
		ListenAddrs:    config.ListenAddrs,
		AdvertiseAddrs: config.AdvertiseAddrs,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		state:     StateStopped,
		identity:  config.Identity,
		networkID: networkID,
		logger:    logger,
		host:      host,
		manager:   manager,
		registry:  registry.NewRegistry(config.Infrastructure),
		done:      make(chan struct{}),
	}
	if len(config.AdmissionPSK) > 0 {
		n.psk = overlay.NewPSKConfig(config.AdmissionPSK)
	}
	n.classifier = registry.NewClassifier(n.registry, n, networkID, n.psk)

	n.dht, err = dht.New(&dht.Config{
		Identity:  config.Identity,
		NetworkID: networkID,
		Network:   &dhtNetwork{node: n},
	})
	if err != nil {
		return nil, err
	}

	n.gossip, err = gossip.New(&gossip.Config{
		Identity:  config.Identity,
		NetworkID: networkID,
		Network:   &gossipNetwork{node: n},
	})
	if err != nil {
		return nil, err
	}

	n.tracker, err = capability.New(&capability.Config{
		Identity:       config.Identity,
		LocalAddrs:     host.LocalAddrs,
		Pinger:         n,
		Info:           n,
		DHT:            n.dht,
		Gossip:         n.gossip,
		Peers:          &peerSource{node: n},
		DirectOverride: config.DirectOverride,
	})
	if err != nil {
		return nil, err
	}

	n.relaySrv = relay.NewServer(
		func() bool { return n.tracker.Self().CanActAsRelay },
		host.LocalAddrs, 0, logger)

	n.relayCoord, err = relay.NewCoordinator(&relay.Config{
		Identity: config.Identity,
		Dialer:   n,
		DHT:      n.dht,
		Gossip:   n.gossip,
		Manager:  manager,
		Server:   n.relaySrv,
		Health:   func(ctx context.Context, peerID string) error { _, err := n.Identify(ctx, peerID); return err },
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	for _, url := range config.DiscoveryServers {
		n.dirClients = append(n.dirClients, directory.NewClient(url))
	}

	n.downloader = download.NewDownloader(manager, n, logger)
	n.orch = download.NewOrchestrator(manager, n.downloader, &candidateSource{node: n},
		n, n.relayCoord, &directoryFetcher{node: n}, logger)

	var mdns *discovery.MDNS
	if config.EnableLocalDiscovery {
		mdns = discovery.NewMDNS(config.Identity.PeerID(), networkID, host.LocalAddrs)
	}
	n.discovery, err = discovery.New(&discovery.Config{
		Identity:       config.Identity,
		NetworkID:      networkID,
		BootstrapPeers: config.BootstrapPeers,
		Connector:      &connector{node: n},
		DHT:            n.dht,
		Gossip:         n.gossip,
		Announcement:   n.announcement,
		VerifiedCount:  n.registry.CountVerified,
		Directories:    n.dirClients,
		MDNS:           mdns,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	// Peer announcements double as advertised-store updates for the
	// registry.
	n.gossip.Subscribe(constants.TopicAnnouncements, func(_ string, env *wire.Envelope) {
		var ann wire.PeerAnnouncement
		if err := env.Open(&ann); err != nil {
			return
		}
		if ann.PeerID != env.From || ann.NetworkID != n.networkID {
			return
		}
		n.registry.SetAdvertised(ann.PeerID, ann.Stores, ann.Capabilities)
	})

	host.SetStreamHandler(constants.ProtocolData, n.handleDataStream)
	host.SetStreamHandler(constants.ProtocolDiscovery, n.handleDiscoveryStream)
	host.Notify(n)
	return n, nil
}

// Identity returns the node identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Host returns the fabric host; exposed for tests.
func (n *Node) Host() *fabric.Host { return n.host }

// Stores returns the store manager.
func (n *Node) Stores() *store.Manager { return n.manager }

// Registry returns the peer registry.
func (n *Node) Registry() *registry.Registry { return n.registry }

// RelayServer returns the relay-side session table.
func (n *Node) RelayServer() *relay.Server { return n.relaySrv }

// State returns the current node state.
func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

func (n *Node) setState(s State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = s
}

// Start brings the node up: fabric listeners, subsystem loops, store scan
// and announcement, session resume, and the sync loop.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	if n.state == StateRunning || n.state == StateStarting {
		n.mu.Unlock()
		return fmt.Errorf("node is already %s", n.state)
	}
	n.state = StateStarting
	n.ctx, n.cancel = context.WithCancel(ctx)
	n.done = make(chan struct{})
	n.mu.Unlock()

	if err := n.host.Start(n.ctx); err != nil {
		n.setState(StateError)
		return fmt.Errorf("failed to start fabric host: %w", err)
	}
	if err := n.dht.Start(n.ctx); err != nil {
		n.setState(StateError)
		return err
	}
	if err := n.gossip.Start(n.ctx); err != nil {
		n.setState(StateError)
		return err
	}
	n.tracker.RecomputeSelf()
	if err := n.tracker.Start(n.ctx); err != nil {
		n.setState(StateError)
		return err
	}
	if err := n.relayCoord.Start(n.ctx); err != nil {
		n.setState(StateError)
		return err
	}
	if err := n.discovery.Start(n.ctx); err != nil {
		n.setState(StateError)
		return err
	}

	n.announceStores(n.ctx)
	n.resumeSessions()

	n.wg.Add(1)
	go n.syncLoop()

	n.setState(StateRunning)
	n.logger.Printf("node started: peer %s overlay %s, %d stores",
		n.identity.PeerID()[:16], n.identity.OverlayAddress(), n.manager.Count())
	return nil
}

// Stop shuts the node down: new work stops, outstanding sessions are
// cancelled (their metadata is already crash-safe), then the fabric stops.
func (n *Node) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.state != StateRunning {
		n.mu.Unlock()
		return fmt.Errorf("node is not running")
	}
	n.state = StateStopping
	cancel := n.cancel
	n.mu.Unlock()

	cancel()

	stopped := make(chan struct{})
	go func() {
		n.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	n.discovery.Stop()
	n.relayCoord.Stop()
	n.tracker.Stop()
	n.gossip.Stop()
	n.dht.Stop()
	n.host.Stop()

	n.setState(StateStopped)
	close(n.done)
	return nil
}

// DownloadStore fetches a store via the strategy ladder. It returns whether
// the store is now present and the strategy that succeeded.
func (n *Node) DownloadStore(ctx context.Context, storeID string) (bool, string, error) {
	if !identity.ValidStoreID(storeID) {
		return false, "", fmt.Errorf("invalid store id %q", storeID)
	}
	return n.orch.DownloadStore(ctx, storeID)
}

// Attempts exposes the orchestrator attempt log for a store.
func (n *Node) Attempts(storeID string) []download.Attempt {
	return n.orch.Attempts(storeID)
}

// CancelDownload cancels the in-flight session for a store.
func (n *Node) CancelDownload(storeID string) bool {
	return n.downloader.Cancel(storeID)
}

// PeerConnected implements fabric.Notifiee: register and classify, exactly
// once per connection.
func (n *Node) PeerConnected(info fabric.PeerInfo) {
	if info.PeerID == n.identity.PeerID() {
		return
	}
	n.registry.Add(info.PeerID, info.PublicKey)

	onceVal, _ := n.classifyOnce.LoadOrStore(info.PeerID, &sync.Once{})
	onceVal.(*sync.Once).Do(func() {
		n.mu.RLock()
		ctx := n.ctx
		n.mu.RUnlock()
		if ctx == nil {
			ctx = context.Background()
		}
		go func() {
			class := n.classifier.Classify(ctx, info.PeerID)
			n.logger.Printf("peer %s classified %s", info.PeerID[:16], class)
		}()
	})
}

// PeerDisconnected implements fabric.Notifiee: the record is dropped and a
// reconnect reclassifies from scratch.
func (n *Node) PeerDisconnected(peerID string) {
	n.registry.Remove(peerID)
	n.tracker.Forget(peerID)
	n.classifyOnce.Delete(peerID)
}

// announcement builds this node's current announcement payload.
func (n *Node) announcement() *wire.PeerAnnouncement {
	return &wire.PeerAnnouncement{
		PeerID:         n.identity.PeerID(),
		NetworkID:      n.networkID,
		OverlayAddress: n.identity.OverlayAddress(),
		Addresses:      n.host.LocalAddrs(),
		Capabilities:   n.tracker.SelfStrings(),
		Stores:         n.manager.List(),
		Timestamp:      uint64(time.Now().UnixMilli()),
	}
}

// announceStores publishes a provider record for every local store.
func (n *Node) announceStores(ctx context.Context) {
	rec := wire.StoreRecord{
		PeerID:         n.identity.PeerID(),
		OverlayAddress: n.identity.OverlayAddress(),
		Timestamp:      uint64(time.Now().UnixMilli()),
	}
	for _, storeID := range n.manager.List() {
		if err := n.dht.PutPayload(ctx, constants.DHTStorePrefix+storeID, &rec); err != nil {
			n.logger.Printf("store announce %s failed: %v", storeID, err)
		}
	}
}

// resumeSessions rehydrates persisted download sessions and resumes any
// whose sources are still reachable.
func (n *Node) resumeSessions() {
	for _, s := range n.downloader.ResumeAll() {
		storeID := s.StoreID
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ok, strategy, err := n.DownloadStore(n.ctx, storeID)
			if err != nil {
				n.logger.Printf("resume %s failed: %v", storeID, err)
				return
			}
			if ok {
				n.logger.Printf("resume %s completed via %s", storeID, strategy)
			}
		}()
	}
}
