// Package discovery finds overlay peers: bootstrap rendezvous addresses at
// startup, ongoing DHT and gossip announcements, optional local multicast,
// and the external directory as a last resort consulted only while zero
// verified peers are known.
package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/directory"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/identity"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// DHTClient is the record-service subset discovery uses.
type DHTClient interface {
	PutPayload(ctx context.Context, key string, payload interface{}) error
	Get(ctx context.Context, key string) []*wire.Envelope
}

// Connector dials newly discovered peers; implemented by the node.
type Connector interface {
	AddPeerAddrs(peerID string, addrs []string)
	Connect(ctx context.Context, peerID string) error
	ConnectAddr(ctx context.Context, addr string) error
}

// Config holds discovery configuration.
type Config struct {
	Identity  *identity.Identity
	NetworkID string

	BootstrapPeers []string
	Connector      Connector
	DHT            DHTClient
	Gossip         *gossip.Gossip

	// Announcement builds this node's current announcement payload.
	Announcement func() *wire.PeerAnnouncement

	// VerifiedCount reports how many verified-overlay peers are known; the
	// directory fallback stays dormant while it is positive.
	VerifiedCount func() int

	Directories []*directory.Client

	// MDNS enables local multicast discovery.
	MDNS *MDNS

	AnnounceInterval time.Duration
	FallbackDelay    time.Duration

	Logger *log.Logger
}

// Discovery runs the peer discovery loops.
type Discovery struct {
	mu     sync.Mutex
	config *Config
	logger *log.Logger

	started time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a discovery service and subscribes to the announcement topic.
func New(config *Config) (*Discovery, error) {
	if config.Identity == nil || config.Connector == nil {
		return nil, fmt.Errorf("identity and connector are required")
	}
	if config.NetworkID == "" {
		config.NetworkID = constants.DefaultNetworkID
	}
	if config.AnnounceInterval == 0 {
		config.AnnounceInterval = constants.RecordRepublish
	}
	if config.FallbackDelay == 0 {
		config.FallbackDelay = constants.DirectoryFallbackDelay
	}
	d := &Discovery{
		config: config,
		logger: config.Logger,
		done:   make(chan struct{}),
	}
	if d.logger == nil {
		d.logger = log.Default()
	}
	if config.Gossip != nil {
		config.Gossip.Subscribe(constants.TopicAnnouncements, d.onAnnouncement)
	}
	if config.MDNS != nil {
		config.MDNS.OnPeer(func(peerID string, addrs []string) {
			d.foundPeer(peerID, addrs)
		})
	}
	return d, nil
}

// Start bootstraps and launches the announce and fallback loops.
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.ctx != nil {
		d.mu.Unlock()
		return fmt.Errorf("discovery is already running")
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.started = time.Now()
	d.mu.Unlock()

	d.bootstrap(d.ctx)
	if d.config.MDNS != nil {
		if err := d.config.MDNS.Start(d.ctx); err != nil {
			d.logger.Printf("mdns start failed: %v", err)
		}
	}
	go d.run()
	return nil
}

// Stop stops the loops.
func (d *Discovery) Stop() error {
	d.mu.Lock()
	if d.cancel == nil {
		d.mu.Unlock()
		return nil
	}
	d.cancel()
	d.mu.Unlock()
	<-d.done
	if d.config.MDNS != nil {
		d.config.MDNS.Stop()
	}
	d.mu.Lock()
	d.ctx, d.cancel = nil, nil
	d.done = make(chan struct{})
	d.mu.Unlock()
	return nil
}

// bootstrap dials the configured rendezvous addresses.
func (d *Discovery) bootstrap(ctx context.Context) {
	for _, addr := range d.config.BootstrapPeers {
		dialCtx, cancel := context.WithTimeout(ctx, constants.IdentificationTimeout*2)
		err := d.config.Connector.ConnectAddr(dialCtx, addr)
		cancel()
		if err != nil {
			d.logger.Printf("bootstrap dial %s failed: %v", addr, err)
		}
	}
}

func (d *Discovery) run() {
	defer close(d.done)

	announceTicker := time.NewTicker(d.config.AnnounceInterval)
	fallbackTicker := time.NewTicker(10 * time.Second)
	heartbeatTicker := time.NewTicker(30 * time.Second)
	defer announceTicker.Stop()
	defer fallbackTicker.Stop()
	defer heartbeatTicker.Stop()

	d.announce(d.ctx)
	d.RegisterAll(d.ctx)

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-announceTicker.C:
			d.announce(d.ctx)
		case <-fallbackTicker.C:
			d.maybeFallback(d.ctx)
		case <-heartbeatTicker.C:
			d.heartbeat(d.ctx)
		}
	}
}

// announce publishes this node's announcement to gossip and the DHT.
func (d *Discovery) announce(ctx context.Context) {
	if d.config.Announcement == nil {
		return
	}
	ann := d.config.Announcement()
	if ann == nil {
		return
	}
	if d.config.DHT != nil {
		key := constants.DHTPeerPrefix + ann.PeerID
		if err := d.config.DHT.PutPayload(ctx, key, ann); err != nil {
			d.logger.Printf("dht announce failed: %v", err)
		}
	}
	if d.config.Gossip != nil {
		if err := d.config.Gossip.Publish(ctx, constants.TopicAnnouncements, ann); err != nil {
			d.logger.Printf("gossip announce failed: %v", err)
		}
	}
}

// onAnnouncement ingests a peer announcement from gossip.
func (d *Discovery) onAnnouncement(_ string, env *wire.Envelope) {
	var ann wire.PeerAnnouncement
	if err := env.Open(&ann); err != nil {
		return
	}
	// Consumers filter by network id; announcements are only authoritative
	// for their own publisher.
	if ann.NetworkID != d.config.NetworkID || ann.PeerID != env.From {
		return
	}
	d.foundPeer(ann.PeerID, ann.Addresses)
}

// LookupPeer queries the DHT for a peer's announcement.
func (d *Discovery) LookupPeer(ctx context.Context, peerID string) *wire.PeerAnnouncement {
	if d.config.DHT == nil {
		return nil
	}
	for _, env := range d.config.DHT.Get(ctx, constants.DHTPeerPrefix+peerID) {
		var ann wire.PeerAnnouncement
		if err := env.Open(&ann); err != nil {
			continue
		}
		if ann.NetworkID == d.config.NetworkID && ann.PeerID == peerID && ann.PeerID == env.From {
			return &ann
		}
	}
	return nil
}

// foundPeer records and dials a newly discovered peer.
func (d *Discovery) foundPeer(peerID string, addrs []string) {
	if peerID == d.config.Identity.PeerID() {
		return
	}
	d.config.Connector.AddPeerAddrs(peerID, addrs)

	d.mu.Lock()
	ctx := d.ctx
	d.mu.Unlock()
	if ctx == nil {
		return
	}
	go func() {
		dialCtx, cancel := context.WithTimeout(ctx, constants.IdentificationTimeout*2)
		defer cancel()
		d.config.Connector.Connect(dialCtx, peerID)
	}()
}

// maybeFallback consults the external directory, but only once the node has
// been up past the fallback delay with zero verified peers.
func (d *Discovery) maybeFallback(ctx context.Context) {
	if len(d.config.Directories) == 0 || d.config.VerifiedCount == nil {
		return
	}
	if d.config.VerifiedCount() > 0 {
		return
	}
	d.mu.Lock()
	young := time.Since(d.started) < d.config.FallbackDelay
	d.mu.Unlock()
	if young {
		return
	}

	for _, client := range d.config.Directories {
		if !client.Available() {
			continue
		}
		peers, err := client.Peers(ctx)
		if err != nil {
			d.logger.Printf("directory %s peers failed: %v", client.BaseURL(), err)
			continue
		}
		for _, p := range peers {
			if p.NetworkID != "" && p.NetworkID != d.config.NetworkID {
				continue
			}
			d.foundPeer(p.PeerID, p.Addresses)
		}
		return
	}
}

// heartbeat keeps directory registrations alive and re-registers on demand.
func (d *Discovery) heartbeat(ctx context.Context) {
	if len(d.config.Directories) == 0 || d.config.Announcement == nil {
		return
	}
	ann := d.config.Announcement()
	for _, client := range d.config.Directories {
		if !client.Available() {
			continue
		}
		reRegister, err := client.Heartbeat(ctx, d.config.Identity.PeerID())
		if err != nil {
			continue
		}
		if reRegister {
			reg := &directory.Registration{
				PeerID:          ann.PeerID,
				Addresses:       ann.Addresses,
				Stores:          ann.Stores,
				Capabilities:    ann.Capabilities,
				RelayCapable:    contains(ann.Capabilities, "relay"),
				NetworkID:       d.config.NetworkID,
				SoftwareVersion: "dig-node/dev",
			}
			if err := client.Register(ctx, reg); err != nil {
				d.logger.Printf("directory %s register failed: %v", client.BaseURL(), err)
			}
		}
	}
}

// RegisterAll performs the initial directory registrations.
func (d *Discovery) RegisterAll(ctx context.Context) {
	if len(d.config.Directories) == 0 || d.config.Announcement == nil {
		return
	}
	ann := d.config.Announcement()
	for _, client := range d.config.Directories {
		reg := &directory.Registration{
			PeerID:          ann.PeerID,
			Addresses:       ann.Addresses,
			Stores:          ann.Stores,
			Capabilities:    ann.Capabilities,
			RelayCapable:    contains(ann.Capabilities, "relay"),
			NetworkID:       d.config.NetworkID,
			SoftwareVersion: "dig-node/dev",
		}
		if err := client.Register(ctx, reg); err != nil {
			d.logger.Printf("directory %s register failed: %v", client.BaseURL(), err)
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
