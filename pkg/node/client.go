package node

import (
	"bufio"
	"context"
	"time"

	"github.com/DIG-Network/dig-node/internal/dht"
	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/directory"
	"github.com/DIG-Network/dig-node/pkg/download"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// discoveryMessage is the dig-discovery/1 envelope: one JSON line per
// request and response, covering ping, DHT, and gossip traffic.
type discoveryMessage struct {
	Type      string   `json:"type"`
	Key       string   `json:"key,omitempty"`
	Envelope  []byte   `json:"envelope,omitempty"`
	Envelopes [][]byte `json:"envelopes,omitempty"`
	Topic     string   `json:"topic,omitempty"`
	Token     string   `json:"token,omitempty"`
}

// Discovery message types beyond the DHT and gossip ones.
const (
	discPing = "PING"
	discPong = "PONG"
	discAck  = "GOSSIP_ACK"
)

// NewStream implements relay.Dialer over the fabric host.
func (n *Node) NewStream(ctx context.Context, peerID, protocol string) (fabric.Stream, error) {
	s, _, err := n.host.NewStream(ctx, peerID, protocol)
	return s, err
}

// AddPeerAddrs seeds the peerstore.
func (n *Node) AddPeerAddrs(peerID string, addrs []string) {
	n.host.AddPeerAddrs(peerID, addrs)
}

// openData opens a dig/1 stream and sends one request.
func (n *Node) openData(ctx context.Context, peerID string, req *wire.Request) (fabric.Stream, *bufio.Reader, error) {
	s, _, err := n.host.NewStream(ctx, peerID, constants.ProtocolData)
	if err != nil {
		return nil, nil, err
	}
	if err := wire.WriteJSON(s, req); err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, bufio.NewReader(s), nil
}

// Identify probes a peer with DIG_NETWORK_IDENTIFICATION.
func (n *Node) Identify(ctx context.Context, peerID string) (*wire.IdentificationResponse, error) {
	s, r, err := n.openData(ctx, peerID, &wire.Request{Type: wire.OpIdentification})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	applyDeadline(ctx, s)

	var resp wire.IdentificationResponse
	if err := wire.ReadJSONLine(r, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// VerifyMembership issues the membership challenge to a peer.
func (n *Node) VerifyMembership(ctx context.Context, peerID, nonce string) (*wire.VerifyMembershipResponse, error) {
	req := &wire.Request{
		Type:           wire.OpVerifyMembership,
		ChallengeNonce: nonce,
		Requested:      []string{"capabilities", "stores"},
	}
	s, r, err := n.openData(ctx, peerID, req)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	applyDeadline(ctx, s)

	var raw struct {
		wire.VerifyMembershipResponse
		Success *bool  `json:"success,omitempty"`
		Error   string `json:"error,omitempty"`
	}
	if err := wire.ReadJSONLine(r, &raw); err != nil {
		return nil, err
	}
	if raw.Error != "" {
		return nil, digerr.FromWire(raw.Error, peerID)
	}
	resp := raw.VerifyMembershipResponse
	return &resp, nil
}

// GetPeerInfo requests the named info subset from a peer.
func (n *Node) GetPeerInfo(ctx context.Context, peerID string, requested []string) (*wire.PeerInfoResponse, error) {
	s, r, err := n.openData(ctx, peerID, &wire.Request{Type: wire.OpGetPeerInfo, RequestedInfo: requested})
	if err != nil {
		return nil, err
	}
	defer s.Close()
	applyDeadline(ctx, s)

	var raw struct {
		wire.PeerInfoResponse
		Error string `json:"error,omitempty"`
	}
	if err := wire.ReadJSONLine(r, &raw); err != nil {
		return nil, err
	}
	if raw.Error != "" {
		return nil, digerr.FromWire(raw.Error, peerID)
	}
	resp := raw.PeerInfoResponse
	return &resp, nil
}

// Ping implements capability.Pinger over dig-discovery/1.
func (n *Node) Ping(ctx context.Context, peerID string) (time.Duration, error) {
	start := time.Now()
	resp, err := n.discoveryRequest(ctx, peerID, &discoveryMessage{Type: discPing, Token: n.identity.PeerID()[:8]})
	if err != nil {
		return 0, err
	}
	if resp.Type != discPong {
		return 0, digerr.New(digerr.CodeStreamClosed, "unexpected ping reply").WithPeer(peerID)
	}
	return time.Since(start), nil
}

// ProbeSize implements download.SizeProber with a one-byte range request;
// an invalid-range answer carrying totalSize 0 identifies an empty store.
func (n *Node) ProbeSize(ctx context.Context, peerID, storeID string) (int64, error) {
	start, end := int64(0), int64(0)
	header, _, err := n.getFileRange(ctx, peerID, storeID, &start, &end, nil)
	if err == nil {
		return header.TotalSize, nil
	}
	if digerr.Is(err, digerr.CodeInvalidRange) && header != nil && header.TotalSize == 0 {
		return 0, nil
	}
	return 0, err
}

// FetchChunk implements download.ChunkFetcher for all three source kinds.
func (n *Node) FetchChunk(ctx context.Context, src *download.Source, storeID string, rangeStart, rangeEnd int64, chunkID int) ([]byte, error) {
	switch src.Kind {
	case download.SourceDirect:
		header, body, err := n.getFileRange(ctx, src.PeerID, storeID, &rangeStart, &rangeEnd, &chunkID)
		if err != nil {
			return nil, err
		}
		if header.Size != rangeEnd-rangeStart+1 {
			return nil, digerr.New(digerr.CodeSizeMismatch, "header size does not match requested range").WithStore(storeID)
		}
		return body, nil

	case download.SourceRelay:
		return n.relayCoord.FetchRange(ctx, src.Endpoint, storeID, rangeStart, rangeEnd, chunkID)

	case download.SourceDirectory:
		client := n.directoryByURL(src.Endpoint)
		if client == nil {
			return nil, digerr.New(digerr.CodeDirectoryUnavailable, "unknown directory endpoint")
		}
		return client.RelayStore(ctx, &directory.RelayStoreRequest{
			StoreID:    storeID,
			RangeStart: &rangeStart,
			RangeEnd:   &rangeEnd,
		})

	default:
		return nil, digerr.New(digerr.CodeDecodeFailed, "unknown source kind")
	}
}

// getFileRange performs one GET_FILE_RANGE exchange. On a wire-level error
// the decoded header (with totalSize, when the peer sent one) is still
// returned alongside the typed error.
func (n *Node) getFileRange(ctx context.Context, peerID, storeID string, rangeStart, rangeEnd *int64, chunkID *int) (*wire.RangeHeader, []byte, error) {
	req := &wire.Request{
		Type:       wire.OpGetFileRange,
		StoreID:    storeID,
		RangeStart: rangeStart,
		RangeEnd:   rangeEnd,
		ChunkID:    chunkID,
	}
	s, r, err := n.openData(ctx, peerID, req)
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()
	applyDeadline(ctx, s)

	var raw struct {
		wire.RangeHeader
		Error string `json:"error,omitempty"`
	}
	if err := wire.ReadJSONLine(r, &raw); err != nil {
		return nil, nil, err
	}
	header := raw.RangeHeader
	if !raw.Success {
		return &header, nil, digerr.FromWire(raw.Error, peerID).WithStore(storeID)
	}

	body, err := wire.ReadExactly(r, header.Size)
	if err != nil {
		return &header, nil, err
	}
	return &header, body, nil
}

// discoveryRequest performs one request/response on dig-discovery/1.
func (n *Node) discoveryRequest(ctx context.Context, peerID string, msg *discoveryMessage) (*discoveryMessage, error) {
	s, _, err := n.host.NewStream(ctx, peerID, constants.ProtocolDiscovery)
	if err != nil {
		return nil, err
	}
	defer s.Close()
	applyDeadline(ctx, s)

	if err := wire.WriteJSON(s, msg); err != nil {
		return nil, err
	}
	var resp discoveryMessage
	if err := wire.ReadJSONLine(bufio.NewReader(s), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func applyDeadline(ctx context.Context, s fabric.Stream) {
	if d, ok := ctx.Deadline(); ok {
		s.SetDeadline(d)
	} else {
		s.SetDeadline(time.Now().Add(constants.ChunkReadTimeout))
	}
}

// directoryByURL finds the configured client for an endpoint.
func (n *Node) directoryByURL(url string) *directory.Client {
	for _, c := range n.dirClients {
		if c.BaseURL() == url {
			return c
		}
	}
	return nil
}

// verifiedPeerIDs lists verified-overlay peer ids.
func (n *Node) verifiedPeerIDs() []string {
	records := n.registry.VerifiedPeers()
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.PeerID)
	}
	return out
}

// dhtNetwork adapts the node to dht.Network.
type dhtNetwork struct{ node *Node }

func (a *dhtNetwork) Request(ctx context.Context, peerID string, msg *dht.Message) (*dht.Message, error) {
	resp, err := a.node.discoveryRequest(ctx, peerID, &discoveryMessage{
		Type:      msg.Type,
		Key:       msg.Key,
		Envelope:  msg.Envelope,
		Envelopes: msg.Envelopes,
	})
	if err != nil {
		return nil, err
	}
	return &dht.Message{
		Type:      resp.Type,
		Key:       resp.Key,
		Envelope:  resp.Envelope,
		Envelopes: resp.Envelopes,
	}, nil
}

func (a *dhtNetwork) Peers() []string { return a.node.verifiedPeerIDs() }

// gossipNetwork adapts the node to gossip.Network.
type gossipNetwork struct{ node *Node }

func (a *gossipNetwork) Send(ctx context.Context, peerID string, msg *gossip.Message) error {
	_, err := a.node.discoveryRequest(ctx, peerID, &discoveryMessage{
		Type:     msg.Type,
		Topic:    msg.Topic,
		Envelope: msg.Envelope,
	})
	return err
}

func (a *gossipNetwork) Peers() []string { return a.node.verifiedPeerIDs() }

// peerSource adapts the node to capability.PeerSource.
type peerSource struct{ node *Node }

func (p *peerSource) VerifiedPeerIDs() []string { return p.node.verifiedPeerIDs() }

func (p *peerSource) RemoteAddr(peerID string) string {
	if info, ok := p.node.host.Peerstore().Get(peerID); ok {
		return info.RemoteAddr
	}
	return ""
}

// connector adapts the node to discovery.Connector.
type connector struct{ node *Node }

func (c *connector) AddPeerAddrs(peerID string, addrs []string) {
	c.node.host.AddPeerAddrs(peerID, addrs)
}

func (c *connector) Connect(ctx context.Context, peerID string) error {
	if c.node.host.Peerstore().IsConnected(peerID) {
		return nil
	}
	_, err := c.node.Ping(ctx, peerID)
	return err
}

func (c *connector) ConnectAddr(ctx context.Context, addr string) error {
	s, _, err := c.node.host.DialAddr(ctx, addr, constants.ProtocolDiscovery)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := wire.WriteJSON(s, &discoveryMessage{Type: discPing, Token: "bootstrap"}); err != nil {
		return err
	}
	var resp discoveryMessage
	return wire.ReadJSONLine(bufio.NewReader(s), &resp)
}

// candidateSource adapts the node to download.Candidates.
type candidateSource struct{ node *Node }

// PeersWithStore merges the registry's advertised stores, the DHT provider
// records, and the directory index.
func (c *candidateSource) PeersWithStore(ctx context.Context, storeID string) []string {
	n := c.node
	seen := make(map[string]bool)
	var out []string
	add := func(peerID string) {
		if peerID == "" || peerID == n.identity.PeerID() || seen[peerID] {
			return
		}
		seen[peerID] = true
		out = append(out, peerID)
	}

	for _, peerID := range n.registry.PeersWithStore(storeID) {
		add(peerID)
	}

	for _, env := range n.dht.Get(ctx, constants.DHTStorePrefix+storeID) {
		var rec wire.StoreRecord
		if err := env.Open(&rec); err != nil || rec.PeerID != env.From {
			continue
		}
		if len(n.host.Peerstore().Addrs(rec.PeerID)) == 0 {
			if ann := n.discovery.LookupPeer(ctx, rec.PeerID); ann != nil {
				n.host.AddPeerAddrs(rec.PeerID, ann.Addresses)
			}
		}
		add(rec.PeerID)
	}

	for _, client := range n.dirClients {
		if !client.Available() {
			continue
		}
		peers, err := client.Peers(ctx)
		if err != nil {
			continue
		}
		for _, p := range peers {
			for _, s := range p.Stores {
				if s == storeID {
					n.host.AddPeerAddrs(p.PeerID, p.Addresses)
					add(p.PeerID)
					break
				}
			}
		}
		break
	}
	return out
}

func (c *candidateSource) IsConnected(peerID string) bool {
	return c.node.host.Peerstore().IsConnected(peerID)
}

func (c *candidateSource) AcceptsDirect(ctx context.Context, peerID string) bool {
	return c.node.tracker.AcceptsDirect(ctx, peerID)
}

// directoryFetcher adapts the directory clients to download.DirectoryFetcher.
type directoryFetcher struct{ node *Node }

func (d *directoryFetcher) Available() bool {
	for _, c := range d.node.dirClients {
		if c.Available() {
			return true
		}
	}
	return false
}

func (d *directoryFetcher) FetchStore(ctx context.Context, storeID string) ([]byte, error) {
	var lastErr error
	for _, c := range d.node.dirClients {
		if !c.Available() {
			continue
		}
		data, err := c.RelayStore(ctx, &directory.RelayStoreRequest{StoreID: storeID})
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = digerr.New(digerr.CodeDirectoryUnavailable, "no directory configured")
	}
	return nil, lastErr
}
