package relay

import (
	"bufio"
	"context"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// signalDirect delivers the signal over a direct dig/1 stream to the
// source; only possible when the source is reachable from here.
func (c *Coordinator) signalDirect(ctx context.Context, sourcePeerID string, sig *wire.RelaySignal) error {
	s, err := c.dialer.NewStream(ctx, sourcePeerID, constants.ProtocolData)
	if err != nil {
		return err
	}
	defer s.Close()

	req := wire.Request{
		Type:                wire.OpRelaySignal,
		FromPeerID:          sig.FromPeerID,
		StoreID:             sig.StoreID,
		TurnServerPeerID:    sig.TurnServerPeerID,
		TurnServerAddresses: sig.TurnServerAddresses,
	}
	if err := wire.WriteJSON(s, &req); err != nil {
		return err
	}

	var resp wire.RelaySignalResponse
	if err := wire.ReadJSONLine(bufio.NewReader(s), &resp); err != nil {
		return err
	}
	if !resp.OK {
		return digerr.New(digerr.CodeRelayUnavailable, "source rejected signal").WithPeer(sourcePeerID)
	}
	return nil
}

// signalDHT queues the signal under the source's signal key; the source
// polls its own key.
func (c *Coordinator) signalDHT(ctx context.Context, sourcePeerID string, sig *wire.RelaySignal) error {
	if c.dht == nil {
		return digerr.New(digerr.CodeRelayUnavailable, "no dht for signal")
	}
	return c.dht.PutPayload(ctx, constants.DHTRelaySignalPrefix+sourcePeerID, sig)
}

// signalGossip floods the signal; intermediate peers carry it to sources no
// channel reaches directly, which is the multi-hop delivery path.
func (c *Coordinator) signalGossip(ctx context.Context, sig *wire.RelaySignal) error {
	if c.gossip == nil {
		return digerr.New(digerr.CodeRelayUnavailable, "no gossip for signal")
	}
	return c.gossip.Publish(ctx, constants.TopicRelaySignals, sig)
}

// HandleDirectSignal processes an inbound RELAY_CONNECTION_SIGNAL: dial the
// named relay and attach as a source.
func (c *Coordinator) HandleDirectSignal(req *wire.Request) *wire.RelaySignalResponse {
	sig := &wire.RelaySignal{
		TargetPeerID:        c.identity.PeerID(),
		FromPeerID:          req.FromPeerID,
		TurnServerPeerID:    req.TurnServerPeerID,
		TurnServerAddresses: req.TurnServerAddresses,
		StoreID:             req.StoreID,
	}
	c.serveSignal(sig)
	return &wire.RelaySignalResponse{OK: true}
}

// onGossipSignal handles signals that arrived by flooding.
func (c *Coordinator) onGossipSignal(_ string, env *wire.Envelope) {
	var sig wire.RelaySignal
	if err := env.Open(&sig); err != nil {
		return
	}
	if sig.TargetPeerID != c.identity.PeerID() {
		return
	}
	c.serveSignal(&sig)
}

// pollSignals drains signals queued for this node in the DHT.
func (c *Coordinator) pollSignals(ctx context.Context) {
	if c.dht == nil {
		return
	}
	key := constants.DHTRelaySignalPrefix + c.identity.PeerID()
	for _, env := range c.dht.Get(ctx, key) {
		var sig wire.RelaySignal
		if err := env.Open(&sig); err != nil {
			continue
		}
		if sig.TargetPeerID != c.identity.PeerID() {
			continue
		}
		c.serveSignal(&sig)
		c.dht.Delete(key, env.From)
	}
}

// serveSignal launches the attach loop for a signal, once per
// (relay, store) in a short window.
func (c *Coordinator) serveSignal(sig *wire.RelaySignal) {
	if c.manager == nil {
		return
	}
	if sig.StoreID != "" && !c.manager.Has(sig.StoreID) {
		return
	}

	key := sig.TurnServerPeerID + "|" + sig.StoreID
	c.mu.Lock()
	if last, ok := c.servedSignals[key]; ok && time.Since(last) < constants.RelaySetupTimeout {
		c.mu.Unlock()
		return
	}
	c.servedSignals[key] = time.Now()
	ctx := c.ctx
	c.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	c.dialer.AddPeerAddrs(sig.TurnServerPeerID, sig.TurnServerAddresses)
	go c.attachAndServe(ctx, sig.TurnServerPeerID, sig.StoreID)
}

// attachAndServe dials the relay, attaches as a source, and serves range
// requests over the outbound stream until it closes. This is how bytes
// leave a NAT-restricted node: it only ever dials out.
func (c *Coordinator) attachAndServe(ctx context.Context, relayPeerID, storeID string) {
	dialCtx, cancel := context.WithTimeout(ctx, constants.RelaySetupTimeout)
	s, err := c.dialer.NewStream(dialCtx, relayPeerID, constants.ProtocolData)
	cancel()
	if err != nil {
		c.logger.Printf("relay attach to %s failed: %v", relayPeerID, err)
		return
	}
	defer s.Close()

	attach := wire.Request{
		Type:       wire.OpRelayAttach,
		FromPeerID: c.identity.PeerID(),
		StoreID:    storeID,
	}
	if err := wire.WriteJSON(s, &attach); err != nil {
		return
	}

	reader := bufio.NewReader(s)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var req wire.Request
		s.SetReadDeadline(time.Now().Add(2 * time.Minute))
		if err := wire.ReadJSONLine(reader, &req); err != nil {
			return
		}
		s.SetReadDeadline(time.Time{})
		if req.Type != wire.OpGetFileRange || req.RangeStart == nil || req.RangeEnd == nil {
			wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeUnknownOp})
			continue
		}

		data, info, err := c.manager.ReadRange(req.StoreID, *req.RangeStart, *req.RangeEnd)
		if err != nil {
			resp := wire.ErrorResponse{Success: false, Error: digerr.Code(err)}
			if info != nil {
				resp.TotalSize = &info.Size
			}
			if werr := wire.WriteJSON(s, &resp); werr != nil {
				return
			}
			continue
		}

		header := wire.RangeHeader{
			Success:    true,
			Size:       int64(len(data)),
			TotalSize:  info.Size,
			RangeStart: *req.RangeStart,
			RangeEnd:   *req.RangeEnd,
			ChunkID:    req.ChunkID,
			IsPartial:  true,
		}
		if err := wire.WriteJSON(s, &header); err != nil {
			return
		}
		if err := wire.WriteBody(s, data); err != nil {
			return
		}
	}
}
