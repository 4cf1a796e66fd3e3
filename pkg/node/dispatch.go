package node

import (
	"bufio"
	"time"

	"github.com/DIG-Network/dig-node/internal/dht"
	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/fabric"
	"github.com/DIG-Network/dig-node/pkg/gossip"
	"github.com/DIG-Network/dig-node/pkg/registry"
	"github.com/DIG-Network/dig-node/pkg/security/overlay"
	"github.com/DIG-Network/dig-node/pkg/wire"
)

// opPermission maps a dig/1 operation to the registry permission it needs.
// The identification exchange (identify, handshake, membership challenge)
// is the only surface open to unclassified and unknown peers.
func opPermission(op string) string {
	switch op {
	case wire.OpIdentification, wire.OpHandshake, wire.OpVerifyMembership:
		return registry.OpIdentify
	case wire.OpGetStoreContent:
		return registry.OpStoreRead
	case wire.OpGetFileRange:
		return registry.OpRangeRead
	case wire.OpGetPeerInfo:
		return registry.OpCapabilityShare
	case wire.OpRelayCoordinate, wire.OpRelayData, wire.OpRelaySignal, wire.OpRelayClose:
		return registry.OpRelayUse
	case wire.OpRelayAttach:
		// A NAT-restricted source cannot be probed inbound and so may
		// never reach verified-overlay here. The attach is admitted on the
		// identification surface; HandleAttach only binds it to a session
		// whose coordinated target is this exact fabric-authenticated peer.
		return registry.OpIdentify
	default:
		return ""
	}
}

// handleDataStream dispatches one dig/1 request. Policy is enforced here,
// before any handler runs: peers classified public-infrastructure or
// suspicious get nothing, unknown peers get the identification surface
// only.
func (n *Node) handleDataStream(s fabric.Stream, remote fabric.PeerInfo) {
	keepOpen := false
	defer func() {
		if !keepOpen {
			s.Close()
		}
	}()
	s.SetReadDeadline(time.Now().Add(constants.ChunkReadTimeout))

	reader := bufio.NewReader(s)
	raw, err := wire.ReadRawLine(reader)
	if err != nil {
		return
	}

	req, err := wire.DecodeRequest(raw, false)
	if err != nil {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeDecodeFailed})
		return
	}
	if wire.SecuritySensitive(req.Type) {
		if req, err = wire.DecodeRequest(raw, true); err != nil {
			wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeDecodeFailed})
			return
		}
	}

	perm := opPermission(req.Type)
	if perm == "" {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeUnknownOp})
		return
	}
	if !n.registry.Allowed(remote.PeerID, perm) {
		if rec, ok := n.registry.Get(remote.PeerID); ok &&
			(rec.Classification == registry.ClassSuspicious || rec.Classification == registry.ClassPublicInfrastructure) {
			// Nothing is owed to these peers, not even an error frame.
			return
		}
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodePeerDenied})
		return
	}
	n.registry.Touch(remote.PeerID)
	s.SetReadDeadline(time.Time{})
	s.SetWriteDeadline(time.Now().Add(constants.DialTimeout))

	switch req.Type {
	case wire.OpGetStoreContent:
		n.handleGetStoreContent(s, req)
	case wire.OpGetFileRange:
		n.handleGetFileRange(s, req)
	case wire.OpHandshake:
		n.handleHandshake(s)
	case wire.OpIdentification:
		n.handleIdentification(s)
	case wire.OpVerifyMembership:
		n.handleVerifyMembership(s, remote, req)
	case wire.OpGetPeerInfo:
		n.handleGetPeerInfo(s, req)
	case wire.OpRelayCoordinate:
		n.handleRelayCoordinate(s, req)
	case wire.OpRelayData:
		n.handleRelayData(s, req)
	case wire.OpRelayAttach:
		// The claimed source identity must be the fabric-authenticated
		// one. The stream outlives this dispatch, so its deadlines are
		// cleared before ownership moves to the relay server.
		if req.FromPeerID == remote.PeerID {
			s.SetDeadline(time.Time{})
			keepOpen = n.relaySrv.HandleAttach(s, reader, req)
		}
		if !keepOpen {
			wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeSessionUnknown})
		}
	case wire.OpRelaySignal:
		resp := n.relayCoord.HandleDirectSignal(req)
		wire.WriteJSON(s, resp)
	case wire.OpRelayClose:
		n.relaySrv.HandleClose(req.SessionID)
		wire.WriteJSON(s, &wire.RelaySignalResponse{OK: true})
	default:
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeUnknownOp})
	}
}

// handleGetStoreContent streams a whole store: JSON header, then the bytes
// in bounded frames.
func (n *Node) handleGetStoreContent(s fabric.Stream, req *wire.Request) {
	f, info, err := n.manager.Open(req.StoreID)
	if err != nil {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeStoreNotFound})
		return
	}
	defer f.Close()

	header := wire.StoreContentHeader{Success: true, Size: info.Size, Mime: info.Mime}
	if err := wire.WriteJSON(s, &header); err != nil {
		return
	}
	if err := wire.CopyBody(s, f, info.Size); err != nil {
		n.logger.Printf("store %s stream aborted: %v", req.StoreID, err)
	}
}

// handleGetFileRange validates and serves one inclusive byte range.
func (n *Node) handleGetFileRange(s fabric.Stream, req *wire.Request) {
	if req.RangeStart == nil || req.RangeEnd == nil {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeInvalidRange})
		return
	}
	data, info, err := n.manager.ReadRange(req.StoreID, *req.RangeStart, *req.RangeEnd)
	if err != nil {
		resp := wire.ErrorResponse{Success: false, Error: digerr.Code(err)}
		if info != nil {
			resp.TotalSize = &info.Size
		}
		wire.WriteJSON(s, &resp)
		return
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
	wire.WriteBody(s, data)
}

func (n *Node) handleHandshake(s fabric.Stream) {
	wire.WriteJSON(s, &wire.HandshakeResponse{
		ProtocolVersion:   constants.ProtocolVersion,
		SupportedFeatures: []string{"range-read", "relay", "capability-share"},
		PublicKey:         n.identity.PublicKeyHex(),
		NodeCapabilities:  n.tracker.SelfStrings(),
		StoreCount:        n.manager.Count(),
		AcceptsDirect:     n.tracker.Self().AcceptsDirect,
	})
}

func (n *Node) handleIdentification(s fabric.Stream) {
	wire.WriteJSON(s, &wire.IdentificationResponse{
		NetworkID:       n.networkID,
		IsOverlayNode:   true,
		ProtocolVersion: constants.ProtocolVersion,
		Timestamp:       time.Now().UnixMilli(),
	})
}

// handleVerifyMembership answers the challenge. The proof and overlay
// address are part of the identification exchange and always answered; the
// stores and capabilities sections require the requester to hold
// capability-share, which only verified-overlay peers do.
func (n *Node) handleVerifyMembership(s fabric.Stream, remote fabric.PeerInfo, req *wire.Request) {
	if req.ChallengeNonce == "" {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.CodeDecodeFailed})
		return
	}
	resp := wire.VerifyMembershipResponse{
		OverlayAddress: n.identity.OverlayAddress(),
		PublicKey:      n.identity.PublicKeyHex(),
		Proof:          overlay.MembershipProof(n.identity, n.networkID, req.ChallengeNonce),
		Timestamp:      time.Now().UnixMilli(),
	}
	if n.psk != nil {
		resp.PSKProof = n.psk.GenerateProof(n.networkID, req.ChallengeNonce)
	}
	if n.registry.Allowed(remote.PeerID, registry.OpCapabilityShare) {
		for _, item := range req.Requested {
			switch item {
			case "capabilities":
				resp.Capabilities = n.tracker.SelfStrings()
			case "stores":
				resp.Stores = n.manager.List()
			}
		}
	}
	wire.WriteJSON(s, &resp)
}

func (n *Node) handleGetPeerInfo(s fabric.Stream, req *wire.Request) {
	resp := wire.PeerInfoResponse{}
	for _, item := range req.RequestedInfo {
		switch item {
		case "stores":
			resp.Stores = n.manager.List()
		case "capabilities":
			resp.Capabilities = n.tracker.SelfStrings()
		case "overlayAddress":
			resp.OverlayAddress = n.identity.OverlayAddress()
		case "nodeType":
			if n.tracker.Self().CanActAsRelay {
				resp.NodeType = "relay"
			} else {
				resp.NodeType = "peer"
			}
		}
	}
	wire.WriteJSON(s, &resp)
}

func (n *Node) handleRelayCoordinate(s fabric.Stream, req *wire.Request) {
	resp, err := n.relaySrv.HandleCoordinate(n.identity.PeerID(), req)
	if err != nil {
		wire.WriteJSON(s, &wire.ErrorResponse{Success: false, Error: digerr.Code(err)})
		return
	}
	wire.WriteJSON(s, resp)
}

func (n *Node) handleRelayData(s fabric.Stream, req *wire.Request) {
	header, body, err := n.relaySrv.HandleData(req)
	if err != nil {
		resp := wire.ErrorResponse{Success: false, Error: digerr.Code(err)}
		if header != nil && header.TotalSize > 0 {
			resp.TotalSize = &header.TotalSize
		} else if header != nil {
			zero := int64(0)
			resp.TotalSize = &zero
		}
		wire.WriteJSON(s, &resp)
		return
	}
	if err := wire.WriteJSON(s, header); err != nil {
		return
	}
	wire.WriteBody(s, body)
}

// handleDiscoveryStream dispatches one dig-discovery/1 message. Ping is
// open to everyone; DHT and gossip traffic is refused only to peers
// classified suspicious or public-infrastructure.
func (n *Node) handleDiscoveryStream(s fabric.Stream, remote fabric.PeerInfo) {
	defer s.Close()
	s.SetDeadline(time.Now().Add(constants.ChunkReadTimeout))

	var msg discoveryMessage
	if err := wire.ReadJSONLine(bufio.NewReader(s), &msg); err != nil {
		return
	}

	if msg.Type == discPing {
		wire.WriteJSON(s, &discoveryMessage{Type: discPong, Token: msg.Token})
		return
	}

	// The discovery protocol is fabric-level: records are individually
	// signed, so unknown peers may participate. Only peers the classifier
	// has positively shut out are refused.
	if rec, ok := n.registry.Get(remote.PeerID); ok &&
		(rec.Classification == registry.ClassSuspicious || rec.Classification == registry.ClassPublicInfrastructure) {
		wire.WriteJSON(s, &discoveryMessage{Type: dht.MsgDenied})
		return
	}

	switch msg.Type {
	case dht.MsgPut, dht.MsgGet:
		resp := n.dht.HandleMessage(remote.PeerID, &dht.Message{
			Type:     msg.Type,
			Key:      msg.Key,
			Envelope: msg.Envelope,
		})
		wire.WriteJSON(s, &discoveryMessage{
			Type:      resp.Type,
			Key:       resp.Key,
			Envelope:  resp.Envelope,
			Envelopes: resp.Envelopes,
		})

	case gossip.MsgPublish:
		// Ack first; reflooding happens off this stream.
		wire.WriteJSON(s, &discoveryMessage{Type: discAck})
		n.gossip.HandleMessage(remote.PeerID, &gossip.Message{
			Type:     msg.Type,
			Topic:    msg.Topic,
			Envelope: msg.Envelope,
		})

	default:
		wire.WriteJSON(s, &discoveryMessage{Type: dht.MsgDenied})
	}
}
