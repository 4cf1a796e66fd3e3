package registry

import (
	"context"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/security/overlay"
)

// Classifier runs the classification decision tree for new connections.
type Classifier struct {
	registry  *Registry
	prober    Prober
	networkID string
	psk       *overlay.PSKConfig // optional admission gate
}

// NewClassifier creates a classifier. psk may be nil.
func NewClassifier(reg *Registry, prober Prober, networkID string, psk *overlay.PSKConfig) *Classifier {
	if networkID == "" {
		networkID = constants.DefaultNetworkID
	}
	return &Classifier{
		registry:  reg,
		prober:    prober,
		networkID: networkID,
		psk:       psk,
	}
}

// Classify runs the decision tree for a peer exactly once per connection:
//
//  1. well-known public infrastructure -> public-infrastructure / minimal
//  2. identification probe fails       -> unknown / limited
//  3. membership verification passes   -> verified-overlay / full
//  4. speaks dig/1 but fails to verify -> suspicious / none
//
// Classification failures isolate the peer but never surface as node
// errors; a reconnect re-runs the tree.
func (c *Classifier) Classify(ctx context.Context, peerID string) Classification {
	if c.registry.IsInfrastructure(peerID) {
		c.registry.setClassification(peerID, ClassPublicInfrastructure, TrustMinimal, nil, false, "")
		return ClassPublicInfrastructure
	}

	identCtx, cancel := context.WithTimeout(ctx, constants.IdentificationTimeout)
	ident, err := c.prober.Identify(identCtx, peerID)
	cancel()
	if err != nil || !ident.IsOverlayNode || ident.NetworkID != c.networkID {
		c.registry.setClassification(peerID, ClassUnknown, TrustLimited, []string{OpIdentify}, false, "")
		return ClassUnknown
	}

	nonce, err := overlay.NewChallengeNonce()
	if err != nil {
		c.registry.setClassification(peerID, ClassUnknown, TrustLimited, []string{OpIdentify}, false, "")
		return ClassUnknown
	}

	verifyCtx, cancel := context.WithTimeout(ctx, 2*constants.IdentificationTimeout)
	resp, err := c.prober.VerifyMembership(verifyCtx, peerID, nonce)
	cancel()
	if err != nil {
		c.registry.setClassification(peerID, ClassSuspicious, TrustNone, nil, false, "")
		return ClassSuspicious
	}

	if err := overlay.VerifyMembershipProof(resp.PublicKey, resp.OverlayAddress, c.networkID, nonce, resp.Proof); err != nil {
		c.registry.setClassification(peerID, ClassSuspicious, TrustNone, nil, false, "")
		return ClassSuspicious
	}
	if c.psk != nil && !c.psk.VerifyProof(c.networkID, nonce, resp.PSKProof) {
		c.registry.setClassification(peerID, ClassSuspicious, TrustNone, nil, false, "")
		return ClassSuspicious
	}
	if skewed(resp.Timestamp) {
		c.registry.setClassification(peerID, ClassSuspicious, TrustNone, nil, false, "")
		return ClassSuspicious
	}

	allow := []string{OpIdentify, OpStoreRead, OpRangeRead, OpRelayUse, OpCapabilityShare}
	c.registry.setClassification(peerID, ClassVerifiedOverlay, TrustFull, allow, true, resp.OverlayAddress)
	c.registry.SetAdvertised(peerID, resp.Stores, resp.Capabilities)
	return ClassVerifiedOverlay
}

func skewed(tsMillis int64) bool {
	ts := time.UnixMilli(tsMillis)
	d := time.Since(ts)
	if d < 0 {
		d = -d
	}
	return d > constants.MaxClockSkew
}
