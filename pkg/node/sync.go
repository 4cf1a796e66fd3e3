package node

import (
	"context"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
)

// syncLoop reconciles the local store set with what verified peers
// advertise: first sweep after the initial delay, then on the sync
// interval. Store announcements are refreshed on the republish interval.
func (n *Node) syncLoop() {
	defer n.wg.Done()

	initial := time.NewTimer(constants.SyncInitialDelay)
	defer initial.Stop()
	select {
	case <-n.ctx.Done():
		return
	case <-initial.C:
	}

	ticker := time.NewTicker(constants.SyncInterval)
	announce := time.NewTicker(constants.RecordRepublish)
	defer ticker.Stop()
	defer announce.Stop()

	n.sweep()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		case <-announce.C:
			n.announceStores(n.ctx)
		}
	}
}

// sweep runs one reconciliation pass: rescan the directory, announce new
// stores, and fetch up to the batch limit of missing ones.
func (n *Node) sweep() {
	_, removed, err := n.manager.Scan()
	if err != nil {
		n.logger.Printf("sync: store scan failed: %v", err)
	}
	// New files (finalized downloads included) go through the same announce
	// path as the periodic refresh.
	n.announceStores(n.ctx)
	for _, id := range removed {
		n.logger.Printf("sync: store %s removed from disk", id)
	}

	n.refreshAdvertised()
	missing := n.missingStores()
	if len(missing) == 0 {
		return
	}
	if len(missing) > constants.SyncBatchSize {
		missing = missing[:constants.SyncBatchSize]
	}

	fetched, failed := 0, 0
	for _, storeID := range missing {
		var ok bool
		var err error
		for attempt := 0; attempt < constants.SyncRetriesPerSweep; attempt++ {
			ok, _, err = n.DownloadStore(n.ctx, storeID)
			if ok || n.ctx.Err() != nil {
				break
			}
		}
		if ok {
			fetched++
		} else {
			failed++
			if err != nil {
				n.logger.Printf("sync: fetch %s failed: %v", storeID, err)
			}
		}
		if n.ctx.Err() != nil {
			return
		}
	}
	n.logger.Printf("sync: sweep done, %d missing, %d fetched, %d failed", len(missing), fetched, failed)
}

// refreshAdvertised re-reads each verified peer's store and capability
// lists; the gossip path keeps them fresh between sweeps, this closes the
// gap for peers verified before their first announcement.
func (n *Node) refreshAdvertised() {
	for _, rec := range n.registry.VerifiedPeers() {
		ctx, cancel := context.WithTimeout(n.ctx, constants.IdentificationTimeout*2)
		info, err := n.GetPeerInfo(ctx, rec.PeerID, []string{"stores", "capabilities"})
		cancel()
		if err != nil {
			continue
		}
		n.registry.SetAdvertised(rec.PeerID, info.Stores, info.Capabilities)
	}
}

// missingStores computes the union of verified peers' advertised stores
// minus the local set.
func (n *Node) missingStores() []string {
	local := make(map[string]bool)
	for _, id := range n.manager.List() {
		local[id] = true
	}
	seen := make(map[string]bool)
	var missing []string
	for _, rec := range n.registry.VerifiedPeers() {
		for _, id := range rec.AdvertisedStores {
			if !local[id] && !seen[id] {
				seen[id] = true
				missing = append(missing, id)
			}
		}
	}
	return missing
}
