package download

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/constants"
	"github.com/DIG-Network/dig-node/pkg/digerr"
	"github.com/DIG-Network/dig-node/pkg/store"
)

// Strategy names, in ladder order.
const (
	StrategyLocal           = "local"
	StrategyDirectConnected = "direct-connected"
	StrategyDirectDial      = "direct-dial"
	StrategyRelay           = "relay"
	StrategyDirectory       = "directory"
)

// Attempt is one structured entry of a session's attempt log.
type Attempt struct {
	Strategy string        `json:"strategy"`
	PeerID   string        `json:"peerId,omitempty"`
	Error    string        `json:"error,omitempty"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
}

// Candidates supplies the peers-with-store set and their standing.
type Candidates interface {
	// PeersWithStore returns peers advertising the store, gathered from
	// the registry's verified peers, DHT provider records, and the
	// directory; DHT and directory entries are not checked against the
	// registry.
	PeersWithStore(ctx context.Context, storeID string) []string
	// IsConnected reports a live fabric session with the peer.
	IsConnected(peerID string) bool
	// AcceptsDirect reports the peer's tracked direct-dial capability.
	AcceptsDirect(ctx context.Context, peerID string) bool
}

// SizeProber learns a store's total size from a peer, typically with a
// one-byte range probe.
type SizeProber interface {
	ProbeSize(ctx context.Context, peerID, storeID string) (int64, error)
}

// RelayPlanner establishes relay sessions for NAT-restricted sources.
type RelayPlanner interface {
	// Relays returns usable relay peer ids, best first.
	Relays(ctx context.Context) []string
	// Establish sets up a two-sided relay session through relayPeerID to
	// fetch storeID from sourcePeerID, returning a session endpoint usable
	// as a Source endpoint.
	Establish(ctx context.Context, relayPeerID, sourcePeerID, storeID string) (string, int64, error)
	// Release tears the session down; relays keep no state afterwards.
	Release(ctx context.Context, endpoint string)
}

// DirectoryFetcher is the last-resort full-store fetch.
type DirectoryFetcher interface {
	FetchStore(ctx context.Context, storeID string) ([]byte, error)
	Available() bool
}

// Orchestrator executes the strategy ladder for one store at a time.
type Orchestrator struct {
	manager    *store.Manager
	downloader *Downloader
	candidates Candidates
	prober     SizeProber
	relay      RelayPlanner
	directory  DirectoryFetcher
	logger     *log.Logger

	mu       sync.Mutex
	attempts map[string][]Attempt
}

// NewOrchestrator wires the orchestrator. relay and directory may be nil.
func NewOrchestrator(manager *store.Manager, downloader *Downloader, candidates Candidates,
	prober SizeProber, relay RelayPlanner, directory DirectoryFetcher, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.New(os.Stderr, "orchestrator ", log.LstdFlags|log.Lmsgprefix)
	}
	return &Orchestrator{
		manager:    manager,
		downloader: downloader,
		candidates: candidates,
		prober:     prober,
		relay:      relay,
		directory:  directory,
		logger:     logger,
		attempts:   make(map[string][]Attempt),
	}
}

// Attempts returns the attempt log for a store.
func (o *Orchestrator) Attempts(storeID string) []Attempt {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Attempt(nil), o.attempts[storeID]...)
}

func (o *Orchestrator) record(storeID string, a Attempt) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[storeID] = append(o.attempts[storeID], a)
}

// DownloadStore runs the strategy ladder for storeID. It returns whether
// the store is now present, the strategy that succeeded, and the last error
// when every strategy failed. Failure of an earlier strategy is never fatal
// to a later one.
func (o *Orchestrator) DownloadStore(ctx context.Context, storeID string) (bool, string, error) {
	if o.manager.Has(storeID) {
		return true, StrategyLocal, nil
	}

	candidates := o.candidates.PeersWithStore(ctx, storeID)
	if len(candidates) == 0 {
		// The directory rung can still work without peer candidates.
		if ok, err := o.tryDirectory(ctx, storeID); ok {
			return true, StrategyDirectory, nil
		} else if err != nil {
			return false, "", err
		}
		return false, "", digerr.New(digerr.CodePeerNotConnected, "no candidates for store").WithStore(storeID)
	}

	var connected, dialable []string
	for _, peer := range candidates {
		if o.candidates.IsConnected(peer) {
			connected = append(connected, peer)
		} else if o.candidates.AcceptsDirect(ctx, peer) {
			dialable = append(dialable, peer)
		}
	}

	var lastErr error

	if len(connected) > 0 {
		if err := o.tryDirect(ctx, StrategyDirectConnected, storeID, connected); err == nil {
			return true, StrategyDirectConnected, nil
		} else {
			lastErr = err
		}
	}

	if len(dialable) > 0 {
		if err := o.tryDirect(ctx, StrategyDirectDial, storeID, dialable); err == nil {
			return true, StrategyDirectDial, nil
		} else {
			lastErr = err
		}
	}

	if o.relay != nil {
		if err := o.tryRelay(ctx, storeID, candidates); err == nil {
			return true, StrategyRelay, nil
		} else {
			lastErr = err
		}
	}

	if ok, err := o.tryDirectory(ctx, storeID); ok {
		return true, StrategyDirectory, nil
	} else if err != nil {
		lastErr = err
	}

	if lastErr == nil {
		lastErr = digerr.New(digerr.CodePeerNotConnected, "no strategy applicable").WithStore(storeID)
	}
	return false, "", lastErr
}

// tryDirect runs a chunked download against direct sources.
func (o *Orchestrator) tryDirect(ctx context.Context, strategy, storeID string, peers []string) error {
	started := time.Now()

	size, sizePeer, err := o.probeAny(ctx, storeID, peers)
	if err != nil {
		o.record(storeID, Attempt{Strategy: strategy, Error: err.Error(), Started: started, Duration: time.Since(started)})
		return err
	}

	sources := make([]*Source, 0, len(peers))
	for i, peer := range peers {
		sources = append(sources, &Source{Kind: SourceDirect, PeerID: peer, Priority: i})
	}

	err = o.downloader.Download(ctx, storeID, size, sources)
	o.record(storeID, Attempt{
		Strategy: strategy,
		PeerID:   sizePeer,
		Error:    errString(err),
		Started:  started,
		Duration: time.Since(started),
	})
	return err
}

// tryRelay walks (relay x candidate) pairs within the configured limits.
func (o *Orchestrator) tryRelay(ctx context.Context, storeID string, candidates []string) error {
	relays := o.relay.Relays(ctx)
	if len(relays) == 0 {
		return digerr.New(digerr.CodeRelayUnavailable, "no relays known").WithStore(storeID)
	}
	if len(relays) > constants.RelayAttemptsPerStore {
		relays = relays[:constants.RelayAttemptsPerStore]
	}
	shortlist := candidates
	if len(shortlist) > constants.CandidatesPerRelayAttempt {
		shortlist = shortlist[:constants.CandidatesPerRelayAttempt]
	}

	var lastErr error
	for _, relayPeer := range relays {
		for _, candidate := range shortlist {
			if candidate == relayPeer {
				continue
			}
			started := time.Now()
			endpoint, size, err := o.relay.Establish(ctx, relayPeer, candidate, storeID)
			if err != nil {
				lastErr = err
				o.record(storeID, Attempt{Strategy: StrategyRelay, PeerID: relayPeer,
					Error: err.Error(), Started: started, Duration: time.Since(started)})
				continue
			}

			sources := []*Source{{Kind: SourceRelay, PeerID: candidate, Endpoint: endpoint, Priority: 0}}
			err = o.downloader.Download(ctx, storeID, size, sources)
			o.relay.Release(ctx, endpoint)
			o.record(storeID, Attempt{Strategy: StrategyRelay, PeerID: relayPeer,
				Error: errString(err), Started: started, Duration: time.Since(started)})
			if err == nil {
				return nil
			}
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = digerr.New(digerr.CodeRelayUnavailable, "no usable relay-candidate pair").WithStore(storeID)
	}
	return lastErr
}

// tryDirectory is the last rung: fetch the whole store through the
// directory's relay endpoint.
func (o *Orchestrator) tryDirectory(ctx context.Context, storeID string) (bool, error) {
	if o.directory == nil || !o.directory.Available() {
		return false, nil
	}
	started := time.Now()
	data, err := o.directory.FetchStore(ctx, storeID)
	if err != nil {
		o.record(storeID, Attempt{Strategy: StrategyDirectory, Error: err.Error(),
			Started: started, Duration: time.Since(started)})
		return false, err
	}
	if _, err := o.manager.Finalize(storeID, data); err != nil {
		o.record(storeID, Attempt{Strategy: StrategyDirectory, Error: err.Error(),
			Started: started, Duration: time.Since(started)})
		return false, err
	}
	o.record(storeID, Attempt{Strategy: StrategyDirectory, Started: started, Duration: time.Since(started)})
	return true, nil
}

// probeAny asks the peers in order for the store size.
func (o *Orchestrator) probeAny(ctx context.Context, storeID string, peers []string) (int64, string, error) {
	var lastErr error
	for _, peer := range peers {
		size, err := o.prober.ProbeSize(ctx, peer, storeID)
		if err == nil {
			return size, peer, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = digerr.New(digerr.CodePeerNotConnected, "no peers to probe").WithStore(storeID)
	}
	return 0, "", fmt.Errorf("size probe failed: %w", lastErr)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
