// Package constants defines cross-cutting protocol constants and tunables
// for the DIG overlay network.
package constants

import "time"

// Protocol identifiers
const (
	// Named streams on the fabric
	ProtocolData      = "dig/1"
	ProtocolDiscovery = "dig-discovery/1"

	// Protocol version advertised in HANDSHAKE and IDENTIFICATION
	ProtocolVersion = 1

	// Default overlay network id
	DefaultNetworkID = "mainnet"
)

// Overlay addressing
const (
	// First group of every overlay address (IPv6 ULA-style private prefix)
	OverlayAddressPrefix = "fd00"

	// Overlay address is 16 bytes rendered as 8 colon-separated hex groups
	OverlayAddressBytes  = 16
	OverlayAddressGroups = 8
)

// Transfer configuration
const (
	// Chunk size 256 KiB, concurrent chunk fetch 4
	DefaultChunkSize           = 256 * 1024
	DefaultMaxConcurrentChunks = 4

	// Streamed responses are framed in writes of at most 64 KiB
	MaxFrameSize = 64 * 1024

	// A source is skipped after this many consecutive failures
	SourceFailureLimit = 3

	// JSON header lines are bounded; anything larger is a protocol error
	MaxHeaderSize = 64 * 1024
)

// Timing configuration
const (
	DialTimeout           = 60 * time.Second
	ChunkReadTimeout      = 30 * time.Second
	IdentificationTimeout = 3 * time.Second
	RelaySetupTimeout     = 15 * time.Second
	DirectoryTimeout      = 10 * time.Second

	// Sync loop: first sweep 5 s after start, then every 30 s
	SyncInitialDelay = 5 * time.Second
	SyncInterval     = 30 * time.Second

	// Capability retest intervals (self vs remote peers)
	CapabilitySelfRetest = 5 * time.Minute
	CapabilityPeerRetest = 10 * time.Minute

	// Relay health round-trip interval
	RelayHealthInterval = 60 * time.Second

	// DHT record TTL and republish interval
	RecordTTL       = 10 * time.Minute
	RecordRepublish = 5 * time.Minute

	// Directory is consulted only after this long with zero verified peers
	DirectoryFallbackDelay = 30 * time.Second

	// Max tolerated clock skew on signed records
	MaxClockSkew = 120 * time.Second
)

// Sync loop limits
const (
	SyncBatchSize       = 5
	SyncRetriesPerSweep = 2
)

// Orchestrator limits
const (
	RelayAttemptsPerStore     = 3
	CandidatesPerRelayAttempt = 2
)

// DHT key namespaces
const (
	DHTStorePrefix        = "/dig-store/"
	DHTPeerPrefix         = "/dig-network-v1/peers/"
	DHTCapabilitiesPrefix = "/dig-capabilities/"
	DHTRelayRegistryKey   = "/dig-relay-servers/registry"
	DHTRelaySignalPrefix  = "/dig-relay-signal/"
)

// Gossip topics
const (
	TopicAnnouncements    = "dig-network-announcements"
	TopicRelayAnnounce    = "dig-relay-announcements"
	TopicRelaySignals     = "dig-relay-coordination-signals"
	TopicPeerCapabilities = "dig-peer-connection-capabilities"
)

// Network defaults
const (
	DefaultListenPort = 4001
	MDNSPort          = 5354
	MDNSGroup         = "239.255.70.71"
)

// DHT configuration
const (
	DHTReplication = 3
	DHTAlpha       = 3
)

// StoreID constraints: hex string, 32-128 characters
const (
	StoreIDMinLen = 32
	StoreIDMaxLen = 128
)
