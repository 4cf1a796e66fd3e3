package dht

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"
)

// keyDigest hashes an arbitrary key or peer id into the 256-bit metric
// space the closeness ordering lives in.
func keyDigest(s string) [32]byte {
	return blake3.Sum256([]byte(s))
}

// distance is the XOR metric between two digests.
func distance(a, b [32]byte) [32]byte {
	var d [32]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// less compares two distances as big-endian integers.
func less(a, b [32]byte) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// ClosestPeers orders peers by XOR distance to key and returns up to n.
// The candidate population is the set of connected overlay peers, so a full
// k-bucket table is unnecessary; a sort over the live set gives the same
// ordering.
func ClosestPeers(key string, peers []string, n int) []string {
	if n <= 0 || len(peers) == 0 {
		return nil
	}
	target := keyDigest(key)

	type scored struct {
		peerID string
		dist   [32]byte
	}
	ranked := make([]scored, 0, len(peers))
	for _, p := range peers {
		ranked = append(ranked, scored{peerID: p, dist: distance(target, keyDigest(p))})
	}
	sort.Slice(ranked, func(i, j int) bool {
		return less(ranked[i].dist, ranked[j].dist)
	})

	if n > len(ranked) {
		n = len(ranked)
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = ranked[i].peerID
	}
	return out
}

// DigestHex renders a key digest for logging.
func DigestHex(s string) string {
	d := keyDigest(s)
	return hex.EncodeToString(d[:8])
}
