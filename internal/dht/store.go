// Package dht implements the overlay's record store and lookup service.
// Keys are UTF-8 strings in the /dig-* namespaces; every value is a signed
// canonical-CBOR envelope. A key may hold one record per publisher, which is
// how provider-style keys (many nodes announcing the same store) work.
package dht

import (
	"sync"
	"time"

	"github.com/DIG-Network/dig-node/pkg/wire"
)

// storedRecord is one record held locally.
type storedRecord struct {
	envelope *wire.Envelope
	raw      []byte
	expires  time.Time
}

// Store holds local records with per-publisher slots and TTL expiry.
type Store struct {
	mu      sync.RWMutex
	records map[string]map[string]*storedRecord // key -> publisher -> record
	ttl     time.Duration
}

// NewStore creates a record store with the given TTL.
func NewStore(ttl time.Duration) *Store {
	return &Store{
		records: make(map[string]map[string]*storedRecord),
		ttl:     ttl,
	}
}

// Put stores a verified envelope under key, replacing any older record from
// the same publisher. Returns false if a newer record already exists.
func (s *Store) Put(key string, env *wire.Envelope, raw []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	slots, ok := s.records[key]
	if !ok {
		slots = make(map[string]*storedRecord)
		s.records[key] = slots
	}
	if existing, ok := slots[env.From]; ok && existing.envelope.TS >= env.TS {
		return false
	}
	slots[env.From] = &storedRecord{
		envelope: env,
		raw:      raw,
		expires:  time.Now().Add(s.ttl),
	}
	return true
}

// Get returns the unexpired raw envelopes stored under key, one per
// publisher (the newest that publisher stored); the order across publishers
// is not defined.
func (s *Store) Get(key string) [][]byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	slots := s.records[key]
	if len(slots) == 0 {
		return nil
	}
	now := time.Now()
	out := make([][]byte, 0, len(slots))
	for _, r := range slots {
		if r.expires.After(now) {
			out = append(out, r.raw)
		}
	}
	return out
}

// Delete removes the record published by from under key. An empty publisher
// removes the whole key. Used when a queued relay signal has been consumed.
func (s *Store) Delete(key, from string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if from == "" {
		delete(s.records, key)
		return
	}
	if slots, ok := s.records[key]; ok {
		delete(slots, from)
		if len(slots) == 0 {
			delete(s.records, key)
		}
	}
}

// Expire drops all records past their TTL and returns how many were dropped.
func (s *Store) Expire() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	dropped := 0
	for key, slots := range s.records {
		for from, r := range slots {
			if !r.expires.After(now) {
				delete(slots, from)
				dropped++
			}
		}
		if len(slots) == 0 {
			delete(s.records, key)
		}
	}
	return dropped
}

// Len returns the number of live records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, slots := range s.records {
		n += len(slots)
	}
	return n
}
