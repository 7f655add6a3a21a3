// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"sync"
	"time"

	"github.com/yz-social/yznet/pkg/dht"
	"github.com/yz-social/yznet/pkg/yzid"
)

// storedEntry is one key's locally held value, mirroring dht.StoredValue
// plus the bookkeeping LocalStore needs for republishing and expiry.
type storedEntry struct {
	value       dht.StoredValue
	lastStoredAt time.Time
}

// LocalStore holds the subset of the DHT's key/value space this node is
// a replica for, per spec.md §3's LocalStore type. Entries are republished
// every Config.RepublishInterval and expire after Config.ExpireInterval of
// no republish, the same two independent timers the teacher's engine runs
// for routing table refresh and self-publish.
type LocalStore struct {
	mu      sync.RWMutex
	entries map[yzid.ID]*storedEntry
}

// NewLocalStore creates an empty local store.
func NewLocalStore() *LocalStore {
	return &LocalStore{entries: make(map[yzid.ID]*storedEntry)}
}

// Put stores value under key, stamping it with now as both the value's
// timestamp and the local republish clock. A store with an older
// timestamp than what's already held is ignored, so replays of a stale
// store RPC can't roll an entry backwards.
func (s *LocalStore) Put(key yzid.ID, value []byte, publisher yzid.ID, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok && existing.value.Timestamp > now.UnixNano() {
		return
	}

	s.entries[key] = &storedEntry{
		value: dht.StoredValue{
			Value:     append([]byte(nil), value...),
			Timestamp: now.UnixNano(),
			Publisher: publisher,
		},
		lastStoredAt: now,
	}
}

// Get returns the value stored under key, if present.
func (s *LocalStore) Get(key yzid.ID) (dht.StoredValue, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	if !ok {
		return dht.StoredValue{}, false
	}
	return e.value, true
}

// CAS atomically replaces the value at key with newValue if and only if
// the value currently stored has version expectedVersion (compared by
// Timestamp), publishing newVersion's timestamp on success. It implements
// the coordinator election primitive from spec.md §5: a single DHT-wide
// compare-and-swap, serialized by this node when it is the key's
// replica handling the request.
func (s *LocalStore) CAS(key yzid.ID, expectedVersion int64, newValue []byte, newVersion int64, publisher yzid.ID) (bool, dht.StoredValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.entries[key]
	var currentVersion int64
	if ok {
		currentVersion = existing.value.Timestamp
	}
	if currentVersion != expectedVersion {
		if ok {
			return false, existing.value
		}
		return false, dht.StoredValue{}
	}

	e := &storedEntry{
		value: dht.StoredValue{
			Value:     append([]byte(nil), newValue...),
			Timestamp: newVersion,
			Publisher: publisher,
		},
		lastStoredAt: time.Now(),
	}
	s.entries[key] = e
	return true, e.value
}

// Delete removes key from the local store, if present.
func (s *LocalStore) Delete(key yzid.ID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Keys returns every key currently held, for republish sweeps.
func (s *LocalStore) Keys() []yzid.ID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]yzid.ID, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// ExpireOlderThan removes every entry whose lastStoredAt precedes cutoff,
// implementing Config.ExpireInterval: an entry this node has not
// republished or received a fresh store for within the expire window is
// dropped, per spec.md §4.2's republish/expire pairing.
func (s *LocalStore) ExpireOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.entries {
		if e.lastStoredAt.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Size returns the number of keys currently held.
func (s *LocalStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
