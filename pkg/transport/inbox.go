// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"sync"
	"time"

	"github.com/yz-social/yznet/pkg/wire"
)

// inboxEntry pairs a queued envelope with its arrival time, so stale
// entries can be dropped per Config.MessageTimeout.
type inboxEntry struct {
	env       wire.Envelope
	arrivedAt time.Time
}

// Inbox is a bounded, strictly ordered FIFO queue of inbound envelopes
// from a single peer, per spec.md §4.3.7: messages from one peer are
// processed in arrival order, and the queue is capped at
// Config.MaxQueueSize with entries older than Config.MessageTimeout
// dropped rather than processed.
type Inbox struct {
	mu      sync.Mutex
	entries []inboxEntry
}

// NewInbox creates an empty inbox.
func NewInbox() *Inbox { return &Inbox{} }

// Enqueue appends env if the inbox has room, first evicting any entries
// older than timeout. It reports whether the envelope was accepted.
func (ib *Inbox) Enqueue(env wire.Envelope, maxSize int, timeout time.Duration) bool {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	ib.evictLocked(timeout)
	if len(ib.entries) >= maxSize {
		return false
	}
	ib.entries = append(ib.entries, inboxEntry{env: env, arrivedAt: time.Now()})
	return true
}

// Dequeue removes and returns the oldest entry, if any.
func (ib *Inbox) Dequeue() (wire.Envelope, bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	if len(ib.entries) == 0 {
		return wire.Envelope{}, false
	}
	next := ib.entries[0]
	ib.entries = ib.entries[1:]
	return next.env, true
}

func (ib *Inbox) evictLocked(timeout time.Duration) {
	cutoff := time.Now().Add(-timeout)
	i := 0
	for i < len(ib.entries) && ib.entries[i].arrivedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		ib.entries = ib.entries[i:]
	}
}

// Len returns the number of entries currently queued.
func (ib *Inbox) Len() int {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	return len(ib.entries)
}

// dedupCache suppresses re-processing of a message key seen within the
// configured TTL, per spec.md §4.3.7's message deduplication requirement
// (messages can arrive twice over overlapping signaling paths).
type dedupCache struct {
	ttl time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedupCache(ttl time.Duration) *dedupCache {
	return &dedupCache{ttl: ttl, seen: make(map[string]time.Time)}
}

// admit reports whether key has not been seen within the TTL, recording
// it as seen if so.
func (c *dedupCache) admit(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for k, t := range c.seen {
		if now.Sub(t) > c.ttl {
			delete(c.seen, k)
		}
	}

	if last, ok := c.seen[key]; ok && now.Sub(last) <= c.ttl {
		return false
	}
	c.seen[key] = now
	return true
}
