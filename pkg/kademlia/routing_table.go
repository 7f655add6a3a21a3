// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/yzid"
	"github.com/yz-social/yznet/storage"
)

// RoutingErr is the class for all routing-table errors, mirroring the
// teacher's RoutingErr in pkg/kademlia/kademlia.go.
var RoutingErr = errs.Class("routing table error")

// RoutingTable is a prefix-trie of k-buckets keyed by XOR distance from
// the local node ID, per spec.md §3. Only the bucket containing the
// local ID may split when full; every other bucket stays capped and
// rejects new entries when full (spec.md §3's specified reject-on-full
// behavior; see DESIGN.md for the standard probe-on-full alternative the
// spec leaves as an open implementation choice).
type RoutingTable struct {
	log     *zap.Logger
	self    Node
	k       int
	nodeDB  storage.KeyValueStore
	mu      sync.Mutex
	buckets []*kbucket
}

// persistedNode is the JSON form of a routing entry kept in nodeDB, the
// on-disk node database the teacher's bootstrap and storage node peers
// pass to kademlia.NewRoutingTable as ndb. It carries only what's needed
// to reconstruct a contactable Node across a restart; liveness bookkeeping
// (RTT samples, failure counts) is rebuilt from scratch on rejoin.
type persistedNode struct {
	ID       yzid.ID
	Endpoint string
	Metadata Metadata
}

// NewRoutingTable creates a routing table for local, with bucket
// capacity k (spec.md default 20). nodeDB, if non-nil, is used to persist
// routing entries across restarts; pass nil to keep the table in-memory
// only.
func NewRoutingTable(log *zap.Logger, local Node, k int, nodeDB storage.KeyValueStore) *RoutingTable {
	root := newKBucket(bucketRange{})
	return &RoutingTable{
		log:     log,
		self:    local,
		k:       k,
		nodeDB:  nodeDB,
		buckets: []*kbucket{root},
	}
}

// LoadPersisted repopulates the table from nodeDB, for a node rejoining
// after a restart. It is a no-op if the table was built without a nodeDB.
func (rt *RoutingTable) LoadPersisted() error {
	if rt.nodeDB == nil {
		return nil
	}
	return rt.nodeDB.Iterate(nil, func(item storage.ListItem) (bool, error) {
		var pn persistedNode
		if err := json.Unmarshal(item.Value, &pn); err != nil {
			rt.log.Warn("discarding unreadable persisted routing entry", zap.Error(err))
			return true, nil
		}
		if _, err := rt.Add(&Node{ID: pn.ID, Endpoint: pn.Endpoint, Metadata: pn.Metadata, LastSeen: time.Now()}); err != nil {
			return false, err
		}
		return true, nil
	})
}

// persist writes node's contactable fields to nodeDB, logging rather than
// failing the caller on error: a persistence hiccup should never block
// routing table maintenance.
func (rt *RoutingTable) persist(node *Node) {
	if rt.nodeDB == nil {
		return
	}
	raw, err := json.Marshal(persistedNode{ID: node.ID, Endpoint: node.Endpoint, Metadata: node.Metadata})
	if err != nil {
		rt.log.Warn("failed to encode routing entry for persistence", zap.Error(err))
		return
	}
	if err := rt.nodeDB.Put(storage.Key(node.ID.Hex()), raw); err != nil {
		rt.log.Warn("failed to persist routing entry", zap.Error(err))
	}
}

// forget removes id from nodeDB, best-effort.
func (rt *RoutingTable) forget(id yzid.ID) {
	if rt.nodeDB == nil {
		return
	}
	if err := rt.nodeDB.Delete(storage.Key(id.Hex())); err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		rt.log.Warn("failed to remove persisted routing entry", zap.Error(err))
	}
}

// Local returns the local node.
func (rt *RoutingTable) Local() Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.self
}

// K returns the bucket capacity.
func (rt *RoutingTable) K() int { return rt.k }

func (rt *RoutingTable) bucketFor(id yzid.ID) *kbucket {
	for _, b := range rt.buckets {
		if b.rangeOf.contains(id) {
			return b
		}
	}
	// unreachable: the root bucket (PrefixLen 0) always matches.
	return nil
}

// Add inserts or refreshes node in the routing table. It returns whether
// the node is now present. Adding the local node's own ID is a no-op
// returning false.
func (rt *RoutingTable) Add(node *Node) (bool, error) {
	if node.ID.Equal(rt.Local().ID) {
		return false, nil
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	b := rt.bucketFor(node.ID)
	if b.touch(node.ID) {
		b.lastActivity = time.Now()
		return true, nil
	}

	for b.full(rt.k) {
		if !rt.splittable(b) {
			// Reject-on-full per spec.md §3: the bucket is at capacity
			// and is not eligible to split, so the new entry is
			// dropped. The least-recently-seen entry is retained
			// without a liveness probe, matching the spec's stated
			// current behavior rather than the standard probe-on-full
			// rule.
			return false, nil
		}
		rt.split(b)
		b = rt.bucketFor(node.ID)
	}

	if node.LastSeen.IsZero() {
		node.LastSeen = time.Now()
	}
	b.insertFront(node)
	b.lastActivity = time.Now()
	rt.persist(node)
	return true, nil
}

// splittable reports whether b may split: it must contain the local ID
// and not yet be at full 160-bit depth.
func (rt *RoutingTable) splittable(b *kbucket) bool {
	return b.rangeOf.contains(rt.self.ID) && b.rangeOf.PrefixLen < yzid.Bits
}

// split replaces b with its two children, redistributing its entries.
// Caller holds rt.mu.
func (rt *RoutingTable) split(b *kbucket) {
	zeroRange, oneRange := b.rangeOf.children()
	zeroBucket := newKBucket(zeroRange)
	oneBucket := newKBucket(oneRange)
	zeroBucket.lastActivity = b.lastActivity
	oneBucket.lastActivity = b.lastActivity

	for _, n := range b.entries {
		if zeroRange.contains(n.ID) {
			zeroBucket.entries = append(zeroBucket.entries, n)
		} else {
			oneBucket.entries = append(oneBucket.entries, n)
		}
	}

	out := make([]*kbucket, 0, len(rt.buckets)+1)
	for _, existing := range rt.buckets {
		if existing == b {
			out = append(out, zeroBucket, oneBucket)
			continue
		}
		out = append(out, existing)
	}
	rt.buckets = out
}

// Remove deletes id from the routing table, if present.
func (rt *RoutingTable) Remove(id yzid.ID) bool {
	rt.mu.Lock()
	b := rt.bucketFor(id)
	removed := b.remove(id)
	rt.mu.Unlock()
	if removed {
		rt.forget(id)
	}
	return removed
}

// Get returns the routing entry for id, if present.
func (rt *RoutingTable) Get(id yzid.ID) (*Node, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.bucketFor(id)
	i := b.indexOf(id)
	if i < 0 {
		return nil, false
	}
	return b.entries[i], true
}

// FindNear returns up to limit routing entries closest to target by XOR
// distance, sorted by increasing distance with NodeID tie-break, never
// including the local node itself, per spec.md §4.2 and §8's boundary
// behavior ("a find_node with target equal to the local NodeID returns
// the k closest OTHER peers, never the local node").
func (rt *RoutingTable) FindNear(target yzid.ID, limit int) []*Node {
	rt.mu.Lock()
	all := make([]*Node, 0)
	for _, b := range rt.buckets {
		all = append(all, b.entries...)
	}
	local := rt.self.ID
	rt.mu.Unlock()

	filtered := all[:0]
	for _, n := range all {
		if n.ID.Equal(local) {
			continue
		}
		filtered = append(filtered, n)
	}

	less := yzid.ByDistanceTo(target)
	sort.Slice(filtered, func(i, j int) bool {
		return less(filtered[i].ID, filtered[j].ID)
	})

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// AllNodes returns every routing entry, unsorted, across all buckets.
func (rt *RoutingTable) AllNodes() []*Node {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	all := make([]*Node, 0)
	for _, b := range rt.buckets {
		all = append(all, b.entries...)
	}
	return all
}

// BucketIDs returns an opaque identifier for each bucket currently in the
// table, for use with BucketLastActivity/RandomIDInBucket.
func (rt *RoutingTable) BucketIDs() []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	ids := make([]string, 0, len(rt.buckets))
	for _, b := range rt.buckets {
		ids = append(ids, b.rangeOf.id())
	}
	return ids
}

// BucketLastActivity returns the lastActivity timestamp of the bucket
// identified by bucketID (as returned from BucketIDs), and whether it was
// found.
func (rt *RoutingTable) BucketLastActivity(bucketID string) (time.Time, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, b := range rt.buckets {
		if b.rangeOf.id() == bucketID {
			return b.lastActivity, true
		}
	}
	return time.Time{}, false
}

// SetBucketActivity stamps the bucket covering id with the current time,
// used after any lookup that touches it (spec.md §5's per-bucket
// ordering guarantee).
func (rt *RoutingTable) SetBucketActivity(id yzid.ID, when time.Time) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	b := rt.bucketFor(id)
	b.lastActivity = when
}

// RandomIDInBucket returns a random ID within the range covered by the
// bucket identified by bucketID, for stale-bucket refresh lookups
// (spec.md §4.2).
func (rt *RoutingTable) RandomIDInBucket(bucketID string) (yzid.ID, bool) {
	rt.mu.Lock()
	var target *bucketRange
	for _, b := range rt.buckets {
		if b.rangeOf.id() == bucketID {
			r := b.rangeOf
			target = &r
			break
		}
	}
	rt.mu.Unlock()
	if target == nil {
		return yzid.ID{}, false
	}
	return randomIDInRange(*target), true
}

// Size returns the total number of routing entries across all buckets.
func (rt *RoutingTable) Size() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.entries)
	}
	return n
}

// NumBuckets returns the number of buckets currently in the table.
func (rt *RoutingTable) NumBuckets() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.buckets)
}
