// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"time"

	"github.com/yz-social/yznet/pkg/yzid"
)

// bucketRange identifies the subtree of the 160-bit ID space a bucket
// covers: every ID whose first PrefixLen bits equal Prefix's first
// PrefixLen bits. The root bucket has PrefixLen 0 (covers everything);
// splitting a bucket produces two children with PrefixLen+1.
type bucketRange struct {
	PrefixLen int
	Prefix    yzid.ID
}

func (r bucketRange) contains(id yzid.ID) bool {
	for i := 0; i < r.PrefixLen; i++ {
		if id.BitAt(i) != r.Prefix.BitAt(i) {
			return false
		}
	}
	return true
}

// children splits r into its two child ranges at bit r.PrefixLen.
func (r bucketRange) children() (zero, one bucketRange) {
	zero = bucketRange{PrefixLen: r.PrefixLen + 1, Prefix: r.Prefix}
	one = r
	one.PrefixLen = r.PrefixLen + 1
	one.Prefix = setBit(r.Prefix, r.PrefixLen)
	return zero, one
}

func setBit(id yzid.ID, i int) yzid.ID {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	id[byteIdx] |= 1 << bitIdx
	return id
}

// id returns a stable identifier for the bucket range, suitable as a map
// key or for GetBucketIds-style enumeration: the prefix length followed
// by the prefix bytes.
func (r bucketRange) id() string {
	return string([]byte{byte(r.PrefixLen)}) + string(r.Prefix[:])
}

// kbucket is an LRU-ordered list of up to k routing entries
// covering one bucketRange, per spec.md §3's KBucket type. Entries[0] is
// the most recently seen; the end of the slice is the LRU eviction
// candidate.
type kbucket struct {
	rangeOf      bucketRange
	entries      []*Node
	lastActivity time.Time
}

func newKBucket(r bucketRange) *kbucket {
	return &kbucket{rangeOf: r}
}

func (b *kbucket) indexOf(id yzid.ID) int {
	for i, n := range b.entries {
		if n.ID.Equal(id) {
			return i
		}
	}
	return -1
}

func (b *kbucket) touch(id yzid.ID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	n := b.entries[i]
	n.LastSeen = time.Now()
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	b.entries = append([]*Node{n}, b.entries...)
	return true
}

// full reports whether the bucket has no room for a new, not-yet-present
// entry, given capacity k.
func (b *kbucket) full(k int) bool {
	return len(b.entries) >= k
}

// leastRecentlySeen returns the bucket's LRU eviction candidate, i.e. the
// entry at the tail of the list.
func (b *kbucket) leastRecentlySeen() *Node {
	if len(b.entries) == 0 {
		return nil
	}
	return b.entries[len(b.entries)-1]
}

func (b *kbucket) insertFront(n *Node) {
	b.entries = append([]*Node{n}, b.entries...)
}

func (b *kbucket) remove(id yzid.ID) bool {
	i := b.indexOf(id)
	if i < 0 {
		return false
	}
	b.entries = append(b.entries[:i], b.entries[i+1:]...)
	return true
}
