// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package kademlia

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yz-social/yznet/internal/testids"
	"github.com/yz-social/yznet/pkg/yzid"
	"github.com/yz-social/yznet/storage/teststore"
)

func newTestRoutingTable(t *testing.T, localID yzid.ID, k int) *RoutingTable {
	t.Helper()
	local := Node{ID: localID}
	return NewRoutingTable(zaptest.NewLogger(t), local, k, nil)
}

func node(id yzid.ID) *Node {
	return &Node{ID: id, LastSeen: time.Now()}
}

// TestAddNodeFillsBucket mirrors the teacher's TestAddNode table shape: a
// small bucket capacity is filled and every addition up to it is
// accepted. Rejection by a full bucket not containing the local ID is
// covered by TestNonLocalBucketRejectsOnFullWithoutSplitting.
func TestAddNodeFillsBucket(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 2)

	// Two entries fill the (single, root) bucket's remaining capacity
	// alongside nothing else -- the local node itself is never stored.
	added, err := rt.Add(node(testids.FromString("PO")))
	require.NoError(t, err)
	assert.True(t, added)

	added, err = rt.Add(node(testids.FromString("NO")))
	require.NoError(t, err)
	assert.True(t, added)

	assert.Equal(t, 2, rt.Size())
}

func TestAddExistingNodeRefreshesInsteadOfDuplicating(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 20)

	id := testids.FromString("PO")
	_, err := rt.Add(node(id))
	require.NoError(t, err)
	_, err = rt.Add(node(id))
	require.NoError(t, err)

	assert.Equal(t, 1, rt.Size())
}

func TestAddLocalNodeIsNoop(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 20)

	added, err := rt.Add(node(local))
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, 0, rt.Size())
}

// TestBucketSplitsWhenLocalIDBucketFills exercises the one case where a
// bucket is allowed to split: it contains the local ID and is full.
func TestBucketSplitsWhenLocalIDBucketFills(t *testing.T) {
	// local ID all-zero bits: every node added below also has its first
	// bit 0 (they differ only in the low bits of the first byte), so they
	// all share the bucket containing the local ID and overflow it to
	// force a split.
	var local yzid.ID // all zero
	rt := newTestRoutingTable(t, local, 2)

	// Both of these share bit 0 == 0 with local, forcing them into the
	// same bucket as local once split away from the opposite subtree.
	a := yzid.ID{}
	a[0] = 0x01
	b := yzid.ID{}
	b[0] = 0x02

	_, err := rt.Add(node(a))
	require.NoError(t, err)
	_, err = rt.Add(node(b))
	require.NoError(t, err)
	assert.Equal(t, 1, rt.NumBuckets())

	// A third entry sharing the local prefix overflows the bucket
	// containing the local ID, which must now split rather than reject.
	c := yzid.ID{}
	c[0] = 0x03
	added, err := rt.Add(node(c))
	require.NoError(t, err)
	assert.True(t, added)
	assert.True(t, rt.NumBuckets() > 1)
	assert.Equal(t, 3, rt.Size())
}

func TestNonLocalBucketRejectsOnFullWithoutSplitting(t *testing.T) {
	var local yzid.ID // all-zero
	rt := newTestRoutingTable(t, local, 1)

	// Force a split so there's a bucket not containing local.
	a := yzid.ID{}
	a[0] = 0x01 // bit0 = 0, shares local's bucket initially
	_, err := rt.Add(node(a))
	require.NoError(t, err)

	far1 := yzid.ID{}
	far1[0] = 0x80 // bit0 = 1, opposite subtree from local
	far2 := yzid.ID{}
	far2[0] = 0xC0 // bit0 = 1 too

	added, err := rt.Add(node(far1))
	require.NoError(t, err)
	assert.True(t, added)

	// far2 lands in the same far bucket (bit0=1) which now has capacity
	// 1 and is full; it does not contain local, so it must reject.
	added, err = rt.Add(node(far2))
	require.NoError(t, err)
	assert.False(t, added)
}

func TestFindNearExcludesLocalAndSortsByDistance(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 20)

	for _, s := range []string{"PO", "NO", "MO", "LO"} {
		_, err := rt.Add(node(testids.FromString(s)))
		require.NoError(t, err)
	}

	near := rt.FindNear(local, 2)
	require.Len(t, near, 2)
	for _, n := range near {
		assert.NotEqual(t, local, n.ID)
	}
	// results must be non-decreasing in distance to local.
	d0 := local.Distance(near[0].ID)
	d1 := local.Distance(near[1].ID)
	assert.True(t, d0.Cmp(d1) <= 0)
}

func TestRemoveDeletesEntry(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 20)
	id := testids.FromString("PO")
	_, err := rt.Add(node(id))
	require.NoError(t, err)

	assert.True(t, rt.Remove(id))
	_, ok := rt.Get(id)
	assert.False(t, ok)
}

func TestSetBucketActivityAndRandomIDInBucket(t *testing.T) {
	local := testids.FromString("OO")
	rt := newTestRoutingTable(t, local, 20)

	ids := rt.BucketIDs()
	require.Len(t, ids, 1)

	rt.SetBucketActivity(local, time.Now())
	ts, ok := rt.BucketLastActivity(ids[0])
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), ts, time.Second)

	randID, ok := rt.RandomIDInBucket(ids[0])
	require.True(t, ok)
	_ = randID // any value is valid since the root bucket covers everything
}

func TestRoutingTableSurvivesRestartViaNodeDB(t *testing.T) {
	local := testids.FromString("OO")
	nodeDB := teststore.New()

	rt := NewRoutingTable(zaptest.NewLogger(t), Node{ID: local}, 20, nodeDB)
	a := node(testids.FromString("PO"))
	a.Endpoint = "ws://peer-a.example"
	_, err := rt.Add(a)
	require.NoError(t, err)

	restarted := NewRoutingTable(zaptest.NewLogger(t), Node{ID: local}, 20, nodeDB)
	require.NoError(t, restarted.LoadPersisted())
	assert.Equal(t, 1, restarted.Size())

	got, ok := restarted.Get(a.ID)
	require.True(t, ok)
	assert.Equal(t, "ws://peer-a.example", got.Endpoint)

	assert.True(t, rt.Remove(a.ID))
	restarted2 := NewRoutingTable(zaptest.NewLogger(t), Node{ID: local}, 20, nodeDB)
	require.NoError(t, restarted2.LoadPersisted())
	assert.Equal(t, 0, restarted2.Size())
}
