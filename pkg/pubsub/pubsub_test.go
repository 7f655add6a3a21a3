// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package pubsub_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/yz-social/yznet/pkg/dht"
	"github.com/yz-social/yznet/pkg/identity"
	"github.com/yz-social/yznet/pkg/pubsub"
	"github.com/yz-social/yznet/pkg/yzid"
)

type fakeDHT struct {
	local yzid.ID

	mu      sync.Mutex
	entries map[string]dht.StoredValue
}

func newFakeDHT(local yzid.ID) *fakeDHT {
	return &fakeDHT{local: local, entries: make(map[string]dht.StoredValue)}
}

func (d *fakeDHT) Store(ctx context.Context, key string, value []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[key] = dht.StoredValue{Value: value, Timestamp: time.Now().UnixNano(), Publisher: d.local}
	return nil
}

func (d *fakeDHT) Get(ctx context.Context, key string) (dht.StoredValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.entries[key]
	if !ok {
		return dht.StoredValue{}, dht.ErrNotFound
	}
	return v, nil
}

func (d *fakeDHT) CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (bool, dht.StoredValue, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	current, ok := d.entries[key]
	if ok && current.Timestamp != expectedVersion {
		return false, current, nil
	}
	d.entries[key] = dht.StoredValue{Value: newValue, Timestamp: newVersion, Publisher: d.local}
	return true, d.entries[key], nil
}

func (d *fakeDHT) Local() yzid.ID { return d.local }

type fakeKeyLookup struct {
	keys map[yzid.ID]ed25519.PublicKey
}

func (l *fakeKeyLookup) LookupPublicKey(ctx context.Context, id yzid.ID) (ed25519.PublicKey, error) {
	k, ok := l.keys[id]
	if !ok {
		return nil, dht.ErrNotFound
	}
	return k, nil
}

func newTestService(t *testing.T, nodeID yzid.ID, d *fakeDHT, keys *fakeKeyLookup, kp identity.KeyPair) *pubsub.Service {
	t.Helper()
	return pubsub.NewService(zaptest.NewLogger(t), d, keys, kp, nodeID, 10, 100*time.Millisecond, time.Second)
}

func TestElectCoordinatorIsSticky(t *testing.T) {
	nodeA := yzid.FromKey("node-a")
	nodeB := yzid.FromKey("node-b")
	d := newFakeDHT(nodeA)
	keys := &fakeKeyLookup{keys: make(map[yzid.ID]ed25519.PublicKey)}

	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	svcA := newTestService(t, nodeA, d, keys, kpA)
	svcB := newTestService(t, nodeB, d, keys, kpB)

	ok, err := svcA.ElectCoordinator(context.Background(), "topic-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svcB.ElectCoordinator(context.Background(), "topic-1")
	require.NoError(t, err)
	assert.False(t, ok, "a second node must not be able to usurp an active coordinator")

	isCoordA, err := svcA.IsCoordinator(context.Background(), "topic-1")
	require.NoError(t, err)
	assert.True(t, isCoordA)
}

func TestPublishAndFetchVerifiesSignature(t *testing.T) {
	nodeID := yzid.FromKey("publisher")
	d := newFakeDHT(nodeID)
	keys := &fakeKeyLookup{keys: make(map[yzid.ID]ed25519.PublicKey)}

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	keys.keys[nodeID] = kp.Public

	svc := newTestService(t, nodeID, d, keys, kp)

	ok, err := svc.ElectCoordinator(context.Background(), "topic-2")
	require.NoError(t, err)
	require.True(t, ok)

	seq, err := svc.Publish(context.Background(), "topic-2", []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq, "the first published message must be seq 0")

	msg, err := svc.Fetch(context.Background(), "topic-2", seq)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), msg.Data)
	assert.Equal(t, nodeID.Hex(), msg.PublisherID)

	head, err := svc.Head(context.Background(), "topic-2")
	require.NoError(t, err)
	assert.Equal(t, int64(0), head)
}

func TestPublishRejectsNonCoordinator(t *testing.T) {
	nodeA := yzid.FromKey("node-c")
	nodeB := yzid.FromKey("node-d")
	d := newFakeDHT(nodeA)
	keys := &fakeKeyLookup{keys: make(map[yzid.ID]ed25519.PublicKey)}

	kpA, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	kpB, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	svcA := newTestService(t, nodeA, d, keys, kpA)
	svcB := newTestService(t, nodeB, d, keys, kpB)

	_, err = svcA.ElectCoordinator(context.Background(), "topic-3")
	require.NoError(t, err)

	_, err = svcB.Publish(context.Background(), "topic-3", []byte("nope"))
	assert.Error(t, err)
}

func TestReplayReturnsMessagesInOrder(t *testing.T) {
	nodeID := yzid.FromKey("replay-node")
	d := newFakeDHT(nodeID)
	keys := &fakeKeyLookup{keys: make(map[yzid.ID]ed25519.PublicKey)}

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	keys.keys[nodeID] = kp.Public

	svc := newTestService(t, nodeID, d, keys, kp)
	_, err = svc.ElectCoordinator(context.Background(), "topic-4")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Publish(context.Background(), "topic-4", []byte{byte(i)})
		require.NoError(t, err)
	}

	msgs, err := svc.Replay(context.Background(), "topic-4", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, msg := range msgs {
		assert.Equal(t, int64(i), msg.Seq, "sequence numbers must start at 0")
		assert.Equal(t, []byte{byte(i)}, msg.Data)
	}
}
