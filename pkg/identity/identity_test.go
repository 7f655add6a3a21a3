// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package identity_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yz-social/yznet/pkg/dht"
	"github.com/yz-social/yznet/pkg/identity"
	"github.com/yz-social/yznet/pkg/yzid"
)

// fakeDHT is a minimal in-memory dht.DHT, enough to exercise the
// identity package's public key publication and replay protection
// without a live Kademlia engine.
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

func TestInvitationAndMembershipRoundTrip(t *testing.T) {
	issuerID := yzid.FromKey("issuer")
	inviteeID := yzid.FromKey("invitee")

	issuerKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	d := newFakeDHT(issuerID)
	issuerSvc := identity.NewService(d, identity.NewMemoryKeyStore(), issuerKeys, issuerID)
	require.NoError(t, issuerSvc.PublishPublicKey(context.Background()))

	now := time.Now()
	tok, err := issuerSvc.IssueInvitation(context.Background(), inviteeID, "nonce-1", now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, issuerID.Hex(), tok.Inviter)
	assert.Equal(t, inviteeID.Hex(), tok.Invitee)

	inviteeKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	inviteeSvc := identity.NewService(d, identity.NewMemoryKeyStore(), inviteeKeys, inviteeID)

	membership, err := inviteeSvc.RedeemInvitation(context.Background(), tok, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, inviteeID.Hex(), membership.Holder)
	assert.Equal(t, issuerID.Hex(), membership.Issuer)
	assert.Equal(t, "nonce-1", membership.Nonce)
	assert.False(t, membership.IsGenesis)

	// The membership token is self-attested by its holder, not the
	// issuer: it is verified against the holder's own published key.
	err = identity.VerifyMembership(membership, inviteeKeys.Public)
	assert.NoError(t, err)
}

func TestRedeemInvitationRejectsReplay(t *testing.T) {
	issuerID := yzid.FromKey("issuer-2")
	inviteeID := yzid.FromKey("invitee-2")

	issuerKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	d := newFakeDHT(issuerID)
	issuerSvc := identity.NewService(d, identity.NewMemoryKeyStore(), issuerKeys, issuerID)
	require.NoError(t, issuerSvc.PublishPublicKey(context.Background()))

	now := time.Now()
	tok, err := issuerSvc.IssueInvitation(context.Background(), inviteeID, "nonce-replay", now, time.Hour)
	require.NoError(t, err)

	inviteeKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	inviteeSvc := identity.NewService(d, identity.NewMemoryKeyStore(), inviteeKeys, inviteeID)

	_, err = inviteeSvc.RedeemInvitation(context.Background(), tok, now)
	require.NoError(t, err)

	_, err = inviteeSvc.RedeemInvitation(context.Background(), tok, now)
	assert.Error(t, err)
}

func TestRedeemInvitationRejectsExpired(t *testing.T) {
	issuerID := yzid.FromKey("issuer-3")
	inviteeID := yzid.FromKey("invitee-3")

	issuerKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	d := newFakeDHT(issuerID)
	issuerSvc := identity.NewService(d, identity.NewMemoryKeyStore(), issuerKeys, issuerID)
	require.NoError(t, issuerSvc.PublishPublicKey(context.Background()))

	now := time.Now()
	tok, err := issuerSvc.IssueInvitation(context.Background(), inviteeID, "nonce-expired", now, time.Millisecond)
	require.NoError(t, err)

	inviteeKeys, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	inviteeSvc := identity.NewService(d, identity.NewMemoryKeyStore(), inviteeKeys, inviteeID)

	_, err = inviteeSvc.RedeemInvitation(context.Background(), tok, now.Add(time.Hour))
	assert.Error(t, err)
}

func TestGenesisMembershipIsSelfSponsored(t *testing.T) {
	genesisID := yzid.FromKey("genesis")
	keys, err := identity.GenerateKeyPair()
	require.NoError(t, err)

	tok, err := identity.MintGenesis(keys, genesisID, time.Now())
	require.NoError(t, err)
	assert.True(t, identity.IsGenesis(tok))
	assert.NoError(t, identity.VerifyMembership(tok, keys.Public))
}

func TestFileKeyStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := identity.NewFileKeyStore(dir)

	_, err := store.Load()
	assert.Error(t, err)

	kp, err := identity.GenerateKeyPair()
	require.NoError(t, err)
	require.NoError(t, store.Save(kp))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded.Public)
	assert.Equal(t, kp.Private, loaded.Private)
}
