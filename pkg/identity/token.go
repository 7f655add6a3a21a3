// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package identity

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"time"

	"github.com/yz-social/yznet/pkg/dht"
	"github.com/yz-social/yznet/pkg/yzid"
)

// tokenVersion is the token wire-format version signed into every
// invitation and membership token, so a future incompatible field change
// can be detected by verifiers rather than silently misparsed.
const tokenVersion = 1

// membershipTokenType is the fixed Type value of every MembershipToken,
// carried on the wire so a verifier can distinguish it from other signed
// JSON blobs without inspecting field shape.
const membershipTokenType = "membership"

// InvitationToken grants the bearer permission to join the network as a
// member sponsored by Inviter, per spec.md §5.1. It is signed by
// Inviter's private key over its canonical JSON encoding with Signature
// cleared. Nonce is expected to be a 128-bit value, hex-encoded by the
// caller, used once to redeem the invitation and never again.
type InvitationToken struct {
	Inviter   string `json:"inviter"`
	Invitee   string `json:"invitee"`
	Timestamp int64  `json:"timestamp"`
	Expires   int64  `json:"expires"`
	Nonce     string `json:"nonce"`
	Version   int    `json:"version"`
	Signature []byte `json:"signature,omitempty"`
}

// MembershipToken is the credential a node presents to prove network
// membership, per spec.md §5.2. Holder is the node the token certifies;
// Issuer is the node that vouched for it by way of the invitation
// identified by Nonce. A genesis token has IsGenesis set and
// Issuer == Holder: it is self-signed by the network's founding node,
// since no other member yet exists to vouch for it.
type MembershipToken struct {
	Holder    string `json:"holder"`
	Issuer    string `json:"issuer"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	IsGenesis bool   `json:"isGenesis"`
	Nonce     string `json:"nonce"`
	Version   int    `json:"version"`
	Signature []byte `json:"signature,omitempty"`
}

// canonicalize marshals v to JSON with any Signature field already
// zeroed by the caller, giving a deterministic byte string to sign or
// verify. Canonical JSON here means "whatever encoding/json produces for
// a fixed struct with fixed field order", which is stable because Go's
// encoder always emits struct fields in declaration order.
func canonicalize(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// SignInvitation signs an invitation from inviter to invitee, expiring
// after ttl.
func SignInvitation(inviter KeyPair, inviterID, inviteeID yzid.ID, nonce string, now time.Time, ttl time.Duration) (InvitationToken, error) {
	tok := InvitationToken{
		Inviter:   inviterID.Hex(),
		Invitee:   inviteeID.Hex(),
		Timestamp: now.UnixMilli(),
		Expires:   now.Add(ttl).UnixMilli(),
		Nonce:     nonce,
		Version:   tokenVersion,
	}
	raw, err := canonicalize(tok)
	if err != nil {
		return InvitationToken{}, Error.Wrap(err)
	}
	tok.Signature = inviter.Sign(raw)
	return tok, nil
}

// VerifyInvitation checks tok's signature against inviterKey and that it
// has not expired as of now.
func VerifyInvitation(tok InvitationToken, inviterKey ed25519.PublicKey, now time.Time) error {
	if now.UnixMilli() > tok.Expires {
		return Error.New("invitation expired")
	}
	sig := tok.Signature
	tok.Signature = nil
	raw, err := canonicalize(tok)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ed25519.Verify(inviterKey, raw, sig) {
		return Error.New("invalid invitation signature")
	}
	return nil
}

// SignMembership issues a membership token certifying holder, chained to
// the invitation identified by nonce and vouched for by issuer. isGenesis
// must only be true for the network's self-sponsored founding node, in
// which case issuer and holder must be the same ID.
func SignMembership(signer KeyPair, issuerID, holderID yzid.ID, nonce string, now time.Time, isGenesis bool) (MembershipToken, error) {
	tok := MembershipToken{
		Holder:    holderID.Hex(),
		Issuer:    issuerID.Hex(),
		Timestamp: now.UnixMilli(),
		Type:      membershipTokenType,
		IsGenesis: isGenesis,
		Nonce:     nonce,
		Version:   tokenVersion,
	}
	raw, err := canonicalize(tok)
	if err != nil {
		return MembershipToken{}, Error.Wrap(err)
	}
	tok.Signature = signer.Sign(raw)
	return tok, nil
}

// VerifyMembership checks tok's signature against holderKey: a
// membership token is self-attested by the holder, so verifiers check it
// against the same public key the holder publishes for every other
// purpose, then separately confirm the referenced invitation nonce was
// legitimately consumed (see consumedTokenKey) before trusting Issuer.
func VerifyMembership(tok MembershipToken, holderKey ed25519.PublicKey) error {
	sig := tok.Signature
	tok.Signature = nil
	raw, err := canonicalize(tok)
	if err != nil {
		return Error.Wrap(err)
	}
	if !ed25519.Verify(holderKey, raw, sig) {
		return Error.New("invalid membership signature")
	}
	return nil
}

// consumedTokenRecord is the value stored at consumed_token:<nonce>,
// recording who invited whom so a later auditor can trace a membership
// token's chain of trust without needing the original invitation token.
type consumedTokenRecord struct {
	Inviter    string `json:"inviter"`
	Invitee    string `json:"invitee"`
	ConsumedAt int64  `json:"consumedAt"`
}

// consumedTokenKey is the DHT key marking an invitation nonce as spent,
// per spec.md §5.3's replay protection: once a nonce has been consumed to
// mint a membership token, the DHT-wide store of that marker prevents any
// other node from consuming the same invitation again.
func consumedTokenKey(nonce string) string { return "consumed_token:" + nonce }

// publicKeyRecord is the value stored at public_key:<nodeId-hex>.
type publicKeyRecord struct {
	NodeID    string `json:"nodeId"`
	PublicKey []byte `json:"publicKey"`
	Timestamp int64  `json:"timestamp"`
}

// publicKeyKey is the DHT key under which a node publishes its own public
// key, so peers can verify tokens and signed pub/sub messages it sends.
func publicKeyKey(id yzid.ID) string { return "public_key:" + id.Hex() }

// Service ties the token logic above to a live dht.DHT for publishing
// public keys and enforcing replay protection, per spec.md §5.
type Service struct {
	d      dht.DHT
	keys   KeyStore
	local  KeyPair
	nodeID yzid.ID
}

// NewService creates an identity service for the local node. Its public
// key is published to d under its own identity by PublishPublicKey.
func NewService(d dht.DHT, keys KeyStore, local KeyPair, nodeID yzid.ID) *Service {
	return &Service{d: d, keys: keys, local: local, nodeID: nodeID}
}

// PublishPublicKey stores the local node's public key in the DHT, so
// other nodes can later verify tokens and messages it signs.
func (s *Service) PublishPublicKey(ctx context.Context) error {
	rec := publicKeyRecord{
		NodeID:    s.nodeID.Hex(),
		PublicKey: s.local.Public,
		Timestamp: time.Now().UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return Error.Wrap(err)
	}
	return s.d.Store(ctx, publicKeyKey(s.nodeID), raw)
}

// LookupPublicKey retrieves id's published public key.
func (s *Service) LookupPublicKey(ctx context.Context, id yzid.ID) (ed25519.PublicKey, error) {
	v, err := s.d.Get(ctx, publicKeyKey(id))
	if err != nil {
		return nil, err
	}
	var rec publicKeyRecord
	if err := json.Unmarshal(v.Value, &rec); err != nil {
		return nil, Error.Wrap(err)
	}
	return ed25519.PublicKey(rec.PublicKey), nil
}

// IssueInvitation mints and signs an invitation from the local node to
// invitee, valid for ttl.
func (s *Service) IssueInvitation(ctx context.Context, invitee yzid.ID, nonce string, now time.Time, ttl time.Duration) (InvitationToken, error) {
	return SignInvitation(s.local, s.nodeID, invitee, nonce, now, ttl)
}

// RedeemInvitation verifies tok against its inviter's published public
// key, rejects it if its nonce has already been consumed, marks the nonce
// consumed, and mints a membership token self-signed by the local node,
// per spec.md §5.2-§5.3. now is the verification time.
func (s *Service) RedeemInvitation(ctx context.Context, tok InvitationToken, now time.Time) (MembershipToken, error) {
	inviterID, err := yzid.FromHex(tok.Inviter)
	if err != nil {
		return MembershipToken{}, Error.Wrap(err)
	}
	inviterKey, err := s.LookupPublicKey(ctx, inviterID)
	if err != nil {
		return MembershipToken{}, Error.Wrap(err)
	}
	if err := VerifyInvitation(tok, inviterKey, now); err != nil {
		return MembershipToken{}, err
	}

	consumedKey := consumedTokenKey(tok.Nonce)
	if _, err := s.d.Get(ctx, consumedKey); err == nil {
		return MembershipToken{}, Error.New("invitation nonce already consumed")
	} else if !dht.ErrNotFound.Has(err) {
		return MembershipToken{}, Error.Wrap(err)
	}
	rec := consumedTokenRecord{
		Inviter:    tok.Inviter,
		Invitee:    tok.Invitee,
		ConsumedAt: now.UnixMilli(),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return MembershipToken{}, Error.Wrap(err)
	}
	if err := s.d.Store(ctx, consumedKey, raw); err != nil {
		return MembershipToken{}, Error.Wrap(err)
	}

	return SignMembership(s.local, inviterID, s.nodeID, tok.Nonce, now, false)
}

// IsGenesis reports whether tok is the distinguished genesis membership
// token: a self-signed token whose issuer is its own holder, used only
// for the network's first node, per spec.md §5.1's bootstrap case.
func IsGenesis(tok MembershipToken) bool {
	return tok.IsGenesis && tok.Issuer == tok.Holder
}

// MintGenesis creates the self-signed membership token for the network's
// founding node, with no invitation to redeem.
func MintGenesis(local KeyPair, nodeID yzid.ID, now time.Time) (MembershipToken, error) {
	return SignMembership(local, nodeID, nodeID, "", now, true)
}
