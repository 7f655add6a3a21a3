// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package dht defines the narrow capability surface the Kademlia engine
// exposes to the identity/token service and the pub/sub layer, so those
// packages depend on an interface instead of importing pkg/kademlia
// directly. The doc comment on the teacher's Kademlia type already frames
// it this way: "Kademlia is an implementation of kademlia adhering to the
// DHT interface."
package dht

import (
	"context"

	"github.com/zeebo/errs"

	"github.com/yz-social/yznet/pkg/yzid"
)

// Error is the class of all DHT-surface errors.
var Error = errs.Class("dht")

// StoredValue is a value returned from Get, alongside its bookkeeping.
type StoredValue struct {
	Value     []byte
	Timestamp int64
	Publisher yzid.ID
}

// DHT is the capability surface consumed outside pkg/kademlia.
type DHT interface {
	// Store replicates value under key to the closest connected peers,
	// per spec.md §4.2's store operation.
	Store(ctx context.Context, key string, value []byte) error

	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key string) (StoredValue, error)

	// CAS performs a compare-and-swap store: it succeeds only if the
	// version currently stored under key equals expectedVersion (a
	// missing key has version 0); on conflict it returns the current
	// value and
	// ok=false. This is the CAS RPC added to the protocol to resolve
	// spec.md §9's open question about coordinator election semantics.
	CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (ok bool, current StoredValue, err error)

	// Local returns the local node's own ID.
	Local() yzid.ID
}

// ErrNotFound is returned by Get when no replica answers with a value.
var ErrNotFound = Error.New("value not found")
