// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package storage defines the minimal key-value contract used by the
// routing table's optional node database, matching the teacher's
// top-level storage package.
package storage

import "github.com/zeebo/errs"

// Error is the class of all storage errors.
var Error = errs.Class("storage")

// ErrKeyNotFound is returned by Get/Delete when the key does not exist.
var ErrKeyNotFound = Error.New("key not found")

// Key is an opaque stored key.
type Key []byte

// Value is an opaque stored value.
type Value []byte

// Keys is a list of keys.
type Keys []Key

// ListItem pairs a key with its stored value, for range listing.
type ListItem struct {
	Key   Key
	Value Value
}

// KeyValueStore is a minimal ordered key-value contract: get, put,
// delete, and an ordered range over all entries. The Kademlia routing
// table's node database (nodeDB) is built on this; the engine's
// LocalStore is a separate in-memory map.
type KeyValueStore interface {
	Put(key Key, value Value) error
	Get(key Key) (Value, error)
	Delete(key Key) error
	List(first Key, limit int) (Keys, error)
	Iterate(first Key, fn func(item ListItem) (more bool, err error)) error
	Close() error
}
