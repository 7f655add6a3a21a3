// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package filestore implements storage.KeyValueStore as one file per key
// in a directory, hex-encoding the key as the filename the same way
// pkg/identity's file key store persists a node's identity. It backs the
// Kademlia routing table's nodeDB for a yznode process that wants its
// routing table to survive a restart without pulling in an embedded
// database engine.
package filestore

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/yz-social/yznet/storage"
)

type client struct {
	dir string
	mu  sync.Mutex
}

// New returns a KeyValueStore backed by files under dir, creating dir if
// it does not already exist.
func New(dir string) (storage.KeyValueStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return &client{dir: dir}, nil
}

func (c *client) path(key storage.Key) string {
	return filepath.Join(c.dir, hex.EncodeToString(key))
}

func (c *client) Put(key storage.Key, value storage.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.WriteFile(c.path(key), value, 0600); err != nil {
		return storage.Error.Wrap(err)
	}
	return nil
}

func (c *client) Get(key storage.Key) (storage.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, err := os.ReadFile(c.path(key))
	if os.IsNotExist(err) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	return v, nil
}

func (c *client) Delete(key storage.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.Remove(c.path(key)); os.IsNotExist(err) {
		return storage.ErrKeyNotFound
	} else if err != nil {
		return storage.Error.Wrap(err)
	}
	return nil
}

func (c *client) entries() (storage.Keys, error) {
	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, storage.Error.Wrap(err)
	}
	var out storage.Keys
	for _, e := range dirEntries {
		if e.IsDir() {
			continue
		}
		decoded, err := hex.DecodeString(e.Name())
		if err != nil {
			continue // not one of ours
		}
		out = append(out, storage.Key(decoded))
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i]) < string(out[j]) })
	return out, nil
}

func (c *client) List(first storage.Key, limit int) (storage.Keys, error) {
	c.mu.Lock()
	all, err := c.entries()
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var out storage.Keys
	for _, k := range all {
		if len(first) > 0 && string(k) < string(first) {
			continue
		}
		out = append(out, k)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *client) Iterate(first storage.Key, fn func(item storage.ListItem) (more bool, err error)) error {
	c.mu.Lock()
	all, err := c.entries()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	for _, k := range all {
		if len(first) > 0 && string(k) < string(first) {
			continue
		}
		v, err := c.Get(k)
		if err == storage.ErrKeyNotFound {
			continue // removed between List and Get
		}
		if err != nil {
			return err
		}
		more, err := fn(storage.ListItem{Key: k, Value: v})
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (c *client) Close() error { return nil }
