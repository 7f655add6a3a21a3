// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements storage.KeyValueStore in memory, sorted by
// key, for use in routing table tests.
package teststore

import (
	"sort"
	"sync"

	"github.com/yz-social/yznet/storage"
)

type client struct {
	mu     sync.Mutex
	values map[string]storage.Value
	closed bool
}

// New returns an empty in-memory KeyValueStore.
func New() storage.KeyValueStore {
	return &client{values: make(map[string]storage.Value)}
}

func (c *client) Put(key storage.Key, value storage.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return storage.Error.New("closed")
	}
	cp := make(storage.Value, len(value))
	copy(cp, value)
	c.values[string(key)] = cp
	return nil
}

func (c *client) Get(key storage.Key) (storage.Value, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[string(key)]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	cp := make(storage.Value, len(v))
	copy(cp, v)
	return cp, nil
}

func (c *client) Delete(key storage.Key) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[string(key)]; !ok {
		return storage.ErrKeyNotFound
	}
	delete(c.values, string(key))
	return nil
}

func (c *client) sortedKeys() []string {
	keys := make([]string, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (c *client) List(first storage.Key, limit int) (storage.Keys, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out storage.Keys
	for _, k := range c.sortedKeys() {
		if string(first) != "" && k < string(first) {
			continue
		}
		out = append(out, storage.Key(k))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (c *client) Iterate(first storage.Key, fn func(item storage.ListItem) (more bool, err error)) error {
	c.mu.Lock()
	keys := c.sortedKeys()
	c.mu.Unlock()

	for _, k := range keys {
		if string(first) != "" && k < string(first) {
			continue
		}
		c.mu.Lock()
		v, ok := c.values[k]
		c.mu.Unlock()
		if !ok {
			continue
		}
		more, err := fn(storage.ListItem{Key: storage.Key(k), Value: v})
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}
	return nil
}

func (c *client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}
