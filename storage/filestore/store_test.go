// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package filestore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yz-social/yznet/storage"
	"github.com/yz-social/yznet/storage/filestore"
)

func TestPutGetDeleteRoundTrip(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(storage.Key("missing"))
	assert.Equal(t, storage.ErrKeyNotFound, err)

	require.NoError(t, store.Put(storage.Key("a"), storage.Value("one")))
	v, err := store.Get(storage.Key("a"))
	require.NoError(t, err)
	assert.Equal(t, storage.Value("one"), v)

	require.NoError(t, store.Delete(storage.Key("a")))
	_, err = store.Get(storage.Key("a"))
	assert.Equal(t, storage.ErrKeyNotFound, err)

	assert.Equal(t, storage.ErrKeyNotFound, store.Delete(storage.Key("a")))
}

func TestIteratePreservesKeyOrder(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Put(storage.Key("b"), storage.Value("2")))
	require.NoError(t, store.Put(storage.Key("a"), storage.Value("1")))
	require.NoError(t, store.Put(storage.Key("c"), storage.Value("3")))

	var keys []string
	require.NoError(t, store.Iterate(nil, func(item storage.ListItem) (bool, error) {
		keys = append(keys, string(item.Key))
		return true, nil
	}))
	assert.Equal(t, []string{"a", "b", "c"}, keys)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	first, err := filestore.New(dir)
	require.NoError(t, err)
	require.NoError(t, first.Put(storage.Key("persisted"), storage.Value("value")))

	reopened, err := filestore.New(dir)
	require.NoError(t, err)
	v, err := reopened.Get(storage.Key("persisted"))
	require.NoError(t, err)
	assert.Equal(t, storage.Value("value"), v)
}
