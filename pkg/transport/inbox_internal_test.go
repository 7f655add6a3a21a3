// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCacheAdmitsOnceWithinTTL(t *testing.T) {
	c := newDedupCache(time.Minute)

	assert.True(t, c.admit("key-1"))
	assert.False(t, c.admit("key-1"), "second admit within ttl must be rejected")
	assert.True(t, c.admit("key-2"), "a distinct key is unaffected")
}

func TestDedupCacheReadmitsAfterTTL(t *testing.T) {
	c := newDedupCache(time.Millisecond)

	assert.True(t, c.admit("key-1"))
	time.Sleep(5 * time.Millisecond)
	assert.True(t, c.admit("key-1"), "expired entries must be evicted and readmitted")
}
