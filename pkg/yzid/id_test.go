// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

package yzid_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yz-social/yznet/pkg/yzid"
)

func mustID(t *testing.T, hex string) yzid.ID {
	t.Helper()
	// pad to full length with trailing zero bytes expressed as hex.
	for len(hex) < yzid.Length*2 {
		hex += "0"
	}
	id, err := yzid.FromHex(hex)
	require.NoError(t, err)
	return id
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	a := mustID(t, "aa")
	b := mustID(t, "bb")

	assert.Equal(t, a.Distance(b), b.Distance(a))
	assert.Equal(t, yzid.Distance{}, a.Distance(a))
}

func TestHexRoundTrip(t *testing.T) {
	id, err := yzid.NewRandom()
	require.NoError(t, err)

	parsed, err := yzid.FromHex(id.Hex())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestLeadingZeroBits(t *testing.T) {
	cases := []struct {
		hex  string
		want int
	}{
		{"00", yzid.Bits},
		{"80", 0},
		{"40", 1},
		{"01", 7},
	}
	for _, c := range cases {
		id := mustID(t, c.hex)
		assert.Equal(t, c.want, id.LeadingZeroBits(), "hex=%s", c.hex)
	}
}

func TestBitAt(t *testing.T) {
	id := mustID(t, "80")
	assert.True(t, id.BitAt(0))
	assert.False(t, id.BitAt(1))
}

func TestFromKeyDeterministic(t *testing.T) {
	a := yzid.FromKey("hello")
	b := yzid.FromKey("hello")
	c := yzid.FromKey("world")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestByDistanceToSortsByDistance(t *testing.T) {
	target := mustID(t, "00")
	ids := []yzid.ID{
		mustID(t, "ff"),
		mustID(t, "01"),
		mustID(t, "80"),
	}
	sort.Slice(ids, func(i, j int) bool {
		return yzid.ByDistanceTo(target)(ids[i], ids[j])
	})
	assert.Equal(t, mustID(t, "01"), ids[0])
	assert.Equal(t, mustID(t, "80"), ids[1])
	assert.Equal(t, mustID(t, "ff"), ids[2])
}

func TestFromBytesRejectsWrongLength(t *testing.T) {
	_, err := yzid.FromBytes([]byte{1, 2, 3})
	require.Error(t, err)
}
