// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"crypto/rand"

	"github.com/yz-social/yznet/pkg/yzid"
)

// randomIDInRange returns a uniformly random ID whose first r.PrefixLen
// bits match r.Prefix and whose remaining bits are random, the
// generalization of the teacher's two-byte randomIDInRange to the full
// 160-bit ID space. Used to pick refresh-lookup targets within a stale
// bucket's range (spec.md §4.2).
func randomIDInRange(r bucketRange) yzid.ID {
	var buf [yzid.Length]byte
	_, _ = rand.Read(buf[:])

	id := yzid.ID(buf)
	for i := 0; i < r.PrefixLen; i++ {
		if id.BitAt(i) != r.Prefix.BitAt(i) {
			id = flipBit(id, i, r.Prefix.BitAt(i))
		}
	}
	return id
}

func flipBit(id yzid.ID, i int, value bool) yzid.ID {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	if value {
		id[byteIdx] |= 1 << bitIdx
	} else {
		id[byteIdx] &^= 1 << bitIdx
	}
	return id
}
