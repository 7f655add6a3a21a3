// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package yzid implements the 160-bit node identifier used for Kademlia
// routing: random identities for peers, and SHA-1 hashed identities for
// content keys.
package yzid

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1" // nolint: gosec -- required by the protocol, not used for security
	"encoding/hex"

	"github.com/zeebo/errs"
)

// Error is the class of all yzid errors.
var Error = errs.Class("yzid")

// Length is the number of bytes in an ID: 160 bits.
const Length = 20

// Bits is the number of bits in an ID.
const Bits = Length * 8

// ID is a 160-bit opaque node or content identifier.
//
// The identifier is the only value on which routing decisions are made;
// endpoints are metadata.
type ID [Length]byte

// Nil is the zero-value ID.
var Nil = ID{}

// NewRandom generates a cryptographically random ID, suitable for a stable
// per-device node identity.
func NewRandom() (ID, error) {
	var id ID
	if _, err := rand.Read(id[:]); err != nil {
		return ID{}, Error.Wrap(err)
	}
	return id, nil
}

// FromKey hashes key with SHA-1 to produce a content ID. Used for store/get
// keys, never for node identity.
func FromKey(key string) ID {
	sum := sha1.Sum([]byte(key)) // nolint: gosec
	return ID(sum)
}

// FromBytes copies b into an ID. It errors if b is not exactly Length bytes.
func FromBytes(b []byte) (ID, error) {
	var id ID
	if len(b) != Length {
		return ID{}, Error.New("invalid id length: %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex parses a hex-encoded ID.
func FromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, Error.Wrap(err)
	}
	return FromBytes(b)
}

// Bytes returns a copy of the ID's bytes.
func (id ID) Bytes() []byte {
	out := make([]byte, Length)
	copy(out, id[:])
	return out
}

// String returns the hex encoding of the ID.
func (id ID) String() string { return id.Hex() }

// Hex returns the hex encoding of the ID.
func (id ID) Hex() string { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the zero ID.
func (id ID) IsZero() bool { return id == Nil }

// Less reports whether id sorts before other by unsigned byte-wise
// comparison. Used to produce a total ordering for tie-breaks (distance
// ties, perfect-negotiation polite/impolite selection).
func (id ID) Less(other ID) bool {
	return bytes.Compare(id[:], other[:]) < 0
}

// Equal reports whether id and other are the same identifier.
func (id ID) Equal(other ID) bool { return id == other }

// Distance returns the Kademlia XOR distance between id and other.
func (id ID) Distance(other ID) Distance {
	var d Distance
	for i := 0; i < Length; i++ {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// Distance is the XOR of two IDs, interpreted as an unsigned big-endian
// integer for ordering purposes.
type Distance [Length]byte

// Less reports whether d is numerically smaller than other.
func (d Distance) Less(other Distance) bool {
	return bytes.Compare(d[:], other[:]) < 0
}

// Cmp compares two distances the way bytes.Compare does: -1, 0, or 1.
func (d Distance) Cmp(other Distance) int {
	return bytes.Compare(d[:], other[:])
}

// Hex returns the hex encoding of the distance.
func (d Distance) Hex() string { return hex.EncodeToString(d[:]) }

// LeadingZeroBits returns the number of leading zero bits in the ID,
// counting from the most significant bit of the first byte. The result is
// in [0, Bits] and matches the position of the first non-zero bit, so an
// all-zero ID reports Bits.
func (id ID) LeadingZeroBits() int {
	count := 0
	for _, b := range id {
		if b == 0 {
			count += 8
			continue
		}
		count += leadingZeros8(b)
		break
	}
	return count
}

func leadingZeros8(b byte) int {
	n := 0
	for mask := byte(0x80); mask != 0; mask >>= 1 {
		if b&mask != 0 {
			break
		}
		n++
	}
	return n
}

// BitAt returns the value of the bit at position i (0 = most significant
// bit of the first byte, Bits-1 = least significant bit of the last byte).
func (id ID) BitAt(i int) bool {
	byteIdx := i / 8
	bitIdx := uint(7 - i%8)
	return id[byteIdx]&(1<<bitIdx) != 0
}

// CommonPrefixLen returns the number of leading bits id and other share,
// equivalent to the distance's leading zero bit count.
func (id ID) CommonPrefixLen(other ID) int {
	return id.Distance(other).LeadingZeroBits()
}

// LeadingZeroBits on a Distance is defined identically to ID's, since both
// are 160-bit big-endian values.
func (d Distance) LeadingZeroBits() int {
	return ID(d).LeadingZeroBits()
}

// ByDistanceTo returns a less-function for sorting a slice of IDs by
// increasing XOR distance to target, tie-broken by ID byte order.
func ByDistanceTo(target ID) func(a, b ID) bool {
	return func(a, b ID) bool {
		da, db := target.Distance(a), target.Distance(b)
		if cmp := da.Cmp(db); cmp != 0 {
			return cmp < 0
		}
		return a.Less(b)
	}
}
