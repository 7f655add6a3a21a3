// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

// Package testids builds deterministic yzid.ID values from short strings,
// for readable table-driven routing table tests (mirroring the teacher's
// internal/teststorj helpers).
package testids

import (
	"github.com/yz-social/yznet/pkg/yzid"
)

// FromString deterministically expands s into a full-length ID by
// right-padding its bytes with zeroes, so short literals like "OO" or
// "PO" in table-driven tests produce distinct, comparable IDs.
func FromString(s string) yzid.ID {
	var id yzid.ID
	copy(id[:], s)
	return id
}
