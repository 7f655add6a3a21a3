// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRootCommandRegistersFlags(t *testing.T) {
	root := newRootCommand()

	for _, name := range []string{"bootstrap", "listen", "identity-file", "routing-db", "k", "alpha", "batch-size"} {
		assert.NotNilf(t, root.Flags().Lookup(name), "expected flag %q to be registered", name)
	}
}
