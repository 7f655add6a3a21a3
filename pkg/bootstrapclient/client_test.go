// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package bootstrapclient_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/yz-social/yznet/pkg/bootstrapclient"
)

func TestVersionsCompatible(t *testing.T) {
	for _, tt := range []struct {
		name          string
		client        string
		server        string
		minCompatible string
		want          bool
	}{
		{"exact match", "1.2.0", "1.2.0", "1.0.0", true},
		{"client patch ahead", "1.2.5", "1.2.0", "1.0.0", true},
		{"major mismatch", "2.0.0", "1.2.0", "1.0.0", false},
		{"minor mismatch", "1.3.0", "1.2.0", "1.0.0", false},
		{"below min compatible", "1.2.0", "1.2.0", "1.2.1", false},
		{"at min compatible", "1.2.1", "1.2.0", "1.2.1", true},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := bootstrapclient.VersionsCompatible(tt.client, tt.server, tt.minCompatible)
			assert.Equal(t, tt.want, got)
		})
	}
}
