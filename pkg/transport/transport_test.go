// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package transport_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/yz-social/yznet/pkg/kademlia"
	"github.com/yz-social/yznet/pkg/transport"
	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
)

func TestDecideTransport(t *testing.T) {
	for _, tt := range []struct {
		name string
		node kademlia.Node
		want string
	}{
		{
			name: "browser peer always uses webrtc",
			node: kademlia.Node{Metadata: kademlia.Metadata{NodeType: kademlia.NodeTypeBrowser, ListeningAddress: "ws://example.com"}},
			want: transport.KindWebRTC,
		},
		{
			name: "nodejs peer with listening address uses websocket",
			node: kademlia.Node{Metadata: kademlia.Metadata{NodeType: kademlia.NodeTypeNodeJS, ListeningAddress: "ws://example.com"}},
			want: transport.KindWebSocket,
		},
		{
			name: "nodejs peer without listening address falls back to webrtc",
			node: kademlia.Node{Metadata: kademlia.Metadata{NodeType: kademlia.NodeTypeNodeJS}},
			want: transport.KindWebRTC,
		},
	} {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := transport.DecideTransport(&tt.node)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPoliteIsDeterminedBySmallerID(t *testing.T) {
	var small, large yzid.ID
	small[0], large[0] = 0x01, 0x02

	assert.True(t, transport.Polite(small, large))
	assert.False(t, transport.Polite(large, small))
}

func TestInboxEnqueueDequeueOrder(t *testing.T) {
	inbox := transport.NewInbox()

	for i := 0; i < 3; i++ {
		ok := inbox.Enqueue(wire.Envelope{Type: wire.TypePing, RequestID: string(rune('a' + i))}, 10, time.Minute)
		assert.True(t, ok)
	}
	assert.Equal(t, 3, inbox.Len())

	for i := 0; i < 3; i++ {
		env, ok := inbox.Dequeue()
		assert.True(t, ok)
		assert.Equal(t, string(rune('a'+i)), env.RequestID)
	}
	_, ok := inbox.Dequeue()
	assert.False(t, ok)
}

func TestInboxRejectsWhenFull(t *testing.T) {
	inbox := transport.NewInbox()
	assert.True(t, inbox.Enqueue(wire.Envelope{Type: wire.TypePing}, 1, time.Minute))
	assert.False(t, inbox.Enqueue(wire.Envelope{Type: wire.TypePing}, 1, time.Minute))
}
