// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package kademlia implements the Kademlia DHT engine: routing table
// maintenance, iterative find_node/find_value, replicated store, request
// correlation, and the adaptive refresh/republish/ping background tasks.
// It generalizes the teacher's storj.io/storj/pkg/kademlia engine from a
// gRPC/TLS-identity-keyed routing table to the transport-agnostic,
// 160-bit yzid.ID-keyed routing table specified in spec.md §3-§4.2.
package kademlia

import (
	"time"

	"github.com/yz-social/yznet/pkg/yzid"
)

// NodeType distinguishes browser peers (WebRTC/WS-client only) from
// nodejs peers (may run a WebSocket listener), per spec.md §4.3.
type NodeType string

// The two node types named in spec.md §4.3.
const (
	NodeTypeBrowser NodeType = "browser"
	NodeTypeNodeJS  NodeType = "nodejs"
)

// ConnectionState is the lifecycle state of a routing table entry's
// connection, per spec.md §3.
type ConnectionState int

// The connection states named in spec.md §3.
const (
	StateUnknown ConnectionState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateBackoff
)

func (s ConnectionState) String() string {
	switch s {
	case StateUnknown:
		return "unknown"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateBackoff:
		return "backoff"
	default:
		return "invalid"
	}
}

// Metadata is the per-node metadata carried in a routing table entry, per
// spec.md §3.
type Metadata struct {
	NodeType         NodeType
	ListeningAddress string
	Capabilities     []string
	CanRelay         bool
}

// Node is a peer known to the local node: a routing table entry, per
// spec.md §3's DHTNode type. It generalizes the teacher's pb.Node.
type Node struct {
	ID         yzid.ID
	Endpoint   string
	LastSeen   time.Time
	RTTSamples []time.Duration
	Metadata   Metadata

	ConnectionState ConnectionState
	BackoffUntil    time.Time

	// Temporary marks a routing entry inserted to route a signaling
	// response to a peer not yet in the table (spec.md §4.3.6). The
	// routing table does not act on this flag: nothing in this module
	// sets it or evicts flagged entries after Config.TempRoutingEntryTTL.
	Temporary  bool
	InsertedAt time.Time

	consecutiveFailures int
	lastFindNodeSentAt  time.Time
}

// Clone returns a deep-enough copy of the node for safe external use
// (the RTTSamples slice is copied).
func (n *Node) Clone() *Node {
	cp := *n
	cp.RTTSamples = append([]time.Duration(nil), n.RTTSamples...)
	cp.Metadata.Capabilities = append([]string(nil), n.Metadata.Capabilities...)
	return &cp
}

// AverageRTT returns the mean of the node's recorded round-trip samples,
// or 0 if none have been recorded.
func (n *Node) AverageRTT() time.Duration {
	if len(n.RTTSamples) == 0 {
		return 0
	}
	var total time.Duration
	for _, d := range n.RTTSamples {
		total += d
	}
	return total / time.Duration(len(n.RTTSamples))
}

// RecordRTT appends a round-trip sample, capping the retained history at
// 8 samples so it doesn't grow unbounded.
func (n *Node) RecordRTT(d time.Duration) {
	n.RTTSamples = append(n.RTTSamples, d)
	if len(n.RTTSamples) > 8 {
		n.RTTSamples = n.RTTSamples[len(n.RTTSamples)-8:]
	}
}
