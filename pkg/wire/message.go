// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package wire defines the peer-to-peer JSON wire format of spec.md §6: a
// tagged union of message types dispatched through an exhaustive switch,
// per spec.md §9's "dynamic message dispatch" re-architecture guidance,
// rather than string-keyed reflection.
package wire

import (
	"encoding/json"
	"time"

	"github.com/zeebo/errs"
)

// Error is the class of all wire encode/decode errors.
var Error = errs.Class("wire")

// Type discriminates the payload carried by an Envelope.
type Type string

// The full set of peer-to-peer message types named in spec.md §6.
const (
	TypePing    Type = "ping"
	TypePong    Type = "pong"
	TypeFindNode        Type = "find_node"
	TypeFindNodeResp     Type = "find_node_response"
	TypeFindValue        Type = "find_value"
	TypeFindValueResp    Type = "find_value_response"
	TypeStore            Type = "store"
	TypeStoreResp        Type = "store_response"
	TypeCASCoordinator     Type = "cas_coordinator"
	TypeCASCoordinatorResp Type = "cas_coordinator_response"

	TypeWebRTCOffer               Type = "webrtc_offer"
	TypeWebRTCAnswer              Type = "webrtc_answer"
	TypeWebRTCICE                 Type = "webrtc_ice"
	TypeWebsocketConnRequest      Type = "websocket_connection_request"
	TypeWebsocketConnResponse     Type = "websocket_connection_response"
	TypePeerDiscoveryRequest      Type = "peer_discovery_request"
	TypePeerDiscoveryResponse     Type = "peer_discovery_response"

	TypePublish        Type = "publish"
	TypePublishAck     Type = "publish_ack"
	TypeSubscribe      Type = "subscribe"
	TypeSubscribeAck   Type = "subscribe_ack"
	TypeCoordinatorClaim Type = "coordinator_claim"
	TypeHeadUpdate       Type = "head_update"
)

// Envelope is the common header every peer-to-peer message carries,
// matching spec.md §6: "Message envelopes carry at minimum
// {type, requestId?, senderPeer, targetPeer?, timestamp}".
type Envelope struct {
	Type      Type            `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Sender    string          `json:"senderPeer"`
	Target    string          `json:"targetPeer,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Now stamps an envelope's Timestamp as Unix milliseconds, the module's
// single allowed on-the-wire time representation.
func Now() int64 { return time.Now().UnixMilli() }

// Encode marshals v as the Payload of an Envelope with the given header
// fields.
func Encode(t Type, requestID, sender, target string, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	env := Envelope{
		Type:      t,
		RequestID: requestID,
		Sender:    sender,
		Target:    target,
		Timestamp: Now(),
		Payload:   payload,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return out, nil
}

// Decode parses the envelope header from raw bytes. Callers further
// unmarshal env.Payload into the concrete type matching env.Type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, Error.Wrap(err)
	}
	return env, nil
}

// Into unmarshals env's payload into v.
func (env Envelope) Into(v interface{}) error {
	if len(env.Payload) == 0 {
		return Error.New("empty payload for type %s", env.Type)
	}
	if err := json.Unmarshal(env.Payload, v); err != nil {
		return Error.Wrap(err)
	}
	return nil
}
