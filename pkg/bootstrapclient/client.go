// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package bootstrapclient implements the client side of the bootstrap
// signaling contract of spec.md §6: registration, peer discovery, signal
// relay, and detection of the server's version-mismatch rejection, plus
// the VersionsCompatible helper for the version rule. Invitation
// delivery, peer lookup, join and independence announcements are not
// implemented. It follows
// the teacher's dialer idiom (pkg/kademlia.Dialer wraps a transport
// client behind a small, explicit type) applied to a gorilla/websocket
// connection instead of gRPC.
package bootstrapclient

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/kademlia"
	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
)

// Error is the class of all bootstrap client errors.
var Error = errs.Class("bootstrapclient")

// ErrVersionMismatch is returned when the bootstrap server rejects this
// node's protocol version or build id, per spec.md §6.
var ErrVersionMismatch = Error.New("version mismatch with bootstrap server")

// closeCodeVersionMismatch is the WebSocket close code the bootstrap
// server sends for a version_mismatch rejection.
const closeCodeVersionMismatch = 4001

// Client maintains the connection to a bootstrap server: registration,
// peer discovery requests, and relayed signaling envelopes for peers not
// yet reachable any other way.
type Client struct {
	log     *zap.Logger
	conn    *websocket.Conn
	writeMu sync.Mutex

	local           kademlia.Node
	protocolVersion string
	minCompatible   string
	buildID         string

	signalHandler func(ctx context.Context, env wire.Envelope)
}

// Dial connects to the bootstrap server at addr and registers the local
// node, per spec.md §6's register/registered exchange. It returns
// ErrVersionMismatch if the server's close handshake reports an
// incompatible client.
func Dial(ctx context.Context, log *zap.Logger, addr string, local kademlia.Node, protocolVersion, minCompatible, buildID string) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	c := &Client{
		log:             log,
		conn:            conn,
		local:           local,
		protocolVersion: protocolVersion,
		minCompatible:   minCompatible,
		buildID:         buildID,
	}

	if err := c.register(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return c, nil
}

func (c *Client) register(ctx context.Context) error {
	payload := wire.WebsocketConnectionRequestPayload{
		NodeType:         string(c.local.Metadata.NodeType),
		ListeningAddress: c.local.Metadata.ListeningAddress,
		Capabilities:     c.local.Metadata.Capabilities,
		CanRelay:         c.local.Metadata.CanRelay,
		Timestamp:        wire.Now(),
	}
	raw, err := wire.Encode(registerType, "", c.local.ID.Hex(), "", registerPayload{
		WebsocketConnectionRequestPayload: payload,
		ProtocolVersion:                   c.protocolVersion,
		BuildID:                           c.buildID,
	})
	if err != nil {
		return Error.Wrap(err)
	}
	if err := c.send(raw); err != nil {
		return err
	}

	_, resp, err := c.conn.ReadMessage()
	if err != nil {
		if isVersionMismatchClose(err) {
			return ErrVersionMismatch
		}
		return Error.Wrap(err)
	}
	env, err := wire.Decode(resp)
	if err != nil {
		return Error.Wrap(err)
	}
	if env.Type == versionMismatchType {
		return ErrVersionMismatch
	}
	if env.Type != registeredType {
		return Error.New("unexpected response to register: %s", env.Type)
	}
	return nil
}

func isVersionMismatchClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code == closeCodeVersionMismatch
	}
	return false
}

func (c *Client) send(raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

// RequestPeers asks the bootstrap server for up to limit contacts near
// target, per spec.md §6's request_peers/peer_list exchange.
func (c *Client) RequestPeers(ctx context.Context, target yzid.ID, limit int) ([]wire.NodeContact, error) {
	req := wire.PeerDiscoveryRequestPayload{Target: target.Hex(), Limit: limit}
	raw, err := wire.Encode(wire.TypePeerDiscoveryRequest, "", c.local.ID.Hex(), "", req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := c.send(raw); err != nil {
		return nil, Error.Wrap(err)
	}

	_, resp, err := c.conn.ReadMessage()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	env, err := wire.Decode(resp)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	var payload wire.PeerDiscoveryResponsePayload
	if err := env.Into(&payload); err != nil {
		return nil, Error.Wrap(err)
	}
	return payload.Nodes, nil
}

// ForwardSignal relays a WebRTC signaling envelope to target through the
// bootstrap server, for use before target is reachable any other way,
// per spec.md §4.3.1's bootstrap signaling mode.
func (c *Client) ForwardSignal(ctx context.Context, env wire.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return Error.Wrap(err)
	}
	return c.send(raw)
}

// OnSignal registers the callback invoked for every relayed signaling
// envelope addressed to the local node. Run must be called to actually
// pump inbound messages into it.
func (c *Client) OnSignal(handler func(ctx context.Context, env wire.Envelope)) {
	c.signalHandler = handler
}

// Run reads from the bootstrap connection until ctx is cancelled or the
// connection closes, dispatching relayed signaling envelopes to the
// registered handler.
func (c *Client) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return Error.Wrap(err)
		}
		env, err := wire.Decode(raw)
		if err != nil {
			c.log.Debug("bootstrap: undecodable message", zap.Error(err))
			continue
		}
		switch env.Type {
		case wire.TypeWebRTCOffer, wire.TypeWebRTCAnswer, wire.TypeWebRTCICE:
			if c.signalHandler != nil {
				c.signalHandler(ctx, env)
			}
		default:
			c.log.Debug("bootstrap: unhandled message type", zap.String("type", string(env.Type)))
		}
	}
}

// Close closes the connection to the bootstrap server.
func (c *Client) Close() error { return c.conn.Close() }

// registerType/registeredType/versionMismatchType are the bootstrap-only
// message types of spec.md §6, distinct from the peer-to-peer types in
// pkg/wire since they are exchanged only with the bootstrap server.
const (
	registerType        wire.Type = "register"
	registeredType      wire.Type = "registered"
	versionMismatchType wire.Type = "version_mismatch"
)

// registerPayload extends the standard connection-request payload with
// the version fields the bootstrap server's compatibility check needs,
// per spec.md §9's version-check rule: major.minor must match, the
// client version must be >= MinCompatible, and buildId is only compared
// between two nodejs peers.
type registerPayload struct {
	wire.WebsocketConnectionRequestPayload
	ProtocolVersion string `json:"protocolVersion"`
	BuildID         string `json:"buildId"`
}

// VersionsCompatible implements spec.md §9's resolution of the semver
// compatibility check: major and minor components must match exactly,
// and the client's version must be lexicographically >= minCompatible
// when compared component-wise.
func VersionsCompatible(clientVersion, serverVersion, minCompatible string) bool {
	cMajor, cMinor, _ := parseSemver(clientVersion)
	sMajor, sMinor, _ := parseSemver(serverVersion)
	if cMajor != sMajor || cMinor != sMinor {
		return false
	}
	return compareSemver(clientVersion, minCompatible) >= 0
}

func parseSemver(v string) (major, minor, patch int) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) > 0 {
		major, _ = strconv.Atoi(parts[0])
	}
	if len(parts) > 1 {
		minor, _ = strconv.Atoi(parts[1])
	}
	if len(parts) > 2 {
		patch, _ = strconv.Atoi(parts[2])
	}
	return major, minor, patch
}

func compareSemver(a, b string) int {
	aMaj, aMin, aPatch := parseSemver(a)
	bMaj, bMin, bPatch := parseSemver(b)
	if aMaj != bMaj {
		return aMaj - bMaj
	}
	if aMin != bMin {
		return aMin - bMin
	}
	return aPatch - bPatch
}
