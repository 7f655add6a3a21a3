// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

// Package transport implements the transport-agnostic connection fabric
// of spec.md §4.3: it picks WebRTC or WebSocket per the peer-type
// decision matrix, dials or accepts the chosen transport, and dispatches
// decoded envelopes to a single EnvelopeHandler (the Kademlia engine in
// cmd/yznode). It generalizes the teacher's pkg/transport.Client (a
// single gRPC/TLS dialer) into a fan-out across three concrete
// implementations keyed by the remote peer's NodeType.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/config"
	"github.com/yz-social/yznet/pkg/kademlia"
	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
)

// Error is the class of all transport-fabric errors, mirroring the
// teacher's transport.Error.
var Error = errs.Class("transport")

// Conn is a single established connection to a peer, regardless of
// whether it is backed by a WebRTC data channel or a WebSocket, per
// spec.md §4.3's capability interface.
type Conn interface {
	// Send delivers raw bytes to the peer.
	Send(ctx context.Context, raw []byte) error
	// Close tears down the connection.
	Close() error
	// Kind identifies the concrete transport for logging/metrics.
	Kind() string
}

// EnvelopeHandler processes one decoded inbound envelope from peer and
// returns the raw response to send back, if any.
type EnvelopeHandler interface {
	HandleEnvelope(ctx context.Context, from *kademlia.Node, env wire.Envelope) ([]byte, error)
}

// Dialer establishes outbound connections for a given remote peer
// description, chosen by the peer-type decision matrix (spec.md §4.3):
// browser peers are reached only over WebRTC; nodejs peers with a
// listening address are reached over WebSocket; nodejs peers without one
// fall back to WebRTC perfect negotiation.
type Dialer interface {
	Dial(ctx context.Context, local, remote *kademlia.Node) (Conn, error)
}

// Fabric is the transport-agnostic connection manager: it owns one Conn
// per known peer, a per-peer ordered inbox, a dedup cache for envelopes
// carrying a requestId, and a registry of pending websocket connection
// requests. It keeps no temporary routing entries.
type Fabric struct {
	log    *zap.Logger
	cfg    config.Config
	local  kademlia.Node
	dialer Dialer
	engine EnvelopeHandler

	mu    sync.Mutex
	conns map[yzid.ID]Conn
	inbox map[yzid.ID]*Inbox

	dedup *dedupCache

	pendingMu sync.Mutex
	pendingWS map[string]pendingWSRequest
}

type pendingWSRequest struct {
	createdAt time.Time
	resolve   chan wire.WebsocketConnectionResponsePayload
}

// NewFabric creates a transport fabric for the local node, dispatching
// decoded envelopes to engine (typically the Kademlia service, which
// ignores envelope types it does not handle).
func NewFabric(log *zap.Logger, cfg config.Config, local kademlia.Node, dialer Dialer, engine EnvelopeHandler) *Fabric {
	return &Fabric{
		log:       log,
		cfg:       cfg,
		local:     local,
		dialer:    dialer,
		engine:    engine,
		conns:     make(map[yzid.ID]Conn),
		inbox:     make(map[yzid.ID]*Inbox),
		dedup:     newDedupCache(cfg.MessageDeduplicationTimeout),
		pendingWS: make(map[string]pendingWSRequest),
	}
}

// SetDialer installs the dialer used for outbound connections. It exists
// because the dialer (which needs the Fabric to register connections it
// establishes) and the Fabric (which needs a Dialer at construction) have
// a circular dependency; callers build the Fabric with a nil dialer, then
// build the dialer from the Fabric, then call SetDialer once to close the
// loop.
func (f *Fabric) SetDialer(dialer Dialer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialer = dialer
}

// Send implements kademlia.Sender: deliver raw bytes to peer, dialing a
// connection first if none exists yet.
func (f *Fabric) Send(ctx context.Context, peer *kademlia.Node, raw []byte) error {
	conn, err := f.connFor(ctx, peer)
	if err != nil {
		return Error.Wrap(err)
	}
	return conn.Send(ctx, raw)
}

func (f *Fabric) connFor(ctx context.Context, peer *kademlia.Node) (Conn, error) {
	f.mu.Lock()
	conn, ok := f.conns[peer.ID]
	f.mu.Unlock()
	if ok {
		return conn, nil
	}

	conn, err := f.dialer.Dial(ctx, &f.local, peer)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.conns[peer.ID] = conn
	f.mu.Unlock()
	return conn, nil
}

// RegisterConn associates an already-established inbound connection
// (e.g. accepted on a WebSocket listener) with peer.
func (f *Fabric) RegisterConn(peer yzid.ID, conn Conn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conns[peer] = conn
}

// CloseConn tears down and forgets the connection to peer, if any.
func (f *Fabric) CloseConn(peer yzid.ID) {
	f.mu.Lock()
	conn, ok := f.conns[peer]
	delete(f.conns, peer)
	f.mu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

// Deliver is called by a Conn's read loop with each inbound message. It
// enforces the dedup cache, enqueues the message on the peer's ordered
// inbox, and drains the inbox through the engine.
func (f *Fabric) Deliver(ctx context.Context, from *kademlia.Node, raw []byte) {
	env, err := wire.Decode(raw)
	if err != nil {
		f.log.Debug("dropping undecodable message", zap.Stringer("peer", from.ID), zap.Error(err))
		return
	}

	dedupKey := from.ID.Hex() + "|" + env.RequestID + "|" + string(env.Type)
	if env.RequestID != "" && !f.dedup.admit(dedupKey) {
		return
	}

	inbox := f.inboxFor(from.ID)
	if !inbox.Enqueue(env, f.cfg.MaxQueueSize, f.cfg.MessageTimeout) {
		f.log.Debug("inbox full, dropping message", zap.Stringer("peer", from.ID))
		return
	}

	for {
		next, ok := inbox.Dequeue()
		if !ok {
			return
		}
		resp, err := f.engine.HandleEnvelope(ctx, from, next)
		if err != nil {
			f.log.Debug("envelope handling failed", zap.Stringer("peer", from.ID), zap.Error(err))
			continue
		}
		if resp != nil {
			if err := f.Send(ctx, from, resp); err != nil {
				f.log.Debug("failed to send response", zap.Stringer("peer", from.ID), zap.Error(err))
			}
		}
	}
}

func (f *Fabric) inboxFor(peer yzid.ID) *Inbox {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.inbox[peer]
	if !ok {
		in = NewInbox()
		f.inbox[peer] = in
	}
	return in
}

// DecideTransport applies the peer-type decision matrix of spec.md §4.3:
// browser peers are only reachable over WebRTC; a nodejs peer advertising
// a listening address is reached by WebSocket client dial; a nodejs peer
// without one negotiates WebRTC like a browser would.
func DecideTransport(remote *kademlia.Node) string {
	if remote.Metadata.NodeType == kademlia.NodeTypeBrowser {
		return KindWebRTC
	}
	if remote.Metadata.ListeningAddress != "" {
		return KindWebSocket
	}
	return KindWebRTC
}

// CompositeDialer routes each Dial call to the concrete dialer selected
// by DecideTransport, so the rest of the fabric never has to know which
// transport backs a given peer.
type CompositeDialer struct {
	WebSocket Dialer
	WebRTC    Dialer
}

// Dial implements Dialer.
func (d CompositeDialer) Dial(ctx context.Context, local, remote *kademlia.Node) (Conn, error) {
	switch DecideTransport(remote) {
	case KindWebSocket:
		return d.WebSocket.Dial(ctx, local, remote)
	default:
		return d.WebRTC.Dial(ctx, local, remote)
	}
}

// Polite reports whether local is the "polite" party in WebRTC perfect
// negotiation against remote, per spec.md §4.3.2: the peer with the
// numerically smaller NodeID is polite (yields on glare), mirroring the
// module's other NodeID-ordering tie-breaks.
func Polite(local, remote yzid.ID) bool {
	return local.Less(remote)
}
