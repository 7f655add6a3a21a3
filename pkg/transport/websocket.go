// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/kademlia"
)

// KindWebSocket identifies a websocketConn's transport kind.
const KindWebSocket = "websocket"

// websocketConn wraps a gorilla/websocket connection with the
// serialize-writes discipline gorilla requires (only one goroutine may
// call WriteMessage at a time).
type websocketConn struct {
	log  *zap.Logger
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *websocketConn) Send(_ context.Context, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *websocketConn) Close() error { return c.conn.Close() }

func (c *websocketConn) Kind() string { return KindWebSocket }

// readLoop reads messages from the connection until it closes, handing
// each one to fabric.Deliver.
func (c *websocketConn) readLoop(ctx context.Context, fabric *Fabric, peer *kademlia.Node) {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.log.Debug("websocket read loop ended", zap.Stringer("peer", peer.ID), zap.Error(err))
			fabric.CloseConn(peer.ID)
			return
		}
		fabric.Deliver(ctx, peer, raw)
	}
}

// WebsocketDialer dials outbound WebSocket connections to nodejs peers
// advertising a listening address, per spec.md §4.3.3 ("nodejs to nodejs:
// direct WebSocket"). It is the Dialer used for any remote Node whose
// DecideTransport resolves to KindWebSocket.
type WebsocketDialer struct {
	log    *zap.Logger
	fabric *Fabric
}

// NewWebsocketDialer creates a dialer whose connections hand inbound
// messages to fabric through a read loop started against Dial's ctx.
func NewWebsocketDialer(log *zap.Logger, fabric *Fabric) *WebsocketDialer {
	return &WebsocketDialer{log: log, fabric: fabric}
}

func (d *WebsocketDialer) Dial(ctx context.Context, local, remote *kademlia.Node) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, remote.Metadata.ListeningAddress, nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	wc := &websocketConn{log: d.log, conn: conn}
	go wc.readLoop(ctx, d.fabric, remote)
	return wc, nil
}

// WebsocketServer accepts inbound WebSocket connections from nodejs peers
// that dial this node directly, per spec.md §4.3.3. The initial message
// on a freshly accepted connection is expected to be a
// websocket_connection_request envelope identifying the peer, per
// spec.md §6. ServeHTTP reads that first message before registering the
// connection, and closes the connection if onAccept rejects it.
type WebsocketServer struct {
	log      *zap.Logger
	upgrader websocket.Upgrader
	fabric   *Fabric

	onAccept func(ctx context.Context, conn Conn, raw []byte) (*kademlia.Node, error)
}

// NewWebsocketServer creates a server whose onAccept callback resolves
// the peer identity for a freshly accepted connection's first message
// (typically by decoding its websocket_connection_request payload).
func NewWebsocketServer(log *zap.Logger, fabric *Fabric, onAccept func(ctx context.Context, conn Conn, raw []byte) (*kademlia.Node, error)) *WebsocketServer {
	return &WebsocketServer{
		log:      log,
		fabric:   fabric,
		onAccept: onAccept,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and hands it off to a read loop once
// the peer's identity has been resolved from its first message.
func (s *WebsocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	wc := &websocketConn{log: s.log, conn: conn}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug("websocket accept: no initial message", zap.Error(err))
		_ = conn.Close()
		return
	}

	ctx := r.Context()
	peer, err := s.onAccept(ctx, wc, raw)
	if err != nil {
		s.log.Debug("websocket accept rejected", zap.Error(err))
		_ = conn.Close()
		return
	}

	s.fabric.RegisterConn(peer.ID, wc)
	go wc.readLoop(ctx, s.fabric, peer)
}
