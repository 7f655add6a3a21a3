// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package transport

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/kademlia"
	"github.com/yz-social/yznet/pkg/wire"
)

// KindWebRTC identifies a webrtcConn's transport kind.
const KindWebRTC = "webrtc"

// SignalSender delivers an out-of-band signaling envelope (offer, answer,
// or ICE candidate) to remote, over whatever channel is currently
// available to reach it: the bootstrap server while establishing the
// first connections, or an existing DHT overlay connection once the
// network has grown, per spec.md §4.3.1's "bootstrap-vs-overlay signaling
// mode" switch.
type SignalSender interface {
	SendSignal(ctx context.Context, remote *kademlia.Node, env wire.Envelope) error
}

// webrtcConn wraps a pion/webrtc PeerConnection plus its single ordered,
// reliable data channel, the shape spec.md §4.3.2 calls for ("one data
// channel per peer connection, ordered and reliable").
type webrtcConn struct {
	log     *zap.Logger
	pc      *webrtc.PeerConnection
	channel *webrtc.DataChannel

	mu    sync.Mutex
	ready bool
}

func (c *webrtcConn) Send(_ context.Context, raw []byte) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	if !ready {
		return Error.New("data channel not open")
	}
	return c.channel.Send(raw)
}

func (c *webrtcConn) Close() error { return c.pc.Close() }

func (c *webrtcConn) Kind() string { return KindWebRTC }

// WebRTCDialer establishes WebRTC connections using perfect negotiation,
// per spec.md §4.3.2: the numerically smaller NodeID is polite and yields
// to an incoming offer during glare; the impolite side initiates.
// Signaling envelopes (offer/answer/ICE) are carried by signaler;
// cmd/yznode installs one that relays through the bootstrap server, and
// no signaler in this module carries them over DHT connections.
type WebRTCDialer struct {
	log      *zap.Logger
	fabric   *Fabric
	signaler SignalSender
	api      *webrtc.API

	mu      sync.Mutex
	pending map[string]*webrtcConn
}

// NewWebRTCDialer creates a WebRTC dialer for local, delivering signaling
// messages through signaler and registering established connections with
// fabric.
func NewWebRTCDialer(log *zap.Logger, fabric *Fabric, signaler SignalSender) *WebRTCDialer {
	return &WebRTCDialer{
		log:      log,
		fabric:   fabric,
		signaler: signaler,
		api:      webrtc.NewAPI(),
		pending:  make(map[string]*webrtcConn),
	}
}

// SetSignaler installs the channel used to deliver offers, answers, and
// ICE candidates to peers not yet reachable directly. Like Fabric's
// SetDialer, this breaks a construction-order cycle: the dialer is built
// before the bootstrap client connection (the signaler) exists.
func (d *WebRTCDialer) SetSignaler(signaler SignalSender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signaler = signaler
}

func (d *WebRTCDialer) Dial(ctx context.Context, local, remote *kademlia.Node) (Conn, error) {
	pc, err := d.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	wc := &webrtcConn{log: d.log, pc: pc}

	polite := Polite(local.ID, remote.ID)
	if polite {
		// The polite side waits for an incoming offer rather than
		// initiating, per perfect negotiation (spec.md §4.3.2).
		d.awaitOffer(ctx, pc, wc, local, remote)
		return wc, nil
	}

	channel, err := pc.CreateDataChannel("yznet", nil)
	if err != nil {
		_ = pc.Close()
		return nil, Error.Wrap(err)
	}
	wc.channel = channel
	d.wireDataChannel(ctx, wc, remote)

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, Error.Wrap(err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, Error.Wrap(err)
	}

	sdpBytes, _ := json.Marshal(wire.WebRTCSignalPayload{SDP: offer.SDP})
	env := wire.Envelope{Type: wire.TypeWebRTCOffer, Sender: local.ID.Hex(), Target: remote.ID.Hex(), Timestamp: wire.Now(), Payload: sdpBytes}
	if err := d.signaler.SendSignal(ctx, remote, env); err != nil {
		_ = pc.Close()
		return nil, Error.Wrap(err)
	}

	d.mu.Lock()
	d.pending[remote.ID.Hex()] = wc
	d.mu.Unlock()

	return wc, nil
}

func (d *WebRTCDialer) awaitOffer(ctx context.Context, pc *webrtc.PeerConnection, wc *webrtcConn, local, remote *kademlia.Node) {
	pc.OnDataChannel(func(ch *webrtc.DataChannel) {
		wc.channel = ch
		d.wireDataChannel(ctx, wc, remote)
	})
	d.mu.Lock()
	d.pending[remote.ID.Hex()] = wc
	d.mu.Unlock()
}

func (d *WebRTCDialer) wireDataChannel(ctx context.Context, wc *webrtcConn, remote *kademlia.Node) {
	wc.channel.OnOpen(func() {
		wc.mu.Lock()
		wc.ready = true
		wc.mu.Unlock()
		d.fabric.RegisterConn(remote.ID, wc)
	})
	wc.channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		d.fabric.Deliver(ctx, remote, msg.Data)
	})
	wc.channel.OnClose(func() {
		d.fabric.CloseConn(remote.ID)
	})
}

// HandleSignal processes an inbound offer, answer, or ICE candidate
// envelope against the connection being negotiated with the envelope's
// sender, implementing the responder side of perfect negotiation.
func (d *WebRTCDialer) HandleSignal(ctx context.Context, local, remote *kademlia.Node, env wire.Envelope) error {
	d.mu.Lock()
	wc, ok := d.pending[remote.ID.Hex()]
	d.mu.Unlock()

	switch env.Type {
	case wire.TypeWebRTCOffer:
		if !ok {
			pc, err := d.api.NewPeerConnection(webrtc.Configuration{
				ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
			})
			if err != nil {
				return Error.Wrap(err)
			}
			wc = &webrtcConn{log: d.log, pc: pc}
			d.awaitOffer(ctx, pc, wc, local, remote)
		}

		var payload wire.WebRTCSignalPayload
		if err := env.Into(&payload); err != nil {
			return Error.Wrap(err)
		}
		if err := wc.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: payload.SDP}); err != nil {
			return Error.Wrap(err)
		}
		answer, err := wc.pc.CreateAnswer(nil)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := wc.pc.SetLocalDescription(answer); err != nil {
			return Error.Wrap(err)
		}
		answerBytes, _ := json.Marshal(wire.WebRTCSignalPayload{SDP: answer.SDP})
		respEnv := wire.Envelope{Type: wire.TypeWebRTCAnswer, Sender: local.ID.Hex(), Target: remote.ID.Hex(), Timestamp: wire.Now(), Payload: answerBytes}
		return d.signaler.SendSignal(ctx, remote, respEnv)

	case wire.TypeWebRTCAnswer:
		if !ok {
			return Error.New("no pending connection for answer from %s", remote.ID.Hex())
		}
		var payload wire.WebRTCSignalPayload
		if err := env.Into(&payload); err != nil {
			return Error.Wrap(err)
		}
		return wc.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: payload.SDP})

	case wire.TypeWebRTCICE:
		if !ok {
			return Error.New("no pending connection for ICE candidate from %s", remote.ID.Hex())
		}
		var payload wire.WebRTCICEPayload
		if err := env.Into(&payload); err != nil {
			return Error.Wrap(err)
		}
		return wc.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: payload.Candidate})

	default:
		return Error.New("unexpected signaling envelope type %s", env.Type)
	}
}
