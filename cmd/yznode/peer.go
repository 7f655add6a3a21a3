// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package main

import (
	"context"
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/yz-social/yznet/pkg/bootstrapclient"
	"github.com/yz-social/yznet/pkg/config"
	"github.com/yz-social/yznet/pkg/identity"
	"github.com/yz-social/yznet/pkg/kademlia"
	"github.com/yz-social/yznet/pkg/pubsub"
	"github.com/yz-social/yznet/pkg/transport"
	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
	"github.com/yz-social/yznet/storage"
	"github.com/yz-social/yznet/storage/filestore"
)

// Peer groups every long-lived component of a running node, in
// initialization order, mirroring the teacher's storage node Peer
// struct: a grouped-dependency object with an explicit New/Run/Close
// rather than a package of globals.
type Peer struct {
	Log    *zap.Logger
	Config config.Config

	Keys  identity.KeyStore
	Local identity.KeyPair
	ID    yzid.ID

	Kademlia  *kademlia.Kademlia
	Transport *transport.Fabric
	Identity  *identity.Service
	Pubsub    *pubsub.Service

	Bootstrap *bootstrapclient.Client

	rtcDialer  *transport.WebRTCDialer
	listenAddr string
	httpServer *http.Server
}

// bootstrapSignaler adapts a bootstrapclient.Client to
// transport.SignalSender for the period before the overlay has grown
// enough to carry signaling traffic itself, per spec.md §4.3.1.
type bootstrapSignaler struct {
	client *bootstrapclient.Client
}

func (s bootstrapSignaler) SendSignal(ctx context.Context, _ *kademlia.Node, env wire.Envelope) error {
	return s.client.ForwardSignal(ctx, env)
}

// NewPeer wires every component for a local node: a fresh or loaded
// Ed25519 identity, the Kademlia engine, the transport fabric with its
// composite WebSocket/WebRTC dialer, the membership token service, and
// the pub/sub layer, per spec.md's four core subsystems.
func NewPeer(log *zap.Logger, cfg config.Config, keys identity.KeyStore, listenAddr, routingDBDir string) (*Peer, error) {
	peer := &Peer{Log: log, Config: cfg, Keys: keys, listenAddr: listenAddr}

	var nodeDB storage.KeyValueStore
	if routingDBDir != "" {
		var err error
		nodeDB, err = filestore.New(routingDBDir)
		if err != nil {
			return nil, err
		}
	}

	local, err := keys.Load()
	if err != nil {
		local, err = identity.GenerateKeyPair()
		if err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
		if err := keys.Save(local); err != nil {
			return nil, errs.Combine(err, peer.Close())
		}
	}
	peer.Local = local
	peer.ID = identity.IdentityFromPublicKey(local.Public)

	nodeType := kademlia.NodeTypeNodeJS
	if listenAddr == "" {
		nodeType = kademlia.NodeTypeBrowser
	}
	self := kademlia.Node{
		ID:       peer.ID,
		Endpoint: listenAddr,
		Metadata: kademlia.Metadata{
			NodeType:         nodeType,
			ListeningAddress: listenAddr,
			CanRelay:         listenAddr != "",
		},
	}

	{ // transport fabric, wired to the kademlia engine once it exists
		var engineBox kademliaBox
		peer.Transport = transport.NewFabric(log.Named("transport"), cfg, self, nil, &engineBox)

		wsDialer := transport.NewWebsocketDialer(log.Named("transport.ws"), peer.Transport)
		rtcDialer := transport.NewWebRTCDialer(log.Named("transport.rtc"), peer.Transport, nil)
		peer.Transport.SetDialer(transport.CompositeDialer{WebSocket: wsDialer, WebRTC: rtcDialer})
		peer.rtcDialer = rtcDialer

		peer.Kademlia = kademlia.NewService(log.Named("kademlia"), peer.Transport, self, cfg, nil, nodeDB)
		engineBox.k = peer.Kademlia
	}

	peer.Identity = identity.NewService(peer.Kademlia, keys, local, peer.ID)
	peer.Pubsub = pubsub.NewService(log.Named("pubsub"), peer.Kademlia, peer.Identity, local, peer.ID,
		cfg.BatchSize, cfg.BatchTime, cfg.PollingInterval)

	if listenAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.NewWebsocketServer(log.Named("transport.ws.server"), peer.Transport, peer.acceptWebsocket))
		peer.httpServer = &http.Server{Addr: listenAddr, Handler: mux}
	}

	return peer, nil
}

// kademliaBox breaks the initialization cycle between Fabric (which
// needs an EnvelopeHandler at construction) and Kademlia (which needs
// the Fabric as its Sender): the box is handed to Fabric first and
// populated with the real engine once it exists.
type kademliaBox struct {
	k *kademlia.Kademlia
}

func (b *kademliaBox) HandleEnvelope(ctx context.Context, from *kademlia.Node, env wire.Envelope) ([]byte, error) {
	if b.k == nil {
		return nil, nil
	}
	return b.k.HandleEnvelope(ctx, from, env)
}

func (p *Peer) acceptWebsocket(ctx context.Context, conn transport.Conn, raw []byte) (*kademlia.Node, error) {
	env, err := wire.Decode(raw)
	if err != nil {
		return nil, err
	}
	var req wire.WebsocketConnectionRequestPayload
	if err := env.Into(&req); err != nil {
		return nil, err
	}
	remoteID, err := yzid.FromHex(env.Sender)
	if err != nil {
		return nil, err
	}
	return &kademlia.Node{
		ID: remoteID,
		Metadata: kademlia.Metadata{
			NodeType:         kademlia.NodeType(req.NodeType),
			ListeningAddress: req.ListeningAddress,
			Capabilities:     req.Capabilities,
			CanRelay:         req.CanRelay,
		},
	}, nil
}

// JoinNetwork registers with the bootstrap server at addr, requests an
// initial set of peer contacts, and seeds the Kademlia routing table with
// them before running the standard bootstrap lookup, per spec.md §6.
func (p *Peer) JoinNetwork(ctx context.Context, addr string) error {
	client, err := bootstrapclient.Dial(ctx, p.Log.Named("bootstrap"), addr, p.Kademlia.LocalNode(),
		p.Config.ProtocolVersion, p.Config.MinCompatible, p.Config.BuildID)
	if err != nil {
		return err
	}
	p.Bootstrap = client
	p.rtcDialer.SetSignaler(bootstrapSignaler{client: client})

	local := p.Kademlia.LocalNode()
	client.OnSignal(func(ctx context.Context, env wire.Envelope) {
		remote := &kademlia.Node{}
		if id, err := yzid.FromHex(env.Sender); err == nil {
			remote.ID = id
		}
		if err := p.rtcDialer.HandleSignal(ctx, &local, remote, env); err != nil {
			p.Log.Debug("bootstrap signal handling failed", zap.Error(err))
		}
	})

	contacts, err := client.RequestPeers(ctx, p.ID, p.Config.K)
	if err != nil {
		return err
	}
	var seeds []*kademlia.Node
	for _, c := range contacts {
		node, err := kademlia.NodeFromContact(c)
		if err != nil {
			continue
		}
		seeds = append(seeds, node)
	}
	p.Kademlia.Seed(seeds)

	return p.Kademlia.Bootstrap(ctx)
}

// Run runs every background loop until ctx is cancelled, following the
// teacher's peer.Run pattern: one errgroup fanning out the engine's
// maintenance cycles and the websocket listener.
func (p *Peer) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return ignoreCancel(p.Kademlia.Run(groupCtx)) })

	if p.Bootstrap != nil {
		group.Go(func() error { return ignoreCancel(p.Bootstrap.Run(groupCtx)) })
	}

	if p.httpServer != nil {
		group.Go(func() error {
			p.Log.Info("listening", zap.String("address", p.listenAddr))
			err := p.httpServer.ListenAndServe()
			if err == http.ErrServerClosed {
				return nil
			}
			return err
		})
		group.Go(func() error {
			<-groupCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.httpServer.Shutdown(shutdownCtx)
		})
	}

	return group.Wait()
}

func ignoreCancel(err error) error {
	if err == context.Canceled {
		return nil
	}
	return err
}

// Close releases every resource the peer holds, in reverse
// initialization order.
func (p *Peer) Close() error {
	var errlist errs.Group
	if p.Bootstrap != nil {
		errlist.Add(p.Bootstrap.Close())
	}
	if p.Kademlia != nil {
		errlist.Add(p.Kademlia.Close())
	}
	return errlist.Err()
}

// PublicKey exposes the local signing key, for callers minting the
// genesis membership token.
func (p *Peer) PublicKey() ed25519.PublicKey { return p.Local.Public }
