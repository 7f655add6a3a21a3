// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	monkit "gopkg.in/spacemonkeygo/monkit.v2"

	"github.com/yz-social/yznet/internal/sync2"
	"github.com/yz-social/yznet/pkg/config"
	"github.com/yz-social/yznet/pkg/dht"
	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
	"github.com/yz-social/yznet/storage"
)

var mon = monkit.Package()

var (
	// NodeErr is the class for all errors pertaining to node operations.
	NodeErr = errs.Class("node error")
	// NodeNotFound is returned when a lookup can not produce the requested node.
	NodeNotFound = errs.Class("node not found")
)

// Sender is the narrow capability Kademlia needs from the transport
// fabric: deliver raw bytes to a known or provisionally-known peer,
// per spec.md §4.3's "transport fabric" boundary. *transport.Fabric
// (pkg/transport) implements this; it is factored out here so the
// engine can be exercised without a live transport.
type Sender interface {
	Send(ctx context.Context, peer *Node, raw []byte) error
}

// Kademlia is an implementation of kademlia adhering to the dht.DHT
// interface. It generalizes the teacher's storj.io/storj/pkg/kademlia
// Kademlia type from gRPC/TLS-identity routing to the transport-agnostic
// yzid.ID-keyed engine specified in spec.md §3-§5.
type Kademlia struct {
	log    *zap.Logger
	cfg    config.Config
	self   Node
	alpha  int

	routingTable *RoutingTable
	localStore   *LocalStore
	correlator   *Correlator
	sender       Sender

	bootstrapNodes []*Node
	lookups        sync2.WorkGroup

	bootstrapFinished sync2.Fence

	refreshCycle   *sync2.Cycle
	republishCycle *sync2.Cycle
	expireCycle    *sync2.Cycle
	pingCycle      *sync2.Cycle

	mu               sync.Mutex
	lastPinged       time.Time
	lastQueried      time.Time
	findNodeLimiters map[yzid.ID]*rate.Limiter
	peerFailures     map[yzid.ID]int
}

var _ dht.DHT = (*Kademlia)(nil)

// NewService returns a newly configured Kademlia engine for the local
// node, using sender to reach peers over whichever transport the fabric
// has established. nodeDB, if non-nil, persists the routing table across
// restarts, mirroring the ndb the teacher's bootstrap and storage node
// peers pass to kademlia.NewRoutingTable; pass nil for an in-memory-only
// table.
func NewService(log *zap.Logger, sender Sender, local Node, cfg config.Config, bootstrap []*Node, nodeDB storage.KeyValueStore) *Kademlia {
	k := &Kademlia{
		log:            log,
		cfg:            cfg,
		self:           local,
		alpha:          cfg.Alpha,
		routingTable:     NewRoutingTable(log.Named("routing"), local, cfg.K, nodeDB),
		localStore:       NewLocalStore(),
		correlator:       NewCorrelator(local.ID),
		sender:           sender,
		bootstrapNodes:   bootstrap,
		refreshCycle:     sync2.NewCycle(cfg.RefreshInterval),
		republishCycle:   sync2.NewCycle(cfg.RepublishInterval),
		expireCycle:      sync2.NewCycle(cfg.ExpireInterval),
		pingCycle:        sync2.NewCycle(cfg.PingInterval),
		findNodeLimiters: make(map[yzid.ID]*rate.Limiter),
		peerFailures:     make(map[yzid.ID]int),
	}
	return k
}

// Close stops all background maintenance and waits for in-flight lookups
// to finish.
func (k *Kademlia) Close() error {
	k.refreshCycle.Stop()
	k.republishCycle.Stop()
	k.expireCycle.Stop()
	k.pingCycle.Stop()
	k.lookups.Close()
	k.lookups.Wait()
	return nil
}

// Local returns the local node's own ID, satisfying dht.DHT.
func (k *Kademlia) Local() yzid.ID { return k.self.ID }

// LocalNode returns the full local routing entry.
func (k *Kademlia) LocalNode() Node { return k.self }

// LastPinged returns the last time this node was remotely pinged.
func (k *Kademlia) LastPinged() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastPinged
}

// Pinged notifies the engine it has been remotely pinged.
func (k *Kademlia) Pinged() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastPinged = time.Now()
}

// LastQueried returns the last time this node was remotely queried.
func (k *Kademlia) LastQueried() time.Time {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lastQueried
}

// Queried notifies the engine it has been remotely queried.
func (k *Kademlia) Queried() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.lastQueried = time.Now()
}

// RoutingTable exposes the underlying routing table, mainly for the
// bootstrap client and diagnostics.
func (k *Kademlia) RoutingTable() *RoutingTable { return k.routingTable }

// FindNear returns up to limit routing entries closest to start.
func (k *Kademlia) FindNear(start yzid.ID, limit int) []*Node {
	return k.routingTable.FindNear(start, limit)
}

// Bootstrap contacts the configured bootstrap nodes and performs a
// self-lookup to populate the routing table, per spec.md §4.1's
// "announce then discover" bootstrap sequence.
func (k *Kademlia) Bootstrap(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	defer k.bootstrapFinished.Release()

	if !k.lookups.Start() {
		return context.Canceled
	}
	defer k.lookups.Done()

	if err := k.routingTable.LoadPersisted(); err != nil {
		k.log.Warn("failed to load persisted routing table", zap.Error(err))
	}

	if len(k.bootstrapNodes) == 0 && k.routingTable.Size() == 0 {
		k.log.Warn("no bootstrap nodes configured")
		return nil
	}

	var errGroup errs.Group
	for _, bn := range k.bootstrapNodes {
		if ctx.Err() != nil {
			errGroup.Add(ctx.Err())
			return errGroup.Err()
		}
		if _, err := k.routingTable.Add(bn); err != nil {
			errGroup.Add(err)
		}
	}

	if _, err := k.FindNode(ctx, k.self.ID); err != nil && !NodeNotFound.Has(err) {
		errGroup.Add(err)
	}

	return errGroup.Err()
}

// WaitForBootstrap blocks until Bootstrap has completed.
func (k *Kademlia) WaitForBootstrap() { k.bootstrapFinished.Wait() }

// Seed appends additional contacts to consult during the next Bootstrap
// call, for callers that discover peers out of band (the bootstrap
// signaling server's peer_list response, per spec.md §6).
func (k *Kademlia) Seed(nodes []*Node) {
	k.mu.Lock()
	k.bootstrapNodes = append(k.bootstrapNodes, nodes...)
	k.mu.Unlock()
}

// NodeFromContact converts a wire contact into a routing entry, for
// callers outside this package seeding bootstrap contacts (cmd/yznode's
// bootstrap client discovery path).
func NodeFromContact(c wire.NodeContact) (*Node, error) {
	return fromContact(c)
}

// Ping checks that peer is still reachable, per spec.md §4.2's ping
// operation, recording the round-trip sample on success.
func (k *Kademlia) Ping(ctx context.Context, peer *Node) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !k.lookups.Start() {
		return context.Canceled
	}
	defer k.lookups.Done()

	req := wire.PingPayload{NodeID: k.self.ID.Hex(), Timestamp: wire.Now()}
	requestID := k.correlator.NextRequestID()
	raw, err := wire.Encode(wire.TypePing, requestID, k.self.ID.Hex(), peer.ID.Hex(), req)
	if err != nil {
		return NodeErr.Wrap(err)
	}

	start := time.Now()
	env, err := k.roundTrip(ctx, peer, requestID, raw)
	if err != nil {
		k.recordFailure(peer.ID)
		return NodeErr.Wrap(err)
	}
	var pong wire.PongPayload
	if err := env.Into(&pong); err != nil {
		return NodeErr.Wrap(err)
	}
	peer.RecordRTT(time.Since(start))
	k.recordSuccess(peer.ID)
	return nil
}

// FindNode looks up nodeID, first locally, then over the network if not
// already the closest known entry, per spec.md §4.2.
func (k *Kademlia) FindNode(ctx context.Context, nodeID yzid.ID) (_ *Node, err error) {
	defer mon.Task()(&ctx)(&err)
	if !k.lookups.Start() {
		return nil, context.Canceled
	}
	defer k.lookups.Done()

	if existing, ok := k.routingTable.Get(nodeID); ok {
		return existing, nil
	}

	seed := k.routingTable.FindNear(nodeID, k.cfg.K)
	state := newLookupState(k.log, k, k.self.ID, nodeID, k.cfg.K, k.alpha, seed)
	results := state.FindNode(ctx)

	k.routingTable.SetBucketActivity(nodeID, time.Now())
	for _, n := range results {
		_, _ = k.routingTable.Add(n)
		if n.ID.Equal(nodeID) {
			return n, nil
		}
	}
	return nil, NodeNotFound.New("node %s not found", nodeID.Hex())
}

// Store replicates value under key to the ReplicateK closest known nodes,
// satisfying dht.DHT.Store. The local node also stores a copy if it is
// among those closest.
func (k *Kademlia) Store(ctx context.Context, key string, value []byte) (err error) {
	defer mon.Task()(&ctx)(&err)
	if !k.lookups.Start() {
		return context.Canceled
	}
	defer k.lookups.Done()

	keyID := yzid.FromKey(key)
	now := time.Now()

	seed := k.routingTable.FindNear(keyID, k.cfg.K)
	state := newLookupState(k.log, k, k.self.ID, keyID, k.cfg.K, k.alpha, seed)
	closest := state.FindNode(ctx)

	if len(closest) > k.cfg.ReplicateK {
		closest = closest[:k.cfg.ReplicateK]
	}

	isLocalReplica := false
	less := yzid.ByDistanceTo(keyID)
	if len(closest) < k.cfg.ReplicateK {
		isLocalReplica = true
	} else {
		for _, n := range closest {
			if !less(n.ID, k.self.ID) {
				isLocalReplica = true
				break
			}
		}
	}
	if isLocalReplica {
		k.localStore.Put(keyID, value, k.self.ID, now)
	}

	var errGroup errs.Group
	for _, peer := range closest {
		if err := k.sendStore(ctx, peer, keyID.Hex(), value); err != nil {
			errGroup.Add(err)
		}
	}
	return NodeErr.Wrap(errGroup.Err())
}

func (k *Kademlia) sendStore(ctx context.Context, peer *Node, key string, value []byte) error {
	req := wire.StorePayload{Key: key, Value: value}
	requestID := k.correlator.NextRequestID()
	raw, err := wire.Encode(wire.TypeStore, requestID, k.self.ID.Hex(), peer.ID.Hex(), req)
	if err != nil {
		return err
	}
	env, err := k.roundTrip(ctx, peer, requestID, raw)
	if err != nil {
		k.recordFailure(peer.ID)
		return err
	}
	var resp wire.StoreResponsePayload
	if err := env.Into(&resp); err != nil {
		return err
	}
	if !resp.Success {
		return NodeErr.New("peer %s rejected store", peer.ID.Hex())
	}
	k.recordSuccess(peer.ID)
	return nil
}

// Get retrieves the value stored under key, checking the local store
// before issuing an iterative find_value lookup, satisfying dht.DHT.Get.
func (k *Kademlia) Get(ctx context.Context, key string) (_ dht.StoredValue, err error) {
	defer mon.Task()(&ctx)(&err)
	if !k.lookups.Start() {
		return dht.StoredValue{}, context.Canceled
	}
	defer k.lookups.Done()

	keyID := yzid.FromKey(key)
	if v, ok := k.localStore.Get(keyID); ok {
		return v, nil
	}

	seed := k.routingTable.FindNear(keyID, k.cfg.K)
	state := newLookupState(k.log, k, k.self.ID, keyID, k.cfg.K, k.alpha, seed)
	value, _, found := state.FindValue(ctx)
	if !found {
		return dht.StoredValue{}, dht.ErrNotFound
	}
	return dht.StoredValue{Value: value}, nil
}

// CAS performs a compare-and-swap store against whichever node is the
// replica for key, satisfying dht.DHT.CAS and spec.md §9's coordinator
// election primitive. If the local node is itself the closest replica
// the swap is performed in-process; otherwise it is sent as a
// cas_coordinator RPC to the closest known peer.
func (k *Kademlia) CAS(ctx context.Context, key string, expectedVersion int64, newValue []byte, newVersion int64) (ok bool, current dht.StoredValue, err error) {
	defer mon.Task()(&ctx)(&err)
	if !k.lookups.Start() {
		return false, dht.StoredValue{}, context.Canceled
	}
	defer k.lookups.Done()

	keyID := yzid.FromKey(key)
	seed := k.routingTable.FindNear(keyID, k.cfg.K)
	state := newLookupState(k.log, k, k.self.ID, keyID, k.cfg.K, k.alpha, seed)
	closest := state.FindNode(ctx)

	less := yzid.ByDistanceTo(keyID)
	localIsClosest := true
	for _, n := range closest {
		if less(n.ID, k.self.ID) {
			localIsClosest = false
			break
		}
	}

	if localIsClosest || len(closest) == 0 {
		ok, cur := k.localStore.CAS(keyID, expectedVersion, newValue, newVersion, k.self.ID)
		return ok, cur, nil
	}

	peer := closest[0]
	req := wire.CASCoordinatorPayload{
		Key:             keyID.Hex(),
		ExpectedVersion: expectedVersion,
		NewValue:        newValue,
		NewVersion:      newVersion,
	}
	requestID := k.correlator.NextRequestID()
	raw, encErr := wire.Encode(wire.TypeCASCoordinator, requestID, k.self.ID.Hex(), peer.ID.Hex(), req)
	if encErr != nil {
		return false, dht.StoredValue{}, NodeErr.Wrap(encErr)
	}
	env, rtErr := k.roundTrip(ctx, peer, requestID, raw)
	if rtErr != nil {
		k.recordFailure(peer.ID)
		return false, dht.StoredValue{}, NodeErr.Wrap(rtErr)
	}
	var resp wire.CASCoordinatorResponsePayload
	if err := env.Into(&resp); err != nil {
		return false, dht.StoredValue{}, NodeErr.Wrap(err)
	}
	k.recordSuccess(peer.ID)
	return resp.OK, dht.StoredValue{Value: resp.Current, Timestamp: resp.Version}, nil
}

// roundTrip registers requestID, sends raw to peer, and blocks for the
// response or the configured request timeout, per spec.md §4.4. A request
// addressed to the local node is a programming error and panics.
func (k *Kademlia) roundTrip(ctx context.Context, peer *Node, requestID string, raw []byte) (wire.Envelope, error) {
	if peer.ID.Equal(k.self.ID) {
		panic("kademlia: request addressed to the local node")
	}
	pending := k.correlator.Register(requestID)
	if err := k.sender.Send(ctx, peer, raw); err != nil {
		k.correlator.Resolve(requestID, wire.Envelope{})
		return wire.Envelope{}, err
	}
	return k.correlator.Wait(ctx, requestID, pending, k.cfg.RequestTimeout)
}

// HandleEnvelope dispatches an inbound envelope to the engine: either
// resolving an outstanding request (if it's a response type matching a
// pending requestId) or answering an inbound query, returning the raw
// response bytes to send back, if any. The transport fabric calls this
// for every decoded Kademlia-type envelope it receives.
func (k *Kademlia) HandleEnvelope(ctx context.Context, from *Node, env wire.Envelope) ([]byte, error) {
	switch env.Type {
	case wire.TypePong, wire.TypeFindNodeResp, wire.TypeFindValueResp, wire.TypeStoreResp, wire.TypeCASCoordinatorResp:
		k.correlator.Resolve(env.RequestID, env)
		return nil, nil
	case wire.TypePing:
		k.Queried()
		_, _ = k.routingTable.Add(from)
		resp := wire.PongPayload{NodeID: k.self.ID.Hex(), Timestamp: wire.Now()}
		return wire.Encode(wire.TypePong, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
	case wire.TypeFindNode:
		return k.handleFindNode(ctx, from, env)
	case wire.TypeFindValue:
		return k.handleFindValue(ctx, from, env)
	case wire.TypeStore:
		return k.handleStore(ctx, from, env)
	case wire.TypeCASCoordinator:
		return k.handleCAS(ctx, from, env)
	default:
		return nil, nil
	}
}

func (k *Kademlia) handleFindNode(_ context.Context, from *Node, env wire.Envelope) ([]byte, error) {
	k.Queried()
	_, _ = k.routingTable.Add(from)

	var req wire.FindNodePayload
	if err := env.Into(&req); err != nil {
		return nil, NodeErr.Wrap(err)
	}
	target, err := yzid.FromHex(req.Target)
	if err != nil {
		return nil, NodeErr.Wrap(err)
	}

	near := k.routingTable.FindNear(target, k.cfg.K)
	resp := wire.FindNodeResponsePayload{Nodes: toContacts(near)}
	return wire.Encode(wire.TypeFindNodeResp, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
}

func (k *Kademlia) handleFindValue(_ context.Context, from *Node, env wire.Envelope) ([]byte, error) {
	k.Queried()
	_, _ = k.routingTable.Add(from)

	var req wire.FindValuePayload
	if err := env.Into(&req); err != nil {
		return nil, NodeErr.Wrap(err)
	}
	keyID, err := yzid.FromHex(req.Key)
	if err != nil {
		return nil, NodeErr.Wrap(err)
	}

	if v, ok := k.localStore.Get(keyID); ok {
		resp := wire.FindValueResponsePayload{Found: true, Value: v.Value}
		return wire.Encode(wire.TypeFindValueResp, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
	}

	near := k.routingTable.FindNear(keyID, k.cfg.K)
	resp := wire.FindValueResponsePayload{Found: false, Nodes: toContacts(near)}
	return wire.Encode(wire.TypeFindValueResp, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
}

func (k *Kademlia) handleStore(_ context.Context, from *Node, env wire.Envelope) ([]byte, error) {
	k.Queried()
	_, _ = k.routingTable.Add(from)

	var req wire.StorePayload
	if err := env.Into(&req); err != nil {
		return nil, NodeErr.Wrap(err)
	}
	keyID, err := yzid.FromHex(req.Key)
	if err != nil {
		return nil, NodeErr.Wrap(err)
	}
	k.localStore.Put(keyID, req.Value, from.ID, time.Now())

	resp := wire.StoreResponsePayload{Success: true}
	return wire.Encode(wire.TypeStoreResp, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
}

func (k *Kademlia) handleCAS(_ context.Context, from *Node, env wire.Envelope) ([]byte, error) {
	k.Queried()
	_, _ = k.routingTable.Add(from)

	var req wire.CASCoordinatorPayload
	if err := env.Into(&req); err != nil {
		return nil, NodeErr.Wrap(err)
	}
	keyID, err := yzid.FromHex(req.Key)
	if err != nil {
		return nil, NodeErr.Wrap(err)
	}

	ok, cur := k.localStore.CAS(keyID, req.ExpectedVersion, req.NewValue, req.NewVersion, from.ID)
	resp := wire.CASCoordinatorResponsePayload{OK: ok, Current: cur.Value, Version: cur.Timestamp}
	return wire.Encode(wire.TypeCASCoordinatorResp, env.RequestID, k.self.ID.Hex(), env.Sender, resp)
}

func toContacts(nodes []*Node) []wire.NodeContact {
	out := make([]wire.NodeContact, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, wire.NodeContact{
			ID:       n.ID.Hex(),
			Endpoint: n.Endpoint,
			Metadata: wire.NodeMetadata{
				NodeType:         string(n.Metadata.NodeType),
				ListeningAddress: n.Metadata.ListeningAddress,
				Capabilities:     n.Metadata.Capabilities,
				CanRelay:         n.Metadata.CanRelay,
			},
		})
	}
	return out
}

func fromContact(c wire.NodeContact) (*Node, error) {
	id, err := yzid.FromHex(c.ID)
	if err != nil {
		return nil, err
	}
	return &Node{
		ID:       id,
		Endpoint: c.Endpoint,
		Metadata: Metadata{
			NodeType:         NodeType(c.Metadata.NodeType),
			ListeningAddress: c.Metadata.ListeningAddress,
			Capabilities:     c.Metadata.Capabilities,
			CanRelay:         c.Metadata.CanRelay,
		},
	}, nil
}

// sendFindNode implements rpcClient for lookupState: encode, send, and
// decode a find_node round trip against peer, applying the per-peer
// find_node rate limit from spec.md §4.2. There is no emergency bypass: a
// request over the limit fails with a rate-limit error whatever the local
// node's connectivity.
func (k *Kademlia) sendFindNode(ctx context.Context, peer *Node, target yzid.ID) ([]*Node, error) {
	if !k.allowFindNode(peer.ID) {
		return nil, NodeErr.New("find_node rate limited for peer %s", peer.ID.Hex())
	}

	req := wire.FindNodePayload{Target: target.Hex()}
	requestID := k.correlator.NextRequestID()
	raw, err := wire.Encode(wire.TypeFindNode, requestID, k.self.ID.Hex(), peer.ID.Hex(), req)
	if err != nil {
		return nil, err
	}
	env, err := k.roundTrip(ctx, peer, requestID, raw)
	if err != nil {
		k.recordFailure(peer.ID)
		return nil, err
	}
	var resp wire.FindNodeResponsePayload
	if err := env.Into(&resp); err != nil {
		return nil, err
	}
	k.recordSuccess(peer.ID)

	out := make([]*Node, 0, len(resp.Nodes))
	for _, c := range resp.Nodes {
		if c.ID == target.Hex() {
			// find_node responses must never echo the queried target
			// back as a result, per spec.md §8.
			continue
		}
		n, err := fromContact(c)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// sendFindValue implements rpcClient for lookupState.
func (k *Kademlia) sendFindValue(ctx context.Context, peer *Node, key yzid.ID) ([]*Node, []byte, bool, error) {
	req := wire.FindValuePayload{Key: key.Hex()}
	requestID := k.correlator.NextRequestID()
	raw, err := wire.Encode(wire.TypeFindValue, requestID, k.self.ID.Hex(), peer.ID.Hex(), req)
	if err != nil {
		return nil, nil, false, err
	}
	env, err := k.roundTrip(ctx, peer, requestID, raw)
	if err != nil {
		k.recordFailure(peer.ID)
		return nil, nil, false, err
	}
	var resp wire.FindValueResponsePayload
	if err := env.Into(&resp); err != nil {
		return nil, nil, false, err
	}
	k.recordSuccess(peer.ID)

	if resp.Found {
		return nil, resp.Value, true, nil
	}
	out := make([]*Node, 0, len(resp.Nodes))
	for _, c := range resp.Nodes {
		n, err := fromContact(c)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out, nil, false, nil
}

// allowFindNode enforces Config.FindNodeMinInterval per peer, per spec.md
// §4.2: no more than one find_node per peer within the configured window.
// Each peer gets its own token bucket limited to one request per interval
// with no burst, lazily created on first use.
func (k *Kademlia) allowFindNode(peer yzid.ID) bool {
	k.mu.Lock()
	limiter, ok := k.findNodeLimiters[peer]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(k.cfg.FindNodeMinInterval), 1)
		k.findNodeLimiters[peer] = limiter
	}
	k.mu.Unlock()
	return limiter.Allow()
}

// recordFailure tracks a failed RPC to peer, evicting it from the routing
// table once Config.PeerFailureThreshold consecutive failures accumulate,
// per spec.md §4.2. No backoff is enforced after eviction:
// Config.PeerBackoffDuration is only logged, and the peer is re-added as
// soon as it is seen again.
func (k *Kademlia) recordFailure(peer yzid.ID) {
	k.mu.Lock()
	k.peerFailures[peer]++
	count := k.peerFailures[peer]
	k.mu.Unlock()

	if count < k.cfg.PeerFailureThreshold {
		return
	}

	k.mu.Lock()
	delete(k.peerFailures, peer)
	k.mu.Unlock()

	k.routingTable.Remove(peer)
	k.log.Info("evicted unresponsive peer", zap.Stringer("peer", peer), zap.Duration("backoff", k.cfg.PeerBackoffDuration))
}

func (k *Kademlia) recordSuccess(peer yzid.ID) {
	k.mu.Lock()
	delete(k.peerFailures, peer)
	k.mu.Unlock()
}

// Run starts the adaptive refresh, republish, expire, and ping background
// maintenance loops, returning when ctx is cancelled or Close is called.
// It mirrors the teacher's Run method's single supervised Cycle, spread
// across the four independent maintenance concerns spec.md §4.2
// describes.
func (k *Kademlia) Run(ctx context.Context) error {
	if !k.lookups.Start() {
		return context.Canceled
	}
	defer k.lookups.Done()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return k.refreshCycle.Run(groupCtx, k.runRefresh) })
	group.Go(func() error { return k.republishCycle.Run(groupCtx, k.runRepublish) })
	group.Go(func() error { return k.expireCycle.Run(groupCtx, k.runExpire) })
	group.Go(func() error { return k.pingCycle.Run(groupCtx, k.runPing) })

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// runRefresh implements spec.md §4.2's adaptive three-regime bucket
// refresh: buckets not contacted within their regime's threshold are
// refreshed with a find_node lookup for a random ID in their range. The
// regime's threshold (aggressive/medium/standard) is chosen by
// refreshThreshold from whether bootstrap has finished and the routing
// table's size; the cycle itself fires every Config.RefreshInterval.
func (k *Kademlia) runRefresh(ctx context.Context) error {
	threshold := k.refreshThreshold()
	ids := k.routingTable.BucketIDs()
	now := time.Now()
	for _, id := range ids {
		ts, ok := k.routingTable.BucketLastActivity(id)
		if ok && now.Sub(ts) < threshold {
			continue
		}
		target, ok := k.routingTable.RandomIDInBucket(id)
		if !ok {
			continue
		}
		if _, err := k.FindNode(ctx, target); err != nil && !NodeNotFound.Has(err) {
			k.log.Debug("bucket refresh lookup failed", zap.Error(err))
		}
	}
	return nil
}

// refreshThreshold picks the staleness threshold for the current regime:
// aggressive while bootstrap is still in flight, standard once the
// routing table has matured, medium in between, per spec.md §4.2's table.
func (k *Kademlia) refreshThreshold() time.Duration {
	if !k.bootstrapFinished.Released() {
		return k.cfg.AggressiveRefreshMin
	}
	size := k.routingTable.Size()
	switch {
	case size < k.cfg.K:
		return k.cfg.AggressiveRefreshMax
	case size < k.cfg.K*4:
		return (k.cfg.StandardRefreshMin + k.cfg.AggressiveRefreshMax) / 2
	default:
		return k.cfg.StandardRefreshMax
	}
}

// runRepublish re-stores every locally held value to its replica set,
// per spec.md §4.2's republish/expire pairing.
func (k *Kademlia) runRepublish(ctx context.Context) error {
	for _, keyID := range k.localStore.Keys() {
		v, ok := k.localStore.Get(keyID)
		if !ok {
			continue
		}
		seed := k.routingTable.FindNear(keyID, k.cfg.K)
		state := newLookupState(k.log, k, k.self.ID, keyID, k.cfg.K, k.alpha, seed)
		closest := state.FindNode(ctx)
		if len(closest) > k.cfg.ReplicateK {
			closest = closest[:k.cfg.ReplicateK]
		}
		for _, peer := range closest {
			if err := k.sendStore(ctx, peer, keyID.Hex(), v.Value); err != nil {
				k.log.Debug("republish failed", zap.Stringer("peer", peer.ID), zap.Error(err))
			}
		}
		k.localStore.Put(keyID, v.Value, v.Publisher, time.Now())
	}
	return nil
}

// runExpire drops locally held values that haven't been republished or
// re-stored within Config.ExpireInterval.
func (k *Kademlia) runExpire(_ context.Context) error {
	cutoff := time.Now().Add(-k.cfg.ExpireInterval)
	removed := k.localStore.ExpireOlderThan(cutoff)
	if removed > 0 {
		k.log.Debug("expired local store entries", zap.Int("count", removed))
	}
	return nil
}

// runPing checks liveness of every routing table entry, evicting peers
// that fail Config.PeerFailureThreshold consecutive pings.
func (k *Kademlia) runPing(ctx context.Context) error {
	for _, n := range k.routingTable.AllNodes() {
		if err := k.Ping(ctx, n); err != nil {
			k.log.Debug("ping failed", zap.Stringer("peer", n.ID), zap.Error(err))
		}
	}
	return nil
}
