// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/yz-social/yznet/pkg/yzid"
)

// rpcClient is the narrow surface lookups need from the transport fabric:
// send a find_node or find_value request to peer and wait for its
// response. *Kademlia implements this; it is factored out so lookup logic
// can be tested without a real transport.
type rpcClient interface {
	sendFindNode(ctx context.Context, peer *Node, target yzid.ID) ([]*Node, error)
	sendFindValue(ctx context.Context, peer *Node, key yzid.ID) ([]*Node, []byte, bool, error)
}

// lookupState tracks one iterative lookup's shortlist, per spec.md §4.2:
// alpha-bounded concurrent queries against the closest not-yet-contacted
// candidates, continuing until no closer node is discovered.
type lookupState struct {
	log    *zap.Logger
	rpc    rpcClient
	self   yzid.ID
	target yzid.ID
	k      int
	alpha  int

	mu        sync.Mutex
	contacted map[yzid.ID]bool
	shortlist []*Node
	closest   *Node
}

func newLookupState(log *zap.Logger, rpc rpcClient, self, target yzid.ID, k, alpha int, seed []*Node) *lookupState {
	l := &lookupState{
		log:       log,
		rpc:       rpc,
		self:      self,
		target:    target,
		k:         k,
		alpha:     alpha,
		contacted: make(map[yzid.ID]bool),
	}
	l.merge(seed)
	return l
}

// merge inserts candidates into the shortlist, deduplicating by ID and
// never admitting the query target itself or the local node as a
// candidate to contact (spec.md §8: find_node responses must never echo
// the queried target back as a result).
func (l *lookupState) merge(candidates []*Node) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[yzid.ID]bool, len(l.shortlist))
	for _, n := range l.shortlist {
		seen[n.ID] = true
	}
	for _, n := range candidates {
		if n == nil || n.ID.Equal(l.target) || n.ID.Equal(l.self) || seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		l.shortlist = append(l.shortlist, n)
	}

	less := yzid.ByDistanceTo(l.target)
	sort.Slice(l.shortlist, func(i, j int) bool {
		return less(l.shortlist[i].ID, l.shortlist[j].ID)
	})
	if len(l.shortlist) > l.k {
		l.shortlist = l.shortlist[:l.k]
	}
	if len(l.shortlist) > 0 {
		l.closest = l.shortlist[0]
	}
}

// nextBatch returns up to alpha not-yet-contacted candidates from the
// current shortlist, marking them contacted.
func (l *lookupState) nextBatch() []*Node {
	l.mu.Lock()
	defer l.mu.Unlock()

	var batch []*Node
	for _, n := range l.shortlist {
		if len(batch) >= l.alpha {
			break
		}
		if l.contacted[n.ID] {
			continue
		}
		l.contacted[n.ID] = true
		batch = append(batch, n)
	}
	return batch
}

func (l *lookupState) results() []*Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Node, len(l.shortlist))
	copy(out, l.shortlist)
	return out
}

// FindNode performs an iterative find_node lookup for target, starting
// from seed candidates drawn from the routing table, and returns up to k
// nodes closest to target, per spec.md §4.2. It keeps querying until
// every node in the k-closest shortlist has been contacted.
func (l *lookupState) FindNode(ctx context.Context) []*Node {
	for {
		batch := l.nextBatch()
		if len(batch) == 0 {
			return l.results()
		}

		bestBefore := l.closestDistance()

		var wg sync.WaitGroup
		for _, peer := range batch {
			peer := peer
			wg.Add(1)
			go func() {
				defer wg.Done()
				found, err := l.rpc.sendFindNode(ctx, peer, l.target)
				if err != nil {
					l.log.Debug("find_node query failed", zap.Stringer("peer", peer.ID), zap.Error(err))
					return
				}
				l.merge(found)
			}()
		}
		wg.Wait()

		if ctx.Err() != nil {
			return l.results()
		}

		bestAfter := l.closestDistance()
		if bestAfter == nil || (bestBefore != nil && !bestAfter.Less(*bestBefore)) {
			// no improvement this round; keep going only while
			// uncontacted shortlist entries remain, so the lookup ends
			// once every node in the k-closest shortlist was queried.
			if len(l.nextBatchPeek()) == 0 {
				return l.results()
			}
		}
	}
}

func (l *lookupState) closestDistance() *yzid.Distance {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closest == nil {
		return nil
	}
	d := l.target.Distance(l.closest.ID)
	return &d
}

func (l *lookupState) nextBatchPeek() []*Node {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*Node
	for _, n := range l.shortlist {
		if !l.contacted[n.ID] {
			out = append(out, n)
		}
	}
	return out
}

// FindValue performs an iterative find_value lookup for key. If any
// queried peer holds the value it is returned immediately with ok=true;
// otherwise FindValue behaves like FindNode and returns the closest known
// peers, per spec.md §4.2.
func (l *lookupState) FindValue(ctx context.Context) (value []byte, closest []*Node, ok bool) {
	for {
		batch := l.nextBatch()
		if len(batch) == 0 {
			return nil, l.results(), false
		}

		type found struct {
			nodes []*Node
			value []byte
			ok    bool
		}
		results := make(chan found, len(batch))

		var wg sync.WaitGroup
		for _, peer := range batch {
			peer := peer
			wg.Add(1)
			go func() {
				defer wg.Done()
				nodes, v, has, err := l.rpc.sendFindValue(ctx, peer, l.target)
				if err != nil {
					l.log.Debug("find_value query failed", zap.Stringer("peer", peer.ID), zap.Error(err))
					results <- found{}
					return
				}
				results <- found{nodes: nodes, value: v, ok: has}
			}()
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.ok {
				return r.value, nil, true
			}
			l.merge(r.nodes)
		}

		if ctx.Err() != nil {
			return nil, l.results(), false
		}
		if len(l.nextBatchPeek()) == 0 {
			return nil, l.results(), false
		}
	}
}
