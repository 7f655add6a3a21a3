// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package kademlia

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zeebo/errs"

	"github.com/yz-social/yznet/pkg/wire"
	"github.com/yz-social/yznet/pkg/yzid"
)

// CorrelatorErr is the error class for request/response correlation
// failures: request timeouts.
var CorrelatorErr = errs.Class("correlator")

// ErrRequestTimeout is returned by Wait when no response arrives before
// the request's deadline, per spec.md §4.4.
var ErrRequestTimeout = CorrelatorErr.New("request timed out")

// pendingRequest is a single outstanding request awaiting its response.
type pendingRequest struct {
	resolve  chan wire.Envelope
	resolved int32
}

// Correlator generates requestIds and tracks outstanding requests,
// matching unsolicited response envelopes back to the caller that issued
// the original request, per spec.md §4.4.
//
// requestId has the form "<first 8 hex chars of local NodeID>_<counter>",
// mirroring the teacher's convention of namespacing request identifiers
// by originating node.
type Correlator struct {
	localPrefix string
	counter     uint64

	mu      sync.Mutex
	pending map[string]*pendingRequest
}

// NewCorrelator creates a correlator for requests originated by local.
func NewCorrelator(local yzid.ID) *Correlator {
	hex := local.Hex()
	prefix := hex
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return &Correlator{
		localPrefix: prefix,
		pending:     make(map[string]*pendingRequest),
	}
}

// NextRequestID allocates a new, unique request identifier.
func (c *Correlator) NextRequestID() string {
	n := atomic.AddUint64(&c.counter, 1)
	return fmt.Sprintf("%s_%d", c.localPrefix, n)
}

// Register records that requestID is now awaiting a response and returns
// a function to await it. It panics if requestID is already registered
// with a pending resolver for the same correlator instance: ids come from
// NextRequestID, so a duplicate is a programming error, not a runtime
// condition (spec.md §4.4).
func (c *Correlator) Register(requestID string) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[requestID]; exists {
		panic("correlator: duplicate registration for request id " + requestID)
	}
	p := &pendingRequest{resolve: make(chan wire.Envelope, 1)}
	c.pending[requestID] = p
	return p
}

// Wait blocks until requestID's response arrives, ctx is cancelled, or
// deadline elapses, whichever comes first. It always removes the pending
// entry before returning.
func (c *Correlator) Wait(ctx context.Context, requestID string, p *pendingRequest, deadline time.Duration) (wire.Envelope, error) {
	timer := time.NewTimer(deadline)
	defer timer.Stop()

	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	select {
	case env := <-p.resolve:
		return env, nil
	case <-timer.C:
		return wire.Envelope{}, ErrRequestTimeout
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	}
}

// Resolve delivers env to the request awaiting requestID, if any. It
// reports whether a waiter was found. Resolving an unknown or
// already-resolved request id is a silent no-op (late or duplicate
// response after the caller gave up).
func (c *Correlator) Resolve(requestID string, env wire.Envelope) bool {
	c.mu.Lock()
	p, ok := c.pending[requestID]
	c.mu.Unlock()
	if !ok {
		return false
	}
	if !atomic.CompareAndSwapInt32(&p.resolved, 0, 1) {
		return false
	}
	select {
	case p.resolve <- env:
	default:
	}
	return true
}

// Pending returns the number of currently outstanding requests, for
// diagnostics and tests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
