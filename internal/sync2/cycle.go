// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import (
	"context"
	"sync"
	"time"
)

// Cycle is a self-rescheduling periodic task with an adjustable interval
// and an explicit shutdown, matching the "supervised task" shape called
// for when modelling the Kademlia engine's refresh/republish/ping
// maintenance loops.
type Cycle struct {
	mu       sync.Mutex
	interval time.Duration
	trigger  chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCycle returns a Cycle that fires every interval once Run is called.
func NewCycle(interval time.Duration) *Cycle {
	return &Cycle{
		interval: interval,
		trigger:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// SetInterval changes the firing interval. It takes effect on the next
// tick.
func (cycle *Cycle) SetInterval(interval time.Duration) {
	cycle.mu.Lock()
	defer cycle.mu.Unlock()
	cycle.interval = interval
}

func (cycle *Cycle) getInterval() time.Duration {
	cycle.mu.Lock()
	defer cycle.mu.Unlock()
	return cycle.interval
}

// TriggerNow causes the next wait to return immediately, without waiting
// out the remainder of the current interval.
func (cycle *Cycle) TriggerNow() {
	select {
	case cycle.trigger <- struct{}{}:
	default:
	}
}

// Stop terminates a running Cycle.
func (cycle *Cycle) Stop() {
	cycle.stopOnce.Do(func() { close(cycle.stop) })
}

// Run invokes fn every interval until ctx is canceled or Stop is called.
// If fn returns an error, Run stops and returns that error; callers that
// want the loop to keep going log the failure inside fn and return nil.
func (cycle *Cycle) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	for {
		timer := time.NewTimer(cycle.getInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-cycle.stop:
			timer.Stop()
			return nil
		case <-cycle.trigger:
			timer.Stop()
		case <-timer.C:
		}

		if err := fn(ctx); err != nil {
			return err
		}
	}
}
