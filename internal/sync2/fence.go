// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package sync2

import "sync"

// Fence allows a goroutine to wait until another goroutine releases it.
// It is safe to call Release multiple times; only the first has effect.
type Fence struct {
	once sync.Once
	done chan struct{}
	init sync.Once
}

func (fence *Fence) ensure() {
	fence.init.Do(func() { fence.done = make(chan struct{}) })
}

// Release unblocks every current and future Wait call.
func (fence *Fence) Release() {
	fence.ensure()
	fence.once.Do(func() { close(fence.done) })
}

// Wait blocks until Release has been called.
func (fence *Fence) Wait() {
	fence.ensure()
	<-fence.done
}

// Released reports whether Release has already been called, without
// blocking.
func (fence *Fence) Released() bool {
	fence.ensure()
	select {
	case <-fence.done:
		return true
	default:
		return false
	}
}
