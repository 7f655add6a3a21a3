// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information

// Package testcontext provides a per-test context with deadline and
// cleanup tracking, mirroring the scaffolding the teacher repo's test
// suite relies on.
package testcontext

import (
	"context"
	"testing"
	"time"
)

// Context wraps a context.Context with a test-scoped cleanup list.
type Context struct {
	context.Context
	t       testing.TB
	cancel  context.CancelFunc
	cleanup []func() error
}

// New returns a Context bound to t, canceled automatically at test end.
func New(t testing.TB) *Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	c := &Context{Context: ctx, t: t, cancel: cancel}
	t.Cleanup(c.Cleanup)
	return c
}

// Check runs fn and fails the test if it returns an error. It is intended
// to be deferred: `defer ctx.Check(resource.Close)`.
func (c *Context) Check(fn func() error) {
	if err := fn(); err != nil {
		c.t.Errorf("cleanup: %v", err)
	}
}

// Cleanup cancels the context and runs every registered cleanup function
// in reverse order.
func (c *Context) Cleanup() {
	c.cancel()
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		if err := c.cleanup[i](); err != nil {
			c.t.Errorf("cleanup: %v", err)
		}
	}
}

// AddCleanup registers fn to run when the test context is torn down.
func (c *Context) AddCleanup(fn func() error) {
	c.cleanup = append(c.cleanup, fn)
}
