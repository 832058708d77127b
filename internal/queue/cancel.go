package queue

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrCancelled is returned by executors that stopped early because their job
// was cancelled.
var ErrCancelled = errors.New("cancelled")

// CancelToken carries a cancellation request from callers to the running job.
// Executors poll Cancelled at their checkpoints and pass Context to blocking
// calls such as subprocesses so a cancel interrupts them.
type CancelToken struct {
	requested atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewCancelToken creates a token whose context is also done when parent is.
func NewCancelToken(parent context.Context) *CancelToken {
	ctx, cancel := context.WithCancel(parent)
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel records the request and cancels the token's context.
func (t *CancelToken) Cancel() {
	t.requested.Store(true)
	t.cancel()
}

// Cancelled reports whether a caller requested cancellation. It stays false
// when only the parent context ended.
func (t *CancelToken) Cancelled() bool {
	return t.requested.Load()
}

// Context returns the context executors should run blocking work under.
func (t *CancelToken) Context() context.Context {
	return t.ctx
}

// Err returns ErrCancelled once cancellation was requested.
func (t *CancelToken) Err() error {
	if t.Cancelled() {
		return ErrCancelled
	}
	return nil
}

func (t *CancelToken) release() {
	t.cancel()
}
