// Package cancel implements the one-shot cancellation token that lets
// App.Stop pre-empt a user module's blocking work.
//
// Token wraps a context.Context + CancelCauseFunc pair. A Token starts
// Unset, is Set exactly once on entry to STOPPING, and every
// outstanding Wrap call observes the Set and returns apperr.Cancelled.
// A fresh Token is installed on every transition into RUNNING, so a
// restarted app never sees a pre-fired cancellation.
package cancel

import (
	"context"

	"github.com/apphost/apphost/internal/apperr"
)

// Token is a one-shot cancellation signal. The zero value is not usable;
// use New.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// New returns a fresh, Unset token.
func New() *Token {
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Set fires the token. Idempotent: calling Set more than once has no
// further effect. Every Wrap call racing this token observes apperr.Cancelled.
func (t *Token) Set() {
	t.cancel(apperr.Cancelled)
}

// IsSet reports whether Set has been called.
func (t *Token) IsSet() bool {
	return t.ctx.Err() != nil
}

// Done returns a channel closed once Set is called, mirroring
// context.Context.Done for callers that want to select on it directly.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns the context that Set cancels. A module's long-running
// hooks receive this so they observe Stop without polling.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Wrap races fn against the token. If fn completes first, its result is
// returned. If the token is Set first, Wrap returns the zero value of T
// and apperr.Cancelled, and fn's goroutine is abandoned: the winner
// does not unblock the loser, and any resources inside fn remain
// user-owned.
//
// fn receives a context.Context derived from the token so well-behaved
// user code can observe cancellation directly instead of racing.
func Wrap[T any](t *Token, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}

	done := make(chan result, 1)
	go func() {
		v, err := fn(t.ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && t.IsSet() {
			var zero T
			return zero, apperr.Cancelled
		}
		return r.v, r.err
	case <-t.ctx.Done():
		var zero T
		return zero, apperr.Cancelled
	}
}
