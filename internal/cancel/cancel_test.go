package cancel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/apphost/apphost/internal/apperr"
)

func TestWrapResolvesWhenFnWinsFirst(t *testing.T) {
	tok := New()
	v, err := Wrap(tok, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if v != 42 {
		t.Fatalf("got %d", v)
	}
}

func TestWrapRejectsAfterSet(t *testing.T) {
	tok := New()
	started := make(chan struct{})
	go func() {
		<-started
		tok.Set()
	}()

	_, err := Wrap(tok, func(ctx context.Context) (int, error) {
		close(started)
		select {} // never resolves
	})

	if !errors.Is(err, apperr.Cancelled) {
		t.Fatalf("expected apperr.Cancelled, got %v", err)
	}
}

func TestSetIsIdempotent(t *testing.T) {
	tok := New()
	tok.Set()
	tok.Set() // must not panic
	if !tok.IsSet() {
		t.Fatal("expected token to be set")
	}
}

func TestFreshTokenIsUnset(t *testing.T) {
	tok := New()
	if tok.IsSet() {
		t.Fatal("expected fresh token to be unset")
	}
}

func TestWrapLivenessAfterStop(t *testing.T) {
	// Cancellation liveness: after Set, a never-resolving Wrap
	// eventually rejects with apperr.Cancelled.
	tok := New()
	errCh := make(chan error, 1)
	go func() {
		_, err := Wrap(tok, func(ctx context.Context) (struct{}, error) {
			<-ctx.Done()
			return struct{}{}, ctx.Err()
		})
		errCh <- err
	}()

	tok.Set()

	select {
	case err := <-errCh:
		if !errors.Is(err, apperr.Cancelled) {
			t.Fatalf("expected apperr.Cancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wrap did not reject within timeout after Set")
	}
}
