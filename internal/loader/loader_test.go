package loader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/apphost/apphost/internal/app"
	"github.com/apphost/apphost/internal/cancel"
	"github.com/apphost/apphost/internal/console"
)

func writeScript(t *testing.T, src string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mod.0.js")
	if err := os.WriteFile(path, []byte(src), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func wrapperFrom(tok *cancel.Token) app.WrapFunc {
	return func(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
		return cancel.Wrap(tok, fn)
	}
}

func TestLoadAndInitRunStop(t *testing.T) {
	path := writeScript(t, `
		var calls = [];
		module.exports = {
			init: function() { host.log("initialized"); },
			run: function() { host.info("running"); },
			stop: function() { host.warn("stopping"); },
		};
	`)

	l := New()
	cons := console.New(10)
	tok := cancel.New()
	mod, err := l.Load(path, app.Info{Name: "demo"}, cons, wrapperFrom(tok))
	if err != nil {
		t.Fatal(err)
	}

	if err := mod.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mod.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mod.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}

	if cons.Len() != 3 {
		t.Fatalf("expected 3 log entries, got %d", cons.Len())
	}
}

func TestRunPropagatesThrownError(t *testing.T) {
	path := writeScript(t, `
		module.exports = {
			run: function() { throw new Error("boom"); },
		};
	`)
	l := New()
	cons := console.New(10)
	tok := cancel.New()
	mod, err := l.Load(path, app.Info{Name: "demo"}, cons, wrapperFrom(tok))
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Run(context.Background()); err == nil {
		t.Fatal("expected thrown error to propagate")
	}
}

func TestSleepRejectsOnCancellation(t *testing.T) {
	path := writeScript(t, `
		module.exports = {
			run: function() { host.sleep(60000); },
		};
	`)
	l := New()
	cons := console.New(10)
	tok := cancel.New()
	mod, err := l.Load(path, app.Info{Name: "demo"}, cons, wrapperFrom(tok))
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- mod.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	tok.Set()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected sleep to reject after cancellation")
		}
	case <-time.After(time.Second):
		t.Fatal("run did not return after cancellation")
	}
}

func TestMissingHooksAreNoOps(t *testing.T) {
	path := writeScript(t, `module.exports = {};`)
	l := New()
	cons := console.New(10)
	tok := cancel.New()
	mod, err := l.Load(path, app.Info{Name: "demo"}, cons, wrapperFrom(tok))
	if err != nil {
		t.Fatal(err)
	}
	if err := mod.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mod.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := mod.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
}
