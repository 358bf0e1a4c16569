// Package app implements the per-app lifecycle state machine.
//
// An App couples a user-supplied Module (loaded dynamically by a
// Loader), a Console for its log output, and a cancel.Token threaded
// through every suspension point in the module's run loop. State
// transitions are serialized by a per-App mutex.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/cancel"
	"github.com/apphost/apphost/internal/console"
)

// State is one value in the App FSM.
type State string

// Lifecycle states. Allowed transitions: Init moves UNINITIALIZED to
// INITIALIZED, Run to RUNNING, Stop through STOPPING to STOPPED, and
// Uninstall back to UNINITIALIZED from anywhere.
const (
	Uninitialized State = "UNINITIALIZED"
	Initialized   State = "INITIALIZED"
	Running       State = "RUNNING"
	Stopping      State = "STOPPING"
	Stopped       State = "STOPPED"
)

// warmupRace is how long App.Run waits for the user Run hook before
// declaring startup successful. User tasks are expected to loop
// forever, so Run returns to the caller once the hook has survived
// this long.
const warmupRace = time.Second

// Info is the metadata record for one app. Name is immutable after
// Register; Timestamp strictly increases on each re-Init and names the
// module source file.
type Info struct {
	Name        string
	Version     string
	Description string
	Timestamp   int64
	Env         map[string]any
}

// Module is what a Loader produces: the user-level object with
// init/run/stop hooks, constructed from an Info + Console + cancel
// wrapper. apphost's own implementation lives in internal/loader.
type Module interface {
	Init(ctx context.Context) error
	Run(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Loader imports the module source for an app and returns a Module
// ready to be Init'd. path is conventionally
// "<baseDir>/<name>.<timestamp>.<ext>".
type Loader interface {
	Load(path string, info Info, console *console.Console, wrap WrapFunc) (Module, error)
}

// WrapFunc is the cancellation-aware await primitive injected into
// user-facing Loader implementations, so that scripted modules (see
// internal/loader) can route their own suspension points through the
// App's current cancellation token without importing internal/cancel
// directly.
type WrapFunc func(ctx context.Context, fn func(context.Context) (any, error)) (any, error)

// Stats tracks an app's lifetime counters. Uptime accumulates the sum
// of completed StartTime-to-StopTime intervals.
type Stats struct {
	StartTime    time.Time
	StopTime     time.Time
	Uptime       time.Duration
	RestartCount int
	LastError    string
}

// App is one managed task: its lifecycle state, module handle, console,
// stats, and cancellation token. An internal mutex serializes
// Init/Run/Stop/Restart/Uninstall, so concurrent callers observe each
// transition fully before the next begins.
type App struct {
	Name string

	mu      sync.Mutex
	info    Info
	state   State
	module  Module
	console *console.Console
	stats   Stats
	token   *cancel.Token

	loader  Loader
	baseDir string
	ext     string
}

// New creates an App in UNINITIALIZED state. baseDir and ext determine
// the module path passed to loader.Load: "<baseDir>/<name>.<timestamp>.<ext>".
func New(name string, loader Loader, baseDir, ext string) *App {
	return &App{
		Name:    name,
		state:   Uninitialized,
		console: console.New(console.DefaultMaxLen),
		loader:  loader,
		baseDir: baseDir,
		ext:     ext,
	}
}

// Console returns the app's log console.
func (a *App) Console() *console.Console {
	return a.console
}

// State returns the app's current FSM state.
func (a *App) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Info returns a copy of the app's current metadata.
func (a *App) Info() Info {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.info
}

// Stats returns a copy of the app's current stats, with Uptime updated
// to reflect time elapsed since StartTime if the app is currently
// RUNNING.
func (a *App) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.stats
	if a.state == Running {
		s.Uptime += time.Since(a.stats.StartTime)
	}
	return s
}

func (a *App) modulePath() string {
	return fmt.Sprintf("%s/%s.%d.%s", a.baseDir, a.Name, a.info.Timestamp, a.ext)
}

// Init loads and constructs the module for info, then calls its Init
// hook. Forbidden while RUNNING. Always uninstalls any previously loaded
// module first. On any failure, LastError is recorded and state
// remains/returns to UNINITIALIZED.
func (a *App) Init(ctx context.Context, info Info) error {
	a.mu.Lock()
	if a.state == Running {
		a.mu.Unlock()
		return fmt.Errorf("app %s: init: %w: forbidden while RUNNING", a.Name, apperr.AppState)
	}
	a.mu.Unlock()

	if err := a.uninstallLocked(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.info = info
	path := a.modulePath()
	a.mu.Unlock()

	mod, err := a.loader.Load(path, info, a.console, a.wrapAny)
	if err != nil {
		a.mu.Lock()
		a.stats.LastError = err.Error()
		a.state = Uninitialized
		a.mu.Unlock()
		return fmt.Errorf("app %s: init: %w: %w", a.Name, apperr.AppState, err)
	}

	if err := mod.Init(ctx); err != nil {
		a.mu.Lock()
		a.stats.LastError = err.Error()
		a.state = Uninitialized
		a.mu.Unlock()
		return fmt.Errorf("app %s: init: %w: %w", a.Name, apperr.User, err)
	}

	a.mu.Lock()
	a.module = mod
	a.state = Initialized
	a.token = cancel.New()
	a.mu.Unlock()
	return nil
}

// wrapAny adapts cancel.Wrap to the any-typed WrapFunc signature that
// Loader implementations (e.g. scripted modules) use.
func (a *App) wrapAny(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	a.mu.Lock()
	tok := a.token
	a.mu.Unlock()
	return cancel.Wrap(tok, fn)
}

// Run starts the module, allowed from INITIALIZED or STOPPED. The user
// Run call is raced against a short warmup timer so Run returns
// promptly even though user tasks are expected to loop forever; if the
// timer wins, the user call keeps running in the background and any
// later failure is recorded via LastError + a transition to STOPPED.
func (a *App) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Initialized && a.state != Stopped {
		s := a.state
		a.mu.Unlock()
		return fmt.Errorf("app %s: run: %w: not allowed from %s", a.Name, apperr.AppState, s)
	}
	mod := a.module
	if mod == nil {
		a.mu.Unlock()
		return fmt.Errorf("app %s: run: %w: no module loaded", a.Name, apperr.AppState)
	}
	a.token = cancel.New()
	tok := a.token
	a.stats.StartTime = time.Now()
	a.state = Running
	a.mu.Unlock()

	// The module's Run hook gets the token's context, not the caller's:
	// Stop sets the token, which is what unblocks a run loop waiting on
	// ctx.Done().
	done := make(chan error, 1)
	go func() {
		done <- mod.Run(tok.Context())
	}()

	select {
	case err := <-done:
		if err != nil {
			a.recordRunFailure(err)
			return fmt.Errorf("app %s: run: %w: %w", a.Name, apperr.User, err)
		}
		return nil
	case <-time.After(warmupRace):
		go a.awaitBackgroundRun(done)
		return nil
	}
}

// awaitBackgroundRun watches a Run call that outlived the warmup race.
func (a *App) awaitBackgroundRun(done <-chan error) {
	if err := <-done; err != nil {
		a.recordRunFailure(err)
	}
}

func (a *App) recordRunFailure(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != Running {
		return
	}
	a.stats.LastError = err.Error()
	a.stats.StopTime = time.Now()
	a.stats.Uptime += a.stats.StopTime.Sub(a.stats.StartTime)
	a.state = Stopped
}

// Stop transitions RUNNING -> STOPPING -> STOPPED, setting the
// cancellation token so every outstanding wrap in user code observes
// apperr.Cancelled, then invoking the user Stop hook. No-op from
// STOPPED/UNINITIALIZED.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == Stopped || a.state == Uninitialized {
		a.mu.Unlock()
		return nil
	}
	if a.state != Running {
		s := a.state
		a.mu.Unlock()
		return fmt.Errorf("app %s: stop: %w: not allowed from %s", a.Name, apperr.AppState, s)
	}
	mod := a.module
	tok := a.token
	a.state = Stopping
	a.mu.Unlock()

	tok.Set()

	var stopErr error
	if mod != nil {
		stopErr = mod.Stop(ctx)
	}

	a.mu.Lock()
	a.stats.StopTime = time.Now()
	a.stats.Uptime += a.stats.StopTime.Sub(a.stats.StartTime)
	if stopErr != nil {
		a.stats.LastError = stopErr.Error()
	}
	a.state = Stopped
	a.mu.Unlock()

	if stopErr != nil {
		return fmt.Errorf("app %s: stop: %w: %w", a.Name, apperr.User, stopErr)
	}
	return nil
}

// Restart stops the app (if running), increments RestartCount, and runs
// it again.
func (a *App) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.stats.RestartCount++
	a.mu.Unlock()
	return a.Run(ctx)
}

// Uninstall stops the app if running, drops the module handle, and
// returns state to UNINITIALIZED.
func (a *App) Uninstall(ctx context.Context) error {
	return a.uninstallLocked(ctx)
}

func (a *App) uninstallLocked(ctx context.Context) error {
	a.mu.Lock()
	state := a.state
	a.mu.Unlock()

	if state == Running || state == Stopping {
		if err := a.Stop(ctx); err != nil {
			return err
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.module = nil
	a.state = Uninitialized
	return nil
}

// ResetRestartCount clears the restart counter. The health loop's
// auto-restart cap compares against this counter, so an operator-driven
// re-Init or explicit restart calls this to make auto-restart eligible
// again.
func (a *App) ResetRestartCount() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stats.RestartCount = 0
}
