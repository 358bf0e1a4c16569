// Package manager implements the App Manager: a registry of named apps
// plus a periodic health-check loop that auto-restarts apps which
// stopped unexpectedly, up to a bounded number of attempts per app.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/apphost/apphost/internal/app"
	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/history"
)

// Status is the externally visible snapshot of one managed app, the
// record served by GET /@api/list and /@api/stat/:name.
type Status struct {
	Name         string        `json:"name"`
	State        app.State     `json:"state"`
	Info         app.Info      `json:"info"`
	StartTime    time.Time     `json:"start_time,omitempty"`
	StopTime     time.Time     `json:"stop_time,omitempty"`
	Uptime       time.Duration `json:"uptime"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// HealthOptions configures the Manager's background restart loop.
type HealthOptions struct {
	Interval           time.Duration
	AutoRestart        bool
	MaxRestartAttempts int
}

// DefaultHealthOptions is the health-loop policy used when no config
// overrides it.
var DefaultHealthOptions = HealthOptions{
	Interval:           30 * time.Second,
	AutoRestart:        true,
	MaxRestartAttempts: 3,
}

// Manager owns the set of registered apps. The registry lock guards
// only the map; each app.App serializes its own lifecycle transitions,
// so operations on distinct apps interleave freely while operations on
// the same app run one at a time.
type Manager struct {
	mu   sync.RWMutex
	apps map[string]*app.App

	loader  app.Loader
	baseDir string
	ext     string

	health HealthOptions

	stopHealth chan struct{}
	healthDone chan struct{}

	history *history.Store
}

// SetHistory attaches a history.Store to which subsequent Init, Start,
// Stop and Restart calls, plus the health loop's auto-restarts, are
// recorded. StartAll, StopAll and Unregister do not record. Pass nil to
// stop recording.
func (m *Manager) SetHistory(h *history.Store) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = h
}

func (m *Manager) recordTransition(name string, from, to app.State, transitionErr error) {
	m.mu.RLock()
	h := m.history
	m.mu.RUnlock()
	if h == nil {
		return
	}
	errMsg := ""
	if transitionErr != nil {
		errMsg = transitionErr.Error()
	}
	if err := h.Record(history.Transition{App: name, From: from, To: to, At: time.Now(), Error: errMsg}); err != nil {
		slog.Error("history: record transition failed", "app", name, "error", err)
	}
}

// New creates an empty Manager. loader, baseDir, and ext are passed
// through to every app.New call made by Register.
func New(loader app.Loader, baseDir, ext string, health HealthOptions) *Manager {
	return &Manager{
		apps:    make(map[string]*app.App),
		loader:  loader,
		baseDir: baseDir,
		ext:     ext,
		health:  health,
	}
}

// Register adds a new, UNINITIALIZED app under name. Returns an error if
// name is already registered.
func (m *Manager) Register(name string) (*app.App, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.apps[name]; exists {
		return nil, fmt.Errorf("manager: register %s: %w: already registered", name, apperr.AppState)
	}
	a := app.New(name, m.loader, m.baseDir, m.ext)
	m.apps[name] = a
	slog.Info("app registered", "app", name)
	return a, nil
}

// Unregister stops (if necessary) and removes an app from the registry.
func (m *Manager) Unregister(ctx context.Context, name string) error {
	m.mu.Lock()
	a, ok := m.apps[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("manager: unregister %s: %w: not found", name, apperr.AppState)
	}
	delete(m.apps, name)
	m.mu.Unlock()

	return a.Uninstall(ctx)
}

// Get returns the named app, or an error if not registered.
func (m *Manager) Get(name string) (*app.App, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.apps[name]
	if !ok {
		return nil, fmt.Errorf("manager: get %s: %w: not found", name, apperr.AppState)
	}
	return a, nil
}

// List returns all registered apps sorted by name.
func (m *Manager) List() []*app.App {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*app.App, 0, len(m.apps))
	for _, a := range m.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Init loads and initializes the named app with info. A successful Init
// resets the app's restart counter.
func (m *Manager) Init(ctx context.Context, name string, info app.Info) error {
	a, err := m.Get(name)
	if err != nil {
		return err
	}
	before := a.State()
	err = a.Init(ctx, info)
	if err == nil {
		a.ResetRestartCount()
	}
	m.recordTransition(name, before, a.State(), err)
	return err
}

// Start runs the named app.
func (m *Manager) Start(ctx context.Context, name string) error {
	a, err := m.Get(name)
	if err != nil {
		return err
	}
	before := a.State()
	err = a.Run(ctx)
	m.recordTransition(name, before, a.State(), err)
	return err
}

// Stop stops the named app.
func (m *Manager) Stop(ctx context.Context, name string) error {
	a, err := m.Get(name)
	if err != nil {
		return err
	}
	before := a.State()
	err = a.Stop(ctx)
	m.recordTransition(name, before, a.State(), err)
	return err
}

// Restart restarts the named app and resets its auto-restart counter,
// since this is an explicit operator-driven restart, not an automatic
// one; the counter exists to bound the health loop, not the operator.
func (m *Manager) Restart(ctx context.Context, name string) error {
	a, err := m.Get(name)
	if err != nil {
		return err
	}
	before := a.State()
	err = a.Restart(ctx)
	m.recordTransition(name, before, a.State(), err)
	if err != nil {
		return err
	}
	a.ResetRestartCount()
	return nil
}

// StartAll runs every registered app, collecting (not short-circuiting
// on) individual failures.
func (m *Manager) StartAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, a := range m.List() {
		if err := a.Run(ctx); err != nil {
			results[a.Name] = err
		}
	}
	return results
}

// StopAll stops every registered app, collecting individual failures.
func (m *Manager) StopAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, a := range m.List() {
		if err := a.Stop(ctx); err != nil {
			results[a.Name] = err
		}
	}
	return results
}

// GetStatus returns the externally visible snapshot for one app.
func (m *Manager) GetStatus(name string) (Status, error) {
	a, err := m.Get(name)
	if err != nil {
		return Status{}, err
	}
	return statusOf(a), nil
}

// Export returns the externally visible snapshot for every app, sorted
// by name: the payload for GET /@api/list.
func (m *Manager) Export() []Status {
	apps := m.List()
	out := make([]Status, 0, len(apps))
	for _, a := range apps {
		out = append(out, statusOf(a))
	}
	return out
}

func statusOf(a *app.App) Status {
	stats := a.Stats()
	return Status{
		Name:         a.Name,
		State:        a.State(),
		Info:         a.Info(),
		StartTime:    stats.StartTime,
		StopTime:     stats.StopTime,
		Uptime:       stats.Uptime,
		RestartCount: stats.RestartCount,
		LastError:    stats.LastError,
	}
}

// Load idempotently registers and initializes every app in infos: apps
// not yet registered are created, then every app is (re-)Init'd with
// its manifest entry. Used by cmd/apphostd at startup and on every
// manifest-watcher reload to reconcile the in-memory registry with the
// on-disk manifest. Individual failures are collected, not
// short-circuited, mirroring StartAll/StopAll.
func (m *Manager) Load(ctx context.Context, infos []app.Info) map[string]error {
	results := make(map[string]error)
	for _, info := range infos {
		if _, err := m.Get(info.Name); err != nil {
			if _, regErr := m.Register(info.Name); regErr != nil {
				results[info.Name] = regErr
				continue
			}
		}
		if err := m.Init(ctx, info.Name, info); err != nil {
			results[info.Name] = err
		}
	}
	return results
}

// StartHealthLoop launches the background goroutine that periodically
// scans for apps in the STOPPED state with a recorded error and
// auto-restarts them, up to HealthOptions.MaxRestartAttempts. No-op if
// AutoRestart is false. Call StopHealthLoop to shut it down.
func (m *Manager) StartHealthLoop(ctx context.Context) {
	if !m.health.AutoRestart {
		return
	}
	m.stopHealth = make(chan struct{})
	m.healthDone = make(chan struct{})

	go func() {
		defer close(m.healthDone)
		ticker := time.NewTicker(m.health.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopHealth:
				return
			case <-ticker.C:
				m.checkAndRestart(ctx)
			}
		}
	}()
}

// StopHealthLoop stops the background health loop started by
// StartHealthLoop, waiting for the current tick (if any) to finish.
func (m *Manager) StopHealthLoop() {
	if m.stopHealth == nil {
		return
	}
	close(m.stopHealth)
	<-m.healthDone
}

func (m *Manager) checkAndRestart(ctx context.Context) {
	for _, a := range m.List() {
		if a.State() != app.Stopped {
			continue
		}
		stats := a.Stats()
		if stats.LastError == "" {
			continue // clean stop, not a failure; do not auto-restart
		}
		if stats.RestartCount >= m.health.MaxRestartAttempts {
			continue
		}
		slog.Warn("auto-restarting app", "app", a.Name, "attempt", stats.RestartCount+1, "last_error", stats.LastError)
		before := a.State()
		err := a.Restart(ctx)
		m.recordTransition(a.Name, before, a.State(), err)
		if err != nil {
			slog.Error("auto-restart failed", "app", a.Name, "error", err)
		}
	}
}
