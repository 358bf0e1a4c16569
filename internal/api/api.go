// Package api wires apphost's REST + SSE + WebSocket control-plane
// routes onto an internal/router.Router and an internal/manager.Manager.
// Routes register directly on the trie router, so path params (:name)
// come from the router rather than manual path parsing.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/apphost/apphost/internal/app"
	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/console"
	"github.com/apphost/apphost/internal/history"
	"github.com/apphost/apphost/internal/httpengine"
	"github.com/apphost/apphost/internal/manager"
	"github.com/apphost/apphost/internal/router"
)

// Options holds the dependencies injected into the API surface.
type Options struct {
	Manager *manager.Manager
	History *history.Store // optional; nil disables /@api/history

	BaseDir string // app module source directory
	Ext     string // module file extension, e.g. "js"

	// StatPollInterval is the SSE poll cadence for /@api/stat/:name.
	// Defaults to one status event per second.
	StatPollInterval time.Duration

	// Saver persists the registered app list after every mutating
	// control-plane call. nil disables persistence. The API only ever
	// sees this callback, never internal/manifest directly; only
	// cmd/apphostd knows about both.
	Saver func([]app.Info) error
}

// Register mounts the control-plane routes onto r.
func Register(r *router.Router, opts Options) {
	if opts.StatPollInterval <= 0 {
		opts.StatPollInterval = time.Second
	}
	a := &api{opts: opts}

	r.Get("/@api/list", a.list)
	r.Get("/@api/stat/:name", a.stat)
	r.Post("/@api/control/:name", a.control)
	r.Put("/@api/control/:name", a.create)
	r.Delete("/@api/control/:name", a.delete)
	r.Get("/@api/logs/:name", a.logs)
	r.Get("/@api/logs/:name/ws", a.logsWS)
	r.Get("/@api/history/:name", a.history)
	r.Get("/@api/healthz", a.healthz)
}

type api struct {
	opts Options
}

func (a *api) list(c *router.Context) error {
	return c.JSONResponse(a.opts.Manager.Export(), 200)
}

func (a *api) stat(c *router.Context) error {
	name := c.Params["name"]
	status, err := a.opts.Manager.GetStatus(name)
	if err != nil {
		return c.Status(404, "app not found")
	}

	if !strings.Contains(c.Request().Header.Get("Accept"), "text/event-stream") {
		return c.JSONResponse(status, 200)
	}

	eng, err := c.SSE()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(a.opts.StatPollInterval)
	defer ticker.Stop()

	for {
		status, err := a.opts.Manager.GetStatus(name)
		if err != nil {
			return nil
		}
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("api: marshal status: %w", err)
		}
		if err := httpengine.WriteSSEEvent(eng.Pipe(), httpengine.SSEEvent{Event: "status", Data: string(data)}); err != nil {
			return nil // peer disconnected
		}
		<-ticker.C
	}
}

// control handles POST /@api/control/:name with a plaintext
// START|STOP|RESTART|RELOAD body.
func (a *api) control(c *router.Context) error {
	name := c.Params["name"]
	cmd := strings.ToUpper(strings.TrimSpace(c.Text()))

	ctx := context.Background()
	var err error
	switch cmd {
	case "START":
		err = a.opts.Manager.Start(ctx, name)
	case "STOP":
		err = a.opts.Manager.Stop(ctx, name)
	case "RESTART":
		err = a.opts.Manager.Restart(ctx, name)
	case "RELOAD":
		err = a.reload(ctx, name)
	default:
		return c.Status(400, "bad command")
	}

	if err != nil {
		if errors.Is(err, apperr.AppState) {
			return c.Status(400, err.Error())
		}
		return c.JSONResponse(map[string]string{"error": "transition failed", "full": err.Error()}, 500)
	}
	a.persist()
	return c.Send(nil, 200)
}

// reload re-Inits the named app with its own last-known Info, picking
// up any change to the module source file on disk without requiring a
// full PUT.
func (a *api) reload(ctx context.Context, name string) error {
	ap, err := a.opts.Manager.Get(name)
	if err != nil {
		return err
	}
	return a.opts.Manager.Init(ctx, name, ap.Info())
}

// createRequest is the PUT /@api/control/:name body: app metadata plus
// the module source under "$code".
type createRequest struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Env         map[string]any `json:"env"`
	Code        string         `json:"$code"`
}

// create handles PUT /@api/control/:name: persists source, spawns the
// module, and initializes the app.
func (a *api) create(c *router.Context) error {
	name := c.Params["name"]

	var req createRequest
	if err := c.JSON(&req); err != nil {
		return c.Status(400, "malformed json body")
	}
	if req.Name == "" || req.Version == "" || req.Description == "" || req.Code == "" {
		return c.Status(400, "name, version, description, and $code are required")
	}
	if req.Name != name {
		return c.Status(400, "name in body must match path")
	}

	info := app.Info{
		Name:        name,
		Version:     req.Version,
		Description: req.Description,
		Timestamp:   time.Now().UnixNano(),
		Env:         req.Env,
	}

	path := filepath.Join(a.opts.BaseDir, fmt.Sprintf("%s.%d.%s", name, info.Timestamp, a.opts.Ext))
	if err := os.MkdirAll(a.opts.BaseDir, 0o755); err != nil {
		return c.JSONResponse(map[string]string{"error": "failed to create base dir", "full": err.Error()}, 500)
	}
	if err := os.WriteFile(path, []byte(req.Code), 0o644); err != nil {
		return c.JSONResponse(map[string]string{"error": "failed to persist source", "full": err.Error()}, 500)
	}

	if _, err := a.opts.Manager.Get(name); err != nil {
		if _, regErr := a.opts.Manager.Register(name); regErr != nil {
			return c.JSONResponse(map[string]string{"error": "register failed", "full": regErr.Error()}, 500)
		}
	}

	if err := a.opts.Manager.Init(context.Background(), name, info); err != nil {
		return c.JSONResponse(map[string]string{"error": "init failed", "full": err.Error()}, 500)
	}

	a.persist()
	return c.JSONResponse(map[string]bool{"success": true}, 200)
}

func (a *api) delete(c *router.Context) error {
	name := c.Params["name"]
	if _, err := a.opts.Manager.Get(name); err != nil {
		return c.Status(404, "app not found")
	}
	if err := a.opts.Manager.Unregister(context.Background(), name); err != nil {
		return c.JSONResponse(map[string]string{"error": "unregister failed", "full": err.Error()}, 500)
	}
	a.persist()
	return c.JSONResponse(map[string]bool{"success": true}, 200)
}

// logs handles GET /@api/logs/:name: an SSE stream whose first message
// (id "0") carries the full backlog, followed by one event per new log
// line keyed by its own UUID. The console subscription is torn down as
// soon as a write to the peer fails, so a disconnected reader never
// leaks a listener.
func (a *api) logs(c *router.Context) error {
	name := c.Params["name"]
	ap, err := a.opts.Manager.Get(name)
	if err != nil {
		return c.Status(404, "app not found")
	}
	cons := ap.Console()

	eng, err := c.SSE()
	if err != nil {
		return err
	}

	backlog, err := json.Marshal(cons.Snapshot())
	if err != nil {
		return fmt.Errorf("api: marshal backlog: %w", err)
	}
	if err := httpengine.WriteSSEEvent(eng.Pipe(), httpengine.SSEEvent{ID: "0", Event: "backlog", Data: string(backlog)}); err != nil {
		return nil
	}

	errCh := make(chan error, 1)
	sub := cons.On(console.EventLog, func(evt console.Event) {
		data, err := json.Marshal(evt.Message)
		if err != nil {
			return
		}
		if werr := httpengine.WriteSSEEvent(eng.Pipe(), httpengine.SSEEvent{ID: evt.Message.UUID, Event: "log", Data: string(data)}); werr != nil {
			select {
			case errCh <- werr:
			default:
			}
		}
	})
	defer cons.Off(sub)

	<-errCh
	return nil
}

// logsWS handles GET /@api/logs/:name/ws: the same backlog-then-stream
// contract as logs, but framed as WebSocket text messages instead of
// SSE. apphostctl's "logs --follow" connects here.
func (a *api) logsWS(c *router.Context) error {
	name := c.Params["name"]
	ap, err := a.opts.Manager.Get(name)
	if err != nil {
		return c.Status(404, "app not found")
	}
	cons := ap.Console()

	ws, err := c.Upgrade()
	if err != nil {
		return err
	}

	backlog, err := json.Marshal(cons.Snapshot())
	if err != nil {
		return fmt.Errorf("api: marshal backlog: %w", err)
	}
	if err := ws.WriteText(string(backlog)); err != nil {
		return nil
	}

	errCh := make(chan error, 1)
	sub := cons.On(console.EventLog, func(evt console.Event) {
		data, err := json.Marshal(evt.Message)
		if err != nil {
			return
		}
		if werr := ws.WriteText(string(data)); werr != nil {
			select {
			case errCh <- werr:
			default:
			}
		}
	})
	defer cons.Off(sub)

	<-errCh
	return nil
}

func (a *api) history(c *router.Context) error {
	if a.opts.History == nil {
		return c.JSONResponse([]history.Transition{}, 200)
	}
	name := c.Params["name"]
	limit := 0
	if v := c.Query("limit"); v != "" {
		fmt.Sscanf(v, "%d", &limit)
	}
	rows, err := a.opts.History.Query(history.QueryParams{App: name, Limit: limit})
	if err != nil {
		return c.JSONResponse(map[string]string{"error": "query failed", "full": err.Error()}, 500)
	}
	return c.JSONResponse(rows, 200)
}

func (a *api) healthz(c *router.Context) error {
	return c.JSONResponse(map[string]string{"status": "ok"}, 200)
}

func (a *api) persist() {
	if a.opts.Saver == nil {
		return
	}
	infos := make([]app.Info, 0)
	for _, status := range a.opts.Manager.Export() {
		infos = append(infos, status.Info)
	}
	if err := a.opts.Saver(infos); err != nil {
		slog.Error("api: persist app list failed", "error", err)
	}
}
