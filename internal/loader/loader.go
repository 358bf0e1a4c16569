// Package loader implements app.Loader by running user module source as
// a CommonJS-flavored ECMAScript script inside an embedded goja.Runtime.
// Each app gets its own Runtime, so init/run/stop for that app execute
// single-threaded on whatever goroutine calls them; internal/app
// already guarantees only one of those methods runs at a time per app.
//
// Blocking host built-ins (host.sleep, host.fetchText) race their
// Go-side work against the app's cancellation token via app.WrapFunc
// and surface a cancellation as a thrown JS exception, so a stopped
// app's script unwinds at its next blocking call.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dop251/goja"

	"github.com/apphost/apphost/internal/app"
	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/console"
)

// Loader implements app.Loader over goja scripts.
type Loader struct {
	// HTTPClient is used by the host.fetchText built-in. Defaults to
	// http.DefaultClient when nil.
	HTTPClient *http.Client
}

// New returns a ready-to-use script Loader.
func New() *Loader {
	return &Loader{HTTPClient: http.DefaultClient}
}

// Load reads the script at path and constructs a Module from it. The
// script must assign module.exports = { init, run, stop }, each an
// optional function; omitted hooks are no-ops.
func (l *Loader) Load(path string, info app.Info, cons *console.Console, wrap app.WrapFunc) (app.Module, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loader: read %s: %w: %w", path, apperr.IO, err)
	}

	rt := goja.New()
	m := &scriptModule{rt: rt, wrap: wrap, client: l.HTTPClient}
	if m.client == nil {
		m.client = http.DefaultClient
	}

	if err := m.bindHost(cons, info); err != nil {
		return nil, fmt.Errorf("loader: bind host for %s: %w: %w", path, apperr.Parse, err)
	}

	moduleObj := rt.NewObject()
	exportsObj := rt.NewObject()
	moduleObj.Set("exports", exportsObj)
	rt.Set("module", moduleObj)
	rt.Set("exports", exportsObj)

	if _, err := rt.RunString(string(src)); err != nil {
		return nil, fmt.Errorf("loader: run %s: %w: %w", path, apperr.Parse, err)
	}

	exportsVal := moduleObj.Get("exports")
	exportsObjFinal := exportsVal.ToObject(rt)
	if exportsObjFinal == nil {
		return nil, fmt.Errorf("loader: %s: %w: module.exports must be an object", path, apperr.Parse)
	}

	m.initFn = callableOrNil(rt, exportsObjFinal.Get("init"))
	m.runFn = callableOrNil(rt, exportsObjFinal.Get("run"))
	m.stopFn = callableOrNil(rt, exportsObjFinal.Get("stop"))

	return m, nil
}

func callableOrNil(rt *goja.Runtime, v goja.Value) goja.Callable {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil
	}
	return fn
}

// scriptModule adapts a goja runtime's exported hooks to app.Module.
type scriptModule struct {
	rt     *goja.Runtime
	wrap   app.WrapFunc
	client *http.Client

	initFn goja.Callable
	runFn  goja.Callable
	stopFn goja.Callable
}

func (m *scriptModule) Init(ctx context.Context) error {
	return m.call(ctx, m.initFn)
}

func (m *scriptModule) Run(ctx context.Context) error {
	return m.call(ctx, m.runFn)
}

func (m *scriptModule) Stop(ctx context.Context) error {
	return m.call(ctx, m.stopFn)
}

func (m *scriptModule) call(ctx context.Context, fn goja.Callable) error {
	if fn == nil {
		return nil
	}
	_, err := fn(goja.Undefined())
	if err == nil {
		return nil
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return fmt.Errorf("%w: %s", apperr.User, ex.Value().String())
	}
	return fmt.Errorf("%w: %w", apperr.User, err)
}

// bindHost installs the "host" global object with logging, sleep, and
// fetch built-ins, and the "info" global with the app's metadata.
func (m *scriptModule) bindHost(cons *console.Console, info app.Info) error {
	host := m.rt.NewObject()

	host.Set("log", m.logFunc(cons.Logf))
	host.Set("info", m.logFunc(cons.Infof))
	host.Set("warn", m.logFunc(cons.Warnf))
	host.Set("error", m.logFunc(cons.Errorf))

	host.Set("sleep", m.sleepFunc())
	host.Set("fetchText", m.fetchTextFunc())

	if err := m.rt.Set("host", host); err != nil {
		return err
	}
	return m.rt.Set("info", map[string]interface{}{
		"name":        info.Name,
		"version":     info.Version,
		"description": info.Description,
		"timestamp":   info.Timestamp,
		"env":         info.Env,
	})
}

func (m *scriptModule) logFunc(sink func(...interface{}) console.Message) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, len(call.Arguments))
		for i, a := range call.Arguments {
			args[i] = a.Export()
		}
		sink(args...)
		return goja.Undefined()
	}
}

// sleepFunc exposes host.sleep(ms) as a cancellation-aware blocking
// call: it races a timer against the app's cancellation token via
// app.WrapFunc and throws a JS exception carrying apperr.Cancelled if
// the app is stopped mid-sleep.
func (m *scriptModule) sleepFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		ms := call.Argument(0).ToInteger()
		_, err := m.wrap(context.Background(), func(ctx context.Context) (any, error) {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if err != nil {
			panic(m.rt.NewGoError(err))
		}
		return goja.Undefined()
	}
}

// fetchTextFunc exposes host.fetchText(url) for scripts that need to
// make an outbound call, also routed through app.WrapFunc so an
// in-flight request is abandoned (not waited on) if the app stops.
func (m *scriptModule) fetchTextFunc() func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		v, err := m.wrap(context.Background(), func(ctx context.Context) (any, error) {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return nil, err
			}
			resp, err := m.client.Do(req)
			if err != nil {
				return nil, err
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return nil, err
			}
			return string(body), nil
		})
		if err != nil {
			panic(m.rt.NewGoError(err))
		}
		return m.rt.ToValue(v)
	}
}
