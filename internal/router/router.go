// Package router implements apphost's request router: a method-keyed
// path trie with static/param/wildcard segments, a linear middleware
// chain, and a Context facade over an httpengine.Engine.
package router

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/httpengine"
)

// HandlerFunc handles one matched request.
type HandlerFunc func(*Context) error

// Middleware wraps a HandlerFunc, invoking next to continue the chain.
type Middleware func(*Context, HandlerFunc) error

// routeNode is one node of the method-keyed path trie.
type routeNode struct {
	static   map[string]*routeNode
	param    *paramChild
	wildcard *routeNode
	handler  HandlerFunc
}

type paramChild struct {
	name string
	node *routeNode
}

func newNode() *routeNode {
	return &routeNode{static: make(map[string]*routeNode)}
}

// Router is a method-keyed path trie with middleware support. Built
// once at startup; the trie is never mutated after Serve begins, so
// lookups require no lock.
type Router struct {
	trees      map[string]*routeNode
	middleware []Middleware
}

// New returns an empty Router.
func New() *Router {
	return &Router{trees: make(map[string]*routeNode)}
}

// Use appends global middleware, run for every matched route in
// registration order, outermost first.
func (r *Router) Use(mw Middleware) {
	r.middleware = append(r.middleware, mw)
}

// Handle registers handler for method and path. path segments are
// split on "/"; a segment of ":name" captures a named parameter, and a
// final segment of "*" captures the remainder as a wildcard.
func (r *Router) Handle(method, path string, handler HandlerFunc) {
	root, ok := r.trees[method]
	if !ok {
		root = newNode()
		r.trees[method] = root
	}

	segments := splitPath(path)
	node := root
	for _, seg := range segments {
		switch {
		case seg == "*":
			if node.wildcard == nil {
				node.wildcard = newNode()
			}
			node = node.wildcard
		case strings.HasPrefix(seg, ":"):
			name := seg[1:]
			if node.param == nil {
				node.param = &paramChild{name: name, node: newNode()}
			}
			node = node.param.node
		default:
			child, ok := node.static[seg]
			if !ok {
				child = newNode()
				node.static[seg] = child
			}
			node = child
		}
	}
	node.handler = handler
}

// Get, Post, Put, Delete register handler under the corresponding method.
func (r *Router) Get(path string, h HandlerFunc)    { r.Handle("GET", path, h) }
func (r *Router) Post(path string, h HandlerFunc)   { r.Handle("POST", path, h) }
func (r *Router) Put(path string, h HandlerFunc)    { r.Handle("PUT", path, h) }
func (r *Router) Delete(path string, h HandlerFunc) { r.Handle("DELETE", path, h) }

func splitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// match walks the trie for method+path, preferring static > param >
// wildcard at each node and rolling back speculative param captures on
// a dead-end descent.
func (r *Router) match(method, path string) (HandlerFunc, map[string]string) {
	root, ok := r.trees[method]
	if !ok {
		return nil, nil
	}
	segments := splitPath(path)
	params := map[string]string{}
	h := matchNode(root, segments, params)
	if h == nil {
		return nil, nil
	}
	return h, params
}

func matchNode(node *routeNode, segments []string, params map[string]string) HandlerFunc {
	if len(segments) == 0 {
		return node.handler
	}
	seg, rest := segments[0], segments[1:]

	if child, ok := node.static[seg]; ok {
		if h := matchNode(child, rest, params); h != nil {
			return h
		}
	}

	if node.param != nil {
		prior, had := params[node.param.name]
		params[node.param.name] = seg
		if h := matchNode(node.param.node, rest, params); h != nil {
			return h
		}
		if had {
			params[node.param.name] = prior
		} else {
			delete(params, node.param.name)
		}
	}

	if node.wildcard != nil && node.wildcard.handler != nil {
		params["*"] = strings.Join(segments, "/")
		return node.wildcard.handler
	}

	return nil
}

// Serve reads one request off e, matches it against the trie, builds a
// Context, and runs the middleware chain ending in the matched handler.
// On no match, writes 404 with body "No Route Matched".
func (r *Router) Serve(e *httpengine.Engine) error {
	req, err := e.ReadRequest()
	if err != nil {
		return err
	}

	handler, params := r.match(req.Method, pathOnly(req.Target))
	ctx := newContext(e, req, params)

	if handler == nil {
		return ctx.Send([]byte("No Route Matched"), 404)
	}

	chain := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		mw := r.middleware[i]
		next := chain
		chain = func(c *Context) error { return mw(c, next) }
	}

	if err := chain(ctx); err != nil {
		if !ctx.responded && !apperr.IsDisconnect(err) {
			_ = ctx.Send([]byte(fmt.Sprintf("%s: %s", apperr.User, err)), 500)
		}
		return err
	}
	return nil
}

func pathOnly(target string) string {
	if i := strings.IndexAny(target, "?#"); i >= 0 {
		target = target[:i]
	}
	return target
}

// Context is the per-request façade handed to handlers and middleware:
// request metadata, cached body accessors, and response primitives.
type Context struct {
	engine *httpengine.Engine
	req    *httpengine.Request
	Params map[string]string
	State  map[string]any

	responded bool
	bodyCache []byte
	bodyRead  bool
}

const maxBodyBytes = 10 * 1024 * 1024

func newContext(e *httpengine.Engine, req *httpengine.Request, params map[string]string) *Context {
	return &Context{engine: e, req: req, Params: params, State: make(map[string]any)}
}

// Request returns the parsed request.
func (c *Context) Request() *httpengine.Request { return c.req }

// Query returns the value of a query-string parameter.
func (c *Context) Query(name string) string {
	idx := strings.IndexByte(c.req.Target, '?')
	if idx < 0 {
		return ""
	}
	for _, pair := range strings.Split(c.req.Target[idx+1:], "&") {
		kv := strings.SplitN(pair, "=", 2)
		if kv[0] == name {
			if len(kv) == 2 {
				return kv[1]
			}
			return ""
		}
	}
	return ""
}

// Bytes returns the request body, capped at maxBodyBytes.
func (c *Context) Bytes() []byte {
	if !c.bodyRead {
		body := c.req.Body
		if len(body) > maxBodyBytes {
			body = body[:maxBodyBytes]
		}
		c.bodyCache = body
		c.bodyRead = true
	}
	return c.bodyCache
}

// Text returns the request body as a string.
func (c *Context) Text() string { return string(c.Bytes()) }

// JSON unmarshals the request body into v.
func (c *Context) JSON(v any) error {
	if err := json.Unmarshal(c.Bytes(), v); err != nil {
		return fmt.Errorf("router: json body: %w: %w", apperr.Parse, err)
	}
	return nil
}

func (c *Context) baseHeader() *httpengine.Header {
	h := httpengine.NewHeader()
	h.Set("Date", time.Now().UTC().Format(time.RFC1123))
	h.Set("Server", "apphost")
	return h
}

// Send writes a raw response body with the given status code.
func (c *Context) Send(data []byte, code int) error {
	c.responded = true
	return c.engine.WriteResponse(&httpengine.Response{Code: code, Header: c.baseHeader(), Body: data})
}

// JSONResponse marshals v and writes it with Content-Type: application/json.
func (c *Context) JSONResponse(v any, code int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("router: json response: %w: %w", apperr.Parse, err)
	}
	h := c.baseHeader()
	h.Set("Content-Type", "application/json")
	c.responded = true
	return c.engine.WriteResponse(&httpengine.Response{Code: code, Header: h, Body: data})
}

// HTML writes body with Content-Type: text/html.
func (c *Context) HTML(body string, code int) error {
	h := c.baseHeader()
	h.Set("Content-Type", "text/html; charset=utf-8")
	c.responded = true
	return c.engine.WriteResponse(&httpengine.Response{Code: code, Header: h, Body: []byte(body)})
}

// Redirect writes a redirect response to url with the given status code
// (default semantics: caller passes 301 or 302).
func (c *Context) Redirect(url string, code int) error {
	h := c.baseHeader()
	h.Set("Location", url)
	c.responded = true
	return c.engine.WriteResponse(&httpengine.Response{Code: code, Header: h})
}

// Status writes an empty response with the given status code and
// optional message body.
func (c *Context) Status(code int, msg string) error {
	return c.Send([]byte(msg), code)
}

// SSE asserts no response has been sent yet, opens an SSE stream, and
// returns the connection's Engine; the caller writes events to its
// Pipe() via httpengine.WriteSSEEvent.
func (c *Context) SSE() (*httpengine.Engine, error) {
	if c.responded {
		return nil, fmt.Errorf("router: sse: %w: response already sent", apperr.Protocol)
	}
	h := httpengine.SSEHeader()
	h.Set("Date", time.Now().UTC().Format(time.RFC1123))
	h.Set("Server", "apphost")
	resp := &httpengine.Response{Code: 200, Header: h, NoLength: true}
	c.responded = true
	if err := c.engine.WriteResponse(resp); err != nil {
		return nil, err
	}
	return c.engine, nil
}

// StreamWriter is returned by Context.Stream. Every Write call emits
// part of the response body; Close terminates the stream (a trailing
// zero-chunk for chunked streams, a no-op for declared-length streams
// that wrote exactly length bytes).
type StreamWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// Stream asserts no response has been sent yet and writes the response
// head for a body that will be produced incrementally.
//
// If length >= 0, Content-Length is declared up front and the returned
// writer enforces it: writing more than length bytes total is a fatal
// protocol error, and Close before length bytes have been written
// leaves the declared length unmet, so the connection must not be
// reused.
//
// If length < 0, Transfer-Encoding: chunked is declared instead and
// every Write becomes one chunk; Close writes the terminating
// zero-chunk.
func (c *Context) Stream(code int, length int64) (StreamWriter, error) {
	if c.responded {
		return nil, fmt.Errorf("router: stream: %w: response already sent", apperr.Protocol)
	}
	h := c.baseHeader()
	c.responded = true

	if length >= 0 {
		h.Set("Content-Length", strconv.FormatInt(length, 10))
		if err := c.engine.WriteResponseHead(&httpengine.Response{Code: code, Header: h, NoLength: true}); err != nil {
			return nil, err
		}
		return &fixedStreamWriter{engine: c.engine, remaining: length}, nil
	}

	h.Set("Transfer-Encoding", "chunked")
	if err := c.engine.WriteResponseHead(&httpengine.Response{Code: code, Header: h, NoLength: true}); err != nil {
		return nil, err
	}
	return &chunkedStreamWriter{engine: c.engine}, nil
}

// fixedStreamWriter enforces a previously declared Content-Length.
type fixedStreamWriter struct {
	engine    *httpengine.Engine
	remaining int64
}

func (w *fixedStreamWriter) Write(p []byte) (int, error) {
	if int64(len(p)) > w.remaining {
		return 0, fmt.Errorf("router: stream write: %w: exceeds declared Content-Length", apperr.Protocol)
	}
	if err := w.engine.WriteBodyChunk(p); err != nil {
		return 0, err
	}
	w.remaining -= int64(len(p))
	return len(p), nil
}

// Close reports a protocol error if fewer than the declared bytes were
// written; the caller must then close the connection rather than reuse
// it, since the peer is still owed body bytes.
func (w *fixedStreamWriter) Close() error {
	if w.remaining != 0 {
		return fmt.Errorf("router: stream close: %w: %d declared bytes never written", apperr.Protocol, w.remaining)
	}
	return nil
}

// chunkedStreamWriter emits one HTTP chunk per Write call.
type chunkedStreamWriter struct {
	engine *httpengine.Engine
}

func (w *chunkedStreamWriter) Write(p []byte) (int, error) {
	if err := w.engine.WriteChunk(p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *chunkedStreamWriter) Close() error {
	return w.engine.EndChunked(nil)
}

// Upgrade asserts no response has been sent yet, validates the request
// as a WebSocket handshake, writes the 101 response, and returns a
// WSConn for framing.
func (c *Context) Upgrade() (*httpengine.WSConn, error) {
	if c.responded {
		return nil, fmt.Errorf("router: upgrade: %w: response already sent", apperr.Protocol)
	}
	if !httpengine.IsUpgradeRequest(c.req) {
		return nil, fmt.Errorf("router: upgrade: %w: not a websocket handshake", apperr.Protocol)
	}
	resp := httpengine.UpgradeResponse(c.req.Header.Get("Sec-WebSocket-Key"))
	resp.Header.Set("Date", time.Now().UTC().Format(time.RFC1123))
	resp.Header.Set("Server", "apphost")
	c.responded = true
	if err := c.engine.WriteResponse(resp); err != nil {
		return nil, err
	}
	return httpengine.NewWSConn(c.engine, httpengine.RoleServer), nil
}
