package router

import (
	"net"
	"testing"

	"github.com/apphost/apphost/internal/httpengine"
	"github.com/apphost/apphost/internal/pipe"
)

func serveOneRequest(t *testing.T, r *Router, raw string) string {
	t.Helper()
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	serverEngine := httpengine.New(httpengine.RoleServer, pipe.New(c1))
	clientPipe := pipe.New(c2)

	done := make(chan error, 1)
	go func() { done <- r.Serve(serverEngine) }()

	if _, err := clientPipe.Write([]byte(raw)); err != nil {
		t.Fatal(err)
	}

	client := httpengine.New(httpengine.RoleClient, clientPipe)
	resp, err := client.ReadResponse()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	_ = resp.Code
	return string(resp.Body)
}

func TestStaticRouteMatch(t *testing.T) {
	r := New()
	r.Get("/hello", func(c *Context) error { return c.Send([]byte("hi"), 200) })

	body := serveOneRequest(t, r, "GET /hello HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "hi" {
		t.Fatalf("got %q", body)
	}
}

func TestParamRouteMatch(t *testing.T) {
	r := New()
	r.Get("/apps/:name", func(c *Context) error {
		return c.Send([]byte(c.Params["name"]), 200)
	})

	body := serveOneRequest(t, r, "GET /apps/demo HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "demo" {
		t.Fatalf("got %q", body)
	}
}

func TestStaticPrecedesParam(t *testing.T) {
	r := New()
	r.Get("/apps/special", func(c *Context) error { return c.Send([]byte("special"), 200) })
	r.Get("/apps/:name", func(c *Context) error { return c.Send([]byte("param:"+c.Params["name"]), 200) })

	body := serveOneRequest(t, r, "GET /apps/special HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "special" {
		t.Fatalf("got %q", body)
	}
}

func TestWildcardRouteMatch(t *testing.T) {
	r := New()
	r.Get("/static/*", func(c *Context) error { return c.Send([]byte(c.Params["*"]), 200) })

	body := serveOneRequest(t, r, "GET /static/a/b/c.js HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "a/b/c.js" {
		t.Fatalf("got %q", body)
	}
}

func TestNoMatchReturns404WithBody(t *testing.T) {
	r := New()
	body := serveOneRequest(t, r, "GET /nope HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "No Route Matched" {
		t.Fatalf("got %q", body)
	}
}

func TestMiddlewareRunsBeforeHandler(t *testing.T) {
	r := New()
	var order []string
	r.Use(func(c *Context, next HandlerFunc) error {
		order = append(order, "mw")
		return next(c)
	})
	r.Get("/x", func(c *Context) error {
		order = append(order, "handler")
		return c.Send(nil, 200)
	})

	serveOneRequest(t, r, "GET /x HTTP/1.1\r\nHost: x\r\n\r\n")
	if len(order) != 2 || order[0] != "mw" || order[1] != "handler" {
		t.Fatalf("got %v", order)
	}
}

func TestQueryParam(t *testing.T) {
	r := New()
	r.Get("/search", func(c *Context) error { return c.Send([]byte(c.Query("q")), 200) })
	body := serveOneRequest(t, r, "GET /search?q=foo HTTP/1.1\r\nHost: x\r\n\r\n")
	if body != "foo" {
		t.Fatalf("got %q", body)
	}
}
