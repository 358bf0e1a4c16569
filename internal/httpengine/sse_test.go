package httpengine

import (
	"net"
	"testing"

	"github.com/apphost/apphost/internal/pipe"
)

func TestSSERoundTripPreservesEmbeddedNewlines(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	writer := pipe.New(c1)
	reader := pipe.New(c2)

	evt := SSEEvent{Event: "message", ID: "42", Data: "line one\nline two"}

	done := make(chan error, 1)
	go func() { done <- WriteSSEEvent(writer, evt) }()

	got, err := ReadSSEEvent(reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}

	if got.Event != evt.Event || got.ID != evt.ID || got.Data != evt.Data {
		t.Fatalf("got %+v, want %+v", got, evt)
	}
}

func TestSSEEventWithoutEventOrID(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	writer := pipe.New(c1)
	reader := pipe.New(c2)

	evt := SSEEvent{Data: "hello"}
	done := make(chan error, 1)
	go func() { done <- WriteSSEEvent(writer, evt) }()

	got, err := ReadSSEEvent(reader)
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got.Event != "" || got.ID != "" || got.Data != "hello" {
		t.Fatalf("got %+v", got)
	}
}

func TestSSEHeaderShape(t *testing.T) {
	h := SSEHeader()
	if h.Get("Content-Type") != "text/event-stream" {
		t.Fatal("expected event-stream content type")
	}
}
