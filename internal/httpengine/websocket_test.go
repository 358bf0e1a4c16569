package httpengine

import (
	"errors"
	"net"
	"testing"

	"github.com/apphost/apphost/internal/apperr"
	"github.com/apphost/apphost/internal/pipe"
)

func TestComputeAcceptKnownVector(t *testing.T) {
	// RFC 6455 section 1.3 worked example.
	got := ComputeAccept("dGhlIHNhbXBsZSBub25jZQ==")
	want := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="
	if got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestIsUpgradeRequest(t *testing.T) {
	h := NewHeader()
	h.Set("Connection", "Upgrade")
	h.Set("Upgrade", "websocket")
	h.Set("Sec-WebSocket-Key", "abc")
	req := &Request{Header: h}
	if !IsUpgradeRequest(req) {
		t.Fatal("expected upgrade request to be recognized")
	}

	h2 := NewHeader()
	req2 := &Request{Header: h2}
	if IsUpgradeRequest(req2) {
		t.Fatal("expected plain request to not be recognized as upgrade")
	}
}

func TestFrameRoundTripUnfragmented(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
	client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

	done := make(chan error, 1)
	go func() { done <- client.WriteText("hello world") }()

	opcode, payload, err := server.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if opcode != OpText || string(payload) != "hello world" {
		t.Fatalf("got opcode=%v payload=%q", opcode, payload)
	}
}

func TestFragmentedMessageReassembles(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
	client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

	done := make(chan error, 1)
	go func() {
		if err := client.WriteFrame(false, OpText, []byte("hello ")); err != nil {
			done <- err
			return
		}
		done <- client.WriteFrame(true, OpContinuation, []byte("world"))
	}()

	opcode, payload, err := server.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if opcode != OpText || string(payload) != "hello world" {
		t.Fatalf("got opcode=%v payload=%q", opcode, payload)
	}
}

func TestPingIsAnsweredWithPongInline(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
	client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

	done := make(chan error, 1)
	go func() {
		if err := client.WriteFrame(true, OpPing, []byte("p")); err != nil {
			done <- err
			return
		}
		done <- client.WriteText("after ping")
	}()

	// The server answers the PING from inside ReadMessage, so it must be
	// reading while the client waits for the PONG.
	type message struct {
		opcode  Opcode
		payload []byte
		err     error
	}
	msgCh := make(chan message, 1)
	go func() {
		opcode, payload, err := server.ReadMessage()
		msgCh <- message{opcode, payload, err}
	}()

	pongFrame, err := client.ReadFrame()
	if err != nil {
		t.Fatal(err)
	}
	if pongFrame.Opcode != OpPong {
		t.Fatalf("expected pong, got %v", pongFrame.Opcode)
	}

	msg := <-msgCh
	opcode, payload, err := msg.opcode, msg.payload, msg.err
	if err != nil {
		t.Fatal(err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if opcode != OpText || string(payload) != "after ping" {
		t.Fatalf("got %v %q", opcode, payload)
	}
}

func TestUnexpectedContinuationIsProtocolError(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
	client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

	done := make(chan error, 1)
	go func() { done <- client.WriteFrame(true, OpContinuation, []byte("stray")) }()

	_, _, err := server.ReadMessage()
	if !errors.Is(err, apperr.Protocol) {
		t.Fatalf("got err=%v, want apperr.Protocol", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestMissingContinuationIsProtocolError(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
	client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

	done := make(chan error, 1)
	go func() {
		if err := client.WriteFrame(false, OpText, []byte("hello ")); err != nil {
			done <- err
			return
		}
		done <- client.WriteFrame(true, OpText, []byte("world"))
	}()

	_, _, err := server.ReadMessage()
	if !errors.Is(err, apperr.Protocol) {
		t.Fatalf("got err=%v, want apperr.Protocol", err)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestExtendedLengthEncodingRoundTrips(t *testing.T) {
	for _, size := range []int{125, 126, 500, 70000} {
		c1, c2 := net.Pipe()
		server := NewWSConn(New(RoleServer, pipe.New(c1)), RoleServer)
		client := NewWSConn(New(RoleClient, pipe.New(c2)), RoleClient)

		payload := make([]byte, size)
		for i := range payload {
			payload[i] = byte(i)
		}

		done := make(chan error, 1)
		go func() { done <- client.WriteFrame(true, OpBinary, payload) }()

		f, err := server.ReadFrame()
		if err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if err := <-done; err != nil {
			t.Fatalf("size %d: %v", size, err)
		}
		if len(f.Payload) != size {
			t.Fatalf("size %d: got payload length %d", size, len(f.Payload))
		}
		c1.Close()
		c2.Close()
	}
}
