// Package apperr defines the error kinds used across apphost.
//
// These are kinds, not types in the Go sense of distinct structs: each
// kind is a sentinel that call sites wrap with fmt.Errorf("...: %w", Kind)
// and callers unwrap with errors.Is.
package apperr

import (
	"errors"
	"strings"
)

// Kinds of failure recognized by the HTTP engine, router, and App FSM.
var (
	// Parse covers malformed HTTP/WS frames, bad chunk sizes, invalid
	// status lines.
	Parse = errors.New("parse error")

	// IO covers EOF mid-message and connection closed/reset.
	IO = errors.New("io error")

	// Protocol covers "response already sent", operations invalid for
	// the current role/protocol/state, and line length exceeded.
	Protocol = errors.New("protocol error")

	// AppState covers illegal FSM transitions, a module missing its
	// constructor, or import failure.
	AppState = errors.New("app state error")

	// Cancelled is returned by a wrapped await after the owning App's
	// cancellation token has been set.
	Cancelled = errors.New("app stopped")

	// User wraps any error or panic value surfaced from user module code.
	User = errors.New("user error")
)

// IsDisconnect reports whether err looks like an ordinary peer
// disconnect (connection closed/reset) rather than a real failure.
// The router writes no 500 for these, and cmd/apphostd's serveConn does
// not log them, so errors whose message matches closed/reset are
// silently dropped.
func IsDisconnect(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "closed") || strings.Contains(msg, "reset") || strings.Contains(msg, "broken pipe")
}
