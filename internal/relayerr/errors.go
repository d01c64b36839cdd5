// Package relayerr defines the error taxonomy shared by sessions, the
// registry and the transport adapters.
//
// Every error that can reach a client carries a wire code (sent in error
// control frames) and a WebSocket close code. Callers classify errors with
// [errors.As] or the helpers below rather than by string matching.
package relayerr

import (
	"errors"
	"fmt"
	"syscall"
)

// ── Sentinel errors ──────────────────────────────────────────────────

var (
	ErrClosed    = errors.New("session is closed")
	ErrNotFound  = errors.New("session not found")
	ErrBusy      = errors.New("session already attached")
	ErrCapacity  = errors.New("session capacity exhausted")
	ErrAuth      = errors.New("authorization failed")
	ErrProtocol  = errors.New("protocol violation")
	ErrNoBackend = errors.New("backend not configured")
)

// Wire codes carried in error control frames.
const (
	CodeSpawn    = "spawn_error"
	CodeClosed   = "closed"
	CodeIO       = "io_error"
	CodeNotFound = "not_found"
	CodeProtocol = "protocol_error"
	CodeAuth     = "auth_error"
	CodeBusy     = "busy"
	CodeCapacity = "capacity"
	CodeInternal = "internal_error"
)

// WebSocket close codes in the private 4000-4999 range.
const (
	CloseProtocol = 4400
	CloseAuth     = 4401
	CloseNotFound = 4404
	CloseBusy     = 4409
	CloseClosed   = 4410
	CloseSpawn    = 4500
	CloseIO       = 4502
	CloseCapacity = 4503
)

// ── Structured error types ───────────────────────────────────────────

// SpawnError means the process for a session could not be started.
type SpawnError struct {
	Command string
	Backend string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.Command, e.Backend, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ClosedError is returned for operations on a Closing or Closed session.
type ClosedError struct {
	SessionID string
	Op        string
}

func (e *ClosedError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, ErrClosed)
}

func (e *ClosedError) Unwrap() error { return ErrClosed }

// IOError is a stream read/write failure on a session's process.
type IOError struct {
	SessionID string
	Op        string // "write", "read"
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s session %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// NotFoundError is returned when attaching to an unknown or expired id.
type NotFoundError struct {
	SessionID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("session %q: %v", e.SessionID, ErrNotFound)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ProtocolError is a malformed or unexpected frame.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrProtocol
}

// Is lets errors.Is(err, ErrProtocol) match even when a cause is wrapped.
func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

// AuthError is a rejected credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%v: %s", ErrAuth, e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuth }

// ── Constructors ─────────────────────────────────────────────────────

// Protocolf builds a ProtocolError with a formatted reason.
func Protocolf(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ── Classification helpers ───────────────────────────────────────────

// IsExhaustion reports whether err signals host resource exhaustion
// (process table, memory or file descriptors). Such failures degrade the
// relay by refusing new sessions rather than failing the whole server.
func IsExhaustion(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, ErrCapacity)
}

// Classify maps err to its wire code and WebSocket close code.
func Classify(err error) (code string, closeCode int) {
	var (
		spawnErr *SpawnError
		ioErr    *IOError
	)
	switch {
	case err == nil:
		return "", 1000
	case errors.Is(err, ErrAuth):
		return CodeAuth, CloseAuth
	case errors.Is(err, ErrProtocol):
		return CodeProtocol, CloseProtocol
	case errors.Is(err, ErrNotFound):
		return CodeNotFound, CloseNotFound
	case errors.Is(err, ErrBusy):
		return CodeBusy, CloseBusy
	case errors.Is(err, ErrCapacity):
		return CodeCapacity, CloseCapacity
	case errors.As(err, &spawnErr):
		return CodeSpawn, CloseSpawn
	case errors.Is(err, ErrClosed):
		return CodeClosed, CloseClosed
	case errors.As(err, &ioErr):
		return CodeIO, CloseIO
	default:
		return CodeInternal, 1011
	}
}
