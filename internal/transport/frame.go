// Package transport carries relay frames over client connections.
//
// A connection carries two kinds of frames: data frames hold raw session
// bytes and control frames hold one JSON [Control] object. Over WebSocket a
// binary message is a data frame and a text message is a control frame.
// Over a yamux stream each frame is
//
//	[kind:1][uvarint length][payload]
//
// with kind 0x01 for data and 0x02 for control, following the framing the
// agent terminal channel uses.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// FrameKind distinguishes data from control frames.
type FrameKind byte

const (
	KindData    FrameKind = 0x01
	KindControl FrameKind = 0x02
)

func (k FrameKind) String() string {
	switch k {
	case KindData:
		return "data"
	case KindControl:
		return "control"
	default:
		return "unknown"
	}
}

// Frame is one unit read from a connection.
type Frame struct {
	Kind FrameKind
	Data []byte
}

// Control frame types.
const (
	TypeCreate      = "create"
	TypeAttach      = "attach"
	TypeSessionInfo = "session_info"
	TypeResize      = "resize"
	TypeDisconnect  = "disconnect"
	TypeClose       = "close"
	TypeExit        = "exit"
	TypeShutdown    = "shutdown"
	TypeError       = "error"
	TypePing        = "ping"
	TypePong        = "pong"
)

// CommandRequest is what a client asks to run. Either Profile names an
// operator-defined command, or Command (plus Args) names a local command
// that must be on the allow-list.
type CommandRequest struct {
	Profile string            `json:"profile,omitempty"`
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Dir     string            `json:"dir,omitempty"`
	TTY     bool              `json:"tty,omitempty"`
	Cols    uint16            `json:"cols,omitempty"`
	Rows    uint16            `json:"rows,omitempty"`
}

// Spec converts a direct (non-profile) request into a local command spec.
func (c CommandRequest) Spec() shell.CommandSpec {
	return shell.CommandSpec{
		Backend: shell.BackendLocal,
		Command: c.Command,
		Args:    c.Args,
		Env:     c.Env,
		Dir:     c.Dir,
		TTY:     c.TTY,
		Cols:    c.Cols,
		Rows:    c.Rows,
	}
}

// Control is a JSON control frame. Fields are used per Type.
type Control struct {
	Type string `json:"type"`

	// create / attach
	Token       string          `json:"token,omitempty"`
	Command     *CommandRequest `json:"command,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	ResumeToken string          `json:"resume_token,omitempty"`
	Replay      bool            `json:"replay,omitempty"`

	// resize
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	// exit
	ExitCode *int `json:"exit_code,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorControl builds an error frame for err.
func ErrorControl(err error) Control {
	code, _ := relayerr.Classify(err)
	return Control{Type: TypeError, Code: code, Message: err.Error()}
}

// DecodeControl parses a control frame payload.
func DecodeControl(data []byte) (Control, error) {
	var c Control
	if err := json.Unmarshal(data, &c); err != nil {
		return Control{}, &relayerr.ProtocolError{Reason: "malformed control frame", Err: err}
	}
	if c.Type == "" {
		return Control{}, relayerr.Protocolf("control frame without type")
	}
	return c, nil
}

// Conn is a framed, bidirectional client connection. ReadFrame must only be
// called from one goroutine; the write methods are safe for concurrent use.
type Conn interface {
	ReadFrame(ctx context.Context) (Frame, error)
	WriteData(ctx context.Context, p []byte) error
	WriteControl(ctx context.Context, c Control) error
	// Close ends the connection with a status code (meaningful on
	// WebSocket) and reason.
	Close(code int, reason string) error
	RemoteAddr() string
	Transport() string
}

// IsClosed reports whether err means the peer went away rather than a
// protocol or I/O fault worth logging.
func IsClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, yamux.ErrStreamClosed) ||
		errors.Is(err, yamux.ErrSessionShutdown) ||
		errors.Is(err, yamux.ErrConnectionReset) ||
		websocket.CloseStatus(err) != -1
}
