package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

// controlReadAllowance is extra read room for control frames, whose JSON
// envelope may exceed the data frame limit slightly.
const controlReadAllowance = 64 * 1024

// WSConn is a Conn over a WebSocket.
type WSConn struct {
	conn       *websocket.Conn
	remoteAddr string
	maxFrame   int
}

// NewWSConn wraps an accepted or dialed WebSocket. Data frames larger than
// maxFrame are rejected as protocol errors.
func NewWSConn(conn *websocket.Conn, remoteAddr string, maxFrame int) *WSConn {
	conn.SetReadLimit(int64(maxFrame + controlReadAllowance))
	return &WSConn{conn: conn, remoteAddr: remoteAddr, maxFrame: maxFrame}
}

// ReadFrame reads one message.
func (c *WSConn) ReadFrame(ctx context.Context) (Frame, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		return Frame{}, err
	}
	switch typ {
	case websocket.MessageBinary:
		if len(data) > c.maxFrame {
			return Frame{}, relayerr.Protocolf("data frame of %d bytes exceeds limit %d", len(data), c.maxFrame)
		}
		return Frame{Kind: KindData, Data: data}, nil
	case websocket.MessageText:
		return Frame{Kind: KindControl, Data: data}, nil
	default:
		return Frame{}, relayerr.Protocolf("unexpected message type %v", typ)
	}
}

// WriteData sends p as one binary message.
func (c *WSConn) WriteData(ctx context.Context, p []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, p)
}

// WriteControl sends ctl as one text message.
func (c *WSConn) WriteControl(ctx context.Context, ctl Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close performs the closing handshake with code and reason.
func (c *WSConn) Close(code int, reason string) error {
	if len(reason) > 120 {
		reason = reason[:120]
	}
	return c.conn.Close(websocket.StatusCode(code), reason)
}

func (c *WSConn) RemoteAddr() string { return c.remoteAddr }
func (c *WSConn) Transport() string  { return "websocket" }
