package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/yamux"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

// MuxConn is a Conn over one yamux stream (or any net.Conn).
type MuxConn struct {
	conn     net.Conn
	r        *bufio.Reader
	maxFrame int

	wmu sync.Mutex
}

// NewMuxConn wraps conn. Frames larger than maxFrame (data) or
// maxFrame+64KiB (control) are rejected as protocol errors.
func NewMuxConn(conn net.Conn, maxFrame int) *MuxConn {
	return &MuxConn{
		conn:     conn,
		r:        bufio.NewReaderSize(conn, 32*1024),
		maxFrame: maxFrame,
	}
}

// ReadFrame reads one frame. Cancelling ctx interrupts a blocked read.
func (c *MuxConn) ReadFrame(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetReadDeadline(dl)
		defer c.conn.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := c.readFrame()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Frame{}, ctxErr
		}
		// yamux reports its own timeout error once the deadline passes.
		if dl, ok := ctx.Deadline(); ok && !time.Now().Before(dl) {
			return Frame{}, context.DeadlineExceeded
		}
	}
	return f, err
}

func (c *MuxConn) readFrame() (Frame, error) {
	kind, err := c.r.ReadByte()
	if err != nil {
		return Frame{}, err
	}
	limit := c.maxFrame
	switch FrameKind(kind) {
	case KindData:
	case KindControl:
		limit += controlReadAllowance
	default:
		return Frame{}, relayerr.Protocolf("unknown frame kind 0x%02x", kind)
	}

	length, err := binary.ReadUvarint(c.r)
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, &relayerr.ProtocolError{Reason: "bad frame length", Err: err}
	}
	if length > uint64(limit) {
		return Frame{}, relayerr.Protocolf("%s frame of %d bytes exceeds limit %d", FrameKind(kind), length, limit)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.r, data); err != nil {
		return Frame{}, err
	}
	return Frame{Kind: FrameKind(kind), Data: data}, nil
}

func (c *MuxConn) writeFrame(ctx context.Context, kind FrameKind, p []byte) error {
	var hdr [1 + binary.MaxVarintLen64]byte
	hdr[0] = byte(kind)
	n := binary.PutUvarint(hdr[1:], uint64(len(p)))

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if dl, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(dl)
		defer c.conn.SetWriteDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetWriteDeadline(time.Now())
	})
	defer stop()

	if _, err := c.conn.Write(hdr[:1+n]); err != nil {
		return err
	}
	_, err := c.conn.Write(p)
	return err
}

// WriteData sends one data frame.
func (c *MuxConn) WriteData(ctx context.Context, p []byte) error {
	return c.writeFrame(ctx, KindData, p)
}

// WriteControl sends one control frame.
func (c *MuxConn) WriteControl(ctx context.Context, ctl Control) error {
	data, err := json.Marshal(ctl)
	if err != nil {
		return fmt.Errorf("encode control: %w", err)
	}
	return c.writeFrame(ctx, KindControl, data)
}

// Close closes the stream. Mux clients learn why from the error or exit
// frame sent before it; code and reason are only logged.
func (c *MuxConn) Close(code int, reason string) error {
	return c.conn.Close()
}

func (c *MuxConn) RemoteAddr() string {
	if a := c.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

func (c *MuxConn) Transport() string { return "mux" }

// ServeYamux runs a yamux server session on conn and calls handle for each
// accepted stream, until the session closes or ctx ends.
func ServeYamux(ctx context.Context, conn net.Conn, cfg *yamux.Config, handle func(stream net.Conn)) error {
	session, err := yamux.Server(conn, cfg)
	if err != nil {
		conn.Close()
		return fmt.Errorf("yamux server: %w", err)
	}
	defer session.Close()

	stop := context.AfterFunc(ctx, func() { session.Close() })
	defer stop()

	remote := conn.RemoteAddr()
	for {
		stream, err := session.AcceptStream()
		if err != nil {
			if !IsSessionClosed(err) {
				log.Printf("[transport] accept stream error from %v: %v", remote, err)
				return err
			}
			return nil
		}
		go handle(stream)
	}
}

// IsSessionClosed reports whether err marks a yamux session that has shut
// down or whose underlying connection is gone.
func IsSessionClosed(err error) bool {
	return err == yamux.ErrSessionShutdown || err == io.EOF || isNetClosedErr(err)
}

func isNetClosedErr(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		return opErr.Err.Error() == "use of closed network connection"
	}
	return false
}

// MuxConfig returns the yamux configuration used by the relay, with yamux's
// own logging routed through the standard logger.
func MuxConfig() *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = nil
	cfg.Logger = log.Default()
	cfg.EnableKeepAlive = true
	cfg.KeepAliveInterval = 30 * time.Second
	return cfg
}
