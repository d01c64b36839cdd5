package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/logutil"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
	"github.com/gluk-w/claworc/shell-relay/internal/transport"
)

// AdapterState is the lifecycle state of one client connection.
type AdapterState string

const (
	StateConnecting AdapterState = "connecting"
	StateBound      AdapterState = "bound"
	StateStreaming  AdapterState = "streaming"
	StateClosing    AdapterState = "closing"
	StateClosed     AdapterState = "closed"
)

// WebSocket close codes for non-error endings.
const (
	closeNormal    = 1000
	closeGoingAway = 1001
)

// finalWriteTimeout bounds the frames written while closing.
const finalWriteTimeout = 5 * time.Second

// exitWait bounds how long an adapter waits for the exit code after the
// output stream ended.
const exitWait = 10 * time.Second

type endKind int

const (
	endError endKind = iota
	endPeerGone
	endExit
	endDisconnect
	endCloseSession
	endShutdown
	endStopped
	// endReported is an error already sent to the client.
	endReported
)

// ending says why streaming stopped.
type ending struct {
	kind endKind
	err  error
}

// Adapter binds one client connection to one session. Per-connection state
// lives here; the registry is the only shared state it touches.
type Adapter struct {
	srv         *Server
	conn        transport.Conn
	headerToken string

	mu         sync.Mutex
	state      AdapterState
	principal  auth.Principal
	session    *shell.Session
	attachment *shell.Attachment

	limiter  *rate.Limiter
	shutdown chan struct{}
	once     sync.Once
}

func newAdapter(srv *Server, conn transport.Conn, headerToken string) *Adapter {
	a := &Adapter{
		srv:         srv,
		conn:        conn,
		headerToken: headerToken,
		state:       StateConnecting,
		shutdown:    make(chan struct{}),
	}
	if srv.cfg.InputRate > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(srv.cfg.InputRate), srv.cfg.InputBurst)
	}
	return a
}

// State returns the current state.
func (a *Adapter) State() AdapterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) setState(st AdapterState) {
	a.mu.Lock()
	a.state = st
	a.mu.Unlock()
}

// SessionID returns the bound session id, or "".
func (a *Adapter) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.ID
}

// notifyShutdown asks the adapter to send a shutdown frame and close.
func (a *Adapter) notifyShutdown() {
	a.once.Do(func() { close(a.shutdown) })
	if a.State() == StateConnecting {
		a.conn.Close(closeGoingAway, "server shutting down")
	}
}

// Run drives the connection until it closes. It never returns an error:
// every failure is reported to the client and ends only this connection.
func (a *Adapter) Run(ctx context.Context) {
	end := a.handshake(ctx)
	if end.kind == endStopped {
		end = a.stream(ctx)
	}
	a.finish(end)
}

// handshake reads the create/attach frame and binds a session. It returns
// endStopped on success.
func (a *Adapter) handshake(ctx context.Context) ending {
	// coder/websocket tears the connection down when a read context is
	// cancelled, so the deadline is a timer that reports the error first
	// and only then interrupts the read.
	hctx, cancel := context.WithCancel(ctx)
	defer cancel()
	timeoutErr := relayerr.Protocolf("no handshake within %s", a.srv.cfg.HandshakeTimeout)
	expired := make(chan struct{})
	timer := time.AfterFunc(a.srv.cfg.HandshakeTimeout, func() {
		defer close(expired)
		a.reject(timeoutErr)
		cancel()
	})

	f, err := a.conn.ReadFrame(hctx)
	if !timer.Stop() {
		<-expired
		return ending{kind: endReported, err: timeoutErr}
	}
	if err != nil {
		select {
		case <-a.shutdown:
			return ending{kind: endShutdown}
		default:
		}
		if transport.IsClosed(err) {
			return ending{kind: endPeerGone}
		}
		return ending{err: err}
	}
	if f.Kind != transport.KindControl {
		return ending{err: relayerr.Protocolf("expected a handshake control frame, got %s", f.Kind)}
	}
	ctl, err := transport.DecodeControl(f.Data)
	if err != nil {
		return ending{err: err}
	}
	if ctl.Type != transport.TypeCreate && ctl.Type != transport.TypeAttach {
		return ending{err: relayerr.Protocolf("expected create or attach, got %q", logutil.SanitizeForLog(ctl.Type))}
	}

	token := ctl.Token
	if token == "" {
		token = a.headerToken
	}
	p, err := a.srv.authz.Authorize(ctx, token)
	if err != nil {
		return ending{err: err}
	}
	a.mu.Lock()
	a.principal = p
	a.mu.Unlock()

	var (
		s       *shell.Session
		att     *shell.Attachment
		history []byte
	)
	if ctl.Type == transport.TypeCreate {
		s, att, history, err = a.create(ctx, p, ctl)
	} else {
		s, att, history, err = a.attach(p, ctl)
	}
	if err != nil {
		return ending{err: err}
	}

	a.mu.Lock()
	a.session = s
	a.attachment = att
	a.state = StateBound
	a.mu.Unlock()

	if err := a.sendSessionInfo(ctx, s, history); err != nil {
		if att != nil {
			att.Detach()
		}
		// Nobody learned the id of a session created here.
		if ctl.Type == transport.TypeCreate {
			if err := a.srv.registry.Evict(s.ID, registry.ReasonClient); err != nil && !errors.Is(err, relayerr.ErrNotFound) {
				log.Printf("[relay] evict unannounced session %s: %v", s.ID, err)
			}
		}
		return ending{err: err}
	}
	if att == nil {
		return ending{kind: endExit}
	}
	return ending{kind: endStopped}
}

func (a *Adapter) create(ctx context.Context, p auth.Principal, ctl transport.Control) (*shell.Session, *shell.Attachment, []byte, error) {
	spec, err := a.srv.resolve(ctl.Command)
	if err != nil {
		return nil, nil, nil, err
	}
	s, err := a.srv.registry.Create(ctx, spec, p.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	// Output produced before the attachment exists is only in scrollback,
	// so a fresh session always starts with it.
	att, history, err := s.AttachWithHistory()
	if errors.Is(err, relayerr.ErrClosed) {
		// Already exited: deliver what it printed, then the exit frame.
		return s, nil, s.Scrollback.Snapshot(), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	log.Printf("[relay] %s created session %s for %s (%s)",
		a.conn.RemoteAddr(), s.ID, logutil.SanitizeForLog(p.Name), logutil.SanitizeForLog(spec.String()))
	return s, att, history, nil
}

func (a *Adapter) attach(p auth.Principal, ctl transport.Control) (*shell.Session, *shell.Attachment, []byte, error) {
	if ctl.SessionID == "" {
		return nil, nil, nil, relayerr.Protocolf("attach without session_id")
	}
	s, err := a.srv.registry.Attach(ctl.SessionID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !auth.CanAttach(p, s.Owner) {
		if a.srv.resume == nil || ctl.ResumeToken == "" {
			return nil, nil, nil, &relayerr.AuthError{Reason: "session belongs to another principal"}
		}
		if err := a.srv.resume.Verify(ctl.ResumeToken, s.ID); err != nil {
			return nil, nil, nil, err
		}
	}

	var (
		att     *shell.Attachment
		history []byte
	)
	if ctl.Replay {
		att, history, err = s.AttachWithHistory()
	} else {
		att, err = s.Attach()
	}
	if err != nil {
		return nil, nil, nil, err
	}
	log.Printf("[relay] %s attached to session %s as %s (replay=%v, %d bytes)",
		a.conn.RemoteAddr(), s.ID, logutil.SanitizeForLog(p.Name), ctl.Replay, len(history))
	return s, att, history, nil
}

func (a *Adapter) sendSessionInfo(ctx context.Context, s *shell.Session, history []byte) error {
	info := transport.Control{
		Type:      transport.TypeSessionInfo,
		SessionID: s.ID,
		Cols:      s.Spec.Cols,
		Rows:      s.Spec.Rows,
	}
	if a.srv.resume != nil {
		tok, err := a.srv.resume.Sign(s.ID)
		if err != nil {
			return err
		}
		info.ResumeToken = tok
	}
	if err := a.conn.WriteControl(ctx, info); err != nil {
		return err
	}

	max := a.srv.cfg.MaxFrameSize
	for len(history) > 0 {
		n := len(history)
		if n > max {
			n = max
		}
		if err := a.conn.WriteData(ctx, history[:n]); err != nil {
			return err
		}
		a.srv.metrics.BytesOut(n)
		history = history[n:]
	}
	return nil
}

// stream runs the pumps until one ends or the server shuts down. Reading
// the connection is separate from applying frames so a peer that goes away
// is noticed while a write to the session is blocked.
func (a *Adapter) stream(ctx context.Context) ending {
	a.setState(StateStreaming)

	stop := make(chan struct{})
	frames := make(chan transport.Frame)
	results := make(chan ending, 3)
	go func() { results <- a.outbound(ctx, stop) }()
	go func() { results <- a.readFrames(ctx, frames, stop) }()
	go func() { results <- a.inbound(ctx, frames, stop) }()

	var end ending
	select {
	case end = <-results:
	case <-a.shutdown:
		end = ending{kind: endShutdown}
	}
	close(stop)
	a.attachment.Detach()
	return end
}

// outbound copies session output to the client.
func (a *Adapter) outbound(ctx context.Context, stop <-chan struct{}) ending {
	for {
		select {
		case data, ok := <-a.attachment.Output():
			if !ok {
				return ending{kind: endExit}
			}
			if err := a.conn.WriteData(ctx, data); err != nil {
				if transport.IsClosed(err) {
					return ending{kind: endPeerGone}
				}
				return ending{err: err}
			}
			a.srv.metrics.BytesOut(len(data))
		case <-stop:
			return ending{kind: endStopped}
		}
	}
}

// readFrames reads client frames and hands them to inbound one at a time.
// It is never more than one frame ahead of the session.
func (a *Adapter) readFrames(ctx context.Context, frames chan<- transport.Frame, stop <-chan struct{}) ending {
	for {
		f, err := a.conn.ReadFrame(ctx)
		if err != nil {
			if transport.IsClosed(err) {
				return ending{kind: endPeerGone}
			}
			return ending{err: err}
		}
		select {
		case frames <- f:
		case <-stop:
			return ending{kind: endStopped}
		}
	}
}

// inbound applies client frames. It does not take the next frame until
// the session accepted the previous one.
func (a *Adapter) inbound(ctx context.Context, frames <-chan transport.Frame, stop <-chan struct{}) ending {
	for {
		var f transport.Frame
		select {
		case f = <-frames:
		case <-stop:
			return ending{kind: endStopped}
		}

		if f.Kind == transport.KindData {
			if err := a.write(ctx, f.Data); err != nil {
				return ending{err: err}
			}
			continue
		}

		ctl, err := transport.DecodeControl(f.Data)
		if err != nil {
			return ending{err: err}
		}
		switch ctl.Type {
		case transport.TypeResize:
			if err := a.session.Resize(ctl.Cols, ctl.Rows); err != nil && !errors.Is(err, shell.ErrNoTTY) && !errors.Is(err, relayerr.ErrClosed) {
				log.Printf("[relay] session %s resize: %v", a.session.ID, err)
			}
		case transport.TypeDisconnect:
			return ending{kind: endDisconnect}
		case transport.TypeClose:
			return ending{kind: endCloseSession}
		case transport.TypePing:
			if err := a.conn.WriteControl(ctx, transport.Control{Type: transport.TypePong}); err != nil {
				return ending{kind: endPeerGone}
			}
		default:
			return ending{err: relayerr.Protocolf("unexpected control frame %q", logutil.SanitizeForLog(ctl.Type))}
		}
	}
}

// write forwards client input, paced by the rate limiter in burst-sized
// pieces. Bytes are delayed, never dropped.
func (a *Adapter) write(ctx context.Context, p []byte) error {
	for len(p) > 0 {
		n := len(p)
		if a.limiter != nil {
			if b := a.limiter.Burst(); n > b {
				n = b
			}
			if err := a.limiter.WaitN(ctx, n); err != nil {
				return fmt.Errorf("input rate limit: %w", err)
			}
		}
		written, err := a.session.Write(p[:n])
		a.srv.metrics.BytesIn(written)
		if err != nil {
			// The exit frame from the outbound pump reports this.
			if errors.Is(err, relayerr.ErrClosed) {
				return nil
			}
			return err
		}
		p = p[n:]
	}
	return nil
}

// finish reports how the connection ended and closes it.
func (a *Adapter) finish(end ending) {
	a.setState(StateClosing)
	defer a.setState(StateClosed)

	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()

	a.mu.Lock()
	s := a.session
	a.mu.Unlock()

	switch end.kind {
	case endExit:
		a.conn.WriteControl(ctx, exitControl(s))
		a.conn.Close(closeNormal, "session exited")

	case endCloseSession:
		if err := a.srv.registry.Evict(s.ID, registry.ReasonClient); err != nil && !errors.Is(err, relayerr.ErrNotFound) {
			log.Printf("[relay] evict session %s: %v", s.ID, err)
		}
		a.conn.WriteControl(ctx, exitControl(s))
		a.conn.Close(closeNormal, "session closed")

	case endDisconnect:
		log.Printf("[relay] %s detached from session %s", a.conn.RemoteAddr(), s.ID)
		a.conn.Close(closeNormal, "detached")

	case endShutdown:
		a.conn.WriteControl(ctx, transport.Control{Type: transport.TypeShutdown, Message: "server shutting down"})
		a.conn.Close(closeGoingAway, "server shutting down")

	case endPeerGone:
		a.conn.Close(closeNormal, "")

	case endReported:
		code, _ := relayerr.Classify(end.err)
		a.srv.metrics.Error(code)
		log.Printf("[relay] %s %s: %v", a.conn.Transport(), a.conn.RemoteAddr(), end.err)

	default:
		code, _ := relayerr.Classify(end.err)
		a.srv.metrics.Error(code)
		log.Printf("[relay] %s %s: %v", a.conn.Transport(), a.conn.RemoteAddr(), end.err)
		a.reject(end.err)
	}
}

// reject sends an error frame and closes with the error's close code.
func (a *Adapter) reject(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), finalWriteTimeout)
	defer cancel()
	code, closeCode := relayerr.Classify(err)
	a.conn.WriteControl(ctx, transport.ErrorControl(err))
	a.conn.Close(closeCode, code)
}

// exitControl waits (bounded) for the session's exit code.
func exitControl(s *shell.Session) transport.Control {
	select {
	case <-s.Done():
	case <-time.After(exitWait):
	}
	ctl := transport.Control{Type: transport.TypeExit}
	if code, ok := s.ExitCode(); ok {
		ctl.ExitCode = &code
	}
	return ctl
}
