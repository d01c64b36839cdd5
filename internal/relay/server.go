// Package relay terminates client connections and binds them to sessions.
//
// Each WebSocket connection or yamux stream gets its own [Adapter], which
// walks Connecting → Bound → Streaming → Closing → Closed. The [Server]
// accepts connections, tracks adapters and shuts them down gracefully.
//
// Log prefix: [relay].
package relay

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/config"
	"github.com/gluk-w/claworc/shell-relay/internal/logutil"
	"github.com/gluk-w/claworc/shell-relay/internal/metrics"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
	"github.com/gluk-w/claworc/shell-relay/internal/transport"
)

// Defaults for zero Config fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultShutdownGrace    = 10 * time.Second
	DefaultMaxFrameSize     = 64 * 1024
)

// Config tunes the relay server.
type Config struct {
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	// MaxFrameSize bounds inbound data frames.
	MaxFrameSize int
	// InputRate limits client input in bytes per second; zero disables.
	InputRate  int64
	InputBurst int
	// DefaultShell runs when a create request names neither a profile nor
	// a command.
	DefaultShell string
	// OriginPatterns lists browser origins allowed besides the relay's own
	// host. Requests without an Origin header (non-browser clients) are
	// always accepted.
	OriginPatterns []string
}

// Deps are the collaborators a Server uses. Resume, Profiles and Metrics
// are optional.
type Deps struct {
	Registry   *registry.Registry
	Authorizer auth.Authorizer
	Resume     *auth.ResumeSigner
	Profiles   config.Profiles
	Metrics    *metrics.Collector
}

// Server accepts client connections and runs an adapter for each.
type Server struct {
	cfg      Config
	registry *registry.Registry
	authz    auth.Authorizer
	resume   *auth.ResumeSigner
	profiles config.Profiles
	metrics  *metrics.Collector

	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu        sync.Mutex
	adapters  map[*Adapter]struct{}
	listeners map[net.Listener]struct{}
	closing   bool
	wg        sync.WaitGroup
}

// NewServer creates a relay server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrameSize
	}
	if cfg.InputRate > 0 && cfg.InputBurst <= 0 {
		cfg.InputBurst = cfg.MaxFrameSize
	}
	if cfg.DefaultShell == "" {
		cfg.DefaultShell = shell.DefaultShell
	}
	authz := deps.Authorizer
	if authz == nil {
		authz = auth.Disabled{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		registry:   deps.Registry,
		authz:      authz,
		resume:     deps.Resume,
		profiles:   deps.Profiles,
		metrics:    deps.Metrics,
		baseCtx:    ctx,
		cancelBase: cancel,
		adapters:   make(map[*Adapter]struct{}),
		listeners:  make(map[net.Listener]struct{}),
	}
}

// resolve turns a create request into a command spec. Profiles may use any
// backend; direct commands always run locally and are checked against the
// allow-list by the launcher.
func (s *Server) resolve(req *transport.CommandRequest) (shell.CommandSpec, error) {
	if req == nil {
		req = &transport.CommandRequest{}
	}
	if req.Profile != "" {
		spec, ok := s.profiles[req.Profile]
		if !ok {
			return shell.CommandSpec{}, &relayerr.SpawnError{
				Command: req.Profile,
				Backend: "profile",
				Err:     fmt.Errorf("unknown profile %q", logutil.SanitizeForLog(req.Profile)),
			}
		}
		// Clients pick the window size, nothing else.
		if req.Cols > 0 {
			spec.Cols = req.Cols
		}
		if req.Rows > 0 {
			spec.Rows = req.Rows
		}
		return spec, nil
	}
	spec := req.Spec()
	if spec.Command == "" {
		spec.Command = s.cfg.DefaultShell
	}
	return spec, nil
}

// track registers a new adapter, or returns false once shutdown began.
func (s *Server) track(a *Adapter) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.adapters[a] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(a *Adapter) {
	s.mu.Lock()
	delete(s.adapters, a)
	s.mu.Unlock()
	s.wg.Done()
}

// ActiveConnections returns the number of running adapters.
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.adapters)
}

// ServeConn runs an adapter on conn and blocks until it finishes.
// headerToken is a credential from the transport (an HTTP Authorization
// header), used when the handshake frame carries none.
func (s *Server) ServeConn(ctx context.Context, conn transport.Conn, headerToken string) {
	a := newAdapter(s, conn, headerToken)
	if !s.track(a) {
		conn.WriteControl(ctx, transport.Control{Type: transport.TypeShutdown, Message: "server shutting down"})
		conn.Close(closeGoingAway, "server shutting down")
		return
	}
	defer s.untrack(a)

	s.metrics.ConnOpened(conn.Transport())
	defer s.metrics.ConnClosed()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, cancel)
	defer stop()

	a.Run(ctx)
}

// HandleWebSocket upgrades the request and serves it.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		log.Printf("[relay] websocket accept from %s: %v", r.RemoteAddr, err)
		return
	}
	conn := transport.NewWSConn(ws, r.RemoteAddr, s.cfg.MaxFrameSize)
	s.ServeConn(r.Context(), conn, auth.BearerToken(r))
}

// ServeMux accepts TCP connections on ln, runs a yamux session on each and
// serves every stream as a client connection. It returns nil after
// Shutdown.
func (s *Server) ServeMux(ln net.Listener) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		ln.Close()
		return nil
	}
	s.listeners[ln] = struct{}{}
	s.mu.Unlock()

	log.Printf("[relay] mux listener on %s", ln.Addr())
	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			delete(s.listeners, ln)
			s.mu.Unlock()
			if closing || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("mux accept: %w", err)
		}
		go s.serveMuxConn(conn)
	}
}

func (s *Server) serveMuxConn(conn net.Conn) {
	remote := conn.RemoteAddr()
	log.Printf("[relay] mux connection from %v", remote)
	err := transport.ServeYamux(s.baseCtx, conn, transport.MuxConfig(), func(stream net.Conn) {
		s.ServeConn(s.baseCtx, transport.NewMuxConn(stream, s.cfg.MaxFrameSize), "")
	})
	if err != nil {
		log.Printf("[relay] mux connection from %v: %v", remote, err)
	}
}

// Shutdown stops accepting, tells every adapter to send a shutdown frame,
// waits up to ShutdownGrace (or ctx) for them, then force-closes the rest
// and every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil
	}
	s.closing = true
	for ln := range s.listeners {
		ln.Close()
	}
	adapters := make([]*Adapter, 0, len(s.adapters))
	for a := range s.adapters {
		adapters = append(adapters, a)
	}
	s.mu.Unlock()

	log.Printf("[relay] shutting down %d connection(s)", len(adapters))
	for _, a := range adapters {
		a.notifyShutdown()
	}

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	grace := time.NewTimer(s.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-drained:
	case <-grace.C:
		log.Printf("[relay] shutdown grace %s elapsed, forcing close", s.cfg.ShutdownGrace)
	case <-ctx.Done():
		log.Printf("[relay] shutdown interrupted: %v", ctx.Err())
	}
	s.cancelBase()

	if s.registry == nil {
		return nil
	}
	if err := s.registry.CloseAll(ctx); err != nil {
		return fmt.Errorf("relay shutdown: %w", err)
	}
	return nil
}
