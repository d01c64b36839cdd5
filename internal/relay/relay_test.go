package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/hashicorp/yamux"
	"golang.org/x/crypto/bcrypt"

	"github.com/gluk-w/claworc/shell-relay/internal/auth"
	"github.com/gluk-w/claworc/shell-relay/internal/config"
	"github.com/gluk-w/claworc/shell-relay/internal/metrics"
	"github.com/gluk-w/claworc/shell-relay/internal/registry"
	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
	"github.com/gluk-w/claworc/shell-relay/internal/shell"
	"github.com/gluk-w/claworc/shell-relay/internal/transport"
)

type testEnv struct {
	srv  *Server
	reg  *registry.Registry
	http *httptest.Server
	url  string
}

func newTestEnv(t *testing.T, cfg Config, deps Deps) *testEnv {
	t.Helper()
	launcher := shell.NewLauncher(shell.NewAllowList("/bin/sh", "/bin/cat"))
	launcher.Register(shell.BackendLocal, &shell.LocalSpawner{})

	reg := registry.New(launcher, registry.Config{IdleTimeout: -1, KillGrace: 200 * time.Millisecond})
	deps.Registry = reg
	if deps.Metrics == nil {
		deps.Metrics = metrics.New()
	}
	srv := NewServer(cfg, deps)
	hs := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		hs.Close()
	})
	return &testEnv{
		srv:  srv,
		reg:  reg,
		http: hs,
		url:  "ws" + strings.TrimPrefix(hs.URL, "http"),
	}
}

type client struct {
	t    *testing.T
	conn transport.Conn
	ws   *websocket.Conn
}

func (e *testEnv) dial(t *testing.T, header http.Header) *client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, e.url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &client{t: t, conn: transport.NewWSConn(ws, "", 1<<20), ws: ws}
	t.Cleanup(func() { ws.CloseNow() })
	return c
}

func dialMux(t *testing.T, addr string) *client {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial mux: %v", err)
	}
	session, err := yamux.Client(nc, transport.MuxConfig())
	if err != nil {
		t.Fatalf("yamux client: %v", err)
	}
	stream, err := session.OpenStream()
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return &client{t: t, conn: transport.NewMuxConn(stream, 1<<20)}
}

func ioCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (c *client) send(ctl transport.Control) {
	c.t.Helper()
	ctx, cancel := ioCtx()
	defer cancel()
	if err := c.conn.WriteControl(ctx, ctl); err != nil {
		c.t.Fatalf("send %s: %v", ctl.Type, err)
	}
}

func (c *client) input(s string) {
	c.t.Helper()
	ctx, cancel := ioCtx()
	defer cancel()
	if err := c.conn.WriteData(ctx, []byte(s)); err != nil {
		c.t.Fatalf("write data: %v", err)
	}
}

func (c *client) read() (transport.Frame, error) {
	ctx, cancel := ioCtx()
	defer cancel()
	return c.conn.ReadFrame(ctx)
}

// control reads the next frame, which must be a control frame.
func (c *client) control() transport.Control {
	c.t.Helper()
	f, err := c.read()
	if err != nil {
		c.t.Fatalf("read control: %v", err)
	}
	if f.Kind != transport.KindControl {
		c.t.Fatalf("expected control frame, got data %q", f.Data)
	}
	ctl, err := transport.DecodeControl(f.Data)
	if err != nil {
		c.t.Fatal(err)
	}
	return ctl
}

// waitControl skips data frames until a control frame of type typ.
func (c *client) waitControl(typ string) transport.Control {
	c.t.Helper()
	for {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Kind != transport.KindControl {
			continue
		}
		ctl, err := transport.DecodeControl(f.Data)
		if err != nil {
			c.t.Fatal(err)
		}
		if ctl.Type != typ {
			c.t.Fatalf("got control %+v, want %s", ctl, typ)
		}
		return ctl
	}
}

// readUntil accumulates data frames until their text contains want.
func (c *client) readUntil(want string) string {
	c.t.Helper()
	var got strings.Builder
	for !strings.Contains(got.String(), want) {
		f, err := c.read()
		if err != nil {
			c.t.Fatalf("waiting for %q (have %q): %v", want, got.String(), err)
		}
		if f.Kind == transport.KindControl {
			c.t.Fatalf("unexpected control %s while waiting for %q", f.Data, want)
		}
		got.Write(f.Data)
	}
	return got.String()
}

// closed reads until the connection ends and returns the WebSocket close
// status (-1 for mux streams).
func (c *client) closed() websocket.StatusCode {
	c.t.Helper()
	for {
		_, err := c.read()
		if err != nil {
			if !transport.IsClosed(err) {
				c.t.Fatalf("connection ended with %v", err)
			}
			return websocket.CloseStatus(err)
		}
	}
}

func (c *client) create(cmd *transport.CommandRequest, token string) transport.Control {
	c.t.Helper()
	c.send(transport.Control{Type: transport.TypeCreate, Token: token, Command: cmd})
	info := c.control()
	if info.Type != transport.TypeSessionInfo {
		c.t.Fatalf("create reply = %+v", info)
	}
	if info.SessionID == "" {
		c.t.Fatal("session_info without session id")
	}
	return info
}

func expectError(t *testing.T, c *client, code string, status websocket.StatusCode) {
	t.Helper()
	ctl := c.control()
	if ctl.Type != transport.TypeError || ctl.Code != code {
		t.Fatalf("got %+v, want error %s", ctl, code)
	}
	if got := c.closed(); got != status {
		t.Errorf("close status = %d, want %d", got, status)
	}
}

var catCmd = &transport.CommandRequest{Command: "/bin/cat"}

func TestEchoHiAndExit(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)

	c.create(&transport.CommandRequest{Command: "/bin/sh"}, "")
	c.input("echo hi\n")
	if got := c.readUntil("hi\n"); !strings.Contains(got, "hi\n") {
		t.Fatalf("output = %q", got)
	}

	c.input("exit 3\n")
	exit := c.waitControl(transport.TypeExit)
	if exit.ExitCode == nil || *exit.ExitCode != 3 {
		t.Errorf("exit frame = %+v, want code 3", exit)
	}
	if got := c.closed(); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %d", got)
	}
}

func TestDefaultShell(t *testing.T) {
	env := newTestEnv(t, Config{DefaultShell: "/bin/cat"}, Deps{})
	c := env.dial(t, nil)

	info := c.create(nil, "")
	s, ok := env.reg.Get(info.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}
	if s.Spec.Command != "/bin/cat" {
		t.Errorf("command = %q", s.Spec.Command)
	}
	c.input("ping\n")
	c.readUntil("ping\n")
}

func TestDisconnectAndReattach(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	c1 := env.dial(t, nil)
	info := c1.create(catCmd, "")
	c1.input("one\n")
	c1.readUntil("one\n")
	c1.send(transport.Control{Type: transport.TypeDisconnect})
	if got := c1.closed(); got != websocket.StatusNormalClosure {
		t.Errorf("disconnect close status = %d", got)
	}

	s, ok := env.reg.Get(info.SessionID)
	if !ok || s.State() != shell.StateActive {
		t.Fatal("session did not survive disconnect")
	}

	c2 := env.dial(t, nil)
	c2.send(transport.Control{Type: transport.TypeAttach, SessionID: info.SessionID, Replay: true})
	if ctl := c2.control(); ctl.Type != transport.TypeSessionInfo || ctl.SessionID != info.SessionID {
		t.Fatalf("attach reply = %+v", ctl)
	}
	c2.readUntil("one\n")
	c2.input("two\n")
	c2.readUntil("two\n")
	c2.send(transport.Control{Type: transport.TypeDisconnect})
	c2.closed()

	// Without replay only new output arrives.
	c3 := env.dial(t, nil)
	c3.send(transport.Control{Type: transport.TypeAttach, SessionID: info.SessionID})
	c3.control()
	c3.input("three\n")
	if got := c3.readUntil("three\n"); strings.Contains(got, "one") {
		t.Errorf("attach without replay delivered history: %q", got)
	}
}

func TestAttachBusy(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})

	c1 := env.dial(t, nil)
	info := c1.create(catCmd, "")

	c2 := env.dial(t, nil)
	c2.send(transport.Control{Type: transport.TypeAttach, SessionID: info.SessionID})
	expectError(t, c2, relayerr.CodeBusy, relayerr.CloseBusy)

	// The first client is unaffected.
	c1.input("still here\n")
	c1.readUntil("still here\n")
}

func TestAttachUnknownSession(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	c.send(transport.Control{Type: transport.TypeAttach, SessionID: "does-not-exist"})
	expectError(t, c, relayerr.CodeNotFound, relayerr.CloseNotFound)
}

func TestMalformedHandshake(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	ctx, cancel := ioCtx()
	defer cancel()

	c := env.dial(t, nil)
	c.ws.Write(ctx, websocket.MessageText, []byte("{not json"))
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)

	c = env.dial(t, nil)
	c.ws.Write(ctx, websocket.MessageBinary, []byte("ls\n"))
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)

	c = env.dial(t, nil)
	c.send(transport.Control{Type: "hello"})
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)

	c = env.dial(t, nil)
	c.send(transport.Control{Type: transport.TypeAttach})
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)

	if n := env.reg.Count(); n != 0 {
		t.Errorf("registry has %d sessions", n)
	}
}

func TestMalformedFrameWhileStreaming(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	info := c.create(catCmd, "")

	ctx, cancel := ioCtx()
	defer cancel()
	c.ws.Write(ctx, websocket.MessageText, []byte(`{"type":"bogus"}`))
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)

	// The session is detached, not evicted.
	if _, err := env.reg.Attach(info.SessionID); err != nil {
		t.Errorf("session gone after protocol error: %v", err)
	}
}

func TestOversizedInputFrame(t *testing.T) {
	env := newTestEnv(t, Config{MaxFrameSize: 16}, Deps{})
	c := env.dial(t, nil)
	c.create(catCmd, "")
	c.input(strings.Repeat("x", 17))
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)
}

func TestSpawnErrors(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{
		Profiles: config.Profiles{"cat": {Backend: shell.BackendLocal, Command: "/bin/cat"}},
	})

	c := env.dial(t, nil)
	c.send(transport.Control{Type: transport.TypeCreate, Command: &transport.CommandRequest{Command: "/usr/bin/env"}})
	expectError(t, c, relayerr.CodeSpawn, relayerr.CloseSpawn)

	c = env.dial(t, nil)
	c.send(transport.Control{Type: transport.TypeCreate, Command: &transport.CommandRequest{Profile: "missing"}})
	expectError(t, c, relayerr.CodeSpawn, relayerr.CloseSpawn)

	if n := env.reg.Count(); n != 0 {
		t.Errorf("registry has %d sessions after failed spawns", n)
	}

	c = env.dial(t, nil)
	c.create(&transport.CommandRequest{Profile: "cat", Cols: 100, Rows: 30}, "")
	c.input("profile\n")
	c.readUntil("profile\n")
}

func TestMissingExecutable(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	launcher := shell.NewLauncher(shell.NewAllowList("*"))
	launcher.Register(shell.BackendLocal, &shell.LocalSpawner{})
	env.srv.registry = registry.New(launcher, registry.Config{IdleTimeout: -1})

	c := env.dial(t, nil)
	c.send(transport.Control{Type: transport.TypeCreate, Command: &transport.CommandRequest{Command: "/nonexistent/binary"}})
	expectError(t, c, relayerr.CodeSpawn, relayerr.CloseSpawn)
	if n := env.srv.registry.Count(); n != 0 {
		t.Errorf("registry has %d sessions", n)
	}
}

func TestCloseEvictsSession(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	info := c.create(catCmd, "")

	c.send(transport.Control{Type: transport.TypeClose})
	c.waitControl(transport.TypeExit)
	if got := c.closed(); got != websocket.StatusNormalClosure {
		t.Errorf("close status = %d", got)
	}
	if _, err := env.reg.Attach(info.SessionID); !errors.Is(err, relayerr.ErrNotFound) {
		t.Errorf("Attach after close = %v, want not found", err)
	}
}

func TestResizeAndPing(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	c.create(catCmd, "")

	// Resizing a non-terminal session is ignored.
	c.send(transport.Control{Type: transport.TypeResize, Cols: 100, Rows: 40})
	c.send(transport.Control{Type: transport.TypePing})
	if ctl := c.control(); ctl.Type != transport.TypePong {
		t.Fatalf("got %+v, want pong", ctl)
	}
	c.input("after resize\n")
	c.readUntil("after resize\n")
}

func hashFor(t *testing.T, token string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	return string(h)
}

func TestAuthorization(t *testing.T) {
	tokens, err := auth.NewTokenSet([]auth.TokenEntry{
		{Name: "alice", Hash: hashFor(t, "alice-token")},
		{Name: "bob", Hash: hashFor(t, "bob-token")},
		{Name: "root", Hash: hashFor(t, "root-token"), Admin: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	resume, err := auth.NewResumeSigner("", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	env := newTestEnv(t, Config{}, Deps{Authorizer: tokens, Resume: resume})

	t.Run("rejected token creates nothing", func(t *testing.T) {
		c := env.dial(t, nil)
		c.send(transport.Control{Type: transport.TypeCreate, Token: "wrong", Command: catCmd})
		expectError(t, c, relayerr.CodeAuth, relayerr.CloseAuth)
		if n := env.reg.Count(); n != 0 {
			t.Errorf("registry has %d sessions", n)
		}
	})

	c := env.dial(t, nil)
	info := c.create(catCmd, "alice-token")
	if info.ResumeToken == "" {
		t.Fatal("no resume token issued")
	}
	c.send(transport.Control{Type: transport.TypeDisconnect})
	c.closed()

	t.Run("other principal needs resume token", func(t *testing.T) {
		c := env.dial(t, nil)
		c.send(transport.Control{Type: transport.TypeAttach, Token: "bob-token", SessionID: info.SessionID})
		expectError(t, c, relayerr.CodeAuth, relayerr.CloseAuth)

		c = env.dial(t, nil)
		c.send(transport.Control{Type: transport.TypeAttach, Token: "bob-token", SessionID: info.SessionID, ResumeToken: "garbage"})
		expectError(t, c, relayerr.CodeAuth, relayerr.CloseAuth)

		c = env.dial(t, nil)
		c.send(transport.Control{Type: transport.TypeAttach, Token: "bob-token", SessionID: info.SessionID, ResumeToken: info.ResumeToken})
		if ctl := c.control(); ctl.Type != transport.TypeSessionInfo {
			t.Fatalf("attach with resume token = %+v", ctl)
		}
		c.send(transport.Control{Type: transport.TypeDisconnect})
		c.closed()
	})

	t.Run("owner and admin attach", func(t *testing.T) {
		for _, tok := range []string{"alice-token", "root-token"} {
			c := env.dial(t, nil)
			c.send(transport.Control{Type: transport.TypeAttach, Token: tok, SessionID: info.SessionID})
			if ctl := c.control(); ctl.Type != transport.TypeSessionInfo {
				t.Fatalf("attach with %s = %+v", tok, ctl)
			}
			c.send(transport.Control{Type: transport.TypeDisconnect})
			c.closed()
		}
	})

	t.Run("header token", func(t *testing.T) {
		c := env.dial(t, http.Header{"Authorization": []string{"Bearer bob-token"}})
		info := c.create(catCmd, "")
		s, ok := env.reg.Get(info.SessionID)
		if !ok || s.Owner != "bob" {
			t.Errorf("owner = %v", s)
		}
	})
}

func TestInputRateLimitDelaysWithoutDropping(t *testing.T) {
	env := newTestEnv(t, Config{InputRate: 100, InputBurst: 10}, Deps{})
	c := env.dial(t, nil)
	c.create(catCmd, "")

	line := strings.Repeat("r", 29) + "\n"
	start := time.Now()
	c.input(line)
	got := c.readUntil("\n")
	if got != line {
		t.Errorf("echo = %q, want %q", got, line)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("30 bytes at 100B/s with burst 10 took only %s", elapsed)
	}
}

func TestMuxTransport(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: 300 * time.Millisecond}, Deps{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- env.srv.ServeMux(ln) }()

	c := dialMux(t, ln.Addr().String())
	c.create(&transport.CommandRequest{Command: "/bin/sh"}, "")
	c.input("echo hi\n")
	c.readUntil("hi\n")
	c.input("exit 0\n")
	if exit := c.waitControl(transport.TypeExit); exit.ExitCode == nil || *exit.ExitCode != 0 {
		t.Errorf("exit = %+v", exit)
	}
	c.closed()

	t.Run("handshake timeout", func(t *testing.T) {
		c := dialMux(t, ln.Addr().String())
		ctl := c.control()
		if ctl.Type != transport.TypeError || ctl.Code != relayerr.CodeProtocol {
			t.Fatalf("got %+v, want protocol error", ctl)
		}
		c.closed()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := env.srv.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ServeMux: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ServeMux did not return after Shutdown")
	}
}

func TestShutdown(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	info := c.create(catCmd, "")
	s, _ := env.reg.Get(info.SessionID)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		done <- env.srv.Shutdown(ctx)
	}()

	c.waitControl(transport.TypeShutdown)
	if got := c.closed(); got != websocket.StatusGoingAway {
		t.Errorf("close status = %d, want going away", got)
	}
	if err := <-done; err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.State() != shell.StateClosed {
		t.Errorf("session state = %s after shutdown", s.State())
	}
	if env.reg.Count() != 0 {
		t.Errorf("registry has %d sessions", env.reg.Count())
	}
	if n := env.srv.ActiveConnections(); n != 0 {
		t.Errorf("%d adapters still tracked", n)
	}

	late := env.dial(t, nil)
	late.waitControl(transport.TypeShutdown)
}

func TestSessionsIsolatedAcrossConnections(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	a := env.dial(t, nil)
	b := env.dial(t, nil)
	a.create(catCmd, "")
	b.create(catCmd, "")

	a.input("for-a\n")
	b.input("for-b\n")
	if got := a.readUntil("for-a\n"); strings.Contains(got, "for-b") {
		t.Errorf("a received b's output: %q", got)
	}
	if got := b.readUntil("for-b\n"); strings.Contains(got, "for-a") {
		t.Errorf("b received a's output: %q", got)
	}
}

func TestPeerGoneWhileInputBlocked(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	c := env.dial(t, nil)
	info := c.create(&transport.CommandRequest{Command: "/bin/sh"}, "")
	s, ok := env.reg.Get(info.SessionID)
	if !ok {
		t.Fatal("session not registered")
	}

	// The shell stops reading stdin while sleep runs, so the input below
	// fills the pipe and the session write blocks.
	c.input("sleep 30\n")
	chunk := strings.Repeat("x", 60<<10)
	for i := 0; i < 3; i++ {
		c.input(chunk)
	}
	c.ws.CloseNow()

	deadline := time.Now().Add(5 * time.Second)
	for s.IsAttached() || env.srv.ActiveConnections() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("attached=%v adapters=%d after the client went away",
				s.IsAttached(), env.srv.ActiveConnections())
		}
		time.Sleep(20 * time.Millisecond)
	}

	c2 := env.dial(t, nil)
	c2.send(transport.Control{Type: transport.TypeAttach, SessionID: info.SessionID})
	if ctl := c2.control(); ctl.Type != transport.TypeSessionInfo {
		t.Fatalf("reattach reply = %+v", ctl)
	}
}

func TestHandshakeTimeoutWebSocket(t *testing.T) {
	env := newTestEnv(t, Config{HandshakeTimeout: 200 * time.Millisecond}, Deps{})
	c := env.dial(t, nil)
	expectError(t, c, relayerr.CodeProtocol, relayerr.CloseProtocol)
}

func TestOriginCheck(t *testing.T) {
	env := newTestEnv(t, Config{OriginPatterns: []string{"console.example.com"}}, Deps{})

	ctx, cancel := ioCtx()
	defer cancel()
	_, resp, err := websocket.Dial(ctx, env.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Origin": []string{"http://evil.example.com"}},
	})
	if err == nil {
		t.Fatal("upgrade from a foreign origin was accepted")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}

	c := env.dial(t, http.Header{"Origin": []string{"https://console.example.com"}})
	c.create(catCmd, "")

	// Clients outside a browser send no Origin.
	env.dial(t, nil).create(catCmd, "")
}

// brokenConn delivers one handshake frame and fails every control write.
type brokenConn struct {
	handshake []byte
	sent      bool
}

func (c *brokenConn) ReadFrame(ctx context.Context) (transport.Frame, error) {
	if !c.sent {
		c.sent = true
		return transport.Frame{Kind: transport.KindControl, Data: c.handshake}, nil
	}
	<-ctx.Done()
	return transport.Frame{}, ctx.Err()
}

func (c *brokenConn) WriteData(context.Context, []byte) error { return nil }

func (c *brokenConn) WriteControl(context.Context, transport.Control) error {
	return errors.New("connection reset by peer")
}

func (c *brokenConn) Close(int, string) error { return nil }
func (c *brokenConn) RemoteAddr() string      { return "broken" }
func (c *brokenConn) Transport() string       { return "test" }

func TestCreateEvictedWhenSessionInfoFails(t *testing.T) {
	env := newTestEnv(t, Config{}, Deps{})
	hs, err := json.Marshal(transport.Control{Type: transport.TypeCreate, Command: catCmd})
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	env.srv.ServeConn(ctx, &brokenConn{handshake: hs}, "")

	if n := env.reg.Count(); n != 0 {
		t.Errorf("registry has %d sessions nobody can reach", n)
	}
}
