// Package sshterminal runs relay sessions on remote hosts over SSH.
//
// It wraps golang.org/x/crypto/ssh: one client connection is kept per
// target address and every session opens its own channel on it, with a
// PTY when the command asks for a terminal.
package sshterminal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

const (
	// keepaliveInterval is how often idle connections are probed.
	keepaliveInterval = 30 * time.Second

	// connectTimeout bounds dialing plus the SSH handshake.
	connectTimeout = 15 * time.Second
)

// Config configures a Spawner.
type Config struct {
	User string
	// Signer authenticates the relay to target hosts.
	Signer ssh.Signer
	// DefaultAddr is used when a command spec has no target.
	DefaultAddr string
	// KnownHostsPath enables host key checking; empty accepts any host key.
	KnownHostsPath string
}

// Spawner starts commands on remote hosts.
type Spawner struct {
	cfg      *ssh.ClientConfig
	defAddr  string
	dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

	mu    sync.Mutex
	conns map[string]*managedConn
}

type managedConn struct {
	client *ssh.Client
	cancel context.CancelFunc
}

// NewSpawner builds an SSH spawner.
func NewSpawner(c Config) (*Spawner, error) {
	if c.Signer == nil {
		return nil, errors.New("ssh spawner requires a private key")
	}
	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if c.KnownHostsPath != "" {
		cb, err := knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("known hosts: %w", err)
		}
		hostKeyCallback = cb
	}
	user := c.User
	if user == "" {
		user = "root"
	}

	d := &net.Dialer{Timeout: connectTimeout}
	return &Spawner{
		cfg: &ssh.ClientConfig{
			User:            user,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(c.Signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         connectTimeout,
		},
		defAddr:  c.DefaultAddr,
		dialFunc: d.DialContext,
		conns:    make(map[string]*managedConn),
	}, nil
}

func (s *Spawner) targetAddr(target string) (string, error) {
	addr := target
	if addr == "" {
		addr = s.defAddr
	}
	if addr == "" {
		return "", errors.New("ssh backend requires a target host")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, "22")
	}
	return addr, nil
}

// client returns a cached connection for addr, dialing a new one when none
// exists or the cached one has died.
func (s *Spawner) client(ctx context.Context, addr string) (*ssh.Client, error) {
	s.mu.Lock()
	mc, ok := s.conns[addr]
	s.mu.Unlock()
	if ok {
		if _, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil); err == nil {
			return mc.client, nil
		}
		s.drop(addr, mc)
	}

	netConn, err := s.dialFunc(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, s.cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	keepCtx, cancel := context.WithCancel(context.Background())
	mc = &managedConn{client: client, cancel: cancel}

	s.mu.Lock()
	if existing, ok := s.conns[addr]; ok {
		// Another session dialed concurrently; keep the first one.
		s.mu.Unlock()
		cancel()
		client.Close()
		return existing.client, nil
	}
	s.conns[addr] = mc
	s.mu.Unlock()

	go s.keepalive(keepCtx, addr, mc)
	log.Printf("[ssh] connected to %s", addr)
	return client, nil
}

func (s *Spawner) keepalive(ctx context.Context, addr string, mc *managedConn) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := mc.client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[ssh] keepalive to %s failed: %v", addr, err)
				s.drop(addr, mc)
				return
			}
		}
	}
}

func (s *Spawner) drop(addr string, mc *managedConn) {
	s.mu.Lock()
	if s.conns[addr] == mc {
		delete(s.conns, addr)
	}
	s.mu.Unlock()
	mc.cancel()
	mc.client.Close()
}

// Close closes every cached connection.
func (s *Spawner) Close() error {
	s.mu.Lock()
	conns := s.conns
	s.conns = make(map[string]*managedConn)
	s.mu.Unlock()
	for _, mc := range conns {
		mc.cancel()
		mc.client.Close()
	}
	return nil
}

// Spawn opens a session channel on the target host and starts spec there.
func (s *Spawner) Spawn(ctx context.Context, spec shell.CommandSpec) (shell.Process, error) {
	addr, err := s.targetAddr(spec.Target)
	if err != nil {
		return nil, err
	}
	client, err := s.client(ctx, addr)
	if err != nil {
		return nil, err
	}
	return StartSession(client, spec)
}

// StartSession opens a new SSH session on client and starts spec. With
// spec.TTY a PTY of spec.Cols x spec.Rows is requested; otherwise stdout and
// stderr are merged into one stream.
func StartSession(client *ssh.Client, spec shell.CommandSpec) (shell.Process, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	for _, kv := range spec.EnvList() {
		k, v, _ := strings.Cut(kv, "=")
		// Most servers only accept AcceptEnv-listed names.
		if err := session.Setenv(k, v); err != nil {
			log.Printf("[ssh] server rejected env %s: %v", k, err)
		}
	}

	if spec.TTY {
		modes := ssh.TerminalModes{
			ssh.ECHO:          1,
			ssh.TTY_OP_ISPEED: 14400,
			ssh.TTY_OP_OSPEED: 14400,
		}
		if err := session.RequestPty("xterm-256color", int(spec.Rows), int(spec.Cols), modes); err != nil {
			session.Close()
			return nil, fmt.Errorf("request pty: %w", err)
		}
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	pr, pw := io.Pipe()
	session.Stdout = pw
	if !spec.TTY {
		session.Stderr = pw
	}

	cmd := RemoteCommand(spec)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("start %q: %w", cmd, err)
	}

	p := &remoteProcess{
		session:  session,
		stdin:    stdin,
		stdout:   pr,
		tty:      spec.TTY,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait(pw)
	return p, nil
}

// RemoteCommand renders spec as a single command line for the remote shell.
func RemoteCommand(spec shell.CommandSpec) string {
	parts := make([]string, 0, len(spec.Args)+1)
	for _, a := range spec.Argv() {
		parts = append(parts, shellQuote(a))
	}
	cmd := strings.Join(parts, " ")
	if spec.Dir != "" {
		cmd = "cd " + shellQuote(spec.Dir) + " && exec " + cmd
	}
	return cmd
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:,+@%", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// remoteProcess adapts an SSH session to shell.Process.
type remoteProcess struct {
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  *io.PipeReader
	tty     bool

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
}

func (p *remoteProcess) wait(pw *io.PipeWriter) {
	defer close(p.done)
	err := p.session.Wait()
	pw.Close()

	var exitErr *ssh.ExitError
	var missing *ssh.ExitMissingError
	switch {
	case err == nil:
		p.exitCode = 0
	case errors.As(err, &exitErr):
		p.exitCode = exitErr.ExitStatus()
	case errors.As(err, &missing), errors.Is(err, io.EOF):
		// Channel closed without a status, e.g. after a kill.
	default:
		p.waitErr = err
	}
}

func (p *remoteProcess) Stdin() io.Writer  { return p.stdin }
func (p *remoteProcess) Stdout() io.Reader { return p.stdout }

// Resize changes the remote PTY dimensions.
func (p *remoteProcess) Resize(cols, rows uint16) error {
	if !p.tty {
		return shell.ErrNoTTY
	}
	return p.session.WindowChange(int(rows), int(cols))
}

// Terminate signals the remote process and closes the channel after
// grace. Servers that ignore signal requests still see stdin EOF.
func (p *remoteProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		if err := p.session.Signal(ssh.SIGTERM); err != nil && !errors.Is(err, io.EOF) {
			log.Printf("[ssh] signal TERM: %v", err)
		}
		p.stdin.Close()
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				p.session.Signal(ssh.SIGKILL)
				p.session.Close()
			}
			p.stdout.Close()
		}()
	})
}

func (p *remoteProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}
