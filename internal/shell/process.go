package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/claworc/shell-relay/internal/relayerr"
)

// Backend names understood by the [Launcher].
const (
	BackendLocal      = "local"
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
	BackendSSH        = "ssh"
)

// DefaultShell is started when a command spec names no command.
const DefaultShell = "/bin/sh"

// MaxTermCols and MaxTermRows bound PTY resize requests.
const (
	MaxTermCols uint16 = 500
	MaxTermRows uint16 = 200
)

// ErrNoTTY is returned by Resize on processes without a terminal.
var ErrNoTTY = errors.New("process has no terminal")

// CommandSpec describes the interactive process a session runs.
type CommandSpec struct {
	Backend string            `json:"backend,omitempty" yaml:"backend"`
	Command string            `json:"command,omitempty" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Dir     string            `json:"dir,omitempty" yaml:"dir"`
	TTY     bool              `json:"tty,omitempty" yaml:"tty"`
	// Target is the container, pod or host the command runs in for
	// non-local backends.
	Target string `json:"target,omitempty" yaml:"target"`
	Cols   uint16 `json:"cols,omitempty" yaml:"cols"`
	Rows   uint16 `json:"rows,omitempty" yaml:"rows"`
}

// Normalize fills defaults: local backend, DefaultShell, 80x24.
func (s CommandSpec) Normalize() CommandSpec {
	if s.Backend == "" {
		s.Backend = BackendLocal
	}
	if s.Command == "" {
		s.Command = DefaultShell
	}
	if s.Cols == 0 {
		s.Cols = 80
	}
	if s.Rows == 0 {
		s.Rows = 24
	}
	s.Cols, s.Rows = ClampSize(s.Cols, s.Rows)
	return s
}

// Argv returns the command followed by its arguments.
func (s CommandSpec) Argv() []string {
	return append([]string{s.Command}, s.Args...)
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (s CommandSpec) EnvList() []string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+s.Env[k])
	}
	return out
}

func (s CommandSpec) String() string {
	return strings.Join(s.Argv(), " ")
}

// ClampSize bounds terminal dimensions to MaxTermCols x MaxTermRows.
func ClampSize(cols, rows uint16) (uint16, uint16) {
	if cols > MaxTermCols {
		cols = MaxTermCols
	}
	if rows > MaxTermRows {
		rows = MaxTermRows
	}
	return cols, rows
}

// Process is a running interactive command owned by exactly one Session.
type Process interface {
	// Stdin is the process input stream.
	Stdin() io.Writer
	// Stdout is the merged, ordered output stream. It returns io.EOF (or
	// another error) once the process output has ended or been released.
	Stdout() io.Reader
	// Resize changes the terminal size; ErrNoTTY for non-terminal processes.
	Resize(cols, rows uint16) error
	// Terminate asks the process to exit, kills it after grace, and then
	// releases its streams so blocked readers return. Safe to call twice.
	Terminate(grace time.Duration)
	// Wait blocks until the process has exited and returns its exit code
	// (-1 when unknown or killed by a signal).
	Wait() (int, error)
}

// Spawner starts processes for a backend.
type Spawner interface {
	Spawn(ctx context.Context, spec CommandSpec) (Process, error)
}

// SpawnerFunc adapts a function to the Spawner interface.
type SpawnerFunc func(ctx context.Context, spec CommandSpec) (Process, error)

// Spawn calls f.
func (f SpawnerFunc) Spawn(ctx context.Context, spec CommandSpec) (Process, error) {
	return f(ctx, spec)
}

// AllowList is the set of local commands clients may start. The entry "*"
// permits any command.
type AllowList map[string]bool

// NewAllowList builds an AllowList from command paths.
func NewAllowList(commands ...string) AllowList {
	al := make(AllowList, len(commands))
	for _, c := range commands {
		if c = strings.TrimSpace(c); c != "" {
			al[c] = true
		}
	}
	return al
}

// Validate rejects commands that are not on the list.
func (al AllowList) Validate(command string) error {
	if al["*"] || al[command] {
		return nil
	}
	allowed := make([]string, 0, len(al))
	for c := range al {
		allowed = append(allowed, c)
	}
	sort.Strings(allowed)
	return fmt.Errorf("command %q is not allowed; permitted commands: %v", command, allowed)
}

// Launcher dispatches command specs to the spawner registered for their
// backend. Local commands are checked against the allow-list; commands for
// other backends only come from operator-defined profiles.
type Launcher struct {
	mu       sync.RWMutex
	spawners map[string]Spawner
	allowed  AllowList
}

// NewLauncher creates a Launcher with the given local allow-list.
func NewLauncher(allowed AllowList) *Launcher {
	return &Launcher{
		spawners: make(map[string]Spawner),
		allowed:  allowed,
	}
}

// Register installs the spawner for a backend name.
func (l *Launcher) Register(backend string, sp Spawner) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.spawners[backend] = sp
}

// Backends lists registered backend names.
func (l *Launcher) Backends() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.spawners))
	for name := range l.spawners {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Spawn validates spec and starts it on its backend. Every failure is
// reported as a *relayerr.SpawnError.
func (l *Launcher) Spawn(ctx context.Context, spec CommandSpec) (Process, error) {
	spec = spec.Normalize()

	l.mu.RLock()
	sp, ok := l.spawners[spec.Backend]
	l.mu.RUnlock()
	if !ok {
		return nil, &relayerr.SpawnError{Command: spec.Command, Backend: spec.Backend, Err: relayerr.ErrNoBackend}
	}

	if spec.Backend == BackendLocal && l.allowed != nil {
		if err := l.allowed.Validate(spec.Command); err != nil {
			return nil, &relayerr.SpawnError{Command: spec.Command, Backend: spec.Backend, Err: err}
		}
	}

	proc, err := sp.Spawn(ctx, spec)
	if err != nil {
		var spawnErr *relayerr.SpawnError
		if errors.As(err, &spawnErr) {
			return nil, err
		}
		return nil, &relayerr.SpawnError{Command: spec.Command, Backend: spec.Backend, Err: err}
	}
	return proc, nil
}
