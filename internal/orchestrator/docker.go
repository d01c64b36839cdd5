package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

// dockerExecAPI is the subset of the Docker client used for exec sessions.
type dockerExecAPI interface {
	ContainerExecCreate(ctx context.Context, container string, options container.ExecOptions) (container.ExecCreateResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecResize(ctx context.Context, execID string, options container.ResizeOptions) error
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
}

// DockerSpawner runs session commands with `docker exec`.
type DockerSpawner struct {
	client dockerExecAPI
}

// NewDockerSpawner connects to the Docker daemon (DOCKER_HOST and friends,
// or host when set) and verifies it answers.
func NewDockerSpawner(ctx context.Context, host string) (*DockerSpawner, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}

	log.Println("[orchestrator] Docker daemon connected")
	return &DockerSpawner{client: cli}, nil
}

// Spawn creates and attaches an exec instance in spec.Target.
func (d *DockerSpawner) Spawn(ctx context.Context, spec shell.CommandSpec) (shell.Process, error) {
	if spec.Target == "" {
		return nil, fmt.Errorf("docker backend requires a target container")
	}

	execCfg := container.ExecOptions{
		Cmd:          spec.Argv(),
		Env:          spec.EnvList(),
		WorkingDir:   spec.Dir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          spec.TTY,
	}
	if spec.TTY {
		execCfg.ConsoleSize = &[2]uint{uint(spec.Rows), uint(spec.Cols)}
	}

	created, err := d.client.ContainerExecCreate(ctx, spec.Target, execCfg)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}

	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Tty:         spec.TTY,
		ConsoleSize: execCfg.ConsoleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}

	return newDockerProcess(d.client, created.ID, resp, spec.TTY), nil
}

// dockerProcess adapts a hijacked exec connection to shell.Process.
type dockerProcess struct {
	api    dockerExecAPI
	execID string
	resp   types.HijackedResponse
	tty    bool

	stdout io.Reader

	done     chan struct{}
	exitCode int
	waitErr  error

	terminated atomic.Bool
	termOnce   sync.Once
	closeOnce  sync.Once
}

func newDockerProcess(api dockerExecAPI, execID string, resp types.HijackedResponse, tty bool) *dockerProcess {
	p := &dockerProcess{
		api:      api,
		execID:   execID,
		resp:     resp,
		tty:      tty,
		done:     make(chan struct{}),
		exitCode: -1,
	}

	// Pipe output through a goroutine in both modes so the exit code can be
	// collected once the stream ends.
	pr, pw := io.Pipe()
	p.stdout = pr
	go p.copyOutput(pw)
	return p
}

func (p *dockerProcess) copyOutput(pw *io.PipeWriter) {
	var err error
	if p.tty {
		_, err = io.Copy(pw, p.resp.Reader)
	} else {
		// Without a TTY the daemon multiplexes stdout and stderr; both go
		// to the same merged stream in frame order.
		mw := &lockedWriter{w: pw}
		_, err = stdcopy.StdCopy(mw, mw, p.resp.Reader)
	}
	pw.CloseWithError(err)
	p.collectExit()
}

func (p *dockerProcess) collectExit() {
	defer close(p.done)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for {
		inspect, err := p.api.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			p.waitErr = fmt.Errorf("exec inspect: %w", err)
			return
		}
		if !inspect.Running {
			p.exitCode = inspect.ExitCode
			return
		}
		if p.terminated.Load() {
			// The daemon may keep a detached exec running; report it as killed.
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (p *dockerProcess) Stdin() io.Writer  { return p.resp.Conn }
func (p *dockerProcess) Stdout() io.Reader { return p.stdout }

func (p *dockerProcess) Resize(cols, rows uint16) error {
	if !p.tty {
		return shell.ErrNoTTY
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.api.ContainerExecResize(ctx, p.execID, container.ResizeOptions{
		Width:  uint(cols),
		Height: uint(rows),
	})
}

// Terminate half-closes stdin so the command sees EOF, then drops the
// connection after grace. The daemon hangs up the exec'd process when its
// attach stream goes away.
func (p *dockerProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		p.terminated.Store(true)
		if err := p.resp.CloseWrite(); err != nil {
			log.Printf("[orchestrator] exec %s close stdin: %v", shortID(p.execID), err)
		}
		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
			}
			p.closeConn()
		}()
	})
}

func (p *dockerProcess) closeConn() {
	p.closeOnce.Do(p.resp.Close)
}

func (p *dockerProcess) Wait() (int, error) {
	<-p.done
	p.closeConn()
	return p.exitCode, p.waitErr
}

// lockedWriter serializes writes from stdcopy's two destinations.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
