package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
)

// LocalSpawner starts commands on the relay host.
type LocalSpawner struct {
	// BaseEnv is the environment every child starts from. Nil means the
	// relay's own environment.
	BaseEnv []string
}

// Spawn starts spec.Command with its arguments. With spec.TTY the child
// runs on a fresh PTY; otherwise stdin is a pipe and stdout/stderr share a
// single pipe so their relative order is preserved.
func (l *LocalSpawner) Spawn(ctx context.Context, spec CommandSpec) (Process, error) {
	spec = spec.Normalize()

	// The process outlives the request that created it, so ctx only
	// bounds the spawn itself.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	env := l.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	if spec.TTY {
		env = append(env, "TERM=xterm-256color")
	}
	cmd.Env = append(append([]string{}, env...), spec.EnvList()...)
	configureProcAttr(cmd, spec.TTY)

	if spec.TTY {
		return startPTY(cmd, spec.Cols, spec.Rows)
	}
	return startPipes(cmd)
}

func startPipes(cmd *exec.Cmd) (*localProcess, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdout = outW
	cmd.Stderr = outW

	if err := cmd.Start(); err != nil {
		stdin.Close()
		outR.Close()
		outW.Close()
		return nil, fmt.Errorf("start %q: %w", cmd.Path, err)
	}
	// The child holds its own copy of the write end.
	outW.Close()

	return newLocalProcess(cmd, stdin, outR, nil), nil
}

func startPTY(cmd *exec.Cmd, cols, rows uint16) (*localProcess, error) {
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("start %q on pty: %w", cmd.Path, err)
	}
	return newLocalProcess(cmd, ptmx, ptmx, ptmx), nil
}

// localProcess is an os/exec child with either pipes or a PTY.
type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	tty    *os.File

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce    sync.Once
	releaseOnce sync.Once
}

func newLocalProcess(cmd *exec.Cmd, stdin io.WriteCloser, stdout, tty *os.File) *localProcess {
	p := &localProcess{
		cmd:      cmd,
		stdin:    stdin,
		stdout:   stdout,
		tty:      tty,
		done:     make(chan struct{}),
		exitCode: -1,
	}
	go p.wait()
	return p
}

func (p *localProcess) wait() {
	defer close(p.done)
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		p.exitCode = p.cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
}

func (p *localProcess) Stdin() io.Writer  { return p.stdin }
func (p *localProcess) Stdout() io.Reader { return p.stdout }

func (p *localProcess) Resize(cols, rows uint16) error {
	if p.tty == nil {
		return ErrNoTTY
	}
	cols, rows = ClampSize(cols, rows)
	return pty.Setsize(p.tty, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *localProcess) Terminate(grace time.Duration) {
	p.termOnce.Do(func() {
		select {
		case <-p.done:
		default:
			if p.cmd.Process != nil {
				signalTerm(p.cmd.Process)
			}
		}
		if p.tty == nil {
			// EOF on stdin lets shells that ignore SIGTERM exit on their own.
			p.stdin.Close()
		}

		go func() {
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-p.done:
			case <-timer.C:
				if p.cmd.Process != nil {
					signalKill(p.cmd.Process)
				}
				<-p.done
			}
			p.release()
		}()
	})
}

// release closes the relay's ends of the streams. Descendants that kept
// the output pipe open can no longer hold the session's reader hostage.
func (p *localProcess) release() {
	p.releaseOnce.Do(func() {
		p.stdin.Close()
		if p.stdout != nil && p.stdout != p.tty {
			p.stdout.Close()
		}
		if p.tty != nil {
			p.tty.Close()
		}
	})
}
