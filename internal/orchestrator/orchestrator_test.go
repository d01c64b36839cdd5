package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"k8s.io/client-go/tools/remotecommand"

	"github.com/gluk-w/claworc/shell-relay/internal/shell"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		in      string
		want    podTarget
		wantErr bool
	}{
		{in: "web-0", want: podTarget{Pod: "web-0"}},
		{in: "web-0/sidecar", want: podTarget{Pod: "web-0", Container: "sidecar"}},
		{in: "app=web", want: podTarget{Selector: "app=web"}},
		{in: "app=web/main", want: podTarget{Selector: "app=web", Container: "main"}},
		{in: "", wantErr: true},
		{in: "/main", wantErr: true},
		{in: "web-0/", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseTarget(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseTarget(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseTarget(%q): %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTarget(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestWrapEnv(t *testing.T) {
	spec := shell.CommandSpec{
		Command: "/bin/sh",
		Args:    []string{"-l"},
		Env:     map[string]string{"LANG": "C.UTF-8"},
		Dir:     "/work",
	}
	got := strings.Join(wrapEnv(spec), " ")
	if got != "env -C /work LANG=C.UTF-8 /bin/sh -l" {
		t.Errorf("wrapEnv = %q", got)
	}
}

type exitErr struct{ code int }

func (e exitErr) Error() string   { return "command terminated" }
func (e exitErr) ExitStatus() int { return e.code }

func TestExitStatus(t *testing.T) {
	if code, err := exitStatus(nil); code != 0 || err != nil {
		t.Errorf("nil: %d, %v", code, err)
	}
	if code, err := exitStatus(exitErr{code: 42}); code != 42 || err != nil {
		t.Errorf("exit error: %d, %v", code, err)
	}
	if code, err := exitStatus(context.Canceled); code != -1 || err != nil {
		t.Errorf("canceled: %d, %v", code, err)
	}
	if code, err := exitStatus(errors.New("boom")); code != -1 || err == nil {
		t.Errorf("other: %d, %v", code, err)
	}
}

// echoExecutor copies stdin to stdout until stdin closes or ctx ends.
type echoExecutor struct {
	sizes chan remotecommand.TerminalSize
}

func (e *echoExecutor) Stream(opts remotecommand.StreamOptions) error {
	return e.StreamWithContext(context.Background(), opts)
}

func (e *echoExecutor) StreamWithContext(ctx context.Context, opts remotecommand.StreamOptions) error {
	if opts.TerminalSizeQueue != nil {
		go func() {
			for {
				size := opts.TerminalSizeQueue.Next()
				if size == nil {
					return
				}
				e.sizes <- *size
			}
		}()
	}
	errc := make(chan error, 1)
	go func() {
		_, err := io.Copy(opts.Stdout, opts.Stdin)
		errc <- err
	}()
	select {
	case <-errc:
		return exitErr{code: 5}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPodProcess_EchoAndExit(t *testing.T) {
	ex := &echoExecutor{sizes: make(chan remotecommand.TerminalSize, 4)}
	p := startPodExec(ex, shell.CommandSpec{TTY: true, Cols: 80, Rows: 24})

	select {
	case size := <-ex.sizes:
		if size.Width != 80 || size.Height != 24 {
			t.Errorf("initial size = %+v", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("initial size not delivered")
	}

	if err := p.Resize(120, 40); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	select {
	case size := <-ex.sizes:
		if size.Width != 120 || size.Height != 40 {
			t.Errorf("resized = %+v", size)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resize not delivered")
	}

	go p.Stdin().Write([]byte("hi\n"))
	buf := make([]byte, 3)
	if _, err := io.ReadFull(p.Stdout(), buf); err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(buf) != "hi\n" {
		t.Errorf("got %q", buf)
	}

	p.Terminate(time.Second)
	code, err := p.Wait()
	if err != nil || code != 5 {
		t.Errorf("Wait = %d, %v; want 5", code, err)
	}
	// Resize after exit is a no-op.
	if err := p.Resize(10, 10); err != nil {
		t.Errorf("Resize after exit: %v", err)
	}
}

func TestPodProcess_NoTTYResize(t *testing.T) {
	p := startPodExec(&echoExecutor{}, shell.CommandSpec{})
	defer p.Terminate(0)
	if err := p.Resize(80, 24); !errors.Is(err, shell.ErrNoTTY) {
		t.Errorf("want ErrNoTTY, got %v", err)
	}
}

type fakeDocker struct {
	conn     net.Conn
	exitCode int
	resized  []container.ResizeOptions
}

func (f *fakeDocker) ContainerExecCreate(context.Context, string, container.ExecOptions) (container.ExecCreateResponse, error) {
	return container.ExecCreateResponse{ID: "0123456789abcdef"}, nil
}

func (f *fakeDocker) ContainerExecAttach(context.Context, string, container.ExecAttachOptions) (types.HijackedResponse, error) {
	return types.HijackedResponse{Conn: f.conn, Reader: bufio.NewReader(f.conn)}, nil
}

func (f *fakeDocker) ContainerExecResize(_ context.Context, _ string, opts container.ResizeOptions) error {
	f.resized = append(f.resized, opts)
	return nil
}

func (f *fakeDocker) ContainerExecInspect(context.Context, string) (container.ExecInspect, error) {
	return container.ExecInspect{Running: false, ExitCode: f.exitCode}, nil
}

func TestDockerProcess_DemuxesOutput(t *testing.T) {
	client, server := net.Pipe()
	api := &fakeDocker{conn: client, exitCode: 2}
	d := &DockerSpawner{client: api}

	go func() {
		stdcopy.NewStdWriter(server, stdcopy.Stdout).Write([]byte("out\n"))
		stdcopy.NewStdWriter(server, stdcopy.Stderr).Write([]byte("err\n"))
		server.Close()
	}()

	proc, err := d.Spawn(context.Background(), shell.CommandSpec{Command: "/bin/sh", Target: "web"}.Normalize())
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(out) != "out\nerr\n" {
		t.Errorf("output = %q", out)
	}

	code, err := proc.Wait()
	if err != nil || code != 2 {
		t.Errorf("Wait = %d, %v; want 2", code, err)
	}
	if err := proc.Resize(80, 24); !errors.Is(err, shell.ErrNoTTY) {
		t.Errorf("Resize without tty: %v", err)
	}
}

func TestDockerSpawner_RequiresTarget(t *testing.T) {
	d := &DockerSpawner{client: &fakeDocker{}}
	if _, err := d.Spawn(context.Background(), shell.CommandSpec{Command: "/bin/sh"}); err == nil {
		t.Fatal("expected error without target")
	}
}
