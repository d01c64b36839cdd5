//go:build unix

package shell

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcAttr puts pipe-mode children in their own process group so
// termination reaches anything they started. PTY children get a new
// session from pty.Start, which also makes them group leaders.
func configureProcAttr(cmd *exec.Cmd, tty bool) {
	if tty {
		return
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalTerm(p *os.Process) error {
	return signalGroup(p, syscall.SIGTERM)
}

func signalKill(p *os.Process) error {
	return signalGroup(p, syscall.SIGKILL)
}

func signalGroup(p *os.Process, sig syscall.Signal) error {
	if err := syscall.Kill(-p.Pid, sig); err == nil {
		return nil
	}
	return p.Signal(sig)
}
