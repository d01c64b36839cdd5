//go:build !unix

package shell

import (
	"os"
	"os/exec"
)

func configureProcAttr(cmd *exec.Cmd, tty bool) {}

func signalTerm(p *os.Process) error {
	return p.Kill()
}

func signalKill(p *os.Process) error {
	return p.Kill()
}
