//go:build !windows

package device

import (
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// configureProcess is a no-op on non-Windows platforms.
func configureProcess(_ *exec.Cmd) {}

func signalDump(p *os.Process) {
	_ = p.Signal(unix.SIGUSR1)
}
