package device

import (
	"os"
	"os/exec"
	"syscall"
)

// configureProcess hides the console window for the worker on Windows.
func configureProcess(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		HideWindow: true,
	}
}

// Windows has no SIGUSR1; the worker cannot be asked for a stack dump.
func signalDump(*os.Process) {}
