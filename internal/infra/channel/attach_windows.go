//go:build windows

package channel

import (
	"fmt"
	"io"
	"os/exec"
)

// Attach connects to the worker through its stdin and stdout. exec.Cmd
// closes the child's pipe ends itself once the process starts, so the
// returned func has nothing to do.
func Attach(cmd *exec.Cmd) (*Channel, func(), error) {
	w, err := cmd.StdinPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdin pipe: %w", err)
	}
	r, err := cmd.StdoutPipe()
	if err != nil {
		w.Close()
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Env = withEnv(cmd.Env, EnvChannel+"=stdio")
	conn := &pipeConn{r: r, w: w, closers: []io.Closer{w, r}}
	return New(conn), func() {}, nil
}

func fromFD(fd int) (*Channel, error) {
	return nil, fmt.Errorf("descriptor channels are not supported on windows (fd %d)", fd)
}
