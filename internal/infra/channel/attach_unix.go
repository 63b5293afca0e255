//go:build unix

package channel

import (
	"fmt"
	"net"
	"os"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// SocketPair returns the two ends of a connected stream socket. Both are
// close-on-exec; exec.Cmd.ExtraFiles clears the flag on the copy it passes
// to the child.
func SocketPair() (parent, child *os.File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair: %w", err)
	}
	unix.CloseOnExec(fds[0])
	unix.CloseOnExec(fds[1])
	return os.NewFile(uintptr(fds[0]), "devmesh-parent"), os.NewFile(uintptr(fds[1]), "devmesh-child"), nil
}

// Attach wires a fresh socket pair into cmd before it is started and returns
// the controller's Channel. The returned func must be called once cmd.Start
// has returned, whatever its outcome: it closes the child's end in this
// process so that the worker's death reads as end-of-stream.
func Attach(cmd *exec.Cmd) (*Channel, func(), error) {
	parent, child, err := SocketPair()
	if err != nil {
		return nil, nil, err
	}
	conn, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		child.Close()
		return nil, nil, fmt.Errorf("socket conn: %w", err)
	}

	cmd.ExtraFiles = append(cmd.ExtraFiles, child)
	fd := 3 + len(cmd.ExtraFiles) - 1
	cmd.Env = withEnv(cmd.Env, EnvChannel+"=fd:"+strconv.Itoa(fd))

	return New(conn), func() { child.Close() }, nil
}

func fromFD(fd int) (*Channel, error) {
	f := os.NewFile(uintptr(fd), "devmesh-channel")
	if f == nil {
		return nil, fmt.Errorf("invalid channel descriptor %d", fd)
	}
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("channel descriptor %d: %w", fd, err)
	}
	return New(conn), nil
}
