package channel

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/devmesh/devmesh/internal/domain"
)

// EnvChannel tells a worker process where its end of the channel lives:
// "fd:N" for an inherited descriptor, "stdio" for stdin/stdout.
const EnvChannel = "DEVMESH_CHANNEL"

// FromEnv opens the worker's end of the channel described by EnvChannel.
func FromEnv() (*Channel, error) {
	v := os.Getenv(EnvChannel)
	switch {
	case v == "stdio":
		return New(&pipeConn{r: os.Stdin, w: os.Stdout, closers: []io.Closer{os.Stdin, os.Stdout}}), nil
	case strings.HasPrefix(v, "fd:"):
		fd, err := strconv.Atoi(strings.TrimPrefix(v, "fd:"))
		if err != nil || fd < 0 {
			return nil, fmt.Errorf("%w: bad %s=%q", domain.ErrHandshake, EnvChannel, v)
		}
		return fromFD(fd)
	case v == "":
		return nil, fmt.Errorf("%w: %s not set", domain.ErrHandshake, EnvChannel)
	default:
		return nil, fmt.Errorf("%w: bad %s=%q", domain.ErrHandshake, EnvChannel, v)
	}
}

// pipeConn joins a read pipe and a write pipe into one connection.
type pipeConn struct {
	r       io.Reader
	w       io.Writer
	closers []io.Closer
}

func (p *pipeConn) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeConn) Write(b []byte) (int, error) { return p.w.Write(b) }

func (p *pipeConn) Close() error {
	var first error
	for _, c := range p.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func withEnv(env []string, kv string) []string {
	if env == nil {
		env = os.Environ()
	}
	return append(env, kv)
}
