package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/devmesh/devmesh/internal/domain"
	"github.com/devmesh/devmesh/internal/infra/channel"
)

// ─── Worker Process ─────────────────────────────────────────────────────────
// A worker is this same binary re-executed with the hidden "worker"
// subcommand. Its channel end is inherited as an extra descriptor; its
// stderr is kept in a ring buffer for diagnostics.

// Launcher builds the command for a worker bound to tag. The command must
// not have been started.
type Launcher func(ctx context.Context, tag string, mode domain.WorkerMode) (*exec.Cmd, error)

// SelfLauncher re-executes the running binary as `worker --device --mode`.
// The worker outlives ctx; only Terminate or Restart end it.
func SelfLauncher(_ context.Context, tag string, mode domain.WorkerMode) (*exec.Cmd, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return exec.Command(exe, "worker", "--device", tag, "--mode", mode.String()), nil
}

// Process supervises one started worker.
type Process struct {
	cmd    *exec.Cmd
	stderr *limitedBuffer

	exited  chan struct{}
	exitErr error
}

// startProcess attaches a channel to cmd, starts it and begins monitoring
// for exit. forward, if set, also receives the worker's stderr.
func startProcess(cmd *exec.Cmd, forward io.Writer) (*Process, *channel.Channel, error) {
	ch, started, err := channel.Attach(cmd)
	if err != nil {
		return nil, nil, err
	}

	stderr := &limitedBuffer{max: 8192}
	if forward != nil {
		cmd.Stderr = io.MultiWriter(stderr, forward)
	} else {
		cmd.Stderr = stderr
	}
	configureProcess(cmd)

	err = cmd.Start()
	started()
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("start worker: %w", err)
	}

	p := &Process{cmd: cmd, stderr: stderr, exited: make(chan struct{})}
	go func() {
		p.exitErr = cmd.Wait()
		close(p.exited)
	}()
	return p, ch, nil
}

// PID of the worker.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Alive reports whether the process has not yet exited.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the process has been reaped.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Wait blocks until the process exits or timeout elapses, and reports
// whether it exited.
func (p *Process) Wait(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.exited:
		return true
	case <-t.C:
		return false
	}
}

// ExitErr is the result of cmd.Wait, valid once Alive is false.
func (p *Process) ExitErr() error {
	if p.Alive() {
		return nil
	}
	return p.exitErr
}

// Kill forcibly terminates the process and reaps it, giving up after 5s.
func (p *Process) Kill() {
	if !p.Alive() {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return
	}
	p.Wait(5 * time.Second)
}

// Dump asks the worker to write its goroutine stacks to stderr.
func (p *Process) Dump() {
	if p.Alive() {
		signalDump(p.cmd.Process)
	}
}

// StderrTail returns the last n lines the worker wrote to stderr.
func (p *Process) StderrTail(n int) string {
	s := strings.TrimSpace(p.stderr.String())
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// limitedBuffer is a thread-safe buffer that keeps only the last N bytes.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, err := b.buf.Write(p)
	if b.buf.Len() > b.max {
		data := b.buf.Bytes()
		b.buf.Reset()
		b.buf.Write(data[len(data)-b.max:])
	}
	return n, err
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
