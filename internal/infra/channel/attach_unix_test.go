//go:build unix

package channel

import (
	"errors"
	"net"
	"os/exec"
	"testing"

	"github.com/devmesh/devmesh/internal/domain"
)

func TestSocketPair(t *testing.T) {
	parent, child, err := SocketPair()
	if err != nil {
		t.Fatalf("SocketPair() error: %v", err)
	}
	pc, err := net.FileConn(parent)
	parent.Close()
	if err != nil {
		t.Fatalf("FileConn(parent) error: %v", err)
	}
	cc, err := net.FileConn(child)
	child.Close()
	if err != nil {
		t.Fatalf("FileConn(child) error: %v", err)
	}

	p, c := New(pc), New(cc)
	defer p.Close()

	go func() {
		c.SendInt(3)
		c.SendString("cpu0")
		c.Close()
	}()

	if n, err := p.RecvInt(); err != nil || n != 3 {
		t.Errorf("RecvInt() = %d, %v, want 3", n, err)
	}
	if s, err := p.RecvString(); err != nil || s != "cpu0" {
		t.Errorf("RecvString() = %q, %v, want cpu0", s, err)
	}
	if _, err := p.Recv(); !errors.Is(err, domain.ErrChannelClosed) {
		t.Errorf("Recv() after child close = %v, want ErrChannelClosed", err)
	}
}

func TestAttachSetsEnv(t *testing.T) {
	cmd := exec.Command("true")
	ch, started, err := Attach(cmd)
	if err != nil {
		t.Fatalf("Attach() error: %v", err)
	}
	defer ch.Close()
	started()

	if len(cmd.ExtraFiles) != 1 {
		t.Fatalf("len(ExtraFiles) = %d, want 1", len(cmd.ExtraFiles))
	}
	found := false
	for _, kv := range cmd.Env {
		if kv == EnvChannel+"=fd:3" {
			found = true
		}
	}
	if !found {
		t.Errorf("Env missing %s=fd:3", EnvChannel)
	}
}

func TestFromEnvMissing(t *testing.T) {
	t.Setenv(EnvChannel, "")
	if _, err := FromEnv(); !errors.Is(err, domain.ErrHandshake) {
		t.Errorf("FromEnv() error = %v, want ErrHandshake", err)
	}
	t.Setenv(EnvChannel, "fd:abc")
	if _, err := FromEnv(); !errors.Is(err, domain.ErrHandshake) {
		t.Errorf("FromEnv(fd:abc) error = %v, want ErrHandshake", err)
	}
}
