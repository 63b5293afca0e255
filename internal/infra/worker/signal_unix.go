//go:build unix

package worker

import (
	"os"
	"os/signal"
	"runtime"

	"golang.org/x/sys/unix"
)

// watchDumpSignal writes every goroutine's stack to stderr on SIGUSR1, which
// the controller sends before giving up on a slow result.
func watchDumpSignal() (stop func()) {
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, unix.SIGUSR1)
	done := make(chan struct{})
	go func() {
		buf := make([]byte, 1<<20)
		for {
			select {
			case <-sigc:
				n := runtime.Stack(buf, true)
				os.Stderr.Write([]byte("=== goroutine dump (SIGUSR1) ===\n"))
				os.Stderr.Write(buf[:n])
			case <-done:
				return
			}
		}
	}()
	return func() {
		signal.Stop(sigc)
		close(done)
	}
}
