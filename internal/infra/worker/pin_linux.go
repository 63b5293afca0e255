//go:build linux

package worker

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinCPU restricts the process to one core. Ordinals beyond the host's
// cores are left unpinned.
func pinCPU(id int) {
	if id < 0 || id >= runtime.NumCPU() {
		return
	}
	var set unix.CPUSet
	set.Zero()
	set.Set(id)
	_ = unix.SchedSetaffinity(0, &set)
}
