//go:build !linux

package worker

func pinCPU(int) {}
