//go:build !windows

package engine

import (
	"os"
	"os/exec"
	"syscall"
)

// interruptProcess asks the process to shut down gracefully.
func interruptProcess(cmd *exec.Cmd) error {
	return cmd.Process.Signal(os.Interrupt)
}

// processAlive reports whether pid names a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	// Signal 0 performs the permission/existence check without delivering.
	return syscall.Kill(pid, 0) == nil
}

// signalPID interrupts a process owned by another invocation.
func signalPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGINT)
}

// killPID forcibly terminates a process owned by another invocation.
func killPID(pid int) error {
	return syscall.Kill(pid, syscall.SIGKILL)
}
