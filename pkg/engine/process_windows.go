package engine

import (
	"os/exec"

	"golang.org/x/sys/windows"
)

// interruptProcess asks the process to shut down. Windows offers no
// interrupt signal for detached console processes, so termination is
// immediate.
func interruptProcess(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

// processAlive reports whether pid names a live process.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)
	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}

// signalPID terminates a process owned by another invocation. Windows has no
// cross-console interrupt, so this is immediate.
func signalPID(pid int) error {
	return killPID(pid)
}

// killPID forcibly terminates a process owned by another invocation.
func killPID(pid int) error {
	h, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.TerminateProcess(h, 1)
}
