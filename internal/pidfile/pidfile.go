// Package pidfile provides a single-instance guard via a PID file.
package pidfile

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// Running reports whether the process recorded at path is still alive.
func Running(path string) bool {
	pid, err := read(path)
	if err != nil || pid == 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is an operator-configured pid file location
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file: %w", err)
	}
	return pid, nil
}

// Create refuses to write path if another live process already owns it,
// then writes the current process id.
func Create(path string) error {
	if Running(path) {
		return fmt.Errorf("daemon already running (pid file %s)", path)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

// Remove deletes the pid file. Safe to call even if it is already gone.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pid file: %w", err)
	}
	return nil
}
