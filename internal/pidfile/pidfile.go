// Package pidfile keeps a single qrscan-core instance per user.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by New when another live process owns the file.
var ErrRunning = errors.New("another instance is already running")

// PIDFile is a lock file holding the owning process id
type PIDFile struct {
	path string
	pid  int
}

// Path returns ~/.cache/qrscan/<appName>.pid.
func Path(appName string) string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "qrscan", appName+".pid")
}

// New claims path for the current process. A file left by a dead process is
// replaced; one held by a live process yields ErrRunning.
func New(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create PID directory: %w", err)
	}

	if pid, alive := Running(path); alive {
		return nil, fmt.Errorf("%w (PID %d)", ErrRunning, pid)
	} else if pid != 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to remove stale PID file: %w", err)
		}
	}

	current := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(current)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write PID file: %w", err)
	}
	return &PIDFile{path: path, pid: current}, nil
}

// Running reads the PID stored at path and reports whether that process is
// alive. pid is 0 when the file is missing or unreadable.
func Running(path string) (pid int, alive bool) {
	pid, err := read(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// Remove deletes the PID file if it still holds our PID
func (p *PIDFile) Remove() error {
	if p == nil {
		return nil
	}
	if pid, err := read(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

func read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", path)
	}
	return pid, nil
}

// isProcessRunning sends signal 0; EPERM still means the process exists
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
