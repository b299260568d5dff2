package daemon

import (
	"bytes"
	"os"
	"strconv"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/pixiv-backup/pixiv-backup/internal/fsutil"
)

// WritePID records the current process id so stop/restart/status can
// find the daemon.
func WritePID(path string) error {
	data := []byte(strconv.Itoa(os.Getpid()) + "\n")
	return errors.Wrap(fsutil.WriteFileAtomic(path, data, 0644), "daemon.WritePID")
}

// ReadPID loads the recorded pid; zero when the file does not exist.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "daemon.ReadPID")
	}
	pid, err := strconv.Atoi(string(bytes.TrimSpace(data)))
	if err != nil {
		return 0, errors.Wrap(err, "daemon.ReadPID: "+path)
	}
	return pid, nil
}

// RemovePID deletes the pid file, ignoring absence.
func RemovePID(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "daemon.RemovePID")
	}
	return nil
}

// Alive reports whether a process with the pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// SignalStop asks the daemon behind the pid file to shut down. It
// reports whether a running daemon was found.
func SignalStop(path string) (bool, error) {
	pid, err := ReadPID(path)
	if err != nil {
		return false, err
	}
	if !Alive(pid) {
		return false, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, errors.Wrap(err, "daemon.SignalStop")
	}
	return true, errors.Wrap(proc.Signal(syscall.SIGTERM), "daemon.SignalStop")
}
