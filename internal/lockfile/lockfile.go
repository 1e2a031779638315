// Package lockfile guards a SoilPipe state directory against a second process.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// holder exits, cleanly or not. The file body records who holds it for diagnostics.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is created inside the locked directory.
const LockFileName = "soilpipe.lock"

// ErrLocked reports that another process holds the directory lock.
var ErrLocked = errors.New("state directory is locked by another process")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID     int
	Started time.Time
}

// Lock is a held directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on dir, creating it if needed.
// When the lock is held elsewhere the returned error is a *LockError wrapping ErrLocked.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, LockFileName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{Path: path, Cause: err}
		if h, ok := readHolder(path); ok {
			lerr.Holder = &h
		}
		slog.Error("Lockfile.Acquire: directory already locked", "lock_path", path, "holder", lerr.describeHolder())
		return nil, lerr
	}

	// Truncate only once the lock is ours so a losing process never wipes the holder record.
	info := fmt.Sprintf("pid=%d\nstarted=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if err := file.Truncate(0); err == nil {
		_, err = file.WriteAt([]byte(info), 0)
	}
	if err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to record lock holder in %s: %w", path, err)
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Lockfile.Acquire: sync failed", "lock_path", path, "error", err)
	}

	slog.Info("Lockfile.Acquire: state directory locked", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the file. Calling it again is a no-op.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so no other process locks a file we then delete.
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Lockfile.Release: failed to remove lock file", "lock_path", l.path, "error", err)
	}
	unlockErr := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil
	slog.Info("Lockfile.Release: state directory unlocked", "lock_path", l.path)
	return errors.Join(unlockErr, closeErr)
}

// LockError carries the conflicting holder, when it could be read.
type LockError struct {
	Path   string
	Holder *Holder
	Cause  error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another SoilPipe instance is using this state directory (lock file %s", e.Path)
	if h := e.describeHolder(); h != "" {
		b.WriteString(", held by ")
		b.WriteString(h)
	}
	b.WriteString("); if no other instance is running, remove the lock file and retry")
	return b.String()
}

// Is makes errors.Is(err, ErrLocked) match.
func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

func (e *LockError) describeHolder() string {
	if e.Holder == nil {
		return ""
	}
	state := "running"
	if !processAlive(e.Holder.PID) {
		state = "not running, stale"
	}
	s := fmt.Sprintf("pid %d (%s)", e.Holder.PID, state)
	if !e.Holder.Started.IsZero() {
		s += " since " + e.Holder.Started.Format(time.RFC3339)
	}
	return s
}

func readHolder(path string) (Holder, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Holder{}, false
	}
	return parseHolder(string(data))
}

// parseHolder reads the key=value lines written by Acquire.
func parseHolder(content string) (Holder, bool) {
	var h Holder
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			if pid, err := strconv.Atoi(value); err == nil && pid > 0 {
				h.PID = pid
			}
		case "started":
			if ts, err := time.Parse(time.RFC3339, value); err == nil {
				h.Started = ts
			}
		}
	}
	return h, h.PID > 0
}

// processAlive sends signal 0 to pid.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
