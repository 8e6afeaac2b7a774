// Package lock implements the single-instance PID-file lock. At most
// one non-stale lock exists per appname; staleness is recovered on
// check, so a daemon killed with SIGKILL does not block the next
// start.
package lock

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

type Lock struct {
	path string
	log  *slog.Logger
}

func New(path string, log *slog.Logger) *Lock {
	return &Lock{path: path, log: log}
}

func (l *Lock) Path() string { return l.path }

// Acquire writes pid (the caller's own PID when pid <= 0) into the
// lock file. It fails only when another live process holds the lock;
// filesystem errors are logged and reported as acquisition failure.
func (l *Lock) Acquire(pid int) bool {
	if l.IsHeld() {
		return false
	}
	if pid <= 0 {
		pid = os.Getpid()
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o744); err != nil {
		l.log.Warn("cannot create lock directory", "path", l.path, "error", err)
	}
	if err := os.WriteFile(l.path, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		l.log.Error("cannot write lock file", "path", l.path, "error", err)
		return false
	}
	return true
}

// Release removes the lock file. Idempotent; errors other than
// not-exist are logged.
func (l *Lock) Release() {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		l.log.Warn("cannot remove lock file", "path", l.path, "error", err)
	}
}

// HeldBy returns the recorded PID without a staleness check.
func (l *Lock) HeldBy() (int, bool) {
	b, err := os.ReadFile(l.path)
	if err != nil {
		return 0, false
	}
	line, _, _ := strings.Cut(string(b), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// IsHeld reports whether another live process owns the lock. The
// caller's own lock counts as not held. A stale lock (recorded PID
// dead, or recycled by a process younger than the lock file) is
// released before returning false.
func (l *Lock) IsHeld() bool {
	pid, ok := l.HeldBy()
	if !ok {
		return false
	}
	if pid == os.Getpid() {
		return false
	}
	if !Alive(pid) {
		l.log.Info("recovering stale lock", "path", l.path, "pid", pid)
		l.Release()
		return false
	}
	if l.recycled(pid) {
		l.log.Info("recovering recycled-pid lock", "path", l.path, "pid", pid)
		l.Release()
		return false
	}
	return true
}

// recycled reports whether pid refers to a process that started after
// the lock file was written, meaning the original owner died and the
// kernel reused its PID.
func (l *Lock) recycled(pid int) bool {
	st, err := os.Stat(l.path)
	if err != nil {
		return false
	}
	start := procStartUnix(pid)
	// One second of slack covers filesystem vs clock-tick rounding.
	return start > 0 && start > st.ModTime().Unix()+1
}

// Alive probes pid with the zero signal. EPERM still means the
// process exists; only ESRCH means it is gone.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
