package lock

import (
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/vanilla/garden-daemon/internal/logger"
)

func tempLock(t *testing.T) *Lock {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "t.pid"), logger.Discard())
}

// deadPID returns a PID that was live and is now certainly dead.
func deadPID(t *testing.T) int {
	t.Helper()
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	pid := cmd.Process.Pid
	_ = cmd.Wait()
	return pid
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := tempLock(t)
	if !l.Acquire(0) {
		t.Fatalf("acquire on fresh path failed")
	}
	pid, ok := l.HeldBy()
	if !ok || pid != os.Getpid() {
		t.Fatalf("HeldBy: got %d %v", pid, ok)
	}
	// Own lock reads as not held by another.
	if l.IsHeld() {
		t.Fatalf("own lock must not count as held")
	}
	l.Release()
	l.Release() // idempotent
	if _, ok := l.HeldBy(); ok {
		t.Fatalf("file should be gone after release")
	}
}

func TestIsHeldByLiveProcess(t *testing.T) {
	l := tempLock(t)
	// PID 1 is always live (signal 0 yields success or EPERM).
	if err := os.WriteFile(l.Path(), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !l.IsHeld() {
		t.Fatalf("lock held by pid 1 should report held")
	}
	if l.Acquire(0) {
		t.Fatalf("acquire must fail while pid 1 holds the lock")
	}
}

func TestStaleLockRecoveredOnCheck(t *testing.T) {
	l := tempLock(t)
	pid := deadPID(t)
	if err := os.WriteFile(l.Path(), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if l.IsHeld() {
		t.Fatalf("dead pid must read as stale")
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("stale lock file should be removed on check")
	}
	if !l.Acquire(0) {
		t.Fatalf("acquire after recovery failed")
	}
}

func TestRecycledPIDIsStale(t *testing.T) {
	l := tempLock(t)
	if err := os.WriteFile(l.Path(), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Backdate the lock far before pid 1's start time.
	old := time.Unix(1000, 0)
	if err := os.Chtimes(l.Path(), old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	if procStartUnix(1) <= 0 {
		t.Skip("process start time unavailable")
	}
	if l.IsHeld() {
		t.Fatalf("pid younger than the lock must read as stale")
	}
	if _, err := os.Stat(l.Path()); !os.IsNotExist(err) {
		t.Fatalf("recycled lock file should be removed")
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("self must be alive")
	}
	if !Alive(1) {
		t.Fatalf("pid 1 must be alive (EPERM counts)")
	}
	if Alive(deadPID(t)) {
		t.Fatalf("reaped child must be dead")
	}
	if Alive(0) || Alive(-5) {
		t.Fatalf("non-positive pids are never alive")
	}
}

func TestAcquireExplicitPID(t *testing.T) {
	l := tempLock(t)
	if !l.Acquire(424242) {
		t.Fatalf("acquire with explicit pid failed")
	}
	pid, ok := l.HeldBy()
	if !ok || pid != 424242 {
		t.Fatalf("HeldBy: got %d %v", pid, ok)
	}
}
