package dispatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/vanilla/garden-daemon/internal/logger"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/payload"
)

type stub struct{ kind payload.ExitKind }

func (s stub) Run(context.Context, payload.WorkerConfig) payload.ExitKind { return s.kind }

type cliStub struct {
	stub
	code int
}

func (c cliStub) CLI(args []string) (int, bool) { return c.code, true }

func newDispatcher(t *testing.T, p payload.Payload, extra map[string]any) *Dispatcher {
	t.Helper()
	opts := options.New()
	opts.Configure(map[string]any{
		options.KeyAppName: "t",
		options.KeyAppDir:  t.TempDir(),
		options.KeyPIDFile: filepath.Join(t.TempDir(), "t.pid"),
	})
	opts.Configure(extra)
	return New(opts, logger.Discard(), func(*options.Options, *slog.Logger) payload.Payload { return p })
}

func TestStatusReflectsLock(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if got := d.status(); got != 1 {
		t.Fatalf("status without lock: got %d want 1", got)
	}
	// PID 1 is always live.
	if err := os.WriteFile(d.lk.Path(), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := d.status(); got != 0 {
		t.Fatalf("status with live lock: got %d want 0", got)
	}
}

func TestStopNotRunning(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if got := d.stop(false); got != 1 {
		t.Fatalf("stop without daemon: got %d want 1", got)
	}
	if got := d.stop(true); got != 0 {
		t.Fatalf("restart-style stop must ignore not-running: got %d", got)
	}
}

func TestStopEscalatesTermThenKill(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if err := os.WriteFile(d.lk.Path(), []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var sigs []syscall.Signal
	var slept []time.Duration
	probes := 0
	d.kill = func(pid int, sig syscall.Signal) error {
		if pid != 4242 {
			t.Fatalf("signaled wrong pid %d", pid)
		}
		sigs = append(sigs, sig)
		return nil
	}
	d.sleep = func(dur time.Duration) { slept = append(slept, dur) }
	d.alive = func(pid int) bool {
		probes++
		// Alive for the initial check and the post-TERM probe, dead
		// once KILL has been sent.
		return probes <= 2
	}
	if got := d.stop(false); got != 0 {
		t.Fatalf("stop: got %d want 0", got)
	}
	if len(sigs) != 2 || sigs[0] != syscall.SIGTERM || sigs[1] != syscall.SIGKILL {
		t.Fatalf("escalation: got %v", sigs)
	}
	if len(slept) != 2 || slept[0] != time.Second || slept[1] != time.Second {
		t.Fatalf("waits: got %v", slept)
	}
	if _, err := os.Stat(d.lk.Path()); !os.IsNotExist(err) {
		t.Fatalf("lock must be cleared after confirmed death")
	}
}

func TestStopSurvivorKeepsLockAndFails(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if err := os.WriteFile(d.lk.Path(), []byte("4242\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.kill = func(int, syscall.Signal) error { return nil }
	d.sleep = func(time.Duration) {}
	d.alive = func(int) bool { return true }
	if got := d.stop(false); got != 1 {
		t.Fatalf("unkillable daemon: got %d want 1", got)
	}
	if _, err := os.Stat(d.lk.Path()); err != nil {
		t.Fatalf("lock of a live pid must not be cleared")
	}
}

func TestStartRejectsWhenHeldAndWatchdogDowngrades(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if err := os.WriteFile(d.lk.Path(), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got := d.Attach([]string{"start"}); got != 1 {
		t.Fatalf("start while held: got %d want 1", got)
	}
	if got := d.Attach([]string{"start", "-w"}); got != 0 {
		t.Fatalf("watchdog start while held: got %d want 0", got)
	}
	if got := d.Attach([]string{"start", "--watchdog"}); got != 0 {
		t.Fatalf("long watchdog flag: got %d want 0", got)
	}
}

func TestConcurrentSkipsLockCheck(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt},
		map[string]any{options.KeyConcurrent: true, options.KeyDaemonize: false})
	if err := os.WriteFile(d.lk.Path(), []byte("1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Foreground + concurrent: runs the payload despite the held lock.
	if got := d.Attach([]string{"start"}); got != 0 {
		t.Fatalf("concurrent start: got %d want 0", got)
	}
}

func TestIdentitySwitchRequiresRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	d := newDispatcher(t, stub{kind: payload.ExitHalt},
		map[string]any{options.KeyRunAsUser: "nobody"})
	if got := d.Attach([]string{"start"}); got != 1 {
		t.Fatalf("identity switch without root: got %d want 1", got)
	}
}

func TestForegroundForcesStart(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitError},
		map[string]any{options.KeyDaemonize: false})
	// Command is ignored in foreground mode; the payload runs and its
	// exit kind decides the code.
	if got := d.Attach([]string{"status"}); got != 8 {
		t.Fatalf("foreground forced start: got %d want 8", got)
	}
}

func TestUnknownCommandFallsThroughToPayload(t *testing.T) {
	d := newDispatcher(t, cliStub{code: 7}, nil)
	if got := d.Attach([]string{"frobnicate"}); got != 7 {
		t.Fatalf("payload cli: got %d want 7", got)
	}
}

func TestUnknownCommandWithoutHandlerIsUsageError(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	if got := d.Attach([]string{"frobnicate"}); got != 1 {
		t.Fatalf("unhandled command: got %d want 1", got)
	}
}

func TestInvalidOptionsFailAttach(t *testing.T) {
	opts := options.New()
	opts.Set(options.KeyAppDir, t.TempDir())
	d := New(opts, logger.Discard(),
		func(*options.Options, *slog.Logger) payload.Payload { return stub{} })
	if got := d.Attach([]string{"status"}); got != 1 {
		t.Fatalf("missing appname: got %d want 1", got)
	}
}

func TestStopStaleLockIsCleared(t *testing.T) {
	d := newDispatcher(t, stub{kind: payload.ExitHalt}, nil)
	// A PID that is certainly not ours and not live.
	if err := os.WriteFile(d.lk.Path(), []byte(strconv.Itoa(1<<22-3)+"\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	d.alive = func(int) bool { return false }
	if got := d.stop(false); got != 1 {
		t.Fatalf("stale stop: got %d want 1", got)
	}
	if _, err := os.Stat(d.lk.Path()); !os.IsNotExist(err) {
		t.Fatalf("stale lock should be cleared by stop")
	}
}
