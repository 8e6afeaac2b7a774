// Package forker wraps process creation. Go cannot fork, so both
// splits re-execute the current binary in a new session with a realm
// marker in the environment: "daemon" splits console→daemon, "fleet"
// splits daemon→worker. The re-executed process reads the marker and
// takes the matching continuation path in the dispatcher.
package forker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"

	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/payload"
	"github.com/vanilla/garden-daemon/internal/realm"
)

// WorkerConfigEnv carries the admission-time worker configuration
// across the exec boundary as JSON.
const WorkerConfigEnv = "GARDEN_WORKER_CONFIG"

// Exit is one reaped child: its PID and translated exit status.
type Exit struct {
	PID  int
	Code int
}

type Forker struct {
	opts *options.Options
	log  *slog.Logger
}

func New(opts *options.Options, log *slog.Logger) *Forker {
	return &Forker{opts: opts, log: log}
}

// Daemonize re-executes the binary as the daemon-realm child and
// returns its PID. The child detaches into a new session with stdio
// pointed at the log file (or /dev/null); the console side logs the
// detachment and exits 0 shortly after.
func (f *Forker) Daemonize(args []string) (int, error) {
	cmd, err := f.reexec(realm.Daemon, args, nil)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("fork daemon: %w", err)
	}
	// The daemon child owns its own lifetime; the console never waits
	// on it, but releasing the handle avoids a zombie if the child
	// dies before the console exits.
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}

// SpawnWorker re-executes the binary as a worker-realm child carrying
// cfg, and arranges for its exit status to be delivered on exits. The
// returned PID is already in its own process group so force-reap can
// signal the whole subtree.
func (f *Forker) SpawnWorker(cfg payload.WorkerConfig, exits chan<- Exit) (int, error) {
	var extra []string
	if cfg != nil {
		b, err := json.Marshal(cfg)
		if err != nil {
			return 0, fmt.Errorf("encode worker config: %w", err)
		}
		extra = append(extra, WorkerConfigEnv+"="+string(b))
	}
	cmd, err := f.reexec(realm.Worker, os.Args[1:], extra)
	if err != nil {
		return 0, err
	}
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("fork worker: %w", err)
	}
	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		exits <- Exit{PID: pid, Code: ExitCode(err)}
	}()
	return pid, nil
}

// Signal delivers sig to pid's process group, falling back to the
// process itself when no group exists.
func (f *Forker) Signal(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

func (f *Forker) reexec(r realm.Realm, args, extraEnv []string) (*exec.Cmd, error) {
	executable, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	// #nosec 204 -- re-executing ourselves with our own argv.
	cmd := exec.Command(executable, args...)
	cmd.Env = append(os.Environ(), realm.EnvVar+"="+r.String())
	cmd.Env = append(cmd.Env, extraEnv...)
	cmd.Stdin = nil
	cmd.Stdout, cmd.Stderr = f.childStdio(r)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	return cmd, nil
}

// childStdio points a detached child's output at the daemon log file
// when one is configured, /dev/null otherwise.
func (f *Forker) childStdio(r realm.Realm) (*os.File, *os.File) {
	if path := f.opts.LogFile(); path != "" && r == realm.Daemon {
		// #nosec 304 -- operator-configured log path.
		if lf, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644); err == nil {
			return lf, lf
		}
		f.log.Warn("cannot open daemon log file, using /dev/null", "path", path)
	}
	null, _ := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	return null, null
}

// ExitCode translates cmd.Wait's error into the child's exit status.
// A signal death reports as 128+signal, shell style.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return 1
}

// WorkerConfigFromEnv decodes the configuration planted by
// SpawnWorker. The bool is false in any other realm.
func WorkerConfigFromEnv() (payload.WorkerConfig, bool) {
	raw, ok := os.LookupEnv(WorkerConfigEnv)
	if !ok || raw == "" {
		return nil, false
	}
	var cfg payload.WorkerConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, false
	}
	return cfg, true
}
