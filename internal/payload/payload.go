// Package payload defines the contract between the supervisor and the
// user-supplied application, and the host that dispatches its hooks.
//
// A payload implements Run plus any subset of the optional hook
// interfaces. The host probes capabilities once, at construction, and
// only ever calls hooks the payload implements.
package payload

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vanilla/garden-daemon/internal/errbridge"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/realm"
)

// ExitKind is what Run reports back to the supervisor.
type ExitKind string

const (
	ExitHalt    ExitKind = "halt"    // normal halt
	ExitError   ExitKind = "exit"    // error halt
	ExitRestart ExitKind = "restart" // ask the OS supervisor to restart
	ExitReload  ExitKind = "reload"  // reload; also the default
)

// Code translates an exit kind into the stable worker exit code read
// by cron, systemd, or whatever supervises the daemon itself.
func (k ExitKind) Code() int {
	switch k {
	case ExitHalt:
		return 0
	case ExitError:
		return 8
	case ExitRestart:
		return 2
	default:
		return 1
	}
}

// WorkerConfig is the per-worker configuration produced by the
// payload at admission and handed to Run in the worker realm. It
// crosses the exec boundary as JSON, so values are strings.
type WorkerConfig map[string]string

// ErrRefuseLaunch is returned by WorkerConfig to cancel one admission
// attempt without stopping the fleet.
var ErrRefuseLaunch = errors.New("payload refused launch")

// Payload is the one required capability.
type Payload interface {
	// Run executes the application. In single mode it runs in the
	// daemon realm with a nil config; in fleet mode it runs once per
	// worker with that worker's config.
	Run(ctx context.Context, cfg WorkerConfig) ExitKind
}

// Factory constructs the payload. Called lazily, at most once per
// process: once in the daemon realm for coordination hooks, once in
// each worker for Run.
type Factory func(opts *options.Options, log *slog.Logger) Payload

// Optional capabilities.

// Preflighter lets the payload add commands and flags to the CLI
// after the built-ins are registered, before parse.
type Preflighter interface {
	Preflight(root *cobra.Command)
}

// Initializer runs post-daemonize, before Run or the fleet loop.
type Initializer interface {
	Initialize(args []string) error
}

// CLIHandler is the fall-through for unknown top-level commands. The
// bool reports whether the command was handled.
type CLIHandler interface {
	CLI(args []string) (int, bool)
}

// Shutdowner runs on INT/TERM before children are reaped.
type Shutdowner interface {
	Shutdown()
}

// Dismisser runs after the supervisor loop exits cleanly.
type Dismisser interface {
	Dismiss()
}

// SignalHandler observes HUP (a true return suppresses the default
// fleet restart), INT/TERM after Shutdown, and USR1/USR2.
type SignalHandler interface {
	Signal(sig os.Signal) bool
}

// WorkerConfigurator produces the per-worker configuration at
// admission. Returning ErrRefuseLaunch cancels this launch; any other
// error counts as a launch failure and halts further admissions.
type WorkerConfigurator interface {
	WorkerConfig() (WorkerConfig, error)
}

// LaunchOverrider, when it returns true, admits one worker past the
// fleet cap. Polled once per admission attempt.
type LaunchOverrider interface {
	LaunchOverride() bool
}

// SpawnObserver is notified in the parent just after a successful
// fork.
type SpawnObserver interface {
	SpawnedWorker(pid int, parent realm.Realm, cfg WorkerConfig)
}

// ReapObserver is notified just after a child leaves the child table.
type ReapObserver interface {
	ReapedWorker(pid int, kind string)
}

// ErrorObserver receives events from the error bridge.
type ErrorObserver interface {
	HandleError(ev errbridge.Event) errbridge.Action
}
