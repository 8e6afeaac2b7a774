// Package dispatch is the top-level command router. It resolves the
// process realm, routes start/stop/restart/status against the PID
// lock, and runs the daemon/worker continuations after a re-exec.
package dispatch

import (
	"log/slog"
	"net/http"
	"os"
	"slices"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/vanilla/garden-daemon/internal/errbridge"
	"github.com/vanilla/garden-daemon/internal/forker"
	"github.com/vanilla/garden-daemon/internal/lock"
	"github.com/vanilla/garden-daemon/internal/metrics"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/payload"
	"github.com/vanilla/garden-daemon/internal/realm"
)

type Dispatcher struct {
	opts   *options.Options
	log    *slog.Logger
	bridge *errbridge.Bridge
	host   *payload.Host
	lk     *lock.Lock
	fk     *forker.Forker

	// Seams for the stop-escalation tests.
	sleep func(time.Duration)
	kill  func(pid int, sig syscall.Signal) error
	alive func(pid int) bool

	code int
}

func New(opts *options.Options, log *slog.Logger, factory payload.Factory) *Dispatcher {
	bridge := errbridge.New(log)
	return &Dispatcher{
		opts:   opts,
		log:    log,
		bridge: bridge,
		host:   payload.NewHost(opts, log, bridge, factory),
		lk:     lock.New(opts.PIDFile(), log),
		fk:     forker.New(opts, log),
		sleep:  time.Sleep,
		kill:   syscall.Kill,
		alive:  lock.Alive,
	}
}

// Attach is the entry point for every realm. The console parses the
// CLI; re-executed processes skip straight to their continuation.
func (d *Dispatcher) Attach(args []string) int {
	if err := d.opts.Validate(); err != nil {
		d.log.Error("invalid configuration", "error", err)
		return 1
	}
	switch realm.FromEnv() {
	case realm.Daemon:
		return d.daemonMain(args)
	case realm.Worker:
		return d.workerMain()
	}
	if !d.opts.Bool(options.KeyDaemonize, true) {
		// Foreground mode forces start regardless of the command.
		return d.start(args, hasWatchdog(args), realm.Foreground)
	}
	return d.dispatchCLI(args)
}

func (d *Dispatcher) dispatchCLI(args []string) int {
	root := &cobra.Command{
		Use:           d.opts.AppName(),
		Short:         d.opts.Str(options.KeyAppDescription, ""),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var watchdog bool
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "start the daemon",
		RunE: func(cmd *cobra.Command, cargs []string) error {
			d.code = d.start(args, watchdog, realm.Console)
			return nil
		},
	}
	startCmd.Flags().BoolVarP(&watchdog, "watchdog", "w", false,
		"treat an already-running daemon as success")

	root.AddCommand(
		startCmd,
		&cobra.Command{
			Use:   "stop",
			Short: "stop the running daemon",
			RunE: func(cmd *cobra.Command, cargs []string) error {
				d.code = d.stop(false)
				return nil
			},
		},
		&cobra.Command{
			Use:   "restart",
			Short: "stop then start the daemon",
			RunE: func(cmd *cobra.Command, cargs []string) error {
				d.stop(true)
				d.code = d.start(args, false, realm.Console)
				return nil
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "report whether the daemon is running",
			RunE: func(cmd *cobra.Command, cargs []string) error {
				d.code = d.status()
				return nil
			},
		},
	)

	// Payload-supplied commands register after the built-ins, before
	// parse.
	d.host.Preflight(root)

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		if code, handled := d.host.CLI(args); handled {
			return code
		}
		d.log.Error("unhandled command", "args", args, "error", err)
		return 1
	}
	return d.code
}

// status reports 0 when a live daemon holds the lock.
func (d *Dispatcher) status() int {
	if d.lk.IsHeld() {
		return 0
	}
	return 1
}

// start runs steps 1-4 of the start sequence. In console realm it
// forks the daemon and returns; in foreground realm it becomes the
// supervisor itself.
func (d *Dispatcher) start(args []string, watchdog bool, from realm.Realm) int {
	if d.lk.IsHeld() && !d.opts.Bool(options.KeyConcurrent, false) {
		d.log.Warn("already running", "pidfile", d.lk.Path())
		if watchdog {
			return 0
		}
		return 1
	}
	d.opts.Set(options.KeyEffectiveUID, os.Geteuid())
	if d.identityRequested() && os.Geteuid() != 0 {
		d.log.Error("runasuser/runasgroup require an effective UID of 0")
		return 1
	}
	if from == realm.Foreground {
		return d.run(realm.Foreground, args)
	}
	pid, err := d.fk.Daemonize(args)
	if err != nil {
		d.log.Error("daemonize failed", "error", err)
		return 1
	}
	d.log.Info("daemon detached", "pid", pid)
	return 0
}

func (d *Dispatcher) identityRequested() bool {
	return d.opts.Str(options.KeyRunAsUser, "") != "" ||
		d.opts.Str(options.KeyRunAsGroup, "") != ""
}

// stop terminates the locked daemon: TERM, wait, escalate to KILL,
// wait again. The lock file is cleared only once the PID is confirmed
// dead.
func (d *Dispatcher) stop(ignoreNotRunning bool) int {
	pid, ok := d.lk.HeldBy()
	if !ok || pid == os.Getpid() || !d.alive(pid) {
		if ok {
			// Stale file from a killed daemon.
			d.lk.Release()
		}
		d.log.Warn("not running", "pidfile", d.lk.Path())
		if ignoreNotRunning {
			return 0
		}
		return 1
	}
	_ = d.kill(pid, syscall.SIGTERM)
	d.sleep(time.Second)
	if d.alive(pid) {
		_ = d.kill(pid, syscall.SIGKILL)
		d.sleep(time.Second)
	}
	if d.alive(pid) {
		d.log.Warn("daemon survived SIGKILL", "pid", pid)
		return 1
	}
	d.lk.Release()
	d.log.Info("stopped", "pid", pid)
	return 0
}

func hasWatchdog(args []string) bool {
	return slices.Contains(args, "-w") || slices.Contains(args, "--watchdog")
}

// serveMetrics exposes /metrics when the option is set.
func (d *Dispatcher) serveMetrics() {
	addr := d.opts.Str(options.KeyMetricsListen, "")
	if addr == "" {
		return
	}
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		d.log.Warn("metrics registration failed", "error", err)
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			d.log.Warn("metrics server error", "error", err)
		}
	}()
}
