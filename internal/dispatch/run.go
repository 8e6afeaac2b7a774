package dispatch

import (
	"context"
	"os"
	"os/user"
	"syscall"

	"github.com/vanilla/garden-daemon/internal/forker"
	"github.com/vanilla/garden-daemon/internal/history"
	hsqlite "github.com/vanilla/garden-daemon/internal/history/sqlite"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/realm"
	"github.com/vanilla/garden-daemon/internal/signals"
	"github.com/vanilla/garden-daemon/internal/supervisor"
)

// daemonMain is the continuation after the console→daemon re-exec:
// re-acquire the lock, then run the supervisor role.
func (d *Dispatcher) daemonMain(args []string) int {
	if !d.lk.Acquire(0) {
		if !d.opts.Bool(options.KeyConcurrent, false) {
			d.log.Error("lock already held, daemon exiting", "pidfile", d.lk.Path())
			return 1
		}
		// Concurrent instances share the path; the first writer keeps
		// the file and the rest run unlocked.
		d.log.Warn("lock held by another instance, continuing unlocked", "pidfile", d.lk.Path())
	} else {
		defer d.lk.Release()
	}
	return d.run(realm.Daemon, args)
}

// workerMain is the continuation after the daemon→worker re-exec:
// default signal dispositions, then run the payload once.
func (d *Dispatcher) workerMain() int {
	signals.ResetAll()
	if err := forker.DropPrivileges(d.opts, d.log); err != nil {
		d.log.Error("identity switch failed", "error", err)
		return 1
	}
	cfg, _ := forker.WorkerConfigFromEnv()
	code := d.host.Run(context.Background(), cfg)
	d.host.Drop()
	return code
}

// run performs steps 5-10 of the start sequence in the supervising
// realm (daemon or foreground): signals, identity capture, payload
// initialization, then single-run or fleet loop, then dismissal.
func (d *Dispatcher) run(r realm.Realm, args []string) int {
	router := signals.Install(d.log)
	d.captureInvoker()
	if err := forker.DropPrivileges(d.opts, d.log); err != nil {
		d.log.Error("identity switch failed", "error", err)
		return 1
	}
	if err := d.host.Initialize(args); err != nil {
		d.log.Error("payload initialization failed", "error", err)
		router.Reset()
		return 1
	}
	d.serveMetrics()

	var hist history.Sink
	if path := d.opts.Str(options.KeyHistoryDB, ""); path != "" {
		sink, err := hsqlite.New(path)
		if err != nil {
			d.log.Warn("history sink unavailable", "path", path, "error", err)
		} else {
			hist = sink
			defer func() { _ = sink.Close() }()
		}
	}

	var code int
	switch d.opts.Mode() {
	case options.ModeFleet:
		sup := supervisor.New(supervisor.Config{
			App:      d.opts.AppName(),
			Realm:    r,
			Fleet:    d.opts.Fleet(),
			ExitMode: d.opts.ExitMode(),
		}, d.log, d.host, d.fk, router, hist)
		code = sup.Run(context.Background())
	default:
		code = d.runSingle(router)
	}

	d.host.Dismiss()
	return code
}

// runSingle executes the payload in the supervising realm. A watcher
// consumes the signal inbox directly: INT/TERM cancel the payload's
// context after its Shutdown hook; HUP and USR1/USR2 go to the Signal
// hook.
func (d *Dispatcher) runSingle(router *signals.Router) int {
	// Force payload construction before the watcher starts so both
	// goroutines see a settled instance.
	d.host.Caps()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case sig := <-router.Observe():
				switch sig {
				case syscall.SIGINT, syscall.SIGTERM:
					d.log.Info("shutdown signal", "signal", sig.String())
					d.host.Shutdown()
					d.host.Signal(sig)
					cancel()
				case syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2:
					d.host.Signal(sig)
				}
			case <-done:
				return
			}
		}
	}()
	code := d.host.Run(ctx, nil)
	cancel()
	router.Reset()
	return code
}

// captureInvoker records who started the daemon and from which
// terminal. Both are best-effort.
func (d *Dispatcher) captureInvoker() {
	name := os.Getenv("LOGNAME")
	if name == "" {
		if u, err := user.Current(); err == nil {
			name = u.Username
		}
	}
	d.opts.Set(options.KeyInvokingUser, name)
	if tty, err := os.Readlink("/proc/self/fd/0"); err == nil {
		d.opts.Set(options.KeyTTY, tty)
	}
}
