// Package signals routes UNIX signals to the supervisor. Handlers
// only enqueue; all real work happens when the supervisor drains the
// inbox at its loop boundary, so signal context never touches the
// payload or the child table.
package signals

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// Consumed is the set of signals the daemon realm owns.
var Consumed = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGCHLD,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

type Router struct {
	ch  chan os.Signal
	log *slog.Logger
}

// Install registers the daemon-realm handlers and returns the router.
func Install(log *slog.Logger) *Router {
	r := &Router{ch: make(chan os.Signal, 16), log: log}
	signal.Notify(r.ch, Consumed...)
	return r
}

// Drain returns the distinct signals observed since the last drain,
// in first-observed order. Single-reader: only the supervisor loop
// calls it.
func (r *Router) Drain() []os.Signal {
	var out []os.Signal
	seen := make(map[os.Signal]bool)
	for {
		select {
		case sig := <-r.ch:
			if !seen[sig] {
				seen[sig] = true
				out = append(out, sig)
				r.log.Debug("signal observed", "signal", sig.String())
			}
		default:
			return out
		}
	}
}

// Observe exposes the raw inbox for single-mode runs, where no loop
// polls Drain. The single-reader rule still applies: a consumer of
// Observe must not also call Drain.
func (r *Router) Observe() <-chan os.Signal { return r.ch }

// Reset restores default dispositions and stops delivery. Called when
// the supervisor loop exits.
func (r *Router) Reset() {
	signal.Stop(r.ch)
	signal.Reset(Consumed...)
}

// ResetAll restores every disposition to the default. Workers call it
// before running the payload so they die on INT/TERM like any child.
func ResetAll() { signal.Reset() }
