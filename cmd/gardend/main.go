// gardend is a demonstration supervisor: a fleet of workers that tick
// until terminated. It shows the minimal wiring a real application
// needs: options, a payload factory, Attach.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	daemon "github.com/vanilla/garden-daemon"
)

type app struct {
	log  *slog.Logger
	tick time.Duration
	seq  int
}

func (a *app) Run(ctx context.Context, cfg daemon.WorkerConfig) daemon.ExitKind {
	interval := a.tick
	if v, ok := cfg["interval"]; ok {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		}
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return daemon.ExitHalt
		case <-t.C:
			a.log.Info("tick", "worker", cfg["seq"])
		}
	}
}

// WorkerConfig numbers each worker so ticks are attributable.
func (a *app) WorkerConfig() (daemon.WorkerConfig, error) {
	a.seq++
	return daemon.WorkerConfig{
		"seq":      strconv.Itoa(a.seq),
		"interval": a.tick.String(),
	}, nil
}

func (a *app) ReapedWorker(pid int, kind string) {
	a.log.Info("worker gone", "pid", pid, "kind", kind)
}

func main() {
	opts := daemon.NewOptions()
	opts.Configure(map[string]any{
		"appname":        "gardend",
		"appdescription": "Example fleet daemon",
		"appdir":         "/var/lib/gardend",
		"mode":           "fleet",
		"fleet":          2,
		"loglevel":       "info",
	})
	if path := os.Getenv("GARDEND_CONFIG"); path != "" {
		if err := daemon.LoadConfig(path, opts); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	d, err := daemon.New(opts, func(o *daemon.Options, log *slog.Logger) daemon.Payload {
		return &app{log: log, tick: 5 * time.Second}
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(d.Attach(os.Args[1:]))
}
