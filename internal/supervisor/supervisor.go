// Package supervisor drives the fleet: it admits workers up to the
// target count, reaps exits, aggregates exit codes, and tears the
// fleet down on shutdown signals. It runs single-threaded in the
// daemon (or foreground) realm and exclusively owns the child table,
// the launching flag, and the exit aggregate.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/vanilla/garden-daemon/internal/forker"
	"github.com/vanilla/garden-daemon/internal/history"
	"github.com/vanilla/garden-daemon/internal/metrics"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/payload"
	"github.com/vanilla/garden-daemon/internal/realm"
	"github.com/vanilla/garden-daemon/internal/signals"
)

// KindWorker tags fleet members in the child table.
const KindWorker = "worker"

// Spawner creates and signals worker processes. The forker is the
// real implementation; tests substitute their own.
type Spawner interface {
	SpawnWorker(cfg payload.WorkerConfig, exits chan<- forker.Exit) (int, error)
	Signal(pid int, sig syscall.Signal) error
}

type Config struct {
	App      string
	Realm    realm.Realm
	Fleet    int    // max concurrent workers, >= 1
	ExitMode string // options.ExitModeSuccess or ExitModeWorstCase

	Tick     time.Duration // loop quiesce, 1s
	ReapPoll time.Duration // force-reap poll, 10ms
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.ReapPoll <= 0 {
		c.ReapPoll = 10 * time.Millisecond
	}
}

type Supervisor struct {
	cfg    Config
	log    *slog.Logger
	host   *payload.Host
	spawn  Spawner
	router *signals.Router
	hist   history.Sink // may be nil

	launching bool
	children  map[int]string
	exits     chan forker.Exit
	aggregate int
	torndown  bool
	shutdown  bool
}

func New(cfg Config, log *slog.Logger, host *payload.Host, spawn Spawner, router *signals.Router, hist history.Sink) *Supervisor {
	cfg.defaults()
	return &Supervisor{
		cfg:       cfg,
		log:       log,
		host:      host,
		spawn:     spawn,
		router:    router,
		hist:      hist,
		launching: true,
		children:  make(map[int]string),
		exits:     make(chan forker.Exit, 64),
	}
}

// Children returns a snapshot of the child table. Test hook.
func (s *Supervisor) Children() map[int]string {
	out := make(map[int]string, len(s.children))
	for pid, kind := range s.children {
		out[pid] = kind
	}
	return out
}

// Launching reports the launching flag. Test hook.
func (s *Supervisor) Launching() bool { return s.launching }

// Run drives the fleet until the launching flag is down and the child
// table is empty, then returns the aggregate exit code. Each
// iteration: admission, signal drain, reap, quiesce — in that order.
func (s *Supervisor) Run(ctx context.Context) int {
	s.record(history.EventStart, 0, "", 0)
	for {
		s.admit()
		for _, sig := range s.drainSignals() {
			s.handleSignal(sig)
		}
		s.reap()
		if s.shutdown {
			break
		}
		if !s.launching && len(s.children) == 0 {
			break
		}
		select {
		case <-ctx.Done():
			s.log.Warn("supervisor context canceled, shutting down")
			s.host.Shutdown()
			s.forceReap()
			s.shutdown = true
		case <-time.After(s.cfg.Tick):
		}
	}
	if s.router != nil {
		s.router.Reset()
	}
	s.record(history.EventStop, 0, "", s.aggregate)
	return s.aggregate
}

// admit launches workers while slots remain (or the payload overrides
// the cap). A refused launch aborts the phase without flipping the
// launching flag; a failed launch flips it so the fleet drains.
func (s *Supervisor) admit() {
	if !s.launching || s.cfg.Fleet <= 0 {
		return
	}
	for len(s.children) < s.cfg.Fleet || s.host.LaunchOverride() {
		cfg, err := s.host.WorkerConfig()
		if err != nil {
			if errors.Is(err, payload.ErrRefuseLaunch) {
				return
			}
			s.log.Error("worker config failed, halting launches", "error", err)
			s.launching = false
			return
		}
		pid, err := s.spawn.SpawnWorker(cfg, s.exits)
		if err != nil {
			s.log.Error("worker launch failed, halting launches", "error", err)
			s.launching = false
			return
		}
		s.children[pid] = KindWorker
		metrics.IncSpawn(KindWorker)
		metrics.SetFleetSize(len(s.children))
		s.record(history.EventSpawn, pid, KindWorker, 0)
		s.log.Info("spawned worker", "pid", pid, "fleet", len(s.children))
		s.host.SpawnedWorker(pid, s.cfg.Realm, cfg)
	}
}

// reap drains every delivered exit without blocking. Exits for PIDs
// not in the table (already force-reaped, or not ours) are dropped.
func (s *Supervisor) reap() {
	for {
		select {
		case e := <-s.exits:
			s.reapOne(e)
		default:
			return
		}
	}
}

func (s *Supervisor) reapOne(e forker.Exit) {
	kind, ok := s.children[e.PID]
	if !ok {
		return
	}
	delete(s.children, e.PID)
	if s.cfg.ExitMode == options.ExitModeWorstCase {
		if c := abs(e.Code); c > s.aggregate {
			s.aggregate = c
			metrics.SetExitAggregate(c)
		}
	}
	metrics.IncReap(kind, e.Code)
	metrics.SetFleetSize(len(s.children))
	s.record(history.EventReap, e.PID, kind, e.Code)
	s.log.Info("reaped worker", "pid", e.PID, "code", e.Code, "fleet", len(s.children))
	s.host.ReapedWorker(e.PID, kind)
}

func (s *Supervisor) drainSignals() []os.Signal {
	if s.router == nil {
		return nil
	}
	return s.router.Drain()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
