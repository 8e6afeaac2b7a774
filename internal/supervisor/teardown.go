package supervisor

import (
	"context"
	"os"
	"syscall"
	"time"

	"github.com/vanilla/garden-daemon/internal/history"
)

// handleSignal runs at the loop boundary, never in signal context.
func (s *Supervisor) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		if s.host.Signal(sig) {
			return
		}
		s.restartFleet()
	case syscall.SIGINT, syscall.SIGTERM:
		s.log.Info("shutdown signal", "signal", sig.String())
		s.host.Shutdown()
		s.forceReap()
		s.host.Signal(sig)
		s.shutdown = true
	case syscall.SIGCHLD:
		s.reap()
	case syscall.SIGUSR1, syscall.SIGUSR2:
		s.host.Signal(sig)
	}
}

// restartFleet is the default HUP behavior: drain every worker, then
// resume launching so the next admission phase rebuilds the fleet.
func (s *Supervisor) restartFleet() {
	s.log.Info("restarting fleet on SIGHUP", "fleet", len(s.children))
	s.forceReap()
	s.torndown = false
	s.launching = true
}

// forceReap kills every child and busy-waits until all are collected.
// Idempotent: a latched second entry sends nothing.
func (s *Supervisor) forceReap() {
	if s.torndown {
		return
	}
	s.torndown = true
	s.launching = false
	for pid := range s.children {
		_ = s.spawn.Signal(pid, syscall.SIGKILL)
	}
	s.drainSignals()
	for len(s.children) > 0 {
		select {
		case e := <-s.exits:
			s.reapOne(e)
		default:
			time.Sleep(s.cfg.ReapPoll)
		}
	}
}

func (s *Supervisor) record(t history.EventType, pid int, kind string, code int) {
	if s.hist == nil {
		return
	}
	err := s.hist.Record(context.Background(), history.Event{
		Type:       t,
		App:        s.cfg.App,
		Realm:      s.cfg.Realm.String(),
		PID:        pid,
		Kind:       kind,
		Code:       code,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		s.log.Warn("history record failed", "type", string(t), "error", err)
	}
}
