package payload

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vanilla/garden-daemon/internal/errbridge"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/realm"
)

// Caps records which optional hooks the payload implements.
type Caps struct {
	Preflight      bool
	Initialize     bool
	CLI            bool
	Shutdown       bool
	Dismiss        bool
	Signal         bool
	WorkerConfig   bool
	LaunchOverride bool
	Spawned        bool
	Reaped         bool
	ErrorHandler   bool
}

// Host owns the per-process payload instance and dispatches hooks by
// capability. At most one instance exists per process; it is built on
// first dispatch and dropped after Run completes in a worker.
type Host struct {
	opts    *options.Options
	log     *slog.Logger
	bridge  *errbridge.Bridge
	factory Factory

	p    Payload
	caps Caps
}

func NewHost(opts *options.Options, log *slog.Logger, bridge *errbridge.Bridge, factory Factory) *Host {
	return &Host{opts: opts, log: log, bridge: bridge, factory: factory}
}

// instance lazily constructs the payload and probes its capabilities.
func (h *Host) instance() Payload {
	if h.p != nil {
		return h.p
	}
	h.p = h.factory(h.opts, h.log)
	h.caps = probe(h.p)
	if h.caps.ErrorHandler {
		obs := h.p.(ErrorObserver)
		h.bridge.AddHandler(obs.HandleError, errbridge.MaskAll)
	}
	return h.p
}

func probe(p Payload) Caps {
	var c Caps
	_, c.Preflight = p.(Preflighter)
	_, c.Initialize = p.(Initializer)
	_, c.CLI = p.(CLIHandler)
	_, c.Shutdown = p.(Shutdowner)
	_, c.Dismiss = p.(Dismisser)
	_, c.Signal = p.(SignalHandler)
	_, c.WorkerConfig = p.(WorkerConfigurator)
	_, c.LaunchOverride = p.(LaunchOverrider)
	_, c.Spawned = p.(SpawnObserver)
	_, c.Reaped = p.(ReapObserver)
	_, c.ErrorHandler = p.(ErrorObserver)
	return c
}

// Caps forces construction and returns the capability set.
func (h *Host) Caps() Caps {
	h.instance()
	return h.caps
}

// Drop releases the payload instance. Workers call it after Run.
func (h *Host) Drop() { h.p = nil }

// Run executes the payload and translates its exit kind. A payload
// panic is contained: it is routed through the error bridge and
// reported as a reload exit (code 1).
func (h *Host) Run(ctx context.Context, cfg WorkerConfig) (code int) {
	p := h.instance()
	defer func() {
		if r := recover(); r != nil {
			h.bridge.OnException(r)
			code = 1
		}
	}()
	return p.Run(ctx, cfg).Code()
}

func (h *Host) Preflight(root *cobra.Command) {
	if p := h.instance(); h.caps.Preflight {
		p.(Preflighter).Preflight(root)
	}
}

func (h *Host) Initialize(args []string) error {
	if p := h.instance(); h.caps.Initialize {
		return p.(Initializer).Initialize(args)
	}
	return nil
}

// CLI dispatches an unknown command to the payload. The bool is false
// when the payload has no CLI hook or left the command unhandled.
func (h *Host) CLI(args []string) (int, bool) {
	if p := h.instance(); h.caps.CLI {
		return p.(CLIHandler).CLI(args)
	}
	return 0, false
}

func (h *Host) Shutdown() {
	if p := h.instance(); h.caps.Shutdown {
		p.(Shutdowner).Shutdown()
	}
}

func (h *Host) Dismiss() {
	if p := h.instance(); h.caps.Dismiss {
		p.(Dismisser).Dismiss()
	}
}

// Signal dispatches sig to the payload; true means the payload
// handled it and the default behavior is suppressed.
func (h *Host) Signal(sig os.Signal) bool {
	if p := h.instance(); h.caps.Signal {
		return p.(SignalHandler).Signal(sig)
	}
	return false
}

// WorkerConfig asks the payload for one worker's configuration.
// Without the hook every worker runs with a nil config.
func (h *Host) WorkerConfig() (WorkerConfig, error) {
	if p := h.instance(); h.caps.WorkerConfig {
		return p.(WorkerConfigurator).WorkerConfig()
	}
	return nil, nil
}

func (h *Host) LaunchOverride() bool {
	if p := h.instance(); h.caps.LaunchOverride {
		return p.(LaunchOverrider).LaunchOverride()
	}
	return false
}

func (h *Host) SpawnedWorker(pid int, parent realm.Realm, cfg WorkerConfig) {
	if p := h.instance(); h.caps.Spawned {
		p.(SpawnObserver).SpawnedWorker(pid, parent, cfg)
	}
}

func (h *Host) ReapedWorker(pid int, kind string) {
	if p := h.instance(); h.caps.Reaped {
		p.(ReapObserver).ReapedWorker(pid, kind)
	}
}
