// Package daemon turns a user-supplied application payload into a
// supervised UNIX daemon: it detaches from the terminal, holds a
// single-instance PID lock, dispatches start/stop/restart/status
// against that lock, and in fleet mode maintains a fixed-size set of
// identically-configured worker processes.
//
// The payload implements Run plus any subset of the optional hook
// interfaces; the supervisor calls only what the payload implements.
package daemon

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vanilla/garden-daemon/internal/config"
	"github.com/vanilla/garden-daemon/internal/dispatch"
	"github.com/vanilla/garden-daemon/internal/errbridge"
	"github.com/vanilla/garden-daemon/internal/logger"
	"github.com/vanilla/garden-daemon/internal/metrics"
	"github.com/vanilla/garden-daemon/internal/options"
	"github.com/vanilla/garden-daemon/internal/payload"
	"github.com/vanilla/garden-daemon/internal/realm"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type Options = options.Options

type Payload = payload.Payload

type Factory = payload.Factory

type WorkerConfig = payload.WorkerConfig

type ExitKind = payload.ExitKind

const (
	ExitHalt    = payload.ExitHalt
	ExitError   = payload.ExitError
	ExitRestart = payload.ExitRestart
	ExitReload  = payload.ExitReload
)

type Realm = realm.Realm

const (
	RealmConsole    = realm.Console
	RealmDaemon     = realm.Daemon
	RealmWorker     = realm.Worker
	RealmForeground = realm.Foreground
)

// Optional payload capabilities.

type (
	Preflighter        = payload.Preflighter
	Initializer        = payload.Initializer
	CLIHandler         = payload.CLIHandler
	Shutdowner         = payload.Shutdowner
	Dismisser          = payload.Dismisser
	SignalHandler      = payload.SignalHandler
	WorkerConfigurator = payload.WorkerConfigurator
	LaunchOverrider    = payload.LaunchOverrider
	SpawnObserver      = payload.SpawnObserver
	ReapObserver       = payload.ReapObserver
	ErrorObserver      = payload.ErrorObserver
)

// ErrRefuseLaunch cancels one fleet admission without halting the
// supervisor.
var ErrRefuseLaunch = payload.ErrRefuseLaunch

// Error bridge surface for payloads that observe errors.

type (
	ErrorEvent  = errbridge.Event
	ErrorAction = errbridge.Action
)

const (
	ErrorContinue = errbridge.Continue
	ErrorStop     = errbridge.Stop
)

// NewOptions returns an empty option set. At minimum, appname and
// either appdir or pidfile must be set before New.
func NewOptions() *Options { return options.New() }

// LoadConfig overlays the TOML file at path onto opts.
func LoadConfig(path string, opts *Options) error { return config.Load(path, opts) }

// Daemon is the assembled supervisor for one application.
type Daemon struct {
	opts *Options
	log  *slog.Logger
	d    *dispatch.Dispatcher
}

// New validates opts and assembles the daemon around the payload
// factory. The logger follows the realm: the console writes to
// stderr, detached realms to the rotating log file.
func New(opts *Options, f Factory) (*Daemon, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	cfg := logger.Config{Level: opts.LogLevel()}
	if realm.FromEnv() != realm.Console {
		cfg.File = opts.LogFile()
	}
	log := cfg.New().With("app", opts.AppName())
	return &Daemon{opts: opts, log: log, d: dispatch.New(opts, log, f)}, nil
}

// Attach hands control to the daemon. It parses args as the CLI in
// the console realm and runs the realm continuation elsewhere. The
// returned value is the process exit code.
func (d *Daemon) Attach(args []string) int { return d.d.Attach(args) }

// Logger returns the realm-appropriate logger for payload use.
func (d *Daemon) Logger() *slog.Logger { return d.log }

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics on addr using the default registry in
// the caller's goroutine.
func ServeMetrics(addr string) error {
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
	return srv.ListenAndServe()
}
