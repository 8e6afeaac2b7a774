// Package options holds the process-wide configuration of the daemon.
// The Options object is built before Attach, append-mostly during
// startup and read-mostly afterwards; it is owned by the dispatcher
// and handed down explicitly, never stored globally.
package options

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

// Recognized option keys.
const (
	KeyAppName        = "appname"
	KeyAppNamespace   = "appnamespace"
	KeyAppDir         = "appdir"
	KeyAppDescription = "appdescription"
	KeyPIDFile        = "pidfile"
	KeyDaemonize      = "daemonize"
	KeyConcurrent     = "concurrent"
	KeyMode           = "mode"
	KeyFleet          = "fleet"
	KeyExitMode       = "exitmode"
	KeyRunAsUser      = "runasuser"
	KeyRunAsGroup     = "runasgroup"
	KeyLogLevel       = "loglevel"
	KeyLogFile        = "logfile"
	KeyHistoryDB      = "historydb"
	KeyMetricsListen  = "metricslisten"

	// Recorded at start time, not user-supplied.
	KeyEffectiveUID = "effectiveuid"
	KeyInvokingUser = "invokinguser"
	KeyTTY          = "tty"
)

// Execution modes.
const (
	ModeSingle = "single"
	ModeFleet  = "fleet"
)

// Exit aggregation policies.
const (
	ExitModeSuccess   = "success"
	ExitModeWorstCase = "worst-case"
)

type Options struct {
	kv map[string]any
}

func New() *Options { return &Options{kv: make(map[string]any)} }

// Configure merges m into the options. Later calls win.
func (o *Options) Configure(m map[string]any) {
	for k, v := range m {
		o.kv[strings.ToLower(k)] = v
	}
}

func (o *Options) Set(key string, v any) { o.kv[strings.ToLower(key)] = v }

// Get returns the raw value for key, or def when unset.
func (o *Options) Get(key string, def any) any {
	if v, ok := o.kv[strings.ToLower(key)]; ok {
		return v
	}
	return def
}

func (o *Options) Str(key, def string) string {
	switch v := o.Get(key, def).(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return def
	}
}

func (o *Options) Bool(key string, def bool) bool {
	switch v := o.Get(key, def).(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case int:
		return v != 0
	}
	return def
}

func (o *Options) Int(key string, def int) int {
	switch v := o.Get(key, def).(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// Validate checks the invariants that must hold before Attach.
func (o *Options) Validate() error {
	if o.Str(KeyAppName, "") == "" {
		return fmt.Errorf("option %q is required", KeyAppName)
	}
	if o.Str(KeyAppDir, "") == "" && o.Str(KeyPIDFile, "") == "" {
		return fmt.Errorf("either %q or %q must be set", KeyAppDir, KeyPIDFile)
	}
	switch m := o.Mode(); m {
	case ModeSingle, ModeFleet:
	default:
		return fmt.Errorf("invalid mode %q", m)
	}
	switch e := o.ExitMode(); e {
	case ExitModeSuccess, ExitModeWorstCase:
	default:
		return fmt.Errorf("invalid exitmode %q", e)
	}
	if o.Fleet() < 1 {
		return fmt.Errorf("fleet must be >= 1")
	}
	return nil
}

func (o *Options) AppName() string  { return o.Str(KeyAppName, "") }
func (o *Options) Mode() string     { return o.Str(KeyMode, ModeSingle) }
func (o *Options) ExitMode() string { return o.Str(KeyExitMode, ExitModeSuccess) }
func (o *Options) Fleet() int       { return o.Int(KeyFleet, 1) }

// PIDFile returns the explicit pidfile option or the conventional
// /var/run/<appname>.pid default.
func (o *Options) PIDFile() string {
	if p := o.Str(KeyPIDFile, ""); p != "" {
		return p
	}
	return filepath.Join("/var/run", strings.ToLower(o.AppName())+".pid")
}

// LogFile returns the daemon log destination, derived from appdir
// unless overridden. Empty when neither is set.
func (o *Options) LogFile() string {
	if p := o.Str(KeyLogFile, ""); p != "" {
		return p
	}
	if dir := o.Str(KeyAppDir, ""); dir != "" {
		return filepath.Join(dir, "log", strings.ToLower(o.AppName())+".log")
	}
	return ""
}

// LogLevel parses the loglevel option. Default WARNING.
func (o *Options) LogLevel() slog.Level {
	switch strings.ToLower(o.Str(KeyLogLevel, "warning")) {
	case "debug":
		return slog.LevelDebug
	case "info", "notice":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	}
	return slog.LevelWarn
}
