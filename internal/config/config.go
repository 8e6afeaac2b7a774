// Package config loads daemon options from a TOML file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/vanilla/garden-daemon/internal/options"
)

// Load reads the TOML file at path and overlays its settings onto
// opts. Keys already set programmatically are overwritten by the
// file, matching the "configure then attach" ordering: callers load
// the file first and apply code-level overrides after.
func Load(path string, opts *options.Options) error {
	v := viper.New()
	v.SetConfigFile(path)
	if !strings.Contains(path, ".") {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	opts.Configure(v.AllSettings())
	return nil
}
