// Package config collects the runtime knobs. Configuration is read
// once at startup and handed to the engine; nothing here participates
// in the core state machines.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// DefaultFile is looked for next to the host when no explicit path is
// given.
const DefaultFile = "spyglass.toml"

// Duration wraps time.Duration so both the TOML and the environment
// parsers accept "250ms" style values.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full set of runtime options.
type Config struct {
	// Verbosity raises log detail; 0 is quiet operation.
	Verbosity int `toml:"verbosity" env:"SPYGLASS_VERBOSITY"`

	// LayoutArchive points at a SQLite offset archive layered over the
	// builtin layout data.
	LayoutArchive string `toml:"layout-archive" env:"SPYGLASS_LAYOUT_ARCHIVE"`

	// LayoutOverrides points at a TOML offset override file, applied
	// after the archive.
	LayoutOverrides string `toml:"layout-overrides" env:"SPYGLASS_LAYOUT_OVERRIDES"`

	// MappingFile replaces the embedded revision mapping table.
	MappingFile string `toml:"mapping-file" env:"SPYGLASS_MAPPING_FILE"`

	// DisableInterception skips hook installation entirely.
	DisableInterception bool `toml:"disable-interception" env:"SPYGLASS_NO_INTERCEPT"`

	// StartupDelay postpones initialization, for hosts that unpack
	// themselves after launch.
	StartupDelay Duration `toml:"startup-delay" env:"SPYGLASS_STARTUP_DELAY"`
}

// FromEnv reads SPYGLASS_* variables over the zero config.
func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing environment: %w", err)
	}
	return cfg, nil
}

// Load reads the given TOML file if it exists, then lets the
// environment override it. An empty path means DefaultFile; a missing
// file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultFile
	}

	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse error in %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Environment only.
	default:
		return Config{}, fmt.Errorf("config: cannot read %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing environment: %w", err)
	}
	return cfg, nil
}
