package zhook

import "github.com/kelseyhightower/envconfig"

// Config holds the engine's runtime tunables, populated from the process
// environment via github.com/kelseyhightower/envconfig (as calico's daemons
// do for their own configuration). LoadConfig's defaults match the engine's
// built-in constants; the zero value does not (its MinDecode is 0 and its
// LogLevel is empty). The engine itself never reads a Config: trampoline
// regions are always one OS allocation granule, the relocator always uses
// internal/arena.MinDecode, and the log level changes only through
// SetLogLevel.
type Config struct {
	// RegionSize is the trampoline region size, in bytes. Zero means "the
	// OS allocation granularity" (spec.md §3: "typically 64 KiB"), which is
	// the size the arena always uses.
	RegionSize int `envconfig:"ZHOOK_REGION_SIZE" default:"0"`

	// MinDecode is the minimum number of prologue bytes to relocate
	// (spec.md §4.5); internal/arena.MinDecode holds the value the engine
	// uses.
	MinDecode int `envconfig:"ZHOOK_MIN_DECODE" default:"5"`

	// LogLevel is a logrus level name ("debug", "info", "warn", "error").
	LogLevel string `envconfig:"ZHOOK_LOG_LEVEL" default:"info"`
}

// LoadConfig reads Config from the process environment, falling back to the
// documented defaults for any variable that is unset.
func LoadConfig() (Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return Config{}, newError(InvalidArgument, "LoadConfig", err)
	}
	return c, nil
}
