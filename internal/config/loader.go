// Package config loads the process-level environment configuration: the SIS
// base URL, the calibration-history database, and the default safety buffer.
// This is distinct from domain.Config, which is the per-run configuration
// handed to the engine at Start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config captures environment-driven configuration for the regbot process.
type Config struct {
	SISBaseURL          string
	CalibrationDSN      string
	DefaultSafetyBuffer time.Duration
}

// Load parses configuration values from the current process environment,
// applying defaults for optional fields and accumulating every problem with
// a required or malformed value before returning, so a caller sees every
// issue at once rather than one at a time.
func Load() (Config, error) {
	cfg := Config{
		SISBaseURL:          "https://obs.itu.edu.tr",
		CalibrationDSN:      "file:regbot-calibration.db?_foreign_keys=on",
		DefaultSafetyBuffer: 5 * time.Millisecond,
	}

	missing := make([]string, 0, 1)
	invalid := make([]string, 0, 2)

	if url := strings.TrimSpace(os.Getenv("REGBOT_SIS_BASE_URL")); url != "" {
		cfg.SISBaseURL = strings.TrimRight(url, "/")
	}

	if dsn := strings.TrimSpace(os.Getenv("REGBOT_CALIBRATION_DSN")); dsn != "" {
		cfg.CalibrationDSN = dsn
	}

	if bufferValue := strings.TrimSpace(os.Getenv("REGBOT_SAFETY_BUFFER")); bufferValue != "" {
		buffer, err := time.ParseDuration(bufferValue)
		if err != nil || buffer < 0 || buffer > 100*time.Millisecond {
			invalid = append(invalid, "REGBOT_SAFETY_BUFFER")
		} else {
			cfg.DefaultSafetyBuffer = buffer
		}
	}

	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		return Config{}, fmt.Errorf("invalid environment variable values: %s", strings.Join(invalid, ", "))
	}

	return cfg, nil
}
