// Package config holds the broker's runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config is populated from CLI flags with environment fallbacks. The tuning
// constants (coalesce interval, watermarks, buffer sizes, crash window) are
// deliberately configuration, not hard-coded values.
type Config struct {
	// Port is the HTTP/WebSocket listen port.
	Port string

	// BaseFolder bounds every session working directory and upload path.
	// Paths resolving outside it are rejected.
	BaseFolder string

	// DBPath is the sqlite file persisting session identity across restarts.
	DBPath string

	// RecordingDir, when non-empty, enables asciinema transcripts per session.
	RecordingDir string

	// DangerousMode allows tool bridges to pass their skip-permission flags
	// when a start request opts in. Off by default.
	DangerousMode bool

	// ReplayBufferSize is the per-session replay buffer capacity in bytes.
	ReplayBufferSize int

	// CoalesceInterval is the output flush interval. Tuned for perceived
	// real-time feel, roughly one animation frame.
	CoalesceInterval time.Duration

	// FlowHighWater and FlowLowWater are the pause/resume thresholds for
	// unacknowledged coalesced frames per connection.
	FlowHighWater int
	FlowLowWater  int

	// MaxInputBytes caps a single input message.
	MaxInputBytes int

	// MaxUploadBytes caps a decoded image upload.
	MaxUploadBytes int

	// CrashWindow and CrashThreshold drive the supervisor circuit breaker:
	// CrashThreshold crashes within CrashWindow trip the breaker.
	CrashWindow    time.Duration
	CrashThreshold int

	// Verbosity is the -v count; 0 = info, 1+ = debug.
	Verbosity int
}

// Default returns a Config with the built-in defaults applied. Environment
// variables override defaults; flags override both (bound by the CLI).
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	cfg := &Config{
		Port:             envOr("AGENTTERM_PORT", "8080"),
		BaseFolder:       envOr("AGENTTERM_BASE_FOLDER", home),
		DBPath:           envOr("AGENTTERM_DB_PATH", filepath.Join(home, ".agentterm", "sessions.db")),
		RecordingDir:     os.Getenv("AGENTTERM_RECORDING_DIR"),
		ReplayBufferSize: envIntOr("AGENTTERM_REPLAY_BUFFER", 256*1024),
		CoalesceInterval: 16 * time.Millisecond,
		FlowHighWater:    64,
		FlowLowWater:     16,
		MaxInputBytes:    32 * 1024,
		MaxUploadBytes:   10 * 1024 * 1024,
		CrashWindow:      30 * time.Second,
		CrashThreshold:   3,
	}
	if v := os.Getenv("AGENTTERM_COALESCE_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.CoalesceInterval = d
		}
	}
	return cfg
}

// Validate checks the configuration for values that would misbehave at
// runtime rather than fail loudly.
func (c *Config) Validate() error {
	if c.BaseFolder == "" {
		return fmt.Errorf("base folder must not be empty")
	}
	abs, err := filepath.Abs(c.BaseFolder)
	if err != nil {
		return fmt.Errorf("resolve base folder: %w", err)
	}
	c.BaseFolder = abs

	if c.FlowLowWater >= c.FlowHighWater {
		return fmt.Errorf("flow low water (%d) must be below high water (%d)", c.FlowLowWater, c.FlowHighWater)
	}
	if c.CoalesceInterval <= 0 {
		return fmt.Errorf("coalesce interval must be positive")
	}
	if c.ReplayBufferSize <= 0 {
		return fmt.Errorf("replay buffer size must be positive")
	}
	if c.CrashThreshold < 1 {
		return fmt.Errorf("crash threshold must be at least 1")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
