package main

import (
	"github.com/spf13/cobra"

	"github.com/agentterm/agentterm/internal/config"
)

// newRootCommand builds the CLI. All flags are persistent so the supervisor
// can forward them verbatim to the hidden broker subcommand.
func newRootCommand() *cobra.Command {
	cfg := config.Default()

	root := &cobra.Command{
		Use:          "agentterm",
		Short:        "Browser-driven terminal sessions for agent CLIs",
		Long:         "agentterm serves PTY-backed agent CLI sessions (claude, codex, copilot, gemini, or a plain shell) to browser clients over WebSocket, with durable sessions and a supervising parent process.",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Port, "port", cfg.Port, "HTTP/WebSocket listen port")
	flags.StringVar(&cfg.BaseFolder, "base-folder", cfg.BaseFolder, "directory bounding session working directories and uploads")
	flags.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "sqlite file persisting session identity across restarts")
	flags.StringVar(&cfg.RecordingDir, "recording-dir", cfg.RecordingDir, "directory for asciinema session transcripts (empty disables recording)")
	flags.BoolVar(&cfg.DangerousMode, "dangerous", cfg.DangerousMode, "allow tools to skip permission prompts when a start request opts in")
	flags.DurationVar(&cfg.CoalesceInterval, "coalesce-interval", cfg.CoalesceInterval, "output flush interval")
	flags.IntVar(&cfg.FlowHighWater, "flow-high-water", cfg.FlowHighWater, "unacked output frames before pausing a connection")
	flags.IntVar(&cfg.FlowLowWater, "flow-low-water", cfg.FlowLowWater, "unacked output frames below which a paused connection resumes")
	flags.IntVar(&cfg.ReplayBufferSize, "replay-buffer", cfg.ReplayBufferSize, "per-session replay buffer capacity in bytes")
	flags.DurationVar(&cfg.CrashWindow, "crash-window", cfg.CrashWindow, "trailing window for the supervisor circuit breaker")
	flags.IntVar(&cfg.CrashThreshold, "crash-threshold", cfg.CrashThreshold, "crashes within the window that trip the circuit breaker")
	flags.CountVarP(&cfg.Verbosity, "verbose", "v", "more output, repeat for even more")

	root.AddCommand(
		newServeCommand(cfg),
		newBrokerCommand(cfg),
	)
	return root
}
