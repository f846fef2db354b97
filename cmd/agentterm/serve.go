package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentterm/agentterm/internal/config"
	"github.com/agentterm/agentterm/internal/logging"
	"github.com/agentterm/agentterm/internal/supervisor"
)

// newServeCommand runs the supervisor. It spawns the broker as a child,
// respawns it when the child exits with the restart code, and applies the
// crash circuit breaker otherwise.
func newServeCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agentterm server under supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.Setup(cfg.Verbosity)
			if err := cfg.Validate(); err != nil {
				return err
			}

			forward := brokerArgs(os.Args[1:])
			sup := supervisor.New(cfg.CrashWindow, cfg.CrashThreshold, func() (supervisor.Child, error) {
				return supervisor.SpawnBroker(forward)
			})

			shutdown := make(chan os.Signal, 1)
			signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

			os.Exit(sup.Run(shutdown))
			return nil
		},
	}
}

// brokerArgs drops the serve subcommand from the argument list so the
// remaining flags can be handed to the broker child as-is.
func brokerArgs(args []string) []string {
	out := make([]string, 0, len(args))
	stripped := false
	for _, a := range args {
		if !stripped && a == "serve" {
			stripped = true
			continue
		}
		out = append(out, a)
	}
	return out
}
