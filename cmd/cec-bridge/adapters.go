package main

import (
	"encoding/json"
	"fmt"

	"cecbridge/internal/cec"
	"cecbridge/internal/clock"
	"cecbridge/internal/daemon"

	"github.com/spf13/cobra"
)

// NewAdaptersCommand creates the adapters command, which lists the
// adapters the daemon can see and exits.
func NewAdaptersCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "adapters",
		Short:         "List detected CEC adapters",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(rootOpts)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			cfg, err := loadConfig(rootOpts, logger)
			if err != nil {
				return err
			}

			client := daemon.NewClient(cfg.Daemon.URL, cfg.Daemon.Token, clock.NewRealClock(), logger)
			ctx, err := cec.Bootstrap(client, cfg.Engine, cec.Options{DetectCapacity: cfg.DetectCapacity}, logger)
			if err != nil {
				return err
			}
			defer ctx.Close()

			adapters, err := ctx.ListAdapters()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(adapters)
			}

			if len(adapters) == 0 {
				fmt.Fprintln(out, "No adapters found")
				return nil
			}
			for i, a := range adapters {
				fmt.Fprintf(out, "%d: %s\n", i, a)
			}
			return nil
		},
	}
}
