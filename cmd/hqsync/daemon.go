package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hqcloud/hqsync/internal/version"
)

func init() {
	rootCmd.AddCommand(newDaemonCmd())
}

func newDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the sync engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			showHeader()
			slog.Info("hqsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

			engine, err := buildEngine(cmd.Context())
			if err != nil {
				return err
			}
			if err := engine.Start(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("engine start", "error", err)
				return err
			}

			<-cmd.Context().Done()
			defer slog.Info("Bye!")
			return engine.Stop()
		},
	}
}
