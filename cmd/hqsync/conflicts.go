package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hqsync "github.com/hqcloud/hqsync/internal/sync"
)

func init() {
	rootCmd.AddCommand(newConflictsCmd())
}

// Reads the persisted conflict log. Only useful when conflict.log_path is
// configured; the in-memory default dies with the daemon.
func newConflictsCmd() *cobra.Command {
	var limit int
	var statusFilter string

	conflictsCmd := &cobra.Command{
		Use:   "conflicts",
		Short: "List recorded sync conflicts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			logPath := viper.GetString("conflict.log_path")
			if logPath == "" {
				return fmt.Errorf("conflict.log_path not configured, no persistent conflict history")
			}

			log, err := hqsync.NewConflictLog(logPath, 0)
			if err != nil {
				return err
			}
			defer log.Close()

			var conflicts []*hqsync.SyncConflict
			if statusFilter != "" {
				conflicts, err = log.ByStatus(hqsync.ConflictStatus(statusFilter))
			} else {
				conflicts, err = log.Recent(limit)
			}
			if err != nil {
				return err
			}
			if len(conflicts) == 0 {
				fmt.Println("no conflicts recorded")
				return nil
			}

			yellow := color.New(color.FgHiYellow).SprintFunc()
			green := color.New(color.FgHiGreen).SprintFunc()
			for _, c := range conflicts {
				badge := green(string(c.Status))
				if c.Status != hqsync.ConflictResolved {
					badge = yellow(string(c.Status))
				}
				fmt.Printf("%s  %-40s %-12s %s\n",
					badge, c.Path, c.Strategy, humanize.Time(c.DetectedAt))
				if c.ConflictFilePath != "" {
					fmt.Printf("          kept local copy at %s\n", c.ConflictFilePath)
				}
			}
			return nil
		},
	}

	conflictsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Max conflicts to show")
	conflictsCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (detected|resolved|deferred)")
	return conflictsCmd
}
