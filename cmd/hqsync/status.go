package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	hqsync "github.com/hqcloud/hqsync/internal/sync"
	"github.com/hqcloud/hqsync/internal/workspace"
)

func init() {
	rootCmd.AddCommand(newStatusCmd())
}

// Offline view over the persisted sync state. A running daemon keeps the
// file fresh; without one this shows the last completed sync.
func newStatusCmd() *cobra.Command {
	var verbose bool

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show the tracked sync state for the HQ directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			userID := viper.GetString("user_id")
			hqDir := viper.GetString("hq_dir")
			if userID == "" || hqDir == "" {
				return fmt.Errorf("user_id and hq_dir required")
			}

			stateFile := filepath.Join(hqDir, workspace.StateFileName)
			state := hqsync.NewSyncState(stateFile, userID)
			if err := state.Load(); err != nil {
				return fmt.Errorf("load sync state: %w", err)
			}

			bold := color.New(color.Bold).SprintFunc()
			fmt.Printf("%s %s\n", bold("HQ dir:"), hqDir)
			fmt.Printf("%s %s\n", bold("User:"), userID)
			fmt.Printf("%s %d\n", bold("Tracked files:"), state.Len())
			if last := state.LastPollAt(); !last.IsZero() {
				fmt.Printf("%s %s (%s)\n", bold("Last poll:"), last.Format("2006-01-02 15:04:05"), humanize.Time(last))
			} else {
				fmt.Printf("%s never\n", bold("Last poll:"))
			}

			if verbose {
				entries := state.All()
				paths := make([]string, 0, len(entries))
				for rel := range entries {
					paths = append(paths, string(rel))
				}
				sort.Strings(paths)

				var total int64
				for _, rel := range paths {
					entry := entries[hqsync.RelPath(rel)]
					total += entry.Size
					fmt.Printf("  %-50s %10s  %s\n",
						rel, humanize.Bytes(uint64(entry.Size)), entry.ETag)
				}
				fmt.Printf("%s %s\n", bold("Total size:"), humanize.Bytes(uint64(total)))
			}
			return nil
		},
	}

	statusCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "List every tracked file")
	return statusCmd
}
