package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync round",
	Long: `Run a single sync round against the configured feed.

On the first run the replica is loaded in full. Later runs consult the
change-event feed and resync only the kinds that changed.`,
	Run: func(cmd *cobra.Command, args []string) {
		logger := newLogger("[sync] ")
		eng, err := buildEngine(logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.Close()

		res, err := eng.syncer.Sync(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Sync failed: %v\n", err)
			os.Exit(1)
		}
		if res == nil {
			fmt.Println("Sync already in progress; waited for it to finish")
			return
		}

		if res.FirstSync {
			fmt.Printf("First sync complete in %v\n", res.Duration.Round(time.Millisecond))
		} else {
			fmt.Printf("Sync complete in %v (%d events, %d deletes)\n",
				res.Duration.Round(time.Millisecond), res.Events, res.Deletes)
		}
		for kind, n := range res.Synced {
			fmt.Printf("   %s: %d records\n", kind, n)
		}
		fmt.Printf("   Watermark: %s\n", res.Watermark.Format(time.RFC3339))
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
