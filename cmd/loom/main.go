package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/cmd/loom/commands"
	"github.com/loomworks/loom/logger"
)

var jsonLogFlag bool

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Loom - local-first collaboration client engine",
	Long: `Loom keeps a local SQLite replica converging with a central authority.

It pulls stream batches behind durable cursors, delivers local mutations
through an ordered outbox, folds edits through a CRDT update log, and
listens on a realtime push channel to react to remote changes immediately.

Available commands:
  serve   - Run the full engine (scheduler, sync streams, outbox, push channel)
  sync    - Pull every configured stream once and exit
  resync  - Reset a stream cursor so the next pull starts from the beginning
  status  - Show job queue, outbox and cursor state

Examples:
  loom serve                        # Run until interrupted
  loom sync                         # One-shot pull of all streams
  loom resync update_log            # Rewind the update_log stream
  loom status                       # Inspect local engine state`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logger.Initialize(jsonLogFlag); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&jsonLogFlag, "json", false, "Emit JSON logs instead of console output")
	rootCmd.PersistentFlags().StringVar(&commands.ConfigPathFlag, "config", "", "Path to a loom.toml (default: ./loom.toml, env LOOM_*)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.SyncCmd)
	rootCmd.AddCommand(commands.ResyncCmd)
	rootCmd.AddCommand(commands.StatusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
