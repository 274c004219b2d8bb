package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/outbox"
	"github.com/loomworks/loom/pulse"
	"github.com/loomworks/loom/syncer"
)

// StatusCmd shows the engine's durable state.
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show job queue, outbox and cursor state",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}

	database, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer database.Close()

	fmt.Printf("Loom Status\n")
	fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	fmt.Printf("Authority: %s\n", cfg.Authority.BaseURL)
	fmt.Printf("User:      %s\n\n", cfg.Sync.UserID)

	jobCounts, err := pulse.NewStore(database).CountByStatus()
	if err != nil {
		return err
	}
	fmt.Printf("Jobs:      %d pending, %d running\n",
		jobCounts[pulse.StatusPending], jobCounts[pulse.StatusRunning])

	if cfg.Sync.UserID != "" {
		outboxCounts, err := outbox.NewStore(database).CountByStatus(cfg.Sync.UserID)
		if err != nil {
			return err
		}
		fmt.Printf("Outbox:    %d pending, %d failed\n",
			outboxCounts[outbox.StatusPending], outboxCounts[outbox.StatusFailed])
	}

	fmt.Println()
	cursors := syncer.NewCursorStore(database)
	for _, key := range streamKeys(cfg) {
		cursor, err := cursors.Get(key)
		if err != nil {
			return err
		}
		if cursor == "" {
			cursor = "(not yet pulled)"
		}
		fmt.Printf("Stream %-30s cursor %s\n", key.String(), cursor)
	}

	workspaces, err := syncer.NewWorkspaceStore(database).List()
	if err != nil {
		return err
	}
	if len(workspaces) > 0 {
		fmt.Println()
		fmt.Printf("Workspaces (%d):\n", len(workspaces))
		for _, ws := range workspaces {
			fmt.Printf("  %-20s %-24s %s\n", ws.ID, ws.Name, ws.Role)
		}
	}

	return nil
}
