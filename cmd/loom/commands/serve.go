package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/pulse"
	"github.com/loomworks/loom/syncer"
	"github.com/loomworks/loom/updatelog"
)

// ServeCmd runs the full engine until interrupted.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Loom engine",
	Long: `Run the full Loom engine: job scheduler, periodic stream pulls,
outbox delivery and the realtime push channel. Runs until SIGINT/SIGTERM.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	if cfg.Sync.UserID == "" {
		return errors.New("sync.user_id must be configured")
	}

	eng, err := buildEngine(cfg)
	if err != nil {
		return err
	}
	defer eng.Close()

	if err := eng.scheduler.Start(); err != nil {
		return errors.Wrap(err, "failed to start scheduler")
	}
	defer eng.scheduler.Stop()

	for _, key := range streamKeys(cfg) {
		if err := syncer.EnsurePeriodicPull(eng.scheduler, key); err != nil {
			return errors.Wrapf(err, "failed to schedule pulls for stream %s", key)
		}
	}

	if err := ensureCompactionJob(eng.scheduler); err != nil {
		return errors.Wrap(err, "failed to schedule compaction")
	}

	// Mutations written while the process was down still need delivering.
	if err := eng.outbox.KickPending(); err != nil {
		return errors.Wrap(err, "failed to schedule outbox delivery")
	}

	if err := eng.channel.Start(); err != nil {
		return errors.Wrap(err, "failed to start push channel")
	}
	defer eng.channel.Stop()

	logger.Logger.Infow("Loom engine running",
		"user_id", cfg.Sync.UserID,
		"streams", len(cfg.Sync.Streams),
		"authority", cfg.Authority.BaseURL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	fmt.Printf("\nReceived %s, shutting down\n", sig)
	return nil
}

// ensureCompactionJob enqueues the periodic compaction sweep unless one is
// already queued or running.
func ensureCompactionJob(scheduler *pulse.Scheduler) error {
	pending, err := scheduler.Store().ListPendingByKey(updatelog.CompactKey)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if job.Type == updatelog.JobTypeCompact {
			return nil
		}
	}
	running, err := scheduler.Store().CountRunningByKey(updatelog.CompactKey)
	if err != nil {
		return err
	}
	if running > 0 {
		return nil
	}

	_, err = scheduler.Add(updatelog.JobTypeCompact, json.RawMessage(nil), updatelog.CompactKey)
	return err
}
