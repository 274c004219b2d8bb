// Package commands holds the loom CLI commands.
package commands

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/config"
	"github.com/loomworks/loom/db"
	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/httpclient"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/outbox"
	"github.com/loomworks/loom/pulse"
	"github.com/loomworks/loom/realtime"
	"github.com/loomworks/loom/syncer"
	"github.com/loomworks/loom/updatelog"
	"github.com/loomworks/loom/wake"
)

// ConfigPathFlag is set by the root command's --config flag.
var ConfigPathFlag string

func loadConfig() (*config.Config, error) {
	if ConfigPathFlag != "" {
		return config.LoadFromFile(ConfigPathFlag)
	}
	return config.Load()
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	database, err := db.Open(cfg.Database.Path, logger.Logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(database, logger.Logger); err != nil {
		database.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}
	return database, nil
}

// engine wires every component of the sync engine together. Commands pick
// the parts they need; serve runs all of them.
type engine struct {
	db        *sql.DB
	scheduler *pulse.Scheduler
	sync      *syncer.Synchronizer
	outbox    *outbox.Outbox
	channel   *realtime.Channel
	updates   *updatelog.Store
	cfg       *config.Config
}

func buildEngine(cfg *config.Config) (*engine, error) {
	database, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}

	log := logger.Logger
	client := httpclient.NewSaferClient(time.Duration(cfg.Authority.TimeoutSeconds) * time.Second)

	scheduler := pulse.NewScheduler(database, wake.New(), pulse.SchedulerConfig{
		PollInterval:    cfg.Pulse.PollInterval(),
		DefaultLimit:    cfg.Pulse.DefaultLimit,
		RetryBackoff:    cfg.Pulse.RetryBackoff(),
		MaxRetryBackoff: cfg.Pulse.MaxRetryBackoff(),
		DispatchRate:    cfg.Pulse.DispatchPerSecond,
	}, log)

	updates := updatelog.NewStore(database, log)
	workspaces := syncer.NewWorkspaceStore(database)

	puller := syncer.NewHTTPPuller(client, cfg.Authority.BaseURL, cfg.Authority.Token)
	sync := syncer.NewSynchronizer(database, puller, cfg.Sync.BatchSize, log)
	sync.Appliers().Register(syncer.NewUpdateLogApplier(updates))
	sync.Appliers().Register(syncer.NewWorkspaceApplier(workspaces))

	submitter := outbox.NewHTTPSubmitter(client, cfg.Authority.BaseURL, cfg.Authority.Token)
	box := outbox.New(database, submitter, scheduler, cfg.Outbox.RetryDelay(), cfg.Outbox.MaxBatch, log)

	channel := realtime.NewChannel(
		realtime.DialWebSocket,
		cfg.Authority.WebSocketURL,
		cfg.Authority.Token,
		cfg.Sync.UserID,
		streamKeys(cfg),
		scheduler,
		box,
		workspaces,
		log,
	)

	compactor := updatelog.NewCompactor(
		updates,
		cfg.UpdateLog.CompactionThreshold,
		5*time.Minute,
		nil,
		log,
	)

	scheduler.Registry().Register(syncer.NewPullHandler(sync, cfg.Pulse.PollInterval(), log))
	scheduler.Registry().Register(box)
	scheduler.Registry().Register(channel)
	scheduler.Registry().Register(compactor)

	return &engine{
		db:        database,
		scheduler: scheduler,
		sync:      sync,
		outbox:    box,
		channel:   channel,
		updates:   updates,
		cfg:       cfg,
	}, nil
}

func (e *engine) Close() {
	e.db.Close()
}

func streamKeys(cfg *config.Config) []syncer.StreamKey {
	keys := make([]syncer.StreamKey, 0, len(cfg.Sync.Streams))
	for _, stream := range cfg.Sync.Streams {
		keys = append(keys, syncer.StreamKey{
			UserID: cfg.Sync.UserID,
			Type:   stream.Type,
			Params: stream.Params,
		})
	}
	return keys
}
