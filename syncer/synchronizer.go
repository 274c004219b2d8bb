package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/pulse"
)

// JobTypePull is the pulse job type for stream pulls.
const JobTypePull = "sync.pull"

// PullPayload is the payload of a sync.pull job. OneShot jobs complete after
// draining the stream; periodic jobs re-arm with the poll interval.
type PullPayload struct {
	UserID       string `json:"user_id"`
	StreamType   string `json:"stream_type"`
	StreamParams string `json:"stream_params,omitempty"`
	OneShot      bool   `json:"one_shot,omitempty"`
}

// Key returns the stream key the payload addresses.
func (p PullPayload) Key() StreamKey {
	return StreamKey{UserID: p.UserID, Type: p.StreamType, Params: p.StreamParams}
}

// Synchronizer drives cursor-based pulls for all registered streams.
type Synchronizer struct {
	db        *sql.DB
	cursors   *CursorStore
	appliers  *ApplierRegistry
	puller    Puller
	batchSize int
	logger    *zap.SugaredLogger
}

// NewSynchronizer creates a synchronizer. Appliers are registered on the
// returned value's Appliers() before the first pull runs.
func NewSynchronizer(db *sql.DB, puller Puller, batchSize int, logger *zap.SugaredLogger) *Synchronizer {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Synchronizer{
		db:        db,
		cursors:   NewCursorStore(db),
		appliers:  NewApplierRegistry(),
		puller:    puller,
		batchSize: batchSize,
		logger:    logger.Named("syncer"),
	}
}

// Appliers returns the applier registry for startup-time registration.
func (s *Synchronizer) Appliers() *ApplierRegistry {
	return s.appliers
}

// Cursors returns the cursor store (status command, resync).
func (s *Synchronizer) Cursors() *CursorStore {
	return s.cursors
}

// RunStream pulls one stream until it is drained. Each batch's items are
// applied in cursor order and the cursor advanced in one transaction; a
// full batch loops immediately, a partial batch means the stream is drained
// for now.
func (s *Synchronizer) RunStream(ctx context.Context, key StreamKey) error {
	applier := s.appliers.Get(key.Type)
	if applier == nil {
		return errors.Newf("no applier registered for stream type %s", key.Type)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		cursor, err := s.cursors.Get(key)
		if err != nil {
			return err
		}

		batch, err := s.puller.Pull(ctx, PullRequest{Key: key, After: cursor, Limit: s.batchSize})
		if err != nil {
			return errors.Wrapf(err, "pull failed for stream %s", key)
		}
		if len(batch.Items) == 0 {
			return nil
		}

		if err := s.applyBatch(key, applier, cursor, batch.Items); err != nil {
			return errors.Wrapf(err, "failed to apply batch for stream %s", key)
		}

		s.logger.Debugw("Applied sync batch",
			"stream", key.String(),
			"items", len(batch.Items),
			"cursor", batch.Items[len(batch.Items)-1].Cursor,
		)

		if !batch.HasMore && len(batch.Items) < s.batchSize {
			return nil
		}
	}
}

// applyBatch applies items and advances the cursor atomically. If anything
// fails, the transaction rolls back and the cursor stays put; the whole
// batch is redelivered on the next pull and the appliers' idempotence
// absorbs the overlap.
func (s *Synchronizer) applyBatch(key StreamKey, applier Applier, after string, items []Item) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin batch transaction")
	}
	defer tx.Rollback()

	for _, item := range items {
		if err := applier.Apply(tx, item); err != nil {
			return errors.Wrapf(err, "failed to apply item at cursor %s", item.Cursor)
		}
	}

	if err := s.cursors.AdvanceTx(tx, key, after, items[len(items)-1].Cursor); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit batch")
	}
	return nil
}

// PullHandler is the pulse handler executing sync.pull jobs.
type PullHandler struct {
	sync         *Synchronizer
	pollInterval time.Duration
	logger       *zap.SugaredLogger
}

// NewPullHandler creates the sync.pull handler. Periodic jobs re-arm with
// pollInterval after a successful drain.
func NewPullHandler(sync *Synchronizer, pollInterval time.Duration, logger *zap.SugaredLogger) *PullHandler {
	return &PullHandler{
		sync:         sync,
		pollInterval: pollInterval,
		logger:       logger.Named("sync.pull"),
	}
}

// Type implements pulse.Handler.
func (h *PullHandler) Type() string { return JobTypePull }

// Run implements pulse.Handler.
func (h *PullHandler) Run(ctx context.Context, job *pulse.Job) pulse.Outcome {
	var payload PullPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		// A malformed payload never becomes well-formed; retrying would
		// wedge the lane forever.
		h.logger.Errorw("Malformed pull payload, cancelling", "job_id", job.ID, "error", err)
		return pulse.Cancel("malformed payload")
	}

	if err := h.sync.RunStream(ctx, payload.Key()); err != nil {
		if errors.HasAssertionFailure(err) {
			// Cursor regression or similar internal inconsistency. Surface
			// loudly; retrying cannot help until a resync.
			h.logger.Errorw("Sync invariant violated", "stream", payload.Key().String(), "error", err)
			return pulse.Cancel("sync invariant violated")
		}
		h.logger.Warnw("Pull attempt failed",
			"stream", payload.Key().String(),
			"transient", errors.IsTransient(err),
			"error", err,
		)
		return pulse.OutcomeFromError(err)
	}

	if payload.OneShot {
		return pulse.Success()
	}
	return pulse.Retry(h.pollInterval)
}

// EnqueuePull adds a one-shot pull job for key, serialized with any
// periodic job for the same stream.
func EnqueuePull(scheduler *pulse.Scheduler, key StreamKey) error {
	payload, err := json.Marshal(PullPayload{
		UserID:       key.UserID,
		StreamType:   key.Type,
		StreamParams: key.Params,
		OneShot:      true,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode pull payload")
	}
	_, err = scheduler.Add(JobTypePull, payload, key.ConcurrencyKey())
	return err
}

// EnsurePeriodicPull enqueues the stream's periodic pull job unless one is
// already pending or running. Called at startup for every configured
// stream.
func EnsurePeriodicPull(scheduler *pulse.Scheduler, key StreamKey) error {
	pending, err := scheduler.Store().ListPendingByKey(key.ConcurrencyKey())
	if err != nil {
		return err
	}
	running, err := scheduler.Store().CountRunningByKey(key.ConcurrencyKey())
	if err != nil {
		return err
	}
	for _, job := range pending {
		if job.Type == JobTypePull {
			return nil
		}
	}
	if running > 0 {
		return nil
	}

	payload, err := json.Marshal(PullPayload{
		UserID:       key.UserID,
		StreamType:   key.Type,
		StreamParams: key.Params,
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode pull payload")
	}
	_, err = scheduler.Add(JobTypePull, payload, key.ConcurrencyKey())
	return err
}
