package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/pulse"
)

// JobTypeSync is the pulse job type draining one user's outbox.
const JobTypeSync = "outbox.sync"

// syncPayload carries the user whose outbox the job drains. The job's
// concurrency key is the user id, so one user's mutations are delivered
// strictly in order while different users proceed in parallel.
type syncPayload struct {
	UserID string `json:"user_id"`
}

// Outbox owns mutation enqueueing and delivery.
type Outbox struct {
	store      *Store
	submitter  Submitter
	scheduler  *pulse.Scheduler
	notifier   *Notifier
	available  atomic.Bool
	retryDelay time.Duration
	maxBatch   int
	logger     *zap.SugaredLogger
}

// New creates an outbox. The authority starts out assumed reachable; the
// realtime channel flips the flag as the connection comes and goes.
func New(db *sql.DB, submitter Submitter, scheduler *pulse.Scheduler, retryDelay time.Duration, maxBatch int, logger *zap.SugaredLogger) *Outbox {
	if maxBatch <= 0 {
		maxBatch = 50
	}
	o := &Outbox{
		store:      NewStore(db),
		submitter:  submitter,
		scheduler:  scheduler,
		notifier:   NewNotifier(),
		retryDelay: retryDelay,
		maxBatch:   maxBatch,
		logger:     logger.Named("outbox"),
	}
	o.available.Store(true)
	return o
}

// Store returns the mutation store (status command, tests).
func (o *Outbox) Store() *Store {
	return o.store
}

// Notifier returns the rejection notifier for subscription.
func (o *Outbox) Notifier() *Notifier {
	return o.notifier
}

// Type implements pulse.Handler.
func (o *Outbox) Type() string { return JobTypeSync }

// Enqueue stores a mutation durably, then ensures a delivery job exists for
// the user. Durability comes first: once Enqueue returns, the mutation
// survives a crash even if the job was never created, because startup
// re-enqueues delivery for every user with pending rows.
func (o *Outbox) Enqueue(userID, mutationType string, payload json.RawMessage) (*Mutation, error) {
	m, err := NewMutation(userID, mutationType, payload)
	if err != nil {
		return nil, err
	}
	if err := o.store.Enqueue(m); err != nil {
		return nil, err
	}

	if err := o.ensureSyncJob(userID); err != nil {
		// The mutation is safe on disk; delivery will catch up via the next
		// kick or restart.
		o.logger.Warnw("Failed to schedule outbox delivery", "user_id", userID, "error", err)
	}
	return m, nil
}

// SetAvailable flips the authority-reachable flag. Turning reachable kicks
// delivery for every user with pending mutations.
func (o *Outbox) SetAvailable(available bool) {
	was := o.available.Swap(available)
	if was == available {
		return
	}
	o.logger.Infow("Authority availability changed", "available", available)

	if available {
		if err := o.KickPending(); err != nil {
			o.logger.Warnw("Failed to kick pending deliveries", "error", err)
		}
	}
}

// Available reports the authority-reachable flag.
func (o *Outbox) Available() bool {
	return o.available.Load()
}

// KickPending ensures a delivery job exists for every user with pending
// mutations. Called at startup and when the authority becomes reachable.
func (o *Outbox) KickPending() error {
	users, err := o.store.UsersWithPending()
	if err != nil {
		return err
	}
	for _, userID := range users {
		if err := o.ensureSyncJob(userID); err != nil {
			return err
		}
	}
	return nil
}

// Run implements pulse.Handler. It drains the user's outbox in creation
// order, batch by batch, until empty or interrupted.
func (o *Outbox) Run(ctx context.Context, job *pulse.Job) pulse.Outcome {
	var payload syncPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		o.logger.Errorw("Malformed outbox payload, cancelling", "job_id", job.ID, "error", err)
		return pulse.Cancel("malformed payload")
	}

	for {
		select {
		case <-ctx.Done():
			return pulse.Retry(0)
		default:
		}

		// Known-unreachable short-circuits before any network I/O.
		if !o.available.Load() {
			return pulse.Retry(o.retryDelay)
		}

		batch, err := o.store.ListPending(payload.UserID, o.maxBatch)
		if err != nil {
			o.logger.Errorw("Failed to read outbox", "user_id", payload.UserID, "error", err)
			return pulse.Retry(0)
		}
		if len(batch) == 0 {
			return pulse.Success()
		}

		receipt, err := o.submitter.Submit(ctx, payload.UserID, batch)
		if err != nil {
			if errors.IsRejected(err) {
				// Whole-batch rejection is terminal: fail every mutation in
				// it and keep draining whatever was enqueued after.
				o.logger.Errorw("Mutation batch rejected wholesale",
					"user_id", payload.UserID,
					"batch", len(batch),
					"error", err,
				)
				for _, m := range batch {
					if markErr := o.store.MarkFailed(m.ID, err.Error()); markErr != nil {
						return pulse.Retry(0)
					}
					o.notifier.Publish(Rejection{ID: m.ID, Reason: err.Error()})
				}
				continue
			}

			ids := make([]string, len(batch))
			for i, m := range batch {
				ids[i] = m.ID
			}
			if bumpErr := o.store.BumpRetries(ids); bumpErr != nil {
				o.logger.Warnw("Failed to record retry attempt", "error", bumpErr)
			}
			o.logger.Warnw("Mutation submission failed",
				"user_id", payload.UserID,
				"batch", len(batch),
				"transient", errors.IsTransient(err),
				"error", err,
			)
			if errors.IsTransient(err) {
				return pulse.Retry(o.retryDelay)
			}
			return pulse.Retry(0)
		}

		if err := o.settle(receipt); err != nil {
			o.logger.Errorw("Failed to settle submission receipt", "error", err)
			return pulse.Retry(0)
		}
	}
}

// settle applies a receipt: acknowledged mutations leave the outbox,
// rejected ones are marked failed and surfaced. One rejection does not stop
// the rest of the batch from settling.
func (o *Outbox) settle(receipt *Receipt) error {
	for _, id := range receipt.Accepted {
		if err := o.store.Delete(id); err != nil && !errors.IsNotFound(err) {
			return err
		}
	}
	for _, rejection := range receipt.Rejected {
		if err := o.store.MarkFailed(rejection.ID, rejection.Reason); err != nil {
			return err
		}
		o.logger.Warnw("Mutation rejected by authority",
			"mutation_id", rejection.ID,
			"reason", rejection.Reason,
		)
		o.notifier.Publish(rejection)
	}
	return nil
}

// ensureSyncJob enqueues a delivery job for userID unless one is already
// pending or running.
func (o *Outbox) ensureSyncJob(userID string) error {
	pending, err := o.scheduler.Store().ListPendingByKey(userID)
	if err != nil {
		return err
	}
	for _, job := range pending {
		if job.Type == JobTypeSync {
			// A waiting job will see the new mutation; pull it forward in
			// case it is parked on a backoff.
			return o.scheduler.PullForward(userID, time.Now())
		}
	}
	running, err := o.scheduler.Store().CountRunningByKey(userID)
	if err != nil {
		return err
	}
	if running > 0 {
		return nil
	}

	payload, err := json.Marshal(syncPayload{UserID: userID})
	if err != nil {
		return errors.Wrap(err, "failed to encode outbox payload")
	}
	_, err = o.scheduler.Add(JobTypeSync, payload, userID)
	return err
}
