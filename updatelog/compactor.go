package updatelog

import (
	"context"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/pulse"
)

// JobTypeCompact is the pulse job type for periodic compaction sweeps.
const JobTypeCompact = "updatelog.compact"

// CompactKey serializes all compaction under one concurrency lane.
const CompactKey = "updatelog.compact"

// FloorFunc reports the lowest revision an in-flight consumer may still
// request for an entity. Entries at or above the floor are never compacted.
type FloorFunc func(entityID string) (int64, error)

// Compactor is the pulse handler that sweeps entities whose entry count has
// crossed the threshold and compacts their settled prefix.
//
// The job re-arms itself with a fixed delay, making the sweep periodic
// without a separate ticker.
type Compactor struct {
	store     *Store
	threshold int
	interval  time.Duration
	floor     FloorFunc
	logger    *zap.SugaredLogger
}

// NewCompactor creates the compaction handler. A nil floor means no
// consumer tracks in-flight revisions and whole logs may be compacted.
func NewCompactor(store *Store, threshold int, interval time.Duration, floor FloorFunc, logger *zap.SugaredLogger) *Compactor {
	if threshold < 2 {
		threshold = 2
	}
	return &Compactor{
		store:     store,
		threshold: threshold,
		interval:  interval,
		floor:     floor,
		logger:    logger.Named("compactor"),
	}
}

// Type implements pulse.Handler.
func (c *Compactor) Type() string { return JobTypeCompact }

// Run implements pulse.Handler.
func (c *Compactor) Run(ctx context.Context, job *pulse.Job) pulse.Outcome {
	entities, err := c.store.EntitiesNeedingCompaction(c.threshold)
	if err != nil {
		c.logger.Errorw("Compaction sweep failed to list entities", "error", err)
		return pulse.Retry(0)
	}

	for _, entityID := range entities {
		select {
		case <-ctx.Done():
			return pulse.Retry(c.interval)
		default:
		}

		floor := int64(math.MaxInt64)
		if c.floor != nil {
			floor, err = c.floor(entityID)
			if err != nil {
				c.logger.Warnw("Skipping entity, revision floor unavailable",
					"entity_id", entityID, "error", err)
				continue
			}
		}

		replacement, err := c.store.Compact(entityID, floor)
		if err != nil {
			// An assertion failure means the merge engine produced a
			// different state; the transaction already rolled back. Log loud
			// and move on rather than wedging the sweep.
			c.logger.Errorw("Compaction failed",
				"entity_id", entityID,
				"assertion", errors.HasAssertionFailure(err),
				"error", err,
			)
			continue
		}
		if replacement != nil {
			c.logger.Infow("Compacted entity log",
				"entity_id", entityID,
				"subsumed", replacement.MergedCount,
			)
		}
	}

	return pulse.Retry(c.interval)
}
