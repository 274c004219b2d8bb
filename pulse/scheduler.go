package pulse

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/wake"
)

const (
	// dispatchBatch bounds how many due jobs one scan considers.
	dispatchBatch = 100

	// stopTimeout bounds how long Stop waits for in-flight handlers.
	stopTimeout = 30 * time.Second

	// fallbackMaxBackoff caps the default backoff when no cap is configured.
	// Unbounded doubling would eventually overflow into a negative duration
	// and turn a long-failing job's backoff into a hot loop.
	fallbackMaxBackoff = 5 * time.Minute
)

// SchedulerConfig contains configuration for the scheduler.
type SchedulerConfig struct {
	PollInterval    time.Duration  `json:"poll_interval"`     // fallback queue scan interval
	DefaultLimit    int            `json:"default_limit"`     // running jobs per concurrency key
	KeyLimits       map[string]int `json:"key_limits"`        // per-key overrides
	RetryBackoff    time.Duration  `json:"retry_backoff"`     // base default backoff
	MaxRetryBackoff time.Duration  `json:"max_retry_backoff"` // default backoff cap
	DispatchRate    float64        `json:"dispatch_rate"`     // handler starts per second, 0 = unlimited
}

// DefaultSchedulerConfig returns sensible defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		PollInterval:    5 * time.Second,
		DefaultLimit:    1,
		RetryBackoff:    5 * time.Second,
		MaxRetryBackoff: 5 * time.Minute,
		DispatchRate:    50,
	}
}

// Scheduler drains the durable job queue, executing registered handlers
// while enforcing per-concurrency-key running caps.
//
// One run loop scans for due pending jobs (woken by enqueues, freed slots
// and wake timers; the poll interval is only a safety net) and launches each
// eligible job on its own goroutine. Within one concurrency key attempts are
// strictly sequential; across keys jobs interleave freely.
type Scheduler struct {
	store     *Store
	registry  *Registry
	wake      *wake.Scheduler
	limiter   *rate.Limiter
	cfg       SchedulerConfig
	logger    *zap.SugaredLogger
	parentCtx context.Context
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	running map[string]int // concurrency key -> running count

	kick chan struct{}
}

// NewScheduler creates a scheduler with an empty handler registry.
// Callers must register handlers before calling Start().
func NewScheduler(db *sql.DB, waker *wake.Scheduler, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	return NewSchedulerWithContext(context.Background(), db, waker, cfg, logger)
}

// NewSchedulerWithContext creates a scheduler whose lifetime is bounded by a
// parent context. Useful for tests and shutdown coordination: cancelling the
// parent cancels the run loop and every in-flight handler.
func NewSchedulerWithContext(parent context.Context, db *sql.DB, waker *wake.Scheduler, cfg SchedulerConfig, logger *zap.SugaredLogger) *Scheduler {
	ctx, cancel := context.WithCancel(parent)

	var limiter *rate.Limiter
	if cfg.DispatchRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1)
	}

	return &Scheduler{
		store:     NewStore(db),
		registry:  NewRegistry(),
		wake:      waker,
		limiter:   limiter,
		cfg:       cfg,
		logger:    logger.Named("pulse"),
		parentCtx: parent,
		ctx:       ctx,
		cancel:    cancel,
		running:   make(map[string]int),
		kick:      make(chan struct{}, 1),
	}
}

// Registry returns the handler registry for startup-time registration.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// Store returns the underlying job store (status command, tests).
func (s *Scheduler) Store() *Store {
	return s.store
}

// Add enqueues a new job of jobType with the given payload and concurrency
// key, eligible to run immediately. The job type must have a registered
// handler.
func (s *Scheduler) Add(jobType string, payload json.RawMessage, concurrencyKey string) (*Job, error) {
	if !s.registry.Has(jobType) {
		return nil, errors.Newf("no handler registered for job type: %s", jobType)
	}

	job, err := NewJob(jobType, payload, concurrencyKey)
	if err != nil {
		return nil, err
	}

	if err := s.store.CreateJob(job); err != nil {
		return nil, errors.Wrapf(err, "failed to enqueue %s job", jobType)
	}

	s.logger.Debugw("Job enqueued",
		"job_id", job.ID,
		"type", job.Type,
		"concurrency_key", job.ConcurrencyKey,
	)

	s.kickLoop()
	return job, nil
}

// Start recovers orphaned jobs and begins the run loop.
func (s *Scheduler) Start() error {
	// A scheduler stopped once can be started again (tests do this);
	// recreate the context if the previous Stop cancelled it.
	select {
	case <-s.ctx.Done():
		s.ctx, s.cancel = context.WithCancel(s.parentCtx)
	default:
	}

	// Rows stuck in running mean the previous process died mid-handler.
	requeued, err := s.store.RequeueRunning()
	if err != nil {
		return errors.Wrap(err, "failed to recover orphaned jobs")
	}
	if requeued > 0 {
		s.logger.Infow("Recovered orphaned jobs from previous run", "count", requeued)
	}

	s.wg.Add(1)
	go s.run()

	s.logger.Infow("Scheduler started",
		"poll_interval", s.cfg.PollInterval,
		"default_limit", s.cfg.DefaultLimit,
	)
	return nil
}

// Stop cancels the run loop and waits for in-flight handlers, with a
// timeout so shutdown never blocks indefinitely.
func (s *Scheduler) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Infow("Scheduler stopped, all handlers exited cleanly")
	case <-time.After(stopTimeout):
		s.logger.Warnw("Scheduler stop timeout, handlers may still be finishing", "timeout", stopTimeout)
	}
}

// RunningByKey returns the in-memory running count for a concurrency key.
func (s *Scheduler) RunningByKey(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[key]
}

// PullForward moves every pending job under a concurrency key whose next
// run is later than at forward to at. The realtime channel uses this to run
// a periodic pull immediately when a push arrives mid-wait, instead of
// letting the backoff or poll interval elapse.
func (s *Scheduler) PullForward(key string, at time.Time) error {
	jobs, err := s.store.ListPendingByKey(key)
	if err != nil {
		return errors.Wrapf(err, "failed to pull forward jobs for key %s", key)
	}

	for _, job := range jobs {
		if !job.NextRunAt.After(at) {
			continue
		}
		job.NextRunAt = at
		job.UpdatedAt = time.Now()
		if err := s.store.UpdateJob(job); err != nil {
			return errors.Wrapf(err, "failed to pull forward job %s", job.ID)
		}
		s.wake.UpdateIfEarlier(wakeID(job.ID), at)
	}

	s.kickLoop()
	return nil
}

// run is the main dispatch loop.
func (s *Scheduler) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		case <-s.kick:
		}

		if err := s.dispatchDue(); err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			if errors.Is(err, sql.ErrConnDone) {
				// Database closed during shutdown
				return
			}
			s.logger.Errorw("Dispatch error", "error", err)
		}
	}
}

// dispatchDue scans for due pending jobs and launches every one whose
// concurrency lane has a free slot.
func (s *Scheduler) dispatchDue() error {
	jobs, err := s.store.ListDue(time.Now(), dispatchBatch)
	if err != nil {
		return errors.Wrap(err, "failed to list due jobs")
	}

	for _, job := range jobs {
		select {
		case <-s.ctx.Done():
			return nil
		default:
		}

		if !s.acquireSlot(job.ConcurrencyKey) {
			// Lane full. The job stays pending and is reconsidered when a
			// same-key job completes or its next_run_at elapses.
			continue
		}

		job.Start()
		if err := s.store.UpdateJob(job); err != nil {
			s.releaseSlot(job.ConcurrencyKey)
			return errors.Wrapf(err, "failed to mark job %s running", job.ID)
		}

		if s.limiter != nil {
			if err := s.limiter.Wait(s.ctx); err != nil {
				// Shutting down - put the job back so nothing is lost.
				job.Status = StatusPending
				job.UpdatedAt = time.Now()
				if updateErr := s.store.UpdateJob(job); updateErr != nil {
					s.logger.Errorw("Failed to re-queue job during shutdown", "job_id", job.ID, "error", updateErr)
				}
				s.releaseSlot(job.ConcurrencyKey)
				return nil
			}
		}

		s.wg.Add(1)
		go s.runJob(job)
	}

	return nil
}

// runJob executes one attempt and settles its outcome.
func (s *Scheduler) runJob(job *Job) {
	defer s.wg.Done()
	defer func() {
		s.releaseSlot(job.ConcurrencyKey)
		s.kickLoop() // a slot freed; same-key waiters may now be eligible
	}()

	outcome := s.execute(job)

	switch outcome.Kind() {
	case OutcomeSuccess:
		if err := s.store.DeleteJob(job.ID); err != nil {
			s.logger.Errorw("Failed to remove completed job", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Debugw("Job complete", "job_id", job.ID, "type", job.Type)

	case OutcomeCancel:
		if err := s.store.DeleteJob(job.ID); err != nil {
			s.logger.Errorw("Failed to remove cancelled job", "job_id", job.ID, "error", err)
			return
		}
		// Entity-gone cancellations are silent by design policy; debug only.
		s.logger.Debugw("Job cancelled", "job_id", job.ID, "type", job.Type, "reason", outcome.Reason())

	case OutcomeRetry:
		delay := outcome.Delay()
		if delay <= 0 {
			delay = s.defaultBackoff(job.Attempts + 1)
		}
		job.Rearm(delay)
		if err := s.store.UpdateJob(job); err != nil {
			s.logger.Errorw("Failed to re-arm job for retry", "job_id", job.ID, "error", err)
			return
		}
		s.logger.Infow("Job retry scheduled",
			"job_id", job.ID,
			"type", job.Type,
			"attempts", job.Attempts,
			"next_run_at", job.NextRunAt,
		)
		s.armWake(job)
	}
}

// execute runs the handler with panic containment. A panicking handler is
// retried with default backoff rather than dropped.
func (s *Scheduler) execute(job *Job) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Errorw("Handler panicked, treating as retry",
				"job_id", job.ID,
				"type", job.Type,
				"panic", r,
			)
			outcome = Retry(0)
		}
	}()

	handler := s.registry.Get(job.Type)
	if handler == nil {
		// Registration happens at startup; a missing handler can only mean
		// the job type was removed from this build. Retrying forever would
		// wedge the lane.
		s.logger.Errorw("No handler registered for job type, cancelling", "job_id", job.ID, "type", job.Type)
		return Cancel("no handler registered")
	}

	return handler.Run(s.ctx, job)
}

// armWake arms a wake timer for the job's next run so retries fire on time
// instead of waiting for the next poll.
func (s *Scheduler) armWake(job *Job) {
	id := wakeID(job.ID)
	ch, err := s.wake.SleepUntil(id, job.NextRunAt)
	if err != nil {
		// Already armed for this job - keep the earlier of the two.
		s.wake.UpdateIfEarlier(id, job.NextRunAt)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ch:
			s.kickLoop()
		case <-s.ctx.Done():
			s.wake.Cancel(id)
		}
	}()
}

func (s *Scheduler) acquireSlot(key string) bool {
	limit := s.cfg.DefaultLimit
	if limit <= 0 {
		limit = 1
	}
	if override, ok := s.cfg.KeyLimits[key]; ok {
		limit = override
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] >= limit {
		return false
	}
	s.running[key]++
	return true
}

func (s *Scheduler) releaseSlot(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running[key]--
	if s.running[key] <= 0 {
		delete(s.running, key)
	}
}

// defaultBackoff grows exponentially with the attempt count, capped.
func (s *Scheduler) defaultBackoff(attempts int) time.Duration {
	backoff := s.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	limit := s.cfg.MaxRetryBackoff
	if limit <= 0 {
		limit = fallbackMaxBackoff
	}
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= limit {
			return limit
		}
	}
	if backoff > limit {
		return limit
	}
	return backoff
}

func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func wakeID(jobID string) string {
	return "pulse:" + jobID
}
