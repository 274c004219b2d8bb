package realtime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomworks/loom/pulse"
	"github.com/loomworks/loom/syncer"
)

// JobTypeReconnect is the pulse job type that (re)establishes the push
// channel. Running connection attempts through the scheduler gives them
// durable exponential backoff for free.
const JobTypeReconnect = "realtime.reconnect"

// reconnectKey serializes connection attempts on one lane.
const reconnectKey = "realtime"

// Availability is flipped as the channel comes and goes; the outbox
// implements it.
type Availability interface {
	SetAvailable(available bool)
}

// Channel owns the push connection lifecycle and routes pushed events.
type Channel struct {
	dialer     Dialer
	url        string
	token      string
	userID     string
	streams    []syncer.StreamKey
	scheduler  *pulse.Scheduler
	avail      Availability
	workspaces *syncer.WorkspaceStore
	logger     *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	conn Conn
}

// NewChannel creates a push channel for userID covering the given streams.
func NewChannel(dialer Dialer, url, token, userID string, streams []syncer.StreamKey,
	scheduler *pulse.Scheduler, avail Availability, workspaces *syncer.WorkspaceStore,
	logger *zap.SugaredLogger) *Channel {

	ctx, cancel := context.WithCancel(context.Background())
	return &Channel{
		dialer:     dialer,
		url:        url,
		token:      token,
		userID:     userID,
		streams:    streams,
		scheduler:  scheduler,
		avail:      avail,
		workspaces: workspaces,
		logger:     logger.Named("realtime"),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Type implements pulse.Handler.
func (c *Channel) Type() string { return JobTypeReconnect }

// Start schedules the first connection attempt. The channel's handler must
// already be registered with the scheduler.
func (c *Channel) Start() error {
	_, err := c.scheduler.Add(JobTypeReconnect, nil, reconnectKey)
	return err
}

// Stop closes the connection and waits for the read loop.
func (c *Channel) Stop() {
	c.cancel()
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.mu.Unlock()
	c.wg.Wait()
}

// Run implements pulse.Handler. One attempt dials the authority; on success
// the read loop takes over and the job completes, on failure the scheduler's
// default backoff drives the next attempt.
func (c *Channel) Run(ctx context.Context, job *pulse.Job) pulse.Outcome {
	select {
	case <-c.ctx.Done():
		return pulse.Cancel("channel stopped")
	default:
	}

	conn, err := c.dialer(ctx, c.url, c.token)
	if err != nil {
		c.logger.Warnw("Push channel dial failed", "attempt", job.Attempts+1, "error", err)
		return pulse.Retry(0)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.logger.Infow("Push channel connected")
	c.avail.SetAvailable(true)

	// Events between disconnect and now are gone; only a pull of every
	// stream closes the gap.
	c.catchUp()

	c.wg.Add(1)
	go c.readLoop(conn)

	return pulse.Success()
}

// readLoop consumes events until the connection dies, then flips
// availability and schedules a reconnect.
func (c *Channel) readLoop(conn Conn) {
	defer c.wg.Done()

	for {
		var event Event
		if err := conn.ReadJSON(&event); err != nil {
			conn.Close()
			c.mu.Lock()
			if c.conn == conn {
				c.conn = nil
			}
			c.mu.Unlock()

			c.avail.SetAvailable(false)

			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.logger.Warnw("Push channel lost, scheduling reconnect", "error", err)
			if _, err := c.scheduler.Add(JobTypeReconnect, nil, reconnectKey); err != nil {
				c.logger.Errorw("Failed to schedule reconnect", "error", err)
			}
			return
		}

		c.route(event)
	}
}

// route maps one pushed event to its local action.
func (c *Channel) route(event Event) {
	switch event.Type {
	case EventWorkspaceDeleted:
		// Self-contained: apply directly, no round trip.
		if event.WorkspaceID == "" {
			c.logger.Warnw("workspace_deleted event missing workspace id")
			return
		}
		if err := c.workspaces.Delete(event.WorkspaceID); err != nil {
			c.logger.Errorw("Failed to apply workspace deletion", "workspace_id", event.WorkspaceID, "error", err)
		}

	case EventEntityChanged:
		streamType := event.StreamType
		if streamType == "" {
			streamType = syncer.StreamTypeUpdateLog
		}
		c.pullStream(syncer.StreamKey{UserID: c.userID, Type: streamType, Params: event.StreamParams})

	case EventAccountUpdated:
		c.pullStream(syncer.StreamKey{UserID: c.userID, Type: syncer.StreamTypeWorkspace})

	default:
		c.logger.Debugw("Ignoring unknown push event", "type", event.Type)
	}
}

// pullStream wakes any parked periodic pull for the stream and enqueues a
// one-shot pull so the hint is acted on even when no periodic job exists.
func (c *Channel) pullStream(key syncer.StreamKey) {
	if err := c.scheduler.PullForward(key.ConcurrencyKey(), time.Now()); err != nil {
		c.logger.Warnw("Failed to wake periodic pull", "stream", key.String(), "error", err)
	}

	pending, err := c.scheduler.Store().ListPendingByKey(key.ConcurrencyKey())
	if err == nil && len(pending) > 0 {
		// A due pull already covers the hint.
		return
	}

	if err := syncer.EnqueuePull(c.scheduler, key); err != nil {
		c.logger.Warnw("Failed to enqueue pull", "stream", key.String(), "error", err)
	}
}

// catchUp enqueues a one-shot pull for every registered stream.
func (c *Channel) catchUp() {
	for _, key := range c.streams {
		c.pullStream(key)
	}
}
