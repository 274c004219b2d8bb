package syncer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/testutil"
	"github.com/loomworks/loom/logger"
	"github.com/loomworks/loom/pulse"
	"github.com/loomworks/loom/updatelog"
)

// fakePuller serves canned batches keyed by the after-cursor.
type fakePuller struct {
	batches map[string]*Batch
	pulls   int
	err     error
}

func (p *fakePuller) Pull(ctx context.Context, req PullRequest) (*Batch, error) {
	p.pulls++
	if p.err != nil {
		return nil, p.err
	}
	if batch, ok := p.batches[req.After]; ok {
		return batch, nil
	}
	return &Batch{}, nil
}

func entryItem(t *testing.T, cursor, entityID string, revision int64, value string, ts int64) Item {
	t.Helper()
	entry := updatelog.Entry{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Revision:  revision,
		Delta:     updatelog.Delta{"x": {Value: json.RawMessage(value), TS: ts, Author: "remote"}},
		CreatedAt: time.Now(),
		CreatedBy: "remote",
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	return Item{Cursor: cursor, Data: data}
}

func newTestSync(t *testing.T, db *sql.DB, puller Puller, batchSize int) *Synchronizer {
	t.Helper()
	s := NewSynchronizer(db, puller, batchSize, logger.Logger)
	s.Appliers().Register(NewUpdateLogApplier(updatelog.NewStore(db, logger.Logger)))
	s.Appliers().Register(NewWorkspaceApplier(NewWorkspaceStore(db)))
	return s
}

func TestRunStreamAppliesAndAdvances(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeUpdateLog}

	puller := &fakePuller{batches: map[string]*Batch{
		"": {Items: []Item{
			entryItem(t, "0001", "doc", 1, `1`, 10),
			entryItem(t, "0002", "doc", 2, `2`, 20),
		}},
	}}

	s := newTestSync(t, db, puller, 100)
	require.NoError(t, s.RunStream(context.Background(), key))

	cursor, err := s.Cursors().Get(key)
	require.NoError(t, err)
	assert.Equal(t, "0002", cursor)

	count, err := updatelog.NewStore(db, logger.Logger).CountEntries("doc")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunStreamLoopsWhileFullBatch(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeUpdateLog}

	puller := &fakePuller{batches: map[string]*Batch{
		"": {
			Items:   []Item{entryItem(t, "0001", "doc", 1, `1`, 10), entryItem(t, "0002", "doc", 2, `2`, 20)},
			HasMore: true,
		},
		"0002": {
			Items: []Item{entryItem(t, "0003", "doc", 3, `3`, 30)},
		},
	}}

	s := newTestSync(t, db, puller, 2)
	require.NoError(t, s.RunStream(context.Background(), key))

	assert.Equal(t, 2, puller.pulls)

	cursor, err := s.Cursors().Get(key)
	require.NoError(t, err)
	assert.Equal(t, "0003", cursor)
}

func TestRunStreamNumericCursorBoundary(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeUpdateLog}

	// Plain decimal cursors do not order byte-wise across a digit boundary;
	// the stream must keep advancing anyway.
	puller := &fakePuller{batches: map[string]*Batch{
		"": {
			Items:   []Item{entryItem(t, "9", "doc", 1, `1`, 10)},
			HasMore: true,
		},
		"9": {
			Items: []Item{entryItem(t, "10", "doc", 2, `2`, 20)},
		},
	}}

	s := newTestSync(t, db, puller, 100)
	require.NoError(t, s.RunStream(context.Background(), key))

	cursor, err := s.Cursors().Get(key)
	require.NoError(t, err)
	assert.Equal(t, "10", cursor)

	count, err := updatelog.NewStore(db, logger.Logger).CountEntries("doc")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunStreamBatchFailureLeavesCursor(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeUpdateLog}

	// The third item is malformed; the applier fails mid-batch. The first two
	// items must not stick and the cursor must not move.
	puller := &fakePuller{batches: map[string]*Batch{
		"": {Items: []Item{
			entryItem(t, "0001", "doc", 1, `1`, 10),
			entryItem(t, "0002", "doc", 2, `2`, 20),
			{Cursor: "0003", Data: json.RawMessage(`{"not":"an entry"}`)},
		}},
	}}

	s := newTestSync(t, db, puller, 100)
	err := s.RunStream(context.Background(), key)
	require.Error(t, err)

	cursor, err := s.Cursors().Get(key)
	require.NoError(t, err)
	assert.Equal(t, "", cursor)

	count, err := updatelog.NewStore(db, logger.Logger).CountEntries("doc")
	require.NoError(t, err)
	assert.Equal(t, 0, count, "partial batch must roll back entirely")
}

func TestRunStreamRedeliveryIsIdempotent(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeUpdateLog}

	items := []Item{
		entryItem(t, "0001", "doc", 1, `1`, 10),
		entryItem(t, "0002", "doc", 2, `2`, 20),
	}
	puller := &fakePuller{batches: map[string]*Batch{"": {Items: items}}}

	s := newTestSync(t, db, puller, 100)
	require.NoError(t, s.RunStream(context.Background(), key))

	// Simulate the authority redelivering the same window after a resync.
	require.NoError(t, s.Cursors().Resync(key))
	require.NoError(t, s.RunStream(context.Background(), key))

	count, err := updatelog.NewStore(db, logger.Logger).CountEntries("doc")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestRunStreamWorkspaceTombstone(t *testing.T) {
	db := testutil.CreateTestDB(t)
	key := StreamKey{UserID: "u-1", Type: StreamTypeWorkspace}

	upsert, err := json.Marshal(workspaceItem{Workspace: Workspace{
		ID: "ws-1", Name: "Research", Role: "editor", UpdatedAt: time.Now(),
	}})
	require.NoError(t, err)
	tombstone, err := json.Marshal(workspaceItem{Workspace: Workspace{ID: "ws-1"}, Deleted: true})
	require.NoError(t, err)

	puller := &fakePuller{batches: map[string]*Batch{
		"": {Items: []Item{
			{Cursor: "0001", Data: upsert},
			{Cursor: "0002", Data: tombstone},
		}},
	}}

	s := newTestSync(t, db, puller, 100)
	require.NoError(t, s.RunStream(context.Background(), key))

	_, err = NewWorkspaceStore(db).Get("ws-1")
	assert.True(t, errors.IsNotFound(err))
}

func TestRunStreamUnknownType(t *testing.T) {
	db := testutil.CreateTestDB(t)
	s := newTestSync(t, db, &fakePuller{}, 100)

	err := s.RunStream(context.Background(), StreamKey{UserID: "u-1", Type: "nope"})
	assert.Error(t, err)
}

func TestPullHandlerOutcomes(t *testing.T) {
	db := testutil.CreateTestDB(t)

	puller := &fakePuller{batches: map[string]*Batch{}}
	s := newTestSync(t, db, puller, 100)
	handler := NewPullHandler(s, time.Minute, logger.Logger)

	payload, err := json.Marshal(PullPayload{UserID: "u-1", StreamType: StreamTypeUpdateLog})
	require.NoError(t, err)
	job, err := pulse.NewJob(JobTypePull, payload, "k")
	require.NoError(t, err)

	// Periodic job re-arms after a drain.
	outcome := handler.Run(context.Background(), job)
	assert.Equal(t, pulse.OutcomeRetry, outcome.Kind())
	assert.Equal(t, time.Minute, outcome.Delay())

	// One-shot job completes.
	payload, err = json.Marshal(PullPayload{UserID: "u-1", StreamType: StreamTypeUpdateLog, OneShot: true})
	require.NoError(t, err)
	job, err = pulse.NewJob(JobTypePull, payload, "k")
	require.NoError(t, err)
	outcome = handler.Run(context.Background(), job)
	assert.Equal(t, pulse.OutcomeSuccess, outcome.Kind())

	// Transport failure retries with scheduler backoff.
	puller.err = errors.WrapTransient(fmt.Errorf("connection refused"), "pull failed")
	outcome = handler.Run(context.Background(), job)
	assert.Equal(t, pulse.OutcomeRetry, outcome.Kind())
	assert.Equal(t, time.Duration(0), outcome.Delay())

	// A gone stream cancels the job instead of retrying forever.
	puller.err = errors.NewEntityGone("stream update_log/ws-9 not found")
	outcome = handler.Run(context.Background(), job)
	assert.Equal(t, pulse.OutcomeCancel, outcome.Kind())

	// Malformed payload cancels rather than wedging the lane.
	job, err = pulse.NewJob(JobTypePull, json.RawMessage(`{`), "k")
	require.NoError(t, err)
	outcome = handler.Run(context.Background(), job)
	assert.Equal(t, pulse.OutcomeCancel, outcome.Kind())
}
