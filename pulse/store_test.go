package pulse

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/testutil"
	"github.com/loomworks/loom/internal/util"
)

func TestStoreCreateAndGet(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	job, err := NewJob("sync.pull", json.RawMessage(`{"stream":"update_log"}`), "sync.pull:u-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "sync.pull", got.Type)
	assert.Equal(t, "sync.pull:u-1", got.ConcurrencyKey)
	assert.Equal(t, StatusPending, got.Status)
	assert.JSONEq(t, `{"stream":"update_log"}`, string(got.Payload))
}

func TestStoreGetMissing(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	_, err := store.GetJob("nope")
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreUpdate(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	job, err := NewJob("outbox.sync", nil, "u-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(job))

	job.Start()
	require.NoError(t, store.UpdateJob(job))

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)

	job.Rearm(time.Minute)
	require.NoError(t, store.UpdateJob(job))

	got, err = store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.True(t, got.NextRunAt.After(time.Now().Add(30*time.Second)))
}

func TestStoreDelete(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	job, err := NewJob("outbox.sync", nil, "u-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(job))

	require.NoError(t, store.DeleteJob(job.ID))

	_, err = store.GetJob(job.ID)
	assert.True(t, errors.IsNotFound(err))

	// Deleting again is a not-found, not a silent no-op.
	err = store.DeleteJob(job.ID)
	assert.True(t, errors.IsNotFound(err))
}

func TestStoreListDue(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	due, err := NewJob("outbox.sync", nil, "u-1")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(due))

	future, err := NewJob("outbox.sync", nil, "u-2")
	require.NoError(t, err)
	future.NextRunAt = time.Now().Add(time.Hour)
	require.NoError(t, store.CreateJob(future))

	running, err := NewJob("outbox.sync", nil, "u-3")
	require.NoError(t, err)
	running.Start()
	require.NoError(t, store.CreateJob(running))

	jobs, err := store.ListDue(time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)
}

func TestStoreListDueOrder(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	now := time.Now()

	later, err := NewJob("sync.pull", nil, "a")
	require.NoError(t, err)
	later.NextRunAt = now.Add(-time.Minute)
	require.NoError(t, store.CreateJob(later))

	earlier, err := NewJob("sync.pull", nil, "b")
	require.NoError(t, err)
	earlier.NextRunAt = now.Add(-time.Hour)
	require.NoError(t, store.CreateJob(earlier))

	jobs, err := store.ListDue(now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, earlier.ID, jobs[0].ID)
	assert.Equal(t, later.ID, jobs[1].ID)
}

func TestStoreListJobsByStatus(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	pending, err := NewJob("sync.pull", nil, "a")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(pending))

	running, err := NewJob("sync.pull", nil, "b")
	require.NoError(t, err)
	running.Start()
	require.NoError(t, store.CreateJob(running))

	jobs, err := store.ListJobs(util.Ptr(StatusRunning), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, running.ID, jobs[0].ID)

	jobs, err = store.ListJobs(nil, 10)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestStoreListPendingByKey(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	for i := 0; i < 2; i++ {
		job, err := NewJob("outbox.sync", nil, "u-1")
		require.NoError(t, err)
		require.NoError(t, store.CreateJob(job))
	}
	other, err := NewJob("outbox.sync", nil, "u-2")
	require.NoError(t, err)
	require.NoError(t, store.CreateJob(other))

	jobs, err := store.ListPendingByKey("u-1")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)
}

func TestStoreRequeueRunning(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	job, err := NewJob("outbox.sync", nil, "u-1")
	require.NoError(t, err)
	job.Start()
	require.NoError(t, store.CreateJob(job))

	count, err := store.RequeueRunning()
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.NextRunAt.Before(time.Now().Add(time.Second)))
}

func TestStoreCountByStatus(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewStore(db)

	for i := 0; i < 3; i++ {
		job, err := NewJob("sync.pull", nil, "a")
		require.NoError(t, err)
		require.NoError(t, store.CreateJob(job))
	}
	running, err := NewJob("sync.pull", nil, "a")
	require.NoError(t, err)
	running.Start()
	require.NoError(t, store.CreateJob(running))

	counts, err := store.CountByStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, counts[StatusPending])
	assert.Equal(t, 1, counts[StatusRunning])
}
