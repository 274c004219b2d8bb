package syncer

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/internal/testutil"
)

func TestCursorGetAbsent(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)

	cursor, err := store.Get(StreamKey{UserID: "u-1", Type: "update_log"})
	require.NoError(t, err)
	assert.Equal(t, "", cursor)
}

func TestCursorAdvance(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)
	key := StreamKey{UserID: "u-1", Type: "update_log"}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "", "0005"))
	require.NoError(t, tx.Commit())

	cursor, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "0005", cursor)

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "0005", "0009"))
	require.NoError(t, tx.Commit())

	cursor, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "0009", cursor)
}

func TestCursorAdvanceIsEncodingAgnostic(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)
	key := StreamKey{UserID: "u-1", Type: "update_log"}

	// The authority decides cursor order; the client must not second-guess
	// it. "10" sorts before "9" byte-wise but is a perfectly valid successor.
	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "", "9"))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "9", "10"))
	require.NoError(t, tx.Commit())

	cursor, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "10", cursor)
}

func TestCursorAdvanceRefusesRegression(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)
	key := StreamKey{UserID: "u-1", Type: "update_log"}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "", "0005"))
	require.NoError(t, tx.Commit())

	tx, err = db.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	// A batch pulled after an older cursor would rewind the stream.
	err = store.AdvanceTx(tx, key, "0003", "0004")
	assert.True(t, errors.HasAssertionFailure(err))

	// Advancing to the batch's own base is a bug, not a no-op.
	err = store.AdvanceTx(tx, key, "0005", "0005")
	assert.True(t, errors.HasAssertionFailure(err))

	err = store.AdvanceTx(tx, key, "0005", "")
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestCursorParamsDistinguishStreams(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)

	a := StreamKey{UserID: "u-1", Type: "update_log", Params: "ws-1"}
	b := StreamKey{UserID: "u-1", Type: "update_log", Params: "ws-2"}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, a, "", "0007"))
	require.NoError(t, tx.Commit())

	cursor, err := store.Get(b)
	require.NoError(t, err)
	assert.Equal(t, "", cursor)
}

func TestCursorResync(t *testing.T) {
	db := testutil.CreateTestDB(t)
	store := NewCursorStore(db)
	key := StreamKey{UserID: "u-1", Type: "workspace"}

	tx, err := db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "", "0042"))
	require.NoError(t, tx.Commit())

	require.NoError(t, store.Resync(key))

	cursor, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "", cursor)

	// After a resync the stream restarts from the beginning.
	tx, err = db.Begin()
	require.NoError(t, err)
	require.NoError(t, store.AdvanceTx(tx, key, "", "0001"))
	require.NoError(t, tx.Commit())
}

func TestCursorGetStorageFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT cursor FROM sync_cursors`).
		WillReturnError(errors.New("disk I/O error"))

	store := NewCursorStore(db)
	_, err = store.Get(StreamKey{UserID: "u-1", Type: "update_log"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to get cursor")
	assert.NoError(t, mock.ExpectationsWereMet())
}
