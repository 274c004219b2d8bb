// Package syncer implements the cursor-based pull client that keeps the
// local replica converging toward the authority. Each configured stream is
// pulled in batches; every batch is applied and its cursor advanced inside
// one transaction, so a crash never leaves applied items unaccounted for.
package syncer

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/loomworks/loom/errors"
)

// StreamKey identifies one pull stream for one user.
type StreamKey struct {
	UserID string
	Type   string
	Params string
}

// String renders the key for logging and job payloads.
func (k StreamKey) String() string {
	if k.Params == "" {
		return fmt.Sprintf("%s/%s", k.UserID, k.Type)
	}
	return fmt.Sprintf("%s/%s/%s", k.UserID, k.Type, k.Params)
}

// ConcurrencyKey returns the pulse concurrency key for this stream. One
// lane per stream keeps pulls for the same cursor strictly sequential.
func (k StreamKey) ConcurrencyKey() string {
	return "sync.pull:" + k.String()
}

// CursorStore persists the last consumed cursor per stream.
//
// Cursors are fully opaque: only the authority can order them. The store
// guards what the client can actually know, that every advance starts from
// the cursor the batch was pulled after and lands somewhere new.
type CursorStore struct {
	db *sql.DB
}

// NewCursorStore creates a cursor store.
func NewCursorStore(db *sql.DB) *CursorStore {
	return &CursorStore{db: db}
}

// Get returns the stream's cursor, or the empty string when the stream has
// never been pulled. The empty string sorts before every cursor, so it
// doubles as the from-the-beginning position.
func (c *CursorStore) Get(key StreamKey) (string, error) {
	var cursor string
	err := c.db.QueryRow(
		`SELECT cursor FROM sync_cursors
		 WHERE user_id = ? AND stream_type = ? AND stream_params = ?`,
		key.UserID, key.Type, key.Params,
	).Scan(&cursor)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to get cursor")
	}
	return cursor, nil
}

// AdvanceTx moves the stream's cursor from after to cursor inside a
// caller-owned transaction. The values are opaque, so there is no ordering
// to check locally; instead the store asserts the advance starts from the
// cursor the batch was actually pulled after and makes progress. A stale
// base or a no-op advance is a programming error, not a retryable
// condition: the only legitimate rewind path is Resync.
func (c *CursorStore) AdvanceTx(tx *sql.Tx, key StreamKey, after, cursor string) error {
	if cursor == "" {
		return errors.AssertionFailedf("cannot advance stream %s to empty cursor", key)
	}
	if cursor == after {
		return errors.AssertionFailedf(
			"advance on stream %s makes no progress from %q", key, after,
		)
	}

	var current string
	err := tx.QueryRow(
		`SELECT cursor FROM sync_cursors
		 WHERE user_id = ? AND stream_type = ? AND stream_params = ?`,
		key.UserID, key.Type, key.Params,
	).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errors.Wrap(err, "failed to read current cursor")
	}

	// Per-stream pulls are serialized on one concurrency lane, so the stored
	// cursor cannot have moved since the pull read it. A mismatch means a
	// redelivered or interleaved batch is about to rewind the stream.
	if current != after {
		return errors.AssertionFailedf(
			"stale cursor base on stream %s: batch pulled after %q but stream is at %q",
			key, after, current,
		)
	}

	_, err = tx.Exec(
		`INSERT INTO sync_cursors (user_id, stream_type, stream_params, cursor, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, stream_type, stream_params)
		 DO UPDATE SET cursor = excluded.cursor, updated_at = excluded.updated_at`,
		key.UserID, key.Type, key.Params, cursor, time.Now(),
	)
	if err != nil {
		return errors.Wrap(err, "failed to advance cursor")
	}
	return nil
}

// Resync forgets the stream's cursor so the next pull starts from the
// beginning. Appliers are idempotent, so re-applying the full stream is
// safe. This is the only rewind path.
func (c *CursorStore) Resync(key StreamKey) error {
	_, err := c.db.Exec(
		`DELETE FROM sync_cursors
		 WHERE user_id = ? AND stream_type = ? AND stream_params = ?`,
		key.UserID, key.Type, key.Params,
	)
	if err != nil {
		return errors.Wrap(err, "failed to resync cursor")
	}
	return nil
}
