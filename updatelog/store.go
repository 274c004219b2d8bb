package updatelog

import (
	"bytes"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomworks/loom/errors"
)

const entryColumns = `id, entity_id, revision, delta, created_at, created_by, merged_count`

// Store persists update log entries and their compaction index.
type Store struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

// NewStore creates a new update log store.
func NewStore(db *sql.DB, logger *zap.SugaredLogger) *Store {
	return &Store{db: db, logger: logger.Named("updatelog")}
}

// Append writes a new entry for entityID with the next revision.
// Revision assignment and the insert happen in one transaction, so
// revisions per entity are gapless and strictly increasing.
func (s *Store) Append(entityID string, delta Delta, author string) (*Entry, error) {
	if entityID == "" {
		return nil, errors.New("entityID cannot be empty")
	}
	if len(delta) == 0 {
		return nil, errors.New("delta cannot be empty")
	}

	raw, err := delta.Canonical()
	if err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var revision int64
	err = tx.QueryRow(
		`SELECT COALESCE(MAX(revision), 0) + 1 FROM update_log WHERE entity_id = ?`,
		entityID,
	).Scan(&revision)
	if err != nil {
		return nil, errors.Wrap(err, "failed to assign revision")
	}

	entry := &Entry{
		ID:        uuid.NewString(),
		EntityID:  entityID,
		Revision:  revision,
		Delta:     delta,
		CreatedAt: time.Now(),
		CreatedBy: author,
	}

	_, err = tx.Exec(
		`INSERT INTO update_log (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityID, entry.Revision, string(raw),
		entry.CreatedAt, entry.CreatedBy, 0,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert entry")
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit entry")
	}

	return entry, nil
}

// ApplyRemote inserts an entry produced elsewhere, keeping its identity and
// revision. Redelivery of an entry already held, or already subsumed by a
// local compaction, is a no-op. A different entry occupying the same
// (entity, revision) slot is an error: dropping it would lose an edit, and
// the caller's batch must not advance past it. Reports whether the entry
// was newly inserted.
func (s *Store) ApplyRemote(entry *Entry) (bool, error) {
	return applyRemoteTx(s.db, entry)
}

// ApplyRemoteTx is ApplyRemote inside a caller-owned transaction, used by
// the sync applier so a pulled batch and its cursor advance commit together.
func (s *Store) ApplyRemoteTx(tx *sql.Tx, entry *Entry) (bool, error) {
	return applyRemoteTx(tx, entry)
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
	QueryRow(query string, args ...interface{}) *sql.Row
}

func applyRemoteTx(db execer, entry *Entry) (bool, error) {
	raw, err := entry.Delta.Canonical()
	if err != nil {
		return false, err
	}

	// Redelivery: the entry is already here, or a local compaction already
	// folded it in.
	var existing string
	err = db.QueryRow(`SELECT id FROM update_log WHERE id = ?`, entry.ID).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrap(err, "failed to check for existing entry")
	}
	err = db.QueryRow(
		`SELECT entry_id FROM update_log_merged WHERE merged_id = ?`, entry.ID,
	).Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrap(err, "failed to check compaction index")
	}

	// A different entry holding the slot is a real conflict, typically an
	// offline local append racing an authority assignment. Letting the
	// insert's conflict handling swallow it would silently lose the edit.
	err = db.QueryRow(
		`SELECT id FROM update_log WHERE entity_id = ? AND revision = ?`,
		entry.EntityID, entry.Revision,
	).Scan(&existing)
	if err == nil {
		return false, errors.Newf(
			"revision %d of entity %s is held by entry %s, cannot apply entry %s",
			entry.Revision, entry.EntityID, existing, entry.ID,
		)
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, errors.Wrap(err, "failed to check revision slot")
	}

	mergedCount := entry.MergedCount
	if mergedCount == 0 {
		mergedCount = len(entry.MergedUpdates)
	}

	if _, err := db.Exec(
		`INSERT INTO update_log (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.EntityID, entry.Revision, string(raw),
		entry.CreatedAt, entry.CreatedBy, mergedCount,
	); err != nil {
		return false, errors.Wrap(err, "failed to apply remote entry")
	}

	// A remote compaction carries its subsumed identities on the wire; keep
	// them resolvable locally just like a local compaction's.
	for _, ref := range entry.MergedUpdates {
		if _, err := db.Exec(
			`INSERT OR IGNORE INTO update_log_merged (merged_id, merged_revision, entry_id, entity_id)
			 VALUES (?, ?, ?, ?)`,
			ref.ID, ref.Revision, entry.ID, entry.EntityID,
		); err != nil {
			return false, errors.Wrap(err, "failed to record remote merged ref")
		}
	}

	return true, nil
}

// Entry retrieves an entry by id.
func (s *Store) Entry(id string) (*Entry, error) {
	entry, err := scanEntry(s.db.QueryRow(
		`SELECT `+entryColumns+` FROM update_log WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "entry %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get entry")
	}
	return entry, nil
}

// ResolveEntry retrieves an entry by id, following the compaction index when
// the id was subsumed. In-flight consumers holding a pre-compaction id keep
// resolving to live data.
func (s *Store) ResolveEntry(id string) (*Entry, error) {
	entry, err := s.Entry(id)
	if err == nil {
		return entry, nil
	}
	if !errors.IsNotFound(err) {
		return nil, err
	}

	var subsumingID string
	err = s.db.QueryRow(
		`SELECT entry_id FROM update_log_merged WHERE merged_id = ?`, id,
	).Scan(&subsumingID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "entry %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to resolve merged entry")
	}

	return s.Entry(subsumingID)
}

// Entries returns every entry for entityID in revision order.
func (s *Store) Entries(entityID string) ([]*Entry, error) {
	return listEntries(s.db, entityID)
}

// CountEntries returns the number of log entries for entityID.
func (s *Store) CountEntries(entityID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM update_log WHERE entity_id = ?`, entityID,
	).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count entries")
	}
	return count, nil
}

// Materialize folds the entity's entries into its current state delta.
// The fold converges to the same result under any permutation of concurrent
// entries because the per-field merge is commutative and associative.
func (s *Store) Materialize(entityID string) (Delta, error) {
	entries, err := s.Entries(entityID)
	if err != nil {
		return nil, err
	}
	return foldEntries(entries), nil
}

// MergedRefs returns the identities of the entries a compaction entry
// subsumed.
func (s *Store) MergedRefs(entryID string) ([]MergedRef, error) {
	rows, err := s.db.Query(
		`SELECT merged_id, merged_revision FROM update_log_merged
		 WHERE entry_id = ? ORDER BY merged_revision ASC`, entryID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list merged refs")
	}
	defer rows.Close()

	var refs []MergedRef
	for rows.Next() {
		var ref MergedRef
		if err := rows.Scan(&ref.ID, &ref.Revision); err != nil {
			return nil, errors.Wrap(err, "failed to scan merged ref")
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating merged refs")
	}
	return refs, nil
}

// EntitiesNeedingCompaction returns entities whose entry count has reached
// threshold.
func (s *Store) EntitiesNeedingCompaction(threshold int) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT entity_id FROM update_log GROUP BY entity_id HAVING COUNT(*) >= ?`,
		threshold,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find entities needing compaction")
	}
	defer rows.Close()

	var entities []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "failed to scan entity id")
		}
		entities = append(entities, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating entities")
	}
	return entities, nil
}

// Compact replaces the prefix of entityID's entries with revision strictly
// below minRevisionInFlight by a single equivalent entry. The replacement
// takes the highest subsumed revision, so ordering against the surviving
// suffix is unchanged. Subsumed ids are recorded in the compaction index,
// including ids inherited from earlier compactions.
//
// Before committing, the entity is re-materialized inside the transaction
// and compared byte for byte against the pre-compaction state. A mismatch
// means the merge engine is broken; the transaction rolls back and an
// assertion failure is returned.
//
// Returns the replacement entry, or nil when fewer than two entries were
// eligible.
func (s *Store) Compact(entityID string, minRevisionInFlight int64) (*Entry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	all, err := listEntries(tx, entityID)
	if err != nil {
		return nil, err
	}

	var subsumed []*Entry
	for _, entry := range all {
		if entry.Revision < minRevisionInFlight {
			subsumed = append(subsumed, entry)
		}
	}
	if len(subsumed) < 2 {
		return nil, nil
	}

	before, err := foldEntries(all).Canonical()
	if err != nil {
		return nil, err
	}

	merged := foldEntries(subsumed)
	replacement := &Entry{
		ID:          uuid.NewString(),
		EntityID:    entityID,
		Revision:    subsumed[len(subsumed)-1].Revision,
		Delta:       merged,
		CreatedAt:   time.Now(),
		CreatedBy:   subsumed[len(subsumed)-1].CreatedBy,
		MergedCount: len(subsumed),
	}

	// Refs inherited from subsumed compaction entries must survive and point
	// at the replacement. Capture them before the cascade delete clears them.
	inherited, err := captureInheritedRefs(tx, subsumed)
	if err != nil {
		return nil, err
	}

	subsumedIDs := make([]interface{}, 0, len(subsumed))
	placeholders := ""
	for i, entry := range subsumed {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		subsumedIDs = append(subsumedIDs, entry.ID)
	}
	if _, err := tx.Exec(
		`DELETE FROM update_log WHERE id IN (`+placeholders+`)`, subsumedIDs...,
	); err != nil {
		return nil, errors.Wrap(err, "failed to delete subsumed entries")
	}

	raw, err := merged.Canonical()
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(
		`INSERT INTO update_log (`+entryColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		replacement.ID, replacement.EntityID, replacement.Revision, string(raw),
		replacement.CreatedAt, replacement.CreatedBy, replacement.MergedCount,
	); err != nil {
		return nil, errors.Wrap(err, "failed to insert compaction entry")
	}

	refs := inherited
	for _, entry := range subsumed {
		refs = append(refs, MergedRef{ID: entry.ID, Revision: entry.Revision})
	}
	replacement.MergedUpdates = refs
	for _, ref := range refs {
		if _, err := tx.Exec(
			`INSERT INTO update_log_merged (merged_id, merged_revision, entry_id, entity_id)
			 VALUES (?, ?, ?, ?)`,
			ref.ID, ref.Revision, replacement.ID, entityID,
		); err != nil {
			return nil, errors.Wrap(err, "failed to record merged ref")
		}
	}

	remaining, err := listEntries(tx, entityID)
	if err != nil {
		return nil, err
	}
	after, err := foldEntries(remaining).Canonical()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(before, after) {
		return nil, errors.AssertionFailedf(
			"compaction of entity %s changed materialized state", entityID,
		)
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit compaction")
	}

	s.logger.Debugw("Compacted update log prefix",
		"entity_id", entityID,
		"subsumed", len(subsumed),
		"revision", replacement.Revision,
	)
	return replacement, nil
}

func captureInheritedRefs(tx *sql.Tx, subsumed []*Entry) ([]MergedRef, error) {
	var refs []MergedRef
	for _, entry := range subsumed {
		if !entry.IsCompaction() {
			continue
		}
		rows, err := tx.Query(
			`SELECT merged_id, merged_revision FROM update_log_merged WHERE entry_id = ?`,
			entry.ID,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read inherited merged refs")
		}
		for rows.Next() {
			var ref MergedRef
			if err := rows.Scan(&ref.ID, &ref.Revision); err != nil {
				rows.Close()
				return nil, errors.Wrap(err, "failed to scan inherited merged ref")
			}
			refs = append(refs, ref)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "error iterating inherited merged refs")
		}
		rows.Close()
	}
	return refs, nil
}

// foldEntries merges entry deltas in revision order. Order only matters for
// performance; the result is permutation-invariant.
func foldEntries(entries []*Entry) Delta {
	state := make(Delta)
	for _, entry := range entries {
		state.MergeIn(entry.Delta)
	}
	return state
}

type querier interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

func listEntries(db querier, entityID string) ([]*Entry, error) {
	rows, err := db.Query(
		`SELECT `+entryColumns+` FROM update_log
		 WHERE entity_id = ? ORDER BY revision ASC`, entityID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list entries")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan entry")
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating entries")
	}
	return entries, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var entry Entry
	var raw string

	err := row.Scan(
		&entry.ID,
		&entry.EntityID,
		&entry.Revision,
		&raw,
		&entry.CreatedAt,
		&entry.CreatedBy,
		&entry.MergedCount,
	)
	if err != nil {
		return nil, err
	}

	delta, err := ParseDelta([]byte(raw))
	if err != nil {
		return nil, err
	}
	entry.Delta = delta

	return &entry, nil
}
