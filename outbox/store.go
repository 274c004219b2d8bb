package outbox

import (
	"database/sql"

	"github.com/loomworks/loom/errors"
)

const mutationColumns = `id, user_id, type, payload, status, retries, error, created_at`

// Store persists outbox mutations.
type Store struct {
	db *sql.DB
}

// NewStore creates a mutation store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Enqueue inserts a mutation. The row is durable before the caller learns
// the mutation exists.
func (s *Store) Enqueue(m *Mutation) error {
	_, err := s.db.Exec(
		`INSERT INTO outbox_mutations (`+mutationColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Type, string(m.Payload), m.Status, m.Retries,
		sql.NullString{String: m.Error, Valid: m.Error != ""}, m.CreatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to enqueue mutation")
	}
	return nil
}

// Get retrieves a mutation by id.
func (s *Store) Get(id string) (*Mutation, error) {
	m, err := scanMutation(s.db.QueryRow(
		`SELECT `+mutationColumns+` FROM outbox_mutations WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "mutation %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get mutation")
	}
	return m, nil
}

// ListPending returns a user's pending mutations in creation order, the
// order they must reach the authority in.
func (s *Store) ListPending(userID string, limit int) ([]*Mutation, error) {
	rows, err := s.db.Query(
		`SELECT `+mutationColumns+` FROM outbox_mutations
		 WHERE user_id = ? AND status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		userID, StatusPending, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending mutations")
	}
	defer rows.Close()

	return scanMutations(rows)
}

// ListFailed returns a user's rejected mutations for the UI to surface.
func (s *Store) ListFailed(userID string, limit int) ([]*Mutation, error) {
	rows, err := s.db.Query(
		`SELECT `+mutationColumns+` FROM outbox_mutations
		 WHERE user_id = ? AND status = ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		userID, StatusFailed, limit,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list failed mutations")
	}
	defer rows.Close()

	return scanMutations(rows)
}

// Delete removes an acknowledged mutation.
func (s *Store) Delete(id string) error {
	result, err := s.db.Exec(`DELETE FROM outbox_mutations WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete mutation")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "mutation %s", id)
	}
	return nil
}

// MarkFailed records an authority rejection. The row stays for inspection;
// it is never retried.
func (s *Store) MarkFailed(id, reason string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_mutations SET status = ?, error = ? WHERE id = ?`,
		StatusFailed, reason, id,
	)
	if err != nil {
		return errors.Wrap(err, "failed to mark mutation failed")
	}
	return nil
}

// BumpRetries increments the retry counter of every listed mutation after a
// failed submission attempt.
func (s *Store) BumpRetries(ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	for _, id := range ids {
		if _, err := s.db.Exec(
			`UPDATE outbox_mutations SET retries = retries + 1 WHERE id = ?`, id,
		); err != nil {
			return errors.Wrap(err, "failed to bump mutation retries")
		}
	}
	return nil
}

// CountByStatus returns a user's mutation counts keyed by status.
func (s *Store) CountByStatus(userID string) (map[Status]int, error) {
	rows, err := s.db.Query(
		`SELECT status, COUNT(*) FROM outbox_mutations WHERE user_id = ? GROUP BY status`,
		userID,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to count mutations")
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan mutation count")
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating mutation counts")
	}
	return counts, nil
}

// UsersWithPending returns every user that has pending mutations, used to
// kick delivery when the authority becomes reachable again.
func (s *Store) UsersWithPending() ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT user_id FROM outbox_mutations WHERE status = ?`, StatusPending,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list users with pending mutations")
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, errors.Wrap(err, "failed to scan user id")
		}
		users = append(users, userID)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating users")
	}
	return users, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMutation(row rowScanner) (*Mutation, error) {
	var m Mutation
	var payload string
	var errMsg sql.NullString

	err := row.Scan(
		&m.ID,
		&m.UserID,
		&m.Type,
		&payload,
		&m.Status,
		&m.Retries,
		&errMsg,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	m.Payload = []byte(payload)
	if errMsg.Valid {
		m.Error = errMsg.String
	}
	return &m, nil
}

func scanMutations(rows *sql.Rows) ([]*Mutation, error) {
	var mutations []*Mutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan mutation")
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating mutations")
	}
	return mutations, nil
}
