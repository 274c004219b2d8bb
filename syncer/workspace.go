package syncer

import (
	"database/sql"
	"time"

	"github.com/loomworks/loom/errors"
)

// Workspace is one read-side workspace membership row.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceStore persists the workspace read side.
type WorkspaceStore struct {
	db *sql.DB
}

// NewWorkspaceStore creates a workspace store.
func NewWorkspaceStore(db *sql.DB) *WorkspaceStore {
	return &WorkspaceStore{db: db}
}

// Get retrieves a workspace by id.
func (s *WorkspaceStore) Get(id string) (*Workspace, error) {
	var ws Workspace
	err := s.db.QueryRow(
		`SELECT id, name, role, updated_at FROM workspaces WHERE id = ?`, id,
	).Scan(&ws.ID, &ws.Name, &ws.Role, &ws.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "workspace %s", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get workspace")
	}
	return &ws, nil
}

// List returns all workspaces ordered by name.
func (s *WorkspaceStore) List() ([]*Workspace, error) {
	rows, err := s.db.Query(`SELECT id, name, role, updated_at FROM workspaces ORDER BY name ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list workspaces")
	}
	defer rows.Close()

	var workspaces []*Workspace
	for rows.Next() {
		var ws Workspace
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.Role, &ws.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan workspace")
		}
		workspaces = append(workspaces, &ws)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating workspaces")
	}
	return workspaces, nil
}

// UpsertTx inserts or replaces a workspace inside a caller-owned
// transaction.
func (s *WorkspaceStore) UpsertTx(tx *sql.Tx, ws *Workspace) error {
	_, err := tx.Exec(
		`INSERT INTO workspaces (id, name, role, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (id)
		 DO UPDATE SET name = excluded.name, role = excluded.role, updated_at = excluded.updated_at`,
		ws.ID, ws.Name, ws.Role, ws.UpdatedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert workspace %s", ws.ID)
	}
	return nil
}

// DeleteTx removes a workspace inside a caller-owned transaction. Deleting
// an absent workspace is a no-op; tombstones may be redelivered.
func (s *WorkspaceStore) DeleteTx(tx *sql.Tx, id string) error {
	_, err := tx.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete workspace %s", id)
	}
	return nil
}

// Delete removes a workspace outside any transaction, used by realtime
// direct-apply events.
func (s *WorkspaceStore) Delete(id string) error {
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE id = ?`, id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete workspace %s", id)
	}
	return nil
}
