package syncer

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/loomworks/loom/errors"
	"github.com/loomworks/loom/updatelog"
)

// Applier applies one pulled item inside the batch transaction. Items may be
// redelivered after a crash between apply and commit on the authority side,
// so Apply must be idempotent; upsert by the item's natural id is the
// standard shape.
type Applier interface {
	// StreamType returns the stream this applier serves.
	StreamType() string

	// Apply integrates one item into local storage. Returning an error
	// aborts the batch; the cursor stays where it was.
	Apply(tx *sql.Tx, item Item) error
}

// ApplierRegistry maps stream types to appliers. Registration happens at
// startup, like pulse handlers.
type ApplierRegistry struct {
	appliers map[string]Applier
	mu       sync.RWMutex
}

// NewApplierRegistry creates an empty registry.
func NewApplierRegistry() *ApplierRegistry {
	return &ApplierRegistry{appliers: make(map[string]Applier)}
}

// Register adds an applier, panicking on duplicates.
func (r *ApplierRegistry) Register(applier Applier) {
	r.mu.Lock()
	defer r.mu.Unlock()

	streamType := applier.StreamType()
	if _, exists := r.appliers[streamType]; exists {
		panic(fmt.Sprintf("applier already registered for stream type: %s", streamType))
	}
	r.appliers[streamType] = applier
}

// Get retrieves the applier for a stream type, or nil.
func (r *ApplierRegistry) Get(streamType string) Applier {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.appliers[streamType]
}

// StreamTypeUpdateLog is the stream carrying CRDT update log entries.
const StreamTypeUpdateLog = "update_log"

// UpdateLogApplier feeds pulled entries into the local CRDT log. Insert is
// keyed by entry id, so redelivered items are skipped, not duplicated.
type UpdateLogApplier struct {
	store *updatelog.Store
}

// NewUpdateLogApplier creates the update_log stream applier.
func NewUpdateLogApplier(store *updatelog.Store) *UpdateLogApplier {
	return &UpdateLogApplier{store: store}
}

// StreamType implements Applier.
func (a *UpdateLogApplier) StreamType() string { return StreamTypeUpdateLog }

// Apply implements Applier.
func (a *UpdateLogApplier) Apply(tx *sql.Tx, item Item) error {
	var entry updatelog.Entry
	if err := json.Unmarshal(item.Data, &entry); err != nil {
		return errors.Wrap(err, "failed to decode update log item")
	}
	if entry.ID == "" || entry.EntityID == "" {
		return errors.Newf("update log item at cursor %s missing identity", item.Cursor)
	}

	_, err := a.store.ApplyRemoteTx(tx, &entry)
	return err
}

// StreamTypeWorkspace is the stream carrying workspace membership rows.
const StreamTypeWorkspace = "workspace"

// workspaceItem is the wire form of one workspace stream item. Deleted
// workspaces arrive as tombstones rather than disappearing from the stream.
type workspaceItem struct {
	Workspace
	Deleted bool `json:"deleted,omitempty"`
}

// WorkspaceApplier maintains the local workspace read side.
type WorkspaceApplier struct {
	store *WorkspaceStore
}

// NewWorkspaceApplier creates the workspace stream applier.
func NewWorkspaceApplier(store *WorkspaceStore) *WorkspaceApplier {
	return &WorkspaceApplier{store: store}
}

// StreamType implements Applier.
func (a *WorkspaceApplier) StreamType() string { return StreamTypeWorkspace }

// Apply implements Applier.
func (a *WorkspaceApplier) Apply(tx *sql.Tx, item Item) error {
	var ws workspaceItem
	if err := json.Unmarshal(item.Data, &ws); err != nil {
		return errors.Wrap(err, "failed to decode workspace item")
	}
	if ws.ID == "" {
		return errors.Newf("workspace item at cursor %s missing id", item.Cursor)
	}

	if ws.Deleted {
		return a.store.DeleteTx(tx, ws.ID)
	}
	return a.store.UpsertTx(tx, &ws.Workspace)
}
