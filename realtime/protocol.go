package realtime

// EventType discriminates pushed events.
type EventType string

const (
	// EventAccountUpdated signals the user's account or memberships changed;
	// the workspace stream is pulled to find out what.
	EventAccountUpdated EventType = "account_updated"

	// EventWorkspaceDeleted is self-contained and applied directly.
	EventWorkspaceDeleted EventType = "workspace_deleted"

	// EventEntityChanged signals new update log entries exist for an entity's
	// stream; carries the stream identity to pull.
	EventEntityChanged EventType = "entity_changed"
)

// Event is the push envelope. Fields beyond Type are populated per event
// type; unknown types are skipped so the authority can ship new events
// before every client understands them.
type Event struct {
	Type         EventType `json:"type"`
	WorkspaceID  string    `json:"workspace_id,omitempty"`
	EntityID     string    `json:"entity_id,omitempty"`
	StreamType   string    `json:"stream_type,omitempty"`
	StreamParams string    `json:"stream_params,omitempty"`
}
