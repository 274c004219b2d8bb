// Package outbox implements durable, ordered delivery of locally-produced
// mutations to the authority. A mutation is enqueued before it becomes
// visible to the rest of the client, survives restarts, and leaves the
// outbox only by acknowledgment or explicit rejection.
package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Status of a stored mutation. Acknowledged mutations are deleted, so only
// the waiting and the rejected are ever on disk.
type Status string

const (
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Mutation is one locally-produced change awaiting authority acknowledgment.
type Mutation struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    Status          `json:"status"`
	Retries   int             `json:"retries"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewMutation creates a pending mutation.
func NewMutation(userID, mutationType string, payload json.RawMessage) (*Mutation, error) {
	if userID == "" {
		return nil, errors.New("userID cannot be empty")
	}
	if mutationType == "" {
		return nil, errors.New("mutation type cannot be empty")
	}

	return &Mutation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      mutationType,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}, nil
}
