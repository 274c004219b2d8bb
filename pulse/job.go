// Package pulse provides the durable background job scheduler that drives
// all outbound sync work.
package pulse

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/errors"
)

// Status represents the current state of a job.
// There are only two: a job is either waiting for its turn or executing.
// Terminal outcomes (success, cancel) remove the row instead of parking it.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusRunning:
		return true
	default:
		return false
	}
}

// Job represents one unit of durable background work.
//
// Jobs are created by any caller, mutated only by the scheduler's run loop,
// removed on success/cancel and re-armed on retry. The ConcurrencyKey
// partitions jobs into independent lanes: at most the configured limit of
// jobs sharing a key run simultaneously.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`              // handler name, e.g. "sync.pull"
	Payload        json.RawMessage `json:"payload,omitempty"` // handler-specific data
	ConcurrencyKey string          `json:"concurrency_key"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextRunAt      time.Time       `json:"next_run_at"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// NewJob creates a pending job eligible to run immediately.
//
// Example:
//
//	payload, _ := json.Marshal(PullPayload{StreamType: "update_log"})
//	job, _ := pulse.NewJob("sync.pull", payload, "sync.pull:u-1:update_log")
func NewJob(jobType string, payload json.RawMessage, concurrencyKey string) (*Job, error) {
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}

	now := time.Now()
	return &Job{
		ID:             uuid.NewString(),
		Type:           jobType,
		Payload:        payload,
		ConcurrencyKey: concurrencyKey,
		Status:         StatusPending,
		NextRunAt:      now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Start marks the job as running.
func (j *Job) Start() {
	j.Status = StatusRunning
	j.UpdatedAt = time.Now()
}

// Rearm returns the job to pending with its next attempt scheduled after
// delay, incrementing the attempt counter.
func (j *Job) Rearm(delay time.Duration) {
	now := time.Now()
	j.Status = StatusPending
	j.Attempts++
	j.NextRunAt = now.Add(delay)
	j.UpdatedAt = now
}
