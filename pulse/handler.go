package pulse

import (
	"context"
	"fmt"
	"sync"
)

// Handler defines the interface for executing a specific job type.
// Domain packages implement this interface to handle their job types,
// allowing the pulse infrastructure to remain decoupled from domain logic.
//
// Handlers must check their own preconditions (entity still exists, account
// still active) at the start of each attempt - conditions may have changed
// since the job was enqueued, and there is no external preemption.
type Handler interface {
	// Run executes one attempt and reports how it ended. A panic inside Run
	// is treated as Retry with the scheduler's default backoff - unknown
	// failures must not silently drop work.
	Run(ctx context.Context, job *Job) Outcome

	// Type returns the job type this handler serves (e.g. "sync.pull").
	// Used for handler registration and job routing.
	Type() string
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc struct {
	JobType string
	Fn      func(ctx context.Context, job *Job) Outcome
}

// Run implements Handler.
func (h HandlerFunc) Run(ctx context.Context, job *Job) Outcome { return h.Fn(ctx, job) }

// Type implements Handler.
func (h HandlerFunc) Type() string { return h.JobType }

// Registry manages job handlers by type.
// Thread-safe for concurrent handler registration and lookup, though in
// practice all registration happens at process startup.
type Registry struct {
	handlers map[string]Handler
	mu       sync.RWMutex
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler using its type.
// Panics if a handler is already registered for that type.
func (r *Registry) Register(handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	jobType := handler.Type()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type: %s", jobType))
	}
	r.handlers[jobType] = handler
}

// RegisterFunc adds a function handler for jobType.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, job *Job) Outcome) {
	r.Register(HandlerFunc{JobType: jobType, Fn: fn})
}

// Get retrieves the handler for a job type.
// Returns nil if no handler is registered.
func (r *Registry) Get(jobType string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[jobType]
}

// Has checks if a handler is registered for a job type.
func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	return types
}
