package action

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/garyjia/devportal-approvals/internal/domain/apperr"
)

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// TaskSpec is the part of the running task an action may inspect
type TaskSpec struct {
	TaskID     string
	TemplateID string
}

// Invocation is one execution of an action by the template engine
type Invocation struct {
	TaskID string
	Task   *TaskSpec
	// User is the entity ref of the user running the template, if known
	User string
	// RawInput is the action input as YAML or JSON
	RawInput []byte
}

// Output holds the named outputs of an action
type Output map[string]interface{}

// Action is a template step the engine can execute
type Action interface {
	ID() string
	Description() string
	Handle(ctx context.Context, inv *Invocation) (Output, error)
}

// Registry resolves actions by id
type Registry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewRegistry creates a registry holding actions
func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: make(map[string]Action)}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

// Register adds a, replacing any action with the same id
func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[a.ID()] = a
}

// Get returns the action with id
func (r *Registry) Get(id string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[id]
	if !ok {
		return nil, apperr.NotFound("action %s is not registered", id)
	}
	return a, nil
}

// IDs lists registered action ids in order
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Execute runs action id with inv
func (r *Registry) Execute(ctx context.Context, id string, inv *Invocation) (Output, error) {
	a, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	out, err := a.Handle(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("action %s: %w", id, err)
	}
	return out, nil
}
