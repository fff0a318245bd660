package session

import (
	"context"
	"sync"
)

// Registry is a concurrency-safe map of live controllers keyed by session id.
type Registry struct {
	mu sync.Mutex
	m  map[string]*Controller
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[string]*Controller)}
}

// Get returns the controller for the given session id, or nil.
func (r *Registry) Get(sessionID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[sessionID]
}

// Set registers a controller under its session id, replacing any previous
// entry. The caller is responsible for cleaning up a replaced controller.
func (r *Registry) Set(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[c.SessionID] = c
}

// Remove drops and returns the controller for the given session id, or nil
// if none is registered. The caller decides whether to clean it up.
func (r *Registry) Remove(sessionID string) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.m[sessionID]
	delete(r.m, sessionID)
	return c
}

// Len reports the number of live controllers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// CloseAll cleans up every registered controller and empties the registry.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	controllers := make([]*Controller, 0, len(r.m))
	for _, c := range r.m {
		controllers = append(controllers, c)
	}
	r.m = make(map[string]*Controller)
	r.mu.Unlock()

	for _, c := range controllers {
		c.Cleanup(ctx)
	}
}
