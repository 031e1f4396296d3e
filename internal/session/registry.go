package session

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var (
	// ErrSessionNotFound is returned when a session cannot be found by ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrRegistryFull is returned when the session limit has been reached.
	ErrRegistryFull = errors.New("session limit reached")
)

// Registry defines the interface for tracking live sessions.
// It acts as a port in the hexagonal architecture pattern.
type Registry interface {
	// Save adds or replaces a session.
	// Returns ErrRegistryFull if a new session would exceed the limit.
	Save(ctx context.Context, c *Controller) error

	// FindByID retrieves a session by its unique identifier.
	// Returns ErrSessionNotFound if the session does not exist.
	FindByID(ctx context.Context, id string) (*Controller, error)

	// List returns all sessions, oldest first.
	List(ctx context.Context) ([]*Controller, error)

	// Delete removes a session from the registry.
	// Returns ErrSessionNotFound if the session does not exist.
	Delete(ctx context.Context, id string) error
}

// Compile-time check that MemoryRegistry implements Registry.
var _ Registry = (*MemoryRegistry)(nil)

// MemoryRegistry is an in-memory implementation of Registry.
// It uses a map with RWMutex for thread-safe access.
type MemoryRegistry struct {
	mu       sync.RWMutex
	max      int
	sessions map[string]*Controller
}

// NewMemoryRegistry creates a registry holding at most maxSessions sessions.
// A non-positive maxSessions means no limit.
func NewMemoryRegistry(maxSessions int) *MemoryRegistry {
	return &MemoryRegistry{
		max:      maxSessions,
		sessions: make(map[string]*Controller),
	}
}

// Save stores the session under its ID.
func (r *MemoryRegistry) Save(_ context.Context, c *Controller) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[c.ID()]; !ok && r.max > 0 && len(r.sessions) >= r.max {
		return ErrRegistryFull
	}
	r.sessions[c.ID()] = c
	return nil
}

// FindByID retrieves a session by its ID.
func (r *MemoryRegistry) FindByID(_ context.Context, id string) (*Controller, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return c, nil
}

// List returns all sessions ordered by creation time.
func (r *MemoryRegistry) List(_ context.Context) ([]*Controller, error) {
	r.mu.RLock()
	result := make([]*Controller, 0, len(r.sessions))
	for _, c := range r.sessions {
		result = append(result, c)
	}
	r.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].createdAt.Equal(result[j].createdAt) {
			return result[i].id < result[j].id
		}
		return result[i].createdAt.Before(result[j].createdAt)
	})
	return result, nil
}

// Delete removes a session from the registry. It does not close it.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(r.sessions, id)
	return nil
}
