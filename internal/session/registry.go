// Package session holds the authoritative in-memory view of sessions and
// keeps it in step with durable storage.
package session

import (
	"sort"
	"sync"
	"time"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/permission"
)

// Run is the cancellation handle of an in-flight agent run.
type Run interface {
	Abort()
}

type entry struct {
	session domain.Session
	pending *permission.Table
	run     Run
}

// Registry maps session ids to their live state: the durable fields plus
// the transient pending-permission table and run handle.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Put inserts or replaces the durable fields of a session. Transient state
// of an existing entry is kept.
func (r *Registry) Put(s *domain.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[s.ID]; ok {
		e.session = *s
		return
	}
	r.entries[s.ID] = &entry{session: *s, pending: permission.NewTable()}
}

// Get returns a copy of the session.
func (r *Registry) Get(id string) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	s := e.session
	return &s, true
}

// Has reports whether id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// Apply merges update into the session and returns the result.
func (r *Registry) Apply(id string, update domain.SessionUpdate, at time.Time) (*domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	if !update.IsEmpty() {
		update.Apply(&e.session)
		e.session.UpdatedAt = at
	}
	s := e.session
	return &s, true
}

// List returns copies of all sessions, most recently updated first.
func (r *Registry) List() []*domain.Session {
	r.mu.RLock()
	sessions := make([]*domain.Session, 0, len(r.entries))
	for _, e := range r.entries {
		s := e.session
		sessions = append(sessions, &s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].UpdatedAt.Equal(sessions[j].UpdatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Remove drops the entry and returns its run handle, if any.
func (r *Registry) Remove(id string) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	delete(r.entries, id)
	return e.run, true
}

// Pending returns the session's pending-permission table, or nil.
func (r *Registry) Pending(id string) *permission.Table {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.entries[id]; ok {
		return e.pending
	}
	return nil
}

// SetRun stores run as the session's handle and returns the one it
// replaced. It reports false if the session is unknown.
func (r *Registry) SetRun(id string, run Run) (Run, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	prev := e.run
	e.run = run
	return prev, true
}

// TakeRun removes and returns the session's run handle.
func (r *Registry) TakeRun(id string) Run {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	run := e.run
	e.run = nil
	return run
}

// ClearRun drops the handle only if it is still run, so a finished run
// never clears its successor.
func (r *Registry) ClearRun(id string, run Run) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok && e.run == run {
		e.run = nil
	}
}

// Runs returns every in-flight run handle.
func (r *Registry) Runs() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var runs []Run
	for _, e := range r.entries {
		if e.run != nil {
			runs = append(runs, e.run)
		}
	}
	return runs
}
