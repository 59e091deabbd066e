package permission

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/ashureev/cody/internal/domain"
)

// ErrDuplicateRequest is returned when a correlation id is already pending.
var ErrDuplicateRequest = errors.New("permission request already pending")

// Pending is one tool call waiting for a human decision.
type Pending struct {
	ToolUseID string
	ToolName  string
	Input     json.RawMessage
	CreatedAt time.Time

	done chan domain.PermissionResult
}

// Table maps correlation ids to pending requests for one session.
// Every resolution goes through ResolveIfPresent, so each request is
// resolved exactly once.
type Table struct {
	mu      sync.Mutex
	pending map[string]*Pending
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{pending: make(map[string]*Pending)}
}

// Add registers a pending request.
func (t *Table) Add(toolUseID, toolName string, input json.RawMessage) (*Pending, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pending[toolUseID]; exists {
		return nil, ErrDuplicateRequest
	}
	p := &Pending{
		ToolUseID: toolUseID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: time.Now(),
		done:      make(chan domain.PermissionResult, 1),
	}
	t.pending[toolUseID] = p
	return p, nil
}

// ResolveIfPresent removes the request and delivers result to its waiter.
// It reports false when the id is unknown or already resolved.
func (t *Table) ResolveIfPresent(toolUseID string, result domain.PermissionResult) bool {
	t.mu.Lock()
	p, ok := t.pending[toolUseID]
	if ok {
		delete(t.pending, toolUseID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	p.done <- result
	return true
}

// AbortAll denies every pending request with reason and returns how many
// were resolved.
func (t *Table) AbortAll(reason string) int {
	t.mu.Lock()
	drained := t.pending
	t.pending = make(map[string]*Pending)
	t.mu.Unlock()

	for _, p := range drained {
		p.done <- domain.Deny(reason)
	}
	return len(drained)
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// Get returns a copy of the pending request for toolUseID.
func (t *Table) Get(toolUseID string) (Pending, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pending[toolUseID]
	if !ok {
		return Pending{}, false
	}
	return Pending{ToolUseID: p.ToolUseID, ToolName: p.ToolName, Input: p.Input, CreatedAt: p.CreatedAt}, true
}
