// Package domain contains core domain types for the cody server.
package domain

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusIdle, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// PermissionMode is the per-session tool policy.
type PermissionMode string

const (
	// PermissionSecure requires a human decision per tool, subject to the allow-list.
	PermissionSecure PermissionMode = "secure"
	// PermissionFree auto-allows every tool except the clarification tool.
	PermissionFree PermissionMode = "free"
)

// Valid reports whether m is a known permission mode.
func (m PermissionMode) Valid() bool {
	return m == PermissionSecure || m == PermissionFree
}

// Session is one resumable conversation thread with the agent engine.
type Session struct {
	ID             string
	Title          string
	Status         Status
	Cwd            string
	AllowedTools   *string // nil means no restriction
	PermissionMode PermissionMode
	LastPrompt     string
	ResumeToken    string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsRunning returns true if a run is in flight for the session.
func (s *Session) IsRunning() bool {
	return s.Status == StatusRunning
}

// Summary converts the session to its list representation.
func (s *Session) Summary() SessionSummary {
	return SessionSummary{
		ID:             s.ID,
		Title:          s.Title,
		Status:         s.Status,
		ResumeToken:    s.ResumeToken,
		Cwd:            s.Cwd,
		PermissionMode: s.PermissionMode,
		LastPrompt:     s.LastPrompt,
		CreatedAt:      s.CreatedAt.UnixMilli(),
		UpdatedAt:      s.UpdatedAt.UnixMilli(),
	}
}

// SessionSummary is the wire representation of a session in lists.
type SessionSummary struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Status         Status         `json:"status"`
	ResumeToken    string         `json:"resumeToken,omitempty"`
	Cwd            string         `json:"cwd,omitempty"`
	PermissionMode PermissionMode `json:"permissionMode"`
	LastPrompt     string         `json:"lastPrompt,omitempty"`
	CreatedAt      int64          `json:"createdAt"`
	UpdatedAt      int64          `json:"updatedAt"`
}

// SessionSpec holds the caller-provided attributes of a new session.
type SessionSpec struct {
	Title          string
	Prompt         string
	Cwd            string
	AllowedTools   *string
	PermissionMode PermissionMode
}

// SessionUpdate is a partial update. Nil fields are left untouched.
type SessionUpdate struct {
	Title          *string
	Status         *Status
	Cwd            *string
	LastPrompt     *string
	ResumeToken    *string
	PermissionMode *PermissionMode
}

// IsEmpty returns true if the update carries no fields.
func (u SessionUpdate) IsEmpty() bool {
	return u.Title == nil && u.Status == nil && u.Cwd == nil &&
		u.LastPrompt == nil && u.ResumeToken == nil && u.PermissionMode == nil
}

// Apply copies the present fields onto s.
func (u SessionUpdate) Apply(s *Session) {
	if u.Title != nil {
		s.Title = *u.Title
	}
	if u.Status != nil {
		s.Status = *u.Status
	}
	if u.Cwd != nil {
		s.Cwd = *u.Cwd
	}
	if u.LastPrompt != nil {
		s.LastPrompt = *u.LastPrompt
	}
	if u.ResumeToken != nil {
		s.ResumeToken = *u.ResumeToken
	}
	if u.PermissionMode != nil {
		s.PermissionMode = *u.PermissionMode
	}
}

// StatusUpdate is shorthand for an update that only changes the status.
func StatusUpdate(status Status) SessionUpdate {
	return SessionUpdate{Status: &status}
}

// SearchFilter narrows a session search. Zero values disable a filter.
type SearchFilter struct {
	Status        Status
	Cwd           string
	UpdatedAfter  time.Time
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

// History is the full durable record of a session.
type History struct {
	Session  SessionSummary
	Messages []Message
}
