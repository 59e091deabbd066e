package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashureev/cody/internal/domain"
	"github.com/ashureev/cody/internal/shared"
	"github.com/ashureev/cody/internal/store"
	"github.com/google/uuid"
)

// Store is the persistence contract used by the router. Reads of session
// state come from the registry; history and search go to the repository.
type Store struct {
	repo     store.Repository
	registry *Registry
	retry    shared.RetryPolicy
	now      func() time.Time
	logger   *slog.Logger
}

// NewStore mirrors every persisted session into registry. Sessions left
// running by a previous process are reset to idle since no run survives a
// restart.
func NewStore(ctx context.Context, repo store.Repository, registry *Registry, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		repo:     repo,
		registry: registry,
		retry:    shared.DefaultRetryPolicy,
		now:      time.Now,
		logger:   logger,
	}

	reset, err := repo.ResetRunningSessions(ctx, domain.StatusIdle)
	if err != nil {
		return nil, fmt.Errorf("reset interrupted sessions: %w", err)
	}
	if reset > 0 {
		logger.Info("Reset sessions interrupted by restart", "count", reset)
	}

	sessions, err := repo.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	for _, sess := range sessions {
		registry.Put(sess)
	}
	logger.Info("Loaded sessions", "count", len(sessions))
	return s, nil
}

// Registry returns the in-memory registry backing the store.
func (s *Store) Registry() *Registry {
	return s.registry
}

// Create allocates a new idle session and persists it.
func (s *Store) Create(ctx context.Context, spec domain.SessionSpec) (*domain.Session, error) {
	mode := spec.PermissionMode
	if !mode.Valid() {
		mode = domain.PermissionSecure
	}
	now := s.now()
	sess := &domain.Session{
		ID:             uuid.NewString(),
		Title:          spec.Title,
		Status:         domain.StatusIdle,
		Cwd:            spec.Cwd,
		AllowedTools:   spec.AllowedTools,
		PermissionMode: mode,
		LastPrompt:     spec.Prompt,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.registry.Put(sess)

	created := *sess
	return &created, nil
}

// Get looks the session up in memory.
func (s *Store) Get(id string) (*domain.Session, bool) {
	return s.registry.Get(id)
}

// List returns summaries of all sessions, most recently updated first.
func (s *Store) List() []domain.SessionSummary {
	sessions := s.registry.List()
	summaries := make([]domain.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		summaries = append(summaries, sess.Summary())
	}
	return summaries
}

// History rebuilds the durable record of a session. It returns nil when
// the session is not in storage.
func (s *Store) History(ctx context.Context, id string) (*domain.History, error) {
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if sess == nil {
		return nil, nil
	}

	stored, err := s.repo.ListMessages(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list messages for %s: %w", id, err)
	}

	messages := make([]domain.Message, 0, len(stored))
	for _, m := range stored {
		var msg domain.Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			s.logger.Warn("Skipping undecodable message", "session_id", id, "message_id", m.ID, "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	// Memory carries the latest status for sessions the registry knows.
	if live, ok := s.registry.Get(id); ok {
		sess = live
	}
	return &domain.History{Session: sess.Summary(), Messages: messages}, nil
}

// Update persists only the present fields of update, then applies them in
// memory. A failed write leaves the in-memory session untouched. It returns
// nil when the session is unknown.
func (s *Store) Update(ctx context.Context, id string, update domain.SessionUpdate) (*domain.Session, error) {
	if !s.registry.Has(id) {
		return nil, nil
	}

	at := s.now()
	if !update.IsEmpty() {
		err := shared.RetryOnConflict(ctx, s.retry, "update session", func() error {
			return s.repo.UpdateSession(ctx, id, update, at)
		})
		if err != nil {
			return nil, fmt.Errorf("update session %s: %w", id, err)
		}
	}

	sess, ok := s.registry.Apply(id, update, at)
	if !ok {
		return nil, nil
	}
	return sess, nil
}

// RecordMessage appends msg to the session log. Messages carrying an
// engine id are stored once no matter how often they are replayed.
func (s *Store) RecordMessage(ctx context.Context, sessionID string, msg domain.Message) (bool, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	id := msg.ID()
	if id == "" {
		id = uuid.NewString()
	}

	var inserted bool
	err = shared.RetryOnConflict(ctx, s.retry, "record message", func() error {
		var recErr error
		inserted, recErr = s.repo.RecordMessage(ctx, &domain.StoredMessage{
			ID:        id,
			SessionID: sessionID,
			Data:      data,
			CreatedAt: s.now(),
		})
		return recErr
	})
	if err != nil {
		return false, fmt.Errorf("record message for %s: %w", sessionID, err)
	}
	return inserted, nil
}

// Delete removes the session from memory and storage. It reports true if
// either still held it.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	_, inMemory := s.registry.Remove(id)

	var inStorage bool
	err := shared.RetryOnConflict(ctx, s.retry, "delete session", func() error {
		var delErr error
		inStorage, delErr = s.repo.DeleteSession(ctx, id)
		return delErr
	})
	if err != nil {
		return inMemory, fmt.Errorf("delete session %s: %w", id, err)
	}
	if inMemory != inStorage {
		s.logger.Warn("Session was only partially present at delete", "session_id", id,
			"in_memory", inMemory, "in_storage", inStorage)
	}
	return inMemory || inStorage, nil
}

// Search filters sessions by keyword and filter.
func (s *Store) Search(ctx context.Context, keyword string, filter domain.SearchFilter) ([]domain.SessionSummary, error) {
	sessions, err := s.repo.SearchSessions(ctx, keyword, filter)
	if err != nil {
		return nil, fmt.Errorf("search sessions: %w", err)
	}
	summaries := make([]domain.SessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		if live, ok := s.registry.Get(sess.ID); ok {
			sess = live
		}
		summaries = append(summaries, sess.Summary())
	}
	return summaries, nil
}

// RecentCwds lists recently used working directories.
func (s *Store) RecentCwds(ctx context.Context, limit int) ([]string, error) {
	cwds, err := s.repo.RecentCwds(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("recent cwds: %w", err)
	}
	return cwds, nil
}
