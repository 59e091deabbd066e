package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"modernc.org/sqlite"

	"github.com/ashureev/cody/internal/domain"
)

const sessionColumns = `id, title, resume_token, status, cwd, allowed_tools, permission_mode, last_prompt, created_at, updated_at`

// foldFunc is a Unicode-aware lower(). SQLite's LOWER only folds ASCII.
const foldFunc = "go_lower"

func init() {
	if err := sqlite.RegisterDeterministicScalarFunction(foldFunc, 1, foldArg); err != nil {
		panic("store: register " + foldFunc + ": " + err.Error())
	}
}

func foldArg(_ *sqlite.FunctionContext, args []driver.Value) (driver.Value, error) {
	switch v := args[0].(type) {
	case nil:
		return nil, nil
	case string:
		return strings.ToLower(v), nil
	case []byte:
		return strings.ToLower(string(v)), nil
	default:
		return v, nil
	}
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	return openSQLite(dbPath)
}

func openSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Pragmas apply per connection, so they travel in the DSN.
	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		resume_token TEXT,
		status TEXT NOT NULL,
		cwd TEXT,
		allowed_tools TEXT,
		permission_mode TEXT NOT NULL DEFAULT 'secure',
		last_prompt TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		data TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS engine_transcripts (
		token TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		data TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Title, nullString(session.ResumeToken), string(session.Status),
		nullString(session.Cwd), nullableString(session.AllowedTools), string(session.PermissionMode),
		nullString(session.LastPrompt), session.CreatedAt.UnixMilli(), session.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}
	return session, nil
}

// ListSessions returns all sessions ordered by updated_at desc.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*domain.Session, error) {
	return s.querySessions(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, created_at DESC`)
}

// UpdateSession persists only the fields present in update.
func (s *SQLiteStore) UpdateSession(ctx context.Context, id string, update domain.SessionUpdate, at time.Time) error {
	var sets []string
	var args []any

	if update.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Cwd != nil {
		sets = append(sets, "cwd = ?")
		args = append(args, nullString(*update.Cwd))
	}
	if update.LastPrompt != nil {
		sets = append(sets, "last_prompt = ?")
		args = append(args, nullString(*update.LastPrompt))
	}
	if update.ResumeToken != nil {
		sets = append(sets, "resume_token = ?")
		args = append(args, nullString(*update.ResumeToken))
	}
	if update.PermissionMode != nil {
		sets = append(sets, "permission_mode = ?")
		args = append(args, string(*update.PermissionMode))
	}
	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, at.UnixMilli(), id)

	query := `UPDATE sessions SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateSession affected 0 rows", "session_id", id)
	}
	return nil
}

// SearchSessions filters sessions by keyword and filter, newest-updated first.
func (s *SQLiteStore) SearchSessions(ctx context.Context, keyword string, filter domain.SearchFilter) ([]*domain.Session, error) {
	var where []string
	var args []any

	if kw := strings.ToLower(strings.TrimSpace(keyword)); kw != "" {
		pattern := "%" + escapeLike(kw) + "%"
		where = append(where, `(go_lower(title) LIKE ? ESCAPE '\' OR go_lower(COALESCE(last_prompt, '')) LIKE ? ESCAPE '\' OR go_lower(COALESCE(cwd, '')) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Cwd != "" {
		where = append(where, "cwd = ?")
		args = append(args, filter.Cwd)
	}
	if !filter.UpdatedAfter.IsZero() {
		where = append(where, "updated_at >= ?")
		args = append(args, filter.UpdatedAfter.UnixMilli())
	}
	if !filter.UpdatedBefore.IsZero() {
		where = append(where, "updated_at <= ?")
		args = append(args, filter.UpdatedBefore.UnixMilli())
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, created_at DESC`

	if filter.Limit > 0 || filter.Offset > 0 {
		limit := filter.Limit
		if limit <= 0 {
			limit = -1
		}
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, filter.Offset)
	}

	return s.querySessions(ctx, query, args...)
}

// ResetRunningSessions moves every running session to status.
func (s *SQLiteStore) ResetRunningSessions(ctx context.Context, status domain.Status) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET status = ?, updated_at = ? WHERE status = ?`,
		string(status), time.Now().UnixMilli(), string(domain.StatusRunning),
	)
	if err != nil {
		return 0, fmt.Errorf("reset running sessions: %w", err)
	}
	return result.RowsAffected()
}

// RecentCwds lists recent working directories.
func (s *SQLiteStore) RecentCwds(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT cwd, MAX(updated_at) AS latest
		FROM sessions
		WHERE cwd IS NOT NULL AND TRIM(cwd) != ''
		GROUP BY cwd
		ORDER BY latest DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent cwds: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close recent cwds rows", "error", closeErr)
		}
	}()

	var cwds []string
	for rows.Next() {
		var cwd string
		var latest int64
		if err := rows.Scan(&cwd, &latest); err != nil {
			return nil, fmt.Errorf("scan recent cwd: %w", err)
		}
		cwds = append(cwds, cwd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recent cwds: %w", err)
	}
	return cwds, nil
}

// DeleteSession removes a session row; messages and transcripts cascade.
func (s *SQLiteStore) DeleteSession(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// RecordMessage appends a message, ignoring replays of an existing ID.
func (s *SQLiteStore) RecordMessage(ctx context.Context, msg *domain.StoredMessage) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, session_id, data, created_at) VALUES (?, ?, ?, ?)`,
		msg.ID, msg.SessionID, string(msg.Data), msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return rows > 0, nil
}

// ListMessages returns a session's messages in insertion order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]domain.StoredMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, data, created_at FROM messages
		WHERE session_id = ?
		ORDER BY created_at ASC, rowid ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []domain.StoredMessage
	for rows.Next() {
		var msg domain.StoredMessage
		var data string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Data = []byte(data)
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// SaveTranscript stores an engine transcript under a resume token.
func (s *SQLiteStore) SaveTranscript(ctx context.Context, token, sessionID string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO engine_transcripts (token, session_id, data, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(token) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at`,
		token, sessionID, string(data), time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("upsert transcript: %w", err)
	}
	return nil
}

// LoadTranscript returns the transcript for token.
func (s *SQLiteStore) LoadTranscript(ctx context.Context, token string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM engine_transcripts WHERE token = ?`, token).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return []byte(data), nil
}

func (s *SQLiteStore) querySessions(ctx context.Context, query string, args ...any) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close session rows", "error", closeErr)
		}
	}()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func scanSession(scan func(dest ...any) error) (*domain.Session, error) {
	var session domain.Session
	var resumeToken, cwd, allowedTools, lastPrompt sql.NullString
	var status, mode string
	var createdAt, updatedAt int64

	if err := scan(
		&session.ID, &session.Title, &resumeToken, &status,
		&cwd, &allowedTools, &mode, &lastPrompt,
		&createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}

	session.Status = domain.Status(status)
	session.PermissionMode = domain.PermissionMode(mode)
	session.ResumeToken = resumeToken.String
	session.Cwd = cwd.String
	session.LastPrompt = lastPrompt.String
	if allowedTools.Valid {
		v := allowedTools.String
		session.AllowedTools = &v
	}
	session.CreatedAt = time.UnixMilli(createdAt)
	session.UpdatedAt = time.UnixMilli(updatedAt)
	return &session, nil
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
