package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sereneai/serene-server/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	if err := store.pruneCheckpoints(checkpointRetention); err != nil {
		return nil, fmt.Errorf("prune checkpoints: %w", err)
	}

	return store, nil
}

// checkpointRetention bounds how long completed step results are kept. A run
// only resumes within the window of a single request retry, so week-old rows
// are dead weight.
const checkpointRetention = 7 * 24 * time.Hour

func (s *SQLiteStore) pruneCheckpoints(retention time.Duration) error {
	cutoff := time.Now().Add(-retention).Unix()
	if _, err := s.db.Exec(`DELETE FROM workflow_steps WHERE completed_at < ?`, cutoff); err != nil {
		return fmt.Errorf("delete stale workflow steps: %w", err)
	}
	return nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS users (
		user_id TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		status TEXT NOT NULL DEFAULT 'active',
		memory_json TEXT NOT NULL DEFAULT '{}',
		summary TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, start_time);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		metadata_json TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);

	CREATE TABLE IF NOT EXISTS workflow_steps (
		run_id TEXT NOT NULL,
		step TEXT NOT NULL,
		result_json TEXT NOT NULL,
		completed_at INTEGER NOT NULL,
		PRIMARY KEY (run_id, step)
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
	return s.db.Close()
}

// GetUser retrieves a user by their user ID.
func (s *SQLiteStore) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	query := `
		SELECT user_id, username, last_seen_at, created_at, updated_at
		FROM users WHERE user_id = ?`

	row := s.db.QueryRowContext(ctx, query, userID)

	var user domain.User
	var lastSeen, createdAt, updatedAt int64

	err := row.Scan(&user.UserID, &user.Username, &lastSeen, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user row: %w", err)
	}

	user.LastSeenAt = time.Unix(lastSeen, 0)
	user.CreatedAt = time.Unix(createdAt, 0)
	user.UpdatedAt = time.Unix(updatedAt, 0)

	return &user, nil
}

// UpsertUser creates or updates a user record.
func (s *SQLiteStore) UpsertUser(ctx context.Context, user *domain.User) error {
	query := `
	INSERT INTO users (user_id, username, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		username = excluded.username,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		user.UserID, user.Username,
		user.LastSeenAt.Unix(), user.CreatedAt.Unix(), user.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a user.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error {
	query := `UPDATE users SET last_seen_at = ?, updated_at = ? WHERE user_id = ?`
	_, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), userID)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

// CreateSession persists a new chat session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *domain.Session) error {
	memoryJSON, err := json.Marshal(session.Memory)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, user_id, start_time, status, memory_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err = s.db.ExecContext(ctx, query,
		session.SessionID, session.UserID, session.StartTime.Unix(),
		session.Status, string(memoryJSON),
		session.CreatedAt.Unix(), session.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession retrieves a session with its ordered messages and memory.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	query := `
		SELECT session_id, user_id, start_time, status, memory_json, summary, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	row := s.db.QueryRowContext(ctx, query, sessionID)

	var session domain.Session
	var memoryJSON string
	var summary sql.NullString
	var startTime, createdAt, updatedAt int64

	err := row.Scan(
		&session.SessionID, &session.UserID, &startTime,
		&session.Status, &memoryJSON, &summary, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session row: %w", err)
	}

	session.StartTime = time.Unix(startTime, 0)
	session.CreatedAt = time.Unix(createdAt, 0)
	session.UpdatedAt = time.Unix(updatedAt, 0)
	session.Summary = summary.String

	if err := json.Unmarshal([]byte(memoryJSON), &session.Memory); err != nil {
		return nil, fmt.Errorf("unmarshal session memory: %w", err)
	}
	session.Memory.Normalize()

	messages, err := s.sessionMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Messages = messages

	return &session, nil
}

func (s *SQLiteStore) sessionMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	query := `
		SELECT role, content, timestamp, metadata_json
		FROM messages WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	messages := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var ts int64
		var metadataJSON sql.NullString

		if err := rows.Scan(&msg.Role, &msg.Content, &ts, &metadataJSON); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Timestamp = time.Unix(ts, 0)

		if metadataJSON.Valid && metadataJSON.String != "" {
			var meta domain.Metadata
			if err := json.Unmarshal([]byte(metadataJSON.String), &meta); err != nil {
				return nil, fmt.Errorf("unmarshal message metadata: %w", err)
			}
			msg.Metadata = &meta
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return messages, nil
}

// ListSessions returns session summaries for a user, newest first.
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]*domain.Session, error) {
	query := `
		SELECT session_id, user_id, start_time, status, summary, created_at, updated_at
		FROM sessions WHERE user_id = ? ORDER BY start_time DESC, created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*domain.Session{}
	for rows.Next() {
		var session domain.Session
		var summary sql.NullString
		var startTime, createdAt, updatedAt int64

		err := rows.Scan(
			&session.SessionID, &session.UserID, &startTime,
			&session.Status, &summary, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}

		session.StartTime = time.Unix(startTime, 0)
		session.CreatedAt = time.Unix(createdAt, 0)
		session.UpdatedAt = time.Unix(updatedAt, 0)
		session.Summary = summary.String
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return sessions, nil
}

// AppendMessages appends messages and saves the updated memory atomically.
func (s *SQLiteStore) AppendMessages(ctx context.Context, sessionID string, memory domain.Memory, messages ...domain.Message) error {
	memoryJSON, err := json.Marshal(memory)
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range messages {
		var metadataJSON any
		if msg.Metadata != nil {
			b, err := json.Marshal(msg.Metadata)
			if err != nil {
				return fmt.Errorf("marshal message metadata: %w", err)
			}
			metadataJSON = string(b)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO messages (session_id, role, content, timestamp, metadata_json) VALUES (?, ?, ?, ?, ?)`,
			sessionID, msg.Role, msg.Content, msg.Timestamp.Unix(), metadataJSON,
		)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET memory_json = ?, updated_at = ? WHERE session_id = ?`,
		string(memoryJSON), time.Now().Unix(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("update session memory: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// UpdateSessionStatus sets the session status and optional summary.
func (s *SQLiteStore) UpdateSessionStatus(ctx context.Context, sessionID, status, summary string) error {
	query := `UPDATE sessions SET status = ?, updated_at = ? WHERE session_id = ?`
	args := []any{status, time.Now().Unix(), sessionID}
	if summary != "" {
		query = `UPDATE sessions SET status = ?, summary = ?, updated_at = ? WHERE session_id = ?`
		args = []any{status, summary, time.Now().Unix(), sessionID}
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// GetStepResult returns the checkpointed result for a workflow step.
func (s *SQLiteStore) GetStepResult(ctx context.Context, runID, step string) ([]byte, bool, error) {
	query := `SELECT result_json FROM workflow_steps WHERE run_id = ? AND step = ?`

	var result string
	err := s.db.QueryRowContext(ctx, query, runID, step).Scan(&result)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("scan step result: %w", err)
	}
	return []byte(result), true, nil
}

// SaveStepResult records the result of a completed workflow step.
func (s *SQLiteStore) SaveStepResult(ctx context.Context, runID, step string, result []byte) error {
	query := `
	INSERT INTO workflow_steps (run_id, step, result_json, completed_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(run_id, step) DO UPDATE SET
		result_json = excluded.result_json,
		completed_at = excluded.completed_at`

	_, err := s.db.ExecContext(ctx, query, runID, step, string(result), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("save step result: %w", err)
	}
	return nil
}
