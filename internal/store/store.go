// Package store provides the PostgreSQL-backed chat store: projects,
// sessions, their message history, and generated genre prompts.
//
// The store is optional. When no DSN is configured the server runs with
// in-memory history only and loses it on restart.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/boristopalov/abby/pkg/types"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("store: not found")

// SessionInfo describes one stored session.
type SessionInfo struct {
	ID        string
	ProjectID string
	Genre     string
	CreatedAt time.Time
}

// Store is the PostgreSQL chat store. It holds a single [pgxpool.Pool];
// all operations are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to the database at dsn, verifies the connection, and runs
// [Migrate].
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database connection. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

// EnsureSession creates the session (and its project) if they do not exist
// yet. Existing rows are left untouched.
func (s *Store) EnsureSession(ctx context.Context, sessionID, projectID string) error {
	const qProject = `
		INSERT INTO projects (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING`
	const qSession = `
		INSERT INTO sessions (id, project_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`

	if projectID != "" {
		if _, err := s.pool.Exec(ctx, qProject, projectID); err != nil {
			return fmt.Errorf("store: ensure project: %w", err)
		}
	}
	if _, err := s.pool.Exec(ctx, qSession, sessionID, projectID); err != nil {
		return fmt.Errorf("store: ensure session: %w", err)
	}
	return nil
}

// SetSessionGenre records the genre a session works in.
func (s *Store) SetSessionGenre(ctx context.Context, sessionID, genre string) error {
	const q = `UPDATE sessions SET genre = $2 WHERE id = $1`
	if _, err := s.pool.Exec(ctx, q, sessionID, genre); err != nil {
		return fmt.Errorf("store: set session genre: %w", err)
	}
	return nil
}

// SessionGenre returns the genre recorded for sessionID, or [ErrNotFound]
// when the session does not exist.
func (s *Store) SessionGenre(ctx context.Context, sessionID string) (string, error) {
	const q = `SELECT genre FROM sessions WHERE id = $1`

	var genre string
	err := s.pool.QueryRow(ctx, q, sessionID).Scan(&genre)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: session genre: %w", err)
	}
	return genre, nil
}

// SessionsForProject lists the sessions of one project, newest first.
func (s *Store) SessionsForProject(ctx context.Context, projectID string) ([]SessionInfo, error) {
	const q = `
		SELECT id, project_id, genre, created_at
		FROM   sessions
		WHERE  project_id = $1
		ORDER  BY created_at DESC`

	rows, err := s.pool.Query(ctx, q, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: sessions for project: %w", err)
	}
	infos, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionInfo, error) {
		var si SessionInfo
		err := row.Scan(&si.ID, &si.ProjectID, &si.Genre, &si.CreatedAt)
		return si, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan sessions: %w", err)
	}
	return infos, nil
}

// AppendMessage appends one chat message to a session's history.
func (s *Store) AppendMessage(ctx context.Context, sessionID, role, content string) error {
	const q = `
		INSERT INTO messages (session_id, role, content)
		VALUES ($1, $2, $3)`

	if _, err := s.pool.Exec(ctx, q, sessionID, role, content); err != nil {
		return fmt.Errorf("store: append message: %w", err)
	}
	return nil
}

// Messages returns the full message history of a session in chronological
// order, ready to seed an agent.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]types.Message, error) {
	const q = `
		SELECT role, content
		FROM   messages
		WHERE  session_id = $1
		ORDER  BY id`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (types.Message, error) {
		var m types.Message
		err := row.Scan(&m.Role, &m.Content)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan messages: %w", err)
	}
	return msgs, nil
}

// SaveGenre stores a generated genre prompt, replacing any prompt already
// stored under the same name.
func (s *Store) SaveGenre(ctx context.Context, name, prompt string) error {
	const q = `
		INSERT INTO genres (name, prompt) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET prompt = EXCLUDED.prompt`

	if _, err := s.pool.Exec(ctx, q, name, prompt); err != nil {
		return fmt.Errorf("store: save genre: %w", err)
	}
	return nil
}

// GenrePrompt returns the stored prompt for a genre, or [ErrNotFound].
func (s *Store) GenrePrompt(ctx context.Context, name string) (string, error) {
	const q = `SELECT prompt FROM genres WHERE name = $1`

	var prompt string
	err := s.pool.QueryRow(ctx, q, name).Scan(&prompt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("store: genre prompt: %w", err)
	}
	return prompt, nil
}

// Genres lists the names of all stored genres.
func (s *Store) Genres(ctx context.Context) ([]string, error) {
	const q = `SELECT name FROM genres ORDER BY name`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: genres: %w", err)
	}
	names, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (string, error) {
		var name string
		err := row.Scan(&name)
		return name, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: scan genres: %w", err)
	}
	return names, nil
}
