package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/boristopalov/abby/internal/agent"
	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/internal/store"
	"github.com/boristopalov/abby/pkg/provider/llm"
	"github.com/boristopalov/abby/pkg/types"
)

// SessionManager creates sessions on first attach and hands existing ones
// back on reconnect. All exported methods are safe for concurrent use.
type SessionManager struct {
	provider     llm.Provider
	providerName string
	runner       agent.ToolRunner
	store        *store.Store
	defaultGenre string
	maxTokens    int
	temperature  float64
	log          *slog.Logger
	metrics      *observe.Metrics

	mu       sync.Mutex
	sessions map[string]*Session
	indexed  map[string]bool
}

// SessionManagerConfig holds the dependencies of a [SessionManager].
// Store may be nil; sessions then run with in-memory history only.
type SessionManagerConfig struct {
	Provider     llm.Provider
	ProviderName string
	Runner       agent.ToolRunner
	Store        *store.Store
	DefaultGenre string
	MaxTokens    int
	Temperature  float64
	Logger       *slog.Logger
	Metrics      *observe.Metrics
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	genre := cfg.DefaultGenre
	if genre == "" {
		genre = agent.DefaultGenre
	}
	return &SessionManager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		runner:       cfg.Runner,
		store:        cfg.Store,
		defaultGenre: genre,
		maxTokens:    cfg.MaxTokens,
		temperature:  cfg.Temperature,
		log:          log.With("component", "sessions"),
		metrics:      metrics,
		sessions:     make(map[string]*Session),
		indexed:      make(map[string]bool),
	}
}

// Attach returns the session for sessionID, creating it on first use. New
// sessions get their genre and message history from the chat store when one
// is configured.
func (sm *SessionManager) Attach(ctx context.Context, sessionID, projectID string) (*Session, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sess, ok := sm.sessions[sessionID]; ok {
		return sess, nil
	}

	sess := newSession(sessionID, projectID, sm.log)

	genre, seed, err := sm.restore(ctx, sessionID, projectID)
	if err != nil {
		sess.Close()
		return nil, err
	}

	genrePrompt := ""
	if sm.store != nil {
		p, err := sm.store.GenrePrompt(ctx, genre)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			sm.log.Warn("genre prompt lookup failed", "genre", genre, "err", err)
		} else if err == nil {
			genrePrompt = p
		}
	}

	ag, err := agent.New(agent.Config{
		Provider:     sm.provider,
		ProviderName: sm.providerName,
		Runner:       sm.runner,
		Bus:          sess.Bus,
		Approver:     sess,
		SystemPrompt: agent.SystemPrompt(genre, genrePrompt),
		MaxTokens:    sm.maxTokens,
		Temperature:  sm.temperature,
		Persist:      sm.persistFunc(sessionID),
		Logger:       sm.log,
		Metrics:      sm.metrics,
	})
	if err != nil {
		sess.Close()
		return nil, fmt.Errorf("server: create agent: %w", err)
	}
	if len(seed) > 0 {
		ag.SeedHistory(seed)
	}
	sess.Agent = ag

	sm.sessions[sessionID] = sess
	sm.log.Info("session created", "session_id", sessionID, "project_id", projectID, "genre", genre, "replayed", len(seed))
	return sess, nil
}

// restore pulls a session's genre and stored history from the chat store,
// registering the session row if it is new.
func (sm *SessionManager) restore(ctx context.Context, sessionID, projectID string) (string, []types.Message, error) {
	genre := sm.defaultGenre
	if sm.store == nil {
		return genre, nil, nil
	}

	if err := sm.store.EnsureSession(ctx, sessionID, projectID); err != nil {
		return "", nil, fmt.Errorf("server: ensure session: %w", err)
	}

	stored, err := sm.store.SessionGenre(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", nil, fmt.Errorf("server: session genre: %w", err)
	}
	if stored != "" {
		genre = stored
	}

	seed, err := sm.store.Messages(ctx, sessionID)
	if err != nil {
		return "", nil, fmt.Errorf("server: replay messages: %w", err)
	}
	return genre, seed, nil
}

// persistFunc returns the agent's message sink for one session. Storage
// failures are logged, never surfaced into the turn.
func (sm *SessionManager) persistFunc(sessionID string) func(context.Context, string, string) {
	if sm.store == nil {
		return nil
	}
	return func(ctx context.Context, role, content string) {
		if err := sm.store.AppendMessage(ctx, sessionID, role, content); err != nil {
			sm.log.Warn("persist message failed", "session_id", sessionID, "role", role, "err", err)
		}
	}
}

// ProjectIndexed reports whether the mixer of projectID has already been
// enumerated during this process's lifetime.
func (sm *SessionManager) ProjectIndexed(projectID string) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.indexed[projectID]
}

// MarkIndexed records that projectID's mixer has been enumerated.
func (sm *SessionManager) MarkIndexed(projectID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.indexed[projectID] = true
}

// Evict closes and drops the in-memory session. The next attach rebuilds it
// from the chat store, picking up a changed genre and replaying history.
func (sm *SessionManager) Evict(sessionID string) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sess, ok := sm.sessions[sessionID]; ok {
		sess.Close()
		delete(sm.sessions, sessionID)
	}
}

// CloseAll shuts down every session's event bus.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	for id, sess := range sm.sessions {
		sess.Close()
		delete(sm.sessions, id)
	}
}
