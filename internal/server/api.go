package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/boristopalov/abby/internal/agent"
	"github.com/boristopalov/abby/internal/live"
)

// The REST side channel next to the websocket: genre management, stored
// sessions, and the recent parameter change history. Session and project
// fields are camelCase on this surface, parameter fields stay snake_case.

var errNoStore = errors.New("no chat store configured")

type genresResponse struct {
	Genres       []string `json:"genres"`
	DefaultGenre string   `json:"defaultGenre"`
}

type genreRequest struct {
	Genre string `json:"genre"`
}

type randomGenreResponse struct {
	Success      bool   `json:"success"`
	Genre        string `json:"genre"`
	SystemPrompt string `json:"systemPrompt"`
}

type sessionInfo struct {
	SessionID string    `json:"sessionId"`
	ProjectID string    `json:"projectId"`
	Genre     string    `json:"genre"`
	CreatedAt time.Time `json:"createdAt"`
}

type sessionsResponse struct {
	Sessions []sessionInfo `json:"sessions"`
}

type changesResponse struct {
	Changes []live.Change `json:"changes"`
	Message string        `json:"message,omitempty"`
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/genres", s.handleGenres)
	mux.HandleFunc("GET /api/random-genre", s.handleRandomGenre)
	mux.HandleFunc("GET /api/parameter-changes", s.handleParameterChanges)
	mux.HandleFunc("POST /api/sessions/{id}/genre", s.handleSetSessionGenre)
	mux.HandleFunc("GET /api/projects/{id}/sessions", s.handleProjectSessions)
}

// handleGenres lists every selectable genre: the built-in set merged with
// whatever the chat store has accumulated.
func (s *Server) handleGenres(w http.ResponseWriter, r *http.Request) {
	names := agent.BuiltinGenres()
	if s.cfg.Store != nil {
		stored, err := s.cfg.Store.Genres(r.Context())
		if err != nil {
			s.apiError(w, http.StatusInternalServerError, err)
			return
		}
		for _, n := range stored {
			if !slices.Contains(names, n) {
				names = append(names, n)
			}
		}
	}
	slices.Sort(names)
	s.writeJSON(w, http.StatusOK, genresResponse{
		Genres:       names,
		DefaultGenre: s.cfg.Sessions.defaultGenre,
	})
}

// handleRandomGenre asks the model for a brand-new genre style prompt and,
// when a store is configured, persists it for later sessions.
func (s *Server) handleRandomGenre(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Provider == nil {
		s.apiError(w, http.StatusServiceUnavailable, errors.New("no LLM provider configured"))
		return
	}

	name, prompt, err := agent.GenerateGenre(r.Context(), s.cfg.Provider)
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, err)
		return
	}
	if s.cfg.Store != nil {
		if err := s.cfg.Store.SaveGenre(r.Context(), name, prompt); err != nil {
			s.apiError(w, http.StatusInternalServerError, err)
			return
		}
	}
	s.log.Info("generated genre", "genre", name)
	s.writeJSON(w, http.StatusOK, randomGenreResponse{Success: true, Genre: name, SystemPrompt: prompt})
}

// handleParameterChanges returns the observer's windowed change history.
func (s *Server) handleParameterChanges(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.recentChanges())
}

// handleSetSessionGenre records the genre a session works in. The agent
// picks the stored genre up on the session's next attach.
func (s *Server) handleSetSessionGenre(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.apiError(w, http.StatusServiceUnavailable, errNoStore)
		return
	}

	var req genreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Genre == "" {
		s.apiError(w, http.StatusBadRequest, errors.New("body must be a JSON object with a non-empty \"genre\""))
		return
	}
	if !s.genreKnown(r, req.Genre) {
		s.apiError(w, http.StatusNotFound, errors.New("unknown genre "+req.Genre))
		return
	}
	sessionID := r.PathValue("id")
	if err := s.cfg.Store.SetSessionGenre(r.Context(), sessionID, req.Genre); err != nil {
		s.apiError(w, http.StatusInternalServerError, err)
		return
	}
	// Drop the live session so the next attach rebuilds the agent with the
	// new genre prompt; its history replays from the store.
	s.cfg.Sessions.Evict(sessionID)
	s.writeJSON(w, http.StatusOK, map[string]any{"success": true, "genre": req.Genre})
}

// handleProjectSessions lists the stored sessions of one project, newest
// first.
func (s *Server) handleProjectSessions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		s.apiError(w, http.StatusServiceUnavailable, errNoStore)
		return
	}

	infos, err := s.cfg.Store.SessionsForProject(r.Context(), r.PathValue("id"))
	if err != nil {
		s.apiError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionInfo, len(infos))
	for i, si := range infos {
		out[i] = sessionInfo{
			SessionID: si.ID,
			ProjectID: si.ProjectID,
			Genre:     si.Genre,
			CreatedAt: si.CreatedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, sessionsResponse{Sessions: out})
}

// genreKnown reports whether genre is built in or stored.
func (s *Server) genreKnown(r *http.Request, genre string) bool {
	if slices.Contains(agent.BuiltinGenres(), genre) {
		return true
	}
	if s.cfg.Store == nil {
		return false
	}
	_, err := s.cfg.Store.GenrePrompt(r.Context(), genre)
	return err == nil
}

// recentChanges renders the observer history in the wire shape shared by the
// REST route and the websocket's get_param_changes frame.
func (s *Server) recentChanges() changesResponse {
	resp := changesResponse{Changes: s.cfg.Observer.RecentChanges()}
	if len(resp.Changes) == 0 {
		resp.Changes = []live.Change{}
		resp.Message = "No recent parameter changes found"
	}
	return resp
}

// changesSummary is the recent change history as the user-message payload
// fed to the agent.
func (s *Server) changesSummary() string {
	b, err := json.Marshal(s.recentChanges())
	if err != nil {
		return `{"changes":[],"message":"No recent parameter changes found"}`
	}
	return string(b)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("api response write failed", "err", err)
	}
}

func (s *Server) apiError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("api request failed", "status", status, "err", err)
	}
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
