// Package server exposes the websocket channel clients talk to, plus the
// health and metrics endpoints. It owns session lifecycles and drives mixer
// indexing on first attach.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/boristopalov/abby/internal/events"
	"github.com/boristopalov/abby/internal/health"
	"github.com/boristopalov/abby/internal/live"
	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/internal/observer"
	"github.com/boristopalov/abby/internal/store"
	"github.com/boristopalov/abby/pkg/provider/llm"
)

// writeTimeout bounds a single websocket write.
const writeTimeout = 10 * time.Second

// closeProjectRequired is sent to clients that connect without selecting a
// project. Application close codes start at 4000.
const closeProjectRequired = websocket.StatusCode(4000)

// Inbound frame kinds.
const (
	frameMessage      = "message"
	frameApprovals    = "approvals"
	frameParamChanges = "get_param_changes"
)

// inbound is a client-to-server websocket frame. Unknown types are ignored.
type inbound struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Approvals map[string]bool `json:"approvals,omitempty"`
}

// Config holds the dependencies of a [Server].
type Config struct {
	// ListenAddr is the HTTP listen address, e.g. ":8722".
	ListenAddr string

	// Bridge talks to the DAW. Used for indexing and the readiness probe.
	Bridge *live.Bridge

	// Observer manages parameter change subscriptions during indexing.
	Observer *observer.Observer

	// Mirror receives the snapshot produced by indexing.
	Mirror *live.Mirror

	// Sessions creates and tracks chat sessions.
	Sessions *SessionManager

	// ObserverBus carries parameter_change events. Every connected client
	// receives them in addition to its own session's events.
	ObserverBus *events.Bus

	// Store, when non-nil, is included in the readiness probe and backs the
	// genre and session REST routes.
	Store *store.Store

	// Provider, when non-nil, serves the genre generation route.
	Provider llm.Provider

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// Server serves the websocket channel and the operational HTTP endpoints.
type Server struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics
	httpSrv *http.Server

	// baseCtx outlives individual connections so agent turns and indexing
	// survive client reconnects. Cancelled on Shutdown.
	baseCtx context.Context
	cancel  context.CancelFunc

	indexMu chan struct{}
}

// New builds a Server. Bridge, Observer, Mirror, and Sessions are required.
func New(cfg Config) (*Server, error) {
	var errs []error
	if cfg.Bridge == nil {
		errs = append(errs, errors.New("server: Bridge is required"))
	}
	if cfg.Observer == nil {
		errs = append(errs, errors.New("server: Observer is required"))
	}
	if cfg.Mirror == nil {
		errs = append(errs, errors.New("server: Mirror is required"))
	}
	if cfg.Sessions == nil {
		errs = append(errs, errors.New("server: Sessions is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		log:     log.With("component", "server"),
		metrics: metrics,
		baseCtx: baseCtx,
		cancel:  cancel,
		indexMu: make(chan struct{}, 1),
	}

	mux := http.NewServeMux()

	checkers := []health.Checker{{Name: "daw", Check: cfg.Bridge.IsLive}}
	if cfg.Store != nil {
		checkers = append(checkers, health.Checker{Name: "store", Check: cfg.Store.Ping})
	}
	hh := health.New(checkers...)
	instrumented := http.NewServeMux()
	hh.Register(instrumented)
	instrumented.Handle("GET /metrics", promhttp.Handler())
	s.registerAPI(instrumented)
	mux.Handle("/", observe.Middleware(metrics)(instrumented))

	// The websocket route bypasses the middleware: the wrapped response
	// writer hides the hijacker the upgrade needs.
	mux.HandleFunc("GET /ws", s.handleWS)

	s.httpSrv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return s, nil
}

// ListenAndServe blocks serving HTTP until Shutdown is called or the
// listener fails.
func (s *Server) ListenAndServe() error {
	s.log.Info("listening", "addr", s.cfg.ListenAddr)
	err := s.httpSrv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("server: listen: %w", err)
}

// Shutdown stops accepting connections, cancels running turns, and closes
// every session.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	err := s.httpSrv.Shutdown(ctx)
	s.cfg.Sessions.CloseAll()
	if err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// handleWS upgrades the connection and runs the session read loop until
// the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	projectID := r.URL.Query().Get("projectId")

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "err", err)
		return
	}

	if projectID == "" {
		s.log.Warn("rejecting connection without a project", "session_id", sessionID)
		conn.Close(closeProjectRequired, "project id is required")
		return
	}

	sess, err := s.cfg.Sessions.Attach(r.Context(), sessionID, projectID)
	if err != nil {
		s.log.Error("session attach failed", "session_id", sessionID, "err", err)
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return
	}

	log := s.log.With("session_id", sessionID)
	log.Info("client connected", "project_id", projectID)
	s.metrics.ActiveSessions.Add(r.Context(), 1)
	defer s.metrics.ActiveSessions.Add(context.Background(), -1)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	evs := sess.Bus.Subscribe(64)
	defer sess.Bus.Unsubscribe(evs)
	var observed <-chan events.Event
	if s.cfg.ObserverBus != nil {
		observed = s.cfg.ObserverBus.Subscribe(64)
		defer s.cfg.ObserverBus.Unsubscribe(observed)
	}
	go s.writePump(ctx, cancel, conn, evs, observed)

	if s.cfg.Sessions.ProjectIndexed(projectID) {
		sess.Bus.Publish(events.NewIndexingStatus(false, 100))
	} else {
		go s.index(sess, projectID)
	}

	s.readLoop(ctx, conn, sess, log)
	conn.Close(websocket.StatusNormalClosure, "")
	log.Info("client disconnected")
}

// readLoop consumes client frames. Malformed JSON is logged and skipped;
// unknown frame types are ignored.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sess *Session, log *slog.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var frame inbound
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed client frame", "err", err)
			continue
		}

		switch frame.Type {
		case frameMessage:
			// Turns run on the server's base context so they survive a
			// reconnect mid-stream.
			go func(text string) {
				if err := sess.Agent.ProcessMessage(s.baseCtx, text); err != nil {
					log.Error("agent turn failed", "err", err)
				}
			}(frame.Content)
		case frameApprovals:
			sess.deliverApprovals(frame.Approvals)
		case frameParamChanges:
			// The recent change history goes through the agent as a user
			// message, so the model narrates what the producer just tweaked.
			go func() {
				if err := sess.Agent.ProcessMessage(s.baseCtx, s.changesSummary()); err != nil {
					log.Error("agent turn failed", "err", err)
				}
			}()
		default:
			log.Debug("ignoring unknown frame", "type", frame.Type)
		}
	}
}

// writePump forwards session and observer events to the client. A write
// failure tears the connection down.
func (s *Server) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, evs, observed <-chan events.Event) {
	defer cancel()
	write := func(ev events.Event) bool {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, conn, ev)
		wcancel()
		if err != nil {
			s.log.Debug("websocket write failed", "kind", ev.Kind(), "err", err)
			return false
		}
		return true
	}

	for {
		select {
		case ev, ok := <-evs:
			if !ok || !write(ev) {
				return
			}
		case ev, ok := <-observed:
			if !ok || !write(ev) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// index enumerates the mixer, subscribes to parameter changes, and installs
// the snapshot. One indexing run at a time; a concurrent attach for the
// same project waits and then just reports completion.
func (s *Server) index(sess *Session, projectID string) {
	select {
	case s.indexMu <- struct{}{}:
	case <-s.baseCtx.Done():
		return
	}
	defer func() { <-s.indexMu }()

	if s.cfg.Sessions.ProjectIndexed(projectID) {
		sess.Bus.Publish(events.NewIndexingStatus(false, 100))
		return
	}

	progress := func(p int) {
		if p < 100 {
			sess.Bus.Publish(events.NewIndexingStatus(true, p))
		}
	}

	tracks, err := s.cfg.Bridge.EnumerateMixer(s.baseCtx, progress)
	if err != nil {
		s.indexFailed(sess, "enumerate mixer", err)
		return
	}

	snap, err := s.cfg.Observer.Subscribe(s.baseCtx, tracks, progress)
	if err != nil {
		s.indexFailed(sess, "subscribe to parameter changes", err)
		return
	}

	s.cfg.Mirror.Replace(snap)
	s.cfg.Sessions.MarkIndexed(projectID)
	sess.Bus.Publish(events.NewIndexingStatus(false, 100))
	s.log.Info("project indexed", "project_id", projectID, "tracks", len(tracks))
}

func (s *Server) indexFailed(sess *Session, stage string, err error) {
	s.log.Error("indexing failed", "stage", stage, "err", err)
	sess.Bus.Publish(events.NewError("indexing failed: " + err.Error()))
	sess.Bus.Publish(events.NewIndexingStatus(false, 0))
}
