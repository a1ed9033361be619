package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/boristopalov/abby/internal/agent"
	"github.com/boristopalov/abby/internal/events"
	"github.com/boristopalov/abby/internal/live"
	"github.com/boristopalov/abby/internal/observer"
	"github.com/boristopalov/abby/internal/osc"
	"github.com/boristopalov/abby/pkg/provider/llm"
	"github.com/boristopalov/abby/pkg/types"
)

// stubProvider satisfies llm.Provider for wiring tests; its streams end
// immediately.
type stubProvider struct{}

func (stubProvider) StreamCompletion(context.Context, llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk)
	close(ch)
	return ch, nil
}

func (stubProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}

func (stubProvider) CountTokens([]types.Message) (int, error) { return 0, nil }

func (stubProvider) Capabilities() types.ModelCapabilities { return types.ModelCapabilities{} }

type stubRunner struct{}

func (stubRunner) Run(context.Context, types.ToolCall) (string, error) { return "{}", nil }

func TestInboundFrames(t *testing.T) {
	t.Run("message", func(t *testing.T) {
		var in inbound
		if err := json.Unmarshal([]byte(`{"type":"message","content":"make it darker"}`), &in); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if in.Type != frameMessage || in.Content != "make it darker" {
			t.Errorf("frame = %+v", in)
		}
	})

	t.Run("approvals", func(t *testing.T) {
		var in inbound
		raw := `{"type":"approvals","approvals":{"call_1":true,"call_2":false}}`
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if in.Type != frameApprovals || !in.Approvals["call_1"] || in.Approvals["call_2"] {
			t.Errorf("frame = %+v", in)
		}
	})

	t.Run("get_param_changes", func(t *testing.T) {
		var in inbound
		if err := json.Unmarshal([]byte(`{"type":"get_param_changes"}`), &in); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if in.Type != frameParamChanges {
			t.Errorf("frame = %+v", in)
		}
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestSession_Approvals(t *testing.T) {
	t.Run("publishes the request and returns the answer", func(t *testing.T) {
		sess := newSession("s1", "p1", testLogger())
		defer sess.Close()
		evs := sess.Bus.Subscribe(4)

		calls := []events.PendingCall{{ToolCallID: "call_1", Name: "set_device_parameter"}}
		type result struct {
			decisions map[string]bool
			err       error
		}
		done := make(chan result, 1)
		go func() {
			d, err := sess.Approve(context.Background(), calls)
			done <- result{d, err}
		}()

		select {
		case ev := <-evs:
			req, ok := ev.(events.ApprovalRequired)
			if !ok || len(req.Calls) != 1 || req.Calls[0].ToolCallID != "call_1" {
				t.Fatalf("event = %+v, want approval_required for call_1", ev)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no approval_required event published")
		}

		sess.deliverApprovals(map[string]bool{"call_1": true})

		select {
		case r := <-done:
			if r.err != nil || !r.decisions["call_1"] {
				t.Fatalf("Approve() = %v, %v", r.decisions, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Approve did not return after the answer arrived")
		}
	})

	t.Run("discards answers from an abandoned request", func(t *testing.T) {
		sess := newSession("s1", "p1", testLogger())
		defer sess.Close()
		evs := sess.Bus.Subscribe(4)

		// A leftover answer from a request whose Approve call was cancelled.
		sess.deliverApprovals(map[string]bool{"call_old": true})

		done := make(chan map[string]bool, 1)
		go func() {
			d, _ := sess.Approve(context.Background(), []events.PendingCall{{ToolCallID: "call_new"}})
			done <- d
		}()

		<-evs // approval_required
		sess.deliverApprovals(map[string]bool{"call_new": true})

		select {
		case d := <-done:
			if d["call_old"] || !d["call_new"] {
				t.Fatalf("decisions = %v, want only call_new", d)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Approve did not return")
		}
	})

	t.Run("cancellation unblocks a pending request", func(t *testing.T) {
		sess := newSession("s1", "p1", testLogger())
		defer sess.Close()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := sess.Approve(ctx, []events.PendingCall{{ToolCallID: "call_1"}})
			done <- err
		}()

		cancel()
		select {
		case err := <-done:
			if err == nil {
				t.Fatal("Approve() error = nil, want context error")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Approve did not return on cancellation")
		}
	})

	t.Run("unsolicited answers do not block the reader", func(t *testing.T) {
		sess := newSession("s1", "p1", testLogger())
		defer sess.Close()

		// One answer fills the buffer, the second is dropped. Neither blocks.
		sess.deliverApprovals(map[string]bool{"a": true})
		sess.deliverApprovals(map[string]bool{"b": true})
	})
}

func newTestManager() *SessionManager {
	return NewSessionManager(SessionManagerConfig{
		Provider:     stubProvider{},
		ProviderName: "stub",
		Runner:       stubRunner{},
		Logger:       testLogger(),
	})
}

func TestSessionManager_Attach(t *testing.T) {
	t.Run("creates a session on first attach", func(t *testing.T) {
		sm := newTestManager()
		defer sm.CloseAll()

		sess, err := sm.Attach(context.Background(), "s1", "p1")
		if err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if sess.ID != "s1" || sess.ProjectID != "p1" {
			t.Errorf("session = %+v", sess)
		}
		if sess.Agent == nil || sess.Bus == nil {
			t.Error("session missing agent or bus")
		}
	})

	t.Run("reattach returns the same session", func(t *testing.T) {
		sm := newTestManager()
		defer sm.CloseAll()

		first, err := sm.Attach(context.Background(), "s1", "p1")
		if err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		second, err := sm.Attach(context.Background(), "s1", "p1")
		if err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if first != second {
			t.Error("reattach created a new session")
		}

		other, err := sm.Attach(context.Background(), "s2", "p1")
		if err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		if other == first {
			t.Error("distinct session ids share a session")
		}
	})
}

func TestSessionManager_Indexed(t *testing.T) {
	sm := newTestManager()
	defer sm.CloseAll()

	if sm.ProjectIndexed("p1") {
		t.Error("ProjectIndexed() = true for a fresh project")
	}
	sm.MarkIndexed("p1")
	if !sm.ProjectIndexed("p1") {
		t.Error("ProjectIndexed() = false after MarkIndexed")
	}
	if sm.ProjectIndexed("p2") {
		t.Error("MarkIndexed leaked across projects")
	}
}

// stubConn is a dead OSC endpoint; every query through it times out.
type stubConn struct{}

func (stubConn) Send(string, ...any) error { return nil }

func (stubConn) Subscribe(string, osc.Handler) func() { return func() {} }

// stubDAW feeds the observer a one-parameter mixer and lets tests inject
// pushes.
type stubDAW struct {
	mu   sync.Mutex
	push func(live.ParamRef, float64)
}

func (d *stubDAW) GetParameters(context.Context, int, int) ([]live.Parameter, error) {
	return []live.Parameter{{ID: 0, Name: "Filter Freq", Value: 0.5, Min: 0, Max: 1}}, nil
}

func (d *stubDAW) StartListen(live.ParamRef) error { return nil }

func (d *stubDAW) StopListen(live.ParamRef) error { return nil }

func (d *stubDAW) OnParameterValue(fn func(live.ParamRef, float64)) func() {
	d.mu.Lock()
	d.push = fn
	d.mu.Unlock()
	return func() {}
}

func (d *stubDAW) send(ref live.ParamRef, v float64) {
	d.mu.Lock()
	fn := d.push
	d.mu.Unlock()
	if fn != nil {
		fn(ref, v)
	}
}

// newTestServer wires a Server over a dead bridge and a stub observer DAW.
// mut tweaks the config before construction.
func newTestServer(t *testing.T, mut ...func(*Config)) (*Server, *stubDAW) {
	t.Helper()

	bridge := live.NewBridge(stubConn{}, 50*time.Millisecond, live.WithLogger(testLogger()))
	t.Cleanup(bridge.Close)

	daw := &stubDAW{}
	obs := observer.New(daw, events.NewBus(testLogger()),
		observer.WithDebounce(10*time.Millisecond),
		observer.WithLogger(testLogger()),
	)
	t.Cleanup(obs.Unsubscribe)

	cfg := Config{
		ListenAddr: ":0",
		Bridge:     bridge,
		Observer:   obs,
		Mirror:     live.NewMirror(),
		Sessions:   newTestManager(),
		Logger:     testLogger(),
	}
	for _, m := range mut {
		m(&cfg)
	}

	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv, daw
}

func dialWS(t *testing.T, ctx context.Context, srv *Server, query string) *websocket.Conn {
	t.Helper()
	hs := httptest.NewServer(http.HandlerFunc(srv.handleWS))
	t.Cleanup(hs.Close)

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(hs.URL, "http")+"/ws?"+query, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.CloseNow() })
	return conn
}

func TestHandleWS(t *testing.T) {
	t.Run("rejects a connection without a project", func(t *testing.T) {
		srv, _ := newTestServer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn := dialWS(t, ctx, srv, "sessionId=s1")
		_, _, err := conn.Read(ctx)
		if got := websocket.CloseStatus(err); got != closeProjectRequired {
			t.Fatalf("close status = %v (read error %v), want %v", got, err, closeProjectRequired)
		}
	})

	t.Run("get_param_changes feeds the history to the agent", func(t *testing.T) {
		srv, _ := newTestServer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		conn := dialWS(t, ctx, srv, "sessionId=s1&projectId=p1")
		if err := wsjson.Write(ctx, conn, map[string]string{"type": frameParamChanges}); err != nil {
			t.Fatalf("Write() error = %v", err)
		}

		// The stub provider streams nothing, so the turn is just an
		// end_message. Indexing events from the dead bridge interleave.
		for {
			var frame map[string]any
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				t.Fatalf("Read() error = %v", err)
			}
			if frame["type"] == events.KindEndMessage {
				break
			}
		}

		sess, err := srv.cfg.Sessions.Attach(context.Background(), "s1", "p1")
		if err != nil {
			t.Fatalf("Attach() error = %v", err)
		}
		hist := sess.Agent.History()
		if len(hist) == 0 || hist[0].Role != "user" || !strings.Contains(hist[0].Content, "No recent parameter changes") {
			t.Fatalf("history = %+v, want a user message carrying the change summary", hist)
		}
	})
}

// genreProvider answers Complete with a well-formed generated genre.
type genreProvider struct{ stubProvider }

func (genreProvider) Complete(context.Context, llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{
		Content: "GENRE_NAME: \"Glacial Gqom Ambient\"\nPROMPT: \"\"\"\nsparse drums, icy pads\n\"\"\"",
	}, nil
}

func TestAPI(t *testing.T) {
	serve := func(t *testing.T, mut ...func(*Config)) (string, *Server, *stubDAW) {
		t.Helper()
		srv, daw := newTestServer(t, mut...)
		hs := httptest.NewServer(srv.httpSrv.Handler)
		t.Cleanup(hs.Close)
		return hs.URL, srv, daw
	}
	decode := func(t *testing.T, resp *http.Response, v any) {
		t.Helper()
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("response is not JSON: %v", err)
		}
	}

	t.Run("genres without a store lists the builtins", func(t *testing.T) {
		url, _, _ := serve(t)
		resp, err := http.Get(url + "/api/genres")
		if err != nil {
			t.Fatalf("GET /api/genres error = %v", err)
		}
		var out genresResponse
		decode(t, resp, &out)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if len(out.Genres) == 0 || out.Genres[0] != agent.DefaultGenre {
			t.Errorf("genres = %v, want the builtin %q", out.Genres, agent.DefaultGenre)
		}
		if out.DefaultGenre != agent.DefaultGenre {
			t.Errorf("defaultGenre = %q, want %q", out.DefaultGenre, agent.DefaultGenre)
		}
	})

	t.Run("random genre generates and returns the prompt", func(t *testing.T) {
		url, _, _ := serve(t, func(c *Config) { c.Provider = genreProvider{} })
		resp, err := http.Get(url + "/api/random-genre")
		if err != nil {
			t.Fatalf("GET /api/random-genre error = %v", err)
		}
		var out randomGenreResponse
		decode(t, resp, &out)
		if resp.StatusCode != http.StatusOK || !out.Success {
			t.Fatalf("status = %d success = %v, want 200 true", resp.StatusCode, out.Success)
		}
		if out.Genre != "Glacial Gqom Ambient" || out.SystemPrompt != "sparse drums, icy pads" {
			t.Errorf("generated = %q / %q", out.Genre, out.SystemPrompt)
		}
	})

	t.Run("random genre without a provider is unavailable", func(t *testing.T) {
		url, _, _ := serve(t)
		resp, err := http.Get(url + "/api/random-genre")
		if err != nil {
			t.Fatalf("GET /api/random-genre error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	t.Run("parameter changes start empty", func(t *testing.T) {
		url, _, _ := serve(t)
		resp, err := http.Get(url + "/api/parameter-changes")
		if err != nil {
			t.Fatalf("GET /api/parameter-changes error = %v", err)
		}
		var out changesResponse
		decode(t, resp, &out)
		if len(out.Changes) != 0 || out.Message == "" {
			t.Errorf("response = %+v, want no changes and an explanatory message", out)
		}
	})

	t.Run("parameter changes reflect the observer history", func(t *testing.T) {
		url, srv, daw := serve(t)

		tracks := []live.Track{{ID: 0, Name: "Drums", Devices: []live.Device{{ID: 0, Name: "Auto Filter"}}}}
		if _, err := srv.cfg.Observer.Subscribe(context.Background(), tracks, nil); err != nil {
			t.Fatalf("Subscribe() error = %v", err)
		}
		ref := live.ParamRef{Track: 0, Device: 0, Param: 0}
		daw.send(ref, 0.5) // subscription echo
		daw.send(ref, 0.8)
		time.Sleep(50 * time.Millisecond) // past the 10ms debounce

		resp, err := http.Get(url + "/api/parameter-changes")
		if err != nil {
			t.Fatalf("GET /api/parameter-changes error = %v", err)
		}
		var out changesResponse
		decode(t, resp, &out)
		if len(out.Changes) != 1 {
			t.Fatalf("changes = %+v, want exactly one", out.Changes)
		}
		c := out.Changes[0]
		if c.ParamName != "Filter Freq" || c.NewValue != 0.8 || c.Max != 1 {
			t.Errorf("change = %+v, want Filter Freq -> 0.8 with max 1", c)
		}
	})

	t.Run("store-backed routes are unavailable without a store", func(t *testing.T) {
		url, _, _ := serve(t)

		resp, err := http.Post(url+"/api/sessions/s1/genre", "application/json",
			strings.NewReader(`{"genre":"`+agent.DefaultGenre+`"}`))
		if err != nil {
			t.Fatalf("POST session genre error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("set genre status = %d, want 503", resp.StatusCode)
		}

		resp, err = http.Get(url + "/api/projects/p1/sessions")
		if err != nil {
			t.Fatalf("GET project sessions error = %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("project sessions status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestSessionManager_Evict(t *testing.T) {
	sm := newTestManager()
	defer sm.CloseAll()

	first, err := sm.Attach(context.Background(), "s1", "p1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	ch := first.Bus.Subscribe(1)

	sm.Evict("s1")
	if _, ok := <-ch; ok {
		t.Error("evicted session's bus still open")
	}

	second, err := sm.Attach(context.Background(), "s1", "p1")
	if err != nil {
		t.Fatalf("Attach() after evict error = %v", err)
	}
	if second == first {
		t.Error("attach after evict returned the closed session")
	}

	sm.Evict("s2") // unknown ids are a no-op
}

func TestSessionManager_CloseAll(t *testing.T) {
	sm := newTestManager()

	sess, err := sm.Attach(context.Background(), "s1", "p1")
	if err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	ch := sess.Bus.Subscribe(1)

	sm.CloseAll()

	if _, ok := <-ch; ok {
		t.Error("session bus still open after CloseAll")
	}
}
