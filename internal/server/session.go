package server

import (
	"context"
	"log/slog"

	"github.com/boristopalov/abby/internal/agent"
	"github.com/boristopalov/abby/internal/events"
)

// Session is one chat session. It owns the agent driving the conversation,
// the event bus its events are published on, and the approval channel fed
// by the websocket read loop.
//
// Sessions outlive websocket connections: a client that reconnects with
// the same session id picks up the same agent and history.
type Session struct {
	ID        string
	ProjectID string
	Agent     *agent.Agent
	Bus       *events.Bus

	log       *slog.Logger
	approvals chan map[string]bool
}

var _ agent.Approver = (*Session)(nil)

func newSession(id, projectID string, log *slog.Logger) *Session {
	return &Session{
		ID:        id,
		ProjectID: projectID,
		Bus:       events.NewBus(log),
		log:       log.With("session_id", id),
		approvals: make(chan map[string]bool, 1),
	}
}

// Approve implements [agent.Approver]. It publishes an approval_required
// event for calls and blocks until the client answers, ctx is cancelled,
// or the session closes. Answers from an earlier, abandoned request are
// discarded first.
func (s *Session) Approve(ctx context.Context, calls []events.PendingCall) (map[string]bool, error) {
	for {
		select {
		case stale := <-s.approvals:
			s.log.Warn("discarding stale approval answer", "decisions", len(stale))
			continue
		default:
		}
		break
	}

	s.Bus.Publish(events.NewApprovalRequired(calls))

	select {
	case decisions := <-s.approvals:
		return decisions, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// deliverApprovals hands a client's approval answer to a waiting Approve
// call. Answers arriving when nothing is pending are buffered; a second
// unconsumed answer is dropped.
func (s *Session) deliverApprovals(decisions map[string]bool) {
	select {
	case s.approvals <- decisions:
	default:
		s.log.Warn("dropping approval answer, none pending", "decisions", len(decisions))
	}
}

// Close shuts the session's event bus down, unblocking every subscriber.
func (s *Session) Close() {
	s.Bus.Close()
}
