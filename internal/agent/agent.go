// Package agent implements the streaming tool-calling chat loop that lets
// the model inspect and change the mixer, plus the fixed tool catalog and
// the genre style prompts.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/boristopalov/abby/internal/events"
	"github.com/boristopalov/abby/internal/observe"
	"github.com/boristopalov/abby/pkg/provider/llm"
	"github.com/boristopalov/abby/pkg/types"
)

// deniedResult is the tool result the model sees when the client rejects a
// mutating call.
const deniedResult = "denied by user"

// ToolRunner executes a single tool call and returns its JSON result.
type ToolRunner interface {
	Run(ctx context.Context, call types.ToolCall) (string, error)
}

// Approver gates mutating tool calls on an explicit client decision. The
// implementation publishes the approval request to the client and blocks
// until the answer arrives.
type Approver interface {
	// Approve asks the client to rule on calls and returns the decisions
	// keyed by tool-call id. Ids missing from the result count as denied.
	Approve(ctx context.Context, calls []events.PendingCall) (map[string]bool, error)
}

// Config carries everything an [Agent] needs. Provider, Runner, and Bus are
// required.
type Config struct {
	// Provider is the LLM backend driving the loop.
	Provider llm.Provider

	// ProviderName labels provider errors in metrics.
	ProviderName string

	// Runner executes tool calls.
	Runner ToolRunner

	// Bus receives the events of every turn.
	Bus *events.Bus

	// Approver rules on mutating calls. When nil, every mutating call is
	// denied.
	Approver Approver

	// SystemPrompt is injected ahead of the conversation history.
	SystemPrompt string

	// Temperature and MaxTokens are passed through to the provider. Zero
	// values use provider defaults.
	Temperature float64
	MaxTokens   int

	// Persist, when non-nil, is called with every user and assistant
	// message for durable storage. Failures there must not break the turn,
	// so it has no error return.
	Persist func(ctx context.Context, role, content string)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

func (c Config) validate() error {
	var errs []error
	if c.Provider == nil {
		errs = append(errs, errors.New("agent: Provider is required"))
	}
	if c.Runner == nil {
		errs = append(errs, errors.New("agent: Runner is required"))
	}
	if c.Bus == nil {
		errs = append(errs, errors.New("agent: Bus is required"))
	}
	return errors.Join(errs...)
}

// Agent drives the chat loop for one session. Turns are serialized: a
// second ProcessMessage blocks until the first finishes. The message
// history lives here for the lifetime of the session; durable storage goes
// through Config.Persist.
type Agent struct {
	cfg     Config
	log     *slog.Logger
	metrics *observe.Metrics

	mu      sync.Mutex
	history []types.Message
}

// New validates cfg and builds an Agent.
func New(cfg Config) (*Agent, error) {
	if err := cfg.validate(); err != nil {
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
	return &Agent{
		cfg:     cfg,
		log:     log.With("component", "agent"),
		metrics: metrics,
	}, nil
}

// SeedHistory replaces the in-memory history, typically with messages
// replayed from the chat store on session attach.
func (a *Agent) SeedHistory(msgs []types.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append([]types.Message(nil), msgs...)
}

// History returns a copy of the in-memory message history.
func (a *Agent) History() []types.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]types.Message(nil), a.history...)
}

// ProcessMessage runs one full agent turn for the given user input: it
// streams model output as text events, executes any requested tools
// (mutating ones gated on approval), feeds results back to the model, and
// repeats until a completion arrives with no tool calls. Every model turn
// ends with an end_message event.
//
// Cancelling ctx aborts the current streaming completion; no further tools
// execute.
func (a *Agent) ProcessMessage(ctx context.Context, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	start := time.Now()
	a.history = append(a.history, types.Message{Role: "user", Content: text})
	a.persist(ctx, "user", text)

	for {
		assistant, err := a.modelTurn(ctx)
		if err != nil {
			a.metrics.RecordAgentTurn(ctx, "error", time.Since(start))
			return err
		}

		a.history = append(a.history, assistant)
		if assistant.Content != "" {
			a.persist(ctx, "assistant", assistant.Content)
		}
		a.cfg.Bus.Publish(events.NewEndMessage())

		if len(assistant.ToolCalls) == 0 {
			break
		}
		if err := a.runTools(ctx, assistant.ToolCalls); err != nil {
			a.metrics.RecordAgentTurn(ctx, "error", time.Since(start))
			return err
		}
	}

	a.metrics.RecordAgentTurn(ctx, "ok", time.Since(start))
	return nil
}

// modelTurn streams one completion, publishing text deltas as they arrive,
// and returns the complete assistant message.
func (a *Agent) modelTurn(ctx context.Context) (types.Message, error) {
	stream, err := a.cfg.Provider.StreamCompletion(ctx, llm.CompletionRequest{
		Messages:     a.history,
		Tools:        Catalog(),
		SystemPrompt: a.cfg.SystemPrompt,
		Temperature:  a.cfg.Temperature,
		MaxTokens:    a.cfg.MaxTokens,
	})
	if err != nil {
		a.cfg.Bus.Publish(events.NewError(err.Error()))
		a.metrics.RecordProviderError(ctx, a.cfg.ProviderName)
		return types.Message{}, fmt.Errorf("agent: start completion: %w", err)
	}

	var sb strings.Builder
	var toolCalls []types.ToolCall
	var streamErr error

	for chunk := range stream {
		if chunk.FinishReason == "error" {
			streamErr = errors.New(chunk.Text)
			break
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
			a.cfg.Bus.Publish(events.NewText(chunk.Text))
		}
		if len(chunk.ToolCalls) > 0 {
			// The provider accumulates fragments and emits the complete
			// list on the final chunk.
			toolCalls = append(toolCalls[:0], chunk.ToolCalls...)
		}
	}
	for range stream {
	}

	if streamErr != nil {
		a.cfg.Bus.Publish(events.NewError(streamErr.Error()))
		a.metrics.RecordProviderError(ctx, a.cfg.ProviderName)
		return types.Message{}, fmt.Errorf("agent: stream: %w", streamErr)
	}
	if err := ctx.Err(); err != nil {
		return types.Message{}, fmt.Errorf("agent: %w", err)
	}

	return types.Message{Role: "assistant", Content: sb.String(), ToolCalls: toolCalls}, nil
}

// runTools gates mutating calls on approval, executes everything in call
// order, then emits the function_call / function_result pairs and appends
// the results to the history.
func (a *Agent) runTools(ctx context.Context, calls []types.ToolCall) error {
	var pending []events.PendingCall
	for _, tc := range calls {
		if Mutating(tc.Name) {
			pending = append(pending, events.PendingCall{
				ToolCallID: tc.ID,
				Name:       tc.Name,
				Arguments:  rawArgs(tc.Arguments),
			})
		}
	}

	decisions := map[string]bool{}
	if len(pending) > 0 {
		if a.cfg.Approver == nil {
			a.log.Warn("no approver configured; denying mutating tool calls", "calls", len(pending))
		} else {
			d, err := a.cfg.Approver.Approve(ctx, pending)
			if err != nil {
				return fmt.Errorf("agent: await approval: %w", err)
			}
			decisions = d
		}
	}

	results := make([]string, len(calls))
	for i, tc := range calls {
		if Mutating(tc.Name) && !decisions[tc.ID] {
			results[i] = deniedResult
			a.metrics.RecordToolCall(ctx, tc.Name, "denied")
			a.log.Info("mutating tool call denied", "tool", tc.Name, "id", tc.ID)
			continue
		}
		out, err := a.cfg.Runner.Run(ctx, tc)
		if err != nil {
			out = "Error: " + err.Error()
		}
		results[i] = out
	}

	for i, tc := range calls {
		a.cfg.Bus.Publish(events.NewFunctionCall(tc.ID, tc.Name, rawArgs(tc.Arguments)))
		a.cfg.Bus.Publish(events.NewFunctionResult(tc.ID, results[i]))
		a.history = append(a.history, types.Message{
			Role:       "tool",
			ToolCallID: tc.ID,
			Content:    results[i],
		})
	}
	return nil
}

func (a *Agent) persist(ctx context.Context, role, content string) {
	if a.cfg.Persist != nil {
		a.cfg.Persist(ctx, role, content)
	}
}

// rawArgs returns the model's argument string as raw JSON, normalising the
// empty string (no-argument calls) to an empty object.
func rawArgs(s string) json.RawMessage {
	if strings.TrimSpace(s) == "" {
		return json.RawMessage("{}")
	}
	return json.RawMessage(s)
}
