// Package events defines the typed events that flow from the agent, the
// parameter observer, and the indexer to connected clients, plus the
// per-session [Bus] that carries them.
//
// Events serialize to JSON with a "type" discriminator; the field names are
// part of the client wire contract. Tool and parameter fields are
// snake_case.
package events

import (
	"encoding/json"

	"github.com/boristopalov/abby/internal/live"
)

// Event kind spellings as they appear on the wire.
const (
	KindText             = "text"
	KindFunctionCall     = "function_call"
	KindFunctionResult   = "function_result"
	KindEndMessage       = "end_message"
	KindParameterChange  = "parameter_change"
	KindIndexingStatus   = "indexing_status"
	KindError            = "error"
	KindApprovalRequired = "approval_required"
)

// EndMessageContent is the fixed content of every end_message event.
// Clients key on it to close out a streaming turn.
const EndMessageContent = "<|END_MESSAGE|>"

// Event is the closed union of everything published on a [Bus].
type Event interface {
	// Kind returns the wire discriminator of this event.
	Kind() string
}

// Text is an incremental piece of assistant output.
type Text struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewText builds a text event.
func NewText(content string) Text {
	return Text{Type: KindText, Content: content}
}

func (Text) Kind() string { return KindText }

// FunctionCall announces that the agent is executing a tool.
type FunctionCall struct {
	Type       string          `json:"type"`
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
}

// NewFunctionCall builds a function_call event. arguments must be valid
// JSON; the raw string from the model is passed through untouched.
func NewFunctionCall(toolCallID, name string, arguments json.RawMessage) FunctionCall {
	return FunctionCall{Type: KindFunctionCall, ToolCallID: toolCallID, Name: name, Arguments: arguments}
}

func (FunctionCall) Kind() string { return KindFunctionCall }

// FunctionResult carries the outcome of a tool execution. Content is the
// JSON-encoded result, or an error description for failed calls.
type FunctionResult struct {
	Type       string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// NewFunctionResult builds a function_result event.
func NewFunctionResult(toolCallID, content string) FunctionResult {
	return FunctionResult{Type: KindFunctionResult, ToolCallID: toolCallID, Content: content}
}

func (FunctionResult) Kind() string { return KindFunctionResult }

// EndMessage marks the end of one complete agent turn.
type EndMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewEndMessage builds an end_message event.
func NewEndMessage() EndMessage {
	return EndMessage{Type: KindEndMessage, Content: EndMessageContent}
}

func (EndMessage) Kind() string { return KindEndMessage }

// ParameterChange carries one debounced parameter change record.
type ParameterChange struct {
	Type   string      `json:"type"`
	Change live.Change `json:"content"`
}

// NewParameterChange builds a parameter_change event.
func NewParameterChange(change live.Change) ParameterChange {
	return ParameterChange{Type: KindParameterChange, Change: change}
}

func (ParameterChange) Kind() string { return KindParameterChange }

// IndexingStatus reports mixer enumeration and subscription progress.
type IndexingStatus struct {
	Type       string `json:"type"`
	IsIndexing bool   `json:"is_indexing"`
	Progress   int    `json:"progress"`
}

// NewIndexingStatus builds an indexing_status event.
func NewIndexingStatus(isIndexing bool, progress int) IndexingStatus {
	return IndexingStatus{Type: KindIndexingStatus, IsIndexing: isIndexing, Progress: progress}
}

func (IndexingStatus) Kind() string { return KindIndexingStatus }

// Error reports a failure inside a turn or the session plumbing. The turn
// it belongs to still finishes with an end_message.
type Error struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// NewError builds an error event.
func NewError(content string) Error {
	return Error{Type: KindError, Content: content}
}

func (Error) Kind() string { return KindError }

// PendingCall is one tool call awaiting client approval.
type PendingCall struct {
	ToolCallID string          `json:"tool_call_id"`
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
}

// ApprovalRequired asks the client to approve or deny mutating tool calls
// before the agent executes them. The client answers with an approvals
// frame keyed by tool-call id.
type ApprovalRequired struct {
	Type  string        `json:"type"`
	Calls []PendingCall `json:"calls"`
}

// NewApprovalRequired builds an approval_required event.
func NewApprovalRequired(calls []PendingCall) ApprovalRequired {
	return ApprovalRequired{Type: KindApprovalRequired, Calls: calls}
}

func (ApprovalRequired) Kind() string { return KindApprovalRequired }
