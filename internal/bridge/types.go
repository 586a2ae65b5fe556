// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package bridge converts the NDJSON records an agent subprocess writes to
// stdout into the structured events the rest of the system consumes. It
// holds no subprocess or transport state of its own — just the sequence
// counter and the small amount of cross-record memory needed to correlate
// tool calls, permission prompts, and questions.
package bridge

import (
	"encoding/json"
)

// Record is one parsed NDJSON line from an agent's
// `--output-format stream-json --include-partial-messages` stdout.
type Record struct {
	Type      string          `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Model     string          `json:"model,omitempty"`
	Cwd       string          `json:"cwd,omitempty"`
	Message   json.RawMessage `json:"message,omitempty"`

	// assistant records may carry stop_reason beside message rather than
	// inside it; either position ends the turn.
	StopReason string `json:"stop_reason,omitempty"`

	// result fields
	Result  string   `json:"result,omitempty"`
	IsError bool     `json:"is_error,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	Cost    float64  `json:"total_cost_usd,omitempty"`

	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	// control_request fields (permission/question prompts)
	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	// tool_result (user-role) fields
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`

	// stream_event fields, present when Type == "stream_event". These sit
	// at the top level of the record itself, mirroring the Anthropic
	// Messages API's stream.event_type rather than a nested envelope.
	EventType    string        `json:"event_type,omitempty"`
	Index        int           `json:"index,omitempty"`
	ContentBlock *contentBlock `json:"content_block,omitempty"`
	Delta        *blockDelta   `json:"delta,omitempty"`
}

// assistantMessage is the shape of Record.Message when Type == "assistant".
type assistantMessage struct {
	Role       string         `json:"role"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// blockDelta is a content_block_delta's delta payload: the text_delta
// variant carries Text, the input_json_delta variant carries PartialJSON.
// Type is an optional discriminator some agent builds include and others
// omit; callers key off which field is populated, not Type.
type blockDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// controlRequest is the shape of Record.Request for control_request records.
type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input"`
}

// Kind discriminates the Event union.
type Kind string

const (
	KindSessionInfo       Kind = "session_info"
	KindToolCallStart     Kind = "tool_call_start"
	KindTurnComplete      Kind = "turn_complete"
	KindTextDelta         Kind = "text_delta"
	KindStatusChange      Kind = "status_change"
	KindUserQuestion      Kind = "user_question"
	KindPermissionRequest Kind = "permission_request"
	KindToolCallResult    Kind = "tool_call_result"
	KindErrorEvent        Kind = "error_event"
	KindUsageReport       Kind = "usage_report"
	// KindUserInput is synthesized by the relay (not the bridge itself) for
	// the message a client sends into a session, so it can be persisted
	// and replayed alongside the agent's own events.
	KindUserInput Kind = "user_input"
)

// Error codes carried on KindErrorEvent.Code.
const (
	// CodeSessionError marks a result record that genuinely failed (as
	// opposed to the spurious is_error=true/subtype=Success combination
	// the agent CLI sometimes sends). The relay treats this as sticky:
	// it blocks persisting the upstream session identity for that turn.
	CodeSessionError = "session_error"
	// CodeSubprocessFailed is synthesized by the relay, not the bridge,
	// when a subprocess exits having produced zero events.
	CodeSubprocessFailed = "subprocess_failed"
)

// Status is the session activity status surfaced by StatusChange events.
type Status string

const (
	StatusThinking Status = "thinking"
	StatusIdle     Status = "idle"
)

// QuestionOption is one selectable answer to a UserQuestion.
type QuestionOption struct {
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// Event is the structured, wire-ready result of consuming one Record. Only
// the fields relevant to Kind are populated; this mirrors the flat,
// omitempty style the agent's own NDJSON records use.
type Event struct {
	Seq  int64 `json:"seq"`
	Kind Kind  `json:"kind"`

	// KindSessionInfo
	SessionID string `json:"session_id,omitempty"`
	Model     string `json:"model,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	// KindToolCallStart / KindToolCallResult
	ToolUseID   string          `json:"tool_use_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ToolInput   json.RawMessage `json:"tool_input,omitempty"`
	Description string          `json:"description,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`

	// KindTextDelta
	Text string `json:"text,omitempty"`

	// KindStatusChange
	Status Status `json:"status,omitempty"`

	// KindUserQuestion / KindPermissionRequest
	RequestID   string           `json:"request_id,omitempty"`
	Question    string           `json:"question,omitempty"`
	Options     []QuestionOption `json:"options,omitempty"`
	MultiSelect bool             `json:"multi_select,omitempty"`

	// KindErrorEvent
	Code         string   `json:"code,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Errors       []string `json:"errors,omitempty"`
	IsFatal      bool     `json:"is_fatal,omitempty"`

	// KindUsageReport
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
}
