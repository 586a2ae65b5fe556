// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"
)

// maxDescriptionBytes is the truncation limit for derived tool descriptions.
const maxDescriptionBytes = 120

// Bridge converts one session's NDJSON record stream into structured
// events. It is not safe to share across sessions; each session owns one
// Bridge for its whole lifetime (including across subprocess restarts —
// construct with the last emitted sequence to resume numbering).
type Bridge struct {
	mu sync.Mutex

	sequence int64

	pendingTool       map[string]string          // tool_use id -> tool name
	pendingQuestion   map[string]json.RawMessage // request id -> original input
	pendingPermission map[string]json.RawMessage // request id -> original input

	sessionID string
}

// New constructs a Bridge whose sequence counter starts immediately after
// resumeFrom (pass 0 for a fresh session).
func New(resumeFrom int64) *Bridge {
	return &Bridge{
		sequence:          resumeFrom,
		pendingTool:       make(map[string]string),
		pendingQuestion:   make(map[string]json.RawMessage),
		pendingPermission: make(map[string]json.RawMessage),
	}
}

// Consume processes one record and returns the zero or more events it
// produces, in emission order.
func (b *Bridge) Consume(rec Record) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch rec.Type {
	case "system":
		if rec.Subtype == "init" {
			b.sessionID = rec.SessionID
			return []Event{b.emit(Event{
				Kind:      KindSessionInfo,
				SessionID: rec.SessionID,
				Model:     rec.Model,
				Cwd:       rec.Cwd,
			})}
		}
		return nil

	case "assistant":
		return b.consumeAssistant(rec)

	case "stream_event":
		return b.consumeStreamEvent(rec)

	case "control_request":
		return b.consumeControlRequest(rec)

	case "user":
		return b.consumeToolResult(rec)

	case "result":
		return b.consumeResult(rec)

	default:
		return nil
	}
}

func (b *Bridge) consumeAssistant(rec Record) []Event {
	var msg assistantMessage
	if len(rec.Message) > 0 {
		if err := json.Unmarshal(rec.Message, &msg); err != nil {
			return nil
		}
	}

	var events []Event
	for _, block := range msg.Content {
		if block.Type != "tool_use" {
			continue
		}
		b.pendingTool[block.ID] = block.Name
		events = append(events, b.emit(Event{
			Kind:        KindToolCallStart,
			ToolUseID:   block.ID,
			ToolName:    block.Name,
			ToolInput:   block.Input,
			Description: describe(block.Name, block.Input),
		}))
	}

	if msg.StopReason == "end_turn" || rec.StopReason == "end_turn" {
		events = append(events, b.emit(Event{Kind: KindTurnComplete}))
	}

	return events
}

func (b *Bridge) consumeStreamEvent(rec Record) []Event {
	switch rec.EventType {
	case "message_start":
		return []Event{b.emit(Event{Kind: KindStatusChange, Status: StatusThinking})}
	case "message_stop":
		return []Event{b.emit(Event{Kind: KindStatusChange, Status: StatusIdle})}
	case "content_block_delta":
		// delta is the text_delta variant {text:"..."} or the
		// input_json_delta variant {partial_json:"..."}; only the former
		// produces visible output, so anything without non-empty text is
		// dropped regardless of an explicit type discriminator.
		if rec.Delta == nil || rec.Delta.Text == "" {
			return nil
		}
		return []Event{b.emit(Event{Kind: KindTextDelta, Text: rec.Delta.Text})}
	case "content_block_start", "content_block_stop":
		return nil
	default:
		return nil
	}
}

func (b *Bridge) consumeControlRequest(rec Record) []Event {
	var req controlRequest
	if len(rec.Request) > 0 {
		if err := json.Unmarshal(rec.Request, &req); err != nil {
			return nil
		}
	}

	if req.ToolName == "AskUserQuestion" {
		b.pendingQuestion[rec.RequestID] = req.Input
		question, options, multiSelect := parseAskUserQuestion(req.Input)
		return []Event{b.emit(Event{
			Kind:        KindUserQuestion,
			RequestID:   rec.RequestID,
			Question:    question,
			Options:     options,
			MultiSelect: multiSelect,
		})}
	}

	b.pendingPermission[rec.RequestID] = req.Input
	return []Event{b.emit(Event{
		Kind:        KindPermissionRequest,
		RequestID:   rec.RequestID,
		ToolName:    req.ToolName,
		ToolInput:   req.Input,
		Description: describe(req.ToolName, req.Input),
	})}
}

func (b *Bridge) consumeToolResult(rec Record) []Event {
	if rec.ToolUseID == "" {
		return nil
	}
	return []Event{b.emit(Event{
		Kind:      KindToolCallResult,
		ToolUseID: rec.ToolUseID,
		Output:    rec.Content,
		IsError:   rec.IsError,
	})}
}

func (b *Bridge) consumeResult(rec Record) []Event {
	var events []Event

	if rec.IsError && (rec.Subtype != "success" || len(rec.Errors) > 0) {
		msg := rec.Result
		if len(rec.Errors) > 0 {
			msg = joinErrors(rec.Errors)
		} else if msg == "" {
			msg = fmt.Sprintf("agent exited with error (subtype: %s)", rec.Subtype)
		}
		events = append(events, b.emit(Event{
			Kind:         KindErrorEvent,
			Code:         CodeSessionError,
			ErrorMessage: msg,
			Errors:       rec.Errors,
			IsFatal:      true,
		}))
	}

	events = append(events, b.emit(Event{
		Kind:         KindUsageReport,
		InputTokens:  rec.InputTokens,
		OutputTokens: rec.OutputTokens,
		CostUSD:      rec.Cost,
	}))

	events = append(events, b.emit(Event{Kind: KindStatusChange, Status: StatusIdle}))

	return events
}

// emit assigns the next sequence number to ev and returns it. Must be
// called with b.mu held.
func (b *Bridge) emit(ev Event) Event {
	b.sequence++
	ev.Seq = b.sequence
	return ev
}

// TakePendingQuestion returns and clears the original input blob stored for
// requestID, enforcing single-reader semantics: a second call for the same
// id returns ok=false.
func (b *Bridge) TakePendingQuestion(requestID string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.pendingQuestion[requestID]
	if ok {
		delete(b.pendingQuestion, requestID)
	}
	return blob, ok
}

// TakePendingPermission returns and clears the original input blob stored
// for requestID. Same single-reader semantics as TakePendingQuestion.
func (b *Bridge) TakePendingPermission(requestID string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blob, ok := b.pendingPermission[requestID]
	if ok {
		delete(b.pendingPermission, requestID)
	}
	return blob, ok
}

// ToolName returns the tool name recorded for a tool_use id, if any.
func (b *Bridge) ToolName(toolUseID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	name, ok := b.pendingTool[toolUseID]
	return name, ok
}

// Sequence returns the last sequence number emitted.
func (b *Bridge) Sequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sequence
}

// SessionInfo returns the upstream session id recorded from the most
// recent system.init record, if any has been seen yet.
func (b *Bridge) SessionInfo() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessionID, b.sessionID != ""
}

// Resync advances the bridge's sequence counter to seq if seq is greater
// than what the bridge has already emitted, without emitting an event.
// Callers use this when an external writer (e.g. a user-message send) has
// claimed sequence numbers the bridge doesn't know about yet.
func (b *Bridge) Resync(seq int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if seq > b.sequence {
		b.sequence = seq
	}
}

func parseAskUserQuestion(input json.RawMessage) (question string, options []QuestionOption, multiSelect bool) {
	var payload struct {
		Questions []struct {
			Question    string `json:"question"`
			MultiSelect bool   `json:"multiSelect"`
			Options     []struct {
				Label       string `json:"label"`
				Description string `json:"description"`
			} `json:"options"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(input, &payload); err != nil || len(payload.Questions) == 0 {
		return "", nil, false
	}
	first := payload.Questions[0]
	for _, opt := range first.Options {
		options = append(options, QuestionOption{Label: opt.Label, Description: opt.Description})
	}
	return first.Question, options, first.MultiSelect
}

// describe derives a short, tool-specific one-line description of a tool
// invocation for display purposes.
func describe(toolName string, input json.RawMessage) string {
	switch toolName {
	case "Bash":
		return truncateUTF8(stringField(input, "command"), maxDescriptionBytes)
	case "Read", "Write", "Edit":
		return stringField(input, "file_path")
	case "Grep":
		pattern := stringField(input, "pattern")
		path := stringField(input, "path")
		if path == "" {
			return pattern
		}
		return pattern + " in " + path
	case "WebFetch":
		return stringField(input, "url")
	default:
		return firstStringValue(input)
	}
}

func stringField(input json.RawMessage, key string) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// firstStringValue returns the first string-typed value found in a JSON
// object, used as a fallback description for tools with no dedicated rule.
// Go map iteration order is randomized, so this intentionally does not
// promise a stable pick across calls when multiple string fields exist.
func firstStringValue(input json.RawMessage) string {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(input, &m); err != nil {
		return ""
	}
	for _, raw := range m {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func joinErrors(errs []string) string {
	return strings.Join(errs, "; ")
}

// truncateUTF8 truncates s to at most maxBytes bytes, always cutting on a
// UTF-8 rune boundary, and appends "..." if truncation occurred.
func truncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
