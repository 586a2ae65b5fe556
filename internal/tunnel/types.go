// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the daemon-side frame handler that lets a
// remote client (directly, or relayed) drive sessions, subagents, and
// orchestrations through one multiplexed connection, plus the relay-side
// registry that routes frames to the right daemon connection.
package tunnel

import (
	"context"
	"errors"

	"github.com/agentflow/agentd/internal/bridge"
	"github.com/agentflow/agentd/internal/eventstore"
	"github.com/agentflow/agentd/internal/relay"
	"github.com/agentflow/agentd/internal/subprocess"
)

// Method names recognized by the tunnel handler's request dispatch.
const (
	MethodExchangeKeys  = "AgentService/ExchangeKeys"
	MethodConverse      = "AgentService/Converse"
	MethodResumeSession = "AgentService/ResumeSession"
	MethodCancelTurn    = "AgentService/CancelTurn"
)

// FrameType is the oneof discriminant of a TunnelFrame.
type FrameType int

const (
	FrameRequest FrameType = iota
	FrameResponse
	FrameStreamData
	FrameStreamEnd
	FrameControl
	FrameError
)

// ErrorCode classifies an Error frame.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorInternal
	ErrorNotFound
)

// EncryptedPayload carries ciphertext and its nonce. An empty Nonce means
// plaintext passthrough at whichever layer this payload belongs to — the
// tunnel layer when it sits on StreamPayload, the application layer when
// it sits on AgentRequest/AgentEvent.
type EncryptedPayload struct {
	Ciphertext      []byte `json:"ciphertext"`
	Nonce           []byte `json:"nonce,omitempty"`
	EphemeralPubkey []byte `json:"ephemeral_pubkey,omitempty"`
}

// StreamPayload is the body of a Request/Response/StreamData frame.
type StreamPayload struct {
	Method    string            `json:"method,omitempty"`
	Encrypted *EncryptedPayload `json:"encrypted,omitempty"`
	Sequence  int64             `json:"sequence,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// TunnelFrame is one unit on the wire between a tunnel client and this
// handler (directly, or forwarded through a relay's registry).
type TunnelFrame struct {
	RequestID    string        `json:"request_id"`
	Type         FrameType     `json:"frame_type"`
	Payload      *StreamPayload `json:"payload,omitempty"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
}

// AgentRequest is the application-layer envelope for everything that
// travels inside a Converse/ResumeSession stream. Exactly one of
// Encrypted or one of the variant fields is populated. When Encrypted is
// set, its Ciphertext/Nonce decrypt to a JSON-encoded AgentRequest holding
// the real variant — downgrade protection requires this indirection
// whenever a crypto session is installed.
type AgentRequest struct {
	Encrypted          *EncryptedPayload  `json:"encrypted,omitempty"`
	StartConversation  *StartConversation `json:"start_conversation,omitempty"`
	ResumeSession      *ResumeSessionMsg  `json:"resume_session,omitempty"`
	UserMessage        *UserMessageMsg    `json:"user_message,omitempty"`
	PermissionResponse *PermissionResponseMsg `json:"permission_response,omitempty"`
	QuestionResponse   *QuestionResponseMsg   `json:"question_response,omitempty"`
	Cancel             *CancelMsg         `json:"cancel,omitempty"`
}

// AgentEvent is the application-layer envelope for events leaving the
// daemon over a Converse/ResumeSession stream, wrapped the same way as
// AgentRequest.
type AgentEvent struct {
	Encrypted *EncryptedPayload `json:"encrypted,omitempty"`
	Event     *bridge.Event     `json:"event,omitempty"`
}

// StartConversation is the mandatory first frame of a Converse stream. It
// describes a session's subprocess exactly like relay.Config, but the
// subprocess is not started until the stream's first UserMessage arrives.
type StartConversation struct {
	SessionID        string                       `json:"session_id"`
	Command          string                       `json:"command"`
	WorkDir          string                       `json:"work_dir"`
	Prompt           string                       `json:"prompt"`
	ResumeID         string                       `json:"resume_id"`
	Model            string                       `json:"model"`
	Permission       subprocess.PermissionStrategy `json:"permission"`
	CredentialEnvVar string                       `json:"credential_env_var"`
}

func (s *StartConversation) toRelayConfig() relay.Config {
	return relay.Config{
		SessionID:        s.SessionID,
		Command:          s.Command,
		WorkDir:          s.WorkDir,
		Prompt:           s.Prompt,
		ResumeID:         s.ResumeID,
		Model:            s.Model,
		Permission:       s.Permission,
		CredentialEnvVar: s.CredentialEnvVar,
	}
}

// ResumeSessionMsg requests a replay of a session's event log from a given
// sequence, followed by a StreamEnd.
type ResumeSessionMsg struct {
	SessionID    string `json:"session_id"`
	FromSequence int64  `json:"from_sequence"`
}

// UserMessageMsg carries one turn of user input into an active Converse
// stream.
type UserMessageMsg struct {
	Content string `json:"content"`
}

// PermissionResponseMsg resolves a pending permission request on the
// stream's session.
type PermissionResponseMsg struct {
	RequestID string         `json:"request_id"`
	Decision  relay.Decision `json:"decision"`
}

// QuestionResponseMsg resolves a pending AskUserQuestion on the stream's
// session.
type QuestionResponseMsg struct {
	RequestID string            `json:"request_id"`
	Answers   map[string]string `json:"answers"`
}

// CancelMsg cancels the stream's session.
type CancelMsg struct {
	Reason string `json:"reason"`
}

// CancelTurnRequest/Response back the AgentService/CancelTurn unary RPC.
type CancelTurnRequest struct {
	SessionID string `json:"session_id"`
}

type CancelTurnResponse struct {
	Cancelled bool `json:"cancelled"`
}

// KeyExchangeRequest/Response back AgentService/ExchangeKeys. Handled
// before any decryption, so these travel as plain JSON inside the
// EncryptedPayload's Ciphertext field (reusing that field as a carrier,
// not as actual ciphertext, on this one method only).
type KeyExchangeRequest struct {
	EphemeralPublic []byte `json:"ephemeral_public"`
}

type KeyExchangeResponse struct {
	EphemeralPublic []byte `json:"ephemeral_public"`
	IdentityPublic  []byte `json:"identity_public,omitempty"`
	Fingerprint     string `json:"fingerprint,omitempty"`
}

// ErrDowngrade is returned when a plaintext AgentRequest/AgentEvent
// variant is received while a crypto session is installed — the
// application layer requires its own Encrypted variant once a session
// exists, so an unwrapped variant indicates either a stale client or a
// downgrade attack.
var ErrDowngrade = errors.New("tunnel: plaintext application payload rejected while crypto session is active")

// SessionService is the subset of *relay.Relay the tunnel handler drives.
// A narrow interface so the handler can be exercised against a fake in
// tests without spawning real subprocesses.
type SessionService interface {
	Start(ctx context.Context, cfg relay.Config) (string, error)
	SendUserMessage(ctx context.Context, sessionID, content string) error
	SendPermissionResponse(ctx context.Context, sessionID, requestID string, decision relay.Decision) error
	SendQuestionResponse(ctx context.Context, sessionID, requestID string, answers map[string]string) error
	Cancel(ctx context.Context, sessionID string) (bool, error)
}

// ReplayStore is the subset of *eventstore.Store ResumeSession depends on.
type ReplayStore interface {
	Replay(ctx context.Context, session string, fromSeq int64) ([]eventstore.Record, error)
}

// Outbound delivers frames the handler produces outside the synchronous
// HandleFrame return path — the Converse forwarder's StreamData/StreamEnd
// frames, chiefly.
type Outbound interface {
	Send(frame TunnelFrame) error
}
