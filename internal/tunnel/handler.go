// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/agentflow/agentd/internal/bridge"
	"github.com/agentflow/agentd/internal/crypto"
	"github.com/agentflow/agentd/internal/relay"
	"github.com/agentflow/agentd/internal/sessionbus"
)

// UnaryFunc decodes a unary method's request bytes, calls a local service,
// and encodes its response. Registered per method name via RegisterUnary.
type UnaryFunc func(ctx context.Context, data []byte) ([]byte, error)

// activeStream is the handler's bookkeeping for one live Converse
// request_id. pendingConfig holds the deferred session start until the
// stream's first UserMessage arrives; nil once consumed.
type activeStream struct {
	sessionID     string
	pendingConfig *relay.Config
}

// Handler dispatches incoming TunnelFrames to the daemon's local services
// and produces response/stream frames. One Handler serves one tunnel
// connection (direct client or relay-forwarded).
type Handler struct {
	machineID string
	sessions  SessionService
	hub       *sessionbus.Hub
	store     ReplayStore
	outbound  Outbound
	identity  *ecdh.PrivateKey

	cryptoMu sync.RWMutex
	crypto   *crypto.Session

	mu     sync.Mutex
	active map[string]*activeStream
	unary  map[string]UnaryFunc
}

// NewHandler constructs a Handler. identity may be nil if this daemon has
// no long-term identity key to offer during ExchangeKeys.
func NewHandler(machineID string, sessions SessionService, hub *sessionbus.Hub, store ReplayStore, outbound Outbound, identity *ecdh.PrivateKey) *Handler {
	return &Handler{
		machineID: machineID,
		sessions:  sessions,
		hub:       hub,
		store:     store,
		outbound:  outbound,
		identity:  identity,
		active:    make(map[string]*activeStream),
		unary:     make(map[string]UnaryFunc),
	}
}

// RegisterUnary adds a decode→call→encode handler for a unary method name,
// letting callers (e.g. worktree/plugin/gitlab RPCs wired in later) extend
// dispatch without this package depending on those services directly.
func (h *Handler) RegisterUnary(method string, fn UnaryFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.unary[method] = fn
}

// HandleFrame processes one incoming frame and returns zero or more
// response frames. Converse's StreamData/StreamEnd replies are delivered
// asynchronously through Outbound instead, since they outlive this call.
func (h *Handler) HandleFrame(ctx context.Context, frame TunnelFrame) []TunnelFrame {
	switch frame.Type {
	case FrameRequest:
		return h.handleRequestFrame(ctx, frame)
	case FrameControl, FrameError:
		return nil
	case FrameStreamData:
		h.handleIncomingStreamData(ctx, frame)
		return nil
	default:
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorInternal, "unexpected frame type")}
	}
}

func errorFrame(requestID string, code ErrorCode, msg string) TunnelFrame {
	return TunnelFrame{RequestID: requestID, Type: FrameError, ErrorCode: code, ErrorMessage: msg}
}

// cryptoSnapshot returns the installed session, or nil if none has been
// negotiated yet. Cloning the pointer under a read lock lets callers
// encrypt/decrypt without holding the lock across that CPU-bound work.
func (h *Handler) cryptoSnapshot() *crypto.Session {
	h.cryptoMu.RLock()
	defer h.cryptoMu.RUnlock()
	return h.crypto
}

// decryptPayload undoes one layer of EncryptedPayload wrapping, whichever
// layer (tunnel or application) it happens to be applied to: an empty
// nonce means plaintext passthrough, and no installed session also means
// passthrough (the other layer is expected to carry the real protection).
func (h *Handler) decryptPayload(enc *EncryptedPayload) ([]byte, error) {
	if enc == nil {
		return nil, nil
	}
	if len(enc.Nonce) == 0 {
		return enc.Ciphertext, nil
	}
	session := h.cryptoSnapshot()
	if session == nil {
		return enc.Ciphertext, nil
	}
	return session.Decrypt(enc.Ciphertext, enc.Nonce)
}

// encryptForTransport applies tunnel-layer encryption to data unless
// relayForwarded is set, in which case the relay holds no key and the
// frame must stay decodable by it (empty nonce, passthrough).
func (h *Handler) encryptForTransport(data []byte, relayForwarded bool) (*EncryptedPayload, error) {
	if relayForwarded {
		return &EncryptedPayload{Ciphertext: data}, nil
	}
	session := h.cryptoSnapshot()
	if session == nil {
		return &EncryptedPayload{Ciphertext: data}, nil
	}
	enc, err := session.Encrypt(data)
	if err != nil {
		return nil, err
	}
	return &EncryptedPayload{Ciphertext: enc.Ciphertext, Nonce: enc.Nonce[:]}, nil
}

// decodeAgentRequest unwraps data (a JSON-encoded AgentRequest) into out,
// applying the application-layer crypto and downgrade-attack rule: once a
// session is installed, a variant that isn't wrapped in Encrypted is
// rejected outright rather than trusted as plaintext.
func (h *Handler) decodeAgentRequest(data []byte, out *AgentRequest) error {
	var env AgentRequest
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("tunnel: decode agent request: %w", err)
	}
	if env.Encrypted != nil {
		plain, err := h.decryptPayload(env.Encrypted)
		if err != nil {
			return fmt.Errorf("tunnel: decrypt agent request: %w", err)
		}
		if err := json.Unmarshal(plain, out); err != nil {
			return fmt.Errorf("tunnel: decode inner agent request: %w", err)
		}
		return nil
	}
	if h.cryptoSnapshot() != nil {
		return ErrDowngrade
	}
	*out = env
	return nil
}

// wrapAgentEvent marshals ev as the application-layer's own payload,
// applying app-layer encryption when a session is installed so the event
// reaches the relay (if any) as an opaque envelope.
func (h *Handler) wrapAgentEvent(ev bridge.Event) ([]byte, error) {
	if session := h.cryptoSnapshot(); session != nil {
		plain, err := json.Marshal(ev)
		if err != nil {
			return nil, err
		}
		enc, err := session.Encrypt(plain)
		if err != nil {
			return nil, err
		}
		return json.Marshal(AgentEvent{Encrypted: &EncryptedPayload{Ciphertext: enc.Ciphertext, Nonce: enc.Nonce[:]}})
	}
	return json.Marshal(AgentEvent{Event: &ev})
}

func (h *Handler) handleRequestFrame(ctx context.Context, frame TunnelFrame) []TunnelFrame {
	payload := frame.Payload
	if payload == nil {
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorInternal, "missing stream payload")}
	}

	if payload.Method == MethodExchangeKeys {
		return h.handleExchangeKeys(frame.RequestID, payload)
	}

	relayForwarded := payload.Encrypted == nil || len(payload.Encrypted.Nonce) == 0
	data, err := h.decryptPayload(payload.Encrypted)
	if err != nil {
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorInternal, err.Error())}
	}

	switch payload.Method {
	case MethodConverse:
		h.handleConverse(ctx, frame.RequestID, data, relayForwarded)
		return nil
	case MethodResumeSession:
		return h.handleResumeSession(ctx, frame.RequestID, data, relayForwarded)
	case MethodCancelTurn:
		return h.handleCancelTurn(ctx, frame.RequestID, data, relayForwarded)
	}

	h.mu.Lock()
	fn, ok := h.unary[payload.Method]
	h.mu.Unlock()
	if !ok {
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorNotFound, "unknown method: "+payload.Method)}
	}

	resp, err := fn(ctx, data)
	if err != nil {
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorInternal, err.Error())}
	}
	enc, err := h.encryptForTransport(resp, relayForwarded)
	if err != nil {
		return []TunnelFrame{errorFrame(frame.RequestID, ErrorInternal, err.Error())}
	}
	return []TunnelFrame{{
		RequestID: frame.RequestID,
		Type:      FrameResponse,
		Payload:   &StreamPayload{Method: payload.Method, Encrypted: enc},
	}}
}

// handleExchangeKeys installs a new crypto session before any other frame
// on this connection is decrypted, replacing whatever session (if any)
// was previously installed. The derive+install step runs under the write
// lock to serialize concurrent handshakes; the lock is not held for
// anything beyond that.
func (h *Handler) handleExchangeKeys(requestID string, payload *StreamPayload) []TunnelFrame {
	var raw []byte
	if payload.Encrypted != nil {
		raw = payload.Encrypted.Ciphertext
	}
	var req KeyExchangeRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "decode key exchange request: "+err.Error())}
	}

	peerPublic, err := ecdh.X25519().NewPublicKey(req.EphemeralPublic)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "invalid ephemeral public key: "+err.Error())}
	}

	handshake, err := crypto.NewHandshake(h.identity)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "generate handshake: "+err.Error())}
	}

	h.cryptoMu.Lock()
	session, err := handshake.Complete(peerPublic)
	if err != nil {
		h.cryptoMu.Unlock()
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "derive session: "+err.Error())}
	}
	h.crypto = session
	h.cryptoMu.Unlock()

	resp := KeyExchangeResponse{EphemeralPublic: handshake.EphemeralPublic().Bytes()}
	if identityPublic := handshake.IdentityPublic(); identityPublic != nil {
		resp.IdentityPublic = identityPublic.Bytes()
		resp.Fingerprint = crypto.Fingerprint(identityPublic)
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "encode key exchange response: "+err.Error())}
	}

	return []TunnelFrame{{
		RequestID: requestID,
		Type:      FrameResponse,
		Payload:   &StreamPayload{Method: MethodExchangeKeys, Encrypted: &EncryptedPayload{Ciphertext: body}},
	}}
}

// handleConverse processes a Converse request's mandatory first frame: it
// must wrap StartConversation. The subprocess is not started yet — only
// registered as a pending config — and a forwarder task begins streaming
// the session's bus events back as StreamData frames.
func (h *Handler) handleConverse(ctx context.Context, requestID string, data []byte, relayForwarded bool) {
	var req AgentRequest
	if err := h.decodeAgentRequest(data, &req); err != nil {
		h.sendOutbound(errorFrame(requestID, ErrorInternal, err.Error()))
		return
	}
	if req.StartConversation == nil {
		h.sendOutbound(errorFrame(requestID, ErrorInternal, "first Converse frame must be StartConversation"))
		return
	}
	cfg := req.StartConversation.toRelayConfig()

	h.mu.Lock()
	h.active[requestID] = &activeStream{sessionID: cfg.SessionID, pendingConfig: &cfg}
	h.mu.Unlock()

	sub := h.hub.Subscribe(cfg.SessionID, requestID, "converse")
	go h.forwardEvents(requestID, cfg.SessionID, sub, relayForwarded)
}

// forwardEvents drains sub until the bus closes it, wrapping each event
// in the application-layer envelope and tunnel-layer encryption before
// emitting it as a StreamData frame, then sends a terminal StreamEnd.
func (h *Handler) forwardEvents(requestID, sessionID string, sub *sessionbus.Subscription, relayForwarded bool) {
	defer h.removeActive(requestID)
	defer h.hub.Unsubscribe(sessionID, requestID)

	for ev := range sub.Events() {
		appBody, err := h.wrapAgentEvent(ev)
		if err != nil {
			log.Printf("tunnel: %s: wrap event: %v", requestID, err)
			continue
		}
		enc, err := h.encryptForTransport(appBody, relayForwarded)
		if err != nil {
			log.Printf("tunnel: %s: encrypt event: %v", requestID, err)
			continue
		}
		frame := TunnelFrame{RequestID: requestID, Type: FrameStreamData, Payload: &StreamPayload{Encrypted: enc, Sequence: ev.Seq}}
		if err := h.outbound.Send(frame); err != nil {
			return
		}
	}
	h.sendOutbound(TunnelFrame{RequestID: requestID, Type: FrameStreamEnd})
}

// handleIncomingStreamData routes a follow-on frame for an active
// Converse request: on the first UserMessage it consumes the pending
// config and starts the subprocess, then dispatches by variant.
func (h *Handler) handleIncomingStreamData(ctx context.Context, frame TunnelFrame) {
	if frame.Payload == nil {
		return
	}
	data, err := h.decryptPayload(frame.Payload.Encrypted)
	if err != nil {
		log.Printf("tunnel: %s: StreamData decrypt failed: %v", frame.RequestID, err)
		return
	}

	h.mu.Lock()
	stream, ok := h.active[frame.RequestID]
	h.mu.Unlock()
	if !ok {
		return
	}

	var req AgentRequest
	if err := h.decodeAgentRequest(data, &req); err != nil {
		log.Printf("tunnel: %s: decode stream data: %v", frame.RequestID, err)
		return
	}

	switch {
	case req.UserMessage != nil:
		h.mu.Lock()
		pending := stream.pendingConfig
		stream.pendingConfig = nil
		h.mu.Unlock()
		if pending != nil {
			if _, err := h.sessions.Start(ctx, *pending); err != nil {
				log.Printf("tunnel: %s: start deferred session: %v", frame.RequestID, err)
				return
			}
		}
		if err := h.sessions.SendUserMessage(ctx, stream.sessionID, req.UserMessage.Content); err != nil {
			log.Printf("tunnel: %s: send user message: %v", frame.RequestID, err)
		}

	case req.PermissionResponse != nil:
		if err := h.sessions.SendPermissionResponse(ctx, stream.sessionID, req.PermissionResponse.RequestID, req.PermissionResponse.Decision); err != nil {
			log.Printf("tunnel: %s: send permission response: %v", frame.RequestID, err)
		}

	case req.QuestionResponse != nil:
		if err := h.sessions.SendQuestionResponse(ctx, stream.sessionID, req.QuestionResponse.RequestID, req.QuestionResponse.Answers); err != nil {
			log.Printf("tunnel: %s: send question response: %v", frame.RequestID, err)
		}

	case req.Cancel != nil:
		if _, err := h.sessions.Cancel(ctx, stream.sessionID); err != nil {
			log.Printf("tunnel: %s: cancel session: %v", frame.RequestID, err)
		}
	}
}

// handleResumeSession replays a session's durable log as StreamData
// frames (wrapped exactly like a live Converse stream), terminated by a
// StreamEnd — a one-shot server stream rather than a registered
// activeStream, since nothing needs to route further input to it.
func (h *Handler) handleResumeSession(ctx context.Context, requestID string, data []byte, relayForwarded bool) []TunnelFrame {
	var req AgentRequest
	if err := h.decodeAgentRequest(data, &req); err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, err.Error())}
	}
	if req.ResumeSession == nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "missing resume_session payload")}
	}

	records, err := h.store.Replay(ctx, req.ResumeSession.SessionID, req.ResumeSession.FromSequence)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "replay: "+err.Error())}
	}

	frames := make([]TunnelFrame, 0, len(records)+1)
	for _, rec := range records {
		var ev bridge.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			log.Printf("tunnel: %s: malformed stored record seq=%d: %v", requestID, rec.Seq, err)
			continue
		}
		appBody, err := h.wrapAgentEvent(ev)
		if err != nil {
			log.Printf("tunnel: %s: wrap replayed event seq=%d: %v", requestID, rec.Seq, err)
			continue
		}
		enc, err := h.encryptForTransport(appBody, relayForwarded)
		if err != nil {
			log.Printf("tunnel: %s: encrypt replayed event seq=%d: %v", requestID, rec.Seq, err)
			continue
		}
		frames = append(frames, TunnelFrame{RequestID: requestID, Type: FrameStreamData, Payload: &StreamPayload{Encrypted: enc, Sequence: rec.Seq}})
	}
	frames = append(frames, TunnelFrame{RequestID: requestID, Type: FrameStreamEnd})
	return frames
}

func (h *Handler) handleCancelTurn(ctx context.Context, requestID string, data []byte, relayForwarded bool) []TunnelFrame {
	var req CancelTurnRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, "decode cancel turn request: "+err.Error())}
	}
	cancelled, err := h.sessions.Cancel(ctx, req.SessionID)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, err.Error())}
	}
	body, err := json.Marshal(CancelTurnResponse{Cancelled: cancelled})
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, err.Error())}
	}
	enc, err := h.encryptForTransport(body, relayForwarded)
	if err != nil {
		return []TunnelFrame{errorFrame(requestID, ErrorInternal, err.Error())}
	}
	return []TunnelFrame{{RequestID: requestID, Type: FrameResponse, Payload: &StreamPayload{Method: MethodCancelTurn, Encrypted: enc}}}
}

func (h *Handler) removeActive(requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.active, requestID)
}

func (h *Handler) sendOutbound(frame TunnelFrame) {
	if err := h.outbound.Send(frame); err != nil {
		log.Printf("tunnel: %s: send outbound frame: %v", frame.RequestID, err)
	}
}
