// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentflow/agentd/internal/bridge"
	"github.com/agentflow/agentd/internal/crypto"
	"github.com/agentflow/agentd/internal/eventstore"
	"github.com/agentflow/agentd/internal/relay"
	"github.com/agentflow/agentd/internal/sessionbus"
)

type fakeSessionService struct {
	mu         sync.Mutex
	started    []relay.Config
	userMsgs   []string
	cancelled  []string
	permResp   []string
	questResp  []string
}

func (f *fakeSessionService) Start(ctx context.Context, cfg relay.Config) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, cfg)
	return "proc-1", nil
}

func (f *fakeSessionService) SendUserMessage(ctx context.Context, sessionID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.userMsgs = append(f.userMsgs, content)
	return nil
}

func (f *fakeSessionService) SendPermissionResponse(ctx context.Context, sessionID, requestID string, decision relay.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.permResp = append(f.permResp, requestID)
	return nil
}

func (f *fakeSessionService) SendQuestionResponse(ctx context.Context, sessionID, requestID string, answers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.questResp = append(f.questResp, requestID)
	return nil
}

func (f *fakeSessionService) Cancel(ctx context.Context, sessionID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, sessionID)
	return true, nil
}

type fakeStore struct {
	records []eventstore.Record
}

func (f *fakeStore) Replay(ctx context.Context, session string, fromSeq int64) ([]eventstore.Record, error) {
	var out []eventstore.Record
	for _, r := range f.records {
		if r.SessionID == session && r.Seq >= fromSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeOutbound struct {
	mu     sync.Mutex
	frames []TunnelFrame
	ch     chan TunnelFrame
}

func newFakeOutbound() *fakeOutbound {
	return &fakeOutbound{ch: make(chan TunnelFrame, 64)}
}

func (f *fakeOutbound) Send(frame TunnelFrame) error {
	f.mu.Lock()
	f.frames = append(f.frames, frame)
	f.mu.Unlock()
	f.ch <- frame
	return nil
}

func newTestHandler(sessions SessionService, store ReplayStore) (*Handler, *sessionbus.Hub, *fakeOutbound) {
	hub := sessionbus.NewHub(16)
	out := newFakeOutbound()
	h := NewHandler("daemon-1", sessions, hub, store, out, nil)
	return h, hub, out
}

func TestHandleExchangeKeys_InstallsSessionAndReturnsResponse(t *testing.T) {
	h, _, _ := newTestHandler(&fakeSessionService{}, &fakeStore{})

	clientHS, err := crypto.NewHandshake(nil)
	require.NoError(t, err)

	reqBody, err := json.Marshal(KeyExchangeRequest{EphemeralPublic: clientHS.EphemeralPublic().Bytes()})
	require.NoError(t, err)

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq1",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodExchangeKeys, Encrypted: &EncryptedPayload{Ciphertext: reqBody}},
	})
	require.Len(t, frames, 1)
	assert.Equal(t, FrameResponse, frames[0].Type)

	var resp KeyExchangeResponse
	require.NoError(t, json.Unmarshal(frames[0].Payload.Encrypted.Ciphertext, &resp))
	assert.NotEmpty(t, resp.EphemeralPublic)

	assert.NotNil(t, h.cryptoSnapshot())
}

func TestConverse_RequiresStartConversationFirst(t *testing.T) {
	h, _, out := newTestHandler(&fakeSessionService{}, &fakeStore{})

	body, err := json.Marshal(AgentRequest{UserMessage: &UserMessageMsg{Content: "hi"}})
	require.NoError(t, err)

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq2",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodConverse, Encrypted: &EncryptedPayload{Ciphertext: body}},
	})
	assert.Empty(t, frames)

	select {
	case f := <-out.ch:
		assert.Equal(t, FrameError, f.Type)
	case <-time.After(time.Second):
		t.Fatal("expected an error frame on outbound")
	}
}

func TestConverse_StreamsBusEventsAndUserMessageStartsSession(t *testing.T) {
	sessions := &fakeSessionService{}
	h, hub, out := newTestHandler(sessions, &fakeStore{})
	ctx := context.Background()

	startBody, err := json.Marshal(AgentRequest{StartConversation: &StartConversation{SessionID: "sess-1"}})
	require.NoError(t, err)
	frames := h.HandleFrame(ctx, TunnelFrame{
		RequestID: "rq3",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodConverse, Encrypted: &EncryptedPayload{Ciphertext: startBody}},
	})
	assert.Empty(t, frames)

	require.Eventually(t, func() bool { return hub.SubscriberCount("sess-1") == 1 }, time.Second, 10*time.Millisecond)

	userBody, err := json.Marshal(AgentRequest{UserMessage: &UserMessageMsg{Content: "go"}})
	require.NoError(t, err)
	h.HandleFrame(ctx, TunnelFrame{
		RequestID: "rq3",
		Type:      FrameStreamData,
		Payload:   &StreamPayload{Encrypted: &EncryptedPayload{Ciphertext: userBody}},
	})

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.started) == 1 && len(sessions.userMsgs) == 1
	}, time.Second, 10*time.Millisecond)

	forwarder := hub.CreateForwarder("sess-1")
	require.NoError(t, forwarder.Send(bridge.Event{Seq: 1, Kind: bridge.KindSessionInfo}))

	select {
	case f := <-out.ch:
		require.Equal(t, FrameStreamData, f.Type)
		var ev AgentEvent
		require.NoError(t, json.Unmarshal(f.Payload.Encrypted.Ciphertext, &ev))
		require.NotNil(t, ev.Event)
		assert.Equal(t, int64(1), ev.Event.Seq)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for forwarded event")
	}

	hub.Close("sess-1")
	select {
	case f := <-out.ch:
		assert.Equal(t, FrameStreamEnd, f.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream end")
	}
}

func TestConverse_DowngradeRejectedWhenCryptoActive(t *testing.T) {
	h, _, out := newTestHandler(&fakeSessionService{}, &fakeStore{})

	session, err := crypto.NewFromSharedSecret([32]byte{1, 2, 3})
	require.NoError(t, err)
	h.crypto = session

	plainBody, err := json.Marshal(AgentRequest{StartConversation: &StartConversation{SessionID: "sess-2"}})
	require.NoError(t, err)

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq4",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodConverse, Encrypted: &EncryptedPayload{Ciphertext: plainBody}},
	})
	assert.Empty(t, frames)

	select {
	case f := <-out.ch:
		assert.Equal(t, FrameError, f.Type)
	case <-time.After(time.Second):
		t.Fatal("expected downgrade rejection error frame")
	}
}

func TestResumeSession_ReplaysStoreThenStreamEnd(t *testing.T) {
	ev := bridge.Event{Seq: 5, Kind: bridge.KindSessionInfo}
	payload, err := json.Marshal(ev)
	require.NoError(t, err)

	store := &fakeStore{records: []eventstore.Record{
		{SessionID: "sess-3", Seq: 5, Kind: "system", Payload: payload},
	}}
	h, _, _ := newTestHandler(&fakeSessionService{}, store)

	reqBody, err := json.Marshal(AgentRequest{ResumeSession: &ResumeSessionMsg{SessionID: "sess-3", FromSequence: 0}})
	require.NoError(t, err)

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq5",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodResumeSession, Encrypted: &EncryptedPayload{Ciphertext: reqBody}},
	})
	require.Len(t, frames, 2)
	assert.Equal(t, FrameStreamData, frames[0].Type)
	assert.Equal(t, FrameStreamEnd, frames[1].Type)

	var gotEvent AgentEvent
	require.NoError(t, json.Unmarshal(frames[0].Payload.Encrypted.Ciphertext, &gotEvent))
	require.NotNil(t, gotEvent.Event)
	assert.Equal(t, int64(5), gotEvent.Event.Seq)
}

func TestCancelTurn_UnaryDispatch(t *testing.T) {
	sessions := &fakeSessionService{}
	h, _, _ := newTestHandler(sessions, &fakeStore{})

	reqBody, err := json.Marshal(CancelTurnRequest{SessionID: "sess-4"})
	require.NoError(t, err)

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq6",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: MethodCancelTurn, Encrypted: &EncryptedPayload{Ciphertext: reqBody}},
	})
	require.Len(t, frames, 1)
	assert.Equal(t, FrameResponse, frames[0].Type)

	var resp CancelTurnResponse
	require.NoError(t, json.Unmarshal(frames[0].Payload.Encrypted.Ciphertext, &resp))
	assert.True(t, resp.Cancelled)
	assert.Equal(t, []string{"sess-4"}, sessions.cancelled)
}

func TestHandleFrame_UnknownMethodReturnsNotFound(t *testing.T) {
	h, _, _ := newTestHandler(&fakeSessionService{}, &fakeStore{})

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq7",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: "AgentService/DoesNotExist"},
	})
	require.Len(t, frames, 1)
	assert.Equal(t, ErrorNotFound, frames[0].ErrorCode)
}

func TestRegisterUnary_DispatchesRegisteredMethod(t *testing.T) {
	h, _, _ := newTestHandler(&fakeSessionService{}, &fakeStore{})
	h.RegisterUnary("CommandService/Echo", func(ctx context.Context, data []byte) ([]byte, error) {
		return data, nil
	})

	frames := h.HandleFrame(context.Background(), TunnelFrame{
		RequestID: "rq8",
		Type:      FrameRequest,
		Payload:   &StreamPayload{Method: "CommandService/Echo", Encrypted: &EncryptedPayload{Ciphertext: []byte(`"hi"`)}},
	})
	require.Len(t, frames, 1)
	assert.Equal(t, FrameResponse, frames[0].Type)
	assert.Equal(t, []byte(`"hi"`), frames[0].Payload.Encrypted.Ciphertext)
}
