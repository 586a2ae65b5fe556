// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_RegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()

	_, ok := r.Get("m1")
	assert.False(t, ok)
	assert.False(t, r.IsConnected("m1"))

	conn := r.Register("m1", "owner-1", out)
	require.NotNil(t, conn)
	assert.True(t, r.IsConnected("m1"))
	assert.Equal(t, 1, r.ConnectionCount())
	assert.Equal(t, []string{"m1"}, r.ConnectedMachines())

	r.Unregister("m1")
	assert.False(t, r.IsConnected("m1"))
	assert.Equal(t, 0, r.ConnectionCount())
}

func TestRegistry_ForwardUnary_DeliversReply(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	go func() {
		req := <-out.ch
		r.DispatchResponse("m1", TunnelFrame{RequestID: req.RequestID, Type: FrameResponse})
	}()

	reply, err := r.ForwardUnary(context.Background(), "m1", TunnelFrame{RequestID: "r1", Type: FrameRequest}, time.Second, 5, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, reply.Type)
	assert.Equal(t, "r1", reply.RequestID)
}

func TestRegistry_ForwardUnary_TimesOut(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	_, err := r.ForwardUnary(context.Background(), "m1", TunnelFrame{RequestID: "r2", Type: FrameRequest}, 20*time.Millisecond, 5, time.Minute)
	assert.ErrorIs(t, err, ErrUnaryTimeout)

	conn, _ := r.Get("m1")
	assert.Equal(t, 0, conn.pendingCount())
}

func TestRegistry_ForwardUnary_BuffersWhenOffline(t *testing.T) {
	r := NewRegistry()

	_, err := r.ForwardUnary(context.Background(), "offline-machine", TunnelFrame{RequestID: "r3", Type: FrameRequest}, time.Second, 5, time.Minute)
	assert.ErrorIs(t, err, ErrBuffered)

	out := newFakeOutbound()
	r.Register("offline-machine", "owner-1", out)

	select {
	case f := <-out.ch:
		assert.Equal(t, "r3", f.RequestID)
	case <-time.After(time.Second):
		t.Fatal("expected buffered request to be replayed on reconnect")
	}
}

func TestRegistry_BufferedRequests_ReplayedByPriorityThenAge(t *testing.T) {
	r := NewRegistry()

	r.BufferRequest("m1", TunnelFrame{RequestID: "low"}, 1, time.Minute)
	r.BufferRequest("m1", TunnelFrame{RequestID: "high"}, 9, time.Minute)
	r.BufferRequest("m1", TunnelFrame{RequestID: "low-2"}, 1, time.Minute)

	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	var order []string
	for i := 0; i < 3; i++ {
		select {
		case f := <-out.ch:
			order = append(order, f.RequestID)
		case <-time.After(time.Second):
			t.Fatal("expected 3 replayed requests")
		}
	}
	assert.Equal(t, []string{"high", "low", "low-2"}, order)
}

func TestRegistry_BufferedRequests_ExpiredEntriesDropped(t *testing.T) {
	r := NewRegistry()
	r.BufferRequest("m1", TunnelFrame{RequestID: "expired"}, 5, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	select {
	case f := <-out.ch:
		t.Fatalf("expected no replay, got %v", f)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRegistry_ForwardStream_DispatchesDataThenEnd(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	ch, err := r.ForwardStream("m1", TunnelFrame{RequestID: "s1", Type: FrameRequest})
	require.NoError(t, err)

	<-out.ch // the initial request frame sent to the daemon

	r.DispatchStreamData("m1", TunnelFrame{RequestID: "s1", Type: FrameStreamData, Payload: &StreamPayload{Sequence: 1}})
	r.DispatchStreamData("m1", TunnelFrame{RequestID: "s1", Type: FrameStreamData, Payload: &StreamPayload{Sequence: 2}})
	r.DispatchStreamEnd("m1", "s1")

	first := <-ch
	assert.Equal(t, int64(1), first.Payload.Sequence)
	second := <-ch
	assert.Equal(t, int64(2), second.Payload.Sequence)

	_, open := <-ch
	assert.False(t, open)
}

func TestRegistry_ForwardStream_OfflineReturnsErrOffline(t *testing.T) {
	r := NewRegistry()
	_, err := r.ForwardStream("ghost", TunnelFrame{RequestID: "s2"})
	assert.True(t, errors.Is(err, ErrOffline))
}

func TestConnection_DroppedReceiverMarksStreamCancelled(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	conn, _ := r.Get("m1")
	ch := conn.registerStreamPending("s3")
	for i := 0; i < streamPendingCapacity; i++ {
		ch <- TunnelFrame{RequestID: "s3"}
	}

	assert.False(t, conn.sendStreamFrame("s3", TunnelFrame{RequestID: "s3"}))
	assert.True(t, conn.isCancelledStream("s3"))

	r.DispatchStreamData("m1", TunnelFrame{RequestID: "s3"})
}

func TestRegistry_CancelAllPending_ClosesOutstandingChannels(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	r.Register("m1", "owner-1", out)

	conn, _ := r.Get("m1")
	conn.registerPending("u1")
	streamCh := conn.registerStreamPending("s4")

	r.CancelAllPending("m1")

	assert.Equal(t, 0, conn.pendingCount())
	assert.Equal(t, 0, conn.streamPendingCount())
	_, open := <-streamCh
	assert.False(t, open)
}

func TestRegistry_Unregister_CancelsPendingTooWithoutReplay(t *testing.T) {
	r := NewRegistry()
	out := newFakeOutbound()
	conn := r.Register("m1", "owner-1", out)
	conn.registerPending("u2")

	r.Unregister("m1")
	assert.Equal(t, 0, conn.pendingCount())
	assert.False(t, r.IsConnected("m1"))
}
