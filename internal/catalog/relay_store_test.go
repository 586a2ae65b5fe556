// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRelayStore(t *testing.T) *RelayStore {
	t.Helper()
	rs, err := OpenRelayStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { rs.Close() })
	return rs
}

func TestRelayStore_UserTokenRoundTrip(t *testing.T) {
	rs := openTestRelayStore(t)
	ctx := context.Background()

	require.NoError(t, rs.CreateUser(ctx, "user-1", "alice"))
	require.NoError(t, rs.CreateToken(ctx, "tok-abc", "user-1", nil))

	userID, err := rs.UserIDForToken(ctx, "tok-abc")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
}

func TestRelayStore_UserIDForToken_NotFound(t *testing.T) {
	rs := openTestRelayStore(t)
	_, err := rs.UserIDForToken(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRelayStore_RegisterAndListMachines(t *testing.T) {
	rs := openTestRelayStore(t)
	ctx := context.Background()
	require.NoError(t, rs.CreateUser(ctx, "user-1", "alice"))

	require.NoError(t, rs.RegisterMachine(ctx, "m1", "user-1", "laptop"))
	require.NoError(t, rs.RegisterMachine(ctx, "m2", "user-1", "desktop"))

	machines, err := rs.ListMachines(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, machines, 2)

	m, err := rs.GetMachine(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "laptop", m.DisplayName)
}

func TestRelayStore_TrustFingerprint_FirstUseThenMismatchDetectable(t *testing.T) {
	rs := openTestRelayStore(t)
	ctx := context.Background()

	trusted, first, err := rs.TrustFingerprint(ctx, "m1", "fp-aaa")
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, "fp-aaa", trusted)

	trusted, first, err = rs.TrustFingerprint(ctx, "m1", "fp-bbb")
	require.NoError(t, err)
	assert.False(t, first)
	assert.Equal(t, "fp-aaa", trusted, "reconnect must see the originally trusted fingerprint, not the new one")
}

func TestRelayStore_BufferedMessages_DrainOrdersByPriorityThenAge(t *testing.T) {
	rs := openTestRelayStore(t)
	ctx := context.Background()

	require.NoError(t, rs.InsertBufferedMessage(ctx, "m1", "low", []byte("a"), 1, time.Minute))
	require.NoError(t, rs.InsertBufferedMessage(ctx, "m1", "high", []byte("b"), 9, time.Minute))
	require.NoError(t, rs.InsertBufferedMessage(ctx, "m1", "low-2", []byte("c"), 1, time.Minute))

	drained, err := rs.DrainBufferedMessages(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, drained, 3)
	assert.Equal(t, []string{"high", "low", "low-2"}, []string{drained[0].RequestID, drained[1].RequestID, drained[2].RequestID})

	again, err := rs.DrainBufferedMessages(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, again, "drain must clear the buffer")
}

func TestRelayStore_BufferedMessages_ExpiredExcludedFromDrain(t *testing.T) {
	rs := openTestRelayStore(t)
	ctx := context.Background()

	require.NoError(t, rs.InsertBufferedMessage(ctx, "m1", "expired", []byte("a"), 0, time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	drained, err := rs.DrainBufferedMessages(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, drained)
}
