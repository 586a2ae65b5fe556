// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake_BothSidesDeriveSameSession(t *testing.T) {
	initiator, err := NewHandshake(nil)
	require.NoError(t, err)
	responder, err := NewHandshake(nil)
	require.NoError(t, err)

	initSession, err := initiator.Complete(responder.EphemeralPublic())
	require.NoError(t, err)
	respSession, err := responder.Complete(initiator.EphemeralPublic())
	require.NoError(t, err)

	encrypted, err := initSession.Encrypt([]byte("handshake payload"))
	require.NoError(t, err)
	plaintext, err := respSession.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	require.NoError(t, err)
	assert.Equal(t, "handshake payload", string(plaintext))
}

func TestHandshake_WithIdentityKeyExposesPublic(t *testing.T) {
	identity, err := NewHandshake(nil)
	require.NoError(t, err)
	hs, err := NewHandshake(identity.ephemeral)
	require.NoError(t, err)

	assert.NotNil(t, hs.IdentityPublic())
}

func TestHandshake_NoIdentityReturnsNil(t *testing.T) {
	hs, err := NewHandshake(nil)
	require.NoError(t, err)
	assert.Nil(t, hs.IdentityPublic())
}

func TestTrustStore_TrustOnFirstUse(t *testing.T) {
	store := NewTrustStore()

	err := store.Verify("machine-1", "fingerprint-a")
	assert.NoError(t, err)

	err = store.Verify("machine-1", "fingerprint-a")
	assert.NoError(t, err)
}

func TestTrustStore_MismatchAborts(t *testing.T) {
	store := NewTrustStore()

	require.NoError(t, store.Verify("machine-1", "fingerprint-a"))

	err := store.Verify("machine-1", "fingerprint-b")
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestTrustStore_ForgetClearsCachedFingerprint(t *testing.T) {
	store := NewTrustStore()
	require.NoError(t, store.Verify("machine-1", "fingerprint-a"))

	store.Forget("machine-1")

	err := store.Verify("machine-1", "fingerprint-b")
	assert.NoError(t, err)
}

func TestFingerprint_IsStableForSameKey(t *testing.T) {
	hs, err := NewHandshake(nil)
	require.NoError(t, err)

	fp1 := Fingerprint(hs.EphemeralPublic())
	fp2 := Fingerprint(hs.EphemeralPublic())
	assert.Equal(t, fp1, fp2)
}
