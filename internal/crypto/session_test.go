// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKeypair(t *testing.T) *ecdh.PrivateKey {
	t.Helper()
	key, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return key
}

func sessionPair(t *testing.T) (*Session, *Session) {
	t.Helper()
	a := generateKeypair(t)
	b := generateKeypair(t)

	sessA, err := NewFromKeyExchange(a, b.PublicKey())
	require.NoError(t, err)
	sessB, err := NewFromKeyExchange(b, a.PublicKey())
	require.NoError(t, err)
	return sessA, sessB
}

func TestECDH_IsSymmetric(t *testing.T) {
	a := generateKeypair(t)
	b := generateKeypair(t)

	sharedAB, err := ECDH(a, b.PublicKey())
	require.NoError(t, err)
	sharedBA, err := ECDH(b, a.PublicKey())
	require.NoError(t, err)

	assert.Equal(t, sharedAB, sharedBA)
}

func TestDeriveSessionKey_DifferentSecretsDifferentKeys(t *testing.T) {
	a := generateKeypair(t)
	b := generateKeypair(t)
	target := generateKeypair(t)

	sharedA, err := ECDH(a, target.PublicKey())
	require.NoError(t, err)
	sharedB, err := ECDH(b, target.PublicKey())
	require.NoError(t, err)

	keyA, err := DeriveSessionKey(sharedA)
	require.NoError(t, err)
	keyB, err := DeriveSessionKey(sharedB)
	require.NoError(t, err)

	assert.NotEqual(t, keyA, keyB)
}

func TestSession_EncryptDecryptRoundtrip(t *testing.T) {
	client, server := sessionPair(t)

	encrypted, err := client.Encrypt([]byte("hello, encrypted world"))
	require.NoError(t, err)

	plaintext, err := server.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	require.NoError(t, err)
	assert.Equal(t, "hello, encrypted world", string(plaintext))
}

func TestSession_EncryptEmptyPlaintext(t *testing.T) {
	client, server := sessionPair(t)

	encrypted, err := client.Encrypt(nil)
	require.NoError(t, err)

	plaintext, err := server.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	require.NoError(t, err)
	assert.Empty(t, plaintext)
}

func TestSession_DecryptWrongKeyFails(t *testing.T) {
	client, _ := sessionPair(t)
	_, wrongServer := sessionPair(t)

	encrypted, err := client.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = wrongServer.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSession_DecryptTamperedCiphertextFails(t *testing.T) {
	client, server := sessionPair(t)

	encrypted, err := client.Encrypt([]byte("secret"))
	require.NoError(t, err)
	encrypted.Ciphertext[0] ^= 0xFF

	_, err = server.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSession_DecryptWrongNonceFails(t *testing.T) {
	client, server := sessionPair(t)

	encrypted, err := client.Encrypt([]byte("secret"))
	require.NoError(t, err)

	wrongNonce := make([]byte, NonceSize)
	_, err = server.Decrypt(encrypted.Ciphertext, wrongNonce)
	assert.ErrorIs(t, err, ErrDecryptionFailed)
}

func TestSession_DecryptInvalidNonceLength(t *testing.T) {
	_, server := sessionPair(t)

	_, err := server.Decrypt([]byte("ciphertext"), make([]byte, 8))
	assert.ErrorIs(t, err, ErrInvalidNonceLength)
}

func TestSession_NonceCounterIncrements(t *testing.T) {
	client, _ := sessionPair(t)

	assert.Equal(t, uint32(0), client.NonceCounter())
	_, err := client.Encrypt([]byte("msg1"))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), client.NonceCounter())
	_, err = client.Encrypt([]byte("msg2"))
	require.NoError(t, err)
	assert.Equal(t, uint32(2), client.NonceCounter())
}

func TestSession_NonceNeverRepeats(t *testing.T) {
	client, _ := sessionPair(t)
	seen := make(map[[NonceSize]byte]struct{})

	for i := 0; i < 1000; i++ {
		encrypted, err := client.Encrypt([]byte("x"))
		require.NoError(t, err)
		_, dup := seen[encrypted.Nonce]
		assert.False(t, dup, "nonce collision detected")
		seen[encrypted.Nonce] = struct{}{}
	}
}

func TestSession_NonceExhaustion(t *testing.T) {
	client, _ := sessionPair(t)
	client.setCounterForTest(^uint32(0))

	_, err := client.Encrypt([]byte("should fail"))
	assert.ErrorIs(t, err, ErrNonceExhausted)
}

func TestSession_EncryptLargePayload(t *testing.T) {
	client, server := sessionPair(t)
	plaintext := make([]byte, 1024*1024)
	for i := range plaintext {
		plaintext[i] = 0xAB
	}

	encrypted, err := client.Encrypt(plaintext)
	require.NoError(t, err)
	decrypted, err := server.Decrypt(encrypted.Ciphertext, encrypted.Nonce[:])
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}
