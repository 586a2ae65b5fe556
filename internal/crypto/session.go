// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package crypto implements per-session end-to-end encryption: X25519 ECDH
// key agreement, HKDF-SHA256 key derivation, and ChaCha20-Poly1305 AEAD.
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo is the context string mixed into key derivation so that keys
// from this protocol version never collide with keys derived elsewhere.
const hkdfInfo = "agent-e2e-session-v1"

// NonceSize is the ChaCha20-Poly1305 nonce length in bytes.
const NonceSize = chacha20poly1305.NonceSize

var (
	// ErrNonceExhausted is returned once the per-session nonce counter has
	// reached its maximum value. The session must be rekeyed.
	ErrNonceExhausted = errors.New("crypto: nonce counter exhausted, session must be rekeyed")

	// ErrDecryptionFailed is returned for any authentication or decryption
	// failure. It deliberately carries no detail about the cause.
	ErrDecryptionFailed = errors.New("crypto: decryption failed")

	// ErrInvalidNonceLength is returned when decrypt is called with a nonce
	// that is not NonceSize bytes long.
	ErrInvalidNonceLength = errors.New("crypto: invalid nonce length")
)

// EncryptedData is an AEAD ciphertext paired with the nonce used to produce
// it. Both fields are required to decrypt.
type EncryptedData struct {
	Ciphertext []byte
	Nonce      [NonceSize]byte
}

// Session holds a derived symmetric key and produces unique nonces for a
// single logical encryption session. A Session is safe for concurrent use;
// nonce claiming is lock-free.
type Session struct {
	aead        cipherAEAD
	noncePrefix [8]byte
	counter     atomic.Uint32
}

// cipherAEAD is the subset of cipher.AEAD used here, kept narrow so tests
// can substitute a fake.
type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// NewFromSharedSecret derives a session key from a raw 32-byte ECDH shared
// secret via HKDF-SHA256 and constructs a Session around it.
func NewFromSharedSecret(sharedSecret [32]byte) (*Session, error) {
	key, err := DeriveSessionKey(sharedSecret)
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: construct aead: %w", err)
	}

	s := &Session{aead: aead}
	if _, err := rand.Read(s.noncePrefix[:]); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce prefix: %w", err)
	}
	return s, nil
}

// NewFromKeyExchange performs an X25519 ECDH between local and remote and
// derives a session from the resulting shared secret.
func NewFromKeyExchange(local *ecdh.PrivateKey, remote *ecdh.PublicKey) (*Session, error) {
	shared, err := ECDH(local, remote)
	if err != nil {
		return nil, err
	}
	return NewFromSharedSecret(shared)
}

// ECDH performs X25519 Diffie-Hellman and returns the raw 32-byte shared
// secret.
func ECDH(local *ecdh.PrivateKey, remote *ecdh.PublicKey) ([32]byte, error) {
	var out [32]byte
	shared, err := local.ECDH(remote)
	if err != nil {
		return out, fmt.Errorf("crypto: ecdh: %w", err)
	}
	copy(out[:], shared)
	return out, nil
}

// DeriveSessionKey runs HKDF-SHA256 over the shared secret, producing a
// 32-byte symmetric key. The caller owns the returned key and should avoid
// retaining copies longer than necessary.
func DeriveSessionKey(sharedSecret [32]byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha256.New, sharedSecret[:], nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("crypto: derive session key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under the next nonce claimed from this session's
// counter.
func (s *Session) Encrypt(plaintext []byte) (EncryptedData, error) {
	nonce, err := s.nextNonce()
	if err != nil {
		return EncryptedData{}, err
	}
	ciphertext := s.aead.Seal(nil, nonce[:], plaintext, nil)
	return EncryptedData{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt opens ciphertext using the given nonce. Any failure — tampered
// ciphertext, wrong key, wrong nonce — collapses to ErrDecryptionFailed.
func (s *Session) Decrypt(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceLength, NonceSize, len(nonce))
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// nextNonce claims the next counter value with a compare-and-swap loop so
// concurrent encrypters never observe the same nonce, then lays it out as
// [4-byte big-endian counter][8-byte session prefix].
func (s *Session) nextNonce() ([NonceSize]byte, error) {
	var nonce [NonceSize]byte
	for {
		current := s.counter.Load()
		if current == ^uint32(0) {
			return nonce, ErrNonceExhausted
		}
		if s.counter.CompareAndSwap(current, current+1) {
			nonce[0] = byte(current >> 24)
			nonce[1] = byte(current >> 16)
			nonce[2] = byte(current >> 8)
			nonce[3] = byte(current)
			copy(nonce[4:], s.noncePrefix[:])
			return nonce, nil
		}
	}
}

// NonceCounter returns the current counter value. Exposed for tests that
// need to exercise exhaustion without two billion calls to Encrypt.
func (s *Session) NonceCounter() uint32 {
	return s.counter.Load()
}

// setCounterForTest forces the counter to a specific value. Unexported:
// only this package's tests may reach into Session internals.
func (s *Session) setCounterForTest(v uint32) {
	s.counter.Store(v)
}
