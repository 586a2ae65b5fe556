// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
)

// ErrFingerprintMismatch is returned when a peer's identity fingerprint
// does not match the one cached for its machine id on a prior handshake.
var ErrFingerprintMismatch = errors.New("crypto: peer fingerprint does not match cached value")

// Handshake is one side of the two-message ephemeral key exchange. The
// initiator sends its ephemeral (and optionally identity) public key; the
// responder replies in kind and both sides derive the same Session
// independently.
type Handshake struct {
	ephemeral *ecdh.PrivateKey
	identity  *ecdh.PrivateKey // optional, nil if this side has none
}

// NewHandshake generates a fresh ephemeral X25519 keypair. identity may be
// nil if this side has no long-term identity key to offer.
func NewHandshake(identity *ecdh.PrivateKey) (*Handshake, error) {
	eph, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate ephemeral key: %w", err)
	}
	return &Handshake{ephemeral: eph, identity: identity}, nil
}

// EphemeralPublic returns the public half of this handshake's ephemeral key,
// the value sent to the peer.
func (h *Handshake) EphemeralPublic() *ecdh.PublicKey {
	return h.ephemeral.PublicKey()
}

// IdentityPublic returns this side's identity public key, or nil if none
// was configured.
func (h *Handshake) IdentityPublic() *ecdh.PublicKey {
	if h.identity == nil {
		return nil
	}
	return h.identity.PublicKey()
}

// Complete derives the session key from this side's ephemeral secret and
// the peer's ephemeral public key.
func (h *Handshake) Complete(peerEphemeral *ecdh.PublicKey) (*Session, error) {
	return NewFromKeyExchange(h.ephemeral, peerEphemeral)
}

// Fingerprint computes a stable fingerprint of an identity public key: the
// hex-encoded SHA-256 digest of its raw bytes. Used for trust-on-first-use
// pinning, never as key material.
func Fingerprint(identityPublic *ecdh.PublicKey) string {
	sum := sha256.Sum256(identityPublic.Bytes())
	return hex.EncodeToString(sum[:])
}

// TrustStore caches machine_id -> identity fingerprint for trust-on-first-use
// verification across reconnects. Safe for concurrent use.
type TrustStore struct {
	mu           sync.Mutex
	fingerprints map[string]string
}

// NewTrustStore returns an empty trust store.
func NewTrustStore() *TrustStore {
	return &TrustStore{fingerprints: make(map[string]string)}
}

// Verify checks the fingerprint presented for machineID against any cached
// value. The first fingerprint seen for a machine id is cached and trusted
// unconditionally (trust-on-first-use); every subsequent call must match it
// exactly or Verify returns ErrFingerprintMismatch.
func (t *TrustStore) Verify(machineID, fingerprint string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cached, ok := t.fingerprints[machineID]
	if !ok {
		t.fingerprints[machineID] = fingerprint
		return nil
	}
	if cached != fingerprint {
		return ErrFingerprintMismatch
	}
	return nil
}

// Forget removes any cached fingerprint for machineID, so the next Verify
// call re-pins trust. Used when an operator explicitly revokes a machine.
func (t *TrustStore) Forget(machineID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.fingerprints, machineID)
}
