// Package cryptochan implements the three key schedules:
// the group broadcast AEAD, the pairwise Noise-NN-style handshake with
// its per-message chain-key ratchet, and the replay/reorder window that
// guards it.
package cryptochan

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Argon2id parameters for deriving K_group from the configured
// passphrase. argon2id is deliberately slow; runtime.New derives the
// key once, inline, before the dispatcher goroutine starts. It is not
// run on a separate worker goroutine, and a group_passphrase changed
// later through config.Set is not re-derived.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
	argonKeyLen  = 32
)

// ErrAuth is returned whenever an AEAD open fails: wrong key, tampered
// ciphertext, or both. Decryption must never yield a plaintext in
// either case.
var ErrAuth = errors.New("cryptochan: authentication failed")

// groupSalt is fixed rather than per-install random: every node must
// derive the same K_group from the same passphrase to form one group
// channel, so there is no secret salt to keep — the passphrase itself is
// the shared secret.
var groupSalt = []byte("bigheads/group/v1")

// DeriveGroupKey runs argon2id over passphrase to produce K_group. Slow
// by design; call this off the dispatcher goroutine.
func DeriveGroupKey(passphrase string) []byte {
	return argon2.IDKey([]byte(passphrase), groupSalt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// GroupCipher wraps ChaCha20-Poly1305 keyed by K_group.
type GroupCipher struct {
	aead cipherAEAD
}

type cipherAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// NewGroupCipher constructs a GroupCipher from a 32-byte K_group, e.g.
// the output of DeriveGroupKey.
func NewGroupCipher(key []byte) (*GroupCipher, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: new group cipher: %w", err)
	}
	return &GroupCipher{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random 12-byte nonce, returning
// the nonce and ciphertext.
func (g *GroupCipher) Encrypt(plaintext, aad []byte) (nonce [12]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, fmt.Errorf("cryptochan: nonce: %w", err)
	}
	ciphertext = g.aead.Seal(nil, nonce[:], plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt opens ciphertext; any failure is ErrAuth, never a partial or
// garbage plaintext.
func (g *GroupCipher) Decrypt(nonce [12]byte, ciphertext, aad []byte) ([]byte, error) {
	pt, err := g.aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
