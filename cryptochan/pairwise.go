package cryptochan

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"bigheads/identity"
)

// Role distinguishes the two sides of a pairwise handshake.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// HandshakeState is the per-peer handshake state machine.
type HandshakeState int

const (
	StateNone HandshakeState = iota
	StateInitSent
	StateRespSent
	StateEstablished
)

func (s HandshakeState) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateInitSent:
		return "INIT_SENT"
	case StateRespSent:
		return "RESP_SENT"
	case StateEstablished:
		return "ESTABLISHED"
	default:
		return "UNKNOWN"
	}
}

const rootKeyInfo = "bigheads/nn/v1"

// ReplayWindow is the skip-ratchet tolerance: receivers
// accept counters >= rx_counter and skip forward up to this many slots
// to tolerate reordering.
const ReplayWindow = 32

// chainKeySize matches chacha20poly1305's 32-byte key; per-message keys
// use the same size.
const chainKeySize = 32

func deriveHKDF(secret, salt []byte, info string, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("cryptochan: hkdf: %w", err)
	}
	return out, nil
}

// Handshake tracks one in-flight Noise-NN-style exchange: an ephemeral
// X25519 keypair and the role that generated it. Ephemeral keys are
// cleartext on the wire and unauthenticated — an accepted prototype
// limitation.
type Handshake struct {
	Role         Role
	State        HandshakeState
	Ephemeral    identity.PrivateKey
	EphemeralPub identity.PublicKey
	Attempts     int
}

// NewHandshake generates a fresh ephemeral keypair for role.
func NewHandshake(role Role) (*Handshake, error) {
	var sk identity.PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return nil, fmt.Errorf("cryptochan: ephemeral key: %w", err)
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	pk, err := identity.PublicFromPrivate(sk)
	if err != nil {
		return nil, err
	}
	state := StateInitSent
	if role == RoleResponder {
		state = StateRespSent
	}
	return &Handshake{Role: role, State: state, Ephemeral: sk, EphemeralPub: pk}, nil
}

// Session is the established pairwise chain-key state.
type Session struct {
	PeerID      identity.NodeID
	Role        Role
	State       HandshakeState
	txChainKey  []byte
	rxChainKey  []byte
	txCounter   uint64
	rxCounter   uint64
	replay      *ReplayFilter
	skippedKeys map[uint64][]byte // counters the chain has passed but not yet consumed
}

// Complete finishes a handshake given the peer's ephemeral public key,
// computing the shared secret, root key and role-labelled chain keys of
// the hash ratchet.
func (h *Handshake) Complete(peerID identity.NodeID, peerEphemeral identity.PublicKey) (*Session, error) {
	ss, err := identity.SharedSecret(h.Ephemeral, peerEphemeral)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: shared secret: %w", err)
	}
	rootKey, err := deriveHKDF(ss, nil, rootKeyInfo, chainKeySize)
	if err != nil {
		return nil, err
	}

	txLabel, rxLabel := "a->b", "b->a"
	if h.Role == RoleResponder {
		txLabel, rxLabel = "b->a", "a->b"
	}
	txChain, err := deriveHKDF(rootKey, nil, txLabel, chainKeySize)
	if err != nil {
		return nil, err
	}
	rxChain, err := deriveHKDF(rootKey, nil, rxLabel, chainKeySize)
	if err != nil {
		return nil, err
	}

	return &Session{
		PeerID:      peerID,
		Role:        h.Role,
		State:       StateEstablished,
		txChainKey:  txChain,
		rxChainKey:  rxChain,
		replay:      NewReplayFilter(),
		skippedKeys: make(map[uint64][]byte),
	}, nil
}

// stepChain derives the per-message key k_N for counter from chain and
// returns the next chain key, advancing the per-message ratchet.
func stepChain(chain []byte, counter uint64) (key []byte, next []byte, err error) {
	var counterInfo [8]byte
	binary.BigEndian.PutUint64(counterInfo[:], counter)
	key, err = deriveHKDF(chain, nil, "msg:"+string(counterInfo[:]), chainKeySize)
	if err != nil {
		return nil, nil, err
	}
	next, err = deriveHKDF(chain, nil, "step", chainKeySize)
	if err != nil {
		return nil, nil, err
	}
	return key, next, nil
}

func nonceFromCounter(counter uint64) [12]byte {
	var n [12]byte
	binary.BigEndian.PutUint32(n[0:4], 0)
	binary.BigEndian.PutUint64(n[4:12], counter)
	return n
}

// Encrypt produces the N-th outgoing message on the tx chain, advancing
// tx_counter and tx_chain_key.
func (s *Session) Encrypt(plaintext, aad []byte) (counter uint64, ciphertext []byte, err error) {
	counter = s.txCounter
	key, next, err := stepChain(s.txChainKey, counter)
	if err != nil {
		return 0, nil, err
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return 0, nil, fmt.Errorf("cryptochan: tx cipher: %w", err)
	}
	nonce := nonceFromCounter(counter)
	ciphertext = aead.Seal(nil, nonce[:], plaintext, aad)
	s.txChainKey = next
	s.txCounter++
	return counter, ciphertext, nil
}

// ErrOutOfWindow is returned when an incoming counter is behind the rx
// skip-ratchet window, or refers to a skipped slot already consumed
// (forward secrecy per message).
var ErrOutOfWindow = fmt.Errorf("cryptochan: counter outside replay window")

// Decrypt verifies and opens an incoming message at the given counter.
// Messages with counter == rx_counter advance the chain normally.
// Messages with counter > rx_counter (up to ReplayWindow ahead) cause
// the chain to skip-ratchet forward: the intermediate per-message keys
// are derived and held in skippedKeys so that reordered messages for
// those counters can still be decrypted when they arrive later.
// Messages with counter < rx_counter are only accepted if their key was
// held from an earlier skip; everything else is ErrOutOfWindow.
func (s *Session) Decrypt(counter uint64, ciphertext, aad []byte) ([]byte, error) {
	switch {
	case counter < s.rxCounter:
		distance := s.rxCounter - counter
		if !s.replay.validate(distance) {
			return nil, ErrOutOfWindow
		}
		key, ok := s.skippedKeys[counter]
		if !ok {
			return nil, ErrOutOfWindow
		}
		pt, err := open(key, counter, ciphertext, aad)
		if err != nil {
			return nil, err
		}
		delete(s.skippedKeys, counter)
		s.replay.markSeen(distance)
		return pt, nil

	case counter-s.rxCounter > ReplayWindow:
		return nil, ErrOutOfWindow

	default:
		chain := s.rxChainKey
		for c := s.rxCounter; c < counter; c++ {
			skippedKey, next, err := stepChain(chain, c)
			if err != nil {
				return nil, err
			}
			s.skippedKeys[c] = skippedKey
			chain = next
		}
		key, next, err := stepChain(chain, counter)
		if err != nil {
			return nil, err
		}
		pt, err := open(key, counter, ciphertext, aad)
		if err != nil {
			return nil, err
		}
		s.replay.advance(counter + 1 - s.rxCounter)
		s.rxChainKey = next
		s.rxCounter = counter + 1
		s.pruneSkipped()
		return pt, nil
	}
}

// pruneSkipped drops skipped keys that have fallen out of the replay
// window; they can never be validated again so holding them would just
// leak memory.
func (s *Session) pruneSkipped() {
	if s.rxCounter <= ReplayWindow {
		return
	}
	floor := s.rxCounter - ReplayWindow
	for c := range s.skippedKeys {
		if c < floor {
			delete(s.skippedKeys, c)
		}
	}
}

func open(key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptochan: rx cipher: %w", err)
	}
	nonce := nonceFromCounter(counter)
	pt, err := aead.Open(nil, nonce[:], ciphertext, aad)
	if err != nil {
		return nil, ErrAuth
	}
	return pt, nil
}
