package cryptochan

import (
	"fmt"
	"sync"
	"time"

	"bigheads/identity"
)

// handshakeRetryAfter is how long the initiator waits for a
// HANDSHAKE_RESP before resending; after handshakeMaxAttempts resends
// with no response, the peer surfaces HandshakeFailed.
const (
	handshakeRetryAfter  = 10 * time.Second
	handshakeMaxAttempts = 3
)

// ErrHandshakeFailed is returned once a handshake exhausts its
// retransmit budget without completing.
var ErrHandshakeFailed = fmt.Errorf("cryptochan: handshake failed after %d attempts", handshakeMaxAttempts)

// Manager owns the group cipher and the per-peer handshake/session
// state machine: NONE -> INIT_SENT|RESP_SENT -> ESTABLISHED.
type Manager struct {
	mu sync.Mutex

	group      *GroupCipher
	inFlight   map[identity.NodeID]*Handshake
	sessions   map[identity.NodeID]*Session
	lastSentAt map[identity.NodeID]time.Time
}

// NewManager constructs a Manager over the given group cipher. Pass
// the output of NewGroupCipher(DeriveGroupKey(passphrase)).
func NewManager(group *GroupCipher) *Manager {
	return &Manager{
		group:      group,
		inFlight:   make(map[identity.NodeID]*Handshake),
		sessions:   make(map[identity.NodeID]*Session),
		lastSentAt: make(map[identity.NodeID]time.Time),
	}
}

// Group returns the shared broadcast cipher.
func (m *Manager) Group() *GroupCipher {
	return m.group
}

// Pairwise returns the established session for peer, if any.
func (m *Manager) Pairwise(peer identity.NodeID) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	return s, ok
}

// PutPairwise installs an established session, replacing any prior
// one for the same peer (e.g. after a re-handshake).
func (m *Manager) PutPairwise(peer identity.NodeID, s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[peer] = s
	delete(m.inFlight, peer)
}

// StartHandshake begins a fresh handshake with peer in the given
// role, returning the new Handshake whose EphemeralPub goes on the
// wire. Peers
// in NONE state route their first outgoing pairwise send through here.
func (m *Manager) StartHandshake(peer identity.NodeID, role Role) (*Handshake, error) {
	h, err := NewHandshake(role)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.inFlight[peer] = h
	m.lastSentAt[peer] = time.Now()
	m.mu.Unlock()
	return h, nil
}

// CompleteHandshake finishes the in-flight handshake with peer given
// its ephemeral public key, installs the resulting session, and
// returns it. Returns an error if no handshake is in flight for peer.
func (m *Manager) CompleteHandshake(peer identity.NodeID, peerEphemeral identity.PublicKey) (*Session, error) {
	m.mu.Lock()
	h, ok := m.inFlight[peer]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("cryptochan: no in-flight handshake with %s", peer)
	}
	sess, err := h.Complete(peer, peerEphemeral)
	if err != nil {
		return nil, err
	}
	sess.PeerID = peer
	m.PutPairwise(peer, sess)
	return sess, nil
}

// State reports the handshake/session state for peer: ESTABLISHED if
// a session exists, the in-flight handshake's state if one is
// running, or NONE otherwise.
func (m *Manager) State(peer identity.NodeID) HandshakeState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[peer]; ok {
		return StateEstablished
	}
	if h, ok := m.inFlight[peer]; ok {
		return h.State
	}
	return StateNone
}

// InFlightEphemeral returns the ephemeral public key of peer's
// in-flight handshake, for resending HANDSHAKE_INIT without starting a
// new handshake (which would reset its attempt counter).
func (m *Manager) InFlightEphemeral(peer identity.NodeID) (identity.PublicKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.inFlight[peer]
	if !ok {
		return identity.PublicKey{}, false
	}
	return h.EphemeralPub, true
}

// DueForRetry reports whether peer's in-flight handshake has waited
// past handshakeRetryAfter without a response, and whether it should
// be abandoned instead (having already been resent
// handshakeMaxAttempts times).
func (m *Manager) DueForRetry(peer identity.NodeID) (retry bool, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.inFlight[peer]
	if !ok {
		return false, false
	}
	sentAt, ok := m.lastSentAt[peer]
	if !ok || time.Since(sentAt) < handshakeRetryAfter {
		return false, false
	}
	if h.Attempts >= handshakeMaxAttempts {
		delete(m.inFlight, peer)
		delete(m.lastSentAt, peer)
		return false, true
	}
	h.Attempts++
	m.lastSentAt[peer] = time.Now()
	return true, false
}
