// Package identity owns the node's stable identifier and long-term
// X25519 keypair. Both are generated once on first run and persisted;
// neither is ever mutated afterward.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

const (
	// NodeIDSize is the width of a node identifier in bytes.
	NodeIDSize = 16
	// PublicKeySize and PrivateKeySize are X25519 key widths.
	PublicKeySize  = 32
	PrivateKeySize = 32
)

// NodeID is a randomly generated, stable node identifier.
type NodeID [NodeIDSize]byte

// Broadcast is the reserved destination sentinel for group messages.
var Broadcast = NodeID{}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// IsBroadcast reports whether id is the reserved BROADCAST sentinel.
func (id NodeID) IsBroadcast() bool {
	return id == Broadcast
}

func NodeIDFromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(b) != NodeIDSize {
		return id, fmt.Errorf("identity: invalid node id length %d", len(b))
	}
	copy(id[:], b)
	return id, nil
}

func newNodeID() (NodeID, error) {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		return id, err
	}
	return id, nil
}

// PrivateKey is a clamped X25519 scalar.
type PrivateKey [PrivateKeySize]byte

// PublicKey is an X25519 point.
type PublicKey [PublicKeySize]byte

func (k PrivateKey) Bytes() []byte { return k[:] }
func (k PublicKey) Bytes() []byte  { return k[:] }

func (k PublicKey) String() string { return hex.EncodeToString(k[:]) }

// newPrivateKey generates a clamped X25519 private scalar, following
// the standard clamping convention (https://cr.yp.to/ecdh.html).
func newPrivateKey() (PrivateKey, error) {
	var sk PrivateKey
	if _, err := rand.Read(sk[:]); err != nil {
		return sk, err
	}
	sk[0] &= 248
	sk[31] &= 127
	sk[31] |= 64
	return sk, nil
}

// PublicFromPrivate derives the X25519 public key for sk.
func PublicFromPrivate(sk PrivateKey) (PublicKey, error) {
	var pk PublicKey
	out, err := curve25519.X25519(sk[:], curve25519.Basepoint)
	if err != nil {
		return pk, err
	}
	copy(pk[:], out)
	return pk, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between
// sk and peer's public key pk.
func SharedSecret(sk PrivateKey, pk PublicKey) ([]byte, error) {
	return curve25519.X25519(sk[:], pk[:])
}

// Identity is this node's stable identity: its ID and long-term keypair.
type Identity struct {
	ID         NodeID
	PrivateKey PrivateKey
	PublicKey  PublicKey
}

// MetaStore is the subset of the persistence layer identity needs; the
// concrete implementation lives in package store, kept decoupled here so
// identity has no dependency on bbolt.
type MetaStore interface {
	GetMeta(key string) ([]byte, bool, error)
	PutMeta(key string, value []byte) error
}

const (
	metaKeyNodeID  = "identity.node_id"
	metaKeyPrivKey = "identity.private_key"
)

// Load reads the persisted identity from store, generating and
// persisting a fresh one on first run. The result never changes across
// calls once written.
func Load(s MetaStore) (*Identity, error) {
	idBytes, ok, err := s.GetMeta(metaKeyNodeID)
	if err != nil {
		return nil, fmt.Errorf("identity: read node id: %w", err)
	}
	keyBytes, keyOK, err := s.GetMeta(metaKeyPrivKey)
	if err != nil {
		return nil, fmt.Errorf("identity: read private key: %w", err)
	}

	if ok && keyOK {
		return fromStored(idBytes, keyBytes)
	}
	if ok != keyOK {
		return nil, errors.New("identity: partial identity record in store")
	}

	id, err := newNodeID()
	if err != nil {
		return nil, fmt.Errorf("identity: generate node id: %w", err)
	}
	sk, err := newPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate private key: %w", err)
	}
	pk, err := PublicFromPrivate(sk)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}

	if err := s.PutMeta(metaKeyNodeID, id[:]); err != nil {
		return nil, fmt.Errorf("identity: persist node id: %w", err)
	}
	if err := s.PutMeta(metaKeyPrivKey, sk[:]); err != nil {
		return nil, fmt.Errorf("identity: persist private key: %w", err)
	}

	return &Identity{ID: id, PrivateKey: sk, PublicKey: pk}, nil
}

func fromStored(idBytes, keyBytes []byte) (*Identity, error) {
	if len(idBytes) != NodeIDSize {
		return nil, fmt.Errorf("identity: stored node id has length %d", len(idBytes))
	}
	if len(keyBytes) != PrivateKeySize {
		return nil, fmt.Errorf("identity: stored private key has length %d", len(keyBytes))
	}
	var id Identity
	copy(id.ID[:], idBytes)
	copy(id.PrivateKey[:], keyBytes)
	pk, err := PublicFromPrivate(id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	id.PublicKey = pk
	return &id, nil
}
