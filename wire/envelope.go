// Package wire implements the on-wire envelope format: the fixed-header
// binary layout and its framing invariants.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"bigheads/identity"
)

// Kind tags the payload carried by an envelope.
type Kind uint8

const (
	KindText Kind = iota
	KindFileChunk
	KindHandshakeInit
	KindHandshakeResp
	KindReaction
	KindTyping
	KindAck
	KindPresence
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "TEXT"
	case KindFileChunk:
		return "FILE_CHUNK"
	case KindHandshakeInit:
		return "HANDSHAKE_INIT"
	case KindHandshakeResp:
		return "HANDSHAKE_RESP"
	case KindReaction:
		return "REACTION"
	case KindTyping:
		return "TYPING"
	case KindAck:
		return "ACK"
	case KindPresence:
		return "PRESENCE"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

func validKind(k Kind) bool {
	return k <= KindPresence
}

// magic is the ASCII bytes "BH" as a big-endian uint16.
const (
	magic          uint16 = 0x4248
	version        uint8  = 1
	headerSize            = 2 + 1 + 1 + 1 + 1 + 16 + 16 + 16 + 8 + 8 + 12 + 4
	NonceSize             = 12
	MsgIDSize             = 16
)

// ErrMalformed is returned by Decode for any structurally invalid frame.
// Callers must treat it as a CodecError: drop the frame silently.
var ErrMalformed = errors.New("wire: malformed envelope")

// Envelope is the unit of transmission.
type Envelope struct {
	MsgID      uuid.UUID
	Origin     identity.NodeID
	Dest       identity.NodeID
	Kind       Kind
	TTL        uint8
	Hop        uint8
	TS         uint64 // milliseconds since epoch, advisory only
	Seq        uint64
	Nonce      [NonceSize]byte
	Ciphertext []byte
}

// AAD returns the additional authenticated data bound to this envelope's
// ciphertext: msg_id || origin || dest || kind || seq.
func (e *Envelope) AAD() []byte {
	aad := make([]byte, 0, MsgIDSize+identity.NodeIDSize*2+1+8)
	aad = append(aad, e.MsgID[:]...)
	aad = append(aad, e.Origin[:]...)
	aad = append(aad, e.Dest[:]...)
	aad = append(aad, byte(e.Kind))
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], e.Seq)
	aad = append(aad, seqBuf[:]...)
	return aad
}

// Encode serializes e to the binary wire format.
func (e *Envelope) Encode() ([]byte, error) {
	if !validKind(e.Kind) {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, e.Kind)
	}
	ctLen := len(e.Ciphertext)
	buf := make([]byte, headerSize+ctLen)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], magic)
	off += 2
	buf[off] = version
	off++
	buf[off] = byte(e.Kind)
	off++
	buf[off] = e.TTL
	off++
	buf[off] = e.Hop
	off++
	copy(buf[off:], e.MsgID[:])
	off += MsgIDSize
	copy(buf[off:], e.Origin[:])
	off += identity.NodeIDSize
	copy(buf[off:], e.Dest[:])
	off += identity.NodeIDSize
	binary.BigEndian.PutUint64(buf[off:], e.Seq)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], e.TS)
	off += 8
	copy(buf[off:], e.Nonce[:])
	off += NonceSize
	binary.BigEndian.PutUint32(buf[off:], uint32(ctLen))
	off += 4
	copy(buf[off:], e.Ciphertext)
	return buf, nil
}

// Decode parses a binary wire frame. Any structural violation returns
// ErrMalformed; callers treat this as a CodecError and drop the frame.
func Decode(buf []byte) (*Envelope, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("%w: short header", ErrMalformed)
	}
	off := 0
	gotMagic := binary.BigEndian.Uint16(buf[off:])
	off += 2
	if gotMagic != magic {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}
	gotVersion := buf[off]
	off++
	if gotVersion != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrMalformed, gotVersion)
	}
	kind := Kind(buf[off])
	off++
	if !validKind(kind) {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformed, kind)
	}
	e := &Envelope{Kind: kind}
	e.TTL = buf[off]
	off++
	e.Hop = buf[off]
	off++
	copy(e.MsgID[:], buf[off:off+MsgIDSize])
	off += MsgIDSize
	copy(e.Origin[:], buf[off:off+identity.NodeIDSize])
	off += identity.NodeIDSize
	copy(e.Dest[:], buf[off:off+identity.NodeIDSize])
	off += identity.NodeIDSize
	e.Seq = binary.BigEndian.Uint64(buf[off:])
	off += 8
	e.TS = binary.BigEndian.Uint64(buf[off:])
	off += 8
	copy(e.Nonce[:], buf[off:off+NonceSize])
	off += NonceSize
	ctLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if uint32(len(buf)-off) != ctLen {
		return nil, fmt.Errorf("%w: ciphertext length mismatch", ErrMalformed)
	}
	e.Ciphertext = append([]byte(nil), buf[off:]...)
	return e, nil
}
