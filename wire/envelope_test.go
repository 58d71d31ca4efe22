package wire

import (
	"bytes"
	"testing"

	"github.com/google/uuid"

	"bigheads/identity"
)

func sampleEnvelope() *Envelope {
	var origin, dest identity.NodeID
	origin[0] = 0xAA
	dest[0] = 0xBB
	e := &Envelope{
		MsgID:      uuid.New(),
		Origin:     origin,
		Dest:       dest,
		Kind:       KindText,
		TTL:        6,
		Hop:        0,
		TS:         1234567,
		Seq:        42,
		Ciphertext: []byte("hello ciphertext"),
	}
	copy(e.Nonce[:], bytes.Repeat([]byte{0x01}, NonceSize))
	return e
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	want := sampleEnvelope()
	buf, err := want.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MsgID != want.MsgID || got.Origin != want.Origin || got.Dest != want.Dest {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
	if got.Kind != want.Kind || got.TTL != want.TTL || got.Hop != want.Hop {
		t.Fatalf("round trip header mismatch: got %+v want %+v", got, want)
	}
	if got.Seq != want.Seq || got.TS != want.TS {
		t.Fatalf("round trip seq/ts mismatch")
	}
	if !bytes.Equal(got.Ciphertext, want.Ciphertext) {
		t.Fatalf("round trip ciphertext mismatch")
	}
}

func TestDecodeRejectsShortHeader(t *testing.T) {
	if _, err := Decode(make([]byte, headerSize-1)); err == nil {
		t.Fatal("expected error for short header")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	e := sampleEnvelope()
	buf, _ := e.Encode()
	buf[0] ^= 0xFF
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for bad magic")
	}
}

func TestDecodeRejectsTruncatedCiphertext(t *testing.T) {
	e := sampleEnvelope()
	buf, _ := e.Encode()
	if _, err := Decode(buf[:len(buf)-1]); err == nil {
		t.Fatal("expected error for ciphertext length mismatch")
	}
}

func TestDecodeRejectsUnknownKind(t *testing.T) {
	e := sampleEnvelope()
	buf, _ := e.Encode()
	buf[3] = 200 // kind byte
	if _, err := Decode(buf); err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestAADBindsFields(t *testing.T) {
	a := sampleEnvelope()
	b := sampleEnvelope()
	b.Seq++
	if bytes.Equal(a.AAD(), b.AAD()) {
		t.Fatal("AAD should differ when seq differs")
	}
}
