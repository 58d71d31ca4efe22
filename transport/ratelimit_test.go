package transport

import (
	"testing"

	"bigheads/identity"
)

func TestHandshakeLimiterAllowsBurst(t *testing.T) {
	l := NewHandshakeLimiter()
	defer l.Close()

	var peer identity.NodeID
	peer[0] = 1

	allowed := 0
	for i := 0; i < handshakeBurst; i++ {
		if l.Allow(peer) {
			allowed++
		}
	}
	if allowed != handshakeBurst {
		t.Fatalf("allowed = %d, want %d burst tokens", allowed, handshakeBurst)
	}
}

func TestHandshakeLimiterRejectsBeyondBurst(t *testing.T) {
	l := NewHandshakeLimiter()
	defer l.Close()

	var peer identity.NodeID
	peer[0] = 2

	for i := 0; i < handshakeBurst; i++ {
		l.Allow(peer)
	}
	if l.Allow(peer) {
		t.Fatal("expected request beyond burst capacity to be rejected")
	}
}

func TestHandshakeLimiterIsPerPeer(t *testing.T) {
	l := NewHandshakeLimiter()
	defer l.Close()

	var peerA, peerB identity.NodeID
	peerA[0], peerB[0] = 1, 2

	for i := 0; i < handshakeBurst; i++ {
		l.Allow(peerA)
	}
	if !l.Allow(peerB) {
		t.Fatal("a fresh peer should have its own independent bucket")
	}
}
