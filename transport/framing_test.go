package transport

import (
	"bytes"
	"testing"
	"time"

	"bigheads/identity"
)

func TestSplitFrameRoundTrip(t *testing.T) {
	var peer identity.NodeID
	peer[0] = 1

	payload := bytes.Repeat([]byte("x"), 137)
	segments := splitFrame(5, payload, 32)
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments, got %d", len(segments))
	}

	r := newReassembler()
	var out []byte
	for _, seg := range segments {
		got, err := r.feed(peer, seg)
		if err != nil {
			t.Fatalf("feed: %v", err)
		}
		if got != nil {
			out = got
		}
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(out), len(payload))
	}
}

func TestSplitFrameSingleSegment(t *testing.T) {
	payload := []byte("short")
	segments := splitFrame(1, payload, 64)
	if len(segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(segments))
	}
}

func TestFeedRejectsShortSegment(t *testing.T) {
	r := newReassembler()
	var peer identity.NodeID
	_, err := r.feed(peer, []byte{1, 2, 3})
	if err != errShortSegment {
		t.Fatalf("err = %v, want errShortSegment", err)
	}
}

func TestFeedRejectsBadSegmentIndex(t *testing.T) {
	r := newReassembler()
	var peer identity.NodeID
	raw := make([]byte, segmentHeaderSize)
	raw[2], raw[3] = 0, 5 // seg_idx = 5
	raw[4], raw[5] = 0, 5 // total = 5, so seg_idx >= total
	_, err := r.feed(peer, raw)
	if err != errBadSegmentIndex {
		t.Fatalf("err = %v, want errBadSegmentIndex", err)
	}
}

func TestFeedDiscardsIdlePartial(t *testing.T) {
	r := newReassembler()
	r.lastGC = time.Now().Add(-2 * time.Second)
	var peer identity.NodeID

	payload := []byte("hello world")
	segments := splitFrame(9, payload, 6)
	if len(segments) < 2 {
		t.Fatalf("expected multiple segments for this test, got %d", len(segments))
	}

	if _, err := r.feed(peer, segments[0]); err != nil {
		t.Fatalf("feed first segment: %v", err)
	}

	r.mu.Lock()
	for _, ps := range r.streams {
		ps.lastSeen = time.Now().Add(-reassemblyIdleTimeout - time.Second)
	}
	r.lastGC = time.Now().Add(-2 * time.Second)
	r.mu.Unlock()

	// Feeding a segment for an unrelated stream triggers gcLocked and
	// should evict the stale partial buffer above.
	other := splitFrame(10, []byte("x"), 64)
	if _, err := r.feed(peer, other[0]); err != nil {
		t.Fatalf("feed unrelated stream: %v", err)
	}

	r.mu.Lock()
	_, stillThere := r.streams[streamKey{peer: peer, streamID: 9}]
	r.mu.Unlock()
	if stillThere {
		t.Fatal("expected idle partial stream to be garbage collected")
	}
}
