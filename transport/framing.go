package transport

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"bigheads/identity"
)

// segmentHeaderSize is (stream_id, seg_idx, total) as three big-endian
// u16 fields.
const segmentHeaderSize = 6

const reassemblyIdleTimeout = 10 * time.Second

// splitFrame encodes payload as one or more segments no larger than
// maxSegmentBytes (including the header), each tagged with streamID,
// its index and the total segment count.
func splitFrame(streamID uint16, payload []byte, maxSegmentBytes int) [][]byte {
	bodyLimit := maxSegmentBytes - segmentHeaderSize
	if bodyLimit <= 0 {
		bodyLimit = 1
	}
	total := (len(payload) + bodyLimit - 1) / bodyLimit
	if total == 0 {
		total = 1
	}
	segments := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * bodyLimit
		end := start + bodyLimit
		if end > len(payload) {
			end = len(payload)
		}
		seg := make([]byte, segmentHeaderSize+(end-start))
		binary.BigEndian.PutUint16(seg[0:2], streamID)
		binary.BigEndian.PutUint16(seg[2:4], uint16(i))
		binary.BigEndian.PutUint16(seg[4:6], uint16(total))
		copy(seg[segmentHeaderSize:], payload[start:end])
		segments = append(segments, seg)
	}
	return segments
}

var errShortSegment = fmt.Errorf("transport: segment shorter than header")
var errBadSegmentIndex = fmt.Errorf("transport: seg_idx >= total")

type streamKey struct {
	peer     identity.NodeID
	streamID uint16
}

type partialStream struct {
	total    uint16
	received map[uint16][]byte
	size     int
	lastSeen time.Time
}

// reassembler buffers in-flight frames per (peer, stream_id) and emits
// the reassembled envelope once every segment has arrived. Partial
// buffers are discarded once they exceed sizeCap (a fixed 64 KiB; the
// packet_size_limit setting does not bound them) or after 10s of
// inactivity.
type reassembler struct {
	mu      sync.Mutex
	streams map[streamKey]*partialStream
	sizeCap int
	lastGC  time.Time
}

func newReassembler() *reassembler {
	return &reassembler{
		streams: make(map[streamKey]*partialStream),
		sizeCap: 64 * 1024,
	}
}

// feed processes one incoming segment from peer. It returns the
// reassembled frame once complete, or nil while more segments are
// still expected. Malformed headers return an error and drop the
// frame, never panicking.
func (r *reassembler) feed(peer identity.NodeID, raw []byte) ([]byte, error) {
	if len(raw) < segmentHeaderSize {
		return nil, errShortSegment
	}
	streamID := binary.BigEndian.Uint16(raw[0:2])
	segIdx := binary.BigEndian.Uint16(raw[2:4])
	total := binary.BigEndian.Uint16(raw[4:6])
	body := raw[segmentHeaderSize:]

	if total == 0 || segIdx >= total {
		return nil, errBadSegmentIndex
	}

	key := streamKey{peer: peer, streamID: streamID}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.gcLocked()

	ps, ok := r.streams[key]
	if !ok {
		ps = &partialStream{total: total, received: make(map[uint16][]byte)}
		r.streams[key] = ps
	}
	if _, dup := ps.received[segIdx]; !dup {
		ps.received[segIdx] = body
		ps.size += len(body)
	}
	ps.lastSeen = time.Now()

	if ps.size > r.sizeCap {
		delete(r.streams, key)
		return nil, fmt.Errorf("transport: stream %d from %s exceeded size cap, discarded", streamID, peer)
	}

	if len(ps.received) < int(ps.total) {
		return nil, nil
	}

	out := make([]byte, 0, ps.size)
	for i := uint16(0); i < ps.total; i++ {
		out = append(out, ps.received[i]...)
	}
	delete(r.streams, key)
	return out, nil
}

// gcLocked drops streams idle for more than reassemblyIdleTimeout.
// Called with mu held, at most once per second to keep feed cheap.
func (r *reassembler) gcLocked() {
	now := time.Now()
	if now.Sub(r.lastGC) < time.Second {
		return
	}
	r.lastGC = now
	for key, ps := range r.streams {
		if now.Sub(ps.lastSeen) > reassemblyIdleTimeout {
			delete(r.streams, key)
		}
	}
}
