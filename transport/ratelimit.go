package transport

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bigheads/identity"
)

// Handshake-init rate limits, keyed per peer rather than per-source-IP
// since a BLE mesh has no IP layer to key on.
const (
	handshakeRatePerSecond = 20
	handshakeBurst         = 5
	handshakeGCInterval    = time.Second
	handshakeGCIdleAfter   = 10 * time.Second
)

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// HandshakeLimiter bounds the rate of handshake-init messages accepted
// per peer, guarding against a single misbehaving or replaying peer
// flooding the handshake state machine.
type HandshakeLimiter struct {
	mu      sync.Mutex
	entries map[identity.NodeID]*rateEntry
	stop    chan struct{}
}

// NewHandshakeLimiter starts the limiter and its background garbage
// collector for idle peer entries.
func NewHandshakeLimiter() *HandshakeLimiter {
	l := &HandshakeLimiter{
		entries: make(map[identity.NodeID]*rateEntry),
		stop:    make(chan struct{}),
	}
	go l.gcLoop()
	return l
}

// Close stops the garbage collector.
func (l *HandshakeLimiter) Close() {
	close(l.stop)
}

// Allow reports whether a handshake-init from peer should be accepted
// right now, consuming one token if so.
func (l *HandshakeLimiter) Allow(peer identity.NodeID) bool {
	l.mu.Lock()
	entry, ok := l.entries[peer]
	if !ok {
		entry = &rateEntry{limiter: rate.NewLimiter(rate.Limit(handshakeRatePerSecond), handshakeBurst)}
		l.entries[peer] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

func (l *HandshakeLimiter) gcLoop() {
	ticker := time.NewTicker(handshakeGCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.mu.Lock()
			now := time.Now()
			for id, entry := range l.entries {
				if now.Sub(entry.lastSeen) > handshakeGCIdleAfter {
					delete(l.entries, id)
				}
			}
			l.mu.Unlock()
		}
	}
}
