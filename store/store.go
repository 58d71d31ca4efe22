// Package store is the durable persistence layer: seen
// dedupe LRU, message archive, outbox, routing hints, peer table and
// block list, all transactional per call on top of a single bbolt
// database file.
package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketSeen      = []byte("seen")
	bucketSeenOrder = []byte("seen_order")
	bucketMessages  = []byte("messages")
	bucketOutbox    = []byte("outbox")
	bucketRoutes    = []byte("routes")
	bucketPeers     = []byte("peers")
	bucketBlocks    = []byte("blocks")
	bucketMeta      = []byte("meta")
)

var allBuckets = [][]byte{
	bucketSeen, bucketSeenOrder, bucketMessages, bucketOutbox,
	bucketRoutes, bucketPeers, bucketBlocks, bucketMeta,
}

const (
	seenOrderCounterKey = "_next_order"
	seenOrderCountKey   = "_count"
)

// Store is the durable key/value-ish table set backing the mesh.
type Store struct {
	db            *bbolt.DB
	seenLRULimit  uint32
	outboxMaxAge  time.Duration
	routeStaleAge time.Duration
}

// New opens (creating if needed) a bbolt database at path and ensures
// all tables exist.
func New(path string, seenLRULimit uint32) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init buckets: %w", err)
	}
	if seenLRULimit == 0 {
		seenLRULimit = 50000
	}
	return &Store{
		db:            db,
		seenLRULimit:  seenLRULimit,
		outboxMaxAge:  7 * 24 * time.Hour,
		routeStaleAge: 24 * time.Hour,
	}, nil
}

// Close flushes and closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Autosave is a belt-and-suspenders flush: bbolt commits every
// transaction to disk already, so this just forces an fsync of any
// pages the OS has buffered, on the runtime's 30s autosave tick.
func (s *Store) Autosave() error {
	return s.db.Sync()
}

// --- meta ---

func (s *Store) GetMeta(key string) ([]byte, bool, error) {
	var val []byte
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v != nil {
			val = append([]byte(nil), v...)
			found = true
		}
		return nil
	})
	return val, found, err
}

func (s *Store) PutMeta(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// --- seen LRU ---

// SeenAdd inserts msgID into the durable dedupe set if not already
// present, evicting the oldest entries beyond seenLRULimit. It returns
// true iff msgID was newly inserted. This is a single bolt transaction,
// satisfying the atomicity invariant for "first sight of this
// message".
func (s *Store) SeenAdd(msgID [16]byte) (bool, error) {
	inserted := false
	err := s.db.Update(func(tx *bbolt.Tx) error {
		seen := tx.Bucket(bucketSeen)
		order := tx.Bucket(bucketSeenOrder)

		if v := seen.Get(msgID[:]); v != nil {
			return nil
		}
		inserted = true

		next := nextOrder(order)
		var orderKey [8]byte
		binary.BigEndian.PutUint64(orderKey[:], next)

		if err := seen.Put(msgID[:], orderKey[:]); err != nil {
			return err
		}
		if err := order.Put(orderKey[:], msgID[:]); err != nil {
			return err
		}

		count := getCount(order) + 1
		if err := putCount(order, count); err != nil {
			return err
		}
		if err := putOrderCounter(order, next+1); err != nil {
			return err
		}

		return evictOldest(seen, order, uint64(s.seenLRULimit))
	})
	return inserted, err
}

func (s *Store) SeenContains(msgID [16]byte) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketSeen).Get(msgID[:]) != nil
		return nil
	})
	return found, err
}

func nextOrder(order *bbolt.Bucket) uint64 {
	v := order.Get([]byte(seenOrderCounterKey))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putOrderCounter(order *bbolt.Bucket, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return order.Put([]byte(seenOrderCounterKey), buf[:])
}

func getCount(order *bbolt.Bucket) uint64 {
	v := order.Get([]byte(seenOrderCountKey))
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func putCount(order *bbolt.Bucket, n uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	return order.Put([]byte(seenOrderCountKey), buf[:])
}

// evictOldest drops the oldest seen entries (by insertion order) until
// the seen set is at most limit entries, implementing the
// oldest-first eviction.
func evictOldest(seen, order *bbolt.Bucket, limit uint64) error {
	count := getCount(order)
	if count <= limit {
		return nil
	}
	c := order.Cursor()
	toEvict := count - limit
	var evicted uint64
	for k, v := c.First(); k != nil && evicted < toEvict; k, v = c.Next() {
		if isReservedOrderKey(k) {
			continue
		}
		if err := seen.Delete(v); err != nil {
			return err
		}
		if err := order.Delete(k); err != nil {
			return err
		}
		evicted++
	}
	return putCount(order, count-evicted)
}

func isReservedOrderKey(k []byte) bool {
	s := string(k)
	return s == seenOrderCounterKey || s == seenOrderCountKey
}

// --- messages ---

type MessageState string

const (
	MessagePending   MessageState = "PENDING"
	MessageSent      MessageState = "SENT"
	MessageDelivered MessageState = "DELIVERED"
	MessageFailed    MessageState = "FAILED"
)

// MessageRecord is the per-envelope archive record.
type MessageRecord struct {
	MsgID     [16]byte
	ChatID    [16]byte // counterparty, or identity.Broadcast for group
	Origin    [16]byte
	Dest      [16]byte
	Kind      uint8
	Plaintext []byte
	TS        uint64
	Seq       uint64
	State     MessageState
}

func (s *Store) MessagePut(rec MessageRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).Put(rec.MsgID[:], buf)
	})
}

func (s *Store) MessageUpdateState(msgID [16]byte, state MessageState) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages)
		v := b.Get(msgID[:])
		if v == nil {
			return fmt.Errorf("store: unknown message %x", msgID)
		}
		var rec MessageRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		rec.State = state
		buf, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put(msgID[:], buf)
	})
}

// MessageQuery returns up to limit records for chatID, most recent
// first, optionally only those strictly older than beforeTS (0 means no
// filter). This is a linear scan: adequate for a single-process desktop
// mesh archive, not a claim of scale.
func (s *Store) MessageQuery(chatID [16]byte, limit int, beforeTS uint64) ([]MessageRecord, error) {
	var all []MessageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var rec MessageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.ChatID != chatID {
				return nil
			}
			if beforeTS != 0 && rec.TS >= beforeTS {
				return nil
			}
			all = append(all, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS > all[j].TS })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

// --- outbox ---

// OutboxEntry is a queued unicast envelope awaiting a reachable peer.
type OutboxEntry struct {
	MsgID        [16]byte
	Dest         [16]byte
	EnvelopeData []byte
	EnqueuedAt   time.Time
	Attempts     int
	State        MessageState
}

func outboxKey(dest [16]byte, msgID [16]byte) []byte {
	k := make([]byte, 0, 32)
	k = append(k, dest[:]...)
	k = append(k, msgID[:]...)
	return k
}

func (s *Store) OutboxPush(e OutboxEntry) error {
	buf, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Put(outboxKey(e.Dest, e.MsgID), buf)
	})
}

// OutboxPopFor returns all outbox entries for dest, in FIFO (enqueue)
// order, without removing them; callers delete on successful send.
func (s *Store) OutboxPopFor(dest [16]byte) ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketOutbox).Cursor()
		prefix := dest[:]
		for k, v := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, v = c.Next() {
			var e OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				continue
			}
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByEnqueuedAt(out)
	return out, nil
}

// OutboxAll returns every outbox entry, used by the periodic opportunistic
// sweep which tries all current connections, not just the dest-matched
// peer.
func (s *Store) OutboxAll() ([]OutboxEntry, error) {
	var out []OutboxEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).ForEach(func(_, v []byte) error {
			var e OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	sortByEnqueuedAt(out)
	return out, err
}

func sortByEnqueuedAt(entries []OutboxEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].EnqueuedAt.Before(entries[j-1].EnqueuedAt); j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

func (s *Store) OutboxDelete(dest, msgID [16]byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOutbox).Delete(outboxKey(dest, msgID))
	})
}

// OutboxAgeSweep deletes outbox entries in state FAILED that are
// older than 7 days, returning how many were dropped. Entries in any
// other state are left for the next delivery attempt regardless of
// age.
func (s *Store) OutboxAgeSweep(now time.Time) (int, error) {
	dropped := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOutbox)
		var stale [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var e OutboxEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return nil
			}
			if e.State == MessageFailed && now.Sub(e.EnqueuedAt) > s.outboxMaxAge {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			dropped++
		}
		return nil
	})
	return dropped, err
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// --- routing hints ---

// RouteHint is an observed (dest, next_hop) preference.
type RouteHint struct {
	Dest     [16]byte
	NextHop  [16]byte
	LastSeen time.Time
	Score    int
}

func (s *Store) RouteObserve(dest, nextHop [16]byte, ts time.Time) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRoutes)
		hint := RouteHint{Dest: dest, NextHop: nextHop, LastSeen: ts, Score: 1}
		if v := b.Get(dest[:]); v != nil {
			var existing RouteHint
			if err := json.Unmarshal(v, &existing); err == nil && existing.NextHop == nextHop {
				hint.Score = existing.Score + 1
			}
		}
		buf, err := json.Marshal(hint)
		if err != nil {
			return err
		}
		return b.Put(dest[:], buf)
	})
}

// RouteBest returns the preferred next hop for dest, or ok=false if no
// hint exists or the hint has exceeded the 24h staleness window decided
// as an accepted simplification.
func (s *Store) RouteBest(dest [16]byte, now time.Time) (nextHop [16]byte, ok bool, err error) {
	err = s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketRoutes).Get(dest[:])
		if v == nil {
			return nil
		}
		var hint RouteHint
		if jerr := json.Unmarshal(v, &hint); jerr != nil {
			return nil
		}
		if now.Sub(hint.LastSeen) > s.routeStaleAge {
			return nil
		}
		nextHop = hint.NextHop
		ok = true
		return nil
	})
	return nextHop, ok, err
}

// --- peers ---

type PeerState string

const (
	PeerDiscovered   PeerState = "DISCOVERED"
	PeerConnecting   PeerState = "CONNECTING"
	PeerConnected    PeerState = "CONNECTED"
	PeerDisconnected PeerState = "DISCONNECTED"
	PeerBlocked      PeerState = "BLOCKED"
)

// PeerRecord is the discovery/connection record.
type PeerRecord struct {
	PeerID          [16]byte
	Address         string
	LastRSSI        int
	LastConnectedAt time.Time
	State           PeerState
}

func (s *Store) PeerUpsert(rec PeerRecord) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).Put(rec.PeerID[:], buf)
	})
}

func (s *Store) PeerGet(peerID [16]byte) (PeerRecord, bool, error) {
	var rec PeerRecord
	var found bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketPeers).Get(peerID[:])
		if v == nil {
			return nil
		}
		found = true
		return json.Unmarshal(v, &rec)
	})
	return rec, found, err
}

// --- block list ---

func (s *Store) BlockSet(peerID [16]byte, blocked bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketBlocks)
		if !blocked {
			return b.Delete(peerID[:])
		}
		return b.Put(peerID[:], []byte{1})
	})
}

func (s *Store) IsBlocked(peerID [16]byte) (bool, error) {
	var blocked bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		blocked = tx.Bucket(bucketBlocks).Get(peerID[:]) != nil
		return nil
	})
	return blocked, err
}

// PeerList returns every known peer record, in no particular order.
func (s *Store) PeerList() ([]PeerRecord, error) {
	var all []PeerRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketPeers).ForEach(func(_, v []byte) error {
			var rec PeerRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			all = append(all, rec)
			return nil
		})
	})
	return all, err
}

// MessageSearch scans chatID's archive for records whose plaintext
// contains query as a case-sensitive substring, most recent first.
// Like MessageQuery, this is a linear scan over the whole bucket.
func (s *Store) MessageSearch(chatID [16]byte, query string, limit int) ([]MessageRecord, error) {
	var all []MessageRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMessages).ForEach(func(_, v []byte) error {
			var rec MessageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if rec.ChatID != chatID {
				return nil
			}
			if !bytes.Contains(rec.Plaintext, []byte(query)) {
				return nil
			}
			all = append(all, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TS > all[j].TS })
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
