package store

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T, limit uint32) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bigheads.db")
	s, err := New(path, limit)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSeenAddDedupe(t *testing.T) {
	s := openTestStore(t, 50000)
	var id [16]byte
	id[0] = 1

	first, err := s.SeenAdd(id)
	if err != nil || !first {
		t.Fatalf("first SeenAdd = %v, %v; want true, nil", first, err)
	}
	second, err := s.SeenAdd(id)
	if err != nil || second {
		t.Fatalf("second SeenAdd = %v, %v; want false, nil", second, err)
	}
	found, err := s.SeenContains(id)
	if err != nil || !found {
		t.Fatalf("SeenContains = %v, %v; want true, nil", found, err)
	}
}

func TestSeenAddEvictsOldest(t *testing.T) {
	s := openTestStore(t, 3)
	var ids [5][16]byte
	for i := range ids {
		ids[i][0] = byte(i + 1)
		if _, err := s.SeenAdd(ids[i]); err != nil {
			t.Fatalf("SeenAdd(%d): %v", i, err)
		}
	}
	for i := 0; i < 2; i++ {
		found, _ := s.SeenContains(ids[i])
		if found {
			t.Errorf("expected id %d evicted, still present", i)
		}
	}
	for i := 2; i < 5; i++ {
		found, _ := s.SeenContains(ids[i])
		if !found {
			t.Errorf("expected id %d retained, missing", i)
		}
	}
}

func TestOutboxFIFOPerDest(t *testing.T) {
	s := openTestStore(t, 50000)
	var dest [16]byte
	dest[0] = 9

	base := time.Now()
	for i := 0; i < 3; i++ {
		var msgID [16]byte
		msgID[0] = byte(i + 1)
		entry := OutboxEntry{
			MsgID:      msgID,
			Dest:       dest,
			EnqueuedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.OutboxPush(entry); err != nil {
			t.Fatalf("OutboxPush(%d): %v", i, err)
		}
	}

	entries, err := s.OutboxPopFor(dest)
	if err != nil {
		t.Fatalf("OutboxPopFor: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	for i, e := range entries {
		if e.MsgID[0] != byte(i+1) {
			t.Errorf("entry %d has MsgID[0]=%d, want %d (FIFO order violated)", i, e.MsgID[0], i+1)
		}
	}
}

func TestOutboxAgeSweep(t *testing.T) {
	s := openTestStore(t, 50000)
	var dest, msgID [16]byte
	dest[0], msgID[0] = 1, 1

	old := OutboxEntry{MsgID: msgID, Dest: dest, EnqueuedAt: time.Now().Add(-8 * 24 * time.Hour), State: MessageFailed}
	if err := s.OutboxPush(old); err != nil {
		t.Fatal(err)
	}
	dropped, err := s.OutboxAgeSweep(time.Now())
	if err != nil {
		t.Fatalf("OutboxAgeSweep: %v", err)
	}
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	entries, _ := s.OutboxPopFor(dest)
	if len(entries) != 0 {
		t.Fatalf("expected outbox empty after age sweep, got %d", len(entries))
	}
}

func TestOutboxAgeSweepSparesNonFailedEntries(t *testing.T) {
	s := openTestStore(t, 50000)
	var dest, msgID [16]byte
	dest[0], msgID[0] = 1, 1

	old := OutboxEntry{MsgID: msgID, Dest: dest, EnqueuedAt: time.Now().Add(-8 * 24 * time.Hour), State: MessagePending}
	if err := s.OutboxPush(old); err != nil {
		t.Fatal(err)
	}
	dropped, err := s.OutboxAgeSweep(time.Now())
	if err != nil {
		t.Fatalf("OutboxAgeSweep: %v", err)
	}
	if dropped != 0 {
		t.Fatalf("dropped = %d, want 0 for a non-FAILED entry", dropped)
	}
	entries, _ := s.OutboxPopFor(dest)
	if len(entries) != 1 {
		t.Fatalf("expected entry retained, got %d", len(entries))
	}
}

func TestRouteBestHonorsStaleness(t *testing.T) {
	s := openTestStore(t, 50000)
	var dest, hop [16]byte
	dest[0], hop[0] = 1, 2

	now := time.Now()
	if err := s.RouteObserve(dest, hop, now.Add(-25*time.Hour)); err != nil {
		t.Fatal(err)
	}
	_, ok, err := s.RouteBest(dest, now)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected stale route hint to be ignored")
	}

	if err := s.RouteObserve(dest, hop, now); err != nil {
		t.Fatal(err)
	}
	got, ok, err := s.RouteBest(dest, now)
	if err != nil || !ok {
		t.Fatalf("RouteBest = %v, %v, %v; want hop, true, nil", got, ok, err)
	}
	if got != hop {
		t.Fatalf("RouteBest = %x, want %x", got, hop)
	}
}

func TestBlockList(t *testing.T) {
	s := openTestStore(t, 50000)
	var peer [16]byte
	peer[0] = 7

	blocked, _ := s.IsBlocked(peer)
	if blocked {
		t.Fatal("peer should not start blocked")
	}
	if err := s.BlockSet(peer, true); err != nil {
		t.Fatal(err)
	}
	blocked, _ = s.IsBlocked(peer)
	if !blocked {
		t.Fatal("peer should be blocked after BlockSet(true)")
	}
	if err := s.BlockSet(peer, false); err != nil {
		t.Fatal(err)
	}
	blocked, _ = s.IsBlocked(peer)
	if blocked {
		t.Fatal("peer should be unblocked after BlockSet(false)")
	}
}

func TestMessageQueryOrdersMostRecentFirst(t *testing.T) {
	s := openTestStore(t, 50000)
	var chat [16]byte
	chat[0] = 3

	for i := 0; i < 3; i++ {
		var id [16]byte
		id[0] = byte(i + 1)
		rec := MessageRecord{MsgID: id, ChatID: chat, TS: uint64(i + 1), State: MessagePending}
		if err := s.MessagePut(rec); err != nil {
			t.Fatal(err)
		}
	}
	got, err := s.MessageQuery(chat, 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, want 3", len(got))
	}
	if got[0].TS != 3 || got[2].TS != 1 {
		t.Fatalf("expected most-recent-first ordering, got TS sequence %d,%d,%d", got[0].TS, got[1].TS, got[2].TS)
	}
}

func TestPeerListReturnsEveryUpsertedPeer(t *testing.T) {
	s := openTestStore(t, 50000)

	for i := 0; i < 3; i++ {
		var id [16]byte
		id[0] = byte(i + 1)
		rec := PeerRecord{PeerID: id, Address: "addr", State: PeerDiscovered}
		if err := s.PeerUpsert(rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.PeerList()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d peers, want 3", len(got))
	}
}

func TestMessageSearchFiltersByChatAndSubstring(t *testing.T) {
	s := openTestStore(t, 50000)
	var chatA, chatB [16]byte
	chatA[0], chatB[0] = 1, 2

	recs := []MessageRecord{
		{MsgID: [16]byte{1}, ChatID: chatA, Plaintext: []byte("hello from the mesh"), TS: 1, State: MessagePending},
		{MsgID: [16]byte{2}, ChatID: chatA, Plaintext: []byte("goodbye"), TS: 2, State: MessagePending},
		{MsgID: [16]byte{3}, ChatID: chatB, Plaintext: []byte("hello there too"), TS: 3, State: MessagePending},
	}
	for _, rec := range recs {
		if err := s.MessagePut(rec); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.MessageSearch(chatA, "hello", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d matches, want 1", len(got))
	}
	if got[0].MsgID != recs[0].MsgID {
		t.Fatal("matched the wrong record")
	}
}
