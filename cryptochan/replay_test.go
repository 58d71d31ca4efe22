package cryptochan

import "testing"

func TestReplayFilterRejectsOutsideWindow(t *testing.T) {
	f := NewReplayFilter()
	if f.validate(ReplayWindow) {
		t.Fatal("distance == ReplayWindow should be rejected")
	}
	if !f.validate(ReplayWindow - 1) {
		t.Fatal("distance == ReplayWindow-1 should be accepted")
	}
}

func TestReplayFilterMarksSeenAndRejectsRepeat(t *testing.T) {
	f := NewReplayFilter()
	if !f.validate(3) {
		t.Fatal("fresh distance should validate")
	}
	f.markSeen(3)
	if f.validate(3) {
		t.Fatal("marked distance should no longer validate")
	}
}

func TestReplayFilterAdvanceShiftsWindow(t *testing.T) {
	f := NewReplayFilter()
	f.markSeen(0)
	f.advance(1)
	if !f.validate(0) {
		t.Fatal("after advance, previous distance 0 slot should be free for the new message")
	}
	if f.validate(1) {
		t.Fatal("after advance, the originally-marked slot (now distance 1) should stay marked")
	}
}

func TestReplayFilterAdvanceBeyondWindowClears(t *testing.T) {
	f := NewReplayFilter()
	f.markSeen(0)
	f.advance(ReplayWindow)
	if !f.validate(0) {
		t.Fatal("advancing by a full window should clear all history")
	}
}
