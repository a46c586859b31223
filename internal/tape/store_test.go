package tape

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestAppendIsStrictlyIncreasingAndGapless covers I1.
func TestAppendIsStrictlyIncreasingAndGapless(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", "main tape"); err != nil {
		t.Fatalf("create tape: %v", err)
	}

	for i := 0; i < 5; i++ {
		e, err := s.Append("main", KindMessage, map[string]interface{}{"n": i}, nil)
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if e.ID != int64(i) {
			t.Fatalf("entry %d got id %d", i, e.ID)
		}
	}

	entries, err := s.Read("main", nil, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("len(entries) = %d, want 5", len(entries))
	}
	for i, e := range entries {
		if e.ID != int64(i) {
			t.Fatalf("entries[%d].ID = %d, want %d", i, e.ID, i)
		}
	}
}

// TestReadRangeIsHalfOpen covers I2.
func TestReadRangeIsHalfOpen(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}
	for i := 0; i < 10; i++ {
		if _, err := s.Append("main", KindMessage, map[string]interface{}{"n": i}, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	from, to := int64(3), int64(7)
	entries, err := s.Read("main", &from, &to)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	if entries[0].ID != 3 || entries[len(entries)-1].ID != 6 {
		t.Fatalf("range = [%d, %d], want [3, 6]", entries[0].ID, entries[len(entries)-1].ID)
	}
}

// TestNDJSONRoundTrip covers L1: writing and reading an entry preserves
// its shape.
func TestNDJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}

	written, err := s.Append("main", KindToolCall, map[string]interface{}{
		"call_id": "abc123",
		"name":    "search",
		"args":    map[string]interface{}{"q": "go modules"},
	}, map[string]interface{}{"source": "model"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	entries, err := s.Read("main", nil, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	got := entries[0]
	if got.ID != written.ID || got.Kind != KindToolCall {
		t.Fatalf("got = %+v, want %+v", got, written)
	}
	if got.Payload["call_id"] != "abc123" {
		t.Fatalf("payload.call_id = %v", got.Payload["call_id"])
	}
	if got.Meta["source"] != "model" {
		t.Fatalf("meta.source = %v", got.Meta["source"])
	}
}

// TestAnchorRoundTrip covers L2.
func TestAnchorRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}
	if _, err := s.Append("main", KindMessage, map[string]interface{}{}, nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	if _, err := s.CreateAnchor("checkpoint/1", "main", 0, map[string]interface{}{"note": "ok"}); err != nil {
		t.Fatalf("create anchor: %v", err)
	}

	id, err := s.ResolveAnchor("checkpoint/1")
	if err != nil {
		t.Fatalf("resolve anchor: %v", err)
	}
	if id != 0 {
		t.Fatalf("resolved id = %d, want 0", id)
	}

	if _, err := s.ResolveAnchor("missing"); err == nil {
		t.Fatal("expected error resolving unknown anchor")
	}
}

// TestForkSharesHistoryUpToSplit verifies a forked tape reads the
// parent's entries up to the split point and its own entries afterward,
// while the parent is left untouched.
func TestForkSharesHistoryUpToSplit(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Append("main", KindMessage, map[string]interface{}{"n": i}, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	splitAt := int64(1)
	forkID, err := s.Fork("main", "branch", &splitAt, nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	if _, err := s.Append(forkID, KindMessage, map[string]interface{}{"n": "branch-only"}, nil); err != nil {
		t.Fatalf("append to fork: %v", err)
	}

	branchEntries, err := s.Read(forkID, nil, nil)
	if err != nil {
		t.Fatalf("read fork: %v", err)
	}
	if len(branchEntries) != 3 {
		t.Fatalf("len(branchEntries) = %d, want 3 (ids 0,1 from parent + 1 own)", len(branchEntries))
	}
	if branchEntries[0].ID != 0 || branchEntries[1].ID != 1 {
		t.Fatalf("shared prefix ids = %d,%d, want 0,1", branchEntries[0].ID, branchEntries[1].ID)
	}
	if branchEntries[2].ID != 2 {
		t.Fatalf("branch-own id = %d, want 2", branchEntries[2].ID)
	}

	mainEntries, err := s.Read("main", nil, nil)
	if err != nil {
		t.Fatalf("read main: %v", err)
	}
	if len(mainEntries) != 3 {
		t.Fatalf("parent tape mutated by fork: len = %d, want 3", len(mainEntries))
	}
}

// TestForkAtTailOfEmptyTapeIsEmptyBranch covers the boundary behavior of
// forking with no explicit split point from an empty tape: the new tape
// has no entries of its own yet.
func TestForkAtTailOfEmptyTapeIsEmptyBranch(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("empty", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}

	forkID, err := s.Fork("empty", "empty-fork", nil, nil)
	if err != nil {
		t.Fatalf("fork: %v", err)
	}

	entries, err := s.Read(forkID, nil, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("len(entries) = %d, want 0", len(entries))
	}

	e, err := s.Append(forkID, KindMessage, map[string]interface{}{}, nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if e.ID != 0 {
		t.Fatalf("first id on empty fork = %d, want 0", e.ID)
	}
}

// TestResetTruncatesToBootstrapAnchor covers I5.
func TestResetTruncatesToBootstrapAnchor(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTape("main", ""); err != nil {
		t.Fatalf("create tape: %v", err)
	}

	boot, err := s.Append("main", KindAnchor, map[string]interface{}{"name": BootstrapAnchorName}, nil)
	if err != nil {
		t.Fatalf("append bootstrap: %v", err)
	}
	if _, err := s.CreateAnchor(BootstrapAnchorName, "main", boot.ID, nil); err != nil {
		t.Fatalf("create bootstrap anchor: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := s.Append("main", KindMessage, map[string]interface{}{"n": i}, nil); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	if err := s.Reset("main"); err != nil {
		t.Fatalf("reset: %v", err)
	}

	entries, err := s.Read("main", nil, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) after reset = %d, want 1 (bootstrap only)", len(entries))
	}
	if entries[0].ID != boot.ID {
		t.Fatalf("surviving entry id = %d, want %d", entries[0].ID, boot.ID)
	}

	next, err := s.Append("main", KindMessage, map[string]interface{}{"n": "after-reset"}, nil)
	if err != nil {
		t.Fatalf("append after reset: %v", err)
	}
	if next.ID != boot.ID+1 {
		t.Fatalf("next id after reset = %d, want %d", next.ID, boot.ID+1)
	}
}
