package entity

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestInsertRejectsDuplicateID(t *testing.T) {
	r := NewRegistry()
	if err := r.Insert(Entity{ID: 1, Text: "사과"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	err := r.Insert(Entity{ID: 1, Text: "바나나"})
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID, got %v", err)
	}
	if r.Inserted() != 1 {
		t.Fatalf("expected 1 inserted, got %d", r.Inserted())
	}
}

func TestRemoveByIDIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_ = r.Insert(Entity{ID: 1, Text: "a"})
	_ = r.Insert(Entity{ID: 2, Text: "b"})

	if !r.RemoveByID(1) {
		t.Fatalf("first removal should succeed")
	}
	once := r.ListLive()
	if r.RemoveByID(1) {
		t.Fatalf("second removal should be a no-op")
	}
	twice := r.ListLive()
	if len(once) != len(twice) || len(twice) != 1 || twice[0].ID != 2 {
		t.Fatalf("registry changed by second removal: %v vs %v", once, twice)
	}
}

func TestConcurrentRemovalHasSingleWinner(t *testing.T) {
	r := NewRegistry()
	_ = r.Insert(Entity{ID: 7, Text: "word"})

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(match bool) {
			defer wg.Done()
			if match {
				if _, ok := r.TakeOldest("word"); ok {
					wins.Add(1)
				}
				return
			}
			if r.RemoveByID(7) {
				wins.Add(1)
			}
		}(i%2 == 0)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestTakeOldestPicksSmallestID(t *testing.T) {
	r := NewRegistry()
	_ = r.Insert(Entity{ID: 9, Text: "바나나"})
	_ = r.Insert(Entity{ID: 5, Text: "바나나"})
	_ = r.Insert(Entity{ID: 3, Text: "사과"})

	got, ok := r.TakeOldest("바나나")
	if !ok || got.ID != 5 {
		t.Fatalf("expected id 5, got %+v ok=%v", got, ok)
	}
	live := r.ListLive()
	if len(live) != 2 || live[0].ID != 3 || live[1].ID != 9 {
		t.Fatalf("unexpected live set %+v", live)
	}
	if _, ok := r.TakeOldest("포도"); ok {
		t.Fatalf("expected no match for absent text")
	}
}

func TestClearKeepsInsertedCount(t *testing.T) {
	r := NewRegistry()
	for i := uint64(1); i <= 3; i++ {
		_ = r.Insert(Entity{ID: i, Text: "x"})
	}
	if n := r.Clear(); n != 3 {
		t.Fatalf("expected 3 cleared, got %d", n)
	}
	if r.Len() != 0 || r.Inserted() != 3 {
		t.Fatalf("unexpected state len=%d inserted=%d", r.Len(), r.Inserted())
	}
	r.Reset()
	if r.Inserted() != 0 {
		t.Fatalf("expected reset counter")
	}
}
