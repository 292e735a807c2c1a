package match

import (
	"testing"

	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/score"
)

func final(text string) recognition.Transcript {
	return recognition.Transcript{Text: text, IsFinal: true}
}

func setup(entities ...entity.Entity) (*Engine, *entity.Registry, *score.Board) {
	reg := entity.NewRegistry()
	for _, e := range entities {
		_ = reg.Insert(e)
	}
	board := score.NewBoard(5)
	return NewEngine(reg, board, 0), reg, board
}

func TestSingleMatchEmptiesRegistry(t *testing.T) {
	eng, reg, board := setup(entity.Entity{ID: 1, Text: "사과"})

	out, ok := eng.Apply(final("사과"))
	if !ok || !out.Matched || out.Entity.ID != 1 {
		t.Fatalf("expected match on id 1, got %+v", out)
	}
	if board.Score() != 1 || out.Score != 1 {
		t.Fatalf("expected score 1, got %d", board.Score())
	}
	if reg.Len() != 0 {
		t.Fatalf("expected empty registry, got %v", reg.ListLive())
	}
}

func TestDuplicateWordsRemoveOldestOnly(t *testing.T) {
	eng, reg, board := setup(
		entity.Entity{ID: 1, Text: "바나나"},
		entity.Entity{ID: 2, Text: "바나나"},
	)
	out, _ := eng.Apply(final("바나나"))
	if out.Entity.ID != 1 {
		t.Fatalf("expected id 1 removed, got %d", out.Entity.ID)
	}
	live := reg.ListLive()
	if len(live) != 1 || live[0].ID != 2 {
		t.Fatalf("expected id 2 to remain, got %+v", live)
	}
	if board.Score() != 1 {
		t.Fatalf("expected score to increase by exactly 1, got %d", board.Score())
	}
}

func TestTieBreakIsDeterministic(t *testing.T) {
	for i := 0; i < 50; i++ {
		eng, reg, _ := setup(
			entity.Entity{ID: 9, Text: "포도"},
			entity.Entity{ID: 5, Text: "포도"},
		)
		out, _ := eng.Apply(final("포도"))
		if out.Entity.ID != 5 {
			t.Fatalf("run %d: expected id 5, got %d", i, out.Entity.ID)
		}
		if live := reg.ListLive(); len(live) != 1 || live[0].ID != 9 {
			t.Fatalf("run %d: id 9 should still be live", i)
		}
	}
}

func TestResolveConsumesPending(t *testing.T) {
	eng, reg, board := setup(
		entity.Entity{ID: 1, Text: "사과"},
		entity.Entity{ID: 2, Text: "사과"},
	)
	if !eng.Offer(final("사과")) {
		t.Fatalf("final transcript should be accepted")
	}
	if _, ok := eng.Resolve(); !ok {
		t.Fatalf("expected resolution")
	}
	if _, ok := eng.Resolve(); ok {
		t.Fatalf("second resolve of the same transcript must be a no-op")
	}
	if board.Score() != 1 || reg.Len() != 1 {
		t.Fatalf("double scored: score=%d live=%d", board.Score(), reg.Len())
	}

	// A legitimately repeated word is a new transcript and matches again.
	eng.Apply(final("사과"))
	if board.Score() != 2 || reg.Len() != 0 {
		t.Fatalf("repeated word not matched: score=%d live=%d", board.Score(), reg.Len())
	}
}

func TestInterimIsIgnored(t *testing.T) {
	eng, reg, board := setup(entity.Entity{ID: 1, Text: "사과"})
	if _, ok := eng.Apply(recognition.Transcript{Text: "사과"}); ok {
		t.Fatalf("interim transcript must not resolve")
	}
	if board.Score() != 0 || reg.Len() != 1 || eng.Pending() {
		t.Fatalf("interim transcript changed state")
	}
}

func TestNoMatchLeavesScoreAndHints(t *testing.T) {
	eng, reg, board := setup(
		entity.Entity{ID: 1, Text: "바나나"},
		entity.Entity{ID: 2, Text: "포도"},
	)
	out, ok := eng.Apply(final("바나"))
	if !ok || out.Matched {
		t.Fatalf("expected unmatched outcome, got %+v", out)
	}
	if board.Score() != 0 || reg.Len() != 2 {
		t.Fatalf("unmatched transcript changed state")
	}
	if out.Closest != "바나나" || out.Similarity <= 0 {
		t.Fatalf("expected hint for 바나나, got %+v", out)
	}

	eng, _, _ = setup()
	out, _ = eng.Apply(final("사과"))
	if out.Closest != "" {
		t.Fatalf("expected no hint on an empty field, got %q", out.Closest)
	}
}
