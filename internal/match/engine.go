// Package match resolves final transcripts against the live entities of a
// round.
package match

import (
	"github.com/antzucaro/matchr"

	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/recognition"
	"github.com/fixspeech/wordfall/internal/score"
)

// DefaultHintThreshold is the minimum Jaro-Winkler similarity for a
// closest-word hint.
const DefaultHintThreshold = 0.6

// Outcome describes one resolution.
type Outcome struct {
	Heard   string        `json:"heard"`
	Matched bool          `json:"matched"`
	Entity  entity.Entity `json:"entity"`
	Score   int           `json:"score"`

	// Closest is the most similar live word when nothing matched. Display only.
	Closest    string  `json:"closest,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Engine matches transcripts against a registry and scores hits on a board.
// Both are owned by the round and shared by reference. The pending buffer is
// not synchronized; only the round loop calls into an Engine.
type Engine struct {
	reg       *entity.Registry
	board     *score.Board
	threshold float64

	pending *recognition.Transcript
}

func NewEngine(reg *entity.Registry, board *score.Board, hintThreshold float64) *Engine {
	if hintThreshold <= 0 {
		hintThreshold = DefaultHintThreshold
	}
	return &Engine{reg: reg, board: board, threshold: hintThreshold}
}

// Offer stores a final transcript for the next Resolve. Interim transcripts
// are ignored. It reports whether the transcript was accepted.
func (e *Engine) Offer(t recognition.Transcript) bool {
	if !t.IsFinal || t.Text == "" {
		return false
	}
	e.pending = &t
	return true
}

// Pending reports whether a transcript is waiting to be resolved.
func (e *Engine) Pending() bool {
	return e.pending != nil
}

// Resolve consumes the pending transcript: the live entity with equal text and
// the smallest id is removed and scored. The pending buffer is cleared in every
// case, so resolving again without a new Offer does nothing.
func (e *Engine) Resolve() (Outcome, bool) {
	if e.pending == nil {
		return Outcome{}, false
	}
	t := *e.pending
	e.pending = nil

	out := Outcome{Heard: t.Text}
	if hit, ok := e.reg.TakeOldest(t.Text); ok {
		out.Matched = true
		out.Entity = hit
		out.Score = e.board.Hit()
		return out, true
	}
	out.Score = e.board.Score()
	out.Closest, out.Similarity = e.closest(t.Text)
	return out, true
}

// Apply offers t and resolves it at once.
func (e *Engine) Apply(t recognition.Transcript) (Outcome, bool) {
	if !e.Offer(t) {
		return Outcome{}, false
	}
	return e.Resolve()
}

// Reset drops any pending transcript.
func (e *Engine) Reset() {
	e.pending = nil
}

func (e *Engine) closest(heard string) (string, float64) {
	var (
		best  string
		score float64
	)
	for _, text := range e.reg.Texts() {
		if s := matchr.JaroWinkler(heard, text, false); s > score {
			best, score = text, s
		}
	}
	if score < e.threshold {
		return "", 0
	}
	return best, score
}
