// Package score keeps the per-round score and lives.
package score

import "sync"

// DefaultMaxLives is the number of lives a round starts with.
const DefaultMaxLives = 5

// Tally is a point-in-time copy of a Board.
type Tally struct {
	Score    int `json:"score"`
	Lives    int `json:"lives"`
	MaxLives int `json:"max_lives"`
	Matched  int `json:"matched"`
	Missed   int `json:"missed"`
}

// Board is owned by the round and handed by reference to the match engine.
// Score only grows; lives stay within [0, MaxLives].
type Board struct {
	mu       sync.RWMutex
	maxLives int
	score    int
	lives    int
	matched  int
	missed   int
}

func NewBoard(maxLives int) *Board {
	if maxLives <= 0 {
		maxLives = DefaultMaxLives
	}
	return &Board{maxLives: maxLives, lives: maxLives}
}

// Reset starts a new round: score 0, full lives.
func (b *Board) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.score = 0
	b.lives = b.maxLives
	b.matched = 0
	b.missed = 0
}

// Hit records one confirmed match and returns the new score.
func (b *Board) Hit() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.score++
	b.matched++
	return b.score
}

// Miss records one confirmed miss and returns the lives left. A miss with no
// lives left is counted but lives stay at zero.
func (b *Board) Miss() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.missed++
	if b.lives > 0 {
		b.lives--
	}
	return b.lives
}

func (b *Board) Score() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.score
}

func (b *Board) Lives() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lives
}

// Exhausted reports whether no lives are left.
func (b *Board) Exhausted() bool {
	return b.Lives() == 0
}

func (b *Board) Tally() Tally {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Tally{
		Score:    b.score,
		Lives:    b.lives,
		MaxLives: b.maxLives,
		Matched:  b.matched,
		Missed:   b.missed,
	}
}
