package game

import (
	"errors"
	"fmt"
	"time"

	"github.com/fixspeech/wordfall/internal/entity"
	"github.com/fixspeech/wordfall/internal/result"
)

var (
	// ErrInvalidTransition is returned for a command the current state does not accept.
	ErrInvalidTransition = errors.New("invalid round transition")

	// ErrNoWords is returned when a stage has no usable words.
	ErrNoWords = errors.New("stage has no words")

	// ErrStaleRound is returned for a report that names a round other than the running one.
	ErrStaleRound = errors.New("stale round")

	// ErrClosed is returned once the round loop has exited.
	ErrClosed = errors.New("round loop closed")
)

// State is the phase of the round. Exactly one is active at a time.
type State int

const (
	Idle State = iota
	CountingDown
	Running
	Over
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CountingDown:
		return "counting_down"
	case Running:
		return "running"
	case Over:
		return "over"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Idle, CountingDown, Running, Over} {
		if candidate.String() == string(text) {
			*s = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown round state %q", text)
}

// StageSelection is the stage a round plays and its word pool.
type StageSelection struct {
	StageID int      `json:"stage_id"`
	Words   []string `json:"words"`
}

// Snapshot is the read-only view handed to the rendering layer.
type Snapshot struct {
	Version     uint64          `json:"version"`
	RoundID     string          `json:"round_id,omitempty"`
	State       State           `json:"state"`
	Countdown   int             `json:"countdown,omitempty"`
	StageID     int             `json:"stage_id,omitempty"`
	Score       int             `json:"score"`
	Lives       int             `json:"lives"`
	MaxLives    int             `json:"max_lives"`
	Spawned     int             `json:"spawned"`
	Matched     int             `json:"matched"`
	Missed      int             `json:"missed"`
	Entities    []entity.Entity `json:"entities"`
	LastHeard   string          `json:"last_heard,omitempty"`
	LastInterim string          `json:"last_interim,omitempty"`
	Hint        string          `json:"hint,omitempty"`
	Degraded    []string        `json:"degraded,omitempty"`
	StartedAt   time.Time       `json:"started_at,omitzero"`
	Elapsed     float64         `json:"elapsed_seconds"`
	Level       float64         `json:"level"`
	Waveform    []float64       `json:"waveform,omitempty"`
	Result      *result.Record  `json:"result,omitempty"`
}
