// Package entity tracks the words currently falling on the play-field.
//
// The registry is the only structure written from more than one trigger path
// (spawn, match and miss), so every operation runs under a single lock and
// removal is idempotent: when a match and a miss race for the same id, the first
// caller wins and the second observes false.
package entity

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateID is returned by Insert when the id is already live.
var ErrDuplicateID = errors.New("entity id already live")

// Entity is a single falling word.
type Entity struct {
	ID           uint64        `json:"id"`
	Text         string        `json:"text"`
	Display      string        `json:"display"`
	X            float64       `json:"x"`
	SpawnedAt    time.Time     `json:"spawned_at"`
	FallDuration time.Duration `json:"fall_duration"`
}

// Registry holds the live entities of one round.
type Registry struct {
	mu       sync.Mutex
	live     map[uint64]Entity
	inserted uint64
}

func NewRegistry() *Registry {
	return &Registry{live: make(map[uint64]Entity)}
}

// Insert adds e to the live set.
func (r *Registry) Insert(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[e.ID]; ok {
		return fmt.Errorf("insert %d: %w", e.ID, ErrDuplicateID)
	}
	r.live[e.ID] = e
	r.inserted++
	return nil
}

// RemoveByID removes the entity with the given id. It returns false when the id
// is not live, which includes the case where another path already removed it.
func (r *Registry) RemoveByID(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.live[id]; !ok {
		return false
	}
	delete(r.live, id)
	return true
}

// TakeOldest removes and returns the live entity with the smallest id whose
// normalized text equals text. Filtering, selection and removal happen under one
// lock acquisition.
func (r *Registry) TakeOldest(text string) (Entity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		found Entity
		ok    bool
	)
	for id, e := range r.live {
		if e.Text != text {
			continue
		}
		if !ok || id < found.ID {
			found = e
			ok = true
		}
	}
	if ok {
		delete(r.live, found.ID)
	}
	return found, ok
}

// ListLive returns a copy of the live entities ordered by id.
func (r *Registry) ListLive() []Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entity, 0, len(r.live))
	for _, e := range r.live {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Texts returns the normalized text of every live entity, ordered by id.
func (r *Registry) Texts() []string {
	live := r.ListLive()
	out := make([]string, len(live))
	for i, e := range live {
		out[i] = e.Text
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Inserted is the number of entities inserted since the last Reset.
func (r *Registry) Inserted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inserted
}

// Clear drops every live entity and returns how many were dropped. The inserted
// counter is kept so the round can still account for them.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.live)
	r.live = make(map[uint64]Entity)
	return n
}

// Reset clears the live set and the inserted counter for a new round.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live = make(map[uint64]Entity)
	r.inserted = 0
}
