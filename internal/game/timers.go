package game

import (
	"sync"
	"time"
)

type timerKey struct {
	kind string
	id   uint64
}

var countdownKey = timerKey{kind: "countdown"}

func fallKey(id uint64) timerKey { return timerKey{kind: "fall", id: id} }

// timerGroup owns every timer of one phase so they can be cancelled together.
// A cancelled group refuses new timers.
type timerGroup struct {
	mu       sync.Mutex
	timers   map[timerKey]*time.Timer
	canceled bool
}

func newTimerGroup() *timerGroup {
	return &timerGroup{timers: make(map[timerKey]*time.Timer)}
}

// After schedules fn after d, replacing any pending timer with the same key.
func (g *timerGroup) After(key timerKey, d time.Duration, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.afterLocked(key, d, fn)
}

func (g *timerGroup) afterLocked(key timerKey, d time.Duration, fn func()) {
	if g.canceled {
		return
	}
	if t, ok := g.timers[key]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		g.mu.Lock()
		// A newer timer may have taken the key since this one fired.
		if g.timers[key] == t {
			delete(g.timers, key)
		}
		canceled := g.canceled
		g.mu.Unlock()
		if !canceled {
			fn()
		}
	})
	g.timers[key] = t
}

// Stop cancels one timer. It reports whether the timer was still pending.
func (g *timerGroup) Stop(key timerKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.timers[key]
	if !ok {
		return false
	}
	delete(g.timers, key)
	return t.Stop()
}

// Cancel stops every pending timer and closes the group.
func (g *timerGroup) Cancel() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.canceled = true
	for key, t := range g.timers {
		t.Stop()
		delete(g.timers, key)
	}
}

func (g *timerGroup) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.timers)
}
