package game

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestTimerGroupCancelStopsEverything(t *testing.T) {
	g := newTimerGroup()
	var fired atomic.Int32
	g.After(countdownKey, 20*time.Millisecond, func() { fired.Add(1) })
	g.After(fallKey(1), 20*time.Millisecond, func() { fired.Add(1) })
	if g.Len() != 2 {
		t.Fatalf("expected 2 pending timers, got %d", g.Len())
	}
	g.Cancel()
	g.After(fallKey(2), time.Millisecond, func() { fired.Add(1) })
	time.Sleep(50 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatalf("cancelled group fired %d timers", fired.Load())
	}
}

func TestTimerGroupReplaceAndStop(t *testing.T) {
	g := newTimerGroup()
	got := make(chan string, 4)
	g.After(countdownKey, time.Hour, func() { got <- "old" })
	g.After(countdownKey, time.Millisecond, func() { got <- "new" })
	g.After(fallKey(7), 5*time.Millisecond, func() { got <- "fall" })
	if !g.Stop(fallKey(7)) {
		t.Fatalf("expected pending fall timer")
	}
	if g.Stop(fallKey(7)) {
		t.Fatalf("second stop should report nothing pending")
	}
	select {
	case v := <-got:
		if v != "new" {
			t.Fatalf("unexpected timer %q fired", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("replacement timer did not fire")
	}
	time.Sleep(20 * time.Millisecond)
	if len(got) != 0 {
		t.Fatalf("stopped or replaced timer fired")
	}
	if g.Len() != 0 {
		t.Fatalf("fired timers should leave the group")
	}
}

func TestFiredTimerKeepsItsReplacement(t *testing.T) {
	g := newTimerGroup()
	var oldFired atomic.Int32
	g.After(countdownKey, time.Millisecond, func() { oldFired.Add(1) })

	// Hold the group while the first timer fires so its callback waits, then
	// schedule a replacement under the same key before the callback runs.
	g.mu.Lock()
	time.Sleep(20 * time.Millisecond)
	g.afterLocked(countdownKey, time.Hour, func() {})
	g.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for oldFired.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("first timer never ran")
		}
		time.Sleep(time.Millisecond)
	}
	if g.Len() != 1 {
		t.Fatalf("replacement timer evicted, %d pending", g.Len())
	}
	if !g.Stop(countdownKey) {
		t.Fatalf("replacement timer should still be pending")
	}
}
