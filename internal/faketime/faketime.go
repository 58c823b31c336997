// Package faketime provides a manually advanced clock for deterministic tests.
package faketime

import (
	"container/heap"
	"sync"
	"time"

	"github.com/kstack/ktcp/internal"
)

// ManualClock implements [internal.Clock]. Time only moves on [ManualClock.Advance],
// which runs due timer callbacks synchronously on the calling goroutine.
type ManualClock struct {
	// mu protects the fields below.
	mu  sync.Mutex
	now time.Time
	// timers is a min-heap of pending timers ordered by deadline and creation.
	timers timerHeap
	seq    uint64
}

var _ internal.Clock = (*ManualClock)(nil)

// NewManualClock returns a clock reading start.
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) Now() time.Time {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.now
}

func (mc *ManualClock) AfterFunc(d time.Duration, f func()) internal.Timer {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.seq++
	t := &manualTimer{clock: mc, until: mc.now.Add(d), f: f, seq: mc.seq}
	heap.Push(&mc.timers, t)
	return t
}

// Pending returns the number of timers yet to fire.
func (mc *ManualClock) Pending() int {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return len(mc.timers)
}

// Advance moves the clock forward by d, firing every timer that comes due in
// deadline order. Timers scheduled by callbacks fire too if due before the new time.
func (mc *ManualClock) Advance(d time.Duration) {
	mc.mu.Lock()
	until := mc.now.Add(d)
	for len(mc.timers) > 0 && !mc.timers[0].until.After(until) {
		t := heap.Pop(&mc.timers).(*manualTimer)
		if t.until.After(mc.now) {
			mc.now = t.until
		}
		mc.mu.Unlock()
		t.f()
		mc.mu.Lock()
	}
	mc.now = until
	mc.mu.Unlock()
}

type manualTimer struct {
	clock *ManualClock
	until time.Time
	f     func()
	seq   uint64
	index int // Heap index, -1 once fired or stopped.
}

func (t *manualTimer) Stop() bool {
	mc := t.clock
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if t.index < 0 {
		return false
	}
	heap.Remove(&mc.timers, t.index)
	return true
}

type timerHeap []*manualTimer

var _ heap.Interface = (*timerHeap)(nil)

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].until.Equal(h[j].until) {
		return h[i].seq < h[j].seq
	}
	return h[i].until.Before(h[j].until)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*manualTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	last := old[len(old)-1]
	old[len(old)-1] = nil
	last.index = -1
	*h = old[:len(old)-1]
	return last
}
