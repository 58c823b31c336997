package faketime

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestManualClockOrder(t *testing.T) {
	c := qt.New(t)
	start := time.Unix(1000, 0)
	mc := NewManualClock(start)
	var fired []int
	mc.AfterFunc(3*time.Second, func() { fired = append(fired, 3) })
	mc.AfterFunc(time.Second, func() { fired = append(fired, 1) })
	mc.AfterFunc(time.Second, func() { fired = append(fired, 2) })
	c.Assert(mc.Pending(), qt.Equals, 3)

	mc.Advance(time.Second)
	c.Assert(fired, qt.DeepEquals, []int{1, 2})
	c.Assert(mc.Now(), qt.Equals, start.Add(time.Second))

	mc.Advance(5 * time.Second)
	c.Assert(fired, qt.DeepEquals, []int{1, 2, 3})
	c.Assert(mc.Pending(), qt.Equals, 0)
	c.Assert(mc.Now(), qt.Equals, start.Add(6*time.Second))
}

func TestManualClockStop(t *testing.T) {
	c := qt.New(t)
	mc := NewManualClock(time.Unix(0, 0))
	called := false
	tm := mc.AfterFunc(time.Second, func() { called = true })
	c.Assert(tm.Stop(), qt.IsTrue)
	c.Assert(tm.Stop(), qt.IsFalse)
	mc.Advance(time.Minute)
	c.Assert(called, qt.IsFalse)

	tm = mc.AfterFunc(time.Second, func() {})
	mc.Advance(time.Second)
	c.Assert(tm.Stop(), qt.IsFalse)
}

func TestManualClockChained(t *testing.T) {
	c := qt.New(t)
	mc := NewManualClock(time.Unix(0, 0))
	var at []time.Duration
	var arm func(d time.Duration)
	arm = func(d time.Duration) {
		mc.AfterFunc(d, func() {
			at = append(at, mc.Now().Sub(time.Unix(0, 0)))
			if d < 8*time.Second {
				arm(2 * d)
			}
		})
	}
	arm(time.Second)
	mc.Advance(time.Minute)
	c.Assert(at, qt.DeepEquals, []time.Duration{1 * time.Second, 3 * time.Second, 7 * time.Second, 15 * time.Second})
}
