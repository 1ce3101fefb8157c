package window

import (
	"testing"
	"time"
)

// fakeClock drives window rolls without sleeping.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCounter(limit int64, window time.Duration) (*Counter, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	return NewWithClock(limit, window, clk.now), clk
}

func TestCapacityAndAdd(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)

	if !c.HasCapacityFor(100) {
		t.Fatal("empty counter should have capacity for the full limit")
	}
	if c.HasCapacityFor(101) {
		t.Fatal("counter should not have capacity above the limit")
	}

	c.Add(80)
	if c.Current() != 80 {
		t.Fatalf("expected current 80, got %d", c.Current())
	}
	if !c.HasCapacityFor(20) {
		t.Fatal("expected capacity for remaining 20")
	}
	if c.HasCapacityFor(21) {
		t.Fatal("expected no capacity for 21")
	}
}

func TestWindowRollResetsUsage(t *testing.T) {
	c, clk := newTestCounter(10, time.Minute)
	c.Add(10)

	if c.HasCapacityFor(1) {
		t.Fatal("full window should reject")
	}

	clk.advance(time.Minute)
	if c.Current() != 0 {
		t.Fatalf("expected usage reset after roll, got %d", c.Current())
	}
	if !c.HasCapacityFor(10) {
		t.Fatal("fresh window should have full capacity")
	}
}

func TestWindowStartAdvancesInMultiples(t *testing.T) {
	c, clk := newTestCounter(10, time.Minute)
	start := c.WindowStart()

	// Skip several windows at once; the start must land on an exact
	// multiple of the window length from the origin.
	clk.advance(3*time.Minute + 17*time.Second)
	got := c.WindowStart()
	want := start.Add(3 * time.Minute)
	if !got.Equal(want) {
		t.Fatalf("window start = %v, want %v", got, want)
	}
}

func TestWindowAdvanceIdempotent(t *testing.T) {
	c, clk := newTestCounter(10, time.Minute)
	clk.advance(90 * time.Second)

	first := c.WindowStart()
	second := c.WindowStart()
	if !first.Equal(second) {
		t.Fatal("repeated access within one window must not move the start")
	}
}

func TestSubtractSameWindow(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)
	c.Add(100)
	captured := c.WindowStart()

	if !c.SubtractIfSameWindow(20, captured) {
		t.Fatal("same-window refund should apply")
	}
	if c.Current() != 80 {
		t.Fatalf("expected current 80 after refund, got %d", c.Current())
	}
}

func TestSubtractCrossWindowDropped(t *testing.T) {
	c, clk := newTestCounter(100, time.Minute)
	c.Add(100)
	captured := c.WindowStart()

	clk.advance(time.Minute)
	c.Add(30)

	if c.SubtractIfSameWindow(20, captured) {
		t.Fatal("cross-window refund must be dropped")
	}
	if c.Current() != 30 {
		t.Fatalf("expected current 30 untouched, got %d", c.Current())
	}
}

func TestSubtractClampsAtZero(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)
	c.Add(5)
	captured := c.WindowStart()

	c.SubtractIfSameWindow(50, captured)
	if c.Current() != 0 {
		t.Fatalf("expected clamp at zero, got %d", c.Current())
	}
}

func TestRoundTripRefundRestoresCounter(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)
	c.Add(40)
	before := c.Current()

	// Reserve then fully refund in the same window.
	c.Add(25)
	captured := c.WindowStart()
	c.SubtractIfSameWindow(25, captured)

	if c.Current() != before {
		t.Fatalf("expected current restored to %d, got %d", before, c.Current())
	}
}

func TestSetLimitDoesNotEvict(t *testing.T) {
	c, clk := newTestCounter(100, time.Minute)
	c.Add(80)

	c.SetLimit(50)
	if c.Current() != 80 {
		t.Fatalf("existing usage must survive a limit cut, got %d", c.Current())
	}
	if c.Remaining() != 0 {
		t.Fatalf("remaining should report 0 when over the limit, got %d", c.Remaining())
	}
	if c.HasCapacityFor(1) {
		t.Fatal("over-limit counter must reject until the window rolls")
	}

	clk.advance(time.Minute)
	if !c.HasCapacityFor(50) {
		t.Fatal("next window should honor the new limit")
	}
}

func TestSetLimitIdempotent(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)
	c.Add(30)

	c.SetLimit(60)
	s1 := c.GetStats()
	c.SetLimit(60)
	s2 := c.GetStats()

	if s1.Limit != s2.Limit || s1.Current != s2.Current || s1.Remaining != s2.Remaining {
		t.Fatalf("repeated SetLimit changed state: %+v vs %+v", s1, s2)
	}
}

func TestTimeUntilReset(t *testing.T) {
	c, clk := newTestCounter(10, time.Minute)

	clk.advance(40 * time.Second)
	if got := c.TimeUntilReset(); got != 20*time.Second {
		t.Fatalf("expected 20s until reset, got %v", got)
	}
}

func TestGetStats(t *testing.T) {
	c, _ := newTestCounter(100, time.Minute)
	c.Add(30)

	s := c.GetStats()
	if s.Limit != 100 || s.Current != 30 || s.Remaining != 70 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.ResetsIn <= 0 || s.ResetsIn > time.Minute {
		t.Fatalf("unexpected ResetsIn: %v", s.ResetsIn)
	}
}
