package jobtypes

import (
	"math"
	"testing"
)

func mustNew(t *testing.T, cfgs []Config) *Manager {
	t.Helper()
	m, err := New(cfgs, AdjustConfig{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func ratioSum(m *Manager) float64 {
	sum := 0.0
	for _, r := range m.Ratios() {
		sum += r
	}
	return sum
}

func TestNewSharesRemainderEvenly(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "critical", InitialRatio: 0.5, Flexible: false},
		{ID: "a", Flexible: true},
		{ID: "b", Flexible: true},
	})

	r := m.Ratios()
	if r["critical"] != 0.5 {
		t.Fatalf("critical ratio = %v, want 0.5", r["critical"])
	}
	if math.Abs(r["a"]-0.25) > 1e-9 || math.Abs(r["b"]-0.25) > 1e-9 {
		t.Fatalf("unassigned types should split the remainder: %v", r)
	}
	if math.Abs(ratioSum(m)-1) > 1e-9 {
		t.Fatalf("ratios must sum to 1, got %v", ratioSum(m))
	}
}

func TestNewRejectsOverOneRatios(t *testing.T) {
	_, err := New([]Config{
		{ID: "a", InitialRatio: 0.7},
		{ID: "b", InitialRatio: 0.7},
	}, AdjustConfig{})
	if err == nil {
		t.Fatal("expected error for ratios summing above 1")
	}
}

func TestNewRejectsDuplicateIDs(t *testing.T) {
	_, err := New([]Config{
		{ID: "a", InitialRatio: 0.5},
		{ID: "a", InitialRatio: 0.5},
	}, AdjustConfig{})
	if err == nil {
		t.Fatal("expected error for duplicate job type IDs")
	}
}

func TestSetTotalCapacityFloorsWithResidual(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "a", InitialRatio: 0.333, Flexible: true},
		{ID: "b", InitialRatio: 0.333, Flexible: true},
		{ID: "c", InitialRatio: 0.334, Flexible: true},
	})
	m.SetTotalCapacity(10)

	st := m.GetStats()
	var sum int64
	for _, ts := range st {
		sum += ts.AllocatedSlots
	}
	if sum > 10 {
		t.Fatalf("allocated slots sum %d exceeds total 10", sum)
	}
	// floor(3.33)+floor(3.33)+floor(3.34) = 9; the residual slot goes to
	// the largest remainder (c at 0.34).
	if st["c"].AllocatedSlots != 4 {
		t.Fatalf("residual should go to c, got %+v", st)
	}
}

func TestAcquireReleaseBounds(t *testing.T) {
	m := mustNew(t, []Config{{ID: "chat", InitialRatio: 1, Flexible: true}})
	m.SetTotalCapacity(2)

	if !m.Acquire("chat") || !m.Acquire("chat") {
		t.Fatal("expected two acquires within allocation")
	}
	if m.Acquire("chat") {
		t.Fatal("acquire beyond allocation must fail")
	}
	if m.HasCapacity("chat") {
		t.Fatal("no capacity should be reported at the cap")
	}

	m.Release("chat")
	if !m.HasCapacity("chat") {
		t.Fatal("capacity should return after release")
	}

	// Releasing below zero clamps.
	m.Release("chat")
	m.Release("chat")
	m.Release("chat")
	if st := m.GetStats()["chat"]; st.InFlight != 0 {
		t.Fatalf("in-flight must clamp at 0, got %d", st.InFlight)
	}
}

func TestAcquireUnknownType(t *testing.T) {
	m := mustNew(t, []Config{{ID: "chat", InitialRatio: 1}})
	m.SetTotalCapacity(10)
	if m.Acquire("nope") {
		t.Fatal("acquire of unknown job type must fail")
	}
}

func TestMultiDimensionalSlotFormula(t *testing.T) {
	// Per-instance pool for one of two instances sharing
	// tokensPerMinute=100000 and requestsPerMinute=50; job type with
	// estimatedTokens=10000, estimatedRequests=1, ratio=0.5.
	m := mustNew(t, []Config{
		{ID: "chat", EstimatedTokens: 10000, EstimatedRequests: 1, InitialRatio: 0.5, Flexible: true},
		{ID: "other", EstimatedTokens: 10000, EstimatedRequests: 1, InitialRatio: 0.5, Flexible: true},
	})
	m.SetModelPool("m1", ModelPool{
		TokensPerMinute:   50000,
		RequestsPerMinute: 25,
	})

	st := m.GetStats()["chat"]
	// min(floor(50000*0.5/10000), floor(25*0.5/1)) = min(2, 12) = 2
	if got := st.PerModel["m1"].Allocated; got != 2 {
		t.Fatalf("per-(model, job type) slots = %d, want 2", got)
	}
}

func TestSlotFormulaMemoryIntersection(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "chat", EstimatedTokens: 100, EstimatedMemoryKB: 1000, InitialRatio: 1, Flexible: true},
	})
	m.SetMemoryProvider(func() int64 { return 3000 })
	m.SetModelPool("m1", ModelPool{TokensPerMinute: 100000})

	st := m.GetStats()["chat"]
	// Token dimension allows 1000 slots; memory allows floor(3000/1000)=3.
	if got := st.PerModel["m1"].Allocated; got != 3 {
		t.Fatalf("memory-capped slots = %d, want 3", got)
	}
}

func TestModelSlotAcquireRelease(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "chat", EstimatedRequests: 1, InitialRatio: 1, Flexible: true},
	})
	m.SetModelPool("m1", ModelPool{RequestsPerMinute: 2})

	if !m.AcquireModel("chat", "m1") || !m.AcquireModel("chat", "m1") {
		t.Fatal("expected two model slot acquires")
	}
	if m.AcquireModel("chat", "m1") {
		t.Fatal("model slot acquire beyond allocation must fail")
	}
	m.ReleaseModel("chat", "m1")
	if !m.HasModelCapacity("chat", "m1") {
		t.Fatal("model capacity should return after release")
	}
}

func TestNonFlexibleIsolation(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "critical", InitialRatio: 0.2, Flexible: false},
		{ID: "normal1", InitialRatio: 0.4, Flexible: true},
		{ID: "normal2", InitialRatio: 0.4, Flexible: true},
	})
	m.SetTotalCapacity(100)

	// Overload normal1 and leave normal2 idle across many cycles.
	for i := 0; i < 40; i++ {
		m.Acquire("normal1")
	}
	for cycle := 0; cycle < 10; cycle++ {
		m.AdjustRatios()

		r := m.Ratios()
		if r["critical"] != 0.2 {
			t.Fatalf("cycle %d: non-flexible ratio moved to %v", cycle, r["critical"])
		}
		st := m.GetStats()
		if st["critical"].AllocatedSlots != 20 {
			t.Fatalf("cycle %d: critical slots = %d, want 20", cycle, st["critical"].AllocatedSlots)
		}
		if math.Abs(ratioSum(m)-1) > 1e-9 {
			t.Fatalf("cycle %d: ratios sum to %v", cycle, ratioSum(m))
		}
	}

	// normal2 donated toward normal1.
	r := m.Ratios()
	if r["normal1"] <= 0.4 {
		t.Fatalf("overloaded normal1 should have gained ratio, has %v", r["normal1"])
	}
	if r["normal2"] >= 0.4 {
		t.Fatalf("idle normal2 should have donated ratio, has %v", r["normal2"])
	}
}

func TestAdjustRespectsMinRatio(t *testing.T) {
	m, err := New([]Config{
		{ID: "busy", InitialRatio: 0.5, Flexible: true},
		{ID: "idle", InitialRatio: 0.5, Flexible: true},
	}, AdjustConfig{MinRatio: 0.3, MaxAdjustment: 0.5})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetTotalCapacity(10)
	for i := 0; i < 5; i++ {
		m.Acquire("busy")
	}

	for i := 0; i < 20; i++ {
		m.AdjustRatios()
	}
	r := m.Ratios()
	if r["idle"] < 0.3-1e-9 {
		t.Fatalf("donor dropped below MinRatio: %v", r["idle"])
	}
}

func TestAdjustNoopWithoutDonorAndRecipient(t *testing.T) {
	m := mustNew(t, []Config{
		{ID: "a", InitialRatio: 0.5, Flexible: true},
		{ID: "b", InitialRatio: 0.5, Flexible: true},
	})
	m.SetTotalCapacity(10)

	// Both idle: no recipient, no movement.
	m.AdjustRatios()
	r := m.Ratios()
	if r["a"] != 0.5 || r["b"] != 0.5 {
		t.Fatalf("idle types must not move: %v", r)
	}
}

func TestAdjustThresholdsAreExclusive(t *testing.T) {
	m, err := New([]Config{
		{ID: "busy", InitialRatio: 0.5, Flexible: true},
		{ID: "quiet", InitialRatio: 0.5, Flexible: true},
	}, AdjustConfig{HighLoadThreshold: 0.8, LowLoadThreshold: 0.3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetTotalCapacity(20)
	for i := 0; i < 9; i++ {
		m.Acquire("busy")
	}
	for i := 0; i < 3; i++ {
		m.Acquire("quiet")
	}

	// busy is over the high threshold (0.9) but quiet sits exactly on the
	// low threshold (0.3): not a donor, so nothing moves.
	m.AdjustRatios()
	r := m.Ratios()
	if r["busy"] != 0.5 || r["quiet"] != 0.5 {
		t.Fatalf("load exactly at the low threshold must not donate: %v", r)
	}

	m.Release("quiet")
	m.AdjustRatios()
	r = m.Ratios()
	if r["busy"] <= 0.5 {
		t.Fatalf("load below the low threshold must donate, busy ratio = %v", r["busy"])
	}
}

func TestRatiosChangeCallbackRunsUnlocked(t *testing.T) {
	m, err := New([]Config{
		{ID: "busy", InitialRatio: 0.5, Flexible: true},
		{ID: "idle", InitialRatio: 0.5, Flexible: true},
	}, AdjustConfig{ReleasesPerAdjustment: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetTotalCapacity(10)

	var got map[string]float64
	var slots int64
	m.SetOnRatiosChange(func(ratios map[string]float64) {
		got = ratios
		// Re-entering the manager must not deadlock.
		slots = m.GetStats()["busy"].AllocatedSlots
	})

	for i := 0; i < 5; i++ {
		m.Acquire("busy")
	}
	m.Acquire("idle")
	m.Release("idle")

	if got == nil {
		t.Fatal("ratios callback not fired by release-driven adjustment")
	}
	if got["busy"] <= 0.5 {
		t.Fatalf("callback saw stale ratios: %v", got)
	}
	if slots < 5 {
		t.Fatalf("allocated slots queried from callback = %d, want >= 5", slots)
	}
}

func TestReleaseTriggersAdjustment(t *testing.T) {
	m, err := New([]Config{
		{ID: "busy", InitialRatio: 0.5, Flexible: true},
		{ID: "idle", InitialRatio: 0.5, Flexible: true},
	}, AdjustConfig{ReleasesPerAdjustment: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m.SetTotalCapacity(10)
	for i := 0; i < 5; i++ {
		m.Acquire("busy")
	}
	for i := 0; i < 3; i++ {
		m.Acquire("idle")
	}

	// Three releases trip the adjustment pass, which must detect busy's
	// high load against idle's empty queue.
	m.Release("idle")
	m.Release("idle")
	m.Release("idle")

	r := m.Ratios()
	if r["busy"] <= 0.5 {
		t.Fatalf("expected release-driven adjustment, busy ratio = %v", r["busy"])
	}
}

func TestCapacityChangeNotifier(t *testing.T) {
	m := mustNew(t, []Config{{ID: "chat", InitialRatio: 1, Flexible: true}})
	fired := 0
	m.SetOnCapacityChange(func() { fired++ })

	m.SetTotalCapacity(10)
	m.Acquire("chat")
	m.Release("chat")
	if fired < 2 {
		t.Fatalf("expected notifier on SetTotalCapacity and Release, fired %d", fired)
	}
}
