package llmgate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestLimiter(t *testing.T, cfg *Config, opts ...Option) *Limiter {
	t.Helper()
	l, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

func sleepJob(d time.Duration, usage TokenUsage) JobFunc {
	return func(ctx context.Context, inv Invocation) (JobResult, error) {
		time.Sleep(d)
		return JobResult{Status: StatusDone, Text: "ok", RequestCount: 1, Usage: usage}, nil
	}
}

func TestConcurrencyFIFOWithRefund(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"primary": {MaxConcurrentRequests: 2},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	durations := []time.Duration{150 * time.Millisecond, 150 * time.Millisecond, 50 * time.Millisecond, 50 * time.Millisecond}
	start := time.Now()
	var wg sync.WaitGroup
	for i, d := range durations {
		i, d := i, d
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.QueueJob(context.Background(), JobRequest{
				JobType:        "chat",
				Job:            sleepJob(d, TokenUsage{}),
				MaxWaitByModel: map[string]time.Duration{"primary": 5 * time.Second},
			})
			if err != nil {
				t.Errorf("job %d failed: %v", i, err)
			}
		}()
		// Deterministic arrival order.
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()

	// Two slots: the two short jobs start only after a long one ends.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Fatalf("wall time %v, want >= 200ms with 2 concurrency slots", elapsed)
	}
	st, _ := l.GetModelStats("primary")
	if st.Concurrency.Active != 0 {
		t.Fatalf("concurrency active = %d after all jobs, want 0", st.Concurrency.Active)
	}
}

func TestTPMReservationAndRefund(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"primary": {TokensPerMinute: 100},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat":  {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
			"small": {EstimatedUsedTokens: 20, EstimatedNumberOfRequests: 1},
			"mid":   {EstimatedUsedTokens: 21, EstimatedNumberOfRequests: 1},
		},
		TotalSlots: 100,
	})

	outcome, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			return JobResult{Status: StatusDone, RequestCount: 1, Usage: TokenUsage{Input: 60, Output: 20}}, nil
		},
	})
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if outcome.ModelUsed != "primary" {
		t.Fatalf("model used = %q", outcome.ModelUsed)
	}

	st, _ := l.GetModelStats("primary")
	if st.TokensMinute.Current != 80 {
		t.Fatalf("tpm current = %d after refund, want 80", st.TokensMinute.Current)
	}
	if !l.HasCapacityForJobType("small") {
		t.Fatal("20 remaining tokens should admit a 20-token job")
	}
	if l.HasCapacityForJobType("mid") {
		t.Fatal("20 remaining tokens must not admit a 21-token job")
	}
}

func TestEscalationOnZeroWait(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {MaxConcurrentRequests: 1},
			"b": {},
		},
		EscalationOrder: []string{"a", "b"},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			close(started)
			<-release
			return JobResult{Status: StatusDone, RequestCount: 1}, nil
		},
	})
	<-started

	// A is saturated and has an explicit zero wait budget: the second job
	// must run on B immediately, with a single usage entry.
	outcome, err := l.QueueJob(context.Background(), JobRequest{
		JobType:        "chat",
		MaxWaitByModel: map[string]time.Duration{"a": 0},
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			return JobResult{Status: StatusDone, Text: "from-b", RequestCount: 1}, nil
		},
	})
	close(release)
	if err != nil {
		t.Fatalf("second job failed: %v", err)
	}
	if outcome.ModelUsed != "b" {
		t.Fatalf("model used = %q, want b", outcome.ModelUsed)
	}
	if len(outcome.Usage) != 1 {
		t.Fatalf("usage entries = %d, want 1 (a was skipped, not attempted)", len(outcome.Usage))
	}
	if outcome.Usage[0].ModelID != "b" {
		t.Fatalf("usage entry model = %q, want b", outcome.Usage[0].ModelID)
	}
}

func TestAbsentWaitBudgetParksOnSameModel(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {MaxConcurrentRequests: 1},
			"b": {},
		},
		EscalationOrder: []string{"a", "b"},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			close(started)
			<-release
			return JobResult{Status: StatusDone, RequestCount: 1}, nil
		},
	})
	<-started

	// Without a wait budget the second job must park on A until its slot
	// frees up, never falling through to B.
	done := make(chan JobOutcome, 1)
	go func() {
		outcome, err := l.QueueJob(context.Background(), JobRequest{
			JobType: "chat",
			Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
				return JobResult{Status: StatusDone, Text: "from-a", RequestCount: 1}, nil
			},
		})
		if err != nil {
			t.Errorf("second job failed: %v", err)
		}
		done <- outcome
	}()

	select {
	case <-done:
		t.Fatal("job without a wait budget must park, not escalate or fail")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case outcome := <-done:
		if outcome.ModelUsed != "a" {
			t.Fatalf("model used = %q, want a (no escalation while parked)", outcome.ModelUsed)
		}
		if len(outcome.Usage) != 1 {
			t.Fatalf("usage entries = %d, want 1", len(outcome.Usage))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("parked job was not woken by the release")
	}
}

func TestDelegationRecordsUsageAndCost(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {Pricing: Pricing{Input: 10, Output: 30}},
			"b": {Pricing: Pricing{Input: 1, Output: 3}},
		},
		EscalationOrder: []string{"a", "b"},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {EstimatedUsedTokens: 2_000_000, EstimatedNumberOfRequests: 1},
		},
		TotalSlots: 100,
	})

	outcome, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			if inv.ModelID == "a" {
				// Partial work on A, then hand off.
				return JobResult{
					Status:       StatusDelegate,
					RequestCount: 1,
					Usage:        TokenUsage{Input: 1_000_000},
				}, nil
			}
			return JobResult{
				Status:       StatusDone,
				Text:         "done-on-b",
				RequestCount: 1,
				Usage:        TokenUsage{Input: 1_000_000, Output: 1_000_000},
			}, nil
		},
	})
	if err != nil {
		t.Fatalf("job failed: %v", err)
	}
	if outcome.ModelUsed != "b" {
		t.Fatalf("model used = %q, want b", outcome.ModelUsed)
	}
	if len(outcome.Usage) != 2 {
		t.Fatalf("usage entries = %d, want 2 (attempt order a, b)", len(outcome.Usage))
	}
	if outcome.Usage[0].ModelID != "a" || outcome.Usage[1].ModelID != "b" {
		t.Fatalf("usage order wrong: %+v", outcome.Usage)
	}

	// a: 1M input at $10/M = 10. b: 1M input + 1M output at $1/$3 = 4.
	if diff := outcome.TotalCost - 14; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("total cost = %v, want 14", outcome.TotalCost)
	}
}

func TestExhaustionSurfacesNoModelAvailable(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {MaxConcurrentRequests: 1},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	release := make(chan struct{})
	started := make(chan struct{})
	go l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			close(started)
			<-release
			return JobResult{Status: StatusDone, RequestCount: 1}, nil
		},
	})
	<-started
	defer close(release)

	var errSeen error
	_, err := l.QueueJob(context.Background(), JobRequest{
		JobID:          "job-2",
		JobType:        "chat",
		MaxWaitByModel: map[string]time.Duration{"a": 0},
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			t.Error("job must not run, no model has capacity")
			return JobResult{}, nil
		},
		OnError: func(e error, _ JobOutcome) { errSeen = e },
	})
	if !errors.Is(err, ErrNoModelAvailable) {
		t.Fatalf("err = %v, want ErrNoModelAvailable", err)
	}
	var jobErr *JobError
	if !errors.As(err, &jobErr) || jobErr.JobID != "job-2" || jobErr.LastModel != "a" {
		t.Fatalf("error must identify job and last model: %v", err)
	}
	if errSeen == nil {
		t.Fatal("OnError callback not invoked")
	}
}

func TestRatioAdjustmentResizesMemorySubPools(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{"m": {}},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"heavy": {Ratio: &RatioConfig{InitialValue: 0.5}},
			"light": {Ratio: &RatioConfig{InitialValue: 0.5}},
		},
		TotalSlots: 10,
		Memory:     &MemoryConfig{FreeMemoryRatio: 1, RecalculationIntervalMs: 3_600_000},
		RatioAdjustment: &RatioAdjustmentConfig{
			AdjustmentIntervalMs:  3_600_000,
			ReleasesPerAdjustment: 1,
			HighLoadThreshold:     0.75,
			LowLoadThreshold:      0.3,
			MaxAdjustment:         0.1,
			MinRatio:              0.05,
		},
	}, WithMemoryProbe(func() (int64, error) { return 500_000, nil }))

	sub := l.GetStats().Memory.SubPools
	if sub["heavy"].AllocatedKB != 250_000 || sub["light"].AllocatedKB != 250_000 {
		t.Fatalf("initial sub-pools = %+v, want an even split of 500000 KB", sub)
	}

	// Hold four of heavy's five slots, then complete one light job: the
	// release-driven ratio adjustment must drag the memory sub-pools
	// along with the new shares.
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.QueueJob(context.Background(), JobRequest{
				JobType: "heavy",
				Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
					started <- struct{}{}
					<-release
					return JobResult{Status: StatusDone, RequestCount: 1}, nil
				},
			})
			if err != nil {
				t.Errorf("heavy job failed: %v", err)
			}
		}()
	}
	for i := 0; i < 4; i++ {
		<-started
	}

	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "light",
		Job:     sleepJob(0, TokenUsage{}),
	}); err != nil {
		t.Fatalf("light job failed: %v", err)
	}

	sub = l.GetStats().Memory.SubPools
	if sub["heavy"].AllocatedKB != 300_000 {
		t.Fatalf("heavy sub-pool = %d KB after adjustment, want 300000", sub["heavy"].AllocatedKB)
	}
	if sub["light"].AllocatedKB != 200_000 {
		t.Fatalf("light sub-pool = %d KB after adjustment, want 200000", sub["light"].AllocatedKB)
	}

	close(release)
	wg.Wait()
}

func TestAvailabilityEventsForAdjustmentAndMemory(t *testing.T) {
	var mu sync.Mutex
	events := make(map[string][]AvailabilityChange)
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{"m": {}},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"heavy": {EstimatedUsedMemoryKB: 1000, Ratio: &RatioConfig{InitialValue: 0.5}},
			"light": {Ratio: &RatioConfig{InitialValue: 0.5}},
		},
		TotalSlots: 10,
		Memory:     &MemoryConfig{FreeMemoryRatio: 1, RecalculationIntervalMs: 3_600_000},
		RatioAdjustment: &RatioAdjustmentConfig{
			AdjustmentIntervalMs:  3_600_000,
			ReleasesPerAdjustment: 1,
			HighLoadThreshold:     0.75,
			LowLoadThreshold:      0.3,
			MaxAdjustment:         0.1,
			MinRatio:              0.05,
		},
	},
		WithMemoryProbe(func() (int64, error) { return 500_000, nil }),
		WithAvailabilityCallback(func(c AvailabilityChange) {
			mu.Lock()
			events[c.Reason] = append(events[c.Reason], c)
			mu.Unlock()
		}))

	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.QueueJob(context.Background(), JobRequest{
				JobType: "heavy",
				Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
					started <- struct{}{}
					<-release
					return JobResult{Status: StatusDone, RequestCount: 1}, nil
				},
			})
		}()
	}
	for i := 0; i < 4; i++ {
		<-started
	}
	if _, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "light",
		Job:     sleepJob(0, TokenUsage{}),
	}); err != nil {
		t.Fatalf("light job failed: %v", err)
	}

	mu.Lock()
	adjustments := append([]AvailabilityChange(nil), events["adjustment"]...)
	memoryEvents := append([]AvailabilityChange(nil), events["memory"]...)
	mu.Unlock()

	var gained, donated bool
	for _, c := range adjustments {
		if c.ModelID == "heavy" && c.Adjustment > 0 {
			gained = true
		}
		if c.ModelID == "light" && c.Adjustment < 0 {
			donated = true
		}
	}
	if !gained || !donated {
		t.Fatalf("adjustment events missing both sides: %+v", adjustments)
	}
	if len(memoryEvents) == 0 {
		t.Fatal("no memory availability events emitted")
	}
	for _, c := range memoryEvents {
		if c.Value < 0 || c.Value > 500_000 {
			t.Fatalf("memory availability out of range: %+v", c)
		}
	}

	close(release)
	wg.Wait()
}

func TestJobErrorFailsWithoutDelegation(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {},
			"b": {},
		},
		EscalationOrder: []string{"a", "b"},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	boom := errors.New("boom")
	_, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			if inv.ModelID != "a" {
				t.Errorf("error without delegation must not escalate, ran on %s", inv.ModelID)
			}
			return JobResult{}, boom
		},
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped boom", err)
	}
}

func TestJobPanicIsContained(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {MaxConcurrentRequests: 1},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	_, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job: func(ctx context.Context, inv Invocation) (JobResult, error) {
			panic("kaboom")
		},
	})
	if err == nil {
		t.Fatal("panicking job must fail")
	}

	// The reservation must have been settled: the slot is reusable.
	outcome, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "chat",
		Job:     sleepJob(0, TokenUsage{}),
	})
	if err != nil {
		t.Fatalf("follow-up job failed: %v", err)
	}
	if outcome.ModelUsed != "a" {
		t.Fatalf("follow-up ran on %q, want a", outcome.ModelUsed)
	}
}

func TestUnknownJobTypeRejected(t *testing.T) {
	l := newTestLimiter(t, &Config{
		Models: map[string]ModelLimits{
			"a": {},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {},
		},
		TotalSlots: 100,
	})

	_, err := l.QueueJob(context.Background(), JobRequest{
		JobType: "ghost",
		Job:     sleepJob(0, TokenUsage{}),
	})
	if !errors.Is(err, ErrUnknownJobType) {
		t.Fatalf("err = %v, want ErrUnknownJobType", err)
	}
}
