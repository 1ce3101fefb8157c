package llmgate

import (
	"regexp"
	"testing"
)

func TestConfigValidation(t *testing.T) {
	flexFalse := false
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{
			name: "empty models",
			cfg:  Config{},
			ok:   false,
		},
		{
			name: "single model needs no escalation order",
			cfg: Config{
				Models:                    map[string]ModelLimits{"a": {}},
				ResourceEstimationsPerJob: map[string]ResourceEstimation{"chat": {}},
			},
			ok: true,
		},
		{
			name: "two models require escalation order",
			cfg: Config{
				Models: map[string]ModelLimits{"a": {}, "b": {}},
			},
			ok: false,
		},
		{
			name: "unknown model in escalation order",
			cfg: Config{
				Models:          map[string]ModelLimits{"a": {}, "b": {}},
				EscalationOrder: []string{"a", "ghost"},
			},
			ok: false,
		},
		{
			name: "duplicate model in escalation order",
			cfg: Config{
				Models:          map[string]ModelLimits{"a": {}, "b": {}},
				EscalationOrder: []string{"a", "b", "a"},
			},
			ok: false,
		},
		{
			name: "ratios above one",
			cfg: Config{
				Models: map[string]ModelLimits{"a": {}},
				ResourceEstimationsPerJob: map[string]ResourceEstimation{
					"x": {Ratio: &RatioConfig{InitialValue: 0.7, Flexible: &flexFalse}},
					"y": {Ratio: &RatioConfig{InitialValue: 0.7}},
				},
			},
			ok: false,
		},
		{
			name: "negative limit",
			cfg: Config{
				Models: map[string]ModelLimits{"a": {TokensPerMinute: -1}},
			},
			ok: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.ok && err != nil {
				t.Fatalf("expected valid config, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(&Config{}); err == nil {
		t.Fatal("New must reject an empty config")
	}
}

func TestInstanceIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^inst-\d+-[0-9a-z]{9}$`)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		id := NewInstanceID()
		if !re.MatchString(id) {
			t.Fatalf("instance id %q does not match inst-<epochMs>-<9 base36>", id)
		}
		if seen[id] {
			t.Fatalf("instance id %q repeated", id)
		}
		seen[id] = true
	}
}

func TestGetStatsSnapshot(t *testing.T) {
	l, err := New(&Config{
		Models: map[string]ModelLimits{
			"primary": {TokensPerMinute: 1000, MaxConcurrentRequests: 3},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {EstimatedUsedTokens: 100, EstimatedNumberOfRequests: 1},
		},
		TotalSlots: 10,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Stop()

	st := l.GetStats()
	if st.InstanceID != l.GetInstanceID() {
		t.Fatalf("instance id mismatch: %q vs %q", st.InstanceID, l.GetInstanceID())
	}
	m, ok := st.Models["primary"]
	if !ok {
		t.Fatal("missing model snapshot")
	}
	if m.TokensMinute == nil || m.TokensMinute.Limit != 1000 {
		t.Fatalf("unexpected tpm snapshot: %+v", m.TokensMinute)
	}
	if m.Concurrency == nil || m.Concurrency.Max != 3 {
		t.Fatalf("unexpected concurrency snapshot: %+v", m.Concurrency)
	}
	if st.TotalSlots != 10 {
		t.Fatalf("total slots = %d, want 10", st.TotalSlots)
	}

	if _, ok := l.GetModelStats("ghost"); ok {
		t.Fatal("GetModelStats should miss for unknown model")
	}
	if !l.HasCapacityForJobType("chat") {
		t.Fatal("fresh limiter should have capacity for chat")
	}
	if l.HasCapacityForJobType("ghost") {
		t.Fatal("unknown job type must report no capacity")
	}
}

func TestDerivedTotalSlots(t *testing.T) {
	l, err := New(&Config{
		Models: map[string]ModelLimits{
			// 100k TPM / 10k estimated tokens = 10 slots.
			"primary": {TokensPerMinute: 100_000},
		},
		ResourceEstimationsPerJob: map[string]ResourceEstimation{
			"chat": {EstimatedUsedTokens: 10_000, EstimatedNumberOfRequests: 1},
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer l.Stop()

	if got := l.GetStats().TotalSlots; got != 10 {
		t.Fatalf("derived total slots = %d, want 10", got)
	}
}
