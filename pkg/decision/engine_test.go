package decision

import (
	"strings"
	"testing"
	"time"

	"github.com/atlasops/atlas-descaler/pkg/metrics"
	"github.com/atlasops/atlas-descaler/pkg/safety"
	"github.com/atlasops/atlas-descaler/pkg/state"
	"github.com/atlasops/atlas-descaler/pkg/tiers"
)

func testCatalog() *tiers.Catalog {
	return tiers.NewCatalog([]tiers.Spec{
		{Name: "M30", RAMGB: 8, Connections: 3000, IOPS: 3000},
		{Name: "M40", RAMGB: 16, Connections: 6000, IOPS: 3000},
	})
}

func TestResolvePosition(t *testing.T) {
	tests := []struct {
		current string
		want    TierPosition
	}{
		{"M30", AtBase},
		{"M40", AtScaleUp},
		{"M50", OtherTier},
		{"", OtherTier},
	}
	for _, tt := range tests {
		if got := ResolvePosition(tt.current, "M30", "M40"); got != tt.want {
			t.Errorf("ResolvePosition(%q) = %v, want %v", tt.current, got, tt.want)
		}
	}
}

// eligibleInput is a shard at scaleUpTier, fresh, past the hold-down,
// with every validation and safety check passing. Tests override fields
// to exercise individual rules.
func eligibleInput() Input {
	sample := metrics.Sample{CPUAvg: 25, MemoryAvgGB: 8, IOPSAvg: 1500, ConnectionsAvg: 1200}
	return Input{
		Position:              AtScaleUp,
		CurrentTier:           "M40",
		BaseTier:              "M30",
		ScaleUpTier:           "M40",
		Age:                   state.AgeFresh,
		Elapsed:               4 * time.Hour,
		MinHold:               3 * time.Hour,
		BaseTierKnown:         true,
		WithinAutoscaleLimits: true,
		Verdict:               safety.Evaluate("M40", "M30", sample, testCatalog()),
	}
}

func TestDecideRuleOrder(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(*Input)
		want     Outcome
		wantRule string
	}{
		{
			name:     "at base tier is always noop",
			mutate:   func(in *Input) { in.Position = AtBase; in.CurrentTier = "M30" },
			want:     Noop,
			wantRule: "at-base-tier",
		},
		{
			name: "at base tier ignores failing metrics and stale age",
			mutate: func(in *Input) {
				in.Position = AtBase
				in.Age = state.AgeStale
				in.Verdict = safety.Verdict{Pass: false}
			},
			want:     Noop,
			wantRule: "at-base-tier",
		},
		{
			name:     "stale timestamp records escalation",
			mutate:   func(in *Input) { in.Age = state.AgeStale; in.Elapsed = 0 },
			want:     RecordEscalation,
			wantRule: "new-escalation",
		},
		{
			name:     "stale wins over everything but base tier",
			mutate:   func(in *Input) { in.Age = state.AgeStale; in.Elapsed = 40 * time.Hour },
			want:     RecordEscalation,
			wantRule: "new-escalation",
		},
		{
			name:     "fresh under hold-down waits",
			mutate:   func(in *Input) { in.Elapsed = 2 * time.Hour },
			want:     Wait,
			wantRule: "hold-down",
		},
		{
			name:     "elapsed exactly at hold-down proceeds",
			mutate:   func(in *Input) { in.Elapsed = 3 * time.Hour },
			want:     ScaleDown,
			wantRule: "eligible",
		},
		{
			name:     "all checks pass scales down",
			mutate:   func(in *Input) {},
			want:     ScaleDown,
			wantRule: "eligible",
		},
		{
			name:     "unrecognized tier is a warned noop",
			mutate:   func(in *Input) { in.Position = OtherTier; in.CurrentTier = "M60" },
			want:     Noop,
			wantRule: "unrecognized-tier",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := eligibleInput()
			tt.mutate(&in)
			d := Decide(in)
			if d.Outcome != tt.want {
				t.Errorf("Decide() = %v (reasons %v), want %v", d.Outcome, d.Reasons, tt.want)
			}
			if d.Rule != tt.wantRule {
				t.Errorf("Decide() rule = %s, want %s", d.Rule, tt.wantRule)
			}
		})
	}
}

func TestDecideBlockedReasons(t *testing.T) {
	t.Run("missing base tier spec", func(t *testing.T) {
		in := eligibleInput()
		in.BaseTierKnown = false
		d := Decide(in)
		if d.Outcome != Blocked {
			t.Fatalf("Decide() = %v, want Blocked", d.Outcome)
		}
		if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "missing tier spec") {
			t.Errorf("Reasons = %v, want missing tier spec", d.Reasons)
		}
	})

	t.Run("outside autoscale limits", func(t *testing.T) {
		in := eligibleInput()
		in.WithinAutoscaleLimits = false
		in.AutoscaleReasons = []string{"baseTier M30 outside autoscale limits [M40, M60]"}
		d := Decide(in)
		if d.Outcome != Blocked {
			t.Fatalf("Decide() = %v, want Blocked", d.Outcome)
		}
		if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "autoscale limits") {
			t.Errorf("Reasons = %v, want autoscale limit reason", d.Reasons)
		}
	})

	t.Run("safety gate failure carries check reasons", func(t *testing.T) {
		in := eligibleInput()
		sample := metrics.Sample{CPUAvg: 25, MemoryAvgGB: 10, IOPSAvg: 1500, ConnectionsAvg: 1200}
		in.Verdict = safety.Evaluate("M40", "M30", sample, testCatalog())
		d := Decide(in)
		if d.Outcome != Blocked {
			t.Fatalf("Decide() = %v, want Blocked", d.Outcome)
		}
		if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "Memory") {
			t.Errorf("Reasons = %v, want the memory check reason", d.Reasons)
		}
	})

	t.Run("tier spec validation precedes the gate", func(t *testing.T) {
		in := eligibleInput()
		in.BaseTierKnown = false
		in.WithinAutoscaleLimits = false
		in.Verdict = safety.Verdict{Pass: false}
		d := Decide(in)
		if len(d.Reasons) != 1 || !strings.Contains(d.Reasons[0], "missing tier spec") {
			t.Errorf("Reasons = %v, want only the tier spec reason", d.Reasons)
		}
	})
}

func TestDecideDeterministic(t *testing.T) {
	in := eligibleInput()
	first := Decide(in)
	for i := 0; i < 10; i++ {
		d := Decide(in)
		if d.Outcome != first.Outcome || d.Rule != first.Rule {
			t.Fatalf("Decide() not deterministic: %+v vs %+v", d, first)
		}
	}
}
