package decision

import (
	"fmt"
	"time"

	"github.com/atlasops/atlas-descaler/pkg/safety"
	"github.com/atlasops/atlas-descaler/pkg/state"
)

// TierPosition classifies a shard's live tier against its configured
// pair, resolved once per shard instead of re-comparing strings in every
// rule.
type TierPosition int

const (
	// AtBase means the shard already runs at baseTier.
	AtBase TierPosition = iota
	// AtScaleUp means the shard runs at the elevated scaleUpTier.
	AtScaleUp
	// OtherTier means the shard runs at a tier this tool has no rule for.
	OtherTier
)

func (p TierPosition) String() string {
	switch p {
	case AtBase:
		return "at-base"
	case AtScaleUp:
		return "at-scale-up"
	default:
		return "other"
	}
}

// ResolvePosition classifies a live tier name against the configured pair.
func ResolvePosition(currentTier, baseTier, scaleUpTier string) TierPosition {
	switch currentTier {
	case baseTier:
		return AtBase
	case scaleUpTier:
		return AtScaleUp
	default:
		return OtherTier
	}
}

// Outcome is the engine's per-shard verdict.
type Outcome int

const (
	// Noop requires no action and no tracking update.
	Noop Outcome = iota
	// RecordEscalation marks a newly detected scale-up: the caller records
	// the current time and attempts no scale-down this run.
	RecordEscalation
	// Wait means the hold-down window since the last tier update has not
	// elapsed yet.
	Wait
	// ScaleDown selects the shard for the cluster's batched downgrade.
	ScaleDown
	// Blocked means the shard was eligible but a validation or safety
	// check refused the downgrade.
	Blocked
)

func (o Outcome) String() string {
	switch o {
	case Noop:
		return "noop"
	case RecordEscalation:
		return "record-escalation"
	case Wait:
		return "wait"
	case ScaleDown:
		return "scale-down"
	case Blocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Decision is the engine's output for one shard. Reasons itemize why a
// Blocked shard was refused; Warning carries the unrecognized-tier note
// for OtherTier noops.
type Decision struct {
	Outcome Outcome  `json:"outcome" yaml:"outcome"`
	Rule    string   `json:"rule" yaml:"rule"`
	Reasons []string `json:"reasons,omitempty" yaml:"reasons,omitempty"`
	Warning string   `json:"warning,omitempty" yaml:"warning,omitempty"`
}

// Input is everything Decide needs, gathered by the caller. Decide itself
// performs no I/O and reads no clock, so identical inputs always yield
// identical decisions.
type Input struct {
	Position    TierPosition
	CurrentTier string
	BaseTier    string
	ScaleUpTier string

	Age     state.Age
	Elapsed time.Duration
	MinHold time.Duration

	// BaseTierKnown reports whether baseTier resolves in the tier catalog.
	BaseTierKnown bool

	// WithinAutoscaleLimits reports whether both configured tiers lie
	// inside the cluster's live autoscale floor/ceiling; AutoscaleReasons
	// itemizes violations.
	WithinAutoscaleLimits bool
	AutoscaleReasons      []string

	Verdict safety.Verdict
}

// rule is one guard/action pair. Rules are evaluated strictly in order;
// the first matching guard decides.
type rule struct {
	name   string
	guard  func(Input) bool
	action func(Input) Decision
}

var rules = []rule{
	{
		name:  "at-base-tier",
		guard: func(in Input) bool { return in.Position == AtBase },
		action: func(in Input) Decision {
			return Decision{Outcome: Noop, Rule: "at-base-tier"}
		},
	},
	{
		name:  "new-escalation",
		guard: func(in Input) bool { return in.Position == AtScaleUp && in.Age == state.AgeStale },
		action: func(in Input) Decision {
			return Decision{Outcome: RecordEscalation, Rule: "new-escalation"}
		},
	},
	{
		name:  "hold-down",
		guard: func(in Input) bool { return in.Position == AtScaleUp && in.Elapsed < in.MinHold },
		action: func(in Input) Decision {
			return Decision{Outcome: Wait, Rule: "hold-down"}
		},
	},
	{
		name:   "eligible",
		guard:  func(in Input) bool { return in.Position == AtScaleUp },
		action: decideEligible,
	},
	{
		name:  "unrecognized-tier",
		guard: func(in Input) bool { return true },
		action: func(in Input) Decision {
			return Decision{
				Outcome: Noop,
				Rule:    "unrecognized-tier",
				Warning: fmt.Sprintf("shard is at %s, neither baseTier %s nor scaleUpTier %s; leaving untouched",
					in.CurrentTier, in.BaseTier, in.ScaleUpTier),
			}
		},
	},
}

// decideEligible handles a shard that is at scaleUpTier with a fresh
// timestamp past the hold-down window: validation and the safety gate
// decide between ScaleDown and Blocked.
func decideEligible(in Input) Decision {
	if !in.BaseTierKnown {
		return Decision{
			Outcome: Blocked,
			Rule:    "eligible",
			Reasons: []string{fmt.Sprintf("missing tier spec for baseTier %s", in.BaseTier)},
		}
	}
	if !in.WithinAutoscaleLimits {
		reasons := in.AutoscaleReasons
		if len(reasons) == 0 {
			reasons = []string{"outside autoscale limits"}
		}
		return Decision{Outcome: Blocked, Rule: "eligible", Reasons: reasons}
	}
	if !in.Verdict.Pass {
		return Decision{Outcome: Blocked, Rule: "eligible", Reasons: in.Verdict.FailureReasons()}
	}
	return Decision{Outcome: ScaleDown, Rule: "eligible"}
}

// Decide runs the ordered rule list over one shard's inputs.
func Decide(in Input) Decision {
	for _, r := range rules {
		if r.guard(in) {
			return r.action(in)
		}
	}
	// The last rule's guard is unconditional
	return Decision{Outcome: Noop, Rule: "unreachable"}
}
