package safety

import (
	"fmt"

	"github.com/atlasops/atlas-descaler/pkg/metrics"
	"github.com/atlasops/atlas-descaler/pkg/tiers"
)

// Gating thresholds. CPU is an absolute ceiling; the ratio thresholds are
// applied against tier capacity as described per check below.
const (
	cpuThreshold         = 35.0
	memoryThresholdRatio = 0.6
	iopsThresholdRatio   = 0.6
	connectionsRatio     = 0.5
)

// Check names, stable for logging and tests.
const (
	CheckCPU         = "cpu"
	CheckMemory      = "memory"
	CheckIOPS        = "iops"
	CheckConnections = "connections"
)

// Check is one evaluated safety condition with its measured value and
// effective threshold, so a blocked scale-down is diagnosable from logs.
type Check struct {
	Name      string  `json:"name" yaml:"name"`
	Pass      bool    `json:"pass" yaml:"pass"`
	Value     float64 `json:"value" yaml:"value"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	Reason    string  `json:"reason,omitempty" yaml:"reason,omitempty"`
}

// Verdict is the gate's output: the four individual checks plus their
// conjunction. Only a unanimous pass permits a scale-down.
type Verdict struct {
	Checks []Check `json:"checks" yaml:"checks"`
	Pass   bool    `json:"pass" yaml:"pass"`
}

// FailureReasons returns the reasons of the failing checks, in check order.
func (v Verdict) FailureReasons() []string {
	var reasons []string
	for _, c := range v.Checks {
		if !c.Pass {
			reasons = append(reasons, c.Reason)
		}
	}
	return reasons
}

// Evaluate runs the four safety checks for scaling a shard from
// currentTier down to baseTier given its averaged utilization.
//
// CPU, memory and IOPS are judged against the currently provisioned
// (elevated) tier: they estimate whether load has receded relative to
// what is in effect now. Connections are judged against the destination
// tier, since exceeding the destination's connection ceiling is the
// actual post-downgrade risk. All comparisons are strict: a value exactly
// at its threshold fails.
//
// A tier missing from the catalog fails the checks that reference it,
// with a "no tier spec" reason distinguishable from a numeric failure.
func Evaluate(currentTier, baseTier string, sample metrics.Sample, catalog *tiers.Catalog) Verdict {
	currentSpec, haveCurrent := catalog.Lookup(currentTier)
	baseSpec, haveBase := catalog.Lookup(baseTier)

	checks := []Check{
		{
			Name:      CheckCPU,
			Value:     sample.CPUAvg,
			Threshold: cpuThreshold,
		},
		memoryCheck(currentTier, haveCurrent, currentSpec, sample),
		iopsCheck(currentTier, haveCurrent, currentSpec, sample),
		connectionsCheck(baseTier, haveBase, baseSpec, sample),
	}

	// CPU is the only tier-independent check
	if sample.CPUAvg < cpuThreshold {
		checks[0].Pass = true
	} else {
		checks[0].Reason = fmt.Sprintf("CPU avg (%.2f%%) >= %.1f%% threshold", sample.CPUAvg, cpuThreshold)
	}

	verdict := Verdict{Checks: checks, Pass: true}
	for _, c := range checks {
		if !c.Pass {
			verdict.Pass = false
		}
	}
	return verdict
}

func memoryCheck(currentTier string, haveSpec bool, spec tiers.Spec, sample metrics.Sample) Check {
	check := Check{Name: CheckMemory, Value: sample.MemoryAvgGB}
	if !haveSpec || spec.RAMGB <= 0 {
		check.Reason = fmt.Sprintf("no tier spec for current tier %s, cannot determine memory threshold", currentTier)
		return check
	}
	check.Threshold = spec.RAMGB * memoryThresholdRatio
	if sample.MemoryAvgGB < check.Threshold {
		check.Pass = true
	} else {
		check.Reason = fmt.Sprintf("Memory avg (%.2fGB) >= %.0f%% of %s RAM (%.2fGB)",
			sample.MemoryAvgGB, memoryThresholdRatio*100, currentTier, check.Threshold)
	}
	return check
}

func iopsCheck(currentTier string, haveSpec bool, spec tiers.Spec, sample metrics.Sample) Check {
	check := Check{Name: CheckIOPS, Value: sample.IOPSAvg}
	if !haveSpec || spec.IOPS <= 0 {
		check.Reason = fmt.Sprintf("no tier spec for current tier %s, cannot determine IOPS threshold", currentTier)
		return check
	}
	check.Threshold = float64(spec.IOPS) * iopsThresholdRatio
	if sample.IOPSAvg < check.Threshold {
		check.Pass = true
	} else {
		check.Reason = fmt.Sprintf("IOPS avg (%.2f) >= %.0f%% of %s IOPS (%.2f)",
			sample.IOPSAvg, iopsThresholdRatio*100, currentTier, check.Threshold)
	}
	return check
}

func connectionsCheck(baseTier string, haveSpec bool, spec tiers.Spec, sample metrics.Sample) Check {
	check := Check{Name: CheckConnections, Value: sample.ConnectionsAvg}
	if !haveSpec || spec.Connections <= 0 {
		check.Reason = fmt.Sprintf("no tier spec for base tier %s, cannot determine connection threshold", baseTier)
		return check
	}
	check.Threshold = float64(spec.Connections) * connectionsRatio
	if sample.ConnectionsAvg < check.Threshold {
		check.Pass = true
	} else {
		check.Reason = fmt.Sprintf("Connections avg (%.2f) >= %.0f%% of %s connection limit (%.2f)",
			sample.ConnectionsAvg, connectionsRatio*100, baseTier, check.Threshold)
	}
	return check
}
