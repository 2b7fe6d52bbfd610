package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
	"github.com/atlasops/atlas-descaler/pkg/batch"
	"github.com/atlasops/atlas-descaler/pkg/decision"
	"github.com/atlasops/atlas-descaler/pkg/metrics"
	"github.com/atlasops/atlas-descaler/pkg/safety"
	"github.com/atlasops/atlas-descaler/pkg/state"
	"github.com/atlasops/atlas-descaler/pkg/tiers"
)

// ClusterAPI is the slice of the Atlas client the runner needs.
type ClusterAPI interface {
	GetCluster(ctx context.Context, clusterName string) (*atlas.ClusterDescription, error)
	ListProcesses(ctx context.Context) ([]atlas.Process, error)
	UpdateCluster(ctx context.Context, clusterName string, payload map[string]any) error
}

// MetricsCollector fetches the averaged utilization sample for a process.
type MetricsCollector interface {
	Collect(ctx context.Context, processID string) (metrics.Sample, error)
}

// Runner drives one monitoring pass: per cluster, per shard, classify and
// decide, batch the scale-downs into one mutation per cluster, and
// advance timestamps only for what actually succeeded.
type Runner struct {
	api     ClusterAPI
	metrics MetricsCollector
	catalog *tiers.Catalog
	store   *state.Store
	minHold time.Duration
	logger  *logrus.Logger

	now func() time.Time
}

// NewRunner creates a runner for one pass. minHoldHours is the hold-down
// window since the last recorded tier update.
func NewRunner(api ClusterAPI, collector MetricsCollector, catalog *tiers.Catalog, store *state.Store, minHoldHours int, logger *logrus.Logger) *Runner {
	return &Runner{
		api:     api,
		metrics: collector,
		catalog: catalog,
		store:   store,
		minHold: time.Duration(minHoldHours) * time.Hour,
		logger:  logger,
		now:     time.Now,
	}
}

// ShardResult is the per-shard outcome captured for the run report.
type ShardResult struct {
	ShardIndex int             `yaml:"shardIndex"`
	LiveTier   string          `yaml:"liveTier,omitempty"`
	Outcome    string          `yaml:"outcome"`
	Reasons    []string        `yaml:"reasons,omitempty"`
	Elapsed    string          `yaml:"elapsed,omitempty"`
	Sample     *metrics.Sample `yaml:"metrics,omitempty"`
	Error      string          `yaml:"error,omitempty"`
}

// ClusterResult aggregates one cluster's pass.
type ClusterResult struct {
	ClusterName string        `yaml:"clusterName"`
	BaseTier    string        `yaml:"baseTier"`
	ScaleUpTier string        `yaml:"scaleUpTier"`
	Shards      []ShardResult `yaml:"shards,omitempty"`
	ScaledDown  []int         `yaml:"scaledDown,omitempty"`
	Error       string        `yaml:"error,omitempty"`
}

// RunResult is the whole pass, written out as the YAML run report.
type RunResult struct {
	RunID      string          `yaml:"runId"`
	StartedAt  time.Time       `yaml:"startedAt"`
	FinishedAt time.Time       `yaml:"finishedAt"`
	Clusters   []ClusterResult `yaml:"clusters"`
}

// ScaledDownTotal returns the number of shards scaled down in the pass.
func (r *RunResult) ScaledDownTotal() int {
	total := 0
	for _, c := range r.Clusters {
		total += len(c.ScaledDown)
	}
	return total
}

// Run executes one pass over every tracked cluster. Per-cluster and
// per-shard failures are recorded and skipped; only a state write-back
// failure is returned as an error, since losing recorded timestamps
// re-arms every shard's hysteresis.
func (r *Runner) Run(ctx context.Context) (*RunResult, error) {
	result := &RunResult{
		RunID:     uuid.NewString(),
		StartedAt: r.now().UTC(),
	}
	log := r.logger.WithField("run", result.RunID)

	clusters := r.store.Clusters()
	log.Infof("Starting monitoring pass over %d cluster(s)", len(clusters))

	for _, cluster := range clusters {
		result.Clusters = append(result.Clusters, r.runCluster(ctx, cluster, log))
	}

	result.FinishedAt = r.now().UTC()

	if err := r.store.Save(); err != nil {
		return result, fmt.Errorf("failed to persist shard tracking state: %w", err)
	}

	log.Infof("Monitoring pass finished: %d shard(s) scaled down across %d cluster(s)",
		result.ScaledDownTotal(), len(result.Clusters))
	return result, nil
}

func (r *Runner) runCluster(ctx context.Context, cluster *state.ClusterSpec, log *logrus.Entry) ClusterResult {
	cr := ClusterResult{
		ClusterName: cluster.ClusterName,
		BaseTier:    cluster.BaseTier,
		ScaleUpTier: cluster.ScaleUpTier,
	}
	clog := log.WithField("cluster", cluster.ClusterName)
	clog.Infof("Monitoring cluster (baseTier %s, scaleUpTier %s)", cluster.BaseTier, cluster.ScaleUpTier)

	desc, err := r.api.GetCluster(ctx, cluster.ClusterName)
	if err != nil {
		cr.Error = err.Error()
		clog.Errorf("Skipping cluster, could not fetch description: %v", err)
		return cr
	}

	// Project process list, fetched once per cluster when first needed
	var processes []atlas.Process
	processesFetched := false

	var targets []batch.Target
	var targetShards []*state.ShardTracking

	for i := range cluster.Shards {
		shard := &cluster.Shards[i]
		slog := clog.WithField("shard", shard.ShardIndex)

		sr := r.runShard(ctx, cluster, shard, desc, &processes, &processesFetched, slog)
		cr.Shards = append(cr.Shards, sr)

		if sr.Outcome == decision.ScaleDown.String() {
			targets = append(targets, batch.Target{
				ShardIndex: shard.ShardIndex,
				DiskSizeGB: desc.ShardDiskSizeGB(shard.ShardIndex),
			})
			targetShards = append(targetShards, shard)
		}
	}

	if len(targets) == 0 {
		clog.Info("No shards need scaling down")
		return cr
	}

	clog.Infof("Scaling down %d shard(s) to %s in a single request", len(targets), cluster.BaseTier)
	payload, err := batch.Compose(desc, targets, cluster.BaseTier)
	if err != nil {
		cr.Error = fmt.Sprintf("batch composition failed: %v", err)
		clog.Errorf("Batch composition failed, no mutation issued: %v", err)
		return cr
	}

	if err := r.api.UpdateCluster(ctx, cluster.ClusterName, payload); err != nil {
		// Timestamps stay untouched so the next run retries the same decision
		cr.Error = fmt.Sprintf("mutation rejected: %v", err)
		clog.Errorf("Cluster update rejected: %v", err)
		return cr
	}

	submittedAt := r.now()
	for _, shard := range targetShards {
		shard.Touch(submittedAt)
		cr.ScaledDown = append(cr.ScaledDown, shard.ShardIndex)
	}
	r.store.MarkDirty()
	if err := r.store.Save(); err != nil {
		clog.Errorf("Failed to persist timestamps after scale-down: %v", err)
	}

	clog.Infof("Scaled down %d shard(s) to %s", len(targetShards), cluster.BaseTier)
	return cr
}

func (r *Runner) runShard(ctx context.Context, cluster *state.ClusterSpec, shard *state.ShardTracking,
	desc *atlas.ClusterDescription, processes *[]atlas.Process, processesFetched *bool, slog *logrus.Entry) ShardResult {

	sr := ShardResult{ShardIndex: shard.ShardIndex}
	now := r.now()

	liveTier, ok := desc.ShardTier(shard.ShardIndex)
	if !ok {
		sr.Outcome = "skipped"
		sr.Error = "no live replica set for tracked shard index"
		slog.Warnf("Tracked shard %d has no corresponding replica set in the live topology, skipping", shard.ShardIndex)
		return sr
	}
	sr.LiveTier = liveTier

	position := decision.ResolvePosition(liveTier, cluster.BaseTier, cluster.ScaleUpTier)
	age, elapsed := state.ClassifyAge(shard.LastTierUpdate, now)
	if _, parsed := state.ParseTimestamp(shard.LastTierUpdate); shard.LastTierUpdate != "" && !parsed {
		slog.Warnf("Unparsable lastTierUpdate %q, treating as a new escalation", shard.LastTierUpdate)
	}
	sr.Elapsed = elapsed.Truncate(time.Minute).String()

	in := decision.Input{
		Position:    position,
		CurrentTier: liveTier,
		BaseTier:    cluster.BaseTier,
		ScaleUpTier: cluster.ScaleUpTier,
		Age:         age,
		Elapsed:     elapsed,
		MinHold:     r.minHold,
	}

	// The gate inputs are only gathered for shards that can reach it
	if position == decision.AtScaleUp && age == state.AgeFresh && elapsed >= r.minHold {
		in.BaseTierKnown = r.catalog.Has(cluster.BaseTier)
		in.WithinAutoscaleLimits, in.AutoscaleReasons = autoscaleBounds(desc, shard.ShardIndex, cluster.BaseTier, cluster.ScaleUpTier)

		if in.BaseTierKnown && in.WithinAutoscaleLimits {
			sample, err := r.collectSample(ctx, cluster.ClusterName, shard.ShardIndex, processes, processesFetched, slog)
			if err != nil {
				sr.Outcome = "skipped"
				sr.Error = err.Error()
				slog.Warnf("Skipping shard: %v", err)
				return sr
			}
			sr.Sample = &sample
			in.Verdict = safety.Evaluate(liveTier, cluster.BaseTier, sample, r.catalog)
		}
	}

	d := decision.Decide(in)
	sr.Outcome = d.Outcome.String()
	sr.Reasons = d.Reasons

	switch d.Outcome {
	case decision.Noop:
		if d.Warning != "" {
			slog.Warn(d.Warning)
		} else {
			slog.Debugf("Shard is at baseTier %s, no action needed", cluster.BaseTier)
		}
	case decision.RecordEscalation:
		shard.Touch(now)
		r.store.MarkDirty()
		slog.Infof("Detected new scale-up to %s, recording timestamp (no scale-down on first detection)", liveTier)
	case decision.Wait:
		slog.Infof("Hold-down: %.1fh since last tier update < %.0fh required, will check again next run",
			elapsed.Hours(), r.minHold.Hours())
	case decision.Blocked:
		for _, reason := range d.Reasons {
			slog.Infof("Scale-down blocked: %s", reason)
		}
	case decision.ScaleDown:
		slog.Infof("All checks passed, selecting shard for scale-down to %s", cluster.BaseTier)
	}

	return sr
}

func (r *Runner) collectSample(ctx context.Context, clusterName string, shardIndex int,
	processes *[]atlas.Process, processesFetched *bool, slog *logrus.Entry) (metrics.Sample, error) {

	if !*processesFetched {
		list, err := r.api.ListProcesses(ctx)
		if err != nil {
			return metrics.Sample{}, fmt.Errorf("could not list project processes: %w", err)
		}
		*processes = list
		*processesFetched = true
	}

	primary, err := primaryProcessForShard(*processes, clusterName, shardIndex)
	if err != nil {
		return metrics.Sample{}, err
	}

	slog.Debugf("Fetching metrics for process %s", primary.ID)
	sample, err := r.metrics.Collect(ctx, primary.ID)
	if err != nil {
		return metrics.Sample{}, err
	}
	return sample, nil
}

// autoscaleBounds verifies that both configured tiers lie within the
// shard's live autoscale floor/ceiling. Downgrading below the floor would
// fight the Atlas autoscaler.
func autoscaleBounds(desc *atlas.ClusterDescription, shardIndex int, baseTier, scaleUpTier string) (bool, []string) {
	limits, ok := desc.Autoscale(shardIndex)
	if !ok {
		return false, []string{fmt.Sprintf("no autoscale compute config for shard %d", shardIndex)}
	}

	minOrd := tiers.Ordinal(limits.MinInstanceSize)
	maxOrd := tiers.Ordinal(limits.MaxInstanceSize)

	var reasons []string
	if ord := tiers.Ordinal(baseTier); ord < minOrd || ord > maxOrd {
		reasons = append(reasons, fmt.Sprintf("baseTier %s outside autoscale limits [%s, %s]",
			baseTier, limits.MinInstanceSize, limits.MaxInstanceSize))
	}
	if ord := tiers.Ordinal(scaleUpTier); ord < minOrd || ord > maxOrd {
		reasons = append(reasons, fmt.Sprintf("scaleUpTier %s outside autoscale limits [%s, %s]",
			scaleUpTier, limits.MinInstanceSize, limits.MaxInstanceSize))
	}
	return len(reasons) == 0, reasons
}
