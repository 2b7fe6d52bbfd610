// Package scaleup forces every tracked shard up to its configured
// scaleUpTier ahead of anticipated load, the inverse of the monitoring
// pass. No metrics are consulted: the operator asking for capacity is
// the signal.
package scaleup

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
	"github.com/atlasops/atlas-descaler/pkg/batch"
	"github.com/atlasops/atlas-descaler/pkg/state"
)

// ClusterAPI is the slice of the Atlas client needed for scale-up.
type ClusterAPI interface {
	GetCluster(ctx context.Context, clusterName string) (*atlas.ClusterDescription, error)
	UpdateCluster(ctx context.Context, clusterName string, payload map[string]any) error
}

// Runner scales every tracked shard that sits at its baseTier up to the
// cluster's scaleUpTier, one batched mutation per cluster.
type Runner struct {
	api    ClusterAPI
	store  *state.Store
	logger *logrus.Logger

	now func() time.Time
}

// NewRunner creates a scale-up runner over the tracked clusters.
func NewRunner(api ClusterAPI, store *state.Store, logger *logrus.Logger) *Runner {
	return &Runner{
		api:    api,
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// ClusterResult captures one cluster's scale-up outcome.
type ClusterResult struct {
	ClusterName string `yaml:"clusterName"`
	ScaleUpTier string `yaml:"scaleUpTier"`
	ScaledUp    []int  `yaml:"scaledUp,omitempty"`
	AlreadyUp   []int  `yaml:"alreadyUp,omitempty"`
	Skipped     []int  `yaml:"skipped,omitempty"`
	Error       string `yaml:"error,omitempty"`
}

// Result aggregates the whole scale-up pass.
type Result struct {
	Clusters []ClusterResult `yaml:"clusters"`
}

// Failed reports whether any cluster's scale-up did not go through.
func (r *Result) Failed() bool {
	for _, c := range r.Clusters {
		if c.Error != "" {
			return true
		}
	}
	return false
}

// Run scales up every tracked cluster. Per-cluster failures are recorded
// in the result rather than aborting the pass; only a state write-back
// failure is returned as an error.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	result := &Result{}
	clusters := r.store.Clusters()
	r.logger.Infof("Starting scale-up pass over %d cluster(s)", len(clusters))

	for _, cluster := range clusters {
		result.Clusters = append(result.Clusters, r.runCluster(ctx, cluster))
	}

	if err := r.store.Save(); err != nil {
		return result, fmt.Errorf("failed to persist shard tracking state: %w", err)
	}
	return result, nil
}

func (r *Runner) runCluster(ctx context.Context, cluster *state.ClusterSpec) ClusterResult {
	cr := ClusterResult{ClusterName: cluster.ClusterName, ScaleUpTier: cluster.ScaleUpTier}
	log := r.logger.WithField("cluster", cluster.ClusterName)
	log.Infof("Scaling up to %s", cluster.ScaleUpTier)

	desc, err := r.api.GetCluster(ctx, cluster.ClusterName)
	if err != nil {
		cr.Error = err.Error()
		log.Errorf("Skipping cluster, could not fetch description: %v", err)
		return cr
	}

	var targets []batch.Target
	var targetShards []*state.ShardTracking

	for i := range cluster.Shards {
		shard := &cluster.Shards[i]
		slog := log.WithField("shard", shard.ShardIndex)

		liveTier, ok := desc.ShardTier(shard.ShardIndex)
		if !ok {
			cr.Skipped = append(cr.Skipped, shard.ShardIndex)
			slog.Warnf("Tracked shard %d has no corresponding replica set in the live topology, skipping", shard.ShardIndex)
			continue
		}

		switch liveTier {
		case cluster.ScaleUpTier:
			cr.AlreadyUp = append(cr.AlreadyUp, shard.ShardIndex)
			slog.Infof("Already at %s", cluster.ScaleUpTier)
		case cluster.BaseTier:
			targets = append(targets, batch.Target{
				ShardIndex: shard.ShardIndex,
				DiskSizeGB: desc.ShardDiskSizeGB(shard.ShardIndex),
			})
			targetShards = append(targetShards, shard)
		default:
			cr.Skipped = append(cr.Skipped, shard.ShardIndex)
			slog.Warnf("Shard is at %s, neither baseTier %s nor scaleUpTier %s, skipping",
				liveTier, cluster.BaseTier, cluster.ScaleUpTier)
		}
	}

	if len(targets) == 0 {
		log.Info("No shards need scaling up")
		return cr
	}

	log.Infof("Scaling up %d shard(s) to %s in a single request", len(targets), cluster.ScaleUpTier)
	payload, err := batch.Compose(desc, targets, cluster.ScaleUpTier)
	if err != nil {
		cr.Error = fmt.Sprintf("batch composition failed: %v", err)
		log.Errorf("Batch composition failed, no mutation issued: %v", err)
		return cr
	}

	if err := r.api.UpdateCluster(ctx, cluster.ClusterName, payload); err != nil {
		cr.Error = fmt.Sprintf("mutation rejected: %v", err)
		log.Errorf("Cluster update rejected: %v", err)
		return cr
	}

	submittedAt := r.now()
	for _, shard := range targetShards {
		shard.Touch(submittedAt)
		cr.ScaledUp = append(cr.ScaledUp, shard.ShardIndex)
	}
	r.store.MarkDirty()
	if err := r.store.Save(); err != nil {
		log.Errorf("Failed to persist timestamps after scale-up: %v", err)
	}

	log.Infof("Scaled up %d shard(s) to %s", len(targetShards), cluster.ScaleUpTier)
	return cr
}
