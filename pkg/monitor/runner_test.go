package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
	"github.com/atlasops/atlas-descaler/pkg/metrics"
	"github.com/atlasops/atlas-descaler/pkg/state"
	"github.com/atlasops/atlas-descaler/pkg/tiers"
)

var runNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type clusterUpdate struct {
	clusterName string
	payload     map[string]any
}

type fakeAPI struct {
	descriptions map[string]*atlas.ClusterDescription
	processes    []atlas.Process
	getErr       error
	updateErr    error
	updates      []clusterUpdate
}

func (f *fakeAPI) GetCluster(_ context.Context, clusterName string) (*atlas.ClusterDescription, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	desc, ok := f.descriptions[clusterName]
	if !ok {
		return nil, fmt.Errorf("cluster %s not found", clusterName)
	}
	return desc, nil
}

func (f *fakeAPI) ListProcesses(context.Context) ([]atlas.Process, error) {
	return f.processes, nil
}

func (f *fakeAPI) UpdateCluster(_ context.Context, clusterName string, payload map[string]any) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updates = append(f.updates, clusterUpdate{clusterName, payload})
	return nil
}

type fakeCollector struct {
	sample metrics.Sample
	err    error
}

func (f *fakeCollector) Collect(context.Context, string) (metrics.Sample, error) {
	return f.sample, f.err
}

func description(t *testing.T, shardTiers ...string) *atlas.ClusterDescription {
	t.Helper()
	specs := make([]any, 0, len(shardTiers))
	for _, tier := range shardTiers {
		doc := fmt.Sprintf(`{
			"regionConfigs": [{
				"priority": 7,
				"regionName": "US_EAST_1",
				"providerName": "AWS",
				"electableSpecs": {"instanceSize": %q, "nodeCount": 3, "diskSizeGB": 120},
				"effectiveElectableSpecs": {"instanceSize": %q, "diskSizeGB": 120},
				"autoScaling": {"compute": {"minInstanceSize": "M30", "maxInstanceSize": "M60"}}
			}]
		}`, tier, tier)
		var spec map[string]any
		if err := json.Unmarshal([]byte(doc), &spec); err != nil {
			t.Fatalf("failed to build spec: %v", err)
		}
		specs = append(specs, spec)
	}
	return atlas.NewClusterDescription(map[string]any{
		"id":               "abc",
		"replicationSpecs": specs,
	})
}

func trackingStore(t *testing.T, lastTierUpdate string) (*state.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clusterConfig.json")
	entry := map[string]any{
		"clusterName": "OrdersCluster",
		"baseTier":    "M30",
		"scaleUpTier": "M40",
		"shards":      []map[string]any{{"shardIndex": 0, "lastTierUpdate": lastTierUpdate}},
	}
	data, err := json.Marshal([]any{entry})
	if err != nil {
		t.Fatalf("failed to marshal tracking data: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("failed to write tracking file: %v", err)
	}
	store, problems, err := state.Load(path)
	if err != nil || len(problems) != 0 {
		t.Fatalf("state.Load() = %v, problems %v", err, problems)
	}
	return store, path
}

func testCatalog() *tiers.Catalog {
	return tiers.NewCatalog([]tiers.Spec{
		{Name: "M30", RAMGB: 8, Connections: 3000, IOPS: 3000},
		{Name: "M40", RAMGB: 16, Connections: 6000, IOPS: 3000},
	})
}

func newTestRunner(api *fakeAPI, collector *fakeCollector, store *state.Store) *Runner {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	r := NewRunner(api, collector, testCatalog(), store, 3, logger)
	r.now = func() time.Time { return runNow }
	return r
}

func passingSample() metrics.Sample {
	return metrics.Sample{CPUAvg: 25, MemoryAvgGB: 8, IOPSAvg: 1500, ConnectionsAvg: 1200}
}

func primaryProcesses() []atlas.Process {
	return []atlas.Process{
		{ID: "orders-shard-00-00:27017", Hostname: "orders-shard-00-00.mongodb.net", ReplicaSetName: "atlas-orders-shard-0", TypeName: "REPLICA_PRIMARY"},
	}
}

func shardOutcome(t *testing.T, result *RunResult, cluster string, shard int) ShardResult {
	t.Helper()
	for _, c := range result.Clusters {
		if c.ClusterName != cluster {
			continue
		}
		for _, s := range c.Shards {
			if s.ShardIndex == shard {
				return s
			}
		}
	}
	t.Fatalf("no result for cluster %s shard %d", cluster, shard)
	return ShardResult{}
}

func TestRunShardAtBaseTierIsNoop(t *testing.T) {
	store, _ := trackingStore(t, "")
	api := &fakeAPI{descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M30")}}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := shardOutcome(t, result, "OrdersCluster", 0); got.Outcome != "noop" {
		t.Errorf("outcome = %s, want noop", got.Outcome)
	}
	if len(api.updates) != 0 {
		t.Errorf("issued %d mutations, want 0", len(api.updates))
	}
	if shard := store.Cluster("OrdersCluster").Shard(0); shard.LastTierUpdate != "" {
		t.Errorf("timestamp = %q, want untouched", shard.LastTierUpdate)
	}
}

func TestRunRecordsNewEscalation(t *testing.T) {
	tests := []struct {
		name      string
		timestamp string
	}{
		{"absent timestamp", ""},
		{"36h old timestamp", runNow.Add(-36 * time.Hour).Format(time.RFC3339)},
		{"malformed timestamp", "garbage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, path := trackingStore(t, tt.timestamp)
			api := &fakeAPI{descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")}}
			runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

			result, err := runner.Run(context.Background())
			if err != nil {
				t.Fatalf("Run() error = %v", err)
			}
			if got := shardOutcome(t, result, "OrdersCluster", 0); got.Outcome != "record-escalation" {
				t.Errorf("outcome = %s, want record-escalation", got.Outcome)
			}
			if len(api.updates) != 0 {
				t.Errorf("issued %d mutations, want 0", len(api.updates))
			}

			// The new timestamp must be persisted
			reloaded, _, err := state.Load(path)
			if err != nil {
				t.Fatalf("reload error = %v", err)
			}
			ts, ok := state.ParseTimestamp(reloaded.Cluster("OrdersCluster").Shard(0).LastTierUpdate)
			if !ok || !ts.Equal(runNow) {
				t.Errorf("persisted timestamp = %v ok=%v, want %v", ts, ok, runNow)
			}
		})
	}
}

func TestRunWaitsWithinHoldDown(t *testing.T) {
	store, _ := trackingStore(t, runNow.Add(-2*time.Hour).Format(time.RFC3339))
	api := &fakeAPI{descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")}}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := shardOutcome(t, result, "OrdersCluster", 0); got.Outcome != "wait" {
		t.Errorf("outcome = %s, want wait", got.Outcome)
	}
	if len(api.updates) != 0 {
		t.Errorf("issued %d mutations, want 0", len(api.updates))
	}
}

func TestRunScaleDownFlow(t *testing.T) {
	store, path := trackingStore(t, runNow.Add(-4*time.Hour).Format(time.RFC3339))
	api := &fakeAPI{
		descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")},
		processes:    primaryProcesses(),
	}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := shardOutcome(t, result, "OrdersCluster", 0); got.Outcome != "scale-down" {
		t.Fatalf("outcome = %s (reasons %v), want scale-down", got.Outcome, got.Reasons)
	}
	if result.ScaledDownTotal() != 1 {
		t.Errorf("ScaledDownTotal() = %d, want 1", result.ScaledDownTotal())
	}
	if len(api.updates) != 1 {
		t.Fatalf("issued %d mutations, want exactly 1", len(api.updates))
	}

	electable, ok := atlas.RegionConfig(api.updates[0].payload, 0)
	if !ok {
		t.Fatal("payload has no region config")
	}
	specs := electable["electableSpecs"].(map[string]any)
	if specs["instanceSize"] != "M30" {
		t.Errorf("payload instanceSize = %v, want M30", specs["instanceSize"])
	}

	// Timestamp advanced to submission time and persisted
	reloaded, _, err := state.Load(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	ts, ok := state.ParseTimestamp(reloaded.Cluster("OrdersCluster").Shard(0).LastTierUpdate)
	if !ok || !ts.Equal(runNow) {
		t.Errorf("persisted timestamp = %v, want %v", ts, runNow)
	}
}

func TestRunSecondPassAfterScaleDownIsQuiet(t *testing.T) {
	store, _ := trackingStore(t, runNow.Add(-4*time.Hour).Format(time.RFC3339))
	api := &fakeAPI{
		descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")},
		processes:    primaryProcesses(),
	}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	if _, err := runner.Run(context.Background()); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}

	// The live tier has not changed yet (Atlas applies asynchronously);
	// the freshly recorded timestamp must keep the second pass quiet
	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if got := shardOutcome(t, result, "OrdersCluster", 0); got.Outcome != "wait" {
		t.Errorf("second pass outcome = %s, want wait", got.Outcome)
	}
	if len(api.updates) != 1 {
		t.Errorf("issued %d mutations total, want 1", len(api.updates))
	}
}

func TestRunMutationFailureLeavesTimestamps(t *testing.T) {
	previous := runNow.Add(-4 * time.Hour).Format(time.RFC3339)
	store, path := trackingStore(t, previous)
	api := &fakeAPI{
		descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")},
		processes:    primaryProcesses(),
		updateErr:    fmt.Errorf("PATCH returned 409: conflict"),
	}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Clusters[0].Error == "" {
		t.Error("cluster error not recorded for rejected mutation")
	}
	if result.ScaledDownTotal() != 0 {
		t.Errorf("ScaledDownTotal() = %d, want 0", result.ScaledDownTotal())
	}

	reloaded, _, err := state.Load(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	if got := reloaded.Cluster("OrdersCluster").Shard(0).LastTierUpdate; got != previous {
		t.Errorf("timestamp = %q, want untouched %q", got, previous)
	}
}

func TestRunBlockedBySafetyGate(t *testing.T) {
	store, _ := trackingStore(t, runNow.Add(-4*time.Hour).Format(time.RFC3339))
	api := &fakeAPI{
		descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")},
		processes:    primaryProcesses(),
	}
	blocked := passingSample()
	blocked.MemoryAvgGB = 10 // >= 9.6 (60% of M40's 16GB)
	runner := newTestRunner(api, &fakeCollector{sample: blocked}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := shardOutcome(t, result, "OrdersCluster", 0)
	if got.Outcome != "blocked" {
		t.Fatalf("outcome = %s, want blocked", got.Outcome)
	}
	if len(got.Reasons) != 1 {
		t.Errorf("reasons = %v, want single memory reason", got.Reasons)
	}
	if len(api.updates) != 0 {
		t.Errorf("issued %d mutations, want 0", len(api.updates))
	}
}

func TestRunSkipsShardMissingFromTopology(t *testing.T) {
	store, _ := trackingStore(t, "")
	// Track shard 2 on a single-shard cluster
	store.Cluster("OrdersCluster").Shards[0].ShardIndex = 2
	api := &fakeAPI{descriptions: map[string]*atlas.ClusterDescription{"OrdersCluster": description(t, "M40")}}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	got := shardOutcome(t, result, "OrdersCluster", 2)
	if got.Outcome != "skipped" || got.Error == "" {
		t.Errorf("outcome = %+v, want skipped with error", got)
	}
}

func TestRunClusterFetchFailureSkipsCluster(t *testing.T) {
	store, _ := trackingStore(t, "")
	api := &fakeAPI{getErr: fmt.Errorf("GET returned 503")}
	runner := newTestRunner(api, &fakeCollector{sample: passingSample()}, store)

	result, err := runner.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Clusters[0].Error == "" {
		t.Error("cluster error not recorded for fetch failure")
	}
	if len(result.Clusters[0].Shards) != 0 {
		t.Error("shards evaluated despite fetch failure")
	}
}

func TestPrimaryProcessForShard(t *testing.T) {
	processes := []atlas.Process{
		{ID: "cfg", Hostname: "orders-config-00.mongodb.net", ReplicaSetName: "atlas-orders-config-0", TypeName: "SHARD_CONFIG_PRIMARY"},
		{ID: "s0-secondary", Hostname: "orders-shard-00-01.mongodb.net", ReplicaSetName: "atlas-orders-shard-0", TypeName: "REPLICA_SECONDARY"},
		{ID: "s0-primary", Hostname: "orders-shard-00-00.mongodb.net", ReplicaSetName: "atlas-orders-shard-0", TypeName: "REPLICA_PRIMARY"},
		{ID: "other", Hostname: "billing-shard-00-00.mongodb.net", ReplicaSetName: "atlas-billing-shard-0", TypeName: "REPLICA_PRIMARY"},
	}

	t.Run("shard 0 matches config replica set", func(t *testing.T) {
		p, err := primaryProcessForShard(processes, "OrdersCluster", 0)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if p.ID != "cfg" {
			t.Errorf("process = %s, want cfg", p.ID)
		}
	})

	t.Run("shard 1 maps to shard-0 replica set", func(t *testing.T) {
		p, err := primaryProcessForShard(processes, "OrdersCluster", 1)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if p.ID != "s0-primary" {
			t.Errorf("process = %s, want s0-primary", p.ID)
		}
	})

	t.Run("falls back to first candidate without a primary", func(t *testing.T) {
		secondaryOnly := []atlas.Process{
			{ID: "s0-secondary", Hostname: "orders-shard-00-01.mongodb.net", ReplicaSetName: "atlas-orders-shard-0", TypeName: "REPLICA_SECONDARY"},
		}
		p, err := primaryProcessForShard(secondaryOnly, "OrdersCluster", 1)
		if err != nil {
			t.Fatalf("error = %v", err)
		}
		if p.ID != "s0-secondary" {
			t.Errorf("process = %s, want s0-secondary", p.ID)
		}
	})

	t.Run("no match is an error", func(t *testing.T) {
		if _, err := primaryProcessForShard(processes, "OrdersCluster", 5); err == nil {
			t.Error("expected error for unmatched shard")
		}
	})
}
