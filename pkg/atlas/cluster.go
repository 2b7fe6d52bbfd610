package atlas

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/Azure/go-autorest/autorest/to"
)

// ClusterDescription is the live v2 cluster document. It is kept as the
// raw decoded JSON so a later PATCH can carry every field forward
// untouched; the typed accessors below read the parts this tool inspects.
type ClusterDescription struct {
	raw map[string]any
}

// NewClusterDescription wraps an already-decoded cluster document.
// Used by tests and by the batch composer's round-trips.
func NewClusterDescription(raw map[string]any) *ClusterDescription {
	return &ClusterDescription{raw: raw}
}

// Raw returns the underlying document. Callers must not mutate it; the
// batch composer works on a deep copy.
func (d *ClusterDescription) Raw() map[string]any {
	return d.raw
}

// Copy returns a deep copy of the raw document via a JSON round-trip.
func (d *ClusterDescription) Copy() (map[string]any, error) {
	data, err := json.Marshal(d.raw)
	if err != nil {
		return nil, fmt.Errorf("failed to copy cluster description: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy cluster description: %w", err)
	}
	return out, nil
}

// ShardCount returns the number of replication specs (one per shard).
func (d *ClusterDescription) ShardCount() int {
	return len(replicationSpecs(d.raw))
}

// ElectableSpecs is the hardware specification of a shard's electable
// nodes as decoded from a region config.
type ElectableSpecs struct {
	InstanceSize  *string  `json:"instanceSize,omitempty"`
	NodeCount     *int     `json:"nodeCount,omitempty"`
	DiskSizeGB    *float64 `json:"diskSizeGB,omitempty"`
	DiskIOPS      *int     `json:"diskIOPS,omitempty"`
	EbsVolumeType *string  `json:"ebsVolumeType,omitempty"`
}

// ComputeAutoscale is the configured autoscale floor and ceiling of a
// shard's region.
type ComputeAutoscale struct {
	MinInstanceSize string
	MaxInstanceSize string
}

// ShardTier returns the effective instance size of a shard, resolved from
// the first region config's effectiveElectableSpecs.
func (d *ClusterDescription) ShardTier(shardIndex int) (string, bool) {
	rc, ok := RegionConfig(d.raw, shardIndex)
	if !ok {
		return "", false
	}
	specs, ok := decodeElectableSpecs(rc, "effectiveElectableSpecs")
	if !ok || specs.InstanceSize == nil {
		return "", false
	}
	return to.String(specs.InstanceSize), true
}

// ShardDiskSizeGB returns the shard's effective disk size, defaulting to
// 80 GB when the live document does not carry one.
func (d *ClusterDescription) ShardDiskSizeGB(shardIndex int) float64 {
	rc, ok := RegionConfig(d.raw, shardIndex)
	if !ok {
		return 80.0
	}
	specs, ok := decodeElectableSpecs(rc, "effectiveElectableSpecs")
	if !ok || specs.DiskSizeGB == nil {
		return 80.0
	}
	return to.Float64(specs.DiskSizeGB)
}

// Autoscale returns the compute autoscale floor/ceiling configured for a
// shard's region, or false when the region or its autoscale compute
// settings are absent or incomplete.
func (d *ClusterDescription) Autoscale(shardIndex int) (ComputeAutoscale, bool) {
	rc, ok := RegionConfig(d.raw, shardIndex)
	if !ok {
		return ComputeAutoscale{}, false
	}
	autoscaling, ok := rc["autoScaling"].(map[string]any)
	if !ok {
		return ComputeAutoscale{}, false
	}
	compute, ok := autoscaling["compute"].(map[string]any)
	if !ok {
		return ComputeAutoscale{}, false
	}
	limits := ComputeAutoscale{
		MinInstanceSize: stringField(compute, "minInstanceSize"),
		MaxInstanceSize: stringField(compute, "maxInstanceSize"),
	}
	if limits.MinInstanceSize == "" || limits.MaxInstanceSize == "" {
		return ComputeAutoscale{}, false
	}
	return limits, true
}

// RegionConfig returns the first region config of a shard's replication
// spec. Legacy documents carry a regionsConfig map keyed by region name
// instead of a regionConfigs array; the first value of the map is used.
func RegionConfig(doc map[string]any, shardIndex int) (map[string]any, bool) {
	specs := replicationSpecs(doc)
	if shardIndex < 0 || shardIndex >= len(specs) {
		return nil, false
	}
	spec, ok := specs[shardIndex].(map[string]any)
	if !ok {
		return nil, false
	}

	if configs, ok := spec["regionConfigs"].([]any); ok && len(configs) > 0 {
		rc, ok := configs[0].(map[string]any)
		return rc, ok
	}

	// Legacy maps are unordered; region names sort so every lookup in a
	// pass resolves the same region.
	if regions, ok := spec["regionsConfig"].(map[string]any); ok {
		for _, name := range SortedKeys(regions) {
			if rc, ok := regions[name].(map[string]any); ok {
				return rc, true
			}
		}
	}
	return nil, false
}

func replicationSpecs(doc map[string]any) []any {
	specs, _ := doc["replicationSpecs"].([]any)
	return specs
}

func decodeElectableSpecs(regionConfig map[string]any, key string) (ElectableSpecs, bool) {
	sub, ok := regionConfig[key].(map[string]any)
	if !ok {
		return ElectableSpecs{}, false
	}
	data, err := json.Marshal(sub)
	if err != nil {
		return ElectableSpecs{}, false
	}
	var specs ElectableSpecs
	if err := json.Unmarshal(data, &specs); err != nil {
		return ElectableSpecs{}, false
	}
	return specs, true
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

// SortedKeys returns a map's keys in sorted order, for deterministic
// iteration over legacy region maps.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
