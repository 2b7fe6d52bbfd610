package batch

import (
	"errors"
	"fmt"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
)

// ErrShardIndexOutOfRange aborts a cluster's whole batch: a target index
// with no corresponding live replication spec means the tracked topology
// and the live topology disagree, and guessing is not an option.
var ErrShardIndexOutOfRange = errors.New("shard index out of range of live topology")

// ErrTopologyMismatch aborts the batch when the replication spec count
// changes during composition; submitting such a payload would drop shards.
var ErrTopologyMismatch = errors.New("replication spec count mismatch in update payload")

const (
	defaultNodeCount  = 3
	defaultVolumeType = "STANDARD"
)

// readOnlyFields are the top-level cluster document fields Atlas rejects
// in an update payload.
var readOnlyFields = []string{
	"id", "mongoURI", "connectionStrings", "stateName", "createDate", "updateDate",
	"links", "groupId", "replicationSpec", "mongoURIUpdated", "mongoURIWithOptions",
	"srvAddress", "mongoDBVersion", "numShards", "name", "mongoDBMajorVersion",
	"providerBackupEnabled", "pitEnabled", "backupEnabled", "clusterType",
	"replicationFactor", "rootCertType", "terminationProtectionEnabled",
	"versionReleaseSystem", "diskWarmingMode", "encryptionAtRestProvider",
	"globalClusterSelfManagedSharding", "labels", "biConnector",
	"customOpensslCipherConfigTls13", "minimumEnabledTlsProtocol", "tlsCipherConfigMode",
}

// legacyRegionKeys are the sub-documents carried over when a legacy
// regionsConfig map is normalized into a regionConfigs array.
var legacyRegionKeys = []string{"electableSpecs", "analyticsSpecs", "readOnlySpecs", "autoScaling"}

// Target selects one shard for the batched tier change, with its current
// disk size so the mutation preserves it.
type Target struct {
	ShardIndex int
	DiskSizeGB float64
}

// Compose turns a live cluster description and a set of target shards
// into one PATCH payload that moves the targets to targetTier and carries
// every other shard and every untouched field forward unchanged. Autoscale
// settings are deliberately left as configured in Atlas.
func Compose(desc *atlas.ClusterDescription, targets []Target, targetTier string) (map[string]any, error) {
	payload, err := desc.Copy()
	if err != nil {
		return nil, err
	}
	originalCount := desc.ShardCount()

	for _, field := range readOnlyFields {
		delete(payload, field)
	}

	providerName := providerName(desc.Raw())
	delete(payload, "autoScaling")
	delete(payload, "providerSettings")
	delete(payload, "diskSizeGB")

	specs, _ := payload["replicationSpecs"].([]any)
	if len(specs) != originalCount {
		return nil, fmt.Errorf("%w: live %d, payload %d", ErrTopologyMismatch, originalCount, len(specs))
	}

	for _, s := range specs {
		spec, ok := s.(map[string]any)
		if !ok {
			continue
		}
		delete(spec, "id")
		delete(spec, "numShards")
		delete(spec, "zoneName")
		normalizeLegacyRegions(spec, providerName)
	}

	for _, target := range targets {
		if target.ShardIndex < 0 || target.ShardIndex >= len(specs) {
			return nil, fmt.Errorf("%w: shard %d, %d replication specs", ErrShardIndexOutOfRange, target.ShardIndex, len(specs))
		}
		regionConfig, ok := atlas.RegionConfig(payload, target.ShardIndex)
		if !ok {
			return nil, fmt.Errorf("no region config for shard %d", target.ShardIndex)
		}
		electable, ok := regionConfig["electableSpecs"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("no electableSpecs for shard %d", target.ShardIndex)
		}
		electable["instanceSize"] = targetTier
		electable["nodeCount"] = defaultNodeCount
		electable["diskSizeGB"] = int(target.DiskSizeGB)
		electable["ebsVolumeType"] = defaultVolumeType
		delete(electable, "diskIOPS")
	}

	final, _ := payload["replicationSpecs"].([]any)
	if len(final) != originalCount {
		return nil, fmt.Errorf("%w: live %d, final payload %d", ErrTopologyMismatch, originalCount, len(final))
	}

	return payload, nil
}

// normalizeLegacyRegions rewrites a legacy regionsConfig map (keyed by
// region name) into the regionConfigs array form the v2 API expects.
// Documents already in the new form are left alone.
func normalizeLegacyRegions(spec map[string]any, providerName string) {
	if _, ok := spec["regionConfigs"]; ok {
		return
	}
	regions, ok := spec["regionsConfig"].(map[string]any)
	if !ok {
		return
	}
	delete(spec, "regionsConfig")

	// Sorted region names keep regionConfigs[0] the same region the
	// description accessors resolved
	configs := make([]any, 0, len(regions))
	for _, regionName := range atlas.SortedKeys(regions) {
		region, ok := regions[regionName].(map[string]any)
		if !ok {
			continue
		}
		config := map[string]any{
			"priority":     priorityOf(region),
			"regionName":   regionName,
			"providerName": providerName,
		}
		for _, key := range legacyRegionKeys {
			if sub, ok := region[key]; ok {
				config[key] = sub
			}
		}
		configs = append(configs, config)
	}
	spec["regionConfigs"] = configs
}

func priorityOf(region map[string]any) any {
	if p, ok := region["priority"]; ok {
		return p
	}
	return 7
}

func providerName(doc map[string]any) string {
	if settings, ok := doc["providerSettings"].(map[string]any); ok {
		if name, ok := settings["providerName"].(string); ok && name != "" {
			return name
		}
	}
	return "AWS"
}
