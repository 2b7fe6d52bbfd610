package monitor

import (
	"fmt"
	"strings"

	"github.com/atlasops/atlas-descaler/pkg/atlas"
)

// primaryProcessForShard maps a shard index onto the project's process
// list. Atlas names replica sets positionally: index 0 corresponds to the
// config/first replica set, index i>0 to the "shard-(i-1)" set. A primary
// is preferred; when none is flagged, the first matching process is used.
func primaryProcessForShard(processes []atlas.Process, clusterName string, shardIndex int) (*atlas.Process, error) {
	clusterID := strings.ReplaceAll(strings.ToLower(clusterName), "cluster", "")

	var candidates []atlas.Process
	for _, p := range processes {
		if !strings.Contains(strings.ToLower(p.Hostname), clusterID) {
			continue
		}

		replicaSet := strings.ToLower(p.ReplicaSetName)
		var matched bool
		if shardIndex == 0 {
			matched = strings.Contains(replicaSet, "config-0") ||
				strings.Contains(replicaSet, "config") ||
				strings.Contains(replicaSet, "shard-0")
		} else {
			matched = strings.Contains(replicaSet, fmt.Sprintf("shard-%d", shardIndex-1))
		}
		if !matched {
			continue
		}

		if p.TypeName == "REPLICA_PRIMARY" || p.TypeName == "SHARD_CONFIG_PRIMARY" {
			p := p
			return &p, nil
		}
		candidates = append(candidates, p)
	}

	if len(candidates) > 0 {
		return &candidates[0], nil
	}
	return nil, fmt.Errorf("no primary process found for cluster %s shard %d", clusterName, shardIndex)
}
