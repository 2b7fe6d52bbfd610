package state

import (
	"time"
)

// staleAfter is the freshness horizon: a recorded tier update older than
// this is treated as a leftover from a previous escalation, meaning the
// shard was scaled up again since and the timestamp must be re-recorded
// before any scale-down is considered.
const staleAfter = 24 * time.Hour

// ClusterSpec is one tracked cluster: the two tiers Atlas oscillates
// between and the per-shard tracking entries.
type ClusterSpec struct {
	ClusterName string          `json:"clusterName"`
	BaseTier    string          `json:"baseTier"`
	ScaleUpTier string          `json:"scaleUpTier"`
	Shards      []ShardTracking `json:"shards"`
}

// ShardTracking holds the persisted per-shard memory of this tool: the
// time of the last observed tier change, RFC 3339 with an explicit UTC
// offset once set, empty before the first escalation is seen.
type ShardTracking struct {
	ShardIndex     int    `json:"shardIndex"`
	LastTierUpdate string `json:"lastTierUpdate,omitempty"`
}

// Age classifies how old a shard's recorded tier update is.
type Age int

const (
	// AgeStale means the timestamp is absent, malformed, or past the
	// freshness horizon. Stale triggers the record-new-escalation path,
	// never an immediate scale-down.
	AgeStale Age = iota
	// AgeFresh means the timestamp parsed and is within the horizon.
	AgeFresh
)

func (a Age) String() string {
	if a == AgeFresh {
		return "fresh"
	}
	return "stale"
}

// ParseTimestamp parses a recorded lastTierUpdate value. It accepts
// RFC 3339 as written by Touch and the trailing-Z form. A malformed value
// returns ok=false rather than an error: the caller degrades it to stale.
func ParseTimestamp(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		ts, err = time.Parse(time.RFC3339, value)
	}
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// ClassifyAge classifies a recorded lastTierUpdate against now and, for a
// fresh timestamp, returns the elapsed time since it was recorded.
func ClassifyAge(lastTierUpdate string, now time.Time) (Age, time.Duration) {
	ts, ok := ParseTimestamp(lastTierUpdate)
	if !ok {
		return AgeStale, 0
	}
	elapsed := now.Sub(ts)
	if elapsed >= staleAfter {
		return AgeStale, elapsed
	}
	return AgeFresh, elapsed
}

// Touch records now as the shard's last tier update, in UTC with an
// explicit offset.
func (s *ShardTracking) Touch(now time.Time) {
	s.LastTierUpdate = now.UTC().Format(time.RFC3339Nano)
}

// Shard returns the tracking entry for a shard index, or nil if the shard
// is not tracked for this cluster.
func (c *ClusterSpec) Shard(index int) *ShardTracking {
	for i := range c.Shards {
		if c.Shards[i].ShardIndex == index {
			return &c.Shards[i]
		}
	}
	return nil
}
