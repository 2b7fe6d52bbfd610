package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Store owns the cluster tracking file: a JSON array of ClusterSpec
// records. It is read once at the start of a run and written back after
// timestamps change. Every loaded entry is written back, including ones
// that failed validation: an invalid entry is skipped by the runners but
// must survive the write-back so the operator can fix it in place.
type Store struct {
	path     string
	clusters []ClusterSpec
	valid    []int
	dirty    bool
}

// Load reads the tracking file at path. Entries missing a cluster name or
// either tier, or whose base and scale-up tiers are equal, are excluded
// from the iteration view with an error in the returned slice of problems
// so the caller can log them; they remain in the persisted set.
func Load(path string) (*Store, []error, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read cluster tracking file %s: %w", path, err)
	}

	var clusters []ClusterSpec
	if err := json.Unmarshal(data, &clusters); err != nil {
		return nil, nil, fmt.Errorf("failed to parse cluster tracking file %s: %w", path, err)
	}

	var problems []error
	var valid []int
	for i, c := range clusters {
		if c.ClusterName == "" || c.BaseTier == "" || c.ScaleUpTier == "" {
			problems = append(problems, fmt.Errorf("cluster %q: missing clusterName, baseTier or scaleUpTier", c.ClusterName))
			continue
		}
		if c.BaseTier == c.ScaleUpTier {
			problems = append(problems, fmt.Errorf("cluster %q: baseTier and scaleUpTier are both %s", c.ClusterName, c.BaseTier))
			continue
		}
		valid = append(valid, i)
	}

	return &Store{path: path, clusters: clusters, valid: valid}, problems, nil
}

// Clusters returns the valid tracked clusters as pointers into the
// backing array: mutations through them are what Save persists.
func (s *Store) Clusters() []*ClusterSpec {
	out := make([]*ClusterSpec, 0, len(s.valid))
	for _, i := range s.valid {
		out = append(out, &s.clusters[i])
	}
	return out
}

// Cluster returns the spec for a valid cluster name, or nil if untracked.
func (s *Store) Cluster(name string) *ClusterSpec {
	for _, i := range s.valid {
		if s.clusters[i].ClusterName == name {
			return &s.clusters[i]
		}
	}
	return nil
}

// MarkDirty flags the store as needing a write-back.
func (s *Store) MarkDirty() {
	s.dirty = true
}

// Dirty reports whether any tracking entry changed since load.
func (s *Store) Dirty() bool {
	return s.dirty
}

// Save writes the tracking file back if anything changed. The write goes
// to a temp file in the same directory and is renamed into place so a
// crash mid-write cannot truncate the previous state.
func (s *Store) Save() error {
	if !s.dirty {
		return nil
	}

	data, err := json.MarshalIndent(s.clusters, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cluster tracking state: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.path), 0o750); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp tracking file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to rename temp tracking file: %w", err)
	}

	s.dirty = false
	return nil
}
