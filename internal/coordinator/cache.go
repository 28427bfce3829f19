package coordinator

import (
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/protocol-yield-orchestrator/internal/domain"
)

// SnapshotCache persists the coordinator's in-memory ring to disk as a
// single msgpack-encoded file, so a restart warms the dashboard and
// optimizer confidence calculations instead of starting from an empty
// history.
type SnapshotCache struct {
	path string
}

// NewSnapshotCache returns a cache rooted at path. path's parent directory
// must already exist; the file itself is created on first Save.
func NewSnapshotCache(path string) *SnapshotCache {
	return &SnapshotCache{path: path}
}

// Save encodes snapshots and atomically replaces the cache file.
func (c *SnapshotCache) Save(snapshots []domain.AggregatedMetrics) error {
	data, err := msgpack.Marshal(snapshots)
	if err != nil {
		return &domain.DataError{Operation: "snapshot cache encode", Cause: err}
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &domain.DataError{Operation: "snapshot cache write", Cause: err}
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return &domain.DataError{Operation: "snapshot cache rename", Cause: err}
	}
	return nil
}

// Load decodes the cache file. A missing file is not an error — it simply
// yields an empty history, which is the expected state on first run.
func (c *SnapshotCache) Load() ([]domain.AggregatedMetrics, error) {
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.DataError{Operation: "snapshot cache read", Cause: err}
	}
	var snapshots []domain.AggregatedMetrics
	if err := msgpack.Unmarshal(data, &snapshots); err != nil {
		return nil, &domain.DataError{Operation: "snapshot cache decode", Cause: err}
	}
	return snapshots, nil
}
