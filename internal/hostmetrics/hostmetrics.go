// Package hostmetrics reports the operator host's own CPU, memory, and
// disk pressure for the /status endpoint, adapted from the system
// handlers' getSystemStats helper: short sampling windows so a status
// request never blocks for long.
package hostmetrics

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// sampleWindow bounds how long cpu.Percent blocks collecting a sample.
// 100ms keeps a /status call fast while still averaging out spikes.
const sampleWindow = 100 * time.Millisecond

// Stats is a point-in-time reading of host resource pressure.
type Stats struct {
	CPUPercent     float64
	MemoryPercent  float64
	StoragePercent float64
}

// Reader samples host resource usage on demand.
type Reader struct {
	mountPath string
	log       zerolog.Logger
}

// NewReader constructs a Reader that reports disk usage for mountPath
// (the filesystem holding the sqlite databases and snapshot cache).
func NewReader(mountPath string, log zerolog.Logger) *Reader {
	if mountPath == "" {
		mountPath = "/"
	}
	return &Reader{mountPath: mountPath, log: log.With().Str("component", "hostmetrics").Logger()}
}

// Read samples CPU, memory, and disk usage. A failure on any individual
// metric degrades that metric to zero rather than failing the whole
// call — a status endpoint should stay up even when one subsystem can't
// be read.
func (r *Reader) Read() Stats {
	var stats Stats

	cpuPercent, err := cpu.Percent(sampleWindow, false)
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read CPU percentage")
	} else if len(cpuPercent) > 0 {
		stats.CPUPercent = cpuPercent[0]
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to read memory statistics")
	} else {
		stats.MemoryPercent = memStat.UsedPercent
	}

	diskStat, err := disk.Usage(r.mountPath)
	if err != nil {
		r.log.Warn().Err(err).Str("path", r.mountPath).Msg("failed to read disk usage")
	} else {
		stats.StoragePercent = diskStat.UsedPercent
	}

	return stats
}
