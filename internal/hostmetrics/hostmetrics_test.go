package hostmetrics_test

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/protocol-yield-orchestrator/internal/hostmetrics"
)

func TestReadReturnsNonNegativePercentages(t *testing.T) {
	r := hostmetrics.NewReader("/", zerolog.Nop())
	stats := r.Read()

	assert.GreaterOrEqual(t, stats.CPUPercent, 0.0)
	assert.GreaterOrEqual(t, stats.MemoryPercent, 0.0)
	assert.GreaterOrEqual(t, stats.StoragePercent, 0.0)
}

func TestNewReaderDefaultsEmptyPathToRoot(t *testing.T) {
	r := hostmetrics.NewReader("", zerolog.Nop())
	assert.NotPanics(t, func() { r.Read() })
}
