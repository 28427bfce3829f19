package backup_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/protocol-yield-orchestrator/internal/backup"
)

func TestNewReturnsNilWhenBucketUnset(t *testing.T) {
	exporter, err := backup.New(context.Background(), nil, backup.Config{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Nil(t, exporter)
}
