package simengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bksd/bksd/internal/transfer"
)

func TestTransferEmitsEvenlySpacedTicksAndCompletes(t *testing.T) {
	e := &Engine{TotalBytes: 1000, Duration: 40 * time.Millisecond, Ticks: 4}
	dest := filepath.Join(t.TempDir(), "dest")

	var ticks []transfer.Tick
	summary, err := e.Transfer(context.Background(), "/any/source", dest, func(tk transfer.Tick) {
		ticks = append(ticks, tk)
	})
	require.NoError(t, err)
	require.Len(t, ticks, 4)
	assert.Equal(t, uint64(1000), ticks[3].BytesCopied)
	assert.Equal(t, 100, ticks[3].Percentage)
	assert.Equal(t, uint64(1000), summary.TotalBytes)

	assert.DirExists(t, dest)
}

func TestTransferAbortsOnContextCancel(t *testing.T) {
	e := &Engine{TotalBytes: 1000, Duration: time.Second, Ticks: 100}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Transfer(ctx, "/any/source", filepath.Join(t.TempDir(), "dest"), func(transfer.Tick) {})
	require.Error(t, err)
}

func TestNameIsSimulated(t *testing.T) {
	assert.Equal(t, "simulated", New().Name())
}
