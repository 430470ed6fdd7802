// Package simengine implements transfer.Engine by pretending to copy a
// fixed byte volume over a fixed duration, for tests and
// BKSD_TRANSFER_ENGINE=simulated.
package simengine

import (
	"context"
	"os"
	"time"

	"github.com/bksd/bksd/internal/transfer"
)

const defaultTickInterval = 50 * time.Millisecond

// Engine is the Simulated Engine. TotalBytes and Duration are fixed per
// instance; Ticks controls how many intermediate progress ticks are
// emitted between 0 and TotalBytes.
type Engine struct {
	TotalBytes uint64
	Duration   time.Duration
	Ticks      int
}

// New returns a simulated engine with reasonable test defaults.
func New() *Engine {
	return &Engine{TotalBytes: 10 * 1024 * 1024, Duration: 500 * time.Millisecond, Ticks: 10}
}

func (e *Engine) Name() string { return "simulated" }

func (e *Engine) Transfer(ctx context.Context, _, destDir string, sink transfer.Sink) (transfer.Summary, error) {
	start := time.Now()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return transfer.Summary{}, transfer.Errorf("create destination directory: %v", err)
	}

	ticks := e.Ticks
	if ticks <= 0 {
		ticks = 1
	}
	interval := e.Duration / time.Duration(ticks)
	if interval <= 0 {
		interval = defaultTickInterval
	}

	for i := 1; i <= ticks; i++ {
		select {
		case <-ctx.Done():
			return transfer.Summary{}, transfer.Errorf("transfer aborted: %v", ctx.Err())
		case <-time.After(interval):
		}
		copied := e.TotalBytes * uint64(i) / uint64(ticks)
		pct := i * 100 / ticks
		sink(transfer.Tick{
			BytesCopied: copied,
			TotalBytes:  e.TotalBytes,
			CurrentFile: "simulated-payload.bin",
			Percentage:  pct,
		})
	}

	return transfer.Summary{TotalBytes: e.TotalBytes, Duration: time.Since(start)}, nil
}
