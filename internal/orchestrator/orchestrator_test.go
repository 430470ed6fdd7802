package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bksd/bksd/internal/bkerr"
	"github.com/bksd/bksd/internal/device"
	"github.com/bksd/bksd/internal/progress"
	"github.com/bksd/bksd/internal/status"
	"github.com/bksd/bksd/internal/store"
	"github.com/bksd/bksd/internal/transfer"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "bksd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fakeEngine fails its first failTimes calls, then creates destDir and
// succeeds. A canceled ctx is reported back via Transfer's error so
// runTransferWithRetry can decide whether to retry.
type fakeEngine struct {
	name      string
	failTimes int
	calls     int
	block     chan struct{} // if set, Transfer waits on this (or ctx.Done) before returning
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Transfer(ctx context.Context, _, destDir string, _ transfer.Sink) (transfer.Summary, error) {
	f.calls++
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return transfer.Summary{}, ctx.Err()
		}
	}
	if f.calls <= f.failTimes {
		return transfer.Summary{}, transfer.Errorf("injected failure on attempt %d", f.calls)
	}
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return transfer.Summary{}, err
	}
	return transfer.Summary{TotalBytes: 1024}, nil
}

func testConfig(backupRoot string) Config {
	return Config{
		BackupRoot:    backupRoot,
		RetryAttempts: 3,
		RetryBackoff:  time.Millisecond,
		VerifyEnabled: false,
		ShutdownGrace: time.Second,
		TransferAbort: time.Second,
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestResolveDestinationSkipsExistingCollisions(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	o := New(nil, s, progress.New(), func() transfer.Engine { return &fakeEngine{name: "fake"} }, testConfig(root))

	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	ctx := context.Background()
	label := "BACKUP-DRIVE"
	base := filepath.Join(root, label)
	stamp := now.Format("2006-01-02") + "_T" + now.Format("1504")

	// occupy suffixes 00 and 01 so resolution must skip both
	require.NoError(t, s.UpsertTarget(ctx, store.Target{UUID: "t1", Label: label, CreatedAt: now}))
	require.NoError(t, s.CreateJob(ctx, store.Job{
		ID: "job-00", TargetID: "t1", CreatedAt: now,
		DestinationPath: filepath.Join(base, fmt.Sprintf("%s_%02d", stamp, 0)),
	}))
	require.NoError(t, s.CreateJob(ctx, store.Job{
		ID: "job-01", TargetID: "t1", CreatedAt: now,
		DestinationPath: filepath.Join(base, fmt.Sprintf("%s_%02d", stamp, 1)),
	}))

	got, err := o.resolveDestination(ctx, label, now)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, fmt.Sprintf("%s_%02d", stamp, 2)), got)
}

func TestResolveDestinationExhaustionReturnsConfigurationError(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	o := New(nil, s, progress.New(), func() transfer.Engine { return &fakeEngine{name: "fake"} }, testConfig(root))

	now := time.Date(2026, 7, 31, 14, 5, 0, 0, time.UTC)
	ctx := context.Background()
	label := "FULL-DRIVE"
	base := filepath.Join(root, label)
	stamp := now.Format("2006-01-02") + "_T" + now.Format("1504")

	require.NoError(t, s.UpsertTarget(ctx, store.Target{UUID: "t1", Label: label, CreatedAt: now}))
	for n := 0; n < maxDestinationCollisionsPerMinute; n++ {
		require.NoError(t, s.CreateJob(ctx, store.Job{
			ID:              fmt.Sprintf("job-%02d", n),
			TargetID:        "t1",
			CreatedAt:       now,
			DestinationPath: filepath.Join(base, fmt.Sprintf("%s_%02d", stamp, n)),
		}))
	}

	_, err := o.resolveDestination(ctx, label, now)
	require.Error(t, err)
	assert.True(t, bkerr.Is(err, bkerr.KindConfiguration))
}

func TestRunTransferWithRetryRecoversFromTransientFailure(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	engine := &fakeEngine{name: "fake", failTimes: 2}
	o := New(nil, s, progress.New(), func() transfer.Engine { return engine }, testConfig(root))

	srcDir := t.TempDir()
	destDir := filepath.Join(t.TempDir(), "dest")

	require.NoError(t, s.UpsertTarget(context.Background(), store.Target{UUID: "t1", Label: "D", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateJob(context.Background(), store.Job{ID: "job-1", TargetID: "t1", DestinationPath: destDir, CreatedAt: time.Now()}))

	summary, err := o.runTransferWithRetry(context.Background(), "job-1", srcDir, destDir)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), summary.TotalBytes)
	assert.Equal(t, 3, engine.calls)
}

func TestRunTransferWithRetryStopsRetryingOnContextCancellation(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	engine := &fakeEngine{name: "fake", block: make(chan struct{})}
	o := New(nil, s, progress.New(), func() transfer.Engine { return engine }, testConfig(root))

	srcDir := t.TempDir()
	destDir := filepath.Join(t.TempDir(), "dest")

	require.NoError(t, s.UpsertTarget(context.Background(), store.Target{UUID: "t1", Label: "D", CreatedAt: time.Now()}))
	require.NoError(t, s.CreateJob(context.Background(), store.Job{ID: "job-1", TargetID: "t1", DestinationPath: destDir, CreatedAt: time.Now()}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already canceled before the transfer even starts

	_, err := o.runTransferWithRetry(ctx, "job-1", srcDir, destDir)
	require.Error(t, err)
	assert.Equal(t, 1, engine.calls, "a canceled context must short-circuit retry via backoff.Permanent")
}

func TestHandleAddedTracksJobUntilTerminalThenRemoves(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	engine := &fakeEngine{name: "fake", block: make(chan struct{})}
	tracker := progress.New()
	o := New(nil, s, tracker, func() transfer.Engine { return engine }, testConfig(root))

	bd := device.BlockDevice{
		UUID:       "uuid-1",
		Label:      "DRIVE",
		DevicePath: "/dev/sdb1",
		MountPoint: t.TempDir(),
		Filesystem: device.FilesystemExt4,
	}

	o.handleAdded(context.Background(), bd)

	// The job must be visible in the tracker as soon as handleAdded returns;
	// the engine is held blocked so the job cannot finish before this check.
	_, ok := tracker.Get(jobIDFor(t, s, "uuid-1"))
	assert.True(t, ok, "job must be tracked immediately after creation")
	close(engine.block)

	waitUntil(t, 2*time.Second, func() bool { return o.ActiveJobCount() == 0 })

	jobID := jobIDFor(t, s, "uuid-1")
	_, tracked := tracker.Get(jobID)
	assert.False(t, tracked, "a completed job must be absent from the tracker")

	detail, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, status.Complete, detail.Latest)
}

func TestDeviceRemovedDuringTransferOverridesFailureMessage(t *testing.T) {
	s := openTestStore(t)
	root := t.TempDir()
	engine := &fakeEngine{name: "fake", block: make(chan struct{})}
	tracker := progress.New()
	o := New(nil, s, tracker, func() transfer.Engine { return engine }, testConfig(root))

	bd := device.BlockDevice{
		UUID:       "uuid-2",
		Label:      "DRIVE2",
		DevicePath: "/dev/sdc1",
		MountPoint: t.TempDir(),
		Filesystem: device.FilesystemExt4,
	}

	o.handleAdded(context.Background(), bd)

	// Give runJob a moment to reach the blocked transfer, then simulate removal.
	waitUntil(t, time.Second, func() bool { return engine.calls >= 1 })
	o.handleRemoved("uuid-2")

	waitUntil(t, 2*time.Second, func() bool { return o.ActiveJobCount() == 0 })

	jobID := jobIDFor(t, s, "uuid-2")
	detail, err := s.GetJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, status.Failed, detail.Latest)
	assert.Equal(t, "device removed", detail.History[len(detail.History)-1].Description)

	_, tracked := tracker.Get(jobID)
	assert.False(t, tracked, "a failed job must be removed from the tracker")
}

func jobIDFor(t *testing.T, s *store.Store, targetUUID string) string {
	t.Helper()
	jobs, err := s.ListJobs(context.Background(), store.ListOptions{Limit: 50})
	require.NoError(t, err)
	for _, j := range jobs {
		if j.TargetID == targetUUID {
			return j.ID
		}
	}
	t.Fatalf("no job found for target %s", targetUUID)
	return ""
}
