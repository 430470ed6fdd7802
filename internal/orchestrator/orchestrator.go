// Package orchestrator implements the event-driven backup orchestrator:
// the state machine that turns hardware add/remove events into durable,
// verified backup jobs.
package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/bkerr"
	"github.com/bksd/bksd/internal/device"
	"github.com/bksd/bksd/internal/hwadapter"
	"github.com/bksd/bksd/internal/ids"
	"github.com/bksd/bksd/internal/ownership"
	"github.com/bksd/bksd/internal/progress"
	"github.com/bksd/bksd/internal/status"
	"github.com/bksd/bksd/internal/store"
	"github.com/bksd/bksd/internal/transfer"
	"github.com/bksd/bksd/internal/verify"
)

const maxDestinationCollisionsPerMinute = 100

// EngineFactory builds a fresh transfer.Engine for a job. A factory rather
// than a shared instance, since engines like rsyncengine hold no state but
// the orchestrator should not assume that of every engine.
type EngineFactory func() transfer.Engine

// Config holds the orchestrator's tunables, loaded from configuration at
// startup and passed by reference — no mutable globals.
type Config struct {
	BackupRoot    string
	RetryAttempts int
	RetryBackoff  time.Duration
	VerifyEnabled bool
	ShutdownGrace time.Duration
	TransferAbort time.Duration
}

// Orchestrator owns job task lifecycle. It is the sole writer of Job and
// JobStatusLog rows during a run.
type Orchestrator struct {
	adapter hwadapter.Adapter
	store   *store.Store
	tracker *progress.Tracker
	engines EngineFactory
	cfg     Config

	destMu sync.Mutex // serializes destination-path collision resolution

	jobsMu sync.Mutex
	jobs   map[string]*jobRun // uuid -> running job

	handle *hwadapter.Handle // set once Run starts the adapter
}

type jobRun struct {
	jobID  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Orchestrator. adapter must not yet be started.
func New(adapter hwadapter.Adapter, st *store.Store, tracker *progress.Tracker, engines EngineFactory, cfg Config) *Orchestrator {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.TransferAbort <= 0 {
		cfg.TransferAbort = 2 * time.Second
	}
	return &Orchestrator{
		adapter: adapter,
		store:   st,
		tracker: tracker,
		engines: engines,
		cfg:     cfg,
		jobs:    make(map[string]*jobRun),
	}
}

// ActiveJobCount reports how many jobs are currently in flight, for the
// RPC server's daemon.status method.
func (o *Orchestrator) ActiveJobCount() int {
	o.jobsMu.Lock()
	defer o.jobsMu.Unlock()
	return len(o.jobs)
}

// Run starts the adapter and processes its event stream until ctx is
// canceled or the adapter's event channel closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	handle, err := o.adapter.Start(ctx)
	if err != nil {
		return bkerr.Wrapf(bkerr.KindAdapterInit, "start hardware adapter: %w", err)
	}
	o.handle = handle

	for {
		select {
		case ev, ok := <-handle.Events:
			if !ok {
				return nil
			}
			switch ev.Kind {
			case device.EventDeviceAdded:
				go o.handleAdded(ctx, ev.Device)
			case device.EventDeviceRemoved:
				o.handleRemoved(ev.UUID)
			}
		case <-ctx.Done():
			o.Shutdown(context.Background())
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) handleAdded(ctx context.Context, bd device.BlockDevice) {
	if bd.Filesystem != device.FilesystemSimulated && !device.Supported(bd.Filesystem) {
		log.Debug().Str("uuid", bd.UUID).Str("filesystem", string(bd.Filesystem)).
			Msg("ignoring device with unsupported filesystem")
		return
	}

	now := time.Now().UTC()
	if err := o.store.UpsertTarget(ctx, store.Target{
		UUID:             bd.UUID,
		Label:            bd.Label,
		CapacityBytes:    bd.CapacityBytes,
		AdapterName:      "hwadapter",
		SourceDevicePath: bd.DevicePath,
		CreatedAt:        now,
	}); err != nil {
		log.Error().Err(err).Str("uuid", bd.UUID).Msg("failed to upsert target")
		return
	}

	destPath, err := o.resolveDestination(ctx, bd.DisplayName(), now)
	if err != nil {
		log.Error().Err(err).Str("uuid", bd.UUID).Msg("failed to resolve destination path")
		return
	}

	jobID := ids.NewJobID()
	if err := o.store.CreateJob(ctx, store.Job{
		ID:              jobID,
		TargetID:        bd.UUID,
		DestinationPath: destPath,
		CreatedAt:       now,
	}); err != nil {
		log.Error().Err(err).Str("uuid", bd.UUID).Msg("failed to create job")
		return
	}

	if err := o.store.AppendStatus(ctx, jobID, status.Ready, "Job created"); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append Ready status")
	}
	o.tracker.Set(jobID, status.MakeReady())

	jobCtx, cancel := context.WithCancel(ctx)
	run := &jobRun{jobID: jobID, cancel: cancel, done: make(chan struct{})}
	o.jobsMu.Lock()
	o.jobs[bd.UUID] = run
	o.jobsMu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			o.jobsMu.Lock()
			delete(o.jobs, bd.UUID)
			o.jobsMu.Unlock()
		}()
		o.runJob(jobCtx, jobID, bd, destPath)
	}()
}

func (o *Orchestrator) handleRemoved(uuid string) {
	o.jobsMu.Lock()
	run, ok := o.jobs[uuid]
	o.jobsMu.Unlock()
	if ok {
		run.cancel()
	}
}

// resolveDestination mints `<backup_root>/<label>/<YYYY-MM-DD>_T<HHMM>_<NN>`,
// resolving collisions under a per-process mutex so concurrent jobs cannot
// race on the _NN suffix.
func (o *Orchestrator) resolveDestination(ctx context.Context, label string, now time.Time) (string, error) {
	o.destMu.Lock()
	defer o.destMu.Unlock()

	base := filepath.Join(o.cfg.BackupRoot, label)
	stamp := now.Format("2006-01-02") + "_T" + now.Format("1504")

	for n := 0; n < maxDestinationCollisionsPerMinute; n++ {
		candidate := filepath.Join(base, fmt.Sprintf("%s_%02d", stamp, n))
		exists, err := o.store.DestinationExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !exists {
			return candidate, nil
		}
	}
	return "", bkerr.Wrapf(bkerr.KindConfiguration,
		"destination path collided %d times for %s within one minute", maxDestinationCollisionsPerMinute, label)
}

// runJob drives one job through transfer, optional verification, and
// finalization. It is the only place a Failed status is produced.
func (o *Orchestrator) runJob(ctx context.Context, jobID string, bd device.BlockDevice, destPath string) {
	start := time.Now()

	summary, err := o.runTransferWithRetry(ctx, jobID, bd.MountPoint, destPath)
	if err != nil {
		o.finishFailed(ctx, jobID, err.Error())
		return
	}

	if err := o.store.AppendStatus(ctx, jobID, status.CopyComplete, ""); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append CopyComplete status")
	}
	o.tracker.Set(jobID, status.MakeCopyComplete())

	engine := o.engines()
	if o.cfg.VerifyEnabled && engine.Name() != "simulated" {
		if err := o.runVerification(ctx, jobID, bd.MountPoint, destPath); err != nil {
			o.finishFailed(ctx, jobID, err.Error())
			return
		}
	}

	if err := o.chownDestination(destPath); err != nil {
		o.finishFailed(ctx, jobID, err.Error())
		return
	}

	if err := o.store.AppendStatus(ctx, jobID, status.Complete,
		fmt.Sprintf("%d bytes in %.1fs", summary.TotalBytes, time.Since(start).Seconds())); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append Complete status")
	}
	o.tracker.Set(jobID, status.MakeComplete(summary.TotalBytes, time.Since(start).Seconds()))
	o.tracker.Remove(jobID)
}

// runTransferWithRetry retries the whole transfer phase up to
// RetryAttempts times with a fixed backoff. A retry re-enters InProgress
// and appends a fresh log row, since job_status_log is append-only.
func (o *Orchestrator) runTransferWithRetry(ctx context.Context, jobID, sourceDir, destDir string) (transfer.Summary, error) {
	attempt := 0
	op := func() (transfer.Summary, error) {
		attempt++
		if attempt > 1 {
			log.Warn().Str("job_id", jobID).Int("attempt", attempt).Msg("retrying transfer phase")
		}

		if err := o.store.AppendStatus(ctx, jobID, status.InProgress, "Transfer started"); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("failed to append InProgress status")
		}
		o.tracker.Set(jobID, status.MakeInProgress(0, 0, "", 0))

		transferCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		sink := func(t transfer.Tick) {
			o.tracker.Set(jobID, status.MakeInProgress(t.TotalBytes, t.BytesCopied, t.CurrentFile, t.Percentage))
		}

		engine := o.engines()
		summary, err := engine.Transfer(transferCtx, sourceDir, destDir, sink)
		if err != nil {
			if ctx.Err() != nil {
				// Device removal or shutdown canceled the parent context;
				// do not retry, the caller already knows why.
				return transfer.Summary{}, backoff.Permanent(err)
			}
			return transfer.Summary{}, bkerr.Wrapf(bkerr.KindTransfer, "transfer failed: %w", err)
		}
		return summary, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(o.cfg.RetryBackoff)),
		backoff.WithMaxTries(uint(o.cfg.RetryAttempts)+1),
	)
}

func (o *Orchestrator) runVerification(ctx context.Context, jobID, sourceDir, destDir string) error {
	total, err := verify.CountEntries(sourceDir)
	if err != nil {
		return bkerr.Wrapf(bkerr.KindVerification, "count entries: %w", err)
	}

	if err := o.store.AppendStatus(ctx, jobID, status.Verifying, fmt.Sprintf("0/%d", total)); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append Verifying status")
	}
	o.tracker.Set(jobID, status.MakeVerifying(0, total))

	sink := func(t verify.Tick) {
		o.tracker.Set(jobID, status.MakeVerifying(t.Current, t.Total))
	}

	result, err := verify.Verify(ctx, sourceDir, destDir, sink)
	if err != nil {
		return bkerr.Wrapf(bkerr.KindVerification, "%w", err)
	}
	if !result.OK() {
		paths := make([]string, len(result.Mismatches))
		for i, m := range result.Mismatches {
			paths[i] = fmt.Sprintf("%s(%s)", m.Path, m.Kind)
		}
		return bkerr.Wrapf(bkerr.KindVerification, "verification: %s", strings.Join(paths, ", "))
	}
	return nil
}

// chownDestination hands a completed backup to SUDO_USER, or to the owner
// of the backup root if SUDO_USER is unset.
func (o *Orchestrator) chownDestination(destPath string) error {
	uid, gid, err := ownership.Resolve(o.cfg.BackupRoot)
	if err != nil {
		return bkerr.Wrapf(bkerr.KindOwnership, "resolve backup owner: %w", err)
	}
	if err := ownership.Chown(destPath, uid, gid); err != nil {
		return bkerr.Wrapf(bkerr.KindOwnership, "chown backup: %w", err)
	}
	return nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, jobID, message string) {
	if ctx.Err() != nil {
		message = "device removed"
	}
	if err := o.store.AppendStatus(context.Background(), jobID, status.Failed, message); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("failed to append Failed status")
	}
	o.tracker.Set(jobID, status.MakeFailed(message))
	o.tracker.Remove(jobID)
}

// Shutdown drains in-flight job tasks for up to the configured grace
// period, then marks stragglers Failed("shutdown") and asks the adapter to
// stop.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.jobsMu.Lock()
	runs := make([]*jobRun, 0, len(o.jobs))
	for _, r := range o.jobs {
		runs = append(runs, r)
	}
	o.jobsMu.Unlock()

	deadline := time.After(o.cfg.ShutdownGrace)
	for _, r := range runs {
		select {
		case <-r.done:
		case <-deadline:
			r.cancel()
		}
	}

	if o.handle != nil {
		o.handle.Cancel()
		select {
		case <-o.handle.Done:
		case <-time.After(o.cfg.ShutdownGrace):
		}
	}
}
