//go:build linux

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/config"
	"github.com/bksd/bksd/internal/hwadapter"
	"github.com/bksd/bksd/internal/hwadapter/linuxadapter"
	"github.com/bksd/bksd/internal/hwadapter/simadapter"
	"github.com/bksd/bksd/internal/logging"
	"github.com/bksd/bksd/internal/orchestrator"
	"github.com/bksd/bksd/internal/pidfile"
	"github.com/bksd/bksd/internal/progress"
	"github.com/bksd/bksd/internal/rpcserver"
	"github.com/bksd/bksd/internal/store"
	"github.com/bksd/bksd/internal/transfer"
	"github.com/bksd/bksd/internal/transfer/rsyncengine"
	"github.com/bksd/bksd/internal/transfer/simengine"
)

const (
	stateDir = "/var/lib/bksd"
	logDir   = "/var/log/bksd"
	pidPath  = "/run/bksd.pid"
)

func main() {
	os.Exit(run())
}

func run() int {
	if os.Geteuid() != 0 {
		_, _ = fmt.Fprintf(os.Stderr, "bksd must be run as root\n")
		return 1
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "configuration error: %s\n", err)
		return 1
	}
	inst := config.NewInstance(cfg)

	if err := logging.Init(logDir, inst.Verbose(), false); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logging: %s\n", err)
		return 1
	}

	if err := pidfile.Create(pidPath); err != nil {
		log.Error().Err(err).Msg("failed to acquire pid file")
		return 1
	}
	defer func() {
		if err := pidfile.Remove(pidPath); err != nil {
			log.Error().Err(err).Msg("failed to remove pid file")
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	adapter, err := buildAdapter(inst)
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize hardware adapter")
		return 2
	}

	if err := os.MkdirAll(stateDir, 0o750); err != nil {
		log.Error().Err(err).Msg("failed to create state directory")
		return 3
	}
	st, err := store.Open(filepath.Join(stateDir, "bksd.db"))
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize persistence")
		return 3
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close persistence")
		}
	}()

	tracker := progress.New()

	orch := orchestrator.New(adapter, st, tracker, buildEngineFactory(inst), orchestrator.Config{
		BackupRoot:    inst.BackupDirectory(),
		RetryAttempts: inst.RetryAttempts(),
		RetryBackoff:  config.DefaultRetryBackoffMin,
		VerifyEnabled: inst.VerifyTransfers(),
		ShutdownGrace: config.DefaultShutdownGrace,
		TransferAbort: config.DefaultTransferAbort,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErrs := make(chan error, 1)
	go func() {
		runErrs <- orch.Run(ctx)
	}()

	var rpc *rpcserver.Server
	if inst.RPCEnabled() {
		rpc = rpcserver.New(st, tracker, rpcserver.Options{
			Bind:       inst.RPCBind(),
			Simulation: inst.Simulation(),
			Deadline:   config.DefaultRPCDeadline,
			ActiveJobs: orch.ActiveJobCount,
		})
		go func() {
			if err := rpc.ListenAndServe(ctx); err != nil {
				log.Error().Err(err).Msg("rpc server stopped")
			}
		}()
	}

	log.Info().
		Str("backup_directory", inst.BackupDirectory()).
		Str("transfer_engine", inst.TransferEngine()).
		Bool("simulation", inst.Simulation()).
		Msg("bksd started")

	<-sigs
	log.Info().Msg("shutdown signal received")

	// Cancel triggers Run's own Shutdown call; we just wait for it to
	// finish draining in-flight jobs before tearing down storage.
	cancel()

	if err := <-runErrs; err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("orchestrator run loop exited with error")
		return 1
	}

	log.Info().Msg("bksd stopped cleanly")
	return 0
}

func buildAdapter(inst *config.Instance) (hwadapter.Adapter, error) {
	if inst.Simulation() {
		return simadapter.New(filepath.Join(os.TempDir(), "bksd-sim")), nil
	}
	return linuxadapter.New(linuxadapter.Config{MountBase: inst.MountBase()}), nil
}

func buildEngineFactory(inst *config.Instance) orchestrator.EngineFactory {
	switch inst.TransferEngine() {
	case config.EngineSimulated:
		return func() transfer.Engine { return simengine.New() }
	default:
		return func() transfer.Engine { return rsyncengine.New() }
	}
}
