package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, env := range []string{
		EnvBackupDirectory, EnvMountBase, EnvTransferEngine, EnvRetryAttempts,
		EnvSimulation, EnvVerbose, EnvRPCEnabled, EnvRPCBind, EnvVerifyTransfers,
	} {
		t.Setenv(env, "")
	}
}

func TestLoadRequiresBackupDirectory(t *testing.T) {
	clearEnv(t)
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvBackupDirectory)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackupDirectory, "/backups")

	v, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/backups", v.BackupDirectory)
	assert.Equal(t, DefaultMountBase, v.MountBase)
	assert.Equal(t, EngineRsync, v.TransferEngine)
	assert.Equal(t, DefaultRetryAttempts, v.RetryAttempts)
	assert.False(t, v.Simulation)
	assert.False(t, v.Verbose)
	assert.True(t, v.RPCEnabled)
	assert.Equal(t, DefaultRPCBind, v.RPCBind)
	assert.True(t, v.VerifyTransfers)
}

func TestLoadRejectsUnknownTransferEngine(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackupDirectory, "/backups")
	t.Setenv(EnvTransferEngine, "bogus")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvTransferEngine)
}

func TestLoadRejectsNegativeRetryAttempts(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackupDirectory, "/backups")
	t.Setenv(EnvRetryAttempts, "-1")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvRetryAttempts)
}

func TestLoadOverridesAllFields(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackupDirectory, "/backups")
	t.Setenv(EnvMountBase, "/mnt/bksd")
	t.Setenv(EnvTransferEngine, EngineSimulated)
	t.Setenv(EnvRetryAttempts, "5")
	t.Setenv(EnvSimulation, "true")
	t.Setenv(EnvVerbose, "true")
	t.Setenv(EnvRPCEnabled, "false")
	t.Setenv(EnvRPCBind, "0.0.0.0:9000")
	t.Setenv(EnvVerifyTransfers, "false")

	v, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/mnt/bksd", v.MountBase)
	assert.Equal(t, EngineSimulated, v.TransferEngine)
	assert.Equal(t, 5, v.RetryAttempts)
	assert.True(t, v.Simulation)
	assert.True(t, v.Verbose)
	assert.False(t, v.RPCEnabled)
	assert.Equal(t, "0.0.0.0:9000", v.RPCBind)
	assert.False(t, v.VerifyTransfers)
}

func TestLoadInvalidBoolFallsBackToDefault(t *testing.T) {
	clearEnv(t)
	t.Setenv(EnvBackupDirectory, "/backups")
	t.Setenv(EnvSimulation, "not-a-bool")

	v, err := Load()
	require.NoError(t, err)
	assert.False(t, v.Simulation)
}

func TestInstanceAccessorsMatchValues(t *testing.T) {
	v := Values{
		BackupDirectory: "/backups",
		MountBase:       "/run/bksd",
		TransferEngine:  EngineRsync,
		RetryAttempts:   3,
		Simulation:      true,
		Verbose:         true,
		RPCEnabled:      true,
		RPCBind:         "127.0.0.1:9847",
		VerifyTransfers: true,
	}
	inst := NewInstance(v)

	assert.Equal(t, v.BackupDirectory, inst.BackupDirectory())
	assert.Equal(t, v.MountBase, inst.MountBase())
	assert.Equal(t, v.TransferEngine, inst.TransferEngine())
	assert.Equal(t, v.RetryAttempts, inst.RetryAttempts())
	assert.Equal(t, v.Simulation, inst.Simulation())
	assert.Equal(t, v.Verbose, inst.Verbose())
	assert.Equal(t, v.RPCEnabled, inst.RPCEnabled())
	assert.Equal(t, v.RPCBind, inst.RPCBind())
	assert.Equal(t, v.VerifyTransfers, inst.VerifyTransfers())
}
