//go:build linux

package ownership

import (
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveFallsBackToBackupRootOwner(t *testing.T) {
	t.Setenv("SUDO_USER", "")
	root := t.TempDir()

	uid, gid, err := Resolve(root)
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	stat := info.Sys().(*syscall.Stat_t)
	assert.Equal(t, int(stat.Uid), uid)
	assert.Equal(t, int(stat.Gid), gid)
}

func TestResolveUsesSudoUserWhenSet(t *testing.T) {
	current, err := user.Current()
	require.NoError(t, err)
	t.Setenv("SUDO_USER", current.Username)

	uid, gid, err := Resolve(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, current.Uid, strconv.Itoa(uid))
	assert.Equal(t, current.Gid, strconv.Itoa(gid))
}

func TestResolveSudoUserUnknownErrors(t *testing.T) {
	t.Setenv("SUDO_USER", "no-such-bksd-test-user")

	_, _, err := Resolve(t.TempDir())
	assert.Error(t, err)
}

func TestChownRecursesThroughTree(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "nested", "file.txt"), []byte("x"), 0o644))

	uid, gid := os.Getuid(), os.Getgid()
	require.NoError(t, Chown(root, uid, gid))

	info, err := os.Stat(filepath.Join(root, "nested", "file.txt"))
	require.NoError(t, err)
	stat := info.Sys().(*syscall.Stat_t)
	assert.Equal(t, uid, int(stat.Uid))
	assert.Equal(t, gid, int(stat.Gid))
}
