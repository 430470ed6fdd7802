//go:build linux

// Package ownership implements BKSD's post-copy chown step: a completed
// backup is handed to the operator who invoked the daemon via sudo, or to
// the owner of the backup root when no such operator is identifiable.
package ownership

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"syscall"
)

// Resolve determines the uid/gid a backup under root should be chowned
// to: SUDO_USER's primary uid/gid if that environment variable is set,
// otherwise the uid/gid already owning root.
func Resolve(root string) (uid, gid int, err error) {
	if name := os.Getenv("SUDO_USER"); name != "" {
		return resolveSudoUser(name)
	}
	return statOwner(root)
}

func resolveSudoUser(name string) (uid, gid int, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, 0, fmt.Errorf("look up SUDO_USER %q: %w", name, err)
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid for %q: %w", name, err)
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid for %q: %w", name, err)
	}
	return uid, gid, nil
}

func statOwner(path string) (uid, gid int, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("stat %s: %w", path, err)
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("stat %s: platform does not expose uid/gid", path)
	}
	return int(stat.Uid), int(stat.Gid), nil
}

// Chown recursively chowns every entry under dir to uid:gid. Symlinks are
// chowned themselves, never their targets, so a backup containing a link
// to a path outside dir cannot redirect ownership changes elsewhere.
func Chown(dir string, uid, gid int) error {
	return filepath.Walk(dir, func(path string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := os.Lchown(path, uid, gid); err != nil {
			return fmt.Errorf("chown %s: %w", path, err)
		}
		return nil
	})
}
