//go:build linux

package linuxadapter

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/device"
)

// fallbackDetector watches common mount directories with inotify when
// D-Bus/UDisks2 is unavailable. It can only observe mounts created by
// something else; it never creates or owns a mount itself, since it has no
// UDisks2 properties to size or gate a device by beyond /proc/mounts.
type fallbackDetector struct {
	watcher   *fsnotify.Watcher
	watchDirs []string

	added   chan device.BlockDevice
	removed chan string

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	known map[string]string // uuid -> mount path
}

func newFallbackDetector() (*fallbackDetector, error) {
	dirs := candidateWatchDirs()
	if len(dirs) == 0 {
		return nil, errNoWatchDirs
	}
	return &fallbackDetector{
		watchDirs: dirs,
		added:     make(chan device.BlockDevice, 8),
		removed:   make(chan string, 8),
		stopChan:  make(chan struct{}),
		known:     make(map[string]string),
	}, nil
}

func candidateWatchDirs() []string {
	var dirs []string
	seen := make(map[string]bool)
	add := func(dir string) {
		if dir == "" || seen[dir] {
			return
		}
		if _, err := os.Stat(dir); err != nil {
			return
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}

	if user := os.Getenv("USER"); user != "" {
		add(filepath.Join("/media", user))
		add(filepath.Join("/run/media", user))
	}
	add("/media")
	add("/mnt")
	return dirs
}

func (d *fallbackDetector) start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	d.watcher = watcher

	for _, dir := range d.watchDirs {
		if err := d.watcher.Add(dir); err != nil {
			log.Warn().Err(err).Str("dir", dir).Msg("failed to watch mount directory")
			continue
		}
	}

	d.wg.Add(1)
	go d.loop()
	return nil
}

func (d *fallbackDetector) stop() {
	d.stopOnce.Do(func() {
		close(d.stopChan)
		if d.watcher != nil {
			_ = d.watcher.Close()
		}
		d.wg.Wait()
		close(d.added)
		close(d.removed)
	})
}

func (d *fallbackDetector) forget(uuid string) {
	d.mu.Lock()
	delete(d.known, uuid)
	d.mu.Unlock()
}

func (d *fallbackDetector) loop() {
	defer d.wg.Done()

	debounce := time.NewTimer(0)
	if !debounce.Stop() {
		<-debounce.C
	}
	pending := make(map[string]bool)

	for {
		select {
		case <-d.stopChan:
			debounce.Stop()
			return

		case ev, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			parent := filepath.Dir(ev.Name)
			watched := false
			for _, dir := range d.watchDirs {
				if parent == dir {
					watched = true
					break
				}
			}
			if !watched {
				continue
			}
			pending[ev.Name] = true
			debounce.Reset(100 * time.Millisecond)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("fsnotify error in mount fallback watcher")

		case <-debounce.C:
			for path := range pending {
				d.check(path)
			}
			pending = make(map[string]bool)
		}
	}
}

func (d *fallbackDetector) check(mountPath string) {
	info, err := os.Stat(mountPath)
	if err != nil {
		if os.IsNotExist(err) {
			d.handleRemoval(mountPath)
		}
		return
	}
	if !info.IsDir() {
		return
	}

	devicePath, fsType := mountInfo(mountPath)
	if devicePath == "" {
		return
	}
	fs := device.Filesystem(fsType)
	if !device.Supported(fs) {
		return
	}

	uuid := deviceUUID(devicePath)
	if uuid == "" {
		uuid = devicePath
	}

	d.mu.Lock()
	_, exists := d.known[uuid]
	if !exists {
		d.known[uuid] = mountPath
	}
	d.mu.Unlock()
	if exists {
		return
	}

	bd := device.BlockDevice{
		UUID:       uuid,
		Label:      filepath.Base(mountPath),
		DevicePath: devicePath,
		MountPoint: mountPath,
		Filesystem: fs,
	}

	select {
	case d.added <- bd:
	case <-d.stopChan:
	}
}

func (d *fallbackDetector) handleRemoval(mountPath string) {
	d.mu.Lock()
	var foundUUID string
	for uuid, mp := range d.known {
		if mp == mountPath {
			foundUUID = uuid
			break
		}
	}
	if foundUUID != "" {
		delete(d.known, foundUUID)
	}
	d.mu.Unlock()

	if foundUUID == "" {
		return
	}
	select {
	case d.removed <- foundUUID:
	case <-d.stopChan:
	}
}

var systemFilesystems = map[string]bool{
	"sysfs": true, "proc": true, "devtmpfs": true, "devpts": true, "tmpfs": true,
	"cgroup": true, "cgroup2": true, "pstore": true, "bpf": true, "configfs": true,
	"selinuxfs": true, "debugfs": true, "tracefs": true, "fusectl": true,
	"mqueue": true, "hugetlbfs": true, "autofs": true, "efivarfs": true,
	"binfmt_misc": true, "overlay": true,
}

// mountInfo returns the device node and filesystem type for mountPath, per
// /proc/mounts, or empty strings if it is not a real device mount.
func mountInfo(mountPath string) (devicePath, fsType string) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", ""
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		if fields[1] != mountPath {
			continue
		}
		if systemFilesystems[fields[2]] || !strings.HasPrefix(fields[0], "/dev/") {
			return "", ""
		}
		return fields[0], fields[2]
	}
	return "", ""
}

// deviceUUID resolves devicePath to a stable uuid via /dev/disk/by-uuid.
func deviceUUID(devicePath string) string {
	const byUUID = "/dev/disk/by-uuid"
	entries, err := os.ReadDir(byUUID)
	if err != nil {
		return ""
	}
	for _, entry := range entries {
		target, err := filepath.EvalSymlinks(filepath.Join(byUUID, entry.Name()))
		if err != nil {
			continue
		}
		if target == devicePath {
			return entry.Name()
		}
	}
	return ""
}
