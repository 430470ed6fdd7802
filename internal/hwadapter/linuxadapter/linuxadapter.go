//go:build linux

// Package linuxadapter implements hwadapter.Adapter for Linux using
// D-Bus/UDisks2 to observe block-device add/remove events, with an
// fsnotify-based fallback when D-Bus is unavailable. It mounts devices it
// discovers under a configured mount base and unmounts them cleanly on
// removal or release.
package linuxadapter

import (
	"bufio"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/bksd/bksd/internal/bkerr"
	"github.com/bksd/bksd/internal/device"
	"github.com/bksd/bksd/internal/hwadapter"
)

const (
	udisks2Service        = "org.freedesktop.UDisks2"
	udisks2Path           = "/org/freedesktop/UDisks2"
	udisks2BlockInterface = "org.freedesktop.UDisks2.Block"
	udisks2FSInterface    = "org.freedesktop.UDisks2.Filesystem"
	dbusObjectManager     = "org.freedesktop.DBus.ObjectManager"

	pollInterval = 500 * time.Millisecond
)

// Config controls mount behavior.
type Config struct {
	// MountBase is the directory under which owned mounts are created,
	// e.g. /run/bksd.
	MountBase string
}

// mountEntry tracks what the adapter knows about one mounted device.
type mountEntry struct {
	mountPoint string
	devicePath string
	owned      bool
}

// Adapter is the Linux Hardware Adapter.
type Adapter struct {
	cfg Config

	mu     sync.Mutex
	mounts map[string]*mountEntry // uuid -> entry
}

// New returns a Linux adapter with the given mount base.
func New(cfg Config) *Adapter {
	if cfg.MountBase == "" {
		cfg.MountBase = "/run/bksd"
	}
	return &Adapter{cfg: cfg, mounts: make(map[string]*mountEntry)}
}

// rawEvent is the plain, owned data forwarded off the dedicated D-Bus
// poller thread. It carries no dbus types so the processor goroutine never
// touches the connection from a different thread.
type rawEvent struct {
	added      bool
	objectPath string
	blockProps map[string]dbus.Variant
	removedIDs []string // only set on InterfacesRemoved
}

func (a *Adapter) Start(ctx context.Context) (*hwadapter.Handle, error) {
	if dbusAvailable() {
		return a.startDBus(ctx)
	}
	log.Warn().Msg("D-Bus unavailable, falling back to inotify-based mount detection")
	return a.startFallback(ctx)
}

func dbusAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		conn, err := dbus.SystemBus()
		if err != nil {
			done <- false
			return
		}
		_ = conn.Close()
		done <- true
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		return false
	}
}

func (a *Adapter) startDBus(ctx context.Context) (*hwadapter.Handle, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, bkerr.Wrapf(bkerr.KindAdapterInit, "connect to system D-Bus: %w", err)
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(udisks2Path),
		dbus.WithMatchInterface(dbusObjectManager),
		dbus.WithMatchMember("InterfacesAdded"),
	); err != nil {
		_ = conn.Close()
		return nil, bkerr.Wrapf(bkerr.KindAdapterInit, "subscribe InterfacesAdded: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(udisks2Path),
		dbus.WithMatchInterface(dbusObjectManager),
		dbus.WithMatchMember("InterfacesRemoved"),
	); err != nil {
		_ = conn.Close()
		return nil, bkerr.Wrapf(bkerr.KindAdapterInit, "subscribe InterfacesRemoved: %w", err)
	}

	signalChan := make(chan *dbus.Signal, 10)
	conn.Signal(signalChan)

	raw := make(chan rawEvent, 16)
	events := make(chan device.HardwareEvent)
	done := make(chan struct{})

	ctx, cancel := context.WithCancel(ctx)

	var wg sync.WaitGroup
	wg.Add(2)

	// Dedicated OS thread: the D-Bus connection's signal delivery is only
	// safe to drive from the goroutine that owns it, so this goroutine is
	// pinned for its entire lifetime and never touches conn from elsewhere.
	go func() {
		defer wg.Done()
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer close(raw)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case sig, ok := <-signalChan:
				if !ok {
					return
				}
				if ev, ok := decodeSignal(sig); ok {
					select {
					case raw <- ev:
					case <-ctx.Done():
						return
					}
				}
			case <-ticker.C:
				if ctx.Err() != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Async event processor: performs mount/unmount work and emits
	// HardwareEvent, decoupled from the D-Bus thread above.
	go func() {
		defer wg.Done()
		defer close(events)
		for ev := range raw {
			a.processRaw(ctx, ev, events)
		}
	}()

	go func() {
		wg.Wait()
		_ = conn.Close()
		close(done)
	}()

	release := func(uuid string) {
		a.releaseDevice(uuid)
	}

	return &hwadapter.Handle{
		Events:  events,
		Release: release,
		Cancel:  cancel,
		Done:    done,
	}, nil
}

// decodeSignal extracts plain, owned data from a dbus.Signal. This is the
// only place the poller thread interprets dbus-typed values; everything it
// forwards downstream is a plain Go value.
func decodeSignal(sig *dbus.Signal) (rawEvent, bool) {
	if sig == nil || len(sig.Body) < 2 {
		return rawEvent{}, false
	}

	switch sig.Name {
	case dbusObjectManager + ".InterfacesAdded":
		objectPath, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return rawEvent{}, false
		}
		interfaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return rawEvent{}, false
		}
		blockProps, hasBlock := interfaces[udisks2BlockInterface]
		_, hasFS := interfaces[udisks2FSInterface]
		if !hasBlock || !hasFS {
			return rawEvent{}, false
		}
		return rawEvent{added: true, objectPath: string(objectPath), blockProps: blockProps}, true

	case dbusObjectManager + ".InterfacesRemoved":
		objectPath, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok {
			return rawEvent{}, false
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return rawEvent{}, false
		}
		hasFS := false
		for _, name := range ifaces {
			if name == udisks2FSInterface {
				hasFS = true
				break
			}
		}
		if !hasFS {
			return rawEvent{}, false
		}
		return rawEvent{added: false, objectPath: string(objectPath)}, true

	default:
		return rawEvent{}, false
	}
}

func (a *Adapter) processRaw(ctx context.Context, ev rawEvent, events chan<- device.HardwareEvent) {
	if ev.added {
		bd, ok := a.gateAndMount(ev.blockProps)
		if !ok {
			return
		}
		select {
		case events <- device.Added(bd):
		case <-ctx.Done():
		}
		return
	}

	// InterfacesRemoved carries only an object path, not the uuid; the
	// adapter has no path->uuid index for removed objects once they're
	// gone, so it relies on the caller's device-removal path (the kernel
	// no longer reports the block device) rather than matching by path
	// here. In practice UDisks2's Block interface disappears alongside
	// Filesystem, so the orchestrator learns about removal from a
	// best-effort scan of still-tracked uuids whose device node vanished.
	a.reapMissingDevices(ctx, events)
}

// gateAndMount applies the device-gating rules on add: reject unsupported
// filesystems, adopt an existing mount or create and mount a new one.
func (a *Adapter) gateAndMount(props map[string]dbus.Variant) (device.BlockDevice, bool) {
	fsType := stringVariant(props, "IdType")
	fs := device.Filesystem(fsType)
	if !device.Supported(fs) {
		log.Debug().Str("filesystem", fsType).Msg("ignoring device with unsupported filesystem")
		return device.BlockDevice{}, false
	}

	if hintSystem, ok := props["HintSystem"]; ok {
		if v, ok := hintSystem.Value().(bool); ok && v {
			return device.BlockDevice{}, false
		}
	}

	uuid := stringVariant(props, "IdUUID")
	if uuid == "" {
		uuid = stringVariant(props, "IdSerial")
	}
	if uuid == "" {
		log.Debug().Msg("device has no stable id, skipping")
		return device.BlockDevice{}, false
	}

	label := stringVariant(props, "IdLabel")
	devicePath := devicePathFromProps(props)
	size := sizeFromProps(props)

	a.mu.Lock()
	if _, already := a.mounts[uuid]; already {
		a.mu.Unlock()
		return device.BlockDevice{}, false
	}
	a.mu.Unlock()

	mountPoint, owned, err := a.ensureMounted(uuid, devicePath, fs)
	if err != nil {
		log.Error().Err(err).Str("uuid", uuid).Msg("failed to mount device")
		return device.BlockDevice{}, false
	}

	a.mu.Lock()
	a.mounts[uuid] = &mountEntry{mountPoint: mountPoint, devicePath: devicePath, owned: owned}
	a.mu.Unlock()

	return device.BlockDevice{
		UUID:          uuid,
		Label:         label,
		DevicePath:    devicePath,
		MountPoint:    mountPoint,
		CapacityBytes: size,
		Filesystem:    fs,
	}, true
}

// ensureMounted adopts an existing mount from /proc/mounts, or creates and
// mounts a fresh one under the configured mount base.
func (a *Adapter) ensureMounted(uuid, devicePath string, fs device.Filesystem) (string, bool, error) {
	if mp, ok := existingMountPoint(devicePath); ok {
		return mp, false, nil
	}

	mountPoint := filepath.Join(a.cfg.MountBase, uuid)
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return "", false, bkerr.Wrapf(bkerr.KindMount, "create mount point: %w", err)
	}

	flags, data := mountOptionsFor(fs)
	if err := unix.Mount(devicePath, mountPoint, string(fs), flags, data); err != nil {
		_ = os.Remove(mountPoint)
		return "", false, bkerr.Wrapf(bkerr.KindMount, "mount %s at %s: %w", devicePath, mountPoint, err)
	}

	return mountPoint, true, nil
}

func mountOptionsFor(fs device.Filesystem) (uintptr, string) {
	switch fs {
	case device.FilesystemVfat, device.FilesystemExfat:
		return unix.MS_NOATIME, "utf8"
	default:
		return unix.MS_NOATIME, ""
	}
}

// releaseDevice is invoked by the orchestrator to ask the adapter to tear
// down and forget a device. If the adapter owns the mount, it syncs and
// lazily unmounts before removing the tracking entry and the mount
// directory.
func (a *Adapter) releaseDevice(uuid string) {
	a.mu.Lock()
	entry, ok := a.mounts[uuid]
	if ok {
		delete(a.mounts, uuid)
	}
	a.mu.Unlock()
	if !ok {
		return
	}
	a.teardown(uuid, entry)
}

// reapMissingDevices checks tracked mounts against /proc/mounts and emits
// DeviceRemoved for any whose device path is no longer listed there as
// mounted.
func (a *Adapter) reapMissingDevices(ctx context.Context, events chan<- device.HardwareEvent) {
	live := liveDevicePaths()

	a.mu.Lock()
	var gone []string
	for uuid, entry := range a.mounts {
		if !live[entry.devicePath] {
			gone = append(gone, uuid)
		}
	}
	a.mu.Unlock()

	for _, uuid := range gone {
		a.mu.Lock()
		entry := a.mounts[uuid]
		delete(a.mounts, uuid)
		a.mu.Unlock()

		a.teardown(uuid, entry)

		select {
		case events <- device.Removed(uuid):
		case <-ctx.Done():
			return
		}
	}
}

func (a *Adapter) teardown(uuid string, entry *mountEntry) {
	if entry == nil || !entry.owned {
		return
	}

	if f, err := os.Open(entry.mountPoint); err == nil {
		if err := unix.Syncfs(int(f.Fd())); err != nil {
			log.Warn().Err(err).Str("uuid", uuid).Msg("syncfs before unmount failed")
		}
		_ = f.Close()
	}

	if err := unix.Unmount(entry.mountPoint, unix.MNT_DETACH); err != nil {
		log.Warn().Err(err).Str("uuid", uuid).Str("mount_point", entry.mountPoint).Msg("lazy unmount failed")
		return
	}
	if err := os.Remove(entry.mountPoint); err != nil {
		log.Warn().Err(err).Str("mount_point", entry.mountPoint).Msg("failed to remove mount point directory")
	}
}

func stringVariant(props map[string]dbus.Variant, key string) string {
	v, ok := props[key]
	if !ok {
		return ""
	}
	switch val := v.Value().(type) {
	case string:
		return strings.TrimRight(val, "\x00")
	case []byte:
		return strings.TrimRight(string(val), "\x00")
	default:
		return ""
	}
}

func devicePathFromProps(props map[string]dbus.Variant) string {
	if v, ok := props["Device"]; ok {
		if b, ok := v.Value().([]byte); ok {
			return strings.TrimRight(string(b), "\x00")
		}
	}
	return ""
}

func sizeFromProps(props map[string]dbus.Variant) uint64 {
	if v, ok := props["Size"]; ok {
		if n, ok := v.Value().(uint64); ok {
			return n
		}
	}
	return 0
}

// existingMountPoint consults /proc/mounts for devicePath.
func existingMountPoint(devicePath string) (string, bool) {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return "", false
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 2 {
			continue
		}
		if fields[0] == devicePath {
			return fields[1], true
		}
	}
	return "", false
}

// liveDevicePaths returns the set of device nodes currently mounted,
// according to /proc/mounts.
func liveDevicePaths() map[string]bool {
	out := make(map[string]bool)
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return out
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 1 {
			continue
		}
		out[fields[0]] = true
	}
	return out
}

// startFallback wires the fsnotify-based detector for systems without
// D-Bus. It can only observe mounts created by something else (e.g. a
// desktop auto-mounter); it does not create owned mounts itself, since it
// has no UDisks2 properties to gate or size a device by.
func (a *Adapter) startFallback(ctx context.Context) (*hwadapter.Handle, error) {
	fb, err := newFallbackDetector()
	if err != nil {
		return nil, bkerr.Wrapf(bkerr.KindAdapterInit, "start inotify fallback: %w", err)
	}

	events := make(chan device.HardwareEvent)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(ctx)

	if err := fb.start(); err != nil {
		cancel()
		return nil, bkerr.Wrapf(bkerr.KindAdapterInit, "start fsnotify watcher: %w", err)
	}

	go func() {
		defer close(events)
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				fb.stop()
				return
			case bd, ok := <-fb.added:
				if !ok {
					return
				}
				select {
				case events <- device.Added(bd):
				case <-ctx.Done():
					fb.stop()
					return
				}
			case uuid, ok := <-fb.removed:
				if !ok {
					return
				}
				select {
				case events <- device.Removed(uuid):
				case <-ctx.Done():
					fb.stop()
					return
				}
			}
		}
	}()

	release := func(uuid string) {
		// The fallback adapter never owns mounts it created, so release is
		// a no-op beyond forgetting the id for re-announcement.
		fb.forget(uuid)
	}

	return &hwadapter.Handle{Events: events, Release: release, Cancel: cancel, Done: done}, nil
}

var errNoWatchDirs = errors.New("no mount directories found to watch")
