// Package device defines the value types for detected storage devices and
// the hardware events a Hardware Adapter emits for them.
package device

// Filesystem is a supported device filesystem type. Devices formatted with
// a filesystem outside this set are ignored, not errored.
type Filesystem string

const (
	FilesystemExt4  Filesystem = "ext4"
	FilesystemExfat Filesystem = "exfat"
	FilesystemVfat  Filesystem = "vfat"
	FilesystemNTFS  Filesystem = "ntfs"
	FilesystemBtrfs Filesystem = "btrfs"

	// FilesystemSimulated marks devices synthesized by the Simulated
	// Adapter. It is intentionally outside Supported(), since gating only
	// applies to real kernel-reported filesystems.
	FilesystemSimulated Filesystem = "simulated"
)

// Supported reports whether fs is one of the filesystems BKSD will mount
// and back up.
func Supported(fs Filesystem) bool {
	switch fs {
	case FilesystemExt4, FilesystemExfat, FilesystemVfat, FilesystemNTFS, FilesystemBtrfs:
		return true
	default:
		return false
	}
}

// BlockDevice is a detected, mountable storage device.
type BlockDevice struct {
	UUID          string
	Label         string
	DevicePath    string
	MountPoint    string
	CapacityBytes uint64
	Filesystem    Filesystem
}

// DisplayName returns Label, falling back to UUID when the device reports
// no volume label.
func (d BlockDevice) DisplayName() string {
	if d.Label != "" {
		return d.Label
	}
	return d.UUID
}

// EventKind tags which variant a HardwareEvent carries.
type EventKind int

const (
	EventDeviceAdded EventKind = iota
	EventDeviceRemoved
)

// HardwareEvent is the tagged variant emitted by a Hardware Adapter:
// DeviceAdded(BlockDevice) or DeviceRemoved(uuid).
type HardwareEvent struct {
	Kind   EventKind
	Device BlockDevice // set when Kind == EventDeviceAdded
	UUID   string      // set when Kind == EventDeviceRemoved (also Device.UUID on add)
}

func Added(d BlockDevice) HardwareEvent {
	return HardwareEvent{Kind: EventDeviceAdded, Device: d, UUID: d.UUID}
}

func Removed(uuid string) HardwareEvent {
	return HardwareEvent{Kind: EventDeviceRemoved, UUID: uuid}
}
