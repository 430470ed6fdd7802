// Package hwadapter defines the Hardware Adapter contract: a lazy,
// unbounded stream of device add/remove events plus a handle for
// cancellation and adapter-driven release of a device.
package hwadapter

import (
	"context"

	"github.com/bksd/bksd/internal/device"
)

// Handle is returned by Adapter.Start. Events is unbounded and lazy — the
// adapter does not emit anything until a caller starts reading it.
type Handle struct {
	Events <-chan device.HardwareEvent

	// Release asks the adapter to unmount and forget uuid. It does not emit
	// a DeviceRemoved event, and because the adapter stops tracking uuid, no
	// DeviceRemoved follows for that device afterwards: the release itself
	// closes the device's lifecycle.
	Release func(uuid string)

	// Cancel stops the adapter within a bounded timeout, even if it is
	// blocked waiting on kernel events. Events is closed once the adapter
	// has fully stopped.
	Cancel func()

	// Done is closed once the adapter has completely stopped after Cancel.
	Done <-chan struct{}
}

// Adapter produces HardwareEvents for devices as they are attached and
// detached. DeviceAdded is emitted exactly once per unique (uuid, mount
// lifecycle) pair; a device re-announced after release gets a fresh
// DeviceAdded. DeviceRemoved(uuid) is emitted at most once per prior
// DeviceAdded(uuid) and implies the adapter has already torn down
// anything it created for that device.
type Adapter interface {
	Start(ctx context.Context) (*Handle, error)
}
