package simadapter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bksd/bksd/internal/device"
)

func TestAddEmitsDeviceAddedWithScratchRoot(t *testing.T) {
	scratch := t.TempDir()
	a := &Adapter{Input: strings.NewReader("add vol-1\n"), ScratchDir: scratch}

	handle, err := a.Start(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-handle.Events:
		assert.Equal(t, device.EventDeviceAdded, ev.Kind)
		assert.Equal(t, "vol-1", ev.Device.UUID)
		assert.DirExists(t, ev.Device.MountPoint)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for device added event")
	}

	handle.Cancel()
	<-handle.Done()
}

func TestRmEmitsDeviceRemoved(t *testing.T) {
	scratch := t.TempDir()
	a := &Adapter{Input: strings.NewReader("add vol-1\nrm vol-1\n"), ScratchDir: scratch}

	handle, err := a.Start(context.Background())
	require.NoError(t, err)

	var sawAdd, sawRemove bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-handle.Events:
			switch ev.Kind {
			case device.EventDeviceAdded:
				sawAdd = true
			case device.EventDeviceRemoved:
				sawRemove = true
				assert.Equal(t, "vol-1", ev.UUID)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	assert.True(t, sawAdd)
	assert.True(t, sawRemove)

	handle.Cancel()
	<-handle.Done()
}

func TestDuplicateAddIsIgnored(t *testing.T) {
	scratch := t.TempDir()
	a := &Adapter{Input: strings.NewReader("add vol-1\nadd vol-1\n"), ScratchDir: scratch}

	handle, err := a.Start(context.Background())
	require.NoError(t, err)

	select {
	case <-handle.Events:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first add")
	}

	select {
	case ev, ok := <-handle.Events:
		t.Fatalf("unexpected second event (ok=%v): %+v", ok, ev)
	case <-time.After(100 * time.Millisecond):
		// no duplicate event, as expected
	}

	handle.Cancel()
	<-handle.Done()
}

func TestDefaultUUIDWhenOmitted(t *testing.T) {
	scratch := t.TempDir()
	a := &Adapter{Input: strings.NewReader("add\n"), ScratchDir: scratch}

	handle, err := a.Start(context.Background())
	require.NoError(t, err)

	select {
	case ev := <-handle.Events:
		assert.Equal(t, defaultUUID, ev.Device.UUID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for device added event")
	}

	handle.Cancel()
	<-handle.Done()
}
