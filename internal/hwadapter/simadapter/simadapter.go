// Package simadapter implements hwadapter.Adapter by reading commands from
// an io.Reader (normally standard input), for driving end-to-end tests
// without kernel involvement.
package simadapter

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/device"
	"github.com/bksd/bksd/internal/hwadapter"
)

const defaultUUID = "123"

// Adapter reads lines from Input. Recognized commands: "add [uuid]",
// "rm [uuid]" (uuid defaults to "123" when omitted).
type Adapter struct {
	Input      io.Reader
	ScratchDir string
}

// New returns a simulated adapter reading commands from stdin, creating
// synthetic device roots under scratchDir (default os.TempDir()/bksd-sim
// if empty).
func New(scratchDir string) *Adapter {
	if scratchDir == "" {
		scratchDir = filepath.Join(os.TempDir(), "bksd-sim")
	}
	return &Adapter{Input: os.Stdin, ScratchDir: scratchDir}
}

func (a *Adapter) Start(ctx context.Context) (*hwadapter.Handle, error) {
	events := make(chan device.HardwareEvent)
	done := make(chan struct{})

	var mu sync.Mutex
	known := make(map[string]bool)

	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(events)

		scanner := bufio.NewScanner(a.Input)
		lines := make(chan string)
		go func() {
			defer close(lines)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				a.handleLine(ctx, line, events, &mu, known)
			}
		}
	}()

	release := func(uuid string) {
		mu.Lock()
		delete(known, uuid)
		mu.Unlock()
		log.Info().Str("uuid", uuid).Msg("simulated adapter released device")
	}

	return &hwadapter.Handle{
		Events:  events,
		Release: release,
		Cancel:  cancel,
		Done:    done,
	}, nil
}

func (a *Adapter) handleLine(ctx context.Context, line string, events chan<- device.HardwareEvent, mu *sync.Mutex, known map[string]bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}

	cmd := fields[0]
	uuid := defaultUUID
	if len(fields) > 1 {
		uuid = fields[1]
	}

	switch cmd {
	case "add":
		mu.Lock()
		already := known[uuid]
		known[uuid] = true
		mu.Unlock()
		if already {
			log.Warn().Str("uuid", uuid).Msg("simulated adapter ignoring duplicate add")
			return
		}

		root := filepath.Join(a.ScratchDir, uuid)
		if err := os.MkdirAll(root, 0o755); err != nil {
			log.Error().Err(err).Str("uuid", uuid).Msg("simulated adapter failed to create scratch root")
			return
		}

		bd := device.BlockDevice{
			UUID:          uuid,
			Label:         fmt.Sprintf("SIM-%s", uuid),
			DevicePath:    fmt.Sprintf("/dev/sim/%s", uuid),
			MountPoint:    root,
			CapacityBytes: 0,
			Filesystem:    device.FilesystemSimulated,
		}
		select {
		case events <- device.Added(bd):
		case <-ctx.Done():
		}

	case "rm":
		mu.Lock()
		present := known[uuid]
		delete(known, uuid)
		mu.Unlock()
		if !present {
			log.Warn().Str("uuid", uuid).Msg("simulated adapter ignoring rm for unknown device")
			return
		}
		select {
		case events <- device.Removed(uuid):
		case <-ctx.Done():
		}

	default:
		log.Warn().Str("command", cmd).Msg("simulated adapter ignoring unrecognized command")
	}
}
