// Package rsyncengine implements transfer.Engine by shelling out to rsync
// and parsing its --info=progress2 output into progress ticks.
package rsyncengine

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/bksd/bksd/internal/transfer"
)

// Engine invokes the rsync binary. Binary defaults to "rsync" if empty.
type Engine struct {
	Binary string
}

func New() *Engine { return &Engine{Binary: "rsync"} }

func (e *Engine) Name() string { return "rsync" }

// progressLine matches a single --info=progress2 line, e.g.:
//
//	      1,234,567  43%  102.34MB/s    0:00:04 (xfr#12, to-chk=88/143)
var progressLine = regexp.MustCompile(`^\s*([\d,]+)\s+(\d+)%`)

func (e *Engine) Transfer(ctx context.Context, sourceDir, destDir string, sink transfer.Sink) (transfer.Summary, error) {
	start := time.Now()

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return transfer.Summary{}, transfer.Errorf("create destination directory: %v", err)
	}

	binary := e.Binary
	if binary == "" {
		binary = "rsync"
	}

	src := strings.TrimSuffix(sourceDir, "/") + "/"
	args := []string{"-a", "--info=progress2", src, destDir}

	//nolint:gosec // binary and args are derived from trusted configuration and resolved paths
	cmd := exec.CommandContext(ctx, binary, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return transfer.Summary{}, transfer.Errorf("open rsync stdout: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return transfer.Summary{}, transfer.Errorf("open rsync stderr: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return transfer.Summary{}, transfer.Errorf("start rsync: %v", err)
	}

	var stderrTail []string
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		sc := bufio.NewScanner(stderr)
		for sc.Scan() {
			stderrTail = append(stderrTail, sc.Text())
			if len(stderrTail) > 20 {
				stderrTail = stderrTail[len(stderrTail)-20:]
			}
		}
	}()

	var lastBytes uint64
	currentFile := ""
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if m := progressLine.FindStringSubmatch(line); m != nil {
			bytesCopied, perr := strconv.ParseUint(strings.ReplaceAll(m[1], ",", ""), 10, 64)
			if perr != nil {
				log.Warn().Err(perr).Str("line", line).Msg("failed to parse rsync progress bytes")
				continue
			}
			pct, perr := strconv.Atoi(m[2])
			if perr != nil {
				continue
			}
			lastBytes = bytesCopied
			sink(transfer.Tick{
				BytesCopied: bytesCopied,
				TotalBytes:  estimateTotal(bytesCopied, pct),
				CurrentFile: currentFile,
				Percentage:  pct,
			})
		} else if isLikelyFilename(line) {
			currentFile = line
		}
	}
	<-stderrDone

	waitErr := cmd.Wait()
	if waitErr != nil {
		msg := strings.Join(stderrTail, "\n")
		if msg == "" {
			msg = waitErr.Error()
		}
		return transfer.Summary{}, transfer.Errorf("rsync failed: %s", msg)
	}

	sink(transfer.Tick{BytesCopied: lastBytes, TotalBytes: lastBytes, CurrentFile: currentFile, Percentage: 100})

	return transfer.Summary{TotalBytes: lastBytes, Duration: time.Since(start)}, nil
}

// estimateTotal derives total bytes from a progress percentage, avoiding a
// separate du pass. Returns copied-so-far when pct is 0 to avoid division
// by zero.
func estimateTotal(copied uint64, pct int) uint64 {
	if pct <= 0 {
		return copied
	}
	return copied * 100 / uint64(pct)
}

// isLikelyFilename reports whether an rsync output line looks like a
// relative file path rather than a progress/summary line.
func isLikelyFilename(line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if progressLine.MatchString(line) {
		return false
	}
	if strings.Contains(line, "%") || strings.HasPrefix(line, "sent ") || strings.HasPrefix(line, "total size") {
		return false
	}
	return true
}
