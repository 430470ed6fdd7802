// Package status defines JobStatus, the tagged variant representing a
// job's current state and the payload for progress queries.
package status

import "fmt"

// Tag identifies which JobStatus variant is populated.
type Tag string

const (
	Ready        Tag = "ready"
	InProgress   Tag = "in_progress"
	CopyComplete Tag = "copy_complete"
	Verifying    Tag = "verifying"
	Complete     Tag = "complete"
	Failed       Tag = "failed"
)

// Terminal reports whether a tag ends a job's lifecycle: no further
// transitions follow, and the job is absent from the Progress Tracker.
func (t Tag) Terminal() bool {
	return t == Complete || t == Failed
}

// JobStatus is the latest state of a job, carrying only the fields that
// variant uses.
type JobStatus struct {
	Tag Tag

	// InProgress
	TotalBytes  uint64
	BytesCopied uint64
	CurrentFile string
	Percentage  int

	// Verifying
	VerifyCurrent int
	VerifyTotal   int

	// Complete
	DurationSecs float64

	// Failed
	Message string
}

func (s JobStatus) String() string {
	switch s.Tag {
	case InProgress:
		return fmt.Sprintf("in_progress %d/%d (%d%%) %s", s.BytesCopied, s.TotalBytes, s.Percentage, s.CurrentFile)
	case Verifying:
		return fmt.Sprintf("verifying %d/%d", s.VerifyCurrent, s.VerifyTotal)
	case Complete:
		return fmt.Sprintf("complete in %.1fs (%d bytes)", s.DurationSecs, s.TotalBytes)
	case Failed:
		return fmt.Sprintf("failed: %s", s.Message)
	default:
		return string(s.Tag)
	}
}

func MakeReady() JobStatus { return JobStatus{Tag: Ready} }

func MakeInProgress(total, copied uint64, currentFile string, pct int) JobStatus {
	return JobStatus{Tag: InProgress, TotalBytes: total, BytesCopied: copied, CurrentFile: currentFile, Percentage: pct}
}

func MakeCopyComplete() JobStatus { return JobStatus{Tag: CopyComplete} }

func MakeVerifying(current, total int) JobStatus {
	return JobStatus{Tag: Verifying, VerifyCurrent: current, VerifyTotal: total}
}

func MakeComplete(totalBytes uint64, durationSecs float64) JobStatus {
	return JobStatus{Tag: Complete, TotalBytes: totalBytes, DurationSecs: durationSecs}
}

func MakeFailed(message string) JobStatus {
	return JobStatus{Tag: Failed, Message: message}
}
