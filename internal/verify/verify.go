// Package verify implements the Verifier: a sequential, content-hash
// comparison between a source tree and its backup destination.
package verify

import (
	"context"
	"crypto/subtle"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/zeebo/blake3"

	"github.com/bksd/bksd/internal/bkerr"
)

// MismatchKind classifies why a path failed verification.
type MismatchKind string

const (
	MissingInDestination MismatchKind = "missing_in_destination"
	HashMismatch         MismatchKind = "hash_mismatch"
	TypeMismatch         MismatchKind = "type_mismatch"
)

// Mismatch is one offending relative path.
type Mismatch struct {
	Path string
	Kind MismatchKind
}

// Result is the outcome of a full verification pass.
type Result struct {
	Mismatches []Mismatch
}

// OK reports whether verification found no mismatches.
func (r Result) OK() bool { return len(r.Mismatches) == 0 }

// Tick reports verification progress, one per file examined.
type Tick struct {
	Current int
	Total   int
}

// Sink receives verification ticks.
type Sink func(Tick)

// CountEntries returns the number of entries Verify would examine under
// root, so a caller can report a total before verification starts.
func CountEntries(root string) (int, error) {
	entries, err := collect(root)
	if err != nil {
		return 0, fmt.Errorf("walk source tree: %w", err)
	}
	return len(entries), nil
}

// Verify walks sourceRoot in deterministic lexicographic order, comparing
// each entry against the corresponding path under destRoot. Regular files
// are compared by streaming BLAKE3 hash; symlinks by target string;
// directories by existence; other types are ignored. The walk, and the
// hashing it drives, is strictly sequential to avoid thrashing slow
// removable media.
func Verify(ctx context.Context, sourceRoot, destRoot string, sink Sink) (Result, error) {
	entries, err := collect(sourceRoot)
	if err != nil {
		return Result{}, bkerr.Wrapf(bkerr.KindVerification, "walk source tree: %w", err)
	}

	var result Result
	total := len(entries)
	for i, rel := range entries {
		select {
		case <-ctx.Done():
			return Result{}, bkerr.Wrapf(bkerr.KindVerification, "verification aborted: %w", ctx.Err())
		default:
		}

		mismatch, err := compareEntry(sourceRoot, destRoot, rel)
		if err != nil {
			return Result{}, bkerr.Wrapf(bkerr.KindVerification, "compare %s: %w", rel, err)
		}
		if mismatch != "" {
			result.Mismatches = append(result.Mismatches, Mismatch{Path: rel, Kind: mismatch})
		}

		if sink != nil {
			sink(Tick{Current: i + 1, Total: total})
		}
	}
	return result, nil
}

// collect returns every relative path under root, in lexicographic order.
func collect(root string) ([]string, error) {
	var rels []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rels = append(rels, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(rels)
	return rels, nil
}

func compareEntry(sourceRoot, destRoot, rel string) (MismatchKind, error) {
	srcPath := filepath.Join(sourceRoot, rel)
	dstPath := filepath.Join(destRoot, rel)

	srcInfo, err := os.Lstat(srcPath)
	if err != nil {
		return "", fmt.Errorf("stat source %s: %w", rel, err)
	}

	dstInfo, err := os.Lstat(dstPath)
	if os.IsNotExist(err) {
		return MissingInDestination, nil
	}
	if err != nil {
		return "", fmt.Errorf("stat destination %s: %w", rel, err)
	}

	switch {
	case srcInfo.Mode()&os.ModeSymlink != 0:
		if dstInfo.Mode()&os.ModeSymlink == 0 {
			return TypeMismatch, nil
		}
		srcTarget, err := os.Readlink(srcPath)
		if err != nil {
			return "", fmt.Errorf("readlink source %s: %w", rel, err)
		}
		dstTarget, err := os.Readlink(dstPath)
		if err != nil {
			return "", fmt.Errorf("readlink destination %s: %w", rel, err)
		}
		if srcTarget != dstTarget {
			return HashMismatch, nil
		}
		return "", nil

	case srcInfo.IsDir():
		if !dstInfo.IsDir() {
			return TypeMismatch, nil
		}
		return "", nil

	case srcInfo.Mode().IsRegular():
		if !dstInfo.Mode().IsRegular() {
			return TypeMismatch, nil
		}
		match, err := hashesMatch(srcPath, dstPath)
		if err != nil {
			return "", err
		}
		if !match {
			return HashMismatch, nil
		}
		return "", nil

	default:
		// Device nodes, sockets, FIFOs, etc. are not compared.
		return "", nil
	}
}

// hashesMatch streams both files through BLAKE3 so memory use stays
// bounded regardless of file size.
func hashesMatch(srcPath, dstPath string) (bool, error) {
	srcSum, err := streamHash(srcPath)
	if err != nil {
		return false, fmt.Errorf("hash source %s: %w", srcPath, err)
	}
	dstSum, err := streamHash(dstPath)
	if err != nil {
		return false, fmt.Errorf("hash destination %s: %w", dstPath, err)
	}
	return subtle.ConstantTimeCompare(srcSum, dstSum) == 1, nil
}

func streamHash(path string) ([]byte, error) {
	f, err := os.Open(path) //nolint:gosec // path is derived from a walk of a trusted backup tree
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
