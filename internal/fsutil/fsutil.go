package fsutil

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// SequencePath returns base+index+ext.
func SequencePath(base string, index int, ext string) string {
	return base + strconv.Itoa(index) + ext
}

// SequenceIndex extracts the index of path in the base+index+ext sequence.
func SequenceIndex(base, ext, path string) (int, bool) {
	if !strings.HasPrefix(path, base) || !strings.HasSuffix(path, ext) || len(path) <= len(base)+len(ext) {
		return 0, false
	}
	n, err := strconv.Atoi(path[len(base) : len(path)-len(ext)])
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// CountSequence counts the contiguous frames base1.ext, base2.ext, ...
// stopping at the first gap or at max (max <= 0 means no limit).
func CountSequence(base, ext string, max int) int {
	n := 0
	for max <= 0 || n < max {
		if _, err := os.Stat(SequencePath(base, n+1, ext)); err != nil {
			break
		}
		n++
	}
	return n
}

// DeleteSequence removes base<from>.ext, base<from+1>.ext, ... up to the
// first missing file and returns how many were removed.
func DeleteSequence(base, ext string, from int) (int, error) {
	n := 0
	for i := from; ; i++ {
		err := os.Remove(SequencePath(base, i, ext))
		if errors.Is(err, os.ErrNotExist) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		n++
	}
}

// RenumberSequence renames the listed sequence members to 1..len(indices),
// keeping their order. Indices must be ascending and >= 1.
func RenumberSequence(base, ext string, indices []int) error {
	for k, idx := range indices {
		if k > 0 && idx <= indices[k-1] {
			return fmt.Errorf("renumber %s: indices not ascending at %d", base, idx)
		}
		target := k + 1
		if idx == target {
			continue
		}
		if idx < target {
			return fmt.Errorf("renumber %s: index %d below target %d", base, idx, target)
		}
		if err := os.Rename(SequencePath(base, idx, ext), SequencePath(base, target, ext)); err != nil {
			return err
		}
	}
	return nil
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}
