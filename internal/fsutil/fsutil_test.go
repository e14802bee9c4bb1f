package fsutil

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(filepath.Base(path)), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestCountSequence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "mdist")
	for _, i := range []int{1, 2, 3, 5} {
		touch(t, SequencePath(base, i, ".fit"))
	}
	if got := CountSequence(base, ".fit", 0); got != 3 {
		t.Fatalf("CountSequence = %d, want 3", got)
	}
	if got := CountSequence(base, ".fit", 2); got != 2 {
		t.Fatalf("CountSequence with max = %d, want 2", got)
	}
	if got := CountSequence(base, ".png", 0); got != 0 {
		t.Fatalf("CountSequence other ext = %d, want 0", got)
	}
}

func TestDeleteSequence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "r")
	for i := 1; i <= 4; i++ {
		touch(t, SequencePath(base, i, ".fit"))
	}
	n, err := DeleteSequence(base, ".fit", 3)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("deleted %d, want 2", n)
	}
	if got := CountSequence(base, ".fit", 0); got != 2 {
		t.Fatalf("remaining %d, want 2", got)
	}
}

func TestRenumberSequence(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "mdist")
	for _, i := range []int{1, 3, 4} {
		touch(t, SequencePath(base, i, ".fit"))
	}
	if err := RenumberSequence(base, ".fit", []int{1, 3, 4}); err != nil {
		t.Fatal(err)
	}
	if got := CountSequence(base, ".fit", 0); got != 3 {
		t.Fatalf("after renumber count = %d, want 3", got)
	}
	data, err := os.ReadFile(SequencePath(base, 2, ".fit"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "mdist3.fit" {
		t.Fatalf("frame 2 holds %q, want content of mdist3.fit", data)
	}
	if err := RenumberSequence(base, ".fit", []int{2, 1}); err == nil {
		t.Fatal("expected error for descending indices")
	}
}

func TestSequenceIndex(t *testing.T) {
	if n, ok := SequenceIndex("out/m", ".fit", "out/m12.fit"); !ok || n != 12 {
		t.Fatalf("SequenceIndex = %d, %v", n, ok)
	}
	if _, ok := SequenceIndex("out/m", ".fit", "out/m_sum.fit"); ok {
		t.Fatal("m_sum.fit is not a sequence member")
	}
}

func TestFirstExisting(t *testing.T) {
	dir := t.TempDir()
	b := filepath.Join(dir, "mdist_sum.fit")
	touch(t, b)
	if got := FirstExisting(filepath.Join(dir, "r_add.fit"), b); got != b {
		t.Fatalf("FirstExisting = %q, want %q", got, b)
	}
	if got := FirstExisting(filepath.Join(dir, "none")); got != "" {
		t.Fatalf("FirstExisting = %q, want empty", got)
	}
}
