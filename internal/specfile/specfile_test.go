package specfile

import (
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"mspec/internal/calib"
)

func TestTableRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.txt")
	want := []calib.Entry{{Pixel: 100, Wavelength: 500}, {Pixel: 300.123456789012, Wavelength: 600.1}, {Pixel: 1e-7, Wavelength: 777.4}}
	if err := WriteTable(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTable(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}

	// load -> save -> load
	again := filepath.Join(t.TempDir(), "again.txt")
	if err := WriteTable(again, got); err != nil {
		t.Fatal(err)
	}
	got2, err := ReadTable(again)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(got, got2); diff != "" {
		t.Fatalf("second round trip mismatch:\n%s", diff)
	}
}

func TestSpectrumRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mcal.dat")
	want := []calib.Point{{Wavelength: 399.5, Intensity: 0}, {Wavelength: 400.25, Intensity: math.Pi}, {Wavelength: 401, Intensity: 1.0 / 3}}
	if err := WriteSpectrum(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadSpectrum(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("spectrum mismatch (-want +got):\n%s", diff)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "m.dat")
	want := ProfileFromSlice([]float64{0.1, 0.2, 12345.678})
	if err := WriteProfile(path, want); err != nil {
		t.Fatal(err)
	}
	got, err := ReadProfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestReadPairsSkipsCommentsAndErrors(t *testing.T) {
	in := "# x lambda\n\n1 2\n  3\t4  extra\n"
	pairs, err := ReadPairs(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]Pair{{1, 2}, {3, 4}}, pairs); diff != "" {
		t.Fatalf("pairs mismatch:\n%s", diff)
	}
	if _, err := ReadPairs(strings.NewReader("1\n")); err == nil {
		t.Fatal("expected error for a single column")
	}
	if _, err := ReadPairs(strings.NewReader("1 x\n")); err == nil {
		t.Fatal("expected error for a bad number")
	}
}
