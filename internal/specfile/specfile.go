// Package specfile reads and writes the two-column text artifacts passed
// between stages: raw spectra, calibration tables and calibrated spectra.
package specfile

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"mspec/internal/calib"
)

// Pair is one row of a two-column file.
type Pair struct {
	A float64
	B float64
}

// ReadPairs parses whitespace separated two-column rows. Blank rows and
// rows starting with '#' are skipped; extra columns are ignored.
func ReadPairs(r io.Reader) ([]Pair, error) {
	var out []Pair
	sc := bufio.NewScanner(r)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) < 2 {
			return nil, fmt.Errorf("line %d: want 2 columns, got %d", n, len(fields))
		}
		a, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		b, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n, err)
		}
		out = append(out, Pair{a, b})
	}
	return out, sc.Err()
}

// WritePairs writes an optional '#' header followed by one row per pair,
// using the shortest representation that parses back to the same value.
func WritePairs(w io.Writer, header string, pairs []Pair) error {
	bw := bufio.NewWriter(w)
	if header != "" {
		if _, err := fmt.Fprintf(bw, "# %s\n", header); err != nil {
			return err
		}
	}
	for _, p := range pairs {
		bw.WriteString(strconv.FormatFloat(p.A, 'g', -1, 64))
		bw.WriteByte(' ')
		bw.WriteString(strconv.FormatFloat(p.B, 'g', -1, 64))
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadFile reads pairs from path.
func ReadFile(path string) ([]Pair, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	pairs, err := ReadPairs(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return pairs, nil
}

// WriteFile writes pairs to path, creating parent directories.
func WriteFile(path, header string, pairs []Pair) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WritePairs(f, header, pairs); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Profile is a raw spectrum: intensity against pixel position.
type Profile struct {
	Pixels      []float64
	Intensities []float64
}

// ProfileFromSlice indexes a profile by column.
func ProfileFromSlice(values []float64) Profile {
	p := Profile{Pixels: make([]float64, len(values)), Intensities: append([]float64(nil), values...)}
	for i := range values {
		p.Pixels[i] = float64(i)
	}
	return p
}

func WriteProfile(path string, p Profile) error {
	if len(p.Pixels) != len(p.Intensities) {
		return fmt.Errorf("profile has %d pixels and %d intensities", len(p.Pixels), len(p.Intensities))
	}
	pairs := make([]Pair, len(p.Pixels))
	for i := range pairs {
		pairs[i] = Pair{p.Pixels[i], p.Intensities[i]}
	}
	return WriteFile(path, "pixel intensity", pairs)
}

func ReadProfile(path string) (Profile, error) {
	pairs, err := ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	p := Profile{Pixels: make([]float64, len(pairs)), Intensities: make([]float64, len(pairs))}
	for i, q := range pairs {
		p.Pixels[i], p.Intensities[i] = q.A, q.B
	}
	return p, nil
}

// WriteTable stores a calibration table as pixel, wavelength rows.
func WriteTable(path string, entries []calib.Entry) error {
	pairs := make([]Pair, len(entries))
	for i, e := range entries {
		pairs[i] = Pair{e.Pixel, e.Wavelength}
	}
	return WriteFile(path, "pixel lambda", pairs)
}

func ReadTable(path string) ([]calib.Entry, error) {
	pairs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]calib.Entry, len(pairs))
	for i, q := range pairs {
		out[i] = calib.Entry{Pixel: q.A, Wavelength: q.B}
	}
	return out, nil
}

// WriteSpectrum stores a calibrated spectrum as wavelength, intensity rows.
func WriteSpectrum(path string, points []calib.Point) error {
	pairs := make([]Pair, len(points))
	for i, p := range points {
		pairs[i] = Pair{p.Wavelength, p.Intensity}
	}
	return WriteFile(path, "lambda intensity", pairs)
}

func ReadSpectrum(path string) ([]calib.Point, error) {
	pairs, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]calib.Point, len(pairs))
	for i, q := range pairs {
		out[i] = calib.Point{Wavelength: q.A, Intensity: q.B}
	}
	return out, nil
}
