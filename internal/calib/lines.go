package calib

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Line is a reference emission line.
type Line struct {
	Wavelength float64 `json:"wavelength"`
	Name       string  `json:"name"`
}

func (l Line) String() string {
	return strconv.FormatFloat(l.Wavelength, 'g', -1, 64) + " " + l.Name
}

// DefaultLines is used when no line list is configured.
func DefaultLines() []Line {
	return []Line{
		{0, "zero"},
		{517.5, "Mg I"},
		{589, "Na I"},
		{777.4, "O I"},
	}
}

// ParseLine parses "<wavelength> <name>", e.g. "589 Na I".
func ParseLine(s string) (Line, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return Line{}, fmt.Errorf("empty line entry")
	}
	w, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return Line{}, fmt.Errorf("line entry %q: %w", s, err)
	}
	return Line{Wavelength: w, Name: strings.Join(fields[1:], " ")}, nil
}

// LoadLineList reads one line per row; blank rows and '#' comments are ignored.
func LoadLineList(path string) ([]Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []Line
	sc := bufio.NewScanner(f)
	n := 0
	for sc.Scan() {
		n++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		l, err := ParseLine(text)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, n, err)
		}
		lines = append(lines, l)
	}
	return lines, sc.Err()
}
