package frame

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Source gives indexed access to the frames of a sequence.
type Source interface {
	Load(index int) (*Frame, error)
}

// SequencePath builds the file name of frame index in a base+index+ext sequence
// (for example "out/mdist" + 12 + ".fit").
func SequencePath(base string, index int, ext string) string {
	return base + strconv.Itoa(index) + ext
}

// DirSource reads frames stored as numbered files.
type DirSource struct {
	Base string
	Ext  string
}

// Path returns the file backing frame index.
func (s DirSource) Path(index int) string {
	return SequencePath(s.Base, index, s.Ext)
}

// Load reads frame index, returning *FrameNotFoundError when the file is absent.
func (s DirSource) Load(index int) (*Frame, error) {
	path := s.Path(index)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &FrameNotFoundError{Index: index, Path: path}
		}
		return nil, err
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	f.Index = index
	return f, nil
}

// Load decodes a single image file. FITS files go through the FITS codec,
// everything else through the raster decoders.
func Load(path string) (*Frame, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".fit", ".fits", ".fts":
		f, _, err := ReadFITS(path)
		return f, err
	default:
		return decodeRaster(path)
	}
}

// MemSource serves frames from memory. Errors registered for an index are
// returned instead of the frame, which lets callers simulate corrupt input.
type MemSource struct {
	Frames map[int]*Frame
	Errors map[int]error
}

// NewMemSource indexes frames starting at first.
func NewMemSource(first int, frames ...*Frame) *MemSource {
	m := &MemSource{Frames: make(map[int]*Frame), Errors: make(map[int]error)}
	for i, f := range frames {
		f.Index = first + i
		m.Frames[first+i] = f
	}
	return m
}

// Load implements Source.
func (m *MemSource) Load(index int) (*Frame, error) {
	if err, ok := m.Errors[index]; ok {
		return nil, fmt.Errorf("frame %d: %w", index, err)
	}
	f, ok := m.Frames[index]
	if !ok {
		return nil, &FrameNotFoundError{Index: index}
	}
	return f, nil
}
