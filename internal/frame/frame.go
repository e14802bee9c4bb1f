package frame

import (
	"fmt"
)

// Luma weights used whenever a colour frame is reduced to one channel (ITU-R BT.709).
const (
	LumaR = 0.2125
	LumaG = 0.7154
	LumaB = 0.0721
)

// Meta holds the acquisition metadata that travels with a frame.
type Meta struct {
	DateObs string `json:"date_obs"`
	Station string `json:"station"`
}

// Frame is a planar image with one (mono) or three (RGB) channels.
// Planes are row-major and Width*Height long. Frames are treated as
// immutable by the stages: every transform returns a new Frame.
type Frame struct {
	Index    int
	Width    int
	Height   int
	Channels int
	Planes   [][]float64
	Meta     Meta
}

// New allocates a zeroed frame.
func New(width, height, channels int) *Frame {
	if channels != 3 {
		channels = 1
	}
	planes := make([][]float64, channels)
	for c := range planes {
		planes[c] = make([]float64, width*height)
	}
	return &Frame{Width: width, Height: height, Channels: channels, Planes: planes}
}

// NewLike allocates a zeroed frame with the same shape, index and metadata as f.
func NewLike(f *Frame) *Frame {
	out := New(f.Width, f.Height, f.Channels)
	out.Index = f.Index
	out.Meta = f.Meta
	return out
}

// Filled returns a frame with every sample set to v.
func Filled(width, height, channels int, v float64) *Frame {
	f := New(width, height, channels)
	for _, p := range f.Planes {
		for i := range p {
			p[i] = v
		}
	}
	return f
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	out := NewLike(f)
	for c := range f.Planes {
		copy(out.Planes[c], f.Planes[c])
	}
	return out
}

// At returns the sample of channel c at (x, y). Out-of-range coordinates return 0.
func (f *Frame) At(c, x, y int) float64 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Planes[c][y*f.Width+x]
}

// Set writes the sample of channel c at (x, y).
func (f *Frame) Set(c, x, y int, v float64) {
	f.Planes[c][y*f.Width+x] = v
}

// SameShape reports whether g has the same dimensions and channel count as f.
func (f *Frame) SameShape(g *Frame) bool {
	return f.Width == g.Width && f.Height == g.Height && f.Channels == g.Channels
}

// Validate checks the internal consistency of the planes.
func (f *Frame) Validate() error {
	if f.Width <= 0 || f.Height <= 0 {
		return fmt.Errorf("frame %d: invalid size %dx%d", f.Index, f.Width, f.Height)
	}
	if f.Channels != 1 && f.Channels != 3 {
		return fmt.Errorf("frame %d: unsupported channel count %d", f.Index, f.Channels)
	}
	if len(f.Planes) != f.Channels {
		return fmt.Errorf("frame %d: %d planes for %d channels", f.Index, len(f.Planes), f.Channels)
	}
	for c, p := range f.Planes {
		if len(p) != f.Width*f.Height {
			return fmt.Errorf("frame %d: plane %d has %d samples, want %d", f.Index, c, len(p), f.Width*f.Height)
		}
	}
	return nil
}

// Luma returns a single-channel frame. Mono frames are copied.
func (f *Frame) Luma() *Frame {
	if f.Channels == 1 {
		return f.Clone()
	}
	out := New(f.Width, f.Height, 1)
	out.Index = f.Index
	out.Meta = f.Meta
	r, g, b := f.Planes[0], f.Planes[1], f.Planes[2]
	dst := out.Planes[0]
	for i := range dst {
		dst[i] = LumaR*r[i] + LumaG*g[i] + LumaB*b[i]
	}
	return out
}

// MaxValue returns the largest sample across all channels.
func (f *Frame) MaxValue() float64 {
	max := 0.0
	for _, p := range f.Planes {
		for _, v := range p {
			if v > max {
				max = v
			}
		}
	}
	return max
}

// Shift returns the frame translated so that out(x,y) = f(x+dx, y+dy), zero filled.
func (f *Frame) Shift(dx, dy int) *Frame {
	out := NewLike(f)
	for c := range f.Planes {
		src, dst := f.Planes[c], out.Planes[c]
		for y := 0; y < f.Height; y++ {
			sy := y + dy
			if sy < 0 || sy >= f.Height {
				continue
			}
			for x := 0; x < f.Width; x++ {
				sx := x + dx
				if sx < 0 || sx >= f.Width {
					continue
				}
				dst[y*f.Width+x] = src[sy*f.Width+sx]
			}
		}
	}
	return out
}

// FrameNotFoundError is returned by a Source for an index it cannot provide.
type FrameNotFoundError struct {
	Index int
	Path  string
}

func (e *FrameNotFoundError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("frame %d not found: %s", e.Index, e.Path)
	}
	return fmt.Sprintf("frame %d not found", e.Index)
}
