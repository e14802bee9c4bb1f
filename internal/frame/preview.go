package frame

import (
	"image"
	"image/color"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// ToImage renders the frame as an 8-bit image. Samples are scaled so that the
// frame maximum maps to white, then multiplied by contrast.
func (f *Frame) ToImage(contrast float64) image.Image {
	if contrast <= 0 {
		contrast = 1
	}
	scale := 0.0
	if max := f.MaxValue(); max > 0 {
		scale = 255 * contrast / max
	}
	to8 := func(v float64) uint8 {
		v *= scale
		switch {
		case v <= 0:
			return 0
		case v >= 255:
			return 255
		default:
			return uint8(v + 0.5)
		}
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	if f.Channels == 1 {
		img := image.NewGray(rect)
		for i, v := range f.Planes[0] {
			img.Pix[i] = to8(v)
		}
		return img
	}
	img := image.NewNRGBA(rect)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			i := y*f.Width + x
			img.SetNRGBA(x, y, color.NRGBA{
				R: to8(f.Planes[0][i]),
				G: to8(f.Planes[1][i]),
				B: to8(f.Planes[2][i]),
				A: 255,
			})
		}
	}
	return img
}

// SavePreview writes an 8-bit preview (png, jpg, ... by extension).
func SavePreview(path string, f *Frame, contrast float64) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return imaging.Save(f.ToImage(contrast), path)
}
