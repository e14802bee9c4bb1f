package frame

import (
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// decodeRaster reads png, jpeg, bmp and tiff with the Go decoders and hands
// anything else to ImageMagick.
func decodeRaster(path string) (*Frame, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err == nil {
		return FromImage(img), nil
	}
	if !errors.Is(err, image.ErrFormat) {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return decodeWithImageMagick(path)
}

// FromImage converts a Go image into a frame with samples in [0,1].
// Gray images become mono frames, everything else RGB.
func FromImage(img image.Image) *Frame {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch src := img.(type) {
	case *image.Gray:
		f := New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Planes[0][y*w+x] = float64(src.GrayAt(b.Min.X+x, b.Min.Y+y).Y) / 255
			}
		}
		return f
	case *image.Gray16:
		f := New(w, h, 1)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Planes[0][y*w+x] = float64(src.Gray16At(b.Min.X+x, b.Min.Y+y).Y) / 65535
			}
		}
		return f
	}

	f := New(w, h, 3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*w + x
			f.Planes[0][i] = float64(r) / 65535
			f.Planes[1][i] = float64(g) / 65535
			f.Planes[2][i] = float64(bl) / 65535
		}
	}
	return f
}

func decodeWithImageMagick(path string) (*Frame, error) {
	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return nil, fmt.Errorf("imagemagick read %s: %w", path, err)
	}
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	px, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_DOUBLE)
	if err != nil {
		return nil, fmt.Errorf("imagemagick export %s: %w", path, err)
	}

	f := New(int(w), int(h), 3)
	n := int(w) * int(h)
	switch data := px.(type) {
	case []float64:
		for i := 0; i < n; i++ {
			f.Planes[0][i] = data[3*i]
			f.Planes[1][i] = data[3*i+1]
			f.Planes[2][i] = data[3*i+2]
		}
	case []float32:
		for i := 0; i < n; i++ {
			f.Planes[0][i] = float64(data[3*i])
			f.Planes[1][i] = float64(data[3*i+1])
			f.Planes[2][i] = float64(data[3*i+2])
		}
	default:
		return nil, fmt.Errorf("imagemagick export %s: unexpected pixel type %T", path, px)
	}
	return f, nil
}
