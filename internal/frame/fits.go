package frame

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/astrogo/fitsio"
)

// Header is the set of non-structural FITS cards written with, or read from, a frame.
type Header map[string]any

// cardOrder fixes the position of the well known cards; anything else follows sorted.
var cardOrder = []string{
	"D_SCALXY", "D_X00", "D_Y00", "D_ROT", "D_DISP0", "D_A3", "D_A5",
	"DATE-OBS", "M_STATIO", "M_BOB", "M_NIM", "M_STARTI",
	"M_TILT", "M_SLANT", "M_ROWMIN", "M_ROWMAX", "M_NOTE", "VERSION",
}

var structural = map[string]bool{
	"SIMPLE": true, "BITPIX": true, "NAXIS": true, "NAXIS1": true, "NAXIS2": true,
	"NAXIS3": true, "EXTEND": true, "END": true, "BZERO": true, "BSCALE": true,
	"XTENSION": true, "PCOUNT": true, "GCOUNT": true,
}

// Float returns a numeric card value.
func (h Header) Float(key string) (float64, bool) {
	switch v := h[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	}
	return 0, false
}

// String returns a string card value.
func (h Header) String(key string) (string, bool) {
	s, ok := h[key].(string)
	return s, ok
}

func (h Header) cards(meta Meta) []fitsio.Card {
	merged := Header{}
	for k, v := range h {
		merged[k] = v
	}
	if meta.DateObs != "" {
		if _, ok := merged["DATE-OBS"]; !ok {
			merged["DATE-OBS"] = meta.DateObs
		}
	}
	if meta.Station != "" {
		if _, ok := merged["M_STATIO"]; !ok {
			merged["M_STATIO"] = meta.Station
		}
	}

	seen := make(map[string]bool, len(merged))
	var cards []fitsio.Card
	for _, k := range cardOrder {
		if v, ok := merged[k]; ok {
			cards = append(cards, fitsio.Card{Name: k, Value: v})
			seen[k] = true
		}
	}
	var rest []string
	for k := range merged {
		if !seen[k] && !structural[k] {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		cards = append(cards, fitsio.Card{Name: k, Value: merged[k]})
	}
	return cards
}

// WriteFITS stores f as a 32-bit float primary image. Colour frames get a
// third axis of length 3.
func WriteFITS(path string, f *Frame, hdr Header) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	w, err := os.Create(path)
	if err != nil {
		return err
	}
	defer w.Close()

	out, err := fitsio.Create(w)
	if err != nil {
		return fmt.Errorf("create fits %s: %w", path, err)
	}

	axes := []int{f.Width, f.Height}
	if f.Channels == 3 {
		axes = append(axes, 3)
	}
	img := fitsio.NewImage(-32, axes)
	defer img.Close()

	if err := img.Header().Append(hdr.cards(f.Meta)...); err != nil {
		return fmt.Errorf("fits header %s: %w", path, err)
	}

	data := make([]float32, 0, f.Width*f.Height*f.Channels)
	for _, p := range f.Planes {
		for _, v := range p {
			data = append(data, float32(v))
		}
	}
	if err := img.Write(data); err != nil {
		return fmt.Errorf("fits data %s: %w", path, err)
	}
	if err := out.Write(img); err != nil {
		return fmt.Errorf("write fits %s: %w", path, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return w.Close()
}

// ReadFITS loads the primary image of a FITS file together with its cards.
// Sample values are kept as stored (after BSCALE/BZERO).
func ReadFITS(path string) (*Frame, Header, error) {
	r, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, &FrameNotFoundError{Path: path}
		}
		return nil, nil, err
	}
	defer r.Close()

	in, err := fitsio.Open(r)
	if err != nil {
		return nil, nil, fmt.Errorf("open fits %s: %w", path, err)
	}
	defer in.Close()

	img, ok := in.HDU(0).(fitsio.Image)
	if !ok {
		return nil, nil, fmt.Errorf("fits %s: primary HDU is not an image", path)
	}
	h := img.Header()
	axes := h.Axes()
	if len(axes) < 2 {
		return nil, nil, fmt.Errorf("fits %s: need at least 2 axes, got %d", path, len(axes))
	}
	width, height, channels := axes[0], axes[1], 1
	if len(axes) > 2 && axes[2] == 3 {
		channels = 3
	}

	pixels, err := readPixels(img, width*height*channels)
	if err != nil {
		return nil, nil, fmt.Errorf("fits %s: %w", path, err)
	}
	bzero, bscale := 0.0, 1.0
	if c := h.Get("BZERO"); c != nil {
		bzero = toFloat(c.Value, 0)
	}
	if c := h.Get("BSCALE"); c != nil {
		bscale = toFloat(c.Value, 1)
	}

	f := New(width, height, channels)
	n := width * height
	for c := 0; c < channels; c++ {
		dst := f.Planes[c]
		for i := range dst {
			dst[i] = bzero + bscale*pixels[c*n+i]
		}
	}

	hdr := Header{}
	for _, key := range h.Keys() {
		if structural[key] || key == "" {
			continue
		}
		if card := h.Get(key); card != nil {
			hdr[key] = card.Value
		}
	}
	f.Meta.DateObs, _ = hdr.String("DATE-OBS")
	f.Meta.Station, _ = hdr.String("M_STATIO")
	return f, hdr, nil
}

func readPixels(img fitsio.Image, n int) ([]float64, error) {
	out := make([]float64, n)
	switch bitpix := img.Header().Bitpix(); bitpix {
	case 8:
		data := make([]uint8, n)
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			out[i] = float64(v)
		}
	case 16:
		data := make([]int16, n)
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			out[i] = float64(v)
		}
	case 32:
		data := make([]int32, n)
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			out[i] = float64(v)
		}
	case 64:
		data := make([]int64, n)
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			out[i] = float64(v)
		}
	case -32:
		data := make([]float32, n)
		if err := img.Read(&data); err != nil {
			return nil, err
		}
		for i, v := range data {
			out[i] = float64(v)
		}
	case -64:
		if err := img.Read(&out); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	for i, v := range out {
		if math.IsNaN(v) {
			out[i] = 0
		}
	}
	return out, nil
}

func toFloat(v any, def float64) float64 {
	switch x := v.(type) {
	case float64:
		return x
	case float32:
		return float64(x)
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case int32:
		return float64(x)
	}
	return def
}
