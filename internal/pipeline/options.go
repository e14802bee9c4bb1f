package pipeline

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"mspec/internal/calib"
	"mspec/internal/config"
)

// Options arrive either from the CLI as Go values or from the HTTP API as
// decoded JSON, so numbers may be int or float64.

func getStringOption(options map[string]any, key, defaultValue string) string {
	if val, ok := options[key].(string); ok && val != "" {
		return val
	}
	return defaultValue
}

func getBoolOption(options map[string]any, key string, defaultValue bool) bool {
	switch v := options[key].(type) {
	case bool:
		return v
	case string:
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getIntOption(options map[string]any, key string, defaultValue int) int {
	switch v := options[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat64Option(options map[string]any, key string, defaultValue float64) float64 {
	switch v := options[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// geometryOption overlays per-job coefficient overrides on the configured geometry.
func geometryOption(options map[string]any, g config.Geometry) config.Geometry {
	g.ScalXY = getFloat64Option(options, "scalxy", g.ScalXY)
	g.X00 = getFloat64Option(options, "x00", g.X00)
	g.Y00 = getFloat64Option(options, "y00", g.Y00)
	g.Rot = getFloat64Option(options, "rot", g.Rot)
	g.Disp0 = getFloat64Option(options, "disp0", g.Disp0)
	g.A3 = getFloat64Option(options, "a3", g.A3)
	g.A5 = getFloat64Option(options, "a5", g.A5)
	g.Bob = getBoolOption(options, "bob", g.Bob)
	return g
}

// lineOption decodes the "lines" option into calibration picks.
func lineOption(options map[string]any) ([]calib.LineRequest, error) {
	raw, ok := options["lines"]
	if !ok || raw == nil {
		return nil, nil
	}
	if picks, ok := raw.([]calib.LineRequest); ok {
		return picks, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("lines option: %w", err)
	}
	var picks []calib.LineRequest
	if err := json.Unmarshal(data, &picks); err != nil {
		return nil, fmt.Errorf("lines option: %w", err)
	}
	return picks, nil
}

// getStringsOption reads a list of strings such as image paths.
func getStringsOption(options map[string]any, key string) []string {
	switch v := options[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// getFloatsOption reads a list of numbers such as the "drop" pixels.
func getFloatsOption(options map[string]any, key string) []float64 {
	switch v := options[key].(type) {
	case []float64:
		return v
	case []any:
		out := make([]float64, 0, len(v))
		for i := range v {
			item := map[string]any{"v": v[i]}
			if f := getFloat64Option(item, "v", math.NaN()); !math.IsNaN(f) {
				out = append(out, f)
			}
		}
		return out
	}
	return nil
}
