package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"

	"mspec/internal/geometry"
)

const (
	defaultConfigPath = "~/.config/mspec/config.json"
	defaultParallel   = 2
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Geometry     Geometry     `json:"geometry"`
	Processing   Processing   `json:"processing"`
	Registration Registration `json:"registration"`
	Extraction   Extraction   `json:"extraction"`
	Calibration  Calibration  `json:"calibration"`
	Station      Station      `json:"station"`
	Logging      Logging      `json:"logging"`
	Paths        Paths        `json:"paths"`
	Server       Server       `json:"server"`
}

// Geometry holds the distortion coefficients (rot in radians) and the
// linear dispersion used for degree 0 calibration.
type Geometry struct {
	ScalXY float64 `json:"scalxy"`
	X00    float64 `json:"x00"`
	Y00    float64 `json:"y00"`
	Rot    float64 `json:"rot"`
	Disp0  float64 `json:"disp0"`
	A3     float64 `json:"a3"`
	A5     float64 `json:"a5"`
	Bob    bool    `json:"bob"`
}

// Params converts the record into geometry parameters.
func (g Geometry) Params() geometry.Params {
	return geometry.Params{Scale: g.ScalXY, X0: g.X00, Y0: g.Y00, Rot: g.Rot, A3: g.A3, A5: g.A5, Bob: g.Bob}
}

// Processing captures execution preferences for background and distortion.
type Processing struct {
	ParallelJobs       int  `json:"parallel_jobs"`
	FrameWorkers       int  `json:"frame_workers"`
	NBack              int  `json:"n_back"`
	First              int  `json:"first"`
	MaxImages          int  `json:"max_images"`
	Color              bool `json:"color"`
	ApplyDistortion    bool `json:"apply_distortion"`
	SubtractBackground bool `json:"subtract_background"`
}

// Registration tunes the alignment stage.
type Registration struct {
	Threshold    float64 `json:"threshold"`
	SearchRadius int     `json:"search_radius"`
	Average      bool    `json:"average"`
	MaxImages    int     `json:"max_images"`
}

// Extraction tunes tilt/slant measurement.
type Extraction struct {
	ColumnBands int     `json:"column_bands"`
	RowBands    int     `json:"row_bands"`
	MinContrast float64 `json:"min_contrast"`
}

// Calibration tunes the wavelength fit.
type Calibration struct {
	Degree      int     `json:"degree"`
	LineList    string  `json:"line_list"`
	MinContrast float64 `json:"min_contrast"`
}

// Station is written into the headers of produced images.
type Station struct {
	Name    string `json:"station"`
	Comment string `json:"comment"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
	MaxSize    int    `json:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `json:"max_backups"` // Number of backup files to keep
	MaxAge     int    `json:"max_age"`     // Days to keep log files
}

// Paths configures frame sequences and output locations.
type Paths struct {
	FrameBase    string `json:"frame_base"`
	FrameExt     string `json:"frame_ext"`
	OutPath      string `json:"outpath"`
	MDist        string `json:"mdist"`
	RegBase      string `json:"reg_base"`
	DatabasePath string `json:"database_path"`
}

// Server configures the API listeners.
type Server struct {
	HTTPAddr string `json:"http_addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// A .env file in the working directory is applied first, so MSPEC_CONFIG
// may be set there.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cfg := defaultConfig()

	configPath := os.Getenv("MSPEC_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save writes cfg as indented JSON to the active config path.
func Save(cfg *Config) (string, error) {
	configPath := os.Getenv("MSPEC_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}
	expanded, err := expandUser(configPath)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	return expanded, os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Geometry: Geometry{
			ScalXY: 1,
			X00:    320,
			Y00:    240,
			Disp0:  1,
		},
		Processing: Processing{
			ParallelJobs:       defaultParallel,
			FrameWorkers:       4,
			NBack:              10,
			First:              25,
			MaxImages:          50,
			ApplyDistortion:    true,
			SubtractBackground: true,
		},
		Registration: Registration{
			Threshold:    0.5,
			SearchRadius: 20,
			MaxImages:    50,
		},
		Extraction: Extraction{
			ColumnBands: 8,
			RowBands:    2,
			MinContrast: 0.5,
		},
		Calibration: Calibration{
			Degree:      1,
			MinContrast: 0.6,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		Paths: Paths{
			FrameBase:    "./frames/m",
			FrameExt:     ".png",
			OutPath:      "./out",
			MDist:        "mdist",
			RegBase:      "r",
			DatabasePath: filepath.Join(os.TempDir(), "mspec.db"),
		},
		Server: Server{
			HTTPAddr: ":8080",
			GRPCAddr: ":9090",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
