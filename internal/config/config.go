// Package config loads depthsense runtime configuration.
//
// Values come from the process environment, optionally seeded from a .env
// file in the working directory. Command line flags in cmd/ override the
// result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the device runtime.
type Config struct {
	// Logging
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Model
	ModelPath      string `env:"MODEL_PATH" envDefault:"models/midas_v21_384.onnx"`
	ModelInputSize int    `env:"MODEL_INPUT_SIZE" envDefault:"0"` // 0 = probe the model
	DNNBackend     string `env:"DNN_BACKEND" envDefault:"cpu"`    // cpu, cuda, openvino
	InvertDepth    bool   `env:"INVERT_DEPTH" envDefault:"false"`
	CubicResize    bool   `env:"CUBIC_RESIZE" envDefault:"true"`

	// Capture
	VideoSource string  `env:"VIDEO_SOURCE" envDefault:"0"` // device index, file or URL
	FrameWidth  int     `env:"FRAME_WIDTH" envDefault:"0"`
	FrameHeight int     `env:"FRAME_HEIGHT" envDefault:"0"`
	Mirror      bool    `env:"MIRROR" envDefault:"true"`
	Rotation    int     `env:"ROTATION" envDefault:"90"` // clockwise degrees: 0, 90, 180, 270
	TargetFPS   float64 `env:"TARGET_FPS" envDefault:"30"`
	JPEGQuality int     `env:"JPEG_QUALITY" envDefault:"80"`
	Preview     bool    `env:"PREVIEW" envDefault:"false"`

	// Pane detection
	CloseThreshold float64 `env:"CLOSE_THRESH" envDefault:"0.70"`
	MinBlobArea    int     `env:"MIN_BLOB_AREA" envDefault:"200"`

	// Links
	DeviceAddr         string        `env:"DEVICE_ADDR" envDefault:":5001"`
	CompanionAddr      string        `env:"COMPANION_ADDR" envDefault:":5002"`
	DeviceSendInterval time.Duration `env:"DEVICE_SEND_INTERVAL" envDefault:"150ms"`
	KeepAlive          time.Duration `env:"TCP_KEEPALIVE" envDefault:"30s"`

	// Command relay
	CommandAddr           string        `env:"COMMAND_ADDR" envDefault:"10.87.74.192:8001"`
	CommandConnectTimeout time.Duration `env:"COMMAND_CONNECT_TIMEOUT" envDefault:"1s"`
	CommandReplyTimeout   time.Duration `env:"COMMAND_REPLY_TIMEOUT" envDefault:"500ms"`

	// HTTP boundary
	HTTPAddr string `env:"HTTP_ADDR" envDefault:"0.0.0.0:9999"`

	// Location
	LocationInterval time.Duration `env:"GPS_POLL_INTERVAL" envDefault:"2s"`
	GPSTimeout       time.Duration `env:"GPS_TIMEOUT" envDefault:"800ms"`
	GPSDAddr         string        `env:"GPSD_ADDR" envDefault:"127.0.0.1:2947"`
	GPSSerialDevice  string        `env:"GPS_SERIAL_DEVICE" envDefault:"/dev/ttyUSB0"`
	GPSBaudRate      int           `env:"GPS_BAUDRATE" envDefault:"9600"`
	GeoIPURL         string        `env:"GEOIP_URL" envDefault:"https://ipinfo.io/json"`
}

// Load reads .env (if present) and the environment into a validated Config.
func Load() (Config, error) {
	return LoadFiles()
}

// LoadFiles is Load with explicit .env paths. A missing file is not an error.
func LoadFiles(files ...string) (Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if problems := cfg.Validate(); len(problems) > 0 {
		return cfg, fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return cfg, nil
}

// Validate checks values are within usable ranges.
// Returns a list of problems, or nil if valid.
func (c *Config) Validate() []string {
	var problems []string

	if c.ModelPath == "" {
		problems = append(problems, "MODEL_PATH is required")
	}
	if c.ModelInputSize < 0 {
		problems = append(problems, "MODEL_INPUT_SIZE must be >= 0")
	}
	switch c.DNNBackend {
	case "cpu", "cuda", "openvino":
	default:
		problems = append(problems, "DNN_BACKEND must be cpu, cuda, or openvino")
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		problems = append(problems, "ROTATION must be 0, 90, 180, or 270")
	}
	if c.TargetFPS <= 0 || c.TargetFPS > 240 {
		problems = append(problems, "TARGET_FPS must be in (0, 240]")
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		problems = append(problems, "JPEG_QUALITY must be between 1 and 100")
	}
	if c.CloseThreshold <= 0 || c.CloseThreshold > 1 {
		problems = append(problems, "CLOSE_THRESH must be in (0, 1]")
	}
	if c.MinBlobArea < 0 {
		problems = append(problems, "MIN_BLOB_AREA must be >= 0")
	}
	if c.DeviceSendInterval <= 0 {
		problems = append(problems, "DEVICE_SEND_INTERVAL must be positive")
	}
	if c.CommandConnectTimeout <= 0 || c.CommandReplyTimeout <= 0 {
		problems = append(problems, "command timeouts must be positive")
	}
	if c.LocationInterval <= 0 {
		problems = append(problems, "GPS_POLL_INTERVAL must be positive")
	}
	if c.DeviceAddr == "" || c.CompanionAddr == "" {
		problems = append(problems, "DEVICE_ADDR and COMPANION_ADDR are required")
	}

	return problems
}
