// Package camera acquires frames from a local camera, video file or stream
// and corrects them for how the camera is mounted.
package camera

import "fmt"

// Config holds capture settings.
type Config struct {
	// Source is a device index ("0"), a file path or a stream URL.
	Source string `json:"source"`

	// Requested resolution. Zero keeps the driver default.
	Width  int `json:"width"`
	Height int `json:"height"`

	// Mounting correction applied to every frame.
	Mirror   bool `json:"mirror"`
	Rotation int  `json:"rotation"` // clockwise degrees: 0, 90, 180, 270
}

// Sensor limits accepted by Validate.
const (
	MaxWidth  = 4608
	MaxHeight = 2592
)

// DefaultConfig returns the chest-mounted webcam configuration: first
// device, mirrored and rotated a quarter turn clockwise.
func DefaultConfig() Config {
	return Config{
		Source:   "0",
		Mirror:   true,
		Rotation: 90,
	}
}

// Orientation returns the mounting correction of c.
func (c Config) Orientation() Orientation {
	return Orientation{Mirror: c.Mirror, Rotation: c.Rotation}
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errors []string

	if c.Source == "" {
		errors = append(errors, "source is required")
	}
	if c.Width < 0 || c.Width > MaxWidth {
		errors = append(errors, fmt.Sprintf("width must be between 0 (default) and %d", MaxWidth))
	}
	if c.Height < 0 || c.Height > MaxHeight {
		errors = append(errors, fmt.Sprintf("height must be between 0 (default) and %d", MaxHeight))
	}
	switch c.Rotation {
	case 0, 90, 180, 270:
	default:
		errors = append(errors, "rotation must be 0, 90, 180, or 270")
	}

	return errors
}
