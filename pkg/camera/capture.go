package camera

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// ErrNoFrame is returned when the source stops producing frames: the device
// was unplugged, the stream dropped or the file ended.
var ErrNoFrame = errors.New("camera: no frame")

// Frame is one captured BGR image. The receiver of a Frame owns its Mat and
// must Close it.
type Frame struct {
	Mat        gocv.Mat
	Width      int
	Height     int
	CapturedAt time.Time
}

// Close releases the image buffer.
func (f *Frame) Close() error {
	return f.Mat.Close()
}

// Source produces frames.
type Source interface {
	Read() (Frame, error)
	Close() error
}

// Capture reads frames through OpenCV's VideoCapture.
type Capture struct {
	cfg Config
	vc  *gocv.VideoCapture
	mu  sync.Mutex
	now func() time.Time
}

// Open starts capturing from cfg.Source. A purely numeric source is a device
// index; anything else is passed to OpenCV as a path or URL.
func Open(cfg Config) (*Capture, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("camera: invalid config: %v", errs)
	}

	var device interface{} = cfg.Source
	if idx, err := strconv.Atoi(cfg.Source); err == nil {
		device = idx
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("camera: open %s: %w", cfg.Source, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("camera: open %s: device not available", cfg.Source)
	}

	if cfg.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(cfg.Width))
	}
	if cfg.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(cfg.Height))
	}

	return &Capture{cfg: cfg, vc: vc, now: time.Now}, nil
}

// Read grabs the next frame and applies the mounting correction.
func (c *Capture) Read() (Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return Frame{}, ErrNoFrame
	}

	raw := gocv.NewMat()
	if ok := c.vc.Read(&raw); !ok || raw.Empty() {
		raw.Close()
		return Frame{}, ErrNoFrame
	}
	at := c.now()

	img, err := c.cfg.Orientation().Apply(raw)
	raw.Close()
	if err != nil {
		return Frame{}, err
	}
	return Frame{
		Mat:        img,
		Width:      img.Cols(),
		Height:     img.Rows(),
		CapturedAt: at,
	}, nil
}

// Close releases the device. It is safe to call more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	return err
}
