// Package pipeline runs the perception loop: capture, depth, panes,
// publish, stream.
//
// A Loop moves through three states. Init opens the camera and loads the
// model; Run repeats the cycle at the target frame rate until the context is
// cancelled or something fatal happens; every exit path then runs the same
// release sequence once and the loop ends in StateShutdown.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/teslashibe/go-depthsense/pkg/camera"
	"github.com/teslashibe/go-depthsense/pkg/depth"
	"github.com/teslashibe/go-depthsense/pkg/link"
	"github.com/teslashibe/go-depthsense/pkg/panes"
	"github.com/teslashibe/go-depthsense/pkg/state"
	"github.com/teslashibe/go-depthsense/pkg/viz"
	"gocv.io/x/gocv"
)

// Fatal loop errors.
var (
	// ErrCaptureStopped is returned when the frame source stops producing.
	ErrCaptureStopped = errors.New("pipeline: capture stopped")

	// ErrInference is returned when depth estimation or pane detection fails.
	ErrInference = errors.New("pipeline: inference failed")

	// ErrRender is returned when the debug view cannot be drawn or encoded.
	ErrRender = errors.New("pipeline: render failed")

	// ErrNotInitialized is returned by Run before a successful Init.
	ErrNotInitialized = errors.New("pipeline: not initialized")
)

// State is the loop lifecycle state.
type State int32

const (
	StateInit State = iota
	StateRunning
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Estimator turns a BGR frame into a depth map.
type Estimator interface {
	Estimate(frame gocv.Mat) (depth.Map, error)
	Close() error
}

// Detector turns a depth map into pane occupancy.
type Detector interface {
	Detect(m depth.Map) (panes.Result, error)
}

// TupleSink receives the occupancy every cycle. It must not block.
type TupleSink interface {
	SendTuple(o panes.Occupancy)
}

// ViewerSink receives camera frames and periodic location updates.
type ViewerSink interface {
	SendFrame(jpeg []byte) error
	SendLocation(v any) error
}

// Preview displays the debug view locally.
type Preview interface {
	Show(img gocv.Mat) (quit bool)
	Close() error
}

// Deps are the collaborators of a Loop. OpenSource and LoadEstimator run in
// Init; the rest are used every cycle. Device, Viewer and Preview are
// optional.
type Deps struct {
	OpenSource    func() (camera.Source, error)
	LoadEstimator func() (Estimator, error)
	Detector      Detector
	State         *state.Shared
	Device        TupleSink
	Viewer        ViewerSink
	Preview       Preview

	// Closers are released after the camera and model during shutdown,
	// in order.
	Closers []io.Closer
}

// Config controls pacing and output.
type Config struct {
	TargetFPS        float64
	LocationInterval time.Duration
	JPEGQuality      int
}

// DefaultConfig returns 30 fps, a 2 s location cadence and quality 80.
func DefaultConfig() Config {
	return Config{
		TargetFPS:        30,
		LocationInterval: 2 * time.Second,
		JPEGQuality:      viz.DefaultQuality,
	}
}

// Loop is the frame loop.
type Loop struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	state atomic.Int32
	src   camera.Source
	est   Estimator

	frames  atomic.Uint64
	lastLoc time.Time

	shutdownOnce sync.Once
	shutdownErr  error

	now func() time.Time
}

// New creates a loop in StateInit.
func New(cfg Config, deps Deps, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = viz.DefaultQuality
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "pipeline"),
		now:    time.Now,
	}
}

// State returns the current lifecycle state.
func (l *Loop) State() State { return State(l.state.Load()) }

// Frames returns the number of completed cycles.
func (l *Loop) Frames() uint64 { return l.frames.Load() }

// Interval is the target cycle duration.
func (l *Loop) Interval() time.Duration {
	return time.Duration(float64(time.Second) / max(1, l.cfg.TargetFPS))
}

// Init opens the frame source and loads the estimator. On failure the loop
// shuts down, releasing whatever was opened.
func (l *Loop) Init() error {
	if l.State() != StateInit {
		return fmt.Errorf("pipeline: init in state %s", l.State())
	}

	src, err := l.deps.OpenSource()
	if err != nil {
		l.Shutdown()
		return fmt.Errorf("pipeline: open source: %w", err)
	}
	l.src = src

	est, err := l.deps.LoadEstimator()
	if err != nil {
		l.Shutdown()
		return fmt.Errorf("pipeline: load model: %w", err)
	}
	l.est = est

	l.logger.Info("pipeline ready",
		"target_fps", l.cfg.TargetFPS,
		"interval", l.Interval().String(),
	)
	return nil
}

// Run cycles until ctx is cancelled (nil), the preview window is closed
// with q (nil) or a fatal error occurs. The release sequence has run when
// Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if l.src == nil || l.est == nil || !l.state.CompareAndSwap(int32(StateInit), int32(StateRunning)) {
		return ErrNotInitialized
	}
	defer l.Shutdown()

	interval := l.Interval()
	for {
		if ctx.Err() != nil {
			l.logger.Info("pipeline stopped", "frames", l.Frames())
			return nil
		}

		start := l.now()
		quit, err := l.cycle()
		if err != nil {
			l.logger.Error("pipeline failed", "error", err, "frames", l.Frames())
			return err
		}
		if quit {
			l.logger.Info("preview closed", "frames", l.Frames())
			return nil
		}

		if wait := interval - l.now().Sub(start); wait > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
}

// cycle processes one frame.
func (l *Loop) cycle() (quit bool, err error) {
	frame, err := l.src.Read()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrCaptureStopped, err)
	}
	defer frame.Close()

	dm, err := l.est.Estimate(frame.Mat)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInference, err)
	}
	res, err := l.deps.Detector.Detect(dm)
	if err != nil {
		return false, fmt.Errorf("%w: detect: %v", ErrInference, err)
	}

	vis, err := viz.Compose(frame.Mat, dm, res)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRender, err)
	}
	defer vis.Close()
	visJPEG, err := viz.EncodeJPEG(vis, l.cfg.JPEGQuality)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRender, err)
	}

	l.deps.State.Publish(visJPEG, res.Occupancy)

	if l.deps.Device != nil {
		l.deps.Device.SendTuple(res.Occupancy)
	}
	if l.deps.Viewer != nil {
		l.stream(frame.Mat)
	}

	n := l.frames.Add(1)
	if n == 1 {
		l.logger.Info("first frame processed",
			"width", frame.Width,
			"height", frame.Height,
			"tuple", res.Occupancy.String(),
		)
	}

	if l.deps.Preview != nil {
		return l.deps.Preview.Show(vis), nil
	}
	return false, nil
}

// stream pushes the camera frame and, on its own cadence, the location to
// the viewer. Viewer failures never stop the loop.
func (l *Loop) stream(frame gocv.Mat) {
	if camJPEG, err := viz.EncodeJPEG(frame, l.cfg.JPEGQuality); err == nil {
		if err := l.deps.Viewer.SendFrame(camJPEG); err != nil && !errors.Is(err, link.ErrNoPeer) {
			l.logger.Debug("frame not delivered", "error", err)
		}
	}

	now := l.now()
	if !l.lastLoc.IsZero() && now.Sub(l.lastLoc) < l.cfg.LocationInterval {
		return
	}
	l.lastLoc = now
	if err := l.deps.Viewer.SendLocation(l.deps.State.Location()); err != nil && !errors.Is(err, link.ErrNoPeer) {
		l.logger.Debug("location not delivered", "error", err)
	}
}

// Shutdown runs the release sequence once: frame source, model, preview
// window, then Closers. Later calls return the first result.
func (l *Loop) Shutdown() error {
	l.shutdownOnce.Do(func() {
		l.state.Store(int32(StateShutdown))

		var errs []error
		if l.src != nil {
			errs = append(errs, l.src.Close())
		}
		if l.est != nil {
			errs = append(errs, l.est.Close())
		}
		if l.deps.Preview != nil {
			errs = append(errs, l.deps.Preview.Close())
		}
		for _, c := range l.deps.Closers {
			errs = append(errs, c.Close())
		}
		l.shutdownErr = errors.Join(errs...)
		l.logger.Info("pipeline released")
	})
	return l.shutdownErr
}
