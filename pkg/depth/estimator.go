// Package depth runs monocular depth estimation over camera frames.
//
// An Estimator wraps an ONNX depth model (MiDaS family) loaded through the
// OpenCV DNN module. Its output is a Map: a per-pixel closeness estimate at
// the frame's resolution, min-max normalized to [0,1].
package depth

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"os"
	"sync"

	"github.com/teslashibe/go-depthsense/pkg/modelinfo"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

// Sentinel errors.
var (
	// ErrModelNotFound is returned when the model file does not exist.
	ErrModelNotFound = errors.New("depth: model file not found")

	// ErrInference is returned when a forward pass fails or produces an
	// output that cannot be read as a depth grid.
	ErrInference = errors.New("depth: inference failed")
)

// Backend names accepted by Config.Backend.
const (
	BackendCPU      = "cpu"
	BackendCUDA     = "cuda"
	BackendOpenVINO = "openvino"
)

// Config holds estimator settings.
type Config struct {
	ModelPath string

	// InputSize overrides the probed square model input size when > 0.
	InputSize int

	Backend string

	// Invert applies 1/(v+eps) before normalization, for models whose
	// output grows with distance.
	Invert bool

	// Cubic selects bicubic upsampling of the model output; bilinear
	// otherwise.
	Cubic bool
}

// DefaultConfig returns MiDaS v2.1 small defaults.
func DefaultConfig() Config {
	return Config{
		ModelPath: "models/midas_v21_384.onnx",
		Backend:   BackendCPU,
		Cubic:     true,
	}
}

// Estimator produces depth maps from BGR frames.
type Estimator struct {
	net       gocv.Net
	cfg       Config
	inputSize int
	logger    *slog.Logger
	mu        sync.Mutex
}

// New loads the model and determines its input size.
func New(cfg Config, logger *slog.Logger) (*Estimator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "depth")

	if _, err := os.Stat(cfg.ModelPath); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, cfg.ModelPath)
		}
		return nil, fmt.Errorf("depth: stat model: %w", err)
	}

	size := cfg.InputSize
	if size <= 0 {
		var err error
		size, err = modelinfo.ProbeInputSize(cfg.ModelPath, modelinfo.DefaultInputSize)
		if err != nil {
			logger.Warn("model input size not declared, using default",
				"size", size,
				"error", err,
			)
		}
	}

	net := gocv.ReadNetFromONNX(cfg.ModelPath)
	if net.Empty() {
		return nil, fmt.Errorf("depth: failed to load model from %s", cfg.ModelPath)
	}

	backend, target, err := backendFor(cfg.Backend)
	if err != nil {
		net.Close()
		return nil, err
	}
	net.SetPreferableBackend(backend)
	net.SetPreferableTarget(target)

	logger.Info("depth model loaded",
		"path", cfg.ModelPath,
		"input_size", size,
		"backend", cfg.Backend,
	)

	return &Estimator{
		net:       net,
		cfg:       cfg,
		inputSize: size,
		logger:    logger,
	}, nil
}

func backendFor(name string) (gocv.NetBackendType, gocv.NetTargetType, error) {
	switch name {
	case "", BackendCPU:
		return gocv.NetBackendDefault, gocv.NetTargetCPU, nil
	case BackendCUDA:
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA, nil
	case BackendOpenVINO:
		return gocv.NetBackendOpenVINO, gocv.NetTargetCPU, nil
	default:
		return 0, 0, fmt.Errorf("depth: unknown backend %q", name)
	}
}

// Estimate runs the full preprocess, inference and postprocess chain on a
// BGR frame and returns a map at the frame's resolution.
func (e *Estimator) Estimate(frame gocv.Mat) (Map, error) {
	t, err := Preprocess(frame, e.inputSize)
	if err != nil {
		return Map{}, fmt.Errorf("%w: %v", ErrInference, err)
	}
	grid, err := e.Infer(t)
	if err != nil {
		return Map{}, err
	}
	return Postprocess(grid, frame.Cols(), frame.Rows(), e.cfg.Invert, e.cfg.Cubic)
}

// Infer runs one forward pass and returns the raw output squeezed to 2-D.
func (e *Estimator) Infer(t Tensor) (*mat.Dense, error) {
	blob, err := t.Mat()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer blob.Close()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.net.SetInput(blob, "")
	out := e.net.Forward("")
	defer out.Close()

	if out.Empty() {
		return nil, fmt.Errorf("%w: empty output", ErrInference)
	}
	data, err := out.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("%w: read output: %v", ErrInference, err)
	}
	grid, err := squeeze(out.Size(), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	return grid, nil
}

// Close releases the network.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.net.Close()
}

// squeeze drops unit dimensions and copies the remaining 2-D grid out of
// the network buffer. A zero-sized output yields a nil grid.
func squeeze(shape []int, data []float32) (*mat.Dense, error) {
	var dims []int
	total := 1
	for _, d := range shape {
		total *= d
		if d != 1 {
			dims = append(dims, d)
		}
	}
	if total == 0 || len(data) == 0 {
		return nil, nil
	}
	if len(data) < total {
		return nil, fmt.Errorf("output shape %v needs %d values, got %d", shape, total, len(data))
	}

	var rows, cols int
	switch len(dims) {
	case 0:
		rows, cols = 1, 1
	case 1:
		rows, cols = 1, dims[0]
	case 2:
		rows, cols = dims[0], dims[1]
	default:
		return nil, fmt.Errorf("output shape %v does not squeeze to 2-D", shape)
	}

	vals := make([]float64, rows*cols)
	for i := range vals {
		vals[i] = float64(data[i])
	}
	return mat.NewDense(rows, cols, vals), nil
}

// Postprocess resizes a raw model grid to outW×outH, optionally inverts it
// and min-max normalizes the result. A nil or empty grid yields an all-zero
// map of the requested size.
func Postprocess(grid *mat.Dense, outW, outH int, invert, cubic bool) (Map, error) {
	if outW <= 0 || outH <= 0 {
		return Map{}, nil
	}
	if grid == nil || grid.IsEmpty() {
		return NewMap(outW, outH), nil
	}

	rows, cols := grid.Dims()
	src := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV32F)
	defer src.Close()
	buf, err := src.DataPtrFloat32()
	if err != nil {
		return Map{}, fmt.Errorf("%w: grid buffer: %v", ErrInference, err)
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			buf[r*cols+c] = float32(grid.At(r, c))
		}
	}

	interp := gocv.InterpolationLinear
	if cubic {
		interp = gocv.InterpolationCubic
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(src, &resized, image.Pt(outW, outH), 0, 0, interp)

	out, err := resized.DataPtrFloat32()
	if err != nil {
		return Map{}, fmt.Errorf("%w: read resized grid: %v", ErrInference, err)
	}
	if len(out) != outW*outH {
		return Map{}, fmt.Errorf("%w: resized grid has %d values, want %d", ErrInference, len(out), outW*outH)
	}

	raw := mat.NewDense(outH, outW, nil)
	for i, v := range out {
		raw.Set(i/outW, i%outW, float64(v))
	}
	if invert {
		Invert(raw)
	}
	return Normalize(raw), nil
}
