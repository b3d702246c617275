package depth

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"
)

func TestNormalize(t *testing.T) {
	raw := mat.NewDense(2, 3, []float64{
		2, 4, 6,
		8, 10, 12,
	})
	m := Normalize(raw)

	if m.Width() != 3 || m.Height() != 2 {
		t.Fatalf("dims = %dx%d, want 3x2", m.Width(), m.Height())
	}
	if got := m.At(0, 0); got != 0 {
		t.Errorf("min pixel = %v, want 0", got)
	}
	if got := m.At(2, 1); got != 1 {
		t.Errorf("max pixel = %v, want 1", got)
	}
	if got := m.At(1, 0); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("At(1,0) = %v, want 0.2", got)
	}
	if raw.At(0, 0) != 2 {
		t.Error("Normalize modified its input")
	}
}

func TestNormalize_Uniform(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{"zeros", 0},
		{"constant", 0.42},
		{"large constant", 1e6},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := mat.NewDense(4, 5, nil)
			raw.Apply(func(_, _ int, _ float64) float64 { return tt.value }, raw)

			m := Normalize(raw)
			for y := 0; y < m.Height(); y++ {
				for x := 0; x < m.Width(); x++ {
					if v := m.At(x, y); v != 0 {
						t.Fatalf("At(%d,%d) = %v, want 0", x, y, v)
					}
				}
			}
		})
	}
}

func TestNormalize_BelowEpsilon(t *testing.T) {
	raw := mat.NewDense(1, 2, []float64{1, 1 + Epsilon/2})
	m := Normalize(raw)
	if m.At(0, 0) != 0 || m.At(1, 0) != 0 {
		t.Errorf("near-flat map not zeroed: %v", m.Row(0))
	}
}

func TestNormalize_Empty(t *testing.T) {
	if m := Normalize(nil); !m.Empty() {
		t.Error("Normalize(nil) should be empty")
	}
}

func TestInvert(t *testing.T) {
	raw := mat.NewDense(1, 3, []float64{1, 3, 9})
	Invert(raw)
	m := Normalize(raw)

	// Inversion flips the ordering: the farthest raw value becomes 0.
	if m.At(0, 0) != 1 {
		t.Errorf("At(0,0) = %v, want 1", m.At(0, 0))
	}
	if m.At(2, 0) != 0 {
		t.Errorf("At(2,0) = %v, want 0", m.At(2, 0))
	}
}

func TestMap_Fill(t *testing.T) {
	m := NewMap(4, 3)
	m.Fill(-2, 1, 2, 10, 0.5)

	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			want := 0.0
			if x < 2 && y >= 1 {
				want = 0.5
			}
			if got := m.At(x, y); got != want {
				t.Errorf("At(%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestNewMap_ZeroSize(t *testing.T) {
	m := NewMap(0, 10)
	if !m.Empty() || m.Width() != 0 || m.Height() != 0 {
		t.Errorf("NewMap(0,10) = %dx%d, want empty", m.Width(), m.Height())
	}
}

func TestTensorFromHWC(t *testing.T) {
	// 1x2 image: a mean-colored pixel and a white pixel.
	hwc := []float32{
		0.485, 0.456, 0.406,
		1, 1, 1,
	}
	_, err := tensorFromHWC(hwc, 2)
	if err == nil {
		t.Fatal("expected size mismatch error for 2 pixels at size 2")
	}

	hwc = append(hwc, 0, 0, 0, 0, 0, 0)
	tensor, err := tensorFromHWC(hwc, 2)
	if err != nil {
		t.Fatalf("tensorFromHWC: %v", err)
	}
	if len(tensor.Data) != 12 {
		t.Fatalf("len = %d, want 12", len(tensor.Data))
	}

	plane := 4
	for c := 0; c < 3; c++ {
		if v := tensor.Data[c*plane]; math.Abs(float64(v)) > 1e-6 {
			t.Errorf("channel %d pixel 0 = %v, want 0 (mean)", c, v)
		}
		want := (1 - channelMean[c]) / channelStd[c]
		if v := tensor.Data[c*plane+1]; math.Abs(float64(v-want)) > 1e-5 {
			t.Errorf("channel %d pixel 1 = %v, want %v", c, v, want)
		}
	}

	got := tensor.Shape()
	if len(got) != 4 || got[0] != 1 || got[1] != 3 || got[2] != 2 || got[3] != 2 {
		t.Errorf("Shape() = %v, want [1 3 2 2]", got)
	}
}

func TestSqueeze(t *testing.T) {
	tests := []struct {
		name     string
		shape    []int
		wantRows int
		wantCols int
		wantNil  bool
		wantErr  bool
	}{
		{"midas output", []int{1, 4, 6}, 4, 6, false, false},
		{"nchw single channel", []int{1, 1, 3, 2}, 3, 2, false, false},
		{"already 2d", []int{5, 2}, 5, 2, false, false},
		{"row vector", []int{1, 1, 7}, 1, 7, false, false},
		{"zero sized", []int{1, 0, 4}, 0, 0, true, false},
		{"multi channel", []int{1, 2, 3, 4}, 0, 0, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			total := 1
			for _, d := range tt.shape {
				total *= d
			}
			data := make([]float32, total)
			for i := range data {
				data[i] = float32(i)
			}

			grid, err := squeeze(tt.shape, data)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("squeeze: %v", err)
			}
			if tt.wantNil {
				if grid != nil {
					t.Fatalf("grid = %v, want nil", grid)
				}
				return
			}
			r, c := grid.Dims()
			if r != tt.wantRows || c != tt.wantCols {
				t.Fatalf("dims = %dx%d, want %dx%d", r, c, tt.wantRows, tt.wantCols)
			}
			if last := grid.At(r-1, c-1); last != float64(total-1) {
				t.Errorf("last value = %v, want %d (row-major copy)", last, total-1)
			}
		})
	}
}

func TestPostprocess(t *testing.T) {
	grid := mat.NewDense(2, 2, []float64{
		0, 1,
		2, 3,
	})

	for _, cubic := range []bool{false, true} {
		m, err := Postprocess(grid, 8, 6, false, cubic)
		if err != nil {
			t.Fatalf("Postprocess(cubic=%v): %v", cubic, err)
		}
		if m.Width() != 8 || m.Height() != 6 {
			t.Fatalf("dims = %dx%d, want 8x6", m.Width(), m.Height())
		}
		lo, hi := mat.Min(m.Dense()), mat.Max(m.Dense())
		if lo != 0 || hi != 1 {
			t.Errorf("cubic=%v range = [%v, %v], want [0, 1]", cubic, lo, hi)
		}
		// Bottom-right of the source is the closest region.
		if m.At(7, 5) < m.At(0, 0) {
			t.Errorf("cubic=%v orientation lost: At(7,5)=%v At(0,0)=%v", cubic, m.At(7, 5), m.At(0, 0))
		}
	}
}

func TestPostprocess_UniformAndEmpty(t *testing.T) {
	uniform := mat.NewDense(3, 3, []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5, 0.5})
	m, err := Postprocess(uniform, 6, 4, false, false)
	if err != nil {
		t.Fatalf("Postprocess: %v", err)
	}
	if mat.Max(m.Dense()) != 0 {
		t.Errorf("uniform grid max = %v, want 0", mat.Max(m.Dense()))
	}

	m, err = Postprocess(nil, 6, 4, false, true)
	if err != nil {
		t.Fatalf("Postprocess(nil): %v", err)
	}
	if m.Width() != 6 || m.Height() != 4 || mat.Max(m.Dense()) != 0 {
		t.Errorf("empty grid = %dx%d max %v, want zero 6x4", m.Width(), m.Height(), mat.Max(m.Dense()))
	}
}

func TestPreprocess(t *testing.T) {
	frame := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(255, 255, 255, 0), 40, 60, gocv.MatTypeCV8UC3)
	defer frame.Close()

	tensor, err := Preprocess(frame, 16)
	if err != nil {
		t.Fatalf("Preprocess: %v", err)
	}
	if len(tensor.Data) != 3*16*16 {
		t.Fatalf("len = %d, want %d", len(tensor.Data), 3*16*16)
	}
	plane := 16 * 16
	for c := 0; c < 3; c++ {
		want := (1 - channelMean[c]) / channelStd[c]
		if v := tensor.Data[c*plane+plane/2]; math.Abs(float64(v-want)) > 1e-3 {
			t.Errorf("channel %d = %v, want %v", c, v, want)
		}
	}

	blob, err := tensor.Mat()
	if err != nil {
		t.Fatalf("Mat: %v", err)
	}
	defer blob.Close()
	if got := blob.Size(); len(got) != 4 || got[3] != 16 {
		t.Errorf("blob size = %v", got)
	}
}

func TestPreprocess_Invalid(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()
	if _, err := Preprocess(empty, 16); err == nil {
		t.Error("expected error for empty frame")
	}
}

func TestNew_MissingModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ModelPath = filepath.Join(t.TempDir(), "missing.onnx")

	_, err := New(cfg, nil)
	if !errors.Is(err, ErrModelNotFound) {
		t.Errorf("err = %v, want ErrModelNotFound", err)
	}
}

func TestBackendFor(t *testing.T) {
	for _, name := range []string{"", BackendCPU, BackendCUDA, BackendOpenVINO} {
		if _, _, err := backendFor(name); err != nil {
			t.Errorf("backendFor(%q): %v", name, err)
		}
	}
	if _, _, err := backendFor("tpu"); err == nil {
		t.Error("expected error for unknown backend")
	}
}
