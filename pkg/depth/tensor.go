package depth

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ImageNet channel statistics (RGB order) the depth models were trained with.
var (
	channelMean = [3]float32{0.485, 0.456, 0.406}
	channelStd  = [3]float32{0.229, 0.224, 0.225}
)

// Tensor is a single-image network input in NCHW layout with N=1, C=3.
type Tensor struct {
	Data []float32
	Size int
}

// Shape returns the tensor dimensions, [1, 3, size, size].
func (t Tensor) Shape() []int {
	return []int{1, 3, t.Size, t.Size}
}

// Mat copies the tensor into a 4-D float Mat suitable for Net.SetInput.
// The caller owns the returned Mat.
func (t Tensor) Mat() (gocv.Mat, error) {
	m := gocv.NewMatWithSizes(t.Shape(), gocv.MatTypeCV32F)
	dst, err := m.DataPtrFloat32()
	if err != nil {
		m.Close()
		return gocv.Mat{}, fmt.Errorf("depth: tensor buffer: %w", err)
	}
	if len(dst) != len(t.Data) {
		m.Close()
		return gocv.Mat{}, fmt.Errorf("depth: tensor has %d values, shape %v needs %d", len(t.Data), t.Shape(), len(dst))
	}
	copy(dst, t.Data)
	return m, nil
}

// Preprocess turns a BGR frame into a normalized network input of
// size×size: RGB order, [0,1] scaling, area resampling, per-channel
// mean/std normalization and channel-first layout.
func Preprocess(frame gocv.Mat, size int) (Tensor, error) {
	if frame.Empty() {
		return Tensor{}, fmt.Errorf("depth: empty frame")
	}
	if size <= 0 {
		return Tensor{}, fmt.Errorf("depth: invalid input size %d", size)
	}

	rgb := gocv.NewMat()
	defer rgb.Close()
	gocv.CvtColor(frame, &rgb, gocv.ColorBGRToRGB)

	scaled := gocv.NewMat()
	defer scaled.Close()
	rgb.ConvertToWithParams(&scaled, gocv.MatTypeCV32FC3, 1.0/255.0, 0)

	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(scaled, &resized, image.Pt(size, size), 0, 0, gocv.InterpolationArea)

	hwc, err := resized.DataPtrFloat32()
	if err != nil {
		return Tensor{}, fmt.Errorf("depth: read resized frame: %w", err)
	}
	return tensorFromHWC(hwc, size)
}

// tensorFromHWC normalizes interleaved RGB pixels in [0,1] and reorders them
// channel-first.
func tensorFromHWC(hwc []float32, size int) (Tensor, error) {
	plane := size * size
	if len(hwc) != plane*3 {
		return Tensor{}, fmt.Errorf("depth: got %d values for a %dx%d RGB image", len(hwc), size, size)
	}

	out := make([]float32, plane*3)
	for i := 0; i < plane; i++ {
		for c := 0; c < 3; c++ {
			out[c*plane+i] = (hwc[i*3+c] - channelMean[c]) / channelStd[c]
		}
	}
	return Tensor{Data: out, Size: size}, nil
}
