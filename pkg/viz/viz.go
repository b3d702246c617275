// Package viz renders the debug view: the camera frame beside an
// inferno-colored depth map with pane dividers and the kept blobs.
package viz

import (
	"fmt"
	"image"
	"image/color"

	"github.com/teslashibe/go-depthsense/pkg/depth"
	"github.com/teslashibe/go-depthsense/pkg/panes"
	"gocv.io/x/gocv"
)

// colormapInferno is cv::COLORMAP_INFERNO, which gocv does not name.
const colormapInferno gocv.ColormapTypes = 14

// DefaultQuality is the JPEG quality used for published frames.
const DefaultQuality = 80

var (
	white = color.RGBA{255, 255, 255, 255}
	green = color.RGBA{0, 255, 0, 255}
	red   = color.RGBA{255, 0, 0, 255}
)

// Colorize maps a depth map to a BGR image through the inferno colormap.
// The caller owns the result.
func Colorize(m depth.Map) (gocv.Mat, error) {
	w, h := m.Width(), m.Height()
	if w == 0 || h == 0 {
		return gocv.Mat{}, fmt.Errorf("viz: empty depth map")
	}

	gray := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8U)
	defer gray.Close()
	px, err := gray.DataPtrUint8()
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("viz: gray buffer: %w", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := m.At(x, y) * 255
			px[y*w+x] = uint8(max(0, min(255, v)))
		}
	}

	out := gocv.NewMat()
	gocv.ApplyColorMap(gray, &out, colormapInferno)
	return out, nil
}

// Compose draws the side-by-side debug view for one cycle. The caller owns
// the result.
func Compose(frame gocv.Mat, m depth.Map, res panes.Result) (gocv.Mat, error) {
	if frame.Empty() {
		return gocv.Mat{}, fmt.Errorf("viz: empty frame")
	}
	if m.Width() != frame.Cols() || m.Height() != frame.Rows() {
		return gocv.Mat{}, fmt.Errorf("viz: depth map %dx%d does not match frame %dx%d",
			m.Width(), m.Height(), frame.Cols(), frame.Rows())
	}

	vis, err := Colorize(m)
	if err != nil {
		return gocv.Mat{}, err
	}
	defer vis.Close()

	w, h := frame.Cols(), frame.Rows()
	paneW := w / panes.Count
	gocv.Line(&vis, image.Pt(paneW, 0), image.Pt(paneW, h), white, 2)
	gocv.Line(&vis, image.Pt(2*paneW, 0), image.Pt(2*paneW, h), white, 2)

	for _, a := range res.Assignments {
		c := red
		if res.Occupancy[a.Pane] == 1 {
			c = green
		}
		b := a.Blob.Bounds
		gocv.Rectangle(&vis, b, c, 2)
		gocv.PutText(&vis, fmt.Sprintf("p%d:%.2f", a.Pane, a.Blob.MeanDepth),
			image.Pt(b.Min.X, b.Min.Y-6), gocv.FontHersheySimplex, 0.5, c, 1)
	}

	combined := gocv.NewMat()
	gocv.Hconcat(frame, vis, &combined)
	gocv.PutText(&combined, "TUPLE: "+res.Occupancy.String(), image.Pt(10, 30),
		gocv.FontHersheySimplex, 1.0, green, 2)
	return combined, nil
}

// EncodeJPEG compresses img at the given quality (1-100).
func EncodeJPEG(img gocv.Mat, quality int) ([]byte, error) {
	if img.Empty() {
		return nil, fmt.Errorf("viz: encode empty image")
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, fmt.Errorf("viz: encode jpeg: %w", err)
	}
	defer buf.Close()

	src := buf.GetBytes()
	out := make([]byte, len(src))
	copy(out, src)
	return out, nil
}

// Preview shows frames in a local window.
type Preview struct {
	window *gocv.Window
}

// NewPreview opens a window titled title.
func NewPreview(title string) *Preview {
	return &Preview{window: gocv.NewWindow(title)}
}

// Show displays img and reports whether the user pressed q to quit.
func (p *Preview) Show(img gocv.Mat) (quit bool) {
	p.window.IMShow(img)
	key := p.window.WaitKey(1)
	return key&0xff == 'q'
}

// Close destroys the window.
func (p *Preview) Close() error {
	return p.window.Close()
}
