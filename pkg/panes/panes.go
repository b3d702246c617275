// Package panes turns a depth map into a three-zone obstacle signal.
//
// The frame is split into left, center and right panes of equal width. Close
// regions of the depth map are extracted as blobs, the closest few are kept
// and each marks the pane its centroid falls in as occupied.
package panes

import (
	"fmt"
	"image"
	"math"
	"sort"

	"github.com/teslashibe/go-depthsense/pkg/depth"
	"gocv.io/x/gocv"
)

// Pane indices.
const (
	Left   = 0
	Center = 1
	Right  = 2

	// Count is the number of panes.
	Count = 3

	// MaxBlobs is how many of the closest blobs are kept per frame.
	MaxBlobs = 3
)

// Occupancy holds one flag per pane: 1 when an obstacle is present.
type Occupancy [Count]uint8

// String renders the tuple as "(a, b, c)".
func (o Occupancy) String() string {
	return fmt.Sprintf("(%d, %d, %d)", o[Left], o[Center], o[Right])
}

// Any reports whether at least one pane is occupied.
func (o Occupancy) Any() bool {
	return o[Left]|o[Center]|o[Right] != 0
}

// MarshalJSON encodes the tuple as a JSON array of integers.
func (o Occupancy) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("[%d,%d,%d]", o[Left], o[Center], o[Right])), nil
}

// Blob is a connected close region of the depth map.
type Blob struct {
	Label     int
	Area      int
	MeanDepth float64
	CentroidX float64
	Bounds    image.Rectangle
}

// Assignment pairs a kept blob with the pane it occupies.
type Assignment struct {
	Pane int
	Blob Blob
}

// Result is the detector output for one depth map.
type Result struct {
	Occupancy   Occupancy
	Assignments []Assignment
}

// Detector extracts close blobs and maps them to panes.
type Detector struct {
	// Threshold is the minimum normalized closeness for a pixel to count.
	Threshold float64
	// MinArea is the minimum blob size in pixels.
	MinArea int
}

// DefaultDetector returns the standard thresholds.
func DefaultDetector() Detector {
	return Detector{Threshold: 0.70, MinArea: 200}
}

// Detect computes the occupancy for m. An empty map yields no obstacles.
func (d Detector) Detect(m depth.Map) (Result, error) {
	if m.Empty() {
		return Result{}, nil
	}
	blobs, err := d.Blobs(m)
	if err != nil {
		return Result{}, err
	}
	return Assign(blobs, m.Width()), nil
}

// Blobs thresholds, denoises and labels m, returning every region of at
// least MinArea pixels in extraction order.
func (d Detector) Blobs(m depth.Map) ([]Blob, error) {
	w, h := m.Width(), m.Height()
	if w == 0 || h == 0 {
		return nil, nil
	}

	src := gocv.NewMatWithSize(h, w, gocv.MatTypeCV32F)
	defer src.Close()
	px, err := src.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("panes: depth buffer: %w", err)
	}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px[y*w+x] = float32(m.At(x, y))
		}
	}

	// InRange is inclusive on both ends, giving depth >= threshold.
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.InRangeWithScalar(src,
		gocv.NewScalar(d.Threshold, 0, 0, 0),
		gocv.NewScalar(math.MaxFloat32, 0, 0, 0),
		&mask)

	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(3, 3))
	defer kernel.Close()
	opened := gocv.NewMat()
	defer opened.Close()
	gocv.MorphologyEx(mask, &opened, gocv.MorphOpen, kernel)

	labels := gocv.NewMat()
	defer labels.Close()
	stats := gocv.NewMat()
	defer stats.Close()
	centroids := gocv.NewMat()
	defer centroids.Close()
	gocv.ConnectedComponentsWithStats(opened, &labels, &stats, &centroids)

	n := stats.Rows()
	if n <= 1 {
		return nil, nil
	}

	lbl, err := labels.DataPtrInt32()
	if err != nil {
		return nil, fmt.Errorf("panes: label buffer: %w", err)
	}
	sums := make([]float64, n)
	for i, l := range lbl {
		if l > 0 && int(l) < n {
			sums[l] += float64(px[i])
		}
	}

	var blobs []Blob
	// Label 0 is the background.
	for i := 1; i < n; i++ {
		area := int(stats.GetIntAt(i, int(gocv.CC_STAT_AREA)))
		if area < d.MinArea || area == 0 {
			continue
		}
		left := int(stats.GetIntAt(i, int(gocv.CC_STAT_LEFT)))
		top := int(stats.GetIntAt(i, int(gocv.CC_STAT_TOP)))
		bw := int(stats.GetIntAt(i, int(gocv.CC_STAT_WIDTH)))
		bh := int(stats.GetIntAt(i, int(gocv.CC_STAT_HEIGHT)))

		blobs = append(blobs, Blob{
			Label:     i,
			Area:      area,
			MeanDepth: sums[i] / float64(area),
			CentroidX: centroids.GetDoubleAt(i, 0),
			Bounds:    image.Rect(left, top, left+bw, top+bh),
		})
	}
	return blobs, nil
}

// Assign ranks blobs by mean depth (closest first, ties in input order),
// keeps at most MaxBlobs and maps each to a pane of a frame width pixels
// wide.
func Assign(blobs []Blob, width int) Result {
	var res Result
	if width <= 0 || len(blobs) == 0 {
		return res
	}

	ranked := make([]Blob, len(blobs))
	copy(ranked, blobs)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MeanDepth > ranked[j].MeanDepth
	})
	if len(ranked) > MaxBlobs {
		ranked = ranked[:MaxBlobs]
	}

	for _, b := range ranked {
		p := PaneOf(b.CentroidX, width)
		res.Occupancy[p] = 1
		res.Assignments = append(res.Assignments, Assignment{Pane: p, Blob: b})
	}
	return res
}

// PaneOf returns the pane containing column x of a frame width pixels wide.
func PaneOf(x float64, width int) int {
	paneWidth := float64(width) / Count
	p := int(math.Floor(x / paneWidth))
	return max(Left, min(p, Right))
}
