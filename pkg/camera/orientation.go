package camera

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Orientation is the fixed geometric correction for how the camera is
// mounted. Mirroring is applied before rotation.
type Orientation struct {
	Mirror   bool
	Rotation int // clockwise degrees
}

// Apply returns a corrected copy of src. The caller owns the result; src is
// left untouched.
func (o Orientation) Apply(src gocv.Mat) (gocv.Mat, error) {
	cur := src.Clone()

	if o.Mirror {
		flipped := gocv.NewMat()
		gocv.Flip(cur, &flipped, 1)
		cur.Close()
		cur = flipped
	}

	var code gocv.RotateFlag
	switch o.Rotation {
	case 0:
		return cur, nil
	case 90:
		code = gocv.Rotate90Clockwise
	case 180:
		code = gocv.Rotate180Clockwise
	case 270:
		code = gocv.Rotate90CounterClockwise
	default:
		cur.Close()
		return gocv.Mat{}, fmt.Errorf("camera: unsupported rotation %d", o.Rotation)
	}

	rotated := gocv.NewMat()
	gocv.Rotate(cur, &rotated, code)
	cur.Close()
	return rotated, nil
}
