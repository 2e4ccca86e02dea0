package edit

import "math"

// MapPoint relates a picked point in preview space back to original-image
// space by inverting the stack's geometric operations in reverse
// chronological order. For each crop operation the rotation is inverted
// first (about the frame center), then the crop window. The result is
// clamped into the unit square; clamped reports an out-of-frame pick.
//
// With no geometric operations the mapping is the identity.
func MapPoint(previewX, previewY float64, s *Stack) (originalX, originalY float64, clamped bool) {
	x, y := previewX, previewY

	for i := len(s.Ops) - 1; i >= 0; i-- {
		op := s.Ops[i]
		if op.Kind != KindCrop {
			continue
		}
		if op.Crop.AngleDeg != 0 {
			x, y = rotateAbout(x, y, -op.Crop.AngleDeg, 0.5, 0.5)
		}
		if op.Crop.RectSet {
			r := op.Crop.Rect
			x = r.X + x*r.W
			y = r.Y + y*r.H
		}
	}

	cx, movedX := clampRange(x, 0, 1)
	cy, movedY := clampRange(y, 0, 1)
	return cx, cy, movedX || movedY
}

func rotateAbout(x, y, angleDeg, cx, cy float64) (float64, float64) {
	theta := angleDeg * math.Pi / 180
	sin, cos := math.Sincos(theta)
	dx, dy := x-cx, y-cy
	return cx + dx*cos - dy*sin, cy + dx*sin + dy*cos
}
