package edit

import (
	"fmt"
	"math"
	"strconv"
)

// ClampNote records a single value coercion for user-facing reporting.
type ClampNote struct {
	Field  string
	Before float64
	After  float64
}

func (n ClampNote) String() string {
	return fmt.Sprintf("%s clamped %s -> %s", n.Field, trimFloat(n.Before), trimFloat(n.After))
}

func trimFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func clampRange(v, lo, hi float64) (float64, bool) {
	switch {
	case v < lo:
		return lo, true
	case v > hi:
		return hi, true
	default:
		return v, false
	}
}

// normalizeAngle folds a rotation into (-180, 180]. Non-finite input maps
// to zero.
func normalizeAngle(deg float64) float64 {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return 0
	}
	deg = math.Mod(deg, 360)
	if deg > 180 {
		deg -= 360
	} else if deg <= -180 {
		deg += 360
	}
	return deg
}

// clampOp coerces every numeric field of op into its declared domain and
// reports what moved. Clamping an already-clamped op is a no-op.
func clampOp(op Op) (Op, []ClampNote) {
	var notes []ClampNote
	clamp := func(field string, v *float64, lo, hi float64) {
		after, moved := clampRange(*v, lo, hi)
		if moved {
			notes = append(notes, ClampNote{Field: field, Before: *v, After: after})
		}
		*v = after
	}

	switch op.Kind {
	case KindWhiteBalance:
		clamp("temp", &op.WB.Temp, TempMin, TempMax)
		clamp("tint", &op.WB.Tint, TintMin, TintMax)
		if op.WB.GraySet {
			clamp("grayX", &op.WB.GrayX, 0, 1)
			clamp("grayY", &op.WB.GrayY, 0, 1)
		}
	case KindExposure:
		clamp("ev", &op.EV, EVMin, EVMax)
	case KindContrast, KindSaturation, KindVibrance:
		clamp("amount", &op.Amount, AmountMin, AmountMax)
	case KindCrop:
		norm := normalizeAngle(op.Crop.AngleDeg)
		if norm != op.Crop.AngleDeg {
			notes = append(notes, ClampNote{Field: "angleDeg", Before: op.Crop.AngleDeg, After: norm})
		}
		op.Crop.AngleDeg = norm
		if op.Crop.RectSet {
			r := op.Crop.Rect
			clamp("rect.x", &r.X, 0, 1-MinCropSize)
			clamp("rect.y", &r.Y, 0, 1-MinCropSize)
			clamp("rect.w", &r.W, MinCropSize, 1-r.X)
			clamp("rect.h", &r.H, MinCropSize, 1-r.Y)
			op.Crop.Rect = r
		}
	}
	return op, notes
}
