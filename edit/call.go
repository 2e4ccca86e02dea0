package edit

import (
	"fmt"

	"github.com/darkroomd/darkroom/errors"
)

// Planned call names. The first group produces stack operations; the second
// group is control flow handled by the command router.
const (
	CallSetWhiteBalanceTempTint = "set_white_balance_temp_tint"
	CallSetWhiteBalanceGray     = "set_white_balance_gray"
	CallSetExposure             = "set_exposure"
	CallSetContrast             = "set_contrast"
	CallSetSaturation           = "set_saturation"
	CallSetVibrance             = "set_vibrance"
	CallSetCrop                 = "set_crop"
	CallSetRotate               = "set_rotate"

	CallUndo        = "undo"
	CallRedo        = "redo"
	CallReset       = "reset"
	CallExportImage = "export_image"
)

// Call is a validated, structured editing instruction. Args carries
// kind-specific values keyed by the argument names below.
type Call struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// IsControl reports whether the call drives the stack or the session rather
// than producing an operation.
func (c Call) IsControl() bool {
	switch c.Name {
	case CallUndo, CallRedo, CallReset, CallExportImage:
		return true
	}
	return false
}

// ValidAspects enumerates the aspect specs the tool provider understands.
var ValidAspects = map[string]bool{
	"1:1": true, "3:2": true, "2:3": true, "4:3": true, "3:4": true,
	"16:9": true, "9:16": true, "original": true, "free": true,
}

func argFloat(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// hasWrongType reports an argument that is present but not of the expected
// numeric shape. Presence with a bad type is a structural failure, not a
// clamping matter.
func hasWrongType(args map[string]any, key string) bool {
	v, ok := args[key]
	if !ok {
		return false
	}
	switch v.(type) {
	case float64, int, int64:
		return false
	}
	return true
}

// ValidateCall checks a planned call's structure and clamps its numeric
// arguments into their domains. Structural failures return nil rather than
// an error, so one bad call never invalidates a batch; the second return
// carries human-readable notes describing drops and clamps.
func ValidateCall(call Call) (*Call, []string) {
	var notes []string
	if call.Args == nil {
		call.Args = map[string]any{}
	}

	drop := func(reason string) (*Call, []string) {
		return nil, []string{fmt.Sprintf("dropped %s: %s", call.Name, reason)}
	}
	clampArg := func(key string, lo, hi float64) bool {
		v, ok := argFloat(call.Args, key)
		if !ok {
			return false
		}
		after, moved := clampRange(v, lo, hi)
		if moved {
			notes = append(notes, fmt.Sprintf("%s: %s", call.Name, ClampNote{Field: key, Before: v, After: after}))
		}
		call.Args[key] = after
		return true
	}

	switch call.Name {
	case CallSetWhiteBalanceTempTint:
		if hasWrongType(call.Args, "temp") || hasWrongType(call.Args, "tint") {
			return drop("temp/tint must be numbers")
		}
		hasTemp := clampArg("temp", TempMin, TempMax)
		hasTint := clampArg("tint", TintMin, TintMax)
		if !hasTemp && !hasTint {
			return drop("requires temp or tint")
		}

	case CallSetWhiteBalanceGray:
		if !clampArg("x", 0, 1) || !clampArg("y", 0, 1) {
			return drop("requires numeric x and y")
		}

	case CallSetExposure:
		if !clampArg("ev", EVMin, EVMax) {
			return drop("requires numeric ev")
		}

	case CallSetContrast, CallSetSaturation, CallSetVibrance:
		if !clampArg("amount", AmountMin, AmountMax) {
			return drop("requires numeric amount")
		}

	case CallSetCrop:
		aspect, hasAspect := argString(call.Args, "aspect")
		if hasAspect && !ValidAspects[aspect] {
			return drop(fmt.Sprintf("unknown aspect %q", aspect))
		}
		angle, hasAngle := argFloat(call.Args, "angle_deg")
		if hasWrongType(call.Args, "angle_deg") {
			return drop("angle_deg must be a number")
		}
		if hasAngle {
			norm := normalizeAngle(angle)
			if norm != angle {
				notes = append(notes, fmt.Sprintf("%s: %s", call.Name, ClampNote{Field: "angle_deg", Before: angle, After: norm}))
			}
			call.Args["angle_deg"] = norm
		}
		rect, hasRect, ok := rectArg(call.Args)
		if !ok {
			return drop("rect must be [x,y,w,h] numbers")
		}
		if hasRect {
			clamped, rectNotes := clampOp(Op{Kind: KindCrop, Crop: CropParams{RectSet: true, Rect: rect}})
			for _, n := range rectNotes {
				notes = append(notes, fmt.Sprintf("%s: %s", call.Name, n))
			}
			r := clamped.Crop.Rect
			call.Args["rect"] = []any{r.X, r.Y, r.W, r.H}
		}
		if !hasAspect && !hasAngle && !hasRect {
			return drop("requires aspect, angle_deg or rect")
		}

	case CallSetRotate:
		angle, ok := argFloat(call.Args, "angle_deg")
		if !ok {
			return drop("requires numeric angle_deg")
		}
		norm := normalizeAngle(angle)
		if norm != angle {
			notes = append(notes, fmt.Sprintf("%s: %s", call.Name, ClampNote{Field: "angle_deg", Before: angle, After: norm}))
		}
		call.Args["angle_deg"] = norm

	case CallUndo, CallRedo, CallReset:
		// No arguments.

	case CallExportImage:
		if v, ok := call.Args["path"]; ok {
			if _, isStr := v.(string); !isStr {
				return drop("path must be a string")
			}
		}
		if format, ok := argString(call.Args, "format"); ok {
			if format != "png" && format != "jpeg" {
				return drop(fmt.Sprintf("unknown format %q", format))
			}
		}

	default:
		return drop("unknown call name")
	}

	return &call, notes
}

func rectArg(args map[string]any) (RectNorm, bool, bool) {
	v, present := args["rect"]
	if !present {
		return RectNorm{}, false, true
	}
	arr, ok := v.([]any)
	if !ok || len(arr) != 4 {
		return RectNorm{}, false, false
	}
	vals := make([]float64, 4)
	for i, item := range arr {
		f, ok := item.(float64)
		if !ok {
			return RectNorm{}, false, false
		}
		vals[i] = f
	}
	return RectNorm{X: vals[0], Y: vals[1], W: vals[2], H: vals[3]}, true, true
}

// ApplyCall mutates the stack for an operation-producing call. When the
// last operation has the same kind and forceNew is false, arguments the call
// does not carry keep their previously amended values, so "straighten 2"
// after "crop square" lands on one crop operation. Control calls are the
// router's concern and are rejected here.
func (s *Stack) ApplyCall(call Call, forceNew bool) (Op, []ClampNote, error) {
	if call.IsControl() {
		return Op{}, nil, errors.E(errors.KindValidation, "control call %q cannot be applied to a stack", call.Name)
	}

	kind, ok := callKind(call.Name)
	if !ok {
		return Op{}, nil, errors.E(errors.KindValidation, "unknown call %q", call.Name)
	}

	op := Op{Kind: kind}
	if last, exists := s.Last(); exists && !forceNew && last.Kind == kind {
		op = last // start from the amended values
	}

	switch call.Name {
	case CallSetWhiteBalanceTempTint:
		if temp, ok := argFloat(call.Args, "temp"); ok {
			op.WB.Temp = temp
		}
		if tint, ok := argFloat(call.Args, "tint"); ok {
			op.WB.Tint = tint
		}
	case CallSetWhiteBalanceGray:
		op.WB.GraySet = true
		op.WB.GrayX, _ = argFloat(call.Args, "x")
		op.WB.GrayY, _ = argFloat(call.Args, "y")
	case CallSetExposure:
		op.EV, _ = argFloat(call.Args, "ev")
	case CallSetContrast, CallSetSaturation, CallSetVibrance:
		op.Amount, _ = argFloat(call.Args, "amount")
	case CallSetCrop:
		if aspect, ok := argString(call.Args, "aspect"); ok {
			op.Crop.Aspect = aspect
		}
		if angle, ok := argFloat(call.Args, "angle_deg"); ok {
			op.Crop.AngleDeg = angle
		}
		if rect, has, ok := rectArg(call.Args); ok && has {
			op.Crop.RectSet = true
			op.Crop.Rect = rect
		}
	case CallSetRotate:
		op.Crop.AngleDeg, _ = argFloat(call.Args, "angle_deg")
	}

	stored, notes := s.Add(op, forceNew)
	return stored, notes, nil
}

func callKind(name string) (Kind, bool) {
	switch name {
	case CallSetWhiteBalanceTempTint, CallSetWhiteBalanceGray:
		return KindWhiteBalance, true
	case CallSetExposure:
		return KindExposure, true
	case CallSetContrast:
		return KindContrast, true
	case CallSetSaturation:
		return KindSaturation, true
	case CallSetVibrance:
		return KindVibrance, true
	case CallSetCrop, CallSetRotate:
		return KindCrop, true
	}
	return "", false
}
