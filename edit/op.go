// Package edit holds the per-image editing state: the ordered operation
// stack with amend-last and undo/redo semantics, the planned-call validator
// and clamper, and the preview-to-original coordinate mapper.
package edit

import "github.com/google/uuid"

// Kind identifies an operation variant on the stack.
type Kind string

const (
	KindCrop         Kind = "crop"
	KindWhiteBalance Kind = "white_balance"
	KindExposure     Kind = "exposure"
	KindContrast     Kind = "contrast"
	KindSaturation   Kind = "saturation"
	KindVibrance     Kind = "vibrance"
)

// Numeric domains for operation parameters. Values outside these ranges are
// clamped, never rejected.
const (
	TempMin, TempMax     = -100.0, 100.0
	TintMin, TintMax     = -100.0, 100.0
	EVMin, EVMax         = -3.0, 3.0
	AmountMin, AmountMax = -100.0, 100.0
	// MinCropSize keeps a crop window from collapsing to nothing.
	MinCropSize = 0.01
)

// RectNorm is a crop window in normalized image coordinates: origin plus
// size, all relative to the current frame.
type RectNorm struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// WhiteBalanceParams holds a temperature/tint shift and, optionally, a
// picked neutral point in original-image coordinates.
type WhiteBalanceParams struct {
	Temp    float64 `json:"temp"`
	Tint    float64 `json:"tint"`
	GraySet bool    `json:"graySet,omitempty"`
	GrayX   float64 `json:"grayX,omitempty"`
	GrayY   float64 `json:"grayY,omitempty"`
}

// CropParams holds the geometric transform: an optional explicit window, a
// rotation about the frame center, and the aspect the window was derived
// from (kept so later amendments can re-derive the window).
type CropParams struct {
	RectSet  bool     `json:"rectSet,omitempty"`
	Rect     RectNorm `json:"rect"`
	AngleDeg float64  `json:"angleDeg"`
	Aspect   string   `json:"aspect,omitempty"`
}

// Op is one operation on the edit stack. Kind selects which parameter group
// is live; the rest stay zero. All fields are values so copying an Op (or a
// slice of them) is a deep copy.
type Op struct {
	ID     string             `json:"id"`
	Kind   Kind               `json:"kind"`
	WB     WhiteBalanceParams `json:"wb,omitempty"`
	EV     float64            `json:"ev,omitempty"`
	Amount float64            `json:"amount,omitempty"`
	Crop   CropParams         `json:"crop,omitempty"`
}

func newOpID() string { return "op_" + uuid.NewString() }
