package edit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// StackVersion tags the operation-content format used by Hash. Bump it when
// the canonical rendering of operations changes.
const StackVersion = "v1"

// Stack is the ordered, versioned list of operations applied to one base
// image. It is private to a single session and mutated only on that
// session's sequential command path, so it carries no locking.
type Stack struct {
	Version string
	BaseURI string
	Ops     []Op

	undo [][]Op
	redo [][]Op
}

// NewStack creates an empty stack bound to a base image.
func NewStack(baseURI string) *Stack {
	return &Stack{Version: StackVersion, BaseURI: baseURI}
}

func cloneOps(ops []Op) []Op {
	if ops == nil {
		return nil
	}
	out := make([]Op, len(ops))
	copy(out, ops) // Op holds only value fields, so this copy is deep
	return out
}

func (s *Stack) pushUndo() {
	s.undo = append(s.undo, cloneOps(s.Ops))
	s.redo = nil
}

// Add validates and clamps op, snapshots the current state onto the undo
// history, then either replaces the last operation (same kind, forceNew
// false) or appends. The stored operation is returned along with any clamp
// notes. An amended operation keeps its original ID.
func (s *Stack) Add(op Op, forceNew bool) (Op, []ClampNote) {
	op, notes := clampOp(op)
	s.pushUndo()

	if !forceNew && len(s.Ops) > 0 && s.Ops[len(s.Ops)-1].Kind == op.Kind {
		op.ID = s.Ops[len(s.Ops)-1].ID
		s.Ops[len(s.Ops)-1] = op
		return op, notes
	}

	if op.ID == "" {
		op.ID = newOpID()
	}
	s.Ops = append(s.Ops, op)
	return op, notes
}

// Last returns the most recent operation, if any.
func (s *Stack) Last() (Op, bool) {
	if len(s.Ops) == 0 {
		return Op{}, false
	}
	return s.Ops[len(s.Ops)-1], true
}

// Undo swaps the live operation list with the top of the undo history.
// Returns false when there is nothing to undo.
func (s *Stack) Undo() bool {
	if len(s.undo) == 0 {
		return false
	}
	prev := s.undo[len(s.undo)-1]
	s.undo = s.undo[:len(s.undo)-1]
	s.redo = append(s.redo, cloneOps(s.Ops))
	s.Ops = prev
	return true
}

// Redo reverses the most recent Undo. Returns false when there is nothing
// to redo.
func (s *Stack) Redo() bool {
	if len(s.redo) == 0 {
		return false
	}
	next := s.redo[len(s.redo)-1]
	s.redo = s.redo[:len(s.redo)-1]
	s.undo = append(s.undo, cloneOps(s.Ops))
	s.Ops = next
	return true
}

// Reset clears all operations. The cleared state is itself undoable unless
// the stack was already empty, in which case Reset reports false.
func (s *Stack) Reset() bool {
	if len(s.Ops) == 0 {
		return false
	}
	s.pushUndo()
	s.Ops = nil
	return true
}

// Hash returns a digest that is stable under structurally-equal ordered
// operation content. Operation IDs are excluded so two stacks holding the
// same edits collide on purpose; the preview cache uses that for
// de-duplication.
func (s *Stack) Hash() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\n", s.Version)
	for _, op := range s.Ops {
		fmt.Fprintf(h, "%s|", op.Kind)
		switch op.Kind {
		case KindWhiteBalance:
			fmt.Fprintf(h, "%.6f,%.6f,%t,%.6f,%.6f", op.WB.Temp, op.WB.Tint, op.WB.GraySet, op.WB.GrayX, op.WB.GrayY)
		case KindExposure:
			fmt.Fprintf(h, "%.6f", op.EV)
		case KindContrast, KindSaturation, KindVibrance:
			fmt.Fprintf(h, "%.6f", op.Amount)
		case KindCrop:
			fmt.Fprintf(h, "%t,%.6f,%.6f,%.6f,%.6f,%.6f,%s",
				op.Crop.RectSet, op.Crop.Rect.X, op.Crop.Rect.Y, op.Crop.Rect.W, op.Crop.Rect.H,
				op.Crop.AngleDeg, op.Crop.Aspect)
		}
		fmt.Fprint(h, "\n")
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Summary renders the currently live operations, one clause per operation,
// reflecting amended values only.
func (s *Stack) Summary() string {
	if len(s.Ops) == 0 {
		return "no edits"
	}
	parts := make([]string, 0, len(s.Ops))
	for _, op := range s.Ops {
		parts = append(parts, opSummary(op))
	}
	return strings.Join(parts, "; ")
}

// LastOpSummary renders only the most recent operation.
func (s *Stack) LastOpSummary() string {
	op, ok := s.Last()
	if !ok {
		return "no edits"
	}
	return opSummary(op)
}

func opSummary(op Op) string {
	switch op.Kind {
	case KindWhiteBalance:
		if op.WB.GraySet {
			return fmt.Sprintf("white balance gray point (%s, %s)", trimFloat(op.WB.GrayX), trimFloat(op.WB.GrayY))
		}
		return fmt.Sprintf("white balance temp %s tint %s", trimFloat(op.WB.Temp), trimFloat(op.WB.Tint))
	case KindExposure:
		return fmt.Sprintf("exposure %s ev", trimFloat(op.EV))
	case KindContrast:
		return fmt.Sprintf("contrast %s", trimFloat(op.Amount))
	case KindSaturation:
		return fmt.Sprintf("saturation %s", trimFloat(op.Amount))
	case KindVibrance:
		return fmt.Sprintf("vibrance %s", trimFloat(op.Amount))
	case KindCrop:
		out := "crop"
		if op.Crop.Aspect != "" {
			out += " " + op.Crop.Aspect
		}
		if op.Crop.RectSet {
			r := op.Crop.Rect
			out += fmt.Sprintf(" [%s,%s,%s,%s]", trimFloat(r.X), trimFloat(r.Y), trimFloat(r.W), trimFloat(r.H))
		}
		if op.Crop.AngleDeg != 0 {
			out += fmt.Sprintf(" angle %s", trimFloat(op.Crop.AngleDeg))
		}
		return out
	default:
		return string(op.Kind)
	}
}
