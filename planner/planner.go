// Package planner turns free-form editing language into validated tool
// calls. Two implementations exist: a deterministic keyword planner and an
// LLM-backed planner that falls back to the deterministic one when the
// model cannot be reached.
package planner

import (
	"context"
	"fmt"

	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/llm"
)

// Request carries one user instruction plus the session context a planner
// may ground on.
type Request struct {
	Text string
	// Stack is the session's current edit state; planners read it for
	// context and never mutate it.
	Stack *edit.Stack
	// PreviewPNG, when non-nil, is a rendered preview the LLM planner can
	// attach for vision grounding.
	PreviewPNG []byte
	// Stats is a one-line tonal summary of the current render, if the tool
	// provider computed one.
	Stats string
}

// Clarification asks the user to resolve an instruction the planner could
// not map to concrete edits.
type Clarification struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
	Context  string   `json:"context,omitempty"`
}

// Result is a planner's output before validation. Calls are candidate tool
// calls in execution order; Notes records anything the user should see
// (clamps, drops, fallbacks); Confidence is the planner's self-assessment
// in [0,1].
type Result struct {
	Calls         []edit.Call
	Notes         []string
	Confidence    float64
	Clarification *Clarification
}

// Planner maps one instruction to a Result. Implementations must be safe
// for sequential reuse; they are never called concurrently for the same
// session.
type Planner interface {
	Plan(ctx context.Context, req Request) (Result, error)
}

// New builds the planner the config asks for. Mode "llm" wraps the rules
// planner so a dead model degrades instead of failing.
func New(cfg *config.Config, client llm.Client) (Planner, error) {
	rules := NewRulesPlanner(cfg.Planner)
	switch cfg.Planner.Mode {
	case "", "rules":
		return rules, nil
	case "llm":
		return NewLLMPlanner(client, rules, cfg.Planner), nil
	}
	return nil, errors.E(errors.KindValidation, "unknown planner mode %q", cfg.Planner.Mode)
}

// Finalize truncates and validates a raw plan. Structurally invalid calls
// are dropped, out-of-range arguments clamped, and every adjustment is
// reported through the result's notes. The returned result is safe to
// execute as-is.
func Finalize(res Result, maxCalls int) Result {
	if maxCalls > 0 && len(res.Calls) > maxCalls {
		res.Notes = append(res.Notes, fmt.Sprintf("plan truncated to the first %d calls", maxCalls))
		res.Calls = res.Calls[:maxCalls]
	}

	kept := make([]edit.Call, 0, len(res.Calls))
	for _, call := range res.Calls {
		valid, notes := edit.ValidateCall(call)
		res.Notes = append(res.Notes, notes...)
		if valid != nil {
			kept = append(kept, *valid)
		}
	}
	res.Calls = kept
	return res
}
