package planner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
)

// Qualitative instructions move a channel by a fixed step so repetition
// composes: "warmer, warmer, cooler" nets one step warm.
const (
	qualitativeStep = 20
	exposureStepEV  = 0.5
)

// RulesPlanner is the deterministic keyword planner. It tokenizes the
// instruction, accumulates per-channel adjustments, and emits calls in a
// fixed channel order: white balance, exposure, contrast, saturation,
// vibrance, then a single merged crop, then control calls in the order
// they were mentioned.
type RulesPlanner struct {
	cfg       config.Planner
	ambiguous map[string]bool
}

func NewRulesPlanner(cfg config.Planner) *RulesPlanner {
	ambiguous := make(map[string]bool, len(cfg.AmbiguousTerms))
	for _, term := range cfg.AmbiguousTerms {
		ambiguous[strings.ToLower(term)] = true
	}
	return &RulesPlanner{cfg: cfg, ambiguous: ambiguous}
}

// channel identifies one accumulated numeric adjustment.
type channel int

const (
	chTemp channel = iota
	chTint
	chEV
	chContrast
	chSaturation
	chVibrance
	channelCount
)

// keyword maps one recognized token to a channel and a direction. Step 0
// means the token needs an explicit number ("contrast 10"); a non-zero
// step applies when no number follows ("warmer").
type keyword struct {
	ch   channel
	dir  float64
	step float64
}

var keywords = map[string]keyword{
	"warmer":      {chTemp, 1, qualitativeStep},
	"warm":        {chTemp, 1, qualitativeStep},
	"cooler":      {chTemp, -1, qualitativeStep},
	"cool":        {chTemp, -1, qualitativeStep},
	"colder":      {chTemp, -1, qualitativeStep},
	"temp":        {chTemp, 1, 0},
	"temperature": {chTemp, 1, 0},

	"tint": {chTint, 1, 0},

	"brighter": {chEV, 1, exposureStepEV},
	"brighten": {chEV, 1, exposureStepEV},
	"lighter":  {chEV, 1, exposureStepEV},
	"darker":   {chEV, -1, exposureStepEV},
	"darken":   {chEV, -1, exposureStepEV},
	"exposure": {chEV, 1, 0},
	"ev":       {chEV, 1, 0},

	"contrast":  {chContrast, 1, qualitativeStep},
	"contrasty": {chContrast, 1, qualitativeStep},

	"saturation":  {chSaturation, 1, qualitativeStep},
	"saturate":    {chSaturation, 1, qualitativeStep},
	"saturated":   {chSaturation, 1, qualitativeStep},
	"desaturate":  {chSaturation, -1, qualitativeStep},
	"desaturated": {chSaturation, -1, qualitativeStep},

	"vibrance": {chVibrance, 1, qualitativeStep},
	"vibrant":  {chVibrance, 1, qualitativeStep},
}

// fillers are skipped between a keyword and its number.
var fillers = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "it": true,
	"by": true, "to": true, "of": true, "bit": true, "little": true,
	"please": true, "make": true, "set": true, "image": true,
	"photo": true, "picture": true, "this": true, "that": true,
	"up": true, "slightly": true, "some": true, "then": true,
}

// directionWords modify the next keyword's sign: "less contrast".
var directionWords = map[string]float64{
	"more": 1, "increase": 1, "add": 1, "raise": 1,
	"less": -1, "decrease": -1, "reduce": -1, "lower": -1, "remove": -1,
}

var aspectWords = map[string]string{
	"square":     "1:1",
	"portrait":   "3:4",
	"landscape":  "4:3",
	"widescreen": "16:9",
	"original":   "original",
	"free":       "free",
}

// Plan implements Planner. It never returns an error; unmappable input
// lowers confidence or raises a clarification instead.
func (p *RulesPlanner) Plan(_ context.Context, req Request) (Result, error) {
	tokens := tokenize(req.Text)

	var (
		set      [channelCount]bool
		value    [channelCount]float64
		controls []edit.Call
		unknown  []string
		clarify  *Clarification

		cropSeen   bool
		cropAspect string
		angleSet   bool
		angleDeg   float64

		pendingDir float64 = 1
	)

	accumulate := func(ch channel, v float64) {
		set[ch] = true
		value[ch] += v
	}

	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		if fillers[tok] {
			continue
		}
		if dir, ok := directionWords[tok]; ok {
			pendingDir = dir
			continue
		}
		if p.ambiguous[tok] && clarify == nil {
			clarify = &Clarification{
				Question: fmt.Sprintf("%q can mean several things. Which adjustment did you have in mind?", tok),
				Options:  []string{"contrast", "saturation", "vibrance", "exposure", "white balance"},
				Context:  tok,
			}
			continue
		}

		if kw, ok := keywords[tok]; ok {
			dir := kw.dir * pendingDir
			pendingDir = 1
			if num, n := numberAfter(tokens, i); n > 0 {
				i += n
				accumulate(kw.ch, signedValue(num, dir))
			} else if kw.step != 0 {
				accumulate(kw.ch, dir*kw.step)
			} else {
				unknown = append(unknown, tok)
			}
			continue
		}

		switch tok {
		case "crop":
			cropSeen = true
			if aspect, n := aspectAfter(tokens, i); n > 0 {
				i += n
				cropAspect = aspect
			}
			continue
		case "straighten", "rotate", "tilt":
			if num, n := numberAfter(tokens, i); n > 0 {
				i += n
				angleSet = true
				angleDeg += num
			} else if dir, n := rotationWordAfter(tokens, i); n > 0 {
				i += n
				angleSet = true
				angleDeg += dir * 90
			} else if tok == "straighten" {
				angleSet = true // straighten with no angle zeroes the tilt
				angleDeg = 0
			} else {
				unknown = append(unknown, tok)
			}
			continue
		case "undo":
			controls = append(controls, edit.Call{Name: edit.CallUndo})
			continue
		case "redo":
			controls = append(controls, edit.Call{Name: edit.CallRedo})
			continue
		case "reset", "revert", "restart":
			controls = append(controls, edit.Call{Name: edit.CallReset})
			continue
		case "export", "save":
			call := edit.Call{Name: edit.CallExportImage, Args: map[string]any{}}
			if format, n := formatAfter(tokens, i); n > 0 {
				i += n
				call.Args["format"] = format
			}
			controls = append(controls, call)
			continue
		}

		if aspect, ok := aspectWords[tok]; ok && cropSeen {
			cropAspect = aspect
			continue
		}
		if _, err := strconv.ParseFloat(tok, 64); err == nil {
			// stray number with no keyword to bind to
			unknown = append(unknown, tok)
			continue
		}

		pendingDir = 1
		unknown = append(unknown, tok)
	}

	var calls []edit.Call
	if set[chTemp] || set[chTint] {
		args := map[string]any{}
		if set[chTemp] {
			args["temp"] = value[chTemp]
		}
		if set[chTint] {
			args["tint"] = value[chTint]
		}
		calls = append(calls, edit.Call{Name: edit.CallSetWhiteBalanceTempTint, Args: args})
	}
	if set[chEV] {
		calls = append(calls, edCall(edit.CallSetExposure, "ev", value[chEV]))
	}
	if set[chContrast] {
		calls = append(calls, edCall(edit.CallSetContrast, "amount", value[chContrast]))
	}
	if set[chSaturation] {
		calls = append(calls, edCall(edit.CallSetSaturation, "amount", value[chSaturation]))
	}
	if set[chVibrance] {
		calls = append(calls, edCall(edit.CallSetVibrance, "amount", value[chVibrance]))
	}
	if cropSeen || angleSet {
		args := map[string]any{}
		if cropAspect != "" {
			args["aspect"] = cropAspect
		} else if cropSeen && !angleSet {
			args["aspect"] = "free"
		}
		if angleSet {
			args["angle_deg"] = angleDeg
		}
		calls = append(calls, edit.Call{Name: edit.CallSetCrop, Args: args})
	}
	calls = append(calls, controls...)

	res := Result{
		Calls:         calls,
		Confidence:    p.cfg.BaseConfidence,
		Clarification: clarify,
	}
	if len(unknown) > 0 {
		res.Notes = append(res.Notes, "did not understand: "+strings.Join(unknown, ", "))
		res.Confidence -= float64(len(unknown)) * p.cfg.UnknownPenalty
		if res.Confidence < p.cfg.MinConfidence {
			res.Confidence = p.cfg.MinConfidence
		}
	}
	if clarify != nil && res.Confidence > p.cfg.ClarifyConfidenceCap {
		res.Confidence = p.cfg.ClarifyConfidenceCap
	}
	if len(calls) == 0 && clarify == nil && len(tokens) > 0 {
		res.Notes = append(res.Notes, "no actionable edits found")
		res.Confidence = p.cfg.MinConfidence
	}
	return res, nil
}

// Command reports whether the instruction is fully covered by the fixed
// command vocabulary and, when it is, returns its deterministic plan. Text
// with unknown tokens, an ambiguous term or no actionable edit is not a
// command and belongs to the configured planner.
func (p *RulesPlanner) Command(ctx context.Context, req Request) (Result, bool) {
	res, err := p.Plan(ctx, req)
	if err != nil || len(res.Calls) == 0 || res.Clarification != nil || len(res.Notes) > 0 {
		return Result{}, false
	}
	return res, true
}

func edCall(name, key string, v float64) edit.Call {
	return edit.Call{Name: name, Args: map[string]any{key: v}}
}

// signedValue resolves an explicit number against a keyword's direction.
// "cool by 200" means -200; an explicitly signed number wins as written.
func signedValue(num, dir float64) float64 {
	if num < 0 {
		return num
	}
	return dir * num
}

// tokenize lowercases and splits the instruction, keeping the characters
// numbers, ratios and signed values need.
func tokenize(text string) []string {
	text = strings.ToLower(text)
	return strings.FieldsFunc(text, func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		case r == '+', r == '-', r == '.', r == ':':
			return false
		}
		return true
	})
}

// numberAfter scans past fillers for a numeric token. It returns the value
// and how many tokens were consumed, or 0 consumed when none is found.
func numberAfter(tokens []string, i int) (float64, int) {
	for j := i + 1; j < len(tokens); j++ {
		if fillers[tokens[j]] {
			continue
		}
		if v, err := strconv.ParseFloat(tokens[j], 64); err == nil {
			return v, j - i
		}
		return 0, 0
	}
	return 0, 0
}

func aspectAfter(tokens []string, i int) (string, int) {
	for j := i + 1; j < len(tokens); j++ {
		if fillers[tokens[j]] {
			continue
		}
		if aspect, ok := aspectWords[tokens[j]]; ok {
			return aspect, j - i
		}
		if edit.ValidAspects[tokens[j]] {
			return tokens[j], j - i
		}
		return "", 0
	}
	return "", 0
}

func rotationWordAfter(tokens []string, i int) (float64, int) {
	for j := i + 1; j < len(tokens); j++ {
		if fillers[tokens[j]] {
			continue
		}
		switch tokens[j] {
		case "left", "counterclockwise":
			return -1, j - i
		case "right", "clockwise":
			return 1, j - i
		}
		return 0, 0
	}
	return 0, 0
}

func formatAfter(tokens []string, i int) (string, int) {
	for j := i + 1; j < len(tokens); j++ {
		if fillers[tokens[j]] || tokens[j] == "as" {
			continue
		}
		switch tokens[j] {
		case "png":
			return "png", j - i
		case "jpeg", "jpg":
			return "jpeg", j - i
		}
		return "", 0
	}
	return "", 0
}
