package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/llm"
)

// Fallback reasons surfaced to the user as "planner_fallback:<reason>".
const (
	FallbackNoAPIKey     = "no_api_key"
	FallbackTimeout      = "timeout"
	FallbackRateLimit    = "rate_limit"
	FallbackNetworkError = "network_error"
	FallbackAPIError     = "api_error"
)

const systemPrompt = `You translate photo-editing instructions into tool calls.
Respond with a single JSON object and nothing else:
{"calls":[{"name":"...","args":{...}}],"notes":["..."],"confidence":0.0,
 "clarification":{"question":"...","options":["..."]}}
Omit "clarification" unless the instruction is genuinely ambiguous.

Available calls and argument ranges:
  set_white_balance_temp_tint {temp, tint}   temp/tint in [-100,100]
  set_white_balance_gray      {x, y}         normalized [0,1] coordinates
  set_exposure                {ev}           ev in [-3,3]
  set_contrast                {amount}       amount in [-100,100]
  set_saturation              {amount}       amount in [-100,100]
  set_vibrance                {amount}       amount in [-100,100]
  set_crop                    {aspect, angle_deg, rect}
      aspect one of 1:1 3:2 2:3 4:3 3:4 16:9 9:16 original free,
      rect is [x,y,w,h] normalized to the base image
  set_rotate                  {angle_deg}
  undo | redo | reset         {}
  export_image                {path, format}  format png or jpeg`

// LLMPlanner asks a language model to plan and falls back to the
// deterministic planner when the model cannot be reached. The fallback is
// always announced through a note so the user knows which planner answered.
type LLMPlanner struct {
	client   llm.Client
	fallback *RulesPlanner
	cfg      config.Planner

	// sleep is swapped out by tests.
	sleep func(context.Context, time.Duration) error
}

func NewLLMPlanner(client llm.Client, fallback *RulesPlanner, cfg config.Planner) *LLMPlanner {
	return &LLMPlanner{
		client:   client,
		fallback: fallback,
		cfg:      cfg,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Plan implements Planner. The model gets up to cfg.MaxAttempts tries with
// exponential backoff; only retryable failures (rate limits, timeouts,
// upstream unavailability) are retried. Any terminal failure degrades to
// the rules planner instead of erroring, with a planner_fallback note.
func (p *LLMPlanner) Plan(ctx context.Context, req Request) (Result, error) {
	if p.client == nil {
		return p.fallbackPlan(ctx, req, FallbackNoAPIKey)
	}

	prompt := p.buildPrompt(req)
	var image []byte
	if p.cfg.VisionGrounding {
		image = req.PreviewPNG
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.Multiplier = 2
	bo.RandomizationFactor = 0

	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := p.sleep(ctx, bo.NextBackOff()); err != nil {
				lastErr = err
				break
			}
		}
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}

		raw, err := p.generate(ctx, prompt, image)
		if err != nil {
			lastErr = err
			if !llm.Retryable(err) {
				break
			}
			continue
		}

		res, err := parsePlanResponse(raw)
		if err != nil {
			// A malformed response counts as one failed attempt.
			lastErr = err
			continue
		}
		return res, nil
	}

	return p.fallbackPlan(ctx, req, fallbackReason(lastErr))
}

// generate runs one model attempt under the per-attempt timeout.
func (p *LLMPlanner) generate(ctx context.Context, prompt string, image []byte) (string, error) {
	if p.cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(p.cfg.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return p.client.Generate(ctx, llm.Request{
		System:   systemPrompt,
		Prompt:   prompt,
		ImagePNG: image,
	})
}

func (p *LLMPlanner) fallbackPlan(ctx context.Context, req Request, reason string) (Result, error) {
	res, err := p.fallback.Plan(ctx, req)
	if err != nil {
		return Result{}, err
	}
	res.Notes = append([]string{"planner_fallback:" + reason}, res.Notes...)
	return res, nil
}

func fallbackReason(err error) string {
	switch {
	case err == nil:
		return FallbackAPIError
	case errors.Is(err, llm.ErrNoCredentials):
		return FallbackNoAPIKey
	case errors.Is(err, llm.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FallbackTimeout
	case errors.Is(err, context.Canceled):
		return FallbackTimeout
	case errors.Is(err, llm.ErrRateLimited):
		return FallbackRateLimit
	case errors.Is(err, llm.ErrUnavailable):
		return FallbackNetworkError
	}
	return FallbackAPIError
}

func (p *LLMPlanner) buildPrompt(req Request) string {
	var b strings.Builder
	if req.Stack != nil {
		fmt.Fprintf(&b, "Current edits: %s\n", req.Stack.Summary())
	} else {
		b.WriteString("Current edits: no edits\n")
	}
	if req.Stats != "" {
		fmt.Fprintf(&b, "Image stats: %s\n", req.Stats)
	}
	fmt.Fprintf(&b, "Instruction: %s\n", req.Text)
	return b.String()
}

// planWire is the model's response schema.
type planWire struct {
	Calls         []edit.Call    `json:"calls"`
	Notes         []string       `json:"notes"`
	Confidence    float64        `json:"confidence"`
	Clarification *Clarification `json:"clarification"`
}

// parsePlanResponse extracts and decodes the JSON object from a model
// response, tolerating fenced code blocks and prose around the object.
func parsePlanResponse(raw string) (Result, error) {
	payload := extractJSON(raw)
	if payload == "" {
		return Result{}, errors.E(errors.KindValidation, "model response contains no JSON object")
	}

	var wire planWire
	if err := json.Unmarshal([]byte(payload), &wire); err != nil {
		return Result{}, errors.Wrapf(err, "could not decode plan")
	}
	if wire.Confidence < 0 {
		wire.Confidence = 0
	}
	if wire.Confidence > 1 {
		wire.Confidence = 1
	}
	return Result{
		Calls:         wire.Calls,
		Notes:         wire.Notes,
		Confidence:    wire.Confidence,
		Clarification: wire.Clarification,
	}, nil
}

func extractJSON(raw string) string {
	if idx := strings.Index(raw, "```"); idx >= 0 {
		rest := raw[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			raw = rest[:end]
		}
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(raw[start : end+1])
}
