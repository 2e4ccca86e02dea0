package planner

import (
	"context"
	stderrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/llm"
)

func newTestLLMPlanner(client llm.Client) *LLMPlanner {
	cfg := testPlannerConfig()
	cfg.Mode = "llm"
	p := NewLLMPlanner(client, NewRulesPlanner(cfg), cfg)
	p.sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestLLMPlannerParsesModelResponse(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"Here is the plan:\n```json\n" +
			`{"calls":[{"name":"set_exposure","args":{"ev":1.5}}],"confidence":0.85}` +
			"\n```",
	}}
	p := newTestLLMPlanner(mock)

	res, err := p.Plan(context.Background(), Request{Text: "brighten a lot"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != edit.CallSetExposure {
		t.Fatalf("unexpected calls: %+v", res.Calls)
	}
	if res.Confidence != 0.85 {
		t.Errorf("confidence = %v, want 0.85", res.Confidence)
	}
	if mock.Calls != 1 {
		t.Errorf("model called %d times, want 1", mock.Calls)
	}
}

func TestLLMPlannerFallsBackAfterTimeouts(t *testing.T) {
	mock := &llm.MockClient{Errs: []error{llm.ErrTimeout, llm.ErrTimeout, llm.ErrTimeout}}
	p := newTestLLMPlanner(mock)

	res, err := p.Plan(context.Background(), Request{Text: "warmer, warmer, cooler"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if mock.Calls != 3 {
		t.Errorf("model called %d times, want 3", mock.Calls)
	}
	if len(res.Notes) == 0 || !strings.Contains(res.Notes[0], "timeout") {
		t.Fatalf("expected a fallback note containing %q, got %v", "timeout", res.Notes)
	}

	// Output matches the deterministic planner's.
	want, _ := NewRulesPlanner(testPlannerConfig()).Plan(context.Background(), Request{Text: "warmer, warmer, cooler"})
	if len(res.Calls) != len(want.Calls) {
		t.Fatalf("fallback calls %+v, want %+v", res.Calls, want.Calls)
	}
	if got := argNum(t, res.Calls[0], "temp"); got != 20 {
		t.Errorf("fallback temp = %v, want 20", got)
	}
}

func TestLLMPlannerDoesNotRetryTerminalErrors(t *testing.T) {
	mock := &llm.MockClient{Errs: []error{stderrors.New("model refused")}}
	p := newTestLLMPlanner(mock)

	res, err := p.Plan(context.Background(), Request{Text: "warmer"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if mock.Calls != 1 {
		t.Errorf("model called %d times, want 1", mock.Calls)
	}
	if res.Notes[0] != "planner_fallback:"+FallbackAPIError {
		t.Errorf("note = %q, want api_error fallback", res.Notes[0])
	}
}

func TestLLMPlannerRateLimitReason(t *testing.T) {
	mock := &llm.MockClient{Errs: []error{llm.ErrRateLimited, llm.ErrRateLimited, llm.ErrRateLimited}}
	p := newTestLLMPlanner(mock)

	res, _ := p.Plan(context.Background(), Request{Text: "warmer"})
	if res.Notes[0] != "planner_fallback:"+FallbackRateLimit {
		t.Errorf("note = %q, want rate_limit fallback", res.Notes[0])
	}
}

func TestLLMPlannerNilClientFallsBack(t *testing.T) {
	p := newTestLLMPlanner(nil)

	res, err := p.Plan(context.Background(), Request{Text: "contrast 10"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if res.Notes[0] != "planner_fallback:"+FallbackNoAPIKey {
		t.Errorf("note = %q, want no_api_key fallback", res.Notes[0])
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != edit.CallSetContrast {
		t.Errorf("fallback calls = %+v", res.Calls)
	}
}

func TestLLMPlannerRetriesMalformedResponse(t *testing.T) {
	mock := &llm.MockClient{Responses: []string{
		"sure, adjusting the photo now!",
		`{"calls":[{"name":"set_contrast","args":{"amount":10}}],"confidence":0.9}`,
	}}
	p := newTestLLMPlanner(mock)

	res, err := p.Plan(context.Background(), Request{Text: "contrast 10"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if mock.Calls != 2 {
		t.Errorf("model called %d times, want 2", mock.Calls)
	}
	if len(res.Calls) != 1 || res.Calls[0].Name != edit.CallSetContrast {
		t.Errorf("calls = %+v", res.Calls)
	}
}

func TestLLMPlannerStopsOnCancel(t *testing.T) {
	mock := &llm.MockClient{Errs: []error{llm.ErrUnavailable, llm.ErrUnavailable, llm.ErrUnavailable}}
	cfg := testPlannerConfig()
	p := NewLLMPlanner(mock, NewRulesPlanner(cfg), cfg)

	ctx, cancel := context.WithCancel(context.Background())
	p.sleep = func(ctx context.Context, _ time.Duration) error {
		cancel()
		return ctx.Err()
	}

	res, err := p.Plan(ctx, Request{Text: "warmer"})
	if err != nil {
		t.Fatalf("Plan returned error: %v", err)
	}
	if mock.Calls != 1 {
		t.Errorf("model called %d times after cancel, want 1", mock.Calls)
	}
	if len(res.Notes) == 0 || !strings.HasPrefix(res.Notes[0], "planner_fallback:") {
		t.Errorf("expected a fallback note, got %v", res.Notes)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"calls":[]}`, `{"calls":[]}`},
		{"```json\n{\"calls\":[]}\n```", `{"calls":[]}`},
		{"prose before {\"calls\":[]} prose after", `{"calls":[]}`},
		{"no json here", ""},
	}
	for _, tc := range cases {
		if got := extractJSON(tc.in); got != tc.want {
			t.Errorf("extractJSON(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
