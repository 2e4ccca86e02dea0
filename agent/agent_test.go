package agent

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/session"
	"github.com/darkroomd/darkroom/tools"
	"github.com/rs/zerolog"
)

// plannerFunc adapts a function to planner.Planner.
type plannerFunc func(ctx context.Context, req planner.Request) (planner.Result, error)

func (f plannerFunc) Plan(ctx context.Context, req planner.Request) (planner.Result, error) {
	return f(ctx, req)
}

// recorder captures callback traffic for assertions.
type recorder struct {
	messages []string
	tools    []string
	statuses []string
}

func (r *recorder) callbacks() ProcessCallbacks {
	return ProcessCallbacks{
		OnMessage: func(text string) { r.messages = append(r.messages, text) },
		OnToolCall: func(id, title, status string) {
			r.tools = append(r.tools, title)
			r.statuses = append(r.statuses, status)
		},
		OnToolCallUpdate: func(id, status, content string) {
			r.statuses = append(r.statuses, status)
		},
	}
}

func (r *recorder) allMessages() string { return strings.Join(r.messages, "\n") }

func testAgent(t *testing.T) (*Agent, *session.Registry) {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return New(cfg, zerolog.Nop()), session.NewRegistry()
}

func rulesPlanner(t *testing.T) planner.Planner {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	return planner.NewRulesPlanner(cfg.Planner)
}

func imageLink(uri string) ContentBlock {
	return ContentBlock{Type: "resource_link", URI: uri, MimeType: "image/jpeg"}
}

func TestBindImageFromResourceLink(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}

	uri := "file://" + filepath.Join(dir, "a.jpg")
	stop, err := a.ProcessPrompt(context.Background(), sess, []ContentBlock{imageLink(uri)}, rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %q, want end_turn", stop)
	}
	if sess.ImageURI() != uri {
		t.Errorf("image URI = %q, want %q", sess.ImageURI(), uri)
	}
	if sess.Stack() == nil {
		t.Fatal("no stack bound")
	}
	if !strings.Contains(rec.allMessages(), "4000x3000") {
		t.Errorf("expected dimensions in the load message, got %q", rec.allMessages())
	}
}

func TestEditWithoutImageIsUserError(t *testing.T) {
	a, reg := testAgent(t)
	sess := reg.Create(t.TempDir(), rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}

	stop, err := a.ProcessPrompt(context.Background(), sess,
		[]ContentBlock{{Type: "text", Text: "warmer"}}, rec.callbacks())
	if err != nil {
		t.Fatalf("user mistakes must not surface as protocol errors: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %q, want end_turn", stop)
	}
	if !strings.Contains(rec.allMessages(), "No image is loaded") {
		t.Errorf("expected a no-image message, got %q", rec.allMessages())
	}
}

func TestPromptAppliesPlannedCalls(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}

	uri := "file://" + filepath.Join(dir, "a.jpg")
	blocks := []ContentBlock{
		imageLink(uri),
		{Type: "text", Text: "warmer, contrast 10"},
	}
	stop, err := a.ProcessPrompt(context.Background(), sess, blocks, rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %q", stop)
	}

	ops := sess.Stack().Ops
	if len(ops) != 2 {
		t.Fatalf("stack has %d ops, want 2: %+v", len(ops), ops)
	}
	if ops[0].Kind != edit.KindWhiteBalance || ops[0].WB.Temp != 20 {
		t.Errorf("op 0 = %+v, want white balance temp 20", ops[0])
	}
	if ops[1].Kind != edit.KindContrast || ops[1].Amount != 10 {
		t.Errorf("op 1 = %+v, want contrast 10", ops[1])
	}
	if !strings.Contains(rec.messages[len(rec.messages)-1], "Current edits:") {
		t.Errorf("expected a closing summary, got %q", rec.messages[len(rec.messages)-1])
	}
}

func TestClarificationEndsTurnWithoutEdits(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}

	uri := "file://" + filepath.Join(dir, "a.jpg")
	blocks := []ContentBlock{imageLink(uri), {Type: "text", Text: "make it pop"}}
	stop, err := a.ProcessPrompt(context.Background(), sess, blocks, rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %q", stop)
	}
	if len(sess.Stack().Ops) != 0 {
		t.Errorf("ambiguous prompt mutated the stack: %+v", sess.Stack().Ops)
	}
	if !strings.Contains(rec.allMessages(), "pop") {
		t.Errorf("expected the clarification to mention the term, got %q", rec.allMessages())
	}
}

func TestUndoRedoThroughPrompt(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}
	ctx := context.Background()

	uri := "file://" + filepath.Join(dir, "a.jpg")
	a.ProcessPrompt(ctx, sess, []ContentBlock{imageLink(uri), {Type: "text", Text: "warmer"}}, rec.callbacks())
	if len(sess.Stack().Ops) != 1 {
		t.Fatalf("setup failed: %+v", sess.Stack().Ops)
	}

	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "undo"}}, rec.callbacks())
	if len(sess.Stack().Ops) != 0 {
		t.Errorf("undo left %d ops", len(sess.Stack().Ops))
	}

	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "redo"}}, rec.callbacks())
	if len(sess.Stack().Ops) != 1 {
		t.Errorf("redo left %d ops", len(sess.Stack().Ops))
	}
}

func TestExportWritesFile(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}
	ctx := context.Background()

	uri := "file://" + filepath.Join(dir, "sunset.jpg")
	blocks := []ContentBlock{imageLink(uri), {Type: "text", Text: "warmer then export as png"}}
	if _, err := a.ProcessPrompt(ctx, sess, blocks, rec.callbacks()); err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}

	want := filepath.Join(dir, "sunset_edited.png")
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("exported file missing: %v (messages: %q)", err, rec.allMessages())
	}
}

func TestCancelStopsBetweenCalls(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, nil, &tools.MockProvider{})
	rec := &recorder{}
	ctx := context.Background()

	// Cancel as soon as planning finishes so the first call never runs.
	sess.Planner = plannerFunc(func(_ context.Context, _ planner.Request) (planner.Result, error) {
		sess.Cancel()
		return planner.Result{
			Calls:      []edit.Call{{Name: edit.CallSetContrast, Args: map[string]any{"amount": 10.0}}},
			Confidence: 0.9,
		}, nil
	})

	uri := "file://" + filepath.Join(dir, "a.jpg")
	a.ProcessPrompt(ctx, sess, []ContentBlock{imageLink(uri)}, rec.callbacks())

	stop, err := a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "punchier"}}, rec.callbacks())
	if err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}
	if stop != StopCancelled {
		t.Errorf("stop = %q, want cancelled", stop)
	}
	if len(sess.Stack().Ops) != 0 {
		t.Errorf("cancelled prompt still mutated the stack: %+v", sess.Stack().Ops)
	}
}

func TestAllowlistBlocksImage(t *testing.T) {
	a, reg := testAgent(t)
	a.Config.AllowedImagePaths = []string{"/photos/**"}
	sess := reg.Create(t.TempDir(), rulesPlanner(t), &tools.MockProvider{})
	rec := &recorder{}

	stop, err := a.ProcessPrompt(context.Background(), sess,
		[]ContentBlock{imageLink("file:///secret/a.jpg")}, rec.callbacks())
	if err != nil {
		t.Fatalf("allowlist violations must be user errors: %v", err)
	}
	if stop != StopEndTurn {
		t.Errorf("stop = %q", stop)
	}
	if sess.ImageURI() != "" {
		t.Error("blocked image was still bound")
	}
	if !strings.Contains(rec.allMessages(), "not allowed") {
		t.Errorf("expected an allowlist message, got %q", rec.allMessages())
	}
}

func TestDirectCommandsBypassConfiguredPlanner(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	plannerCalls := 0
	sess := reg.Create(dir, plannerFunc(func(_ context.Context, _ planner.Request) (planner.Result, error) {
		plannerCalls++
		return planner.Result{Confidence: 0.9}, nil
	}), &tools.MockProvider{})
	rec := &recorder{}
	ctx := context.Background()

	uri := "file://" + filepath.Join(dir, "a.jpg")
	a.ProcessPrompt(ctx, sess, []ContentBlock{imageLink(uri), {Type: "text", Text: "warmer"}}, rec.callbacks())
	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "undo"}}, rec.callbacks())

	if plannerCalls != 0 {
		t.Errorf("command vocabulary text reached the configured planner %d times", plannerCalls)
	}
	if len(sess.Stack().Ops) != 0 {
		t.Errorf("warmer then undo should leave an empty stack, got %+v", sess.Stack().Ops)
	}

	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "give it a vintage feel"}}, rec.callbacks())
	if plannerCalls != 1 {
		t.Errorf("free text must reach the configured planner, got %d calls", plannerCalls)
	}
}

func TestMutatingBatchRendersPreview(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	mock := &tools.MockProvider{}
	sess := reg.Create(dir, rulesPlanner(t), mock)
	rec := &recorder{}
	ctx := context.Background()

	uri := "file://" + filepath.Join(dir, "a.jpg")
	a.ProcessPrompt(ctx, sess, []ContentBlock{imageLink(uri), {Type: "text", Text: "warmer, contrast 10"}}, rec.callbacks())

	if mock.RenderCalls != 1 {
		t.Fatalf("render calls = %d, want one preview per mutating batch", mock.RenderCalls)
	}
	if mock.LastStackHash != sess.Stack().Hash() {
		t.Error("preview rendered for a stale stack")
	}
	var sawRender bool
	for _, title := range rec.tools {
		if title == "render_preview" {
			sawRender = true
		}
	}
	if !sawRender {
		t.Errorf("no render_preview tool call reported, got %v", rec.tools)
	}

	// Undo rewrites the stack, so it refreshes the preview too.
	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "undo"}}, rec.callbacks())
	if mock.RenderCalls != 2 {
		t.Errorf("render calls after undo = %d, want 2", mock.RenderCalls)
	}

	// A clarification mutates nothing and renders nothing.
	a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "make it pop"}}, rec.callbacks())
	if mock.RenderCalls != 2 {
		t.Errorf("non-mutating prompt rendered a preview, calls = %d", mock.RenderCalls)
	}
}

func TestGrayPointMappedThroughGeometry(t *testing.T) {
	a, reg := testAgent(t)
	dir := t.TempDir()
	sess := reg.Create(dir, nil, &tools.MockProvider{})
	rec := &recorder{}
	ctx := context.Background()

	sess.Planner = plannerFunc(func(_ context.Context, req planner.Request) (planner.Result, error) {
		return planner.Result{
			Calls: []edit.Call{{
				Name: edit.CallSetWhiteBalanceGray,
				Args: map[string]any{"x": 0.5, "y": 0.5},
			}},
			Confidence: 0.9,
		}, nil
	})

	uri := "file://" + filepath.Join(dir, "a.jpg")
	a.ProcessPrompt(ctx, sess, []ContentBlock{imageLink(uri)}, rec.callbacks())
	sess.Stack().Add(edit.Op{Kind: edit.KindCrop, Crop: edit.CropParams{
		RectSet: true,
		Rect:    edit.RectNorm{X: 0.5, Y: 0.5, W: 0.5, H: 0.5},
	}}, false)

	if _, err := a.ProcessPrompt(ctx, sess, []ContentBlock{{Type: "text", Text: "gray point"}}, rec.callbacks()); err != nil {
		t.Fatalf("ProcessPrompt: %v", err)
	}

	ops := sess.Stack().Ops
	wb := ops[len(ops)-1]
	if wb.Kind != edit.KindWhiteBalance || !wb.WB.GraySet {
		t.Fatalf("expected a gray-point op, got %+v", wb)
	}
	if wb.WB.GrayX != 0.75 || wb.WB.GrayY != 0.75 {
		t.Errorf("gray point = (%v, %v), want (0.75, 0.75) in original coordinates", wb.WB.GrayX, wb.WB.GrayY)
	}
}
