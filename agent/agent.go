package agent

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/session"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Stop reasons returned from ProcessPrompt.
const (
	StopEndTurn   = "end_turn"
	StopCancelled = "cancelled"
)

// Tool call statuses reported through callbacks.
const (
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// ContentBlock is one element of a prompt: text or a resource link.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	URI      string `json:"uri,omitempty"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ProcessCallbacks let the transport observe a prompt as it runs. All
// callbacks are invoked from the prompt goroutine, never concurrently.
type ProcessCallbacks struct {
	// OnMessage streams agent text to the user.
	OnMessage func(text string)
	// OnToolCall announces a started tool call.
	OnToolCall func(id, title, status string)
	// OnToolCallUpdate reports a tool call finishing or failing.
	OnToolCallUpdate func(id, status, content string)
}

func (cb ProcessCallbacks) message(text string) {
	if cb.OnMessage != nil {
		cb.OnMessage(text)
	}
}

func (cb ProcessCallbacks) toolStart(title string) string {
	id := "call_" + uuid.NewString()
	if cb.OnToolCall != nil {
		cb.OnToolCall(id, title, StatusInProgress)
	}
	return id
}

func (cb ProcessCallbacks) toolEnd(id, status, content string) {
	if cb.OnToolCallUpdate != nil {
		cb.OnToolCallUpdate(id, status, content)
	}
}

// Agent turns prompt content into edit-stack mutations. It owns no session
// state itself; everything per-conversation lives on the session.
type Agent struct {
	Config *config.Config
	Log    zerolog.Logger

	// commands classifies text against the fixed command vocabulary so
	// direct stack commands never take a model round trip.
	commands *planner.RulesPlanner
}

func New(cfg *config.Config, log zerolog.Logger) *Agent {
	return &Agent{Config: cfg, Log: log, commands: planner.NewRulesPlanner(cfg.Planner)}
}

// ProcessPrompt handles one prompt turn: bind any linked images, plan the
// instruction, apply the resulting calls, and narrate the outcome. The
// session's cancel flag is checked between units of work; a unit already
// dispatched always runs to completion.
func (a *Agent) ProcessPrompt(ctx context.Context, sess *session.Session, blocks []ContentBlock, cb ProcessCallbacks) (string, error) {
	text, links := splitPrompt(blocks)

	for _, link := range links {
		if sess.Cancelled() {
			return StopCancelled, nil
		}
		if err := a.bindImage(ctx, sess, link, cb); err != nil {
			if errors.KindOf(err) == errors.KindUser {
				cb.message(err.Error())
				return StopEndTurn, nil
			}
			return "", err
		}
	}

	if strings.TrimSpace(text) == "" {
		if sess.Stack() != nil {
			cb.message("Current edits: " + sess.Stack().Summary())
		}
		return StopEndTurn, nil
	}

	if sess.Cancelled() {
		return StopCancelled, nil
	}

	res, err := a.planText(ctx, sess, text)
	if err != nil {
		return "", err
	}

	for _, note := range res.Notes {
		cb.message(note)
	}
	if res.Clarification != nil {
		cb.message(res.Clarification.Question)
		if len(res.Clarification.Options) > 0 {
			cb.message("Options: " + strings.Join(res.Clarification.Options, ", "))
		}
		return StopEndTurn, nil
	}
	if len(res.Calls) == 0 {
		cb.message("I couldn't map that to any edits. Try something like \"warmer\" or \"contrast 10\".")
		return StopEndTurn, nil
	}

	edited := false
	for _, call := range res.Calls {
		if sess.Cancelled() {
			if edited {
				cb.message("Stopped. Current edits: " + sess.Stack().Summary())
			}
			return StopCancelled, nil
		}
		didEdit, err := a.runCall(ctx, sess, call, cb)
		if err != nil {
			if errors.KindOf(err) == errors.KindUser {
				cb.message(err.Error())
				return StopEndTurn, nil
			}
			return "", err
		}
		edited = edited || didEdit
	}

	if edited {
		a.refreshPreview(ctx, sess, cb)
		cb.message("Current edits: " + sess.Stack().Summary())
	}
	return StopEndTurn, nil
}

// refreshPreview renders the preview for the current stack after a mutating
// batch. The render primes the preview cache; a failure is reported on the
// tool call and never fails the turn.
func (a *Agent) refreshPreview(ctx context.Context, sess *session.Session, cb ProcessCallbacks) {
	if sess.Provider == nil || sess.Stack() == nil {
		return
	}
	id := cb.toolStart("render_preview")
	data, err := sess.Provider.RenderPreview(ctx, sess.ImageURI(), sess.Stack(), a.Config.PreviewMaxPixels)
	if err != nil {
		a.Log.Warn().Err(err).Msg("preview render failed")
		cb.toolEnd(id, StatusFailed, err.Error())
		return
	}
	cb.toolEnd(id, StatusCompleted, fmt.Sprintf("%d bytes", len(data)))
}

// planText runs the session's planner over the instruction, optionally
// attaching a rendered preview for vision grounding, then validates the
// plan.
func (a *Agent) planText(ctx context.Context, sess *session.Session, text string) (planner.Result, error) {
	req := planner.Request{Text: text, Stack: sess.Stack()}

	// Text the command vocabulary covers applies directly; only free text
	// reaches the configured planner.
	if res, ok := a.commands.Command(ctx, req); ok {
		return planner.Finalize(res, a.Config.Planner.MaxCalls), nil
	}

	if a.Config.Planner.VisionGrounding && sess.Stack() != nil && sess.Provider != nil {
		png, err := sess.Provider.RenderPreview(ctx, sess.ImageURI(), sess.Stack(), a.Config.PreviewMaxPixels)
		if err != nil {
			a.Log.Warn().Err(err).Msg("preview render for vision grounding failed")
		} else {
			req.PreviewPNG = png
		}
		stats, err := sess.Provider.ComputeImageStats(ctx, sess.ImageURI(), sess.Stack())
		if err != nil {
			a.Log.Warn().Err(err).Msg("image stats for grounding failed")
		} else {
			req.Stats = stats.Summary
		}
	}

	res, err := sess.Planner.Plan(ctx, req)
	if err != nil {
		return planner.Result{}, errors.Wrapf(err, "planning failed")
	}
	return planner.Finalize(res, a.Config.Planner.MaxCalls), nil
}

// runCall executes one validated call. It reports whether the call mutated
// the stack.
func (a *Agent) runCall(ctx context.Context, sess *session.Session, call edit.Call, cb ProcessCallbacks) (bool, error) {
	stack := sess.Stack()

	switch call.Name {
	case edit.CallUndo:
		if stack == nil || !stack.Undo() {
			cb.message("Nothing to undo.")
			return false, nil
		}
		cb.message("Undone.")
		return true, nil

	case edit.CallRedo:
		if stack == nil || !stack.Redo() {
			cb.message("Nothing to redo.")
			return false, nil
		}
		cb.message("Redone.")
		return true, nil

	case edit.CallReset:
		if stack == nil || !stack.Reset() {
			cb.message("Nothing to reset.")
			return false, nil
		}
		cb.message("Reset all edits. Undo brings them back.")
		return true, nil

	case edit.CallExportImage:
		return false, a.exportImage(ctx, sess, call, cb)
	}

	// Operation-producing calls need a bound image.
	if stack == nil {
		return false, errors.E(errors.KindUser, "No image is loaded. Attach one to the prompt first.")
	}

	// A picked gray point arrives in preview coordinates; map it back onto
	// the original image before it lands on the stack.
	if call.Name == edit.CallSetWhiteBalanceGray {
		px, _ := call.Args["x"].(float64)
		py, _ := call.Args["y"].(float64)
		ox, oy, clamped := edit.MapPoint(px, py, stack)
		call.Args["x"], call.Args["y"] = ox, oy
		if clamped {
			cb.message("The picked point falls outside the original frame; using the nearest edge.")
		}
	}

	// An aspect crop without an explicit window gets its rect derived by
	// the tool provider, which knows the base image's proportions.
	if call.Name == edit.CallSetCrop {
		aspect, _ := call.Args["aspect"].(string)
		if _, hasRect := call.Args["rect"]; !hasRect && aspect != "" && aspect != "free" && aspect != "original" {
			rect, err := sess.Provider.ComputeAspectRect(ctx, sess.ImageURI(), aspect)
			if err != nil {
				a.Log.Warn().Err(err).Str("aspect", aspect).Msg("aspect rect derivation failed")
			} else {
				call.Args["rect"] = []any{rect.X, rect.Y, rect.W, rect.H}
			}
		}
	}

	id := cb.toolStart(call.Name)
	op, notes, err := stack.ApplyCall(call, false)
	if err != nil {
		cb.toolEnd(id, StatusFailed, err.Error())
		return false, err
	}
	for _, note := range notes {
		cb.message(fmt.Sprintf("%s: %s", call.Name, note))
	}
	cb.toolEnd(id, StatusCompleted, stackOpTitle(op))
	return true, nil
}

// bindImage resolves a resource link against the allowlist, reads its
// metadata through the tool provider, and binds it as the session's base
// image.
func (a *Agent) bindImage(ctx context.Context, sess *session.Session, link ContentBlock, cb ProcessCallbacks) error {
	path, err := uriToPath(link.URI)
	if err != nil {
		return errors.E(errors.KindUser, "I can't open %s: %v", link.URI, err)
	}
	if !a.pathAllowed(path, sess.Cwd) {
		return errors.E(errors.KindUser, "Access to %s is not allowed by the image path allowlist.", path)
	}

	id := cb.toolStart("read_image_metadata")
	meta, err := sess.Provider.ReadImageMetadata(ctx, link.URI)
	if err != nil {
		cb.toolEnd(id, StatusFailed, err.Error())
		return errors.E(errors.KindUser, "I couldn't read %s: %v", path, err)
	}
	cb.toolEnd(id, StatusCompleted, fmt.Sprintf("%dx%d %s", meta.Width, meta.Height, meta.MIME))

	sess.BindImage(link.URI)
	a.Log.Info().Str("session", sess.ID).Str("uri", link.URI).Msg("image bound")
	cb.message(fmt.Sprintf("Loaded %s (%dx%d). Tell me how to edit it.", filepath.Base(path), meta.Width, meta.Height))
	return nil
}

// pathAllowed checks the image path against the configured glob allowlist.
// An empty allowlist permits anything under the session's working
// directory.
func (a *Agent) pathAllowed(path, cwd string) bool {
	if len(a.Config.AllowedImagePaths) == 0 {
		rel, err := filepath.Rel(cwd, path)
		return err == nil && !strings.HasPrefix(rel, "..")
	}
	for _, pattern := range a.Config.AllowedImagePaths {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}

func (a *Agent) exportImage(ctx context.Context, sess *session.Session, call edit.Call, cb ProcessCallbacks) error {
	stack := sess.Stack()
	if stack == nil {
		return errors.E(errors.KindUser, "No image is loaded, so there is nothing to export.")
	}

	format, _ := call.Args["format"].(string)
	if format == "" {
		format = "png"
	}
	path, _ := call.Args["path"].(string)
	if path == "" {
		base := strings.TrimSuffix(filepath.Base(sess.ImageURI()), filepath.Ext(sess.ImageURI()))
		ext := format
		if format == "jpeg" {
			ext = "jpg"
		}
		path = base + "_edited." + ext
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(sess.Cwd, path)
	}

	id := cb.toolStart("export_image")
	data, err := sess.Provider.RenderPreview(ctx, sess.ImageURI(), stack, a.Config.ExportMaxPixels)
	if err != nil {
		cb.toolEnd(id, StatusFailed, err.Error())
		return errors.E(errors.KindUser, "Export failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		cb.toolEnd(id, StatusFailed, err.Error())
		return errors.E(errors.KindUser, "Could not write %s: %v", path, err)
	}
	cb.toolEnd(id, StatusCompleted, path)
	cb.message("Exported to " + path)
	return nil
}

func stackOpTitle(op edit.Op) string {
	return string(op.Kind) + " " + op.ID
}

// splitPrompt separates prompt text from linked image resources.
func splitPrompt(blocks []ContentBlock) (string, []ContentBlock) {
	var parts []string
	var links []ContentBlock
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case "resource_link":
			links = append(links, b)
		}
	}
	return strings.Join(parts, "\n"), links
}

func uriToPath(uri string) (string, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid URI: %v", err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("unsupported URI scheme: %s", parsed.Scheme)
	}
	return parsed.Path, nil
}
