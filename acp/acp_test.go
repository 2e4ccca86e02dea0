package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/darkroomd/darkroom/agent"
	"github.com/darkroomd/darkroom/config"
	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/tools"
	"github.com/rs/zerolog"
)

type wireMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *jsonrpcError   `json:"error"`
}

func newTestServer(t *testing.T, in io.Reader, out io.Writer) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.ApplyDefaults()
	a := agent.New(cfg, zerolog.Nop())
	p := planner.NewRulesPlanner(cfg.Planner)
	return NewServer(a, p, &tools.MockProvider{}, in, out, zerolog.Nop())
}

// runOn feeds newline-delimited requests through srv and returns every
// message it wrote, in order. Run returns only after in-flight prompts
// finish, so all responses are present.
func runOn(t *testing.T, srv *Server, in *bytes.Buffer, out *bytes.Buffer, lines ...string) []wireMessage {
	t.Helper()
	for _, line := range lines {
		in.WriteString(line)
		in.WriteString("\n")
	}
	if err := srv.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var messages []wireMessage
	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, 0, 1<<20), 1<<20)
	for scanner.Scan() {
		var msg wireMessage
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("server wrote a non-JSON line: %q", scanner.Text())
		}
		messages = append(messages, msg)
	}
	return messages
}

func runScript(t *testing.T, lines ...string) []wireMessage {
	t.Helper()
	var in, out bytes.Buffer
	srv := newTestServer(t, &in, &out)
	return runOn(t, srv, &in, &out, lines...)
}

func responseFor(t *testing.T, messages []wireMessage, id float64) wireMessage {
	t.Helper()
	for _, msg := range messages {
		if got, ok := msg.ID.(float64); ok && got == id && msg.Method == "" {
			return msg
		}
	}
	t.Fatalf("no response for id %v in %+v", id, messages)
	return wireMessage{}
}

func TestInitialize(t *testing.T) {
	messages := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
	)
	resp := responseFor(t, messages, 1)
	if resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp.Error)
	}
	var result struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatal(err)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("protocolVersion = %d, want %d", result.ProtocolVersion, ProtocolVersion)
	}
}

func TestRequestBeforeInitializeIsRejected(t *testing.T) {
	messages := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"session/new","params":{"cwd":"/photos"}}`,
	)
	resp := responseFor(t, messages, 1)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Errorf("expected invalid request error, got %+v", resp.Error)
	}
}

func TestMethodNotFound(t *testing.T) {
	messages := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/fork","params":{}}`,
	)
	resp := responseFor(t, messages, 2)
	if resp.Error == nil || resp.Error.Code != codeMethodNotFound {
		t.Errorf("expected method not found, got %+v", resp.Error)
	}
}

func TestParseErrorHasNullID(t *testing.T) {
	messages := runScript(t, `{not json`)
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %+v", messages)
	}
	if messages[0].Error == nil || messages[0].Error.Code != codeParseError {
		t.Errorf("expected parse error, got %+v", messages[0])
	}
	if messages[0].ID != nil {
		t.Errorf("parse error must carry a null id, got %v", messages[0].ID)
	}
}

func TestSessionNewRequiresAbsoluteCwd(t *testing.T) {
	messages := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":"photos"}}`,
	)
	resp := responseFor(t, messages, 2)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

func TestPromptUnknownSession(t *testing.T) {
	messages := runScript(t,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
		`{"jsonrpc":"2.0","id":2,"method":"session/prompt","params":{"sessionId":"sess_missing","prompt":[]}}`,
	)
	resp := responseFor(t, messages, 2)
	if resp.Error == nil || resp.Error.Code != codeInvalidParams {
		t.Errorf("expected invalid params, got %+v", resp.Error)
	}
}

func TestPromptFlow(t *testing.T) {
	dir := t.TempDir()
	uri := "file://" + filepath.Join(dir, "a.jpg")

	var in, out bytes.Buffer
	srv := newTestServer(t, &in, &out)

	// First run: initialize and create the session to learn its ID.
	messages := runOn(t, srv, &in, &out,
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`,
		fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":%q}}`, dir),
	)
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(responseFor(t, messages, 2).Result, &newResult); err != nil {
		t.Fatal(err)
	}
	if newResult.SessionID == "" {
		t.Fatal("session/new returned no sessionId")
	}

	// Second run on the same server: send the prompt.
	out.Reset()
	prompt := fmt.Sprintf(
		`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"resource_link","uri":%q,"mimeType":"image/jpeg"},{"type":"text","text":"warmer, contrast 10"}]}}`,
		newResult.SessionID, uri)
	messages = runOn(t, srv, &in, &out, prompt)

	var sawChunk, sawToolCall bool
	for _, msg := range messages {
		if msg.Method != "session/update" {
			continue
		}
		var params struct {
			SessionID string `json:"sessionId"`
			Update    struct {
				SessionUpdate string `json:"sessionUpdate"`
			} `json:"update"`
		}
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			t.Fatal(err)
		}
		if params.SessionID != newResult.SessionID {
			t.Errorf("update for wrong session: %s", params.SessionID)
		}
		switch params.Update.SessionUpdate {
		case "agent_message_chunk":
			sawChunk = true
		case "tool_call":
			sawToolCall = true
		}
	}
	if !sawChunk {
		t.Error("no agent_message_chunk notifications")
	}
	if !sawToolCall {
		t.Error("no tool_call notifications")
	}

	var r struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(responseFor(t, messages, 3).Result, &r); err != nil {
		t.Fatal(err)
	}
	if r.StopReason != "end_turn" {
		t.Errorf("stopReason = %q, want end_turn", r.StopReason)
	}
}

// gatedPlanner blocks inside Plan until released, so tests can interleave
// protocol traffic with an in-flight prompt.
type gatedPlanner struct {
	entered chan struct{}
	release chan struct{}
}

func (g *gatedPlanner) Plan(ctx context.Context, req planner.Request) (planner.Result, error) {
	close(g.entered)
	<-g.release
	return planner.Result{
		Calls:      []edit.Call{{Name: edit.CallSetContrast, Args: map[string]any{"amount": 10.0}}},
		Confidence: 0.9,
	}, nil
}

func TestCancelAndOverlapDuringPrompt(t *testing.T) {
	dir := t.TempDir()
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	a := agent.New(cfg, zerolog.Nop())
	gate := &gatedPlanner{entered: make(chan struct{}), release: make(chan struct{})}
	srv := NewServer(a, gate, &tools.MockProvider{}, inR, outW, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()

	reader := bufio.NewReader(outR)
	send := func(line string) {
		t.Helper()
		if _, err := inW.Write([]byte(line + "\n")); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	read := func() wireMessage {
		t.Helper()
		line, err := reader.ReadBytes('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			t.Fatalf("non-JSON line: %q", line)
		}
		return msg
	}
	drainUntilResponse := func(id float64) wireMessage {
		t.Helper()
		for i := 0; i < 50; i++ {
			msg := read()
			if got, ok := msg.ID.(float64); ok && got == id && msg.Method == "" {
				return msg
			}
		}
		t.Fatalf("no response for id %v", id)
		return wireMessage{}
	}

	send(`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":1}}`)
	read()
	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"session/new","params":{"cwd":%q}}`, dir))
	var newResult struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(drainUntilResponse(2).Result, &newResult); err != nil {
		t.Fatal(err)
	}

	// Bind an image first so the planned call would otherwise apply.
	uri := "file://" + filepath.Join(dir, "a.jpg")
	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"resource_link","uri":%q}]}}`, newResult.SessionID, uri))
	drainUntilResponse(3)

	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":4,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"text","text":"punchier"}]}}`, newResult.SessionID))
	<-gate.entered

	// Overlapping prompt while one is in flight is a protocol violation.
	send(fmt.Sprintf(`{"jsonrpc":"2.0","id":5,"method":"session/prompt","params":{"sessionId":%q,"prompt":[{"type":"text","text":"warmer"}]}}`, newResult.SessionID))
	overlap := drainUntilResponse(5)
	if overlap.Error == nil || overlap.Error.Code != codeInvalidRequest {
		t.Errorf("overlapping prompt: got %+v, want invalid request", overlap)
	}

	// Cancel as a notification, then let the planner return.
	send(fmt.Sprintf(`{"jsonrpc":"2.0","method":"session/cancel","params":{"sessionId":%q}}`, newResult.SessionID))
	time.Sleep(20 * time.Millisecond)
	close(gate.release)

	var r struct {
		StopReason string `json:"stopReason"`
	}
	if err := json.Unmarshal(drainUntilResponse(4).Result, &r); err != nil {
		t.Fatal(err)
	}
	if r.StopReason != "cancelled" {
		t.Errorf("stopReason = %q, want cancelled", r.StopReason)
	}

	inW.Close()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
