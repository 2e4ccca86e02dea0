package acp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"path/filepath"
	"sync"

	"github.com/darkroomd/darkroom/agent"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/session"
	"github.com/darkroomd/darkroom/tools"
	"github.com/rs/zerolog"
)

// ProtocolVersion is the protocol revision this server speaks.
const ProtocolVersion = 1

// JSON-RPC error codes.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// jsonrpcRequest represents a JSON-RPC 2.0 request message.
type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// jsonrpcResponse represents a JSON-RPC 2.0 response message.
type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id,omitempty"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

// jsonrpcError represents a JSON-RPC 2.0 error object.
type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Server speaks the agent protocol over a newline-delimited JSON-RPC
// stream, normally stdio. Nothing but JSON-RPC messages is ever written to
// out; logging goes through the zerolog logger, which the command wires to
// a trace file or discards.
type Server struct {
	agent    *agent.Agent
	planner  planner.Planner
	provider tools.Provider
	sessions *session.Registry
	log      zerolog.Logger

	in  *bufio.Reader
	out *bufio.Writer

	// writeMu serializes writes: prompt goroutines and the read loop both
	// emit messages.
	writeMu sync.Mutex

	initialized bool
	prompts     sync.WaitGroup
}

// NewServer wires a server. The planner and provider are shared across
// sessions; per-session state lives in the registry.
func NewServer(a *agent.Agent, p planner.Planner, provider tools.Provider, in io.Reader, out io.Writer, log zerolog.Logger) *Server {
	return &Server{
		agent:    a,
		planner:  p,
		provider: provider,
		sessions: session.NewRegistry(),
		log:      log,
		in:       bufio.NewReader(in),
		out:      bufio.NewWriter(out),
	}
}

// Run reads and dispatches messages until EOF or a broken stream. The read
// loop stays serial; session/prompt is handled on its own goroutine so a
// session/cancel arriving mid-prompt is seen in time.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info().Msg("acp server started")
	defer s.prompts.Wait()

	for {
		line, err := s.in.ReadBytes('\n')
		if len(line) == 0 && err != nil {
			if err == io.EOF {
				s.log.Info().Msg("stdin closed, shutting down")
				return nil
			}
			return errors.Wrapf(err, "read error")
		}

		if len(bytes.TrimSpace(line)) == 0 {
			if err == io.EOF {
				s.log.Info().Msg("stdin closed, shutting down")
				return nil
			}
			continue
		}

		var req jsonrpcRequest
		if jsonErr := json.Unmarshal(line, &req); jsonErr != nil {
			s.log.Warn().Err(jsonErr).Msg("unparseable message")
			s.writeError(nil, codeParseError, "Parse error", nil)
			continue
		}
		s.log.Debug().Str("method", req.Method).Interface("id", req.ID).Msg("dispatch")

		switch req.Method {
		case "initialize":
			s.handleInitialize(&req)
		case "session/new":
			s.handleSessionNew(&req)
		case "session/prompt":
			s.handleSessionPrompt(ctx, &req)
		case "session/cancel":
			s.handleSessionCancel(&req)
		default:
			s.writeError(req.ID, codeMethodNotFound, "Method not found", req.Method)
		}

		if err == io.EOF {
			s.log.Info().Msg("stdin closed, shutting down")
			return nil
		}
	}
}

// handleInitialize negotiates the protocol version and reports
// capabilities. Every other request before initialize is rejected.
func (s *Server) handleInitialize(req *jsonrpcRequest) {
	type initParams struct {
		ProtocolVersion int `json:"protocolVersion"`
	}
	var p initParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
			return
		}
	}

	s.initialized = true
	s.writeResult(req.ID, map[string]any{
		"protocolVersion": ProtocolVersion,
		"agentCapabilities": map[string]any{
			"loadSession": false,
			"promptCapabilities": map[string]bool{
				"audio":           false,
				"embeddedContext": false,
				"image":           true,
			},
		},
		"authMethods": []any{},
	})
}

func (s *Server) requireInitialized(req *jsonrpcRequest) bool {
	if !s.initialized {
		s.writeError(req.ID, codeInvalidRequest, "Invalid Request", "initialize must be called first")
		return false
	}
	return true
}

// handleSessionNew creates a session rooted at an absolute cwd.
func (s *Server) handleSessionNew(req *jsonrpcRequest) {
	if !s.requireInitialized(req) {
		return
	}
	type newParams struct {
		Cwd string `json:"cwd"`
	}
	var p newParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}
	if !filepath.IsAbs(p.Cwd) {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", "cwd must be an absolute path")
		return
	}

	sess := s.sessions.Create(p.Cwd, s.planner, s.provider)
	s.log.Info().Str("session", sess.ID).Str("cwd", p.Cwd).Msg("session created")
	s.writeResult(req.ID, map[string]any{"sessionId": sess.ID})
}

// handleSessionPrompt runs one prompt turn on its own goroutine. Exactly
// one response carrying a stopReason is written per request, after all of
// the turn's session/update notifications.
func (s *Server) handleSessionPrompt(ctx context.Context, req *jsonrpcRequest) {
	if !s.requireInitialized(req) {
		return
	}
	type promptParams struct {
		SessionID string               `json:"sessionId"`
		Prompt    []agent.ContentBlock `json:"prompt"`
	}
	var p promptParams
	if err := json.Unmarshal(req.Params, &p); err != nil {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
		return
	}

	sess, ok := s.sessions.Get(p.SessionID)
	if !ok {
		s.writeError(req.ID, codeInvalidParams, "Invalid params", "unknown sessionId")
		return
	}
	if err := sess.BeginPrompt(); err != nil {
		s.writeError(req.ID, codeInvalidRequest, "Invalid Request", err.Error())
		return
	}

	s.prompts.Add(1)
	go func() {
		defer s.prompts.Done()
		defer sess.EndPrompt()

		callbacks := agent.ProcessCallbacks{
			OnMessage: func(text string) {
				s.sendAgentMessageChunk(sess.ID, text)
			},
			OnToolCall: func(id, title, status string) {
				s.sendToolCall(sess.ID, id, title, status)
			},
			OnToolCallUpdate: func(id, status, content string) {
				s.sendToolCallUpdate(sess.ID, id, status, content)
			},
		}

		stop, err := s.agent.ProcessPrompt(ctx, sess, p.Prompt, callbacks)
		if err != nil {
			s.log.Error().Err(err).Str("session", sess.ID).Msg("prompt failed")
			s.writeError(req.ID, codeInternalError, "Internal error", err.Error())
			return
		}
		s.writeResult(req.ID, map[string]any{"stopReason": stop})
	}()
}

// handleSessionCancel flags the session's in-flight prompt. The client may
// send it as a request or a notification; an unknown session is not an
// error; the prompt it meant to stop may have just finished.
func (s *Server) handleSessionCancel(req *jsonrpcRequest) {
	type cancelParams struct {
		SessionID string `json:"sessionId"`
	}
	var p cancelParams
	if req.Params != nil {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			if req.ID != nil {
				s.writeError(req.ID, codeInvalidParams, "Invalid params", err.Error())
			}
			return
		}
	}

	if sess, ok := s.sessions.Get(p.SessionID); ok {
		sess.Cancel()
		s.log.Debug().Str("session", sess.ID).Msg("cancel requested")
	}
	if req.ID != nil {
		s.writeResult(req.ID, nil)
	}
}

// ---- Notifications ----

func (s *Server) sendAgentMessageChunk(sessionID, text string) {
	s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "agent_message_chunk",
			"content": map[string]any{
				"type": "text",
				"text": text,
			},
		},
	})
}

func (s *Server) sendToolCall(sessionID, callID, title, status string) {
	s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update": map[string]any{
			"sessionUpdate": "tool_call",
			"toolCallId":    callID,
			"title":         title,
			"status":        status,
		},
	})
}

func (s *Server) sendToolCallUpdate(sessionID, callID, status, content string) {
	update := map[string]any{
		"sessionUpdate": "tool_call_update",
		"toolCallId":    callID,
		"status":        status,
	}
	if content != "" {
		update["content"] = []map[string]any{{
			"type": "content",
			"content": map[string]any{
				"type": "text",
				"text": content,
			},
		}}
	}
	s.writeNotification("session/update", map[string]any{
		"sessionId": sessionID,
		"update":    update,
	})
}

// ---- Wire helpers ----

func (s *Server) writeResult(id, result any) {
	if result == nil {
		result = json.RawMessage("null")
	}
	s.writeFramed(jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result})
}

func (s *Server) writeError(id any, code int, msg string, data any) {
	s.writeFramed(jsonrpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &jsonrpcError{Code: code, Message: msg, Data: data},
	})
}

func (s *Server) writeNotification(method string, params any) {
	s.writeFramed(map[string]any{
		"jsonrpc": "2.0",
		"method":  method,
		"params":  params,
	})
}

func (s *Server) writeFramed(obj any) {
	data, err := json.Marshal(obj)
	if err != nil {
		s.log.Error().Err(err).Msg("could not marshal outgoing message")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.out.Write(data); err != nil {
		s.log.Error().Err(err).Msg("write failed")
		return
	}
	if err := s.out.WriteByte('\n'); err != nil {
		s.log.Error().Err(err).Msg("write failed")
		return
	}
	if err := s.out.Flush(); err != nil {
		s.log.Error().Err(err).Msg("flush failed")
	}
}
