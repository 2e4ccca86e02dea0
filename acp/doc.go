// Package acp implements the agent protocol transport for darkroom: JSON-RPC
// 2.0 over a newline-delimited stream, normally stdio, so editors and other
// clients can drive the photo-editing agent.
//
// Supported methods:
//   - initialize: negotiates the protocol version and returns capabilities
//   - session/new: creates an editing session rooted at an absolute cwd
//   - session/prompt: runs one prompt turn; responds with a stopReason
//   - session/cancel: flags the in-flight prompt (request or notification)
//
// While a prompt runs, the server streams session/update notifications:
// agent_message_chunk for text, tool_call and tool_call_update for tool
// lifecycles. The read loop stays serial; prompts run on their own
// goroutine so a cancel arriving mid-prompt is seen in time. Stdout carries
// nothing but JSON-RPC messages.
package acp
