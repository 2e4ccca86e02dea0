// Package agent provides the core editing-agent logic for darkroom.
//
// It sits between the protocol layer (acp) and the per-session editing
// state (session, edit). A prompt turn arrives as content blocks (free
// text plus optional image resource links) and leaves as a stream of
// callback events plus a stop reason.
//
// # Prompt processing
//
// ProcessPrompt handles one turn:
//
//   - Resource links are resolved against the image path allowlist, read
//     through the tool provider, and bound as the session's base image.
//     Binding discards any previous edit stack.
//   - Text covered by the fixed command vocabulary is applied directly;
//     other free text goes through the session's planner. The validated
//     plan's calls are applied in order: operation calls mutate the edit
//     stack, control calls (undo, redo, reset, export) drive the stack or
//     the session.
//   - A mutating turn refreshes the rendered preview and ends with a
//     one-line summary of the live edits.
//
// # Callbacks
//
// ProcessCallbacks lets the transport observe the turn: OnMessage streams
// agent text, OnToolCall/OnToolCallUpdate report tool call lifecycles
// (in_progress, then completed or failed). All callbacks fire from the
// prompt goroutine, never concurrently, so the transport can serialize
// writes without extra locking.
//
// # Cancellation
//
// The session's cancel flag is checked between units of work: between
// image bindings, before planning, and before each call. A unit already
// dispatched runs to completion; cancellation never leaves the stack
// half-mutated. A cancelled turn returns StopCancelled.
package agent
