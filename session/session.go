// Package session tracks per-conversation editing state: one bound base
// image, its edit stack, and the single-prompt-in-flight discipline the
// protocol requires.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkroomd/darkroom/edit"
	"github.com/darkroomd/darkroom/errors"
	"github.com/darkroomd/darkroom/planner"
	"github.com/darkroomd/darkroom/tools"
	"github.com/google/uuid"
)

// Session is one conversation's editing state. The edit stack is only
// touched on the session's prompt path, which BeginPrompt serializes, so the
// stack itself needs no lock; mu guards the binding fields that the prompt
// goroutine and the dispatcher both read.
type Session struct {
	ID        string
	Cwd       string
	CreatedAt time.Time

	Planner  planner.Planner
	Provider tools.Provider

	mu           sync.Mutex
	stack        *edit.Stack
	imageURI     string
	promptActive bool

	cancelled atomic.Bool
}

// BindImage points the session at a new base image, discarding any prior
// stack and its history.
func (s *Session) BindImage(uri string) *edit.Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.imageURI = uri
	s.stack = edit.NewStack(uri)
	return s.stack
}

// Stack returns the live stack, or nil when no image is bound.
func (s *Session) Stack() *edit.Stack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stack
}

// ImageURI returns the bound base image, or "" when none is bound.
func (s *Session) ImageURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.imageURI
}

// BeginPrompt claims the session's single prompt slot and clears any stale
// cancellation flag. A second prompt while one is in flight is a protocol
// violation.
func (s *Session) BeginPrompt() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.promptActive {
		return errors.E(errors.KindProtocol, "a prompt is already in flight for session %s", s.ID)
	}
	s.promptActive = true
	s.cancelled.Store(false)
	return nil
}

// EndPrompt releases the prompt slot.
func (s *Session) EndPrompt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.promptActive = false
}

// Cancel flags the in-flight prompt. The prompt path checks the flag
// between units of work; work already dispatched is never aborted mid-call.
func (s *Session) Cancel() {
	s.cancelled.Store(true)
}

// Cancelled reports whether the current prompt was asked to stop.
func (s *Session) Cancelled() bool {
	return s.cancelled.Load()
}

// Registry holds the live sessions. The dispatcher creates, resolves and
// destroys sessions here; prompt goroutines only ever hold a *Session.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session rooted at cwd.
func (r *Registry) Create(cwd string, p planner.Planner, provider tools.Provider) *Session {
	s := &Session{
		ID:        "sess_" + uuid.NewString(),
		Cwd:       cwd,
		CreatedAt: time.Now(),
		Planner:   p,
		Provider:  provider,
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return s
}

// Get resolves a session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Destroy removes a session. The caller is responsible for not destroying a
// session with a prompt in flight.
func (r *Registry) Destroy(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
