package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"voice-bridge/internal/identity"
	"voice-bridge/internal/observability"
)

// ErrDuplicateCall is returned when a call identifier is created twice.
// Signaling bug: the call is rejected, not retried.
var ErrDuplicateCall = errors.New("duplicate call id")

// State is the lifecycle state of a call session.
type State string

const (
	StateConnecting State = "connecting"
	StateActive     State = "active"
	StateClosing    State = "closing"
	StateClosed     State = "closed"
)

// CallerContext is the caller record fetched from the CRM before audio
// begins. Found is false when no record matched the caller's number.
type CallerContext struct {
	Found         bool
	FirstName     string
	LastName      string
	Language      string
	Status        string
	StatusMessage string
}

// FullName joins the record's name fields.
func (c CallerContext) FullName() string {
	switch {
	case c.FirstName == "":
		return c.LastName
	case c.LastName == "":
		return c.FirstName
	default:
		return c.FirstName + " " + c.LastName
	}
}

// CallSession is the per-call state owned by the Registry for the call's
// lifetime. The session bridge holds a non-owning reference while active.
// All mutable fields are guarded; the bridge's event loop is the single
// writer during a call.
type CallSession struct {
	ID           string
	CallerPhone  string
	Verification *identity.Gate
	CreatedAt    time.Time

	mu             sync.Mutex
	state          State
	callerContext  *CallerContext
	lastActivityAt time.Time
}

// State returns the session lifecycle state.
func (s *CallSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState advances the lifecycle state and refreshes the activity stamp.
func (s *CallSession) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.lastActivityAt = time.Now()
}

// CallerContext returns the attached caller record, or nil while the CRM
// pre-fetch is still in flight.
func (s *CallSession) CallerContext() *CallerContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callerContext
}

// Touch refreshes the last-activity timestamp.
func (s *CallSession) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivityAt = time.Now()
}

// LastActivityAt returns the last-activity timestamp.
func (s *CallSession) LastActivityAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivityAt
}

// Registry is the process-wide table of active call sessions. It is the only
// resource shared across sessions; all mutation goes through Create, Attach
// and Destroy. No persistence: an in-flight call is lost on restart.
type Registry struct {
	logger *observability.Logger

	mu       sync.Mutex
	sessions map[string]*CallSession
}

// New returns an empty registry.
func New(logger *observability.Logger) *Registry {
	return &Registry{
		logger:   logger,
		sessions: make(map[string]*CallSession),
	}
}

// Create registers a new session for the call identifier. Fails with
// ErrDuplicateCall if one already exists.
func (r *Registry) Create(ctx context.Context, callID, callerPhone string) (*CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[callID]; exists {
		return nil, fmt.Errorf("call %s: %w", callID, ErrDuplicateCall)
	}

	now := time.Now()
	session := &CallSession{
		ID:             callID,
		CallerPhone:    callerPhone,
		Verification:   identity.NewGate(),
		CreatedAt:      now,
		state:          StateConnecting,
		lastActivityAt: now,
	}
	r.sessions[callID] = session

	r.logger.Info(observability.WithCallID(ctx, callID), "Call session created")
	return session, nil
}

// AttachCallerContext attaches the resolved caller record to the session and
// arms the identity gate. No-op if the session was already destroyed.
func (r *Registry) AttachCallerContext(ctx context.Context, callID string, callerCtx CallerContext) {
	r.mu.Lock()
	session, ok := r.sessions[callID]
	r.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	session.callerContext = &callerCtx
	session.lastActivityAt = time.Now()
	session.mu.Unlock()

	if callerCtx.Found {
		session.Verification.Attach(callerCtx.FullName(), callerCtx.Language)
	}
	r.logger.Info(observability.WithCallID(ctx, callID), "Caller context attached")
}

// Get returns the session for a call identifier.
func (r *Registry) Get(callID string) (*CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	session, ok := r.sessions[callID]
	return session, ok
}

// Destroy removes and finalizes the session. Idempotent.
func (r *Registry) Destroy(ctx context.Context, callID string) {
	r.mu.Lock()
	session, ok := r.sessions[callID]
	if ok {
		delete(r.sessions, callID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	session.SetState(StateClosed)
	r.logger.Info(observability.WithCallID(ctx, callID), "Call session destroyed")
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
