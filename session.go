package strata

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
)

////////////////////////////////////////////////////////////////////////////////
// Sessions: identity + lifecycle under which resolution requests are issued
////////////////////////////////////////////////////////////////////////////////

// SessionState is a monotonically-progressing lifecycle. A session never
// moves backwards.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionRunning
	SessionStopped
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionRunning:
		return "running"
	case SessionStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session carries the service connection and the identity routed on
// create_or_get calls. Two sessions constructed independently are distinct;
// sharing happens only through the explicit common-session registry below.
type Session struct {
	id  string
	svc BuildService

	mu    sync.Mutex
	state SessionState
}

// NewSession returns a fresh session with its own identity.
func NewSession(svc BuildService) *Session {
	return &Session{
		id:    newID(),
		svc:   svc,
		state: SessionCreated,
	}
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Service() BuildService {
	return s.svc
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Advance moves the lifecycle forward. Regressions are rejected.
func (s *Session) Advance(next SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next < s.state {
		return fmt.Errorf("session %s: cannot move %s -> %s", shortID(s.id), s.state, next)
	}
	s.state = next
	return nil
}

// Process-wide registry for the designated common session. Explicit init and
// reset replace any implicit singleton behavior: nothing here runs unless the
// outermost bootstrap asks for it.
var (
	commonMu      sync.Mutex
	commonSession *Session
)

// InitializeCommonSession designates s as the session every subsequent
// DefaultSession call shares, until ResetCommonSession. Initializing twice
// without a reset is a programming error.
func InitializeCommonSession(s *Session) error {
	commonMu.Lock()
	defer commonMu.Unlock()
	if commonSession != nil {
		return fmt.Errorf("common session already initialized as %s", shortID(commonSession.id))
	}
	commonSession = s
	return nil
}

// CommonSession returns the designated common session, or nil.
func CommonSession() *Session {
	commonMu.Lock()
	defer commonMu.Unlock()
	return commonSession
}

// ResetCommonSession clears the designation. Sessions already handed out keep
// working; only future DefaultSession calls stop sharing.
func ResetCommonSession() {
	commonMu.Lock()
	defer commonMu.Unlock()
	commonSession = nil
}

// DefaultSession returns the common session when one is initialized, and a
// fresh session otherwise.
func DefaultSession(svc BuildService) *Session {
	if s := CommonSession(); s != nil {
		return s
	}
	return NewSession(svc)
}

func newID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

func shortID(id string) string {
	if len(id) <= shortIDLength {
		return id
	}
	return id[:shortIDLength]
}
