package engine

import "sync"

// scanState is the per-session 2-bit scan-protocol state. Bits are set only
// by successful list/read executions, never by intent.
type scanState struct {
	listed bool
	read   bool
}

// SessionScans tracks scan-protocol state per session
type SessionScans struct {
	mu       sync.Mutex
	sessions map[string]*scanState
}

// NewSessionScans creates empty per-session state
func NewSessionScans() *SessionScans {
	return &SessionScans{sessions: make(map[string]*scanState)}
}

// MarkListed records a successful workspace list for a session
func (s *SessionScans) MarkListed(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).listed = true
}

// MarkRead records a successful workspace read for a session
func (s *SessionScans) MarkRead(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state(sessionID).read = true
}

// Satisfied reports whether both scan bits are set for a session
func (s *SessionScans) Satisfied(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	return ok && st.listed && st.read
}

func (s *SessionScans) state(sessionID string) *scanState {
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &scanState{}
		s.sessions[sessionID] = st
	}
	return st
}
