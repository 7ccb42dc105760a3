// Package session holds the small, read-mostly piece of session state a
// backend connection needs to consult: whether the client side is still
// there, and whether the session as a whole is winding down. Everything
// else about a session (routing decisions, the client-facing socket) lives
// outside this engine (spec.md §1, §3).
package session

import "sync"

// State is one of a session's four states (spec.md §3).
type State int

const (
	// StateOpening: the session is still being set up (no backend connection
	// has reached auth.PhaseComplete yet).
	StateOpening State = iota
	// StateRouterReady: at least one backend connection is complete and the
	// router has accepted the session.
	StateRouterReady
	// StateStopping: an unrecoverable failure occurred; the session is being
	// torn down.
	StateStopping
	// StateDummy marks a session used only to warm a connection pool — it
	// has no client side at all.
	StateDummy
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRouterReady:
		return "router_ready"
	case StateStopping:
		return "stopping"
	case StateDummy:
		return "dummy"
	default:
		return "unknown"
	}
}

// Session is the owning object a Connection references for the handful of
// cross-cutting decisions spec.md §3 calls out. It is intentionally thin:
// the engine treats a session as read-mostly and only ever writes its
// Stopping transition.
type Session struct {
	mu            sync.RWMutex
	state         State
	clientPolling bool
}

// New returns a session in StateOpening with the client side assumed to be
// polling (the common case — a real client connection that has just been
// accepted).
func New() *Session {
	return &Session{state: StateOpening, clientPolling: true}
}

// NewDummy returns a session in StateDummy, used for pool warm-up
// connections that have no client side (spec.md §3).
func NewDummy() *Session {
	return &Session{state: StateDummy, clientPolling: false}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsDummy reports whether this is a client-less pool warm-up session.
func (s *Session) IsDummy() bool { return s.State() == StateDummy }

// RouterReady reports whether the session has reached StateRouterReady.
func (s *Session) RouterReady() bool { return s.State() == StateRouterReady }

// SetRouterReady moves an Opening session to RouterReady. A no-op from any
// other state.
func (s *Session) SetRouterReady() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateOpening {
		s.state = StateRouterReady
	}
}

// SetStopping moves the session to StateStopping; a dummy session stays in
// StateDummy. Idempotent, and safe from every prior state — this is the engine's one write path into a session
// reached from a backend connection's failure handling (spec.md §4.2, §4.3,
// §7).
func (s *Session) SetStopping() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDummy {
		s.state = StateStopping
	}
}

// ClientPolling reports whether the client-facing side of the session is
// still registered for I/O. A reply should not be handed to the router once
// this is false (spec.md §4.3.a).
func (s *Session) ClientPolling() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientPolling
}

// SetClientPolling updates the client-polling flag.
func (s *Session) SetClientPolling(polling bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientPolling = polling
}
