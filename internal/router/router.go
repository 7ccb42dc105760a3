// Package router defines the engine's sole outlet to the client-facing half
// of a session (spec.md §6): handing a finished reply to the client, and
// deciding what happens when a backend connection fails outright. The
// engine never talks to a client socket directly — it always goes through
// a Router.
package router

import "sync"

// Action tells HandleError what the router should attempt.
type Action int

const (
	// ActionReplyClient asks the router to surface the given payload to the
	// client as-is and otherwise leave the session alone.
	ActionReplyClient Action = iota
	// ActionNewConnection asks the router to try to recover by routing the
	// session onto a different backend connection.
	ActionNewConnection
)

func (a Action) String() string {
	switch a {
	case ActionReplyClient:
		return "reply_client"
	case ActionNewConnection:
		return "new_connection"
	default:
		return "unknown"
	}
}

// Capabilities reports how a router wants backend replies delivered
// (spec.md §4.3.a). A router with CapContiguousOutput set receives as many
// complete packets as were read off the wire in one call coalesced into a
// single ClientReply; without it, replies are delivered one packet at a
// time. CapResultsetOutput additionally holds back a COM_QUERY/
// COM_STMT_FETCH reply until it is known to carry a full result set (two
// signal packets: column-defs end, row-data end) or to be a direct OK/ERR,
// delivering the whole thing as one ClientReply either way. CapNoRSession
// is declared for routers that never reuse connections; backendconn does
// not consult it, so session-command reply capture runs whenever
// BeginSessionCommand is called. CapStmtOutput is the zero-overhead default: packet-at-a-time
// delivery, no aggregation.
type Capabilities uint32

const (
	CapStmtOutput Capabilities = 1 << iota
	CapContiguousOutput
	CapResultsetOutput
	CapNoRSession
)

// Router is the collaborator named in spec.md §6. The engine calls
// ClientReply for every reply it has finished reassembling/framing for the
// client, and HandleError whenever a backend connection hits an
// unrecoverable wire-level condition (hangup, socket error, protocol
// violation, synthetic auth failure).
type Router interface {
	// ClientReply hands a complete, framed reply to the client. The error
	// return is for logging only — the engine does not retry a failed
	// delivery.
	ClientReply(payload []byte) error

	// HandleError reports a backend failure together with the action the
	// caller is requesting. It returns whether the router recovered the
	// session (e.g. by routing it onto another backend); when it returns
	// false the caller moves the session to Stopping.
	HandleError(payload []byte, action Action) (recovered bool)

	// Capabilities reports this router's delivery preferences.
	Capabilities() Capabilities
}

// Null implements Router by discarding every reply and never recovering.
// Useful as a zero-value collaborator wherever a caller only cares about
// the connection-level mechanics, not what the router does with them.
type Null struct{}

func (Null) ClientReply([]byte) error             { return nil }
func (Null) HandleError([]byte, Action) bool       { return false }
func (Null) Capabilities() Capabilities             { return CapStmtOutput }

// RecordedError is one call made to Recording.HandleError.
type RecordedError struct {
	Payload []byte
	Action  Action
}

// Recording implements Router by recording every call made to it, for
// assertions in tests that exercise spec.md §8's end-to-end scenarios.
type Recording struct {
	mu       sync.Mutex
	Replies  [][]byte
	Errors   []RecordedError
	Recovers bool
	caps     Capabilities
}

// NewRecording returns a Recording advertising the given capabilities. A
// zero value defaults to CapStmtOutput (packet-at-a-time delivery).
func NewRecording(caps Capabilities) *Recording {
	if caps == 0 {
		caps = CapStmtOutput
	}
	return &Recording{caps: caps}
}

func (r *Recording) ClientReply(payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Replies = append(r.Replies, append([]byte(nil), payload...))
	return nil
}

func (r *Recording) HandleError(payload []byte, action Action) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors = append(r.Errors, RecordedError{Payload: append([]byte(nil), payload...), Action: action})
	return r.Recovers
}

func (r *Recording) Capabilities() Capabilities { return r.caps }

// ReplyCount returns the number of ClientReply calls recorded so far.
func (r *Recording) ReplyCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Replies)
}

// LastReply returns the most recent reply payload, or nil if none yet.
func (r *Recording) LastReply() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.Replies) == 0 {
		return nil
	}
	return r.Replies[len(r.Replies)-1]
}
