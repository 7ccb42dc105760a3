// Package backendconn implements the connection-level state machine that
// sits above the auth driver (spec.md §3, §4.3): delay-queue buffering
// before auth completes, session-command reassembly and ignore-reply
// bookkeeping after it, and the reactor callback contract a caller with no
// internal suspension points (spec.md §5) drives it through.
package backendconn

import (
	"log/slog"
	"time"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/router"
	"github.com/relaymux/mysqlbackend/internal/session"
	"github.com/relaymux/mysqlbackend/internal/sessioncmd"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

// Instrumentation receives telemetry for one connection's lifecycle. It is
// the seam backendconn exposes so an ambient metrics collector can observe
// auth outcomes, session-command reassembly, and delay-queue occupancy
// without this package importing a metrics library itself. A nil
// Instrumentation is valid; Connection only calls it when non-nil.
type Instrumentation interface {
	// AuthOutcome reports a terminal auth phase (spec.md §4.2), the failure
	// reason (empty on success), and how long authentication took.
	AuthOutcome(phase, failureReason string, d time.Duration)
	// SessionCommandReassembled reports that a session-command reply of the
	// given kind ("simple", "stmt_prepare") finished reassembling.
	SessionCommandReassembled(kind string)
	// SessionCommandRestarted reports one incomplete Feed call that will
	// re-derive the reply from the start on the next read (spec.md §4.4).
	SessionCommandRestarted()
	// DelayQueueBytes reports the delay queue's current size in bytes.
	DelayQueueBytes(n int)
}

// ServerKnobs is the subset of a backend server's state a Connection needs:
// the ability to flag it for maintenance when a handshake reports the host
// is blocked (spec.md §4.2), and its configured connection-reuse limit.
type ServerKnobs interface {
	SetMaintenance(bool)
	PersistPoolMax() int
}

// RefreshTrigger is the collaborator notified when an access-denied family
// of errors suggests the user cache is stale (spec.md §4.2, §7).
type RefreshTrigger interface {
	Refresh(service string)
}

// Connection is one backend MySQL connection, from the moment a connect
// attempt is issued through authentication, session-command traffic, and
// eventual pool reuse or teardown (spec.md §3).
type Connection struct {
	driver        *auth.Driver
	authenticator auth.Authenticator
	phase         auth.Phase

	caps    uint32
	charset byte

	sess      *session.Session
	router    router.Router
	server    ServerKnobs
	refresher RefreshTrigger
	service   string

	delay       *DelayQueue
	ignoreReply bool
	storedQuery []byte
	resetInFlight bool

	reassembler    sessioncmd.Reassembler
	sessionCmdKind sessioncmd.CommandKind
	readQueue      []byte
	resultSet      resultSetState

	polling       bool
	idle          bool
	zombie        bool
	wasPersistent bool
	pendingReset  bool

	creds auth.Credentials

	// failedChangeUserLog records the raw payload of every client-initiated
	// COM_CHANGE_USER that failed reauthentication even after a user-cache
	// refresh (spec.md §4.6 step 3's "server-command log"). The cross-
	// backend command log itself is router-owned (spec.md §1); this is the
	// per-connection record a router would append into it.
	failedChangeUserLog [][]byte

	instr     Instrumentation
	authStart time.Time
}

// FailedChangeUserLog returns every failed client-initiated COM_CHANGE_USER
// payload recorded on this connection, oldest first.
func (c *Connection) FailedChangeUserLog() [][]byte {
	return c.failedChangeUserLog
}

// SetInstrumentation attaches the collaborator notified of this connection's
// auth outcome, session-command reassembly, and delay-queue occupancy. It is
// a setter rather than a New() parameter so callers that don't care about
// telemetry (most tests) aren't forced to thread a nil through.
func (c *Connection) SetInstrumentation(instr Instrumentation) {
	c.instr = instr
}

// New constructs a Connection ready to drive a freshly dialed (or
// about-to-be-dialed) backend socket through authentication.
func New(
	authenticator auth.Authenticator,
	creds auth.Credentials,
	caps uint32,
	charset byte,
	sess *session.Session,
	r router.Router,
	server ServerKnobs,
	refresher RefreshTrigger,
	service string,
) *Connection {
	if r == nil {
		r = router.Null{}
	}
	return &Connection{
		driver:        auth.NewDriver(authenticator, creds),
		authenticator: authenticator,
		phase:         auth.PhaseInit,
		caps:          caps,
		charset:       charset,
		sess:          sess,
		router:        r,
		server:        server,
		refresher:     refresher,
		service:       service,
		delay:         &DelayQueue{},
		creds:         creds,
		polling:       true,
		authStart:     time.Now(),
	}
}

// Phase returns the connection's current auth phase. Once PhaseComplete is
// reached it no longer changes — the connection's own lifecycle (idle,
// pooled, reset-in-flight, closing) is tracked separately.
func (c *Connection) Phase() auth.Phase { return c.phase }

// MarkIdle flags the connection as sitting in an idle pool: readable
// traffic arriving in this state is treated as an error (spec.md §6).
func (c *Connection) MarkIdle() { c.idle = true }

// MarkActive clears the idle flag when a connection is handed out of a
// pool.
func (c *Connection) MarkActive() { c.idle = false }

// Idle reports whether the connection is currently parked in an idle pool.
func (c *Connection) Idle() bool { return c.idle }

// WasPersistent reports whether this connection still carries the
// credentials it was originally authenticated with (spec.md §4.5). The
// pool adapter clears it once a reuse handoff's COM_CHANGE_USER is
// acknowledged.
func (c *Connection) WasPersistent() bool { return c.wasPersistent }

// Scramble returns the 20-byte server scramble captured at handshake time.
func (c *Connection) Scramble() [wire.ScrambleLength]byte { return c.driver.Scramble() }

// applyDriverResult folds one auth.Result into the connection, handling the
// COMPLETE/FAILED/HANDSHAKE_FAILED side effects spec.md §4.2 and §7 assign
// to this layer rather than to the driver itself.
func (c *Connection) applyDriverResult(res auth.Result) []byte {
	c.phase = res.Phase
	switch res.Phase {
	case auth.PhaseComplete:
		c.wasPersistent = true
		c.reportAuthOutcome(auth.FailureNone)
		out := c.delay.Drain()
		c.reportDelayQueueBytes()
		return out
	case auth.PhaseFailed, auth.PhaseHandshakeFailed:
		c.handleAuthFailure(res)
		return nil
	default:
		return res.Write
	}
}

func (c *Connection) handleAuthFailure(res auth.Result) {
	switch res.Failure {
	case auth.FailureHostBlocked:
		if c.server != nil {
			c.server.SetMaintenance(true)
		}
	case auth.FailureAccessDenied:
		if c.refresher != nil && c.sess != nil && !c.sess.IsDummy() {
			c.refresher.Refresh(c.service)
		}
	}
	c.reportAuthOutcome(res.Failure)
	c.delay.Clear()
	c.reportDelayQueueBytes()
	c.router.HandleError(res.SyntheticError, router.ActionReplyClient)
	if c.sess != nil {
		c.sess.SetStopping()
	}
	slog.Warn("backend authentication failed", "phase", res.Phase, "failure", res.Failure)
}

func (c *Connection) reportAuthOutcome(failure auth.FailureReason) {
	if c.instr == nil {
		return
	}
	c.instr.AuthOutcome(c.phase.String(), failure.String(), time.Since(c.authStart))
}

func (c *Connection) reportDelayQueueBytes() {
	if c.instr == nil {
		return
	}
	c.instr.DelayQueueBytes(len(c.delay.Peek()))
}

// NotifyConnectResult reports the outcome of the non-blocking connect
// attempt (spec.md §4.2).
func (c *Connection) NotifyConnectResult(pending bool) {
	res := c.driver.NotifyConnectResult(pending)
	c.phase = res.Phase
}

// ClientWrite is the entry point for bytes the client side wants sent to
// this backend. It returns the bytes that should actually be written to the
// backend socket right now, which may be nil (the data was buffered
// internally instead, per spec.md §3/§4.5).
func (c *Connection) ClientWrite(data []byte) []byte {
	switch {
	case c.phase != auth.PhaseComplete:
		c.delay.Write(data)
		c.reportDelayQueueBytes()
		return nil
	case c.pendingReset:
		return c.handlePoolResetWrite(data)
	case c.ignoreReply:
		if isComQuit(data) {
			c.onHangup()
			return nil
		}
		c.storedQuery = append(c.storedQuery, data...)
		return nil
	default:
		if c.router.Capabilities()&router.CapResultsetOutput != 0 && beginsResultSetCommand(data) {
			c.resultSet.pending = true
		}
		return data
	}
}

func beginsResultSetCommand(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	return data[0] == wire.ComQuery || data[0] == wire.ComStmtFetch
}

// BeginPoolReset arms the connection for a re-use handoff (spec.md §4.5):
// the next client write is intercepted and replaced with a freshly built
// COM_CHANGE_USER using creds, with the original write stored and replayed
// once the backend acknowledges it.
func (c *Connection) BeginPoolReset(creds auth.Credentials) {
	c.creds = creds
	c.pendingReset = true
}

func (c *Connection) handlePoolResetWrite(data []byte) []byte {
	c.pendingReset = false
	if !c.polling || c.phase != auth.PhaseComplete {
		return nil
	}
	if isComQuit(data) {
		return nil
	}

	req := wire.ChangeUserRequest{
		User:           c.creds.User,
		PasswordSHA1:   c.creds.PasswordSHA1,
		Database:       c.creds.Database,
		Charset:        uint16(c.charset),
		ServerScramble: c.driver.Scramble(),
	}
	payload := wire.BuildChangeUser(req)

	c.storedQuery = append([]byte(nil), data...)
	c.ignoreReply = true
	c.resetInFlight = true
	return wire.WritePacket(payload, 0)
}
