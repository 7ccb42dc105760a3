package auth

import (
	"fmt"

	"github.com/relaymux/mysqlbackend/internal/wire"
)

// Phase is one state of the auth driver FSM (spec.md §4.2).
type Phase int

const (
	PhaseInit Phase = iota
	PhasePendingConnect
	PhaseConnected
	PhaseResponseSent
	PhaseComplete
	PhaseFailed
	PhaseHandshakeFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "init"
	case PhasePendingConnect:
		return "pending_connect"
	case PhaseConnected:
		return "connected"
	case PhaseResponseSent:
		return "response_sent"
	case PhaseComplete:
		return "complete"
	case PhaseFailed:
		return "failed"
	case PhaseHandshakeFailed:
		return "handshake_failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether phase is one of the FSM's terminal states.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed || p == PhaseHandshakeFailed
}

// FailureReason classifies a terminal Failed/HandshakeFailed Result per
// spec.md §4.2 transition 4 and §7.
type FailureReason int

const (
	FailureNone FailureReason = iota
	FailureHostBlocked
	FailureAccessDenied
	FailureOther
)

func (r FailureReason) String() string {
	switch r {
	case FailureNone:
		return ""
	case FailureHostBlocked:
		return "host_blocked"
	case FailureAccessDenied:
		return "access_denied"
	case FailureOther:
		return "other"
	default:
		return "unknown"
	}
}

// MySQL error codes the driver recognizes while classifying auth failures.
const (
	errHostIsBlocked          = 1129
	errAccessDenied           = 1045
	errAccessDeniedNoPassword = 1698
	errDBAccessDenied         = 1044
)

const syntheticAuthFailedMessage = "Authentication with backend failed. Session will be closed."

// Result reports the outcome of one driver transition: the phase reached,
// any bytes the caller must write to the backend socket, and — on a
// terminal failure — the classification and synthetic error packet that
// spec.md §4.2/§7 say must be handed to the router.
type Result struct {
	Phase          Phase
	Write          []byte
	Failure        FailureReason
	SyntheticError []byte
}

// Driver is the auth FSM described in spec.md §4.2. It owns no socket and
// performs no I/O itself: every transition either returns bytes for the
// caller to write or signals a phase change, consistent with the engine
// having no internal suspension points (spec.md §5).
type Driver struct {
	phase         Phase
	authenticator Authenticator
	creds         Credentials
	scramble      [wire.ScrambleLength]byte
}

// NewDriver creates a driver in PhaseInit for the given authenticator and
// credentials envelope.
func NewDriver(authenticator Authenticator, creds Credentials) *Driver {
	return &Driver{phase: PhaseInit, authenticator: authenticator, creds: creds}
}

// Phase returns the driver's current state.
func (d *Driver) Phase() Phase { return d.phase }

// Scramble returns the 20-byte server scramble captured from the decoded
// handshake, valid once Phase is past PhaseConnected.
func (d *Driver) Scramble() [wire.ScrambleLength]byte { return d.scramble }

// NotifyConnectResult reports the outcome of the non-blocking connect
// attempt: pending=true moves to PhasePendingConnect (spec.md §4.2, state
// CONNECTED → PENDING_CONNECT), pending=false moves straight to
// PhaseConnected.
func (d *Driver) NotifyConnectResult(pending bool) Result {
	if pending {
		d.phase = PhasePendingConnect
	} else {
		d.phase = PhaseConnected
	}
	return Result{Phase: d.phase}
}

// OnWritable advances PhasePendingConnect to PhaseConnected (spec.md §4.2
// transition 1). It is a no-op in any other phase.
func (d *Driver) OnWritable() Result {
	if d.phase == PhasePendingConnect {
		d.phase = PhaseConnected
	}
	return Result{Phase: d.phase}
}

// OnReadable drives one complete inbound packet through the FSM per
// spec.md §4.2 transitions 2–4. Calling it outside PhaseConnected or
// PhaseResponseSent is a caller error — those are the only phases in which
// spec.md defines a readable transition.
func (d *Driver) OnReadable(payload []byte) (Result, error) {
	switch d.phase {
	case PhaseConnected:
		return d.handleHandshake(payload), nil
	case PhaseResponseSent:
		return d.handleAuthReply(payload), nil
	default:
		return Result{Phase: d.phase}, fmt.Errorf("auth: readable event in phase %s", d.phase)
	}
}

func (d *Driver) handleHandshake(payload []byte) Result {
	if wire.ClassifyReply(payload) == wire.ReplyErr {
		return d.failHandshake(payload)
	}

	hs, err := wire.DecodeHandshake(payload)
	if err != nil {
		return d.failHandshake(payload)
	}
	d.scramble = hs.Scramble

	resp, err := d.authenticator.BuildResponse(hs, d.creds)
	if err != nil {
		return d.failHandshake(payload)
	}

	d.phase = PhaseResponseSent
	return Result{Phase: d.phase, Write: resp}
}

func (d *Driver) handleAuthReply(payload []byte) Result {
	if d.authenticator.Extract(payload) == Failed {
		return d.fail(payload)
	}

	outcome, writeBytes, err := d.authenticator.Authenticate()
	if err != nil {
		return d.fail(payload)
	}

	switch outcome {
	case Succeeded:
		d.phase = PhaseComplete
		return Result{Phase: d.phase}
	case Incomplete, SSLIncomplete:
		return Result{Phase: d.phase, Write: writeBytes}
	default:
		return d.fail(payload)
	}
}

// failHandshake moves to PhaseHandshakeFailed (spec.md §4.2 transition 4,
// "from CONNECTED").
func (d *Driver) failHandshake(payload []byte) Result {
	reason := classifyFailure(payload)
	d.phase = PhaseHandshakeFailed
	return Result{Phase: d.phase, Failure: reason, SyntheticError: buildSyntheticAuthFailure()}
}

// fail moves to PhaseFailed (spec.md §4.2 transition 4, "otherwise").
func (d *Driver) fail(payload []byte) Result {
	reason := classifyFailure(payload)
	d.phase = PhaseFailed
	return Result{Phase: d.phase, Failure: reason, SyntheticError: buildSyntheticAuthFailure()}
}

func classifyFailure(payload []byte) FailureReason {
	code, _, _, ok := wire.DecodeErrPacket(payload)
	if !ok {
		return FailureOther
	}
	switch code {
	case errHostIsBlocked:
		return FailureHostBlocked
	case errAccessDenied, errAccessDeniedNoPassword, errDBAccessDenied:
		return FailureAccessDenied
	default:
		return FailureOther
	}
}

func buildSyntheticAuthFailure() []byte {
	return wire.BuildErrPacket(errAccessDenied, "28000", syntheticAuthFailedMessage)
}
