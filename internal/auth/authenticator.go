// Package auth drives backend authentication: the handshake/credential
// exchange FSM (driver.go) and the pluggable Authenticator contract its
// cryptographic steps delegate to.
package auth

import (
	"errors"

	"github.com/relaymux/mysqlbackend/internal/wire"
)

// Outcome is the result an Authenticator reports back to the driver.
type Outcome int

const (
	Incomplete Outcome = iota
	SSLIncomplete
	Succeeded
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Incomplete:
		return "incomplete"
	case SSLIncomplete:
		return "ssl_incomplete"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrReauthUnsupported is returned by Reauthenticate when an authenticator
// has no support for client-initiated COM_CHANGE_USER (spec.md §4.6: "If
// the authenticator does not implement reauth, the entire operation is a
// no-op").
var ErrReauthUnsupported = errors.New("auth: reauthenticate not supported")

// Credentials is the credentials envelope described in spec.md §3: the
// engine reads a user name, a selected database, and SHA1(password) from
// the client-facing connection. The cleartext password is never available
// here.
type Credentials struct {
	User         string
	Database     string
	PasswordSHA1 [wire.ScrambleLength]byte
}

// Authenticator is the injectable cryptographic collaborator named in
// spec.md §6. The driver calls BuildResponse once, immediately after
// decoding the server handshake, then alternates Extract/Authenticate over
// however many reply packets the chosen auth plugin needs.
type Authenticator interface {
	// BuildResponse constructs the credential-response payload to send right
	// after the server handshake is decoded.
	BuildResponse(hs wire.Handshake, creds Credentials) ([]byte, error)

	// Extract inspects one inbound reply packet and records what Authenticate
	// needs, returning Succeeded/Incomplete per spec.md §6's extract() step.
	// A packet this authenticator cannot make sense of extracts as Failed.
	Extract(reply []byte) Outcome

	// Authenticate acts on the most recently Extracted packet. It may return
	// bytes to send for a multi-round exchange (e.g. a fresh AuthSwitchRequest
	// response); callers only send them when the Outcome is Incomplete.
	Authenticate() (Outcome, []byte, error)

	// Reauthenticate builds a fresh credential response for a client-issued
	// COM_CHANGE_USER (spec.md §4.6), given the backend scramble and the new
	// credentials. Returns ErrReauthUnsupported if this plugin has no reauth
	// path.
	Reauthenticate(scramble [wire.ScrambleLength]byte, creds Credentials) ([]byte, error)
}
