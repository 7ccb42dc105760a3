// Package authplugin provides the default concrete auth.Authenticator used
// by the demo harness and tests: mysql_native_password.
package authplugin

import (
	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

// NativePassword implements auth.Authenticator for the mysql_native_password
// plugin, the default MySQL authentication method. It is grounded on the
// teacher's mysqlNativePasswordHash in pool/pool.go, generalized here into
// the Authenticator interface's BuildResponse/Extract/Authenticate/
// Reauthenticate steps.
type NativePassword struct {
	lastReply []byte
	creds     auth.Credentials
}

// NewNativePassword returns a ready-to-use NativePassword authenticator.
func NewNativePassword() *NativePassword {
	return &NativePassword{}
}

// BuildResponse computes the scramble response for the server's handshake
// and wraps it in a minimal HandshakeResponse41 body sufficient for the
// backend connections this engine opens (protocol 4.1, no SSL, no connect
// attributes).
func (n *NativePassword) BuildResponse(hs wire.Handshake, creds auth.Credentials) ([]byte, error) {
	n.creds = creds
	scramble := wire.ScrambleFromHash(creds.PasswordSHA1, hs.Scramble)

	var buf []byte
	caps := wire.CapLongPassword | wire.CapProtocol41 | wire.CapSecureConnection | wire.CapPluginAuth
	if creds.Database != "" {
		caps |= wire.CapConnectWithDB
	}
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	// max packet size: 16MB, matching the teacher's client handshake response.
	buf = append(buf, 0x00, 0x00, 0x00, 0x01)
	buf = append(buf, hs.Charset)
	buf = append(buf, make([]byte, 23)...) // reserved

	buf = append(buf, creds.User...)
	buf = append(buf, 0)

	buf = append(buf, byte(len(scramble)))
	buf = append(buf, scramble...)

	if creds.Database != "" {
		buf = append(buf, creds.Database...)
		buf = append(buf, 0)
	}

	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)

	return buf, nil
}

// Extract records the reply for a subsequent Authenticate call. Native
// password authentication is single-round: any reply is either OK, ERR, or
// an AuthSwitchRequest asking for (still) mysql_native_password with a new
// scramble, so Extract never itself needs more bytes.
func (n *NativePassword) Extract(reply []byte) auth.Outcome {
	n.lastReply = reply
	if wire.ClassifyReply(reply) == wire.ReplyUnknown {
		return auth.Failed
	}
	return auth.Succeeded
}

// Authenticate inspects the packet captured by Extract. An AuthSwitchRequest
// to mysql_native_password yields a fresh response and Incomplete (one more
// round); anything else maps directly onto Succeeded/Failed.
func (n *NativePassword) Authenticate() (auth.Outcome, []byte, error) {
	reply := n.lastReply
	switch wire.ClassifyReply(reply) {
	case wire.ReplyOK:
		return auth.Succeeded, nil, nil
	case wire.ReplyAuthSwitch:
		pluginName, scramble, ok := wire.DecodeAuthSwitch(reply)
		if !ok || pluginName != "mysql_native_password" {
			return auth.Failed, nil, nil
		}
		return auth.Incomplete, wire.ScrambleFromHash(n.creds.PasswordSHA1, scramble), nil
	default:
		return auth.Failed, nil, nil
	}
}

// Reauthenticate builds a fresh native-password response for a client-
// initiated COM_CHANGE_USER (spec.md §4.6).
func (n *NativePassword) Reauthenticate(scramble [wire.ScrambleLength]byte, creds auth.Credentials) ([]byte, error) {
	resp := wire.ScrambleFromHash(creds.PasswordSHA1, scramble)
	return resp, nil
}
