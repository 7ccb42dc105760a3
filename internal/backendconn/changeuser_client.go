package backendconn

import (
	"errors"
	"log/slog"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

const maxChangeUserFieldLen = 128

// HandleClientChangeUser implements spec.md §4.6: a client-initiated
// COM_CHANGE_USER. newPasswordSHA1 is the password hash for the new
// account, already validated against the client-supplied token by the
// client-facing authenticator (spec.md §1 puts that verification itself
// out of this engine's scope; what reaches here is its result).
//
// It parses the raw client payload, truncates over-long fields, asks this
// connection's authenticator whether it supports reauthentication at all,
// and on success commits the new credentials and forwards a freshly built
// COM_CHANGE_USER to the backend — through the same ignore-reply/
// stored-query plumbing pool reuse uses, since this reply must also be
// intercepted rather than handed straight to the client.
//
// The bool return is false only when the authenticator has no reauth
// support, per spec.md §4.6's "the entire operation is a no-op" fallback;
// toBackend is nil in that case and the caller should treat the original
// client request as never having been sent onward.
func (c *Connection) HandleClientChangeUser(payload []byte, newPasswordSHA1 [wire.ScrambleLength]byte) (toBackend []byte, handled bool) {
	user, _, database, charset, ok := wire.ParseClientChangeUser(payload)
	if !ok {
		return wire.WritePacket(wire.BuildErrPacket(1047, "08S01", "Malformed COM_CHANGE_USER"), 0), true
	}
	if len(user) > maxChangeUserFieldLen {
		slog.Warn("truncating over-long COM_CHANGE_USER username", "len", len(user))
		user = user[:maxChangeUserFieldLen]
	}
	if len(database) > maxChangeUserFieldLen {
		slog.Warn("truncating over-long COM_CHANGE_USER database", "len", len(database))
		database = database[:maxChangeUserFieldLen]
	}

	newCreds := auth.Credentials{User: user, Database: database, PasswordSHA1: newPasswordSHA1}

	// Temporarily clear the current database for the duration of the
	// reauth round trip: until it succeeds, nothing should treat this
	// connection as still selected onto the old one.
	oldCreds := c.creds
	c.creds.Database = ""

	resp, err := c.authenticator.Reauthenticate(c.driver.Scramble(), newCreds)
	if errors.Is(err, auth.ErrReauthUnsupported) {
		c.creds = oldCreds
		return nil, false
	}
	if err != nil {
		if c.refresher != nil {
			c.refresher.Refresh(c.service)
		}
		resp, err = c.authenticator.Reauthenticate(c.driver.Scramble(), newCreds)
		if err != nil {
			c.creds = oldCreds
			c.failedChangeUserLog = append(c.failedChangeUserLog, append([]byte(nil), payload...))
			return wire.WritePacket(wire.BuildErrPacket(1045, "28000", "Access denied for user (change user failed)"), 0), true
		}
	}

	c.creds = newCreds
	if charset != 0 {
		c.charset = byte(charset)
	}

	out := buildChangeUserWithScramble(user, resp, database, uint16(c.charset))
	c.storedQuery = nil
	c.ignoreReply = true
	c.resetInFlight = false
	return wire.WritePacket(out, 0), true
}

// buildChangeUserWithScramble assembles a COM_CHANGE_USER payload from an
// already-computed scramble response, matching wire.BuildChangeUser's wire
// layout but honoring the authenticator's Reauthenticate output rather than
// recomputing it.
func buildChangeUserWithScramble(user string, scramble []byte, database string, charset uint16) []byte {
	var buf []byte
	buf = append(buf, wire.ComChangeUser)
	buf = append(buf, user...)
	buf = append(buf, 0)

	if len(scramble) == 0 {
		buf = append(buf, 0)
	} else {
		buf = append(buf, byte(len(scramble)))
		buf = append(buf, scramble...)
	}

	if database == "" {
		buf = append(buf, 0)
	} else {
		buf = append(buf, database...)
		buf = append(buf, 0)
	}

	buf = append(buf, byte(charset), byte(charset>>8))
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}
