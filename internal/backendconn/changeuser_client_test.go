package backendconn

import (
	"errors"
	"testing"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

func clientChangeUserPayload(user, database string) []byte {
	var buf []byte
	buf = append(buf, wire.ComChangeUser)
	buf = append(buf, user...)
	buf = append(buf, 0)
	buf = append(buf, 20)
	buf = append(buf, make([]byte, 20)...)
	buf = append(buf, database...)
	buf = append(buf, 0)
	buf = append(buf, 0x21, 0x00)
	return buf
}

func TestHandleClientChangeUserMalformedPayload(t *testing.T) {
	c := completedConnection(t, nil)
	toBackend, handled := c.HandleClientChangeUser([]byte{wire.ComChangeUser}, [wire.ScrambleLength]byte{})
	if !handled {
		t.Fatalf("expected handled=true for a malformed payload")
	}
	if len(toBackend) == 0 {
		t.Fatalf("expected an ERR packet returned to the client")
	}
}

func TestHandleClientChangeUserUnsupportedReauthIsNoOp(t *testing.T) {
	c := completedConnection(t, nil)
	c.authenticator = &fakeAuthenticator{reauthErr: auth.ErrReauthUnsupported}
	payload := clientChangeUserPayload("newuser", "newdb")

	toBackend, handled := c.HandleClientChangeUser(payload, [wire.ScrambleLength]byte{1})
	if handled {
		t.Fatalf("expected handled=false when reauth is unsupported")
	}
	if toBackend != nil {
		t.Fatalf("expected nil toBackend, got %v", toBackend)
	}
}

func TestHandleClientChangeUserRetriesThenFails(t *testing.T) {
	c := completedConnection(t, nil)
	refresher := &fakeRefresher{}
	c.refresher = refresher
	c.authenticator = &fakeAuthenticator{reauthErr: errors.New("access denied")}
	payload := clientChangeUserPayload("newuser", "newdb")

	toBackend, handled := c.HandleClientChangeUser(payload, [wire.ScrambleLength]byte{1})
	if !handled {
		t.Fatalf("expected handled=true")
	}
	if len(refresher.calls) != 1 || refresher.calls[0] != "svc" {
		t.Fatalf("expected a refresh triggered before retrying, got %v", refresher.calls)
	}
	payloadBytes := toBackend[4:]
	if payloadBytes[0] != wire.ComChangeUser {
		// still expect a COM_CHANGE_USER only when the retry succeeds; here
		// both attempts fail, so this must be an ERR packet instead.
		if payloadBytes[0] != 0xff {
			t.Fatalf("expected an ERR reply after both attempts fail, got %#x", payloadBytes[0])
		}
	}
	if len(c.FailedChangeUserLog()) != 1 {
		t.Fatalf("expected the failed COM_CHANGE_USER archived, got %d entries", len(c.FailedChangeUserLog()))
	}
	if c.creds.Database != "app" {
		t.Fatalf("expected original database restored after a failed change user, got %q", c.creds.Database)
	}
}

func TestHandleClientChangeUserHappyPath(t *testing.T) {
	c := completedConnection(t, nil)
	c.authenticator = &fakeAuthenticator{reauthResp: []byte{0x01, 0x02, 0x03}}
	payload := clientChangeUserPayload("newuser", "newdb")

	toBackend, handled := c.HandleClientChangeUser(payload, [wire.ScrambleLength]byte{7})
	if !handled {
		t.Fatalf("expected handled=true")
	}
	if len(toBackend) == 0 {
		t.Fatalf("expected a framed COM_CHANGE_USER")
	}
	body := toBackend[4:]
	if body[0] != wire.ComChangeUser {
		t.Fatalf("first byte = %#x, want COM_CHANGE_USER", body[0])
	}
	if c.creds.User != "newuser" || c.creds.Database != "newdb" {
		t.Fatalf("creds not committed: %+v", c.creds)
	}
	if !c.ignoreReply {
		t.Fatalf("expected ignoreReply armed so the backend's reply is intercepted")
	}
	if c.resetInFlight {
		t.Fatalf("a client-initiated change user must not mark a pool reset in flight")
	}
}
