package auth

import (
	"bytes"
	"testing"

	"github.com/relaymux/mysqlbackend/internal/wire"
)

type fakeAuthenticator struct {
	buildResp    []byte
	buildErr     error
	extractOut   Outcome
	authOutcome  Outcome
	authWrite    []byte
	authErr      error
	reauthResp   []byte
	reauthErr    error
	lastHS       wire.Handshake
	lastCreds    Credentials
	extractCalls int
}

func (f *fakeAuthenticator) BuildResponse(hs wire.Handshake, creds Credentials) ([]byte, error) {
	f.lastHS = hs
	f.lastCreds = creds
	return f.buildResp, f.buildErr
}

func (f *fakeAuthenticator) Extract(reply []byte) Outcome {
	f.extractCalls++
	return f.extractOut
}

func (f *fakeAuthenticator) Authenticate() (Outcome, []byte, error) {
	return f.authOutcome, f.authWrite, f.authErr
}

func (f *fakeAuthenticator) Reauthenticate(scramble [wire.ScrambleLength]byte, creds Credentials) ([]byte, error) {
	return f.reauthResp, f.reauthErr
}

func validHandshakePayload(t *testing.T) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, 10)
	buf = append(buf, "8.0-test"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0)
	buf = append(buf, "ABCDEFGH"...)
	buf = append(buf, 0)
	buf = append(buf, byte(wire.CapProtocol41&0xff), byte(wire.CapProtocol41>>8))
	buf = append(buf, 0x21, 0, 0)
	buf = append(buf, 0, 0)
	buf = append(buf, 21)
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, "IJKLMNOPQRST"...)
	buf = append(buf, 0)
	buf = append(buf, "mysql_native_password"...)
	buf = append(buf, 0)
	return buf
}

func TestDriverHappyPath(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01, 0x02}, authOutcome: Succeeded}
	d := NewDriver(fa, Credentials{User: "u"})

	res := d.NotifyConnectResult(false)
	if res.Phase != PhaseConnected {
		t.Fatalf("phase = %v, want Connected", res.Phase)
	}

	res, err := d.OnReadable(validHandshakePayload(t))
	if err != nil {
		t.Fatalf("OnReadable handshake: %v", err)
	}
	if res.Phase != PhaseResponseSent {
		t.Fatalf("phase = %v, want ResponseSent", res.Phase)
	}
	if !bytes.Equal(res.Write, []byte{0x01, 0x02}) {
		t.Fatalf("write = %v", res.Write)
	}

	fa.extractOut = Succeeded
	okPkt := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	res, err = d.OnReadable(okPkt)
	if err != nil {
		t.Fatalf("OnReadable auth reply: %v", err)
	}
	if res.Phase != PhaseComplete {
		t.Fatalf("phase = %v, want Complete", res.Phase)
	}
}

func TestDriverPendingConnect(t *testing.T) {
	fa := &fakeAuthenticator{}
	d := NewDriver(fa, Credentials{})

	res := d.NotifyConnectResult(true)
	if res.Phase != PhasePendingConnect {
		t.Fatalf("phase = %v, want PendingConnect", res.Phase)
	}
	res = d.OnWritable()
	if res.Phase != PhaseConnected {
		t.Fatalf("phase = %v, want Connected after writable", res.Phase)
	}
	// OnWritable outside PendingConnect is a no-op.
	res = d.OnWritable()
	if res.Phase != PhaseConnected {
		t.Fatalf("phase changed unexpectedly: %v", res.Phase)
	}
}

func TestDriverHandshakeErrHostBlocked(t *testing.T) {
	fa := &fakeAuthenticator{}
	d := NewDriver(fa, Credentials{})
	d.NotifyConnectResult(false)

	errPkt := append([]byte{0xFF, 0x69, 0x04, '#'}, "HY000"...)
	errPkt = append(errPkt, "Host is blocked"...)

	res, err := d.OnReadable(errPkt)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if res.Phase != PhaseHandshakeFailed {
		t.Fatalf("phase = %v, want HandshakeFailed", res.Phase)
	}
	if res.Failure != FailureHostBlocked {
		t.Fatalf("failure = %v, want HostBlocked", res.Failure)
	}
	if !bytes.Contains(res.SyntheticError, []byte(syntheticAuthFailedMessage)) {
		t.Fatalf("synthetic error missing expected message: %s", res.SyntheticError)
	}
}

func TestDriverHandshakeMalformed(t *testing.T) {
	fa := &fakeAuthenticator{}
	d := NewDriver(fa, Credentials{})
	d.NotifyConnectResult(false)

	res, err := d.OnReadable([]byte{9, 'x', 0})
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if res.Phase != PhaseHandshakeFailed {
		t.Fatalf("phase = %v, want HandshakeFailed", res.Phase)
	}
}

func TestDriverAuthReplyAccessDenied(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: Failed}
	d := NewDriver(fa, Credentials{})
	d.NotifyConnectResult(false)
	if _, err := d.OnReadable(validHandshakePayload(t)); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	errPkt := append([]byte{0xFF, 0x15, 0x04, '#'}, "28000"...)
	errPkt = append(errPkt, "Access denied for user"...)
	res, err := d.OnReadable(errPkt)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if res.Phase != PhaseFailed {
		t.Fatalf("phase = %v, want Failed", res.Phase)
	}
	if res.Failure != FailureAccessDenied {
		t.Fatalf("failure = %v, want AccessDenied", res.Failure)
	}
}

func TestDriverAuthReplyIncompleteStaysInResponseSent(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: Succeeded, authOutcome: Incomplete, authWrite: []byte{0xAA}}
	d := NewDriver(fa, Credentials{})
	d.NotifyConnectResult(false)
	if _, err := d.OnReadable(validHandshakePayload(t)); err != nil {
		t.Fatalf("handshake: %v", err)
	}

	switchPkt := append([]byte{0xfe}, "mysql_native_password"...)
	switchPkt = append(switchPkt, 0)
	switchPkt = append(switchPkt, make([]byte, wire.ScrambleLength)...)

	res, err := d.OnReadable(switchPkt)
	if err != nil {
		t.Fatalf("OnReadable: %v", err)
	}
	if res.Phase != PhaseResponseSent {
		t.Fatalf("phase = %v, want ResponseSent (unchanged)", res.Phase)
	}
	if !bytes.Equal(res.Write, []byte{0xAA}) {
		t.Fatalf("write = %v", res.Write)
	}
}

func TestDriverRejectsReadableInTerminalPhase(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: Succeeded, authOutcome: Succeeded}
	d := NewDriver(fa, Credentials{})
	d.NotifyConnectResult(false)
	if _, err := d.OnReadable(validHandshakePayload(t)); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	okPkt := []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
	if _, err := d.OnReadable(okPkt); err != nil {
		t.Fatalf("auth reply: %v", err)
	}
	if d.Phase() != PhaseComplete {
		t.Fatalf("expected Complete, got %v", d.Phase())
	}
	if _, err := d.OnReadable(okPkt); err == nil {
		t.Fatalf("expected error for readable in terminal phase")
	}
}
