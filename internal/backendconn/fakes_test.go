package backendconn

import (
	"time"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

// fakeAuthenticator is a scriptable auth.Authenticator for connection-level
// tests; it never does real cryptography, just reports the outcomes the
// test wants exercised.
type fakeAuthenticator struct {
	buildResp   []byte
	buildErr    error
	extractOut  auth.Outcome
	authOutcome auth.Outcome
	authWrite   []byte
	authErr     error
	reauthResp  []byte
	reauthErr   error
}

func (f *fakeAuthenticator) BuildResponse(hs wire.Handshake, creds auth.Credentials) ([]byte, error) {
	return f.buildResp, f.buildErr
}

func (f *fakeAuthenticator) Extract(reply []byte) auth.Outcome {
	return f.extractOut
}

func (f *fakeAuthenticator) Authenticate() (auth.Outcome, []byte, error) {
	return f.authOutcome, f.authWrite, f.authErr
}

func (f *fakeAuthenticator) Reauthenticate(scramble [wire.ScrambleLength]byte, creds auth.Credentials) ([]byte, error) {
	if f.reauthErr != nil {
		return nil, f.reauthErr
	}
	if f.reauthResp != nil {
		return f.reauthResp, nil
	}
	return wire.ScrambleFromHash(creds.PasswordSHA1, scramble), nil
}

// fakeServer implements ServerKnobs for tests.
type fakeServer struct {
	maintenance    bool
	persistPoolMax int
}

func (s *fakeServer) SetMaintenance(on bool) { s.maintenance = on }
func (s *fakeServer) PersistPoolMax() int    { return s.persistPoolMax }

// fakeRefresher implements RefreshTrigger for tests.
type fakeRefresher struct {
	calls []string
}

func (r *fakeRefresher) Refresh(service string) { r.calls = append(r.calls, service) }

// fakeInstrumentation implements Instrumentation for tests, recording every
// call it receives.
type fakeInstrumentation struct {
	authOutcomes     []string
	authFailures     []string
	reassembledKinds []string
	restarts         int
	delayQueueBytes  []int
}

func (f *fakeInstrumentation) AuthOutcome(phase, failureReason string, d time.Duration) {
	f.authOutcomes = append(f.authOutcomes, phase)
	f.authFailures = append(f.authFailures, failureReason)
}

func (f *fakeInstrumentation) SessionCommandReassembled(kind string) {
	f.reassembledKinds = append(f.reassembledKinds, kind)
}

func (f *fakeInstrumentation) SessionCommandRestarted() {
	f.restarts++
}

func (f *fakeInstrumentation) DelayQueueBytes(n int) {
	f.delayQueueBytes = append(f.delayQueueBytes, n)
}

func validHandshakePayload() []byte {
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

func okPacketPayload() []byte {
	return []byte{0x00, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00}
}
