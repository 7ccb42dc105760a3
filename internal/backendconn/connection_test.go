package backendconn

import (
	"bytes"
	"testing"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/router"
	"github.com/relaymux/mysqlbackend/internal/session"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

func newTestConnection(fa *fakeAuthenticator, sess *session.Session, r router.Router, srv ServerKnobs, refresher RefreshTrigger) *Connection {
	if sess == nil {
		sess = session.New()
	}
	if r == nil {
		r = router.NewRecording(0)
	}
	if srv == nil {
		srv = &fakeServer{}
	}
	if refresher == nil {
		refresher = &fakeRefresher{}
	}
	creds := auth.Credentials{User: "appuser", Database: "app"}
	return New(fa, creds, wire.CapProtocol41, 0x21, sess, r, srv, refresher, "svc")
}

// TestHappyPathDrainsDelayQueue covers spec.md §8 invariant 1/2 and the
// "happy auth" end-to-end scenario: bytes written before auth completes
// are buffered and delivered in one shot once the driver reaches
// PhaseComplete.
func TestHappyPathDrainsDelayQueue(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0xAA}, extractOut: auth.Succeeded, authOutcome: auth.Succeeded}
	c := newTestConnection(fa, nil, nil, nil, nil)

	c.NotifyConnectResult(false)
	if c.Phase() != auth.PhaseConnected {
		t.Fatalf("phase = %v, want Connected", c.Phase())
	}

	queued := c.ClientWrite([]byte{0x03, 's', 'e', 'l', 'e', 'c', 't'})
	if queued != nil {
		t.Fatalf("expected write buffered (nil), got %v", queued)
	}

	toBackend, progress := c.Readable(validHandshakePayload())
	if !progress || !bytes.Equal(toBackend, []byte{0xAA}) {
		t.Fatalf("handshake readable: toBackend=%v progress=%v", toBackend, progress)
	}
	if c.Phase() != auth.PhaseResponseSent {
		t.Fatalf("phase = %v, want ResponseSent", c.Phase())
	}

	toBackend, progress = c.Readable(okPacketPayload())
	if !progress {
		t.Fatalf("expected progress on auth completion")
	}
	if c.Phase() != auth.PhaseComplete {
		t.Fatalf("phase = %v, want Complete", c.Phase())
	}
	if !bytes.Equal(toBackend, []byte{0x03, 's', 'e', 'l', 'e', 'c', 't'}) {
		t.Fatalf("delay queue not drained correctly: %v", toBackend)
	}
	if !c.WasPersistent() {
		t.Fatalf("expected WasPersistent true after completing auth")
	}
}

// TestInstrumentationReportsAuthOutcomeAndDelayQueue covers the
// Instrumentation seam: a buffered pre-auth write reports the delay queue's
// occupancy, and reaching PhaseComplete reports a successful auth outcome
// plus the queue draining back to zero.
func TestInstrumentationReportsAuthOutcomeAndDelayQueue(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0xAA}, extractOut: auth.Succeeded, authOutcome: auth.Succeeded}
	c := newTestConnection(fa, nil, nil, nil, nil)
	instr := &fakeInstrumentation{}
	c.SetInstrumentation(instr)

	c.NotifyConnectResult(false)
	c.ClientWrite([]byte{0x03, 's', 'e', 'l', 'e', 'c', 't'})
	c.Readable(validHandshakePayload())
	c.Readable(okPacketPayload())

	if c.Phase() != auth.PhaseComplete {
		t.Fatalf("setup: phase = %v, want Complete", c.Phase())
	}
	if len(instr.delayQueueBytes) == 0 || instr.delayQueueBytes[0] == 0 {
		t.Fatalf("expected a non-zero delay-queue size reported after buffering, got %v", instr.delayQueueBytes)
	}
	if last := instr.delayQueueBytes[len(instr.delayQueueBytes)-1]; last != 0 {
		t.Fatalf("expected the delay queue reported empty after draining, got %d", last)
	}
	if len(instr.authOutcomes) != 1 || instr.authOutcomes[0] != "complete" {
		t.Fatalf("authOutcomes = %v, want [complete]", instr.authOutcomes)
	}
	if instr.authFailures[0] != "" {
		t.Fatalf("authFailures = %v, want empty on success", instr.authFailures)
	}
}

// TestInstrumentationReportsAuthFailure covers the failure branch: a host-
// blocked handshake error reports PhaseHandshakeFailed with the classified
// failure reason.
func TestInstrumentationReportsAuthFailure(t *testing.T) {
	fa := &fakeAuthenticator{}
	c := newTestConnection(fa, nil, nil, nil, nil)
	instr := &fakeInstrumentation{}
	c.SetInstrumentation(instr)
	c.NotifyConnectResult(false)

	errPkt := append([]byte{0xFF, 0x69, 0x04, '#'}, "HY000"...)
	errPkt = append(errPkt, "Host is blocked"...)
	c.Readable(errPkt)

	if len(instr.authOutcomes) != 1 || instr.authOutcomes[0] != "handshake_failed" {
		t.Fatalf("authOutcomes = %v, want [handshake_failed]", instr.authOutcomes)
	}
	if instr.authFailures[0] != "host_blocked" {
		t.Fatalf("authFailures = %v, want [host_blocked]", instr.authFailures)
	}
}

// TestHostBlockedFlagsMaintenance covers the "host blocked" end-to-end
// scenario (spec.md §4.2 transition 4, §7).
func TestHostBlockedFlagsMaintenance(t *testing.T) {
	fa := &fakeAuthenticator{}
	srv := &fakeServer{}
	rec := router.NewRecording(0)
	c := newTestConnection(fa, nil, rec, srv, nil)
	c.NotifyConnectResult(false)

	errPkt := append([]byte{0xFF, 0x69, 0x04, '#'}, "HY000"...)
	errPkt = append(errPkt, "Host is blocked"...)

	_, progress := c.Readable(errPkt)
	if !progress {
		t.Fatalf("expected progress on handshake failure")
	}
	if c.Phase() != auth.PhaseHandshakeFailed {
		t.Fatalf("phase = %v, want HandshakeFailed", c.Phase())
	}
	if !srv.maintenance {
		t.Fatalf("expected server flagged for maintenance")
	}
	if len(rec.Errors) != 1 || rec.Errors[0].Action != router.ActionReplyClient {
		t.Fatalf("router errors = %v", rec.Errors)
	}
	if c.sess.State() != session.StateStopping {
		t.Fatalf("session state = %v, want Stopping", c.sess.State())
	}
}

// TestAccessDeniedTriggersRefresh covers spec.md §4.2 transition 4's other
// branch: an access-denied family of errors triggers a user-cache refresh
// rather than a maintenance flag.
func TestAccessDeniedTriggersRefresh(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: auth.Failed}
	refresher := &fakeRefresher{}
	c := newTestConnection(fa, nil, nil, nil, refresher)
	c.NotifyConnectResult(false)
	if _, progress := c.Readable(validHandshakePayload()); !progress {
		t.Fatalf("expected progress on handshake")
	}

	errPkt := append([]byte{0xFF, 0x15, 0x04, '#'}, "28000"...)
	errPkt = append(errPkt, "Access denied for user"...)
	if _, progress := c.Readable(errPkt); !progress {
		t.Fatalf("expected progress on auth failure")
	}
	if c.Phase() != auth.PhaseFailed {
		t.Fatalf("phase = %v, want Failed", c.Phase())
	}
	if len(refresher.calls) != 1 || refresher.calls[0] != "svc" {
		t.Fatalf("refresher calls = %v", refresher.calls)
	}
}

func TestPoolResetArmsChangeUserOnNextWrite(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: auth.Succeeded, authOutcome: auth.Succeeded}
	c := newTestConnection(fa, nil, nil, nil, nil)
	c.NotifyConnectResult(false)
	c.Readable(validHandshakePayload())
	c.Readable(okPacketPayload())
	if c.Phase() != auth.PhaseComplete {
		t.Fatalf("setup: phase = %v", c.Phase())
	}

	c.BeginPoolReset(auth.Credentials{User: "newuser", Database: "newdb"})

	queryBytes := []byte{0x03, 's', 'e', 'l', 'e', 'c', 't'}
	out := c.ClientWrite(queryBytes)
	if len(out) == 0 {
		t.Fatalf("expected a COM_CHANGE_USER packet to be emitted")
	}
	payload := out[4:]
	if payload[0] != wire.ComChangeUser {
		t.Fatalf("first byte = %#x, want COM_CHANGE_USER", payload[0])
	}
	if !c.ignoreReply {
		t.Fatalf("expected ignoreReply set while reset is in flight")
	}
	if !bytes.Equal(c.storedQuery, queryBytes) {
		t.Fatalf("storedQuery = %v", c.storedQuery)
	}

	// The reset's OK reply should release the stored query and clear
	// wasPersistent (spec.md §9 Open Question (a): commit only on ack).
	toBackend, progress := c.Readable(wire.WritePacket(okPacketPayload(), 1))
	if !progress {
		t.Fatalf("expected progress on reset OK reply")
	}
	if !bytes.Equal(toBackend, queryBytes) {
		t.Fatalf("stored query not replayed: %v", toBackend)
	}
	if c.ignoreReply {
		t.Fatalf("expected ignoreReply cleared")
	}
	if c.WasPersistent() {
		t.Fatalf("expected WasPersistent cleared after reset ack")
	}
}

func TestPoolResetSkipsChangeUserForComQuit(t *testing.T) {
	fa := &fakeAuthenticator{buildResp: []byte{0x01}, extractOut: auth.Succeeded, authOutcome: auth.Succeeded}
	rec := router.NewRecording(0)
	c := newTestConnection(fa, nil, rec, nil, nil)
	c.NotifyConnectResult(false)
	c.Readable(validHandshakePayload())
	c.Readable(okPacketPayload())

	c.BeginPoolReset(auth.Credentials{User: "newuser"})
	out := c.ClientWrite([]byte{wire.ComQuit})
	if out != nil {
		t.Fatalf("expected no backend write for COM_QUIT during reset, got %v", out)
	}
	if c.ignoreReply {
		t.Fatalf("ignoreReply should not be armed when the reset write was COM_QUIT")
	}
}
