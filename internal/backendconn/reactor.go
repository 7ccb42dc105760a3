package backendconn

import (
	"log/slog"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/router"
	"github.com/relaymux/mysqlbackend/internal/session"
	"github.com/relaymux/mysqlbackend/internal/sessioncmd"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

// Readable handles bytes newly arrived from the backend socket. It returns
// bytes to write back to the same backend (an auth response, a resumed
// ignore-reply scramble) and whether any progress was made, matching the
// reactor's no-suspension-point contract (spec.md §4.3, §5).
func (c *Connection) Readable(payload []byte) (toBackend []byte, progress bool) {
	if c.idle {
		// A connection sitting in an idle pool should never see traffic;
		// if it does, the backend closed on us or sent garbage — treat it
		// like any other unrecoverable error (spec.md §6).
		c.onError()
		return nil, false
	}
	if c.sess != nil && (c.sess.IsDummy() && c.phase == auth.PhaseComplete) {
		// A dummy (pool warm-up) session has no client to reply to; once
		// authenticated it just sits idle until the pool claims it.
		return nil, false
	}
	if c.zombie {
		return nil, false
	}

	if !c.phase.Terminal() {
		res, err := c.driver.OnReadable(payload)
		if err != nil {
			slog.Warn("protocol error during backend authentication", "err", err)
			c.onError()
			return nil, false
		}
		return c.applyDriverResult(res), true
	}
	if c.phase != auth.PhaseComplete {
		return nil, false
	}
	return c.readAndRoute(payload)
}

func (c *Connection) readAndRoute(payload []byte) ([]byte, bool) {
	buf := append(c.readQueue, payload...)
	c.readQueue = nil

	if c.ignoreReply {
		return c.handleIgnoreReply(buf)
	}
	if c.reassembler.Active() {
		return c.feedReassembler(buf)
	}
	return c.forwardPackets(buf)
}

func (c *Connection) feedReassembler(buf []byte) ([]byte, bool) {
	res, ok, err := c.reassembler.Feed(buf)
	if err != nil {
		c.onHangup()
		return nil, false
	}
	if !ok {
		// The reassembler already retains buf internally (it appends to its
		// own slab on every Feed); re-queuing it here would feed the same
		// partial prefix twice on the next read. Every such call re-derives
		// the reply from the start of its buffer on the next Feed, which is
		// the "restart" sessioncmd's own doc comment describes.
		if c.instr != nil {
			c.instr.SessionCommandRestarted()
		}
		return nil, false
	}
	if c.instr != nil {
		c.instr.SessionCommandReassembled(sessionCommandKindLabel(c.sessionCmdKind))
	}
	if c.deliverable() {
		if err := c.router.ClientReply(res.Payload); err != nil {
			slog.Warn("client reply failed", "err", err)
		}
	}
	return nil, true
}

// sessionCommandKindLabel names a sessioncmd.CommandKind for metrics labels.
func sessionCommandKindLabel(kind sessioncmd.CommandKind) string {
	switch kind {
	case sessioncmd.CommandPrepare:
		return "stmt_prepare"
	default:
		return "simple"
	}
}

// resultSetState tracks a connection's progress through a CapResultsetOutput
// router's query result set (spec.md §4.3.a step 2): armed by ClientWrite
// when a COM_QUERY/COM_STMT_FETCH is sent, it accumulates packets until the
// reply turns out not to be a result set at all (an immediate OK/ERR) or
// until two signal packets — column-defs end, row-data end — have been
// seen, whichever comes first.
type resultSetState struct {
	pending bool
	active  bool
	signals int
	buf     []byte
}

// isResultSetSignal reports whether payload is an EOF or OK packet, the two
// shapes that close out a section of a result set (the latter only when
// CapDeprecateEOF is negotiated, but either is a safe terminator to count:
// a row's first byte never legally takes the EOF/OK header value).
func isResultSetSignal(payload []byte) bool {
	switch wire.ClassifyReply(payload) {
	case wire.ReplyEOF, wire.ReplyOK:
		return true
	default:
		return false
	}
}

// forwardResultSet implements the CapResultsetOutput branch of spec.md
// §4.3.a step 2: hold the reply back until it is known to either not be a
// result set (first packet is OK/ERR) or to be a complete one (two signal
// packets seen), then deliver it as a single coalesced reply.
func (c *Connection) forwardResultSet(buf []byte) ([]byte, bool) {
	pos := 0
	for {
		pkt, n, err := wire.FrameNext(buf[pos:])
		if err != nil {
			break
		}
		pos += n

		if !c.resultSet.active {
			c.resultSet.pending = false
			switch wire.ClassifyReply(pkt.Payload) {
			case wire.ReplyOK, wire.ReplyErr:
				// Not a result set — the query's direct reply.
				c.readQueue = buf[pos:]
				if c.deliverable() {
					if err := c.router.ClientReply(wire.WritePacket(pkt.Payload, pkt.Seq)); err != nil {
						slog.Warn("client reply failed", "err", err)
					}
				}
				return nil, true
			default:
				c.resultSet.active = true
			}
		}

		c.resultSet.buf = append(c.resultSet.buf, wire.WritePacket(pkt.Payload, pkt.Seq)...)

		if isResultSetSignal(pkt.Payload) {
			c.resultSet.signals++
			if c.resultSet.signals == 2 {
				out := c.resultSet.buf
				c.resultSet = resultSetState{}
				c.readQueue = buf[pos:]
				if c.deliverable() {
					if err := c.router.ClientReply(out); err != nil {
						slog.Warn("client reply failed", "err", err)
					}
				}
				return nil, true
			}
		}
	}
	// Every complete packet read so far has already been folded into
	// resultSet.buf; only the unframed remainder needs to survive to the
	// next read.
	c.readQueue = buf[pos:]
	return nil, false
}

// forwardPackets extracts as many complete packets as buf currently holds
// and forwards them per the router's capability preference (spec.md
// §4.3.a): full result-set aggregation for CapResultsetOutput while a
// query result set is in flight, coalesced into one delivery for
// CapContiguousOutput, or one packet at a time otherwise. Leftover partial
// bytes are re-queued.
func (c *Connection) forwardPackets(buf []byte) ([]byte, bool) {
	caps := c.router.Capabilities()
	if caps&router.CapResultsetOutput != 0 && (c.resultSet.pending || c.resultSet.active) {
		return c.forwardResultSet(buf)
	}
	if caps&router.CapContiguousOutput != 0 {
		pos := 0
		for {
			_, n, err := wire.FrameNext(buf[pos:])
			if err != nil {
				break
			}
			pos += n
		}
		if pos == 0 {
			c.readQueue = buf
			return nil, false
		}
		out := append([]byte(nil), buf[:pos]...)
		c.readQueue = buf[pos:]
		if c.deliverable() {
			if err := c.router.ClientReply(out); err != nil {
				slog.Warn("client reply failed", "err", err)
			}
		}
		return nil, true
	}

	pkt, n, err := wire.FrameNext(buf)
	if err != nil {
		c.readQueue = buf
		return nil, false
	}
	c.readQueue = buf[n:]
	if c.deliverable() {
		if err := c.router.ClientReply(wire.WritePacket(pkt.Payload, pkt.Seq)); err != nil {
			slog.Warn("client reply failed", "err", err)
		}
	}
	return nil, true
}

func (c *Connection) deliverable() bool {
	return c.sess == nil || (c.sess.RouterReady() && c.sess.ClientPolling())
}

// handleIgnoreReply implements spec.md §4.3.a's third branch: while a
// reset's COM_CHANGE_USER (or a client-initiated one, §4.6) is in flight,
// backend replies are intercepted rather than forwarded to the client.
func (c *Connection) handleIgnoreReply(buf []byte) ([]byte, bool) {
	var last wire.Packet
	pos := 0
	found := false
	for {
		pkt, n, err := wire.FrameNext(buf[pos:])
		if err != nil {
			break
		}
		pos += n
		last = pkt
		found = true
	}
	c.readQueue = buf[pos:]
	if !found {
		return nil, false
	}

	switch wire.ClassifyReply(last.Payload) {
	case wire.ReplyOK:
		toSend := c.storedQuery
		c.storedQuery = nil
		c.ignoreReply = false
		if c.resetInFlight {
			c.wasPersistent = false
			c.resetInFlight = false
		}
		if len(toSend) == 0 {
			return nil, true
		}
		return toSend, true

	case wire.ReplyAuthSwitch:
		plugin, scramble, ok := wire.DecodeAuthSwitch(last.Payload)
		if !ok || plugin != "mysql_native_password" {
			// spec.md §4.3.a: bail via a fake hangup rather than trying to
			// negotiate a different plugin mid-reset.
			c.onHangup()
			return nil, true
		}
		resp := wire.ScrambleFromHash(c.creds.PasswordSHA1, scramble)
		return resp, true

	case wire.ReplyErr:
		c.router.HandleError(last.Payload, router.ActionReplyClient)
		c.onHangup()
		return nil, true

	default:
		c.onHangup()
		return nil, true
	}
}

// Writable handles the backend socket becoming writable. Outside
// PhasePendingConnect this only matters when the connection has stopped
// polling but still has client-issued bytes queued (spec.md §4.3): those
// are either silently dropped (COM_QUIT) or answered with a synthetic
// unwritable error to the client.
func (c *Connection) Writable() (toBackend []byte, progress bool) {
	if c.phase == auth.PhasePendingConnect {
		res := c.driver.OnWritable()
		return c.applyDriverResult(res), true
	}
	if !c.polling {
		pending := c.pendingBytes()
		if len(pending) == 0 {
			return nil, false
		}
		if isComQuit(pending) {
			c.clearPending()
			return nil, true
		}
		c.clearPending()
		if err := c.router.ClientReply(buildUnwritableError()); err != nil {
			slog.Warn("client reply failed", "err", err)
		}
		return nil, true
	}
	return nil, false
}

func (c *Connection) pendingBytes() []byte {
	if c.phase != auth.PhaseComplete {
		return c.delay.Peek()
	}
	return c.storedQuery
}

func (c *Connection) clearPending() {
	if c.phase != auth.PhaseComplete {
		c.delay.Clear()
	} else {
		c.storedQuery = nil
	}
}

// ErrorEvent handles a socket-level error from the backend connection
// (spec.md §4.3, §7).
func (c *Connection) ErrorEvent() (progress bool) {
	c.onError()
	return true
}

func (c *Connection) onError() {
	if c.sess != nil && c.sess.IsDummy() && c.server != nil && c.server.PersistPoolMax() == 0 {
		c.zombie = true
		return
	}
	if !c.polling {
		return
	}
	recovered := c.router.HandleError(buildLostConnectionError(), router.ActionNewConnection)
	if !recovered && c.sess != nil {
		c.sess.SetStopping()
	}
}

// Hangup handles the backend peer closing its side of the connection.
// Same error report as ErrorEvent, likewise dropped once the connection is
// no longer polling, but spec.md §4.3 leaves the actual close to the
// router, so a dummy session's connection is not marked a zombie here; a
// hangup on a connection parked in a persistent idle pool is suppressed
// rather than propagated.
func (c *Connection) Hangup() (progress bool) {
	c.onHangup()
	return true
}

func (c *Connection) onHangup() {
	if c.idle && c.server != nil && c.server.PersistPoolMax() > 0 {
		return
	}
	if !c.polling {
		return
	}
	recovered := c.router.HandleError(buildLostConnectionError(), router.ActionNewConnection)
	if !recovered && c.sess != nil {
		c.sess.SetStopping()
	}
}

// Close builds the COM_QUIT packet this engine sends when it is the one
// tearing the backend connection down, and reports whether the client side
// should be closed along with it.
func (c *Connection) Close() (toBackend []byte, closeClient bool) {
	framed := wire.WritePacket(wire.BuildComQuit(), 0)
	closeClient = c.sess != nil && c.sess.State() == session.StateStopping && c.sess.ClientPolling()
	return framed, closeClient
}

// BeginSessionCommand arms the session-command reassembler for the backend
// command about to be sent (spec.md §4.4). Callers recognize session
// commands by their COM_* byte (COM_INIT_DB, COM_STMT_PREPARE); detecting
// them from SQL text (e.g. "SET NAMES") is out of scope (spec.md §1,
// "interpreting SQL").
func (c *Connection) BeginSessionCommand(kind sessioncmd.CommandKind) {
	c.sessionCmdKind = kind
	c.reassembler.Begin(kind, c.caps&wire.CapDeprecateEOF != 0)
}
