// Package sessioncmd reassembles the reply to a session-affecting backend
// command (INIT_DB, SET NAMES, prepared-statement preparation) across
// however many reactor callbacks it takes to arrive, so the full reply can
// be replayed verbatim on sibling backends (spec.md §4.4).
package sessioncmd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/relaymux/mysqlbackend/internal/wire"
)

// CommandKind selects how Reassembler derives the expected packet count
// from the first reply packet (spec.md §4.4, "init response status").
type CommandKind int

const (
	// CommandSimple covers commands whose reply is always exactly one
	// OK or ERR packet: INIT_DB, SET NAMES, and similar.
	CommandSimple CommandKind = iota
	// CommandPrepare covers COM_STMT_PREPARE, whose COM_STMT_PREPARE_OK
	// header names the number of trailing parameter- and column-definition
	// packets (each optionally EOF-terminated).
	CommandPrepare
)

// Result is one completed session-command reply: the exact bytes read
// (including every packet header), tagged so downstream routers can branch
// on it per spec.md §4.4's closing paragraph.
type Result struct {
	Payload      []byte
	ResponseEnd  bool
	SessionReply bool
}

var errNotActive = errors.New("sessioncmd: Feed called with no reply in progress")

// Reassembler tracks one connection's in-progress session-command reply.
// It holds no network state; callers feed it byte slabs as they arrive
// off the reactor and get back either an incomplete signal (call Feed
// again with the next slab) or a finished Result.
type Reassembler struct {
	active          bool
	kind            CommandKind
	useDeprecateEOF bool
	buf             []byte
	expected        int
	resolved        bool
}

// Active reports whether a reply is currently being reassembled.
func (r *Reassembler) Active() bool { return r.active }

// Begin starts reassembly for a new reply to a command of the given kind.
// useDeprecateEOF mirrors the CLIENT_DEPRECATE_EOF capability negotiated at
// connect time: when set, MySQL 5.7.5+ servers omit the EOF packets that
// would otherwise terminate parameter/column definition lists.
func (r *Reassembler) Begin(kind CommandKind, useDeprecateEOF bool) {
	r.active = true
	r.kind = kind
	r.useDeprecateEOF = useDeprecateEOF
	r.buf = nil
	r.expected = 0
	r.resolved = false
}

// Feed appends slab to the reply accumulated so far and attempts to
// complete it. On incomplete data it returns Result{} with ok=false and
// keeps every byte fed so far; the caller passes only newly arrived bytes
// to the next Feed, never the ones already fed — per spec.md §4.4,
// Reassembler re-scans the accumulated reply from its first packet each
// time rather than resuming mid-packet, so the caller need not track any
// state of its own between calls beyond "still incomplete".
func (r *Reassembler) Feed(slab []byte) (result Result, ok bool, err error) {
	if !r.active {
		return Result{}, false, errNotActive
	}
	r.buf = append(r.buf, slab...)

	pos := 0
	packetCount := 0
	var firstPayload []byte

	for !r.resolved || packetCount < r.expected {
		pkt, n, ferr := wire.FrameNext(r.buf[pos:])
		if ferr != nil {
			if wire.IsNeedMoreData(ferr) {
				return Result{}, false, nil
			}
			return Result{}, false, ferr
		}
		if packetCount == 0 {
			firstPayload = pkt.Payload
		}
		pos += n
		packetCount++

		if !r.resolved {
			count, cerr := expectedPacketCount(r.kind, firstPayload, r.useDeprecateEOF)
			if cerr != nil {
				r.reset()
				return Result{}, false, cerr
			}
			r.expected = count
			r.resolved = true
		}
	}

	payload := append([]byte(nil), r.buf[:pos]...)
	r.reset()
	return Result{Payload: payload, ResponseEnd: true, SessionReply: true}, true, nil
}

func (r *Reassembler) reset() {
	r.active = false
	r.kind = CommandSimple
	r.useDeprecateEOF = false
	r.buf = nil
	r.expected = 0
	r.resolved = false
}

// expectedPacketCount derives the total number of packets the reply will
// contain, given the command kind and the fully-received first packet.
func expectedPacketCount(kind CommandKind, first []byte, useDeprecateEOF bool) (int, error) {
	if len(first) == 0 {
		return 0, fmt.Errorf("sessioncmd: empty first packet")
	}
	if first[0] == 0xff { // ERR_Packet is always terminal, regardless of kind.
		return 1, nil
	}

	switch kind {
	case CommandSimple:
		return 1, nil
	case CommandPrepare:
		return expectedPrepareCount(first, useDeprecateEOF)
	default:
		return 0, fmt.Errorf("sessioncmd: unknown command kind %d", kind)
	}
}

// expectedPrepareCount parses a COM_STMT_PREPARE_OK header:
// status(1)=0x00, statement_id(4), num_columns(2), num_params(2),
// reserved(1), warning_count(2).
func expectedPrepareCount(first []byte, useDeprecateEOF bool) (int, error) {
	if first[0] != 0x00 {
		return 0, fmt.Errorf("sessioncmd: unexpected first byte %#x for COM_STMT_PREPARE reply", first[0])
	}
	if len(first) < 9 {
		return 0, fmt.Errorf("sessioncmd: truncated COM_STMT_PREPARE_OK header")
	}
	numColumns := int(binary.LittleEndian.Uint16(first[5:7]))
	numParams := int(binary.LittleEndian.Uint16(first[7:9]))

	count := 1
	if numParams > 0 {
		count += numParams
		if !useDeprecateEOF {
			count++
		}
	}
	if numColumns > 0 {
		count += numColumns
		if !useDeprecateEOF {
			count++
		}
	}
	return count, nil
}
