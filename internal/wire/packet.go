// Package wire implements the MySQL client/server wire protocol as seen from
// the backend side of a proxy: packet framing, reply classification, server
// handshake decoding, and COM_CHANGE_USER construction.
package wire

import (
	"encoding/binary"
	"errors"
)

// Packet header size: 3-byte little-endian payload length + 1-byte sequence.
const HeaderSize = 4

// MaxPayload is the largest payload a single MySQL packet may carry before
// it must be split across multiple packets (2^24 - 1).
const MaxPayload = 1<<24 - 1

// Reply byte-4 classifications (spec.md §4.1).
type ReplyKind int

const (
	ReplyUnknown ReplyKind = iota
	ReplyOK
	ReplyErr
	ReplyEOF
	ReplyAuthSwitch
)

const (
	headerOK         byte = 0x00
	headerErr        byte = 0xff
	headerEOFOrSwitch byte = 0xfe
)

var errNeedMoreData = errors.New("wire: need more data")

// ErrNeedMoreData is returned by FrameNext when buf does not yet contain a
// complete packet. It is not a failure — callers should buffer more bytes
// and retry.
func ErrNeedMoreData() error { return errNeedMoreData }

// IsNeedMoreData reports whether err is the "need more bytes" sentinel.
func IsNeedMoreData(err error) bool { return err == errNeedMoreData }

// Packet is one decoded MySQL protocol packet.
type Packet struct {
	Seq     byte
	Payload []byte
}

// FrameNext extracts the next complete packet from buf. It returns the
// packet, the number of bytes consumed from buf, and an error. When buf
// holds fewer bytes than a full packet, it returns ErrNeedMoreData and the
// caller must not advance its cursor.
func FrameNext(buf []byte) (Packet, int, error) {
	if len(buf) < HeaderSize {
		return Packet{}, 0, errNeedMoreData
	}
	length := int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
	seq := buf[3]
	total := HeaderSize + length
	if len(buf) < total {
		return Packet{}, 0, errNeedMoreData
	}
	payload := make([]byte, length)
	copy(payload, buf[HeaderSize:total])
	return Packet{Seq: seq, Payload: payload}, total, nil
}

// ClassifyReply inspects the first byte of a packet payload and returns its
// reply kind per spec.md §4.1. An empty payload classifies as Unknown.
func ClassifyReply(payload []byte) ReplyKind {
	if len(payload) == 0 {
		return ReplyUnknown
	}
	switch payload[0] {
	case headerOK:
		return ReplyOK
	case headerErr:
		return ReplyErr
	case headerEOFOrSwitch:
		if len(payload) < 9 {
			return ReplyEOF
		}
		return ReplyAuthSwitch
	default:
		return ReplyUnknown
	}
}

// WritePacket serializes payload into a framed packet with the given
// sequence number.
func WritePacket(payload []byte, seq byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	length := len(payload)
	buf[0] = byte(length)
	buf[1] = byte(length >> 8)
	buf[2] = byte(length >> 16)
	buf[3] = seq
	copy(buf[HeaderSize:], payload)
	return buf
}

// PeekPayloadLength reads the 3-byte little-endian length prefix from the
// start of buf without consuming anything. buf must have at least 3 bytes.
func PeekPayloadLength(buf []byte) int {
	return int(buf[0]) | int(buf[1])<<8 | int(buf[2])<<16
}

// CheckChangeUserOK validates an OK-packet reply to COM_CHANGE_USER per
// spec.md §4.1: byte4=0x00, payload>=7 bytes, affected-rows byte and
// insert-id byte both zero (this engine only ever issues COM_CHANGE_USER with
// no pending rows, so a non-zero value here signals an unexpected reply).
func CheckChangeUserOK(payload []byte) bool {
	if len(payload) < 7 {
		return false
	}
	if payload[0] != headerOK {
		return false
	}
	return payload[1] == 0 && payload[2] == 0
}

// DecodeOKPacket extracts the status flags from an OK or EOF packet,
// following the length-encoded affected-rows/last-insert-id prefix for OK
// packets. The engine's own result-set boundary detection classifies
// packets with ClassifyReply and does not call it.
func DecodeOKPacket(payload []byte) (statusFlags uint16, ok bool) {
	if len(payload) == 0 {
		return 0, false
	}
	switch payload[0] {
	case headerOK:
		pos := 1
		pos = skipLenEnc(payload, pos)
		pos = skipLenEnc(payload, pos)
		if pos+2 > len(payload) {
			return 0, false
		}
		return binary.LittleEndian.Uint16(payload[pos : pos+2]), true
	case headerEOFOrSwitch:
		if len(payload) < 5 {
			return 0, false
		}
		return binary.LittleEndian.Uint16(payload[3:5]), true
	default:
		return 0, false
	}
}

// DecodeErrPacket extracts the error code, SQL state, and message from an
// ERR_Packet payload (0xFF + code(2) + '#' + sqlstate(5) + message).
func DecodeErrPacket(payload []byte) (code uint16, sqlState, message string, ok bool) {
	if len(payload) < 9 || payload[0] != headerErr {
		return 0, "", "", false
	}
	code = binary.LittleEndian.Uint16(payload[1:3])
	if payload[3] != '#' {
		return code, "", string(payload[3:]), true
	}
	sqlState = string(payload[4:9])
	message = string(payload[9:])
	return code, sqlState, message, true
}

func skipLenEnc(buf []byte, pos int) int {
	if pos >= len(buf) {
		return pos
	}
	switch b := buf[pos]; {
	case b < 0xfb:
		return pos + 1
	case b == 0xfc:
		return pos + 3
	case b == 0xfd:
		return pos + 4
	case b == 0xfe:
		return pos + 9
	default:
		return pos + 1
	}
}
