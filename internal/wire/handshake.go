package wire

import (
	"encoding/binary"
	"fmt"
)

// ScrambleLength is the fixed length of the MySQL native-password scramble.
const ScrambleLength = 20

// Capability flags relevant to this engine (subset of the full protocol).
const (
	CapLongPassword     uint32 = 1 << 0
	CapConnectWithDB    uint32 = 1 << 3
	CapProtocol41       uint32 = 1 << 9
	CapSSL              uint32 = 1 << 11
	CapSecureConnection uint32 = 1 << 15
	CapPluginAuth       uint32 = 1 << 19
	CapConnectAttrs     uint32 = 1 << 20
	CapPluginAuthLenEncClientData uint32 = 1 << 21
	CapDeprecateEOF     uint32 = 1 << 24
)

// ErrMalformedHandshake is returned by DecodeHandshake when the packet is
// too short or structurally invalid for its declared fields.
type ErrMalformedHandshake struct {
	Reason string
}

func (e *ErrMalformedHandshake) Error() string {
	return fmt.Sprintf("wire: malformed handshake: %s", e.Reason)
}

// Handshake is the decoded Protocol::HandshakeV10 packet sent by a MySQL
// server immediately after connect.
type Handshake struct {
	ProtocolVersion byte
	ServerVersion   string
	ConnectionID    uint32
	Scramble        [ScrambleLength]byte
	Capabilities    uint32
	Charset         byte
	StatusFlags     uint16
	AuthPluginName  string
}

// DecodeHandshake parses a server handshake packet payload. It validates
// protocol version 10 and that enough bytes are present for every
// fixed-size field it reads; any shortfall is reported as
// ErrMalformedHandshake rather than panicking on an out-of-range slice.
func DecodeHandshake(payload []byte) (Handshake, error) {
	var hs Handshake
	if len(payload) < 1 {
		return hs, &ErrMalformedHandshake{"empty payload"}
	}
	hs.ProtocolVersion = payload[0]
	if hs.ProtocolVersion != 10 {
		return hs, &ErrMalformedHandshake{fmt.Sprintf("unsupported protocol version %d", hs.ProtocolVersion)}
	}

	pos := 1
	verEnd := pos
	for verEnd < len(payload) && payload[verEnd] != 0 {
		verEnd++
	}
	if verEnd >= len(payload) {
		return hs, &ErrMalformedHandshake{"server version not NUL-terminated"}
	}
	hs.ServerVersion = string(payload[pos:verEnd])
	pos = verEnd + 1

	if pos+4 > len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before connection id"}
	}
	hs.ConnectionID = binary.LittleEndian.Uint32(payload[pos : pos+4])
	pos += 4

	if pos+8 > len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before auth-plugin-data-1"}
	}
	var scramble [ScrambleLength]byte
	copy(scramble[:8], payload[pos:pos+8])
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before capability flags 1"}
	}
	capLow := uint32(binary.LittleEndian.Uint16(payload[pos : pos+2]))
	pos += 2

	if pos+3 > len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before charset/status"}
	}
	hs.Charset = payload[pos]
	hs.StatusFlags = binary.LittleEndian.Uint16(payload[pos+1 : pos+3])
	pos += 3

	if pos+2 > len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before capability flags 2"}
	}
	capHigh := uint32(binary.LittleEndian.Uint16(payload[pos:pos+2])) << 16
	hs.Capabilities = capLow | capHigh
	pos += 2

	var authPluginDataLen int
	if pos >= len(payload) {
		return hs, &ErrMalformedHandshake{"truncated before auth-plugin-data length"}
	}
	authPluginDataLen = int(payload[pos])
	pos++
	pos += 10 // reserved

	part2Len := authPluginDataLen - 8
	if part2Len < 13 {
		part2Len = 13
	}
	if pos+part2Len > len(payload) {
		part2Len = len(payload) - pos
	}
	if part2Len < 0 {
		return hs, &ErrMalformedHandshake{"truncated auth-plugin-data-2"}
	}
	part2 := payload[pos : pos+part2Len]
	if len(part2) > 0 && part2[len(part2)-1] == 0 {
		part2 = part2[:len(part2)-1]
	}
	n := copy(scramble[8:], part2)
	if n < 12 {
		return hs, &ErrMalformedHandshake{"short auth-plugin-data-2"}
	}
	hs.Scramble = scramble
	pos += part2Len

	hs.AuthPluginName = "mysql_native_password"
	if hs.Capabilities&CapPluginAuth != 0 && pos < len(payload) {
		end := pos
		for end < len(payload) && payload[end] != 0 {
			end++
		}
		hs.AuthPluginName = string(payload[pos:end])
	}

	return hs, nil
}
