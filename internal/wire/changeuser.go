package wire

import (
	"crypto/sha1" //nolint:gosec // mysql_native_password is defined in terms of SHA-1, not a choice
)

// ComChangeUser is the command byte for COM_CHANGE_USER (0x11).
const ComChangeUser byte = 0x11

// ComQuit is the command byte for COM_QUIT (0x01).
const ComQuit byte = 0x01

// ComQuery is the command byte for COM_QUERY (0x03).
const ComQuery byte = 0x03

// ComStmtFetch is the command byte for COM_STMT_FETCH (0x1c).
const ComStmtFetch byte = 0x1c

const defaultAuthPlugin = "mysql_native_password"

// NativePasswordScramble computes the mysql_native_password response from a
// cleartext password:
//
//	SHA1(serverScramble ‖ SHA1(SHA1(password))) XOR SHA1(password)
//
// An empty password yields an empty response. Nothing in the engine calls
// this form: the engine only ever holds SHA1(password) and uses
// ScrambleFromHash instead.
func NativePasswordScramble(password string, serverScramble [ScrambleLength]byte) []byte {
	if len(password) == 0 {
		return []byte{}
	}
	h1 := sha1.Sum([]byte(password)) //nolint:gosec
	return scrambleFromH1(h1, serverScramble)
}

// ScrambleFromHash computes the same mysql_native_password response as
// NativePasswordScramble, but starting from SHA1(password) rather than the
// cleartext — the only form of the password the credentials envelope ever
// carries (spec.md §3). A zero hash (the SHA1 of an empty password would
// never legitimately collide with the all-zero value) is treated as "no
// password".
func ScrambleFromHash(passwordSHA1 [ScrambleLength]byte, serverScramble [ScrambleLength]byte) []byte {
	if passwordSHA1 == ([ScrambleLength]byte{}) {
		return []byte{}
	}
	return scrambleFromH1(passwordSHA1, serverScramble)
}

func scrambleFromH1(h1 [ScrambleLength]byte, serverScramble [ScrambleLength]byte) []byte {
	h2 := sha1.Sum(h1[:]) //nolint:gosec

	h := sha1.New() //nolint:gosec
	h.Write(serverScramble[:])
	h.Write(h2[:])
	h3 := h.Sum(nil)

	out := make([]byte, ScrambleLength)
	for i := range out {
		out[i] = h1[i] ^ h3[i]
	}
	return out
}

// ChangeUserRequest holds the fields needed to build a COM_CHANGE_USER
// packet payload. PasswordSHA1 is the zero value for a passwordless account.
type ChangeUserRequest struct {
	User           string
	PasswordSHA1   [ScrambleLength]byte
	Database       string
	Charset        uint16
	ServerScramble [ScrambleLength]byte
}

// BuildChangeUser emits a COM_CHANGE_USER packet payload per spec.md §4.1:
// command byte, NUL-terminated user, one length byte + scramble (or a
// single NUL for an empty password), NUL-terminated database (or a single
// NUL), 2-byte charset, and the native-password plugin name. The caller is
// responsible for framing the returned payload with wire.WritePacket; the
// payload's own length is implicit in len(result), matching the invariant
// that the packet header's length field equals the payload actually
// written.
func BuildChangeUser(req ChangeUserRequest) []byte {
	var buf []byte
	buf = append(buf, ComChangeUser)
	buf = append(buf, req.User...)
	buf = append(buf, 0)

	scramble := ScrambleFromHash(req.PasswordSHA1, req.ServerScramble)
	if len(scramble) == 0 {
		buf = append(buf, 0)
	} else {
		buf = append(buf, byte(len(scramble)))
		buf = append(buf, scramble...)
	}

	if req.Database == "" {
		buf = append(buf, 0)
	} else {
		buf = append(buf, req.Database...)
		buf = append(buf, 0)
	}

	buf = append(buf, byte(req.Charset), byte(req.Charset>>8))
	buf = append(buf, defaultAuthPlugin...)
	buf = append(buf, 0)

	return buf
}

// BuildComQuit returns the one-byte COM_QUIT payload.
func BuildComQuit() []byte {
	return []byte{ComQuit}
}

// DecodeAuthSwitch parses an AuthSwitchRequest packet payload: 0xFE,
// NUL-terminated plugin name, then exactly ScrambleLength bytes of new
// scramble data (an optional trailing NUL is tolerated).
func DecodeAuthSwitch(payload []byte) (plugin string, scramble [ScrambleLength]byte, ok bool) {
	if len(payload) < 2 || payload[0] != headerEOFOrSwitch {
		return "", scramble, false
	}
	pos := 1
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	if end >= len(payload) {
		return "", scramble, false
	}
	plugin = string(payload[pos:end])
	rest := payload[end+1:]
	if len(rest) > 0 && rest[len(rest)-1] == 0 {
		rest = rest[:len(rest)-1]
	}
	if len(rest) < ScrambleLength {
		return plugin, scramble, false
	}
	copy(scramble[:], rest[:ScrambleLength])
	return plugin, scramble, true
}

// ParseClientChangeUser decodes a client-issued COM_CHANGE_USER packet
// payload per spec.md §4.6: command byte, NUL-terminated user, one length
// byte + scramble token, NUL-terminated database, and (if present) a
// trailing 2-byte charset. The charset is reported as 0 when the client
// omitted it.
func ParseClientChangeUser(payload []byte) (user string, token []byte, database string, charset uint16, ok bool) {
	if len(payload) < 1 || payload[0] != ComChangeUser {
		return "", nil, "", 0, false
	}
	pos := 1
	end := pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	if end >= len(payload) {
		return "", nil, "", 0, false
	}
	user = string(payload[pos:end])
	pos = end + 1

	if pos >= len(payload) {
		return "", nil, "", 0, false
	}
	tokenLen := int(payload[pos])
	pos++
	if pos+tokenLen > len(payload) {
		return "", nil, "", 0, false
	}
	token = append([]byte(nil), payload[pos:pos+tokenLen]...)
	pos += tokenLen

	end = pos
	for end < len(payload) && payload[end] != 0 {
		end++
	}
	if end >= len(payload) {
		return "", nil, "", 0, false
	}
	database = string(payload[pos:end])
	pos = end + 1

	if pos+2 <= len(payload) {
		charset = uint16(payload[pos]) | uint16(payload[pos+1])<<8
	}
	return user, token, database, charset, true
}
