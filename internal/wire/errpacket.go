package wire

// BuildErrPacket constructs an ERR_Packet payload: 0xFF, 2-byte error code,
// '#', 5-byte SQL state, message. Used for synthetic errors the engine
// manufactures itself (spec.md §7) rather than ones read off the wire.
func BuildErrPacket(code uint16, sqlState, message string) []byte {
	buf := make([]byte, 0, 9+len(message))
	buf = append(buf, headerErr, byte(code), byte(code>>8), '#')
	buf = append(buf, sqlState...)
	buf = append(buf, message...)
	return buf
}
