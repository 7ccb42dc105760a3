package backendconn

import "github.com/relaymux/mysqlbackend/internal/wire"

// Synthetic error messages the engine manufactures itself rather than
// reading off the wire (spec.md §7).
const (
	msgLostConnection = "Lost connection to backend server."
	msgUnwritable     = "Writing to backend failed due to an unexpected proxy state."
)

// MySQL client-library error codes reused for synthetic packets. These are
// the same codes a real client driver would report for the equivalent
// condition, so a client application's existing error handling still works.
const (
	errLostConnection = 2013 // CR_SERVER_LOST
	errUnwritable     = 1053 // ER_SERVER_SHUTDOWN, closest stock code for "can't write"
)

func buildLostConnectionError() []byte {
	return wire.BuildErrPacket(errLostConnection, "HY000", msgLostConnection)
}

func buildUnwritableError() []byte {
	return wire.BuildErrPacket(errUnwritable, "HY000", msgUnwritable)
}

func isComQuit(payload []byte) bool {
	return len(payload) > 0 && payload[0] == wire.ComQuit
}
