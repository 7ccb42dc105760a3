package pool

import (
	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/backendconn"
)

// ResetAndHandoff arms conn for reuse under newCreds (spec.md §4.5): the
// actual COM_CHANGE_USER is not sent here — it is built and sent the moment
// the client's first write arrives on the resurrected connection
// (backendconn.Connection.ClientWrite), exactly as spec.md describes the
// "first write after resurrection from idle pool" hook. This function only
// records which credentials that write should be rewritten against.
//
// Callers acquire a connection from IdlePool, then call ResetAndHandoff
// before handing the connection to a session — the teacher has no
// equivalent (its tenant pools always either dial fresh or trust the
// original session's own credentials), so this is built from spec.md §4.5
// directly.
func ResetAndHandoff(conn *backendconn.Connection, newCreds auth.Credentials) {
	conn.BeginPoolReset(newCreds)
}
