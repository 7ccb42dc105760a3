// Package engine wires together the wire codec, auth driver, connection
// state machine, session-command reassembler, and pool re-use adapter into
// one running backend-side MySQL engine (spec.md §2), plus the ambient
// stack (config, metrics) that feeds it. It is the facade the admin API and
// the demo binary depend on instead of reaching into the lower packages
// directly.
package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/relaymux/mysqlbackend/internal/auth"
	"github.com/relaymux/mysqlbackend/internal/authplugin"
	"github.com/relaymux/mysqlbackend/internal/backendconn"
	"github.com/relaymux/mysqlbackend/internal/backendserver"
	"github.com/relaymux/mysqlbackend/internal/config"
	"github.com/relaymux/mysqlbackend/internal/metrics"
	"github.com/relaymux/mysqlbackend/internal/pool"
	"github.com/relaymux/mysqlbackend/internal/router"
	"github.com/relaymux/mysqlbackend/internal/session"
	"github.com/relaymux/mysqlbackend/internal/userrefresh"
	"github.com/relaymux/mysqlbackend/internal/wire"
)

// defaultCaps is the client-capability bitset offered to every backend this
// engine dials: protocol 4.1 framing, secure connection auth, and plugin
// auth (mysql_native_password).
const defaultCaps = wire.CapProtocol41 | wire.CapSecureConnection | wire.CapPluginAuth

// defaultCharset is utf8_general_ci, the teacher's default connection
// charset.
const defaultCharset = 0x21

// ServerSnapshot reports one backend server's identity, maintenance flag,
// and pool occupancy.
type ServerSnapshot struct {
	Name        string     `json:"name"`
	Address     string     `json:"address"`
	Maintenance bool       `json:"maintenance"`
	Pool        pool.Stats `json:"pool"`
}

// Engine owns one IdlePool per configured backend server plus the shared
// collaborators (server registry, refresher, metrics) every pool's dialer
// needs.
type Engine struct {
	cfg       *config.Config
	metrics   *metrics.Collector
	registry  *backendserver.Registry
	refresher *userrefresh.Debounced
	router    router.Router

	pools map[string]*pool.IdlePool
}

// ReloadFunc is invoked (debounced) when a backend reports an access-denied
// family of auth failure, naming the service whose cached credentials
// should be refreshed. Wiring this to a real user-account cache is left to
// the caller; New accepts it as a constructor argument rather than this
// package depending on a concrete cache implementation.
type ReloadFunc = userrefresh.ReloadFunc

// New builds an Engine from a loaded Config: one backendserver.Server and
// one IdlePool per configured server, each pool's dialer opening real TCP
// connections and driving them through authentication via
// authplugin.NativePassword.
func New(cfg *config.Config, m *metrics.Collector, reload ReloadFunc) *Engine {
	if reload == nil {
		reload = func(string) {}
	}
	e := &Engine{
		cfg:       cfg,
		metrics:   m,
		registry:  backendserver.NewRegistry(),
		refresher: userrefresh.NewDebounced(5*time.Second, reload),
		router:    router.Null{},
		pools:     make(map[string]*pool.IdlePool),
	}

	for name, sc := range cfg.Servers {
		srv := backendserver.New(name, sc.Host, sc.Port, sc.PersistPoolMax)
		e.registry.Add(srv)

		creds := auth.Credentials{
			User:         sc.Username,
			Database:     sc.Database,
			PasswordSHA1: sha1.Sum([]byte(sc.Password)),
		}

		dialer := &tcpDialer{
			server:      srv,
			creds:       creds,
			service:     name,
			router:      e.router,
			refresher:   e.refresher,
			metrics:     e.metrics,
			dialTimeout: sc.EffectiveDialTimeout(cfg.Defaults),
		}

		poolCfg := pool.Config{
			MinConns:       sc.EffectiveMinConnections(cfg.Defaults),
			MaxConns:       sc.EffectiveMaxConnections(cfg.Defaults),
			IdleTimeout:    sc.EffectiveIdleTimeout(cfg.Defaults),
			MaxLifetime:    sc.EffectiveMaxLifetime(cfg.Defaults),
			AcquireTimeout: sc.EffectiveAcquireTimeout(cfg.Defaults),
		}
		e.pools[name] = pool.NewIdlePool(name, dialer, poolCfg)
	}

	return e
}

// Acquire checks out a ready-to-reuse connection for the named server.
func (e *Engine) Acquire(ctx context.Context, server string) (*backendconn.Connection, error) {
	p, ok := e.pools[server]
	if !ok {
		return nil, fmt.Errorf("engine: unknown server %q", server)
	}
	start := time.Now()
	conn, err := p.Acquire(ctx)
	if e.metrics != nil {
		e.metrics.AcquireDuration(server, time.Since(start))
		if err != nil {
			e.metrics.PoolExhausted(server)
		}
	}
	return conn, err
}

// Return hands conn back to its server's idle pool.
func (e *Engine) Return(server string, conn *backendconn.Connection) {
	if p, ok := e.pools[server]; ok {
		p.Return(conn)
	}
}

// Discard drops conn from its server's pool entirely (the connection is
// known dead — a Hangup or ErrorEvent already fired).
func (e *Engine) Discard(server string, conn *backendconn.Connection) {
	if p, ok := e.pools[server]; ok {
		p.Discard(conn)
	}
}

// Handoff arms conn for reuse under newCreds ahead of the next ClientWrite.
func (e *Engine) Handoff(server string, conn *backendconn.Connection, newCreds auth.Credentials) {
	pool.ResetAndHandoff(conn, newCreds)
	if e.metrics != nil {
		e.metrics.ChangeUserSent(server, "pool_reuse", "ok")
	}
}

// Servers lists every configured backend server's current snapshot.
func (e *Engine) Servers() []ServerSnapshot {
	all := e.registry.All()
	out := make([]ServerSnapshot, 0, len(all))
	for _, s := range all {
		out = append(out, e.snapshot(s))
	}
	return out
}

// Connections returns a snapshot of every connection server currently pools
// (spec.md §8 property 10 [EXPANSION]: the connection-list endpoint
// reflects each connection's current phase).
func (e *Engine) Connections(server string) []pool.ConnInfo {
	p, ok := e.pools[server]
	if !ok {
		return nil
	}
	return p.Connections()
}

// Server returns one backend server's snapshot by name.
func (e *Engine) Server(name string) (ServerSnapshot, bool) {
	s, ok := e.registry.Get(name)
	if !ok {
		return ServerSnapshot{}, false
	}
	return e.snapshot(s), true
}

func (e *Engine) snapshot(s *backendserver.Server) ServerSnapshot {
	snap := ServerSnapshot{
		Name:        s.Name,
		Address:     s.Address(),
		Maintenance: s.Maintenance(),
	}
	if p, ok := e.pools[s.Name]; ok {
		snap.Pool = p.Stats()
	}
	if e.metrics != nil {
		e.metrics.SetMaintenance(s.Name, s.Maintenance())
		e.metrics.UpdatePoolStats(s.Name, snap.Pool.Active, snap.Pool.Idle, snap.Pool.Total, snap.Pool.Waiting)
	}
	return snap
}

// SetMaintenance sets or clears a server's maintenance flag, returning false
// if the server is unknown.
func (e *Engine) SetMaintenance(name string, on bool) bool {
	s, ok := e.registry.Get(name)
	if !ok {
		return false
	}
	s.SetMaintenance(on)
	if e.metrics != nil {
		e.metrics.SetMaintenance(name, on)
	}
	return true
}

// Close shuts down every server's pool.
func (e *Engine) Close() {
	for _, p := range e.pools {
		p.Close()
	}
}

// tcpDialer implements pool.Dialer by opening a real TCP connection to a
// backend server and driving it through authentication with a blocking
// read loop. This is the concrete reactor bridge spec.md explicitly leaves
// out of the engine's own scope ("the reactor/polling implementation
// itself") — it exists here only to give the demo binary and the admin API
// something real to report on.
type tcpDialer struct {
	server      *backendserver.Server
	creds       auth.Credentials
	service     string
	router      router.Router
	refresher   backendconn.RefreshTrigger
	metrics     *metrics.Collector
	dialTimeout time.Duration
}

// connInstrumentation adapts a metrics.Collector, scoped to one backend
// server, to backendconn.Instrumentation — the seam that lets Connection
// report auth outcomes, session-command reassembly, and delay-queue
// occupancy without importing the metrics package itself.
type connInstrumentation struct {
	metrics *metrics.Collector
	server  string
}

func (i *connInstrumentation) AuthOutcome(phase, failureReason string, d time.Duration) {
	i.metrics.AuthOutcome(i.server, phase, failureReason)
	i.metrics.AuthDuration(i.server, d)
}

func (i *connInstrumentation) SessionCommandReassembled(kind string) {
	i.metrics.SessionCommandReassembled(i.server, kind)
}

func (i *connInstrumentation) SessionCommandRestarted() {
	i.metrics.SessionCommandRestarted(i.server)
}

func (i *connInstrumentation) DelayQueueBytes(n int) {
	i.metrics.SetDelayQueueBytes(i.server, n)
}

func (d *tcpDialer) Dial(ctx context.Context) (*backendconn.Connection, error) {
	deadline := time.Now().Add(d.dialTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	nc, err := net.DialTimeout("tcp", d.server.Address(), time.Until(deadline))
	if err != nil {
		return nil, fmt.Errorf("engine: dialing %s: %w", d.server.Address(), err)
	}

	authenticator := authplugin.NewNativePassword()
	sess := session.NewDummy()
	conn := backendconn.New(
		authenticator,
		d.creds,
		defaultCaps,
		defaultCharset,
		sess,
		d.router,
		d.server,
		d.refresher,
		d.service,
	)
	if d.metrics != nil {
		conn.SetInstrumentation(&connInstrumentation{metrics: d.metrics, server: d.service})
	}
	conn.NotifyConnectResult(false)

	done := make(chan error, 1)
	go driveHandshake(nc, conn, done)

	select {
	case err := <-done:
		if err != nil {
			nc.Close()
			return nil, err
		}
		return conn, nil
	case <-time.After(time.Until(deadline)):
		nc.Close()
		return nil, fmt.Errorf("engine: authenticating %s: timed out", d.server.Address())
	}
}

// driveHandshake reads frames off nc until the connection reaches
// auth.PhaseComplete (sent on done as nil) or fails (sent as an error),
// then keeps passing whatever it reads to Readable, calling Hangup once a
// read fails, for the life of the socket.
func driveHandshake(nc net.Conn, conn *backendconn.Connection, done chan<- error) {
	buf := make([]byte, 4096)
	reported := false
	report := func(err error) {
		if !reported {
			reported = true
			done <- err
		}
	}

	var pending []byte
	for {
		n, err := nc.Read(buf)
		pending = append(pending, buf[:n]...)
		for len(pending) > 0 {
			// Until auth finishes, the driver takes one unframed payload per
			// call and its reply goes back framed with the next sequence id.
			in, seq := pending, byte(0)
			if conn.Phase().Terminal() {
				pending = nil
			} else if pkt, used, ferr := wire.FrameNext(pending); ferr == nil {
				in, seq, pending = pkt.Payload, pkt.Seq+1, pending[used:]
			} else {
				break
			}
			toBackend, _ := conn.Readable(in)
			if len(toBackend) > 0 && !conn.Phase().Terminal() {
				toBackend = wire.WritePacket(toBackend, seq)
			}
			if len(toBackend) > 0 {
				if _, werr := nc.Write(toBackend); werr != nil {
					report(fmt.Errorf("engine: writing to backend: %w", werr))
					return
				}
			}
			if conn.Phase() == auth.PhaseComplete {
				report(nil)
			} else if conn.Phase() == auth.PhaseFailed || conn.Phase() == auth.PhaseHandshakeFailed {
				report(fmt.Errorf("engine: backend authentication failed (%s)", conn.Phase()))
				return
			}
		}
		if err != nil {
			conn.Hangup()
			report(fmt.Errorf("engine: connecting to backend: %w", err))
			slog.Warn("backend connection closed during handshake", "err", err)
			return
		}
	}
}
