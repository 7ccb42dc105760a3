// Package pool implements per-server idle-connection pooling with
// COM_CHANGE_USER-based reuse handoff (spec.md §4.5), adapted from the
// teacher's per-tenant dial pool.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/relaymux/mysqlbackend/internal/backendconn"
)

// Dialer opens a freshly connected, not-yet-authenticated backend
// connection. IdlePool calls it only when it needs to grow past its current
// total — reuse of an already-authenticated connection never goes through
// it again.
type Dialer interface {
	Dial(ctx context.Context) (*backendconn.Connection, error)
}

// Config holds the sizing/timing knobs for one server's IdlePool, mirroring
// the teacher's per-tenant pool settings.
type Config struct {
	MinConns       int
	MaxConns       int
	IdleTimeout    time.Duration
	MaxLifetime    time.Duration
	AcquireTimeout time.Duration
}

type entry struct {
	conn      *backendconn.Connection
	createdAt time.Time
	lastUsed  time.Time
}

func (e *entry) expired(maxLifetime time.Duration) bool {
	if maxLifetime <= 0 {
		return false
	}
	return time.Since(e.createdAt) > maxLifetime
}

// Stats reports a snapshot of one server's pool occupancy.
type Stats struct {
	Server    string `json:"server"`
	Active    int    `json:"active"`
	Idle      int    `json:"idle"`
	Total     int    `json:"total"`
	Waiting   int    `json:"waiting"`
	Exhausted int64  `json:"pool_exhausted_total"`
}

// IdlePool manages the idle-connection list for a single backend server
// (spec.md §4.5 [EXPANSION]): warm-up, an idle reaper, and acquire/return
// bookkeeping adapted directly from the teacher's TenantPool, but handing
// back *backendconn.Connection values and growing via a Dialer instead of
// authenticating a fresh socket on every dial.
type IdlePool struct {
	mu   sync.Mutex
	cond *sync.Cond

	server string
	dialer Dialer
	cfg    Config

	idle    []*entry
	active  map[*entry]struct{}
	byConn  map[*backendconn.Connection]*entry
	total   int
	waiting int
	exhausted int64

	closed bool
	stopCh chan struct{}
}

// NewIdlePool constructs a pool for one server, starts its idle reaper and,
// if cfg.MinConns > 0, background warm-up, the way the teacher's TenantPool
// does.
func NewIdlePool(server string, dialer Dialer, cfg Config) *IdlePool {
	p := &IdlePool{
		server: server,
		dialer: dialer,
		cfg:    cfg,
		active: make(map[*entry]struct{}),
		byConn: make(map[*backendconn.Connection]*entry),
		stopCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if cfg.MinConns > 0 {
		go p.warmUp()
	}
	return p
}

func (p *IdlePool) warmUp() {
	for i := 0; i < p.cfg.MinConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		conn, err := p.dialer.Dial(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("pool warm-up dial failed", "server", p.server, "index", i+1, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.parkIdleLocked(conn)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed backend connections", "server", p.server, "count", p.cfg.MinConns)
}

func (p *IdlePool) parkIdleLocked(conn *backendconn.Connection) {
	conn.MarkIdle()
	e := &entry{conn: conn, createdAt: time.Now(), lastUsed: time.Now()}
	p.idle = append(p.idle, e)
	p.byConn[conn] = e
}

// Acquire returns an authenticated, ready-to-reuse connection, growing the
// pool via the Dialer if none are idle and the pool is under its max.
func (p *IdlePool) Acquire(ctx context.Context) (*backendconn.Connection, error) {
	deadline := time.Now().Add(p.cfg.AcquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: server %s is closed", p.server)
		}

		for len(p.idle) > 0 {
			e := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			delete(p.byConn, e.conn)

			if e.expired(p.cfg.MaxLifetime) {
				p.total--
				continue
			}

			e.conn.MarkActive()
			p.active[e] = struct{}{}
			p.byConn[e.conn] = e
			p.mu.Unlock()
			return e.conn, nil
		}

		if p.total < p.cfg.MaxConns || p.cfg.MaxConns <= 0 {
			p.total++
			p.mu.Unlock()

			conn, err := p.dialer.Dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("pool: dialing server %s: %w", p.server, err)
			}
			e := &entry{conn: conn, createdAt: time.Now(), lastUsed: time.Now()}
			conn.MarkActive()
			p.mu.Lock()
			p.active[e] = struct{}{}
			p.byConn[conn] = e
			p.mu.Unlock()
			return conn, nil
		}

		p.waiting++
		p.exhausted++

		remaining := time.Until(deadline)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: acquire timeout for server %s", p.server)
		}
		timer := time.AfterFunc(remaining, func() { p.cond.Broadcast() })
		p.cond.Wait()
		timer.Stop()
		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("pool: server %s is closed", p.server)
		}
	}
}

// Return releases conn back to the idle list, or closes the pool's
// bookkeeping for it if it expired or the pool is shutting down. Callers
// that know the connection is no longer usable (a Hangup/ErrorEvent was
// reported) should not call Return at all.
func (p *IdlePool) Return(conn *backendconn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byConn[conn]
	if !ok {
		return
	}
	delete(p.active, e)

	if p.closed || e.expired(p.cfg.MaxLifetime) {
		delete(p.byConn, conn)
		p.total--
		p.cond.Signal()
		return
	}

	e.lastUsed = time.Now()
	conn.MarkIdle()
	p.idle = append(p.idle, e)
	p.cond.Signal()
}

// Discard removes conn from the pool entirely without returning it to idle
// — used when a connection is known to be dead (a reported Hangup or
// ErrorEvent) and must not be handed out again.
func (p *IdlePool) Discard(conn *backendconn.Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.byConn[conn]
	if !ok {
		return
	}
	delete(p.active, e)
	delete(p.byConn, conn)
	p.total--
	p.cond.Signal()
}

func (p *IdlePool) reapLoop() {
	if p.cfg.IdleTimeout <= 0 {
		return
	}
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *IdlePool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	kept := p.idle[:0]
	for _, e := range p.idle {
		idleFor := time.Since(e.lastUsed)
		if idleFor > p.cfg.IdleTimeout || e.expired(p.cfg.MaxLifetime) {
			delete(p.byConn, e.conn)
			p.total--
			continue
		}
		kept = append(kept, e)
	}
	p.idle = kept
}

// ConnInfo is a read-only snapshot of one pooled connection's state, used
// by the admin API's connection-list endpoint.
type ConnInfo struct {
	Phase string `json:"phase"`
	Idle  bool   `json:"idle"`
}

// Connections returns a snapshot of every connection this pool currently
// holds, idle or checked out.
func (p *IdlePool) Connections() []ConnInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnInfo, 0, len(p.byConn))
	for conn := range p.byConn {
		out = append(out, ConnInfo{Phase: conn.Phase().String(), Idle: conn.Idle()})
	}
	return out
}

// Stats returns a snapshot of this pool's occupancy for the admin API.
func (p *IdlePool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Server:    p.server,
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		Exhausted: p.exhausted,
	}
}

// Close stops background goroutines and drops every entry the pool still
// holds. Active (checked-out) connections are left to their callers.
func (p *IdlePool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.idle = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}
