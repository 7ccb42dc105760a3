// Package backendserver models the pool of backend MySQL servers a session
// can be routed onto: their address, per-connection-reuse limit, and a
// mutable maintenance flag the auth driver flips when a server reports
// ER_HOST_IS_BLOCKED (spec.md §4.2, §7).
package backendserver

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Status is a bitset of a server's operational flags.
type Status uint32

const (
	// StatusMaintenance marks a server new sessions must not be routed onto.
	// Set when a backend connection's handshake fails with
	// ER_HOST_IS_BLOCKED; cleared only by an operator or health check
	// outside this engine's scope.
	StatusMaintenance Status = 1 << iota
)

// snapshot is swapped atomically so Maintenance() never blocks a reader
// behind a writer — the same pattern the teacher's router package used for
// its tenant table, applied here to one server's status bits instead.
type snapshot struct {
	status Status
}

// Server is one backend MySQL instance this engine can open connections to.
// It implements backendconn.ServerKnobs directly, so a *Server can be passed
// straight into backendconn.New without an adapter.
type Server struct {
	Name           string
	Host           string
	Port           int
	persistPoolMax int

	snap atomic.Value // *snapshot
	wmu  sync.Mutex    // serializes SetMaintenance; reads stay lock-free
}

// New returns a Server with no status flags set.
func New(name, host string, port, persistPoolMax int) *Server {
	s := &Server{Name: name, Host: host, Port: port, persistPoolMax: persistPoolMax}
	s.snap.Store(&snapshot{})
	return s
}

// PersistPoolMax returns this server's configured connection-reuse limit.
func (s *Server) PersistPoolMax() int { return s.persistPoolMax }

// Address returns "host:port" for dialing.
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func (s *Server) load() *snapshot {
	return s.snap.Load().(*snapshot)
}

// Maintenance reports whether new sessions should avoid this server.
func (s *Server) Maintenance() bool {
	return s.load().status&StatusMaintenance != 0
}

// SetMaintenance sets or clears the maintenance flag.
func (s *Server) SetMaintenance(on bool) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	cur := s.load()
	next := &snapshot{status: cur.status}
	if on {
		next.status |= StatusMaintenance
	} else {
		next.status &^= StatusMaintenance
	}
	s.snap.Store(next)
}

// Registry is the set of known backend servers, keyed by name.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Server
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Server)}
}

// Add registers a server, replacing any existing entry with the same name.
func (r *Registry) Add(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.Name] = s
}

// Remove drops a server from the registry.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, name)
}

// Get returns the named server, if known.
func (r *Registry) Get(name string) (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// All returns every registered server in no particular order.
func (r *Registry) All() []*Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Server, 0, len(r.servers))
	for _, s := range r.servers {
		out = append(out, s)
	}
	return out
}

// Available returns every registered server not currently in maintenance.
func (r *Registry) Available() []*Server {
	all := r.All()
	out := all[:0]
	for _, s := range all {
		if !s.Maintenance() {
			out = append(out, s)
		}
	}
	return out
}
