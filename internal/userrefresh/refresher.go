// Package userrefresh triggers an asynchronous reload of a service's user
// account cache after the auth driver observes an access-denied family of
// errors (spec.md §4.2 transition 4, §7) — the failing account may simply
// be missing from a stale cache, not genuinely invalid.
package userrefresh

import (
	"log/slog"
	"sync"
	"time"
)

// AsyncRefresher is the collaborator the auth driver's failure path reports
// to. Implementations must not block the caller.
type AsyncRefresher interface {
	Refresh(service string)
}

// ReloadFunc performs the actual (potentially slow) user-cache reload for a
// service. It runs off the calling goroutine.
type ReloadFunc func(service string)

// Debounced coalesces repeated refresh requests for the same service within
// a short window into a single reload, the same way the teacher's
// config.Watcher coalesces rapid file-change events before calling Load.
type Debounced struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	delay  time.Duration
	reload ReloadFunc
}

// NewDebounced returns a Debounced refresher that waits delay after the
// last request for a service before calling reload once.
func NewDebounced(delay time.Duration, reload ReloadFunc) *Debounced {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &Debounced{
		timers: make(map[string]*time.Timer),
		delay:  delay,
		reload: reload,
	}
}

// Refresh schedules a reload for service, resetting any pending timer for
// the same service.
func (d *Debounced) Refresh(service string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[service]; ok {
		t.Stop()
	}
	d.timers[service] = time.AfterFunc(d.delay, func() {
		d.fire(service)
	})
}

func (d *Debounced) fire(service string) {
	d.mu.Lock()
	delete(d.timers, service)
	d.mu.Unlock()

	slog.Info("user cache refresh triggered", "service", service)
	d.reload(service)
}
