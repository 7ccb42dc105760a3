package userrefresh

import (
	"sync"
	"testing"
	"time"
)

func TestDebouncedCoalescesRapidRefreshes(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)

	d := NewDebounced(20*time.Millisecond, func(service string) {
		mu.Lock()
		calls[service]++
		mu.Unlock()
	})

	d.Refresh("app")
	d.Refresh("app")
	d.Refresh("app")

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls["app"] != 1 {
		t.Fatalf("calls[app] = %d, want 1", calls["app"])
	}
}

func TestDebouncedTracksServicesIndependently(t *testing.T) {
	var mu sync.Mutex
	calls := make(map[string]int)

	d := NewDebounced(10*time.Millisecond, func(service string) {
		mu.Lock()
		calls[service]++
		mu.Unlock()
	})

	d.Refresh("app")
	d.Refresh("other")

	time.Sleep(60 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls["app"] != 1 || calls["other"] != 1 {
		t.Fatalf("calls = %v, want both 1", calls)
	}
}
