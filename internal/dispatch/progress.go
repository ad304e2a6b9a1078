package dispatch

import (
	"sync"
	"time"
)

// progressThrottle enforces a minimum interval between forwarded progress
// updates so the transport is not flooded. The first update always passes.
type progressThrottle struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
}

func newProgressThrottle(interval time.Duration) *progressThrottle {
	if interval <= 0 {
		interval = 1500 * time.Millisecond
	}
	return &progressThrottle{interval: interval}
}

// allow reports whether an update may be forwarded now.
func (t *progressThrottle) allow() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	if t.last.IsZero() || now.Sub(t.last) >= t.interval {
		t.last = now
		return true
	}
	return false
}
