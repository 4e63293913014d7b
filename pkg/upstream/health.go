package upstream

import (
	"sync"
	"time"
)

const (
	// failureThreshold is how many consecutive failures inside the window
	// put a provider into cooldown.
	failureThreshold = 5

	// failureWindow bounds how far apart consecutive failures may be and
	// still count toward the threshold.
	failureWindow = 60 * time.Second

	// cooldownPeriod is how long a tripped provider is deprioritized.
	cooldownPeriod = 60 * time.Second
)

// health tracks consecutive failures for one provider. A provider that
// trips the threshold is never removed from the rotation, only moved to
// the back of the candidate order until the cooldown elapses.
type health struct {
	mu            sync.Mutex
	consecutive   int
	firstFailure  time.Time
	cooldownUntil time.Time
}

func (h *health) recordFailure(now time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.consecutive == 0 || now.Sub(h.firstFailure) > failureWindow {
		h.consecutive = 0
		h.firstFailure = now
	}
	h.consecutive++
	if h.consecutive >= failureThreshold {
		h.cooldownUntil = now.Add(cooldownPeriod)
		h.consecutive = 0
	}
}

func (h *health) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutive = 0
	h.cooldownUntil = time.Time{}
}

func (h *health) cooling(now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return now.Before(h.cooldownUntil)
}
