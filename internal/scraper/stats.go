package scraper

import (
	"sync"
	"time"
)

// Statistics is an immutable snapshot of a session's counters.
type Statistics struct {
	RequestsAttempted int64     `json:"requests_attempted"`
	RequestsSucceeded int64     `json:"requests_succeeded"`
	RequestsFailed    int64     `json:"requests_failed"`
	RetriesPerformed  int64     `json:"retries_performed"`
	RobotsBlocked     int64     `json:"robots_blocked"`
	StartedAt         time.Time `json:"started_at"`
}

// SuccessRate is succeeded / attempted, zero before any request.
func (s Statistics) SuccessRate() float64 {
	if s.RequestsAttempted == 0 {
		return 0
	}
	return float64(s.RequestsSucceeded) / float64(s.RequestsAttempted)
}

// Elapsed is the time since the counters started, measured at call time.
func (s Statistics) Elapsed() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return time.Since(s.StartedAt)
}

// counters holds the mutable statistics; only the fetcher and session write.
type counters struct {
	mu   sync.Mutex
	data Statistics
}

func newCounters(startedAt time.Time) *counters {
	return &counters{data: Statistics{StartedAt: startedAt}}
}

func (c *counters) update(fn func(*Statistics)) {
	c.mu.Lock()
	fn(&c.data)
	c.mu.Unlock()
}

func (c *counters) snapshot() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}
