package clock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// Manual is a clock that only moves when told to. Subscribers are ticked
// synchronously by Advance and Set, which makes timer behavior deterministic.
type Manual struct {
	subscribers
	mu  deadlock.Mutex
	now time.Time
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves time forward by d and ticks every subscriber.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	now := m.now
	m.mu.Unlock()
	m.dispatch(now, 0, true)
}

// Set jumps to t, which must not be before the current time.
func (m *Manual) Set(t time.Time) {
	m.mu.Lock()
	if t.After(m.now) {
		m.now = t
	}
	now := m.now
	m.mu.Unlock()
	m.dispatch(now, 0, true)
}

func (m *Manual) Start() {}

func (m *Manual) Stop() {}
