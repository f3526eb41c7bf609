package clock

import (
	"sync"
	"time"
)

// Manual is a test clock that only moves when Advance is called. Pending
// waiters from After and Sleep fire once the clock passes their deadline.
type Manual struct {
	mu      sync.Mutex
	current time.Time
	waiters []manualWaiter
}

type manualWaiter struct {
	deadline time.Time
	done     chan time.Time
}

// NewManual returns a Manual clock positioned at start.
func NewManual(start time.Time) *Manual {
	return &Manual{current: start.UTC()}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Manual) After(d time.Duration) <-chan time.Time {
	done := make(chan time.Time, 1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if d <= 0 {
		done <- m.current
		return done
	}
	m.waiters = append(m.waiters, manualWaiter{
		deadline: m.current.Add(d),
		done:     done,
	})
	return done
}

func (m *Manual) Sleep(d time.Duration) {
	<-m.After(d)
}

// Advance moves the clock forward by d and releases every waiter whose
// deadline has passed. Negative d is treated as zero.
func (m *Manual) Advance(d time.Duration) time.Time {
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = m.current.Add(d)
	kept := m.waiters[:0]
	for _, w := range m.waiters {
		if w.deadline.After(m.current) {
			kept = append(kept, w)
			continue
		}
		w.done <- m.current
	}
	m.waiters = kept
	return m.current
}
