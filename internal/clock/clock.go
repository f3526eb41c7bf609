package clock

import "time"

// Clock is the time source used by the registry, sweeper, and claim
// authority. Tests substitute Manual to drive deadlines deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
	Sleep(d time.Duration)
}

// Real reads wall-clock time. All times are UTC.
type Real struct{}

func (Real) Now() time.Time {
	return time.Now().UTC()
}

func (Real) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}

func (Real) Sleep(d time.Duration) {
	time.Sleep(d)
}
