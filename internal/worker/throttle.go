package worker

import "time"

// progressThrottle limits progress writes to one per minInterval, and only
// when the value moved by at least minStep.
type progressThrottle struct {
	minInterval time.Duration
	minStep     float64
	now         func() time.Time

	last   float64
	lastAt time.Time
}

func newProgressThrottle(minInterval time.Duration, minStep float64, now func() time.Time) *progressThrottle {
	return &progressThrottle{minInterval: minInterval, minStep: minStep, now: now}
}

func (t *progressThrottle) allow(v float64) bool {
	if v <= t.last || v-t.last < t.minStep {
		return false
	}
	now := t.now()
	if !t.lastAt.IsZero() && now.Sub(t.lastAt) < t.minInterval {
		return false
	}
	t.last = v
	t.lastAt = now
	return true
}
