package quota

import "time"

// Window is the length of one usage accounting cycle. A cycle opens on a
// user's first tracked activity and expires Window later; bonus minutes and
// enforcement flags do not carry across the rollover.
const Window = 24 * time.Hour

// PresenceInterval records one stretch of time a user spent inside a
// tracked channel. At most one interval per (scope, user) is open at a
// time; the engine enforces that, not the store.
type PresenceInterval struct {
	ID              int64
	Scope           string
	User            string
	StartTime       time.Time
	EndTime         time.Time // zero while the user is still present
	DurationMinutes float64
}

// IsOpen reports whether the interval has not been closed yet.
func (p *PresenceInterval) IsOpen() bool {
	return p.EndTime.IsZero()
}

// UsageCycle tracks a user's accumulated usage within one Window, plus any
// administrator-granted bonus minutes and the enforcement state. Cycles are
// append-only across windows; only the latest per (scope, user) is live.
type UsageCycle struct {
	ID                 int64
	Scope              string
	User               string
	CycleStart         time.Time
	AccumulatedMinutes float64
	BonusMinutes       float64
	Enforcement        Enforcement
}

// WindowEnd returns the instant the cycle expires.
func (c *UsageCycle) WindowEnd() time.Time {
	return c.CycleStart.Add(Window)
}

// Expired reports whether the cycle's window has passed at time t.
func (c *UsageCycle) Expired(t time.Time) bool {
	return !t.Before(c.WindowEnd())
}
