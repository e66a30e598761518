// Package quota holds the domain model and the pure policy functions for
// usage-cycle accounting: live totals, effective limits, grace expiry and
// the hard-lock predicate. Nothing here touches storage or the clock
// directly; callers pass the current time and the open interval in, which
// keeps every predicate safe to call redundantly from both the event path
// and the periodic sweep.
package quota

import "time"

// GracePolicy selects where the grace countdown is anchored.
type GracePolicy string

const (
	// GraceFromRejoin starts the countdown at the first re-entry after a
	// warning. The default.
	GraceFromRejoin GracePolicy = "rejoin"
	// GraceFromWarning starts the countdown at the warning itself,
	// regardless of whether the user re-entered.
	GraceFromWarning GracePolicy = "warning"
)

// Limits is the resolved policy for one scope.
type Limits struct {
	DailyLimitMinutes float64
	GraceMinutes      float64
	GracePolicy       GracePolicy
}

// EffectiveLimit returns the base limit plus any positive bonus.
func (c *UsageCycle) EffectiveLimit(baseMinutes float64) float64 {
	if c.BonusMinutes > 0 {
		return baseMinutes + c.BonusMinutes
	}
	return baseMinutes
}

// LiveTotal returns the cycle's accumulated minutes plus the contribution
// of the open interval, clipped to the cycle window. It must be recomputed
// on every use: while a session is open the total grows continuously.
// open may be nil.
func LiveTotal(c *UsageCycle, open *PresenceInterval, t time.Time) float64 {
	total := c.AccumulatedMinutes
	if open != nil && open.StartTime.Before(c.WindowEnd()) {
		total += ClippedMinutes(c, open.StartTime, t)
	}
	return total
}

// ClippedMinutes returns the length in minutes of [start, end] intersected
// with the cycle window, floored at zero.
func ClippedMinutes(c *UsageCycle, start, end time.Time) float64 {
	if start.Before(c.CycleStart) {
		start = c.CycleStart
	}
	if end.After(c.WindowEnd()) {
		end = c.WindowEnd()
	}
	if !end.After(start) {
		return 0
	}
	return end.Sub(start).Minutes()
}

// GraceExpired reports whether the grace period has run out at t under the
// given policy. False if the sequence has not reached its anchor yet.
func GraceExpired(e Enforcement, lim Limits, t time.Time) bool {
	grace := time.Duration(lim.GraceMinutes * float64(time.Minute))
	switch lim.GracePolicy {
	case GraceFromWarning:
		return e.Warned() && t.Sub(e.WarnedAt) >= grace
	default:
		return e.Warned() && e.Rejoined() && t.Sub(e.RejoinAt) >= grace
	}
}

// IsHardLocked reports whether re-entry must be reversed immediately,
// without re-running the warn sequence: the live total has reached the
// effective limit and either the penalty is confirmed or the grace period
// has expired.
func IsHardLocked(c *UsageCycle, open *PresenceInterval, lim Limits, t time.Time) bool {
	if LiveTotal(c, open, t) < c.EffectiveLimit(lim.DailyLimitMinutes) {
		return false
	}
	if c.Enforcement.Penalized() {
		return true
	}
	return GraceExpired(c.Enforcement, lim, t)
}
