package quota

import (
	"fmt"
	"time"
)

// Phase is the enforcement position of a cycle, derived from which
// timestamps are set.
type Phase int

const (
	PhaseClear Phase = iota
	PhaseWarned
	PhaseRejoined
	PhasePenalized
)

func (p Phase) String() string {
	switch p {
	case PhaseClear:
		return "clear"
	case PhaseWarned:
		return "warned"
	case PhaseRejoined:
		return "rejoined"
	case PhasePenalized:
		return "penalized"
	}
	return "unknown"
}

// Enforcement is the warn/grace/penalty state of a cycle. The zero value
// means no enforcement has happened. All mutation goes through the
// transition methods so the flag ordering always holds: a penalty implies a
// prior warning, a rejoin implies a prior warning at or before it, and a
// fresh warning re-arms the grace sequence by clearing the rejoin mark.
type Enforcement struct {
	WarnedAt    time.Time
	RejoinAt    time.Time
	PenalizedAt time.Time
}

// Phase derives the current enforcement phase.
func (e Enforcement) Phase() Phase {
	switch {
	case !e.PenalizedAt.IsZero():
		return PhasePenalized
	case !e.RejoinAt.IsZero():
		return PhaseRejoined
	case !e.WarnedAt.IsZero():
		return PhaseWarned
	}
	return PhaseClear
}

// Warned reports whether a warning has been recorded.
func (e Enforcement) Warned() bool { return !e.WarnedAt.IsZero() }

// Rejoined reports whether a post-warning re-entry has been recorded.
func (e Enforcement) Rejoined() bool { return !e.RejoinAt.IsZero() }

// Penalized reports whether the penalty has been confirmed.
func (e Enforcement) Penalized() bool { return !e.PenalizedAt.IsZero() }

// apply is the single transition function. Every mutation funnels through
// here so the ordering invariant cannot be violated piecemeal.
func (e Enforcement) apply(to Phase, t time.Time) (Enforcement, error) {
	switch to {
	case PhaseClear:
		return Enforcement{}, nil
	case PhaseWarned:
		if e.Penalized() {
			return e, fmt.Errorf("cannot warn a penalized cycle")
		}
		e.WarnedAt = t
		e.RejoinAt = time.Time{}
		return e, nil
	case PhaseRejoined:
		if e.Phase() != PhaseWarned {
			return e, fmt.Errorf("rejoin requires phase warned, have %s", e.Phase())
		}
		if t.Before(e.WarnedAt) {
			return e, fmt.Errorf("rejoin time %s precedes warning %s", t, e.WarnedAt)
		}
		e.RejoinAt = t
		return e, nil
	case PhasePenalized:
		if e.Penalized() {
			return e, nil
		}
		if !e.Warned() {
			return e, fmt.Errorf("penalty requires a prior warning")
		}
		e.PenalizedAt = t
		return e, nil
	}
	return e, fmt.Errorf("unknown phase %d", to)
}

// Warn records the limit warning at t. Re-warning a non-penalized cycle
// re-arms the grace sequence.
func (e Enforcement) Warn(t time.Time) (Enforcement, error) {
	return e.apply(PhaseWarned, t)
}

// Rejoin records the first post-warning re-entry at t.
func (e Enforcement) Rejoin(t time.Time) (Enforcement, error) {
	return e.apply(PhaseRejoined, t)
}

// Penalize confirms the penalty at t. A no-op if already penalized.
func (e Enforcement) Penalize(t time.Time) (Enforcement, error) {
	return e.apply(PhasePenalized, t)
}

// Reset clears all enforcement state, used when a bonus grant brings the
// user back under the limit.
func (e Enforcement) Reset() Enforcement {
	cleared, _ := e.apply(PhaseClear, time.Time{})
	return cleared
}
