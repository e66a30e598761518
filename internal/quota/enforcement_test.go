package quota

import (
	"testing"
	"time"
)

func TestEnforcement_ZeroValueIsClear(t *testing.T) {
	var e Enforcement
	if e.Phase() != PhaseClear {
		t.Errorf("zero value should be clear, got %s", e.Phase())
	}
}

func TestEnforcement_WarnRejoinPenalize(t *testing.T) {
	var e Enforcement
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	e, err := e.Warn(base)
	if err != nil {
		t.Fatalf("warn failed: %v", err)
	}
	if e.Phase() != PhaseWarned {
		t.Errorf("expected phase warned, got %s", e.Phase())
	}

	e, err = e.Rejoin(base.Add(5 * time.Minute))
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if e.Phase() != PhaseRejoined {
		t.Errorf("expected phase rejoined, got %s", e.Phase())
	}

	e, err = e.Penalize(base.Add(40 * time.Minute))
	if err != nil {
		t.Fatalf("penalize failed: %v", err)
	}
	if e.Phase() != PhasePenalized {
		t.Errorf("expected phase penalized, got %s", e.Phase())
	}
}

func TestEnforcement_RejoinRequiresWarning(t *testing.T) {
	var e Enforcement
	if _, err := e.Rejoin(time.Now()); err == nil {
		t.Errorf("rejoin without a warning should fail")
	}
}

func TestEnforcement_RejoinCannotPrecedeWarning(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var e Enforcement
	e, _ = e.Warn(base)
	if _, err := e.Rejoin(base.Add(-time.Minute)); err == nil {
		t.Errorf("rejoin before the warning time should fail")
	}
}

func TestEnforcement_PenalizeRequiresWarning(t *testing.T) {
	var e Enforcement
	if _, err := e.Penalize(time.Now()); err == nil {
		t.Errorf("penalize without a warning should fail")
	}
}

func TestEnforcement_PenalizeIdempotent(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var e Enforcement
	e, _ = e.Warn(base)
	e, _ = e.Penalize(base.Add(time.Hour))

	again, err := e.Penalize(base.Add(2 * time.Hour))
	if err != nil {
		t.Fatalf("re-penalize should be a no-op, got error: %v", err)
	}
	if !again.PenalizedAt.Equal(e.PenalizedAt) {
		t.Errorf("re-penalize must not move the penalty time")
	}
}

func TestEnforcement_WarnClearsRejoin(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var e Enforcement
	e, _ = e.Warn(base)
	e, _ = e.Rejoin(base.Add(5 * time.Minute))

	// a second warning re-arms the grace sequence
	e, err := e.Warn(base.Add(time.Hour))
	if err != nil {
		t.Fatalf("re-warn failed: %v", err)
	}
	if e.Rejoined() {
		t.Errorf("warning must clear the rejoin mark")
	}
	if e.Phase() != PhaseWarned {
		t.Errorf("expected phase warned after re-warn, got %s", e.Phase())
	}
}

func TestEnforcement_CannotWarnPenalized(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var e Enforcement
	e, _ = e.Warn(base)
	e, _ = e.Penalize(base.Add(time.Hour))
	if _, err := e.Warn(base.Add(2 * time.Hour)); err == nil {
		t.Errorf("warning a penalized cycle should fail")
	}
}

func TestEnforcement_Reset(t *testing.T) {
	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	var e Enforcement
	e, _ = e.Warn(base)
	e, _ = e.Rejoin(base.Add(time.Minute))
	e, _ = e.Penalize(base.Add(time.Hour))

	e = e.Reset()
	if e.Phase() != PhaseClear {
		t.Errorf("reset should clear all enforcement state, got %s", e.Phase())
	}
	if e.Warned() || e.Rejoined() || e.Penalized() {
		t.Errorf("reset left marks set: %+v", e)
	}
}
