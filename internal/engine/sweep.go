package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/SoarinFerret/ChannelWarden/internal/quota"
)

// Run starts the periodic sweep and blocks until ctx is cancelled. A sweep
// runs immediately on start, then at the configured interval. A failed
// tick is logged and retried on the next tick; durable state is never
// lost by aborting mid-iteration.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval())
	defer ticker.Stop()

	log.Println("Enforcement engine started - sweeping usage cycles...")

	if err := e.Sweep(ctx); err != nil {
		log.Printf("sweep failed: %v", err)
	}
	for {
		select {
		case <-ctx.Done():
			log.Println("Enforcement engine shutting down...")
			return nil
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				log.Printf("sweep failed: %v", err)
			}
		}
	}
}

// Sweep re-derives enforcement decisions for every user with an open
// interval or a cycle started within the last two windows. Running it
// twice with no state change produces no duplicate transitions; it exists
// precisely so that missed or reordered events self-heal within one
// interval.
func (e *Engine) Sweep(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.clock.Now()

	targets, err := e.store.SweepTargets(t)
	if err != nil {
		return fmt.Errorf("sweep targets: %w", err)
	}
	for _, k := range targets {
		// A storage failure aborts the tick; actuator failures inside
		// evaluate are logged per-user and never stop the iteration.
		if err := e.evaluate(ctx, k.Scope, k.User, t); err != nil {
			return fmt.Errorf("evaluate %s/%s: %w", k.Scope, k.User, err)
		}
	}
	return nil
}

// evaluate runs the enforcement state machine for one user. The hard-lock
// check comes first: a previously penalized user who reconnected must be
// re-ejected without re-running the warn sequence.
func (e *Engine) evaluate(ctx context.Context, scope, user string, t time.Time) error {
	cycle, err := e.store.EnsureActiveCycle(scope, user, t)
	if err != nil {
		return err
	}
	open, err := e.store.FindOpenInterval(scope, user)
	if err != nil {
		return err
	}
	present := open != nil
	lim := e.cfg.LimitsFor(scope)

	// 1. Hard-locked and present: heal a missed grace expiry, then eject.
	// Re-penalizing is a no-op at the actuator boundary.
	if present && quota.IsHardLocked(cycle, open, lim, t) {
		if !cycle.Enforcement.Penalized() && quota.GraceExpired(cycle.Enforcement, lim, t) {
			enf, err := cycle.Enforcement.Penalize(t)
			if err != nil {
				return err
			}
			if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
				return err
			}
			cycle.Enforcement = enf
			e.notify(ctx, user,
				"Your usage limit is exhausted. Access is restricted until the cycle resets.")
		}
		limit := cycle.EffectiveLimit(lim.DailyLimitMinutes)
		log.Printf("sweep: hard-locked user present, ejecting: scope=%s user=%s total=%.1f limit=%.1f",
			scope, user, quota.LiveTotal(cycle, open, t), limit)
		e.remove(ctx, scope, user)
		e.penalize(ctx, scope, user, lim, limit)
		return nil
	}

	total := quota.LiveTotal(cycle, open, t)
	limit := cycle.EffectiveLimit(lim.DailyLimitMinutes)

	// 2. Limit reached, not yet warned: the only transition that fires
	// the first removal.
	if total >= limit && !cycle.Enforcement.Warned() {
		enf, err := cycle.Enforcement.Warn(t)
		if err != nil {
			return err
		}
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return err
		}
		log.Printf("sweep: limit reached, warning and removing: scope=%s user=%s total=%.1f limit=%.1f",
			scope, user, total, limit)
		e.notify(ctx, user, fmt.Sprintf(
			"You have used more than %.0f minutes. You are being removed now. "+
				"You may re-enter, but staying longer than %.0f minutes after re-entry triggers a penalty.",
			limit, lim.GraceMinutes))
		e.remove(ctx, scope, user)
		return nil
	}

	// 3. Warned, present, rejoin not recorded: the enter event was missed
	// (downtime, delivery gap) — backfill the rejoin mark.
	if lim.GracePolicy == quota.GraceFromRejoin &&
		cycle.Enforcement.Phase() == quota.PhaseWarned && present {
		enf, err := cycle.Enforcement.Rejoin(t)
		if err != nil {
			return err
		}
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return err
		}
		log.Printf("sweep: rejoin mark backfilled: scope=%s user=%s", scope, user)
		return nil
	}

	// 4. Grace expired while present: remove, penalize, confirm.
	if present && !cycle.Enforcement.Penalized() && quota.GraceExpired(cycle.Enforcement, lim, t) {
		enf, err := cycle.Enforcement.Penalize(t)
		if err != nil {
			return err
		}
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return err
		}
		log.Printf("sweep: grace expired, penalizing: scope=%s user=%s", scope, user)
		e.notify(ctx, user,
			"Your usage limit is exhausted. Access is restricted until the cycle resets.")
		e.remove(ctx, scope, user)
		e.penalize(ctx, scope, user, lim, limit)
		return nil
	}

	return nil
}
