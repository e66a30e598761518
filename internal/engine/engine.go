// Package engine drives quota enforcement: it turns platform presence
// events and the periodic sweep into store mutations and actuator calls.
// It is the single logical writer — the event handlers, the sweep and the
// admin operations all serialize on one mutex, so no two call sites ever
// mutate the same record concurrently.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/SoarinFerret/ChannelWarden/internal/clock"
	"github.com/SoarinFerret/ChannelWarden/internal/config"
	"github.com/SoarinFerret/ChannelWarden/internal/quota"
	"github.com/SoarinFerret/ChannelWarden/internal/store"
)

// Engine reconciles usage cycles against the quota policy and invokes the
// Actuator on threshold crossings.
type Engine struct {
	store store.Interface
	act   Actuator
	cfg   *config.Config
	clock clock.Clock
	mu    sync.Mutex
}

// New creates an engine. The actuator is the only path to the platform;
// the engine never reaches for ambient connection state.
func New(st store.Interface, act Actuator, cfg *config.Config, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	return &Engine{store: st, act: act, cfg: cfg, clock: clk}
}

// OnEnter handles a user entering a tracked channel. It returns false when
// the user is hard-locked and was ejected instead of admitted. Storage
// errors are returned; actuator failures are logged and swallowed.
func (e *Engine) OnEnter(ctx context.Context, scope, user string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.clock.Now()

	cycle, err := e.store.EnsureActiveCycle(scope, user, t)
	if err != nil {
		return false, fmt.Errorf("ensure cycle: %w", err)
	}
	open, err := e.store.FindOpenInterval(scope, user)
	if err != nil {
		return false, fmt.Errorf("find open interval: %w", err)
	}
	lim := e.cfg.LimitsFor(scope)

	if quota.IsHardLocked(cycle, open, lim, t) {
		admitted, err := e.guardHardLock(ctx, cycle, open, lim, t)
		if err != nil {
			return false, err
		}
		if !admitted {
			return false, nil
		}
		// Unlocked by bonus: enforcement was reset, fall through to a
		// normal entry.
	}

	if open == nil {
		if _, err := e.store.OpenInterval(scope, user, t); err != nil {
			return false, fmt.Errorf("open interval: %w", err)
		}
	}

	// The grace timer starts on the first post-warning entry, not at the
	// warning itself (unless the warning-anchored policy is configured).
	if lim.GracePolicy == quota.GraceFromRejoin && cycle.Enforcement.Phase() == quota.PhaseWarned {
		enf, err := cycle.Enforcement.Rejoin(t)
		if err != nil {
			return false, err
		}
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return false, fmt.Errorf("set enforcement: %w", err)
		}
		cycle.Enforcement = enf
		log.Printf("rejoin after warning: scope=%s user=%s", scope, user)
	}
	return true, nil
}

// guardHardLock handles entry by a hard-locked user: self-heal a missed
// grace-expiry transition, detect an unlock earned by a bonus granted
// since the lock, and otherwise eject. Returns true if the user may enter
// after all.
func (e *Engine) guardHardLock(ctx context.Context, cycle *quota.UsageCycle, open *quota.PresenceInterval, lim quota.Limits, t time.Time) (bool, error) {
	if !cycle.Enforcement.Penalized() && quota.GraceExpired(cycle.Enforcement, lim, t) {
		enf, err := cycle.Enforcement.Penalize(t)
		if err != nil {
			return false, err
		}
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return false, fmt.Errorf("set enforcement: %w", err)
		}
		cycle.Enforcement = enf
		log.Printf("missed grace expiry healed: scope=%s user=%s", cycle.Scope, cycle.User)
		e.notify(ctx, cycle.User,
			"Your usage limit is exhausted. Access is restricted until the cycle resets.")
	}

	total := quota.LiveTotal(cycle, open, t)
	limit := cycle.EffectiveLimit(lim.DailyLimitMinutes)
	if total < limit {
		enf := cycle.Enforcement.Reset()
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return false, fmt.Errorf("set enforcement: %w", err)
		}
		cycle.Enforcement = enf
		log.Printf("hard lock released by bonus: scope=%s user=%s total=%.1f limit=%.1f",
			cycle.Scope, cycle.User, total, limit)
		return true, nil
	}

	log.Printf("hard-locked entry reversed: scope=%s user=%s total=%.1f limit=%.1f",
		cycle.Scope, cycle.User, total, limit)
	e.remove(ctx, cycle.Scope, cycle.User)
	e.penalize(ctx, cycle.Scope, cycle.User, lim, limit)
	return false, nil
}

// OnExit handles a user leaving a tracked channel: close the open interval
// and fold the window-clipped duration into the active cycle. A missing
// open interval (missed enter event) is a no-op.
func (e *Engine) OnExit(ctx context.Context, scope, user string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeAndFold(scope, user, e.clock.Now())
}

func (e *Engine) closeAndFold(scope, user string, t time.Time) error {
	open, err := e.store.FindOpenInterval(scope, user)
	if err != nil {
		return fmt.Errorf("find open interval: %w", err)
	}
	if open == nil {
		return nil
	}

	minutes := t.Sub(open.StartTime).Minutes()
	if minutes < 0 {
		minutes = 0
	}
	if err := e.store.CloseInterval(open.ID, t, minutes); err != nil {
		return fmt.Errorf("close interval: %w", err)
	}

	cycle, err := e.store.EnsureActiveCycle(scope, user, t)
	if err != nil {
		return fmt.Errorf("ensure cycle: %w", err)
	}
	if add := quota.ClippedMinutes(cycle, open.StartTime, t); add > 0 {
		if err := e.store.AddUsage(cycle.ID, add); err != nil {
			return fmt.Errorf("add usage: %w", err)
		}
	}
	return nil
}

// RecoverStartup closes every interval left open by the previous run,
// crediting its clipped duration, so the first sweep starts from a
// consistent state. Currently-present users are re-announced through
// OnEnter by the bridge afterwards.
func (e *Engine) RecoverStartup(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.clock.Now()

	stale, err := e.store.ListOpenIntervals()
	if err != nil {
		return fmt.Errorf("list open intervals: %w", err)
	}
	for _, iv := range stale {
		if err := e.closeAndFold(iv.Scope, iv.User, t); err != nil {
			return err
		}
		log.Printf("recovered stale interval: scope=%s user=%s start=%s", iv.Scope, iv.User, iv.StartTime)
	}
	return nil
}

// Status is the read-only view of a user's live quota position.
type Status struct {
	Scope              string    `json:"scope"`
	User               string    `json:"user"`
	AccumulatedMinutes float64   `json:"accumulated_minutes"`
	BaseLimitMinutes   float64   `json:"base_limit_minutes"`
	BonusMinutes       float64   `json:"bonus_minutes"`
	EffectiveLimit     float64   `json:"effective_limit"`
	RemainingMinutes   float64   `json:"remaining_minutes"`
	CycleEndsAt        time.Time `json:"cycle_ends_at"`
	Phase              string    `json:"phase"`
}

// GetStatus reports the user's live totals, reflecting any in-progress
// session.
func (e *Engine) GetStatus(scope, user string) (*Status, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.clock.Now()

	cycle, err := e.store.EnsureActiveCycle(scope, user, t)
	if err != nil {
		return nil, fmt.Errorf("ensure cycle: %w", err)
	}
	open, err := e.store.FindOpenInterval(scope, user)
	if err != nil {
		return nil, fmt.Errorf("find open interval: %w", err)
	}
	lim := e.cfg.LimitsFor(scope)

	total := quota.LiveTotal(cycle, open, t)
	limit := cycle.EffectiveLimit(lim.DailyLimitMinutes)
	remaining := limit - total
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Scope:              scope,
		User:               user,
		AccumulatedMinutes: total,
		BaseLimitMinutes:   lim.DailyLimitMinutes,
		BonusMinutes:       cycle.BonusMinutes,
		EffectiveLimit:     limit,
		RemainingMinutes:   remaining,
		CycleEndsAt:        cycle.WindowEnd(),
		Phase:              cycle.Enforcement.Phase().String(),
	}, nil
}

// GrantBonus adds minutes to the active cycle's limit bonus. If the grant
// brings the live total back under the effective limit, all enforcement
// state is reset and the user is notified of the unlock. Returns the
// updated status and whether an unlock happened.
func (e *Engine) GrantBonus(ctx context.Context, scope, user string, minutes int) (*Status, bool, error) {
	if minutes <= 0 {
		return nil, false, fmt.Errorf("bonus minutes must be a positive integer, got %d", minutes)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.clock.Now()

	cycle, err := e.store.EnsureActiveCycle(scope, user, t)
	if err != nil {
		return nil, false, fmt.Errorf("ensure cycle: %w", err)
	}
	if err := e.store.AddBonus(cycle.ID, float64(minutes)); err != nil {
		return nil, false, fmt.Errorf("add bonus: %w", err)
	}
	cycle.BonusMinutes += float64(minutes)

	open, err := e.store.FindOpenInterval(scope, user)
	if err != nil {
		return nil, false, fmt.Errorf("find open interval: %w", err)
	}
	lim := e.cfg.LimitsFor(scope)
	total := quota.LiveTotal(cycle, open, t)
	limit := cycle.EffectiveLimit(lim.DailyLimitMinutes)

	unlocked := false
	if total < limit && cycle.Enforcement.Phase() != quota.PhaseClear {
		enf := cycle.Enforcement.Reset()
		if err := e.store.SetEnforcement(cycle.ID, enf); err != nil {
			return nil, false, fmt.Errorf("set enforcement: %w", err)
		}
		cycle.Enforcement = enf
		unlocked = true
		log.Printf("bonus grant unlocked user: scope=%s user=%s bonus=%d limit=%.1f total=%.1f",
			scope, user, minutes, limit, total)
		e.notify(ctx, user, fmt.Sprintf(
			"An administrator granted you %d bonus minutes. Your access has been restored.", minutes))
	} else {
		log.Printf("bonus granted: scope=%s user=%s bonus=%d limit=%.1f total=%.1f",
			scope, user, minutes, limit, total)
	}

	remaining := limit - total
	if remaining < 0 {
		remaining = 0
	}
	return &Status{
		Scope:              scope,
		User:               user,
		AccumulatedMinutes: total,
		BaseLimitMinutes:   lim.DailyLimitMinutes,
		BonusMinutes:       cycle.BonusMinutes,
		EffectiveLimit:     limit,
		RemainingMinutes:   remaining,
		CycleEndsAt:        cycle.WindowEnd(),
		Phase:              cycle.Enforcement.Phase().String(),
	}, unlocked, nil
}

// remove calls the actuator's forced removal, logging failures instead of
// propagating them.
func (e *Engine) remove(ctx context.Context, scope, user string) {
	if err := e.act.ForceRemove(ctx, scope, user); err != nil {
		log.Printf("force remove failed: scope=%s user=%s err=%v", scope, user, err)
	}
}

// penalize applies the persistent restriction, logging failures.
func (e *Engine) penalize(ctx context.Context, scope, user string, lim quota.Limits, limit float64) {
	reason := fmt.Sprintf("limit %.0f min + grace %.0f min exhausted", limit, lim.GraceMinutes)
	if err := e.act.Penalize(ctx, scope, user, reason); err != nil {
		log.Printf("penalize failed: scope=%s user=%s err=%v", scope, user, err)
	}
}

// notify is fire-and-forget.
func (e *Engine) notify(ctx context.Context, user, message string) {
	if err := e.act.Notify(ctx, user, message); err != nil {
		log.Printf("notify failed: user=%s err=%v", user, err)
	}
}
