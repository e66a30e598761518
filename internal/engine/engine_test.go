package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/SoarinFerret/ChannelWarden/internal/clock"
	"github.com/SoarinFerret/ChannelWarden/internal/config"
	"github.com/SoarinFerret/ChannelWarden/internal/quota"
	"github.com/SoarinFerret/ChannelWarden/internal/store"
)

type fakeActuator struct {
	mu           sync.Mutex
	removed      []string
	penalized    []string
	notified     []string
	failRemove   bool
	failPenalize bool
}

func key(scope, user string) string { return fmt.Sprintf("%s/%s", scope, user) }

func (f *fakeActuator) ForceRemove(ctx context.Context, scope, user string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, key(scope, user))
	if f.failRemove {
		return errors.New("missing move permission")
	}
	return nil
}

func (f *fakeActuator) Penalize(ctx context.Context, scope, user, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.penalized = append(f.penalized, key(scope, user))
	if f.failPenalize {
		return errors.New("missing role permission")
	}
	return nil
}

func (f *fakeActuator) Notify(ctx context.Context, user, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notified = append(f.notified, user)
	return nil
}

func (f *fakeActuator) counts() (removed, penalized, notified int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.removed), len(f.penalized), len(f.notified)
}

var startTime = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func testEngine(t *testing.T, tomlData string) (*Engine, *fakeActuator, *clock.Fake, *store.Store) {
	t.Helper()
	cfg, err := config.LoadConfigFromBytes([]byte(tomlData))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	st, err := store.New(filepath.Join(t.TempDir(), "warden.db"))
	if err != nil {
		t.Fatalf("store open failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	clk := clock.NewFake(startTime)
	act := &fakeActuator{}
	return New(st, act, cfg, clk), act, clk, st
}

func TestRoundTrip(t *testing.T) {
	eng, _, clk, st := testEngine(t, "")
	ctx := context.Background()

	admitted, err := eng.OnEnter(ctx, "guild1", "alice")
	assert.NoError(t, err)
	assert.True(t, admitted)

	clk.Advance(47 * time.Minute)
	assert.NoError(t, eng.OnExit(ctx, "guild1", "alice"))

	cycle, err := st.LatestCycle("guild1", "alice")
	assert.NoError(t, err)
	assert.InDelta(t, 47, cycle.AccumulatedMinutes, 1e-9)

	open, err := st.FindOpenInterval("guild1", "alice")
	assert.NoError(t, err)
	assert.Nil(t, open, "no interval should remain open after exit")
}

func TestOnEnterIdempotent(t *testing.T) {
	eng, _, _, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	eng.OnEnter(ctx, "guild1", "alice")

	open, err := st.ListOpenIntervals()
	assert.NoError(t, err)
	assert.Len(t, open, 1, "a duplicate enter must not open a second interval")
}

func TestOnExitWithoutOpenInterval(t *testing.T) {
	eng, _, _, st := testEngine(t, "")

	// missed enter event: exit is a no-op, not an error
	assert.NoError(t, eng.OnExit(context.Background(), "guild1", "ghost"))
	cycle, err := st.LatestCycle("guild1", "ghost")
	assert.NoError(t, err)
	assert.Nil(t, cycle)
}

func TestStatusReflectsOpenSession(t *testing.T) {
	eng, _, clk, _ := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(5 * time.Minute)

	st, err := eng.GetStatus("guild1", "alice")
	assert.NoError(t, err)
	assert.InDelta(t, 5, st.AccumulatedMinutes, 1e-9)
	assert.InDelta(t, 115, st.RemainingMinutes, 1e-9)
	assert.Equal(t, 120.0, st.EffectiveLimit)
	assert.Equal(t, "clear", st.Phase)
	assert.True(t, st.CycleEndsAt.Equal(startTime.Add(quota.Window)))
}

// Scenario: a user exhausts the limit while connected, re-enters after the
// warning removal, and overstays the grace period.
func TestWarnGracePenaltySequence(t *testing.T) {
	eng, act, clk, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")

	// one minute short of the limit: nothing happens
	clk.Advance(119 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	removed, penalized, notified := act.counts()
	assert.Zero(t, removed+penalized+notified)

	// limit reached: warn, notify, first removal
	clk.Advance(1 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	removed, penalized, notified = act.counts()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, penalized)
	assert.Equal(t, 1, notified)

	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseWarned, cycle.Enforcement.Phase())

	// the platform delivers the exit caused by the removal
	assert.NoError(t, eng.OnExit(ctx, "guild1", "alice"))

	// re-entry is allowed and starts the grace timer
	admitted, err := eng.OnEnter(ctx, "guild1", "alice")
	assert.NoError(t, err)
	assert.True(t, admitted)
	cycle, _ = st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseRejoined, cycle.Enforcement.Phase())

	// still inside grace: no action
	clk.Advance(29 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	removed, penalized, _ = act.counts()
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, penalized)

	// grace exhausted: remove, penalize, confirm the penalty
	clk.Advance(1 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	removed, penalized, notified = act.counts()
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, penalized)
	assert.Equal(t, 2, notified)

	cycle, _ = st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhasePenalized, cycle.Enforcement.Phase())

	// a penalized user re-entering is ejected without a new warn sequence
	assert.NoError(t, eng.OnExit(ctx, "guild1", "alice"))
	admitted, err = eng.OnEnter(ctx, "guild1", "alice")
	assert.NoError(t, err)
	assert.False(t, admitted)
	removed, penalized, _ = act.counts()
	assert.Equal(t, 3, removed)
	assert.Equal(t, 2, penalized)
}

// Scenario: a bonus granted between warning and penalty lifts the limit,
// resets the enforcement state and prevents any penalty.
func TestBonusGrantUnlocksAfterWarning(t *testing.T) {
	eng, act, clk, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(120 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseWarned, cycle.Enforcement.Phase())

	// the user stays connected; an admin grants 60 minutes at minute 125
	clk.Advance(5 * time.Minute)
	status, unlocked, err := eng.GrantBonus(ctx, "guild1", "alice", 60)
	assert.NoError(t, err)
	assert.True(t, unlocked)
	assert.Equal(t, 180.0, status.EffectiveLimit)
	assert.InDelta(t, 125, status.AccumulatedMinutes, 1e-9)
	assert.Equal(t, "clear", status.Phase)

	// no penalty ever fires
	clk.Advance(40 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	_, penalized, _ := act.counts()
	assert.Zero(t, penalized)

	cycle, _ = st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseClear, cycle.Enforcement.Phase())
}

// Scenario: the cycle window rolls over and nothing carries across —
// not usage, not bonus, not penalties.
func TestCycleRollover(t *testing.T) {
	eng, _, clk, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(60 * time.Minute)
	eng.OnExit(ctx, "guild1", "alice")
	eng.GrantBonus(ctx, "guild1", "alice", 30)

	old, _ := st.LatestCycle("guild1", "alice")

	clk.Set(startTime.Add(quota.Window + time.Millisecond))
	status, err := eng.GetStatus("guild1", "alice")
	assert.NoError(t, err)
	assert.Zero(t, status.AccumulatedMinutes)
	assert.Zero(t, status.BonusMinutes)
	assert.Equal(t, 120.0, status.EffectiveLimit)
	assert.Equal(t, "clear", status.Phase)

	fresh, _ := st.LatestCycle("guild1", "alice")
	assert.NotEqual(t, old.ID, fresh.ID)
}

// Scenario: restart with an interval left open from ten minutes ago. The
// recovery closes it crediting the time, and the re-announced presence
// opens a fresh interval.
func TestStartupRecovery(t *testing.T) {
	eng, _, clk, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(10 * time.Minute)

	// simulate a restart: a new engine over the same store and clock
	cfg, _ := config.LoadConfigFromBytes([]byte(""))
	restarted := New(st, &fakeActuator{}, cfg, clk)
	assert.NoError(t, restarted.RecoverStartup(ctx))

	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.InDelta(t, 10, cycle.AccumulatedMinutes, 1e-9)
	open, _ := st.FindOpenInterval("guild1", "alice")
	assert.Nil(t, open, "recovery must close the stale interval")

	// the bridge re-announces the still-present user
	admitted, err := restarted.OnEnter(ctx, "guild1", "alice")
	assert.NoError(t, err)
	assert.True(t, admitted)
	open, _ = st.FindOpenInterval("guild1", "alice")
	if assert.NotNil(t, open) {
		assert.True(t, open.StartTime.Equal(clk.Now()))
	}
}

func TestSweepIdempotent(t *testing.T) {
	eng, act, clk, _ := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(120 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))
	eng.OnExit(ctx, "guild1", "alice")

	removedBefore, penalizedBefore, notifiedBefore := act.counts()

	// no state change between sweeps: no duplicate actuator calls
	assert.NoError(t, eng.Sweep(ctx))
	assert.NoError(t, eng.Sweep(ctx))

	removed, penalized, notified := act.counts()
	assert.Equal(t, removedBefore, removed)
	assert.Equal(t, penalizedBefore, penalized)
	assert.Equal(t, notifiedBefore, notified)
}

// The sweep backfills the rejoin mark when the enter event was missed.
func TestSweepBackfillsRejoin(t *testing.T) {
	eng, _, clk, st := testEngine(t, "")
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(120 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	// the user never left (removal failed or events were dropped)
	clk.Advance(1 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseRejoined, cycle.Enforcement.Phase())
}

func TestGrantBonusRejectsNonPositive(t *testing.T) {
	eng, _, _, st := testEngine(t, "")
	ctx := context.Background()

	for _, minutes := range []int{0, -5} {
		_, _, err := eng.GrantBonus(ctx, "guild1", "alice", minutes)
		assert.Error(t, err, "minutes=%d must be rejected", minutes)
	}

	// no mutation happened
	cycle, err := st.LatestCycle("guild1", "alice")
	assert.NoError(t, err)
	assert.Nil(t, cycle)
}

func TestActuatorFailureDoesNotAbortSweep(t *testing.T) {
	eng, act, clk, st := testEngine(t, "")
	act.failRemove = true
	act.failPenalize = true
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(120 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx), "actuator failures must not fail the tick")

	// the enforcement state is recorded even though the removal failed,
	// so the next tick does not re-run the warn transition
	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseWarned, cycle.Enforcement.Phase())
}

func TestWarningAnchoredGracePolicy(t *testing.T) {
	eng, act, clk, st := testEngine(t, `grace_policy = "warning"`)
	ctx := context.Background()

	eng.OnEnter(ctx, "guild1", "alice")
	clk.Advance(120 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	cycle, _ := st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhaseWarned, cycle.Enforcement.Phase())

	// the user stays connected; grace counts from the warning itself and
	// no rejoin mark is ever recorded
	clk.Advance(30 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	cycle, _ = st.LatestCycle("guild1", "alice")
	assert.Equal(t, quota.PhasePenalized, cycle.Enforcement.Phase())
	assert.False(t, cycle.Enforcement.Rejoined())
	_, penalized, _ := act.counts()
	assert.Equal(t, 1, penalized)
}

func TestPerScopeLimits(t *testing.T) {
	eng, act, clk, st := testEngine(t, `
[scopes.strict]
daily_limit_minutes = 10.0
`)
	ctx := context.Background()

	eng.OnEnter(ctx, "strict", "alice")
	eng.OnEnter(ctx, "lenient", "alice")
	clk.Advance(10 * time.Minute)
	assert.NoError(t, eng.Sweep(ctx))

	strictCycle, _ := st.LatestCycle("strict", "alice")
	assert.Equal(t, quota.PhaseWarned, strictCycle.Enforcement.Phase())
	lenientCycle, _ := st.LatestCycle("lenient", "alice")
	assert.Equal(t, quota.PhaseClear, lenientCycle.Enforcement.Phase())

	removed, _, _ := act.counts()
	assert.Equal(t, 1, removed)
}
