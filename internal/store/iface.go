// iface.go defines the Interface the engine depends on, so tests can swap
// in a failing or instrumented store without a database.
package store

import (
	"time"

	"github.com/SoarinFerret/ChannelWarden/internal/quota"
)

// Interface is the full set of store operations used by the engine and the
// control service. The concrete *Store type implements it.
type Interface interface {
	Close() error

	// --- Presence intervals ---

	// OpenInterval inserts a new open interval starting at t.
	OpenInterval(scope, user string, t time.Time) (*quota.PresenceInterval, error)

	// FindOpenInterval returns the open interval for (scope, user), nil if none.
	FindOpenInterval(scope, user string) (*quota.PresenceInterval, error)

	// CloseInterval marks an interval closed with its final duration.
	CloseInterval(id int64, end time.Time, minutes float64) error

	// ListOpenIntervals returns every open interval across all scopes.
	ListOpenIntervals() ([]quota.PresenceInterval, error)

	// --- Usage cycles ---

	// LatestCycle returns the most recent cycle for (scope, user), nil if none.
	LatestCycle(scope, user string) (*quota.UsageCycle, error)

	// CreateCycle inserts a fresh cycle starting at t.
	CreateCycle(scope, user string, t time.Time) (*quota.UsageCycle, error)

	// EnsureActiveCycle returns the live cycle, creating one if absent or expired.
	EnsureActiveCycle(scope, user string, t time.Time) (*quota.UsageCycle, error)

	// AddUsage folds minutes into the cycle's accumulated total.
	AddUsage(cycleID int64, minutes float64) error

	// AddBonus adds granted minutes to the cycle's limit bonus.
	AddBonus(cycleID int64, minutes float64) error

	// SetEnforcement persists the enforcement state atomically.
	SetEnforcement(cycleID int64, e quota.Enforcement) error

	// SweepTargets returns the users due for sweep evaluation at t.
	SweepTargets(t time.Time) ([]UserKey, error)
}

// Compile-time check that *Store implements Interface.
var _ Interface = (*Store)(nil)
