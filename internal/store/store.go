// Package store manages SQLite persistence for presence intervals and
// usage cycles. WAL mode with a busy timeout keeps the daemon's two call
// sites (event handlers and the periodic sweep) from tripping over each
// other; every statement is individually atomic, which is all the
// single-writer engine needs.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/SoarinFerret/ChannelWarden/internal/quota"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// UserKey identifies one (scope, user) pair due for sweep evaluation.
type UserKey struct {
	Scope string
	User  string
}

// New opens (or creates) the database at path and migrates the schema.
func New(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS presence_intervals (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		scope        TEXT NOT NULL,
		user_id      TEXT NOT NULL,
		start_ms     INTEGER NOT NULL,
		end_ms       INTEGER,
		duration_min REAL NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_presence_user ON presence_intervals(scope, user_id);

	CREATE TABLE IF NOT EXISTS usage_cycles (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		scope           TEXT NOT NULL,
		user_id         TEXT NOT NULL,
		cycle_start_ms  INTEGER NOT NULL,
		minutes         REAL NOT NULL DEFAULT 0,
		bonus_min       REAL NOT NULL DEFAULT 0,
		warned_at_ms    INTEGER,
		rejoin_at_ms    INTEGER,
		penalized_at_ms INTEGER,
		UNIQUE(scope, user_id, cycle_start_ms)
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_user ON usage_cycles(scope, user_id);
	CREATE INDEX IF NOT EXISTS idx_cycles_start ON usage_cycles(cycle_start_ms);
	`
	_, err := s.db.Exec(schema)
	return err
}

// ---------------------------------------------------------------------------
// Presence intervals
// ---------------------------------------------------------------------------

// OpenInterval inserts a new open interval starting at t.
func (s *Store) OpenInterval(scope, user string, t time.Time) (*quota.PresenceInterval, error) {
	var id int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO presence_intervals (scope, user_id, start_ms) VALUES (?, ?, ?)`,
			scope, user, t.UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &quota.PresenceInterval{ID: id, Scope: scope, User: user, StartTime: msTime(t.UnixMilli())}, nil
}

// FindOpenInterval returns the open interval for (scope, user), or nil if
// none is open.
func (s *Store) FindOpenInterval(scope, user string) (*quota.PresenceInterval, error) {
	row := s.db.QueryRow(
		`SELECT id, scope, user_id, start_ms, end_ms, duration_min
		   FROM presence_intervals
		  WHERE scope = ? AND user_id = ? AND end_ms IS NULL
		  ORDER BY start_ms DESC LIMIT 1`,
		scope, user,
	)
	iv, err := scanInterval(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return iv, err
}

// CloseInterval marks the interval closed at end with the given duration.
func (s *Store) CloseInterval(id int64, end time.Time, minutes float64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE presence_intervals SET end_ms = ?, duration_min = ? WHERE id = ?`,
			end.UnixMilli(), minutes, id,
		)
		return err
	})
}

// ListOpenIntervals returns every interval still open, across all scopes.
// Used by startup recovery and by the sweep target query.
func (s *Store) ListOpenIntervals() ([]quota.PresenceInterval, error) {
	rows, err := s.db.Query(
		`SELECT id, scope, user_id, start_ms, end_ms, duration_min
		   FROM presence_intervals WHERE end_ms IS NULL ORDER BY id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []quota.PresenceInterval
	for rows.Next() {
		iv, err := scanInterval(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *iv)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Usage cycles
// ---------------------------------------------------------------------------

// LatestCycle returns the most recent cycle for (scope, user), or nil if
// the user has never accumulated usage.
func (s *Store) LatestCycle(scope, user string) (*quota.UsageCycle, error) {
	row := s.db.QueryRow(
		`SELECT id, scope, user_id, cycle_start_ms, minutes, bonus_min,
		        warned_at_ms, rejoin_at_ms, penalized_at_ms
		   FROM usage_cycles
		  WHERE scope = ? AND user_id = ?
		  ORDER BY cycle_start_ms DESC LIMIT 1`,
		scope, user,
	)
	c, err := scanCycle(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

// CreateCycle inserts a fresh cycle starting at t with zeroed accumulators.
func (s *Store) CreateCycle(scope, user string, t time.Time) (*quota.UsageCycle, error) {
	var id int64
	err := retryOnContention(func() error {
		res, err := s.db.Exec(
			`INSERT INTO usage_cycles (scope, user_id, cycle_start_ms) VALUES (?, ?, ?)`,
			scope, user, t.UnixMilli(),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &quota.UsageCycle{ID: id, Scope: scope, User: user, CycleStart: msTime(t.UnixMilli())}, nil
}

// EnsureActiveCycle returns the live cycle for (scope, user), creating a
// new one if none exists or the latest has expired. Old cycles are never
// deleted; only the newest is authoritative.
func (s *Store) EnsureActiveCycle(scope, user string, t time.Time) (*quota.UsageCycle, error) {
	c, err := s.LatestCycle(scope, user)
	if err != nil {
		return nil, err
	}
	if c == nil || c.Expired(t) {
		return s.CreateCycle(scope, user, t)
	}
	return c, nil
}

// AddUsage folds minutes into the cycle's accumulated total.
func (s *Store) AddUsage(cycleID int64, minutes float64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE usage_cycles SET minutes = minutes + ? WHERE id = ?`,
			minutes, cycleID,
		)
		return err
	})
}

// AddBonus adds administrator-granted minutes to the cycle's limit bonus.
func (s *Store) AddBonus(cycleID int64, minutes float64) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE usage_cycles SET bonus_min = bonus_min + ? WHERE id = ?`,
			minutes, cycleID,
		)
		return err
	})
}

// SetEnforcement persists the cycle's enforcement state. All three marks
// are written together so a partially applied transition can never be
// observed.
func (s *Store) SetEnforcement(cycleID int64, e quota.Enforcement) error {
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE usage_cycles SET warned_at_ms = ?, rejoin_at_ms = ?, penalized_at_ms = ? WHERE id = ?`,
			nullMs(e.WarnedAt), nullMs(e.RejoinAt), nullMs(e.PenalizedAt), cycleID,
		)
		return err
	})
}

// SweepTargets returns the union of users with an open interval and users
// whose latest cycle started within the last two windows, deduplicated.
func (s *Store) SweepTargets(t time.Time) ([]UserKey, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT scope, user_id FROM presence_intervals WHERE end_ms IS NULL
		 UNION
		 SELECT DISTINCT scope, user_id FROM usage_cycles WHERE cycle_start_ms >= ?`,
		t.Add(-2*quota.Window).UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserKey
	for rows.Next() {
		var k UserKey
		if err := rows.Scan(&k.Scope, &k.User); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Scanning
// ---------------------------------------------------------------------------

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInterval(r rowScanner) (*quota.PresenceInterval, error) {
	var iv quota.PresenceInterval
	var startMs int64
	var endMs sql.NullInt64
	if err := r.Scan(&iv.ID, &iv.Scope, &iv.User, &startMs, &endMs, &iv.DurationMinutes); err != nil {
		return nil, err
	}
	iv.StartTime = msTime(startMs)
	if endMs.Valid {
		iv.EndTime = msTime(endMs.Int64)
	}
	return &iv, nil
}

func scanCycle(r rowScanner) (*quota.UsageCycle, error) {
	var c quota.UsageCycle
	var startMs int64
	var warned, rejoin, penalized sql.NullInt64
	if err := r.Scan(&c.ID, &c.Scope, &c.User, &startMs, &c.AccumulatedMinutes,
		&c.BonusMinutes, &warned, &rejoin, &penalized); err != nil {
		return nil, err
	}
	c.CycleStart = msTime(startMs)
	c.Enforcement = quota.Enforcement{
		WarnedAt:    nullTime(warned),
		RejoinAt:    nullTime(rejoin),
		PenalizedAt: nullTime(penalized),
	}
	return &c, nil
}

func msTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func nullTime(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return msTime(v.Int64)
}

func nullMs(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
