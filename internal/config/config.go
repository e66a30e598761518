package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/SoarinFerret/ChannelWarden/internal/quota"
)

// Limit floors. Values below these are clamped, not rejected, so a sloppy
// config still yields a running daemon.
const (
	minDailyLimitMinutes   = 1.0
	minGraceMinutes        = 0.0
	minSweepIntervalSecs   = 5
	defaultDailyLimit      = 120.0
	defaultGraceMinutes    = 30.0
	defaultSweepInterval   = 60
	defaultDBPath          = "./channelwarden.db"
	defaultGracePolicyName = string(quota.GraceFromRejoin)
)

// ScopeConfig holds per-scope limit overrides. Unset fields fall back to
// the [default] table.
type ScopeConfig struct {
	DailyLimitMinutes *float64 `toml:"daily_limit_minutes"`
	GraceMinutes      *float64 `toml:"grace_minutes"`
}

// Config is the daemon configuration.
type Config struct {
	Default              ScopeConfig            `toml:"default"`
	Scopes               map[string]ScopeConfig `toml:"scopes"`
	SweepIntervalSeconds int                    `toml:"sweep_interval_seconds"`
	DBPath               string                 `toml:"db_path"`
	GracePolicy          string                 `toml:"grace_policy"`
}

// SetDefault fills unset values and clamps everything to the floors.
func (c *Config) SetDefault() {
	if c.Default.DailyLimitMinutes == nil {
		v := defaultDailyLimit
		c.Default.DailyLimitMinutes = &v
	}
	if c.Default.GraceMinutes == nil {
		v := defaultGraceMinutes
		c.Default.GraceMinutes = &v
	}
	if *c.Default.DailyLimitMinutes < minDailyLimitMinutes {
		*c.Default.DailyLimitMinutes = minDailyLimitMinutes
	}
	if *c.Default.GraceMinutes < minGraceMinutes {
		*c.Default.GraceMinutes = minGraceMinutes
	}
	if c.SweepIntervalSeconds == 0 {
		c.SweepIntervalSeconds = defaultSweepInterval
	}
	if c.SweepIntervalSeconds < minSweepIntervalSecs {
		c.SweepIntervalSeconds = minSweepIntervalSecs
	}
	if c.DBPath == "" {
		c.DBPath = defaultDBPath
	}
	if c.GracePolicy == "" {
		c.GracePolicy = defaultGracePolicyName
	}

	for id, sc := range c.Scopes {
		if sc.DailyLimitMinutes != nil && *sc.DailyLimitMinutes < minDailyLimitMinutes {
			*sc.DailyLimitMinutes = minDailyLimitMinutes
		}
		if sc.GraceMinutes != nil && *sc.GraceMinutes < minGraceMinutes {
			*sc.GraceMinutes = minGraceMinutes
		}
		c.Scopes[id] = sc
	}
}

// validate rejects values that cannot be clamped into shape.
func (c *Config) validate() error {
	switch quota.GracePolicy(c.GracePolicy) {
	case quota.GraceFromRejoin, quota.GraceFromWarning:
		return nil
	}
	return fmt.Errorf("invalid grace_policy %q: must be %q or %q",
		c.GracePolicy, quota.GraceFromRejoin, quota.GraceFromWarning)
}

// LimitsFor resolves the effective limits for a scope, applying any
// per-scope override on top of the defaults.
func (c *Config) LimitsFor(scope string) quota.Limits {
	lim := quota.Limits{
		DailyLimitMinutes: *c.Default.DailyLimitMinutes,
		GraceMinutes:      *c.Default.GraceMinutes,
		GracePolicy:       quota.GracePolicy(c.GracePolicy),
	}
	if sc, ok := c.Scopes[scope]; ok {
		if sc.DailyLimitMinutes != nil {
			lim.DailyLimitMinutes = *sc.DailyLimitMinutes
		}
		if sc.GraceMinutes != nil {
			lim.GraceMinutes = *sc.GraceMinutes
		}
	}
	return lim
}

// SweepInterval returns the sweep period as a duration.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSeconds) * time.Second
}

// LoadConfigFromFile reads and parses the config at path.
func LoadConfigFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes parses config from raw TOML.
func LoadConfigFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.SetDefault()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
