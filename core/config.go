package core

import (
	"fmt"
	"strings"
	"time"
)

type AlertsConfig struct {
	BatchSize      int           `koanf:"batch_size" mapstructure:"batch_size"`
	MaxAttempts    int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `koanf:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff" mapstructure:"max_backoff"`
}

type Config struct {
	Source          string        `koanf:"source" mapstructure:"source"`
	MaxAttempts     int           `koanf:"max_attempts" mapstructure:"max_attempts"`
	StuckAfter      time.Duration `koanf:"stuck_after" mapstructure:"stuck_after"`
	HandlerTimeout  time.Duration `koanf:"handler_timeout" mapstructure:"handler_timeout"`
	ClassifyTimeout time.Duration `koanf:"classify_timeout" mapstructure:"classify_timeout"`
	AccountCacheTTL time.Duration `koanf:"account_cache_ttl" mapstructure:"account_cache_ttl"`
	Alerts          AlertsConfig  `koanf:"alerts" mapstructure:"alerts"`
}

func DefaultConfig() Config {
	return Config{
		Source:          "stripe",
		MaxAttempts:     5,
		StuckAfter:      5 * time.Minute,
		HandlerTimeout:  20 * time.Second,
		ClassifyTimeout: 5 * time.Second,
		AccountCacheTTL: time.Minute,
		Alerts: AlertsConfig{
			BatchSize:      50,
			MaxAttempts:    8,
			InitialBackoff: 5 * time.Second,
			MaxBackoff:     10 * time.Minute,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return fmt.Errorf("core: source is required")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("core: max_attempts must be greater than zero")
	}
	if c.StuckAfter <= 0 {
		return fmt.Errorf("core: stuck_after must be greater than zero")
	}
	if c.HandlerTimeout <= 0 {
		return fmt.Errorf("core: handler_timeout must be greater than zero")
	}
	if c.StuckAfter <= c.HandlerTimeout {
		return fmt.Errorf("core: stuck_after must exceed handler_timeout")
	}
	if c.ClassifyTimeout <= 0 {
		return fmt.Errorf("core: classify_timeout must be greater than zero")
	}
	if c.AccountCacheTTL < 0 {
		return fmt.Errorf("core: account_cache_ttl must not be negative")
	}
	if c.Alerts.BatchSize <= 0 {
		return fmt.Errorf("core: alerts.batch_size must be greater than zero")
	}
	if c.Alerts.MaxAttempts <= 0 {
		return fmt.Errorf("core: alerts.max_attempts must be greater than zero")
	}
	if c.Alerts.InitialBackoff <= 0 || c.Alerts.MaxBackoff < c.Alerts.InitialBackoff {
		return fmt.Errorf("core: alerts backoff window is invalid")
	}
	return nil
}

// Policy returns the reclaim thresholds the gatekeeper enforces.
func (c Config) Policy() Policy {
	return Policy{MaxAttempts: c.MaxAttempts, StuckAfter: c.StuckAfter}
}

type Policy struct {
	MaxAttempts int
	StuckAfter  time.Duration
}

func DefaultPolicy() Policy {
	return DefaultConfig().Policy()
}

func (p Policy) normalized() Policy {
	defaults := DefaultConfig()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaults.MaxAttempts
	}
	if p.StuckAfter <= 0 {
		p.StuckAfter = defaults.StuckAfter
	}
	return p
}
