package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/cadence/internal/cadence"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Log      LogConfig
	Cadence  CadenceConfig
	Schedule ScheduleConfig
	Meeting  MeetingConfig
	Sweep    SweepConfig
	Executor ExecutorConfig
	Tracker  TrackerConfig
	SMTP     SMTPConfig
	Pushover PushoverConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

type CadenceConfig struct {
	// File is an optional YAML catalog; empty uses the built-in cadences.
	File  string
	Watch bool
}

type ScheduleConfig struct {
	WeekendPolicy string
}

type MeetingConfig struct {
	WeekendPolicy string
}

type SweepConfig struct {
	Interval   string
	Workers    int
	StaleAfter string
}

type ExecutorConfig struct {
	Timeout  string
	Adaptive bool
	AutoSend bool
}

type TrackerConfig struct {
	RecordDispatches bool
}

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type PushoverConfig struct {
	UserKey  string
	AppToken string
}

const (
	defaultSweepInterval   = time.Minute
	defaultStaleAfter      = 10 * time.Minute
	defaultExecutorTimeout = 30 * time.Second
)

func defaults() Config {
	return Config{
		Server:   ServerConfig{Port: 4100},
		Storage:  StorageConfig{DataDir: defaultDataDir()},
		Log:      LogConfig{Level: "info"},
		Schedule: ScheduleConfig{WeekendPolicy: string(cadence.WeekendNone)},
		Meeting:  MeetingConfig{WeekendPolicy: string(cadence.WeekendSkip)},
		Sweep: SweepConfig{
			Interval:   defaultSweepInterval.String(),
			Workers:    4,
			StaleAfter: defaultStaleAfter.String(),
		},
		Executor: ExecutorConfig{Timeout: defaultExecutorTimeout.String()},
		Tracker:  TrackerConfig{RecordDispatches: true},
		SMTP:     SMTPConfig{Port: 587},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/cadence/config.json, then applies CADENCE_* environment
// overrides. Secrets are only read from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values that would make the server misbehave.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid config: server.port %d out of range", c.Server.Port)
	}
	if c.Sweep.Workers < 1 {
		return fmt.Errorf("invalid config: sweep.workers must be >= 1, got %d", c.Sweep.Workers)
	}
	if c.StaleAfter() <= c.ExecutorTimeout() {
		return fmt.Errorf("invalid config: sweep.stale_after (%s) must exceed executor.timeout (%s)",
			c.StaleAfter(), c.ExecutorTimeout())
	}
	if _, err := cadence.ParseWeekendPolicy(c.Schedule.WeekendPolicy); err != nil {
		return fmt.Errorf("invalid config: schedule.weekend_policy: %w", err)
	}
	if _, err := cadence.ParseWeekendPolicy(c.Meeting.WeekendPolicy); err != nil {
		return fmt.Errorf("invalid config: meeting.weekend_policy: %w", err)
	}
	return nil
}

// SweepInterval returns sweep.interval, falling back to one minute.
func (c Config) SweepInterval() time.Duration {
	return parseDuration("sweep.interval", c.Sweep.Interval, defaultSweepInterval)
}

// StaleAfter returns sweep.stale_after, falling back to ten minutes.
func (c Config) StaleAfter() time.Duration {
	return parseDuration("sweep.stale_after", c.Sweep.StaleAfter, defaultStaleAfter)
}

// ExecutorTimeout returns executor.timeout, falling back to 30s.
func (c Config) ExecutorTimeout() time.Duration {
	return parseDuration("executor.timeout", c.Executor.Timeout, defaultExecutorTimeout)
}

func parseDuration(key, raw string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		slog.Warn("invalid duration, using default", "key", key, "value", raw, "default", def, "error", err)
		return def
	}
	return d
}
