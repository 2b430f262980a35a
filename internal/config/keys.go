package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "CADENCE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "CADENCE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CADENCE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "CADENCE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "cadence.file", typ: kString, env: "CADENCE_CADENCE_FILE",
		apply:   func(cfg *Config, v any) { cfg.Cadence.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Cadence.File },
	},
	{
		key: "cadence.watch", typ: kBool, env: "CADENCE_CADENCE_WATCH",
		apply:   func(cfg *Config, v any) { cfg.Cadence.Watch = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cadence.Watch },
	},
	{
		key: "schedule.weekend_policy", typ: kString, env: "CADENCE_SCHEDULE_WEEKEND_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Schedule.WeekendPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Schedule.WeekendPolicy },
	},
	{
		key: "meeting.weekend_policy", typ: kString, env: "CADENCE_MEETING_WEEKEND_POLICY",
		apply:   func(cfg *Config, v any) { cfg.Meeting.WeekendPolicy = v.(string) },
		extract: func(cfg Config) any { return cfg.Meeting.WeekendPolicy },
	},
	{
		key: "sweep.interval", typ: kString, env: "CADENCE_SWEEP_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Interval = v.(string) },
		extract: func(cfg Config) any { return cfg.Sweep.Interval },
	},
	{
		key: "sweep.workers", typ: kInt, env: "CADENCE_SWEEP_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Sweep.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Sweep.Workers },
	},
	{
		key: "sweep.stale_after", typ: kString, env: "CADENCE_SWEEP_STALE_AFTER",
		apply:   func(cfg *Config, v any) { cfg.Sweep.StaleAfter = v.(string) },
		extract: func(cfg Config) any { return cfg.Sweep.StaleAfter },
	},
	{
		key: "executor.timeout", typ: kString, env: "CADENCE_EXECUTOR_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Executor.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Executor.Timeout },
	},
	{
		key: "executor.adaptive", typ: kBool, env: "CADENCE_EXECUTOR_ADAPTIVE",
		apply:   func(cfg *Config, v any) { cfg.Executor.Adaptive = v.(bool) },
		extract: func(cfg Config) any { return cfg.Executor.Adaptive },
	},
	{
		key: "executor.auto_send", typ: kBool, env: "CADENCE_EXECUTOR_AUTO_SEND",
		apply:   func(cfg *Config, v any) { cfg.Executor.AutoSend = v.(bool) },
		extract: func(cfg Config) any { return cfg.Executor.AutoSend },
	},
	{
		key: "tracker.record_dispatches", typ: kBool, env: "CADENCE_TRACKER_RECORD_DISPATCHES",
		apply:   func(cfg *Config, v any) { cfg.Tracker.RecordDispatches = v.(bool) },
		extract: func(cfg Config) any { return cfg.Tracker.RecordDispatches },
	},
	{
		key: "smtp.host", typ: kString, env: "CADENCE_SMTP_HOST",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Host },
	},
	{
		key: "smtp.port", typ: kInt, env: "CADENCE_SMTP_PORT",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.SMTP.Port },
	},
	{
		key: "smtp.username", typ: kString, env: "CADENCE_SMTP_USERNAME",
		apply:   func(cfg *Config, v any) { cfg.SMTP.Username = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Username },
	},
	{
		key: "smtp.password", typ: kString, env: "CADENCE_SMTP_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.SMTP.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.Password },
	},
	{
		key: "smtp.from", typ: kString, env: "CADENCE_SMTP_FROM",
		apply:   func(cfg *Config, v any) { cfg.SMTP.From = v.(string) },
		extract: func(cfg Config) any { return cfg.SMTP.From },
	},
	{
		key: "pushover.user_key", typ: kString, env: "CADENCE_PUSHOVER_USER_KEY",
		apply:   func(cfg *Config, v any) { cfg.Pushover.UserKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Pushover.UserKey },
	},
	{
		key: "pushover.app_token", typ: kString, env: "CADENCE_PUSHOVER_APP_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Pushover.AppToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Pushover.AppToken },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
