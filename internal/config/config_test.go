package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) *fileBackend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return newFileBackend(path)
}

// TestDefaults verifies all default values are applied when loading an empty config file.
func TestDefaults(t *testing.T) {
	cfg, err := loadWith(writeTempConfig(t, `{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want 4100", cfg.Server.Port)
	}
	if cfg.Schedule.WeekendPolicy != "none" {
		t.Errorf("Schedule.WeekendPolicy = %q, want none", cfg.Schedule.WeekendPolicy)
	}
	if cfg.Meeting.WeekendPolicy != "skip" {
		t.Errorf("Meeting.WeekendPolicy = %q, want skip", cfg.Meeting.WeekendPolicy)
	}
	if cfg.Sweep.Workers != 4 || cfg.SweepInterval() != time.Minute || cfg.StaleAfter() != 10*time.Minute {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if cfg.ExecutorTimeout() != 30*time.Second {
		t.Errorf("ExecutorTimeout = %v", cfg.ExecutorTimeout())
	}
	if !cfg.Tracker.RecordDispatches || cfg.Executor.AutoSend || cfg.Executor.Adaptive {
		t.Errorf("flags: tracker %+v executor %+v", cfg.Tracker, cfg.Executor)
	}
}

// TestFileParsing verifies that typed fields are read from the JSON file.
func TestFileParsing(t *testing.T) {
	b := writeTempConfig(t, `{
  "server.port": 5000,
  "storage.data_dir": "/tmp/cadence-test",
  "cadence.file": "/etc/cadence.yaml",
  "cadence.watch": true,
  "sweep.workers": "8",
  "sweep.interval": "30s",
  "executor.auto_send": "true",
  "smtp.host": "smtp.example.com",
  "smtp.password": "ignored-from-file"
}`)
	t.Setenv("CADENCE_SMTP_PASSWORD", "")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5000 || cfg.Storage.DataDir != "/tmp/cadence-test" {
		t.Errorf("server/storage = %+v %+v", cfg.Server, cfg.Storage)
	}
	if cfg.Cadence.File != "/etc/cadence.yaml" || !cfg.Cadence.Watch {
		t.Errorf("Cadence = %+v", cfg.Cadence)
	}
	if cfg.Sweep.Workers != 8 || cfg.SweepInterval() != 30*time.Second {
		t.Errorf("Sweep = %+v", cfg.Sweep)
	}
	if !cfg.Executor.AutoSend || cfg.SMTP.Host != "smtp.example.com" {
		t.Errorf("executor/smtp = %+v %+v", cfg.Executor, cfg.SMTP)
	}
	if cfg.SMTP.Password != "" {
		t.Error("secrets must not be read from the config file")
	}
}

// TestEnvOverride verifies that environment variables override config file values.
func TestEnvOverride(t *testing.T) {
	b := writeTempConfig(t, `{"server.port": 5000, "log.level": "info"}`)
	t.Setenv("CADENCE_SERVER_PORT", "6000")
	t.Setenv("CADENCE_LOG_LEVEL", "debug")
	t.Setenv("CADENCE_SMTP_PASSWORD", "hunter2")
	t.Setenv("CADENCE_EXECUTOR_ADAPTIVE", "yes-please")

	cfg, err := loadWith(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 6000 || cfg.Log.Level != "debug" {
		t.Errorf("Port = %d, Level = %q", cfg.Server.Port, cfg.Log.Level)
	}
	if cfg.SMTP.Password != "hunter2" {
		t.Errorf("SMTP.Password = %q", cfg.SMTP.Password)
	}
	if cfg.Executor.Adaptive {
		t.Error("unparseable bool should keep the default")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad port", `{"server.port": 70000}`, "server.port"},
		{"no workers", `{"sweep.workers": 0}`, "sweep.workers"},
		{"bad weekend policy", `{"schedule.weekend_policy": "sometimes"}`, "schedule.weekend_policy"},
		{"stale window below timeout", `{"sweep.stale_after": "20s"}`, "sweep.stale_after"},
		{"stale window equals timeout", `{"sweep.stale_after": "1m", "executor.timeout": "1m"}`, "sweep.stale_after"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := loadWith(writeTempConfig(t, tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestInvalidDurationFallsBack(t *testing.T) {
	cfg := defaults()
	cfg.Sweep.Interval = "soon"
	cfg.Executor.Timeout = "-5s"
	if cfg.SweepInterval() != time.Minute {
		t.Errorf("SweepInterval = %v", cfg.SweepInterval())
	}
	if cfg.ExecutorTimeout() != 30*time.Second {
		t.Errorf("ExecutorTimeout = %v", cfg.ExecutorTimeout())
	}
}

func TestSetKey(t *testing.T) {
	b := writeTempConfig(t, `{}`)

	if err := setKeyWith(b, "sweep.workers", "6"); err != nil {
		t.Fatalf("set int: %v", err)
	}
	if err := setKeyWith(b, "executor.auto_send", "TRUE"); err != nil {
		t.Fatalf("set bool: %v", err)
	}
	if err := setKeyWith(b, "sweep.workers", "many"); err == nil {
		t.Error("expected error for non-integer value")
	}
	if err := setKeyWith(b, "smtp.password", "x"); err == nil || !strings.Contains(err.Error(), "CADENCE_SMTP_PASSWORD") {
		t.Errorf("secret key: err = %v", err)
	}
	if err := setKeyWith(b, "nope", "x"); err == nil {
		t.Error("expected error for unknown key")
	}

	cfg, err := loadWith(newFileBackend(b.path))
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if cfg.Sweep.Workers != 6 || !cfg.Executor.AutoSend {
		t.Errorf("after SetKey: workers %d auto_send %v", cfg.Sweep.Workers, cfg.Executor.AutoSend)
	}
}

func TestShowAllSkipsSecrets(t *testing.T) {
	for _, k := range ShowAll(defaults()) {
		if k.Key == "smtp.password" || k.Key == "server.api_token" || k.Key == "pushover.app_token" {
			t.Errorf("ShowAll exposed secret %s", k.Key)
		}
	}
	if len(ValidKeys()) != len(ShowAll(defaults())) {
		t.Error("ValidKeys and ShowAll disagree")
	}
}

func TestAPIToken(t *testing.T) {
	f := secretFile{path: filepath.Join(t.TempDir(), "secrets.json")}

	first, err := apiTokenFrom(defaults(), f)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(first) != 64 {
		t.Errorf("token length = %d", len(first))
	}
	again, err := apiTokenFrom(defaults(), f)
	if err != nil || again != first {
		t.Errorf("second call = %q, %v; want the stored token", again, err)
	}

	cfg := defaults()
	cfg.Server.APIToken = "from-env"
	if got, _ := apiTokenFrom(cfg, f); got != "from-env" {
		t.Errorf("env token = %q", got)
	}
}
