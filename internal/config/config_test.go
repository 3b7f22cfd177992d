package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	content := `
feed:
  api_url: "https://example.com"
  poll_interval: 1m
  limit: 200

detector:
  z_min: 1.5
  dr_min: 0.6
  h_min: 2.0
  weights:
    z: 2.0
    d: 1.0
    b: 0.5
  clustering_horizon: 15m
  history_retention: 128

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true

storage:
  db_path: "./data/test.db"
  max_bet_age: 72h

logging:
  level: "debug"
  format: "text"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feed.PollInterval != time.Minute {
		t.Errorf("unexpected poll interval: %v", cfg.Feed.PollInterval)
	}
	if cfg.Feed.Limit != 200 {
		t.Errorf("unexpected limit: %d", cfg.Feed.Limit)
	}
	if cfg.Detector.ZMin != 1.5 || cfg.Detector.DRMin != 0.6 || cfg.Detector.HMin != 2.0 {
		t.Errorf("unexpected thresholds: %+v", cfg.Detector)
	}
	if cfg.Detector.Weights.Z != 2.0 || cfg.Detector.Weights.B != 0.5 {
		t.Errorf("unexpected weights: %+v", cfg.Detector.Weights)
	}
	if cfg.Detector.ClusteringHorizon != 15*time.Minute {
		t.Errorf("unexpected horizon: %v", cfg.Detector.ClusteringHorizon)
	}
	if cfg.Storage.MaxBetAge != 72*time.Hour {
		t.Errorf("unexpected max bet age: %v", cfg.Storage.MaxBetAge)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Detector.ZMin != 0.0 || cfg.Detector.DRMin != 0.0 || cfg.Detector.HMin != 0.0 {
		t.Errorf("default thresholds not fully open: %+v", cfg.Detector)
	}
	if cfg.Detector.Weights.Z != 1.0 || cfg.Detector.Weights.D != 1.0 || cfg.Detector.Weights.B != 1.0 {
		t.Errorf("default weights not equal: %+v", cfg.Detector.Weights)
	}
	if cfg.Detector.ClusteringHorizon != 30*time.Minute {
		t.Errorf("unexpected default horizon: %v", cfg.Detector.ClusteringHorizon)
	}
	if cfg.Detector.HistoryRetention != 256 {
		t.Errorf("unexpected default retention: %d", cfg.Detector.HistoryRetention)
	}
	if cfg.Feed.PollInterval != time.Minute {
		t.Errorf("unexpected default poll interval: %v", cfg.Feed.PollInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	valid := func() *Config {
		cfg, err := Load(writeConfig(t, "logging:\n  level: info\n"))
		if err != nil {
			t.Fatal(err)
		}
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty api url", func(c *Config) { c.Feed.APIURL = "" }},
		{"poll interval too short", func(c *Config) { c.Feed.PollInterval = time.Second }},
		{"limit too large", func(c *Config) { c.Feed.Limit = 20000 }},
		{"dr_min above one", func(c *Config) { c.Detector.DRMin = 1.5 }},
		{"negative z_min", func(c *Config) { c.Detector.ZMin = -1 }},
		{"negative weight", func(c *Config) { c.Detector.Weights.D = -0.5 }},
		{"horizon too short", func(c *Config) { c.Detector.ClusteringHorizon = time.Second }},
		{"retention too small", func(c *Config) { c.Detector.HistoryRetention = 1 }},
		{"telegram enabled without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }},
		{"empty db path", func(c *Config) { c.Storage.DBPath = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestExpectedBetsPerWindow(t *testing.T) {
	cfg := &Config{}
	cfg.Feed.PollInterval = time.Minute
	cfg.Detector.ClusteringHorizon = 30 * time.Minute
	if got := cfg.ExpectedBetsPerWindow(); got != 30 {
		t.Errorf("ExpectedBetsPerWindow() = %v, want 30", got)
	}
}
