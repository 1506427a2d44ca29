package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadSettings_FileThenEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("http:\n  port: \"9090\"\npipeline:\n  source: stripe\n  max_attempts: 7\nkafka:\n  brokers: [\"kafka:9092\"]\n")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PAYHOOKS_STUCK_AFTER", "90s")

	settings, err := LoadSettings(path)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.HTTP.Port != "9090" {
		t.Fatalf("expected port from file, got %q", settings.HTTP.Port)
	}
	if len(settings.Kafka.Brokers) != 1 || settings.Kafka.Brokers[0] != "kafka:9092" {
		t.Fatalf("unexpected brokers %v", settings.Kafka.Brokers)
	}
	overrides := settings.PipelineOverrides()
	if overrides.MaxAttempts != 7 || overrides.StuckAfter != 90*time.Second {
		t.Fatalf("unexpected overrides %+v", overrides)
	}
}

func TestLoadSettings_FallsBackToEnvironment(t *testing.T) {
	t.Setenv("HTTP_PORT", "7070")
	t.Setenv("WEBHOOK_SECRET", "whsec_env")

	settings, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if settings.HTTP.Port != "7070" || settings.Webhooks.Secret != "whsec_env" {
		t.Fatalf("expected env values, got %+v", settings.HTTP)
	}
	if settings.Pipeline.SweepInterval != time.Minute {
		t.Fatalf("expected default sweep interval, got %s", settings.Pipeline.SweepInterval)
	}
	if overrides := settings.PipelineOverrides(); overrides.Source != "" {
		t.Fatalf("expected a sparse override layer, got %+v", overrides)
	}
}
