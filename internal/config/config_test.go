package config

import (
	"os"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	// Create temporary config file
	content := `
server:
  port: 9090
  host: "127.0.0.1"

database:
  host: "testdb"
  port: 5432
  user: "testuser"
  password: "testpass"
  dbname: "testdb"

billing:
  webhookSecret: "whsec_test"
  sweepInterval: "30m"

pipeline:
  maxAttempts: 5
  requestTimeout: "45s"
`

	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	// Load config
	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	// Verify loaded values
	if cfg.Server.Port != 9090 {
		t.Errorf("Expected port 9090, got %d", cfg.Server.Port)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Expected host 127.0.0.1, got %s", cfg.Server.Host)
	}

	if cfg.Database.Host != "testdb" {
		t.Errorf("Expected database host testdb, got %s", cfg.Database.Host)
	}

	if cfg.Billing.WebhookSecret != "whsec_test" {
		t.Errorf("Expected webhook secret whsec_test, got %s", cfg.Billing.WebhookSecret)
	}

	if cfg.Billing.SweepInterval != 30*time.Minute {
		t.Errorf("Expected sweep interval 30m, got %v", cfg.Billing.SweepInterval)
	}

	if cfg.Pipeline.MaxAttempts != 5 {
		t.Errorf("Expected max attempts 5, got %d", cfg.Pipeline.MaxAttempts)
	}

	if cfg.Pipeline.RequestTimeout != 45*time.Second {
		t.Errorf("Expected request timeout 45s, got %v", cfg.Pipeline.RequestTimeout)
	}
}

func TestLoadDefaults(t *testing.T) {
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(tmpfile.Name())

	if _, err := tmpfile.Write([]byte("server:\n  port: 8081\n")); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(tmpfile.Name())
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	if cfg.Database.Port != 5432 {
		t.Errorf("Expected default database port 5432, got %d", cfg.Database.Port)
	}

	if cfg.Storage.BucketName != "promos" {
		t.Errorf("Expected default bucket promos, got %s", cfg.Storage.BucketName)
	}

	if cfg.Billing.SweepInterval != time.Hour {
		t.Errorf("Expected default sweep interval 1h, got %v", cfg.Billing.SweepInterval)
	}

	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("Expected default max attempts 3, got %d", cfg.Pipeline.MaxAttempts)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Expected error for missing config file")
	}
}
