package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "config.json")

	cfg := DefaultConfig()
	cfg.ConcurrencyLimit = 2
	cfg.Workers["coder"] = WorkerConfig{Command: "coder.sh", Args: []string{"-v"}, Timeout: Duration(time.Minute)}
	cfg.Verifier = VerifierConfig{Command: "verify.sh"}
	cfg.Persistence.Path = "state.db"

	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file was not created: %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ConcurrencyLimit != 2 {
		t.Errorf("ConcurrencyLimit = %d, want 2", loaded.ConcurrencyLimit)
	}
	if w := loaded.Workers["coder"]; w.Command != "coder.sh" || w.Timeout.Std() != time.Minute {
		t.Errorf("Workers[coder] = %+v", w)
	}
	if loaded.Verifier.Command != "verify.sh" || loaded.Persistence.Path != "state.db" {
		t.Errorf("loaded = %+v", loaded)
	}
	if loaded.Persistence.Retry.MaxInterval.Std() != 10*time.Second {
		t.Errorf("Retry.MaxInterval = %v, want 10s", loaded.Persistence.Retry.MaxInterval.Std())
	}
}

func TestSaveOverwritesExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	first := DefaultConfig()
	first.ConcurrencyLimit = 1
	if err := Save(first, path); err != nil {
		t.Fatalf("first Save() error = %v", err)
	}

	second := DefaultConfig()
	second.ConcurrencyLimit = 9
	if err := Save(second, path); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	loaded, err := Load("", path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.ConcurrencyLimit != 9 {
		t.Errorf("ConcurrencyLimit = %d, want 9", loaded.ConcurrencyLimit)
	}
}

func TestSaveRejectsInvalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers["broken"] = WorkerConfig{}

	if err := Save(cfg, filepath.Join(t.TempDir(), "config.json")); err == nil {
		t.Error("Save() error = nil for worker without command")
	}
}
