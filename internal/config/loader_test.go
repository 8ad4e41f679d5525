package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalConfig  string
		projectConfig string
		check         func(t *testing.T, cfg *Config)
		expectError   string
	}{
		{
			name: "No config files - returns defaults",
			check: func(t *testing.T, cfg *Config) {
				if cfg.ConcurrencyLimit != 4 || cfg.DefaultMaxRetries != 2 || cfg.ConflictPolicy != PolicyConservative {
					t.Errorf("defaults = %+v", cfg)
				}
				if !cfg.AbortInFlightOnCancel {
					t.Error("AbortInFlightOnCancel = false, want true")
				}
			},
		},
		{
			name:         "Global only - overrides scalars, keeps the rest",
			globalConfig: `{"concurrency_limit": 8, "breaker": {"consecutive_failures": 2, "open_timeout": "5s", "half_open_requests": 1}}`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.ConcurrencyLimit != 8 {
					t.Errorf("ConcurrencyLimit = %d, want 8", cfg.ConcurrencyLimit)
				}
				if cfg.Breaker.OpenTimeout.Std() != 5*time.Second {
					t.Errorf("Breaker.OpenTimeout = %v, want 5s", cfg.Breaker.OpenTimeout.Std())
				}
				if cfg.DefaultResourceBudget != 100 {
					t.Errorf("DefaultResourceBudget = %d, want default 100", cfg.DefaultResourceBudget)
				}
			},
		},
		{
			name:          "Both with merge - workers merge by role, project wins",
			globalConfig:  `{"workers": {"coder": {"command": "global-coder"}, "tester": {"command": "run-tests"}}}`,
			projectConfig: `{"workers": {"coder": {"command": "project-coder", "args": ["--fast"]}}, "abort_in_flight_on_cancel": false}`,
			check: func(t *testing.T, cfg *Config) {
				if len(cfg.Workers) != 2 {
					t.Fatalf("len(Workers) = %d, want 2", len(cfg.Workers))
				}
				if got := cfg.Workers["coder"]; got.Command != "project-coder" || len(got.Args) != 1 {
					t.Errorf("Workers[coder] = %+v", got)
				}
				if cfg.Workers["tester"].Command != "run-tests" {
					t.Errorf("Workers[tester] = %+v", cfg.Workers["tester"])
				}
				if cfg.AbortInFlightOnCancel {
					t.Error("AbortInFlightOnCancel = true, want project override false")
				}
			},
		},
		{
			name:          "Invalid policy rejected",
			projectConfig: `{"conflict_policy": "yolo"}`,
			expectError:   "conflict_policy",
		},
		{
			name:         "Zero concurrency rejected",
			globalConfig: `{"concurrency_limit": 0}`,
			expectError:  "concurrency_limit",
		},
		{
			name:          "Accept-all with verifier command rejected",
			projectConfig: `{"verifier": {"command": "verify.sh", "accept_all": true}}`,
			expectError:   "accept_all",
		},
		{
			name:         "Bad duration rejected",
			globalConfig: `{"persistence": {"snapshot_debounce": 200}}`,
			expectError:  "duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			var globalPath, projectPath string
			if tt.globalConfig != "" {
				globalPath = writeFile(t, tmpDir, "global.json", tt.globalConfig)
			}
			if tt.projectConfig != "" {
				projectPath = writeFile(t, tmpDir, "project.json", tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError != "" {
				if err == nil || !strings.Contains(err.Error(), tt.expectError) {
					t.Fatalf("Load() error = %v, want mention of %q", err, tt.expectError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	globalPath := writeFile(t, t.TempDir(), "global.json", "{invalid json")

	_, err := Load(globalPath, "")
	if err == nil {
		t.Fatal("expected error for malformed JSON, got nil")
	}
	if !strings.Contains(err.Error(), "global.json") {
		t.Errorf("error %q does not name the file", err)
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.json", "/nonexistent/project.json")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.ConcurrencyLimit != DefaultConfig().ConcurrencyLimit {
		t.Errorf("ConcurrencyLimit = %d, want default", cfg.ConcurrencyLimit)
	}
}
