package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Supply.NoRepeatWindow != 15*24*time.Hour {
		t.Errorf("expected 15 day window, got %v", cfg.Supply.NoRepeatWindow)
	}
	if cfg.Supply.CacheCap != 10000 || cfg.Supply.EvictBatch != 1000 {
		t.Errorf("unexpected cache bounds: %d/%d", cfg.Supply.CacheCap, cfg.Supply.EvictBatch)
	}
	if cfg.Supply.BufferCap != 5 || cfg.Supply.BufferTarget != 3 {
		t.Errorf("unexpected buffer bounds: %d/%d", cfg.Supply.BufferCap, cfg.Supply.BufferTarget)
	}
	if cfg.Generator.Timeout != 240*time.Second {
		t.Errorf("expected 240s timeout, got %v", cfg.Generator.Timeout)
	}
	if cfg.Generator.Tiers["elaborate"].MaxTokens != 1000 {
		t.Errorf("expected elaborate max tokens 1000, got %d", cfg.Generator.Tiers["elaborate"].MaxTokens)
	}
	if len(cfg.Supply.OfficialSizes) != 4 {
		t.Errorf("expected 4 official sizes, got %v", cfg.Supply.OfficialSizes)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("NO_REPEAT_DAYS", "30")
	t.Setenv("DB_DRIVER", "sqlite3")
	t.Setenv("OFFICIAL_EXAM_SIZES", "10, 20")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}
	if cfg.Supply.NoRepeatWindow != 30*24*time.Hour {
		t.Errorf("expected 30 day window, got %v", cfg.Supply.NoRepeatWindow)
	}
	if cfg.Database.Driver != "sqlite3" {
		t.Errorf("expected sqlite3 driver, got %q", cfg.Database.Driver)
	}
	if len(cfg.Supply.OfficialSizes) != 2 || cfg.Supply.OfficialSizes[1] != 20 {
		t.Errorf("unexpected official sizes: %v", cfg.Supply.OfficialSizes)
	}
	if len(cfg.Server.CORSOrigins) != 2 {
		t.Errorf("expected 2 origins, got %v", cfg.Server.CORSOrigins)
	}
}

func TestServerConfig_IssueDevToken(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		devToken string
		want     bool
	}{
		{"development without flag", "development", "", false},
		{"development with flag", "development", "true", true},
		{"production with flag", "production", "true", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APP_ENV", tt.env)
			t.Setenv("DEV_TOKEN", tt.devToken)
			cfg, err := Load()
			if err != nil {
				t.Fatalf("expected no error, got: %v", err)
			}
			if got := cfg.Server.IssueDevToken(); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
		want string
	}{
		{"bad int", "CACHE_MAX_SIZE", "lots", "CACHE_MAX_SIZE"},
		{"bad float", "SHARE_SIMPLE", "x", "SHARE_SIMPLE"},
		{"bad driver", "DB_DRIVER", "mysql", "DB_DRIVER"},
		{"target above cap", "BUFFER_TARGET_SIZE", "9", "BUFFER_TARGET_SIZE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %q, got: %v", tt.want, err)
			}
		})
	}
}
