package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"mediaqueue/internal/config"

	"github.com/joho/godotenv"
)

func applyEnvFile(t *testing.T, path string) {
	t.Helper()

	env, err := godotenv.Read(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}

	for key, value := range env {
		t.Setenv(key, value)
	}
}

func TestParseDefaults(t *testing.T) {
	got, err := config.Parse()
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if got.Engine.MaxConcurrent != 3 {
		t.Errorf("MaxConcurrent = %d, want 3", got.Engine.MaxConcurrent)
	}

	if got.Engine.ExtractTimeout != time.Minute {
		t.Errorf("ExtractTimeout = %s, want 1m", got.Engine.ExtractTimeout)
	}

	if got.Storage.TTL != 24*time.Hour {
		t.Errorf("Storage.TTL = %s, want 24h", got.Storage.TTL)
	}

	if got.Storage.DefaultPageSize != 50 || got.Storage.MaxPageSize != 500 {
		t.Errorf("page sizes = %d/%d, want 50/500", got.Storage.DefaultPageSize, got.Storage.MaxPageSize)
	}

	if got.RateLimit.RequestsPerMinute != 100 {
		t.Errorf("RequestsPerMinute = %d, want 100", got.RateLimit.RequestsPerMinute)
	}

	if got.Database.Path != "" {
		t.Errorf("Database.Path = %q, want empty", got.Database.Path)
	}
}

func TestParseCustom(t *testing.T) {
	applyEnvFile(t, filepath.Join("testdata", ".env.custom"))

	got, err := config.Parse()
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if !filepath.IsAbs(got.Dir.Downloads) {
		t.Errorf("expected absolute path, got %s", got.Dir.Downloads)
	}

	if filepath.Base(got.Dir.Downloads) != "downloads" || filepath.Base(filepath.Dir(got.Dir.Downloads)) != "custom" {
		t.Errorf("unexpected downloads dir %s", got.Dir.Downloads)
	}

	if !filepath.IsAbs(got.Dir.Cache) {
		t.Errorf("expected absolute path, got %s", got.Dir.Cache)
	}

	if got.Engine.MaxConcurrent != 5 {
		t.Errorf("MaxConcurrent = %d, want 5", got.Engine.MaxConcurrent)
	}

	if got.Engine.CancelGrace != 2*time.Second {
		t.Errorf("CancelGrace = %s, want 2s", got.Engine.CancelGrace)
	}

	if got.Progress.Interval != time.Second {
		t.Errorf("Progress.Interval = %s, want 1s", got.Progress.Interval)
	}

	wantProxies := []string{"socks5h://127.0.0.1:1080", "http://10.0.0.2:3128"}
	if len(got.Proxy.Proxies) != len(wantProxies) {
		t.Fatalf("Proxies = %v, want %v", got.Proxy.Proxies, wantProxies)
	}

	for i := range wantProxies {
		if got.Proxy.Proxies[i] != wantProxies[i] {
			t.Errorf("Proxies[%d] = %q, want %q", i, got.Proxy.Proxies[i], wantProxies[i])
		}
	}
}

func TestParseInvalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{name: "zero concurrency", key: "MEDIAQUEUE_ENGINE_MAX_CONCURRENT_DOWNLOADS", value: "0"},
		{name: "smoothing out of range", key: "MEDIAQUEUE_PROGRESS_SMOOTHING", value: "1.5"},
		{name: "bad duration", key: "MEDIAQUEUE_ENGINE_CANCEL_GRACE", value: "soon"},
		{name: "artifact without bucket", key: "MEDIAQUEUE_ARTIFACT_ENABLED", value: "true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)

			if _, err := config.Parse(); err == nil {
				t.Errorf("Parse() error = nil, want error for %s=%s", tt.key, tt.value)
			}
		})
	}
}
