package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/connbroker/internal/config"
	"github.com/hitoshi/connbroker/internal/metrics"
	"github.com/hitoshi/connbroker/internal/model"
	"github.com/hitoshi/connbroker/internal/security"
)

func TestInit_WithValidConfig_Succeeds(t *testing.T) {
	setTestEnv(t)

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected non-nil config")
	}
	if cfg.CallbackURL() != "http://localhost:8080/auth/callback" {
		t.Errorf("CallbackURL = %q", cfg.CallbackURL())
	}

	slog.Default().Info("init test")
	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected JSON log output, got error: %v\nraw: %s", err, buf.String())
	}
	if entry["msg"] != "init test" {
		t.Errorf("msg = %q, want %q", entry["msg"], "init test")
	}
}

func TestInit_AppliesLogLevel(t *testing.T) {
	setTestEnv(t)
	t.Setenv("LOG_LEVEL", "warn")

	var buf bytes.Buffer
	if _, err := Init(&buf); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	slog.Default().Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info log should be suppressed at warn level: %s", buf.String())
	}
}

func TestInit_WithMissingConfig_ReturnsError(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("GOOGLE_CLIENT_ID", "")
	t.Setenv("TOKEN_ENCRYPTION_KEY", "")

	var buf bytes.Buffer
	cfg, err := Init(&buf)
	if err == nil {
		t.Fatal("expected error for missing required env vars, got nil")
	}
	if cfg != nil {
		t.Error("expected nil config on error")
	}
}

func TestMaskDatabaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"postgres://user:secret@db:5432/connbroker?sslmode=disable", "postgres://user:xxxxx@db:5432/connbroker"},
		{"postgres://db:5432/connbroker", "postgres://db:5432/connbroker"},
		{"not a url", "***"},
	}

	for _, tt := range tests {
		got := maskDatabaseURL(tt.in)
		if strings.Contains(got, "secret") {
			t.Errorf("maskDatabaseURL(%q) leaked password: %q", tt.in, got)
		}
		if got != tt.want {
			t.Errorf("maskDatabaseURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPostCosts(t *testing.T) {
	costs := postCosts(&config.Config{PostCostTwitter: 3, PostCostReddit: 7})

	if costs[model.PlatformTwitter] != 3 || costs[model.PlatformReddit] != 7 {
		t.Errorf("costs = %v", costs)
	}
	if _, ok := costs[model.PlatformLinkedIn]; ok {
		t.Error("linkedin has no adapter and must not be priced")
	}
}

func TestPerMinute(t *testing.T) {
	if got := perMinute(120); got != rate.Limit(2) {
		t.Errorf("perMinute(120) = %v, want 2", got)
	}
}

func TestNewAdapterRegistry_OnlyEnabledPlatforms(t *testing.T) {
	cfg := &config.Config{
		AdapterTimeout: time.Second,
		AdapterMaxSize: 1 << 20,
		Reddit:         config.PlatformConfig{ClientID: "rd-id", ClientSecret: "rd-secret"},
	}

	reg, err := newAdapterRegistry(cfg, security.NewSSRFGuard(), metrics.Noop{})
	if err != nil {
		t.Fatalf("newAdapterRegistry() error = %v", err)
	}

	platforms := reg.Platforms()
	if len(platforms) != 1 || platforms[0] != model.PlatformReddit {
		t.Errorf("platforms = %v, want [reddit]", platforms)
	}
	if _, err := reg.Lookup(model.PlatformTwitter); err == nil {
		t.Error("twitter should not be registered without a client ID")
	}
}

func TestNewAdapterRegistry_RejectsPrivateEndpoint(t *testing.T) {
	cfg := &config.Config{
		AdapterTimeout: time.Second,
		AdapterMaxSize: 1 << 20,
		Twitter: config.PlatformConfig{
			ClientID:     "tw-id",
			ClientSecret: "tw-secret",
			TokenURL:     "https://10.0.0.5/oauth2/token",
		},
	}

	if _, err := newAdapterRegistry(cfg, security.NewSSRFGuard(), metrics.Noop{}); err == nil {
		t.Fatal("private token endpoint should be rejected")
	}
}

func TestRunPeriodically_RunsImmediatelyAndStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32

	done := make(chan struct{})
	go func() {
		runPeriodically(ctx, time.Hour, func() {
			calls.Add(1)
			cancel()
		})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("runPeriodically did not return after cancel")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}
