package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopdm/dmflow/internal/messaging"
	"github.com/shopdm/dmflow/internal/models"
)

func TestLoadEnvironmentConfigDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DMFLOW_STATE_DIR", "")

	config := loadEnvironmentConfig()
	if config.StateDir != DefaultStateDir {
		t.Errorf("StateDir = %q, want %q", config.StateDir, DefaultStateDir)
	}
	want := filepath.Join(DefaultStateDir, DefaultDBFileName)
	if config.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", config.DatabaseURL, want)
	}
}

func TestLoadEnvironmentConfigRespectsStateDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "")
	t.Setenv("DMFLOW_STATE_DIR", dir)

	config := loadEnvironmentConfig()
	want := filepath.Join(dir, DefaultDBFileName)
	if config.DatabaseURL != want {
		t.Errorf("DatabaseURL = %q, want %q", config.DatabaseURL, want)
	}
}

func TestBuildBotConfigOverrides(t *testing.T) {
	t.Setenv("SYSTEM_PROMPT", "custom prompt")
	t.Setenv("ROUTING_MODE", string(models.ModeProviderA))
	t.Setenv("MAX_REWRITES", "1")
	t.Setenv("REPLY_WINDOW", "12h")
	t.Setenv("SIMILARITY_THRESHOLD", "0.85")

	cfg := buildBotConfig()
	if cfg.SystemPrompt != "custom prompt" {
		t.Errorf("SystemPrompt = %q", cfg.SystemPrompt)
	}
	if cfg.Mode != models.ModeProviderA {
		t.Errorf("Mode = %q", cfg.Mode)
	}
	if cfg.MaxRewrites != 1 {
		t.Errorf("MaxRewrites = %d", cfg.MaxRewrites)
	}
	if cfg.ReplyWindow != 12*time.Hour {
		t.Errorf("ReplyWindow = %v", cfg.ReplyWindow)
	}
	if cfg.SimilarityThreshold != 0.85 {
		t.Errorf("SimilarityThreshold = %v", cfg.SimilarityThreshold)
	}
}

func TestBuildBotConfigInvalidModeIgnored(t *testing.T) {
	t.Setenv("ROUTING_MODE", "bogus")
	cfg := buildBotConfig()
	if cfg.Mode != models.ModeHybrid {
		t.Errorf("Mode = %q, want hybrid default", cfg.Mode)
	}
}

func TestBuildCatalog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	data := `[{"id":"p1","title":"کفش ورزشی","price":"450000","in_stock":true}]`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cat, err := buildCatalog(path)
	if err != nil {
		t.Fatalf("buildCatalog() error = %v", err)
	}
	p, err := cat.Get("p1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Title != "کفش ورزشی" {
		t.Errorf("Title = %q", p.Title)
	}

	if _, err := buildCatalog(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("buildCatalog() should fail on a missing file")
	}
}

func TestBuildSenderDryRun(t *testing.T) {
	empty := ""
	flags := Flags{sendURL: &empty, seenURL: &empty, platformToken: &empty}
	if _, ok := buildSender(flags).(*messaging.MockService); !ok {
		t.Error("buildSender() without a send URL should return the mock sender")
	}

	url := "https://platform.example/send"
	flags = Flags{sendURL: &url, seenURL: &empty, platformToken: &empty}
	if _, ok := buildSender(flags).(*messaging.HTTPService); !ok {
		t.Error("buildSender() with a send URL should return the HTTP sender")
	}

	// DRY_RUN overrides a configured send URL.
	t.Setenv("DRY_RUN", "true")
	if _, ok := buildSender(flags).(*messaging.MockService); !ok {
		t.Error("buildSender() with DRY_RUN should return the mock sender")
	}
}
