package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDotEnv_SkipsMissingAndKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	local := filepath.Join(dir, ".env.local")
	base := filepath.Join(dir, ".env")
	if err := os.WriteFile(local, []byte("KRISMINI_TEST_A=local\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(base, []byte("KRISMINI_TEST_A=base\nKRISMINI_TEST_B=base\nKRISMINI_TEST_C=base\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("KRISMINI_TEST_C", "process")
	t.Cleanup(func() {
		_ = os.Unsetenv("KRISMINI_TEST_A")
		_ = os.Unsetenv("KRISMINI_TEST_B")
	})

	loaded, err := LoadDotEnv(filepath.Join(dir, "missing.env"), local, base)
	if err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded=%v want 2 files", loaded)
	}

	want := map[string]string{"KRISMINI_TEST_A": "local", "KRISMINI_TEST_B": "base", "KRISMINI_TEST_C": "process"}
	for k, v := range want {
		if got := os.Getenv(k); got != v {
			t.Fatalf("%s=%q want=%q", k, got, v)
		}
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("KRISMINI_RETRY_ATTEMPTS", "5")
	t.Setenv("KRISMINI_QUEUE_ENABLED", "false")
	t.Setenv("KRISMINI_QUEUE_RETRY_DELAY", "250ms")
	t.Setenv("KRISMINI_PAGE_SIZE", "nope")
	t.Setenv("KRISMINI_CORS_ALLOWED_ORIGINS", " https://a.test , ,https://b.test")

	cfg := LoadConfig()
	if cfg.Gateway.MaxAttempts != 5 {
		t.Fatalf("attempts=%d want=5", cfg.Gateway.MaxAttempts)
	}
	if cfg.Queue.Enabled || cfg.Queue.RetryDelay != 250*time.Millisecond {
		t.Fatalf("queue=%+v", cfg.Queue)
	}
	if cfg.PageSize != 50 {
		t.Fatalf("page size=%d want default 50", cfg.PageSize)
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[1] != "https://b.test" {
		t.Fatalf("cors=%v", cfg.CORSAllowedOrigins)
	}
}
