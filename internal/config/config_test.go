package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("API_ADDR", "")
	t.Setenv("QUERYDESK_SIGNAL_TTL", "")
	t.Setenv("REDIS_URL", "")

	cfg := Load()
	if cfg.Addr != ":8787" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.SignalTTL != 10*time.Second || cfg.LiveBuffer != 64 || cfg.PollLimit != 200 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.RedisURL != "" {
		t.Fatalf("RedisURL should default to empty, got %q", cfg.RedisURL)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUERYDESK_SIGNAL_TTL", "15")
	t.Setenv("QUERYDESK_REQUEST_TIMEOUT", "45s")
	t.Setenv("QUERYDESK_LIVE_BUFFER", "not-a-number")

	cfg := Load()
	if cfg.SignalTTL != 15*time.Second {
		t.Fatalf("SignalTTL = %v", cfg.SignalTTL)
	}
	if cfg.RequestTimeout != 45*time.Second {
		t.Fatalf("RequestTimeout = %v", cfg.RequestTimeout)
	}
	if cfg.LiveBuffer != 64 {
		t.Fatalf("invalid int should fall back, got %d", cfg.LiveBuffer)
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger("debug", "text")
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("level = %v", logger.GetLevel())
	}
	if _, ok := logger.Formatter.(*logrus.TextFormatter); !ok {
		t.Fatalf("expected text formatter, got %T", logger.Formatter)
	}
	if NewLogger("loud", "").GetLevel() != logrus.InfoLevel {
		t.Fatal("unknown level should fall back to info")
	}
}

func TestLoadBranches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "branches.yaml")
	data := []byte(`branches:
  - name: Gurgaon
    code: GGN
    aliases: [Gurugram]
  - name: Pune
    code: PNQ
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	dir, err := LoadBranches(path)
	if err != nil {
		t.Fatalf("LoadBranches: %v", err)
	}
	got := dir.Resolve("gurugram")
	if len(got) != 2 || got[1] != "ggn" {
		t.Fatalf("Resolve(gurugram) = %v", got)
	}
}

func TestLoadBranchesMissingFile(t *testing.T) {
	dir, err := LoadBranches(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil || dir.Len() != 0 {
		t.Fatalf("missing file should give an empty directory, got %d, %v", dir.Len(), err)
	}
}

func TestParseBranchesRejectsMissingCode(t *testing.T) {
	if _, err := ParseBranches([]byte("branches:\n  - name: Pune\n")); err == nil {
		t.Fatal("expected error for branch without code")
	}
}
