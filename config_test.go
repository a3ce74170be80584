package chatsync

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig("")
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Transport != TransportWebSocket {
			t.Errorf("expected websocket default, got %s", cfg.Transport)
		}
		if cfg.TypingQuiet != DefaultTypingQuiet {
			t.Errorf("expected %v quiet period, got %v", DefaultTypingQuiet, cfg.TypingQuiet)
		}
		if cfg.PollInterval != DefaultPollInterval {
			t.Errorf("expected %v poll interval, got %v", DefaultPollInterval, cfg.PollInterval)
		}
	})

	t.Run("file overrides", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		body := "base_url: https://chat.example.com\ntransport: polling\npoll_interval: 3s\n"
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}

		cfg, err := LoadConfig(path)
		if err != nil {
			t.Fatal(err)
		}
		if cfg.BaseURL != "https://chat.example.com" {
			t.Errorf("unexpected base url: %s", cfg.BaseURL)
		}
		if cfg.Transport != TransportPolling {
			t.Errorf("unexpected transport: %s", cfg.Transport)
		}
		if cfg.PollInterval != 3*time.Second {
			t.Errorf("unexpected poll interval: %v", cfg.PollInterval)
		}
	})

	t.Run("missing file errors", func(t *testing.T) {
		if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestBuildTransport(t *testing.T) {
	log := zap.NewNop().Sugar()
	gw := NewGateway("tok")

	kinds := []string{TransportWebSocket, TransportPolling, TransportRedis, TransportKafka}
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			cfg, err := LoadConfig("")
			if err != nil {
				t.Fatal(err)
			}
			cfg.Transport = kind
			tr, err := BuildTransport(cfg, gw, "tok", "me", log)
			if err != nil {
				t.Fatal(err)
			}
			if tr == nil {
				t.Fatal("expected a transport")
			}
		})
	}

	t.Run("unknown kind", func(t *testing.T) {
		cfg, _ := LoadConfig("")
		cfg.Transport = "carrier-pigeon"
		if _, err := BuildTransport(cfg, gw, "tok", "me", log); err == nil {
			t.Error("expected error for unknown transport")
		}
	})
}
