package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("PIKA_DISABLE_NETWORK", "")
	t.Setenv("PIKA_TRANSPORT", "")
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.DisableNetwork {
		t.Fatal("network must be enabled by default")
	}
	if cfg.Transport != TransportNostr || len(cfg.Relays) == 0 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestLoadJSONDocument(t *testing.T) {
	t.Setenv("PIKA_DISABLE_NETWORK", "")
	t.Setenv("PIKA_TRANSPORT", "")
	dir := t.TempDir()
	doc := `{"disable_network": true, "transport": "BUS", "relays": ["wss://a", " wss://a ", "wss://b"], "publish_timeout": "2s", "waku": {"port": 61000}}`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(doc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DisableNetwork {
		t.Fatal("expected disable_network=true")
	}
	if cfg.Transport != TransportBus {
		t.Fatalf("expected bus transport, got %q", cfg.Transport)
	}
	if len(cfg.Relays) != 2 {
		t.Fatalf("expected deduplicated relays, got %v", cfg.Relays)
	}
	if cfg.PublishTimeout != 2*time.Second {
		t.Fatalf("expected 2s publish timeout, got %s", cfg.PublishTimeout)
	}
	if cfg.Waku.Port != 61000 || !cfg.Waku.EnableStore {
		t.Fatalf("unexpected waku config: %+v", cfg.Waku)
	}
}

func TestLoadMalformedFileKeepsDefaults(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(dir)
	if err == nil {
		t.Fatal("expected parse error")
	}
	if cfg.PublishTimeout != Default().PublishTimeout {
		t.Fatalf("defaults not kept: %+v", cfg)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	if err := Write(dir, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PIKA_DISABLE_NETWORK", "true")
	t.Setenv("PIKA_RELAYS", "wss://x, wss://y")
	t.Setenv("PIKA_TRANSPORT", "")
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DisableNetwork {
		t.Fatal("env override not applied")
	}
	if len(cfg.Relays) != 2 || cfg.Relays[1] != "wss://y" {
		t.Fatalf("unexpected relays: %v", cfg.Relays)
	}
}

func TestUnknownTransportFallsBack(t *testing.T) {
	t.Setenv("PIKA_TRANSPORT", "carrier-pigeon")
	cfg, err := Load(t.TempDir())
	if !errors.Is(err, ErrUnknownTransport) {
		t.Fatalf("expected ErrUnknownTransport, got %v", err)
	}
	if cfg.Transport != TransportNostr {
		t.Fatalf("expected fallback transport, got %q", cfg.Transport)
	}
}

func TestPathEnvOverridesDataDirFile(t *testing.T) {
	t.Setenv("PIKA_DISABLE_NETWORK", "")
	t.Setenv("PIKA_TRANSPORT", "")
	dir := t.TempDir()
	if err := Write(dir, false); err != nil {
		t.Fatalf("write: %v", err)
	}
	external := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(external, []byte("disable_network: true\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write external: %v", err)
	}
	t.Setenv(PathEnv, external)
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.DisableNetwork || cfg.LogLevel != "debug" {
		t.Fatalf("external config not used: %+v", cfg)
	}
}
