package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "network.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "peer_urls:\n  - ws://localhost:8801/gossip\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":8800" {
		t.Fatalf("listen address = %q, want :8800", cfg.ListenAddress)
	}
	if cfg.RegisterTimeoutSeconds != 10 {
		t.Fatalf("register timeout = %d, want 10", cfg.RegisterTimeoutSeconds)
	}
	if len(cfg.PeerURLs) != 1 || cfg.PeerURLs[0] != "ws://localhost:8801/gossip" {
		t.Fatalf("peer urls = %v", cfg.PeerURLs)
	}
}

func TestLoadHonorsExplicitValues(t *testing.T) {
	path := writeTempConfig(t, "listen_address: \":9900\"\ndebug: true\nregister_timeout_seconds: 5\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddress != ":9900" {
		t.Fatalf("listen address = %q, want :9900", cfg.ListenAddress)
	}
	if !cfg.Debug {
		t.Fatal("expected debug to be true")
	}
	if cfg.RegisterTimeoutSeconds != 5 {
		t.Fatalf("register timeout = %d, want 5", cfg.RegisterTimeoutSeconds)
	}
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	path := writeTempConfig(t, "register_timeout_seconds: -1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject a negative timeout")
	}
}

func TestLoadRejectsEmptyPeerURL(t *testing.T) {
	path := writeTempConfig(t, "peer_urls:\n  - \"\"\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an empty peer url")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected Load to fail for a missing file")
	}
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("Default().Validate(): %v", err)
	}
}

func TestDurationHelpersConvertSeconds(t *testing.T) {
	cfg := Default()
	cfg.RegisterTimeoutSeconds = 3
	cfg.SendTimeoutSeconds = 7
	if got := cfg.RegisterTimeout().Seconds(); got != 3 {
		t.Fatalf("RegisterTimeout() = %vs, want 3s", got)
	}
	if got := cfg.SendTimeout().Seconds(); got != 7 {
		t.Fatalf("SendTimeout() = %vs, want 7s", got)
	}
}
