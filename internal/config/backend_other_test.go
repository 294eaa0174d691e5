//go:build !darwin

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestYAMLBackend_ReadsNestedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 5001
  mcp_enabled: true
recommend:
  min_similarity: 0.35
  top_k: 12
ingest:
  poll_interval: 1m
index:
  backend: hnsw
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadWith(openYAMLBackend(path))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Port != 5001 || !cfg.Server.MCPEnabled {
		t.Errorf("Server = %+v", cfg.Server)
	}
	if cfg.Recommend.MinSimilarity != 0.35 || cfg.Recommend.TopK != 12 {
		t.Errorf("Recommend = %+v", cfg.Recommend)
	}
	if cfg.Ingest.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v", cfg.Ingest.PollInterval)
	}
	if cfg.Index.Backend != "hnsw" {
		t.Errorf("Index.Backend = %q", cfg.Index.Backend)
	}
}

func TestYAMLBackend_SetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shelf", "config.yaml")

	b := openYAMLBackend(path)
	if err := setKey(b, "server.port", "5002"); err != nil {
		t.Fatalf("set port: %v", err)
	}
	if err := setKey(b, "recommend.min_similarity", "0.3"); err != nil {
		t.Fatalf("set floor: %v", err)
	}
	if info, err := os.Stat(path); err != nil || info.Mode().Perm() != 0o600 {
		t.Fatalf("config file: %v %v", info, err)
	}

	reopened := openYAMLBackend(path)
	port, ok, err := reopened.GetInt("server.port")
	if err != nil || !ok || port != 5002 {
		t.Errorf("port = %d %v %v", port, ok, err)
	}
	cfg, err := loadWith(reopened)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Recommend.MinSimilarity != 0.3 {
		t.Errorf("MinSimilarity = %v", cfg.Recommend.MinSimilarity)
	}

	if err := reopened.Delete("server.port"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := openYAMLBackend(path).GetInt("server.port"); ok {
		t.Error("server.port still present after delete")
	}
}

func TestYAMLBackend_MissingOrBrokenFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadWith(openYAMLBackend(filepath.Join(dir, "absent.yaml"))); err != nil {
		t.Errorf("missing file: %v", err)
	}

	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: [port"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := loadWith(openYAMLBackend(broken))
	if err != nil {
		t.Fatalf("broken file: %v", err)
	}
	if cfg.Server.Port != 4100 {
		t.Errorf("Server.Port = %d, want default", cfg.Server.Port)
	}
}

func TestConfigLocation(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := ConfigLocation(); got != filepath.Join("/tmp/xdg", "shelf", "config.yaml") {
		t.Errorf("ConfigLocation = %q", got)
	}
}

func TestSecretsFile(t *testing.T) {
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("SHELF_API_TOKEN", "")

	kc := NewKeychain()
	tok, err := GetAPIToken(kc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	again, err := kc.Get("shelf", "api_token")
	if err != nil || again != tok {
		t.Errorf("stored token = %q, %v", again, err)
	}
	info, err := os.Stat(secretsFilePath())
	if err != nil || info.Mode().Perm() != 0o600 {
		t.Errorf("secrets file: %v %v", info, err)
	}
}
