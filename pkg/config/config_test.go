package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := writeConfig(t, `
port: "3480"
env: "test"
database:
  host: "db.example.com"
  port: 5432
  user: "testuser"
  database: "testdb"
connectors:
  query_timeout: 12s
  max_rows: 50
oauth:
  google:
    client_id: "yaml-client"
`)
	os.Unsetenv("PGHOST")
	os.Unsetenv("BASE_URL")
	t.Setenv("PORT", "4480")
	t.Setenv("GOOGLE_CLIENT_SECRET", "from-env")
	t.Setenv("CONNECTION_CREDENTIALS_KEY", "passphrase")

	cfg, err := Load(path, "test-version")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "4480" {
		t.Errorf("expected Port=4480 (from env), got %s", cfg.Port)
	}
	if cfg.Database.Host != "db.example.com" {
		t.Errorf("expected Database.Host from YAML, got %s", cfg.Database.Host)
	}
	if cfg.Connectors.QueryTimeout != 12*time.Second {
		t.Errorf("expected QueryTimeout=12s, got %s", cfg.Connectors.QueryTimeout)
	}
	if cfg.Connectors.MaxRows != 50 {
		t.Errorf("expected MaxRows=50, got %d", cfg.Connectors.MaxRows)
	}
	if !cfg.OAuth.Google.Enabled() {
		t.Error("expected Google OAuth to be enabled")
	}
	if cfg.Version != "test-version" {
		t.Errorf("expected Version=test-version, got %s", cfg.Version)
	}
	if cfg.BaseURL != "http://localhost:4480" {
		t.Errorf("expected derived BaseURL, got %s", cfg.BaseURL)
	}
	if err := cfg.ValidateForServe(); err != nil {
		t.Errorf("ValidateForServe() = %v", err)
	}
}

func TestLoad_MissingFileUsesEnvironment(t *testing.T) {
	t.Setenv("PGDATABASE", "from_env")
	t.Setenv("CONNECTION_CREDENTIALS_KEY", "")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "v")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Database != "from_env" {
		t.Errorf("expected database from env, got %s", cfg.Database.Database)
	}
	if cfg.Connectors.QueryTimeout != 30*time.Second {
		t.Errorf("expected default QueryTimeout=30s, got %s", cfg.Connectors.QueryTimeout)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled without a host")
	}
	if err := cfg.ValidateForServe(); err == nil {
		t.Error("expected ValidateForServe to require the credentials key")
	}
}

func TestLoad_SecretsIgnoredInYAML(t *testing.T) {
	path := writeConfig(t, `
database:
  password: "from-yaml"
`)
	t.Setenv("PGPASSWORD", "")

	cfg, err := Load(path, "v")
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Database.Password != "" {
		t.Errorf("password must only come from env, got %q", cfg.Database.Password)
	}
}

func TestLoad_TLSRequiresBothPaths(t *testing.T) {
	path := writeConfig(t, `tls_cert_path: "/tmp/cert.pem"`)
	t.Setenv("TLS_KEY_PATH", "")

	if _, err := Load(path, "v"); err == nil {
		t.Fatal("expected error when only the cert path is set")
	}
}

func TestParseJWKSEndpoints(t *testing.T) {
	got := parseJWKSEndpoints("https://a.example=https://a.example/jwks.json, https://b.example=https://b.example/jwks.json,broken")
	if len(got) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(got))
	}
	if got["https://b.example"] != "https://b.example/jwks.json" {
		t.Errorf("unexpected value for b: %q", got["https://b.example"])
	}
}

func TestRedisConfig_Addr(t *testing.T) {
	c := RedisConfig{Host: "cache", Port: 6380}
	if c.Addr() != "cache:6380" {
		t.Errorf("Addr() = %s", c.Addr())
	}
}
