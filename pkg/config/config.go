package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for ekaya-connect.
// Values come from a YAML file with environment variable overrides.
// Secrets (passwords, keys, client secrets) only come from the environment.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"3480"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // derived from Port if empty
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	Version  string `yaml:"-"`

	// TLS is enabled when both paths are set.
	TLSCertPath string `yaml:"tls_cert_path" env:"TLS_CERT_PATH" env-default:""`
	TLSKeyPath  string `yaml:"tls_key_path" env:"TLS_KEY_PATH" env-default:""`

	Auth       AuthConfig       `yaml:"auth"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	Connectors ConnectorsConfig `yaml:"connectors"`
	OAuth      OAuthConfig      `yaml:"oauth"`

	// CredentialsKey encrypts vault secrets. A base64 32-byte key
	// (openssl rand -base64 32) or a passphrase. Required to serve.
	CredentialsKey string `yaml:"-" env:"CONNECTION_CREDENTIALS_KEY"`
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	// EnableVerification set to false skips signature checks (local development only).
	EnableVerification bool `yaml:"enable_verification" env:"AUTH_ENABLE_VERIFICATION" env-default:"true"`

	// JWKSEndpointsStr is a comma-separated list of issuer=jwks_url pairs.
	JWKSEndpointsStr string `yaml:"jwks_endpoints" env:"JWKS_ENDPOINTS" env-default:"https://auth.ekaya.ai=https://auth.ekaya.ai/.well-known/jwks.json"`

	// JWKSEndpoints is parsed from JWKSEndpointsStr.
	JWKSEndpoints map[string]string `yaml:"-"`
}

// DatabaseConfig holds the PostgreSQL settings for the service's own store.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"ekaya"`
	Password       string `yaml:"-" env:"PGPASSWORD"`
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"ekaya_connect"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	MaxIdleConns   int32  `yaml:"max_idle_conns" env:"PGMAX_IDLE_CONNS" env-default:"5"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// RedisConfig is optional. With an empty Host, OAuth refreshes are only
// deduplicated within one process.
type RedisConfig struct {
	Host     string `yaml:"host" env:"REDIS_HOST" env-default:""`
	Port     int    `yaml:"port" env:"REDIS_PORT" env-default:"6379"`
	Password string `yaml:"-" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB" env-default:"0"`
	TLS      bool   `yaml:"tls" env:"REDIS_TLS" env-default:"false"`
}

// Enabled reports whether a Redis server is configured.
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// Addr returns host:port.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ConnectorsConfig bounds what connectors may do per request.
type ConnectorsConfig struct {
	// PoolTTLMinutes is how long an idle data source pool is kept open.
	PoolTTLMinutes int   `yaml:"pool_ttl_minutes" env:"CONNECTOR_POOL_TTL_MINUTES" env-default:"5"`
	MaxPools       int   `yaml:"max_pools" env:"CONNECTOR_MAX_POOLS" env-default:"200"`
	PoolMaxConns   int32 `yaml:"pool_max_conns" env:"CONNECTOR_POOL_MAX_CONNS" env-default:"5"`
	PoolMinConns   int32 `yaml:"pool_min_conns" env:"CONNECTOR_POOL_MIN_CONNS" env-default:"0"`

	QueryTimeout     time.Duration `yaml:"query_timeout" env:"CONNECTOR_QUERY_TIMEOUT" env-default:"30s"`
	MaxRows          int           `yaml:"max_rows" env:"CONNECTOR_MAX_ROWS" env-default:"1000"`
	MaxResponseBytes int64         `yaml:"max_response_bytes" env:"CONNECTOR_MAX_RESPONSE_BYTES" env-default:"10485760"`
}

// OAuthConfig holds the OAuth clients used to authorize connections.
type OAuthConfig struct {
	// StateSecret signs the state parameter of authorization URLs.
	// Falls back to a key derived from CredentialsKey when empty.
	StateSecret string `yaml:"-" env:"OAUTH_STATE_SECRET"`

	// RefreshLockTTL bounds how long one replica may hold a token refresh.
	RefreshLockTTL time.Duration `yaml:"refresh_lock_ttl" env:"OAUTH_REFRESH_LOCK_TTL" env-default:"15s"`

	Google GoogleOAuthConfig `yaml:"google"`
}

// GoogleOAuthConfig is the OAuth client for Google-backed connections.
type GoogleOAuthConfig struct {
	ClientID     string `yaml:"client_id" env:"GOOGLE_CLIENT_ID" env-default:""`
	ClientSecret string `yaml:"-" env:"GOOGLE_CLIENT_SECRET"`
	// RedirectURL is where the UI receives the authorization code.
	RedirectURL string `yaml:"redirect_url" env:"GOOGLE_REDIRECT_URL" env-default:""`

	// Endpoint overrides, empty for Google's public endpoints.
	AuthURL     string `yaml:"auth_url" env:"GOOGLE_AUTH_URL" env-default:""`
	TokenURL    string `yaml:"token_url" env:"GOOGLE_TOKEN_URL" env-default:""`
	UserInfoURL string `yaml:"userinfo_url" env:"GOOGLE_USERINFO_URL" env-default:""`
	// AnalyticsURL overrides the Analytics Data API base URL.
	AnalyticsURL string `yaml:"analytics_url" env:"GOOGLE_ANALYTICS_URL" env-default:""`
}

// Enabled reports whether the Google client is configured.
func (c *GoogleOAuthConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// Load reads configuration from the YAML file at path with environment
// overrides. A missing file is not an error: the environment alone is used.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	} else if err := cleanenv.ReadConfig(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.Auth.JWKSEndpoints = parseJWKSEndpoints(cfg.Auth.JWKSEndpointsStr)

	if err := cfg.validateTLS(); err != nil {
		return nil, fmt.Errorf("invalid TLS configuration: %w", err)
	}
	if cfg.Connectors.QueryTimeout <= 0 {
		return nil, fmt.Errorf("connectors.query_timeout must be positive")
	}

	if cfg.BaseURL == "" {
		scheme := "http"
		if cfg.TLSCertPath != "" {
			scheme = "https"
		}
		cfg.BaseURL = (&url.URL{Scheme: scheme, Host: "localhost:" + cfg.Port}).String()
	}

	return cfg, nil
}

// ValidateForServe checks the settings only the server needs.
func (c *Config) ValidateForServe() error {
	if c.CredentialsKey == "" {
		return fmt.Errorf("CONNECTION_CREDENTIALS_KEY is required")
	}
	return nil
}

func (c *Config) validateTLS() error {
	certSet := c.TLSCertPath != ""
	keySet := c.TLSKeyPath != ""
	if certSet != keySet {
		return fmt.Errorf("both tls_cert_path and tls_key_path must be provided together")
	}
	if certSet {
		if _, err := os.Stat(c.TLSCertPath); err != nil {
			return fmt.Errorf("TLS cert file does not exist: %w", err)
		}
		if _, err := os.Stat(c.TLSKeyPath); err != nil {
			return fmt.Errorf("TLS key file does not exist: %w", err)
		}
	}
	return nil
}

// parseJWKSEndpoints parses "issuer1=url1,issuer2=url2".
func parseJWKSEndpoints(value string) map[string]string {
	endpoints := make(map[string]string)
	for _, pair := range strings.Split(value, ",") {
		issuer, jwksURL, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		endpoints[strings.TrimSpace(issuer)] = strings.TrimSpace(jwksURL)
	}
	return endpoints
}

// ConnectionString returns a PostgreSQL connection string.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}
