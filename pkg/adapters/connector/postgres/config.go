package postgres

import (
	"fmt"
	"net/url"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/config"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Config contains PostgreSQL connection options.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string // "disable", "require", "verify-ca", "verify-full"
	Schema   string
}

// FromTarget builds a Config from validated params and the vault secret.
func FromTarget(params map[string]any, secret *models.Secret) *Config {
	cfg := &Config{
		Host:     connector.String(params, "host"),
		Port:     connector.Int(params, "port", 5432),
		User:     connector.String(params, "user"),
		Database: connector.String(params, "database"),
		SSLMode:  connector.String(params, "ssl_mode"),
		Schema:   connector.String(params, "schema"),
	}
	if cfg.SSLMode == "" {
		cfg.SSLMode = "require"
	}
	if secret != nil {
		cfg.Password = secret.Password
	}
	return cfg
}

// ConnectionString builds a postgresql:// URL. User-provided parts are
// escaped so passwords containing @ / # ? survive. Loopback hosts are
// rewritten when running in Docker.
func (c *Config) ConnectionString() string {
	u := &url.URL{
		Scheme: "postgresql",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", config.ResolveHostForDocker(c.Host), c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	q.Set("application_name", "ekaya-connect")
	if c.Schema != "" {
		q.Set("search_path", c.Schema)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
