package mssql

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/config"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

const (
	AuthSQL              = "sql"
	AuthServicePrincipal = "service_principal"
)

// Config contains SQL Server connection options.
type Config struct {
	Host     string
	Port     int
	Database string

	AuthMethod string

	// sql
	Username string
	Password string

	// service_principal
	TenantID     string
	ClientID     string
	ClientSecret string

	Encrypt                bool
	TrustServerCertificate bool
	ConnectionTimeout      int
}

// FromTarget builds a Config from params (defaults applied) and the vault
// secret. The secret is the SQL password or the client secret depending on
// the auth method.
func FromTarget(params map[string]any, secret *models.Secret) *Config {
	cfg := &Config{
		Host:                   connector.String(params, "host"),
		Port:                   connector.Int(params, "port", 1433),
		Database:               connector.String(params, "database"),
		AuthMethod:             connector.String(params, "auth_method"),
		Username:               connector.String(params, "user"),
		TenantID:               connector.String(params, "tenant_id"),
		ClientID:               connector.String(params, "client_id"),
		Encrypt:                connector.Bool(params, "encrypt", true),
		TrustServerCertificate: connector.Bool(params, "trust_server_certificate", false),
		ConnectionTimeout:      connector.Int(params, "connection_timeout", 30),
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthSQL
	}
	if secret != nil {
		if cfg.AuthMethod == AuthServicePrincipal {
			cfg.ClientSecret = secret.Password
		} else {
			cfg.Password = secret.Password
		}
	}
	return cfg
}

// Validate checks the fields the selected auth method depends on.
func (c *Config) Validate() error {
	switch c.AuthMethod {
	case AuthSQL:
		if c.Username == "" {
			return apperrors.Validation("invalid connection params: user is required for sql authentication")
		}
	case AuthServicePrincipal:
		if c.TenantID == "" || c.ClientID == "" {
			return apperrors.Validation("invalid connection params: tenant_id and client_id are required for service_principal authentication")
		}
	default:
		return apperrors.Validation("invalid connection params: unsupported auth_method %q", c.AuthMethod)
	}
	return nil
}

// DriverName returns the database/sql driver for the auth method. Azure AD
// service principals go through the azuresql driver.
func (c *Config) DriverName() string {
	if c.AuthMethod == AuthServicePrincipal {
		return "azuresql"
	}
	return "sqlserver"
}

// ConnectionString builds a sqlserver:// URL for DriverName.
func (c *Config) ConnectionString() string {
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("encrypt", strconv.FormatBool(c.Encrypt))
	if c.TrustServerCertificate {
		q.Set("TrustServerCertificate", "true")
	}
	if c.ConnectionTimeout > 0 {
		q.Set("connection timeout", strconv.Itoa(c.ConnectionTimeout))
	}
	q.Set("app name", "ekaya-connect")

	u := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", config.ResolveHostForDocker(c.Host), c.Port),
	}
	switch c.AuthMethod {
	case AuthServicePrincipal:
		q.Set("fedauth", "ActiveDirectoryServicePrincipal")
		q.Set("user id", c.ClientID+"@"+c.TenantID)
		q.Set("password", c.ClientSecret)
	default:
		u.User = url.UserPassword(c.Username, c.Password)
	}
	u.RawQuery = q.Encode()
	return u.String()
}
