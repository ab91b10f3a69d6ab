package mongodb

import (
	"fmt"
	"net/url"

	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/config"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Config contains MongoDB connection options.
type Config struct {
	Host       string
	Port       int
	SRV        bool
	Database   string
	User       string
	Password   string
	AuthSource string
	ReplicaSet string
	TLS        bool
}

// FromTarget builds a Config from params (defaults applied) and the secret.
func FromTarget(params map[string]any, secret *models.Secret) *Config {
	cfg := &Config{
		Host:       connector.String(params, "host"),
		Port:       connector.Int(params, "port", 27017),
		SRV:        connector.Bool(params, "srv", false),
		Database:   connector.String(params, "database"),
		User:       connector.String(params, "user"),
		AuthSource: connector.String(params, "auth_source"),
		ReplicaSet: connector.String(params, "replica_set"),
		TLS:        connector.Bool(params, "tls", false),
	}
	if cfg.AuthSource == "" {
		cfg.AuthSource = "admin"
	}
	if secret != nil {
		cfg.Password = secret.Password
	}
	return cfg
}

// URI returns the server address without credentials. Credentials are set
// through options.Credential so they never appear in a connection string.
func (c *Config) URI() string {
	u := &url.URL{Scheme: "mongodb", Path: "/"}
	if c.SRV {
		u.Scheme = "mongodb+srv"
		u.Host = c.Host
	} else {
		u.Host = fmt.Sprintf("%s:%d", config.ResolveHostForDocker(c.Host), c.Port)
	}
	q := url.Values{}
	if c.ReplicaSet != "" {
		q.Set("replicaSet", c.ReplicaSet)
	}
	if c.TLS {
		q.Set("tls", "true")
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ClientOptions builds driver options for c.
func (c *Config) ClientOptions() *options.ClientOptions {
	opts := options.Client().ApplyURI(c.URI()).SetAppName("ekaya-connect")
	if c.User != "" {
		opts.SetAuth(options.Credential{
			AuthSource: c.AuthSource,
			Username:   c.User,
			Password:   c.Password,
		})
	}
	return opts
}
