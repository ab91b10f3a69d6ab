package mssql

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

func TestConnectionString_SQLAuth(t *testing.T) {
	cfg := FromTarget(schema.WithDefaults(map[string]any{
		"host":     "sql.example.com",
		"database": "Sales",
		"user":     "reader",
	}), &models.Secret{Password: "p@ss;word"})

	assert.Equal(t, "sqlserver", cfg.DriverName())

	u, err := url.Parse(cfg.ConnectionString())
	require.NoError(t, err)
	assert.Equal(t, "sql.example.com:1433", u.Host)
	assert.Equal(t, "reader", u.User.Username())
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss;word", pw)
	assert.Equal(t, "Sales", u.Query().Get("database"))
	assert.Equal(t, "true", u.Query().Get("encrypt"))
	assert.Equal(t, "30", u.Query().Get("connection timeout"))
}

func TestConnectionString_ServicePrincipal(t *testing.T) {
	cfg := FromTarget(map[string]any{
		"host":        "srv.database.windows.net",
		"database":    "analytics",
		"auth_method": "service_principal",
		"tenant_id":   "tenant",
		"client_id":   "app",
	}, &models.Secret{Password: "client-secret"})

	assert.Equal(t, "azuresql", cfg.DriverName())
	assert.Equal(t, "client-secret", cfg.ClientSecret)
	assert.Empty(t, cfg.Password)

	u, err := url.Parse(cfg.ConnectionString())
	require.NoError(t, err)
	assert.Nil(t, u.User)
	assert.Equal(t, "ActiveDirectoryServicePrincipal", u.Query().Get("fedauth"))
	assert.Equal(t, "app@tenant", u.Query().Get("user id"))
}

func TestValidateConfig(t *testing.T) {
	c := New(nil, Options{})

	tests := []struct {
		name    string
		params  map[string]any
		wantErr string
	}{
		{
			name:   "sql login",
			params: map[string]any{"host": "h", "database": "d", "user": "u"},
		},
		{
			name:    "sql login without user",
			params:  map[string]any{"host": "h", "database": "d"},
			wantErr: "user is required",
		},
		{
			name:    "service principal without client",
			params:  map[string]any{"host": "h", "database": "d", "auth_method": "service_principal", "tenant_id": "t"},
			wantErr: "client_id",
		},
		{
			name:    "unknown auth method",
			params:  map[string]any{"host": "h", "database": "d", "auth_method": "kerberos"},
			wantErr: "auth_method",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.ValidateConfig(tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConvertPlaceholders(t *testing.T) {
	assert.Equal(t,
		"SELECT * FROM orders WHERE id = @p1 AND status = @p2 OR parent = @p10",
		ConvertPlaceholders("SELECT * FROM orders WHERE id = $1 AND status = $2 OR parent = $10"))
}

func TestNormalizeValue(t *testing.T) {
	assert.Equal(t, "12.50", normalizeValue("DECIMAL", []byte("12.50")))
	assert.Equal(t, "hello", normalizeValue("NVARCHAR", []byte("hello")))
	assert.Equal(t, []byte{1, 2}, normalizeValue("VARBINARY", []byte{1, 2}))
	assert.Equal(t, int64(7), normalizeValue("INT", int64(7)))
}
