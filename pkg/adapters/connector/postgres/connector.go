// Package postgres implements the PostgreSQL connector on pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	sqlguard "github.com/ekaya-inc/ekaya-connect/pkg/sql"
)

// Type is the connection type served by this package.
const Type = "postgres"

//go:embed schema.yaml
var schemaYAML []byte

var schema = connector.MustParseSchema(schemaYAML)

// Options tune pools opened by the connector.
type Options struct {
	MaxConns int32
	MinConns int32
	IdleTime time.Duration
	MaxRows  int
}

// Connector talks to PostgreSQL.
type Connector struct {
	connMgr *connector.ConnectionManager
	opts    Options
}

// New creates the connector. connMgr may be nil, in which case every call
// opens and closes its own pool.
func New(connMgr *connector.ConnectionManager, opts Options) *Connector {
	if opts.MaxConns <= 0 {
		opts.MaxConns = 5
	}
	if opts.IdleTime <= 0 {
		opts.IdleTime = 5 * time.Minute
	}
	return &Connector{connMgr: connMgr, opts: opts}
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Type:        Type,
		DisplayName: "PostgreSQL",
		Description: "Connect to PostgreSQL 12+",
		Family:      connector.FamilySQL,
		Schema:      schema,
	}
}

func (c *Connector) ValidateConfig(params map[string]any) error {
	return schema.Validate(params)
}

// poolWrapper adapts *pgxpool.Pool to connector.PoolConnector.
type poolWrapper struct {
	pool *pgxpool.Pool
}

func (w *poolWrapper) Ping(ctx context.Context) error { return w.pool.Ping(ctx) }
func (w *poolWrapper) Close() error {
	w.pool.Close()
	return nil
}
func (w *poolWrapper) GetType() string { return Type }

func (c *Connector) acquire(ctx context.Context, t connector.Target) (*Config, *pgxpool.Pool, func(), error) {
	cfg := FromTarget(schema.WithDefaults(t.Params), t.Secret)
	connStr := cfg.ConnectionString()

	pc, release, err := connector.AcquirePool(ctx, c.connMgr, t, connector.Fingerprint(connStr), func(ctx context.Context) (connector.PoolConnector, error) {
		poolConfig, err := pgxpool.ParseConfig(connStr)
		if err != nil {
			return nil, apperrors.Validation("invalid postgres settings")
		}
		poolConfig.MaxConns = c.opts.MaxConns
		poolConfig.MinConns = c.opts.MinConns
		poolConfig.MaxConnIdleTime = c.opts.IdleTime

		pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return nil, classify(apperrors.KindConnection, err, "connect to postgres")
		}
		return &poolWrapper{pool: pool}, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pc.(*poolWrapper).pool, release, nil
}

// TestConnection pings the server, runs a trivial query and checks the
// session landed in the configured database.
func (c *Connector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	cfg, pool, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	var currentDB, version string
	err = pool.QueryRow(ctx, "SELECT current_database(), current_setting('server_version')").Scan(&currentDB, &version)
	if err != nil {
		return nil, classify(apperrors.KindConnection, err, "test query failed")
	}
	if !strings.EqualFold(currentDB, cfg.Database) {
		return nil, apperrors.New(apperrors.KindConnection, "connected to database %q but %q was configured", currentDB, cfg.Database)
	}

	res := connector.OK()
	res.Metadata = map[string]any{"server_version": version, "database": currentDB}
	return res, nil
}

// Execute runs one read-only statement inside a read-only transaction and
// stops reading at the row limit.
func (c *Connector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	if spec == nil || spec.SQL == nil {
		return nil, apperrors.Validation("postgres connections need a sql query")
	}
	query, err := sqlguard.Prepare(spec.SQL.Text, spec.SQL.Params)
	if err != nil {
		return nil, err
	}

	_, pool, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(apperrors.KindConnection, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	rows, err := tx.Query(ctx, query, spec.SQL.Params...)
	if err != nil {
		return nil, classify(apperrors.KindExecution, err, "query failed")
	}
	defer rows.Close()

	typeMap := rows.Conn().TypeMap()
	fields := rows.FieldDescriptions()
	columns := make([]connector.Column, len(fields))
	for i, fd := range fields {
		columns[i] = connector.Column{Name: fd.Name, Type: typeName(typeMap, fd.DataTypeOID)}
	}

	limit := connector.RowLimit(spec, c.opts.MaxRows)
	res := &connector.Result{Status: connector.StatusOK, Columns: columns, Rows: make([]map[string]any, 0)}
	for rows.Next() {
		if len(res.Rows) == limit {
			res.Truncated = true
			break
		}
		values, err := rows.Values()
		if err != nil {
			return nil, classify(apperrors.KindExecution, err, "read row")
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col.Name] = normalizeValue(values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(apperrors.KindExecution, err, "iterate rows")
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

func typeName(m *pgtype.Map, oid uint32) string {
	if t, ok := m.TypeForOID(oid); ok {
		return strings.ToUpper(t.Name)
	}
	return "UNKNOWN"
}

// normalizeValue converts pgx values that do not serialize naturally.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case [16]byte:
		return uuid.UUID(val).String()
	case pgtype.Numeric:
		if f, err := val.Float64Value(); err == nil && f.Valid {
			return f.Float64
		}
		return nil
	case []byte:
		return string(val)
	}
	return v
}

// classify maps a driver error to the taxonomy, keeping the server's message
// (which never contains the password) and SQLSTATE for the caller.
func classify(kind apperrors.Kind, err error, action string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if pgErr.Code == "28P01" || pgErr.Code == "28000" {
			kind = apperrors.KindConnection
		}
		return apperrors.Wrap(kind, err, "%s: %s (SQLSTATE %s)", action, pgErr.Message, pgErr.Code)
	}
	return apperrors.Wrap(kind, err, "%s", action)
}

var _ connector.Connector = (*Connector)(nil)
