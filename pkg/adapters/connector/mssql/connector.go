// Package mssql implements the SQL Server connector on database/sql with the
// go-mssqldb driver, including Azure AD service principal logins.
package mssql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"
	_ "github.com/microsoft/go-mssqldb/azuread" // registers the azuresql driver

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
	sqlguard "github.com/ekaya-inc/ekaya-connect/pkg/sql"
)

// Type is the connection type served by this package.
const Type = "mssql"

//go:embed schema.yaml
var schemaYAML []byte

var schema = connector.MustParseSchema(schemaYAML)

// Options tune pools opened by the connector.
type Options struct {
	MaxOpenConns int
	IdleTime     time.Duration
	MaxRows      int
}

// Connector talks to SQL Server and Azure SQL.
type Connector struct {
	connMgr *connector.ConnectionManager
	opts    Options
}

// New creates the connector. connMgr may be nil.
func New(connMgr *connector.ConnectionManager, opts Options) *Connector {
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 5
	}
	if opts.IdleTime <= 0 {
		opts.IdleTime = 5 * time.Minute
	}
	return &Connector{connMgr: connMgr, opts: opts}
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Type:        Type,
		DisplayName: "Microsoft SQL Server",
		Description: "Connect to SQL Server 2016+ or Azure SQL Database",
		Family:      connector.FamilySQL,
		Schema:      schema,
	}
}

func (c *Connector) ValidateConfig(params map[string]any) error {
	if err := schema.Validate(params); err != nil {
		return err
	}
	return FromTarget(schema.WithDefaults(params), nil).Validate()
}

// dbWrapper adapts *sql.DB to connector.PoolConnector.
type dbWrapper struct {
	db *sql.DB
}

func (w *dbWrapper) Ping(ctx context.Context) error { return w.db.PingContext(ctx) }
func (w *dbWrapper) Close() error                   { return w.db.Close() }
func (w *dbWrapper) GetType() string                { return Type }

func (c *Connector) acquire(ctx context.Context, t connector.Target) (*sql.DB, func(), error) {
	cfg := FromTarget(schema.WithDefaults(t.Params), t.Secret)
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	connStr := cfg.ConnectionString()

	pc, release, err := connector.AcquirePool(ctx, c.connMgr, t, connector.Fingerprint(cfg.DriverName(), connStr), func(ctx context.Context) (connector.PoolConnector, error) {
		db, err := sql.Open(cfg.DriverName(), connStr)
		if err != nil {
			return nil, apperrors.Validation("invalid sql server settings")
		}
		db.SetMaxOpenConns(c.opts.MaxOpenConns)
		db.SetConnMaxIdleTime(c.opts.IdleTime)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, classify(apperrors.KindConnection, err, "connect to sql server")
		}
		return &dbWrapper{db: db}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return pc.(*dbWrapper).db, release, nil
}

// TestConnection checks the login reaches the configured database.
func (c *Connector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	db, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	var currentDB, version string
	if err := db.QueryRowContext(ctx, "SELECT DB_NAME(), CAST(SERVERPROPERTY('ProductVersion') AS NVARCHAR(128))").Scan(&currentDB, &version); err != nil {
		return nil, classify(apperrors.KindConnection, err, "test query failed")
	}
	want := connector.String(t.Params, "database")
	if !strings.EqualFold(currentDB, want) {
		return nil, apperrors.New(apperrors.KindConnection, "connected to database %q but %q was configured", currentDB, want)
	}

	res := connector.OK()
	res.Metadata = map[string]any{"server_version": version, "database": currentDB}
	return res, nil
}

// Execute runs one read-only statement in a read-only transaction. $N
// placeholders are rewritten to SQL Server's @pN named parameters.
func (c *Connector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	if spec == nil || spec.SQL == nil {
		return nil, apperrors.Validation("sql server connections need a sql query")
	}
	query, err := sqlguard.Prepare(spec.SQL.Text, spec.SQL.Params)
	if err != nil {
		return nil, err
	}
	query = ConvertPlaceholders(query)
	args := make([]any, len(spec.SQL.Params))
	for i, p := range spec.SQL.Params {
		args[i] = sql.Named(fmt.Sprintf("p%d", i+1), p)
	}

	db, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	tx, err := db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, classify(apperrors.KindConnection, err, "begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(apperrors.KindExecution, err, "query failed")
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, classify(apperrors.KindExecution, err, "read columns")
	}
	columns := make([]connector.Column, len(colTypes))
	for i, ct := range colTypes {
		columns[i] = connector.Column{Name: ct.Name(), Type: strings.ToUpper(ct.DatabaseTypeName())}
	}

	limit := connector.RowLimit(spec, c.opts.MaxRows)
	res := &connector.Result{Status: connector.StatusOK, Columns: columns, Rows: make([]map[string]any, 0)}
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if len(res.Rows) == limit {
			res.Truncated = true
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classify(apperrors.KindExecution, err, "read row")
		}
		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col.Name] = normalizeValue(col.Type, values[i])
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(apperrors.KindExecution, err, "iterate rows")
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

var placeholderRe = regexp.MustCompile(`\$(\d+)`)

// ConvertPlaceholders rewrites $1, $2 to @p1, @p2.
func ConvertPlaceholders(query string) string {
	return placeholderRe.ReplaceAllString(query, "@p$1")
}

func normalizeValue(colType string, v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	switch colType {
	case "UNIQUEIDENTIFIER":
		var u mssqldb.UniqueIdentifier
		if err := u.Scan(b); err == nil {
			return u.String()
		}
	case "DECIMAL", "NUMERIC", "MONEY", "SMALLMONEY":
		return string(b)
	case "BINARY", "VARBINARY", "IMAGE":
		return b
	}
	return string(b)
}

func classify(kind apperrors.Kind, err error, action string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var msErr mssqldb.Error
	if errors.As(err, &msErr) {
		// 18456: login failed, 4060: cannot open database
		if msErr.Number == 18456 || msErr.Number == 4060 {
			kind = apperrors.KindConnection
		}
		return apperrors.Wrap(kind, err, "%s: %s (error %d)", action, msErr.Message, msErr.Number)
	}
	return apperrors.Wrap(kind, err, "%s", action)
}

var _ connector.Connector = (*Connector)(nil)
