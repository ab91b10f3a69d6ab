// Package mongodb implements the document connector on the official MongoDB
// driver. Queries are read-only finds described with extended JSON.
package mongodb

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/ekaya-inc/ekaya-connect/pkg/adapters/connector"
	"github.com/ekaya-inc/ekaya-connect/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-connect/pkg/models"
)

// Type is the connection type served by this package.
const Type = "mongodb"

//go:embed schema.yaml
var schemaYAML []byte

var schema = connector.MustParseSchema(schemaYAML)

// Operators that run server-side JavaScript are refused in filters.
var forbiddenOperators = map[string]bool{
	"$where":       true,
	"$function":    true,
	"$accumulator": true,
}

// Options tune clients opened by the connector.
type Options struct {
	MaxPoolSize uint64
	IdleTime    time.Duration
	MaxRows     int
}

// Connector talks to MongoDB.
type Connector struct {
	connMgr *connector.ConnectionManager
	opts    Options
}

// New creates the connector. connMgr may be nil.
func New(connMgr *connector.ConnectionManager, opts Options) *Connector {
	if opts.MaxPoolSize == 0 {
		opts.MaxPoolSize = 5
	}
	if opts.IdleTime <= 0 {
		opts.IdleTime = 5 * time.Minute
	}
	return &Connector{connMgr: connMgr, opts: opts}
}

func (c *Connector) Info() connector.Info {
	return connector.Info{
		Type:        Type,
		DisplayName: "MongoDB",
		Description: "Query MongoDB collections",
		Family:      connector.FamilyDocument,
		Schema:      schema,
	}
}

func (c *Connector) ValidateConfig(params map[string]any) error {
	return schema.Validate(params)
}

// clientWrapper adapts *mongo.Client to connector.PoolConnector.
type clientWrapper struct {
	client *mongo.Client
}

func (w *clientWrapper) Ping(ctx context.Context) error {
	return w.client.Ping(ctx, readpref.PrimaryPreferred())
}

func (w *clientWrapper) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.client.Disconnect(ctx)
}

func (w *clientWrapper) GetType() string { return Type }

func (c *Connector) acquire(ctx context.Context, t connector.Target) (*Config, *mongo.Client, func(), error) {
	cfg := FromTarget(schema.WithDefaults(t.Params), t.Secret)
	fingerprint := connector.Fingerprint(cfg.URI(), cfg.User, cfg.Password, cfg.AuthSource)

	pc, release, err := connector.AcquirePool(ctx, c.connMgr, t, fingerprint, func(ctx context.Context) (connector.PoolConnector, error) {
		opts := cfg.ClientOptions().
			SetMaxPoolSize(c.opts.MaxPoolSize).
			SetMaxConnIdleTime(c.opts.IdleTime).
			SetReadPreference(readpref.PrimaryPreferred())
		client, err := mongo.Connect(ctx, opts)
		if err != nil {
			return nil, classify(apperrors.KindConnection, err, "connect to mongodb")
		}
		w := &clientWrapper{client: client}
		if err := w.Ping(ctx); err != nil {
			_ = w.Close()
			return nil, classify(apperrors.KindConnection, err, "connect to mongodb")
		}
		return w, nil
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return cfg, pc.(*clientWrapper).client, release, nil
}

// TestConnection pings the deployment and lists one collection name to prove
// the user can read the configured database.
func (c *Connector) TestConnection(ctx context.Context, t connector.Target) (*connector.Result, error) {
	cfg, client, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	names, err := client.Database(cfg.Database).ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, classify(apperrors.KindConnection, err, "list collections")
	}

	res := connector.OK()
	res.Metadata = map[string]any{"database": cfg.Database, "collections": len(names)}
	return res, nil
}

// Execute runs a find against spec.Document.Collection.
func (c *Connector) Execute(ctx context.Context, t connector.Target, spec *models.QuerySpec) (*connector.Result, error) {
	if spec == nil || spec.Document == nil || spec.Document.Collection == "" {
		return nil, apperrors.Validation("mongodb connections need a document query with a collection")
	}
	filter, err := parseDocument("filter", spec.Document.Filter)
	if err != nil {
		return nil, err
	}
	if op := findForbidden(filter); op != "" {
		return nil, apperrors.Validation("operator %s is not allowed", op)
	}
	projection, err := parseDocument("projection", spec.Document.Projection)
	if err != nil {
		return nil, err
	}
	sort, err := parseDocument("sort", spec.Document.Sort)
	if err != nil {
		return nil, err
	}

	cfg, client, release, err := c.acquire(ctx, t)
	if err != nil {
		return nil, err
	}
	defer release()

	limit := connector.RowLimit(spec, c.opts.MaxRows)
	findOpts := options.Find().SetLimit(int64(limit) + 1)
	if len(projection) > 0 {
		findOpts.SetProjection(projection)
	}
	if len(sort) > 0 {
		findOpts.SetSort(sort)
	}

	cursor, err := client.Database(cfg.Database).Collection(spec.Document.Collection).Find(ctx, filter, findOpts)
	if err != nil {
		return nil, classify(apperrors.KindExecution, err, "find failed")
	}
	defer func() { _ = cursor.Close(context.WithoutCancel(ctx)) }()

	res := &connector.Result{Status: connector.StatusOK, Rows: make([]map[string]any, 0)}
	seen := map[string]bool{}
	for cursor.Next(ctx) {
		if len(res.Rows) == limit {
			res.Truncated = true
			break
		}
		row, keys, err := toRow(cursor.Current)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindExecution, err, "decode document")
		}
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				res.Columns = append(res.Columns, connector.Column{Name: k})
			}
		}
		res.Rows = append(res.Rows, row)
	}
	if err := cursor.Err(); err != nil {
		return nil, classify(apperrors.KindExecution, err, "iterate cursor")
	}
	res.RowCount = len(res.Rows)
	return res, nil
}

// parseDocument decodes relaxed or canonical extended JSON into a bson.D.
// An empty input yields an empty document.
func parseDocument(name string, raw json.RawMessage) (bson.D, error) {
	doc := bson.D{}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return doc, nil
	}
	if err := bson.UnmarshalExtJSON([]byte(trimmed), false, &doc); err != nil {
		return nil, apperrors.Validation("%s must be a JSON object: %v", name, err)
	}
	return doc, nil
}

func findForbidden(doc bson.D) string {
	for _, e := range doc {
		if forbiddenOperators[e.Key] {
			return e.Key
		}
		switch v := e.Value.(type) {
		case bson.D:
			if op := findForbidden(v); op != "" {
				return op
			}
		case bson.A:
			for _, item := range v {
				if d, ok := item.(bson.D); ok {
					if op := findForbidden(d); op != "" {
						return op
					}
				}
			}
		}
	}
	return ""
}

// toRow renders a raw document as relaxed extended JSON and decodes it into
// plain Go values, returning the top-level keys in document order.
func toRow(raw bson.Raw) (map[string]any, []string, error) {
	elems, err := raw.Elements()
	if err != nil {
		return nil, nil, err
	}
	keys := make([]string, len(elems))
	for i, e := range elems {
		keys[i] = e.Key()
	}
	ext, err := bson.MarshalExtJSON(raw, false, false)
	if err != nil {
		return nil, nil, err
	}
	row := map[string]any{}
	if err := json.Unmarshal(ext, &row); err != nil {
		return nil, nil, err
	}
	return row, keys, nil
}

func classify(kind apperrors.Kind, err error, action string) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) {
		// 13: Unauthorized, 18: AuthenticationFailed
		if cmdErr.Code == 13 || cmdErr.Code == 18 {
			kind = apperrors.KindConnection
		}
		return apperrors.Wrap(kind, err, "%s: %s", action, cmdErr.Message)
	}
	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		kind = apperrors.KindConnection
	}
	return apperrors.Wrap(kind, err, "%s", action)
}

var _ connector.Connector = (*Connector)(nil)
